package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	pkgerrors "github.com/pkg/errors"

	"github.com/spmt-unicamp/spmtcal/pkg/calibration"
	"github.com/spmt-unicamp/spmtcal/pkg/config"
	"github.com/spmt-unicamp/spmtcal/pkg/events"
	"github.com/spmt-unicamp/spmtcal/pkg/version"
)

// Schedule is the daemon's calibration schedule. Next is zero when no run
// is scheduled.
type Schedule struct {
	Cron string    `json:"cron"`
	Next time.Time `json:"next,omitempty"`
}

// StartRun asks the daemon to start a run. overrides are configuration keys
// applied to this run only and may be nil.
func (c *Client) StartRun(overrides map[string]interface{}) (uint64, error) {
	payload, err := json.Marshal(struct {
		Overrides map[string]interface{} `json:"overrides,omitempty"`
	}{overrides})
	if err != nil {
		return 0, err
	}
	ret, err := c.Post("/run", string(payload))
	if err != nil {
		return 0, pkgerrors.Wrapf(err, "failed to start calibration run")
	}

	var resp struct {
		ID uint64 `json:"id"`
	}
	if err := json.Unmarshal([]byte(ret), &resp); err != nil {
		return 0, pkgerrors.Wrapf(err, "failed to unmarshal run ID")
	}
	return resp.ID, nil
}

func (c *Client) CancelRun() (string, error) {
	return c.Post("/cancel", "")
}

func (c *Client) GetStatus() (*calibration.Status, error) {
	ret, err := c.Get("/status")
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to get calibration status")
	}
	var st calibration.Status
	if err := json.Unmarshal([]byte(ret), &st); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal calibration status")
	}
	return &st, nil
}

// ListRuns returns the recorded runs, newest first. limit <= 0 returns all.
func (c *Client) ListRuns(limit int) ([]calibration.RunSummary, error) {
	path := "/runs"
	if limit > 0 {
		path = fmt.Sprintf("/runs?limit=%d", limit)
	}
	ret, err := c.Get(path)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to list runs")
	}
	var runs []calibration.RunSummary
	if err := json.Unmarshal([]byte(ret), &runs); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal runs")
	}
	return runs, nil
}

func (c *Client) GetRun(id uint64) (*calibration.RunSummary, error) {
	ret, err := c.Get(fmt.Sprintf("/runs/%d", id))
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to get run %d", id)
	}
	var sum calibration.RunSummary
	if err := json.Unmarshal([]byte(ret), &sum); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal run %d", id)
	}
	return &sum, nil
}

func (c *Client) GetConfig() (*config.Config, error) {
	ret, err := c.Get("/config")
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to get config")
	}
	var conf config.Config
	if err := json.Unmarshal([]byte(ret), &conf); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal config")
	}
	return &conf, nil
}

func (c *Client) GetSchedule() (*Schedule, error) {
	ret, err := c.Get("/schedule")
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to get schedule")
	}
	var s Schedule
	if err := json.Unmarshal([]byte(ret), &s); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal schedule")
	}
	return &s, nil
}

// SetSchedule replaces the daemon's cron expression. An empty expression
// disables scheduled runs.
func (c *Client) SetSchedule(expr string) (*Schedule, error) {
	payload, err := json.Marshal(expr)
	if err != nil {
		return nil, err
	}
	ret, err := c.Put("/schedule", string(payload))
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to set schedule")
	}
	var s Schedule
	if err := json.Unmarshal([]byte(ret), &s); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal schedule")
	}
	return &s, nil
}

func (c *Client) GetVersion() (*version.BuildInfo, error) {
	ret, err := c.Get("/version")
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to get version")
	}
	var info version.BuildInfo
	if err := json.Unmarshal([]byte(ret), &info); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal version")
	}
	return &info, nil
}

// Events follows the daemon's event stream until ctx is done or fn returns
// an error.
func (c *Client) Events(ctx context.Context, fn func(events.Event) error) error {
	return c.Stream(ctx, "/events", func(name, data string) error {
		return fn(events.Event{Name: name, Data: json.RawMessage(data)})
	})
}
