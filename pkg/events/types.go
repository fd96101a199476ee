package events

import (
	"encoding/json"

	"github.com/spmt-unicamp/spmtcal/pkg/calibration"
)

// Event names published during a run.
const (
	StageStarted   = "stage.started"
	StageFinished  = "stage.finished"
	ChannelReading = "channel.reading"
	SearchStep     = "search.step"
	RunFinished    = "run.finished"
	RunAborted     = "run.aborted"
)

// Event is a generic SSE event from daemon.
type Event struct {
	Name string          // SSE event name
	Data json.RawMessage // Raw JSON payload
}

// StageEvent is the payload of stage.started.
type StageEvent struct {
	RunID uint64            `json:"runId"`
	Stage calibration.Stage `json:"stage"`
	Ts    int64             `json:"ts"`
}

// StageFinishedEvent is the payload of stage.finished.
type StageFinishedEvent struct {
	RunID  uint64                  `json:"runId"`
	Result calibration.StageResult `json:"result"`
}

// ChannelReadingEvent carries the per-channel values of the setup stages.
// Only the fields relevant to the stage are set.
type ChannelReadingEvent struct {
	RunID    uint64                       `json:"runId"`
	Stage    calibration.Stage            `json:"stage"`
	Voltages []calibration.ChannelVoltage `json:"voltages,omitempty"`
	Monitors []calibration.ChannelMonitor `json:"monitors,omitempty"`
}

// SearchStepEvent is one iteration of an LED search.
type SearchStepEvent struct {
	RunID     uint64            `json:"runId"`
	Stage     calibration.Stage `json:"stage"`
	Iteration int               `json:"iteration"`
	Voltage   float64           `json:"voltage"`
	Code      int               `json:"code"`
}

// RunEvent is the payload of run.finished and run.aborted.
type RunEvent struct {
	Summary calibration.RunSummary `json:"summary"`
}

// DecodeAs decodes the event payload into the caller-specified generic type T.
// It ignores the event name and simply unmarshals Data into T. If Data is empty,
// it returns the zero value of T with a nil error.
//
// Example:
//
//	payload, err := events.DecodeAs[events.SearchStepEvent](ev)
//	if err != nil { /* handle */ }
//	fmt.Println(payload.Iteration, payload.Voltage)
func DecodeAs[T any](e Event) (T, error) {
	var zero T
	if len(e.Data) == 0 {
		return zero, nil
	}
	var v T
	if err := json.Unmarshal(e.Data, &v); err != nil {
		return zero, err
	}
	return v, nil
}
