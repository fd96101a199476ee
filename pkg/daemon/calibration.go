package daemon

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/spmt-unicamp/spmtcal/pkg/calibration"
	"github.com/spmt-unicamp/spmtcal/pkg/config"
	"github.com/spmt-unicamp/spmtcal/pkg/events"
	"github.com/spmt-unicamp/spmtcal/pkg/pipeline"
)

// runner is the part of a pipeline the daemon drives.
type runner interface {
	Run(ctx context.Context) (calibration.RunSummary, error)
}

// newRunner builds the run; replaced in tests.
var newRunner = func(ctx context.Context, id uint64, cfg config.Config, r pipeline.Reporter) runner {
	return pipeline.NewFromConfig(ctx, id, cfg, r)
}

var ErrRunInProgress = &runError{"calibration run already in progress"}
var ErrRunNotActive = &runError{"no calibration run in progress"}

type runError struct{ msg string }

func (e *runError) Error() string { return e.msg }

var (
	runMu     = &sync.Mutex{}
	runCancel context.CancelFunc
	runDone   chan struct{}

	// lastRunID numbers runs when there is no journal.
	lastRunID atomic.Uint64

	tracker = &statusTracker{}
)

// maxHistory bounds the in-memory history kept without a journal.
const maxHistory = 50

var (
	historyMu = &sync.Mutex{}
	history   []calibration.RunSummary
)

func nextRunID() uint64 {
	if runJournal != nil {
		id, err := runJournal.NextID()
		if err == nil {
			if id > lastRunID.Load() {
				lastRunID.Store(id)
			}
			return id
		}
		logrus.WithError(err).Warn("failed to reserve run ID from journal")
	}
	return lastRunID.Add(1)
}

// startRun launches a run with cfg on the run worker.
func startRun(cfg config.Config) (uint64, error) {
	runMu.Lock()
	defer runMu.Unlock()

	if runCancel != nil {
		return 0, ErrRunInProgress
	}

	id := nextRunID()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	runCancel, runDone = cancel, done
	tracker.begin()

	logrus.WithFields(cfg.LogrusFields()).WithField("run", id).Info("starting calibration run")

	go func() {
		defer close(done)
		defer func() {
			runMu.Lock()
			runCancel, runDone = nil, nil
			runMu.Unlock()
			cancel()
		}()

		sum, err := newRunner(ctx, id, cfg, tracker).Run(ctx)
		if sum.ID == 0 {
			sum.ID = id
		}
		tracker.end(sum, err)
		recordRun(&sum)
	}()
	return id, nil
}

// cancelRun asks the active run to stop. The run aborts to a safe state on
// its own goroutine; use waitRun to wait for it.
func cancelRun() error {
	runMu.Lock()
	defer runMu.Unlock()
	if runCancel == nil {
		return ErrRunNotActive
	}
	logrus.Info("cancelling calibration run")
	runCancel()
	return nil
}

// waitRun blocks until no run is active or timeout elapses. It reports
// whether the worker is idle.
func waitRun(timeout time.Duration) bool {
	runMu.Lock()
	done := runDone
	runMu.Unlock()
	if done == nil {
		return true
	}
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func recordRun(sum *calibration.RunSummary) {
	if runJournal != nil {
		if err := runJournal.Record(sum); err != nil {
			logrus.WithError(err).Error("failed to record run in journal")
		}
		return
	}
	historyMu.Lock()
	history = append([]calibration.RunSummary{*sum}, history...)
	if len(history) > maxHistory {
		history = history[:maxHistory]
	}
	historyMu.Unlock()
}

func listRuns(limit int) ([]calibration.RunSummary, error) {
	if runJournal != nil {
		return runJournal.List(limit)
	}
	historyMu.Lock()
	defer historyMu.Unlock()
	out := history
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return append([]calibration.RunSummary(nil), out...), nil
}

// statusTracker keeps the status of the current run up to date from the
// events of the pipeline, then forwards them to the hub.
type statusTracker struct {
	mu sync.Mutex
	st calibration.Status
}

func (t *statusTracker) begin() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.st = calibration.Status{
		Stage:       calibration.StageInit,
		Running:     true,
		StartedAt:   time.Now(),
		LEDVoltages: map[calibration.Stage]float64{},
		CanCancel:   true,
	}
}

func (t *statusTracker) end(sum calibration.RunSummary, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.st.Running = false
	t.st.CanCancel = false
	if err != nil {
		t.st.Stage = calibration.StageAbort
		t.st.LastError = sum.Reason
		if t.st.LastError == "" {
			t.st.LastError = err.Error()
		}
		return
	}
	t.st.Stage = calibration.StageDone
	t.st.LastError = ""
}

// Publish implements pipeline.Reporter.
func (t *statusTracker) Publish(name string, payload any) {
	t.mu.Lock()
	switch p := payload.(type) {
	case events.StageEvent:
		t.st.Stage = p.Stage
	case events.StageFinishedEvent:
		if p.Result.Success {
			t.st.Completed = append(t.st.Completed, p.Result.Stage)
		}
	case events.SearchStepEvent:
		t.st.LEDVoltages[p.Stage] = p.Voltage
	}
	t.mu.Unlock()

	if hub != nil {
		hub.Publish(name, payload)
	}
}

func (t *statusTracker) snapshot() calibration.Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.st
	st.Completed = append([]calibration.Stage(nil), t.st.Completed...)
	st.LEDVoltages = make(map[calibration.Stage]float64, len(t.st.LEDVoltages))
	for k, v := range t.st.LEDVoltages {
		st.LEDVoltages[k] = v
	}
	if st.Stage == "" {
		st.Stage = calibration.StageInit
	}
	return st
}
