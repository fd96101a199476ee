// Package pipeline sequences a full calibration run over the board, the
// acquisition program and the analysis tools. Stages run strictly in order
// and the first failure sends the run through a single abort path that puts
// the board in a safe state.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/spmt-unicamp/spmtcal/pkg/calibration"
	"github.com/spmt-unicamp/spmtcal/pkg/config"
	"github.com/spmt-unicamp/spmtcal/pkg/events"
	"github.com/spmt-unicamp/spmtcal/pkg/search"
)

// Board is the voltage and monitor side of the readout board.
type Board interface {
	Channels() int
	SetChannel(ctx context.Context, ch int, v float64) error
	SetAll(ctx context.Context, v float64) error
	SetAllFromArray(ctx context.Context, values []float64) error
	ReadBack(ctx context.Context, enable bool) ([]float64, error)
	ReadMonitors(ctx context.Context) ([]calibration.ChannelMonitor, error)
}

// Acquisition drives the acquisition program and the LED pulse trains.
type Acquisition interface {
	StartAcquisition(ctx context.Context) error
	StopAcquisition(ctx context.Context) error
	LaunchTool(ctx context.Context) error
	TriggerPulses(ctx context.Context, freqHz float64, count int) error
	RunOne(ctx context.Context, freqHz float64, count int) error
}

// ToolRunner launches the analysis tools.
type ToolRunner interface {
	Start(ctx context.Context, exe string, args ...string) error
	Run(ctx context.Context, exe, artifact string, args ...string) error
	Path(name string) string
}

// Validator checks readings against their tolerances.
type Validator interface {
	ValidateSet(read []float64, reference, maxAbs float64) ([]calibration.Violation, error)
	ValidateMonitors(set []float64, mons []calibration.ChannelMonitor, vFactor, iFactor, maxVRel, maxIRel float64) ([]calibration.Violation, error)
}

// Reporter receives progress events. *events.EventHub is one.
type Reporter interface {
	Publish(name string, payload any)
}

// Deps are the collaborators of a run. Link is closed when the run ends and
// may be nil. Reporter may be nil.
type Deps struct {
	Board       Board
	Acquisition Acquisition
	Tools       ToolRunner
	Validator   Validator
	Link        io.Closer
	Reporter    Reporter
}

// ViolationError ends a run whose readings are out of tolerance.
type ViolationError struct {
	Stage      calibration.Stage
	Violations []calibration.Violation
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("%s: %d channel reading(s) out of tolerance, first: %s", e.Stage, len(e.Violations), e.Violations[0])
}

// Pipeline is one calibration run. It must not be reused.
type Pipeline struct {
	id   uint64
	cfg  config.Config
	deps Deps

	mu      sync.Mutex
	stage   calibration.Stage
	summary calibration.RunSummary

	readBacks []float64
	monitors  []calibration.ChannelMonitor

	zeroed    bool
	aborted   bool
	closeOnce sync.Once
}

// New prepares run id with a copy of cfg.
func New(id uint64, cfg config.Config, deps Deps) *Pipeline {
	return &Pipeline{
		id:    id,
		cfg:   cfg,
		deps:  deps,
		stage: calibration.StageInit,
		summary: calibration.RunSummary{
			ID:          id,
			LEDVoltages: map[calibration.Stage]float64{},
			Converged:   map[calibration.Stage]bool{},
		},
	}
}

// Stage returns the stage the run is in.
func (p *Pipeline) Stage() calibration.Stage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stage
}

func (p *Pipeline) setStage(s calibration.Stage) {
	p.mu.Lock()
	p.stage = s
	p.mu.Unlock()
}

func (p *Pipeline) publish(name string, payload any) {
	if p.deps.Reporter == nil {
		return
	}
	p.deps.Reporter.Publish(name, payload)
}

// Run executes every stage in order. It returns the summary of the run and,
// when the run did not complete, the error that ended it. The board is left
// with all channels at 0 V and the link is released on every path.
func (p *Pipeline) Run(ctx context.Context) (calibration.RunSummary, error) {
	defer p.release()

	p.summary.StartedAt = time.Now()
	logrus.WithFields(logrus.Fields{
		"run":      p.id,
		"channels": p.deps.Board.Channels(),
	}).Info("calibration run started")

	for _, st := range calibration.Stages() {
		if err := ctx.Err(); err != nil {
			return p.Abort(ctx, st, err)
		}
		p.setStage(st)
		p.publish(events.StageStarted, events.StageEvent{RunID: p.id, Stage: st, Ts: time.Now().Unix()})
		logrus.WithField("stage", st).Info("stage started")

		res := calibration.StageResult{Stage: st, Started: time.Now()}
		files, err := p.runStage(ctx, st)
		res.Finished = time.Now()
		res.Artifacts = files
		res.Success = err == nil
		if err != nil {
			res.Reason = reason(err)
		}
		p.publish(events.StageFinished, events.StageFinishedEvent{RunID: p.id, Result: res})
		if err != nil {
			return p.Abort(ctx, st, err)
		}
		logrus.WithFields(logrus.Fields{
			"stage":    st,
			"duration": res.Finished.Sub(res.Started).Round(time.Millisecond),
		}).Info("stage finished")
	}

	p.setStage(calibration.StageDone)
	p.summary.Outcome = calibration.OutcomeCompleted
	p.summary.FinishedAt = time.Now()
	p.publish(events.RunFinished, events.RunEvent{Summary: p.summary})
	logrus.WithField("run", p.id).Info("calibration run completed")
	return p.summary, nil
}

// Abort zeroes every channel unless that already happened in this run,
// releases the link and records why the run ended in stage. Calling it again
// only returns the recorded summary.
func (p *Pipeline) Abort(ctx context.Context, stage calibration.Stage, cause error) (calibration.RunSummary, error) {
	if p.aborted {
		return p.summary, cause
	}
	p.aborted = true
	p.setStage(calibration.StageAbort)

	p.zeroAll(context.WithoutCancel(ctx))
	p.release()

	kind := Classify(cause)
	p.summary.FailedStage = stage
	p.summary.ErrorKind = string(kind)
	p.summary.Reason = reason(cause)
	p.summary.Outcome = calibration.OutcomeAborted
	if kind == KindCancelled {
		p.summary.Outcome = calibration.OutcomeCancelled
	}
	var verr *ViolationError
	if errors.As(cause, &verr) {
		p.summary.Violations = verr.Violations
	}
	p.summary.FinishedAt = time.Now()

	logrus.WithFields(logrus.Fields{
		"run":   p.id,
		"stage": stage,
		"kind":  kind,
	}).WithError(cause).Error("calibration run aborted")
	p.publish(events.RunAborted, events.RunEvent{Summary: p.summary})
	return p.summary, cause
}

func reason(err error) string {
	if Classify(err) == KindCancelled {
		return "cancelled"
	}
	return err.Error()
}

// zeroAll puts every channel at 0 V once per run. Failures are logged only.
func (p *Pipeline) zeroAll(ctx context.Context) {
	if p.zeroed {
		return
	}
	p.zeroed = true
	logrus.Info("setting all channels to 0 V")
	if err := p.deps.Board.SetAll(ctx, 0); err != nil {
		logrus.WithError(err).Error("failed to put the board in a safe state")
	}
}

func (p *Pipeline) release() {
	p.closeOnce.Do(func() {
		if p.deps.Link == nil {
			return
		}
		if err := p.deps.Link.Close(); err != nil {
			logrus.WithError(err).Warn("failed to release device link")
		}
	})
}

// searchObserver forwards search iterations as events.
func (p *Pipeline) searchObserver(st calibration.Stage) func(search.Step) {
	return func(s search.Step) {
		p.publish(events.SearchStep, events.SearchStepEvent{
			RunID:     p.id,
			Stage:     st,
			Iteration: s.Iteration,
			Voltage:   s.Voltage,
			Code:      int(s.Code),
		})
	}
}
