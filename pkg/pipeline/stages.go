package pipeline

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/spmt-unicamp/spmtcal/pkg/artifacts"
	"github.com/spmt-unicamp/spmtcal/pkg/calibration"
	"github.com/spmt-unicamp/spmtcal/pkg/config"
	"github.com/spmt-unicamp/spmtcal/pkg/events"
	"github.com/spmt-unicamp/spmtcal/pkg/search"
	"github.com/spmt-unicamp/spmtcal/pkg/utils/wait"
)

// runStage performs the action of st and returns the files it produced.
//
//nolint:gocyclo
func (p *Pipeline) runStage(ctx context.Context, st calibration.Stage) ([]string, error) {
	c := &p.cfg
	b := p.deps.Board

	switch st {
	case calibration.StageSetInitialVoltage:
		return nil, b.SetAll(ctx, c.Initial.Voltage/c.Divider)

	case calibration.StageReadBackViaMux:
		values, err := b.ReadBack(ctx, true)
		if err != nil {
			return nil, err
		}
		if _, err := b.ReadBack(ctx, false); err != nil {
			return nil, err
		}
		p.readBacks = values
		set := c.Initial.Voltage / c.Divider
		readings := make([]calibration.ChannelVoltage, len(values))
		for ch, v := range values {
			readings[ch] = calibration.ChannelVoltage{Channel: ch, Set: set, ReadBack: v}
			logrus.WithFields(logrus.Fields{
				"channel":  ch,
				"readBack": v,
			}).Info("DAC read back")
		}
		p.publish(events.ChannelReading, events.ChannelReadingEvent{RunID: p.id, Stage: st, Voltages: readings})
		return nil, nil

	case calibration.StageValidateSet:
		found, err := p.deps.Validator.ValidateSet(p.readBacks, c.Initial.Voltage/c.Divider, c.Initial.MaxVoltageError)
		return nil, violationsOrError(st, found, err)

	case calibration.StageReadMonitors:
		mons, err := b.ReadMonitors(ctx)
		if err != nil {
			return nil, err
		}
		p.monitors = mons
		for _, m := range mons {
			logrus.WithFields(logrus.Fields{
				"channel": m.Channel,
				"iMon":    m.IMon,
				"vMon":    m.VMon,
				"valid":   m.Valid,
			}).Info("monitors read")
		}
		p.publish(events.ChannelReading, events.ChannelReadingEvent{RunID: p.id, Stage: st, Monitors: mons})
		return nil, nil

	case calibration.StageValidateMonitors:
		found, err := p.deps.Validator.ValidateMonitors(p.readBacks, p.monitors,
			c.Initial.VoltageFactor, c.Initial.CurrentFactor, c.Initial.MaxVMonError, c.Initial.MaxIMonError)
		return nil, violationsOrError(st, found, err)

	case calibration.StageDarkCount:
		if err := p.deps.Acquisition.RunOne(ctx, c.DarkCount.Frequency, c.DarkCount.Pulses); err != nil {
			return nil, err
		}
		if err := p.deps.Tools.Run(ctx, c.Tools.DarkCount, c.Files.DarkParameters); err != nil {
			return nil, err
		}
		files, err := p.renameWaves(c.Files.WaveDark)
		return append([]string{p.deps.Tools.Path(c.Files.DarkParameters)}, files...), err

	case calibration.StageSinglePhotoelectronSearch:
		return nil, p.searchLED(ctx, st, c.SinglePhotoelectron, c.Tools.Threshold, c.Files.ThresholdResult)

	case calibration.StageSinglePhotoelectronAcquire:
		return p.acquire(ctx, c.SinglePhotoelectron.Acquire, c.Files.WaveSingle)

	case calibration.StageIntenseLEDSearch:
		return nil, p.searchLED(ctx, st, c.IntenseLED, c.Tools.Search, c.Files.SearchResult)

	case calibration.StageIntenseLEDAcquire:
		return p.acquire(ctx, c.IntenseLED.Acquire, c.Files.WaveHigh)

	case calibration.StageLowLED:
		return p.lowLED(ctx)

	case calibration.StageLinearitySweep:
		return p.linearity(ctx)

	case calibration.StageZeroAndShutdown:
		// counted as the run's zero-all even if it fails half way, so it
		// must not be cut short by cancellation
		p.zeroed = true
		return nil, b.SetAll(context.WithoutCancel(ctx), 0)
	}
	return nil, fmt.Errorf("unknown stage %q", st)
}

func violationsOrError(st calibration.Stage, found []calibration.Violation, err error) error {
	if len(found) > 0 {
		return &ViolationError{Stage: st, Violations: found}
	}
	return err
}

func (p *Pipeline) renameWaves(to string) ([]string, error) {
	t := p.deps.Tools
	return artifacts.RenameWaves(t.Path(p.cfg.Files.Wave), t.Path(to), p.deps.Board.Channels())
}

func (p *Pipeline) acquire(ctx context.Context, a config.Pulses, to string) ([]string, error) {
	if err := p.deps.Acquisition.RunOne(ctx, a.Frequency, a.Pulses); err != nil {
		return nil, err
	}
	return p.renameWaves(to)
}

func (p *Pipeline) searchLED(ctx context.Context, st calibration.Stage, s config.LEDStage, exe, result string) error {
	c := &p.cfg
	out, err := search.Run(ctx, search.Params{
		Channel:        c.LEDs.LED1,
		InitialVoltage: s.InitialVoltage,
		Factor1:        s.StepFactor,
		Factor2:        c.Search.StepBase,
		MaxIterations:  c.Search.MaxIterations,
		Divider:        c.Divider,
		Frequency:      s.Search.Frequency,
		Pulses:         s.Search.Pulses,
	}, p.deps.Board, p.deps.Acquisition, &search.ToolAnalyzer{
		Tools:      p.deps.Tools,
		Exe:        exe,
		ResultFile: result,
	}, p.searchObserver(st))
	if err != nil {
		return err
	}
	p.summary.LEDVoltages[st] = out.Voltage
	p.summary.Converged[st] = out.Converged
	logrus.WithFields(logrus.Fields{
		"stage":      st,
		"voltage":    out.Voltage,
		"converged":  out.Converged,
		"iterations": out.Iterations,
	}).Info("LED search finished")
	return nil
}

func (p *Pipeline) lowLED(ctx context.Context) ([]string, error) {
	c := &p.cfg
	t := p.deps.Tools
	if err := p.deps.Board.SetAll(ctx, c.LowLED.Voltage/c.Divider); err != nil {
		return nil, err
	}
	spe := t.Path(c.Files.SinglePhotoelectron)
	if err := artifacts.WriteSinglePhotoelectron(spe, p.readBacks, c.LowLED.Voltage, c.LowLED.VoltageFactor); err != nil {
		return nil, err
	}
	files := []string{spe}
	waves, err := p.acquire(ctx, c.LowLED.Acquire, c.Files.WaveLow)
	files = append(files, waves...)
	if err != nil {
		return files, err
	}
	if err := t.Run(ctx, c.Tools.GainTable, c.Files.GainTable); err != nil {
		return files, err
	}
	return append(files, t.Path(c.Files.GainTable)), nil
}

func (p *Pipeline) linearity(ctx context.Context) ([]string, error) {
	c := &p.cfg
	b := p.deps.Board
	acq := p.deps.Acquisition
	lin := c.Linearity

	if err := b.SetChannel(ctx, c.LEDs.LED1, 0); err != nil {
		return nil, err
	}
	gains, err := artifacts.ReadGainTable(p.deps.Tools.Path(c.Files.GainTable), b.Channels(), lin.VoltageFactor)
	if err != nil {
		return nil, err
	}
	for i := range gains {
		gains[i] /= c.Divider
	}
	if err := b.SetAllFromArray(ctx, gains); err != nil {
		return nil, err
	}
	cfgFile := p.deps.Tools.Path(c.Files.LinearityConfig)
	if err := artifacts.WriteLinearityConfig(cfgFile, lin.Pulses, lin.Steps); err != nil {
		return nil, err
	}

	if err := acq.StartAcquisition(ctx); err != nil {
		return nil, err
	}
	if err := acq.LaunchTool(ctx); err != nil {
		return nil, err
	}

	type phase struct{ led2, led3 bool }
	phases := []phase{{true, false}, {true, true}, {false, true}}
	for step := 0; step < lin.Steps; step++ {
		v2 := lin.InitialLED2 + float64(step)*lin.IncrementLED2
		v3 := lin.InitialLED3 + float64(step)*lin.IncrementLED3
		logrus.WithFields(logrus.Fields{
			"step": step,
			"led2": v2,
			"led3": v3,
		}).Info("linearity step")
		for _, ph := range phases {
			if err := b.SetChannel(ctx, c.LEDs.LED2, onOff(ph.led2, v2)/c.Divider); err != nil {
				return nil, err
			}
			if err := b.SetChannel(ctx, c.LEDs.LED3, onOff(ph.led3, v3)/c.Divider); err != nil {
				return nil, err
			}
			if err := acq.TriggerPulses(ctx, lin.Frequency, lin.Pulses); err != nil {
				return nil, err
			}
		}
	}
	if err := b.SetChannel(ctx, c.LEDs.LED3, 0); err != nil {
		return nil, err
	}

	if err := acq.StopAcquisition(ctx); err != nil {
		return nil, err
	}
	if err := p.deps.Tools.Start(ctx, c.Tools.Linearity); err != nil {
		return nil, err
	}
	if err := wait.Sleep(ctx, c.Timing.LinearitySettle); err != nil {
		return nil, err
	}
	return []string{cfgFile}, nil
}

func onOff(on bool, v float64) float64 {
	if on {
		return v
	}
	return 0
}
