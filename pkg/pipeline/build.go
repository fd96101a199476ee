package pipeline

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/spmt-unicamp/spmtcal/pkg/acquisition"
	"github.com/spmt-unicamp/spmtcal/pkg/bridge"
	"github.com/spmt-unicamp/spmtcal/pkg/config"
	"github.com/spmt-unicamp/spmtcal/pkg/extool"
	"github.com/spmt-unicamp/spmtcal/pkg/link"
	"github.com/spmt-unicamp/spmtcal/pkg/tolerance"
)

// deviceLink is a link the pipeline owns for the length of a run.
type deviceLink interface {
	link.Link
	Close() error
}

// openLink returns the link described by cfg. A serial port that cannot be
// opened still yields a link; every command on it then fails with
// link.ErrNotConnected and the run aborts at its first stage.
var openLink = func(ctx context.Context, cfg *config.Config) deviceLink {
	if cfg.Simulate {
		sim := bridge.NewSimulator(cfg.Initial.VoltageFactor, cfg.Initial.CurrentFactor)
		logrus.Warn("simulating the bridge, no command reaches the hardware")
		return link.NewMock(sim.Respond)
	}
	s := link.NewSerial(cfg.Serial.Port, cfg.Serial.Baud)
	s.OpenTimeout = cfg.Timing.LinkOpen
	s.StartupDelay = cfg.Timing.LinkStartup
	_ = s.Open(ctx)
	return s
}

// NewFromConfig wires a run with the serial bridge (or its simulator), the
// external tools in the work directory and the violation logs.
func NewFromConfig(ctx context.Context, id uint64, cfg config.Config, reporter Reporter) *Pipeline {
	l := openLink(ctx, &cfg)

	tools := extool.NewRunner(cfg.Files.WorkDir, cfg.Timing.ArtifactSettle, cfg.Timing.ArtifactTimeout)
	board := bridge.New(l, cfg.Channels, bridge.Timing{
		DACSettle:      cfg.Timing.DACSettle,
		MuxSettle:      cfg.Timing.MuxSettle,
		MonitorStart:   cfg.Timing.MonitorStart,
		MonitorChannel: cfg.Timing.MonitorChannel,
		MonitorStop:    cfg.Timing.MonitorStop,
	})
	acq := acquisition.New(l, tools, acquisition.Options{
		SignalFile: tools.Path(cfg.Files.Signal),
		Exe:        cfg.Tools.Acquisition,
		Args:       cfg.Tools.AcquisitionArgs,
		Timing: acquisition.Timing{
			StopToQuit:     cfg.Timing.StopToQuit,
			ToolStartup:    cfg.Timing.ToolStartup,
			TriggerPoll:    cfg.Timing.TriggerPoll,
			TriggerTimeout: cfg.Timing.TriggerTimeout,
		},
	})

	return New(id, cfg, Deps{
		Board:       board,
		Acquisition: acq,
		Tools:       tools,
		Validator:   tolerance.New(cfg.Files.LogDir),
		Link:        l,
		Reporter:    reporter,
	})
}
