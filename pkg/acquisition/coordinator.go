// Package acquisition coordinates the digitizer acquisition program through a
// one-character signal file and fires the LED pulse trains that it records.
package acquisition

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cenkalti/backoff"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/spmt-unicamp/spmtcal/pkg/bridge"
	"github.com/spmt-unicamp/spmtcal/pkg/link"
	"github.com/spmt-unicamp/spmtcal/pkg/utils/wait"
)

// Signal is the single character the acquisition program polls for.
type Signal byte

const (
	SignalAcquire Signal = 'a'
	SignalStop    Signal = 's'
	SignalQuit    Signal = 'q'
)

// Launcher starts a process without waiting for it.
type Launcher interface {
	Start(ctx context.Context, exe string, args ...string) error
}

// Timing holds the handshake delays and the trigger bounds.
type Timing struct {
	StopToQuit     time.Duration
	ToolStartup    time.Duration
	TriggerPoll    time.Duration
	TriggerTimeout time.Duration
}

// Options configure a Coordinator.
type Options struct {
	SignalFile string
	Exe        string
	Args       []string
	Timing     Timing
}

// Coordinator runs acquisition transactions. One transaction at a time.
type Coordinator struct {
	link  link.Link
	tools Launcher
	opts  Options
}

var errTriggerPending = errors.New("trigger still running")

func New(l link.Link, tools Launcher, opts Options) *Coordinator {
	return &Coordinator{link: l, tools: tools, opts: opts}
}

func (c *Coordinator) signal(s Signal) error {
	if err := os.WriteFile(c.opts.SignalFile, []byte{byte(s)}, 0644); err != nil {
		return pkgerrors.Wrapf(err, "failed to write signal %q", s)
	}
	logrus.WithField("signal", string(rune(s))).Debug("acquisition signal written")
	return nil
}

// StartAcquisition tells the acquisition program to record.
func (c *Coordinator) StartAcquisition(_ context.Context) error {
	return c.signal(SignalAcquire)
}

// StopAcquisition tells the acquisition program to stop, then to quit.
func (c *Coordinator) StopAcquisition(ctx context.Context) error {
	if err := c.signal(SignalStop); err != nil {
		return err
	}
	if err := wait.Sleep(ctx, c.opts.Timing.StopToQuit); err != nil {
		return err
	}
	return c.signal(SignalQuit)
}

// LaunchTool starts the acquisition program and waits for it to come up.
func (c *Coordinator) LaunchTool(ctx context.Context) error {
	if err := c.tools.Start(ctx, c.opts.Exe, c.opts.Args...); err != nil {
		return err
	}
	return wait.Sleep(ctx, c.opts.Timing.ToolStartup)
}

// TriggerPulses fires count pulses at freqHz and blocks until the bridge
// reports the end of the train, polling with exponential backoff. It fails
// with wait.ErrTimeout once TriggerTimeout has elapsed.
func (c *Coordinator) TriggerPulses(ctx context.Context, freqHz float64, count int) error {
	if freqHz <= 0 {
		return fmt.Errorf("invalid trigger frequency %v Hz", freqHz)
	}
	cmd := bridge.LoopTriggerCommand(bridge.TriggerAt(freqHz, count))
	log := logrus.WithFields(logrus.Fields{
		"frequency": freqHz,
		"pulses":    count,
	})
	log.Debug("triggering digitizer")
	if err := c.link.Send(cmd); err != nil {
		return fmt.Errorf("failed to send loop trigger: %w", err)
	}

	poll := c.opts.Timing.TriggerPoll
	if poll <= 0 {
		poll = time.Millisecond
	}
	if err := wait.Sleep(ctx, poll); err != nil {
		return err
	}

	pollCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var linkErr error
	op := func() error {
		resp, err := c.link.Receive()
		if err != nil {
			linkErr = err
			cancel()
			return err
		}
		if bridge.HasTriggerDone(resp) {
			return nil
		}
		return errTriggerPending
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     poll,
		RandomizationFactor: 0.,
		Multiplier:          1.5,
		MaxInterval:         4 * poll,
		MaxElapsedTime:      c.opts.Timing.TriggerTimeout,
		Clock:               backoff.SystemClock,
	}

	err := backoff.Retry(op, backoff.WithContext(b, pollCtx))
	switch {
	case err == nil:
		log.Debug("trigger finished")
		return nil
	case linkErr != nil:
		return fmt.Errorf("failed to read trigger status: %w", linkErr)
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		return fmt.Errorf("%w: no %q after %s", wait.ErrTimeout, bridge.TriggerDone, c.opts.Timing.TriggerTimeout)
	}
}

// RunOne performs start, launch, trigger and stop, stopping at the first
// failure. A failed trigger therefore leaves the acquire signal in place.
func (c *Coordinator) RunOne(ctx context.Context, freqHz float64, count int) error {
	if err := c.StartAcquisition(ctx); err != nil {
		return err
	}
	if err := c.LaunchTool(ctx); err != nil {
		return err
	}
	if err := c.TriggerPulses(ctx, freqHz, count); err != nil {
		return err
	}
	return c.StopAcquisition(ctx)
}
