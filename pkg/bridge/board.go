package bridge

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/spmt-unicamp/spmtcal/pkg/link"
	"github.com/spmt-unicamp/spmtcal/pkg/utils/wait"
)

// ErrChannelCountMismatch is returned when a per-channel array does not have
// one value per channel.
var ErrChannelCountMismatch = errors.New("number of values does not match number of channels")

// Timing holds the settle times the firmware needs between a command and its
// answer.
type Timing struct {
	DACSettle      time.Duration
	MuxSettle      time.Duration
	MonitorStart   time.Duration
	MonitorChannel time.Duration
	MonitorStop    time.Duration
}

// DefaultTiming returns the settle times of the bench firmware.
func DefaultTiming() Timing {
	return Timing{
		DACSettle:      500 * time.Millisecond,
		MuxSettle:      time.Second,
		MonitorStart:   3 * time.Second,
		MonitorChannel: 500 * time.Millisecond,
		MonitorStop:    500 * time.Millisecond,
	}
}

// Board drives the DAC, MUX and monitor menus of one readout board.
// All operations are sequential and blocking.
type Board struct {
	link     link.Link
	channels int
	timing   Timing
}

// New returns a Board with channels operational channels behind l.
func New(l link.Link, channels int, timing Timing) *Board {
	return &Board{link: l, channels: channels, timing: timing}
}

// Channels returns the number of operational channels.
func (b *Board) Channels() int { return b.channels }

// exchange sends cmd, waits settle, and drains the answer.
func (b *Board) exchange(ctx context.Context, cmd string, settle time.Duration) (string, error) {
	if err := b.link.Send(cmd); err != nil {
		return "", err
	}
	if err := wait.Sleep(ctx, settle); err != nil {
		return "", err
	}
	resp, err := b.link.Receive()
	if err != nil {
		return "", err
	}
	logrus.WithFields(logrus.Fields{
		"cmd":  cmd,
		"resp": resp,
	}).Debug("bridge answered")
	return resp, nil
}
