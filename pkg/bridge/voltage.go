package bridge

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
)

// SetChannel writes v volts to the DAC of ch.
func (b *Board) SetChannel(ctx context.Context, ch int, v float64) error {
	logrus.WithFields(logrus.Fields{
		"channel": ch,
		"voltage": v,
	}).Debug("setting DAC")
	if _, err := b.exchange(ctx, SetVoltageCommand(ch, v), b.timing.DACSettle); err != nil {
		return fmt.Errorf("failed to set channel %d to %.3f V: %w", ch, v, err)
	}
	return nil
}

// SetAll writes v volts to channels 0..N-1 in order.
func (b *Board) SetAll(ctx context.Context, v float64) error {
	for ch := 0; ch < b.channels; ch++ {
		if err := b.SetChannel(ctx, ch, v); err != nil {
			return err
		}
	}
	return nil
}

// SetAllFromArray writes values[ch] to every channel. Nothing is sent when the
// array length differs from the channel count.
func (b *Board) SetAllFromArray(ctx context.Context, values []float64) error {
	if len(values) != b.channels {
		logrus.WithFields(logrus.Fields{
			"values":   len(values),
			"channels": b.channels,
		}).Error("refusing to set voltages")
		return fmt.Errorf("%w: got %d values for %d channels", ErrChannelCountMismatch, len(values), b.channels)
	}
	for ch, v := range values {
		if err := b.SetChannel(ctx, ch, v); err != nil {
			return err
		}
	}
	return nil
}

// ReadBack measures every DAC output through the multiplexer when enable is
// true. A channel whose answer cannot be parsed is reported as
// ReadBackFailed and the loop continues. With enable false it only
// disconnects the multiplexer and returns nil values.
func (b *Board) ReadBack(ctx context.Context, enable bool) ([]float64, error) {
	if !enable {
		if _, err := b.exchange(ctx, MuxDisableCommand(), b.timing.MuxSettle); err != nil {
			return nil, fmt.Errorf("failed to disable multiplexer: %w", err)
		}
		return nil, nil
	}

	values := make([]float64, b.channels)
	for ch := 0; ch < b.channels; ch++ {
		resp, err := b.exchange(ctx, MuxEnableCommand(ch), b.timing.MuxSettle)
		if err != nil {
			return nil, fmt.Errorf("failed to read back channel %d: %w", ch, err)
		}
		v, err := ParseMuxVoltage(ch, resp)
		if err != nil {
			logrus.WithError(err).WithField("channel", ch).Error("failed to read back DAC voltage")
		}
		values[ch] = v
	}
	return values, nil
}
