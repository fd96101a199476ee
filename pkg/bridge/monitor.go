package bridge

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/spmt-unicamp/spmtcal/pkg/calibration"
)

// ReadMonitors samples IMon and VMon of every channel inside one monitor
// session. Unparseable answers yield an invalid ChannelMonitor.
func (b *Board) ReadMonitors(ctx context.Context) ([]calibration.ChannelMonitor, error) {
	if _, err := b.exchange(ctx, MonitorStartCommand(), b.timing.MonitorStart); err != nil {
		return nil, fmt.Errorf("failed to start monitor session: %w", err)
	}

	mons := make([]calibration.ChannelMonitor, b.channels)
	for ch := 0; ch < b.channels; ch++ {
		resp, err := b.exchange(ctx, MonitorChannelCommand(ch), b.timing.MonitorChannel)
		if err != nil {
			return nil, fmt.Errorf("failed to read monitors of channel %d: %w", ch, err)
		}
		iMon, vMon, err := ParseMonitor(ch, resp)
		if err != nil {
			logrus.WithError(err).WithField("channel", ch).Error("failed to read IMon and VMon")
			mons[ch] = calibration.ChannelMonitor{Channel: ch}
			continue
		}
		mons[ch] = calibration.ChannelMonitor{Channel: ch, IMon: iMon, VMon: vMon, Valid: true}
	}

	if _, err := b.exchange(ctx, MonitorStopCommand(), b.timing.MonitorStop); err != nil {
		return nil, fmt.Errorf("failed to stop monitor session: %w", err)
	}
	return mons, nil
}
