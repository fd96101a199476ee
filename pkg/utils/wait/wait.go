// Package wait holds the context-aware sleeps and timeout error shared by the
// bench-facing packages.
package wait

import (
	"context"
	"errors"
	"time"
)

// ErrTimeout is wrapped by every bounded wait that expires.
var ErrTimeout = errors.New("timed out")

// Sleep blocks for d or until ctx is done, whichever comes first.
// It returns ctx.Err() when the context ends the wait.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
