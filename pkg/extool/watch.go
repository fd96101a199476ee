package extool

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/spmt-unicamp/spmtcal/pkg/utils/wait"
)

// pollInterval is the stat fallback used alongside the filesystem watcher.
var pollInterval = 500 * time.Millisecond

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// WaitForFile blocks until path exists, ctx is done, or timeout expires.
// A zero timeout waits until ctx is done.
func WaitForFile(ctx context.Context, path string, timeout time.Duration) error {
	abs, err := filepath.Abs(path)
	if err == nil {
		path = abs
	}

	var events <-chan fsnotify.Event
	var errs <-chan error
	w, err := fsnotify.NewWatcher()
	if err == nil {
		defer w.Close()
		if err = w.Add(filepath.Dir(path)); err == nil {
			events = w.Events
			errs = w.Errors
		}
	}
	if err != nil {
		logrus.WithError(err).WithField("path", path).Warn("cannot watch artifact directory, polling instead")
	}

	// the file may have appeared before the watch was in place
	if exists(path) {
		return nil
	}

	var expire <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expire = t.C
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(ev.Name) == path && ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 && exists(path) {
				return nil
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			logrus.WithError(err).Warn("artifact watcher error")
		case <-ticker.C:
			if exists(path) {
				return nil
			}
		case <-expire:
			return fmt.Errorf("%w after %s waiting for %s", wait.ErrTimeout, timeout, path)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
