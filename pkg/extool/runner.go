// Package extool launches the external analysis and acquisition programs and
// detects their completion by the appearance of the files they write.
package extool

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/spmt-unicamp/spmtcal/pkg/utils/wait"
)

// ErrLaunch is wrapped by every failure to start a process.
var ErrLaunch = errors.New("failed to launch external tool")

// Runner starts tools with WorkDir as working directory.
type Runner struct {
	WorkDir string
	// Settle is waited after an artifact appears, so the tool can finish
	// writing it.
	Settle time.Duration
	// Timeout bounds the wait for an artifact. Zero waits forever.
	Timeout time.Duration

	start func(dir, exe string, args []string) error
}

// NewRunner returns a Runner that spawns real processes.
func NewRunner(workDir string, settle, timeout time.Duration) *Runner {
	return &Runner{
		WorkDir: workDir,
		Settle:  settle,
		Timeout: timeout,
		start:   startProcess,
	}
}

// Path resolves name against the work directory.
func (r *Runner) Path(name string) string {
	if name == "" || filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(r.WorkDir, name)
}

// Start launches exe and returns without waiting for it to exit.
func (r *Runner) Start(ctx context.Context, exe string, args ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{
		"exe":  exe,
		"args": args,
		"dir":  r.WorkDir,
	}).Info("launching external tool")
	if err := r.start(r.WorkDir, exe, args); err != nil {
		return fmt.Errorf("%w %s: %v", ErrLaunch, exe, err)
	}
	return nil
}

// Run deletes any stale artifact, launches exe, waits until the artifact
// exists and then for the settle time. With an empty artifact it only
// launches and settles.
func (r *Runner) Run(ctx context.Context, exe, artifact string, args ...string) error {
	if artifact == "" {
		if err := r.Start(ctx, exe, args...); err != nil {
			return err
		}
		return wait.Sleep(ctx, r.Settle)
	}

	path := r.Path(artifact)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return pkgerrors.Wrapf(err, "failed to remove stale artifact %s", path)
	}
	if err := r.Start(ctx, exe, args...); err != nil {
		return err
	}
	if err := WaitForFile(ctx, path, r.Timeout); err != nil {
		return fmt.Errorf("%s did not produce %s: %w", exe, artifact, err)
	}
	logrus.WithFields(logrus.Fields{
		"exe":      exe,
		"artifact": path,
	}).Info("external tool finished")
	return wait.Sleep(ctx, r.Settle)
}

func startProcess(dir, exe string, args []string) error {
	name := exe
	if !filepath.IsAbs(exe) && dir != "" {
		if _, err := os.Stat(filepath.Join(dir, exe)); err == nil {
			name = filepath.Join(dir, exe)
		}
	}
	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	if err := cmd.Start(); err != nil {
		return err
	}
	go func() {
		err := cmd.Wait()
		logrus.WithError(err).WithField("exe", exe).Debug("external tool exited")
	}()
	return nil
}
