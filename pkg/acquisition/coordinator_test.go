package acquisition

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spmt-unicamp/spmtcal/pkg/bridge"
	"github.com/spmt-unicamp/spmtcal/pkg/link"
	"github.com/spmt-unicamp/spmtcal/pkg/utils/wait"
)

type fakeLauncher struct {
	started []string
	err     error
}

func (f *fakeLauncher) Start(_ context.Context, exe string, _ ...string) error {
	f.started = append(f.started, exe)
	return f.err
}

// brokenReceive accepts commands but fails every read.
type brokenReceive struct{}

func (brokenReceive) Send(string) error         { return nil }
func (brokenReceive) Receive() (string, error) { return "", link.ErrNotConnected }

func newTestCoordinator(t *testing.T, l link.Link, tools Launcher) (*Coordinator, string) {
	t.Helper()
	signal := filepath.Join(t.TempDir(), "comunicazioneW.txt")
	return New(l, tools, Options{
		SignalFile: signal,
		Exe:        "wavedump",
		Args:       []string{"WaveDumpConfig.txt"},
		Timing: Timing{
			TriggerPoll:    time.Millisecond,
			TriggerTimeout: 50 * time.Millisecond,
		},
	}), signal
}

func readSignal(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read signal file: %v", err)
	}
	return string(b)
}

func TestRunOne(t *testing.T) {
	sim := bridge.NewSimulator(2, 1)
	m := link.NewMock(sim.Respond)
	tools := &fakeLauncher{}
	c, signal := newTestCoordinator(t, m, tools)

	if err := c.RunOne(context.Background(), 100, 5000); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := readSignal(t, signal); got != "q" {
		t.Fatalf("expected final signal q, got %q", got)
	}
	if len(tools.started) != 1 || tools.started[0] != "wavedump" {
		t.Fatalf("expected wavedump launched once, got %v", tools.started)
	}
	cmds := m.Commands()
	if len(cmds) != 1 || cmds[0] != "16;10;10;5000;1;0" {
		t.Fatalf("unexpected commands %q", cmds)
	}
}

func TestRunOneTriggerTimeoutSkipsStop(t *testing.T) {
	m := link.NewMock(func(cmd string) string {
		if strings.HasPrefix(cmd, "16;") {
			return "Loop trigger\r\n"
		}
		return ""
	})
	c, signal := newTestCoordinator(t, m, &fakeLauncher{})

	err := c.RunOne(context.Background(), 10, 150)
	if !errors.Is(err, wait.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if got := readSignal(t, signal); got != "a" {
		t.Fatalf("expected last signal a, got %q", got)
	}
}

func TestRunOneReceiveFailureSkipsStop(t *testing.T) {
	c, signal := newTestCoordinator(t, brokenReceive{}, &fakeLauncher{})

	err := c.RunOne(context.Background(), 10, 150)
	if !errors.Is(err, link.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if got := readSignal(t, signal); got != "a" {
		t.Fatalf("expected last signal a, got %q", got)
	}
}

func TestRunOneLaunchFailure(t *testing.T) {
	m := link.NewMock(nil)
	c, signal := newTestCoordinator(t, m, &fakeLauncher{err: errors.New("boom")})

	if err := c.RunOne(context.Background(), 10, 150); err == nil {
		t.Fatalf("expected error")
	}
	if len(m.Commands()) != 0 {
		t.Fatalf("expected no trigger after launch failure, got %q", m.Commands())
	}
	if got := readSignal(t, signal); got != "a" {
		t.Fatalf("expected last signal a, got %q", got)
	}
}

func TestTriggerPulsesCancelled(t *testing.T) {
	m := link.NewMock(nil)
	c, _ := newTestCoordinator(t, m, &fakeLauncher{})
	c.opts.Timing.TriggerTimeout = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	if err := c.TriggerPulses(ctx, 10, 30); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
