package bridge

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/spmt-unicamp/spmtcal/pkg/link"
)

func newTestBoard(channels int, respond func(string) string) (*Board, *link.Mock) {
	m := link.NewMock(respond)
	return New(m, channels, Timing{}), m
}

func TestSetAllFromArrayMismatchSendsNothing(t *testing.T) {
	ctx := context.Background()
	for n := 1; n <= 5; n++ {
		for _, l := range []int{0, n - 1, n + 1, 2 * n} {
			if l == n {
				continue
			}
			b, m := newTestBoard(n, nil)
			err := b.SetAllFromArray(ctx, make([]float64, l))
			if !errors.Is(err, ErrChannelCountMismatch) {
				t.Fatalf("N=%d len=%d: expected ErrChannelCountMismatch, got %v", n, l, err)
			}
			if cmds := m.Commands(); len(cmds) != 0 {
				t.Fatalf("N=%d len=%d: expected no commands, got %q", n, l, cmds)
			}
		}
	}
}

func TestSetAllFromArray(t *testing.T) {
	b, m := newTestBoard(3, nil)
	if err := b.SetAllFromArray(context.Background(), []float64{0.5, 0.625, 0.75}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"1;0;3;1;0.5", "1;1;3;1;0.625", "1;2;3;1;0.75"}
	if got := m.Commands(); !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestSetAllOrder(t *testing.T) {
	b, m := newTestBoard(4, nil)
	if err := b.SetAll(context.Background(), 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"1;0;3;1;0", "1;1;3;1;0", "1;2;3;1;0", "1;3;3;1;0"}
	if got := m.Commands(); !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestSetChannelNotConnected(t *testing.T) {
	b, m := newTestBoard(2, nil)
	m.Disconnect()
	if err := b.SetChannel(context.Background(), 0, 1); !errors.Is(err, link.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestReadBack(t *testing.T) {
	sim := NewSimulator(2, 1)
	b, m := newTestBoard(3, func(cmd string) string {
		// channel 1 answers garbage
		if cmd == MuxEnableCommand(1) {
			return "MUX\r\n"
		}
		return sim.Respond(cmd)
	})
	ctx := context.Background()
	if err := b.SetAll(ctx, 0.875); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := b.ReadBack(ctx, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []float64{0.875, ReadBackFailed, 0.875}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}

	if _, err := b.ReadBack(ctx, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cmds := m.Commands()
	if last := cmds[len(cmds)-1]; last != "9;0" {
		t.Fatalf("expected mux disable last, got %q", last)
	}
}

func TestReadMonitors(t *testing.T) {
	sim := NewSimulator(2, 0.5)
	b, m := newTestBoard(2, func(cmd string) string {
		if cmd == "1" {
			return "garbage\r\n"
		}
		return sim.Respond(cmd)
	})
	ctx := context.Background()
	if err := b.SetAll(ctx, 1.0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	mons, err := b.ReadMonitors(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !mons[0].Valid || mons[0].VMon != 2 || mons[0].IMon != 0.5 {
		t.Fatalf("unexpected channel 0 monitor %+v", mons[0])
	}
	if mons[1].Valid {
		t.Fatalf("expected channel 1 invalid, got %+v", mons[1])
	}

	cmds := m.Commands()
	wantTail := []string{"17", "0", "1", "9"}
	if got := cmds[len(cmds)-4:]; !reflect.DeepEqual(got, wantTail) {
		t.Fatalf("expected %q, got %q", wantTail, got)
	}
}
