package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/spmt-unicamp/spmtcal/pkg/bridge"
	"github.com/spmt-unicamp/spmtcal/pkg/calibration"
	"github.com/spmt-unicamp/spmtcal/pkg/config"
	"github.com/spmt-unicamp/spmtcal/pkg/events"
	"github.com/spmt-unicamp/spmtcal/pkg/link"
)

// rig stands in for the board, the acquisition program, the analysis tools,
// the validator, the link and the reporter. Every operation fails with
// link.ErrNotConnected while the pipeline is in failAt.
type rig struct {
	t        *testing.T
	dir      string
	channels int
	p        *Pipeline
	failAt   calibration.Stage

	// codes are the verdicts written by each analysis tool, in order.
	codes map[string][]int

	zeroAll    int
	setAll     []float64
	setArray   [][]float64
	setChannel map[int][]float64
	runs       int
	triggers   int
	started    []string
	closed     int
	published  []string
	onPublish  func(name string)
}

func newRig(t *testing.T, channels int) *rig {
	return &rig{
		t:          t,
		dir:        t.TempDir(),
		channels:   channels,
		codes:      map[string][]int{},
		setChannel: map[int][]float64{},
	}
}

func (r *rig) fail() error {
	if r.failAt != "" && r.p.Stage() == r.failAt {
		return link.ErrNotConnected
	}
	return nil
}

func (r *rig) Channels() int { return r.channels }

func (r *rig) SetChannel(_ context.Context, ch int, v float64) error {
	if err := r.fail(); err != nil {
		return err
	}
	r.setChannel[ch] = append(r.setChannel[ch], v)
	return nil
}

func (r *rig) SetAll(_ context.Context, v float64) error {
	if v == 0 {
		r.zeroAll++
	}
	if err := r.fail(); err != nil {
		return err
	}
	r.setAll = append(r.setAll, v)
	return nil
}

func (r *rig) SetAllFromArray(_ context.Context, values []float64) error {
	if err := r.fail(); err != nil {
		return err
	}
	r.setArray = append(r.setArray, values)
	return nil
}

func (r *rig) ReadBack(_ context.Context, enable bool) ([]float64, error) {
	if err := r.fail(); err != nil {
		return nil, err
	}
	if !enable {
		return nil, nil
	}
	values := make([]float64, r.channels)
	for i := range values {
		values[i] = 0.875
	}
	return values, nil
}

func (r *rig) ReadMonitors(_ context.Context) ([]calibration.ChannelMonitor, error) {
	if err := r.fail(); err != nil {
		return nil, err
	}
	mons := make([]calibration.ChannelMonitor, r.channels)
	for i := range mons {
		mons[i] = calibration.ChannelMonitor{Channel: i, IMon: 1.097, VMon: 1.75, Valid: true}
	}
	return mons, nil
}

func (r *rig) ValidateSet(_ []float64, reference, maxAbs float64) ([]calibration.Violation, error) {
	if r.fail() != nil {
		return []calibration.Violation{{Channel: 1, Kind: calibration.ViolationDAC, Expected: reference, Observed: 0.9, Margin: maxAbs}}, nil
	}
	return nil, nil
}

func (r *rig) ValidateMonitors(_ []float64, _ []calibration.ChannelMonitor, _, _, maxVRel, _ float64) ([]calibration.Violation, error) {
	if r.fail() != nil {
		return []calibration.Violation{{Channel: 0, Kind: calibration.ViolationVMon, Expected: 1.75, Observed: 2.0, Margin: maxVRel, Relative: true}}, nil
	}
	return nil, nil
}

func (r *rig) StartAcquisition(_ context.Context) error { return r.fail() }
func (r *rig) StopAcquisition(_ context.Context) error  { return r.fail() }
func (r *rig) LaunchTool(_ context.Context) error       { return r.fail() }

func (r *rig) TriggerPulses(_ context.Context, _ float64, _ int) error {
	if err := r.fail(); err != nil {
		return err
	}
	r.triggers++
	return nil
}

// RunOne leaves one wave file per channel, as the digitizer would.
func (r *rig) RunOne(_ context.Context, _ float64, _ int) error {
	if err := r.fail(); err != nil {
		return err
	}
	r.runs++
	for ch := 0; ch < r.channels; ch++ {
		if err := os.WriteFile(r.Path(fmt.Sprintf("wave_%d.txt", ch)), []byte("0 1 2\n"), 0644); err != nil {
			return err
		}
	}
	return nil
}

func (r *rig) Path(name string) string { return filepath.Join(r.dir, name) }

func (r *rig) Start(_ context.Context, exe string, _ ...string) error {
	if err := r.fail(); err != nil {
		return err
	}
	r.started = append(r.started, exe)
	return nil
}

// Run writes the artifact the named tool would write.
func (r *rig) Run(_ context.Context, exe, artifact string, _ ...string) error {
	if err := r.fail(); err != nil {
		return err
	}
	r.started = append(r.started, exe)
	content := "done\n"
	switch {
	case len(r.codes[exe]) > 0:
		content = strconv.Itoa(r.codes[exe][0]) + "\n"
		r.codes[exe] = r.codes[exe][1:]
	case artifact == config.Default().Files.GainTable:
		content = "ch gain voltage\n0 7e5 1050.0\n\n1 7e5 1100.0\n\n"
	}
	return os.WriteFile(r.Path(artifact), []byte(content), 0644)
}

func (r *rig) Close() error {
	r.closed++
	return nil
}

func (r *rig) Publish(name string, _ any) {
	r.published = append(r.published, name)
	if r.onPublish != nil {
		r.onPublish(name)
	}
}

func testConfig(dir string, channels int) config.Config {
	c := config.Default()
	c.Channels = channels
	c.Files.WorkDir = dir
	c.Files.LogDir = dir
	c.Linearity.Steps = 2
	c.Timing.LinearitySettle = 0
	return c
}

func (r *rig) pipeline(c config.Config) *Pipeline {
	r.p = New(7, c, Deps{
		Board:       r,
		Acquisition: r,
		Tools:       r,
		Validator:   r,
		Link:        r,
		Reporter:    r,
	})
	return r.p
}

func TestRunCompletes(t *testing.T) {
	r := newRig(t, 2)
	c := testConfig(r.dir, 2)
	r.codes[c.Tools.Threshold] = []int{2, 0}
	r.codes[c.Tools.Search] = []int{0}

	sum, err := r.pipeline(c).Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sum.Outcome != calibration.OutcomeCompleted || sum.ID != 7 {
		t.Fatalf("unexpected summary %+v", sum)
	}
	if v := sum.LEDVoltages[calibration.StageSinglePhotoelectronSearch]; v < 2.699 || v > 2.701 {
		t.Fatalf("expected single photoelectron LED at 2.7 V, got %v", v)
	}
	if !sum.Converged[calibration.StageIntenseLEDSearch] || sum.LEDVoltages[calibration.StageIntenseLEDSearch] != 7.0 {
		t.Fatalf("expected intense LED search to converge at 7 V, got %+v", sum)
	}
	if r.zeroAll != 1 {
		t.Fatalf("expected one zero-all, got %d", r.zeroAll)
	}
	if r.closed != 1 {
		t.Fatalf("expected link released once, got %d", r.closed)
	}
	if r.p.Stage() != calibration.StageDone {
		t.Fatalf("expected Done, got %s", r.p.Stage())
	}

	// dark, 2 single-pe search steps, single-pe acquire, 1 intense search step, intense acquire, low LED
	if r.runs != 7 {
		t.Fatalf("expected 7 acquisitions, got %d", r.runs)
	}
	if r.triggers != 3*c.Linearity.Steps {
		t.Fatalf("expected %d linearity triggers, got %d", 3*c.Linearity.Steps, r.triggers)
	}
	if len(r.setArray) != 1 || r.setArray[0][0] != 0.625 {
		t.Fatalf("expected gain table voltages halved, got %v", r.setArray)
	}
	if len(r.started) == 0 || r.started[len(r.started)-1] != c.Tools.Linearity {
		t.Fatalf("expected the linearity fitter to be started last, got %v", r.started)
	}

	for _, name := range []string{"wave_0_dark.txt", "wave_1_ph.txt", "wave_0_LED_high.txt", "wave_1_LED_low.txt", "singolo.txt", "datilin.txt"} {
		if _, err := os.Stat(r.Path(name)); err != nil {
			t.Fatalf("expected %s to exist: %v", name, err)
		}
	}
	if r.published[len(r.published)-1] != events.RunFinished {
		t.Fatalf("expected run.finished last, got %v", r.published)
	}
}

func TestLinearitySubPhases(t *testing.T) {
	r := newRig(t, 1)
	c := testConfig(r.dir, 1)
	c.Linearity.Steps = 1
	r.codes[c.Tools.Threshold] = []int{0}
	r.codes[c.Tools.Search] = []int{0}

	if _, err := r.pipeline(c).Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// A on/B off, A on/B on, A off/B on, then B off
	wantLED2 := []float64{2.0, 2.0, 0}
	wantLED3 := []float64{0, 2.0, 2.0, 0}
	got2 := r.setChannel[c.LEDs.LED2]
	got3 := r.setChannel[c.LEDs.LED3]
	if fmt.Sprint(got2) != fmt.Sprint(wantLED2) || fmt.Sprint(got3) != fmt.Sprint(wantLED3) {
		t.Fatalf("expected LED2 %v and LED3 %v, got %v and %v", wantLED2, wantLED3, got2, got3)
	}
}

func TestSearchWithoutConvergenceDoesNotFail(t *testing.T) {
	r := newRig(t, 1)
	c := testConfig(r.dir, 1)
	for i := 0; i < 11; i++ {
		r.codes[c.Tools.Threshold] = append(r.codes[c.Tools.Threshold], 2)
	}
	r.codes[c.Tools.Search] = []int{0}

	sum, err := r.pipeline(c).Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sum.Converged[calibration.StageSinglePhotoelectronSearch] {
		t.Fatal("expected single photoelectron search not to converge")
	}
	if len(r.codes[c.Tools.Threshold]) != 1 {
		t.Fatalf("expected the search to stop after 10 analyses, %d verdicts left", len(r.codes[c.Tools.Threshold]))
	}
}

func TestFailingStageZeroesOnce(t *testing.T) {
	for _, st := range calibration.Stages() {
		r := newRig(t, 2)
		c := testConfig(r.dir, 2)
		r.codes[c.Tools.Threshold] = []int{0}
		r.codes[c.Tools.Search] = []int{0}
		r.failAt = st

		sum, err := r.pipeline(c).Run(context.Background())
		if err == nil {
			t.Fatalf("%s: expected error", st)
		}
		if sum.Outcome != calibration.OutcomeAborted || sum.FailedStage != st {
			t.Fatalf("%s: unexpected summary %+v", st, sum)
		}
		if r.zeroAll != 1 {
			t.Fatalf("%s: expected exactly one zero-all, got %d", st, r.zeroAll)
		}
		if r.closed != 1 {
			t.Fatalf("%s: expected link released once, got %d", st, r.closed)
		}

		wantKind := KindLinkError
		if st == calibration.StageValidateSet || st == calibration.StageValidateMonitors {
			wantKind = KindToleranceViolation
			if len(sum.Violations) != 1 {
				t.Fatalf("%s: expected the violation in the summary, got %+v", st, sum.Violations)
			}
		}
		if sum.ErrorKind != string(wantKind) {
			t.Fatalf("%s: expected %s, got %s", st, wantKind, sum.ErrorKind)
		}
		if r.published[len(r.published)-1] != events.RunAborted {
			t.Fatalf("%s: expected run.aborted last, got %v", st, r.published)
		}
	}
}

func TestCancelBetweenStages(t *testing.T) {
	r := newRig(t, 2)
	c := testConfig(r.dir, 2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.onPublish = func(name string) {
		if name == events.StageFinished && r.p.Stage() == calibration.StageValidateMonitors {
			cancel()
		}
	}

	sum, err := r.pipeline(c).Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if sum.Outcome != calibration.OutcomeCancelled || sum.Reason != "cancelled" || sum.FailedStage != calibration.StageDarkCount {
		t.Fatalf("unexpected summary %+v", sum)
	}
	if r.runs != 0 {
		t.Fatalf("expected no acquisition after cancel, got %d", r.runs)
	}
	if r.zeroAll != 1 || r.closed != 1 {
		t.Fatalf("expected one zero-all and one release, got %d and %d", r.zeroAll, r.closed)
	}
}

func TestCancelDuringShutdownStillZeroes(t *testing.T) {
	r := newRig(t, 2)
	c := testConfig(r.dir, 2)
	sim := bridge.NewSimulator(1, 1)
	mock := link.NewMock(sim.Respond)
	board := bridge.New(mock, 2, bridge.Timing{DACSettle: 10 * time.Millisecond})

	r.p = New(7, c, Deps{
		Board:       board,
		Acquisition: r,
		Tools:       r,
		Validator:   r,
		Link:        mock,
		Reporter:    r,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var energized float64
	r.onPublish = func(name string) {
		if name == events.StageStarted && r.p.Stage() == calibration.StageZeroAndShutdown {
			energized = sim.Voltage(1)
			cancel()
		}
	}

	if _, err := r.p.Run(ctx); err != nil {
		t.Fatalf("expected the run to reach its end, got %v", err)
	}
	if energized == 0 {
		t.Fatal("expected channel 1 to be energized before shutdown")
	}
	for ch := 0; ch < 2; ch++ {
		if v := sim.Voltage(ch); v != 0 {
			t.Fatalf("expected channel %d at 0 V, got %v", ch, v)
		}
	}
	if !mock.Closed() {
		t.Fatal("expected the link to be released")
	}
}

func TestAbortIsIdempotent(t *testing.T) {
	r := newRig(t, 2)
	p := r.pipeline(testConfig(r.dir, 2))
	boom := errors.New("boom")

	first, _ := p.Abort(context.Background(), calibration.StageDarkCount, boom)
	second, err := p.Abort(context.Background(), calibration.StageLowLED, boom)
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if second.FailedStage != first.FailedStage {
		t.Fatalf("expected the first abort to be kept, got %s", second.FailedStage)
	}
	if r.zeroAll != 1 || r.closed != 1 {
		t.Fatalf("expected one zero-all and one release, got %d and %d", r.zeroAll, r.closed)
	}
}

func TestNewFromConfigSimulated(t *testing.T) {
	dir := t.TempDir()
	c := config.Default()
	c.Simulate = true
	c.Channels = 2
	c.Files.WorkDir = dir
	c.Files.LogDir = dir
	c.Tools.Acquisition = filepath.Join(dir, "no-such-digitizer")
	c.Timing = config.Timing{TriggerTimeout: time.Second, ArtifactTimeout: time.Second}

	hub := events.NewEventHub()
	sub := hub.Subscribe()
	defer hub.Unsubscribe(sub)

	sum, err := NewFromConfig(context.Background(), 1, c, hub).Run(context.Background())
	if err == nil {
		t.Fatal("expected the missing acquisition program to end the run")
	}
	if sum.FailedStage != calibration.StageDarkCount || sum.ErrorKind != string(KindExternalToolFailure) {
		t.Fatalf("expected an external tool failure in DarkCount, got %+v", sum)
	}
	if len(sum.Violations) != 0 {
		t.Fatalf("expected the simulated board to be within tolerance, got %+v", sum.Violations)
	}
	if b, err := os.ReadFile(filepath.Join(dir, c.Files.Signal)); err != nil || string(b) != "a" {
		t.Fatalf("expected acquire signal to be left in place, got %q, %v", b, err)
	}
	if len(sub) == 0 {
		t.Fatal("expected events on the hub")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorKind
	}{
		{nil, ""},
		{fmt.Errorf("stage: %w", context.Canceled), KindCancelled},
		{fmt.Errorf("x: %w", link.ErrNotConnected), KindLinkError},
		{&ViolationError{Stage: calibration.StageValidateSet, Violations: []calibration.Violation{{}}}, KindToleranceViolation},
		{os.ErrNotExist, KindExternalToolFailure},
		{errors.New("other"), KindInternal},
	}
	for _, tt := range tests {
		if got := Classify(tt.err); got != tt.want {
			t.Fatalf("Classify(%v): expected %q, got %q", tt.err, tt.want, got)
		}
	}
}
