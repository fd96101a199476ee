package tolerance

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spmt-unicamp/spmtcal/pkg/calibration"
)

func TestValidateSetBoundary(t *testing.T) {
	tests := []struct {
		reference, margin float64
	}{
		{0.875, 0.02},
		{1.25, 0.05},
		{3.5, 0.1},
	}
	for _, tt := range tests {
		v := New(t.TempDir())

		found, err := v.ValidateSet([]float64{tt.reference + tt.margin, tt.reference - tt.margin}, tt.reference, tt.margin)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(found) != 0 {
			t.Fatalf("reference %v margin %v: expected boundary values to pass, got %v", tt.reference, tt.margin, found)
		}

		found, err = v.ValidateSet([]float64{tt.reference + tt.margin + 1e-10}, tt.reference, tt.margin)
		if err != nil || len(found) != 0 {
			t.Fatalf("reference %v margin %v: expected a deviation below 1e-9 V to pass, got %v %v", tt.reference, tt.margin, found, err)
		}

		found, err = v.ValidateSet([]float64{tt.reference + tt.margin + 1e-6}, tt.reference, tt.margin)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(found) != 1 {
			t.Fatalf("reference %v margin %v: expected one violation, got %v", tt.reference, tt.margin, found)
		}
	}
}

func TestValidateSetTwoChannels(t *testing.T) {
	dir := t.TempDir()
	v := New(dir)

	found, err := v.ValidateSet([]float64{0.88, 0.90}, 0.875, 0.02)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(found) != 1 || found[0].Channel != 1 || found[0].Kind != calibration.ViolationDAC {
		t.Fatalf("expected one DAC violation on channel 1, got %+v", found)
	}

	b, err := os.ReadFile(filepath.Join(dir, DACLogName))
	if err != nil {
		t.Fatalf("failed to read log: %v", err)
	}
	if !strings.HasPrefix(string(b), "Channel 1 ") || strings.Count(string(b), "\n") != 1 {
		t.Fatalf("unexpected log content %q", b)
	}
}

func TestValidateSetTruncatesLog(t *testing.T) {
	dir := t.TempDir()
	v := New(dir)

	if _, err := v.ValidateSet([]float64{2, 2}, 0.875, 0.02); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := v.ValidateSet([]float64{0.875}, 0.875, 0.02); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := os.ReadFile(filepath.Join(dir, DACLogName))
	if err != nil {
		t.Fatalf("failed to read log: %v", err)
	}
	if len(b) != 0 {
		t.Fatalf("expected empty log after clean validation, got %q", b)
	}
	if got := len(v.Violations()); got != 2 {
		t.Fatalf("expected 2 accumulated violations, got %d", got)
	}
}

func TestValidateMonitors(t *testing.T) {
	set := []float64{1.0, 1.0, 1.0, 0}
	mons := []calibration.ChannelMonitor{
		{Channel: 0, IMon: 0.5, VMon: 2.0, Valid: true},
		{Channel: 1, IMon: 0.5, VMon: 2.2, Valid: true},
		{Channel: 2, Valid: false},
		{Channel: 3, IMon: 0, VMon: 0.001, Valid: true},
	}

	dir := t.TempDir()
	v := New(dir)
	found, err := v.ValidateMonitors(set, mons, 2.0, 0.5, 0.03, 0.03)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := map[int][]calibration.ViolationKind{}
	for _, f := range found {
		got[f.Channel] = append(got[f.Channel], f.Kind)
	}
	if len(got[0]) != 0 {
		t.Fatalf("expected channel 0 valid, got %v", got[0])
	}
	if len(got[1]) != 1 || got[1][0] != calibration.ViolationVMon {
		t.Fatalf("expected channel 1 VMon violation, got %v", got[1])
	}
	if len(got[2]) != 2 {
		t.Fatalf("expected unreadable channel 2 to violate both, got %v", got[2])
	}
	// zero reference: IMon 0 passes, VMon 0.001 does not
	if len(got[3]) != 1 || got[3][0] != calibration.ViolationVMon {
		t.Fatalf("expected channel 3 VMon violation, got %v", got[3])
	}

	pmt, _ := os.ReadFile(filepath.Join(dir, PMTLogName))
	module, _ := os.ReadFile(filepath.Join(dir, ModuleLogName))
	if strings.Count(string(pmt), "\n") != 1 {
		t.Fatalf("expected one PMT log line, got %q", pmt)
	}
	if strings.Count(string(module), "\n") != 3 {
		t.Fatalf("expected three module log lines, got %q", module)
	}
}

func TestValidateMonitorsRelativeBoundary(t *testing.T) {
	v := New(t.TempDir())
	// 3% of 2.0 is 0.06
	mons := []calibration.ChannelMonitor{{Channel: 0, IMon: 1.0, VMon: 2.06, Valid: true}}
	found, err := v.ValidateMonitors([]float64{1.0}, mons, 2.0, 1.0, 0.03, 0.03)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(found) != 0 {
		t.Fatalf("expected boundary to pass, got %v", found)
	}
}

func TestValidateMonitorsLengthMismatch(t *testing.T) {
	v := New(t.TempDir())
	found, err := v.ValidateMonitors([]float64{1, 1}, []calibration.ChannelMonitor{{Valid: true}}, 2, 1, 0.03, 0.03)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(found) != 1 || found[0].Kind != calibration.ViolationChannelCount || found[0].Channel != -1 {
		t.Fatalf("expected a single channel-count violation, got %+v", found)
	}
}
