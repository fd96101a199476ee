package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/spmt-unicamp/spmtcal/pkg/calibration"
	"github.com/spmt-unicamp/spmtcal/pkg/events"
)

func TestParseOverrides(t *testing.T) {
	tests := []struct {
		name    string
		pairs   []string
		want    map[string]interface{}
		wantErr bool
	}{
		{name: "none", pairs: nil, want: nil},
		{
			name:  "trimmed and lowered",
			pairs: []string{"Channels = 4", "timing.dacsettle=1s"},
			want:  map[string]interface{}{"channels": "4", "timing.dacsettle": "1s"},
		},
		{name: "empty value", pairs: []string{"journal="}, want: map[string]interface{}{"journal": ""}},
		{name: "missing separator", pairs: []string{"channels"}, wantErr: true},
		{name: "missing key", pairs: []string{"=4"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseOverrides(tt.pairs)
			if (err != nil) != tt.wantErr {
				t.Fatalf("expected error %v, got %v", tt.wantErr, err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Fatalf("expected %s=%v, got %v", k, v, got[k])
				}
			}
		})
	}
}

func TestReporterHandlesStream(t *testing.T) {
	raw := func(v any) json.RawMessage {
		b, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("failed to marshal: %v", err)
		}
		return b
	}

	var buf bytes.Buffer
	r := &consoleReporter{w: &buf}

	stream := []events.Event{
		{Name: events.StageStarted, Data: raw(events.StageEvent{RunID: 1, Stage: calibration.StageIntenseLEDSearch})},
		{Name: events.SearchStep, Data: raw(events.SearchStepEvent{RunID: 1, Stage: calibration.StageIntenseLEDSearch, Iteration: 2, Voltage: 3.25, Code: 1})},
		{Name: "unknown", Data: raw(map[string]int{"x": 1})},
	}
	for _, ev := range stream {
		ended, err := r.handle(ev)
		if err != nil {
			t.Fatalf("handle returned error: %v", err)
		}
		if ended {
			t.Fatalf("did not expect %s to end the run", ev.Name)
		}
	}

	ended, err := r.handle(events.Event{Name: events.RunAborted, Data: raw(events.RunEvent{Summary: calibration.RunSummary{
		ID:          1,
		Outcome:     calibration.OutcomeAborted,
		FailedStage: calibration.StageValidateSet,
		Reason:      "channel 3 DAC out of tolerance",
		ErrorKind:   "ToleranceViolation",
	}})})
	if err != nil || !ended {
		t.Fatalf("expected run.aborted to end the run, got %v %v", ended, err)
	}

	out := buf.String()
	for _, want := range []string{"IntenseLedSearch", "step 2", "3.250 V", "Run 1", "ValidateSet", "channel 3 DAC out of tolerance"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected output to contain %q, got:\n%s", want, out)
		}
	}

	if _, err := r.handle(events.Event{Name: events.StageStarted, Data: json.RawMessage(`{"stage": 3}`)}); err == nil {
		t.Fatal("expected a malformed payload to fail")
	}
}
