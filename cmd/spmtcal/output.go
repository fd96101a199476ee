package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/spmt-unicamp/spmtcal/pkg/calibration"
	"github.com/spmt-unicamp/spmtcal/pkg/events"
)

var (
	bold   = color.New(color.Bold).SprintfFunc()
	green  = color.New(color.FgGreen).SprintfFunc()
	red    = color.New(color.FgRed).SprintfFunc()
	yellow = color.New(color.FgYellow).SprintfFunc()
	cyan   = color.New(color.FgCyan).SprintfFunc()
)

// consoleReporter prints run progress for an operator.
type consoleReporter struct {
	w io.Writer
}

func (r *consoleReporter) Publish(_ string, payload any) {
	switch p := payload.(type) {
	case events.StageEvent:
		fmt.Fprintf(r.w, "%s %s\n", cyan("==>"), bold("%s", p.Stage))
	case events.StageFinishedEvent:
		d := p.Result.Finished.Sub(p.Result.Started).Round(time.Millisecond)
		if p.Result.Success {
			fmt.Fprintf(r.w, "    %s %s (%s)\n", green("ok"), p.Result.Stage, d)
		} else {
			fmt.Fprintf(r.w, "    %s %s: %s\n", red("failed"), p.Result.Stage, p.Result.Reason)
		}
		for _, a := range p.Result.Artifacts {
			fmt.Fprintf(r.w, "    wrote %s\n", a)
		}
	case events.ChannelReadingEvent:
		for _, v := range p.Voltages {
			fmt.Fprintf(r.w, "    ch%-2d set %.3f V  read %.3f V\n", v.Channel, v.Set, v.ReadBack)
		}
		for _, m := range p.Monitors {
			if !m.Valid {
				fmt.Fprintf(r.w, "    ch%-2d %s\n", m.Channel, yellow("no monitor reading"))
				continue
			}
			fmt.Fprintf(r.w, "    ch%-2d VMon %.2f  IMon %.2f\n", m.Channel, m.VMon, m.IMon)
		}
	case events.SearchStepEvent:
		fmt.Fprintf(r.w, "    step %-2d LED %.3f V -> %d\n", p.Iteration, p.Voltage, p.Code)
	case events.RunEvent:
		printSummary(r.w, p.Summary)
	}
}

// handle decodes a streamed event and prints it. It reports whether the
// event ended the run.
func (r *consoleReporter) handle(ev events.Event) (bool, error) {
	var err error
	switch ev.Name {
	case events.StageStarted:
		err = publishAs[events.StageEvent](r, ev)
	case events.StageFinished:
		err = publishAs[events.StageFinishedEvent](r, ev)
	case events.ChannelReading:
		err = publishAs[events.ChannelReadingEvent](r, ev)
	case events.SearchStep:
		err = publishAs[events.SearchStepEvent](r, ev)
	case events.RunFinished, events.RunAborted:
		return true, publishAs[events.RunEvent](r, ev)
	}
	return false, err
}

func publishAs[T any](r *consoleReporter, ev events.Event) error {
	p, err := events.DecodeAs[T](ev)
	if err != nil {
		return fmt.Errorf("failed to decode %s event: %w", ev.Name, err)
	}
	r.Publish(ev.Name, p)
	return nil
}

func outcomeString(o calibration.Outcome) string {
	switch o {
	case calibration.OutcomeCompleted:
		return green("%s", o)
	case calibration.OutcomeCancelled:
		return yellow("%s", o)
	default:
		return red("%s", o)
	}
}

func printSummary(w io.Writer, sum calibration.RunSummary) {
	fmt.Fprintf(w, "Run %d: %s\n", sum.ID, bold("%s", outcomeString(sum.Outcome)))
	if sum.FailedStage != "" {
		fmt.Fprintf(w, "  Stage:  %s\n", sum.FailedStage)
	}
	if sum.Reason != "" {
		fmt.Fprintf(w, "  Reason: %s (%s)\n", sum.Reason, sum.ErrorKind)
	}
	for _, v := range sum.Violations {
		fmt.Fprintf(w, "    - %s\n", v)
	}
	stages := make([]string, 0, len(sum.LEDVoltages))
	for st := range sum.LEDVoltages {
		stages = append(stages, string(st))
	}
	sort.Strings(stages)
	for _, st := range stages {
		s := calibration.Stage(st)
		conv := ""
		if c, ok := sum.Converged[s]; ok && !c {
			conv = yellow(" (not converged)")
		}
		fmt.Fprintf(w, "  %s LED: %.3f V%s\n", s, sum.LEDVoltages[s], conv)
	}
	if !sum.FinishedAt.IsZero() && !sum.StartedAt.IsZero() {
		fmt.Fprintf(w, "  Took:   %s\n", sum.FinishedAt.Sub(sum.StartedAt).Round(time.Second))
	}
}

func printStatus(w io.Writer, st *calibration.Status) {
	state := "idle"
	if st.Running {
		state = "running"
	}
	fmt.Fprintf(w, "State: %s\n", bold("%s", state))
	fmt.Fprintf(w, "Stage: %s\n", bold("%s", st.Stage))
	if !st.StartedAt.IsZero() {
		fmt.Fprintf(w, "Started: %s (%s ago)\n", st.StartedAt.Format(time.RFC3339), time.Since(st.StartedAt).Round(time.Second))
	}
	if len(st.Completed) > 0 {
		done := make([]string, len(st.Completed))
		for i, s := range st.Completed {
			done[i] = string(s)
		}
		fmt.Fprintf(w, "Completed: %s\n", strings.Join(done, ", "))
	}
	for s, v := range st.LEDVoltages {
		fmt.Fprintf(w, "%s LED: %.3f V\n", s, v)
	}
	if st.LastError != "" {
		fmt.Fprintf(w, "Last error: %s\n", red("%s", st.LastError))
	}
	fmt.Fprintf(w, "Can Cancel: %v\n", st.CanCancel)
}

func printHistory(w io.Writer, runs []calibration.RunSummary) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No recorded runs.")
		return
	}
	for _, r := range runs {
		line := fmt.Sprintf("%4d  %s  %s", r.ID, r.StartedAt.Local().Format(time.DateTime), outcomeString(r.Outcome))
		if r.FailedStage != "" {
			line += fmt.Sprintf(" at %s: %s", r.FailedStage, r.Reason)
		}
		fmt.Fprintln(w, line)
	}
}
