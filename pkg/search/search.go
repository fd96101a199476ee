// Package search tunes an LED drive voltage until an external analysis tool
// reports that the recorded light level is on target.
//
// Each iteration sets the LED, records one acquisition, runs the analysis
// and reads its verdict: 0 on target, 1 too much light, 2 too little. The
// step shrinks by a constant factor every time the direction reverses.
package search

import (
	"context"
	"fmt"
	"math"

	"github.com/sirupsen/logrus"
)

// Code is the verdict of the analysis tool.
type Code int

const (
	CodeConverged  Code = 0
	CodeOvershoot  Code = 1
	CodeUndershoot Code = 2
)

func (c Code) String() string {
	switch c {
	case CodeConverged:
		return "converged"
	case CodeOvershoot:
		return "overshoot"
	case CodeUndershoot:
		return "undershoot"
	}
	return fmt.Sprintf("unknown(%d)", int(c))
}

// Params configure one search.
type Params struct {
	Channel        int
	InitialVoltage float64
	// Step is Factor1 / Factor2^b, b counting direction reversals.
	Factor1 float64
	Factor2 float64
	// MaxIterations bounds the number of acquisitions.
	MaxIterations int
	// Divider converts the drive voltage into the DAC output.
	Divider   float64
	Frequency float64
	Pulses    int
}

// State is the evolving state of one search.
type State struct {
	Voltage   float64
	Result    Code
	Previous  Code
	Exponent  int
	Iteration int
}

// Step is one iteration as reported to observers.
type Step struct {
	Iteration int     `json:"iteration"`
	Voltage   float64 `json:"voltage"`
	Code      Code    `json:"code"`
}

// Outcome is the result of a finished search. When Converged is false the
// search hit MaxIterations and Voltage is the last value tried.
type Outcome struct {
	Voltage    float64 `json:"voltage"`
	Converged  bool    `json:"converged"`
	Iterations int     `json:"iterations"`
	Steps      []Step  `json:"steps"`
}

// VoltageSetter writes a DAC output.
type VoltageSetter interface {
	SetChannel(ctx context.Context, ch int, v float64) error
}

// Acquirer records one pulse train.
type Acquirer interface {
	RunOne(ctx context.Context, freqHz float64, pulses int) error
}

// Analyzer runs the analysis of the last acquisition and returns its verdict.
type Analyzer interface {
	Analyze(ctx context.Context) (Code, error)
}

// Advance moves the voltage according to code. Unknown codes leave the
// voltage untouched. A reversal of direction refines the step first, and
// undershoot->overshoot refines it exactly like overshoot->undershoot.
func (s *State) Advance(code Code, factor1, factor2 float64) {
	s.Previous, s.Result = s.Result, code
	step := func() float64 { return factor1 / math.Pow(factor2, float64(s.Exponent)) }

	switch code {
	case CodeUndershoot:
		if s.Previous == CodeOvershoot {
			s.Exponent++
		}
		s.Voltage += step()
	case CodeOvershoot:
		if s.Previous == CodeUndershoot {
			s.Exponent++
		}
		s.Voltage -= step()
	}
}

// Run searches for the drive voltage of p.Channel. observe, when not nil, is
// called after every analysis. Errors from the collaborators end the search.
func Run(ctx context.Context, p Params, set VoltageSetter, acq Acquirer, an Analyzer, observe func(Step)) (Outcome, error) {
	divider := p.Divider
	if divider == 0 {
		divider = 1
	}
	st := &State{Voltage: p.InitialVoltage, Result: -1}
	var out Outcome

	log := logrus.WithField("channel", p.Channel)
	for st.Iteration = 1; ; st.Iteration++ {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		if err := set.SetChannel(ctx, p.Channel, st.Voltage/divider); err != nil {
			return out, err
		}
		if err := acq.RunOne(ctx, p.Frequency, p.Pulses); err != nil {
			return out, err
		}
		code, err := an.Analyze(ctx)
		if err != nil {
			return out, err
		}

		step := Step{Iteration: st.Iteration, Voltage: st.Voltage, Code: code}
		out.Steps = append(out.Steps, step)
		out.Voltage = st.Voltage
		out.Iterations = st.Iteration
		log.WithFields(logrus.Fields{
			"iteration": st.Iteration,
			"voltage":   st.Voltage,
			"result":    code,
		}).Info("search step")
		if observe != nil {
			observe(step)
		}

		if code == CodeConverged {
			out.Converged = true
			return out, nil
		}
		if st.Iteration >= p.MaxIterations {
			log.WithField("voltage", st.Voltage).Warn("search did not converge, keeping last voltage")
			return out, nil
		}
		st.Advance(code, p.Factor1, p.Factor2)
	}
}
