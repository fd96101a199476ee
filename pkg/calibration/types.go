package calibration

import (
	"fmt"
	"time"
)

// Stage defines the steps of a calibration run.
type Stage string

const (
	StageInit                       Stage = "Init"
	StageSetInitialVoltage          Stage = "SetInitialVoltage"
	StageReadBackViaMux             Stage = "ReadBackViaMux"
	StageValidateSet                Stage = "ValidateSet"
	StageReadMonitors               Stage = "ReadMonitors"
	StageValidateMonitors           Stage = "ValidateMonitors"
	StageDarkCount                  Stage = "DarkCount"
	StageSinglePhotoelectronSearch  Stage = "SinglePhotoelectronSearch"
	StageSinglePhotoelectronAcquire Stage = "SinglePhotoelectronAcquire"
	StageIntenseLEDSearch           Stage = "IntenseLedSearch"
	StageIntenseLEDAcquire          Stage = "IntenseLedAcquire"
	StageLowLED                     Stage = "LowLed"
	StageLinearitySweep             Stage = "LinearitySweep"
	StageZeroAndShutdown            Stage = "ZeroAndShutdown"
	StageDone                       Stage = "Done"
	StageAbort                      Stage = "Abort"
)

// Stages returns the working stages in execution order, Init and Done excluded.
func Stages() []Stage {
	return []Stage{
		StageSetInitialVoltage,
		StageReadBackViaMux,
		StageValidateSet,
		StageReadMonitors,
		StageValidateMonitors,
		StageDarkCount,
		StageSinglePhotoelectronSearch,
		StageSinglePhotoelectronAcquire,
		StageIntenseLEDSearch,
		StageIntenseLEDAcquire,
		StageLowLED,
		StageLinearitySweep,
		StageZeroAndShutdown,
	}
}

// ChannelVoltage is the requested and measured DAC output of one channel.
type ChannelVoltage struct {
	Channel  int     `json:"channel"`
	Set      float64 `json:"set"`
	ReadBack float64 `json:"readBack"`
}

// ChannelMonitor is one IMon/VMon sample. Valid is false when the bridge
// answer could not be parsed.
type ChannelMonitor struct {
	Channel int     `json:"channel"`
	IMon    float64 `json:"iMon"`
	VMon    float64 `json:"vMon"`
	Valid   bool    `json:"valid"`
}

// ViolationKind names the quantity a Violation refers to.
type ViolationKind string

const (
	ViolationDAC          ViolationKind = "DAC"
	ViolationVMon         ViolationKind = "VMon"
	ViolationIMon         ViolationKind = "IMon"
	ViolationChannelCount ViolationKind = "ChannelCount"
)

// Violation records one failed tolerance comparison. Channel is -1 when the
// violation concerns the whole array.
type Violation struct {
	Channel  int           `json:"channel"`
	Kind     ViolationKind `json:"kind"`
	Expected float64       `json:"expected"`
	Observed float64       `json:"observed"`
	Margin   float64       `json:"margin"`
	Relative bool          `json:"relative"`
	Message  string        `json:"message"`
}

func (v Violation) String() string {
	if v.Message != "" {
		return v.Message
	}
	return fmt.Sprintf("channel %d %s: expected %.3f, observed %.3f (margin %.3f)", v.Channel, v.Kind, v.Expected, v.Observed, v.Margin)
}

// StageResult is reported once per finished stage.
type StageResult struct {
	Stage     Stage     `json:"stage"`
	Success   bool      `json:"success"`
	Reason    string    `json:"reason,omitempty"`
	Artifacts []string  `json:"artifacts,omitempty"`
	Started   time.Time `json:"started"`
	Finished  time.Time `json:"finished"`
}

// Outcome is the terminal state of a run.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeAborted   Outcome = "aborted"
	OutcomeCancelled Outcome = "cancelled"
)

// RunSummary is what is left of a run once it ends.
type RunSummary struct {
	ID          uint64            `json:"id"`
	Outcome     Outcome           `json:"outcome"`
	FailedStage Stage             `json:"failedStage,omitempty"`
	Reason      string            `json:"reason,omitempty"`
	ErrorKind   string            `json:"errorKind,omitempty"`
	LEDVoltages map[Stage]float64 `json:"ledVoltages,omitempty"`
	Converged   map[Stage]bool    `json:"converged,omitempty"`
	Violations  []Violation       `json:"violations,omitempty"`
	StartedAt   time.Time         `json:"startedAt"`
	FinishedAt  time.Time         `json:"finishedAt"`
}

// Status is a synthesized view model exposed via the daemon HTTP API.
type Status struct {
	Stage       Stage             `json:"stage"`
	Running     bool              `json:"running"`
	StartedAt   time.Time         `json:"startedAt"`
	Completed   []Stage           `json:"completed,omitempty"`
	LEDVoltages map[Stage]float64 `json:"ledVoltages,omitempty"`
	LastError   string            `json:"lastError,omitempty"`
	CanCancel   bool              `json:"canCancel"`
}
