// Package bridge speaks the menu protocol of the microcontroller bridge: it
// sets the per-channel DAC outputs, reads them back through the analog
// multiplexer, and samples the IMon/VMon monitors.
package bridge

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/spmt-unicamp/spmtcal/pkg/link"
)

// Menu tokens understood by the bridge firmware.
const (
	menuDAC         = "1"
	dacWriteUpdate  = "3"
	dacByVoltage    = "1"
	menuMux         = "9"
	muxEnable       = "1"
	muxDisable      = "0"
	menuMonitor     = "17"
	monitorExit     = "9"
	menuLoopTrigger = "16"
)

// TriggerDone is the line the bridge prints once a loop trigger has finished.
const TriggerDone = "Fine trigger"

// muxValueLine is the index of the voltage line in a MUX read-back answer.
const muxValueLine = 4

// ReadBackFailed is the value recorded for a channel whose MUX answer could
// not be parsed.
const ReadBackFailed = -1.0

func formatVolts(v float64) string {
	return strconv.FormatFloat(math.Round(v*1e4)/1e4, 'f', -1, 64)
}

// SetVoltageCommand selects the DAC of ch and writes v volts to it.
func SetVoltageCommand(ch int, v float64) string {
	return strings.Join([]string{menuDAC, strconv.Itoa(ch), dacWriteUpdate, dacByVoltage, formatVolts(v)}, link.Delimiter)
}

// MuxEnableCommand routes ch to the read-back ADC.
func MuxEnableCommand(ch int) string {
	return strings.Join([]string{menuMux, muxEnable, strconv.Itoa(ch)}, link.Delimiter)
}

// MuxDisableCommand disconnects the multiplexer.
func MuxDisableCommand() string {
	return menuMux + link.Delimiter + muxDisable
}

// MonitorStartCommand enters the monitor menu.
func MonitorStartCommand() string { return menuMonitor }

// MonitorChannelCommand samples the monitors of ch.
func MonitorChannelCommand(ch int) string { return strconv.Itoa(ch) }

// MonitorStopCommand leaves the monitor menu.
func MonitorStopCommand() string { return monitorExit }

// Trigger describes a loop trigger pulse train.
type Trigger struct {
	HighMs  float64
	LowMs   float64
	Pulses  int
	Cycles  int
	DelayMs int
}

// TriggerAt returns a square pulse train at freqHz.
func TriggerAt(freqHz float64, pulses int) Trigger {
	period := 1000.0 / freqHz
	return Trigger{HighMs: period, LowMs: period, Pulses: pulses, Cycles: 1}
}

// LoopTriggerCommand fires the pulse train described by t.
func LoopTriggerCommand(t Trigger) string {
	return strings.Join([]string{
		menuLoopTrigger,
		formatVolts(t.HighMs),
		formatVolts(t.LowMs),
		strconv.Itoa(t.Pulses),
		strconv.Itoa(t.Cycles),
		strconv.Itoa(t.DelayMs),
	}, link.Delimiter)
}

// ParseError is returned when a bridge answer does not have the expected shape.
type ParseError struct {
	Op       string
	Channel  int
	Response string
	Err      error
}

func (e *ParseError) Error() string {
	msg := fmt.Sprintf("failed to parse %s answer for channel %d: %q", e.Op, e.Channel, e.Response)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ParseError) Unwrap() error { return e.Err }

// ParseMuxVoltage extracts the read-back voltage, rounded to mV.
func ParseMuxVoltage(ch int, resp string) (float64, error) {
	lines := link.Lines(resp)
	if len(lines) <= muxValueLine {
		return ReadBackFailed, &ParseError{Op: "mux", Channel: ch, Response: resp}
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(lines[muxValueLine]), 64)
	if err != nil {
		return ReadBackFailed, &ParseError{Op: "mux", Channel: ch, Response: resp, Err: err}
	}
	return round3(v), nil
}

// ParseMonitor extracts the "IMon VMon" pair from the first answer line.
func ParseMonitor(ch int, resp string) (iMon, vMon float64, err error) {
	lines := link.Lines(resp)
	if len(lines) == 0 {
		return 0, 0, &ParseError{Op: "monitor", Channel: ch, Response: resp}
	}
	fields := strings.Fields(lines[0])
	if len(fields) < 2 {
		return 0, 0, &ParseError{Op: "monitor", Channel: ch, Response: resp}
	}
	if iMon, err = strconv.ParseFloat(fields[0], 64); err != nil {
		return 0, 0, &ParseError{Op: "monitor", Channel: ch, Response: resp, Err: err}
	}
	if vMon, err = strconv.ParseFloat(fields[1], 64); err != nil {
		return 0, 0, &ParseError{Op: "monitor", Channel: ch, Response: resp, Err: err}
	}
	return round3(iMon), round3(vMon), nil
}

// HasTriggerDone reports whether resp contains the end-of-trigger line.
func HasTriggerDone(resp string) bool {
	for _, l := range link.Lines(resp) {
		if strings.TrimSpace(l) == TriggerDone {
			return true
		}
	}
	return false
}

func round3(v float64) float64 { return math.Round(v*1000) / 1000 }
