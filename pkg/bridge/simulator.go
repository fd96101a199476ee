package bridge

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/spmt-unicamp/spmtcal/pkg/link"
)

// Simulator answers bridge commands the way the firmware does, for a board
// whose DAC outputs are ideal and whose monitors follow the configured
// factors. Plug Respond into link.NewMock for dry runs.
type Simulator struct {
	VFactor float64
	IFactor float64

	mu         sync.Mutex
	volts      map[int]float64
	monitoring bool
}

// NewSimulator returns a simulator with all DACs at 0 V.
func NewSimulator(vFactor, iFactor float64) *Simulator {
	return &Simulator{VFactor: vFactor, IFactor: iFactor, volts: map[int]float64{}}
}

// Voltage returns the last value written to the DAC of ch.
func (s *Simulator) Voltage(ch int) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.volts[ch]
}

// Respond implements the responder of a link.Mock.
func (s *Simulator) Respond(cmd string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	tok := strings.Split(cmd, link.Delimiter)
	switch {
	case len(tok) == 5 && tok[0] == menuDAC:
		ch, _ := strconv.Atoi(tok[1])
		v, _ := strconv.ParseFloat(tok[4], 64)
		s.volts[ch] = v
		return fmt.Sprintf("DAC %d set to %s V\r\n", ch, tok[4])
	case len(tok) == 3 && tok[0] == menuMux && tok[1] == muxEnable:
		ch, _ := strconv.Atoi(tok[2])
		return fmt.Sprintf("MUX\r\nchannel %d\r\nADC read\r\nvoltage:\r\n%.3f\r\n", ch, s.volts[ch])
	case len(tok) == 2 && tok[0] == menuMux:
		return "MUX disabled\r\n"
	case len(tok) == 1 && tok[0] == menuMonitor:
		s.monitoring = true
		return "Monitor IMon VMon\r\n"
	case len(tok) == 1 && tok[0] == monitorExit && s.monitoring:
		s.monitoring = false
		return "Monitor exit\r\n"
	case len(tok) == 1 && s.monitoring:
		ch, err := strconv.Atoi(tok[0])
		if err != nil {
			return "?\r\n"
		}
		v := s.volts[ch]
		return fmt.Sprintf("%.3f %.3f\r\n", v*s.IFactor, v*s.VFactor)
	case len(tok) == 6 && tok[0] == menuLoopTrigger:
		return "Loop trigger\r\n" + TriggerDone + "\r\n"
	}
	return "?\r\n"
}
