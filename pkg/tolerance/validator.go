// Package tolerance compares measured channel values against their references
// and records every violation, both in memory and in the per-kind error logs
// read by the bench operators.
package tolerance

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/spmt-unicamp/spmtcal/pkg/calibration"
)

// Log file names, one per quantity.
const (
	DACLogName    = "ERROR_DAC_UNICAMP.log"
	ModuleLogName = "ERROR_MODULE_UNICAMP.log"
	PMTLogName    = "ERROR_PMT_UNICAMP.log"
)

// slack absorbs the representation error of decimal margins, so that an
// observation exactly at reference+margin passes.
const slack = 1e-9

// Validator checks readings against tolerances.
// Each call rewrites the logs of the kinds it checks.
type Validator struct {
	logDir string

	mu         sync.Mutex
	violations []calibration.Violation
}

// New returns a Validator writing its logs under logDir.
func New(logDir string) *Validator {
	if logDir == "" {
		logDir = "."
	}
	return &Validator{logDir: logDir}
}

// Violations returns every violation found since the Validator was created.
func (v *Validator) Violations() []calibration.Violation {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]calibration.Violation(nil), v.violations...)
}

// ValidateSet flags every read value farther than maxAbs volts from reference.
// Deviations beyond maxAbs by less than 1e-9 V are not flagged.
func (v *Validator) ValidateSet(read []float64, reference, maxAbs float64) ([]calibration.Violation, error) {
	var found []calibration.Violation
	for ch, r := range read {
		if math.Abs(r-reference) <= maxAbs+slack {
			continue
		}
		found = append(found, calibration.Violation{
			Channel:  ch,
			Kind:     calibration.ViolationDAC,
			Expected: reference,
			Observed: r,
			Margin:   maxAbs,
			Message: fmt.Sprintf("Channel %d with DAC error greater than %.3f V. Expected: %.3f, but read: %.3f.",
				ch, maxAbs, reference, r),
		})
	}

	v.record(found)
	err := v.writeLog(DACLogName, found)
	return found, err
}

// ValidateMonitors checks IMon against set*iFactor and VMon against
// set*vFactor, each with a relative margin. A zero reference only accepts a
// zero observation. A monitor that could not be read violates both checks.
func (v *Validator) ValidateMonitors(set []float64, mons []calibration.ChannelMonitor, vFactor, iFactor, maxVRel, maxIRel float64) ([]calibration.Violation, error) {
	var module, pmt []calibration.Violation

	if len(set) != len(mons) {
		module = append(module, calibration.Violation{
			Channel:  -1,
			Kind:     calibration.ViolationChannelCount,
			Expected: float64(len(set)),
			Observed: float64(len(mons)),
			Message: fmt.Sprintf("Number of monitor readings (%d) does not match number of set voltages (%d).",
				len(mons), len(set)),
		})
	} else {
		for ch, s := range set {
			m := mons[ch]
			iRef := s * iFactor
			vRef := s * vFactor
			if !m.Valid {
				pmt = append(pmt, unreadable(ch, calibration.ViolationIMon, iRef, maxIRel))
				module = append(module, unreadable(ch, calibration.ViolationVMon, vRef, maxVRel))
				continue
			}
			if exceedsRelative(iRef, m.IMon, maxIRel) {
				pmt = append(pmt, calibration.Violation{
					Channel:  ch,
					Kind:     calibration.ViolationIMon,
					Expected: iRef,
					Observed: m.IMon,
					Margin:   maxIRel,
					Relative: true,
					Message: fmt.Sprintf("Channel %d with error margin for IMon (PMT) greater than %.3f. Expected IMon: %.3f, but read: %.3f.",
						ch, maxIRel, iRef, m.IMon),
				})
			}
			if exceedsRelative(vRef, m.VMon, maxVRel) {
				module = append(module, calibration.Violation{
					Channel:  ch,
					Kind:     calibration.ViolationVMon,
					Expected: vRef,
					Observed: m.VMon,
					Margin:   maxVRel,
					Relative: true,
					Message: fmt.Sprintf("Channel %d with error margin for VMon (HV module) greater than %.3f. Expected VMon: %.3f, but read: %.3f.",
						ch, maxVRel, vRef, m.VMon),
				})
			}
		}
	}

	found := append(append([]calibration.Violation(nil), pmt...), module...)
	v.record(found)

	errModule := v.writeLog(ModuleLogName, module)
	errPMT := v.writeLog(PMTLogName, pmt)
	if errModule != nil {
		return found, errModule
	}
	return found, errPMT
}

func unreadable(ch int, kind calibration.ViolationKind, ref, margin float64) calibration.Violation {
	return calibration.Violation{
		Channel:  ch,
		Kind:     kind,
		Expected: ref,
		Margin:   margin,
		Relative: true,
		Message:  fmt.Sprintf("Channel %d %s could not be read. Expected: %.3f.", ch, kind, ref),
	}
}

func exceedsRelative(expected, observed, margin float64) bool {
	if expected == 0 {
		return observed != 0
	}
	return math.Abs(observed-expected)/math.Abs(expected) > margin+slack
}

func (v *Validator) record(found []calibration.Violation) {
	if len(found) == 0 {
		return
	}
	v.mu.Lock()
	v.violations = append(v.violations, found...)
	v.mu.Unlock()
	for _, f := range found {
		logrus.WithFields(logrus.Fields{
			"channel": f.Channel,
			"kind":    f.Kind,
		}).Warn(f.Message)
	}
}

// writeLog truncates the named log and writes one line per violation.
func (v *Validator) writeLog(name string, found []calibration.Violation) error {
	path := filepath.Join(v.logDir, name)
	f, err := os.Create(path)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to open violation log %s", path)
	}
	for _, viol := range found {
		if _, err := fmt.Fprintln(f, viol.String()); err != nil {
			_ = f.Close()
			return pkgerrors.Wrapf(err, "failed to write violation log %s", path)
		}
	}
	return f.Close()
}
