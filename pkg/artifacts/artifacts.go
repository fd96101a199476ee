// Package artifacts reads and writes the files exchanged with the external
// analysis tools: result codes, the gain table, the run parameter files and
// the digitizer wave files.
package artifacts

import (
	"bufio"
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ErrMalformed is wrapped when a file exists but its content cannot be used.
var ErrMalformed = errors.New("malformed artifact")

// gainTableColumn is the field of a gain-table line holding the voltage.
const gainTableColumn = 2

// ReadResultCode returns the integer in the first whitespace-separated token
// of the first line of path.
func ReadResultCode(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, pkgerrors.Wrapf(err, "failed to open result file")
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return 0, pkgerrors.Wrapf(err, "failed to read %s", path)
		}
		return 0, fmt.Errorf("%w: %s is empty", ErrMalformed, path)
	}
	fields := strings.Fields(sc.Text())
	if len(fields) == 0 {
		return 0, fmt.Errorf("%w: %s has an empty first line", ErrMalformed, path)
	}
	code, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrMalformed, path, err)
	}
	return code, nil
}

// ReadGainTable returns, for each channel ch, the third field of line
// 2*ch+1 multiplied by factor, rounded to mV.
func ReadGainTable(path string, channels int, factor float64) ([]float64, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to read gain table")
	}
	lines := strings.Split(strings.ReplaceAll(string(b), "\r\n", "\n"), "\n")

	values := make([]float64, channels)
	for ch := range values {
		idx := ch*2 + 1
		if idx >= len(lines) {
			return nil, fmt.Errorf("%w: %s has no line for channel %d", ErrMalformed, path, ch)
		}
		fields := strings.Fields(lines[idx])
		if len(fields) <= gainTableColumn {
			return nil, fmt.Errorf("%w: %s line %d has %d fields", ErrMalformed, path, idx+1, len(fields))
		}
		v, err := strconv.ParseFloat(fields[gainTableColumn], 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %s line %d: %v", ErrMalformed, path, idx+1, err)
		}
		values[ch] = round(round(v, 3)*factor, 3)
	}
	return values, nil
}

// WriteSinglePhotoelectron records the module voltages of the single
// photoelectron stage and the low LED voltage, both scaled by factor.
func WriteSinglePhotoelectron(path string, voltages []float64, lowLED, factor float64) error {
	var sb strings.Builder
	sb.WriteString("Tensioni singolo fotoelettrone: ")
	for _, v := range voltages {
		sb.WriteString(formatDecimal(round(factor*v, 2)) + " ")
	}
	sb.WriteString("\nTensioni basse luce LED: ")
	for range voltages {
		sb.WriteString(formatDecimal(round(factor*lowLED, 2)) + " ")
	}
	sb.WriteString("\n")
	if err := os.WriteFile(path, []byte(sb.String()), 0644); err != nil {
		return pkgerrors.Wrapf(err, "failed to write %s", path)
	}
	return nil
}

// WriteLinearityConfig writes the pulse and step counts read by the
// linearity fitter.
func WriteLinearityConfig(path string, pulses, steps int) error {
	content := fmt.Sprintf("Numero colpi: %d\nNumero cicli: %d\n", pulses, steps)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return pkgerrors.Wrapf(err, "failed to write %s", path)
	}
	return nil
}

// RenameWaves renames the wave file of every channel from the from pattern to
// the to pattern (both formatted with the channel index). Missing files are
// logged and skipped. It returns the new names of the renamed files.
func RenameWaves(from, to string, channels int) ([]string, error) {
	var renamed []string
	for ch := 0; ch < channels; ch++ {
		src := fmt.Sprintf(from, ch)
		dst := fmt.Sprintf(to, ch)
		if _, err := os.Stat(src); err != nil {
			logrus.WithField("file", src).Error("wave file not found")
			continue
		}
		if err := os.Rename(src, dst); err != nil {
			return renamed, pkgerrors.Wrapf(err, "failed to rename wave file of channel %d", ch)
		}
		renamed = append(renamed, dst)
	}
	return renamed, nil
}

func round(v float64, digits int) float64 {
	p := math.Pow(10, float64(digits))
	return math.Round(v*p) / p
}

// formatDecimal always keeps a decimal point, as the fitters expect.
func formatDecimal(v float64) string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}
