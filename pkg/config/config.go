// Package config holds the parameters of a calibration run and loads them
// from defaults, a YAML file, the environment and command line overrides.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config is the full set of run parameters. A run works on a copy, so changes
// made after a run has started do not affect it.
type Config struct {
	Serial              Serial    `koanf:"serial" yaml:"serial"`
	Channels            int       `koanf:"channels" yaml:"channels"`
	Divider             float64   `koanf:"divider" yaml:"divider"`
	LEDs                LEDs      `koanf:"leds" yaml:"leds"`
	Initial             Initial   `koanf:"initial" yaml:"initial"`
	DarkCount           Pulses    `koanf:"darkcount" yaml:"darkcount"`
	SinglePhotoelectron LEDStage  `koanf:"singlephotoelectron" yaml:"singlephotoelectron"`
	IntenseLED          LEDStage  `koanf:"intenseled" yaml:"intenseled"`
	LowLED              LowLED    `koanf:"lowled" yaml:"lowled"`
	Linearity           Linearity `koanf:"linearity" yaml:"linearity"`
	Search              Search    `koanf:"search" yaml:"search"`
	Files               Files     `koanf:"files" yaml:"files"`
	Tools               Tools     `koanf:"tools" yaml:"tools"`
	Timing              Timing    `koanf:"timing" yaml:"timing"`
	// Journal is the run history database. Empty disables it.
	Journal string `koanf:"journal" yaml:"journal"`
	// Schedule is a cron expression for unattended runs in the daemon.
	Schedule string `koanf:"schedule" yaml:"schedule"`
	// Simulate replaces the serial link with an in-memory bridge.
	Simulate bool `koanf:"simulate" yaml:"simulate"`
}

// Serial is the bridge port.
type Serial struct {
	Port string `koanf:"port" yaml:"port"`
	Baud int    `koanf:"baud" yaml:"baud"`
}

// LEDs are the DAC channels driving the calibration LEDs.
type LEDs struct {
	LED1 int `koanf:"led1" yaml:"led1"`
	LED2 int `koanf:"led2" yaml:"led2"`
	LED3 int `koanf:"led3" yaml:"led3"`
}

// Initial is the setup stage: initial voltage and tolerances.
type Initial struct {
	Voltage         float64 `koanf:"voltage" yaml:"voltage"`
	MaxVoltageError float64 `koanf:"maxvoltageerror" yaml:"maxvoltageerror"`
	VoltageFactor   float64 `koanf:"voltagefactor" yaml:"voltagefactor"`
	MaxVMonError    float64 `koanf:"maxvmonerror" yaml:"maxvmonerror"`
	CurrentFactor   float64 `koanf:"currentfactor" yaml:"currentfactor"`
	MaxIMonError    float64 `koanf:"maximonerror" yaml:"maximonerror"`
}

// Pulses is one acquisition setting.
type Pulses struct {
	Frequency float64 `koanf:"frequency" yaml:"frequency"`
	Pulses    int     `koanf:"pulses" yaml:"pulses"`
}

// LEDStage is an LED search followed by an acquisition.
type LEDStage struct {
	InitialVoltage float64 `koanf:"initialvoltage" yaml:"initialvoltage"`
	StepFactor     float64 `koanf:"stepfactor" yaml:"stepfactor"`
	Search         Pulses  `koanf:"search" yaml:"search"`
	Acquire        Pulses  `koanf:"acquire" yaml:"acquire"`
}

// LowLED is the low intensity acquisition.
type LowLED struct {
	Voltage       float64 `koanf:"voltage" yaml:"voltage"`
	VoltageFactor float64 `koanf:"voltagefactor" yaml:"voltagefactor"`
	Acquire       Pulses  `koanf:"acquire" yaml:"acquire"`
}

// Linearity is the two-LED sweep.
type Linearity struct {
	VoltageFactor float64 `koanf:"voltagefactor" yaml:"voltagefactor"`
	Pulses        int     `koanf:"pulses" yaml:"pulses"`
	Steps         int     `koanf:"steps" yaml:"steps"`
	Frequency     float64 `koanf:"frequency" yaml:"frequency"`
	InitialLED2   float64 `koanf:"initialled2" yaml:"initialled2"`
	InitialLED3   float64 `koanf:"initialled3" yaml:"initialled3"`
	IncrementLED2 float64 `koanf:"incrementled2" yaml:"incrementled2"`
	IncrementLED3 float64 `koanf:"incrementled3" yaml:"incrementled3"`
}

// Search bounds the adaptive LED searches.
type Search struct {
	StepBase      float64 `koanf:"stepbase" yaml:"stepbase"`
	MaxIterations int     `koanf:"maxiterations" yaml:"maxiterations"`
}

// Files names every file exchanged with the external tools. Relative names
// resolve against WorkDir.
type Files struct {
	WorkDir             string `koanf:"workdir" yaml:"workdir"`
	LogDir              string `koanf:"logdir" yaml:"logdir"`
	Signal              string `koanf:"signal" yaml:"signal"`
	ThresholdResult     string `koanf:"thresholdresult" yaml:"thresholdresult"`
	SearchResult        string `koanf:"searchresult" yaml:"searchresult"`
	DarkParameters      string `koanf:"darkparameters" yaml:"darkparameters"`
	GainTable           string `koanf:"gaintable" yaml:"gaintable"`
	SinglePhotoelectron string `koanf:"singlephotoelectron" yaml:"singlephotoelectron"`
	LinearityConfig     string `koanf:"linearityconfig" yaml:"linearityconfig"`
	Wave                string `koanf:"wave" yaml:"wave"`
	WaveDark            string `koanf:"wavedark" yaml:"wavedark"`
	WaveSingle          string `koanf:"wavesingle" yaml:"wavesingle"`
	WaveHigh            string `koanf:"wavehigh" yaml:"wavehigh"`
	WaveLow             string `koanf:"wavelow" yaml:"wavelow"`
}

// Tools are the external executables.
type Tools struct {
	Acquisition     string   `koanf:"acquisition" yaml:"acquisition"`
	AcquisitionArgs []string `koanf:"acquisitionargs" yaml:"acquisitionargs"`
	DarkCount       string   `koanf:"darkcount" yaml:"darkcount"`
	Threshold       string   `koanf:"threshold" yaml:"threshold"`
	Search          string   `koanf:"search" yaml:"search"`
	GainTable       string   `koanf:"gaintable" yaml:"gaintable"`
	Linearity       string   `koanf:"linearity" yaml:"linearity"`
}

// Timing holds every settle time and timeout.
type Timing struct {
	LinkOpen        time.Duration `koanf:"linkopen" yaml:"linkopen"`
	LinkStartup     time.Duration `koanf:"linkstartup" yaml:"linkstartup"`
	DACSettle       time.Duration `koanf:"dacsettle" yaml:"dacsettle"`
	MuxSettle       time.Duration `koanf:"muxsettle" yaml:"muxsettle"`
	MonitorStart    time.Duration `koanf:"monitorstart" yaml:"monitorstart"`
	MonitorChannel  time.Duration `koanf:"monitorchannel" yaml:"monitorchannel"`
	MonitorStop     time.Duration `koanf:"monitorstop" yaml:"monitorstop"`
	StopToQuit      time.Duration `koanf:"stoptoquit" yaml:"stoptoquit"`
	ToolStartup     time.Duration `koanf:"toolstartup" yaml:"toolstartup"`
	TriggerPoll     time.Duration `koanf:"triggerpoll" yaml:"triggerpoll"`
	TriggerTimeout  time.Duration `koanf:"triggertimeout" yaml:"triggertimeout"`
	ArtifactSettle  time.Duration `koanf:"artifactsettle" yaml:"artifactsettle"`
	ArtifactTimeout time.Duration `koanf:"artifacttimeout" yaml:"artifacttimeout"`
	LinearitySettle time.Duration `koanf:"linearitysettle" yaml:"linearitysettle"`
}

// Default returns the parameters used on the bench.
func Default() Config {
	return Config{
		Serial:   Serial{Port: "/dev/ttyUSB0", Baud: 115200},
		Channels: 8,
		Divider:  2,
		LEDs:     LEDs{LED1: 8, LED2: 9, LED3: 10},
		Initial: Initial{
			Voltage:         1.75,
			MaxVoltageError: 0.02,
			VoltageFactor:   2.0,
			MaxVMonError:    0.03,
			CurrentFactor:   (2100 / 2.5) * (100 / 66975.0),
			MaxIMonError:    0.03,
		},
		DarkCount: Pulses{Frequency: 100, Pulses: 100000},
		SinglePhotoelectron: LEDStage{
			InitialVoltage: 2.5,
			StepFactor:     0.2,
			Search:         Pulses{Frequency: 100, Pulses: 5000},
			Acquire:        Pulses{Frequency: 100, Pulses: 100000},
		},
		IntenseLED: LEDStage{
			InitialVoltage: 7.0,
			StepFactor:     0.5,
			Search:         Pulses{Frequency: 10, Pulses: 150},
			Acquire:        Pulses{Frequency: 10, Pulses: 600},
		},
		LowLED: LowLED{
			Voltage:       1.25,
			VoltageFactor: 2100.0 / 2.5,
			Acquire:       Pulses{Frequency: 10, Pulses: 600},
		},
		Linearity: Linearity{
			VoltageFactor: 2.5 / 2100.0,
			Pulses:        30,
			Steps:         50,
			Frequency:     10,
			InitialLED2:   4.0,
			InitialLED3:   4.0,
			IncrementLED2: 0.15,
			IncrementLED3: 0.1,
		},
		Search: Search{StepBase: 5, MaxIterations: 10},
		Files: Files{
			WorkDir:             ".",
			LogDir:              ".",
			Signal:              "comunicazioneW.txt",
			ThresholdResult:     "Cerca.txt",
			SearchResult:        "Continua.txt",
			DarkParameters:      "Parametri_gaussiana_dark.cfg",
			GainTable:           "tabella_tensioni_guadagno_7*10^5.cfg",
			SinglePhotoelectron: "singolo.txt",
			LinearityConfig:     "datilin.txt",
			Wave:                "wave_%d.txt",
			WaveDark:            "wave_%d_dark.txt",
			WaveSingle:          "wave_%d_ph.txt",
			WaveHigh:            "wave_%d_LED_high.txt",
			WaveLow:             "wave_%d_LED_low.txt",
		},
		Tools: Tools{
			Acquisition:     "wavedump",
			AcquisitionArgs: []string{"WaveDumpConfig.txt"},
			DarkCount:       "Fondo.exe",
			Threshold:       "10Percento.exe",
			Search:          "Ricerca.exe",
			GainTable:       "Single_ph.exe",
			Linearity:       "Linearity.exe",
		},
		Timing: Timing{
			LinkOpen:        3 * time.Second,
			LinkStartup:     2 * time.Second,
			DACSettle:       500 * time.Millisecond,
			MuxSettle:       time.Second,
			MonitorStart:    3 * time.Second,
			MonitorChannel:  500 * time.Millisecond,
			MonitorStop:     500 * time.Millisecond,
			StopToQuit:      10 * time.Millisecond,
			ToolStartup:     time.Second,
			TriggerPoll:     500 * time.Millisecond,
			TriggerTimeout:  30 * time.Minute,
			ArtifactSettle:  time.Second,
			ArtifactTimeout: 30 * time.Minute,
			LinearitySettle: 5 * time.Second,
		},
	}
}

// Validate rejects values no run could work with.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, a ...interface{}) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, a...))
		}
	}

	check(c.Channels >= 1, "channels must be at least 1, got %d", c.Channels)
	check(c.Divider > 0, "divider must be positive, got %v", c.Divider)
	check(c.Simulate || c.Serial.Port != "", "serial.port is required")
	for name, ch := range map[string]int{"led1": c.LEDs.LED1, "led2": c.LEDs.LED2, "led3": c.LEDs.LED3} {
		check(ch >= 0, "leds.%s must not be negative, got %d", name, ch)
	}
	for name, p := range map[string]Pulses{
		"darkcount":                   c.DarkCount,
		"singlephotoelectron.search":  c.SinglePhotoelectron.Search,
		"singlephotoelectron.acquire": c.SinglePhotoelectron.Acquire,
		"intenseled.search":           c.IntenseLED.Search,
		"intenseled.acquire":          c.IntenseLED.Acquire,
		"lowled.acquire":              c.LowLED.Acquire,
	} {
		check(p.Frequency > 0, "%s.frequency must be positive, got %v", name, p.Frequency)
		check(p.Pulses > 0, "%s.pulses must be positive, got %d", name, p.Pulses)
	}
	check(c.Linearity.Frequency > 0, "linearity.frequency must be positive, got %v", c.Linearity.Frequency)
	check(c.Linearity.Steps >= 0, "linearity.steps must not be negative, got %d", c.Linearity.Steps)
	check(c.Search.StepBase > 1, "search.stepbase must be greater than 1, got %v", c.Search.StepBase)
	check(c.Search.MaxIterations >= 1, "search.maxiterations must be at least 1, got %d", c.Search.MaxIterations)
	check(c.Timing.TriggerTimeout > 0, "timing.triggertimeout must be positive")
	check(c.Timing.ArtifactTimeout > 0, "timing.artifacttimeout must be positive")
	check(c.Tools.Acquisition != "", "tools.acquisition is required")

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// LogrusFields returns the parameters worth a startup log line.
func (c *Config) LogrusFields() logrus.Fields {
	return logrus.Fields{
		"port":     c.Serial.Port,
		"baud":     c.Serial.Baud,
		"channels": c.Channels,
		"workDir":  c.Files.WorkDir,
		"simulate": c.Simulate,
		"journal":  c.Journal,
		"schedule": c.Schedule,
	}
}
