package config

import (
	"errors"
	"io"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf"
	kyaml "github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

// EnvPrefix prefixes every environment override: SPMT_SERIAL_PORT sets
// serial.port.
const EnvPrefix = "SPMT_"

// ErrConfigFileExists is returned by Persist when it would overwrite a file.
var ErrConfigFileExists = errors.New("config file already exists")

// Sources lists where a configuration is read from, lowest priority first
// after the defaults. Empty fields are skipped.
type Sources struct {
	File      string
	EnvFile   string
	Overrides map[string]interface{}
}

// Load merges defaults, the YAML file, the environment (after loading
// EnvFile into it) and Overrides, then validates the result. Missing files
// are not an error.
func Load(src Sources) (Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return Config{}, pkgerrors.Wrap(err, "failed to load defaults")
	}

	if src.File != "" {
		if err := k.Load(file.Provider(src.File), kyaml.Parser()); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return Config{}, pkgerrors.Wrapf(err, "failed to load config file %s", src.File)
			}
			logrus.WithField("path", src.File).Debug("config file not found, using defaults")
		}
	}

	if src.EnvFile != "" {
		if err := godotenv.Load(src.EnvFile); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return Config{}, pkgerrors.Wrapf(err, "failed to load env file %s", src.EnvFile)
			}
			logrus.WithField("path", src.EnvFile).Debug("env file not found")
		}
	}

	err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "_", ".")
	}), nil)
	if err != nil {
		return Config{}, pkgerrors.Wrap(err, "failed to load environment")
	}

	if len(src.Overrides) > 0 {
		if err := k.Load(confmap.Provider(src.Overrides, "."), nil); err != nil {
			return Config{}, pkgerrors.Wrap(err, "failed to apply overrides")
		}
	}

	var c Config
	if err := k.Unmarshal("", &c); err != nil {
		return Config{}, pkgerrors.Wrap(err, "failed to decode config")
	}
	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}

// Dump writes c as YAML.
func Dump(w io.Writer, c Config) error {
	return yaml.NewEncoder(w).Encode(c)
}

// Persist writes c to path. It refuses to replace an existing file unless
// overwrite is set.
func Persist(path string, c Config, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return ErrConfigFileExists
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to create %s", path)
	}
	if err := Dump(f, c); err != nil {
		_ = f.Close()
		return pkgerrors.Wrapf(err, "failed to write %s", path)
	}
	return f.Close()
}

// MarshalYAML writes durations in their string form, which Load parses back.
func (t Timing) MarshalYAML() (interface{}, error) {
	return yaml.MapSlice{
		{Key: "linkopen", Value: t.LinkOpen.String()},
		{Key: "linkstartup", Value: t.LinkStartup.String()},
		{Key: "dacsettle", Value: t.DACSettle.String()},
		{Key: "muxsettle", Value: t.MuxSettle.String()},
		{Key: "monitorstart", Value: t.MonitorStart.String()},
		{Key: "monitorchannel", Value: t.MonitorChannel.String()},
		{Key: "monitorstop", Value: t.MonitorStop.String()},
		{Key: "stoptoquit", Value: t.StopToQuit.String()},
		{Key: "toolstartup", Value: t.ToolStartup.String()},
		{Key: "triggerpoll", Value: t.TriggerPoll.String()},
		{Key: "triggertimeout", Value: t.TriggerTimeout.String()},
		{Key: "artifactsettle", Value: t.ArtifactSettle.String()},
		{Key: "artifacttimeout", Value: t.ArtifactTimeout.String()},
		{Key: "linearitysettle", Value: t.LinearitySettle.String()},
	}, nil
}
