package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/spmt-unicamp/spmtcal/pkg/client"
	"github.com/spmt-unicamp/spmtcal/pkg/config"
)

var (
	logLevel       = "info"
	unixSocketPath = "/var/run/spmtcal.sock"
	configPath     = "/etc/spmtcal.yaml"
	envFilePath    = ".env"
)

var apiClient = client.NewClient(unixSocketPath)

var (
	gCalibration  = "Calibration:"
	gAdvanced     = "Advanced:"
	commandGroups = []string{
		gCalibration,
		gAdvanced,
	}
)

func setupLogger() error {
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("failed to parse log level: %v", err)
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{})
	if term.IsTerminal(int(os.Stderr.Fd())) {
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.TimeOnly,
		})
	}

	return nil
}

// sources returns where the local configuration is read from, with
// overrides applied last.
func sources(overrides map[string]interface{}) config.Sources {
	return config.Sources{
		File:      configPath,
		EnvFile:   envFilePath,
		Overrides: overrides,
	}
}

func handleCmdError(err error) {
	if errors.Is(err, client.ErrDaemonNotRunning) {
		fmt.Fprintln(os.Stderr, "\nError: spmtcal daemon is not running")
		fmt.Fprintln(os.Stderr, "Start it with 'spmtcal daemon', or use 'spmtcal run' to calibrate in the foreground.")
	} else if errors.Is(err, client.ErrPermissionDenied) {
		fmt.Fprintln(os.Stderr, "\nError: Permission Denied")
		fmt.Fprintln(os.Stderr, "  - Try running the command again with 'sudo'")
		fmt.Fprintln(os.Stderr, "  - Or restart the daemon with the '--allow-non-root-access' flag to grant permissions to your user")
	} else if errors.Is(err, config.ErrInvalid) {
		fmt.Fprintf(os.Stderr, "\nError: check %s, %s and the SPMT_* environment\n", configPath, envFilePath)
	}
}

func main() {
	cmd := NewCommand()
	if err := cmd.Execute(); err != nil {
		handleCmdError(err)
		os.Exit(1)
	}
}

func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "spmtcal",
		Short: "spmtcal calibrates SPMT photomultiplier boards",
		Long: `spmtcal drives the calibration of a board of small photomultipliers:
it sets and validates the channel voltages through the serial bridge, runs
the acquisition and analysis tools, searches the LED drive voltages and
sweeps the linearity of every channel.

Runs can be started in the foreground with 'spmtcal run', or handed to the
daemon with 'spmtcal calibration start'.`,
		SilenceUsage: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			if err := setupLogger(); err != nil {
				return err
			}
			apiClient = client.NewClient(unixSocketPath)
			return nil
		},
	}

	globalFlags := cmd.PersistentFlags()
	globalFlags.StringVarP(&logLevel, "log-level", "l", "info", "log level (trace, debug, info, warn, error, fatal, panic)")
	globalFlags.StringVar(&configPath, "config", configPath, "config file path")
	globalFlags.StringVar(&envFilePath, "env-file", envFilePath, "file of SPMT_* variables loaded into the environment")
	globalFlags.StringVar(&unixSocketPath, "daemon-socket", unixSocketPath, "spmtcal daemon unix socket path")

	for _, i := range commandGroups {
		cmd.AddGroup(&cobra.Group{
			ID:    i,
			Title: i,
		})
	}

	cmd.AddCommand(
		NewRunCommand(),
		NewCalibrationCommand(),
		NewScheduleCommand(),
		NewDaemonCommand(),
		NewConfigCommand(),
		NewVersionCommand(),
	)

	return cmd
}
