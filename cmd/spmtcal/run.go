package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/spmt-unicamp/spmtcal/pkg/calibration"
	"github.com/spmt-unicamp/spmtcal/pkg/config"
	"github.com/spmt-unicamp/spmtcal/pkg/journal"
	"github.com/spmt-unicamp/spmtcal/pkg/pipeline"
)

func NewRunCommand() *cobra.Command {
	var sets []string
	var simulate bool

	cmd := &cobra.Command{
		Use:     "run",
		Short:   "Run a calibration in the foreground",
		GroupID: gCalibration,
		Long: `Run a complete calibration in the foreground, without the daemon.

Press Ctrl-C to cancel: every channel is set to 0 V before exiting.`,
		Example: `  spmtcal run
  spmtcal run --set channels=4 --set timing.dacsettle=1s
  spmtcal run --simulate`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			overrides, err := parseOverrides(sets)
			if err != nil {
				return err
			}
			if simulate {
				if overrides == nil {
					overrides = map[string]interface{}{}
				}
				overrides["simulate"] = true
			}
			cfg, err := config.Load(sources(overrides))
			if err != nil {
				return err
			}
			logrus.WithFields(cfg.LogrusFields()).Debug("config loaded")

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			sum, err := runForeground(ctx, cfg, &consoleReporter{w: cmd.OutOrStdout()})
			if err != nil {
				if sum.Outcome == calibration.OutcomeCancelled {
					return fmt.Errorf("calibration cancelled")
				}
				return fmt.Errorf("calibration failed in %s: %w", sum.FailedStage, err)
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringArrayVar(&sets, "set", nil, "override a configuration key for this run (key=value, repeatable)")
	f.BoolVar(&simulate, "simulate", false, "answer serial commands with the built-in board simulator")

	return cmd
}

// runForeground runs one calibration and records it in the journal when one
// is configured.
func runForeground(ctx context.Context, cfg config.Config, r pipeline.Reporter) (calibration.RunSummary, error) {
	var j *journal.Journal
	id := uint64(1)
	if cfg.Journal != "" {
		var err error
		j, err = journal.Open(cfg.Journal)
		if err != nil {
			return calibration.RunSummary{}, err
		}
		defer func() {
			if err := j.Close(); err != nil {
				logrus.Errorf("failed to close journal: %v", err)
			}
		}()
		if id, err = j.NextID(); err != nil {
			return calibration.RunSummary{}, err
		}
	}

	sum, runErr := pipeline.NewFromConfig(ctx, id, cfg, r).Run(ctx)
	if sum.ID == 0 {
		sum.ID = id
	}
	if j != nil {
		if err := j.Record(&sum); err != nil {
			logrus.WithError(err).Error("failed to record run in journal")
		}
	}
	return sum, runErr
}
