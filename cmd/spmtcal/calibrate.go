package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/spmt-unicamp/spmtcal/pkg/events"
)

var errRunEnded = errors.New("run ended")

func NewCalibrationCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "calibration",
		Aliases: []string{"calibrate", "cali"},
		Short:   "Manage calibration runs on the daemon",
		GroupID: gCalibration,
	}

	// start
	var sets []string
	var follow bool
	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start a calibration run on the daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			overrides, err := parseOverrides(sets)
			if err != nil {
				return err
			}
			id, err := apiClient.StartRun(overrides)
			if err != nil {
				return fmt.Errorf("failed to start calibration: %w", err)
			}
			cmd.Printf("Calibration run %d started.\n", id)
			if !follow {
				return nil
			}
			return followRun(cmd)
		},
	}
	startCmd.Flags().StringArrayVar(&sets, "set", nil, "override a configuration key for this run (key=value, repeatable)")
	startCmd.Flags().BoolVarP(&follow, "follow", "f", false, "print progress until the run ends")

	// follow
	followCmd := &cobra.Command{
		Use:   "follow",
		Short: "Print the progress of the active run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return followRun(cmd)
		},
	}

	// cancel
	cancelCmd := &cobra.Command{
		Use:   "cancel",
		Short: "Cancel the active run and set every channel to 0 V",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := apiClient.CancelRun(); err != nil {
				return fmt.Errorf("failed to cancel calibration: %w", err)
			}
			cmd.Println("Calibration cancel requested.")
			return nil
		},
	}

	// status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show the status of the current or last run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := apiClient.GetStatus()
			if err != nil {
				return fmt.Errorf("failed to fetch calibration status: %w", err)
			}
			printStatus(cmd.OutOrStdout(), st)
			return nil
		},
	}

	// history
	var limit int
	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			runs, err := apiClient.ListRuns(limit)
			if err != nil {
				return err
			}
			printHistory(cmd.OutOrStdout(), runs)
			return nil
		},
	}
	historyCmd.Flags().IntVarP(&limit, "limit", "n", 10, "number of runs to list, 0 for all")

	// show
	showCmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show the summary of a recorded run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid run ID: %v", err)
			}
			sum, err := apiClient.GetRun(id)
			if err != nil {
				return err
			}
			printSummary(cmd.OutOrStdout(), *sum)
			return nil
		},
	}

	cmd.AddCommand(startCmd, followCmd, cancelCmd, statusCmd, historyCmd, showCmd)
	return cmd
}

// followRun prints daemon events until the run ends or the user presses
// Ctrl-C, which stops following without cancelling the run.
func followRun(cmd *cobra.Command) error {
	st, err := apiClient.GetStatus()
	if err != nil {
		return fmt.Errorf("failed to fetch calibration status: %w", err)
	}
	if !st.Running {
		cmd.Println("No calibration run in progress.")
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	r := &consoleReporter{w: cmd.OutOrStdout()}
	err = apiClient.Events(ctx, func(ev events.Event) error {
		ended, err := r.handle(ev)
		if err != nil {
			return err
		}
		if ended {
			return errRunEnded
		}
		return nil
	})
	if errors.Is(err, errRunEnded) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
