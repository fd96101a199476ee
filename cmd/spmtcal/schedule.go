package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/spmt-unicamp/spmtcal/pkg/client"
)

func NewScheduleCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "schedule [cron-expression]",
		Aliases: []string{"sch", "sched"},
		Short:   "Manage scheduled calibration runs",
		Long: `Manage scheduled calibration runs on the daemon.

  spmtcal schedule 'minute hour day month weekday'  Set schedule with cron expression
  spmtcal schedule disable                          Disable the schedule
  spmtcal schedule                                  Show current schedule

A scheduled run is skipped when another run is still active.`,
		Example: `  spmtcal schedule '0 22 * * 1-5' (At 22:00 from Monday to Friday)
  spmtcal schedule '@every 12h'`,
		GroupID: gCalibration,
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return runScheduleShow(cmd)
			}
			if args[0] == "" {
				return fmt.Errorf("cron expression cannot be empty")
			}
			s, err := apiClient.SetSchedule(args[0])
			if err != nil {
				return err
			}
			printSchedule(cmd, s)
			return nil
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "disable",
		Short: "Disable scheduled runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := apiClient.SetSchedule(""); err != nil {
				return err
			}
			cmd.Println("Calibration schedule disabled.")
			return nil
		},
	})

	return cmd
}

func runScheduleShow(cmd *cobra.Command) error {
	s, err := apiClient.GetSchedule()
	if err != nil {
		return err
	}
	printSchedule(cmd, s)
	return nil
}

func printSchedule(cmd *cobra.Command, s *client.Schedule) {
	if s.Cron == "" {
		cmd.Println("Calibration schedule is not set.")
		return
	}
	cmd.Printf("Schedule: %s\n", s.Cron)
	if !s.Next.IsZero() {
		cmd.Printf("Next run: %s (in %s)\n", s.Next.Local().Format(time.DateTime), time.Until(s.Next).Round(time.Second))
	}
}
