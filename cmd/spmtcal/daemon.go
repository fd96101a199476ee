package main

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/spmt-unicamp/spmtcal/pkg/daemon"
	"github.com/spmt-unicamp/spmtcal/pkg/version"
)

var (
	// allowNonRootAccess indicates whether non-root users may talk to the daemon.
	allowNonRootAccess = false
)

func NewDaemonCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "daemon",
		Short:   "Run spmtcal daemon in the foreground",
		GroupID: gAdvanced,
		Args:    cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			logrus.WithFields(logrus.Fields{
				"version": version.Version,
				"commit":  version.GitCommit,
			}).Info("spmtcal daemon starting")
			return daemon.Run(daemon.Options{
				Sources:      sources(nil),
				SocketPath:   unixSocketPath,
				AllowNonRoot: allowNonRootAccess,
			})
		},
	}

	f := cmd.Flags()

	f.BoolVar(&allowNonRootAccess, "allow-non-root-access", false,
		"Allow non-root users to access the daemon.")

	return cmd
}
