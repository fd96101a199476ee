package main

import (
	"errors"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/spmt-unicamp/spmtcal/pkg/client"
	"github.com/spmt-unicamp/spmtcal/pkg/version"
)

func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			info := version.Info()
			cmd.Printf("spmtcal %s %s (%s)\n", info.Version, info.GitCommit, info.GoVersion)

			daemonInfo, err := apiClient.GetVersion()
			if err != nil {
				if !errors.Is(err, client.ErrDaemonNotRunning) {
					logrus.WithError(err).Debug("failed to get daemon version")
				}
				return
			}
			cmd.Printf("daemon  %s %s (%s)\n", daemonInfo.Version, daemonInfo.GitCommit, daemonInfo.GoVersion)
			if daemonInfo.Version != info.Version {
				logrus.WithFields(logrus.Fields{
					"clientVersion": info.Version,
					"daemonVersion": daemonInfo.Version,
				}).Warn("version mismatch between client and daemon, restart the daemon after upgrading")
			}
		},
	}
}
