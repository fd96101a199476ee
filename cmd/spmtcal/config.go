package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/spmt-unicamp/spmtcal/pkg/config"
)

func NewConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "config",
		Short:   "Inspect and create configuration files",
		GroupID: gAdvanced,
	}

	var force bool
	mkconf := &cobra.Command{
		Use:   "mkconf [path]",
		Short: "Write the default configuration to a YAML file",
		Long: `Write the default configuration to a YAML file, the --config path
unless one is given. Existing files are kept unless --force is set.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath
			if len(args) == 1 {
				path = args[0]
			}
			err := config.Persist(path, config.Default(), force)
			if errors.Is(err, config.ErrConfigFileExists) {
				return fmt.Errorf("%s already exists, use --force to replace it", path)
			}
			if err != nil {
				return err
			}
			cmd.Printf("Default configuration written to %s.\n", path)
			return nil
		},
	}
	mkconf.Flags().BoolVar(&force, "force", false, "replace an existing file")

	var sets []string
	var fromDaemon bool
	show := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Long: `Print the configuration after defaults, the config file, the env file,
SPMT_* variables and --set overrides are merged.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if fromDaemon {
				c, err := apiClient.GetConfig()
				if err != nil {
					return err
				}
				return config.Dump(cmd.OutOrStdout(), *c)
			}
			overrides, err := parseOverrides(sets)
			if err != nil {
				return err
			}
			c, err := config.Load(sources(overrides))
			if err != nil {
				return err
			}
			return config.Dump(cmd.OutOrStdout(), c)
		},
	}
	show.Flags().StringArrayVar(&sets, "set", nil, "override a configuration key (key=value, repeatable)")
	show.Flags().BoolVar(&fromDaemon, "daemon", false, "print the configuration the daemon is using")

	cmd.AddCommand(mkconf, show)
	return cmd
}
