package main

import (
	"github.com/spf13/cobra"

	"github.com/shelepuginivan/systat/internal/config"
)

func newCmdConfig(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Long: `Print the configuration systat would run with, after merging the
configuration file, SYSTAT_* environment variables and defaults.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath, nil)
			if err != nil {
				return err
			}
			return config.Write(cmd.OutOrStdout(), cfg)
		},
	}
}
