package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ethpandaops/loadoor/pkg/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Long: `Print the configuration after merging every --config file, applying
LOADOOR_* environment overrides and filling in defaults.`,
	RunE: runConfig,
}

func init() {
	rootCmd.AddCommand(configCmd)
}

func runConfig(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFiles...)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	out, err := cfg.YAML()
	if err != nil {
		return fmt.Errorf("rendering config: %w", err)
	}

	fmt.Fprint(cmd.OutOrStdout(), string(out))

	return nil
}
