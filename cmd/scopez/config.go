package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/zoobzio/scopez"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Args:  cobra.NoArgs,
	RunE:  runConfig,
}

func runConfig(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	_, err = cmd.OutOrStdout().Write(out)
	return err
}

// loadConfig reads --config when set, otherwise the defaults with
// environment overrides.
func loadConfig(cmd *cobra.Command) (scopez.Config, error) {
	path, err := cmd.Root().PersistentFlags().GetString("config")
	if err != nil {
		return scopez.Config{}, fmt.Errorf("failed to get config flag: %w", err)
	}
	if path != "" {
		return scopez.LoadConfig(path)
	}
	cfg := scopez.DefaultConfig()
	cfg.ApplyEnv()
	return cfg, cfg.Validate()
}
