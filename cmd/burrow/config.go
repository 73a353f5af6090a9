package main

import (
	"fmt"

	"github.com/cuemby/burrow/pkg/config"
	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect reconciliation configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: `Print the configuration a manager would run with: the file given by
--config on top of the defaults, or the defaults alone.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		nodeID, _ := cmd.Flags().GetString("node-id")

		cfg, err := loadConfig(path, nodeID)
		if err != nil {
			return err
		}
		out, err := cfg.Summary()
		if err != nil {
			return fmt.Errorf("failed to render config: %w", err)
		}
		fmt.Fprint(cmd.OutOrStdout(), string(out))
		return nil
	},
}

// loadConfig reads path, or falls back to the defaults for nodeID
func loadConfig(path, nodeID string) (config.Config, error) {
	if path == "" {
		return config.ForServer(nodeID), nil
	}
	return config.Load(path)
}

func init() {
	configCmd.AddCommand(configShowCmd)

	configShowCmd.Flags().String("config", "", "Path to the YAML config file")
	configShowCmd.Flags().String("node-id", "", "Management server ID used when no file is given")
}
