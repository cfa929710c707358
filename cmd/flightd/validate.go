package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/caevv/flightd/internal/config"
	"github.com/caevv/flightd/internal/scheduler"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate flightd configuration file",
	Long: `Validate the syntax and semantics of a flightd configuration file.

This command loads and validates the configuration file without starting
the agent. It checks for:
  - Valid YAML syntax
  - A ws/wss/http/https controller URL
  - An absolute spool directory
  - A supported auth type and history driver
  - A valid step port range
  - A valid history prune schedule

Example:
  flightd validate --config /etc/flightd/flightd.yaml`,
	RunE: validateConfig,
}

func validateConfig(cmd *cobra.Command, args []string) error {
	logger.Info("validating configuration", "path", configPath)

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		logger.Error("configuration file not found", "path", configPath)
		return fmt.Errorf("configuration file not found: %s", configPath)
	}

	cfg, err := checkConfig(configPath)
	if err != nil {
		logger.Error("configuration validation failed", "error", err)
		return fmt.Errorf("validation failed: %w", err)
	}

	logger.Info("configuration is valid",
		"path", configPath,
		"node", cfg.NodeName,
		"controller", cfg.ControllerURL,
		"auth_type", cfg.AuthType,
		"history_driver", cfg.History.Driver)

	printSummary(cmd.OutOrStdout(), configPath, cfg)
	return nil
}

// checkConfig loads the file and applies the checks that need packages
// the config package does not import.
func checkConfig(path string) (*config.Config, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	if err := scheduler.ValidateSchedule(cfg.History.PruneSchedule); err != nil {
		return nil, fmt.Errorf("invalid history.prune_schedule: %w", err)
	}
	if cfg.Hooks.Dir != "" {
		if info, err := os.Stat(cfg.Hooks.Dir); err != nil || !info.IsDir() {
			return nil, fmt.Errorf("hooks.dir is not a directory: %s", cfg.Hooks.Dir)
		}
	}
	return cfg, nil
}

func printSummary(w io.Writer, path string, cfg *config.Config) {
	fmt.Fprintf(w, "\n✓ Configuration is valid: %s\n", path)
	fmt.Fprintf(w, "  Node: %s\n", cfg.NodeName)
	fmt.Fprintf(w, "  Controller: %s (auth: %s)\n", cfg.ControllerURL, cfg.AuthType)
	fmt.Fprintf(w, "  Spool: %s\n", cfg.SpoolDir)
	fmt.Fprintf(w, "  Step ports: %d-%d\n", cfg.StepPortRange.Start, cfg.StepPortRange.End)
	fmt.Fprintf(w, "  History: %s (%s), keep %d per job, prune %s\n",
		cfg.History.Driver, cfg.History.Path, cfg.History.Retention, cfg.History.PruneSchedule)
	if cfg.Status.Enabled {
		fmt.Fprintf(w, "  Status API: %s\n", cfg.Status.Listen)
	}
	if cfg.Hooks.Dir != "" {
		fmt.Fprintf(w, "  Hooks: %s\n", cfg.Hooks.Dir)
	}
}
