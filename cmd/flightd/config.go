package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/caevv/flightd/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a configuration file with every default filled in",
	Long: `Write a configuration file holding the default value of every setting.

The node name defaults to the short host name. An existing file is only
replaced with --force.

Example:
  flightd config init --config /etc/flightd/flightd.yaml`,
	Args: cobra.NoArgs,
	RunE: runConfigInit,
}

func init() {
	configInitCmd.Flags().Bool("force", false, "Overwrite an existing file")
	configCmd.AddCommand(configInitCmd)
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	force, _ := cmd.Flags().GetBool("force")
	if err := initConfig(configPath, force); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ Wrote default configuration to %s\n", configPath)
	return nil
}

func initConfig(path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}
	cfg, err := config.NewDefaultConfig()
	if err != nil {
		return err
	}
	return config.SaveConfig(cfg, path)
}
