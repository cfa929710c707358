package main

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/caevv/flightd/internal/config"
	"github.com/caevv/flightd/internal/tui"
)

var topCmd = &cobra.Command{
	Use:   "top",
	Short: "Show a live dashboard of a running agent",
	Long: `Display an interactive terminal dashboard for the agent on this node.

The dashboard reads the agent's status API, so status.enabled must be
set. It shows the connection state, live jobs with their runners and
time limits, and the most recent finished runs.

Navigation:
  ↑/↓ or k/j  - Navigate job list
  enter       - View job details (runners, run history)
  esc         - Go back to job list
  g/G         - Jump to top/bottom
  r           - Refresh data
  q           - Quit

Example:
  flightd top --config /etc/flightd/flightd.yaml`,
	Args: cobra.NoArgs,
	RunE: runTop,
}

func init() {
	topCmd.Flags().String("addr", "", "Status API address (defaults to status.listen)")
	topCmd.Flags().Duration("interval", time.Second, "Refresh interval")
}

func runTop(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	interval, _ := cmd.Flags().GetDuration("interval")

	if addr == "" {
		cfg, err := config.LoadOrDefault(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if !cfg.Status.Enabled {
			return fmt.Errorf("status API is disabled in %s", configPath)
		}
		addr = cfg.Status.Listen
	}

	model := tui.New(tui.NewClient(addr), interval)

	p := tea.NewProgram(
		model,
		tea.WithAltScreen(),
		tea.WithMouseCellMotion(),
	)

	if _, err := p.Run(); err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}
	return nil
}
