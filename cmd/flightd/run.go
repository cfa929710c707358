package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/caevv/flightd/internal/agent"
	"github.com/caevv/flightd/internal/auth"
	"github.com/caevv/flightd/internal/history"
	"github.com/caevv/flightd/internal/hooks"
	"github.com/caevv/flightd/internal/logging"
	"github.com/caevv/flightd/internal/runner"
	"github.com/caevv/flightd/internal/server"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the node agent",
	Long: `Start the node agent.

The agent connects to the controller, recovers the jobs recorded in the
spool directory and accepts new allocations. It runs until interrupted
by SIGINT or SIGTERM; running jobs keep going and are adopted by the next
agent.

Example:
  flightd run --config /etc/flightd/flightd.yaml`,
	RunE: runAgent,
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfg, logCloser, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	logger.Info("starting flightd agent",
		"config", configPath,
		"node", cfg.NodeName,
		"controller", cfg.ControllerURL,
		"spool_dir", cfg.SpoolDir)

	if err := os.MkdirAll(cfg.StateDir(), 0o755); err != nil {
		return fmt.Errorf("failed to create spool directory: %w", err)
	}

	tokens, err := auth.New(cfg, logging.Component(logger, "auth"))
	if err != nil {
		return err
	}

	st, err := history.NewStore(cfg.History.Driver, cfg.History.Path)
	if err != nil {
		return fmt.Errorf("failed to initialize history store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error("failed to close history store", "error", err)
		}
	}()
	logger.Info("history store initialized", "driver", cfg.History.Driver, "path", cfg.History.Path)

	launchJobd, err := jobdCommand(debugEnabled(cmd))
	if err != nil {
		return err
	}

	a, err := agent.New(agent.Options{
		Config:      cfg,
		Tokens:      tokens,
		JobdCommand: launchJobd,
		Hooks:       hooks.NewRunner(cfg.Hooks, cfg.NodeName, logging.Component(logger, "hooks")),
		History:     st,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create agent: %w", err)
	}

	if cfg.Status.Enabled {
		srv := server.New(cfg.Status.Listen,
			server.NewHistoryAdapter(st),
			server.NewRegistryAdapter(a.Registry()),
			server.NewNodeAdapter(cfg.NodeName, a),
			logging.Component(logger, "status"))
		a.AddService(srv)
		logger.Info("status API enabled", "addr", cfg.Status.Listen)
	}

	ctx := setupSignalHandler()
	if err := a.Run(ctx); err != nil {
		return err
	}

	logger.Info("flightd stopped")
	return nil
}

func debugEnabled(cmd *cobra.Command) bool {
	debug, _ := cmd.Flags().GetBool("debug")
	return debug
}

// selfArgs are the arguments every child flightd process starts with.
func selfArgs(sub string, debug bool) (string, []string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", nil, fmt.Errorf("failed to locate flightd executable: %w", err)
	}
	cfgPath, err := filepath.Abs(configPath)
	if err != nil {
		return "", nil, err
	}
	args := []string{sub, "--config", cfgPath}
	if debug {
		args = append(args, "--debug")
	}
	return exe, args, nil
}

// jobdCommand launches "flightd jobd" for a job request file.
func jobdCommand(debug bool) (runner.JobdCommandFunc, error) {
	exe, base, err := selfArgs("jobd", debug)
	if err != nil {
		return nil, err
	}
	return func(requestPath string, reconnect bool) *exec.Cmd {
		args := append(append([]string{}, base...), "--request", requestPath)
		if reconnect {
			args = append(args, "--reconnect")
		}
		return exec.Command(exe, args...)
	}, nil
}

// stepdCommand launches "flightd stepd" for a step request file.
func stepdCommand(debug bool) (runner.StepCommandFunc, error) {
	exe, base, err := selfArgs("stepd", debug)
	if err != nil {
		return nil, err
	}
	return func(requestPath string) *exec.Cmd {
		args := append(append([]string{}, base...), "--request", requestPath)
		return exec.Command(exe, args...)
	}, nil
}
