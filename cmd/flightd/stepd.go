package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/caevv/flightd/internal/auth"
	"github.com/caevv/flightd/internal/job"
	"github.com/caevv/flightd/internal/logging"
	"github.com/caevv/flightd/internal/stepd"
)

var stepdCmd = &cobra.Command{
	Use:    "stepd",
	Short:  "Run one interactive step (started by jobd)",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE:   runStepd,
}

func init() {
	stepdCmd.Flags().String("request", "", "Path to the step request file")
	stepdCmd.MarkFlagRequired("request")
}

func runStepd(cmd *cobra.Command, args []string) error {
	requestPath, _ := cmd.Flags().GetString("request")

	cfg, logCloser, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	var req job.StepRequest
	if err := job.ReadRequestFile(requestPath, &req); err != nil {
		return err
	}
	// The request is single use.
	os.Remove(requestPath)

	tokens, err := auth.New(cfg, logging.Component(logger, "auth"))
	if err != nil {
		return err
	}

	s, err := stepd.New(stepd.Options{
		Config:  cfg,
		Request: req,
		Tokens:  tokens,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	return s.Run(cmd.Context(), signals)
}
