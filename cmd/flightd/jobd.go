package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/caevv/flightd/internal/auth"
	"github.com/caevv/flightd/internal/history"
	"github.com/caevv/flightd/internal/job"
	"github.com/caevv/flightd/internal/jobd"
	"github.com/caevv/flightd/internal/logging"
)

var jobdCmd = &cobra.Command{
	Use:    "jobd",
	Short:  "Supervise one job (started by the agent)",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE:   runJobd,
}

func init() {
	jobdCmd.Flags().String("request", "", "Path to the job request file")
	jobdCmd.Flags().Bool("reconnect", false, "The controller already knows this job")
	jobdCmd.MarkFlagRequired("request")
}

func runJobd(cmd *cobra.Command, args []string) error {
	requestPath, _ := cmd.Flags().GetString("request")
	reconnect, _ := cmd.Flags().GetBool("reconnect")

	cfg, logCloser, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	var rec job.Record
	if err := job.ReadRequestFile(requestPath, &rec); err != nil {
		return err
	}
	j := job.FromRecord(rec)
	if err := j.Resolve(job.SystemResolver{}); err != nil {
		return fmt.Errorf("job %s: %w", j.ID, err)
	}

	tokens, err := auth.New(cfg, logging.Component(logger, "auth"))
	if err != nil {
		return err
	}
	st, err := history.NewStore(cfg.History.Driver, cfg.History.Path)
	if err != nil {
		return fmt.Errorf("failed to initialize history store: %w", err)
	}
	defer st.Close()

	stepCmd, err := stepdCommand(debugEnabled(cmd))
	if err != nil {
		return err
	}

	d, err := jobd.New(jobd.Options{
		Config:      cfg,
		Job:         j,
		Reconnect:   reconnect,
		Tokens:      tokens,
		History:     st,
		StepCommand: stepCmd,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)

	code, err := d.Run(cmd.Context(), signals)
	if err != nil {
		logger.Error("jobd failed", "job_id", j.ID, "error", err)
		if code == 0 {
			code = 1
		}
	}
	st.Close()
	logCloser.Close()
	os.Exit(code)
	return nil
}
