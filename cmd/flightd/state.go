package main

import (
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/caevv/flightd/internal/config"
	"github.com/caevv/flightd/internal/history"
	"github.com/caevv/flightd/internal/job"
	"github.com/caevv/flightd/internal/persistence"
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Print the jobs recorded in the spool directory",
	Long: `Print the job snapshot the agent recovers from on start.

Example:
  flightd state --config /etc/flightd/flightd.yaml`,
	Args: cobra.NoArgs,
	RunE: runState,
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Print the run history",
	Long: `Print finished batch scripts, steps and jobds, newest first.

Examples:
  flightd history
  flightd history --job 1234 --limit 50`,
	Args: cobra.NoArgs,
	RunE: runHistory,
}

func init() {
	historyCmd.Flags().String("job", "", "Only show runs of this job")
	historyCmd.Flags().Int("limit", 20, "Maximum number of runs to show")
}

func runState(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	return printState(cmd.OutOrStdout(), persistence.New[job.Record](cfg.SnapshotPath()))
}

func printState(out io.Writer, snapshot *persistence.File[job.Record]) error {
	records, found, err := snapshot.Load()
	if err != nil {
		return err
	}
	if !found || len(records) == 0 {
		fmt.Fprintln(out, "No jobs recorded.")
		return nil
	}

	now := job.Now()
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "JOB ID\tUSER\tTIME LIMIT\tELAPSED")
	for _, rec := range records {
		j := job.FromRecord(rec)
		limit := "-"
		if j.TimeOut != nil {
			limit = j.TimeOut.String()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", j.ID, j.Username, limit, j.Elapsed(now).Round(time.Second))
	}
	return w.Flush()
}

func runHistory(cmd *cobra.Command, args []string) error {
	jobID, _ := cmd.Flags().GetString("job")
	limit, _ := cmd.Flags().GetInt("limit")

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	st, err := history.NewStore(cfg.History.Driver, cfg.History.Path)
	if err != nil {
		return fmt.Errorf("failed to open history store: %w", err)
	}
	defer st.Close()

	return printHistory(cmd.OutOrStdout(), st, jobID, limit)
}

func printHistory(out io.Writer, st history.Store, jobID string, limit int) error {
	var (
		runs []*history.Run
		err  error
	)
	if jobID != "" {
		runs, err = st.GetJobRuns(jobID, limit)
	} else {
		runs, err = st.GetAllRuns(limit)
	}
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs recorded.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STARTED\tJOB ID\tRUNNER\tKIND\tDURATION\tEXIT\tSTATUS")
	for _, run := range runs {
		exit := strconv.Itoa(run.ExitCode)
		if run.Signal != "" {
			exit += " (" + run.Signal + ")"
		}
		status := "✗ failed"
		if run.Success {
			status = "✓ success"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			run.StartTime.Format("2006-01-02 15:04:05"),
			run.JobID,
			run.RunnerID,
			run.Kind,
			run.Duration().Round(time.Millisecond),
			exit,
			status)
	}
	return w.Flush()
}
