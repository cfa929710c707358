// Package history records every finished runner of this node.
package history

import (
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned by GetRun for an unknown run id.
var ErrNotFound = errors.New("run not found")

// Store defines the interface for persisting and retrieving run history.
// Stores are safe to use from several processes at once.
type Store interface {
	// SaveRun persists a run record.
	SaveRun(run *Run) error

	// GetRun retrieves a specific run by its ID.
	GetRun(runID string) (*Run, error)

	// GetJobRuns retrieves the most recent runs of one job, newest first.
	GetJobRuns(jobID string, limit int) ([]*Run, error)

	// GetAllRuns retrieves the most recent runs across all jobs, newest first.
	GetAllRuns(limit int) ([]*Run, error)

	// Prune keeps the newest keep runs of each job and reports how many
	// were removed.
	Prune(keep int) (int, error)

	// Close releases any resources held by the store.
	Close() error
}

// Run is one finished runner: a batch script, a step or a jobd process.
type Run struct {
	// RunID is a unique identifier for this run.
	RunID string `json:"run_id"`

	// JobID identifies the job the runner worked for.
	JobID string `json:"job_id"`

	// RunnerID is the runner's registry id: BATCH, JOBD or the step id.
	RunnerID string `json:"runner_id"`

	// Kind is BATCH, STEP or JOBD.
	Kind string `json:"kind"`

	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`

	// ExitCode is the exit status, 128+n when killed by signal n.
	ExitCode int `json:"exit_code"`

	// Signal names the terminating signal, if any.
	Signal string `json:"signal,omitempty"`

	Success bool `json:"success"`
}

// NewRun creates a record with a fresh run id.
func NewRun(jobID, runnerID, kind string, start, end time.Time, exitCode int, signal string) *Run {
	return &Run{
		RunID:     uuid.NewString(),
		JobID:     jobID,
		RunnerID:  runnerID,
		Kind:      kind,
		StartTime: start,
		EndTime:   end,
		ExitCode:  exitCode,
		Signal:    signal,
		Success:   exitCode == 0 && signal == "",
	}
}

// Duration returns the time taken for this run.
func (r *Run) Duration() time.Duration {
	if r.EndTime.IsZero() {
		return 0
	}
	return r.EndTime.Sub(r.StartTime)
}

func validate(run *Run) error {
	if run.RunID == "" {
		return errors.New("run_id is required")
	}
	if run.JobID == "" {
		return errors.New("job_id is required")
	}
	return nil
}

// newestFirst sorts runs by start time descending and applies limit.
func newestFirst(runs []*Run, limit int) []*Run {
	if limit <= 0 {
		limit = 100
	}
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].StartTime.After(runs[j].StartTime)
	})
	if len(runs) > limit {
		runs = runs[:limit]
	}
	return runs
}

// expired returns the run ids of runs beyond the newest keep.
func expired(runs []*Run, keep int) []string {
	if keep <= 0 || len(runs) <= keep {
		return nil
	}
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].StartTime.After(runs[j].StartTime)
	})
	ids := make([]string, 0, len(runs)-keep)
	for _, run := range runs[keep:] {
		ids = append(ids, run.RunID)
	}
	return ids
}
