package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/caevv/flightd/internal/history"
	"github.com/caevv/flightd/internal/job"
	"github.com/caevv/flightd/internal/registry"
	"github.com/caevv/flightd/internal/scheduler"
)

var (
	ErrJobNotFound = errors.New("job not found")
	ErrRunNotFound = errors.New("run not found")
)

// statsWindow bounds how many recent runs the statistics cover.
const statsWindow = 1000

// HistoryAdapter adapts history.Store to server.Store interface
type HistoryAdapter struct {
	store history.Store
}

// NewHistoryAdapter creates a new history adapter
func NewHistoryAdapter(s history.Store) *HistoryAdapter {
	return &HistoryAdapter{store: s}
}

func toRunRecord(run *history.Run) RunRecord {
	status := "success"
	if !run.Success {
		status = "failure"
	}
	return RunRecord{
		RunID:     run.RunID,
		JobID:     run.JobID,
		RunnerID:  run.RunnerID,
		Kind:      run.Kind,
		StartTime: run.StartTime,
		EndTime:   run.EndTime,
		Duration:  float64(run.Duration().Milliseconds()),
		ExitCode:  run.ExitCode,
		Signal:    run.Signal,
		Status:    status,
	}
}

// GetRuns returns recent runs, optionally filtered by job ID
func (a *HistoryAdapter) GetRuns(ctx context.Context, jobID *string, limit int) ([]RunRecord, error) {
	var (
		runs []*history.Run
		err  error
	)
	if jobID != nil {
		runs, err = a.store.GetJobRuns(*jobID, limit)
	} else {
		runs, err = a.store.GetAllRuns(limit)
	}
	if err != nil {
		return nil, err
	}

	records := make([]RunRecord, len(runs))
	for i, run := range runs {
		records[i] = toRunRecord(run)
	}
	return records, nil
}

// GetRun returns a specific run by ID
func (a *HistoryAdapter) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	run, err := a.store.GetRun(runID)
	if errors.Is(err, history.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, err
	}
	record := toRunRecord(run)
	return &record, nil
}

// GetStats counts outcomes over the most recent runs
func (a *HistoryAdapter) GetStats(ctx context.Context) (*StatsResponse, error) {
	runs, err := a.store.GetAllRuns(statsWindow)
	if err != nil {
		return nil, err
	}

	stats := &StatsResponse{TotalRuns: len(runs)}
	for _, run := range runs {
		if run.Success {
			stats.SuccessCount++
		} else {
			stats.FailureCount++
		}
	}
	return stats, nil
}

// RegistryAdapter adapts registry.Registry to server.Jobs interface
type RegistryAdapter struct {
	registry *registry.Registry
}

// NewRegistryAdapter creates a new registry adapter
func NewRegistryAdapter(r *registry.Registry) *RegistryAdapter {
	return &RegistryAdapter{registry: r}
}

func toJobSummary(st registry.JobStatus) JobSummary {
	summary := JobSummary{
		ID:          st.Record.ID,
		Username:    st.Record.Username,
		TimeLimit:   st.Record.TimeOut,
		Elapsed:     st.Elapsed.Seconds(),
		Deallocated: st.Deallocated,
		TimedOut:    st.TimedOut,
		Runners:     make([]RunnerSummary, 0, len(st.Runners)),
	}
	for _, r := range st.Runners {
		summary.Runners = append(summary.Runners, RunnerSummary{ID: r.ID, Kind: r.Kind})
	}
	return summary
}

// GetJobs returns every live job
func (a *RegistryAdapter) GetJobs(ctx context.Context) ([]JobSummary, error) {
	statuses := a.registry.Snapshot()
	summaries := make([]JobSummary, 0, len(statuses))
	for _, st := range statuses {
		summaries = append(summaries, toJobSummary(st))
	}
	return summaries, nil
}

// GetJob returns a specific job by ID
func (a *RegistryAdapter) GetJob(ctx context.Context, jobID string) (*JobSummary, error) {
	if !job.ValidID(jobID) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	for _, st := range a.registry.Snapshot() {
		if st.Record.ID == jobID {
			summary := toJobSummary(st)
			return &summary, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
}

// NodeStatus is the state of an agent, as the status API sees it.
type NodeStatus interface {
	Connected() bool
	TaskStats() []scheduler.TaskStats
}

// NodeAdapter adapts a running agent to server.Node interface
type NodeAdapter struct {
	name  string
	agent NodeStatus
}

// NewNodeAdapter creates a new node adapter
func NewNodeAdapter(name string, agent NodeStatus) *NodeAdapter {
	return &NodeAdapter{name: name, agent: agent}
}

func (a *NodeAdapter) Name() string    { return a.name }
func (a *NodeAdapter) Connected() bool { return a.agent.Connected() }

// Tasks converts the agent's scheduler statistics
func (a *NodeAdapter) Tasks() []TaskSummary {
	stats := a.agent.TaskStats()
	tasks := make([]TaskSummary, 0, len(stats))
	for _, st := range stats {
		task := TaskSummary{
			Name:      st.Name,
			Schedule:  st.Schedule,
			RunCount:  st.RunCount,
			LastError: st.LastError,
		}
		if !st.LastRun.IsZero() {
			lastRun := st.LastRun
			task.LastRun = &lastRun
		}
		if !st.NextRun.IsZero() {
			nextRun := st.NextRun
			task.NextRun = &nextRun
		}
		tasks = append(tasks, task)
	}
	return tasks
}
