package server

import "time"

// JobSummary describes one live job on the node.
type JobSummary struct {
	ID          string          `json:"id"`
	Username    string          `json:"username"`
	TimeLimit   *int64          `json:"time_limit_seconds,omitempty"`
	Elapsed     float64         `json:"elapsed_seconds"`
	Deallocated bool            `json:"deallocated"`
	TimedOut    bool            `json:"timed_out"`
	Runners     []RunnerSummary `json:"runners"`
}

// RunnerSummary describes one process working for a job.
type RunnerSummary struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`
}

// RunRecord represents a single finished runner
type RunRecord struct {
	RunID     string    `json:"run_id"`
	JobID     string    `json:"job_id"`
	RunnerID  string    `json:"runner_id"`
	Kind      string    `json:"kind"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	Duration  float64   `json:"duration_ms"`
	ExitCode  int       `json:"exit_code"`
	Signal    string    `json:"signal,omitempty"`
	Status    string    `json:"status"`
}

// TaskSummary describes one periodic maintenance task.
type TaskSummary struct {
	Name      string     `json:"name"`
	Schedule  string     `json:"schedule"`
	LastRun   *time.Time `json:"last_run,omitempty"`
	NextRun   *time.Time `json:"next_run,omitempty"`
	RunCount  int64      `json:"run_count"`
	LastError string     `json:"last_error,omitempty"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string        `json:"status"`
	Version   string        `json:"version"`
	Uptime    string        `json:"uptime"`
	Node      string        `json:"node"`
	Connected bool          `json:"connected"`
	Tasks     []TaskSummary `json:"tasks"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code"`
}

// StatsResponse represents overall statistics
type StatsResponse struct {
	ActiveJobs    int `json:"active_jobs"`
	ActiveRunners int `json:"active_runners"`
	TotalRuns     int `json:"total_runs"`
	SuccessCount  int `json:"success_count"`
	FailureCount  int `json:"failure_count"`
}
