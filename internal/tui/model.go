package tui

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/caevv/flightd/internal/server"
)

// ViewMode represents the current view in the TUI.
type ViewMode int

const (
	ViewModeList ViewMode = iota
	ViewModeDetail
)

const (
	recentRunLimit = 10
	detailRunLimit = 8
)

// Model holds the state for the TUI.
type Model struct {
	source   Source
	interval time.Duration

	// UI state
	viewMode     ViewMode
	health       *server.HealthResponse
	jobs         []server.JobSummary
	recentRuns   []server.RunRecord
	selectedJob  int
	detailRuns   []server.RunRecord // runs for the selected job in detail view
	width        int
	height       int
	lastUpdate   time.Time
	quitting     bool
	errorMessage string

	// Stats
	activeRunners int
	successRuns   int
	failedRuns    int
}

// JobState classifies a live job for display.
type JobState int

const (
	JobStateActive JobState = iota
	JobStateDeallocated
	JobStateTimedOut
)

func stateOf(j server.JobSummary) JobState {
	switch {
	case j.TimedOut:
		return JobStateTimedOut
	case j.Deallocated:
		return JobStateDeallocated
	default:
		return JobStateActive
	}
}

// New creates a new TUI model refreshing every interval.
func New(source Source, interval time.Duration) Model {
	if interval <= 0 {
		interval = time.Second
	}
	return Model{
		source:     source,
		interval:   interval,
		jobs:       []server.JobSummary{},
		recentRuns: []server.RunRecord{},
	}
}

// Init initializes the model (required by Bubbletea).
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.fetchCmd(),
		tea.EnterAltScreen,
	)
}

// tickMsg is sent on a regular interval to refresh the UI.
type tickMsg time.Time

func (m Model) tickCmd() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// dataMsg carries one refresh of the dashboard data.
type dataMsg struct {
	health *server.HealthResponse
	jobs   []server.JobSummary
	runs   []server.RunRecord
	err    error
	at     time.Time
}

// detailMsg carries the run history of one job.
type detailMsg struct {
	jobID string
	runs  []server.RunRecord
	err   error
}

// fetchCmd loads the latest data from the status API.
func (m Model) fetchCmd() tea.Cmd {
	source := m.source
	timeout := m.interval * 4
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		msg := dataMsg{at: time.Now()}
		if msg.health, msg.err = source.Health(ctx); msg.err != nil {
			return msg
		}
		if msg.jobs, msg.err = source.Jobs(ctx); msg.err != nil {
			return msg
		}
		// History may be disabled on the agent; the dashboard works without it.
		msg.runs, _ = source.Runs(ctx, "", recentRunLimit)
		return msg
	}
}

func (m Model) fetchDetailCmd(jobID string) tea.Cmd {
	source := m.source
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		runs, err := source.Runs(ctx, jobID, detailRunLimit)
		return detailMsg{jobID: jobID, runs: runs, err: err}
	}
}

// apply stores a refresh in the model.
func (m *Model) apply(msg dataMsg) {
	if msg.err != nil {
		m.errorMessage = msg.err.Error()
		return
	}
	m.errorMessage = ""
	m.health = msg.health
	m.jobs = msg.jobs
	m.recentRuns = msg.runs
	m.lastUpdate = msg.at

	m.activeRunners = 0
	for _, j := range m.jobs {
		m.activeRunners += len(j.Runners)
	}
	m.successRuns, m.failedRuns = 0, 0
	for _, run := range m.recentRuns {
		if run.Status == "success" {
			m.successRuns++
		} else {
			m.failedRuns++
		}
	}
	if m.selectedJob >= len(m.jobs) {
		m.selectedJob = max(len(m.jobs)-1, 0)
	}
}

// selected returns the job under the cursor.
func (m Model) selected() (server.JobSummary, bool) {
	if m.selectedJob < 0 || m.selectedJob >= len(m.jobs) {
		return server.JobSummary{}, false
	}
	return m.jobs[m.selectedJob], true
}

// Quitting returns true if the user has requested to quit.
func (m Model) Quitting() bool {
	return m.quitting
}
