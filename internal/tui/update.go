package tui

import (
	tea "github.com/charmbracelet/bubbletea"
)

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.onKey(msg.String())
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
	case tickMsg:
		return m, m.fetchCmd()
	case dataMsg:
		m.apply(msg)
		return m, m.tickCmd()
	case detailMsg:
		// Late answers for a job the user already left are dropped.
		job, ok := m.selected()
		if !ok || job.ID != msg.jobID {
			break
		}
		if msg.err != nil {
			m.errorMessage = msg.err.Error()
		} else {
			m.detailRuns = msg.runs
		}
	case error:
		m.errorMessage = msg.Error()
	}
	return m, nil
}

func (m Model) onKey(key string) (tea.Model, tea.Cmd) {
	switch key {
	case "ctrl+c", "q":
		m.quitting = true
		return m, tea.Quit
	case "r":
		return m, m.refreshCmd()
	}

	if m.viewMode == ViewModeDetail {
		if key == "esc" {
			m.viewMode = ViewModeList
			m.detailRuns = nil
		}
		return m, nil
	}

	last := len(m.jobs) - 1
	switch key {
	case "enter":
		if job, ok := m.selected(); ok {
			m.viewMode = ViewModeDetail
			return m, m.fetchDetailCmd(job.ID)
		}
	case "up", "k":
		m.selectedJob = max(m.selectedJob-1, 0)
	case "down", "j":
		m.selectedJob = max(min(m.selectedJob+1, last), 0)
	case "g":
		m.selectedJob = 0
	case "G":
		m.selectedJob = max(last, 0)
	}
	return m, nil
}

// refreshCmd fetches the dashboard now instead of waiting for the next tick,
// plus the open job's history in the detail view.
func (m Model) refreshCmd() tea.Cmd {
	if job, ok := m.selected(); ok && m.viewMode == ViewModeDetail {
		return tea.Batch(m.fetchCmd(), m.fetchDetailCmd(job.ID))
	}
	return m.fetchCmd()
}
