package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/caevv/flightd/internal/server"
)

// View renders the UI.
func (m Model) View() string {
	if m.quitting {
		return "Shutting down...\n"
	}

	if m.viewMode == ViewModeDetail {
		return m.renderDetailView()
	}

	sections := []string{
		m.renderHeader(""),
		m.renderStats(),
		m.renderJobList(),
		m.renderRecentRuns(),
		m.renderHelpBar("q: quit  │  ↑/↓: navigate  │  enter: details  │  r: refresh"),
	}
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

// renderHeader renders the dashboard header.
func (m Model) renderHeader(suffix string) string {
	name := "flightd"
	if m.health != nil && m.health.Node != "" {
		name = "flightd @ " + m.health.Node
	}
	if suffix != "" {
		name += " - " + suffix
	}
	title := titleStyle.Render("⚡ " + name)

	conn := statusIdleStyle.Render(iconPending + " unknown")
	if m.health != nil {
		if m.health.Connected {
			conn = statusSuccessStyle.Render(iconSuccess + " connected")
		} else {
			conn = statusErrorStyle.Render(iconError + " disconnected")
		}
	}

	updated := "never"
	if !m.lastUpdate.IsZero() {
		updated = m.lastUpdate.Format("15:04:05")
	}
	subtitle := subtitleStyle.Render("Last updated: " + updated)

	return headerStyle.Render(lipgloss.JoinHorizontal(lipgloss.Top, title, "  ", conn, "  ", subtitle))
}

// renderStats renders the statistics bar.
func (m Model) renderStats() string {
	stats := []string{
		fmt.Sprintf("%s %d", keyStyle.Render("Jobs:"), len(m.jobs)),
		fmt.Sprintf("%s %d", keyStyle.Render("Runners:"), m.activeRunners),
	}

	if total := m.successRuns + m.failedRuns; total > 0 {
		successRate := float64(m.successRuns) / float64(total) * 100
		stats = append(stats, fmt.Sprintf("%s %d/%d (%.0f%%)",
			keyStyle.Render("Recent success:"),
			m.successRuns,
			total,
			successRate,
		))
	}
	if m.health != nil {
		stats = append(stats, fmt.Sprintf("%s %s", keyStyle.Render("Uptime:"), m.health.Uptime))
		for _, task := range m.health.Tasks {
			stats = append(stats, m.renderTask(task))
		}
	}

	return statsStyle.Render(strings.Join(stats, "  │  "))
}

func (m Model) renderTask(task server.TaskSummary) string {
	icon := statusSuccessStyle.Render(iconSuccess)
	if task.LastError != "" {
		icon = statusErrorStyle.Render(iconError)
	} else if task.RunCount == 0 {
		icon = statusIdleStyle.Render(iconIdle)
	}
	next := ""
	if task.NextRun != nil {
		next = " " + formatTimeFromNow(*task.NextRun)
	}
	return fmt.Sprintf("%s %s %s", keyStyle.Render(task.Name+":"), icon, durationStyle.Render(fmt.Sprintf("x%d%s", task.RunCount, next)))
}

// renderJobList renders the list of live jobs.
func (m Model) renderJobList() string {
	if len(m.jobs) == 0 {
		return jobListStyle.Render(subtitleStyle.Render("No jobs allocated"))
	}

	rows := []string{titleStyle.Render("Jobs"), ""}

	header := fmt.Sprintf("   %-12s  %-10s  %-13s  %-8s  %s",
		"Job ID", "User", "State", "Runners", "Elapsed / Limit")
	rows = append(rows, keyStyle.Render(header))
	rows = append(rows, keyStyle.Render(strings.Repeat("─", 72)))

	for i, job := range m.jobs {
		rows = append(rows, m.renderJobRow(job, i == m.selectedJob))
	}

	return jobListStyle.Render(strings.Join(rows, "\n"))
}

// renderJobRow renders a single job row.
func (m Model) renderJobRow(job server.JobSummary, selected bool) string {
	cursor := " "
	if selected {
		cursor = iconArrow
	}

	row := fmt.Sprintf("%s  %-12s  %-10s  %s  %-8s  %s",
		cursor,
		padRight(truncate(job.ID, 12), 12),
		padRight(truncate(job.Username, 10), 10),
		renderState(job),
		runnerKinds(job.Runners),
		durationStyle.Render(formatElapsed(job)),
	)

	if selected {
		return jobItemSelectedStyle.Render(row)
	}
	return jobItemStyle.Render(row)
}

// renderState renders the state column at a fixed width.
func renderState(job server.JobSummary) string {
	switch stateOf(job) {
	case JobStateTimedOut:
		return statusErrorStyle.Render(iconError + " Timed out  ")
	case JobStateDeallocated:
		return statusReleasingStyle.Render(iconIdle + " Releasing  ")
	default:
		return statusRunningStyle.Render(iconRunning + " Active     ")
	}
}

// runnerKinds summarises runners as e.g. "B+2S".
func runnerKinds(runners []server.RunnerSummary) string {
	if len(runners) == 0 {
		return "-"
	}
	var batch, steps, other int
	for _, r := range runners {
		switch r.Kind {
		case "BATCH":
			batch++
		case "STEP":
			steps++
		default:
			other++
		}
	}
	var parts []string
	if batch > 0 {
		parts = append(parts, "B")
	}
	if steps > 0 {
		parts = append(parts, fmt.Sprintf("%dS", steps))
	}
	if other > 0 {
		parts = append(parts, fmt.Sprintf("%dJ", other))
	}
	return strings.Join(parts, "+")
}

// formatElapsed renders the elapsed time against the limit, if any.
func formatElapsed(job server.JobSummary) string {
	elapsed := formatDuration(time.Duration(job.Elapsed * float64(time.Second)))
	if job.TimeLimit == nil {
		return elapsed + " / ∞"
	}
	return elapsed + " / " + formatDuration(time.Duration(*job.TimeLimit)*time.Second)
}

// renderRecentRuns renders the recent runs panel.
func (m Model) renderRecentRuns() string {
	rows := []string{titleStyle.Render(fmt.Sprintf("Recent Runs (%d)", len(m.recentRuns))), ""}

	if len(m.recentRuns) == 0 {
		rows = append(rows, subtitleStyle.Render("No runs yet"))
	} else {
		header := fmt.Sprintf("   %-10s  %-12s  %-6s  %-6s  %s", "Time", "Job", "Kind", "Status", "Duration")
		rows = append(rows, keyStyle.Render(header))
		rows = append(rows, keyStyle.Render("   "+strings.Repeat("─", 60)))

		for _, run := range m.recentRuns {
			rows = append(rows, m.renderRunItem(run))
		}
	}

	return recentRunsStyle.Render(strings.Join(rows, "\n"))
}

// renderRunItem renders a single run item.
func (m Model) renderRunItem(run server.RunRecord) string {
	statusIcon, style := runIcon(run)

	row := fmt.Sprintf("%s  %-10s  %-12s  %-6s  %s       %s",
		iconBullet,
		run.StartTime.Format("15:04:05"),
		padRight(truncate(run.JobID, 12), 12),
		padRight(runLabel(run), 6),
		style.Render(statusIcon),
		durationStyle.Render(formatDuration(time.Duration(run.Duration)*time.Millisecond)),
	)

	return runItemStyle.Render(row)
}

func runIcon(run server.RunRecord) (string, lipgloss.Style) {
	if run.Status == "success" {
		return iconSuccess, statusSuccessStyle
	}
	return iconError, statusErrorStyle
}

// runLabel is the runner id for steps and the kind otherwise.
func runLabel(run server.RunRecord) string {
	if run.Kind == "STEP" {
		return run.RunnerID
	}
	return run.Kind
}

// renderHelpBar renders the help/status bar at the bottom.
func (m Model) renderHelpBar(help string) string {
	if m.errorMessage != "" {
		return statusBarStyle.Render(statusErrorStyle.Render("Error: " + m.errorMessage))
	}
	return statusBarStyle.Render(help)
}

// renderDetailView renders the detailed view for the selected job.
func (m Model) renderDetailView() string {
	job, ok := m.selected()
	if !ok {
		return "Job is no longer allocated (esc: back)"
	}

	sections := []string{m.renderHeader(job.ID)}

	info := []string{titleStyle.Render("Allocation"), ""}
	info = append(info, fmt.Sprintf("%s %s", keyStyle.Render("User:"), valueStyle.Render(job.Username)))
	info = append(info, fmt.Sprintf("%s %s", keyStyle.Render("State:"), renderState(job)))
	info = append(info, fmt.Sprintf("%s %s", keyStyle.Render("Elapsed:"), durationStyle.Render(formatElapsed(job))))

	if len(job.Runners) == 0 {
		info = append(info, fmt.Sprintf("%s %s", keyStyle.Render("Runners:"), subtitleStyle.Render("none")))
	} else {
		info = append(info, keyStyle.Render("Runners:"))
		for _, r := range job.Runners {
			info = append(info, fmt.Sprintf("  %s %s %s", iconBullet, valueStyle.Render(r.ID), keyStyle.Render(r.Kind)))
		}
	}
	sections = append(sections, jobListStyle.Render(strings.Join(info, "\n")))

	hist := []string{titleStyle.Render(fmt.Sprintf("Run History (%d runs)", len(m.detailRuns))), ""}
	if len(m.detailRuns) == 0 {
		hist = append(hist, subtitleStyle.Render("No runs yet"))
	} else {
		header := fmt.Sprintf("  %-20s  %-8s  %-8s  %-12s  %s", "Start Time", "Runner", "Status", "Duration", "Exit")
		hist = append(hist, keyStyle.Render(header))
		hist = append(hist, keyStyle.Render("  "+strings.Repeat("─", 65)))

		for _, run := range m.detailRuns {
			statusIcon, style := runIcon(run)
			exit := fmt.Sprintf("%d", run.ExitCode)
			if run.Signal != "" {
				exit += " (" + run.Signal + ")"
			}
			row := fmt.Sprintf("  %-20s  %-8s  %s         %s  %s",
				run.StartTime.Format("2006-01-02 15:04:05"),
				padRight(truncate(run.RunnerID, 8), 8),
				style.Render(statusIcon),
				durationStyle.Render(padRight(formatDuration(time.Duration(run.Duration)*time.Millisecond), 12)),
				exit,
			)
			hist = append(hist, row)
		}
	}
	sections = append(sections, detailHistoryStyle.Render(strings.Join(hist, "\n")))
	sections = append(sections, m.renderHelpBar("esc: back  │  q: quit  │  r: refresh"))

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

// Helper functions

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	if d < time.Hour {
		return fmt.Sprintf("%.1fm", d.Minutes())
	}
	return fmt.Sprintf("%.1fh", d.Hours())
}

// formatTimeFromNow formats a time relative to now.
func formatTimeFromNow(t time.Time) string {
	duration := time.Until(t)

	if duration < 0 {
		return "now"
	}
	if duration < time.Minute {
		return fmt.Sprintf("in %ds", int(duration.Seconds()))
	}
	if duration < time.Hour {
		return fmt.Sprintf("in %dm", int(duration.Minutes()))
	}
	if duration < 24*time.Hour {
		return fmt.Sprintf("in %dh %dm",
			int(duration.Hours()),
			int(duration.Minutes())%60,
		)
	}
	return fmt.Sprintf("in %dd", int(duration.Hours()/24))
}

// truncate truncates a string to a maximum length.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

// padRight pads a string with spaces to reach the desired length.
func padRight(s string, length int) string {
	if len(s) >= length {
		return s
	}
	return s + strings.Repeat(" ", length-len(s))
}
