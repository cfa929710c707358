// Package tui is the terminal dashboard behind "flightd top". It polls the
// status API of a running agent.
package tui

import (
	"github.com/charmbracelet/lipgloss"
)

// Palette. Adaptive colors keep the dashboard readable on light terminals,
// which are common on login nodes.
var (
	colorAccent = lipgloss.AdaptiveColor{Light: "#5B21B6", Dark: "#A78BFA"}
	colorOK     = lipgloss.AdaptiveColor{Light: "#047857", Dark: "#34D399"}
	colorFail   = lipgloss.AdaptiveColor{Light: "#B91C1C", Dark: "#F87171"}
	colorWarn   = lipgloss.AdaptiveColor{Light: "#B45309", Dark: "#FBBF24"}
	colorBusy   = lipgloss.AdaptiveColor{Light: "#1D4ED8", Dark: "#60A5FA"}
	colorDim    = lipgloss.AdaptiveColor{Light: "#6B7280", Dark: "#9CA3AF"}
	colorFrame  = lipgloss.AdaptiveColor{Light: "#D1D5DB", Dark: "#374151"}
)

func text(c lipgloss.TerminalColor) lipgloss.Style {
	return lipgloss.NewStyle().Foreground(c)
}

func panel(vertical, horizontal int) lipgloss.Style {
	return lipgloss.NewStyle().
		BorderStyle(lipgloss.RoundedBorder()).
		BorderForeground(colorFrame).
		Padding(vertical, horizontal)
}

var (
	headerStyle = text(colorAccent).
			Bold(true).
			BorderStyle(lipgloss.NormalBorder()).
			BorderBottom(true).
			BorderForeground(colorFrame).
			Padding(0, 1).
			MarginBottom(1)

	statusBarStyle = text(colorDim).Padding(0, 1).MarginTop(1)

	statsStyle         = panel(0, 2).MarginBottom(1)
	jobListStyle       = panel(1, 2).MarginBottom(1)
	recentRunsStyle    = panel(1, 2).Height(recentRunLimit)
	detailHistoryStyle = panel(1, 2)

	jobItemStyle         = lipgloss.NewStyle().Padding(0, 1)
	jobItemSelectedStyle = text(colorAccent).Bold(true).Padding(0, 1)
	runItemStyle         = jobItemStyle

	// Job and run states.
	statusRunningStyle   = text(colorBusy).Bold(true)
	statusSuccessStyle   = text(colorOK).Bold(true)
	statusErrorStyle     = text(colorFail).Bold(true)
	statusReleasingStyle = text(colorWarn)
	statusIdleStyle      = text(colorDim)

	titleStyle    = text(colorAccent).Bold(true).Padding(0, 1)
	subtitleStyle = text(colorDim).Padding(0, 1)
	keyStyle      = text(colorDim)
	valueStyle    = lipgloss.NewStyle().Bold(true)
	durationStyle = text(colorBusy)
)

const (
	iconRunning = "⟳"
	iconSuccess = "✓"
	iconError   = "✗"
	iconIdle    = "⏸"
	iconPending = "◌"
	iconArrow   = ">"
	iconBullet  = "•"
)
