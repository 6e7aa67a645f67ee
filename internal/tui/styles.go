package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/strataga/ghostpirates/internal/scheduler"
)

// Border styles
var (
	StylePaneBorder = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("62")).
			Padding(0, 1)

	StyleAlertBorder = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(lipgloss.Color("9")).
				Padding(0, 1)
)

// Status styles
var (
	StyleStatusRunning = lipgloss.NewStyle().
				Foreground(lipgloss.Color("yellow")).
				Bold(true)

	StyleStatusComplete = lipgloss.NewStyle().
				Foreground(lipgloss.Color("green")).
				Bold(true)

	StyleStatusFailed = lipgloss.NewStyle().
				Foreground(lipgloss.Color("red")).
				Bold(true)

	StyleStatusEscalated = lipgloss.NewStyle().
				Foreground(lipgloss.Color("magenta")).
				Bold(true)

	StyleStatusPending = lipgloss.NewStyle().
				Foreground(lipgloss.Color("240"))
)

// UI element styles
var (
	StyleTitle = lipgloss.NewStyle().
			Bold(true).
			Padding(0, 1)

	StyleHelp = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))
)

// StatusStyle returns the style used for a task status.
func StatusStyle(s scheduler.TaskStatus) lipgloss.Style {
	switch s {
	case scheduler.TaskCompleted:
		return StyleStatusComplete
	case scheduler.TaskFailed:
		return StyleStatusFailed
	case scheduler.TaskEscalated:
		return StyleStatusEscalated
	case scheduler.TaskAssigned, scheduler.TaskInProgress, scheduler.TaskReview, scheduler.TaskRevisionRequested:
		return StyleStatusRunning
	default:
		return StyleStatusPending
	}
}

// StatusIcon returns a styled status indicator.
func StatusIcon(s scheduler.TaskStatus) string {
	icon := "○"
	switch s {
	case scheduler.TaskCompleted:
		icon = "✓"
	case scheduler.TaskFailed:
		icon = "✗"
	case scheduler.TaskEscalated:
		icon = "!"
	case scheduler.TaskBlocked:
		icon = "◌"
	case scheduler.TaskAssigned, scheduler.TaskInProgress, scheduler.TaskReview, scheduler.TaskRevisionRequested:
		icon = "●"
	}
	return StatusStyle(s).Render(icon)
}
