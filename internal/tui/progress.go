// Package tui renders orchestrator state for the terminal.
package tui

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/strataga/ghostpirates/internal/orchestrator"
	"github.com/strataga/ghostpirates/internal/resilience"
	"github.com/strataga/ghostpirates/internal/scheduler"
)

// DefaultWidth is the pane width used when the caller passes zero.
const DefaultWidth = 60

// Progress summarizes task counts of a team.
type Progress struct {
	Total     int
	Completed int
	Running   int
	Failed    int
	Escalated int
	Blocked   int
	Pending   int
}

// ProgressFrom folds per-status counts into display buckets.
func ProgressFrom(counts map[scheduler.TaskStatus]int) Progress {
	var p Progress
	for status, n := range counts {
		p.Total += n
		switch status {
		case scheduler.TaskCompleted:
			p.Completed += n
		case scheduler.TaskFailed:
			p.Failed += n
		case scheduler.TaskEscalated:
			p.Escalated += n
		case scheduler.TaskBlocked:
			p.Blocked += n
		case scheduler.TaskPending:
			p.Pending += n
		default:
			p.Running += n
		}
	}
	return p
}

// Bar renders a progress bar of width cells.
func (p Progress) Bar(width int) string {
	if p.Total == 0 || width <= 0 {
		return ""
	}
	completedWidth := (p.Completed * width) / p.Total
	failedWidth := ((p.Failed + p.Escalated) * width) / p.Total
	runningWidth := (p.Running * width) / p.Total
	pendingWidth := width - completedWidth - failedWidth - runningWidth

	bar := StyleStatusComplete.Render(strings.Repeat("=", max(0, completedWidth)))
	bar += StyleStatusFailed.Render(strings.Repeat("!", max(0, failedWidth)))
	bar += StyleStatusRunning.Render(strings.Repeat("-", max(0, runningWidth)))
	bar += StyleStatusPending.Render(strings.Repeat(".", max(0, pendingWidth)))
	return fmt.Sprintf("[%s]  %d/%d", bar, p.Completed, p.Total)
}

// RenderStatus renders the status pane of a team.
func RenderStatus(st *orchestrator.TeamStatus, width int) string {
	if width <= 0 {
		width = DefaultWidth
	}
	var b strings.Builder

	title := StyleTitle.Render("Team " + st.Team.ID)
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n\n")

	fmt.Fprintf(&b, "Goal:       %s\n", st.Team.Goal)
	fmt.Fprintf(&b, "Status:     %s\n", st.Team.Status)
	supervisor := StyleStatusPending.Render("stopped")
	if st.Running {
		supervisor = StyleStatusRunning.Render(st.State.String())
	}
	fmt.Fprintf(&b, "Supervisor: %s\n\n", supervisor)

	p := ProgressFrom(st.Counts)
	fmt.Fprintf(&b, "Total:     %d\n", p.Total)
	fmt.Fprintf(&b, "Completed: %s\n", StyleStatusComplete.Render(fmt.Sprint(p.Completed)))
	fmt.Fprintf(&b, "Running:   %s\n", StyleStatusRunning.Render(fmt.Sprint(p.Running)))
	fmt.Fprintf(&b, "Failed:    %s\n", StyleStatusFailed.Render(fmt.Sprint(p.Failed)))
	fmt.Fprintf(&b, "Escalated: %s\n", StyleStatusEscalated.Render(fmt.Sprint(p.Escalated)))
	fmt.Fprintf(&b, "Blocked:   %s\n", StyleStatusPending.Render(fmt.Sprint(p.Blocked)))
	fmt.Fprintf(&b, "Pending:   %s\n", StyleStatusPending.Render(fmt.Sprint(p.Pending)))
	if p.Total > 0 {
		b.WriteString("\n")
		b.WriteString(p.Bar(min(width-16, 40)))
		b.WriteString("\n")
	}

	if len(st.Breakers) > 0 {
		b.WriteString("\nBreakers:\n")
		names := make([]string, 0, len(st.Breakers))
		for name := range st.Breakers {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(&b, "  %-12s %s\n", name, breakerLabel(st.Breakers[name]))
		}
	}

	if st.OpenIssues > 0 {
		fmt.Fprintf(&b, "\n%s\n", StyleStatusEscalated.Render(fmt.Sprintf("%d escalation(s) waiting on a human", st.OpenIssues)))
	}

	out := StylePaneBorder.Width(width - 2).Render(strings.TrimRight(b.String(), "\n"))
	if len(st.Workers) > 0 {
		out = lipgloss.JoinVertical(lipgloss.Left, out, RenderWorkers(st.Workers, width))
	}
	return out
}

func breakerLabel(s resilience.BreakerState) string {
	switch s {
	case resilience.StateOpen:
		return StyleStatusFailed.Render(string(s))
	case resilience.StateHalfOpen:
		return StyleStatusRunning.Render(string(s))
	default:
		return StyleStatusComplete.Render(string(s))
	}
}
