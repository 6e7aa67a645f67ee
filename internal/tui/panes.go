package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/strataga/ghostpirates/internal/escalation"
	"github.com/strataga/ghostpirates/internal/scheduler"
)

func header(name string) string {
	title := StyleTitle.Render(name)
	return title + "\n" + strings.Repeat("=", lipgloss.Width(title)) + "\n\n"
}

func truncate(s string, width int) string {
	if width <= 3 || lipgloss.Width(s) <= width {
		return s
	}
	r := []rune(s)
	if len(r) > width-3 {
		r = r[:width-3]
	}
	return string(r) + "..."
}

// RenderWorkers renders the worker list with load and outcome counters.
func RenderWorkers(workers []*scheduler.Worker, width int) string {
	if width <= 0 {
		width = DefaultWidth
	}
	var b strings.Builder
	b.WriteString(header("Workers"))

	for _, w := range workers {
		load := fmt.Sprintf("%d/%d", w.CurrentWorkload, w.MaxConcurrentTasks)
		style := StyleStatusPending
		switch {
		case w.Status == scheduler.WorkerOffline || w.Status == scheduler.WorkerFailed:
			style = StyleStatusFailed
		case w.CurrentWorkload > 0:
			style = StyleStatusRunning
		}
		fmt.Fprintf(&b, "%s %-16s %-10s %5s  done %d, failed %d\n",
			style.Render("●"),
			truncate(w.Name, 16),
			w.Specialization,
			load,
			w.TasksCompleted,
			w.TasksFailed)
	}
	return StylePaneBorder.Width(width - 2).Render(strings.TrimRight(b.String(), "\n"))
}

// RenderGraph renders tasks in dependency order, each with the tasks it waits for.
func RenderGraph(g *scheduler.DependencyGraph, width int) string {
	if width <= 0 {
		width = DefaultWidth
	}
	nodes := make(map[string]scheduler.GraphNode, len(g.Nodes))
	for _, n := range g.Nodes {
		nodes[n.ID] = n
	}
	deps := make(map[string][]string)
	for _, e := range g.Edges {
		deps[e.TaskID] = append(deps[e.TaskID], e.DependsOnID)
	}

	var b strings.Builder
	b.WriteString(header("Dependencies"))
	if len(g.Order) == 0 {
		b.WriteString(StyleStatusPending.Render("No tasks"))
	}
	for i, id := range g.Order {
		n := nodes[id]
		fmt.Fprintf(&b, "%2d. %s %s %s\n", i+1, StatusIcon(n.Status),
			truncate(n.Title, width-24), StyleHelp.Render(fmt.Sprintf("[p%d %s]", n.Priority, n.Status)))
		for _, dep := range deps[id] {
			fmt.Fprintf(&b, "      └ waits for %s\n", truncate(nodes[dep].Title, width-24))
		}
	}
	return StylePaneBorder.Width(width - 2).Render(strings.TrimRight(b.String(), "\n"))
}

// RenderEscalations renders escalations, open ones highlighted.
func RenderEscalations(list []*escalation.Escalation, width int) string {
	if width <= 0 {
		width = DefaultWidth
	}
	var b strings.Builder
	b.WriteString(header("Escalations"))
	if len(list) == 0 {
		b.WriteString(StyleStatusPending.Render("Nothing waiting"))
	}

	open := false
	for _, e := range list {
		status := StyleStatusPending.Render(string(e.Status))
		if e.Status.IsOpen() {
			open = true
			status = StyleStatusEscalated.Render(string(e.Status))
		}
		fmt.Fprintf(&b, "%s  %s  %s/%s\n", e.ID, status, e.FailureType, e.Severity)
		fmt.Fprintf(&b, "  task %s", e.TaskID)
		if e.CheckpointStep > 0 {
			fmt.Fprintf(&b, " (checkpoint %d)", e.CheckpointStep)
		}
		if e.AssignedTo != "" {
			fmt.Fprintf(&b, ", with %s", e.AssignedTo)
		}
		b.WriteString("\n")
		fmt.Fprintf(&b, "  %s\n", truncate(e.Reason, width-8))
	}

	style := StylePaneBorder
	if open {
		style = StyleAlertBorder
	}
	return style.Width(width - 2).Render(strings.TrimRight(b.String(), "\n"))
}
