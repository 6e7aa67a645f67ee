package tui

import (
	"strings"
	"testing"

	"github.com/strataga/ghostpirates/internal/escalation"
	"github.com/strataga/ghostpirates/internal/orchestrator"
	"github.com/strataga/ghostpirates/internal/resilience"
	"github.com/strataga/ghostpirates/internal/scheduler"
)

func TestProgressFrom(t *testing.T) {
	p := ProgressFrom(map[scheduler.TaskStatus]int{
		scheduler.TaskCompleted:  3,
		scheduler.TaskInProgress: 1,
		scheduler.TaskReview:     1,
		scheduler.TaskBlocked:    2,
		scheduler.TaskPending:    1,
		scheduler.TaskEscalated:  1,
		scheduler.TaskFailed:     1,
	})
	want := Progress{Total: 10, Completed: 3, Running: 2, Failed: 1, Escalated: 1, Blocked: 2, Pending: 1}
	if p != want {
		t.Errorf("expected %+v, got %+v", want, p)
	}
	if !strings.Contains(p.Bar(20), "3/10") {
		t.Errorf("bar should show completion, got %q", p.Bar(20))
	}
	if (Progress{}).Bar(20) != "" {
		t.Error("empty progress should render no bar")
	}
}

func TestRenderStatus(t *testing.T) {
	st := &orchestrator.TeamStatus{
		Team:    &scheduler.Team{ID: "team-1", Goal: "ship the login page", Status: scheduler.TeamActive},
		Counts:  map[scheduler.TaskStatus]int{scheduler.TaskCompleted: 1, scheduler.TaskPending: 1},
		Running: true,
		State:   orchestrator.StateIdleWait,
		Workers: []*scheduler.Worker{{
			ID: "w1", Name: "alice", Specialization: scheduler.Coder,
			CurrentWorkload: 1, MaxConcurrentTasks: 2, TasksCompleted: 4,
		}},
		Breakers:   map[string]resilience.BreakerState{"coder": resilience.StateOpen},
		OpenIssues: 2,
	}

	out := RenderStatus(st, 0)
	for _, want := range []string{"team-1", "ship the login page", "idle_wait", "1/2", "alice", "coder", "open", "2 escalation(s)"} {
		if !strings.Contains(out, want) {
			t.Errorf("status output missing %q:\n%s", want, out)
		}
	}
}

func TestRenderGraph(t *testing.T) {
	g := &scheduler.DependencyGraph{
		Nodes: []scheduler.GraphNode{
			{ID: "a", Title: "Design API", Status: scheduler.TaskCompleted, Priority: 5},
			{ID: "b", Title: "Build UI", Status: scheduler.TaskBlocked, Priority: 7},
		},
		Edges: []scheduler.Edge{{TaskID: "b", DependsOnID: "a"}},
		Order: []string{"a", "b"},
	}

	out := RenderGraph(g, 80)
	first := strings.Index(out, "Design API")
	second := strings.Index(out, "Build UI")
	if first < 0 || second < 0 || first > second {
		t.Fatalf("tasks should render in dependency order:\n%s", out)
	}
	if !strings.Contains(out, "waits for Design API") {
		t.Errorf("dependency edge missing:\n%s", out)
	}
	if !strings.Contains(RenderGraph(&scheduler.DependencyGraph{}, 0), "No tasks") {
		t.Error("empty graph should say so")
	}
}

func TestRenderEscalations(t *testing.T) {
	out := RenderEscalations([]*escalation.Escalation{{
		ID:             "esc-1",
		TaskID:         "t1",
		Status:         escalation.StatusAcknowledged,
		FailureType:    resilience.ContextLengthExceeded,
		Severity:       resilience.SeverityHigh,
		Reason:         "prompt too long",
		CheckpointStep: 4,
		AssignedTo:     "dana",
	}}, 0)
	for _, want := range []string{"esc-1", "acknowledged", "context_length_exceeded", "checkpoint 4", "dana", "prompt too long"} {
		if !strings.Contains(out, want) {
			t.Errorf("escalation output missing %q:\n%s", want, out)
		}
	}
	if !strings.Contains(RenderEscalations(nil, 0), "Nothing waiting") {
		t.Error("empty list should say so")
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("orchestrator", 8); got != "orche..." {
		t.Errorf("unexpected truncation %q", got)
	}
	if got := truncate("short", 8); got != "short" {
		t.Errorf("short strings must be kept, got %q", got)
	}
}
