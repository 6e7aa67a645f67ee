package scheduler_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/strataga/ghostpirates/internal/persistence"
	"github.com/strataga/ghostpirates/internal/scheduler"
)

func newTrackerFixture(t *testing.T, ids ...string) (*scheduler.Tracker, *persistence.SQLiteStore) {
	t.Helper()
	ctx := context.Background()
	store, err := persistence.NewMemoryStore(ctx)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	if err := store.CreateTeam(ctx, &scheduler.Team{ID: "team-1", Goal: "test"}); err != nil {
		t.Fatalf("CreateTeam failed: %v", err)
	}
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range ids {
		task := &scheduler.Task{ID: id, TeamID: "team-1", Title: id, CreatedAt: base.Add(time.Duration(i) * time.Second)}
		if err := store.CreateTask(ctx, task); err != nil {
			t.Fatalf("CreateTask(%s) failed: %v", id, err)
		}
	}
	return scheduler.NewTracker(store, nil), store
}

func status(t *testing.T, store *persistence.SQLiteStore, id string) scheduler.TaskStatus {
	t.Helper()
	task, err := store.GetTask(context.Background(), id)
	if err != nil {
		t.Fatalf("GetTask(%s) failed: %v", id, err)
	}
	return task.Status
}

// complete walks a task through its lifecycle without a worker.
func complete(t *testing.T, store *persistence.SQLiteStore, id string) {
	t.Helper()
	for _, to := range []scheduler.TaskStatus{
		scheduler.TaskAssigned, scheduler.TaskInProgress, scheduler.TaskReview, scheduler.TaskCompleted,
	} {
		if _, err := store.TransitionTask(context.Background(), id, to, scheduler.TransitionOptions{}); err != nil {
			t.Fatalf("move %s to %s failed: %v", id, to, err)
		}
	}
}

func TestTrackerAddDependencyBlocks(t *testing.T) {
	tracker, store := newTrackerFixture(t, "a", "b")
	ctx := context.Background()

	if err := tracker.AddDependency(ctx, "b", "a"); err != nil {
		t.Fatalf("AddDependency failed: %v", err)
	}
	if got := status(t, store, "b"); got != scheduler.TaskBlocked {
		t.Errorf("b = %s, want blocked", got)
	}
	if got := status(t, store, "a"); got != scheduler.TaskPending {
		t.Errorf("a = %s, want pending", got)
	}

	ok, err := tracker.CanStartTask(ctx, "b")
	if err != nil || ok {
		t.Errorf("CanStartTask(b) = %v, %v; want false", ok, err)
	}
}

func TestTrackerRejectsCycle(t *testing.T) {
	tracker, store := newTrackerFixture(t, "a", "b", "c")
	ctx := context.Background()

	if err := tracker.AddDependency(ctx, "b", "a"); err != nil {
		t.Fatalf("AddDependency(b, a) failed: %v", err)
	}
	if err := tracker.AddDependency(ctx, "c", "b"); err != nil {
		t.Fatalf("AddDependency(c, b) failed: %v", err)
	}

	err := tracker.AddDependency(ctx, "a", "c")
	if !errors.Is(err, scheduler.ErrCycleDetected) {
		t.Fatalf("expected ErrCycleDetected, got %v", err)
	}
	if err := tracker.AddDependency(ctx, "a", "a"); !errors.Is(err, scheduler.ErrSelfDependency) {
		t.Fatalf("expected ErrSelfDependency, got %v", err)
	}

	edges, err := store.ListEdges(ctx, "team-1")
	if err != nil {
		t.Fatalf("ListEdges failed: %v", err)
	}
	if len(edges) != 2 {
		t.Errorf("rejected edges were persisted: %v", edges)
	}
	if got := status(t, store, "a"); got != scheduler.TaskPending {
		t.Errorf("a = %s after rejected edge, want pending", got)
	}
}

func TestTrackerUnblockWaitsForAllDependencies(t *testing.T) {
	tracker, store := newTrackerFixture(t, "a", "b", "c")
	ctx := context.Background()

	for _, dep := range []string{"a", "b"} {
		if err := tracker.AddDependency(ctx, "c", dep); err != nil {
			t.Fatalf("AddDependency(c, %s) failed: %v", dep, err)
		}
	}

	complete(t, store, "a")
	unblocked, err := tracker.UnblockTasks(ctx, "a")
	if err != nil {
		t.Fatalf("UnblockTasks failed: %v", err)
	}
	if len(unblocked) != 0 {
		t.Fatalf("c unblocked with b outstanding: %v", unblocked)
	}

	complete(t, store, "b")
	unblocked, err = tracker.UnblockTasks(ctx, "b")
	if err != nil {
		t.Fatalf("UnblockTasks failed: %v", err)
	}
	if len(unblocked) != 1 || unblocked[0] != "c" {
		t.Fatalf("unblocked = %v, want [c]", unblocked)
	}
	if got := status(t, store, "c"); got != scheduler.TaskPending {
		t.Errorf("c = %s, want pending", got)
	}

	// Repeating the signal is harmless
	unblocked, err = tracker.UnblockTasks(ctx, "b")
	if err != nil || len(unblocked) != 0 {
		t.Errorf("second UnblockTasks = %v, %v; want nothing", unblocked, err)
	}
}

func TestTrackerDependencyOnCompletedTaskDoesNotBlock(t *testing.T) {
	tracker, store := newTrackerFixture(t, "a", "b")
	ctx := context.Background()
	complete(t, store, "a")

	if err := tracker.AddDependency(ctx, "b", "a"); err != nil {
		t.Fatalf("AddDependency failed: %v", err)
	}
	if got := status(t, store, "b"); got != scheduler.TaskPending {
		t.Errorf("b = %s, want pending", got)
	}
}

func TestTrackerGetDependencyGraph(t *testing.T) {
	tracker, _ := newTrackerFixture(t, "a", "b", "c", "d")
	ctx := context.Background()

	for _, e := range []scheduler.Edge{
		{TaskID: "b", DependsOnID: "a"},
		{TaskID: "c", DependsOnID: "b"},
		{TaskID: "d", DependsOnID: "a"},
	} {
		if err := tracker.AddDependency(ctx, e.TaskID, e.DependsOnID); err != nil {
			t.Fatalf("AddDependency failed: %v", err)
		}
	}

	graph, err := tracker.GetDependencyGraph(ctx, "team-1")
	if err != nil {
		t.Fatalf("GetDependencyGraph failed: %v", err)
	}
	if len(graph.Nodes) != 4 || len(graph.Edges) != 3 || len(graph.Order) != 4 {
		t.Fatalf("graph = %+v", graph)
	}
	if graph.Order[0] != "a" {
		t.Errorf("a must come first, got %v", graph.Order)
	}

	pos := make(map[string]int)
	for i, id := range graph.Order {
		pos[id] = i
	}
	for _, e := range graph.Edges {
		if pos[e.DependsOnID] > pos[e.TaskID] {
			t.Errorf("%s ordered before its dependency %s", e.TaskID, e.DependsOnID)
		}
	}
}
