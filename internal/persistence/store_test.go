package persistence

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/strataga/ghostpirates/internal/scheduler"
)

var baseTime = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// testStore creates an in-memory store for testing and registers cleanup.
func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewMemoryStore(context.Background())
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func seedTeam(t *testing.T, store *SQLiteStore, id string) *scheduler.Team {
	t.Helper()
	team := &scheduler.Team{ID: id, Goal: "ship " + id, CreatedAt: baseTime}
	if err := store.CreateTeam(context.Background(), team); err != nil {
		t.Fatalf("failed to create team: %v", err)
	}
	return team
}

func seedTask(t *testing.T, store *SQLiteStore, team, id string, priority int, age time.Duration, skills ...string) *scheduler.Task {
	t.Helper()
	task := &scheduler.Task{
		ID:             id,
		TeamID:         team,
		Title:          "Task " + id,
		Priority:       priority,
		RequiredSkills: skills,
		MaxRevisions:   scheduler.DefaultMaxRevisions,
		CreatedAt:      baseTime.Add(age),
	}
	if err := store.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("failed to create task %s: %v", id, err)
	}
	return task
}

func seedWorker(t *testing.T, store *SQLiteStore, team, id string, spec scheduler.Specialization, capacity int) *scheduler.Worker {
	t.Helper()
	w := &scheduler.Worker{
		ID:                 id,
		TeamID:             team,
		Name:               "Worker " + id,
		Specialization:     spec,
		MaxConcurrentTasks: capacity,
		CreatedAt:          baseTime,
	}
	if err := store.CreateWorker(context.Background(), w); err != nil {
		t.Fatalf("failed to create worker %s: %v", id, err)
	}
	return w
}

func TestCreateAndGetTask(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	seedTeam(t, store, "team-1")

	task := &scheduler.Task{
		ID:                 "task-1",
		TeamID:             "team-1",
		Title:              "Write the parser",
		Description:        "Parse the config format",
		AcceptanceCriteria: "All fixtures parse",
		Priority:           8,
		RequiredSkills:     []string{"coding", "testing"},
		MaxRevisions:       2,
		EstimatedCost:      1.5,
		CreatedAt:          baseTime,
	}
	if err := store.CreateTask(ctx, task); err != nil {
		t.Fatalf("failed to create task: %v", err)
	}

	got, err := store.GetTask(ctx, "task-1")
	if err != nil {
		t.Fatalf("failed to get task: %v", err)
	}
	if got.Status != scheduler.TaskPending {
		t.Errorf("Status = %s, want pending", got.Status)
	}
	if got.Priority != 8 || got.MaxRevisions != 2 || got.EstimatedCost != 1.5 {
		t.Errorf("numeric fields mismatch: %+v", got)
	}
	if len(got.RequiredSkills) != 2 || got.RequiredSkills[0] != "coding" || got.RequiredSkills[1] != "testing" {
		t.Errorf("RequiredSkills = %v", got.RequiredSkills)
	}
	if !got.CreatedAt.Equal(baseTime) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, baseTime)
	}
	if got.AcceptanceCriteria != task.AcceptanceCriteria {
		t.Errorf("AcceptanceCriteria = %q", got.AcceptanceCriteria)
	}
}

func TestGetTaskNotFound(t *testing.T) {
	store := testStore(t)

	_, err := store.GetTask(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateTaskRejectsInvalid(t *testing.T) {
	store := testStore(t)
	seedTeam(t, store, "team-1")

	tests := []struct {
		name string
		task *scheduler.Task
	}{
		{"no team", &scheduler.Task{ID: "a", Title: "a"}},
		{"priority too high", &scheduler.Task{ID: "b", TeamID: "team-1", Title: "b", Priority: 11}},
		{"own parent", &scheduler.Task{ID: "c", TeamID: "team-1", Title: "c", ParentID: "c"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := store.CreateTask(context.Background(), tt.task); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestListReadyTasksOrdering(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	seedTeam(t, store, "team-1")

	// Same priority and age fall back to ID
	seedTask(t, store, "team-1", "low-old", 3, 0)
	seedTask(t, store, "team-1", "high-new", 9, 2*time.Minute)
	seedTask(t, store, "team-1", "high-old", 9, time.Minute)
	seedTask(t, store, "team-1", "mid-b", 5, time.Minute)
	seedTask(t, store, "team-1", "mid-a", 5, time.Minute)

	ready, err := store.ListReadyTasks(ctx, "team-1", 0)
	if err != nil {
		t.Fatalf("ListReadyTasks failed: %v", err)
	}

	want := []string{"high-old", "high-new", "mid-a", "mid-b", "low-old"}
	if len(ready) != len(want) {
		t.Fatalf("got %d ready tasks, want %d", len(ready), len(want))
	}
	for i, id := range want {
		if ready[i].ID != id {
			t.Errorf("position %d: got %s, want %s", i, ready[i].ID, id)
		}
	}

	limited, err := store.ListReadyTasks(ctx, "team-1", 2)
	if err != nil {
		t.Fatalf("ListReadyTasks with limit failed: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("limit ignored: got %d", len(limited))
	}
}

func TestListReadyTasksExcludesUnmetDependencies(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	seedTeam(t, store, "team-1")
	seedTask(t, store, "team-1", "a", 5, 0)
	seedTask(t, store, "team-1", "b", 9, time.Second)

	if err := store.AddDependency(ctx, "b", "a"); err != nil {
		t.Fatalf("AddDependency failed: %v", err)
	}

	ready, err := store.ListReadyTasks(ctx, "team-1", 0)
	if err != nil {
		t.Fatalf("ListReadyTasks failed: %v", err)
	}
	if len(ready) != 1 || ready[0].ID != "a" {
		t.Fatalf("expected only a to be ready, got %v", taskIDs(ready))
	}
}

func TestAssignTaskAtomic(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	seedTeam(t, store, "team-1")
	seedTask(t, store, "team-1", "t1", 5, 0)
	seedTask(t, store, "team-1", "t2", 5, time.Second)
	seedWorker(t, store, "team-1", "w1", scheduler.Coder, 2)

	task, worker, err := store.AssignTask(ctx, "t1", "w1")
	if err != nil {
		t.Fatalf("AssignTask failed: %v", err)
	}
	if task.Status != scheduler.TaskAssigned || task.AssignedTo != "w1" {
		t.Errorf("task = %s/%s, want assigned/w1", task.Status, task.AssignedTo)
	}
	if worker.CurrentWorkload != 1 || worker.Status != scheduler.WorkerActive {
		t.Errorf("worker = %d/%s, want 1/active", worker.CurrentWorkload, worker.Status)
	}

	_, worker, err = store.AssignTask(ctx, "t2", "w1")
	if err != nil {
		t.Fatalf("second AssignTask failed: %v", err)
	}
	if worker.CurrentWorkload != 2 || worker.Status != scheduler.WorkerBusy {
		t.Errorf("worker = %d/%s, want 2/busy", worker.CurrentWorkload, worker.Status)
	}

	// Already assigned
	if _, _, err := store.AssignTask(ctx, "t1", "w1"); !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict reassigning t1, got %v", err)
	}
}

func TestAssignTaskWorkerAtCapacityLeavesTaskPending(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	seedTeam(t, store, "team-1")
	seedTask(t, store, "team-1", "t1", 5, 0)
	seedTask(t, store, "team-1", "t2", 5, time.Second)
	seedWorker(t, store, "team-1", "w1", scheduler.Coder, 1)

	if _, _, err := store.AssignTask(ctx, "t1", "w1"); err != nil {
		t.Fatalf("AssignTask failed: %v", err)
	}
	_, _, err := store.AssignTask(ctx, "t2", "w1")
	if !errors.Is(err, ErrWorkerUnavailable) {
		t.Fatalf("expected ErrWorkerUnavailable, got %v", err)
	}

	// The failed assignment must not have touched the task
	got, err := store.GetTask(ctx, "t2")
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if got.Status != scheduler.TaskPending || got.AssignedTo != "" {
		t.Errorf("t2 = %s/%q, want pending and unassigned", got.Status, got.AssignedTo)
	}
}

func TestAssignTaskConcurrent(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	seedTeam(t, store, "team-1")
	seedWorker(t, store, "team-1", "w1", scheduler.Coder, 3)
	for i := 0; i < 10; i++ {
		seedTask(t, store, "team-1", fmt.Sprintf("t%02d", i), 5, time.Duration(i)*time.Second)
	}

	// Two scanners race over every task for the same worker
	var wg sync.WaitGroup
	var mu sync.Mutex
	assigned := make(map[string]int)
	for scanner := 0; scanner < 2; scanner++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				id := fmt.Sprintf("t%02d", i)
				if _, _, err := store.AssignTask(ctx, id, "w1"); err == nil {
					mu.Lock()
					assigned[id]++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	if len(assigned) != 3 {
		t.Errorf("expected exactly 3 assignments, got %d", len(assigned))
	}
	for id, n := range assigned {
		if n != 1 {
			t.Errorf("task %s assigned %d times", id, n)
		}
	}

	w, err := store.GetWorker(ctx, "w1")
	if err != nil {
		t.Fatalf("GetWorker failed: %v", err)
	}
	if w.CurrentWorkload != 3 || w.Status != scheduler.WorkerBusy {
		t.Errorf("worker = %d/%s, want 3/busy", w.CurrentWorkload, w.Status)
	}
}

func TestAssignTaskRejectsOtherTeamWorker(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	seedTeam(t, store, "team-1")
	seedTeam(t, store, "team-2")
	seedTask(t, store, "team-1", "t1", 5, 0)
	seedWorker(t, store, "team-2", "w2", scheduler.Coder, 1)

	if _, _, err := store.AssignTask(ctx, "t1", "w2"); !errors.Is(err, ErrWorkerUnavailable) {
		t.Fatalf("expected ErrWorkerUnavailable, got %v", err)
	}
}

func TestTransitionTaskReleasesWorker(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	seedTeam(t, store, "team-1")
	seedTask(t, store, "team-1", "t1", 5, 0)
	seedWorker(t, store, "team-1", "w1", scheduler.Coder, 1)

	if _, _, err := store.AssignTask(ctx, "t1", "w1"); err != nil {
		t.Fatalf("AssignTask failed: %v", err)
	}
	for _, to := range []scheduler.TaskStatus{scheduler.TaskInProgress, scheduler.TaskReview} {
		if _, err := store.TransitionTask(ctx, "t1", to, scheduler.TransitionOptions{}); err != nil {
			t.Fatalf("transition to %s failed: %v", to, err)
		}
	}

	w, _ := store.GetWorker(ctx, "w1")
	if w.CurrentWorkload != 1 || w.Status != scheduler.WorkerBusy {
		t.Fatalf("worker released too early: %d/%s", w.CurrentWorkload, w.Status)
	}

	task, err := store.TransitionTask(ctx, "t1", scheduler.TaskCompleted, scheduler.TransitionOptions{})
	if err != nil {
		t.Fatalf("complete failed: %v", err)
	}
	if task.AssignedTo != "w1" {
		t.Errorf("completed task should keep its assignee for history, got %q", task.AssignedTo)
	}

	w, _ = store.GetWorker(ctx, "w1")
	if w.CurrentWorkload != 0 || w.Status != scheduler.WorkerIdle || w.TasksCompleted != 1 {
		t.Errorf("worker after completion = %+v", w)
	}
}

func TestTransitionTaskIllegal(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	seedTeam(t, store, "team-1")
	seedTask(t, store, "team-1", "t1", 5, 0)

	tests := []struct {
		name string
		to   scheduler.TaskStatus
		opts scheduler.TransitionOptions
	}{
		{"skip assignment", scheduler.TaskInProgress, scheduler.TransitionOptions{}},
		{"complete from pending", scheduler.TaskCompleted, scheduler.TransitionOptions{}},
		{"from precondition", scheduler.TaskBlocked, scheduler.TransitionOptions{From: []scheduler.TaskStatus{scheduler.TaskBlocked}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := store.TransitionTask(ctx, "t1", tt.to, tt.opts)
			if !errors.Is(err, scheduler.ErrIllegalTransition) {
				t.Fatalf("expected ErrIllegalTransition, got %v", err)
			}
		})
	}

	reason := "abandoned"
	task, err := store.TransitionTask(ctx, "t1", scheduler.TaskFailed, scheduler.TransitionOptions{FailureReason: &reason})
	if err != nil {
		t.Fatalf("fail from pending should be legal: %v", err)
	}
	if task.FailureReason != reason {
		t.Errorf("FailureReason = %q", task.FailureReason)
	}

	if _, err := store.TransitionTask(ctx, "t1", scheduler.TaskPending, scheduler.TransitionOptions{}); !errors.Is(err, scheduler.ErrIllegalTransition) {
		t.Errorf("terminal task must not move, got %v", err)
	}
}

func TestCreateTaskGraphBlocksDependents(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	seedTeam(t, store, "team-1")

	tasks := []*scheduler.Task{
		{ID: "design", TeamID: "team-1", Title: "Design", CreatedAt: baseTime},
		{ID: "build", TeamID: "team-1", Title: "Build", CreatedAt: baseTime.Add(time.Second)},
		{ID: "docs", TeamID: "team-1", Title: "Docs", CreatedAt: baseTime.Add(2 * time.Second)},
	}
	edges := []scheduler.Edge{{TaskID: "build", DependsOnID: "design"}}
	if err := store.CreateTaskGraph(ctx, tasks, edges); err != nil {
		t.Fatalf("CreateTaskGraph failed: %v", err)
	}

	build, _ := store.GetTask(ctx, "build")
	if build.Status != scheduler.TaskBlocked {
		t.Errorf("build = %s, want blocked", build.Status)
	}
	docs, _ := store.GetTask(ctx, "docs")
	if docs.Status != scheduler.TaskPending {
		t.Errorf("docs = %s, want pending", docs.Status)
	}
}

func TestCreatePlanIsAtomic(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	seedTeam(t, store, "team-1")

	tasks := []*scheduler.Task{{ID: "a", TeamID: "team-1", Title: "A"}}
	workers := []*scheduler.Worker{
		{ID: "w1", TeamID: "team-1", Name: "alice", Specialization: scheduler.Coder, MaxConcurrentTasks: 1},
		{ID: "w1", TeamID: "team-1", Name: "bob", Specialization: scheduler.Writer, MaxConcurrentTasks: 1},
	}
	if err := store.CreatePlan(ctx, tasks, nil, workers); err == nil {
		t.Fatal("expected error for duplicate worker ID")
	}

	all, err := store.ListTasks(ctx, "team-1")
	if err != nil {
		t.Fatalf("ListTasks failed: %v", err)
	}
	ws, err := store.ListWorkers(ctx, "team-1")
	if err != nil {
		t.Fatalf("ListWorkers failed: %v", err)
	}
	if len(all) != 0 || len(ws) != 0 {
		t.Errorf("failed plan left %d tasks and %d workers behind", len(all), len(ws))
	}

	workers[1].ID = "w2"
	if err := store.CreatePlan(ctx, []*scheduler.Task{{ID: "a", TeamID: "team-1", Title: "A"}}, nil, workers); err != nil {
		t.Fatalf("CreatePlan failed: %v", err)
	}
	if ws, _ = store.ListWorkers(ctx, "team-1"); len(ws) != 2 {
		t.Errorf("expected 2 workers, got %d", len(ws))
	}
}

func TestCreateTaskGraphRejectsCycle(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	seedTeam(t, store, "team-1")

	tasks := []*scheduler.Task{
		{ID: "a", TeamID: "team-1", Title: "A"},
		{ID: "b", TeamID: "team-1", Title: "B"},
	}
	edges := []scheduler.Edge{{TaskID: "a", DependsOnID: "b"}, {TaskID: "b", DependsOnID: "a"}}
	err := store.CreateTaskGraph(ctx, tasks, edges)
	if !errors.Is(err, scheduler.ErrCycleDetected) {
		t.Fatalf("expected ErrCycleDetected, got %v", err)
	}

	all, err := store.ListTasks(ctx, "team-1")
	if err != nil {
		t.Fatalf("ListTasks failed: %v", err)
	}
	if len(all) != 0 {
		t.Errorf("rejected graph left %d tasks behind", len(all))
	}
}

func TestTeamLifecycle(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	seedTeam(t, store, "team-1")

	for _, to := range []scheduler.TeamStatus{scheduler.TeamPlanning, scheduler.TeamActive} {
		if _, err := store.UpdateTeamStatus(ctx, "team-1", to); err != nil {
			t.Fatalf("move to %s failed: %v", to, err)
		}
	}
	team, err := store.GetTeam(ctx, "team-1")
	if err != nil {
		t.Fatalf("GetTeam failed: %v", err)
	}
	if team.StartedAt == nil {
		t.Error("StartedAt not stamped on activation")
	}

	if _, err := store.UpdateTeamStatus(ctx, "team-1", scheduler.TeamArchived); !errors.Is(err, ErrConflict) {
		t.Errorf("active -> archived should be rejected, got %v", err)
	}

	active, err := store.ListTeams(ctx, scheduler.TeamActive)
	if err != nil {
		t.Fatalf("ListTeams failed: %v", err)
	}
	if len(active) != 1 || active[0].ID != "team-1" {
		t.Errorf("ListTeams(active) = %v", active)
	}

	team, err = store.UpdateTeamStatus(ctx, "team-1", scheduler.TeamCompleted)
	if err != nil {
		t.Fatalf("complete failed: %v", err)
	}
	if team.CompletedAt == nil {
		t.Error("CompletedAt not stamped")
	}
}

func TestSetWorkerStatus(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	seedTeam(t, store, "team-1")
	seedWorker(t, store, "team-1", "w1", scheduler.Tester, 2)

	w, err := store.SetWorkerStatus(ctx, "w1", scheduler.WorkerOffline)
	if err != nil {
		t.Fatalf("SetWorkerStatus failed: %v", err)
	}
	if w.Status != scheduler.WorkerOffline {
		t.Errorf("Status = %s", w.Status)
	}

	avail, err := store.ListAvailableWorkers(ctx, "team-1")
	if err != nil {
		t.Fatalf("ListAvailableWorkers failed: %v", err)
	}
	if len(avail) != 0 {
		t.Errorf("offline worker listed as available")
	}

	w, err = store.SetWorkerStatus(ctx, "w1", scheduler.WorkerActive)
	if err != nil {
		t.Fatalf("SetWorkerStatus failed: %v", err)
	}
	if w.Status != scheduler.WorkerIdle {
		t.Errorf("status should be re-derived from workload, got %s", w.Status)
	}
}

func TestWorkerSkillsRoundTrip(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	seedTeam(t, store, "team-1")

	w := &scheduler.Worker{
		ID: "w1", TeamID: "team-1", Name: "Ada", Specialization: scheduler.Reviewer,
		Skills: map[string]float64{"rust": 0.7}, MaxConcurrentTasks: 3,
	}
	if err := store.CreateWorker(ctx, w); err != nil {
		t.Fatalf("CreateWorker failed: %v", err)
	}
	got, err := store.GetWorker(ctx, "w1")
	if err != nil {
		t.Fatalf("GetWorker failed: %v", err)
	}
	if got.Specialization != scheduler.Reviewer {
		t.Errorf("Specialization = %s", got.Specialization)
	}
	if p, ok := got.Proficiency("rust"); !ok || p != 0.7 {
		t.Errorf("Proficiency(rust) = %v, %v", p, ok)
	}
}

func TestFileStorePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "state.db")

	store, err := NewSQLiteStore(ctx, path)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	seedTeam(t, store, "team-1")
	seedTask(t, store, "team-1", "t1", 5, 0)
	store.Close()

	store, err = NewSQLiteStore(ctx, path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer store.Close()

	if _, err := store.GetTask(ctx, "t1"); err != nil {
		t.Fatalf("task lost after reopen: %v", err)
	}
}

func taskIDs(tasks []*scheduler.Task) []string {
	ids := make([]string, len(tasks))
	for i, task := range tasks {
		ids[i] = task.ID
	}
	return ids
}
