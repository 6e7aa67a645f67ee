package scheduler

import (
	"testing"

	"pgregory.net/rapid"
)

var allStatuses = []TaskStatus{
	TaskPending, TaskBlocked, TaskAssigned, TaskInProgress, TaskReview,
	TaskRevisionRequested, TaskEscalated, TaskCompleted, TaskFailed,
}

func TestTaskTransitions(t *testing.T) {
	tests := []struct {
		from, to TaskStatus
		want     bool
	}{
		{TaskPending, TaskAssigned, true},
		{TaskPending, TaskBlocked, true},
		{TaskPending, TaskInProgress, false},
		{TaskBlocked, TaskPending, true},
		{TaskBlocked, TaskAssigned, false},
		{TaskAssigned, TaskInProgress, true},
		{TaskInProgress, TaskReview, true},
		{TaskInProgress, TaskCompleted, false},
		{TaskReview, TaskCompleted, true},
		{TaskReview, TaskRevisionRequested, true},
		{TaskRevisionRequested, TaskInProgress, true},
		{TaskRevisionRequested, TaskReview, false},
		{TaskEscalated, TaskPending, true},
		{TaskEscalated, TaskInProgress, false},
		{TaskInProgress, TaskFailed, true},
		{TaskBlocked, TaskFailed, true},
		{TaskCompleted, TaskFailed, false},
		{TaskFailed, TaskPending, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.want {
			t.Errorf("%s -> %s = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestTransitionProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		from := rapid.SampledFrom(allStatuses).Draw(t, "from")
		to := rapid.SampledFrom(allStatuses).Draw(t, "to")
		legal := from.CanTransitionTo(to)

		if from.IsTerminal() && legal {
			t.Fatalf("terminal %s must not move to %s", from, to)
		}
		if !from.IsTerminal() && to == TaskFailed && !legal {
			t.Fatalf("non-terminal %s must be able to fail", from)
		}
		if from == to && legal {
			t.Fatalf("%s -> %s self transition allowed", from, to)
		}
		// Nothing reaches completed except through review
		if to == TaskCompleted && legal && from != TaskReview {
			t.Fatalf("%s -> completed skips review", from)
		}
	})
}

func TestHoldsWorker(t *testing.T) {
	holding := map[TaskStatus]bool{
		TaskAssigned:          true,
		TaskInProgress:        true,
		TaskReview:            true,
		TaskRevisionRequested: true,
	}
	for _, s := range allStatuses {
		if got := s.HoldsWorker(); got != holding[s] {
			t.Errorf("%s.HoldsWorker() = %v", s, got)
		}
	}
	if TaskStatus("limbo").Valid() {
		t.Error("unknown status should be invalid")
	}
}

func TestTaskValidate(t *testing.T) {
	valid := func() *Task {
		return &Task{ID: "t1", TeamID: "team-1", Status: TaskPending, Priority: DefaultPriority, MaxRevisions: DefaultMaxRevisions}
	}
	if err := valid().Validate(); err != nil {
		t.Fatalf("valid task rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Task)
	}{
		{"missing ID", func(task *Task) { task.ID = "" }},
		{"missing team", func(task *Task) { task.TeamID = "" }},
		{"own parent", func(task *Task) { task.ParentID = task.ID }},
		{"unknown status", func(task *Task) { task.Status = "limbo" }},
		{"priority too low", func(task *Task) { task.Priority = 0 }},
		{"priority too high", func(task *Task) { task.Priority = 11 }},
		{"revisions over limit", func(task *Task) { task.RevisionCount = 4 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task := valid()
			tt.mutate(task)
			if err := task.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestTransitionOptionsAllows(t *testing.T) {
	if !(TransitionOptions{}).Allows(TaskReview) {
		t.Error("empty From allows everything")
	}
	opts := TransitionOptions{From: []TaskStatus{TaskBlocked}}
	if !opts.Allows(TaskBlocked) || opts.Allows(TaskPending) {
		t.Error("From should restrict the current status")
	}
}

func TestCloneTask(t *testing.T) {
	orig := &Task{ID: "t1", RequiredSkills: []string{"coding"}}
	cp := CloneTask(orig)
	cp.RequiredSkills[0] = "writing"
	if orig.RequiredSkills[0] != "coding" {
		t.Error("CloneTask should copy skills")
	}
	if CloneTask(nil) != nil {
		t.Error("CloneTask(nil) should be nil")
	}
}

func TestReviewDecisions(t *testing.T) {
	for _, name := range []string{"approved", "revision_requested", "rejected"} {
		if _, err := ParseReviewDecision(name); err != nil {
			t.Errorf("ParseReviewDecision(%q) failed: %v", name, err)
		}
	}
	if _, err := ParseReviewDecision("maybe"); err == nil {
		t.Error("expected error for unknown decision")
	}

	task := &Task{MaxRevisions: 2, RevisionCount: 1}
	if !task.CanRevise() {
		t.Error("one revision left")
	}
	task.RevisionCount = 2
	if task.CanRevise() {
		t.Error("revision limit reached")
	}
}

func TestTeamTransitions(t *testing.T) {
	path := []TeamStatus{TeamPending, TeamPlanning, TeamActive, TeamCompleted, TeamArchived}
	for i := 0; i < len(path)-1; i++ {
		if !path[i].CanTransitionTo(path[i+1]) {
			t.Errorf("%s -> %s should be legal", path[i], path[i+1])
		}
	}
	if !TeamActive.CanTransitionTo(TeamFailed) || !TeamFailed.CanTransitionTo(TeamArchived) {
		t.Error("active teams can fail and failed teams can be archived")
	}
	if TeamPending.CanTransitionTo(TeamActive) || TeamCompleted.CanTransitionTo(TeamActive) {
		t.Error("teams cannot skip planning or reopen")
	}
}

func TestWorkerStatusForWorkload(t *testing.T) {
	tests := []struct {
		current  WorkerStatus
		workload int
		want     WorkerStatus
	}{
		{WorkerIdle, 0, WorkerIdle},
		{WorkerIdle, 1, WorkerActive},
		{WorkerActive, 3, WorkerBusy},
		{WorkerBusy, 0, WorkerIdle},
		{WorkerOffline, 0, WorkerOffline},
		{WorkerFailed, 1, WorkerFailed},
	}
	for _, tt := range tests {
		if got := StatusForWorkload(tt.current, tt.workload, 3); got != tt.want {
			t.Errorf("StatusForWorkload(%s, %d, 3) = %s, want %s", tt.current, tt.workload, got, tt.want)
		}
	}
}
