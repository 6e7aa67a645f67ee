package scheduler

import (
	"errors"
	"fmt"
	"time"
)

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	TaskPending           TaskStatus = "pending"            // Waiting to be scanned and assigned
	TaskBlocked           TaskStatus = "blocked"            // Has at least one unfinished dependency
	TaskAssigned          TaskStatus = "assigned"           // Bound to a worker, not yet executing
	TaskInProgress        TaskStatus = "in_progress"        // Worker is executing steps
	TaskReview            TaskStatus = "review"             // Execution finished, awaiting review
	TaskRevisionRequested TaskStatus = "revision_requested" // Review asked for another pass
	TaskEscalated         TaskStatus = "escalated"          // Waiting on a human decision
	TaskCompleted         TaskStatus = "completed"          // Finished successfully
	TaskFailed            TaskStatus = "failed"             // Finished with error
)

// Priority bounds. Higher values are scheduled first.
const (
	MinPriority     = 1
	MaxPriority     = 10
	DefaultPriority = 5

	DefaultMaxRevisions = 3
)

// ErrIllegalTransition is returned when a status change does not follow a legal edge.
var ErrIllegalTransition = errors.New("illegal task status transition")

// legalTransitions lists every allowed edge except "any non-terminal -> failed",
// which is handled in CanTransitionTo.
var legalTransitions = map[TaskStatus][]TaskStatus{
	TaskPending:           {TaskAssigned, TaskBlocked},
	TaskBlocked:           {TaskPending},
	TaskAssigned:          {TaskInProgress, TaskEscalated},
	TaskInProgress:        {TaskReview, TaskEscalated},
	TaskReview:            {TaskCompleted, TaskRevisionRequested, TaskEscalated},
	TaskRevisionRequested: {TaskInProgress, TaskEscalated},
	TaskEscalated:         {TaskPending},
}

// IsTerminal reports whether no further transitions are possible.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// Valid reports whether s is a known status.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskPending, TaskBlocked, TaskAssigned, TaskInProgress, TaskReview,
		TaskRevisionRequested, TaskEscalated, TaskCompleted, TaskFailed:
		return true
	}
	return false
}

// CanTransitionTo checks if moving from s to next follows a legal edge.
func (s TaskStatus) CanTransitionTo(next TaskStatus) bool {
	if s.IsTerminal() {
		return false
	}
	if next == TaskFailed {
		return true
	}
	for _, allowed := range legalTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// HoldsWorker reports whether a task in this status occupies a worker slot.
func (s TaskStatus) HoldsWorker() bool {
	switch s {
	case TaskAssigned, TaskInProgress, TaskReview, TaskRevisionRequested:
		return true
	}
	return false
}

// Task represents a unit of work produced by goal decomposition.
// Title, Description and AcceptanceCriteria are opaque to scheduling.
type Task struct {
	ID                 string
	TeamID             string
	ParentID           string // Grouping only; does not gate readiness
	Title              string
	Description        string
	AcceptanceCriteria string
	Status             TaskStatus
	Priority           int
	RequiredSkills     []string
	RevisionCount      int
	MaxRevisions       int
	RetryCount         int
	AssignedTo         string // Worker ID, empty when unassigned
	FailureReason      string // Human-readable reason shown for failed tasks
	EstimatedCost      float64
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Validate checks the invariants a task must satisfy before it is persisted.
func (t *Task) Validate() error {
	if t.ID == "" {
		return errors.New("task ID is required")
	}
	if t.TeamID == "" {
		return fmt.Errorf("task %q has no team", t.ID)
	}
	if t.ParentID == t.ID {
		return fmt.Errorf("task %q cannot be its own parent", t.ID)
	}
	if !t.Status.Valid() {
		return fmt.Errorf("task %q has unknown status %q", t.ID, t.Status)
	}
	if t.Priority < MinPriority || t.Priority > MaxPriority {
		return fmt.Errorf("task %q priority %d outside [%d, %d]", t.ID, t.Priority, MinPriority, MaxPriority)
	}
	if t.MaxRevisions < 0 || t.RevisionCount > t.MaxRevisions {
		return fmt.Errorf("task %q revision count %d exceeds max %d", t.ID, t.RevisionCount, t.MaxRevisions)
	}
	return nil
}

// TransitionOptions carries the field updates applied together with a status change.
type TransitionOptions struct {
	// From, when non-empty, requires the current status to be one of these.
	From []TaskStatus
	// FailureReason replaces the task's failure reason when non-nil.
	FailureReason *string
	// ClearAssignee unsets AssignedTo.
	ClearAssignee bool
	// IncrementRevision bumps RevisionCount by one.
	IncrementRevision bool
	// RetryCount replaces the persisted retry counter when non-nil.
	RetryCount *int
}

// Allows reports whether current satisfies the From precondition.
func (o TransitionOptions) Allows(current TaskStatus) bool {
	if len(o.From) == 0 {
		return true
	}
	for _, s := range o.From {
		if s == current {
			return true
		}
	}
	return false
}

// CloneTask returns a deep copy of task.
func CloneTask(task *Task) *Task {
	if task == nil {
		return nil
	}

	cp := *task
	if task.RequiredSkills != nil {
		cp.RequiredSkills = append([]string(nil), task.RequiredSkills...)
	}
	return &cp
}
