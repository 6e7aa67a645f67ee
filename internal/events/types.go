package events

import (
	"time"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	Topic() string
	TeamID() string
	TaskID() string
}

// Topic constants
const (
	TopicTask       = "task"
	TopicEscalation = "escalation"
	TopicBreaker    = "breaker"
	TopicTeam       = "team"
)

// Event type constants
const (
	EventTypeTaskAssigned       = "task.assigned"
	EventTypeTaskStarted        = "task.started"
	EventTypeTaskCheckpointed   = "task.checkpointed"
	EventTypeTaskReviewed       = "task.reviewed"
	EventTypeTaskCompleted      = "task.completed"
	EventTypeTaskFailed         = "task.failed"
	EventTypeTaskRetrying       = "task.retrying"
	EventTypeTaskUnblocked      = "task.unblocked"
	EventTypeEscalationCreated  = "escalation.created"
	EventTypeEscalationResolved = "escalation.resolved"
	EventTypeBreakerState       = "breaker.state"
	EventTypeTeamStatus         = "team.status"
)

// TaskAssignedEvent is published after a task is bound to a worker.
type TaskAssignedEvent struct {
	Team      string    `json:"team_id"`
	ID        string    `json:"task_id"`
	WorkerID  string    `json:"worker_id"`
	Score     float64   `json:"score"`
	Timestamp time.Time `json:"timestamp"`
}

func (e TaskAssignedEvent) EventType() string { return EventTypeTaskAssigned }
func (e TaskAssignedEvent) Topic() string     { return TopicTask }
func (e TaskAssignedEvent) TeamID() string    { return e.Team }
func (e TaskAssignedEvent) TaskID() string    { return e.ID }

// TaskStartedEvent is published when a worker begins executing a task.
type TaskStartedEvent struct {
	Team        string    `json:"team_id"`
	ID          string    `json:"task_id"`
	WorkerID    string    `json:"worker_id"`
	ResumedFrom int       `json:"resumed_from,omitempty"`
	Attempt     int       `json:"attempt"`
	Timestamp   time.Time `json:"timestamp"`
}

func (e TaskStartedEvent) EventType() string { return EventTypeTaskStarted }
func (e TaskStartedEvent) Topic() string     { return TopicTask }
func (e TaskStartedEvent) TeamID() string    { return e.Team }
func (e TaskStartedEvent) TaskID() string    { return e.ID }

// TaskCheckpointedEvent is published after a step checkpoint is durable.
type TaskCheckpointedEvent struct {
	Team      string    `json:"team_id"`
	ID        string    `json:"task_id"`
	Step      int       `json:"step"`
	Final     bool      `json:"final,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (e TaskCheckpointedEvent) EventType() string { return EventTypeTaskCheckpointed }
func (e TaskCheckpointedEvent) Topic() string     { return TopicTask }
func (e TaskCheckpointedEvent) TeamID() string    { return e.Team }
func (e TaskCheckpointedEvent) TaskID() string    { return e.ID }

// TaskReviewedEvent is published when a review decision is applied.
type TaskReviewedEvent struct {
	Team      string    `json:"team_id"`
	ID        string    `json:"task_id"`
	Decision  string    `json:"decision"`
	Revision  int       `json:"revision"`
	Timestamp time.Time `json:"timestamp"`
}

func (e TaskReviewedEvent) EventType() string { return EventTypeTaskReviewed }
func (e TaskReviewedEvent) Topic() string     { return TopicTask }
func (e TaskReviewedEvent) TeamID() string    { return e.Team }
func (e TaskReviewedEvent) TaskID() string    { return e.ID }

// TaskCompletedEvent is published when a task completes successfully.
type TaskCompletedEvent struct {
	Team      string        `json:"team_id"`
	ID        string        `json:"task_id"`
	WorkerID  string        `json:"worker_id,omitempty"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
}

func (e TaskCompletedEvent) EventType() string { return EventTypeTaskCompleted }
func (e TaskCompletedEvent) Topic() string     { return TopicTask }
func (e TaskCompletedEvent) TeamID() string    { return e.Team }
func (e TaskCompletedEvent) TaskID() string    { return e.ID }

// TaskFailedEvent is published for every classified failure, whatever the decision.
type TaskFailedEvent struct {
	Team        string    `json:"team_id"`
	ID          string    `json:"task_id"`
	FailureType string    `json:"failure_type"`
	Severity    string    `json:"severity"`
	Action      string    `json:"action"`
	Reason      string    `json:"reason"`
	Timestamp   time.Time `json:"timestamp"`
}

func (e TaskFailedEvent) EventType() string { return EventTypeTaskFailed }
func (e TaskFailedEvent) Topic() string     { return TopicTask }
func (e TaskFailedEvent) TeamID() string    { return e.Team }
func (e TaskFailedEvent) TaskID() string    { return e.ID }

// TaskRetryingEvent is published before the retry wait starts.
type TaskRetryingEvent struct {
	Team           string        `json:"team_id"`
	ID             string        `json:"task_id"`
	Attempt        int           `json:"attempt"`
	Strategy       string        `json:"strategy"`
	Delay          time.Duration `json:"delay"`
	FromCheckpoint int           `json:"from_checkpoint"`
	Timestamp      time.Time     `json:"timestamp"`
}

func (e TaskRetryingEvent) EventType() string { return EventTypeTaskRetrying }
func (e TaskRetryingEvent) Topic() string     { return TopicTask }
func (e TaskRetryingEvent) TeamID() string    { return e.Team }
func (e TaskRetryingEvent) TaskID() string    { return e.ID }

// TaskUnblockedEvent is published when the last dependency of a task completes.
type TaskUnblockedEvent struct {
	Team       string    `json:"team_id"`
	ID         string    `json:"task_id"`
	Dependency string    `json:"dependency"`
	Timestamp  time.Time `json:"timestamp"`
}

func (e TaskUnblockedEvent) EventType() string { return EventTypeTaskUnblocked }
func (e TaskUnblockedEvent) Topic() string     { return TopicTask }
func (e TaskUnblockedEvent) TeamID() string    { return e.Team }
func (e TaskUnblockedEvent) TaskID() string    { return e.ID }

// EscalationCreatedEvent is published when a task is handed to a human.
type EscalationCreatedEvent struct {
	Team           string    `json:"team_id"`
	ID             string    `json:"task_id"`
	EscalationID   string    `json:"escalation_id"`
	Severity       string    `json:"severity"`
	Reason         string    `json:"reason"`
	CheckpointStep int       `json:"checkpoint_step"`
	Timestamp      time.Time `json:"timestamp"`
}

func (e EscalationCreatedEvent) EventType() string { return EventTypeEscalationCreated }
func (e EscalationCreatedEvent) Topic() string     { return TopicEscalation }
func (e EscalationCreatedEvent) TeamID() string    { return e.Team }
func (e EscalationCreatedEvent) TaskID() string    { return e.ID }

// EscalationResolvedEvent is published when an escalation is resolved or cancelled.
type EscalationResolvedEvent struct {
	Team         string    `json:"team_id"`
	ID           string    `json:"task_id"`
	EscalationID string    `json:"escalation_id"`
	Status       string    `json:"status"`
	Retry        bool      `json:"retry"`
	Timestamp    time.Time `json:"timestamp"`
}

func (e EscalationResolvedEvent) EventType() string { return EventTypeEscalationResolved }
func (e EscalationResolvedEvent) Topic() string     { return TopicEscalation }
func (e EscalationResolvedEvent) TeamID() string    { return e.Team }
func (e EscalationResolvedEvent) TaskID() string    { return e.ID }

// BreakerStateEvent is published when a circuit breaker changes state.
type BreakerStateEvent struct {
	Name      string    `json:"breaker"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Timestamp time.Time `json:"timestamp"`
}

func (e BreakerStateEvent) EventType() string { return EventTypeBreakerState }
func (e BreakerStateEvent) Topic() string     { return TopicBreaker }
func (e BreakerStateEvent) TeamID() string    { return "" }
func (e BreakerStateEvent) TaskID() string    { return "" }

// TeamStatusEvent is published when a team changes lifecycle state.
type TeamStatusEvent struct {
	Team      string         `json:"team_id"`
	Status    string         `json:"status"`
	Progress  map[string]int `json:"progress,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

func (e TeamStatusEvent) EventType() string { return EventTypeTeamStatus }
func (e TeamStatusEvent) Topic() string     { return TopicTeam }
func (e TeamStatusEvent) TeamID() string    { return e.Team }
func (e TeamStatusEvent) TaskID() string    { return "" }
