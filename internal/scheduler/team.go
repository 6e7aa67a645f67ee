package scheduler

import (
	"errors"
	"time"
)

// TeamStatus is the lifecycle state of a team.
//
//	pending -> planning -> active -> completed -> archived
//	                           \--> failed ----/
type TeamStatus string

const (
	TeamPending   TeamStatus = "pending"
	TeamPlanning  TeamStatus = "planning"
	TeamActive    TeamStatus = "active"
	TeamCompleted TeamStatus = "completed"
	TeamFailed    TeamStatus = "failed"
	TeamArchived  TeamStatus = "archived"
)

// CanTransitionTo checks if a team may move from s to next.
func (s TeamStatus) CanTransitionTo(next TeamStatus) bool {
	switch s {
	case TeamPending:
		return next == TeamPlanning
	case TeamPlanning:
		return next == TeamActive
	case TeamActive:
		return next == TeamCompleted || next == TeamFailed
	case TeamCompleted, TeamFailed:
		return next == TeamArchived
	}
	return false
}

// Team groups the tasks and workers pursuing one goal. Each active team gets
// its own supervisor.
type Team struct {
	ID          string
	Goal        string
	Status      TeamStatus
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// Validate checks team invariants.
func (t *Team) Validate() error {
	if t.ID == "" {
		return errors.New("team ID is required")
	}
	if t.Goal == "" {
		return errors.New("goal cannot be empty")
	}
	return nil
}
