// Package escalation hands tasks that automation cannot recover to humans.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/strataga/ghostpirates/internal/resilience"
)

// ErrInvalidState is returned when an escalation or its task is not in a state
// that allows the requested change.
var ErrInvalidState = errors.New("invalid escalation state")

// Status is the lifecycle of an escalation.
type Status string

const (
	StatusPending      Status = "pending"
	StatusAcknowledged Status = "acknowledged"
	StatusResolved     Status = "resolved"
	StatusCancelled    Status = "cancelled"
)

// IsOpen reports whether the escalation still awaits a decision.
func (s Status) IsOpen() bool {
	return s == StatusPending || s == StatusAcknowledged
}

// Escalation is a request for human intervention on one task.
type Escalation struct {
	ID              string
	TaskID          string
	TeamID          string
	Severity        resilience.Severity
	FailureType     resilience.FailureType
	Reason          string
	CheckpointStep  int // Zero when no checkpoint was available
	Status          Status
	AssignedTo      string
	ResolutionNotes string
	RetryRequested  bool
	CreatedAt       time.Time
	AcknowledgedAt  *time.Time
	ResolvedAt      *time.Time
}

// Filter narrows ListEscalations. Zero fields match everything.
type Filter struct {
	TeamID   string
	TaskID   string
	OpenOnly bool
}

// Store is the persistence the manager needs.
type Store interface {
	CreateEscalation(ctx context.Context, e *Escalation) error
	GetEscalation(ctx context.Context, id string) (*Escalation, error)
	ListEscalations(ctx context.Context, filter Filter) ([]*Escalation, error)
	// AcknowledgeEscalation moves a pending escalation to acknowledged.
	AcknowledgeEscalation(ctx context.Context, id, human string, at time.Time) (*Escalation, error)
	// ResolveEscalation closes an open escalation and, in the same transaction,
	// returns the escalated task to pending (retry) or fails it.
	ResolveEscalation(ctx context.Context, id, notes string, retry bool, at time.Time) (*Escalation, error)
	// CancelEscalation closes an open escalation and fails its task.
	CancelEscalation(ctx context.Context, id, notes string, at time.Time) (*Escalation, error)
}

// Notifier is told about escalation lifecycle changes.
type Notifier interface {
	EscalationCreated(e *Escalation)
	EscalationResolved(e *Escalation)
}

// Manager creates and resolves escalations.
type Manager struct {
	store    Store
	notifier Notifier
	logger   *zap.Logger
	now      func() time.Time
}

// NewManager creates an escalation manager. notifier may be nil.
func NewManager(store Store, notifier Notifier, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:    store,
		notifier: notifier,
		logger:   logger.Named("escalation"),
		now:      time.Now,
	}
}

// Escalate records a pending escalation for the task in req.
func (m *Manager) Escalate(ctx context.Context, req resilience.EscalationRequest) (string, error) {
	if req.TaskID == "" {
		return "", fmt.Errorf("%w: task ID is required", ErrInvalidState)
	}
	e := &Escalation{
		ID:             uuid.NewString(),
		TaskID:         req.TaskID,
		TeamID:         req.TeamID,
		Severity:       req.Severity,
		FailureType:    req.FailureType,
		Reason:         req.Reason,
		CheckpointStep: req.CheckpointStep,
		Status:         StatusPending,
		CreatedAt:      m.now(),
	}
	if err := m.store.CreateEscalation(ctx, e); err != nil {
		return "", fmt.Errorf("failed to create escalation for task %s: %w", req.TaskID, err)
	}

	m.logger.Warn("escalation created",
		zap.String("escalation_id", e.ID),
		zap.String("task_id", e.TaskID),
		zap.String("severity", string(e.Severity)),
		zap.String("reason", e.Reason))
	if m.notifier != nil {
		m.notifier.EscalationCreated(e)
	}
	return e.ID, nil
}

// Get returns one escalation.
func (m *Manager) Get(ctx context.Context, id string) (*Escalation, error) {
	return m.store.GetEscalation(ctx, id)
}

// List returns escalations matching filter, oldest first.
func (m *Manager) List(ctx context.Context, filter Filter) ([]*Escalation, error) {
	return m.store.ListEscalations(ctx, filter)
}

// Acknowledge records that human has picked up the escalation.
func (m *Manager) Acknowledge(ctx context.Context, id, human string) (*Escalation, error) {
	if human == "" {
		return nil, fmt.Errorf("%w: acknowledging requires a name", ErrInvalidState)
	}
	e, err := m.store.AcknowledgeEscalation(ctx, id, human, m.now())
	if err != nil {
		return nil, fmt.Errorf("failed to acknowledge escalation %s: %w", id, err)
	}
	m.logger.Info("escalation acknowledged",
		zap.String("escalation_id", id),
		zap.String("assigned_to", human))
	return e, nil
}

// Resolve closes the escalation. With retry the task goes back to pending with
// a fresh retry budget and resumes from its checkpoint; otherwise it fails.
func (m *Manager) Resolve(ctx context.Context, id, notes string, retry bool) (*Escalation, error) {
	e, err := m.store.ResolveEscalation(ctx, id, notes, retry, m.now())
	if err != nil {
		return nil, fmt.Errorf("failed to resolve escalation %s: %w", id, err)
	}
	m.logger.Info("escalation resolved",
		zap.String("escalation_id", id),
		zap.String("task_id", e.TaskID),
		zap.Bool("retry", retry))
	if m.notifier != nil {
		m.notifier.EscalationResolved(e)
	}
	return e, nil
}

// Cancel closes the escalation and fails its task.
func (m *Manager) Cancel(ctx context.Context, id, notes string) (*Escalation, error) {
	e, err := m.store.CancelEscalation(ctx, id, notes, m.now())
	if err != nil {
		return nil, fmt.Errorf("failed to cancel escalation %s: %w", id, err)
	}
	m.logger.Info("escalation cancelled",
		zap.String("escalation_id", id),
		zap.String("task_id", e.TaskID))
	if m.notifier != nil {
		m.notifier.EscalationResolved(e)
	}
	return e, nil
}
