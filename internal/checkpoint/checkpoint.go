// Package checkpoint persists incremental progress of long-running tasks so a
// retried or revised task continues from its last completed step.
package checkpoint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ErrStepOutOfOrder is returned when a checkpoint does not extend the task's sequence by one.
var ErrStepOutOfOrder = errors.New("checkpoint step out of order")

// Type distinguishes intermediate checkpoints from the one written on completion.
type Type string

const (
	TypeStep   Type = "step"
	TypeFinal  Type = "final"
	TypeManual Type = "manual"
)

// DefaultRetention is how many checkpoints are kept per task when unset.
const DefaultRetention = 20

// Checkpoint is an immutable snapshot after one step of a task.
type Checkpoint struct {
	TaskID             string
	StepNumber         int
	StepOutput         string
	AccumulatedContext string
	ContextHash        string
	Type               Type
	// Resumable is true for the single checkpoint a retry would resume from.
	Resumable bool
	CreatedAt time.Time
}

// Store is the persistence the manager needs.
//
// AppendCheckpoint must reject any step other than the current maximum plus
// one with ErrStepOutOfOrder and make the new checkpoint the resumable one.
// Lookups return nil with no error when nothing matches.
type Store interface {
	AppendCheckpoint(ctx context.Context, cp *Checkpoint) error
	LatestCheckpoint(ctx context.Context, taskID string) (*Checkpoint, error)
	ResumableCheckpoint(ctx context.Context, taskID string) (*Checkpoint, error)
	// ConsumeResumableCheckpoint returns the resumable checkpoint and clears the
	// marker in one step so two attempts cannot resume from it.
	ConsumeResumableCheckpoint(ctx context.Context, taskID string) (*Checkpoint, error)
	// RestoreResumableCheckpoint marks step resumable again if nothing is marked
	// and step is still the latest checkpoint.
	RestoreResumableCheckpoint(ctx context.Context, taskID string, step int) (bool, error)
	ListCheckpoints(ctx context.Context, taskID string) ([]*Checkpoint, error)
	PruneCheckpoints(ctx context.Context, taskID string, keep int) (int, error)
}

// HashContext returns the hex SHA-256 of an accumulated context.
func HashContext(accumulated string) string {
	sum := sha256.Sum256([]byte(accumulated))
	return hex.EncodeToString(sum[:])
}

// Accumulate appends a step output to the previous context.
func Accumulate(previous, output string) string {
	if previous == "" {
		return output
	}
	return previous + "\n" + output
}

// Verify reports whether the stored hash matches the accumulated context.
func (c *Checkpoint) Verify() bool {
	return c.ContextHash == HashContext(c.AccumulatedContext)
}

// ResumePoint tells an execution attempt where to pick up.
type ResumePoint struct {
	TaskID string
	// FromStep is the consumed checkpoint step, zero when starting over.
	FromStep int
	// NextStep is the step number the attempt writes next.
	NextStep int
	// Context is the accumulated context to continue from.
	Context string
}

// Resumed reports whether the attempt continues from a checkpoint.
func (r *ResumePoint) Resumed() bool { return r.FromStep > 0 }

// Manager creates, resumes and prunes task checkpoints.
type Manager struct {
	store     Store
	retention int
	logger    *zap.Logger
	now       func() time.Time
}

// NewManager creates a checkpoint manager. retention <= 0 uses DefaultRetention.
func NewManager(store Store, retention int, logger *zap.Logger) *Manager {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:     store,
		retention: retention,
		logger:    logger.Named("checkpoint"),
		now:       time.Now,
	}
}

// Create appends checkpoint step for taskID and makes it the resumable one.
// step must be exactly one more than the task's latest checkpoint.
func (m *Manager) Create(ctx context.Context, taskID string, step int, output, accumulated string, typ Type) (*Checkpoint, error) {
	if step < 1 {
		return nil, fmt.Errorf("%w: step %d for task %s", ErrStepOutOfOrder, step, taskID)
	}
	if typ == "" {
		typ = TypeStep
	}

	cp := &Checkpoint{
		TaskID:             taskID,
		StepNumber:         step,
		StepOutput:         output,
		AccumulatedContext: accumulated,
		ContextHash:        HashContext(accumulated),
		Type:               typ,
		Resumable:          true,
		CreatedAt:          m.now(),
	}
	if err := m.store.AppendCheckpoint(ctx, cp); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint %d for task %s: %w", step, taskID, err)
	}

	if step > m.retention {
		pruned, err := m.store.PruneCheckpoints(ctx, taskID, m.retention)
		if err != nil {
			// The checkpoint is durable; pruning is retried on the next create
			m.logger.Warn("checkpoint pruning failed", zap.String("task_id", taskID), zap.Error(err))
		} else if pruned > 0 {
			m.logger.Debug("pruned checkpoints", zap.String("task_id", taskID), zap.Int("count", pruned))
		}
	}

	m.logger.Debug("checkpoint created",
		zap.String("task_id", taskID),
		zap.Int("step", step),
		zap.String("type", string(typ)))
	return cp, nil
}

// LatestResumable returns the resumable checkpoint of taskID, or nil.
func (m *Manager) LatestResumable(ctx context.Context, taskID string) (*Checkpoint, error) {
	cp, err := m.store.ResumableCheckpoint(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to load resumable checkpoint for task %s: %w", taskID, err)
	}
	return cp, nil
}

// LatestResumableStep returns the step of the resumable checkpoint of taskID.
func (m *Manager) LatestResumableStep(ctx context.Context, taskID string) (int, bool, error) {
	cp, err := m.LatestResumable(ctx, taskID)
	if err != nil || cp == nil {
		return 0, false, err
	}
	return cp.StepNumber, true, nil
}

// Resume consumes the resumable checkpoint of taskID and returns where the
// next attempt starts. Without one the attempt starts with an empty context
// after the latest recorded step.
func (m *Manager) Resume(ctx context.Context, taskID string) (*ResumePoint, error) {
	cp, err := m.store.ConsumeResumableCheckpoint(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to resume task %s: %w", taskID, err)
	}

	if cp != nil {
		if !cp.Verify() {
			m.logger.Warn("checkpoint hash mismatch, starting over",
				zap.String("task_id", taskID),
				zap.Int("step", cp.StepNumber))
		} else {
			m.logger.Info("resuming from checkpoint",
				zap.String("task_id", taskID),
				zap.Int("step", cp.StepNumber))
			return &ResumePoint{
				TaskID:   taskID,
				FromStep: cp.StepNumber,
				NextStep: cp.StepNumber + 1,
				Context:  cp.AccumulatedContext,
			}, nil
		}
	}

	next := 1
	latest, err := m.store.LatestCheckpoint(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to load latest checkpoint for task %s: %w", taskID, err)
	}
	if latest != nil {
		next = latest.StepNumber + 1
	}
	return &ResumePoint{TaskID: taskID, NextStep: next}, nil
}

// Release re-arms the checkpoint consumed by rp when the attempt wrote no
// newer checkpoint, so the next retry resumes from the same place.
func (m *Manager) Release(ctx context.Context, rp *ResumePoint) error {
	if rp == nil || !rp.Resumed() {
		return nil
	}
	restored, err := m.store.RestoreResumableCheckpoint(ctx, rp.TaskID, rp.FromStep)
	if err != nil {
		return fmt.Errorf("failed to release checkpoint %d for task %s: %w", rp.FromStep, rp.TaskID, err)
	}
	if restored {
		m.logger.Debug("checkpoint released",
			zap.String("task_id", rp.TaskID),
			zap.Int("step", rp.FromStep))
	}
	return nil
}

// Rearm marks the latest checkpoint of taskID resumable again if no attempt
// holds it. Only call it when no attempt on the task can still be running,
// such as when recovering after a crash that skipped Release.
func (m *Manager) Rearm(ctx context.Context, taskID string) (bool, error) {
	latest, err := m.store.LatestCheckpoint(ctx, taskID)
	if err != nil {
		return false, fmt.Errorf("failed to load latest checkpoint for task %s: %w", taskID, err)
	}
	if latest == nil {
		return false, nil
	}
	restored, err := m.store.RestoreResumableCheckpoint(ctx, taskID, latest.StepNumber)
	if err != nil {
		return false, fmt.Errorf("failed to rearm checkpoint %d for task %s: %w", latest.StepNumber, taskID, err)
	}
	if restored {
		m.logger.Info("rearmed checkpoint",
			zap.String("task_id", taskID),
			zap.Int("step", latest.StepNumber))
	}
	return restored, nil
}

// History returns every retained checkpoint of taskID in step order.
func (m *Manager) History(ctx context.Context, taskID string) ([]*Checkpoint, error) {
	cps, err := m.store.ListCheckpoints(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints for task %s: %w", taskID, err)
	}
	return cps, nil
}
