package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/strataga/ghostpirates/internal/escalation"
	"github.com/strataga/ghostpirates/internal/scheduler"
)

const escalationColumns = `id, task_id, team_id, severity, failure_type, reason, checkpoint_step, status,
	assigned_to, resolution_notes, retry_requested, created_at, acknowledged_at, resolved_at`

func scanEscalation(row rowScanner) (*escalation.Escalation, error) {
	e := &escalation.Escalation{}
	var createdAt int64
	var ackAt, resolvedAt sql.NullInt64
	err := row.Scan(&e.ID, &e.TaskID, &e.TeamID, &e.Severity, &e.FailureType, &e.Reason, &e.CheckpointStep,
		&e.Status, &e.AssignedTo, &e.ResolutionNotes, &e.RetryRequested, &createdAt, &ackAt, &resolvedAt)
	if err != nil {
		return nil, err
	}
	e.CreatedAt = fromNanos(createdAt)
	e.AcknowledgedAt = timePtr(ackAt)
	e.ResolvedAt = timePtr(resolvedAt)
	return e, nil
}

func getEscalation(ctx context.Context, q querier, id string) (*escalation.Escalation, error) {
	e, err := scanEscalation(q.QueryRowContext(ctx, `SELECT `+escalationColumns+` FROM escalations WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("escalation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query escalation: %w", err)
	}
	return e, nil
}

// CreateEscalation inserts a new escalation.
func (s *SQLiteStore) CreateEscalation(ctx context.Context, e *escalation.Escalation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO escalations (id, task_id, team_id, severity, failure_type, reason, checkpoint_step,
			status, assigned_to, resolution_notes, retry_requested, created_at, acknowledged_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.TaskID, e.TeamID, e.Severity, e.FailureType, e.Reason, e.CheckpointStep,
		e.Status, e.AssignedTo, e.ResolutionNotes, e.RetryRequested, toNanos(e.CreatedAt),
		nullableNanos(e.AcknowledgedAt), nullableNanos(e.ResolvedAt))
	if err != nil {
		return fmt.Errorf("failed to insert escalation %s: %w", e.ID, err)
	}
	return nil
}

// GetEscalation retrieves an escalation by ID.
func (s *SQLiteStore) GetEscalation(ctx context.Context, id string) (*escalation.Escalation, error) {
	return getEscalation(ctx, s.db, id)
}

// ListEscalations returns escalations matching filter, oldest first.
func (s *SQLiteStore) ListEscalations(ctx context.Context, filter escalation.Filter) ([]*escalation.Escalation, error) {
	query := `SELECT ` + escalationColumns + ` FROM escalations WHERE 1 = 1`
	var args []any
	if filter.TeamID != "" {
		query += ` AND team_id = ?`
		args = append(args, filter.TeamID)
	}
	if filter.TaskID != "" {
		query += ` AND task_id = ?`
		args = append(args, filter.TaskID)
	}
	if filter.OpenOnly {
		query += ` AND status IN ('pending', 'acknowledged')`
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query escalations: %w", err)
	}
	defer rows.Close()

	var out []*escalation.Escalation
	for rows.Next() {
		e, err := scanEscalation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan escalation: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating escalations: %w", err)
	}
	return out, nil
}

// AcknowledgeEscalation moves a pending escalation to acknowledged.
func (s *SQLiteStore) AcknowledgeEscalation(ctx context.Context, id, human string, at time.Time) (*escalation.Escalation, error) {
	var e *escalation.Escalation
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := getEscalation(ctx, tx, id)
		if err != nil {
			return err
		}
		if current.Status != escalation.StatusPending {
			return fmt.Errorf("%w: escalation %s is %s", escalation.ErrInvalidState, id, current.Status)
		}

		current.Status = escalation.StatusAcknowledged
		current.AssignedTo = human
		current.AcknowledgedAt = &at
		_, err = tx.ExecContext(ctx, `
			UPDATE escalations SET status = ?, assigned_to = ?, acknowledged_at = ? WHERE id = ?
		`, current.Status, current.AssignedTo, toNanos(at), id)
		if err != nil {
			return fmt.Errorf("failed to acknowledge escalation: %w", err)
		}
		e = current
		return nil
	})
	return e, err
}

// ResolveEscalation closes an open escalation and moves its task in the same
// transaction: back to pending with a fresh retry budget, resuming from the
// referenced checkpoint, or to failed with notes as the failure reason.
func (s *SQLiteStore) ResolveEscalation(ctx context.Context, id, notes string, retry bool, at time.Time) (*escalation.Escalation, error) {
	return s.closeEscalation(ctx, id, notes, retry, escalation.StatusResolved, at)
}

// CancelEscalation closes an open escalation and fails its task.
func (s *SQLiteStore) CancelEscalation(ctx context.Context, id, notes string, at time.Time) (*escalation.Escalation, error) {
	return s.closeEscalation(ctx, id, notes, false, escalation.StatusCancelled, at)
}

func (s *SQLiteStore) closeEscalation(ctx context.Context, id, notes string, retry bool, status escalation.Status, at time.Time) (*escalation.Escalation, error) {
	var e *escalation.Escalation
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := getEscalation(ctx, tx, id)
		if err != nil {
			return err
		}
		if !current.Status.IsOpen() {
			return fmt.Errorf("%w: escalation %s is already %s", escalation.ErrInvalidState, id, current.Status)
		}

		task, err := getTask(ctx, tx, current.TaskID)
		if err != nil {
			return err
		}
		if task.Status != scheduler.TaskEscalated {
			return fmt.Errorf("%w: task %s is %s, not escalated", escalation.ErrInvalidState, task.ID, task.Status)
		}

		if retry {
			zero := 0
			_, err = s.transitionTx(ctx, tx, task.ID, scheduler.TaskPending, scheduler.TransitionOptions{
				From:          []scheduler.TaskStatus{scheduler.TaskEscalated},
				RetryCount:    &zero,
				ClearAssignee: true,
			})
			if err != nil {
				return err
			}
			if current.CheckpointStep > 0 {
				if err := rearmCheckpoint(ctx, tx, task.ID, current.CheckpointStep); err != nil {
					return err
				}
			}
		} else {
			reason := notes
			if reason == "" {
				reason = fmt.Sprintf("escalation %s closed without retry", id)
			}
			_, err = s.transitionTx(ctx, tx, task.ID, scheduler.TaskFailed, scheduler.TransitionOptions{
				From:          []scheduler.TaskStatus{scheduler.TaskEscalated},
				FailureReason: &reason,
			})
			if err != nil {
				return err
			}
		}

		current.Status = status
		current.ResolutionNotes = notes
		current.RetryRequested = retry
		current.ResolvedAt = &at
		_, err = tx.ExecContext(ctx, `
			UPDATE escalations SET status = ?, resolution_notes = ?, retry_requested = ?, resolved_at = ?
			WHERE id = ?
		`, current.Status, current.ResolutionNotes, current.RetryRequested, toNanos(at), id)
		if err != nil {
			return fmt.Errorf("failed to close escalation: %w", err)
		}
		e = current
		return nil
	})
	return e, err
}

// rearmCheckpoint points the resume cursor at the checkpoint an escalation
// referenced, as long as it is still the task's latest.
func rearmCheckpoint(ctx context.Context, tx *sql.Tx, taskID string, step int) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO checkpoint_cursors (task_id, resumable_step)
		SELECT ?, ? WHERE ? = (SELECT MAX(step_number) FROM checkpoints WHERE task_id = ?)
		ON CONFLICT(task_id) DO UPDATE SET resumable_step = excluded.resumable_step
	`, taskID, step, step, taskID)
	if err != nil {
		return fmt.Errorf("failed to re-arm checkpoint %d of task %s: %w", step, taskID, err)
	}
	return nil
}
