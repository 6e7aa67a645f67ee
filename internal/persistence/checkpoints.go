package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/strataga/ghostpirates/internal/checkpoint"
)

const checkpointColumns = `c.task_id, c.step_number, c.step_output, c.accumulated_context, c.context_hash,
	c.checkpoint_type, c.created_at, COALESCE(cur.resumable_step = c.step_number, 0)`

const checkpointFrom = `FROM checkpoints c LEFT JOIN checkpoint_cursors cur ON cur.task_id = c.task_id`

func scanCheckpoint(row rowScanner) (*checkpoint.Checkpoint, error) {
	cp := &checkpoint.Checkpoint{}
	var createdAt int64
	err := row.Scan(&cp.TaskID, &cp.StepNumber, &cp.StepOutput, &cp.AccumulatedContext, &cp.ContextHash,
		&cp.Type, &createdAt, &cp.Resumable)
	if err != nil {
		return nil, err
	}
	cp.CreatedAt = fromNanos(createdAt)
	return cp, nil
}

func queryCheckpoint(ctx context.Context, q querier, query string, args ...any) (*checkpoint.Checkpoint, error) {
	cp, err := scanCheckpoint(q.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query checkpoint: %w", err)
	}
	return cp, nil
}

func resumableCheckpoint(ctx context.Context, q querier, taskID string) (*checkpoint.Checkpoint, error) {
	return queryCheckpoint(ctx, q, `SELECT `+checkpointColumns+` `+checkpointFrom+`
		WHERE c.task_id = ? AND c.step_number = cur.resumable_step`, taskID)
}

// AppendCheckpoint writes the next checkpoint of a task and makes it the
// resumable one. The step must extend the task's sequence by exactly one.
func (s *SQLiteStore) AppendCheckpoint(ctx context.Context, cp *checkpoint.Checkpoint) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := getTask(ctx, tx, cp.TaskID); err != nil {
			return err
		}

		var maxStep int
		err := tx.QueryRowContext(ctx, `
			SELECT COALESCE(MAX(step_number), 0) FROM checkpoints WHERE task_id = ?
		`, cp.TaskID).Scan(&maxStep)
		if err != nil {
			return fmt.Errorf("failed to query latest step: %w", err)
		}
		if cp.StepNumber != maxStep+1 {
			return fmt.Errorf("%w: task %s got step %d, expected %d",
				checkpoint.ErrStepOutOfOrder, cp.TaskID, cp.StepNumber, maxStep+1)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO checkpoints (task_id, step_number, step_output, accumulated_context,
				context_hash, checkpoint_type, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, cp.TaskID, cp.StepNumber, cp.StepOutput, cp.AccumulatedContext, cp.ContextHash, cp.Type, toNanos(cp.CreatedAt))
		if err != nil {
			return fmt.Errorf("failed to insert checkpoint: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO checkpoint_cursors (task_id, resumable_step) VALUES (?, ?)
			ON CONFLICT(task_id) DO UPDATE SET resumable_step = excluded.resumable_step
		`, cp.TaskID, cp.StepNumber)
		if err != nil {
			return fmt.Errorf("failed to move resume cursor: %w", err)
		}
		cp.Resumable = true
		return nil
	})
}

// LatestCheckpoint returns the highest-step checkpoint of a task, or nil.
func (s *SQLiteStore) LatestCheckpoint(ctx context.Context, taskID string) (*checkpoint.Checkpoint, error) {
	return queryCheckpoint(ctx, s.db, `SELECT `+checkpointColumns+` `+checkpointFrom+`
		WHERE c.task_id = ? ORDER BY c.step_number DESC LIMIT 1`, taskID)
}

// ResumableCheckpoint returns the checkpoint a retry would resume from, or nil.
func (s *SQLiteStore) ResumableCheckpoint(ctx context.Context, taskID string) (*checkpoint.Checkpoint, error) {
	return resumableCheckpoint(ctx, s.db, taskID)
}

// ConsumeResumableCheckpoint returns the resumable checkpoint and clears the
// resume cursor in the same transaction. Returns nil when nothing is resumable.
func (s *SQLiteStore) ConsumeResumableCheckpoint(ctx context.Context, taskID string) (*checkpoint.Checkpoint, error) {
	var cp *checkpoint.Checkpoint
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		cp, err = resumableCheckpoint(ctx, tx, taskID)
		if err != nil || cp == nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE checkpoint_cursors SET resumable_step = NULL WHERE task_id = ?
		`, taskID); err != nil {
			return fmt.Errorf("failed to consume checkpoint: %w", err)
		}
		cp.Resumable = false
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cp, nil
}

// RestoreResumableCheckpoint re-arms step as the resume point when no
// checkpoint is resumable and step is still the task's latest.
func (s *SQLiteStore) RestoreResumableCheckpoint(ctx context.Context, taskID string, step int) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE checkpoint_cursors SET resumable_step = ?
		WHERE task_id = ? AND resumable_step IS NULL
			AND ? = (SELECT MAX(step_number) FROM checkpoints WHERE task_id = ?)
	`, step, taskID, step, taskID)
	if err != nil {
		return false, fmt.Errorf("failed to restore checkpoint: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

// ListCheckpoints returns every retained checkpoint of a task in step order.
func (s *SQLiteStore) ListCheckpoints(ctx context.Context, taskID string) ([]*checkpoint.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+checkpointColumns+` `+checkpointFrom+`
		WHERE c.task_id = ? ORDER BY c.step_number`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query checkpoints: %w", err)
	}
	defer rows.Close()

	var cps []*checkpoint.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		cps = append(cps, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating checkpoints: %w", err)
	}
	return cps, nil
}

// PruneCheckpoints deletes all but the newest keep checkpoints of a task.
// The resumable checkpoint is never deleted.
func (s *SQLiteStore) PruneCheckpoints(ctx context.Context, taskID string, keep int) (int, error) {
	if keep < 1 {
		keep = 1
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM checkpoints
		WHERE task_id = ?
			AND step_number NOT IN (
				SELECT step_number FROM checkpoints WHERE task_id = ?
				ORDER BY step_number DESC LIMIT ?
			)
			AND step_number IS NOT (SELECT resumable_step FROM checkpoint_cursors WHERE task_id = ?)
	`, taskID, taskID, keep, taskID)
	if err != nil {
		return 0, fmt.Errorf("failed to prune checkpoints: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(n), nil
}
