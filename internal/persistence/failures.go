package persistence

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/strataga/ghostpirates/internal/resilience"
)

// RecordFailure appends an entry to the failure audit log.
func (s *SQLiteStore) RecordFailure(ctx context.Context, rec *resilience.FailureRecord) error {
	fctx := rec.Context
	if fctx == nil {
		fctx = map[string]string{}
	}
	encoded, err := json.Marshal(fctx)
	if err != nil {
		return fmt.Errorf("failed to encode failure context: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO failures (id, task_id, failure_type, severity, message, context, retry_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.TaskID, rec.Type, rec.Severity, rec.Message, string(encoded), rec.RetryCount, toNanos(rec.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to record failure for task %s: %w", rec.TaskID, err)
	}
	return nil
}

// ListFailures returns the audit log of a task, oldest first.
func (s *SQLiteStore) ListFailures(ctx context.Context, taskID string) ([]*resilience.FailureRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, failure_type, severity, message, context, retry_count, created_at
		FROM failures WHERE task_id = ? ORDER BY created_at, rowid
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query failures: %w", err)
	}
	defer rows.Close()

	var out []*resilience.FailureRecord
	for rows.Next() {
		rec := &resilience.FailureRecord{}
		var fctx string
		var createdAt int64
		if err := rows.Scan(&rec.ID, &rec.TaskID, &rec.Type, &rec.Severity, &rec.Message, &fctx,
			&rec.RetryCount, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan failure: %w", err)
		}
		if err := json.Unmarshal([]byte(fctx), &rec.Context); err != nil {
			return nil, fmt.Errorf("failed to decode failure context: %w", err)
		}
		rec.CreatedAt = fromNanos(createdAt)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating failures: %w", err)
	}
	return out, nil
}
