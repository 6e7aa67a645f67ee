package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/strataga/ghostpirates/internal/scheduler"
)

const workerColumns = `id, team_id, name, specialization, skills, status, current_workload,
	max_concurrent_tasks, tasks_completed, tasks_failed, created_at`

func scanWorker(row rowScanner) (*scheduler.Worker, error) {
	w := &scheduler.Worker{}
	var spec, skills string
	var createdAt int64

	err := row.Scan(&w.ID, &w.TeamID, &w.Name, &spec, &skills, &w.Status, &w.CurrentWorkload,
		&w.MaxConcurrentTasks, &w.TasksCompleted, &w.TasksFailed, &createdAt)
	if err != nil {
		return nil, err
	}

	if w.Specialization, err = scheduler.ParseSpecialization(spec); err != nil {
		return nil, fmt.Errorf("worker %s: %w", w.ID, err)
	}
	if err := json.Unmarshal([]byte(skills), &w.Skills); err != nil {
		return nil, fmt.Errorf("failed to decode skills of worker %s: %w", w.ID, err)
	}
	w.CreatedAt = fromNanos(createdAt)
	return w, nil
}

func queryWorkers(ctx context.Context, q querier, query string, args ...any) ([]*scheduler.Worker, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query workers: %w", err)
	}
	defer rows.Close()

	var workers []*scheduler.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan worker: %w", err)
		}
		workers = append(workers, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating workers: %w", err)
	}
	return workers, nil
}

func getWorker(ctx context.Context, q querier, workerID string) (*scheduler.Worker, error) {
	w, err := scanWorker(q.QueryRowContext(ctx, `SELECT `+workerColumns+` FROM workers WHERE id = ?`, workerID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("worker %s: %w", workerID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query worker: %w", err)
	}
	return w, nil
}

// CreateWorker registers a worker. An empty status defaults to idle.
func (s *SQLiteStore) CreateWorker(ctx context.Context, w *scheduler.Worker) error {
	if err := s.prepareWorker(w); err != nil {
		return err
	}
	return insertWorker(ctx, s.db, w)
}

func (s *SQLiteStore) prepareWorker(w *scheduler.Worker) error {
	if w.Status == "" {
		w.Status = scheduler.WorkerIdle
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = s.now()
	}
	return w.Validate()
}

func insertWorker(ctx context.Context, q querier, w *scheduler.Worker) error {
	skills := w.Skills
	if skills == nil {
		skills = map[string]float64{}
	}
	encoded, err := json.Marshal(skills)
	if err != nil {
		return fmt.Errorf("failed to encode skills: %w", err)
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO workers (id, team_id, name, specialization, skills, status, current_workload,
			max_concurrent_tasks, tasks_completed, tasks_failed, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, w.ID, w.TeamID, w.Name, w.Specialization.String(), string(encoded), w.Status, w.CurrentWorkload,
		w.MaxConcurrentTasks, w.TasksCompleted, w.TasksFailed, toNanos(w.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert worker %s: %w", w.ID, err)
	}
	return nil
}

// GetWorker retrieves a worker by ID.
func (s *SQLiteStore) GetWorker(ctx context.Context, workerID string) (*scheduler.Worker, error) {
	return getWorker(ctx, s.db, workerID)
}

// ListWorkers returns a team's workers in registration order.
func (s *SQLiteStore) ListWorkers(ctx context.Context, teamID string) ([]*scheduler.Worker, error) {
	return queryWorkers(ctx, s.db, `SELECT `+workerColumns+` FROM workers
		WHERE team_id = ? ORDER BY created_at, id`, teamID)
}

// ListAvailableWorkers returns idle or active workers with spare capacity, in
// registration order so scoring ties resolve deterministically.
func (s *SQLiteStore) ListAvailableWorkers(ctx context.Context, teamID string) ([]*scheduler.Worker, error) {
	return queryWorkers(ctx, s.db, `SELECT `+workerColumns+` FROM workers
		WHERE team_id = ? AND status IN ('idle', 'active') AND current_workload < max_concurrent_tasks
		ORDER BY created_at, id`, teamID)
}

// SetWorkerStatus takes a worker offline, marks it failed, or brings it back.
// Any of idle, active or busy re-derives the status from the current workload.
func (s *SQLiteStore) SetWorkerStatus(ctx context.Context, workerID string, status scheduler.WorkerStatus) (*scheduler.Worker, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("unknown worker status %q", status)
	}

	var worker *scheduler.Worker
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		w, err := getWorker(ctx, tx, workerID)
		if err != nil {
			return err
		}
		switch status {
		case scheduler.WorkerOffline, scheduler.WorkerFailed:
			w.Status = status
		default:
			w.Status = scheduler.StatusForWorkload(scheduler.WorkerIdle, w.CurrentWorkload, w.MaxConcurrentTasks)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE workers SET status = ? WHERE id = ?`, w.Status, workerID); err != nil {
			return fmt.Errorf("failed to update worker status: %w", err)
		}
		worker = w
		return nil
	})
	return worker, err
}

// releaseWorker frees one slot after a task left a worker-holding status and
// records the outcome. Escalations count against the success rate.
func releaseWorker(ctx context.Context, tx *sql.Tx, workerID string, outcome scheduler.TaskStatus) error {
	w, err := getWorker(ctx, tx, workerID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if w.CurrentWorkload > 0 {
		w.CurrentWorkload--
	}
	switch outcome {
	case scheduler.TaskCompleted:
		w.TasksCompleted++
	case scheduler.TaskFailed, scheduler.TaskEscalated:
		w.TasksFailed++
	}
	w.Status = scheduler.StatusForWorkload(w.Status, w.CurrentWorkload, w.MaxConcurrentTasks)

	_, err = tx.ExecContext(ctx, `
		UPDATE workers SET current_workload = ?, status = ?, tasks_completed = ?, tasks_failed = ?
		WHERE id = ?
	`, w.CurrentWorkload, w.Status, w.TasksCompleted, w.TasksFailed, workerID)
	if err != nil {
		return fmt.Errorf("failed to release worker %s: %w", workerID, err)
	}
	return nil
}
