package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/strataga/ghostpirates/internal/scheduler"
)

const taskColumns = `t.id, t.team_id, t.parent_id, t.title, t.description, t.acceptance_criteria,
	t.status, t.priority, t.required_skills, t.revision_count, t.max_revisions, t.retry_count,
	t.assigned_to, t.failure_reason, t.estimated_cost, t.created_at, t.updated_at`

// readyOrder is the scan order contract: priority first, then age, then ID.
const readyOrder = `ORDER BY t.priority DESC, t.created_at ASC, t.id ASC`

// unmetDependency matches tasks that still wait on an unfinished dependency.
const unmetDependency = `EXISTS (
	SELECT 1 FROM task_dependencies d
	JOIN tasks dep ON dep.id = d.depends_on_id
	WHERE d.task_id = t.id AND dep.status <> 'completed'
)`

func scanTask(row rowScanner) (*scheduler.Task, error) {
	task := &scheduler.Task{}
	var parentID, assignedTo sql.NullString
	var skills string
	var createdAt, updatedAt int64

	err := row.Scan(&task.ID, &task.TeamID, &parentID, &task.Title, &task.Description, &task.AcceptanceCriteria,
		&task.Status, &task.Priority, &skills, &task.RevisionCount, &task.MaxRevisions, &task.RetryCount,
		&assignedTo, &task.FailureReason, &task.EstimatedCost, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	task.ParentID = parentID.String
	task.AssignedTo = assignedTo.String
	task.CreatedAt = fromNanos(createdAt)
	task.UpdatedAt = fromNanos(updatedAt)
	if err := json.Unmarshal([]byte(skills), &task.RequiredSkills); err != nil {
		return nil, fmt.Errorf("failed to decode required skills of task %s: %w", task.ID, err)
	}
	return task, nil
}

func queryTasks(ctx context.Context, q querier, query string, args ...any) ([]*scheduler.Task, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*scheduler.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	return tasks, nil
}

func getTask(ctx context.Context, q querier, taskID string) (*scheduler.Task, error) {
	task, err := scanTask(q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks t WHERE t.id = ?`, taskID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query task: %w", err)
	}
	return task, nil
}

func (s *SQLiteStore) prepareTask(task *scheduler.Task) error {
	if task.Status == "" {
		task.Status = scheduler.TaskPending
	}
	if task.Priority == 0 {
		task.Priority = scheduler.DefaultPriority
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = s.now()
	}
	task.UpdatedAt = task.CreatedAt
	return task.Validate()
}

func insertTask(ctx context.Context, q querier, task *scheduler.Task) error {
	skills := task.RequiredSkills
	if skills == nil {
		skills = []string{}
	}
	encoded, err := json.Marshal(skills)
	if err != nil {
		return fmt.Errorf("failed to encode required skills: %w", err)
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO tasks (id, team_id, parent_id, title, description, acceptance_criteria,
			status, priority, required_skills, revision_count, max_revisions, retry_count,
			assigned_to, failure_reason, estimated_cost, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, task.ID, task.TeamID, nullableString(task.ParentID), task.Title, task.Description, task.AcceptanceCriteria,
		task.Status, task.Priority, string(encoded), task.RevisionCount, task.MaxRevisions, task.RetryCount,
		nullableString(task.AssignedTo), task.FailureReason, task.EstimatedCost,
		toNanos(task.CreatedAt), toNanos(task.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert task %s: %w", task.ID, err)
	}
	return nil
}

// CreateTask inserts a single task. Empty status defaults to pending and a
// zero priority to the default priority.
func (s *SQLiteStore) CreateTask(ctx context.Context, task *scheduler.Task) error {
	if err := s.prepareTask(task); err != nil {
		return err
	}
	return insertTask(ctx, s.db, task)
}

// CreateTaskGraph inserts a decomposed task tree and its dependency edges in
// one transaction. Pending tasks with dependencies start out blocked. Nothing is
// written if any task is invalid or the edges contain a cycle.
func (s *SQLiteStore) CreateTaskGraph(ctx context.Context, tasks []*scheduler.Task, edges []scheduler.Edge) error {
	return s.CreatePlan(ctx, tasks, edges, nil)
}

// CreatePlan is CreateTaskGraph plus the workers registered with the plan,
// all in one transaction.
func (s *SQLiteStore) CreatePlan(ctx context.Context, tasks []*scheduler.Task, edges []scheduler.Edge, workers []*scheduler.Worker) error {
	for _, task := range tasks {
		if err := s.prepareTask(task); err != nil {
			return err
		}
	}
	for _, w := range workers {
		if err := s.prepareWorker(w); err != nil {
			return err
		}
	}

	g := scheduler.NewGraph(nil)
	for _, e := range edges {
		if err := g.AddEdge(e.TaskID, e.DependsOnID); err != nil {
			return err
		}
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, task := range tasks {
			if err := insertTask(ctx, tx, task); err != nil {
				return err
			}
		}
		for _, e := range g.Edges() {
			if err := insertDependency(ctx, tx, e.TaskID, e.DependsOnID); err != nil {
				return err
			}
		}
		for _, w := range workers {
			if err := insertWorker(ctx, tx, w); err != nil {
				return err
			}
		}

		for _, task := range tasks {
			if task.Status != scheduler.TaskPending {
				continue
			}
			res, err := tx.ExecContext(ctx, `
				UPDATE tasks AS t SET status = 'blocked'
				WHERE t.id = ? AND t.status = 'pending' AND `+unmetDependency, task.ID)
			if err != nil {
				return fmt.Errorf("failed to block task %s: %w", task.ID, err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				task.Status = scheduler.TaskBlocked
			}
		}
		return nil
	})
}

// GetTask retrieves a task by ID.
func (s *SQLiteStore) GetTask(ctx context.Context, taskID string) (*scheduler.Task, error) {
	return getTask(ctx, s.db, taskID)
}

// ListTasks returns all tasks of a team in scan order.
func (s *SQLiteStore) ListTasks(ctx context.Context, teamID string) ([]*scheduler.Task, error) {
	return queryTasks(ctx, s.db, `SELECT `+taskColumns+` FROM tasks t WHERE t.team_id = ? `+readyOrder, teamID)
}

// ListTasksByStatus returns a team's tasks in any of the given statuses, in scan order.
func (s *SQLiteStore) ListTasksByStatus(ctx context.Context, teamID string, statuses ...scheduler.TaskStatus) ([]*scheduler.Task, error) {
	if len(statuses) == 0 {
		return s.ListTasks(ctx, teamID)
	}
	args := []any{teamID}
	for _, st := range statuses {
		args = append(args, st)
	}
	return queryTasks(ctx, s.db, `SELECT `+taskColumns+` FROM tasks t
		WHERE t.team_id = ? AND t.status IN (`+placeholders(len(statuses))+`) `+readyOrder, args...)
}

// ListReadyTasks returns pending tasks whose dependencies are all completed,
// ordered by priority descending, then creation time, then ID.
// limit <= 0 returns every ready task.
func (s *SQLiteStore) ListReadyTasks(ctx context.Context, teamID string, limit int) ([]*scheduler.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks t
		WHERE t.team_id = ? AND t.status = 'pending' AND NOT ` + unmetDependency + ` ` + readyOrder
	args := []any{teamID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return queryTasks(ctx, s.db, query, args...)
}

// CountTasksByStatus returns the number of a team's tasks in each status.
func (s *SQLiteStore) CountTasksByStatus(ctx context.Context, teamID string) (map[scheduler.TaskStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks WHERE team_id = ? GROUP BY status`, teamID)
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[scheduler.TaskStatus]int)
	for rows.Next() {
		var status scheduler.TaskStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan task count: %w", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating task counts: %w", err)
	}
	return counts, nil
}

// AssignTask binds a pending, dependency-satisfied task to an available worker
// of the same team. The task status, assignee and the worker's workload and
// status change in one transaction; if either side has moved on, nothing changes.
func (s *SQLiteStore) AssignTask(ctx context.Context, taskID, workerID string) (*scheduler.Task, *scheduler.Worker, error) {
	var task *scheduler.Task
	var worker *scheduler.Worker

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := toNanos(s.now())

		res, err := tx.ExecContext(ctx, `
			UPDATE tasks AS t SET status = 'assigned', assigned_to = ?, updated_at = ?
			WHERE t.id = ? AND t.status = 'pending' AND NOT `+unmetDependency,
			workerID, now, taskID)
		if err != nil {
			return fmt.Errorf("failed to assign task: %w", err)
		}
		if err := checkAffected(res, ErrConflict); err != nil {
			if _, getErr := getTask(ctx, tx, taskID); getErr != nil {
				return getErr
			}
			return fmt.Errorf("task %s is no longer ready: %w", taskID, err)
		}

		res, err = tx.ExecContext(ctx, `
			UPDATE workers SET
				current_workload = current_workload + 1,
				status = CASE WHEN current_workload + 1 >= max_concurrent_tasks THEN 'busy' ELSE 'active' END
			WHERE id = ?
				AND team_id = (SELECT team_id FROM tasks WHERE id = ?)
				AND status IN ('idle', 'active')
				AND current_workload < max_concurrent_tasks
		`, workerID, taskID)
		if err != nil {
			return fmt.Errorf("failed to reserve worker: %w", err)
		}
		if err := checkAffected(res, ErrWorkerUnavailable); err != nil {
			if _, getErr := getWorker(ctx, tx, workerID); getErr != nil {
				return getErr
			}
			return fmt.Errorf("worker %s: %w", workerID, err)
		}

		if task, err = getTask(ctx, tx, taskID); err != nil {
			return err
		}
		worker, err = getWorker(ctx, tx, workerID)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return task, worker, nil
}

// TransitionTask moves a task along a legal status edge together with the
// field updates in opts. Leaving a status that holds a worker releases the
// worker's slot and records the outcome on its counters in the same
// transaction. Returns an error wrapping scheduler.ErrIllegalTransition when the
// edge or the From precondition does not hold.
func (s *SQLiteStore) TransitionTask(ctx context.Context, taskID string, to scheduler.TaskStatus, opts scheduler.TransitionOptions) (*scheduler.Task, error) {
	var task *scheduler.Task
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		task, err = s.transitionTx(ctx, tx, taskID, to, opts)
		return err
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

func (s *SQLiteStore) transitionTx(ctx context.Context, tx *sql.Tx, taskID string, to scheduler.TaskStatus, opts scheduler.TransitionOptions) (*scheduler.Task, error) {
	task, err := getTask(ctx, tx, taskID)
	if err != nil {
		return nil, err
	}
	if !opts.Allows(task.Status) || !task.Status.CanTransitionTo(to) {
		return nil, fmt.Errorf("%w: task %s %s -> %s", scheduler.ErrIllegalTransition, taskID, task.Status, to)
	}

	from := task.Status
	releasedWorker := ""
	if from.HoldsWorker() && !to.HoldsWorker() && task.AssignedTo != "" {
		releasedWorker = task.AssignedTo
	}

	task.Status = to
	task.UpdatedAt = s.now()
	if opts.FailureReason != nil {
		task.FailureReason = *opts.FailureReason
	}
	if opts.ClearAssignee || to == scheduler.TaskPending {
		task.AssignedTo = ""
	}
	if opts.IncrementRevision {
		task.RevisionCount++
	}
	if opts.RetryCount != nil {
		task.RetryCount = *opts.RetryCount
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE tasks SET status = ?, failure_reason = ?, assigned_to = ?, revision_count = ?,
			retry_count = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, task.Status, task.FailureReason, nullableString(task.AssignedTo), task.RevisionCount,
		task.RetryCount, toNanos(task.UpdatedAt), taskID, from)
	if err != nil {
		return nil, fmt.Errorf("failed to update task status: %w", err)
	}

	if releasedWorker != "" {
		if err := releaseWorker(ctx, tx, releasedWorker, to); err != nil {
			return nil, err
		}
	}
	return task, nil
}

// SetRetryCount persists the retry counter of a task without changing its status.
func (s *SQLiteStore) SetRetryCount(ctx context.Context, taskID string, count int) error {
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET retry_count = ?, updated_at = ? WHERE id = ?`,
		count, toNanos(s.now()), taskID)
	if err != nil {
		return fmt.Errorf("failed to update retry count: %w", err)
	}
	return checkAffected(res, fmt.Errorf("task %s: %w", taskID, ErrNotFound))
}
