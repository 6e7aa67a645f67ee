package persistence

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/strataga/ghostpirates/internal/scheduler"
)

func insertDependency(ctx context.Context, q querier, taskID, dependsOnID string) error {
	_, err := q.ExecContext(ctx, `
		INSERT OR IGNORE INTO task_dependencies (task_id, depends_on_id) VALUES (?, ?)
	`, taskID, dependsOnID)
	if err != nil {
		return fmt.Errorf("failed to insert dependency %s -> %s: %w", taskID, dependsOnID, err)
	}
	return nil
}

func listEdges(ctx context.Context, q querier, teamID string) ([]scheduler.Edge, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT d.task_id, d.depends_on_id
		FROM task_dependencies d
		JOIN tasks t ON t.id = d.task_id
		WHERE t.team_id = ?
		ORDER BY d.task_id, d.depends_on_id
	`, teamID)
	if err != nil {
		return nil, fmt.Errorf("failed to query dependencies: %w", err)
	}
	defer rows.Close()

	var edges []scheduler.Edge
	for rows.Next() {
		var e scheduler.Edge
		if err := rows.Scan(&e.TaskID, &e.DependsOnID); err != nil {
			return nil, fmt.Errorf("failed to scan dependency: %w", err)
		}
		edges = append(edges, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dependencies: %w", err)
	}
	return edges, nil
}

// AddDependency records that taskID depends on dependsOnID. The cycle check
// runs against the team's edges inside the same transaction as the insert, so
// two concurrent additions cannot together close a cycle.
func (s *SQLiteStore) AddDependency(ctx context.Context, taskID, dependsOnID string) error {
	if taskID == dependsOnID {
		return fmt.Errorf("%w: %s", scheduler.ErrSelfDependency, taskID)
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		task, err := getTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		dep, err := getTask(ctx, tx, dependsOnID)
		if err != nil {
			return err
		}
		if task.TeamID != dep.TeamID {
			return fmt.Errorf("tasks %s and %s belong to different teams", taskID, dependsOnID)
		}

		edges, err := listEdges(ctx, tx, task.TeamID)
		if err != nil {
			return err
		}
		if err := scheduler.NewGraph(edges).CheckEdge(taskID, dependsOnID); err != nil {
			return err
		}
		return insertDependency(ctx, tx, taskID, dependsOnID)
	})
}

// ListDependencies returns the tasks taskID depends on.
func (s *SQLiteStore) ListDependencies(ctx context.Context, taskID string) ([]*scheduler.Task, error) {
	return queryTasks(ctx, s.db, `SELECT `+taskColumns+` FROM tasks t
		JOIN task_dependencies d ON d.depends_on_id = t.id
		WHERE d.task_id = ? ORDER BY t.id`, taskID)
}

// ListDependents returns the tasks that depend on taskID.
func (s *SQLiteStore) ListDependents(ctx context.Context, taskID string) ([]*scheduler.Task, error) {
	return queryTasks(ctx, s.db, `SELECT `+taskColumns+` FROM tasks t
		JOIN task_dependencies d ON d.task_id = t.id
		WHERE d.depends_on_id = ? `+readyOrder, taskID)
}

// ListEdges returns every dependency edge within a team.
func (s *SQLiteStore) ListEdges(ctx context.Context, teamID string) ([]scheduler.Edge, error) {
	return listEdges(ctx, s.db, teamID)
}
