package persistence

import (
	"context"
)

// initSchema creates all required tables if they don't exist.
// Timestamps are unix nanoseconds so ordering by age is exact.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS teams (
		id TEXT PRIMARY KEY,
		goal TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		started_at INTEGER,
		completed_at INTEGER
	);

	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		team_id TEXT NOT NULL,
		parent_id TEXT,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		acceptance_criteria TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		priority INTEGER NOT NULL CHECK (priority BETWEEN 1 AND 10),
		required_skills TEXT NOT NULL DEFAULT '[]',
		revision_count INTEGER NOT NULL DEFAULT 0,
		max_revisions INTEGER NOT NULL DEFAULT 3,
		retry_count INTEGER NOT NULL DEFAULT 0,
		assigned_to TEXT,
		failure_reason TEXT NOT NULL DEFAULT '',
		estimated_cost REAL NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		FOREIGN KEY (team_id) REFERENCES teams(id) ON DELETE CASCADE,
		FOREIGN KEY (parent_id) REFERENCES tasks(id) ON DELETE SET NULL,
		FOREIGN KEY (assigned_to) REFERENCES workers(id) ON DELETE SET NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_team_status
		ON tasks(team_id, status, priority DESC, created_at, id);

	CREATE TABLE IF NOT EXISTS workers (
		id TEXT PRIMARY KEY,
		team_id TEXT NOT NULL,
		name TEXT NOT NULL,
		specialization TEXT NOT NULL,
		skills TEXT NOT NULL DEFAULT '{}',
		status TEXT NOT NULL,
		current_workload INTEGER NOT NULL DEFAULT 0,
		max_concurrent_tasks INTEGER NOT NULL,
		tasks_completed INTEGER NOT NULL DEFAULT 0,
		tasks_failed INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		CHECK (current_workload >= 0 AND current_workload <= max_concurrent_tasks),
		FOREIGN KEY (team_id) REFERENCES teams(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_workers_team ON workers(team_id, created_at, id);

	CREATE TABLE IF NOT EXISTS task_dependencies (
		task_id TEXT NOT NULL,
		depends_on_id TEXT NOT NULL,
		PRIMARY KEY (task_id, depends_on_id),
		CHECK (task_id <> depends_on_id),
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE,
		FOREIGN KEY (depends_on_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_task_dependencies_depends_on ON task_dependencies(depends_on_id);

	CREATE TABLE IF NOT EXISTS checkpoints (
		task_id TEXT NOT NULL,
		step_number INTEGER NOT NULL CHECK (step_number >= 1),
		step_output TEXT NOT NULL,
		accumulated_context TEXT NOT NULL,
		context_hash TEXT NOT NULL,
		checkpoint_type TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (task_id, step_number),
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS checkpoint_cursors (
		task_id TEXT PRIMARY KEY,
		resumable_step INTEGER,
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS escalations (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		team_id TEXT NOT NULL,
		severity TEXT NOT NULL,
		failure_type TEXT NOT NULL,
		reason TEXT NOT NULL,
		checkpoint_step INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		assigned_to TEXT NOT NULL DEFAULT '',
		resolution_notes TEXT NOT NULL DEFAULT '',
		retry_requested INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		acknowledged_at INTEGER,
		resolved_at INTEGER,
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_escalations_team_status ON escalations(team_id, status, created_at);

	CREATE TABLE IF NOT EXISTS failures (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		failure_type TEXT NOT NULL,
		severity TEXT NOT NULL,
		message TEXT NOT NULL,
		context TEXT NOT NULL DEFAULT '{}',
		retry_count INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_failures_task ON failures(task_id, created_at);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
