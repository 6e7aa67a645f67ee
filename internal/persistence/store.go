package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/strataga/ghostpirates/internal/checkpoint"
	"github.com/strataga/ghostpirates/internal/escalation"
	"github.com/strataga/ghostpirates/internal/resilience"
	"github.com/strataga/ghostpirates/internal/scheduler"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a compare-and-swap lost to a concurrent change.
	ErrConflict = errors.New("concurrent modification")
	// ErrWorkerUnavailable is returned when a worker cannot take another task.
	ErrWorkerUnavailable = errors.New("worker unavailable")
)

// Store defines the persistence interface for teams, tasks, workers,
// dependencies, checkpoints, escalations and the failure audit log.
type Store interface {
	scheduler.DependencyStore
	checkpoint.Store
	escalation.Store
	resilience.FailureRecorder

	// Teams
	CreateTeam(ctx context.Context, team *scheduler.Team) error
	GetTeam(ctx context.Context, teamID string) (*scheduler.Team, error)
	ListTeams(ctx context.Context, statuses ...scheduler.TeamStatus) ([]*scheduler.Team, error)
	UpdateTeamStatus(ctx context.Context, teamID string, to scheduler.TeamStatus) (*scheduler.Team, error)

	// Tasks
	CreateTask(ctx context.Context, task *scheduler.Task) error
	CreateTaskGraph(ctx context.Context, tasks []*scheduler.Task, edges []scheduler.Edge) error
	CreatePlan(ctx context.Context, tasks []*scheduler.Task, edges []scheduler.Edge, workers []*scheduler.Worker) error
	ListTasksByStatus(ctx context.Context, teamID string, statuses ...scheduler.TaskStatus) ([]*scheduler.Task, error)
	ListReadyTasks(ctx context.Context, teamID string, limit int) ([]*scheduler.Task, error)
	CountTasksByStatus(ctx context.Context, teamID string) (map[scheduler.TaskStatus]int, error)
	AssignTask(ctx context.Context, taskID, workerID string) (*scheduler.Task, *scheduler.Worker, error)
	SetRetryCount(ctx context.Context, taskID string, count int) error

	// Workers
	CreateWorker(ctx context.Context, worker *scheduler.Worker) error
	GetWorker(ctx context.Context, workerID string) (*scheduler.Worker, error)
	ListWorkers(ctx context.Context, teamID string) ([]*scheduler.Worker, error)
	ListAvailableWorkers(ctx context.Context, teamID string) ([]*scheduler.Worker, error)
	SetWorkerStatus(ctx context.Context, workerID string, status scheduler.WorkerStatus) (*scheduler.Worker, error)

	// Failure audit
	ListFailures(ctx context.Context, taskID string) ([]*resilience.FailureRecord, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ Store = (*SQLiteStore)(nil)

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// NewSQLiteStore creates a new SQLite-backed store at the given path.
// Creates parent directories if needed. Enables WAL mode, foreign keys, and busy timeout.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_txlock=immediate"+
		"&_pragma=foreign_keys(1)"+
		"&_pragma=journal_mode(WAL)"+
		"&_pragma=busy_timeout(5000)"+
		"&_pragma=synchronous(NORMAL)", dbPath)
	return open(ctx, connStr)
}

// NewMemoryStore creates an in-memory SQLite store for testing.
// Every call gets its own database.
func NewMemoryStore(ctx context.Context) (*SQLiteStore, error) {
	connStr := fmt.Sprintf("file:mem-%s?mode=memory&cache=shared&_pragma=foreign_keys(1)", uuid.NewString())
	return open(ctx, connStr)
}

func open(ctx context.Context, connStr string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// A single connection serializes writers; every multi-row read is drained
	// before the next statement so nothing waits on itself.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	store := &SQLiteStore{db: db, now: time.Now}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// Ping checks that the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// withTx runs fn in a serializable transaction and commits if it returns nil.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func toNanos(t time.Time) int64 {
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n)
}

func nullableNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(0, n.Int64)
	return &t
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func checkAffected(res sql.Result, notAffected error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return notAffected
	}
	return nil
}
