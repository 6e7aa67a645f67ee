package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/strataga/ghostpirates/internal/scheduler"
)

const teamColumns = `id, goal, status, created_at, started_at, completed_at`

func scanTeam(row rowScanner) (*scheduler.Team, error) {
	team := &scheduler.Team{}
	var createdAt int64
	var startedAt, completedAt sql.NullInt64
	if err := row.Scan(&team.ID, &team.Goal, &team.Status, &createdAt, &startedAt, &completedAt); err != nil {
		return nil, err
	}
	team.CreatedAt = fromNanos(createdAt)
	team.StartedAt = timePtr(startedAt)
	team.CompletedAt = timePtr(completedAt)
	return team, nil
}

// CreateTeam inserts a new team.
func (s *SQLiteStore) CreateTeam(ctx context.Context, team *scheduler.Team) error {
	if err := team.Validate(); err != nil {
		return err
	}
	if team.Status == "" {
		team.Status = scheduler.TeamPending
	}
	if team.CreatedAt.IsZero() {
		team.CreatedAt = s.now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO teams (id, goal, status, created_at, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, team.ID, team.Goal, team.Status, toNanos(team.CreatedAt), nullableNanos(team.StartedAt), nullableNanos(team.CompletedAt))
	if err != nil {
		return fmt.Errorf("failed to insert team %s: %w", team.ID, err)
	}
	return nil
}

// GetTeam retrieves a team by ID.
func (s *SQLiteStore) GetTeam(ctx context.Context, teamID string) (*scheduler.Team, error) {
	return getTeam(ctx, s.db, teamID)
}

func getTeam(ctx context.Context, q querier, teamID string) (*scheduler.Team, error) {
	team, err := scanTeam(q.QueryRowContext(ctx, `SELECT `+teamColumns+` FROM teams WHERE id = ?`, teamID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("team %s: %w", teamID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query team: %w", err)
	}
	return team, nil
}

// ListTeams returns teams in creation order, optionally filtered by status.
func (s *SQLiteStore) ListTeams(ctx context.Context, statuses ...scheduler.TeamStatus) ([]*scheduler.Team, error) {
	query := `SELECT ` + teamColumns + ` FROM teams`
	var args []any
	if len(statuses) > 0 {
		query += ` WHERE status IN (` + placeholders(len(statuses)) + `)`
		for _, st := range statuses {
			args = append(args, st)
		}
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query teams: %w", err)
	}
	defer rows.Close()

	var teams []*scheduler.Team
	for rows.Next() {
		team, err := scanTeam(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan team: %w", err)
		}
		teams = append(teams, team)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating teams: %w", err)
	}
	return teams, nil
}

// UpdateTeamStatus moves a team along its lifecycle and stamps start and
// completion times.
func (s *SQLiteStore) UpdateTeamStatus(ctx context.Context, teamID string, to scheduler.TeamStatus) (*scheduler.Team, error) {
	var team *scheduler.Team
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := getTeam(ctx, tx, teamID)
		if err != nil {
			return err
		}
		if current.Status == to {
			team = current
			return nil
		}
		if !current.Status.CanTransitionTo(to) {
			return fmt.Errorf("team %s cannot move from %s to %s: %w", teamID, current.Status, to, ErrConflict)
		}

		now := s.now()
		switch to {
		case scheduler.TeamActive:
			current.StartedAt = &now
		case scheduler.TeamCompleted, scheduler.TeamFailed:
			current.CompletedAt = &now
		}
		current.Status = to

		_, err = tx.ExecContext(ctx, `
			UPDATE teams SET status = ?, started_at = ?, completed_at = ? WHERE id = ?
		`, current.Status, nullableNanos(current.StartedAt), nullableNanos(current.CompletedAt), teamID)
		if err != nil {
			return fmt.Errorf("failed to update team status: %w", err)
		}
		team = current
		return nil
	})
	return team, err
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
