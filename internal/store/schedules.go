package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Schedule defines system-originated recurring work: each firing
// creates a fresh pending task from the schedule's template fields.
type Schedule struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Owner       string     `json:"owner"`
	CronExpr    string     `json:"cron_expr"`
	Description string     `json:"description"`
	Workspace   string     `json:"workspace"`
	Model       string     `json:"model"`
	AgentType   string     `json:"agent_type"`
	Enabled     bool       `json:"enabled"`
	LastRunAt   *time.Time `json:"last_run_at,omitempty"`
	NextRunAt   *time.Time `json:"next_run_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// CreateSchedule inserts a schedule. nextRun seeds the first firing.
func (s *Store) CreateSchedule(ctx context.Context, sched Schedule, nextRun time.Time) (string, error) {
	if sched.ID == "" {
		sched.ID = uuid.NewString()
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO schedules (
				id, name, owner, cron_expr, description, workspace, model, agent_type,
				enabled, next_run_at, created_at
			)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, ?, CURRENT_TIMESTAMP);
		`, sched.ID, sched.Name, sched.Owner, sched.CronExpr, sched.Description,
			sched.Workspace, sched.Model, sched.AgentType, nextRun.UTC())
		return err
	})
	if err != nil {
		return "", fmt.Errorf("create schedule: %w", err)
	}
	return sched.ID, nil
}

// DueSchedules returns enabled schedules whose next_run_at is at or
// before now.
func (s *Store) DueSchedules(ctx context.Context, now time.Time) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, owner, cron_expr, description, workspace, model, agent_type,
			enabled, last_run_at, next_run_at, created_at
		FROM schedules
		WHERE enabled = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at ASC;
	`, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("query due schedules: %w", err)
	}
	defer rows.Close()

	var out []Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sched)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("schedule rows: %w", err)
	}
	return out, nil
}

// UpdateScheduleRun records a firing and advances next_run_at.
func (s *Store) UpdateScheduleRun(ctx context.Context, scheduleID string, ranAt, nextRun time.Time) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE schedules
			SET last_run_at = ?, next_run_at = ?
			WHERE id = ?;
		`, ranAt.UTC(), nextRun.UTC(), scheduleID)
		return err
	})
	if err != nil {
		return fmt.Errorf("update schedule run: %w", err)
	}
	return nil
}

// SetScheduleEnabled toggles a schedule without deleting its history.
func (s *Store) SetScheduleEnabled(ctx context.Context, scheduleID string, enabled bool) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	var n int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `UPDATE schedules SET enabled = ? WHERE id = ?;`, enabled, scheduleID)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return false, fmt.Errorf("set schedule enabled: %w", err)
	}
	return n == 1, nil
}

// ListSchedules returns all schedules, newest first.
func (s *Store) ListSchedules(ctx context.Context) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, owner, cron_expr, description, workspace, model, agent_type,
			enabled, last_run_at, next_run_at, created_at
		FROM schedules
		ORDER BY created_at DESC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()

	var out []Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sched)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("schedule rows: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSchedule(row rowScanner) (Schedule, error) {
	var (
		sched   Schedule
		lastRun sql.NullTime
		nextRun sql.NullTime
	)
	if err := row.Scan(
		&sched.ID, &sched.Name, &sched.Owner, &sched.CronExpr, &sched.Description,
		&sched.Workspace, &sched.Model, &sched.AgentType,
		&sched.Enabled, &lastRun, &nextRun, &sched.CreatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return sched, err
		}
		return sched, fmt.Errorf("scan schedule: %w", err)
	}
	if lastRun.Valid {
		sched.LastRunAt = &lastRun.Time
	}
	if nextRun.Valid {
		sched.NextRunAt = &nextRun.Time
	}
	return sched, nil
}
