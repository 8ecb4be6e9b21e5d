package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/feldspar/overseer/internal/bus"
	"github.com/google/uuid"
)

type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusRunning   TaskStatus = "running"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
	StatusStopped   TaskStatus = "stopped"
)

// Terminal reports whether a status is a terminal state.
func (s TaskStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusStopped:
		return true
	}
	return false
}

// allowedTransitions encodes the monotonic state machine. A task never
// re-enters pending; retry creates a brand-new task instead.
var allowedTransitions = map[TaskStatus]map[TaskStatus]struct{}{
	StatusPending: {
		StatusRunning: {},
		StatusFailed:  {}, // stale-pending sweep
		StatusStopped: {},
	},
	StatusRunning: {
		StatusCompleted: {},
		StatusFailed:    {},
		StatusStopped:   {},
	},
}

// ErrInvalidTransition is returned when an update would move a task
// backwards through the state machine.
var ErrInvalidTransition = errors.New("invalid task status transition")

// Task is the unit of schedulable work.
type Task struct {
	ID          string     `json:"id"`
	Owner       string     `json:"owner"`
	Description string     `json:"description"`
	Status      TaskStatus `json:"status"`
	Workspace   string     `json:"workspace"`
	Model       string     `json:"model"`
	AgentType   string     `json:"agent_type"`
	Workflow    string     `json:"workflow,omitempty"`
	Context     string     `json:"context,omitempty"`
	Phase       string     `json:"phase,omitempty"`
	PhaseCount  int        `json:"phase_count"`
	Result      string     `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	PID         int        `json:"pid,omitempty"` // set only while running
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Activity is one entry in a task's append-only activity log.
type Activity struct {
	ID          int64     `json:"id"`
	TaskID      string    `json:"task_id"`
	Message     string    `json:"message"`
	OutputLines int       `json:"output_lines,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// CreateTaskParams carries the caller-supplied fields for a new task.
type CreateTaskParams struct {
	Owner       string
	Description string
	Workspace   string
	Model       string
	AgentType   string
	Workflow    string
	Context     string
}

const taskColumns = `
	id, owner, description, status,
	workspace, model, agent_type,
	COALESCE(workflow, ''), COALESCE(context, ''),
	COALESCE(phase, ''), phase_count,
	COALESCE(result, ''), COALESCE(error, ''),
	COALESCE(pid, 0),
	created_at, updated_at`

type scanFunc func(dest ...any) error

func scanTask(scan scanFunc, task *Task) error {
	return scan(
		&task.ID,
		&task.Owner,
		&task.Description,
		&task.Status,
		&task.Workspace,
		&task.Model,
		&task.AgentType,
		&task.Workflow,
		&task.Context,
		&task.Phase,
		&task.PhaseCount,
		&task.Result,
		&task.Error,
		&task.PID,
		&task.CreatedAt,
		&task.UpdatedAt,
	)
}

// CreateTask inserts a new task in status pending.
func (s *Store) CreateTask(ctx context.Context, p CreateTaskParams) (*Task, error) {
	if strings.TrimSpace(p.Owner) == "" {
		return nil, fmt.Errorf("create task: owner required")
	}
	if strings.TrimSpace(p.Description) == "" {
		return nil, fmt.Errorf("create task: description required")
	}
	taskID := uuid.NewString()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO tasks (
				id, owner, description, status, workspace, model, agent_type,
				workflow, context, created_at, updated_at
			)
			VALUES (?, ?, ?, ?, ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, taskID, p.Owner, p.Description, StatusPending, p.Workspace, p.Model, p.AgentType, p.Workflow, p.Context)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}

	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	s.publish(bus.TopicTaskCreated, bus.TaskStateChangedEvent{
		TaskID:    taskID,
		Owner:     p.Owner,
		NewStatus: string(StatusPending),
	})
	return task, nil
}

// GetTask returns the task or nil if the ID does not exist.
func (s *Store) GetTask(ctx context.Context, taskID string) (*Task, error) {
	var task Task
	err := scanTask(s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, taskID).Scan, &task)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return &task, nil
}

// TaskUpdate carries the fields to apply. Nil fields are left untouched.
type TaskUpdate struct {
	Status   *TaskStatus
	Result   *string
	Error    *string
	PID      *int
	Workflow *string
	Phase    *string // setting a phase also bumps phase_count
}

// UpdateTask applies only the supplied fields and always refreshes the
// last-update timestamp. Returns false (not an error) if the ID does
// not exist, so callers can treat "task vanished" as recoverable. A
// status change that violates the state machine returns
// ErrInvalidTransition.
func (s *Store) UpdateTask(ctx context.Context, taskID string, upd TaskUpdate) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var found bool
	var oldStatus, owner string
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin update tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var current TaskStatus
		err = tx.QueryRowContext(ctx, `SELECT status, owner FROM tasks WHERE id = ?;`, taskID).Scan(&current, &owner)
		if errors.Is(err, sql.ErrNoRows) {
			found = false
			return nil
		}
		if err != nil {
			return fmt.Errorf("read task status: %w", err)
		}
		found = true
		oldStatus = string(current)

		set := []string{"updated_at = CURRENT_TIMESTAMP"}
		var args []any

		if upd.Status != nil && *upd.Status != current {
			allowed, ok := allowedTransitions[current]
			if !ok {
				return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, *upd.Status)
			}
			if _, ok := allowed[*upd.Status]; !ok {
				return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, *upd.Status)
			}
			set = append(set, "status = ?")
			args = append(args, *upd.Status)
			// pid is meaningful only while running.
			if upd.Status.Terminal() {
				set = append(set, "pid = NULL")
			}
		}
		if upd.Result != nil {
			set = append(set, "result = ?")
			args = append(args, *upd.Result)
		}
		if upd.Error != nil {
			set = append(set, "error = ?")
			args = append(args, *upd.Error)
		}
		if upd.PID != nil {
			set = append(set, "pid = ?")
			args = append(args, nullableInt(*upd.PID))
		}
		if upd.Workflow != nil {
			set = append(set, "workflow = ?")
			args = append(args, *upd.Workflow)
		}
		if upd.Phase != nil {
			set = append(set, "phase = ?", "phase_count = phase_count + 1")
			args = append(args, *upd.Phase)
		}

		args = append(args, taskID)
		if _, err := tx.ExecContext(ctx,
			`UPDATE tasks SET `+strings.Join(set, ", ")+` WHERE id = ?;`, args...); err != nil {
			return fmt.Errorf("update task: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	if upd.Status != nil && string(*upd.Status) != oldStatus {
		s.publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{
			TaskID:    taskID,
			Owner:     owner,
			OldStatus: oldStatus,
			NewStatus: string(*upd.Status),
		})
	}
	return true, nil
}

func nullableInt(v int) any {
	if v == 0 {
		return nil
	}
	return v
}

// AppendActivity appends an entry to the task's ordered activity log
// and refreshes the task's last-update timestamp. Returns false if the
// task does not exist.
func (s *Store) AppendActivity(ctx context.Context, taskID, message string, outputLines int) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var found bool
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin activity tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var exists int
		err = tx.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id = ?;`, taskID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			found = false
			return nil
		}
		if err != nil {
			return fmt.Errorf("check task exists: %w", err)
		}
		found = true

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO task_activity (task_id, message, output_lines, created_at)
			VALUES (?, ?, NULLIF(?, 0), CURRENT_TIMESTAMP);
		`, taskID, message, outputLines); err != nil {
			return fmt.Errorf("append activity: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, taskID); err != nil {
			return fmt.Errorf("touch task on activity: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return false, err
	}
	return found, nil
}

// ListActivity returns a task's activity log in strict append order.
func (s *Store) ListActivity(ctx context.Context, taskID string) ([]Activity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, message, COALESCE(output_lines, 0), created_at
		FROM task_activity
		WHERE task_id = ?
		ORDER BY id ASC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list activity: %w", err)
	}
	defer rows.Close()

	var out []Activity
	for rows.Next() {
		var a Activity
		if err := rows.Scan(&a.ID, &a.TaskID, &a.Message, &a.OutputLines, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("activity rows: %w", err)
	}
	return out, nil
}

// ListByOwner returns an owner's tasks, newest first, optionally
// filtered by status. A zero or oversized limit falls back to 20.
func (s *Store) ListByOwner(ctx context.Context, owner string, status TaskStatus, limit int) ([]Task, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	var query string
	var args []any
	if status != "" {
		query = `SELECT ` + taskColumns + ` FROM tasks WHERE owner = ? AND status = ? ORDER BY created_at DESC, id DESC LIMIT ?;`
		args = []any{owner, status, limit}
	} else {
		query = `SELECT ` + taskColumns + ` FROM tasks WHERE owner = ? ORDER BY created_at DESC, id DESC LIMIT ?;`
		args = []any{owner, limit}
	}
	return s.queryTasks(ctx, query, args...)
}

// ListActive returns an owner's pending and running tasks.
func (s *Store) ListActive(ctx context.Context, owner string) ([]Task, error) {
	return s.queryTasks(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE owner = ? AND status IN (?, ?)
		ORDER BY created_at ASC, id ASC;
	`, owner, StatusPending, StatusRunning)
}

// ListRunning returns every running task, across all owners. Used by
// the health monitor's scan.
func (s *Store) ListRunning(ctx context.Context) ([]Task, error) {
	return s.queryTasks(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE status = ?
		ORDER BY created_at ASC, id ASC;
	`, StatusRunning)
}

// ListTerminalOlderThan returns terminal tasks whose last update is
// older than the given window.
func (s *Store) ListTerminalOlderThan(ctx context.Context, window time.Duration) ([]Task, error) {
	cutoff := time.Now().UTC().Add(-window)
	return s.queryTasks(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE status IN (?, ?, ?) AND updated_at < ?
		ORDER BY updated_at ASC, id ASC;
	`, StatusCompleted, StatusFailed, StatusStopped, cutoff)
}

func (s *Store) queryTasks(ctx context.Context, query string, args ...any) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var task Task
		if err := scanTask(rows.Scan, &task); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task rows: %w", err)
	}
	return out, nil
}

// ReclaimRunningAsStopped bulk-transitions every running task to
// stopped with the given reason. Used exactly once at startup recovery
// and once at shutdown, with different reasons so downstream logic can
// tell a crash from a clean restart. Idempotent: a second call
// reclaims zero tasks.
func (s *Store) ReclaimRunningAsStopped(ctx context.Context, reason string) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var reclaimed int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks
			SET status = ?, error = ?, pid = NULL, updated_at = CURRENT_TIMESTAMP
			WHERE status = ?;
		`, StatusStopped, reason, StatusRunning)
		if err != nil {
			return fmt.Errorf("reclaim running tasks: %w", err)
		}
		reclaimed, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, err
	}
	if reclaimed > 0 {
		s.publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{
			OldStatus: string(StatusRunning),
			NewStatus: string(StatusStopped),
		})
	}
	return reclaimed, nil
}

// FailStalePending transitions tasks that sat in pending past maxAge
// to failed with a distinguishing error.
func (s *Store) FailStalePending(ctx context.Context, maxAge time.Duration) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	cutoff := time.Now().UTC().Add(-maxAge)
	var swept int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks
			SET status = ?, error = ?, updated_at = CURRENT_TIMESTAMP
			WHERE status = ? AND created_at < ?;
		`, StatusFailed, ReasonPendingAge, StatusPending, cutoff)
		if err != nil {
			return fmt.Errorf("fail stale pending: %w", err)
		}
		swept, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, err
	}
	return swept, nil
}

// DeleteTerminalOlderThan removes terminal tasks older than the
// retention window. This is the only path that physically deletes
// task rows; the activity log goes with them via ON DELETE CASCADE.
func (s *Store) DeleteTerminalOlderThan(ctx context.Context, window time.Duration) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	cutoff := time.Now().UTC().Add(-window)
	var deleted int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM tasks
			WHERE status IN (?, ?, ?) AND updated_at < ?;
		`, StatusCompleted, StatusFailed, StatusStopped, cutoff)
		if err != nil {
			return fmt.Errorf("delete terminal tasks: %w", err)
		}
		deleted, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

// RetryTask creates a brand-new task copying the original's
// description, workspace, model, and agent_type. The original's
// terminal state is left untouched; task history is append-only.
func (s *Store) RetryTask(ctx context.Context, taskID string) (*Task, error) {
	orig, err := s.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if orig == nil {
		return nil, fmt.Errorf("retry task: %s not found", taskID)
	}
	fresh, err := s.CreateTask(ctx, CreateTaskParams{
		Owner:       orig.Owner,
		Description: orig.Description,
		Workspace:   orig.Workspace,
		Model:       orig.Model,
		AgentType:   orig.AgentType,
		Workflow:    orig.Workflow,
		Context:     orig.Context,
	})
	if err != nil {
		return nil, err
	}
	_, _ = s.AppendActivity(ctx, taskID, fmt.Sprintf("retried as %s", fresh.ID), 0)
	return fresh, nil
}

// TaskCounts returns the number of pending and running tasks.
func (s *Store) TaskCounts(ctx context.Context) (pending, running int, err error) {
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM tasks WHERE status = ?;`, StatusPending).Scan(&pending); err != nil {
		return 0, 0, fmt.Errorf("count pending: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM tasks WHERE status = ?;`, StatusRunning).Scan(&running); err != nil {
		return 0, 0, fmt.Errorf("count running: %w", err)
	}
	return pending, running, nil
}
