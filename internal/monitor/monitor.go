// Package monitor detects and reaps tasks whose backing process died
// or which have gone silent past a timeout, without relying on the
// executor to self-report.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"syscall"
	"time"

	"github.com/feldspar/overseer/internal/bus"
	"github.com/feldspar/overseer/internal/otel"
	"github.com/feldspar/overseer/internal/store"
)

// Health is the result of an on-demand task health check.
type Health string

const (
	HealthHealthy     Health = "healthy"
	HealthNotRunning  Health = "not-running"
	HealthDeadProcess Health = "dead-process"
	HealthTimeout     Health = "timeout"
	HealthUnknown     Health = "unknown"
)

// Options configures the scan loop.
type Options struct {
	ScanInterval  time.Duration
	StaleTimeout  time.Duration
	KillGrace     time.Duration
	PendingMaxAge time.Duration
	Retention     time.Duration
}

// Monitor periodically scans running tasks and intervenes on stuck
// ones. It also sweeps stale pending tasks and expired terminal rows.
type Monitor struct {
	store   *store.Store
	bus     *bus.Bus
	metrics *otel.Metrics
	logger  *slog.Logger
	opts    Options
	done    chan struct{}
}

func New(st *store.Store, eventBus *bus.Bus, metrics *otel.Metrics, logger *slog.Logger, opts Options) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ScanInterval <= 0 {
		opts.ScanInterval = 30 * time.Second
	}
	if opts.StaleTimeout <= 0 {
		opts.StaleTimeout = 30 * time.Minute
	}
	if opts.KillGrace <= 0 {
		opts.KillGrace = 5 * time.Second
	}
	return &Monitor{
		store:   st,
		bus:     eventBus,
		metrics: metrics,
		logger:  logger,
		opts:    opts,
		done:    make(chan struct{}),
	}
}

// Start runs the scan loop until the context is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.opts.ScanInterval)
		defer ticker.Stop()
		m.logger.Info("health monitor started", "interval", m.opts.ScanInterval.String())
		for {
			select {
			case <-ctx.Done():
				m.logger.Info("health monitor stopped")
				return
			case <-ticker.C:
				m.scan(ctx)
			}
		}
	}()
}

// Wait blocks until the scan loop has exited.
func (m *Monitor) Wait() {
	<-m.done
}

// scan is one pass: reap dead or silent running tasks, then run the
// stale-pending sweep and the terminal-retention cleanup.
func (m *Monitor) scan(ctx context.Context) {
	tasks, err := m.store.ListRunning(ctx)
	if err != nil {
		m.logger.Error("monitor: list running", "error", err)
		return
	}
	for _, task := range tasks {
		m.checkRunning(ctx, task)
	}

	if m.opts.PendingMaxAge > 0 {
		n, err := m.store.FailStalePending(ctx, m.opts.PendingMaxAge)
		if err != nil {
			m.logger.Error("monitor: stale pending sweep", "error", err)
		} else if n > 0 {
			m.logger.Warn("failed stale pending tasks", "count", n)
		}
	}

	if m.opts.Retention > 0 {
		n, err := m.store.DeleteTerminalOlderThan(ctx, m.opts.Retention)
		if err != nil {
			m.logger.Error("monitor: retention cleanup", "error", err)
		} else if n > 0 {
			m.logger.Info("removed expired terminal tasks", "count", n)
		}
	}
}

func (m *Monitor) checkRunning(ctx context.Context, task store.Task) {
	if task.PID > 0 && !processAlive(task.PID) {
		reason := fmt.Sprintf("%s: pid %d no longer exists", store.ReasonDeadProcess, task.PID)
		m.reap(ctx, task, reason)
		return
	}

	silence := time.Since(task.UpdatedAt.UTC())
	if silence <= m.opts.StaleTimeout {
		return
	}

	if task.PID > 0 {
		m.terminate(task.PID)
	}
	mins := int(silence.Minutes())
	reason := fmt.Sprintf("%s: no update for %dm", store.ReasonTimeout, mins)
	m.reap(ctx, task, reason)
}

// reap transitions a running task to failed with a machine-parseable
// reason prefix.
func (m *Monitor) reap(ctx context.Context, task store.Task, reason string) {
	failed := store.StatusFailed
	ok, err := m.store.UpdateTask(ctx, task.ID, store.TaskUpdate{
		Status: &failed,
		Error:  &reason,
	})
	if err != nil {
		m.logger.Error("monitor: reap failed", "task_id", task.ID, "error", err)
		return
	}
	if !ok {
		return
	}
	m.logger.Warn("reaped task", "task_id", task.ID, "pid", task.PID, "reason", reason)
	_, _ = m.store.AppendActivity(ctx, task.ID, reason, 0)

	if m.bus != nil {
		m.bus.Publish(bus.TopicTaskReaped, bus.TaskReapedEvent{
			TaskID: task.ID,
			PID:    task.PID,
			Reason: reason,
		})
	}
	if m.metrics != nil {
		m.metrics.TasksReaped.Add(ctx, 1)
	}
}

// terminate sends SIGTERM, waits the grace period, then escalates to
// SIGKILL if the process is still alive.
func (m *Monitor) terminate(pid int) {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return // already gone
	}
	deadline := time.After(m.opts.KillGrace)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-deadline:
			_ = proc.Signal(syscall.SIGKILL)
			m.logger.Warn("escalated to SIGKILL", "pid", pid)
			return
		case <-tick.C:
			if !processAlive(pid) {
				return
			}
		}
	}
}

// processAlive probes a PID with signal 0.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// CheckTask is the on-demand health check for a single task, used by
// operator-facing introspection rather than the scan loop.
func (m *Monitor) CheckTask(ctx context.Context, taskID string) (Health, string) {
	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return HealthUnknown, fmt.Sprintf("lookup failed: %v", err)
	}
	if task == nil {
		return HealthUnknown, "task not found"
	}
	if task.Status != store.StatusRunning {
		return HealthNotRunning, fmt.Sprintf("task is %s", task.Status)
	}
	if task.PID > 0 && !processAlive(task.PID) {
		return HealthDeadProcess, fmt.Sprintf("pid %d no longer exists", task.PID)
	}
	silence := time.Since(task.UpdatedAt.UTC())
	if silence > m.opts.StaleTimeout {
		return HealthTimeout, fmt.Sprintf("no update for %dm", int(silence.Minutes()))
	}
	return HealthHealthy, fmt.Sprintf("running, last update %s ago", silence.Round(time.Second))
}
