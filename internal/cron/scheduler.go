// Package cron fires system-originated recurring work: each due
// schedule becomes a fresh pending task submitted at low priority.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/feldspar/overseer/internal/dispatch"
	"github.com/feldspar/overseer/internal/otel"
	"github.com/feldspar/overseer/internal/pool"
	"github.com/feldspar/overseer/internal/store"
)

// parser accepts standard 5-field cron expressions.
var parser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// NextRunTime computes the next firing of a cron expression after t.
func NextRunTime(expr string, t time.Time) (time.Time, error) {
	sched, err := parser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expr %q: %w", expr, err)
	}
	return sched.Next(t), nil
}

// Scheduler ticks over the schedules table and submits a task for each
// due schedule.
type Scheduler struct {
	store        *store.Store
	orchestrator *dispatch.Orchestrator
	metrics      *otel.Metrics
	logger       *slog.Logger
	interval     time.Duration
	done         chan struct{}
}

func New(st *store.Store, orch *dispatch.Orchestrator, metrics *otel.Metrics, logger *slog.Logger, interval time.Duration) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scheduler{
		store:        st,
		orchestrator: orch,
		metrics:      metrics,
		logger:       logger,
		interval:     interval,
		done:         make(chan struct{}),
	}
}

// AddSchedule validates the cron expression and persists a new
// schedule seeded with its first firing time.
func (s *Scheduler) AddSchedule(ctx context.Context, sched store.Schedule) (string, error) {
	next, err := NextRunTime(sched.CronExpr, time.Now().UTC())
	if err != nil {
		return "", err
	}
	return s.store.CreateSchedule(ctx, sched, next)
}

// Start runs the tick loop until the context is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		s.logger.Info("scheduler started", "interval", s.interval.String())
		for {
			select {
			case <-ctx.Done():
				s.logger.Info("scheduler stopped")
				return
			case <-ticker.C:
				s.tick(ctx)
			}
		}
	}()
}

// Wait blocks until the tick loop has exited.
func (s *Scheduler) Wait() {
	<-s.done
}

func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now().UTC()
	due, err := s.store.DueSchedules(ctx, now)
	if err != nil {
		s.logger.Error("scheduler: query due", "error", err)
		return
	}
	for _, sched := range due {
		s.fire(ctx, sched, now)
	}
}

// fire submits one task for a due schedule and advances its next run.
// The next firing is always computed before submission so a bad cron
// expression disables the schedule instead of firing it every tick.
func (s *Scheduler) fire(ctx context.Context, sched store.Schedule, now time.Time) {
	next, err := NextRunTime(sched.CronExpr, now)
	if err != nil {
		s.logger.Error("scheduler: bad cron expr, disabling", "schedule", sched.ID, "expr", sched.CronExpr, "error", err)
		if _, derr := s.store.SetScheduleEnabled(ctx, sched.ID, false); derr != nil {
			s.logger.Error("scheduler: disable failed", "schedule", sched.ID, "error", derr)
		}
		return
	}

	task, err := s.orchestrator.SubmitTask(ctx, dispatch.SubmitParams{
		Owner:       sched.Owner,
		Description: sched.Description,
		Workspace:   sched.Workspace,
		Model:       sched.Model,
		AgentType:   sched.AgentType,
		Priority:    pool.PriorityLow,
	})
	if err != nil {
		s.logger.Error("scheduler: submit failed", "schedule", sched.ID, "error", err)
		return
	}

	if err := s.store.UpdateScheduleRun(ctx, sched.ID, now, next); err != nil {
		s.logger.Error("scheduler: record run", "schedule", sched.ID, "error", err)
	}
	if s.metrics != nil {
		s.metrics.SchedulesFired.Add(ctx, 1)
	}
	s.logger.Info("schedule fired", "schedule", sched.ID, "name", sched.Name, "task_id", task.ID, "next_run", next.Format(time.RFC3339))
}
