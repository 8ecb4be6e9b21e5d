package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all overseer metric instruments.
type Metrics struct {
	TaskDuration   metric.Float64Histogram
	TasksComplete  metric.Int64Counter
	TasksFailed    metric.Int64Counter
	TasksStopped   metric.Int64Counter
	TasksReaped    metric.Int64Counter
	QueueDepth     metric.Int64UpDownCounter
	ActiveWorkers  metric.Int64UpDownCounter
	JobsRun        metric.Int64Counter
	SchedulesFired metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TaskDuration, err = meter.Float64Histogram("overseer.task.duration",
		metric.WithDescription("Task execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksComplete, err = meter.Int64Counter("overseer.task.completed",
		metric.WithDescription("Tasks that reached the completed state"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksFailed, err = meter.Int64Counter("overseer.task.failed",
		metric.WithDescription("Tasks that reached the failed state"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksStopped, err = meter.Int64Counter("overseer.task.stopped",
		metric.WithDescription("Tasks that reached the stopped state"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksReaped, err = meter.Int64Counter("overseer.monitor.reaped",
		metric.WithDescription("Tasks reaped by the health monitor"),
	)
	if err != nil {
		return nil, err
	}

	m.QueueDepth, err = meter.Int64UpDownCounter("overseer.pool.queue_depth",
		metric.WithDescription("Jobs waiting in the worker pool queue"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveWorkers, err = meter.Int64UpDownCounter("overseer.pool.active",
		metric.WithDescription("Workers currently executing a job"),
	)
	if err != nil {
		return nil, err
	}

	m.JobsRun, err = meter.Int64Counter("overseer.pool.jobs",
		metric.WithDescription("Total jobs executed by the worker pool"),
	)
	if err != nil {
		return nil, err
	}

	m.SchedulesFired, err = meter.Int64Counter("overseer.scheduler.fired",
		metric.WithDescription("Scheduled tasks created by the cron scheduler"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
