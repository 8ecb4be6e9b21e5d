// Package pool runs at most N job closures concurrently, always
// preferring higher-priority jobs and preserving submission order
// among equal-priority jobs.
package pool

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/feldspar/overseer/internal/otel"
)

// Priority orders jobs in the queue; lower numbers are served first.
type Priority int

const (
	// PriorityUrgent is for system-critical work and user-facing
	// error escalation.
	PriorityUrgent Priority = iota
	// PriorityHigh is for interactive user requests.
	PriorityHigh
	// PriorityNormal is the default for background work.
	PriorityNormal
	// PriorityLow is for maintenance, analytics, and non-urgent writes.
	PriorityLow
)

// Job is a unit of work for the pool. The context is the pool's run
// context; a job observes cancellation through it.
type Job func(ctx context.Context)

// item is a tagged union over {job, shutdown}. Shutdown sentinels are
// pushed at a priority below urgent with decreasing negative sequence
// numbers, so they always dequeue before any real work still queued.
type item struct {
	priority int
	seq      int64
	job      Job
	shutdown bool
}

// jobQueue is a min-heap keyed by (priority ascending, seq ascending).
type jobQueue []*item

func (q jobQueue) Len() int { return len(q) }

func (q jobQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority < q[j].priority
	}
	return q[i].seq < q[j].seq
}

func (q jobQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *jobQueue) Push(x any) { *q = append(*q, x.(*item)) }

func (q *jobQueue) Pop() any {
	old := *q
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return it
}

// Pool is the bounded priority worker pool. Submission never blocks;
// the queue is unbounded by design (availability of submission over
// bounding memory).
type Pool struct {
	logger  *slog.Logger
	metrics *otel.Metrics

	mu       sync.Mutex
	queue    jobQueue
	cond     *sync.Cond
	nextSeq  int64
	sentinel int64 // decreasing negative sequence for shutdown items
	active   int
	workers  int
	started  bool
	stopped  bool

	wg sync.WaitGroup
}

// New creates an idle pool. Metrics may be nil.
func New(logger *slog.Logger, metrics *otel.Metrics) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{logger: logger, metrics: metrics}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Start spawns exactly n long-lived worker loops.
func (p *Pool) Start(ctx context.Context, n int) {
	if n <= 0 {
		n = 1
	}
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.workers = n
	p.mu.Unlock()

	for i := 0; i < n; i++ {
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			p.worker(ctx, id)
		}(i)
	}
	p.logger.Info("worker pool started", "workers", n)
}

// Submit pushes a job onto the queue and returns immediately
// regardless of queue depth. Jobs submitted after Stop are dropped.
func (p *Pool) Submit(job Job, priority Priority) {
	if job == nil {
		return
	}
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		p.logger.Warn("job submitted after pool stop; dropped")
		return
	}
	p.nextSeq++
	heap.Push(&p.queue, &item{
		priority: int(priority),
		seq:      p.nextSeq,
		job:      job,
	})
	p.mu.Unlock()
	p.cond.Signal()

	if p.metrics != nil {
		p.metrics.QueueDepth.Add(context.Background(), 1)
	}
}

// Stop pushes one shutdown sentinel per worker ahead of all queued
// work, then waits for every worker to exit. A worker mid-execution
// finishes its job before consuming a sentinel.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	for i := 0; i < p.workers; i++ {
		p.sentinel--
		heap.Push(&p.queue, &item{
			priority: int(PriorityUrgent) - 1,
			seq:      p.sentinel,
			shutdown: true,
		})
	}
	p.mu.Unlock()
	p.cond.Broadcast()

	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}

// QueueLen returns the number of queued items, including any pending
// shutdown sentinels.
func (p *Pool) QueueLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queue.Len()
}

// Active returns the number of workers currently executing a job.
func (p *Pool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

func (p *Pool) worker(ctx context.Context, id int) {
	for {
		p.mu.Lock()
		for p.queue.Len() == 0 {
			p.cond.Wait()
		}
		it := heap.Pop(&p.queue).(*item)
		if it.shutdown {
			p.mu.Unlock()
			return
		}
		p.active++
		p.mu.Unlock()

		if p.metrics != nil {
			p.metrics.QueueDepth.Add(ctx, -1)
			p.metrics.ActiveWorkers.Add(ctx, 1)
		}

		p.runJob(ctx, id, it.job)

		p.mu.Lock()
		p.active--
		p.mu.Unlock()

		if p.metrics != nil {
			p.metrics.ActiveWorkers.Add(ctx, -1)
			p.metrics.JobsRun.Add(ctx, 1)
		}
	}
}

// runJob invokes a job and absorbs its panic, if any. One job's
// failure must never kill a worker or the pool.
func (p *Pool) runJob(ctx context.Context, workerID int, job Job) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("job panicked", "worker", workerID, "panic", fmt.Sprint(r))
		}
	}()
	job(ctx)
}
