// Package actorq serializes work per actor: for any single actor at
// most one handler runs at a time, in arrival order, while different
// actors proceed concurrently. Priority items jump ahead of the
// actor's FIFO backlog without interrupting the handler in flight.
package actorq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Handler processes one enqueued payload for an actor.
type Handler func(ctx context.Context, payload any)

type entry struct {
	payload  any
	handler  Handler
	priority int // 0 means normal FIFO; higher wins among priority items
	seq      int64
}

// processor owns one actor's backlog. Its goroutine exists only while
// there is work; it exits when both lists drain.
type processor struct {
	mu       sync.Mutex
	fifo     []*entry
	priority []*entry // sorted by (priority desc, seq asc)
	running  bool
	stopped  bool
}

// Queue fans work out across actors while keeping each actor strictly
// sequential.
type Queue struct {
	logger *slog.Logger

	mu      sync.Mutex
	actors  map[string]*processor
	nextSeq int64
}

// New creates an empty queue.
func New(logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		logger: logger,
		actors: make(map[string]*processor),
	}
}

// Enqueue adds work for an actor. priority 0 appends to the actor's
// FIFO backlog; priority > 0 is served before all FIFO work, ordered
// by priority then arrival. The handler runs on the actor's goroutine.
func (q *Queue) Enqueue(ctx context.Context, actor string, payload any, handler Handler, priority int) {
	if handler == nil {
		return
	}
	q.mu.Lock()
	p, ok := q.actors[actor]
	if !ok {
		p = &processor{}
		q.actors[actor] = p
	}
	q.nextSeq++
	e := &entry{payload: payload, handler: handler, priority: priority, seq: q.nextSeq}
	// Take the processor lock before releasing the queue lock so
	// arrival order matches sequence order.
	p.mu.Lock()
	q.mu.Unlock()
	if p.stopped {
		p.mu.Unlock()
		q.logger.Warn("enqueue after actor stop; dropped", "actor", actor)
		return
	}
	if priority > 0 {
		p.priority = insertByPriority(p.priority, e)
	} else {
		p.fifo = append(p.fifo, e)
	}
	start := !p.running
	if start {
		p.running = true
	}
	p.mu.Unlock()

	if start {
		go q.run(ctx, actor, p)
	}
}

// insertByPriority keeps the slice sorted by priority descending and,
// within a priority, by arrival order.
func insertByPriority(list []*entry, e *entry) []*entry {
	i := 0
	for i < len(list) {
		if list[i].priority < e.priority {
			break
		}
		i++
	}
	list = append(list, nil)
	copy(list[i+1:], list[i:])
	list[i] = e
	return list
}

// run drains one actor's backlog, one handler at a time.
func (q *Queue) run(ctx context.Context, actor string, p *processor) {
	for {
		p.mu.Lock()
		var e *entry
		switch {
		case len(p.priority) > 0:
			e = p.priority[0]
			p.priority = p.priority[1:]
		case len(p.fifo) > 0:
			e = p.fifo[0]
			p.fifo = p.fifo[1:]
		default:
			p.running = false
			p.mu.Unlock()
			return
		}
		p.mu.Unlock()

		q.invoke(ctx, actor, e)
	}
}

func (q *Queue) invoke(ctx context.Context, actor string, e *entry) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("actor handler panicked", "actor", actor, "panic", fmt.Sprint(r))
		}
	}()
	e.handler(ctx, e.payload)
}

// Pending reports the number of queued entries for an actor, not
// counting the handler currently in flight.
func (q *Queue) Pending(actor string) int {
	q.mu.Lock()
	p, ok := q.actors[actor]
	q.mu.Unlock()
	if !ok {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.priority) + len(p.fifo)
}

// Stop discards an actor's queued work and refuses new enqueues for
// it. The handler in flight, if any, finishes.
func (q *Queue) Stop(actor string) {
	q.mu.Lock()
	p, ok := q.actors[actor]
	q.mu.Unlock()
	if !ok {
		return
	}
	p.mu.Lock()
	n := len(p.priority) + len(p.fifo)
	p.priority = nil
	p.fifo = nil
	p.stopped = true
	p.mu.Unlock()
	if n > 0 {
		q.logger.Info("actor queue discarded", "actor", actor, "dropped", n)
	}
}

// CleanupAll stops every actor. Handlers in flight finish.
func (q *Queue) CleanupAll() {
	q.mu.Lock()
	actors := make([]string, 0, len(q.actors))
	for actor := range q.actors {
		actors = append(actors, actor)
	}
	q.mu.Unlock()
	for _, actor := range actors {
		q.Stop(actor)
	}
}
