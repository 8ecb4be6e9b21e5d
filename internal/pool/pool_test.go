package pool_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/feldspar/overseer/internal/pool"
)

// collector records the order jobs ran in.
type collector struct {
	mu  sync.Mutex
	got []string
}

func (c *collector) add(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, name)
}

func (c *collector) order() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.got))
	copy(out, c.got)
	return out
}

func TestPool_PriorityOrderWithSingleWorker(t *testing.T) {
	p := pool.New(nil, nil)
	c := &collector{}

	// Block the lone worker so the remaining submissions queue up and
	// the dequeue order is observable.
	release := make(chan struct{})
	started := make(chan struct{})
	p.Start(context.Background(), 1)
	p.Submit(func(context.Context) {
		close(started)
		<-release
	}, pool.PriorityNormal)
	<-started

	var wg sync.WaitGroup
	wg.Add(3)
	p.Submit(func(context.Context) { defer wg.Done(); c.add("low") }, pool.PriorityLow)
	p.Submit(func(context.Context) { defer wg.Done(); c.add("urgent") }, pool.PriorityUrgent)
	p.Submit(func(context.Context) { defer wg.Done(); c.add("normal") }, pool.PriorityNormal)

	close(release)
	wg.Wait()
	p.Stop()

	want := []string{"urgent", "normal", "low"}
	got := c.order()
	if len(got) != len(want) {
		t.Fatalf("ran %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ran %v, want %v", got, want)
		}
	}
}

func TestPool_FIFOWithinPriority(t *testing.T) {
	p := pool.New(nil, nil)
	c := &collector{}

	release := make(chan struct{})
	started := make(chan struct{})
	p.Start(context.Background(), 1)
	p.Submit(func(context.Context) {
		close(started)
		<-release
	}, pool.PriorityNormal)
	<-started

	var wg sync.WaitGroup
	for _, name := range []string{"first", "second", "third"} {
		n := name
		wg.Add(1)
		p.Submit(func(context.Context) { defer wg.Done(); c.add(n) }, pool.PriorityHigh)
	}

	close(release)
	wg.Wait()
	p.Stop()

	got := c.order()
	want := []string{"first", "second", "third"}
	if len(got) != 3 {
		t.Fatalf("ran %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("equal-priority order %v, want %v", got, want)
		}
	}
}

func TestPool_JobPanicDoesNotKillWorker(t *testing.T) {
	p := pool.New(nil, nil)
	p.Start(context.Background(), 1)

	ran := make(chan struct{})
	p.Submit(func(context.Context) { panic("boom") }, pool.PriorityNormal)
	p.Submit(func(context.Context) { close(ran) }, pool.PriorityNormal)

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not survive a panicking job")
	}
	p.Stop()
}

func TestPool_StopDrainsInFlightJob(t *testing.T) {
	p := pool.New(nil, nil)
	p.Start(context.Background(), 2)

	var mu sync.Mutex
	finished := false
	started := make(chan struct{})
	p.Submit(func(context.Context) {
		close(started)
		time.Sleep(50 * time.Millisecond)
		mu.Lock()
		finished = true
		mu.Unlock()
	}, pool.PriorityNormal)

	<-started
	p.Stop()

	mu.Lock()
	defer mu.Unlock()
	if !finished {
		t.Fatal("Stop returned before the in-flight job finished")
	}
}

func TestPool_SentinelsBeatQueuedWork(t *testing.T) {
	p := pool.New(nil, nil)

	release := make(chan struct{})
	started := make(chan struct{})
	c := &collector{}

	p.Start(context.Background(), 1)
	p.Submit(func(context.Context) {
		close(started)
		<-release
	}, pool.PriorityNormal)
	<-started

	// Queued behind the in-flight job; a sentinel pushed by Stop must
	// dequeue before it, so it never runs.
	p.Submit(func(context.Context) { c.add("straggler") }, pool.PriorityUrgent)

	done := make(chan struct{})
	go func() {
		p.Stop()
		close(done)
	}()
	// Give Stop a moment to queue its sentinel, then let the worker go.
	time.Sleep(50 * time.Millisecond)
	close(release)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
	if got := c.order(); len(got) != 0 {
		t.Fatalf("queued job ran after Stop: %v", got)
	}
}

func TestPool_SubmitAfterStopIsDropped(t *testing.T) {
	p := pool.New(nil, nil)
	p.Start(context.Background(), 1)
	p.Stop()

	p.Submit(func(context.Context) { t.Error("dropped job ran") }, pool.PriorityNormal)
	time.Sleep(50 * time.Millisecond)
	if p.QueueLen() != 0 {
		t.Fatalf("queue length after drop = %d", p.QueueLen())
	}
}
