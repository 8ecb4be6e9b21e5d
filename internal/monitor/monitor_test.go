package monitor

import (
	"context"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/feldspar/overseer/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "overseer.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newTestMonitor(t *testing.T, st *store.Store) *Monitor {
	t.Helper()
	return New(st, nil, nil, nil, Options{
		ScanInterval: time.Hour, // scans driven manually in tests
		StaleTimeout: 10 * time.Minute,
		KillGrace:    200 * time.Millisecond,
	})
}

func runningTask(t *testing.T, st *store.Store, pid int) *store.Task {
	t.Helper()
	ctx := context.Background()
	task, err := st.CreateTask(ctx, store.CreateTaskParams{
		Owner:       "alice",
		Description: "monitored work",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	running := store.StatusRunning
	upd := store.TaskUpdate{Status: &running}
	if pid > 0 {
		upd.PID = &pid
	}
	if _, err := st.UpdateTask(ctx, task.ID, upd); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	return task
}

// deadPID returns a PID that belonged to an already-reaped process.
func deadPID(t *testing.T) int {
	t.Helper()
	cmd := exec.Command("sleep", "60")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	pid := cmd.Process.Pid
	_ = cmd.Process.Kill()
	_ = cmd.Wait()
	return pid
}

// livePID returns the PID of a process that outlives the test body.
func livePID(t *testing.T) int {
	t.Helper()
	cmd := exec.Command("sleep", "300")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	// Reap the child as soon as it exits; otherwise a killed child
	// lingers as a zombie and signal-0 probes still report it alive.
	go func() { _ = cmd.Wait() }()
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
	})
	return cmd.Process.Pid
}

func backdate(t *testing.T, st *store.Store, taskID string, interval string) {
	t.Helper()
	if _, err := st.DB().Exec(
		`UPDATE tasks SET updated_at = datetime('now', ?) WHERE id = ?;`, interval, taskID,
	); err != nil {
		t.Fatalf("backdate: %v", err)
	}
}

func TestScan_ReapsDeadProcess(t *testing.T) {
	st := openTestStore(t)
	m := newTestMonitor(t, st)
	ctx := context.Background()

	task := runningTask(t, st, deadPID(t))
	m.scan(ctx)

	got, err := st.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != store.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if !strings.HasPrefix(got.Error, store.ReasonDeadProcess) {
		t.Fatalf("error = %q, want %q prefix", got.Error, store.ReasonDeadProcess)
	}
	if got.PID != 0 {
		t.Fatalf("reaped task still carries pid %d", got.PID)
	}
}

func TestScan_ReapsStaleTask(t *testing.T) {
	st := openTestStore(t)
	m := newTestMonitor(t, st)
	ctx := context.Background()

	pid := livePID(t)
	task := runningTask(t, st, pid)
	backdate(t, st, task.ID, "-1 hour")

	m.scan(ctx)

	got, _ := st.GetTask(ctx, task.ID)
	if got.Status != store.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if !strings.HasPrefix(got.Error, store.ReasonTimeout) {
		t.Fatalf("error = %q, want %q prefix", got.Error, store.ReasonTimeout)
	}
	if !strings.Contains(got.Error, "no update for") {
		t.Fatalf("error = %q, want elapsed minutes", got.Error)
	}
	// SIGTERM then SIGKILL should have taken the process down.
	deadline := time.After(2 * time.Second)
	for processAlive(pid) {
		select {
		case <-deadline:
			t.Fatal("stale task's process still alive after reap")
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func TestScan_LeavesHealthyTasksAlone(t *testing.T) {
	st := openTestStore(t)
	m := newTestMonitor(t, st)
	ctx := context.Background()

	task := runningTask(t, st, livePID(t))
	m.scan(ctx)

	got, _ := st.GetTask(ctx, task.ID)
	if got.Status != store.StatusRunning {
		t.Fatalf("healthy task reaped: %s %q", got.Status, got.Error)
	}
}

func TestScan_SweepsStalePendingAndRetention(t *testing.T) {
	st := openTestStore(t)
	m := New(st, nil, nil, nil, Options{
		ScanInterval:  time.Hour,
		StaleTimeout:  10 * time.Minute,
		KillGrace:     200 * time.Millisecond,
		PendingMaxAge: time.Hour,
		Retention:     24 * time.Hour,
	})
	ctx := context.Background()

	stale, err := st.CreateTask(ctx, store.CreateTaskParams{Owner: "alice", Description: "forgotten"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := st.DB().Exec(
		`UPDATE tasks SET created_at = datetime('now', '-2 hours') WHERE id = ?;`, stale.ID,
	); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	old := runningTask(t, st, 0)
	completed := store.StatusCompleted
	result := "done"
	if _, err := st.UpdateTask(ctx, old.ID, store.TaskUpdate{Status: &completed, Result: &result}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	backdate(t, st, old.ID, "-3 days")

	m.scan(ctx)

	got, _ := st.GetTask(ctx, stale.ID)
	if got.Status != store.StatusFailed || got.Error != store.ReasonPendingAge {
		t.Fatalf("stale pending = %s %q", got.Status, got.Error)
	}
	gone, _ := st.GetTask(ctx, old.ID)
	if gone != nil {
		t.Fatal("expired terminal task survived retention cleanup")
	}
}

func TestCheckTask(t *testing.T) {
	st := openTestStore(t)
	m := newTestMonitor(t, st)
	ctx := context.Background()

	if health, _ := m.CheckTask(ctx, "no-such-id"); health != HealthUnknown {
		t.Fatalf("missing task health = %s", health)
	}

	pending, err := st.CreateTask(ctx, store.CreateTaskParams{Owner: "alice", Description: "idle"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if health, _ := m.CheckTask(ctx, pending.ID); health != HealthNotRunning {
		t.Fatalf("pending task health = %s", health)
	}

	healthy := runningTask(t, st, livePID(t))
	if health, msg := m.CheckTask(ctx, healthy.ID); health != HealthHealthy {
		t.Fatalf("healthy task = %s (%s)", health, msg)
	}

	dead := runningTask(t, st, deadPID(t))
	if health, _ := m.CheckTask(ctx, dead.ID); health != HealthDeadProcess {
		t.Fatalf("dead-process task health = %s", health)
	}

	stale := runningTask(t, st, livePID(t))
	backdate(t, st, stale.ID, "-1 hour")
	if health, _ := m.CheckTask(ctx, stale.ID); health != HealthTimeout {
		t.Fatalf("stale task health = %s", health)
	}
}
