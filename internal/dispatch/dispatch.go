// Package dispatch glues the store, the worker pool, the per-actor
// queue, and the branch manager into the task execution path: inbound
// event → task row → pooled job → isolated branch → executor →
// terminal state.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/feldspar/overseer/internal/actorq"
	"github.com/feldspar/overseer/internal/bus"
	"github.com/feldspar/overseer/internal/gitx"
	"github.com/feldspar/overseer/internal/otel"
	"github.com/feldspar/overseer/internal/pool"
	"github.com/feldspar/overseer/internal/store"
)

// ExecRequest carries everything the external executor needs for one
// task invocation.
type ExecRequest struct {
	TaskID      string
	Description string
	Workspace   string
	Model       string
	AgentType   string
	Context     string
}

// PIDCallback is invoked by the executor as soon as its OS process
// starts, before any output exists.
type PIDCallback func(pid int)

// ProgressCallback is invoked periodically with free-text status; the
// text is appended to the task's activity log.
type ProgressCallback func(message string, outputLines int)

// Executor is the external completion/tool-execution process boundary.
// Execute blocks for the process's full lifetime and must invoke the
// pid callback before the first progress callback.
type Executor interface {
	Execute(ctx context.Context, req ExecRequest, onPID PIDCallback, onProgress ProgressCallback) (result string, err error)
}

// SubmitParams is the payload for a new task.
type SubmitParams struct {
	Owner       string
	Description string
	Workspace   string
	Model       string
	AgentType   string
	Workflow    string
	Context     string
	Priority    pool.Priority
}

// Orchestrator owns the task execution path.
type Orchestrator struct {
	store    *store.Store
	pool     *pool.Pool
	actors   *actorq.Queue
	branches *gitx.Manager
	executor Executor
	bus      *bus.Bus
	metrics  *otel.Metrics
	logger   *slog.Logger

	useWorktrees bool
	worktreeDir  string
}

// Options configures branch isolation behavior.
type Options struct {
	UseWorktrees bool
	WorktreeDir  string
}

func New(st *store.Store, p *pool.Pool, actors *actorq.Queue, branches *gitx.Manager,
	executor Executor, eventBus *bus.Bus, metrics *otel.Metrics, logger *slog.Logger, opts Options) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:        st,
		pool:         p,
		actors:       actors,
		branches:     branches,
		executor:     executor,
		bus:          eventBus,
		metrics:      metrics,
		logger:       logger,
		useWorktrees: opts.UseWorktrees,
		worktreeDir:  opts.WorktreeDir,
	}
}

// HandleInbound serializes an inbound event through the actor's queue.
// The handler runs with at most one in flight per actor; priority > 0
// jumps the actor's backlog.
func (o *Orchestrator) HandleInbound(ctx context.Context, actor string, payload any, handler actorq.Handler, priority int) {
	o.actors.Enqueue(ctx, actor, payload, handler, priority)
}

// SubmitTask creates a pending task and enqueues its job into the
// worker pool. Returns the new task.
func (o *Orchestrator) SubmitTask(ctx context.Context, p SubmitParams) (*store.Task, error) {
	task, err := o.store.CreateTask(ctx, store.CreateTaskParams{
		Owner:       p.Owner,
		Description: p.Description,
		Workspace:   p.Workspace,
		Model:       p.Model,
		AgentType:   p.AgentType,
		Workflow:    p.Workflow,
		Context:     p.Context,
	})
	if err != nil {
		return nil, fmt.Errorf("submit task: %w", err)
	}
	o.logger.Info("task submitted", "task_id", task.ID, "owner", p.Owner, "priority", int(p.Priority))

	taskID := task.ID
	o.pool.Submit(func(jobCtx context.Context) {
		o.runTask(jobCtx, taskID)
	}, p.Priority)

	return task, nil
}

// runTask is the job closure a pool worker executes: transition to
// running, isolate a branch, invoke the executor, then write the
// terminal state and merge or clean up.
func (o *Orchestrator) runTask(ctx context.Context, taskID string) {
	task, err := o.store.GetTask(ctx, taskID)
	if err != nil || task == nil {
		o.logger.Error("job: task vanished before start", "task_id", taskID, "error", err)
		return
	}
	if task.Status != store.StatusPending {
		// Reclaimed or swept while queued.
		o.logger.Warn("job: task no longer pending", "task_id", taskID, "status", string(task.Status))
		return
	}

	running := store.StatusRunning
	ok, err := o.store.UpdateTask(ctx, taskID, store.TaskUpdate{Status: &running})
	if err != nil || !ok {
		o.logger.Error("job: cannot mark running", "task_id", taskID, "error", err)
		return
	}

	workDir, cleanup, berr := o.isolate(ctx, taskID)
	if berr != nil {
		o.failTask(ctx, taskID, fmt.Sprintf("branch isolation: %v", berr))
		return
	}

	req := ExecRequest{
		TaskID:      taskID,
		Description: task.Description,
		Workspace:   task.Workspace,
		Model:       task.Model,
		AgentType:   task.AgentType,
		Context:     task.Context,
	}
	if workDir != "" {
		req.Workspace = workDir
	}

	onPID := func(pid int) {
		p := pid
		if _, err := o.store.UpdateTask(ctx, taskID, store.TaskUpdate{PID: &p}); err != nil {
			o.logger.Error("job: record pid", "task_id", taskID, "error", err)
		}
	}
	onProgress := func(message string, outputLines int) {
		if _, err := o.store.AppendActivity(ctx, taskID, message, outputLines); err != nil {
			o.logger.Error("job: append activity", "task_id", taskID, "error", err)
		}
	}

	start := time.Now()
	result, execErr := o.executor.Execute(ctx, req, onPID, onProgress)
	elapsed := time.Since(start)
	if o.metrics != nil {
		o.metrics.TaskDuration.Record(ctx, elapsed.Seconds())
	}

	if execErr != nil {
		o.failTask(ctx, taskID, execErr.Error())
		o.cleanupAfterFailure(ctx, taskID, cleanup)
		return
	}

	if merr := o.integrate(ctx, taskID, cleanup); merr != nil {
		reason := fmt.Sprintf("merge refused: %v", merr)
		o.failTask(ctx, taskID, reason)
		o.preserveBranch(taskID, reason)
		return
	}

	completed := store.StatusCompleted
	if _, err := o.store.UpdateTask(ctx, taskID, store.TaskUpdate{Status: &completed, Result: &result}); err != nil {
		o.logger.Error("job: mark completed", "task_id", taskID, "error", err)
		return
	}
	if o.metrics != nil {
		o.metrics.TasksComplete.Add(ctx, 1)
	}
	o.logger.Info("task completed", "task_id", taskID, "elapsed", elapsed.String())
}

// isolate creates the task branch or worktree. It returns the working
// directory the executor should use ("" means the shared repo) and a
// cleanup mode marker for the worktree variant.
func (o *Orchestrator) isolate(ctx context.Context, taskID string) (workDir string, worktree bool, err error) {
	if o.branches == nil {
		return "", false, nil
	}
	if o.useWorktrees {
		dir, err := o.branches.AddWorktree(ctx, taskID, o.worktreeDir)
		if err != nil {
			return "", false, err
		}
		return dir, true, nil
	}
	if _, err := o.branches.CreateBranch(ctx, taskID); err != nil {
		return "", false, err
	}
	return "", false, nil
}

// integrate merges the task branch back after a successful run. For
// worktrees the worktree record is detached first so the merge runs in
// the shared repo.
func (o *Orchestrator) integrate(ctx context.Context, taskID string, worktree bool) error {
	if o.branches == nil {
		return nil
	}
	if worktree {
		// Detach keeps the branch; the no-ff merge then runs in the
		// shared repo against a single working tree.
		if err := o.branches.DetachWorktree(ctx, o.worktreePath(taskID)); err != nil {
			return err
		}
	}
	return o.branches.MergeBranch(ctx, taskID)
}

// cleanupAfterFailure removes a failed task's branch. Force-delete only
// when the branch holds no mergeable work; otherwise it is preserved.
func (o *Orchestrator) cleanupAfterFailure(ctx context.Context, taskID string, worktree bool) {
	if o.branches == nil {
		return
	}
	branch := gitx.BranchName(taskID)
	unmerged, err := o.branches.HasUnmergedCommits(ctx, branch)
	if err != nil {
		o.logger.Warn("cleanup: unmerged check failed", "task_id", taskID, "error", err)
		return
	}
	if unmerged {
		o.preserveBranch(taskID, "failed task branch holds unmerged commits")
		return
	}
	if worktree {
		if err := o.branches.RemoveWorktree(ctx, taskID, o.worktreePath(taskID), true); err != nil {
			o.logger.Warn("cleanup: remove worktree", "task_id", taskID, "error", err)
		}
		return
	}
	if err := o.branches.CleanupBranch(ctx, taskID, true); err != nil {
		o.logger.Warn("cleanup: delete branch", "task_id", taskID, "error", err)
	}
}

func (o *Orchestrator) worktreePath(taskID string) string {
	return filepath.Join(o.worktreeDir, gitx.BranchName(taskID))
}

// preserveBranch reports a deliberately kept branch loudly.
func (o *Orchestrator) preserveBranch(taskID, reason string) {
	branch := gitx.BranchName(taskID)
	o.logger.Error("task branch preserved", "task_id", taskID, "branch", branch, "reason", reason)
	if o.bus != nil {
		o.bus.Publish(bus.TopicBranchPreserved, bus.BranchPreservedEvent{
			TaskID: taskID,
			Branch: branch,
			Reason: reason,
		})
	}
}

func (o *Orchestrator) failTask(ctx context.Context, taskID, reason string) {
	failed := store.StatusFailed
	if _, err := o.store.UpdateTask(ctx, taskID, store.TaskUpdate{Status: &failed, Error: &reason}); err != nil {
		o.logger.Error("job: mark failed", "task_id", taskID, "error", err)
		return
	}
	if o.metrics != nil {
		o.metrics.TasksFailed.Add(ctx, 1)
	}
	o.logger.Error("task failed", "task_id", taskID, "reason", reason)
}

// StopTask kills the task's process, if any, and transitions it to
// stopped with the given reason.
func (o *Orchestrator) StopTask(ctx context.Context, taskID, reason string) error {
	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task == nil {
		return fmt.Errorf("stop task: %s not found", taskID)
	}
	if task.Status.Terminal() {
		return nil
	}

	if task.PID > 0 {
		if proc, err := os.FindProcess(task.PID); err == nil {
			_ = proc.Signal(syscall.SIGKILL)
		}
	}

	if reason == "" {
		reason = "stopped by user"
	}
	stopped := store.StatusStopped
	ok, err := o.store.UpdateTask(ctx, taskID, store.TaskUpdate{Status: &stopped, Error: &reason})
	if err != nil {
		return fmt.Errorf("stop task %s: %w", taskID, err)
	}
	if !ok {
		return fmt.Errorf("stop task: %s vanished", taskID)
	}
	if o.metrics != nil {
		o.metrics.TasksStopped.Add(ctx, 1)
	}
	o.logger.Info("task stopped", "task_id", taskID, "pid", task.PID, "reason", reason)
	return nil
}

// RetryTask creates a brand-new task copying the original's payload
// and resubmits it at the given priority. The original's terminal
// state is untouched.
func (o *Orchestrator) RetryTask(ctx context.Context, taskID string, priority pool.Priority) (*store.Task, error) {
	fresh, err := o.store.RetryTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	freshID := fresh.ID
	o.pool.Submit(func(jobCtx context.Context) {
		o.runTask(jobCtx, freshID)
	}, priority)
	o.logger.Info("task retried", "original", taskID, "task_id", freshID)
	return fresh, nil
}
