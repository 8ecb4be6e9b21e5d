// Package gitx gives each task its own git branch (or worktree) so
// concurrent tasks never collide on working-directory state, and
// guarantees that committed-but-unmerged work is never silently
// discarded.
package gitx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// ErrPolicyViolation is returned when a merge is refused because the
// working tree holds uncommitted changes. An executor that leaves
// uncommitted work has violated the commit contract; the branch is
// preserved for manual recovery.
var ErrPolicyViolation = errors.New("uncommitted changes present; merge refused")

// ErrMergeConflict is returned when a merge conflicts. The merge is
// aborted, the target branch is untouched, and the task branch is kept.
var ErrMergeConflict = errors.New("merge conflict; branch preserved")

// ErrUnmergedCommits is returned when a non-force cleanup would delete
// a branch that still holds work not on the integration branch.
var ErrUnmergedCommits = errors.New("branch has unmerged commits; refusing cleanup")

// Manager runs git against a single repository. All operations shell
// out to the git binary.
type Manager struct {
	logger      *slog.Logger
	repo        string
	integration string
}

// New creates a manager for the repository at repoPath. integration is
// the branch task branches are cut from and merged back into.
func New(logger *slog.Logger, repoPath, integration string) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if integration == "" {
		integration = "main"
	}
	return &Manager{logger: logger, repo: repoPath, integration: integration}
}

// BranchName derives the deterministic branch name for a task.
func BranchName(taskID string) string {
	id := strings.ReplaceAll(taskID, "-", "")
	if len(id) > 8 {
		id = id[:8]
	}
	return "task/" + id
}

// git runs one git command in the repository and returns its combined
// output trimmed.
func (m *Manager) git(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = m.repo
	out, err := cmd.CombinedOutput()
	text := strings.TrimSpace(string(out))
	if err != nil {
		return text, fmt.Errorf("git %s: %w: %s", args[0], err, text)
	}
	return text, nil
}

// hasUncommittedChanges reports whether the working tree is dirty,
// including untracked files.
func (m *Manager) hasUncommittedChanges(ctx context.Context) (bool, error) {
	out, err := m.git(ctx, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return out != "", nil
}

// branchExists checks for a local branch by name.
func (m *Manager) branchExists(ctx context.Context, branch string) bool {
	_, err := m.git(ctx, "rev-parse", "--verify", "--quiet", "refs/heads/"+branch)
	return err == nil
}

// HasUnmergedCommits reports whether branch holds commits not reachable
// from the integration branch.
func (m *Manager) HasUnmergedCommits(ctx context.Context, branch string) (bool, error) {
	out, err := m.git(ctx, "rev-list", "--count", m.integration+".."+branch)
	if err != nil {
		return false, err
	}
	return out != "" && out != "0", nil
}

// CreateBranch stashes any uncommitted changes with a task-tagged
// message, then creates and checks out the task branch from the
// integration branch head. On a name collision it checks out the
// existing branch instead of failing. Returns the branch name.
func (m *Manager) CreateBranch(ctx context.Context, taskID string) (string, error) {
	branch := BranchName(taskID)

	dirty, err := m.hasUncommittedChanges(ctx)
	if err != nil {
		return "", err
	}
	if dirty {
		msg := fmt.Sprintf("overseer: auto-stash before task %s", taskID)
		if _, err := m.git(ctx, "stash", "push", "--include-untracked", "-m", msg); err != nil {
			return "", fmt.Errorf("stash before branch: %w", err)
		}
		m.logger.Info("stashed uncommitted changes", "task_id", taskID)
	}

	if m.branchExists(ctx, branch) {
		if _, err := m.git(ctx, "checkout", branch); err != nil {
			return "", fmt.Errorf("checkout existing branch %s: %w", branch, err)
		}
		m.logger.Info("reusing existing task branch", "branch", branch)
		return branch, nil
	}

	if _, err := m.git(ctx, "checkout", "-b", branch, m.integration); err != nil {
		return "", fmt.Errorf("create branch %s: %w", branch, err)
	}
	m.logger.Info("created task branch", "branch", branch, "from", m.integration)
	return branch, nil
}

// MergeBranch merges the task branch into the integration branch with
// a no-fast-forward merge, then deletes the task branch. Uncommitted
// changes at merge time refuse the merge outright with
// ErrPolicyViolation. A conflict aborts the merge, leaves the
// integration branch untouched, and keeps the task branch.
func (m *Manager) MergeBranch(ctx context.Context, taskID string) error {
	branch := BranchName(taskID)

	dirty, err := m.hasUncommittedChanges(ctx)
	if err != nil {
		return err
	}
	if dirty {
		m.logger.Error("merge refused: working tree dirty", "branch", branch, "task_id", taskID)
		return fmt.Errorf("merge %s: %w", branch, ErrPolicyViolation)
	}

	if _, err := m.git(ctx, "checkout", m.integration); err != nil {
		return fmt.Errorf("checkout %s: %w", m.integration, err)
	}

	msg := fmt.Sprintf("overseer: merge task %s", taskID)
	if _, err := m.git(ctx, "merge", "--no-ff", "-m", msg, branch); err != nil {
		if _, abortErr := m.git(ctx, "merge", "--abort"); abortErr != nil {
			m.logger.Warn("merge abort failed", "branch", branch, "error", abortErr)
		}
		m.logger.Error("merge conflict", "branch", branch, "task_id", taskID)
		return fmt.Errorf("merge %s: %w", branch, ErrMergeConflict)
	}

	if _, err := m.git(ctx, "branch", "-d", branch); err != nil {
		m.logger.Warn("branch delete after merge failed", "branch", branch, "error", err)
	}
	m.logger.Info("merged task branch", "branch", branch, "into", m.integration)
	return nil
}

// CleanupBranch removes a failed or stopped task's branch. Non-force
// cleanup refuses when the branch holds commits not on the integration
// branch. Force deletion is for branches known to have produced no
// mergeable work.
func (m *Manager) CleanupBranch(ctx context.Context, taskID string, force bool) error {
	branch := BranchName(taskID)
	if !m.branchExists(ctx, branch) {
		return nil
	}

	if !force {
		unmerged, err := m.HasUnmergedCommits(ctx, branch)
		if err != nil {
			return err
		}
		if unmerged {
			m.logger.Warn("cleanup refused: unmerged commits", "branch", branch)
			return fmt.Errorf("cleanup %s: %w", branch, ErrUnmergedCommits)
		}
	}

	if _, err := m.git(ctx, "checkout", m.integration); err != nil {
		return fmt.Errorf("checkout %s: %w", m.integration, err)
	}

	flag := "-d"
	if force {
		flag = "-D"
	}
	if _, err := m.git(ctx, "branch", flag, branch); err != nil {
		return fmt.Errorf("delete branch %s: %w", branch, err)
	}
	m.logger.Info("cleaned up task branch", "branch", branch, "force", force)
	return nil
}
