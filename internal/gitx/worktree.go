package gitx

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// AddWorktree checks the task branch out into an isolated directory
// under baseDir so fully concurrent tasks never share a working tree.
// The branch is created from the integration branch if it does not
// exist. Returns the worktree path.
func (m *Manager) AddWorktree(ctx context.Context, taskID, baseDir string) (string, error) {
	branch := BranchName(taskID)
	dir := filepath.Join(baseDir, branch)

	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return "", fmt.Errorf("create worktree base: %w", err)
	}

	if !m.branchExists(ctx, branch) {
		if _, err := m.git(ctx, "branch", branch, m.integration); err != nil {
			return "", fmt.Errorf("create branch %s: %w", branch, err)
		}
	}

	if _, err := m.git(ctx, "worktree", "add", dir, branch); err != nil {
		return "", fmt.Errorf("add worktree %s: %w", dir, err)
	}
	m.logger.Info("added worktree", "branch", branch, "dir", dir)
	return dir, nil
}

// DetachWorktree removes the git-level worktree record and the on-disk
// directory without touching the branch. Used before merging a branch
// that was checked out in a worktree. Uncommitted changes in the
// worktree refuse the detach with ErrPolicyViolation; forcing the
// removal would destroy them.
func (m *Manager) DetachWorktree(ctx context.Context, dir string) error {
	out, err := m.git(ctx, "-C", dir, "status", "--porcelain")
	if err != nil {
		return fmt.Errorf("check worktree %s: %w", dir, err)
	}
	if out != "" {
		m.logger.Error("detach refused: worktree dirty", "dir", dir)
		return fmt.Errorf("detach worktree %s: %w", dir, ErrPolicyViolation)
	}
	if _, err := m.git(ctx, "worktree", "remove", "--force", dir); err != nil {
		return fmt.Errorf("detach worktree %s: %w", dir, err)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove worktree dir %s: %w", dir, err)
	}
	return nil
}

// RemoveWorktree detaches the worktree record, then removes the on-disk
// directory and the branch. The same unmerged-commit check as plain
// branch cleanup runs first unless force is set; directory removal is
// forced only after the git-level record is detached.
func (m *Manager) RemoveWorktree(ctx context.Context, taskID, dir string, force bool) error {
	branch := BranchName(taskID)

	if !force {
		unmerged, err := m.HasUnmergedCommits(ctx, branch)
		if err != nil {
			return err
		}
		if unmerged {
			m.logger.Warn("worktree removal refused: unmerged commits", "branch", branch, "dir", dir)
			return fmt.Errorf("remove worktree %s: %w", dir, ErrUnmergedCommits)
		}
	}

	if _, err := m.git(ctx, "worktree", "remove", "--force", dir); err != nil {
		m.logger.Warn("worktree remove failed", "dir", dir, "error", err)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove worktree dir %s: %w", dir, err)
	}

	if m.branchExists(ctx, branch) {
		flag := "-d"
		if force {
			flag = "-D"
		}
		if _, err := m.git(ctx, "branch", flag, branch); err != nil {
			m.logger.Warn("branch delete after worktree removal failed", "branch", branch, "error", err)
		}
	}
	m.logger.Info("removed worktree", "branch", branch, "dir", dir)
	return nil
}
