package gitx_test

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/feldspar/overseer/internal/gitx"
)

func gitOrSkip(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
}

func runGit(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v: %v\n%s", args, err, out)
	}
	return strings.TrimSpace(string(out))
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

// initRepo creates a repo with one commit on main.
func initRepo(t *testing.T) (*gitx.Manager, string) {
	t.Helper()
	gitOrSkip(t)
	dir := t.TempDir()
	runGit(t, dir, "init", "-q")
	runGit(t, dir, "config", "user.email", "test@example.com")
	runGit(t, dir, "config", "user.name", "Test")
	runGit(t, dir, "checkout", "-q", "-b", "main")
	writeFile(t, dir, "README.md", "hello\n")
	runGit(t, dir, "add", ".")
	runGit(t, dir, "commit", "-q", "-m", "initial")
	return gitx.New(nil, dir, "main"), dir
}

func currentBranch(t *testing.T, dir string) string {
	t.Helper()
	return runGit(t, dir, "rev-parse", "--abbrev-ref", "HEAD")
}

const taskID = "d3adbeef-0000-4000-8000-000000000000"

func TestBranchName(t *testing.T) {
	if got := gitx.BranchName(taskID); got != "task/d3adbeef" {
		t.Fatalf("BranchName = %q", got)
	}
}

func TestCreateBranch(t *testing.T) {
	mgr, dir := initRepo(t)
	ctx := context.Background()

	branch, err := mgr.CreateBranch(ctx, taskID)
	if err != nil {
		t.Fatalf("create branch: %v", err)
	}
	if branch != "task/d3adbeef" {
		t.Fatalf("branch = %q", branch)
	}
	if got := currentBranch(t, dir); got != branch {
		t.Fatalf("HEAD on %q after create", got)
	}

	// Name collision checks out the existing branch instead of failing.
	runGit(t, dir, "checkout", "-q", "main")
	branch2, err := mgr.CreateBranch(ctx, taskID)
	if err != nil {
		t.Fatalf("create existing branch: %v", err)
	}
	if branch2 != branch {
		t.Fatalf("collision branch = %q", branch2)
	}
	if got := currentBranch(t, dir); got != branch {
		t.Fatalf("HEAD on %q after collision checkout", got)
	}
}

func TestCreateBranchStashesDirtyTree(t *testing.T) {
	mgr, dir := initRepo(t)
	ctx := context.Background()

	writeFile(t, dir, "scratch.txt", "uncommitted\n")
	if _, err := mgr.CreateBranch(ctx, taskID); err != nil {
		t.Fatalf("create branch on dirty tree: %v", err)
	}

	if out := runGit(t, dir, "status", "--porcelain"); out != "" {
		t.Fatalf("tree still dirty after stash:\n%s", out)
	}
	if out := runGit(t, dir, "stash", "list"); !strings.Contains(out, taskID) {
		t.Fatalf("stash missing task tag:\n%s", out)
	}
}

func TestMergeBranch(t *testing.T) {
	mgr, dir := initRepo(t)
	ctx := context.Background()

	if _, err := mgr.CreateBranch(ctx, taskID); err != nil {
		t.Fatalf("create: %v", err)
	}
	writeFile(t, dir, "work.txt", "task output\n")
	runGit(t, dir, "add", ".")
	runGit(t, dir, "commit", "-q", "-m", "task work")

	if err := mgr.MergeBranch(ctx, taskID); err != nil {
		t.Fatalf("merge: %v", err)
	}
	if got := currentBranch(t, dir); got != "main" {
		t.Fatalf("HEAD on %q after merge", got)
	}
	if _, err := os.Stat(filepath.Join(dir, "work.txt")); err != nil {
		t.Fatalf("merged file missing: %v", err)
	}
	if out := runGit(t, dir, "branch", "--list", "task/d3adbeef"); out != "" {
		t.Fatalf("task branch survived merge: %q", out)
	}
	// History-preserving merge leaves a merge commit.
	subject := runGit(t, dir, "log", "-1", "--pretty=%s")
	if !strings.Contains(subject, taskID) {
		t.Fatalf("merge commit subject = %q", subject)
	}
}

func TestMergeBranchRefusesDirtyTree(t *testing.T) {
	mgr, dir := initRepo(t)
	ctx := context.Background()

	if _, err := mgr.CreateBranch(ctx, taskID); err != nil {
		t.Fatalf("create: %v", err)
	}
	writeFile(t, dir, "work.txt", "committed\n")
	runGit(t, dir, "add", ".")
	runGit(t, dir, "commit", "-q", "-m", "task work")
	writeFile(t, dir, "leftover.txt", "uncommitted\n")

	// Repeated attempts behave identically and never delete the branch.
	for i := 0; i < 2; i++ {
		err := mgr.MergeBranch(ctx, taskID)
		if !errors.Is(err, gitx.ErrPolicyViolation) {
			t.Fatalf("attempt %d: err = %v, want ErrPolicyViolation", i, err)
		}
		if out := runGit(t, dir, "branch", "--list", "task/d3adbeef"); out == "" {
			t.Fatalf("attempt %d: branch deleted despite refusal", i)
		}
	}
}

func TestMergeBranchConflictPreservesBranch(t *testing.T) {
	mgr, dir := initRepo(t)
	ctx := context.Background()

	if _, err := mgr.CreateBranch(ctx, taskID); err != nil {
		t.Fatalf("create: %v", err)
	}
	writeFile(t, dir, "README.md", "task version\n")
	runGit(t, dir, "add", ".")
	runGit(t, dir, "commit", "-q", "-m", "task edit")

	runGit(t, dir, "checkout", "-q", "main")
	writeFile(t, dir, "README.md", "main version\n")
	runGit(t, dir, "add", ".")
	runGit(t, dir, "commit", "-q", "-m", "main edit")
	mainHead := runGit(t, dir, "rev-parse", "HEAD")

	err := mgr.MergeBranch(ctx, taskID)
	if !errors.Is(err, gitx.ErrMergeConflict) {
		t.Fatalf("err = %v, want ErrMergeConflict", err)
	}
	// Aborted merge leaves main untouched and the branch intact.
	if head := runGit(t, dir, "rev-parse", "HEAD"); head != mainHead {
		t.Fatal("main moved despite aborted merge")
	}
	if out := runGit(t, dir, "status", "--porcelain"); out != "" {
		t.Fatalf("conflict residue left behind:\n%s", out)
	}
	if out := runGit(t, dir, "branch", "--list", "task/d3adbeef"); out == "" {
		t.Fatal("branch deleted despite conflict")
	}
}

func TestCleanupBranch(t *testing.T) {
	mgr, dir := initRepo(t)
	ctx := context.Background()

	if _, err := mgr.CreateBranch(ctx, taskID); err != nil {
		t.Fatalf("create: %v", err)
	}
	writeFile(t, dir, "work.txt", "unmerged\n")
	runGit(t, dir, "add", ".")
	runGit(t, dir, "commit", "-q", "-m", "unmerged work")

	err := mgr.CleanupBranch(ctx, taskID, false)
	if !errors.Is(err, gitx.ErrUnmergedCommits) {
		t.Fatalf("err = %v, want ErrUnmergedCommits", err)
	}
	if out := runGit(t, dir, "branch", "--list", "task/d3adbeef"); out == "" {
		t.Fatal("non-force cleanup deleted branch with unmerged commits")
	}

	if err := mgr.CleanupBranch(ctx, taskID, true); err != nil {
		t.Fatalf("force cleanup: %v", err)
	}
	if out := runGit(t, dir, "branch", "--list", "task/d3adbeef"); out != "" {
		t.Fatalf("branch survived force cleanup: %q", out)
	}

	// Cleaning a branch that is already gone is not an error.
	if err := mgr.CleanupBranch(ctx, taskID, false); err != nil {
		t.Fatalf("cleanup of missing branch: %v", err)
	}
}

func TestCleanupBranchNoCommits(t *testing.T) {
	mgr, dir := initRepo(t)
	ctx := context.Background()

	if _, err := mgr.CreateBranch(ctx, taskID); err != nil {
		t.Fatalf("create: %v", err)
	}
	// Nothing committed on the branch, so plain deletion is safe.
	if err := mgr.CleanupBranch(ctx, taskID, false); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if out := runGit(t, dir, "branch", "--list", "task/d3adbeef"); out != "" {
		t.Fatalf("branch survived cleanup: %q", out)
	}
}
