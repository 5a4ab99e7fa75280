package git

import (
	"fmt"
	"os/exec"
	"strings"
)

// ExecRunner implements Runner using exec.Command.
type ExecRunner struct {
	dir string
}

// NewRunner creates a new git runner bound to the given directory.
func NewRunner(dir string) *ExecRunner {
	return &ExecRunner{dir: dir}
}

// run executes a git command and returns its trimmed output.
func (r *ExecRunner) run(args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = r.dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, string(out))
	}
	return strings.TrimSpace(string(out)), nil
}

// runSilent executes a git command and ignores output.
func (r *ExecRunner) runSilent(args ...string) error {
	cmd := exec.Command("git", args...)
	cmd.Dir = r.dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, string(out))
	}
	return nil
}

// Run executes an arbitrary git command with the given arguments.
func (r *ExecRunner) Run(args ...string) (string, error) {
	return r.run(args...)
}

// IsRepository returns true if the directory is inside a git work tree.
func (r *ExecRunner) IsRepository() bool {
	out, err := r.run("rev-parse", "--is-inside-work-tree")
	return err == nil && out == "true"
}

// CurrentBranch returns the name of the current branch.
func (r *ExecRunner) CurrentBranch() (string, error) {
	return r.run("rev-parse", "--abbrev-ref", "HEAD")
}

// CheckoutBranch switches to the specified branch.
func (r *ExecRunner) CheckoutBranch(name string) error {
	return r.runSilent("checkout", name)
}

// BranchExists returns true if the branch exists.
func (r *ExecRunner) BranchExists(name string) (bool, error) {
	cmd := exec.Command("git", "show-ref", "--verify", "--quiet", "refs/heads/"+name)
	cmd.Dir = r.dir
	err := cmd.Run()
	if err != nil {
		// Exit code 1 means the branch doesn't exist (not an error).
		if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
			return false, nil
		}
		return false, fmt.Errorf("check branch exists: %w", err)
	}
	return true, nil
}

// DeleteBranch deletes the specified branch.
func (r *ExecRunner) DeleteBranch(name string) error {
	return r.runSilent("branch", "-D", name)
}

// Status returns the output of git status --porcelain.
func (r *ExecRunner) Status() (string, error) {
	return r.run("status", "--porcelain")
}

// HasChanges returns true if there are uncommitted changes.
func (r *ExecRunner) HasChanges() (bool, error) {
	status, err := r.Status()
	if err != nil {
		return false, err
	}
	return len(status) > 0, nil
}

// DiffStat returns the diff --stat summary between two refs.
func (r *ExecRunner) DiffStat(ref1, ref2 string) (string, error) {
	return r.run("diff", "--stat", ref1+"..."+ref2)
}

// ChangedFilesRelative returns files changed on a branch relative to another.
func (r *ExecRunner) ChangedFilesRelative(branch, relativeTo string) ([]string, error) {
	out, err := r.run("diff", "--name-only", relativeTo+"..."+branch)
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// ConflictedFiles returns a list of files with unmerged changes.
func (r *ExecRunner) ConflictedFiles() ([]string, error) {
	out, err := r.run("diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, nil
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// Log returns the one-line commit log for base..head.
func (r *ExecRunner) Log(base, head string) (string, error) {
	return r.run("log", "--oneline", base+".."+head)
}

// AddAll stages all changes for commit.
func (r *ExecRunner) AddAll() error {
	return r.runSilent("add", "-A")
}

// Commit creates a new commit with the given message.
func (r *ExecRunner) Commit(message string) error {
	return r.runSilent("commit", "-m", message)
}

// MergeNoFFMessage merges the specified branch with --no-ff and a custom message.
func (r *ExecRunner) MergeNoFFMessage(branch, message string) error {
	return r.runSilent("merge", "--no-ff", "-m", message, branch)
}

// MergeAbort aborts an in-progress merge.
func (r *ExecRunner) MergeAbort() error {
	return r.runSilent("merge", "--abort")
}

// Rebase rebases the current branch onto the specified base.
func (r *ExecRunner) Rebase(base string) error {
	return r.runSilent("rebase", base)
}

// RebaseAbort aborts an in-progress rebase.
func (r *ExecRunner) RebaseAbort() error {
	return r.runSilent("rebase", "--abort")
}

// WorktreeAddNewBranchFrom creates a worktree with a new branch rooted at start.
func (r *ExecRunner) WorktreeAddNewBranchFrom(path, branch, start string) error {
	return r.runSilent("worktree", "add", "-b", branch, path, start)
}

// WorktreeRemove force-removes the worktree at the given path.
func (r *ExecRunner) WorktreeRemove(path string) error {
	return r.runSilent("worktree", "remove", "--force", path)
}

// WorktreeUnlock unlocks a locked worktree.
func (r *ExecRunner) WorktreeUnlock(path string) error {
	return r.runSilent("worktree", "unlock", path)
}

// WorktreeListPorcelain returns the raw porcelain output for detailed parsing.
func (r *ExecRunner) WorktreeListPorcelain() (string, error) {
	return r.run("worktree", "list", "--porcelain")
}

// WorktreePruneExpireNow prunes worktrees with --expire now.
func (r *ExecRunner) WorktreePruneExpireNow() error {
	return r.runSilent("worktree", "prune", "--expire", "now")
}

// UserName returns the configured user.name, or "" if unset.
func (r *ExecRunner) UserName() (string, error) {
	out, err := r.run("config", "user.name")
	if err != nil {
		// git config exits 1 when the key is unset.
		return "", nil
	}
	return out, nil
}

// UserEmail returns the configured user.email, or "" if unset.
func (r *ExecRunner) UserEmail() (string, error) {
	out, err := r.run("config", "user.email")
	if err != nil {
		return "", nil
	}
	return out, nil
}

// Verify ExecRunner implements Runner at compile time.
var _ Runner = (*ExecRunner)(nil)
