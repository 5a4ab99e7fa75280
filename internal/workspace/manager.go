// Package workspace manages per-task git worktrees for agent isolation.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/kagansh/kagan/internal/git"
)

// branchPrefix is the namespace for task branches created by Kagan.
const branchPrefix = "kagan/task-"

// RebaseResult reports the outcome of rebasing a task branch onto its base.
type RebaseResult struct {
	// Success is true if the rebase completed cleanly.
	Success bool
	// Message describes the outcome, including the git error on failure.
	Message string
	// ConflictFiles lists unmerged files when the rebase stopped on conflicts.
	ConflictFiles []string
}

// Service is the workspace contract the automation core depends on.
type Service interface {
	// GetPath returns the worktree path for a task, or "" if none exists.
	GetPath(taskID string) string
	// Create provisions a worktree for the task rooted at baseBranch.
	Create(taskID, baseBranch string) (string, error)
	// Delete removes the task's worktree and branch.
	Delete(taskID string) error
	// GetCommitLog returns the one-line log of task commits not on base.
	GetCommitLog(taskID, base string) (string, error)
	// GetDiffStats returns the diff --stat summary against base.
	GetDiffStats(taskID, base string) (string, error)
	// GetFilesChangedOnBase lists files changed on base since the task branched.
	GetFilesChangedOnBase(taskID, base string) ([]string, error)
	// RebaseOntoBase rebases the task branch onto the latest base. On
	// conflict the rebase is left stopped for the agent to resolve.
	RebaseOntoBase(taskID, base string) RebaseResult
	// MergeToBase merges the task branch into base with a merge commit.
	MergeToBase(taskID, base, message string) error
	// HasUncommittedChanges reports whether the worktree at path is dirty.
	HasUncommittedChanges(path string) (bool, error)
	// CommitAll stages and commits everything in the worktree at path.
	CommitAll(path, message string) error
	// UserIdentity returns the configured git (name, email).
	UserIdentity() (string, string)
}

// Manager implements Service on top of git worktrees under a base directory.
type Manager struct {
	repoPath    string
	worktreeDir string
	repo        git.Runner
	newRunner   git.RunnerFactory
	mu          sync.Mutex
}

// NewManager creates a workspace manager for the repository at repoPath.
// Worktrees are created under worktreeDir.
func NewManager(repoPath, worktreeDir string) (*Manager, error) {
	return NewManagerWithFactory(repoPath, worktreeDir, func(dir string) git.Runner {
		return git.NewRunner(dir)
	})
}

// NewManagerWithFactory creates a Manager with a custom runner factory (for testing).
func NewManagerWithFactory(repoPath, worktreeDir string, factory git.RunnerFactory) (*Manager, error) {
	if repoPath == "" {
		return nil, NewValidationError("no repository configured")
	}
	if err := os.MkdirAll(worktreeDir, 0755); err != nil {
		return nil, fmt.Errorf("create worktree base directory: %w", err)
	}

	return &Manager{
		repoPath:    repoPath,
		worktreeDir: worktreeDir,
		repo:        factory(repoPath),
		newRunner:   factory,
	}, nil
}

// BranchName returns the task branch name for a task id.
func BranchName(taskID string) string {
	return branchPrefix + taskID
}

// taskPath returns the worktree path for a task id.
func (m *Manager) taskPath(taskID string) string {
	return filepath.Join(m.worktreeDir, "task-"+taskID)
}

// GetPath returns the worktree path for a task, or "" if none exists.
func (m *Manager) GetPath(taskID string) string {
	path := m.taskPath(taskID)
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		return path
	}
	return ""
}

// Create provisions a worktree for the task rooted at baseBranch.
func (m *Manager) Create(taskID, baseBranch string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if taskID == "" {
		return "", NewValidationError("task id is empty")
	}
	if baseBranch == "" {
		return "", NewValidationError("no base branch configured")
	}
	if !m.repo.IsRepository() {
		return "", &GitError{Op: "worktree add", Err: fmt.Errorf("%s is not a git repository", m.repoPath)}
	}

	exists, err := m.repo.BranchExists(baseBranch)
	if err != nil {
		return "", &GitError{Op: "branch check", Err: err}
	}
	if !exists {
		return "", NewValidationError("base branch %q does not exist", baseBranch)
	}

	path := m.taskPath(taskID)
	branch := BranchName(taskID)
	if err := m.repo.WorktreeAddNewBranchFrom(path, branch, baseBranch); err != nil {
		return "", &GitError{Op: "worktree add", Err: err}
	}

	return path, nil
}

// Delete removes the task's worktree and branch.
func (m *Manager) Delete(taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	path := m.taskPath(taskID)
	_ = m.repo.WorktreeUnlock(path)
	if err := m.repo.WorktreeRemove(path); err != nil {
		if err := os.RemoveAll(path); err != nil {
			return fmt.Errorf("remove worktree: %w", err)
		}
	}
	_ = m.repo.DeleteBranch(BranchName(taskID))
	_ = m.repo.WorktreePruneExpireNow()
	return nil
}

// GetCommitLog returns the one-line log of task commits not on base.
func (m *Manager) GetCommitLog(taskID, base string) (string, error) {
	return m.repo.Log(base, BranchName(taskID))
}

// GetDiffStats returns the diff --stat summary against base.
func (m *Manager) GetDiffStats(taskID, base string) (string, error) {
	return m.repo.DiffStat(base, BranchName(taskID))
}

// GetFilesChangedOnBase lists files changed on base since the task branched.
func (m *Manager) GetFilesChangedOnBase(taskID, base string) ([]string, error) {
	return m.repo.ChangedFilesRelative(base, BranchName(taskID))
}

// RebaseOntoBase rebases the task branch onto the latest base.
// On conflict the rebase is left stopped so the agent can resolve it.
func (m *Manager) RebaseOntoBase(taskID, base string) RebaseResult {
	path := m.GetPath(taskID)
	if path == "" {
		return RebaseResult{Message: fmt.Sprintf("no worktree for task %s", taskID)}
	}

	wt := m.newRunner(path)
	if err := wt.Rebase(base); err != nil {
		conflicts, _ := wt.ConflictedFiles()
		return RebaseResult{
			Message:       fmt.Sprintf("rebase onto %s stopped: %v", base, err),
			ConflictFiles: conflicts,
		}
	}

	return RebaseResult{Success: true, Message: fmt.Sprintf("rebased onto %s", base)}
}

// MergeToBase merges the task branch into base with a merge commit.
// The repository HEAD is moved to base for the merge; callers serialize
// merges through the automation core's merge lock.
func (m *Manager) MergeToBase(taskID, base, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.repo.CheckoutBranch(base); err != nil {
		return &GitError{Op: "checkout " + base, Err: err}
	}

	if err := m.repo.MergeNoFFMessage(BranchName(taskID), message); err != nil {
		conflicts, _ := m.repo.ConflictedFiles()
		_ = m.repo.MergeAbort()
		if len(conflicts) > 0 {
			return fmt.Errorf("merge conflict in %s: %w", strings.Join(conflicts, ", "), err)
		}
		return fmt.Errorf("merge failed: %w", err)
	}

	return nil
}

// HasUncommittedChanges reports whether the worktree at path is dirty.
func (m *Manager) HasUncommittedChanges(path string) (bool, error) {
	return m.newRunner(path).HasChanges()
}

// CommitAll stages and commits everything in the worktree at path.
func (m *Manager) CommitAll(path, message string) error {
	wt := m.newRunner(path)
	if err := wt.AddAll(); err != nil {
		return fmt.Errorf("stage changes: %w", err)
	}
	if err := wt.Commit(message); err != nil {
		return fmt.Errorf("commit changes: %w", err)
	}
	return nil
}

// UserIdentity returns the configured git (name, email).
func (m *Manager) UserIdentity() (string, string) {
	name, _ := m.repo.UserName()
	email, _ := m.repo.UserEmail()
	return name, email
}

// CleanupOrphans removes task worktrees with no entry in activeTasks.
// Returns the count of removed worktrees. Called at core startup to
// recover from crashes.
func (m *Manager) CleanupOrphans(activeTasks []string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	output, err := m.repo.WorktreeListPorcelain()
	if err != nil {
		return 0, fmt.Errorf("list worktrees: %w", err)
	}

	active := make(map[string]bool)
	for _, id := range activeTasks {
		active[id] = true
	}

	removed := 0
	for _, path := range parseWorktreePaths(output) {
		if path == m.repoPath {
			continue
		}
		// Only touch worktrees under our base directory.
		if !strings.HasPrefix(path, m.worktreeDir+string(filepath.Separator)) {
			continue
		}
		taskID := strings.TrimPrefix(filepath.Base(path), "task-")
		if active[taskID] {
			continue
		}

		_ = m.repo.WorktreeUnlock(path)
		if err := m.repo.WorktreeRemove(path); err != nil {
			if err := os.RemoveAll(path); err != nil {
				continue
			}
		}
		removed++
	}

	_ = m.repo.WorktreePruneExpireNow()
	return removed, nil
}

// parseWorktreePaths extracts worktree paths from porcelain list output.
func parseWorktreePaths(output string) []string {
	var paths []string
	for _, line := range strings.Split(output, "\n") {
		if strings.HasPrefix(line, "worktree ") {
			paths = append(paths, strings.TrimPrefix(line, "worktree "))
		}
	}
	return paths
}

// Verify Manager implements Service at compile time.
var _ Service = (*Manager)(nil)
