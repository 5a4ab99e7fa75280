// Package git provides an interface for git operations.
package git

// BranchOperations defines the interface for git branch operations.
type BranchOperations interface {
	// CurrentBranch returns the name of the current branch.
	CurrentBranch() (string, error)
	// CheckoutBranch switches to the specified branch.
	CheckoutBranch(name string) error
	// BranchExists returns true if the branch exists.
	BranchExists(name string) (bool, error)
	// DeleteBranch deletes the specified branch (force delete).
	DeleteBranch(name string) error
}

// DiffOperations defines the interface for git diff and status operations.
type DiffOperations interface {
	// Status returns the output of git status --porcelain.
	Status() (string, error)
	// HasChanges returns true if there are uncommitted changes.
	HasChanges() (bool, error)
	// DiffStat returns the diff --stat summary between two refs.
	DiffStat(ref1, ref2 string) (string, error)
	// ChangedFilesRelative returns files changed on a branch relative to
	// another. Uses the triple-dot diff (relativeTo...branch).
	ChangedFilesRelative(branch, relativeTo string) ([]string, error)
	// ConflictedFiles returns a list of files with unmerged changes.
	ConflictedFiles() ([]string, error)
	// Log returns the one-line commit log for base..head.
	Log(base, head string) (string, error)
}

// CommitOperations defines the interface for git commit operations.
type CommitOperations interface {
	// AddAll stages all changes for commit.
	AddAll() error
	// Commit creates a new commit with the given message.
	Commit(message string) error
}

// MergeOperations defines the interface for git merge and rebase operations.
type MergeOperations interface {
	// MergeNoFFMessage merges the specified branch with --no-ff and a custom message.
	MergeNoFFMessage(branch, message string) error
	// MergeAbort aborts an in-progress merge.
	MergeAbort() error
	// Rebase rebases the current branch onto the specified base.
	Rebase(base string) error
	// RebaseAbort aborts an in-progress rebase.
	RebaseAbort() error
}

// WorktreeOperations defines the interface for git worktree operations.
type WorktreeOperations interface {
	// WorktreeAddNewBranchFrom creates a worktree with a new branch rooted
	// at the given start point (git worktree add -b branch path start).
	WorktreeAddNewBranchFrom(path, branch, start string) error
	// WorktreeRemove force-removes the worktree at the given path.
	WorktreeRemove(path string) error
	// WorktreeUnlock unlocks a locked worktree.
	WorktreeUnlock(path string) error
	// WorktreeListPorcelain returns the raw porcelain output for detailed parsing.
	WorktreeListPorcelain() (string, error)
	// WorktreePruneExpireNow prunes worktrees with --expire now.
	WorktreePruneExpireNow() error
}

// IdentityOperations defines the interface for reading the configured user.
type IdentityOperations interface {
	// UserName returns the configured user.name, or "" if unset.
	UserName() (string, error)
	// UserEmail returns the configured user.email, or "" if unset.
	UserEmail() (string, error)
}

// Runner defines the complete interface for git operations against one
// working directory. Consumers should prefer the focused interfaces.
type Runner interface {
	BranchOperations
	DiffOperations
	CommitOperations
	MergeOperations
	WorktreeOperations
	IdentityOperations
	// IsRepository returns true if the directory is inside a git work tree.
	IsRepository() bool
	// Run executes an arbitrary git command with the given arguments.
	Run(args ...string) (string, error)
}

// RunnerFactory creates a Runner bound to a directory. It exists so that
// workspace code operating on per-task worktrees can be tested without git.
type RunnerFactory func(dir string) Runner
