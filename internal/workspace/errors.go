package workspace

import "fmt"

// ValidationError indicates the workspace request was invalid before any git
// operation ran: no repository configured, unknown project, bad base branch.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

// NewValidationError creates a ValidationError with a formatted reason.
func NewValidationError(format string, args ...any) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// GitError indicates a fatal git failure: the directory is not a repository
// or a plumbing command failed in a way the core cannot recover from.
type GitError struct {
	Op  string
	Err error
}

func (e *GitError) Error() string {
	return fmt.Sprintf("git %s: %v", e.Op, e.Err)
}

func (e *GitError) Unwrap() error {
	return e.Err
}
