package automation

import (
	"fmt"
	"log"
	"strings"

	"github.com/kagansh/kagan/pkg/models"
)

// commitTypeKeywords maps conventional-commit prefixes to title keywords.
var commitTypeKeywords = map[string][]string{
	"fix":  {"fix", "bug", "repair", "crash", "regression", "broken"},
	"docs": {"doc", "docs", "readme", "documentation", "comment"},
	"feat": {"add", "implement", "create", "support", "introduce", "feature", "new"},
}

// commitType infers a conventional-commit prefix from the task title.
func commitType(title string) string {
	lower := strings.ToLower(title)
	for _, kind := range []string{"fix", "docs", "feat"} {
		for _, keyword := range commitTypeKeywords[kind] {
			if strings.Contains(lower, keyword) {
				return kind
			}
		}
	}
	return "chore"
}

// commitMessage builds a type-prefixed commit message from the task.
func commitMessage(task *models.Task) string {
	return fmt.Sprintf("%s: %s", commitType(task.Title), task.Title)
}

// ensureCommitted commits any uncommitted changes in the worktree so the
// REVIEW transition, merge, or rebase never fails on a dirty tree. The
// agent usually commits its own work; this is the safety net when it
// signalled completion without doing so.
func (s *Service) ensureCommitted(worktree string, task *models.Task) error {
	dirty, err := s.workspace.HasUncommittedChanges(worktree)
	if err != nil {
		return fmt.Errorf("check worktree status: %w", err)
	}
	if !dirty {
		return nil
	}

	message := commitMessage(task)
	if err := s.workspace.CommitAll(worktree, message); err != nil {
		return fmt.Errorf("auto-commit: %w", err)
	}
	log.Printf("[automation] auto-committed leftover changes for task %s", task.ID)
	return nil
}
