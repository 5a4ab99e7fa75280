package automation

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/kagansh/kagan/pkg/models"
)

// maxMergeErrorChars caps the merge error stored on the task.
const maxMergeErrorChars = 500

// autoMerge attempts to merge an approved task into its base branch. All
// exits release the merge lock. On a conflict with retry enabled the task
// is rebased and re-queued through the run loop.
func (s *Service) autoMerge(ctx context.Context, taskID, worktree string) {
	s.mergeMu.Lock()
	defer s.mergeMu.Unlock()

	task, err := s.tasks.GetTask(taskID)
	if err != nil || task == nil {
		log.Printf("[automation] auto-merge: task %s unavailable: %v", taskID, err)
		return
	}

	if s.workspace == nil {
		s.recordMergeFailure(taskID, "Auto-merge unavailable")
		return
	}

	base := task.BaseBranch
	if base == "" {
		base = s.cfg.Git.DefaultBaseBranch
	}

	// The worktree must be clean before touching the base branch.
	if worktree != "" {
		if err := s.ensureCommitted(worktree, task); err != nil {
			log.Printf("[automation] auto-commit before merge for %s: %v", taskID, err)
		}
	}

	message := fmt.Sprintf("%s (task %s)", commitMessage(task), taskID)
	if err := s.workspace.MergeToBase(taskID, base, message); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "conflict") && s.cfg.Automation.AutoRetryOnMergeConflict {
			s.retryMergeConflict(task, base, err)
			return
		}
		s.recordMergeFailure(taskID, truncate(err.Error(), maxMergeErrorChars))
		return
	}

	if err := s.tasks.SetStatus(taskID, models.StatusDone); err != nil {
		log.Printf("[automation] mark %s done: %v", taskID, err)
	} else {
		s.publishStatus(taskID, statusPtr(models.StatusReview), statusPtr(models.StatusDone))
	}
	if err := s.tasks.AppendEvent(taskID, "merge", "merged to "+base); err != nil {
		log.Printf("[automation] append merge event for %s: %v", taskID, err)
	}
	s.notify(fmt.Sprintf("Task %s merged to %s", taskID, base), "Merge complete", SeverityInfo)
	log.Printf("[automation] task %s merged to %s", taskID, base)
}

// recordMergeFailure marks the task's merge as blocked. The task stays in
// REVIEW for the user to resolve.
func (s *Service) recordMergeFailure(taskID, message string) {
	if err := s.tasks.UpdateFields(taskID, map[string]any{
		"merge_failed":    true,
		"merge_error":     message,
		"merge_readiness": string(models.ReadinessBlocked),
	}); err != nil {
		log.Printf("[automation] record merge failure for %s: %v", taskID, err)
	}
	if err := s.tasks.AppendEvent(taskID, "merge", "merge failed: "+truncate(message, 200)); err != nil {
		log.Printf("[automation] append merge event for %s: %v", taskID, err)
	}
	s.notify(message, fmt.Sprintf("Task %s merge failed", taskID), SeverityError)
}

// retryMergeConflict recovers from a merge conflict: rebase the task branch
// onto the latest base (leaving conflicts stopped in the worktree for the
// agent), annotate the scratchpad with what happened, and send the task
// back through the run loop.
func (s *Service) retryMergeConflict(task *models.Task, base string, mergeErr error) {
	worktree := s.workspace.GetPath(task.ID)
	if worktree == "" {
		s.recordMergeFailure(task.ID, fmt.Sprintf("merge conflict and no worktree to rebase: %v", truncate(mergeErr.Error(), 200)))
		return
	}

	changedOnBase, err := s.workspace.GetFilesChangedOnBase(task.ID, base)
	if err != nil {
		log.Printf("[automation] files changed on base for %s: %v", task.ID, err)
	}

	rebase := s.workspace.RebaseOntoBase(task.ID, base)

	var note strings.Builder
	note.WriteString("Merge conflict while merging to " + base + ".\n")
	fmt.Fprintf(&note, "Merge error: %s\n", truncate(mergeErr.Error(), maxMergeErrorChars))
	fmt.Fprintf(&note, "Rebase outcome: %s\n", rebase.Message)
	if len(rebase.ConflictFiles) > 0 {
		fmt.Fprintf(&note, "Files with conflicts to resolve: %s\n", strings.Join(rebase.ConflictFiles, ", "))
	}
	if len(changedOnBase) > 0 {
		fmt.Fprintf(&note, "Files changed on %s since this task branched: %s\n", base, strings.Join(changedOnBase, ", "))
	}
	note.WriteString("Resolve the conflicts, finish the rebase if one is in progress, and complete the task again.")
	s.appendScratchpad(task.ID, note.String())

	if err := s.tasks.UpdateFields(task.ID, map[string]any{
		"status":          string(models.StatusInProgress),
		"checks_passed":   false,
		"review_summary":  "",
		"merge_failed":    false,
		"merge_error":     "",
		"merge_readiness": string(models.ReadinessRisk),
	}); err != nil {
		log.Printf("[automation] reset %s for merge retry: %v", task.ID, err)
		return
	}
	if err := s.tasks.AppendEvent(task.ID, "merge_retry", "merge conflict, rebased and re-queued"); err != nil {
		log.Printf("[automation] append merge_retry event for %s: %v", task.ID, err)
	}

	s.notify(
		fmt.Sprintf("Task %s hit a merge conflict; it was rebased onto %s and re-queued.", task.ID, base),
		"Merge conflict retry", SeverityWarning,
	)

	// Re-admission goes through the worker loop under normal capacity
	// rules. The runner executing this retry is still registered, so the
	// task is also placed in the pending queue; whichever path runs after
	// the slot frees wins, and the dedup set absorbs the other.
	s.requeueTask(task.ID)
	s.publishStatus(task.ID, statusPtr(models.StatusReview), statusPtr(models.StatusInProgress))
}
