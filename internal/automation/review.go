package automation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/kagansh/kagan/internal/agent"
	"github.com/kagansh/kagan/pkg/models"
)

// handleComplete runs when the implementation agent signals COMPLETE with
// no queued follow-ups: move the task to REVIEW, record the log boundary,
// run the reviewer, and optionally hand off to auto-merge.
func (s *Service) handleComplete(ctx context.Context, taskID, executionID, worktree string) {
	if err := s.tasks.UpdateFields(taskID, map[string]any{
		"status":          string(models.StatusReview),
		"merge_failed":    false,
		"merge_error":     "",
		"merge_readiness": string(models.ReadinessRisk),
	}); err != nil {
		log.Printf("[automation] move %s to review: %v", taskID, err)
		return
	}
	s.publishStatus(taskID, statusPtr(models.StatusInProgress), statusPtr(models.StatusReview))

	// Record where review-phase log entries begin before any are written,
	// so readers can partition the log even after a crash.
	count, err := s.execs.CountExecutionLogEntries(executionID)
	if err != nil {
		log.Printf("[automation] count log entries for %s: %v", executionID, err)
		count = 0
	}
	if err := s.execs.UpdateExecution(executionID, nil, map[string]any{
		models.MetaReviewLogStartIndex: count,
	}); err != nil {
		log.Printf("[automation] record review boundary for %s: %v", executionID, err)
	}

	if !s.cfg.Automation.AutoReview {
		return
	}

	approved, summary := s.ReviewTask(ctx, taskID, executionID, worktree)

	status := "rejected"
	if approved {
		status = "approved"
	}
	if err := s.execs.UpdateExecution(executionID, nil, map[string]any{
		models.MetaReviewResult: map[string]any{
			"status":  status,
			"summary": summary,
		},
	}); err != nil {
		log.Printf("[automation] record review result for %s: %v", executionID, err)
	}

	readiness := models.ReadinessReady
	if !approved {
		readiness = models.ReadinessBlocked
	}
	if err := s.tasks.UpdateFields(taskID, map[string]any{
		"checks_passed":   approved,
		"review_summary":  summary,
		"merge_readiness": string(readiness),
	}); err != nil {
		log.Printf("[automation] record review verdict for %s: %v", taskID, err)
	}
	if err := s.tasks.AppendEvent(taskID, "review", fmt.Sprintf("review %s: %s", status, truncate(summary, 200))); err != nil {
		log.Printf("[automation] append review event for %s: %v", taskID, err)
	}

	if !approved {
		s.notify(summary, fmt.Sprintf("Task %s review rejected", taskID), SeverityWarning)
		return
	}

	if s.cfg.Automation.AutoMerge {
		s.autoMerge(ctx, taskID, worktree)
	}
}

// ReviewTask runs a read-only review agent over the task's worktree and
// returns (approved, summary). It is also the entry point for UI-initiated
// reviews of PAIR tasks; a review already in flight for the task is not
// duplicated.
func (s *Service) ReviewTask(ctx context.Context, taskID, executionID, worktree string) (bool, string) {
	s.mu.Lock()
	if s.reviewing[taskID] {
		s.mu.Unlock()
		return false, "Review already in progress"
	}
	s.reviewing[taskID] = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.reviewing, taskID)
		s.mu.Unlock()
	}()

	task, err := s.tasks.GetTask(taskID)
	if err != nil || task == nil {
		return false, fmt.Sprintf("Review agent error: task unavailable: %v", err)
	}

	reviewer, err := s.agents.NewAgent(task.AgentBackend, worktree, true)
	if err != nil {
		return false, fmt.Sprintf("Review agent error: %v", err)
	}
	defer func() {
		_ = reviewer.Stop()
		s.setReviewAgent(taskID, nil)
	}()

	reviewer.SetTaskID(taskID)
	reviewer.SetAutoApprove(true)
	reviewer.SetModelOverride(agent.ResolveModelOverride(reviewer.Identity(), s.cfg.Models))

	if err := reviewer.Start(ctx); err != nil {
		return false, fmt.Sprintf("Review agent error: %v", err)
	}
	if err := reviewer.WaitReady(ctx, s.cfg.Timeouts.AgentReady); err != nil {
		if errors.Is(err, agent.ErrReadyTimeout) {
			return false, "Review agent timed out"
		}
		return false, fmt.Sprintf("Review agent error: %v", err)
	}
	s.setReviewAgent(taskID, reviewer)

	prompt := s.buildReviewPrompt(task)
	if err := reviewer.SendPrompt(ctx, prompt); err != nil {
		return false, fmt.Sprintf("Review agent error: %v", err)
	}

	response := reviewer.GetResponseText()

	// The full review output is one log entry on the review side of the
	// boundary recorded by handleComplete.
	snap := agent.Snapshot{ResponseText: response, Messages: reviewer.GetMessages()}
	if err := s.execs.AppendExecutionLog(executionID, snap.Marshal()); err != nil {
		log.Printf("[automation] append review log for %s: %v", executionID, err)
	}

	sig := agent.ParseSignal(response)
	switch sig.Kind {
	case agent.SignalApprove:
		return true, sig.Reason
	case agent.SignalReject:
		return false, sig.Reason
	default:
		return false, "No review signal found in agent response"
	}
}

// buildReviewPrompt assembles the reviewer's prompt from task metadata and
// the branch's commit log and diff stat.
func (s *Service) buildReviewPrompt(task *models.Task) string {
	base := task.BaseBranch
	if base == "" {
		base = s.cfg.Git.DefaultBaseBranch
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Review the changes for task %s: %s\n\n", task.ID, task.Title)
	if task.Description != "" {
		fmt.Fprintf(&b, "## Description\n%s\n\n", task.Description)
	}
	if task.AcceptanceCriteria != "" {
		fmt.Fprintf(&b, "## Acceptance criteria\n%s\n\n", task.AcceptanceCriteria)
	}

	if commits, err := s.workspace.GetCommitLog(task.ID, base); err == nil && commits != "" {
		fmt.Fprintf(&b, "## Commits on this branch\n%s\n\n", commits)
	}
	if stats, err := s.workspace.GetDiffStats(task.ID, base); err == nil && stats != "" {
		fmt.Fprintf(&b, "## Diff summary against %s\n%s\n\n", base, stats)
	}

	b.WriteString("Inspect the changes in this worktree. Do not modify any files.\n")
	b.WriteString("If the work satisfies the acceptance criteria, respond with <approve reason=\"...\"/>.\n")
	b.WriteString("Otherwise respond with <reject reason=\"...\"/>.")
	return b.String()
}
