package automation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/kagansh/kagan/internal/agent"
	"github.com/kagansh/kagan/internal/workspace"
	"github.com/kagansh/kagan/pkg/models"
)

// maxQueuedMessageChars caps each drained follow-up message in the prompt.
const maxQueuedMessageChars = 2000

// maxScratchpadAppendChars caps each response tail appended to the scratchpad.
const maxScratchpadAppendChars = 2000

// executionLogSink persists a snapshot for every streamed agent update,
// so external log readers see partial chunks in near-real-time. Writes
// stop once the runner's context is cancelled.
type executionLogSink struct {
	ctx         context.Context
	execs       ExecutionStore
	executionID string
}

// AgentUpdated appends the snapshot to the execution log.
func (t *executionLogSink) AgentUpdated(snapshot agent.Snapshot) {
	if t.ctx.Err() != nil {
		return
	}
	if err := t.execs.AppendExecutionLog(t.executionID, snapshot.Marshal()); err != nil {
		log.Printf("[automation] append execution log: %v", err)
	}
}

var _ agent.MessageTarget = (*executionLogSink)(nil)

// runLoop executes one session for one AUTO task: provision the worktree,
// run up to max_iterations agent turns, interpret signals, and hand off to
// review on completion. Exactly one execution record covers the session.
func (s *Service) runLoop(ctx context.Context, taskID string) {
	task, err := s.tasks.GetTask(taskID)
	if err != nil || task == nil {
		log.Printf("[automation] run loop: task %s unavailable: %v", taskID, err)
		return
	}

	exec, err := s.execs.CreateExecution(taskID, s.sessionID, "spawn", nil)
	if err != nil {
		log.Printf("[automation] create execution for %s: %v", taskID, err)
		return
	}
	s.setExecutionID(taskID, exec.ID)
	s.updateExecStatus(exec.ID, models.ExecutionRunning)
	s.notifyObservers(func(o Observer) { o.TaskStarted(taskID) })
	log.Printf("[automation] started task %s (execution %s)", taskID, exec.ID)

	worktree, ok := s.provisionWorkspace(task)
	if !ok {
		s.updateExecStatus(exec.ID, models.ExecutionFailed)
		return
	}

	userName, userEmail := s.workspace.UserIdentity()

	sink := &executionLogSink{ctx: ctx, execs: s.execs, executionID: exec.ID}
	var runAgent agent.Agent
	defer func() {
		if runAgent != nil {
			_ = runAgent.Stop()
		}
	}()

	maxIterations := s.cfg.Automation.MaxIterations
	for i := 1; i <= maxIterations; i++ {
		if ctx.Err() != nil {
			s.updateExecStatus(exec.ID, models.ExecutionCancelled)
			return
		}

		if _, err := s.tasks.IncrementTotalIterations(taskID); err != nil {
			log.Printf("[automation] increment iterations for %s: %v", taskID, err)
		}
		s.setIteration(taskID, i)

		prompt := s.buildPrompt(task, i, userName, userEmail)

		if i == 1 {
			runAgent, err = s.startAgent(ctx, task, worktree, sink)
			if err != nil {
				if errors.Is(err, agent.ErrCancelled) {
					s.updateExecStatus(exec.ID, models.ExecutionCancelled)
					return
				}
				s.handleBlocked(taskID, "Agent failed to start", exec.ID, models.ExecutionFailed)
				return
			}
		}

		if err := runAgent.SendPrompt(ctx, prompt); err != nil {
			if errors.Is(err, agent.ErrCancelled) {
				log.Printf("[automation] task %s cancelled mid-iteration", taskID)
				s.updateExecStatus(exec.ID, models.ExecutionCancelled)
				return
			}
			s.handleBlocked(taskID, fmt.Sprintf("Agent error: %v", err), exec.ID, models.ExecutionFailed)
			return
		}

		response := runAgent.GetResponseText()
		sig := agent.ParseSignal(response)

		switch sig.Kind {
		case agent.SignalComplete:
			if s.queued.GetStatus(taskID, models.LaneImplementation).HasQueued {
				// Follow-up messages arrived during the run: skip review,
				// fold them into the scratchpad, and go around again.
				s.foldQueuedAndRequeue(taskID)
				s.updateExecStatus(exec.ID, models.ExecutionCompleted)
				return
			}
			if err := s.ensureCommitted(worktree, task); err != nil {
				log.Printf("[automation] auto-commit before review for %s: %v", taskID, err)
			}
			s.handleComplete(ctx, taskID, exec.ID, worktree)
			s.updateExecStatus(exec.ID, models.ExecutionCompleted)
			return

		case agent.SignalBlocked:
			reason := sig.Reason
			if reason == "" {
				reason = "Agent reported it is blocked"
			}
			s.handleBlocked(taskID, reason, exec.ID, models.ExecutionCompleted)
			return

		default:
			s.appendScratchpad(taskID, truncate(responseTail(response), maxScratchpadAppendChars))
			runAgent.ClearToolCalls()
			select {
			case <-time.After(s.cfg.Automation.IterationDelay):
			case <-ctx.Done():
				s.updateExecStatus(exec.ID, models.ExecutionCancelled)
				return
			}
		}
	}

	s.appendScratchpad(taskID, fmt.Sprintf("MAX ITERATIONS: stopped after %d iterations without completion.", maxIterations))
	s.moveToBacklog(taskID, fmt.Sprintf("Reached max iterations (%d)", maxIterations))
	s.updateExecStatus(exec.ID, models.ExecutionCompleted)
}

// provisionWorkspace ensures the task has a worktree. On failure the task
// is parked in BACKLOG with a classified message and the run ends.
func (s *Service) provisionWorkspace(task *models.Task) (string, bool) {
	if path := s.workspace.GetPath(task.ID); path != "" {
		return path, true
	}

	base := task.BaseBranch
	if base == "" {
		base = s.cfg.Git.DefaultBaseBranch
	}

	path, err := s.workspace.Create(task.ID, base)
	if err == nil {
		return path, true
	}

	var valErr *workspace.ValidationError
	var gitErr *workspace.GitError
	var message string
	switch {
	case errors.As(err, &valErr):
		message = valErr.Error()
	case errors.As(err, &gitErr):
		message = fmt.Sprintf("Git error: %v", gitErr)
	default:
		message = fmt.Sprintf("Unexpected workspace error: %v", err)
	}

	s.notify(message, "Workspace setup failed", SeverityError)
	s.moveToBacklogSilent(task.ID, message)
	return "", false
}

// startAgent constructs, configures, starts, and readiness-gates the
// implementation agent. The handle is published into the running slot
// before start so UI attach races do not miss it.
func (s *Service) startAgent(ctx context.Context, task *models.Task, worktree string, sink agent.MessageTarget) (agent.Agent, error) {
	a, err := s.agents.NewAgent(task.AgentBackend, worktree, false)
	if err != nil {
		return nil, err
	}

	a.SetTaskID(task.ID)
	a.SetAutoApprove(s.cfg.Automation.AutoApprove)
	a.SetModelOverride(agent.ResolveModelOverride(a.Identity(), s.cfg.Models))
	a.SetMessageTarget(sink)
	s.setRunnerAgent(task.ID, a)

	if err := a.Start(ctx); err != nil {
		return nil, err
	}
	if err := a.WaitReady(ctx, s.cfg.Timeouts.AgentReady); err != nil {
		_ = a.Stop()
		return nil, err
	}
	return a, nil
}

// buildPrompt assembles the iteration prompt from task metadata, the
// accumulated scratchpad, and any drained implementation follow-ups.
func (s *Service) buildPrompt(task *models.Task, iteration int, userName, userEmail string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "You are working on task %s: %s\n\n", task.ID, task.Title)
	if task.Description != "" {
		fmt.Fprintf(&b, "## Description\n%s\n\n", task.Description)
	}
	if task.AcceptanceCriteria != "" {
		fmt.Fprintf(&b, "## Acceptance criteria\n%s\n\n", task.AcceptanceCriteria)
	}

	if scratchpad, err := s.tasks.GetScratchpad(task.ID); err == nil && scratchpad != "" {
		fmt.Fprintf(&b, "## Notes from previous iterations\n%s\n\n", scratchpad)
	}

	fmt.Fprintf(&b, "This is iteration %d of at most %d.\n", iteration, s.cfg.Automation.MaxIterations)
	if userName != "" || userEmail != "" {
		fmt.Fprintf(&b, "When committing, add the trailer: Co-authored-by: %s <%s>\n", userName, userEmail)
	}

	var followUps []string
	for {
		msg, ok := s.queued.TakeQueuedMessage(task.ID, models.LaneImplementation)
		if !ok {
			break
		}
		followUps = append(followUps, truncate(msg.Content, maxQueuedMessageChars))
	}
	if len(followUps) > 0 {
		b.WriteString("\n## Follow-up instructions from the user\n")
		for _, msg := range followUps {
			fmt.Fprintf(&b, "- %s\n", msg)
		}
	}

	b.WriteString("\nCommit your work as you go. When the task is fully done, respond with <complete/>. ")
	b.WriteString("If you cannot proceed, respond with <blocked reason=\"...\"/>.")
	return b.String()
}

// foldQueuedAndRequeue handles a COMPLETE signal that raced with queued
// follow-ups: the task stays IN_PROGRESS, the messages land in the
// scratchpad, and the task re-enters via the pending-spawn queue.
func (s *Service) foldQueuedAndRequeue(taskID string) {
	var parts []string
	for {
		msg, ok := s.queued.TakeQueuedMessage(taskID, models.LaneImplementation)
		if !ok {
			break
		}
		parts = append(parts, truncate(msg.Content, maxQueuedMessageChars))
	}
	if len(parts) > 0 {
		s.appendScratchpad(taskID, "Follow-up instructions queued during the run:\n- "+strings.Join(parts, "\n- "))
	}
	s.requeueTask(taskID)
	log.Printf("[automation] task %s completed with queued follow-ups, re-queued", taskID)
}

// handleBlocked records the block reason and parks the task in BACKLOG.
func (s *Service) handleBlocked(taskID, reason string, executionID string, final models.ExecutionStatus) {
	if err := s.tasks.UpdateFields(taskID, map[string]any{
		"last_error":   reason,
		"block_reason": reason,
	}); err != nil {
		log.Printf("[automation] record block reason for %s: %v", taskID, err)
	}
	s.appendScratchpad(taskID, "Blocked: "+reason)
	s.moveToBacklog(taskID, reason)
	s.updateExecStatus(executionID, final)
}

// moveToBacklog parks the task in BACKLOG with a notification.
func (s *Service) moveToBacklog(taskID, reason string) {
	s.notify(reason, fmt.Sprintf("Task %s returned to backlog", taskID), SeverityWarning)
	s.moveToBacklogSilent(taskID, reason)
}

// moveToBacklogSilent parks the task in BACKLOG and publishes the status event.
func (s *Service) moveToBacklogSilent(taskID, reason string) {
	if err := s.tasks.SetStatus(taskID, models.StatusBacklog); err != nil {
		log.Printf("[automation] set %s to backlog: %v", taskID, err)
		return
	}
	s.publishStatus(taskID, statusPtr(models.StatusInProgress), statusPtr(models.StatusBacklog))
}

// appendScratchpad appends a note to the task's free-form scratchpad.
func (s *Service) appendScratchpad(taskID, note string) {
	if note == "" {
		return
	}
	current, err := s.tasks.GetScratchpad(taskID)
	if err != nil {
		log.Printf("[automation] read scratchpad for %s: %v", taskID, err)
		return
	}
	updated := note
	if current != "" {
		updated = current + "\n\n" + note
	}
	if err := s.tasks.UpdateScratchpad(taskID, updated); err != nil {
		log.Printf("[automation] update scratchpad for %s: %v", taskID, err)
	}
}

// updateExecStatus moves the execution to the given status.
func (s *Service) updateExecStatus(executionID string, status models.ExecutionStatus) {
	if err := s.execs.UpdateExecution(executionID, &status, nil); err != nil {
		log.Printf("[automation] update execution %s: %v", executionID, err)
	}
}

// notify delivers a best-effort user notification.
func (s *Service) notify(message, title string, severity Severity) {
	s.mu.RLock()
	n := s.notifier
	s.mu.RUnlock()
	n.Notify(message, title, severity)
}

// responseTail returns the last portion of a response for scratchpad notes.
func responseTail(text string) string {
	text = strings.TrimSpace(text)
	if len(text) <= maxScratchpadAppendChars {
		return text
	}
	return text[len(text)-maxScratchpadAppendChars:]
}

// truncate limits s to max characters, marking the cut.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}
