package automation

import (
	"errors"
	"strings"
	"testing"

	"github.com/kagansh/kagan/internal/agent"
	"github.com/kagansh/kagan/internal/config"
	"github.com/kagansh/kagan/internal/workspace"
	"github.com/kagansh/kagan/pkg/models"
)

// latestExecution fetches the task's newest execution record or fails.
func latestExecution(t *testing.T, env *testEnv, taskID string) *models.Execution {
	t.Helper()
	exec, err := env.execs.GetLatestExecutionForTask(taskID)
	if err != nil || exec == nil {
		t.Fatalf("no execution for task %s: %v", taskID, err)
	}
	return exec
}

func TestRunLoop_BlockedSignal(t *testing.T) {
	env := setupService(t, nil)

	env.factory.scriptImpl("a", newFakeAgent(
		fakeTurn{chunks: []string{`I need credentials. <blocked reason="Missing API key"/>`}},
	))
	env.tasks.addTask("a", models.StatusBacklog, models.TypeAuto)

	env.svc.SpawnForTask("a")
	waitFor(t, "a parked in backlog", func() bool {
		return env.tasks.status("a") == models.StatusBacklog && !env.svc.IsRunning("a")
	})

	task, _ := env.tasks.GetTask("a")
	if task.BlockReason != "Missing API key" {
		t.Errorf("BlockReason = %q", task.BlockReason)
	}
	if task.LastError != "Missing API key" {
		t.Errorf("LastError = %q", task.LastError)
	}
	if pad := env.tasks.scratchpad("a"); !strings.Contains(pad, "Missing API key") {
		t.Errorf("scratchpad missing block reason: %q", pad)
	}

	exec := latestExecution(t, env, "a")
	if exec.Status != models.ExecutionCompleted {
		t.Errorf("execution status = %q, want completed", exec.Status)
	}
}

func TestRunLoop_BlockedWithoutReason(t *testing.T) {
	env := setupService(t, nil)

	env.factory.scriptImpl("a", newFakeAgent(fakeTurn{chunks: []string{"<blocked/>"}}))
	env.tasks.addTask("a", models.StatusBacklog, models.TypeAuto)

	env.svc.SpawnForTask("a")
	waitFor(t, "a parked in backlog", func() bool {
		return env.tasks.status("a") == models.StatusBacklog && !env.svc.IsRunning("a")
	})

	task, _ := env.tasks.GetTask("a")
	if task.BlockReason == "" {
		t.Error("blocked without reason should still record a block reason")
	}
}

func TestRunLoop_StreamsPartialChunksToLog(t *testing.T) {
	env := setupService(t, nil)

	env.factory.scriptImpl("a", newFakeAgent(
		fakeTurn{chunks: []string{"Working on it.", " Done. <complete/>"}},
	))
	env.tasks.addTask("a", models.StatusBacklog, models.TypeAuto)

	env.svc.SpawnForTask("a")
	waitFor(t, "a completed", func() bool { return !env.svc.IsRunning("a") })

	exec := latestExecution(t, env, "a")
	entries, err := env.execs.GetExecutionLogEntries(exec.ID)
	if err != nil {
		t.Fatalf("log entries: %v", err)
	}
	if len(entries) < 2 {
		t.Fatalf("got %d log entries, want one per streamed chunk", len(entries))
	}

	// The first entry is the partial turn, not the final text.
	first, err := agent.UnmarshalSnapshot(entries[0])
	if err != nil {
		t.Fatalf("unmarshal first entry: %v", err)
	}
	if first.ResponseText != "Working on it." {
		t.Errorf("first snapshot = %q, want the first chunk only", first.ResponseText)
	}
	last, err := agent.UnmarshalSnapshot(entries[1])
	if err != nil {
		t.Fatalf("unmarshal second entry: %v", err)
	}
	if !strings.Contains(last.ResponseText, "Done.") {
		t.Errorf("second snapshot = %q, want accumulated text", last.ResponseText)
	}
}

func TestRunLoop_IteratesUntilComplete(t *testing.T) {
	env := setupService(t, nil)

	env.factory.scriptImpl("a", newFakeAgent(
		fakeTurn{chunks: []string{"Still going, wrote the parser."}},
		fakeTurn{chunks: []string{"All tests pass. <complete/>"}},
	))
	env.tasks.addTask("a", models.StatusBacklog, models.TypeAuto)

	env.svc.SpawnForTask("a")
	waitFor(t, "a completed", func() bool {
		return env.tasks.status("a") == models.StatusReview && !env.svc.IsRunning("a")
	})

	task, _ := env.tasks.GetTask("a")
	if task.TotalIterations != 2 {
		t.Errorf("TotalIterations = %d, want 2", task.TotalIterations)
	}
	// The non-signal iteration left its tail in the scratchpad.
	if pad := env.tasks.scratchpad("a"); !strings.Contains(pad, "wrote the parser") {
		t.Errorf("scratchpad missing iteration note: %q", pad)
	}
}

func TestRunLoop_MaxIterations(t *testing.T) {
	env := setupService(t, func(cfg *config.Config) {
		cfg.Automation.MaxIterations = 2
	})

	// Never signals; runs out of iterations.
	env.factory.scriptImpl("a", newFakeAgent(
		fakeTurn{chunks: []string{"thinking"}},
		fakeTurn{chunks: []string{"still thinking"}},
	))
	env.tasks.addTask("a", models.StatusBacklog, models.TypeAuto)

	env.svc.SpawnForTask("a")
	waitFor(t, "a parked in backlog", func() bool {
		return env.tasks.status("a") == models.StatusBacklog && !env.svc.IsRunning("a")
	})

	if pad := env.tasks.scratchpad("a"); !strings.Contains(pad, "MAX ITERATIONS") {
		t.Errorf("scratchpad missing max-iterations note: %q", pad)
	}
	task, _ := env.tasks.GetTask("a")
	if task.TotalIterations != 2 {
		t.Errorf("TotalIterations = %d, want 2", task.TotalIterations)
	}
}

func TestRunLoop_WorkspaceValidationFailure(t *testing.T) {
	env := setupService(t, nil)
	env.ws.createErr = workspace.NewValidationError("base branch %q does not exist", "ghost")

	env.tasks.addTask("a", models.StatusBacklog, models.TypeAuto)
	env.svc.SpawnForTask("a")

	waitFor(t, "a parked in backlog", func() bool {
		return env.tasks.status("a") == models.StatusBacklog && !env.svc.IsRunning("a")
	})

	exec := latestExecution(t, env, "a")
	if exec.Status != models.ExecutionFailed {
		t.Errorf("execution status = %q, want failed", exec.Status)
	}
	// No agent should have been constructed.
	if n := len(env.factory.createdAgents()); n != 0 {
		t.Errorf("%d agents created despite workspace failure", n)
	}
}

func TestRunLoop_PromptContents(t *testing.T) {
	env := setupService(t, nil)

	impl := newFakeAgent(fakeTurn{chunks: []string{"<complete/>"}})
	env.factory.scriptImpl("a", impl)
	task := env.tasks.addTask("a", models.StatusBacklog, models.TypeAuto)
	task.Description = "Implement retry with backoff"
	task.AcceptanceCriteria = "Retries stop after five attempts"
	env.tasks.UpdateScratchpad("a", "Previous run: settled on exponential backoff")

	env.svc.SpawnForTask("a")
	waitFor(t, "a completed", func() bool { return !env.svc.IsRunning("a") })

	prompt := impl.lastPrompt()
	for _, want := range []string{
		"Implement retry with backoff",
		"Retries stop after five attempts",
		"exponential backoff",
		"iteration 1 of at most 3",
		"Co-authored-by: Dev <dev@example.com>",
		"<complete/>",
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestRunLoop_QueuedFollowUpSkipsReview(t *testing.T) {
	env := setupService(t, nil)

	first, release := heldAgent()
	second := newFakeAgent(fakeTurn{chunks: []string{"<complete/>"}})
	env.factory.scriptImpl("a", first)
	env.factory.scriptImpl("a", second)
	env.tasks.addTask("a", models.StatusBacklog, models.TypeAuto)

	env.svc.SpawnForTask("a")
	waitFor(t, "first turn in flight", func() bool { return first.promptCount() == 1 })

	// A follow-up lands while the agent is mid-turn; the COMPLETE that
	// follows must not go to review.
	if err := env.svc.Queued().QueueMessage("a", models.LaneImplementation, "Also update the changelog"); err != nil {
		t.Fatalf("QueueMessage: %v", err)
	}
	close(release)

	// The task re-enters through the pending queue and runs a second session.
	waitFor(t, "second session", func() bool { return second.promptCount() == 1 })
	if env.status.saw("a: in_progress->review") {
		t.Fatal("task went to review with queued follow-ups")
	}

	pad := env.tasks.scratchpad("a")
	if !strings.Contains(pad, "Also update the changelog") {
		t.Errorf("scratchpad missing folded follow-up: %q", pad)
	}
	// The second prompt carries the folded note via the scratchpad.
	if !strings.Contains(second.lastPrompt(), "Also update the changelog") {
		t.Error("second prompt missing the follow-up content")
	}

	waitFor(t, "second session review", func() bool {
		return env.tasks.status("a") == models.StatusReview && !env.svc.IsRunning("a")
	})
}

func TestRunLoop_CommitCheckFailureStillReachesReview(t *testing.T) {
	env := setupService(t, nil)
	env.ws.statusErr = errors.New("index.lock held by another process")

	env.factory.scriptImpl("a", newFakeAgent(fakeTurn{chunks: []string{"<complete/>"}}))
	env.tasks.addTask("a", models.StatusBacklog, models.TypeAuto)

	env.svc.SpawnForTask("a")

	// A failed safety-net commit check must not derail the completion.
	waitFor(t, "a in review", func() bool {
		return env.tasks.status("a") == models.StatusReview && !env.svc.IsRunning("a")
	})
	if len(env.ws.commits) != 0 {
		t.Errorf("commit made despite status failure: %v", env.ws.commits)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate short = %q", got)
	}
	got := truncate(strings.Repeat("x", 100), 10)
	if len(got) != 10 || !strings.HasSuffix(got, "...") {
		t.Errorf("truncate long = %q", got)
	}
}
