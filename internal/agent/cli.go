package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/kagansh/kagan/internal/config"
)

// CLIAgent drives a coding-agent CLI subprocess (claude, opencode) in
// stream-json mode. Each SendPrompt launches one subprocess run inside the
// task worktree and streams its output until the turn ends.
type CLIAgent struct {
	profile  config.BackendProfile
	worktree string
	readOnly bool

	mu            sync.Mutex
	autoApprove   bool
	modelOverride string
	taskID        string
	target        MessageTarget
	responseText  string
	messages      []Message
	toolCalls     []string

	ready   chan struct{}
	started bool
	stopped bool
	cancel  context.CancelFunc
}

// NewCLIAgent creates a CLI-backed agent for the given backend profile,
// working inside worktree. Read-only agents get the profile's read-only
// argument set appended.
func NewCLIAgent(profile config.BackendProfile, worktree string, readOnly bool) *CLIAgent {
	return &CLIAgent{
		profile:  profile,
		worktree: worktree,
		readOnly: readOnly,
		ready:    make(chan struct{}),
	}
}

// Identity returns the backend name.
func (a *CLIAgent) Identity() string {
	return a.profile.Name
}

// Start verifies the backend executable is available and marks the agent ready.
func (a *CLIAgent) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.started {
		return fmt.Errorf("agent already started")
	}
	if a.profile.Command == "" {
		return fmt.Errorf("backend %q has no command configured", a.profile.Name)
	}
	if _, err := exec.LookPath(a.profile.Command); err != nil {
		return fmt.Errorf("backend %q not found: %w", a.profile.Name, err)
	}

	a.started = true
	close(a.ready)
	return nil
}

// WaitReady blocks until the agent can accept prompts, bounded by timeout.
func (a *CLIAgent) WaitReady(ctx context.Context, timeout time.Duration) error {
	select {
	case <-a.ready:
		return nil
	case <-ctx.Done():
		return ErrCancelled
	case <-time.After(timeout):
		return ErrReadyTimeout
	}
}

// SendPrompt launches one subprocess run with the prompt and streams its
// output until the process exits. A SIGTERM exit is reported as ErrCancelled.
func (a *CLIAgent) SendPrompt(ctx context.Context, prompt string) error {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return ErrCancelled
	}
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.responseText = ""
	args := a.buildArgs(prompt)
	a.messages = append(a.messages, Message{
		Role:      RoleUser,
		Content:   prompt,
		Timestamp: time.Now(),
	})
	a.mu.Unlock()
	defer cancel()

	cmd := exec.CommandContext(runCtx, a.profile.Command, args...)
	cmd.Dir = a.worktree

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("create stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", a.profile.Command, err)
	}

	scanner := bufio.NewScanner(stdout)
	buf := make([]byte, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		a.consumeLine(line)
	}

	err = cmd.Wait()
	if runCtx.Err() != nil {
		return ErrCancelled
	}
	if err != nil {
		// SIGTERM (exit code -15 equivalent) means the user stopped us.
		if exitErr, ok := err.(*exec.ExitError); ok {
			if status := exitErr.ExitCode(); status == -1 || status == 143 {
				return ErrCancelled
			}
		}
		return fmt.Errorf("%s exited: %w", a.profile.Command, err)
	}

	return nil
}

// buildArgs assembles the subprocess argument list. Caller holds a.mu.
func (a *CLIAgent) buildArgs(prompt string) []string {
	args := append([]string{}, a.profile.Args...)
	if a.readOnly {
		args = append(args, a.profile.ReadOnlyArgs...)
	} else if a.autoApprove && a.profile.Name == "claude" {
		args = append(args, "--allowedTools", "Read,Write,Edit,Bash,Glob,Grep,WebFetch")
	}
	if a.modelOverride != "" && a.profile.ModelFlag != "" {
		args = append(args, a.profile.ModelFlag, a.modelOverride)
	} else if a.profile.DefaultModel != "" && a.profile.ModelFlag != "" {
		args = append(args, a.profile.ModelFlag, a.profile.DefaultModel)
	}
	return append(args, "-p", prompt)
}

// cliStreamEvent is one line of the backend's stream-json output.
type cliStreamEvent struct {
	Type    string          `json:"type"`
	Message json.RawMessage `json:"message,omitempty"`
	Result  string          `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// cliMessageBody is the nested message payload on assistant events.
type cliMessageBody struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text,omitempty"`
		Name string `json:"name,omitempty"`
	} `json:"content"`
}

// consumeLine parses one stream-json line and updates the transcript.
func (a *CLIAgent) consumeLine(line []byte) {
	var event cliStreamEvent
	if err := json.Unmarshal(line, &event); err != nil {
		return
	}

	a.mu.Lock()
	switch event.Type {
	case "assistant":
		var body cliMessageBody
		if len(event.Message) > 0 && json.Unmarshal(event.Message, &body) == nil {
			for _, block := range body.Content {
				switch block.Type {
				case "text":
					a.responseText += block.Text
					a.messages = append(a.messages, Message{
						Role:      RoleAssistant,
						Content:   block.Text,
						Timestamp: time.Now(),
					})
				case "tool_use":
					a.toolCalls = append(a.toolCalls, block.Name)
					a.messages = append(a.messages, Message{
						Role:      RoleAssistant,
						ToolName:  block.Name,
						Timestamp: time.Now(),
					})
				}
			}
		}
	case "result":
		if event.Result != "" && a.responseText == "" {
			a.responseText = event.Result
		}
	case "system":
		// Backend status output; keep it out of the transcript.
	}
	target := a.target
	snap := a.snapshotLocked()
	a.mu.Unlock()

	if target != nil {
		target.AgentUpdated(snap)
	}
}

// snapshotLocked builds a Snapshot copy. Caller holds a.mu.
func (a *CLIAgent) snapshotLocked() Snapshot {
	msgs := make([]Message, len(a.messages))
	copy(msgs, a.messages)
	return Snapshot{ResponseText: a.responseText, Messages: msgs}
}

// Stop terminates the agent. Idempotent.
func (a *CLIAgent) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return nil
	}
	a.stopped = true
	if a.cancel != nil {
		a.cancel()
	}
	return nil
}

// Cancel aborts any in-flight subprocess run.
func (a *CLIAgent) Cancel() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		a.cancel()
	}
}

// SetAutoApprove forwards permission auto-grant to the backend.
func (a *CLIAgent) SetAutoApprove(enabled bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.autoApprove = enabled
}

// SetModelOverride selects a model; empty string clears the override.
func (a *CLIAgent) SetModelOverride(model string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.modelOverride = model
}

// SetTaskID associates the agent with a task for logging.
func (a *CLIAgent) SetTaskID(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.taskID = id
}

// SetMessageTarget registers a live-stream sink.
func (a *CLIAgent) SetMessageTarget(target MessageTarget) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.target = target
}

// GetResponseText returns the accumulated text for the current turn.
func (a *CLIAgent) GetResponseText() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.responseText
}

// GetMessages returns a snapshot copy of the transcript.
func (a *CLIAgent) GetMessages() []Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	msgs := make([]Message, len(a.messages))
	copy(msgs, a.messages)
	return msgs
}

// ClearToolCalls drops per-iteration tool-call accumulation.
func (a *CLIAgent) ClearToolCalls() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.toolCalls = nil
}

// Verify CLIAgent implements Agent at compile time.
var _ Agent = (*CLIAgent)(nil)
