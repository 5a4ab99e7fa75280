// Package agent provides the coding-agent abstraction for Kagan.
// An Agent wraps one backend (CLI subprocess or direct API) working
// inside a single task worktree.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrReadyTimeout is returned by WaitReady when the agent did not become
// ready within the allotted time.
var ErrReadyTimeout = errors.New("agent ready timeout")

// ErrCancelled is returned when an in-flight operation was cancelled,
// including a SIGTERM delivered to the agent subprocess.
var ErrCancelled = errors.New("agent cancelled")

// Role identifies the author of a message.
type Role string

const (
	// RoleAssistant marks agent output.
	RoleAssistant Role = "assistant"
	// RoleUser marks prompts sent to the agent.
	RoleUser Role = "user"
	// RoleSystem marks backend status output.
	RoleSystem Role = "system"
)

// Message is one entry in the agent's conversation transcript.
type Message struct {
	// Role is who authored the message.
	Role Role `json:"role"`
	// Content is the message text or chunk.
	Content string `json:"content"`
	// ToolName names the tool for tool-use messages, if any.
	ToolName string `json:"tool_name,omitempty"`
	// Timestamp is when the message was observed.
	Timestamp time.Time `json:"timestamp"`
}

// Snapshot captures the observable agent state at one instant. The run
// loop persists a snapshot to the execution log on every stream update,
// so log readers see partial chunks as they arrive.
type Snapshot struct {
	// ResponseText is the text accumulated for the current turn.
	ResponseText string `json:"response_text"`
	// Messages is the transcript so far.
	Messages []Message `json:"messages"`
}

// Marshal serializes the snapshot for the execution log.
func (s Snapshot) Marshal() string {
	data, err := json.Marshal(s)
	if err != nil {
		return ""
	}
	return string(data)
}

// UnmarshalSnapshot parses a serialized snapshot from the execution log.
func UnmarshalSnapshot(payload string) (Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal([]byte(payload), &s); err != nil {
		return Snapshot{}, err
	}
	return s, nil
}

// MessageTarget receives live snapshots as the agent streams output.
// Implementations must be fast; they are called on the stream-reading
// goroutine.
type MessageTarget interface {
	AgentUpdated(snapshot Snapshot)
}

// Agent is the capability set the automation core needs from a coding
// agent. A handle is owned by its runner; the UI reads it only through
// GetResponseText / GetMessages snapshots.
type Agent interface {
	// Identity returns the backend identity string (e.g. "claude", "api").
	Identity() string
	// Start launches the backend.
	Start(ctx context.Context) error
	// WaitReady blocks until the agent can accept prompts, bounded by timeout.
	// Returns ErrReadyTimeout on expiry.
	WaitReady(ctx context.Context, timeout time.Duration) error
	// SendPrompt sends one prompt and blocks until the turn ends.
	SendPrompt(ctx context.Context, prompt string) error
	// Stop terminates the agent. Idempotent.
	Stop() error
	// Cancel aborts any in-flight operation without waiting.
	Cancel()

	// SetAutoApprove forwards permission auto-grant to the backend.
	SetAutoApprove(enabled bool)
	// SetModelOverride selects a model; empty string clears the override.
	SetModelOverride(model string)
	// SetTaskID associates the agent with a task for logging.
	SetTaskID(id string)
	// SetMessageTarget registers a live-stream sink. Pass nil to detach.
	SetMessageTarget(target MessageTarget)

	// GetResponseText returns the accumulated text for the current turn.
	GetResponseText() string
	// GetMessages returns a snapshot copy of the transcript.
	GetMessages() []Message
	// ClearToolCalls drops per-iteration tool-call accumulation to bound memory.
	ClearToolCalls()
}
