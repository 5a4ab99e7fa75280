package agent

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// defaultAPIModel is used when no model override is configured.
const defaultAPIModel = anthropic.ModelClaudeSonnet4_20250514

// defaultAPIMaxTokens bounds each API turn.
const defaultAPIMaxTokens = 8192

// APIAgent drives the Anthropic Messages API directly. It has no tool
// execution, so it serves read-only work: reviews and advisory turns.
// Conversation history is kept across prompts within one session.
type APIAgent struct {
	client anthropic.Client

	mu            sync.Mutex
	modelOverride string
	taskID        string
	target        MessageTarget
	history       []anthropic.MessageParam
	responseText  string
	messages      []Message

	ready   chan struct{}
	started bool
	stopped bool
	cancel  context.CancelFunc
}

// NewAPIAgent creates an API-backed agent. The API key is read from
// ANTHROPIC_API_KEY when apiKey is empty.
func NewAPIAgent(apiKey string) (*APIAgent, error) {
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("ANTHROPIC_API_KEY environment variable is not set")
	}

	return &APIAgent{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		ready:  make(chan struct{}),
	}, nil
}

// Identity returns the backend name.
func (a *APIAgent) Identity() string {
	return "api"
}

// Start marks the agent ready. The API client needs no warm-up.
func (a *APIAgent) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return fmt.Errorf("agent already started")
	}
	a.started = true
	close(a.ready)
	return nil
}

// WaitReady blocks until the agent can accept prompts, bounded by timeout.
func (a *APIAgent) WaitReady(ctx context.Context, timeout time.Duration) error {
	select {
	case <-a.ready:
		return nil
	case <-ctx.Done():
		return ErrCancelled
	case <-time.After(timeout):
		return ErrReadyTimeout
	}
}

// SendPrompt sends one prompt and streams the response until end of turn.
func (a *APIAgent) SendPrompt(ctx context.Context, prompt string) error {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return ErrCancelled
	}
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.responseText = ""
	a.history = append(a.history, anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)))
	a.messages = append(a.messages, Message{
		Role:      RoleUser,
		Content:   prompt,
		Timestamp: time.Now(),
	})
	model := anthropic.Model(a.modelOverride)
	if model == "" {
		model = defaultAPIModel
	}
	history := make([]anthropic.MessageParam, len(a.history))
	copy(history, a.history)
	a.mu.Unlock()
	defer cancel()

	stream := a.client.Messages.NewStreaming(runCtx, anthropic.MessageNewParams{
		Model:     model,
		MaxTokens: defaultAPIMaxTokens,
		Messages:  history,
	})

	var full anthropic.Message
	for stream.Next() {
		event := stream.Current()
		_ = full.Accumulate(event)

		if deltaEvent, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent); ok {
			if textDelta, ok := deltaEvent.Delta.AsAny().(anthropic.TextDelta); ok && textDelta.Text != "" {
				a.appendChunk(textDelta.Text)
			}
		}
	}

	if err := stream.Err(); err != nil {
		if runCtx.Err() != nil {
			return ErrCancelled
		}
		return fmt.Errorf("stream response: %w", err)
	}

	a.mu.Lock()
	a.history = append(a.history, full.ToParam())
	a.mu.Unlock()

	return nil
}

// appendChunk records one streamed text delta and notifies the target.
func (a *APIAgent) appendChunk(text string) {
	a.mu.Lock()
	a.responseText += text
	a.messages = append(a.messages, Message{
		Role:      RoleAssistant,
		Content:   text,
		Timestamp: time.Now(),
	})
	target := a.target
	msgs := make([]Message, len(a.messages))
	copy(msgs, a.messages)
	snap := Snapshot{ResponseText: a.responseText, Messages: msgs}
	a.mu.Unlock()

	if target != nil {
		target.AgentUpdated(snap)
	}
}

// Stop terminates the agent. Idempotent.
func (a *APIAgent) Stop() error {
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

// Cancel aborts any in-flight request.
func (a *APIAgent) Cancel() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		a.cancel()
	}
}

// SetAutoApprove is a no-op; the API agent has no tools to approve.
func (a *APIAgent) SetAutoApprove(enabled bool) {}

// SetModelOverride selects a model; empty string clears the override.
func (a *APIAgent) SetModelOverride(model string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.modelOverride = model
}

// SetTaskID associates the agent with a task for logging.
func (a *APIAgent) SetTaskID(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.taskID = id
}

// SetMessageTarget registers a live-stream sink.
func (a *APIAgent) SetMessageTarget(target MessageTarget) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.target = target
}

// GetResponseText returns the accumulated text for the current turn.
func (a *APIAgent) GetResponseText() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.responseText
}

// GetMessages returns a snapshot copy of the transcript.
func (a *APIAgent) GetMessages() []Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	msgs := make([]Message, len(a.messages))
	copy(msgs, a.messages)
	return msgs
}

// ClearToolCalls is a no-op; the API agent makes no tool calls.
func (a *APIAgent) ClearToolCalls() {}

// Verify APIAgent implements Agent at compile time.
var _ Agent = (*APIAgent)(nil)
