// Package automation contains the event-driven core that turns task status
// changes into agent lifecycles: the single-writer worker loop, capacity
// bounded admission, the per-task run loop, review, and merge serialization.
package automation

import (
	"log"

	"github.com/kagansh/kagan/pkg/models"
)

// StatusEvent is one entry in the worker loop's event queue. It encodes
// every request the core reacts to as a status triple:
//
//   - spawn request:  From=nil, To=IN_PROGRESS
//   - stop request:   From=IN_PROGRESS, To=BACKLOG
//   - task deletion:  To=nil
type StatusEvent struct {
	// TaskID is the task the event refers to.
	TaskID string
	// From is the prior status, nil when unknown or not applicable.
	From *models.TaskStatus
	// To is the new status, nil when the task was deleted.
	To *models.TaskStatus
}

// statusPtr returns a pointer to a copy of the given status.
func statusPtr(s models.TaskStatus) *models.TaskStatus {
	return &s
}

// Severity classifies user notifications.
type Severity string

const (
	// SeverityInfo is routine progress information.
	SeverityInfo Severity = "information"
	// SeverityWarning needs user attention but work continues.
	SeverityWarning Severity = "warning"
	// SeverityError means an operation failed.
	SeverityError Severity = "error"
)

// Notifier delivers best-effort user notifications.
type Notifier interface {
	Notify(message, title string, severity Severity)
}

// LogNotifier writes notifications to the process log. It is the default
// sink when no UI notifier is registered.
type LogNotifier struct{}

// Notify logs the notification.
func (LogNotifier) Notify(message, title string, severity Severity) {
	log.Printf("[notify] %s: %s: %s", severity, title, message)
}

// Observer receives automation lifecycle callbacks. All methods are invoked
// from runner goroutines or the worker loop and must return quickly.
type Observer interface {
	// TaskStarted fires when a runner begins executing a task.
	TaskStarted(taskID string)
	// TaskEnded fires when a runner finishes, for any reason.
	TaskEnded(taskID string)
	// AgentAttached fires when an implementation agent is published.
	AgentAttached(taskID string)
	// ReviewAgentAttached fires when a review agent is published.
	ReviewAgentAttached(taskID string)
	// IterationChanged reports run-loop progress ("iteration 3 of 10").
	IterationChanged(taskID string, iteration, max int)
	// StatusChanged reports a task status transition after it is persisted.
	StatusChanged(taskID string, from, to *models.TaskStatus)
}

// NoopObserver implements Observer with empty methods, for embedding.
type NoopObserver struct{}

func (NoopObserver) TaskStarted(string)                                 {}
func (NoopObserver) TaskEnded(string)                                   {}
func (NoopObserver) AgentAttached(string)                               {}
func (NoopObserver) ReviewAgentAttached(string)                         {}
func (NoopObserver) IterationChanged(string, int, int)                  {}
func (NoopObserver) StatusChanged(string, *models.TaskStatus, *models.TaskStatus) {}

// Verify interface conformance at compile time.
var (
	_ Notifier = LogNotifier{}
	_ Observer = NoopObserver{}
)
