package models

import "time"

// ExecutionStatus represents the lifecycle state of an execution record.
type ExecutionStatus string

const (
	// ExecutionPending indicates the execution row exists but the runner
	// has not started yet.
	ExecutionPending ExecutionStatus = "pending"
	// ExecutionRunning indicates the runner is live.
	ExecutionRunning ExecutionStatus = "running"
	// ExecutionCompleted indicates the session finished normally.
	ExecutionCompleted ExecutionStatus = "completed"
	// ExecutionFailed indicates the session ended with an error.
	ExecutionFailed ExecutionStatus = "failed"
	// ExecutionCancelled indicates the session was stopped by the user.
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// Terminal returns true if the status will not change again.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled:
		return true
	default:
		return false
	}
}

// Metadata keys written by the automation core.
const (
	// MetaReviewLogStartIndex marks the boundary between implementation-phase
	// and review-phase log entries.
	MetaReviewLogStartIndex = "review_log_start_index"
	// MetaReviewResult holds the serialized review verdict.
	MetaReviewResult = "review_result"
)

// Execution is the durable record covering one runner session.
type Execution struct {
	// ID is the unique identifier for this execution.
	ID string `json:"id"`
	// TaskID is the task this execution ran for.
	TaskID string `json:"task_id"`
	// SessionID groups executions belonging to one core session.
	SessionID string `json:"session_id"`
	// RunReason records why the execution was started (spawn, merge_retry, ...).
	RunReason string `json:"run_reason,omitempty"`
	// Status is the lifecycle state of the execution.
	Status ExecutionStatus `json:"status"`
	// Metadata is a key-value bag merged shallowly on update.
	Metadata map[string]any `json:"metadata,omitempty"`
	// CreatedAt is when the execution was created.
	CreatedAt time.Time `json:"created_at"`
	// CompletedAt is when the execution reached a terminal status.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// ReviewResult is the verdict stored under MetaReviewResult.
type ReviewResult struct {
	// Status is "approved" or "rejected".
	Status string `json:"status"`
	// Summary is the reviewer's reasoning.
	Summary string `json:"summary,omitempty"`
}
