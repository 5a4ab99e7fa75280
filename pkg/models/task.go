package models

import "time"

// TaskStatus represents the current state of a task on the board.
type TaskStatus string

const (
	// StatusBacklog indicates the task is not being worked on.
	StatusBacklog TaskStatus = "backlog"
	// StatusInProgress indicates an agent is (or should be) working the task.
	StatusInProgress TaskStatus = "in_progress"
	// StatusReview indicates the task is awaiting or undergoing review.
	StatusReview TaskStatus = "review"
	// StatusDone indicates the task is merged and finished.
	StatusDone TaskStatus = "done"
)

// Valid returns true if the status is a known value.
func (s TaskStatus) Valid() bool {
	switch s {
	case StatusBacklog, StatusInProgress, StatusReview, StatusDone:
		return true
	default:
		return false
	}
}

// TaskType distinguishes autonomous tasks from interactive pairing tasks.
type TaskType string

const (
	// TypeAuto marks a task driven by the automation core.
	TypeAuto TaskType = "auto"
	// TypePair marks a task driven interactively by the user.
	TypePair TaskType = "pair"
)

// MergeReadiness summarizes how safe an approved task is to merge.
type MergeReadiness string

const (
	// ReadinessRisk means the task has not been fully vetted yet.
	ReadinessRisk MergeReadiness = "risk"
	// ReadinessBlocked means review or merge failed and needs attention.
	ReadinessBlocked MergeReadiness = "blocked"
	// ReadinessReady means the task is clear to merge.
	ReadinessReady MergeReadiness = "ready"
)

// Task represents a unit of work supervised by the automation core.
// Tasks are owned by the task repository; the core reads them and mutates
// them only through repository calls.
type Task struct {
	// ID is the unique identifier for this task.
	ID string `json:"id"`
	// ProjectID identifies the project the task belongs to.
	ProjectID string `json:"project_id,omitempty"`
	// Title is the short description of the task.
	Title string `json:"title"`
	// Description provides detailed information about the task.
	Description string `json:"description,omitempty"`
	// AcceptanceCriteria defines the criteria for task completion.
	AcceptanceCriteria string `json:"acceptance_criteria,omitempty"`
	// Scratchpad is the append-only narrative accumulated across iterations.
	Scratchpad string `json:"scratchpad,omitempty"`
	// Status is the current state of the task.
	Status TaskStatus `json:"status"`
	// Type determines whether the automation core runs agents for this task.
	Type TaskType `json:"task_type"`
	// BaseBranch is the branch the task's worktree is rooted at.
	BaseBranch string `json:"base_branch,omitempty"`
	// AgentBackend selects the coding-agent backend (claude, opencode, api).
	AgentBackend string `json:"agent_backend,omitempty"`
	// TotalIterations is the lifetime iteration counter across sessions.
	TotalIterations int `json:"total_iterations"`
	// MergeReadiness summarizes merge safety after review.
	MergeReadiness MergeReadiness `json:"merge_readiness,omitempty"`
	// ChecksPassed records whether automated checks passed.
	ChecksPassed bool `json:"checks_passed"`
	// ReviewSummary holds the reviewer's verdict text.
	ReviewSummary string `json:"review_summary,omitempty"`
	// MergeFailed indicates the last merge attempt failed.
	MergeFailed bool `json:"merge_failed"`
	// MergeError holds the last merge failure message.
	MergeError string `json:"merge_error,omitempty"`
	// LastError holds the last agent or workspace error message.
	LastError string `json:"last_error,omitempty"`
	// BlockReason holds the reason the agent reported it was blocked.
	BlockReason string `json:"block_reason,omitempty"`
	// CreatedAt is when the task was created.
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt is when the task was last modified.
	UpdatedAt time.Time `json:"updated_at"`
}

// IsAuto returns true if the automation core should run agents for this task.
func (t *Task) IsAuto() bool {
	return t.Type == TypeAuto
}

// TaskEvent is a structured entry in a task's event log ("merge", "review", ...).
type TaskEvent struct {
	// ID is the auto-assigned event id.
	ID int64 `json:"id"`
	// TaskID is the task this event belongs to.
	TaskID string `json:"task_id"`
	// Kind categorizes the event (status, merge, review, merge_retry).
	Kind string `json:"kind"`
	// Message is the human-readable event text.
	Message string `json:"message"`
	// CreatedAt is when the event was recorded.
	CreatedAt time.Time `json:"created_at"`
}
