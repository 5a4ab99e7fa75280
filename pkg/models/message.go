package models

import "time"

// Lane names a per-task FIFO of queued follow-up prompts.
type Lane string

const (
	// LaneImplementation feeds prompts into the run loop.
	LaneImplementation Lane = "implementation"
	// LaneReview feeds prompts into the reviewer.
	LaneReview Lane = "review"
	// LanePlanner feeds prompts into the planner (external collaborator).
	LanePlanner Lane = "planner"
)

// Valid returns true if the lane is a known value.
func (l Lane) Valid() bool {
	switch l {
	case LaneImplementation, LaneReview, LanePlanner:
		return true
	default:
		return false
	}
}

// QueuedMessage is a follow-up prompt waiting in a task's lane.
type QueuedMessage struct {
	// TaskID is the task the message is queued for.
	TaskID string `json:"task_id"`
	// Lane selects which consumer drains the message.
	Lane Lane `json:"lane"`
	// Content is the prompt text. Duplicates are not deduplicated.
	Content string `json:"content"`
	// EnqueuedAt is when the message was queued.
	EnqueuedAt time.Time `json:"enqueued_at"`
}
