package automation

import (
	"fmt"
	"sync"
	"time"

	"github.com/kagansh/kagan/pkg/models"
)

// laneKey identifies one per-task, per-lane FIFO.
type laneKey struct {
	taskID string
	lane   models.Lane
}

// LaneStatus summarizes one queue for UI polling.
type LaneStatus struct {
	// HasQueued is true when at least one message is waiting.
	HasQueued bool `json:"has_queued"`
}

// QueuedMessageService holds per-(task, lane) FIFOs of follow-up prompts.
// Lanes are independent: consuming from one never affects another. The
// service is internally synchronized and safe to call from any goroutine.
type QueuedMessageService struct {
	mu     sync.Mutex
	queues map[laneKey][]models.QueuedMessage
}

// NewQueuedMessageService creates an empty queued-message service.
func NewQueuedMessageService() *QueuedMessageService {
	return &QueuedMessageService{
		queues: make(map[laneKey][]models.QueuedMessage),
	}
}

// QueueMessage appends a message to the tail of the (task, lane) queue.
// Duplicate content is kept; ordering is strictly FIFO.
func (q *QueuedMessageService) QueueMessage(taskID string, lane models.Lane, content string) error {
	if !lane.Valid() {
		return fmt.Errorf("invalid lane %q", lane)
	}
	if taskID == "" {
		return fmt.Errorf("task id is required")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	key := laneKey{taskID: taskID, lane: lane}
	q.queues[key] = append(q.queues[key], models.QueuedMessage{
		TaskID:     taskID,
		Lane:       lane,
		Content:    content,
		EnqueuedAt: time.Now(),
	})
	return nil
}

// GetQueuedMessages returns a copy of the queue without consuming it.
func (q *QueuedMessageService) GetQueuedMessages(taskID string, lane models.Lane) []models.QueuedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()

	queue := q.queues[laneKey{taskID: taskID, lane: lane}]
	out := make([]models.QueuedMessage, len(queue))
	copy(out, queue)
	return out
}

// TakeQueuedMessage pops the head of the queue. The second return is false
// when the queue is empty.
func (q *QueuedMessageService) TakeQueuedMessage(taskID string, lane models.Lane) (models.QueuedMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := laneKey{taskID: taskID, lane: lane}
	queue := q.queues[key]
	if len(queue) == 0 {
		return models.QueuedMessage{}, false
	}

	head := queue[0]
	if len(queue) == 1 {
		delete(q.queues, key)
	} else {
		q.queues[key] = queue[1:]
	}
	return head, true
}

// RemoveQueuedMessage removes the message at index from the queue.
func (q *QueuedMessageService) RemoveQueuedMessage(taskID string, index int, lane models.Lane) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := laneKey{taskID: taskID, lane: lane}
	queue := q.queues[key]
	if index < 0 || index >= len(queue) {
		return fmt.Errorf("no queued message at index %d", index)
	}

	queue = append(queue[:index], queue[index+1:]...)
	if len(queue) == 0 {
		delete(q.queues, key)
	} else {
		q.queues[key] = queue
	}
	return nil
}

// GetStatus reports whether the (task, lane) queue has waiting messages.
func (q *QueuedMessageService) GetStatus(taskID string, lane models.Lane) LaneStatus {
	q.mu.Lock()
	defer q.mu.Unlock()
	return LaneStatus{HasQueued: len(q.queues[laneKey{taskID: taskID, lane: lane}]) > 0}
}
