package automation

import (
	"testing"

	"github.com/kagansh/kagan/pkg/models"
)

func TestQueuedMessages_FIFO(t *testing.T) {
	q := NewQueuedMessageService()

	for _, content := range []string{"first", "second", "third"} {
		if err := q.QueueMessage("t1", models.LaneImplementation, content); err != nil {
			t.Fatalf("QueueMessage: %v", err)
		}
	}

	if !q.GetStatus("t1", models.LaneImplementation).HasQueued {
		t.Error("HasQueued = false with messages waiting")
	}

	for _, want := range []string{"first", "second", "third"} {
		msg, ok := q.TakeQueuedMessage("t1", models.LaneImplementation)
		if !ok || msg.Content != want {
			t.Errorf("TakeQueuedMessage = %q, %v; want %q", msg.Content, ok, want)
		}
	}

	if _, ok := q.TakeQueuedMessage("t1", models.LaneImplementation); ok {
		t.Error("take from empty queue succeeded")
	}
	if q.GetStatus("t1", models.LaneImplementation).HasQueued {
		t.Error("HasQueued = true after draining")
	}
}

func TestQueuedMessages_LanesAreIndependent(t *testing.T) {
	q := NewQueuedMessageService()

	q.QueueMessage("t1", models.LaneImplementation, "impl note")
	q.QueueMessage("t1", models.LaneReview, "review note")

	msg, ok := q.TakeQueuedMessage("t1", models.LaneImplementation)
	if !ok || msg.Content != "impl note" {
		t.Fatalf("implementation lane = %q, %v", msg.Content, ok)
	}

	// Draining one lane leaves the other untouched.
	if !q.GetStatus("t1", models.LaneReview).HasQueued {
		t.Error("review lane drained by implementation take")
	}
	msg, ok = q.TakeQueuedMessage("t1", models.LaneReview)
	if !ok || msg.Content != "review note" {
		t.Errorf("review lane = %q, %v", msg.Content, ok)
	}
}

func TestQueuedMessages_TasksAreIndependent(t *testing.T) {
	q := NewQueuedMessageService()

	q.QueueMessage("t1", models.LaneImplementation, "for t1")
	q.QueueMessage("t2", models.LaneImplementation, "for t2")

	msg, _ := q.TakeQueuedMessage("t2", models.LaneImplementation)
	if msg.Content != "for t2" {
		t.Errorf("t2 head = %q", msg.Content)
	}
	if !q.GetStatus("t1", models.LaneImplementation).HasQueued {
		t.Error("t1 queue affected by t2 take")
	}
}

func TestQueuedMessages_RemoveByIndex(t *testing.T) {
	q := NewQueuedMessageService()

	q.QueueMessage("t1", models.LaneImplementation, "keep")
	q.QueueMessage("t1", models.LaneImplementation, "drop")
	q.QueueMessage("t1", models.LaneImplementation, "keep too")

	if err := q.RemoveQueuedMessage("t1", 1, models.LaneImplementation); err != nil {
		t.Fatalf("RemoveQueuedMessage: %v", err)
	}

	remaining := q.GetQueuedMessages("t1", models.LaneImplementation)
	if len(remaining) != 2 || remaining[0].Content != "keep" || remaining[1].Content != "keep too" {
		t.Errorf("remaining = %v", remaining)
	}

	if err := q.RemoveQueuedMessage("t1", 5, models.LaneImplementation); err == nil {
		t.Error("out-of-range remove succeeded")
	}
}

func TestQueuedMessages_Validation(t *testing.T) {
	q := NewQueuedMessageService()

	if err := q.QueueMessage("t1", models.Lane("bogus"), "x"); err == nil {
		t.Error("invalid lane accepted")
	}
	if err := q.QueueMessage("", models.LaneImplementation, "x"); err == nil {
		t.Error("empty task id accepted")
	}
}

func TestQueuedMessages_GetDoesNotConsume(t *testing.T) {
	q := NewQueuedMessageService()
	q.QueueMessage("t1", models.LaneImplementation, "peek")

	if got := q.GetQueuedMessages("t1", models.LaneImplementation); len(got) != 1 {
		t.Fatalf("GetQueuedMessages = %v", got)
	}
	if got := q.GetQueuedMessages("t1", models.LaneImplementation); len(got) != 1 {
		t.Error("GetQueuedMessages consumed the queue")
	}
}
