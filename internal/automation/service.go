package automation

import (
	"context"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/kagansh/kagan/internal/agent"
	"github.com/kagansh/kagan/internal/config"
	"github.com/kagansh/kagan/internal/state"
	"github.com/kagansh/kagan/internal/workspace"
	"github.com/kagansh/kagan/pkg/models"
)

// TaskStore is the task persistence contract the core consumes.
type TaskStore interface {
	GetTask(id string) (*models.Task, error)
	GetByStatus(status models.TaskStatus) ([]*models.Task, error)
	ListTasks(projectID string) ([]*models.Task, error)
	UpdateFields(id string, fields map[string]any) error
	SetStatus(id string, status models.TaskStatus) error
	IncrementTotalIterations(id string) (int, error)
	GetScratchpad(id string) (string, error)
	UpdateScratchpad(id, scratchpad string) error
	AppendEvent(taskID, kind, message string) error
	ClearAgentLogs(taskID string) error
}

// ExecutionStore is the execution persistence contract the core consumes.
type ExecutionStore interface {
	CreateExecution(taskID, sessionID, runReason string, metadata map[string]any) (*models.Execution, error)
	UpdateExecution(id string, status *models.ExecutionStatus, metadata map[string]any) error
	AppendExecutionLog(executionID, payload string) error
	GetExecutionLogEntries(executionID string) ([]string, error)
	CountExecutionLogEntries(executionID string) (int, error)
	ListAgentTurns(executionID string) ([]string, error)
	GetLatestExecutionForTask(taskID string) (*models.Execution, error)
}

// The SQLite repositories satisfy the store contracts.
var (
	_ TaskStore      = (*state.TaskRepository)(nil)
	_ ExecutionStore = (*state.ExecutionRepository)(nil)
)

// orphanCleaner is implemented by workspace managers that can sweep
// leftover worktrees at startup.
type orphanCleaner interface {
	CleanupOrphans(activeTasks []string) (int, error)
}

// runningState is the per-task slot owned by the worker loop. Field reads
// from other goroutines go through Service accessors under the mutex.
type runningState struct {
	taskID      string
	executionID string
	cancel      context.CancelFunc
	agent       agent.Agent
	reviewAgent agent.Agent
	iteration   int
	isReviewing bool
}

// RunningTaskInfo is a read-only snapshot of one running slot.
type RunningTaskInfo struct {
	TaskID      string
	ExecutionID string
	Iteration   int
	IsReviewing bool
}

// eventQueueSize bounds the worker loop's event FIFO.
const eventQueueSize = 1024

// commandQueueSize bounds the internal completion/requeue command channel.
const commandQueueSize = 256

// Service is the automation core. A single worker goroutine is the sole
// mutator of the running map and the pending-spawn queue; everything else
// communicates with it through the event and command channels.
type Service struct {
	cfg       *config.Config
	tasks     TaskStore
	execs     ExecutionStore
	workspace workspace.Service
	agents    agent.Factory
	queued    *QueuedMessageService
	notifier  Notifier

	// sessionID groups this process lifetime's executions.
	sessionID string

	events   chan StatusEvent
	commands chan func()
	done     chan struct{}
	wg       sync.WaitGroup

	// mergeMu serializes merge operations across all tasks; concurrent
	// completions race on the repository HEAD otherwise.
	mergeMu sync.Mutex

	mu         sync.RWMutex
	running    map[string]*runningState
	pending    []string
	pendingSet map[string]bool
	// reviewing latches in-flight reviews per task. It is separate from
	// the running map so UI-initiated reviews of tasks without a runner
	// are deduplicated too.
	reviewing map[string]bool
	observers []Observer
	started   bool
}

// New creates the automation core over its collaborators. The notifier
// defaults to the process log; replace it with SetNotifier.
func New(cfg *config.Config, tasks TaskStore, execs ExecutionStore, ws workspace.Service, agents agent.Factory) *Service {
	if cfg == nil {
		cfg = config.Default()
	}
	return &Service{
		cfg:        cfg,
		tasks:      tasks,
		execs:      execs,
		workspace:  ws,
		agents:     agents,
		queued:     NewQueuedMessageService(),
		notifier:   LogNotifier{},
		sessionID:  uuid.New().String()[:8],
		events:     make(chan StatusEvent, eventQueueSize),
		commands:   make(chan func(), commandQueueSize),
		done:       make(chan struct{}),
		running:    make(map[string]*runningState),
		pendingSet: make(map[string]bool),
		reviewing:  make(map[string]bool),
	}
}

// SetNotifier replaces the notification sink.
func (s *Service) SetNotifier(n Notifier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n != nil {
		s.notifier = n
	}
}

// AddObserver registers a lifecycle observer.
func (s *Service) AddObserver(o Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, o)
}

// Queued returns the queued-message service.
func (s *Service) Queued() *QueuedMessageService {
	return s.queued
}

// Start launches the worker loop. When auto_start is enabled, pre-existing
// IN_PROGRESS AUTO tasks are re-admitted, and orphaned worktrees from a
// previous crash are swept.
func (s *Service) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.workerLoop()

	s.cleanupOrphans()

	if s.cfg.Automation.AutoStart {
		s.reconcileInProgress()
	}
	return nil
}

// Shutdown stops the worker loop and cancels all runners.
func (s *Service) Shutdown() {
	s.mu.Lock()
	for _, entry := range s.running {
		entry.cancel()
		if entry.agent != nil {
			_ = entry.agent.Stop()
		}
		if entry.reviewAgent != nil {
			_ = entry.reviewAgent.Stop()
		}
	}
	s.mu.Unlock()

	close(s.done)
	s.wg.Wait()
}

// HandleEvent enqueues a status event for the worker loop. The queue is
// bounded; an overflowing event is dropped with a log line rather than
// blocking the caller.
func (s *Service) HandleEvent(ev StatusEvent) {
	select {
	case s.events <- ev:
	default:
		log.Printf("[automation] event queue full, dropping event for task %s", ev.TaskID)
	}
}

// SpawnForTask requests that the task's agent be started. The task is moved
// to IN_PROGRESS and the spawn decision is left to the worker loop.
func (s *Service) SpawnForTask(taskID string) error {
	task, err := s.tasks.GetTask(taskID)
	if err != nil {
		return err
	}
	if task == nil {
		return nil
	}

	from := task.Status
	if task.Status != models.StatusInProgress {
		if err := s.tasks.SetStatus(taskID, models.StatusInProgress); err != nil {
			return err
		}
	}
	s.publishStatus(taskID, statusPtr(from), statusPtr(models.StatusInProgress))
	return nil
}

// StopTask requests that the task's runner be stopped and the task parked
// in BACKLOG. Returns true when a stop was issued.
func (s *Service) StopTask(taskID string) bool {
	task, err := s.tasks.GetTask(taskID)
	if err != nil || task == nil {
		return false
	}

	if task.Status == models.StatusInProgress {
		if err := s.tasks.SetStatus(taskID, models.StatusBacklog); err != nil {
			log.Printf("[automation] stop %s: %v", taskID, err)
			return false
		}
	}
	s.publishStatus(taskID, statusPtr(models.StatusInProgress), statusPtr(models.StatusBacklog))
	return true
}

// publishStatus notifies observers of a persisted status transition and
// feeds the event back into the worker loop.
func (s *Service) publishStatus(taskID string, from, to *models.TaskStatus) {
	s.mu.RLock()
	observers := append([]Observer(nil), s.observers...)
	s.mu.RUnlock()
	for _, o := range observers {
		o.StatusChanged(taskID, from, to)
	}
	s.HandleEvent(StatusEvent{TaskID: taskID, From: from, To: to})
}

// notifyObservers invokes fn on a snapshot of the observer list.
func (s *Service) notifyObservers(fn func(Observer)) {
	s.mu.RLock()
	observers := append([]Observer(nil), s.observers...)
	s.mu.RUnlock()
	for _, o := range observers {
		fn(o)
	}
}

// IsRunning reports whether the task occupies a running slot.
func (s *Service) IsRunning(taskID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.running[taskID]
	return ok
}

// RunningTasks returns a snapshot of all running slots.
func (s *Service) RunningTasks() []RunningTaskInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]RunningTaskInfo, 0, len(s.running))
	for _, entry := range s.running {
		out = append(out, RunningTaskInfo{
			TaskID:      entry.taskID,
			ExecutionID: entry.executionID,
			Iteration:   entry.iteration,
			IsReviewing: entry.isReviewing,
		})
	}
	return out
}

// PendingTasks returns a snapshot of the pending-spawn queue, head first.
func (s *Service) PendingTasks() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.pending...)
}

// AgentFor returns the task's live implementation agent, or nil.
func (s *Service) AgentFor(taskID string) agent.Agent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if entry, ok := s.running[taskID]; ok {
		return entry.agent
	}
	return nil
}

// ReviewAgentFor returns the task's live review agent, or nil.
func (s *Service) ReviewAgentFor(taskID string) agent.Agent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if entry, ok := s.running[taskID]; ok {
		return entry.reviewAgent
	}
	return nil
}

// workerLoop is the single consumer of the event queue and the sole
// mutator of the running map and the pending-spawn queue.
func (s *Service) workerLoop() {
	defer s.wg.Done()

	for {
		select {
		case ev := <-s.events:
			s.processEvent(ev)
		case fn := <-s.commands:
			fn()
		case <-s.done:
			return
		}
	}
}

// processEvent applies the scheduling rules for one event. A panic inside
// a handler is logged and must not take down the worker loop.
func (s *Service) processEvent(ev StatusEvent) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[automation] event handler panic for task %s: %v", ev.TaskID, r)
		}
	}()

	// Deletion: stop whatever is running and forget the task.
	if ev.To == nil {
		s.stopRunner(ev.TaskID)
		s.dropPending(ev.TaskID)
		return
	}

	task, err := s.tasks.GetTask(ev.TaskID)
	if err != nil {
		log.Printf("[automation] fetch task %s: %v", ev.TaskID, err)
		return
	}
	if task == nil {
		s.stopRunner(ev.TaskID)
		s.dropPending(ev.TaskID)
		// The event may have been a pending drain; offer the slot to the
		// next candidate.
		s.drainPending()
		return
	}
	if !task.IsAuto() {
		s.drainPending()
		return
	}

	switch {
	case *ev.To == models.StatusInProgress:
		s.admit(task)
	case ev.From != nil && *ev.From == models.StatusInProgress && *ev.To != models.StatusReview:
		// REVIEW is part of normal completion and must not cancel the
		// runner mid-review; every other exit from IN_PROGRESS stops it.
		s.stopRunner(ev.TaskID)
	}
}

// admit decides whether to spawn, queue, or ignore a spawn request.
// Runs on the worker loop.
func (s *Service) admit(task *models.Task) {
	// Stale spawn requests (from the pending queue or a re-delivered
	// event) are dropped once the task has moved on. Dropping may have
	// consumed a pending drain, so the queue is offered the slot again.
	if task.Status != models.StatusInProgress {
		s.drainPending()
		return
	}

	s.mu.Lock()
	if _, ok := s.running[task.ID]; ok {
		s.mu.Unlock()
		return
	}
	if len(s.running) >= s.cfg.Automation.MaxConcurrentAgents {
		if !s.pendingSet[task.ID] {
			s.pending = append(s.pending, task.ID)
			s.pendingSet[task.ID] = true
			log.Printf("[automation] at capacity, queued task %s (pending=%d)", task.ID, len(s.pending))
		}
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.spawn(task)
}

// spawn resets review state, registers the running slot, and launches the
// runner goroutine. Runs on the worker loop, inline, so is_running checks
// observe the slot before the event handler returns.
func (s *Service) spawn(task *models.Task) {
	if err := s.tasks.UpdateFields(task.ID, map[string]any{
		"checks_passed":  false,
		"review_summary": "",
		"merge_failed":   false,
		"merge_error":    "",
		"last_error":     "",
		"block_reason":   "",
	}); err != nil {
		log.Printf("[automation] reset review state for %s: %v", task.ID, err)
	}
	if err := s.tasks.ClearAgentLogs(task.ID); err != nil {
		log.Printf("[automation] clear agent logs for %s: %v", task.ID, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	entry := &runningState{taskID: task.ID, cancel: cancel}

	s.mu.Lock()
	s.running[task.ID] = entry
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.finishRunner(task.ID)
		defer func() {
			if r := recover(); r != nil {
				log.Printf("[automation] runner panic for task %s: %v", task.ID, r)
			}
		}()
		s.runLoop(runCtx, task.ID)
	}()
}

// finishRunner is the runner completion callback. The slot removal and the
// pending drain are forwarded to the worker loop to preserve the
// single-writer invariant.
func (s *Service) finishRunner(taskID string) {
	s.enqueueCommand(func() {
		s.mu.Lock()
		entry, ok := s.running[taskID]
		if ok {
			delete(s.running, taskID)
		}
		s.mu.Unlock()

		if ok {
			if entry.agent != nil {
				_ = entry.agent.Stop()
			}
			if entry.reviewAgent != nil {
				_ = entry.reviewAgent.Stop()
			}
		}

		s.notifyObservers(func(o Observer) { o.TaskEnded(taskID) })
		s.drainPending()
	})
}

// requeueTask appends the task to the pending-spawn FIFO. Used by the run
// loop when a completed session left follow-up messages behind.
func (s *Service) requeueTask(taskID string) {
	s.enqueueCommand(func() {
		s.mu.Lock()
		if !s.pendingSet[taskID] {
			s.pending = append(s.pending, taskID)
			s.pendingSet[taskID] = true
		}
		s.mu.Unlock()
	})
}

// enqueueCommand forwards fn to the worker loop.
func (s *Service) enqueueCommand(fn func()) {
	select {
	case s.commands <- fn:
	case <-s.done:
	}
}

// drainPending admits the first drainable pending task by issuing a
// synthetic spawn event. The task is re-resolved at event time; when the
// event handler then drops it as stale (deleted, type-changed, no longer
// IN_PROGRESS), it calls back here so the next candidate is considered and
// a freed slot never sits idle over an eligible queue. A pending task whose
// runner is still live keeps its place: its own slot release drains it.
// Runs on the worker loop.
func (s *Service) drainPending() {
	s.mu.Lock()
	if len(s.running) >= s.cfg.Automation.MaxConcurrentAgents {
		s.mu.Unlock()
		return
	}
	var head string
	for i, id := range s.pending {
		if _, live := s.running[id]; live {
			continue
		}
		head = id
		s.pending = append(s.pending[:i], s.pending[i+1:]...)
		delete(s.pendingSet, head)
		break
	}
	s.mu.Unlock()

	if head == "" {
		return
	}
	s.HandleEvent(StatusEvent{
		TaskID: head,
		To:     statusPtr(models.StatusInProgress),
	})
}

// dropPending removes a task from the pending queue. Runs on the worker loop.
func (s *Service) dropPending(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.pendingSet[taskID] {
		return
	}
	delete(s.pendingSet, taskID)
	for i, id := range s.pending {
		if id == taskID {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			break
		}
	}
}

// stopRunner cancels a task's runner and stops its agents. Runs on the
// worker loop. Cancellation is cooperative: the runner abandons its
// iteration without further status or log writes.
func (s *Service) stopRunner(taskID string) {
	s.mu.Lock()
	entry, ok := s.running[taskID]
	if ok {
		delete(s.running, taskID)
	}
	s.mu.Unlock()

	if !ok {
		return
	}

	entry.cancel()
	if entry.agent != nil {
		_ = entry.agent.Stop()
	}
	if entry.reviewAgent != nil {
		_ = entry.reviewAgent.Stop()
	}
	log.Printf("[automation] stopped runner for task %s", taskID)
}

// setRunnerAgent publishes the implementation agent into the running slot.
func (s *Service) setRunnerAgent(taskID string, a agent.Agent) {
	s.mu.Lock()
	if entry, ok := s.running[taskID]; ok {
		entry.agent = a
	}
	s.mu.Unlock()
	s.notifyObservers(func(o Observer) { o.AgentAttached(taskID) })
}

// setReviewAgent publishes the review agent and latches is_reviewing.
func (s *Service) setReviewAgent(taskID string, a agent.Agent) {
	s.mu.Lock()
	if entry, ok := s.running[taskID]; ok {
		entry.reviewAgent = a
		entry.isReviewing = a != nil
	}
	s.mu.Unlock()
	if a != nil {
		s.notifyObservers(func(o Observer) { o.ReviewAgentAttached(taskID) })
	}
}

// setIteration publishes run-loop progress.
func (s *Service) setIteration(taskID string, iteration int) {
	s.mu.Lock()
	if entry, ok := s.running[taskID]; ok {
		entry.iteration = iteration
	}
	s.mu.Unlock()
	s.notifyObservers(func(o Observer) {
		o.IterationChanged(taskID, iteration, s.cfg.Automation.MaxIterations)
	})
}

// setExecutionID records the live execution in the running slot so the UI
// can attach to its log stream.
func (s *Service) setExecutionID(taskID, executionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.running[taskID]; ok {
		entry.executionID = executionID
	}
}

// reconcileInProgress re-admits IN_PROGRESS AUTO tasks found at startup.
func (s *Service) reconcileInProgress() {
	tasks, err := s.tasks.GetByStatus(models.StatusInProgress)
	if err != nil {
		log.Printf("[automation] startup reconciliation: %v", err)
		return
	}
	for _, task := range tasks {
		if !task.IsAuto() {
			continue
		}
		log.Printf("[automation] re-admitting in-progress task %s at startup", task.ID)
		s.HandleEvent(StatusEvent{TaskID: task.ID, To: statusPtr(models.StatusInProgress)})
	}
}

// cleanupOrphans sweeps worktrees for tasks no longer on the board.
func (s *Service) cleanupOrphans() {
	cleaner, ok := s.workspace.(orphanCleaner)
	if !ok {
		return
	}

	// Every task on the board keeps its worktree; parked tasks may hold
	// uncommitted changes the user still wants.
	tasks, err := s.tasks.ListTasks("")
	if err != nil {
		return
	}
	active := make([]string, 0, len(tasks))
	for _, task := range tasks {
		active = append(active, task.ID)
	}

	if n, err := cleaner.CleanupOrphans(active); err == nil && n > 0 {
		log.Printf("[automation] removed %d orphaned worktrees", n)
	}
}
