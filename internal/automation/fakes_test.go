package automation

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kagansh/kagan/internal/agent"
	"github.com/kagansh/kagan/internal/workspace"
	"github.com/kagansh/kagan/pkg/models"
)

// fakeTaskStore is an in-memory TaskStore.
type fakeTaskStore struct {
	mu     sync.Mutex
	tasks  map[string]*models.Task
	pads   map[string]string
	events []string // "taskID/kind: message"
}

func newFakeTaskStore() *fakeTaskStore {
	return &fakeTaskStore{
		tasks: make(map[string]*models.Task),
		pads:  make(map[string]string),
	}
}

func (f *fakeTaskStore) addTask(id string, status models.TaskStatus, taskType models.TaskType) *models.Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	task := &models.Task{
		ID:     id,
		Title:  "Task " + id,
		Status: status,
		Type:   taskType,
	}
	f.tasks[id] = task
	return task
}

func (f *fakeTaskStore) removeTask(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.tasks, id)
}

func (f *fakeTaskStore) GetTask(id string) (*models.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	task, ok := f.tasks[id]
	if !ok {
		return nil, nil
	}
	copied := *task
	return &copied, nil
}

func (f *fakeTaskStore) GetByStatus(status models.TaskStatus) ([]*models.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Task
	for _, task := range f.tasks {
		if task.Status == status {
			copied := *task
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (f *fakeTaskStore) ListTasks(projectID string) ([]*models.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Task
	for _, task := range f.tasks {
		copied := *task
		out = append(out, &copied)
	}
	return out, nil
}

func (f *fakeTaskStore) UpdateFields(id string, fields map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	task, ok := f.tasks[id]
	if !ok {
		return fmt.Errorf("task %s not found", id)
	}
	for name, value := range fields {
		switch name {
		case "status":
			task.Status = models.TaskStatus(value.(string))
		case "scratchpad":
			f.pads[id] = value.(string)
		case "checks_passed":
			task.ChecksPassed = value.(bool)
		case "review_summary":
			task.ReviewSummary = value.(string)
		case "merge_failed":
			task.MergeFailed = value.(bool)
		case "merge_error":
			task.MergeError = value.(string)
		case "merge_readiness":
			task.MergeReadiness = models.MergeReadiness(value.(string))
		case "last_error":
			task.LastError = value.(string)
		case "block_reason":
			task.BlockReason = value.(string)
		default:
			return fmt.Errorf("unknown field %q", name)
		}
	}
	return nil
}

func (f *fakeTaskStore) SetStatus(id string, status models.TaskStatus) error {
	return f.UpdateFields(id, map[string]any{"status": string(status)})
}

func (f *fakeTaskStore) IncrementTotalIterations(id string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	task, ok := f.tasks[id]
	if !ok {
		return 0, fmt.Errorf("task %s not found", id)
	}
	task.TotalIterations++
	return task.TotalIterations, nil
}

func (f *fakeTaskStore) GetScratchpad(id string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pads[id], nil
}

func (f *fakeTaskStore) UpdateScratchpad(id, scratchpad string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pads[id] = scratchpad
	return nil
}

func (f *fakeTaskStore) AppendEvent(taskID, kind, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, fmt.Sprintf("%s/%s: %s", taskID, kind, message))
	return nil
}

func (f *fakeTaskStore) ClearAgentLogs(taskID string) error { return nil }

func (f *fakeTaskStore) status(id string) models.TaskStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	if task, ok := f.tasks[id]; ok {
		return task.Status
	}
	return ""
}

func (f *fakeTaskStore) scratchpad(id string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pads[id]
}

func (f *fakeTaskStore) eventLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.events...)
}

var _ TaskStore = (*fakeTaskStore)(nil)

// fakeExecStore is an in-memory ExecutionStore with shallow metadata merge.
type fakeExecStore struct {
	mu    sync.Mutex
	seq   int
	execs map[string]*models.Execution
	logs  map[string][]string
}

func newFakeExecStore() *fakeExecStore {
	return &fakeExecStore{
		execs: make(map[string]*models.Execution),
		logs:  make(map[string][]string),
	}
}

func (f *fakeExecStore) CreateExecution(taskID, sessionID, runReason string, metadata map[string]any) (*models.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	if metadata == nil {
		metadata = map[string]any{}
	}
	exec := &models.Execution{
		ID:        fmt.Sprintf("exec-%d", f.seq),
		TaskID:    taskID,
		SessionID: sessionID,
		RunReason: runReason,
		Status:    models.ExecutionPending,
		Metadata:  metadata,
		CreatedAt: time.Now(),
	}
	f.execs[exec.ID] = exec
	return exec, nil
}

func (f *fakeExecStore) UpdateExecution(id string, status *models.ExecutionStatus, metadata map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	exec, ok := f.execs[id]
	if !ok {
		return fmt.Errorf("execution %s not found", id)
	}
	if status != nil {
		exec.Status = *status
		if status.Terminal() {
			now := time.Now()
			exec.CompletedAt = &now
		}
	}
	for k, v := range metadata {
		exec.Metadata[k] = v
	}
	return nil
}

func (f *fakeExecStore) AppendExecutionLog(executionID, payload string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs[executionID] = append(f.logs[executionID], payload)
	return nil
}

func (f *fakeExecStore) GetExecutionLogEntries(executionID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.logs[executionID]...), nil
}

func (f *fakeExecStore) CountExecutionLogEntries(executionID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.logs[executionID]), nil
}

func (f *fakeExecStore) ListAgentTurns(executionID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var turns []string
	prev := ""
	for _, payload := range f.logs[executionID] {
		snap, err := agent.UnmarshalSnapshot(payload)
		if err != nil || snap.ResponseText == "" {
			continue
		}
		if len(turns) > 0 && prev != "" && strings.HasPrefix(snap.ResponseText, prev) {
			turns[len(turns)-1] = snap.ResponseText
		} else {
			turns = append(turns, snap.ResponseText)
		}
		prev = snap.ResponseText
	}
	return turns, nil
}

func (f *fakeExecStore) GetLatestExecutionForTask(taskID string) (*models.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var latest *models.Execution
	for _, exec := range f.execs {
		if exec.TaskID != taskID {
			continue
		}
		if latest == nil || exec.ID > latest.ID {
			latest = exec
		}
	}
	return latest, nil
}

func (f *fakeExecStore) metadata(executionID string) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]any{}
	if exec, ok := f.execs[executionID]; ok {
		for k, v := range exec.Metadata {
			out[k] = v
		}
	}
	return out
}

var _ ExecutionStore = (*fakeExecStore)(nil)

// fakeWorkspace is an in-memory workspace.Service. mergeMaxActive records
// the largest number of concurrent MergeToBase calls observed.
type fakeWorkspace struct {
	mu        sync.Mutex
	paths     map[string]string
	createErr error
	dirty     map[string]bool
	statusErr error
	commits   []string
	mergeErrs map[string]error
	rebase    workspace.RebaseResult

	mergeDelay     time.Duration
	mergeActive    int32
	mergeMaxActive int32
	merged         []string
}

func newFakeWorkspace() *fakeWorkspace {
	return &fakeWorkspace{
		paths:     make(map[string]string),
		dirty:     make(map[string]bool),
		mergeErrs: make(map[string]error),
		rebase:    workspace.RebaseResult{Success: true, Message: "rebased"},
	}
}

func (f *fakeWorkspace) GetPath(taskID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paths[taskID]
}

func (f *fakeWorkspace) Create(taskID, baseBranch string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	path := "/worktrees/task-" + taskID
	f.paths[taskID] = path
	return path, nil
}

func (f *fakeWorkspace) Delete(taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.paths, taskID)
	return nil
}

func (f *fakeWorkspace) GetCommitLog(taskID, base string) (string, error) {
	return "abc123 did the work", nil
}

func (f *fakeWorkspace) GetDiffStats(taskID, base string) (string, error) {
	return "2 files changed", nil
}

func (f *fakeWorkspace) GetFilesChangedOnBase(taskID, base string) ([]string, error) {
	return []string{"shared.go"}, nil
}

func (f *fakeWorkspace) RebaseOntoBase(taskID, base string) workspace.RebaseResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rebase
}

func (f *fakeWorkspace) MergeToBase(taskID, base, message string) error {
	active := atomic.AddInt32(&f.mergeActive, 1)
	defer atomic.AddInt32(&f.mergeActive, -1)
	for {
		max := atomic.LoadInt32(&f.mergeMaxActive)
		if active <= max || atomic.CompareAndSwapInt32(&f.mergeMaxActive, max, active) {
			break
		}
	}
	if f.mergeDelay > 0 {
		time.Sleep(f.mergeDelay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.mergeErrs[taskID]; ok && err != nil {
		delete(f.mergeErrs, taskID)
		return err
	}
	f.merged = append(f.merged, taskID)
	return nil
}

func (f *fakeWorkspace) HasUncommittedChanges(path string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusErr != nil {
		return false, f.statusErr
	}
	return f.dirty[path], nil
}

func (f *fakeWorkspace) CommitAll(path, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dirty[path] = false
	f.commits = append(f.commits, message)
	return nil
}

func (f *fakeWorkspace) UserIdentity() (string, string) {
	return "Dev", "dev@example.com"
}

func (f *fakeWorkspace) mergedTasks() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.merged...)
}

var _ workspace.Service = (*fakeWorkspace)(nil)

// fakeTurn scripts one agent response as a sequence of streamed chunks.
// The full response text is the concatenation of the chunks.
type fakeTurn struct {
	chunks []string
}

// fakeAgent is a scripted agent.Agent. Each SendPrompt consumes one turn.
// When hold is non-nil, SendPrompt blocks until the channel is closed or
// the context is cancelled, which lets tests pin a concurrency slot.
type fakeAgent struct {
	mu       sync.Mutex
	identity string
	readOnly bool
	turns    []fakeTurn
	turnIdx  int
	prompts  []string
	target   agent.MessageTarget
	hold     chan struct{}

	responseText string
	messages     []agent.Message
	stopped      bool
}

func newFakeAgent(turns ...fakeTurn) *fakeAgent {
	return &fakeAgent{identity: "claude", turns: turns}
}

func (a *fakeAgent) Identity() string { return a.identity }

func (a *fakeAgent) Start(ctx context.Context) error { return nil }

func (a *fakeAgent) WaitReady(ctx context.Context, timeout time.Duration) error { return nil }

func (a *fakeAgent) SendPrompt(ctx context.Context, prompt string) error {
	a.mu.Lock()
	a.prompts = append(a.prompts, prompt)
	a.responseText = ""
	hold := a.hold
	var turn fakeTurn
	if a.turnIdx < len(a.turns) {
		turn = a.turns[a.turnIdx]
		a.turnIdx++
	}
	target := a.target
	a.mu.Unlock()

	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return agent.ErrCancelled
		}
	}
	if ctx.Err() != nil {
		return agent.ErrCancelled
	}

	for _, chunk := range turn.chunks {
		a.mu.Lock()
		a.responseText += chunk
		a.messages = append(a.messages, agent.Message{
			Role:      agent.RoleAssistant,
			Content:   chunk,
			Timestamp: time.Now(),
		})
		snap := agent.Snapshot{
			ResponseText: a.responseText,
			Messages:     append([]agent.Message(nil), a.messages...),
		}
		a.mu.Unlock()
		if target != nil {
			target.AgentUpdated(snap)
		}
	}
	return nil
}

func (a *fakeAgent) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopped = true
	return nil
}

func (a *fakeAgent) Cancel() {}

func (a *fakeAgent) SetAutoApprove(bool)    {}
func (a *fakeAgent) SetModelOverride(string) {}
func (a *fakeAgent) SetTaskID(string)        {}

func (a *fakeAgent) SetMessageTarget(target agent.MessageTarget) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.target = target
}

func (a *fakeAgent) GetResponseText() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.responseText
}

func (a *fakeAgent) GetMessages() []agent.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]agent.Message(nil), a.messages...)
}

func (a *fakeAgent) ClearToolCalls() {}

func (a *fakeAgent) wasStopped() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stopped
}

func (a *fakeAgent) promptCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.prompts)
}

func (a *fakeAgent) lastPrompt() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.prompts) == 0 {
		return ""
	}
	return a.prompts[len(a.prompts)-1]
}

var _ agent.Agent = (*fakeAgent)(nil)

// fakeFactory hands out scripted agents: implementation agents for
// read-write requests (per task, in order of first use) and review agents
// for read-only requests.
type fakeFactory struct {
	mu           sync.Mutex
	implByTask   map[string][]*fakeAgent // keyed by worktree suffix (task id)
	implDefault  []fakeTurn
	reviewAgents []*fakeAgent
	reviewIdx    int
	created      []*fakeAgent
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{implByTask: make(map[string][]*fakeAgent)}
}

// scriptImpl queues an implementation agent for the given task.
func (f *fakeFactory) scriptImpl(taskID string, a *fakeAgent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.implByTask[taskID] = append(f.implByTask[taskID], a)
}

// scriptReview queues a review agent.
func (f *fakeFactory) scriptReview(a *fakeAgent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a.readOnly = true
	f.reviewAgents = append(f.reviewAgents, a)
}

func (f *fakeFactory) NewAgent(backend, worktree string, readOnly bool) (agent.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if readOnly {
		if f.reviewIdx < len(f.reviewAgents) {
			a := f.reviewAgents[f.reviewIdx]
			f.reviewIdx++
			f.created = append(f.created, a)
			return a, nil
		}
		a := newFakeAgent(fakeTurn{chunks: []string{`<approve reason="default"/>`}})
		a.readOnly = true
		f.created = append(f.created, a)
		return a, nil
	}

	taskID := strings.TrimPrefix(worktree, "/worktrees/task-")
	if queue := f.implByTask[taskID]; len(queue) > 0 {
		a := queue[0]
		f.implByTask[taskID] = queue[1:]
		f.created = append(f.created, a)
		return a, nil
	}
	a := newFakeAgent(fakeTurn{chunks: []string{"<complete/>"}})
	f.created = append(f.created, a)
	return a, nil
}

func (f *fakeFactory) createdAgents() []*fakeAgent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeAgent(nil), f.created...)
}

var _ agent.Factory = (*fakeFactory)(nil)

// statusRecorder captures StatusChanged observer callbacks.
type statusRecorder struct {
	NoopObserver
	mu      sync.Mutex
	changes []string // "taskID: from->to"
}

func (r *statusRecorder) StatusChanged(taskID string, from, to *models.TaskStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, t := "none", "none"
	if from != nil {
		f = string(*from)
	}
	if to != nil {
		t = string(*to)
	}
	r.changes = append(r.changes, fmt.Sprintf("%s: %s->%s", taskID, f, t))
}

func (r *statusRecorder) saw(change string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.changes {
		if c == change {
			return true
		}
	}
	return false
}

func (r *statusRecorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.changes...)
}
