package automation

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kagansh/kagan/pkg/models"
)

// JobKind names the automation actions the UI can submit.
type JobKind string

const (
	// JobStartAgent requests that a task's agent be spawned.
	JobStartAgent JobKind = "start_agent"
	// JobStopAgent requests that a task's runner be stopped.
	JobStopAgent JobKind = "stop_agent"
)

// JobStatus is the lifecycle state of a submitted job.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// JobResult carries the terminal outcome of a job.
type JobResult struct {
	// Success is true when the action took effect.
	Success bool `json:"success"`
	// Code is a short machine-readable outcome ("spawned", "queued", ...).
	Code string `json:"code"`
	// Message is the human-readable outcome.
	Message string `json:"message"`
	// Runtime is how long the submission waited.
	Runtime time.Duration `json:"runtime"`
}

// Job is one submitted automation action.
type Job struct {
	// ID is the job's unique identifier.
	ID string `json:"id"`
	// Kind is the requested action.
	Kind JobKind `json:"kind"`
	// TaskID is the task the action applies to.
	TaskID string `json:"task_id"`
	// Status is the job's lifecycle state.
	Status JobStatus `json:"status"`
	// Result is set once the job reaches a terminal status.
	Result *JobResult `json:"result,omitempty"`
	// SubmittedAt is when the job was accepted.
	SubmittedAt time.Time `json:"submitted_at"`
}

// jobPollInterval is how often SubmitJob re-checks the running map while
// waiting for the scheduler.
const jobPollInterval = 50 * time.Millisecond

// SubmitJob runs a UI action against the core. Start jobs wait up to the
// configured submission window for the scheduler to admit the task; a task
// still waiting after that is reported as queued, not failed, and the UI
// must not mutate task state locally.
func (s *Service) SubmitJob(kind JobKind, taskID string) *Job {
	job := &Job{
		ID:          uuid.New().String()[:8],
		Kind:        kind,
		TaskID:      taskID,
		Status:      JobRunning,
		SubmittedAt: time.Now(),
	}

	switch kind {
	case JobStartAgent:
		s.runStartJob(job)
	case JobStopAgent:
		s.runStopJob(job)
	default:
		job.Status = JobFailed
		job.Result = &JobResult{Code: "unknown_kind", Message: fmt.Sprintf("unknown job kind %q", kind)}
	}

	if job.Result != nil {
		job.Result.Runtime = time.Since(job.SubmittedAt)
	}
	return job
}

// runStartJob spawns the task and waits briefly for admission.
func (s *Service) runStartJob(job *Job) {
	task, err := s.tasks.GetTask(job.TaskID)
	if err != nil {
		job.Status = JobFailed
		job.Result = &JobResult{Code: "lookup_failed", Message: err.Error()}
		return
	}
	if task == nil {
		job.Status = JobFailed
		job.Result = &JobResult{Code: "not_found", Message: fmt.Sprintf("task %s not found", job.TaskID)}
		return
	}
	if !task.IsAuto() {
		job.Status = JobFailed
		job.Result = &JobResult{Code: "not_auto", Message: fmt.Sprintf("task %s is not an AUTO task", job.TaskID)}
		return
	}
	if task.Status == models.StatusDone {
		job.Status = JobFailed
		job.Result = &JobResult{Code: "already_done", Message: fmt.Sprintf("task %s is already done", job.TaskID)}
		return
	}

	if err := s.SpawnForTask(job.TaskID); err != nil {
		job.Status = JobFailed
		job.Result = &JobResult{Code: "spawn_failed", Message: err.Error()}
		return
	}

	deadline := time.Now().Add(s.cfg.Timeouts.JobSubmit)
	for time.Now().Before(deadline) {
		if s.IsRunning(job.TaskID) {
			job.Status = JobSucceeded
			job.Result = &JobResult{Success: true, Code: "spawned", Message: "agent started"}
			return
		}
		time.Sleep(jobPollInterval)
	}

	// Not admitted within the window: the scheduler will pick it up when
	// a slot frees.
	job.Status = JobQueued
	job.Result = &JobResult{Code: "queued", Message: "queued; awaiting scheduler"}
}

// runStopJob stops the task's runner.
func (s *Service) runStopJob(job *Job) {
	if s.StopTask(job.TaskID) {
		job.Status = JobSucceeded
		job.Result = &JobResult{Success: true, Code: "stopped", Message: "stop requested"}
		return
	}
	job.Status = JobFailed
	job.Result = &JobResult{Code: "stop_failed", Message: fmt.Sprintf("task %s could not be stopped", job.TaskID)}
}
