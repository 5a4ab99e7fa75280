package state

import (
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/kagansh/kagan/pkg/models"
)

// TaskRepository provides CRUD operations for tasks and their event log.
type TaskRepository struct {
	db *DB
}

// NewTaskRepository creates a task repository over the given database.
func NewTaskRepository(db *DB) *TaskRepository {
	return &TaskRepository{db: db}
}

// taskColumns is the select list shared by every task query, in scan order.
const taskColumns = `id, project_id, title, description, acceptance_criteria, scratchpad,
	status, task_type, base_branch, agent_backend, total_iterations,
	merge_readiness, checks_passed, review_summary, merge_failed, merge_error,
	last_error, block_reason, created_at, updated_at`

// CreateTask inserts a new task. CreatedAt/UpdatedAt are set if zero.
func (r *TaskRepository) CreateTask(task *models.Task) error {
	if task.ID == "" {
		return fmt.Errorf("task id is required")
	}
	if task.Title == "" {
		return fmt.Errorf("task title is required")
	}
	if task.Status == "" {
		task.Status = models.StatusBacklog
	}
	if !task.Status.Valid() {
		return fmt.Errorf("invalid task status: %s", task.Status)
	}
	if task.Type == "" {
		task.Type = models.TypeAuto
	}

	now := time.Now()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	if task.UpdatedAt.IsZero() {
		task.UpdatedAt = now
	}

	_, err := r.db.Exec(`
		INSERT INTO tasks (
			id, project_id, title, description, acceptance_criteria, scratchpad,
			status, task_type, base_branch, agent_backend, total_iterations,
			merge_readiness, checks_passed, review_summary, merge_failed, merge_error,
			last_error, block_reason, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.ProjectID, task.Title, task.Description, task.AcceptanceCriteria,
		task.Scratchpad, string(task.Status), string(task.Type), task.BaseBranch,
		task.AgentBackend, task.TotalIterations, string(task.MergeReadiness),
		boolToInt(task.ChecksPassed), task.ReviewSummary, boolToInt(task.MergeFailed),
		task.MergeError, task.LastError, task.BlockReason,
		formatTime(task.CreatedAt), formatTime(task.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetTask fetches a task by id. Returns (nil, nil) when the task is absent.
func (r *TaskRepository) GetTask(id string) (*models.Task, error) {
	row := r.db.QueryRow("SELECT "+taskColumns+" FROM tasks WHERE id = ?", id)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return task, nil
}

// GetByStatus returns all tasks with the given status, oldest first.
func (r *TaskRepository) GetByStatus(status models.TaskStatus) ([]*models.Task, error) {
	rows, err := r.db.Query(
		"SELECT "+taskColumns+" FROM tasks WHERE status = ? ORDER BY created_at ASC",
		string(status),
	)
	if err != nil {
		return nil, fmt.Errorf("query tasks by status: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// ListTasks returns all tasks, optionally filtered by project, oldest first.
func (r *TaskRepository) ListTasks(projectID string) ([]*models.Task, error) {
	query := "SELECT " + taskColumns + " FROM tasks ORDER BY created_at ASC"
	args := []any{}
	if projectID != "" {
		query = "SELECT " + taskColumns + " FROM tasks WHERE project_id = ? ORDER BY created_at ASC"
		args = append(args, projectID)
	}

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// taskFieldColumns maps the updatable field names accepted by UpdateFields
// to their columns. Status changes go through SetStatus so observers fire.
var taskFieldColumns = map[string]string{
	"title":               "title",
	"description":         "description",
	"acceptance_criteria": "acceptance_criteria",
	"scratchpad":          "scratchpad",
	"status":              "status",
	"task_type":           "task_type",
	"base_branch":         "base_branch",
	"agent_backend":       "agent_backend",
	"merge_readiness":     "merge_readiness",
	"checks_passed":       "checks_passed",
	"review_summary":      "review_summary",
	"merge_failed":        "merge_failed",
	"merge_error":         "merge_error",
	"last_error":          "last_error",
	"block_reason":        "block_reason",
}

// UpdateFields applies a partial update to the named fields. Unknown field
// names are rejected so callers can't silently drop data.
func (r *TaskRepository) UpdateFields(id string, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}

	names := make([]string, 0, len(fields))
	for name := range fields {
		if _, ok := taskFieldColumns[name]; !ok {
			return fmt.Errorf("unknown task field %q", name)
		}
		names = append(names, name)
	}
	sort.Strings(names)

	var sets []string
	var args []any
	for _, name := range names {
		sets = append(sets, taskFieldColumns[name]+" = ?")
		value := fields[name]
		if b, ok := value.(bool); ok {
			value = boolToInt(b)
		}
		args = append(args, value)
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, formatTime(time.Now()))
	args = append(args, id)

	result, err := r.db.Exec(
		"UPDATE tasks SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...,
	)
	if err != nil {
		return fmt.Errorf("update task %s: %w", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update task %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("task %s not found", id)
	}
	return nil
}

// SetStatus updates the task's status column.
func (r *TaskRepository) SetStatus(id string, status models.TaskStatus) error {
	if !status.Valid() {
		return fmt.Errorf("invalid task status: %s", status)
	}
	return r.UpdateFields(id, map[string]any{"status": string(status)})
}

// IncrementTotalIterations bumps the lifetime iteration counter by one and
// returns the new value.
func (r *TaskRepository) IncrementTotalIterations(id string) (int, error) {
	var total int
	err := r.db.Transaction(func(tx *sql.Tx) error {
		result, err := tx.Exec(
			"UPDATE tasks SET total_iterations = total_iterations + 1, updated_at = ? WHERE id = ?",
			formatTime(time.Now()), id,
		)
		if err != nil {
			return fmt.Errorf("increment iterations for %s: %w", id, err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("task %s not found", id)
		}
		row := tx.QueryRow("SELECT total_iterations FROM tasks WHERE id = ?", id)
		return row.Scan(&total)
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

// GetScratchpad returns the task's scratchpad text.
func (r *TaskRepository) GetScratchpad(id string) (string, error) {
	var pad string
	row := r.db.QueryRow("SELECT scratchpad FROM tasks WHERE id = ?", id)
	if err := row.Scan(&pad); err != nil {
		if err == sql.ErrNoRows {
			return "", fmt.Errorf("task %s not found", id)
		}
		return "", fmt.Errorf("get scratchpad for %s: %w", id, err)
	}
	return pad, nil
}

// UpdateScratchpad replaces the task's scratchpad text.
func (r *TaskRepository) UpdateScratchpad(id, scratchpad string) error {
	return r.UpdateFields(id, map[string]any{"scratchpad": scratchpad})
}

// AppendEvent records a structured entry in the task's event log.
func (r *TaskRepository) AppendEvent(taskID, kind, message string) error {
	_, err := r.db.Exec(
		"INSERT INTO task_events (task_id, kind, message, created_at) VALUES (?, ?, ?, ?)",
		taskID, kind, message, formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("append event for %s: %w", taskID, err)
	}
	return nil
}

// ListEvents returns the task's event log, oldest first. limit <= 0 means all.
func (r *TaskRepository) ListEvents(taskID string, limit int) ([]*models.TaskEvent, error) {
	query := "SELECT id, task_id, kind, message, created_at FROM task_events WHERE task_id = ? ORDER BY id ASC"
	args := []any{taskID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events for %s: %w", taskID, err)
	}
	defer rows.Close()

	var events []*models.TaskEvent
	for rows.Next() {
		var e models.TaskEvent
		var createdAt string
		if err := rows.Scan(&e.ID, &e.TaskID, &e.Kind, &e.Message, &createdAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if t, err := parseTime(createdAt); err == nil {
			e.CreatedAt = t
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

// ClearAgentLogs removes all execution log entries for the task's executions.
// Execution rows themselves are kept for history.
func (r *TaskRepository) ClearAgentLogs(taskID string) error {
	_, err := r.db.Exec(`
		DELETE FROM execution_logs WHERE execution_id IN (
			SELECT id FROM executions WHERE task_id = ?
		)`, taskID,
	)
	if err != nil {
		return fmt.Errorf("clear agent logs for %s: %w", taskID, err)
	}
	return nil
}

// DeleteTask removes a task, its events, and its execution history.
func (r *TaskRepository) DeleteTask(id string) error {
	return r.db.Transaction(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`
			DELETE FROM execution_logs WHERE execution_id IN (
				SELECT id FROM executions WHERE task_id = ?
			)`, id); err != nil {
			return fmt.Errorf("delete execution logs: %w", err)
		}
		if _, err := tx.Exec("DELETE FROM executions WHERE task_id = ?", id); err != nil {
			return fmt.Errorf("delete executions: %w", err)
		}
		if _, err := tx.Exec("DELETE FROM task_events WHERE task_id = ?", id); err != nil {
			return fmt.Errorf("delete task events: %w", err)
		}
		if _, err := tx.Exec("DELETE FROM tasks WHERE id = ?", id); err != nil {
			return fmt.Errorf("delete task: %w", err)
		}
		return nil
	})
}

// scanner abstracts sql.Row and sql.Rows for scanTask.
type scanner interface {
	Scan(dest ...any) error
}

func scanTask(s scanner) (*models.Task, error) {
	var t models.Task
	var status, taskType, readiness string
	var checksPassed, mergeFailed int
	var createdAt, updatedAt string

	err := s.Scan(
		&t.ID, &t.ProjectID, &t.Title, &t.Description, &t.AcceptanceCriteria,
		&t.Scratchpad, &status, &taskType, &t.BaseBranch, &t.AgentBackend,
		&t.TotalIterations, &readiness, &checksPassed, &t.ReviewSummary,
		&mergeFailed, &t.MergeError, &t.LastError, &t.BlockReason,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.Status = models.TaskStatus(status)
	t.Type = models.TaskType(taskType)
	t.MergeReadiness = models.MergeReadiness(readiness)
	t.ChecksPassed = checksPassed != 0
	t.MergeFailed = mergeFailed != 0
	if ts, err := parseTime(createdAt); err == nil {
		t.CreatedAt = ts
	}
	if ts, err := parseTime(updatedAt); err == nil {
		t.UpdatedAt = ts
	}
	return &t, nil
}

func scanTasks(rows *sql.Rows) ([]*models.Task, error) {
	var tasks []*models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
