package state

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kagansh/kagan/pkg/models"
)

// ExecutionRepository persists execution records and their streamed logs.
type ExecutionRepository struct {
	db *DB
}

// NewExecutionRepository creates an execution repository over the given database.
func NewExecutionRepository(db *DB) *ExecutionRepository {
	return &ExecutionRepository{db: db}
}

// CreateExecution inserts a new execution row for the task. The id is a
// short uuid; the initial status is pending.
func (r *ExecutionRepository) CreateExecution(taskID, sessionID, runReason string, metadata map[string]any) (*models.Execution, error) {
	if taskID == "" {
		return nil, fmt.Errorf("task id is required")
	}
	if metadata == nil {
		metadata = map[string]any{}
	}

	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}

	exec := &models.Execution{
		ID:        uuid.New().String()[:8],
		TaskID:    taskID,
		SessionID: sessionID,
		RunReason: runReason,
		Status:    models.ExecutionPending,
		Metadata:  metadata,
		CreatedAt: time.Now(),
	}

	_, err = r.db.Exec(`
		INSERT INTO executions (id, task_id, session_id, run_reason, status, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.TaskID, exec.SessionID, exec.RunReason,
		string(exec.Status), string(metaJSON), formatTime(exec.CreatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("insert execution: %w", err)
	}
	return exec, nil
}

// UpdateExecution applies a partial update. A nil status leaves the status
// untouched. Metadata keys are merged shallowly into the stored bag: keys
// absent from the update survive unchanged. A terminal status stamps
// completed_at.
func (r *ExecutionRepository) UpdateExecution(id string, status *models.ExecutionStatus, metadata map[string]any) error {
	return r.db.Transaction(func(tx *sql.Tx) error {
		var currentStatus, metaJSON string
		row := tx.QueryRow("SELECT status, metadata FROM executions WHERE id = ?", id)
		if err := row.Scan(&currentStatus, &metaJSON); err != nil {
			if err == sql.ErrNoRows {
				return fmt.Errorf("execution %s not found", id)
			}
			return fmt.Errorf("load execution %s: %w", id, err)
		}

		merged := map[string]any{}
		if metaJSON != "" {
			if err := json.Unmarshal([]byte(metaJSON), &merged); err != nil {
				return fmt.Errorf("decode metadata for %s: %w", id, err)
			}
		}
		for k, v := range metadata {
			merged[k] = v
		}
		mergedJSON, err := json.Marshal(merged)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}

		newStatus := currentStatus
		if status != nil {
			newStatus = string(*status)
		}

		var completedAt any
		if status != nil && status.Terminal() {
			completedAt = formatTime(time.Now())
			_, err = tx.Exec(
				"UPDATE executions SET status = ?, metadata = ?, completed_at = ? WHERE id = ?",
				newStatus, string(mergedJSON), completedAt, id,
			)
		} else {
			_, err = tx.Exec(
				"UPDATE executions SET status = ?, metadata = ? WHERE id = ?",
				newStatus, string(mergedJSON), id,
			)
		}
		if err != nil {
			return fmt.Errorf("update execution %s: %w", id, err)
		}
		return nil
	})
}

// GetExecution fetches an execution by id. Returns (nil, nil) when absent.
func (r *ExecutionRepository) GetExecution(id string) (*models.Execution, error) {
	row := r.db.QueryRow(`
		SELECT id, task_id, session_id, run_reason, status, metadata, created_at, completed_at
		FROM executions WHERE id = ?`, id)
	exec, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get execution %s: %w", id, err)
	}
	return exec, nil
}

// GetLatestExecutionForTask returns the task's most recent execution, or
// (nil, nil) if the task has none.
func (r *ExecutionRepository) GetLatestExecutionForTask(taskID string) (*models.Execution, error) {
	row := r.db.QueryRow(`
		SELECT id, task_id, session_id, run_reason, status, metadata, created_at, completed_at
		FROM executions WHERE task_id = ?
		ORDER BY created_at DESC, id DESC LIMIT 1`, taskID)
	exec, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest execution for %s: %w", taskID, err)
	}
	return exec, nil
}

// ListExecutionsForTask returns all executions for a task, oldest first.
func (r *ExecutionRepository) ListExecutionsForTask(taskID string) ([]*models.Execution, error) {
	rows, err := r.db.Query(`
		SELECT id, task_id, session_id, run_reason, status, metadata, created_at, completed_at
		FROM executions WHERE task_id = ?
		ORDER BY created_at ASC, id ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list executions for %s: %w", taskID, err)
	}
	defer rows.Close()

	var execs []*models.Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		execs = append(execs, exec)
	}
	return execs, rows.Err()
}

// AppendExecutionLog appends one payload to the execution's ordered log.
// The runner calls this once per streamed agent update, so the log is a
// sequence of ever-growing transcript snapshots.
func (r *ExecutionRepository) AppendExecutionLog(executionID, payload string) error {
	_, err := r.db.Exec(
		"INSERT INTO execution_logs (execution_id, payload, created_at) VALUES (?, ?, ?)",
		executionID, payload, formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("append log for %s: %w", executionID, err)
	}
	return nil
}

// GetExecutionLogEntries returns the execution's log payloads in append order.
func (r *ExecutionRepository) GetExecutionLogEntries(executionID string) ([]string, error) {
	rows, err := r.db.Query(
		"SELECT payload FROM execution_logs WHERE execution_id = ? ORDER BY id ASC",
		executionID,
	)
	if err != nil {
		return nil, fmt.Errorf("log entries for %s: %w", executionID, err)
	}
	defer rows.Close()

	var entries []string
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan log entry: %w", err)
		}
		entries = append(entries, payload)
	}
	return entries, rows.Err()
}

// ListAgentTurns derives the agent's per-turn responses from the logged
// snapshots, oldest turn first. Snapshots within one turn accumulate text,
// so a snapshot that extends the previous text replaces it; one that does
// not starts a new turn (the agent's response resets between prompts).
func (r *ExecutionRepository) ListAgentTurns(executionID string) ([]string, error) {
	entries, err := r.GetExecutionLogEntries(executionID)
	if err != nil {
		return nil, err
	}

	var turns []string
	prev := ""
	for _, payload := range entries {
		var snap struct {
			ResponseText string `json:"response_text"`
		}
		if err := json.Unmarshal([]byte(payload), &snap); err != nil || snap.ResponseText == "" {
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

// CountExecutionLogEntries returns the number of log entries appended so far.
// The review phase records this as its starting index before appending.
func (r *ExecutionRepository) CountExecutionLogEntries(executionID string) (int, error) {
	var n int
	row := r.db.QueryRow(
		"SELECT COUNT(*) FROM execution_logs WHERE execution_id = ?", executionID,
	)
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("count log entries for %s: %w", executionID, err)
	}
	return n, nil
}

func scanExecution(s scanner) (*models.Execution, error) {
	var e models.Execution
	var status, metaJSON, createdAt string
	var completedAt sql.NullString

	err := s.Scan(&e.ID, &e.TaskID, &e.SessionID, &e.RunReason, &status, &metaJSON, &createdAt, &completedAt)
	if err != nil {
		return nil, err
	}

	e.Status = models.ExecutionStatus(status)
	if metaJSON != "" {
		if err := json.Unmarshal([]byte(metaJSON), &e.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	if t, err := parseTime(createdAt); err == nil {
		e.CreatedAt = t
	}
	e.CompletedAt = parseNullableTime(completedAt)
	return &e, nil
}
