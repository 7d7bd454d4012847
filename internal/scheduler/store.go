package scheduler

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Store handles task and execution persistence.
type Store struct {
	db *sql.DB
}

// NewStore creates a scheduler store on an open SQLite database. The
// schema is created automatically. The caller owns db.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		schedule_json TEXT NOT NULL,
		payload_json TEXT NOT NULL,
		enabled INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		created_by TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS executions (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		scheduled_at TEXT NOT NULL,
		started_at TEXT,
		completed_at TEXT,
		status TEXT NOT NULL,
		result TEXT,
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_executions_task_id ON executions(task_id);
	CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status);
	`

	_, err := s.db.Exec(schema)
	return err
}

// NewID generates a new UUIDv7.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

const taskColumns = `id, name, schedule_json, payload_json, enabled, created_at, created_by, updated_at`

// CreateTask persists a new task.
func (s *Store) CreateTask(t *Task) error {
	if t.ID == "" {
		t.ID = NewID()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	t.UpdatedAt = time.Now()

	scheduleJSON, payloadJSON, err := encodeTask(t)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.Name, scheduleJSON, payloadJSON, boolInt(t.Enabled),
		t.CreatedAt.Format(time.RFC3339Nano), t.CreatedBy, t.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID. Returns [ErrNotFound] when absent.
func (s *Store) GetTask(id string) (*Task, error) {
	row := s.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return t, err
}

// ListTasks returns all tasks, optionally filtered by enabled status,
// oldest first.
func (s *Store) ListTasks(enabledOnly bool) ([]*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	if enabledOnly {
		query += ` WHERE enabled = 1`
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// UpdateTask updates an existing task. Returns [ErrNotFound] when no
// task has t.ID.
func (s *Store) UpdateTask(t *Task) error {
	t.UpdatedAt = time.Now()

	scheduleJSON, payloadJSON, err := encodeTask(t)
	if err != nil {
		return err
	}

	res, err := s.db.Exec(`
		UPDATE tasks SET name = ?, schedule_json = ?, payload_json = ?, enabled = ?, updated_at = ?
		WHERE id = ?
	`, t.Name, scheduleJSON, payloadJSON, boolInt(t.Enabled),
		t.UpdatedAt.Format(time.RFC3339Nano), t.ID)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	return expectRow(res, t.ID)
}

// DeleteTask removes a task and its executions. Returns [ErrNotFound]
// when no task has the given ID.
func (s *Store) DeleteTask(id string) error {
	res, err := s.db.Exec(`DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return expectRow(res, id)
}

// CreateExecution records a new execution.
func (s *Store) CreateExecution(e *Execution) error {
	if e.ID == "" {
		e.ID = NewID()
	}

	_, err := s.db.Exec(`
		INSERT INTO executions (id, task_id, scheduled_at, started_at, completed_at, status, result)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.TaskID, e.ScheduledAt.Format(time.RFC3339Nano),
		formatOptional(e.StartedAt), formatOptional(e.CompletedAt), e.Status, e.Result)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

// UpdateExecution updates an execution record.
func (s *Store) UpdateExecution(e *Execution) error {
	_, err := s.db.Exec(`
		UPDATE executions SET started_at = ?, completed_at = ?, status = ?, result = ?
		WHERE id = ?
	`, formatOptional(e.StartedAt), formatOptional(e.CompletedAt), e.Status, e.Result, e.ID)
	if err != nil {
		return fmt.Errorf("update execution: %w", err)
	}
	return nil
}

// ListExecutions returns executions for a task, newest first.
func (s *Store) ListExecutions(taskID string, limit int) ([]*Execution, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.Query(`
		SELECT id, task_id, scheduled_at, started_at, completed_at, status, result
		FROM executions WHERE task_id = ?
		ORDER BY scheduled_at DESC LIMIT ?
	`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var execs []*Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		execs = append(execs, e)
	}
	return execs, rows.Err()
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var t Task
	var scheduleJSON, payloadJSON string
	var enabled int
	var createdAt, updatedAt string

	err := row.Scan(&t.ID, &t.Name, &scheduleJSON, &payloadJSON, &enabled, &createdAt, &t.CreatedBy, &updatedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(scheduleJSON), &t.Schedule); err != nil {
		return nil, fmt.Errorf("unmarshal schedule: %w", err)
	}
	if err := json.Unmarshal([]byte(payloadJSON), &t.Payload); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}

	t.Enabled = enabled == 1
	t.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	t.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)

	return &t, nil
}

func scanExecution(row rowScanner) (*Execution, error) {
	var e Execution
	var scheduledAt string
	var startedAt, completedAt, result sql.NullString

	err := row.Scan(&e.ID, &e.TaskID, &scheduledAt, &startedAt, &completedAt, &e.Status, &result)
	if err != nil {
		return nil, err
	}

	e.ScheduledAt, _ = time.Parse(time.RFC3339Nano, scheduledAt)
	e.StartedAt = parseOptional(startedAt)
	e.CompletedAt = parseOptional(completedAt)
	e.Result = result.String

	return &e, nil
}

func encodeTask(t *Task) (schedule, payload string, err error) {
	scheduleJSON, err := json.Marshal(t.Schedule)
	if err != nil {
		return "", "", fmt.Errorf("marshal schedule: %w", err)
	}
	payloadJSON, err := json.Marshal(t.Payload)
	if err != nil {
		return "", "", fmt.Errorf("marshal payload: %w", err)
	}
	return string(scheduleJSON), string(payloadJSON), nil
}

func expectRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatOptional(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339Nano)
	return &s
}

func parseOptional(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return nil
	}
	return &t
}
