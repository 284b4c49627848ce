package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/taskdeck/taskdeck/internal/db"
)

// ErrTaskNotFound is returned for lookups of unknown task ids.
var ErrTaskNotFound = errors.New("task not found")

// Store persists tasks and their chat/log history. Writes go through the
// writer pool; reads through the reader pool.
type Store struct {
	db *sqlx.DB // writer
	ro *sqlx.DB // reader
}

// NewStore creates a Store on the pool and initializes the schema.
func NewStore(pool *db.Pool) (*Store, error) {
	s := &Store{db: pool.Writer(), ro: pool.Reader()}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize task schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			user_input TEXT NOT NULL DEFAULT '',
			spec TEXT NOT NULL DEFAULT '',
			spec_was_edited BOOLEAN NOT NULL DEFAULT FALSE,
			final_spec TEXT NOT NULL DEFAULT '',
			plan TEXT NOT NULL DEFAULT '',
			repo_url TEXT NOT NULL,
			target_branch TEXT NOT NULL DEFAULT '',
			branch_name TEXT NOT NULL DEFAULT '',
			context_files TEXT NOT NULL DEFAULT '',
			build_command TEXT NOT NULL DEFAULT '',
			repository_id TEXT NOT NULL DEFAULT '',
			agent_backend TEXT NOT NULL DEFAULT '',
			agent_model TEXT NOT NULL DEFAULT '',
			pr_url TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			review_feedback TEXT NOT NULL DEFAULT '',
			diff_snapshot TEXT NOT NULL DEFAULT '',
			conflict_files TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_repository_id ON tasks(repository_id)`,
		`CREATE TABLE IF NOT EXISTS task_chat (
			id INTEGER PRIMARY KEY,
			task_id TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT '',
			text TEXT NOT NULL DEFAULT '',
			tool TEXT NOT NULL DEFAULT '',
			summary TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_task_chat_task ON task_chat(task_id, id)`,
		`CREATE TABLE IF NOT EXISTS task_logs (
			id INTEGER PRIMARY KEY,
			task_id TEXT NOT NULL,
			level TEXT NOT NULL,
			message TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_task_logs_task ON task_logs(task_id, id)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

const taskColumns = `id, title, description, user_input, spec, spec_was_edited, final_spec, plan,
	repo_url, target_branch, branch_name, context_files, build_command, repository_id,
	agent_backend, agent_model, pr_url, error_message, review_feedback,
	diff_snapshot, conflict_files, status, created_at, updated_at`

// Create inserts a new task, assigning id and timestamps.
func (s *Store) Create(ctx context.Context, t *Task) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.Status == "" {
		t.Status = StatusDraft
	}
	t.Status = Normalize(t.Status)
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`),
		t.ID, t.Title, t.Description, t.UserInput, t.Spec, t.SpecWasEdited, t.FinalSpec, t.Plan,
		t.RepoURL, t.TargetBranch, t.BranchName, marshalJSONColumn(t.ContextFiles), t.BuildCommand, t.RepositoryID,
		t.AgentBackend, t.AgentModel, t.PRURL, t.ErrorMessage, t.ReviewFeedback,
		marshalJSONColumn(t.DiffSnapshot), marshalJSONColumn(t.ConflictFiles), t.Status, t.CreatedAt, t.UpdatedAt)
	return err
}

// Get retrieves a task by id.
func (s *Store) Get(ctx context.Context, id string) (*Task, error) {
	row := s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT `+taskColumns+` FROM tasks WHERE id = ?
	`), id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return t, err
}

// List returns all tasks, newest first. A non-empty repositoryID filters by
// grouping key.
func (s *Store) List(ctx context.Context, repositoryID string) ([]*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	args := []any{}
	if repositoryID != "" {
		query += ` WHERE repository_id = ?`
		args = append(args, repositoryID)
	}
	query += ` ORDER BY created_at DESC, id`

	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

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

// Update persists all mutable fields of the task.
func (s *Store) Update(ctx context.Context, t *Task) error {
	t.Status = Normalize(t.Status)
	t.UpdatedAt = time.Now().UTC()

	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE tasks SET title = ?, description = ?, user_input = ?, spec = ?, spec_was_edited = ?,
			final_spec = ?, plan = ?, repo_url = ?, target_branch = ?, branch_name = ?,
			context_files = ?, build_command = ?, repository_id = ?, agent_backend = ?, agent_model = ?,
			pr_url = ?, error_message = ?, review_feedback = ?, diff_snapshot = ?, conflict_files = ?,
			status = ?, updated_at = ?
		WHERE id = ?
	`),
		t.Title, t.Description, t.UserInput, t.Spec, t.SpecWasEdited,
		t.FinalSpec, t.Plan, t.RepoURL, t.TargetBranch, t.BranchName,
		marshalJSONColumn(t.ContextFiles), t.BuildCommand, t.RepositoryID, t.AgentBackend, t.AgentModel,
		t.PRURL, t.ErrorMessage, t.ReviewFeedback, marshalJSONColumn(t.DiffSnapshot), marshalJSONColumn(t.ConflictFiles),
		t.Status, t.UpdatedAt, t.ID)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, t.ID)
	}
	return nil
}

// Delete removes the task and its chat/log history.
func (s *Store) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM tasks WHERE id = ?`), id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	_, _ = s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM task_chat WHERE task_id = ?`), id)
	_, _ = s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM task_logs WHERE task_id = ?`), id)
	return nil
}

// AppendChat persists one chat turn or tool-activity entry.
func (s *Store) AppendChat(ctx context.Context, rec *ChatRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO task_chat (task_id, role, text, tool, summary, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`), rec.TaskID, rec.Role, rec.Text, rec.Tool, rec.Summary, rec.CreatedAt)
	return err
}

// ListChat returns the task's chat history in insertion order.
func (s *Store) ListChat(ctx context.Context, taskID string) ([]*ChatRecord, error) {
	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(`
		SELECT id, task_id, role, text, tool, summary, created_at
		FROM task_chat WHERE task_id = ? ORDER BY id
	`), taskID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var records []*ChatRecord
	for rows.Next() {
		rec := &ChatRecord{}
		if err := rows.Scan(&rec.ID, &rec.TaskID, &rec.Role, &rec.Text, &rec.Tool, &rec.Summary, &rec.CreatedAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// AppendLog persists one log line.
func (s *Store) AppendLog(ctx context.Context, rec *LogRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO task_logs (task_id, level, message, created_at)
		VALUES (?, ?, ?, ?)
	`), rec.TaskID, rec.Level, rec.Message, rec.CreatedAt)
	return err
}

// ListLogs returns up to limit of the task's most recent log lines, oldest
// first. limit <= 0 returns everything.
func (s *Store) ListLogs(ctx context.Context, taskID string, limit int) ([]*LogRecord, error) {
	query := `SELECT id, task_id, level, message, created_at FROM task_logs WHERE task_id = ? ORDER BY id`
	args := []any{taskID}
	if limit > 0 {
		query = `SELECT id, task_id, level, message, created_at FROM (
			SELECT id, task_id, level, message, created_at FROM task_logs
			WHERE task_id = ? ORDER BY id DESC LIMIT ?
		) recent ORDER BY id`
		args = append(args, limit)
	}

	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var records []*LogRecord
	for rows.Next() {
		rec := &LogRecord{}
		if err := rows.Scan(&rec.ID, &rec.TaskID, &rec.Level, &rec.Message, &rec.CreatedAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	t := &Task{}
	var contextFiles, diffSnapshot, conflictFiles string
	err := row.Scan(
		&t.ID, &t.Title, &t.Description, &t.UserInput, &t.Spec, &t.SpecWasEdited, &t.FinalSpec, &t.Plan,
		&t.RepoURL, &t.TargetBranch, &t.BranchName, &contextFiles, &t.BuildCommand, &t.RepositoryID,
		&t.AgentBackend, &t.AgentModel, &t.PRURL, &t.ErrorMessage, &t.ReviewFeedback,
		&diffSnapshot, &conflictFiles, &t.Status, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if contextFiles != "" {
		_ = json.Unmarshal([]byte(contextFiles), &t.ContextFiles)
	}
	if diffSnapshot != "" {
		snapshot := &DiffSnapshot{}
		if json.Unmarshal([]byte(diffSnapshot), snapshot) == nil {
			t.DiffSnapshot = snapshot
		}
	}
	if conflictFiles != "" {
		_ = json.Unmarshal([]byte(conflictFiles), &t.ConflictFiles)
	}
	return t, nil
}
