// Package store provides durable persistence for flagsweep tasks.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fentz26/flagsweep/internal/models"
	_ "modernc.org/sqlite"
)

var (
	// ErrAlreadyExists indicates a task for the same flag was already created.
	ErrAlreadyExists = errors.New("task already exists")
	// ErrNotFound indicates no task exists under the requested key.
	ErrNotFound = errors.New("task not found")
	// ErrTerminal indicates an update was attempted on a completed or failed task.
	ErrTerminal = errors.New("task already in a terminal state")
	// ErrInvalidFlag wraps models.ErrInvalidFlagName at creation time.
	ErrInvalidFlag = models.ErrInvalidFlagName
)

// ListError is yielded by ListPending when the pending set itself could not
// be read. Errors for individual records are yielded unwrapped and the
// sequence continues past them.
type ListError struct {
	Err error
}

func (e *ListError) Error() string { return "list pending: " + e.Err.Error() }

func (e *ListError) Unwrap() error { return e.Err }

// TaskStore is the contract shared by every task backend.
type TaskStore interface {
	CreateTask(ctx context.Context, flag, requestedBy string) (*models.Task, error)
	GetTask(ctx context.Context, key string) (*models.Task, error)
	ListTasks(ctx context.Context, status models.TaskStatus) ([]models.Task, error)
	// ListPending yields pending tasks in unspecified order. Every range over
	// the returned sequence reads the durable state again. A *ListError ends
	// the sequence; other errors belong to a single record.
	ListPending(ctx context.Context) iter.Seq2[*models.Task, error]
	UpdateTask(ctx context.Context, task *models.Task) error
	WriteAudit(ctx context.Context, entry *models.AuditEntry) error
	Close() error
}

// NewTask builds the pending record CreateTask persists.
func NewTask(flag, requestedBy string, now time.Time) (*models.Task, error) {
	if err := models.ValidateFlagName(flag); err != nil {
		return nil, err
	}
	now = now.UTC()
	return &models.Task{
		FlagName:    flag,
		Kind:        models.TaskKindRemoveFlag,
		RequestedBy: requestedBy,
		CreatedAt:   now,
		Status:      models.TaskStatusPending,
		UpdatedAt:   now,
	}, nil
}

// CheckTransition enforces status monotonicity for an overwrite of current by next.
func CheckTransition(current, next *models.Task) error {
	if current.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrTerminal, current.Key(), current.Status)
	}
	if !next.Status.Valid() {
		return fmt.Errorf("invalid status %q", next.Status)
	}
	if !next.CreatedAt.Equal(current.CreatedAt) {
		next.CreatedAt = current.CreatedAt
	}
	return nil
}

// Store is the SQLite task backend.
type Store struct {
	db *sql.DB
}

var _ TaskStore = (*Store)(nil)

// New creates a new Store and runs migrations.
func New(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		key TEXT PRIMARY KEY,
		flag_name TEXT NOT NULL,
		task_type TEXT NOT NULL,
		requested_by TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		failure_reason TEXT NOT NULL DEFAULT '',
		note TEXT NOT NULL DEFAULT '',
		proposal_url TEXT NOT NULL DEFAULT '',
		proposal_number INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS audit (
		id TEXT PRIMARY KEY,
		action TEXT NOT NULL,
		inputs_hash TEXT NOT NULL,
		outcome TEXT NOT NULL,
		task_key TEXT,
		details TEXT,
		timestamp DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	CREATE INDEX IF NOT EXISTS idx_audit_task_key ON audit(task_key);
	`

	_, err := s.db.Exec(schema)
	return err
}

const taskColumns = `flag_name, task_type, requested_by, status, failure_reason, note, proposal_url, proposal_number, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*models.Task, error) {
	var task models.Task
	err := row.Scan(&task.FlagName, &task.Kind, &task.RequestedBy, &task.Status, &task.FailureReason,
		&task.Note, &task.ProposalURL, &task.ProposalNumber, &task.CreatedAt, &task.UpdatedAt)
	if err != nil {
		return nil, err
	}
	task.CreatedAt = task.CreatedAt.UTC()
	task.UpdatedAt = task.UpdatedAt.UTC()
	return &task, nil
}

// --- Task Operations ---

// CreateTask inserts a new pending task keyed by models.TaskKey(flag).
func (s *Store) CreateTask(ctx context.Context, flag, requestedBy string) (*models.Task, error) {
	task, err := NewTask(flag, requestedBy, time.Now())
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks (key, `+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.Key(), task.FlagName, task.Kind, task.RequestedBy, task.Status, task.FailureReason,
		task.Note, task.ProposalURL, task.ProposalNumber, task.CreatedAt, task.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, task.Key())
		}
		return nil, fmt.Errorf("insert task: %w", err)
	}
	return task, nil
}

// GetTask retrieves a task by key.
func (s *Store) GetTask(ctx context.Context, key string) (*models.Task, error) {
	task, err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE key = ?`, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("query task: %w", err)
	}
	return task, nil
}

// ListTasks returns all tasks, optionally filtered by status.
func (s *Store) ListTasks(ctx context.Context, status models.TaskStatus) ([]models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	var args []any

	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *task)
	}
	return tasks, rows.Err()
}

// ListPending yields pending tasks. Keys are read up front so the runner can
// write back while the sequence is being consumed; each record is then
// re-read and skipped if it is no longer pending.
func (s *Store) ListPending(ctx context.Context) iter.Seq2[*models.Task, error] {
	return func(yield func(*models.Task, error) bool) {
		keys, err := s.pendingKeys(ctx)
		if err != nil {
			yield(nil, &ListError{Err: err})
			return
		}
		for _, key := range keys {
			task, err := s.GetTask(ctx, key)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				if !yield(nil, err) {
					return
				}
				continue
			}
			if task.Status != models.TaskStatusPending {
				continue
			}
			if !yield(task, nil) {
				return
			}
		}
	}
}

func (s *Store) pendingKeys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM tasks WHERE status = ? ORDER BY created_at ASC`, models.TaskStatusPending)
	if err != nil {
		return nil, fmt.Errorf("query pending tasks: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan pending key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// UpdateTask overwrites the full record at its key. A task that is already
// terminal cannot be overwritten.
func (s *Store) UpdateTask(ctx context.Context, task *models.Task) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	current, err := scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE key = ?`, task.Key()))
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, task.Key())
	}
	if err != nil {
		return fmt.Errorf("query task: %w", err)
	}
	if err := CheckTransition(current, task); err != nil {
		return err
	}

	task.UpdatedAt = time.Now().UTC()
	result, err := tx.ExecContext(ctx,
		`UPDATE tasks SET requested_by = ?, status = ?, failure_reason = ?, note = ?, proposal_url = ?,
		 proposal_number = ?, updated_at = ? WHERE key = ? AND status = ?`,
		task.RequestedBy, task.Status, task.FailureReason, task.Note, task.ProposalURL,
		task.ProposalNumber, task.UpdatedAt, task.Key(), current.Status,
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: %s changed concurrently", ErrTerminal, task.Key())
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// --- Audit Operations ---

// WriteAudit persists a decision record.
func (s *Store) WriteAudit(ctx context.Context, entry *models.AuditEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit (id, action, inputs_hash, outcome, task_key, details, timestamp) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.Action, entry.InputsHash, entry.Outcome, entry.TaskKey, entry.Details, entry.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert audit: %w", err)
	}
	return nil
}

// AuditForTask returns the decision records of a task, oldest first.
func (s *Store) AuditForTask(ctx context.Context, key string) ([]models.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, action, inputs_hash, outcome, task_key, details, timestamp FROM audit WHERE task_key = ? ORDER BY timestamp ASC`,
		key,
	)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	var entries []models.AuditEntry
	for rows.Next() {
		var entry models.AuditEntry
		var taskKey, details sql.NullString
		if err := rows.Scan(&entry.ID, &entry.Action, &entry.InputsHash, &entry.Outcome, &taskKey, &details, &entry.Timestamp); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		entry.TaskKey = taskKey.String
		entry.Details = details.String
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "constraint failed: unique")
}
