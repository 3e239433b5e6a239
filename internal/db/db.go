package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a task id does not exist
var ErrNotFound = errors.New("task not found")

// Priority bounds; 1 is the highest priority
const (
	MinPriority = 1
	MaxPriority = 10
)

// timeLayout is fixed-width so stored timestamps sort lexically
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// DB wraps the SQLite database connection
type DB struct {
	conn *sql.DB
}

// Tx exposes the reads allowed inside an UpdateTask callback
type Tx interface {
	CountTasks(ctx context.Context, accountID string, statuses []Status) (int, error)
}

// New creates a new database connection
func New(dbPath string) (*DB, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create db directory: %w", err)
	}

	// immediate transactions take the write lock up front so concurrent
	// read-modify-write cycles on a task serialize instead of deadlocking
	conn, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return db, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		thread_id TEXT,
		goal TEXT NOT NULL,
		scope TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'proposed',
		priority INTEGER NOT NULL DEFAULT 5,
		progress TEXT NOT NULL DEFAULT '{}',
		result TEXT NOT NULL DEFAULT '',
		result_artifact TEXT,
		iterations_used INTEGER NOT NULL DEFAULT 0,
		max_iterations INTEGER NOT NULL DEFAULT 50,
		fatigue_budget REAL NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		expires_at TEXT NOT NULL,
		deadline TEXT,
		next_run_after TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_account_status ON tasks(account_id, status);
	CREATE INDEX IF NOT EXISTS idx_tasks_eligible ON tasks(status, priority, created_at);
	CREATE INDEX IF NOT EXISTS idx_tasks_expires_at ON tasks(expires_at);
	`

	_, err := db.conn.Exec(schema)
	return err
}

// ClampPriority forces p into [MinPriority, MaxPriority].
func ClampPriority(p int) int {
	if p < MinPriority {
		return MinPriority
	}
	if p > MaxPriority {
		return MaxPriority
	}
	return p
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullTime(t *time.Time) interface{} {
	if t == nil || t.IsZero() {
		return nil
	}
	return formatTime(*t)
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t.UTC()
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

const taskColumns = `id, account_id, thread_id, goal, scope, status, priority, progress,
	result, result_artifact, iterations_used, max_iterations, fatigue_budget,
	created_at, updated_at, expires_at, deadline, next_run_after`

// rowScanner abstracts *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var (
		t                      Task
		threadID, artifact     sql.NullString
		progressJSON           string
		createdAt, updatedAt   string
		expiresAt              string
		deadline, nextRunAfter sql.NullString
	)
	err := row.Scan(
		&t.ID, &t.AccountID, &threadID, &t.Goal, &t.Scope, &t.Status, &t.Priority, &progressJSON,
		&t.Result, &artifact, &t.IterationsUsed, &t.MaxIterations, &t.FatigueBudget,
		&createdAt, &updatedAt, &expiresAt, &deadline, &nextRunAfter,
	)
	if err != nil {
		return nil, err
	}

	t.ThreadID = threadID.String
	if artifact.Valid && artifact.String != "" {
		t.ResultArtifact = json.RawMessage(artifact.String)
	}
	if progressJSON != "" {
		if err := json.Unmarshal([]byte(progressJSON), &t.Progress); err != nil {
			return nil, fmt.Errorf("decode progress for task %s: %w", t.ID, err)
		}
	}
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	t.ExpiresAt = parseTime(expiresAt)
	t.Deadline = parseNullTime(deadline)
	t.NextRunAfter = parseNullTime(nextRunAfter)
	return &t, nil
}

// CreateTask inserts a new task, assigning its id and timestamps
func (db *DB) CreateTask(ctx context.Context, task *Task) error {
	now := time.Now().UTC()
	if task.ID == "" {
		task.ID = "task-" + uuid.New().String()
	}
	if task.Status == "" {
		task.Status = StatusProposed
	}
	task.Priority = ClampPriority(task.Priority)
	task.CreatedAt = now
	task.UpdatedAt = now

	progressJSON, err := json.Marshal(task.Progress)
	if err != nil {
		return fmt.Errorf("encode progress: %w", err)
	}

	_, err = db.conn.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, task.ID, task.AccountID, nullString(task.ThreadID), task.Goal, task.Scope, task.Status, task.Priority, string(progressJSON),
		task.Result, nullString(string(task.ResultArtifact)), task.IterationsUsed, task.MaxIterations, task.FatigueBudget,
		formatTime(task.CreatedAt), formatTime(task.UpdatedAt), formatTime(task.ExpiresAt), nullTime(task.Deadline), nullTime(task.NextRunAfter))
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID
func (db *DB) GetTask(ctx context.Context, id string) (*Task, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("query task: %w", err)
	}
	return task, nil
}

// ListTasks retrieves tasks matching filter, oldest first
func (db *DB) ListTasks(ctx context.Context, filter TaskFilter) ([]*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	var (
		where []string
		args  []any
	)
	if filter.AccountID != "" {
		where = append(where, "account_id = ?")
		args = append(args, filter.AccountID)
	}
	if len(filter.Statuses) > 0 {
		clause, statusArgs := inClause("status", filter.Statuses)
		where = append(where, clause)
		args = append(args, statusArgs...)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, rowid ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// UpdateTask loads the task, applies fn and writes the result back in one
// transaction. If fn returns an error nothing is written.
func (db *DB) UpdateTask(ctx context.Context, id string, fn func(tx Tx, task *Task) error) (*Task, error) {
	sqlTx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = sqlTx.Rollback() }()

	row := sqlTx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("query task: %w", err)
	}

	if err := fn(&txReader{tx: sqlTx}, task); err != nil {
		return nil, err
	}

	task.ID = id
	task.Priority = ClampPriority(task.Priority)
	task.UpdatedAt = time.Now().UTC()
	progressJSON, err := json.Marshal(task.Progress)
	if err != nil {
		return nil, fmt.Errorf("encode progress: %w", err)
	}

	_, err = sqlTx.ExecContext(ctx, `
		UPDATE tasks SET thread_id = ?, goal = ?, scope = ?, status = ?, priority = ?, progress = ?,
			result = ?, result_artifact = ?, iterations_used = ?, max_iterations = ?, fatigue_budget = ?,
			updated_at = ?, expires_at = ?, deadline = ?, next_run_after = ?
		WHERE id = ?
	`, nullString(task.ThreadID), task.Goal, task.Scope, task.Status, task.Priority, string(progressJSON),
		task.Result, nullString(string(task.ResultArtifact)), task.IterationsUsed, task.MaxIterations, task.FatigueBudget,
		formatTime(task.UpdatedAt), formatTime(task.ExpiresAt), nullTime(task.Deadline), nullTime(task.NextRunAfter),
		id)
	if err != nil {
		return nil, fmt.Errorf("update task: %w", err)
	}

	if err := sqlTx.Commit(); err != nil {
		return nil, fmt.Errorf("commit task update: %w", err)
	}
	return task, nil
}

// NextEligibleTask returns the single highest-priority, oldest runnable task,
// or nil when none is runnable at now.
func (db *DB) NextEligibleTask(ctx context.Context, now time.Time) (*Task, error) {
	ts := formatTime(now)
	row := db.conn.QueryRowContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status IN (?, ?)
		  AND expires_at > ?
		  AND iterations_used < max_iterations
		  AND (next_run_after IS NULL OR next_run_after <= ?)
		ORDER BY priority ASC, created_at ASC, rowid ASC
		LIMIT 1
	`, StatusAccepted, StatusInProgress, ts, ts)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query eligible task: %w", err)
	}
	return task, nil
}

// ExpireTasks moves every task in one of statuses whose expires_at has passed
// to expired, in a single statement, and returns the number affected.
func (db *DB) ExpireTasks(ctx context.Context, now time.Time, statuses []Status) (int64, error) {
	if len(statuses) == 0 {
		return 0, nil
	}
	clause, args := inClause("status", statuses)
	ts := formatTime(now)
	result, err := db.conn.ExecContext(ctx,
		`UPDATE tasks SET status = ?, updated_at = ? WHERE `+clause+` AND expires_at <= ?`,
		append(append([]any{StatusExpired, ts}, args...), ts)...)
	if err != nil {
		return 0, fmt.Errorf("expire tasks: %w", err)
	}
	return result.RowsAffected()
}

type txReader struct {
	tx *sql.Tx
}

// CountTasks counts an account's tasks in any of statuses
func (r *txReader) CountTasks(ctx context.Context, accountID string, statuses []Status) (int, error) {
	clause, args := inClause("status", statuses)
	var count int
	err := r.tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tasks WHERE account_id = ? AND `+clause,
		append([]any{accountID}, args...)...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count tasks: %w", err)
	}
	return count, nil
}

func inClause(column string, statuses []Status) (string, []any) {
	placeholders := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, s := range statuses {
		placeholders[i] = "?"
		args[i] = string(s)
	}
	return column + " IN (" + strings.Join(placeholders, ", ") + ")", args
}
