package taskqueue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/haasonsaas/agentharness/internal/harness"
	"github.com/haasonsaas/agentharness/pkg/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	prompt TEXT NOT NULL,
	status TEXT NOT NULL CHECK (status IN ('pending','running','complete','failed')),
	result TEXT,
	error TEXT,
	conversation_id TEXT,
	created_at TEXT NOT NULL,
	started_at TEXT,
	completed_at TEXT,
	worker_id TEXT,
	delivered INTEGER NOT NULL DEFAULT 0 CHECK (delivered IN (0,1))
);
CREATE INDEX IF NOT EXISTS idx_tasks_status_created_at ON tasks(status, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_tasks_delivered_status_completed_at ON tasks(delivered, status, completed_at DESC);
`

// SQLiteStore is a modernc.org/sqlite-backed Store running in WAL mode
// (spec §6 "the store may use SQLite with WAL mode"). Grounded on
// internal/jobs/cockroach.go's parameterized-SQL scanner-interface style
// (adapted from Postgres $N placeholders to SQLite ?) and
// internal/memory/backend/sqlitevec/backend.go's CREATE TABLE IF NOT
// EXISTS bootstrap, both in haasonsaas-nexus.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if necessary) a SQLite database at dsn,
// enables WAL mode, and bootstraps the schema.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if dsn == "" {
		dsn = ":memory:"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("taskqueue: open database: %w", err)
	}

	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("taskqueue: enable WAL mode: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("taskqueue: bootstrap schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) Create(ctx context.Context, task models.TaskRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, prompt, status, result, error, conversation_id, created_at, started_at, completed_at, worker_id, delivered)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)
	`,
		task.ID, task.Prompt, string(task.Status), nullableString(task.Result), nullableString(task.Error),
		nullableString(task.ConversationID), formatTime(task.CreatedAt), nullableTime(task.StartedAt),
		nullableTime(task.CompletedAt), nullableString(task.WorkerID), boolToInt(task.Delivered),
	)
	if err != nil {
		return fmt.Errorf("taskqueue: create task %s: %w", task.ID, err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (models.TaskRecord, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return models.TaskRecord{}, harness.ErrTaskNotFound
	}
	if err != nil {
		return models.TaskRecord{}, fmt.Errorf("taskqueue: get task %s: %w", id, err)
	}
	return task, nil
}

const selectColumns = `SELECT id, prompt, status, result, error, conversation_id, created_at, started_at, completed_at, worker_id, delivered FROM tasks`

func (s *SQLiteStore) List(ctx context.Context, filter ListFilter) ([]models.TaskRecord, error) {
	query := selectColumns
	args := []any{}
	if filter.Status != nil {
		query += ` WHERE status = ?`
		args = append(args, string(*filter.Status))
	}
	if filter.OrderByCreatedAtDesc {
		query += ` ORDER BY created_at DESC`
	} else {
		query += ` ORDER BY created_at ASC`
	}
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("taskqueue: list tasks: %w", err)
	}
	defer rows.Close()

	var out []models.TaskRecord
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("taskqueue: scan task row: %w", err)
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

// Update applies patch conditionally on expectedStatus, mirroring the
// queue's optimistic-concurrency contract (spec §6). A zero rows-
// affected result when expectedStatus is set means the predicate did not
// match, so the caller receives ErrConditionalUpdateLost.
func (s *SQLiteStore) Update(ctx context.Context, id string, patch Patch, expectedStatus *models.TaskStatus) (models.TaskRecord, error) {
	sets, args := buildPatchSets(patch)
	if len(sets) == 0 {
		return s.Get(ctx, id)
	}

	query := "UPDATE tasks SET " + joinSets(sets) + " WHERE id = ?"
	args = append(args, id)
	if expectedStatus != nil {
		query += " AND status = ?"
		args = append(args, string(*expectedStatus))
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return models.TaskRecord{}, fmt.Errorf("taskqueue: update task %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return models.TaskRecord{}, fmt.Errorf("taskqueue: update task %s: %w", id, err)
	}
	if affected == 0 {
		if _, getErr := s.Get(ctx, id); getErr == harness.ErrTaskNotFound {
			return models.TaskRecord{}, harness.ErrTaskNotFound
		}
		return models.TaskRecord{}, harness.ErrConditionalUpdateLost
	}

	return s.Get(ctx, id)
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("taskqueue: delete task %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return harness.ErrTaskNotFound
	}
	return nil
}

func (s *SQLiteStore) CountUndeliveredCompleted(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE delivered = 0 AND status = ?`, string(models.TaskComplete)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("taskqueue: count undelivered: %w", err)
	}
	return count, nil
}

func (s *SQLiteStore) FailRunningTasks(ctx context.Context, reason string) (int, error) {
	if reason == "" {
		reason = "daemon restart"
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("taskqueue: begin restart recovery: %w", err)
	}
	defer tx.Rollback()

	now := formatTime(time.Now().UTC())
	res, err := tx.ExecContext(ctx, `
		UPDATE tasks SET status = ?, error = ?, completed_at = ? WHERE status = ?
	`, string(models.TaskFailed), reason, now, string(models.TaskRunning))
	if err != nil {
		return 0, fmt.Errorf("taskqueue: fail running tasks: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("taskqueue: commit restart recovery: %w", err)
	}
	return int(affected), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (models.TaskRecord, error) {
	var (
		task              models.TaskRecord
		status            string
		result, errMsg    sql.NullString
		conversationID    sql.NullString
		createdAt         string
		startedAt         sql.NullString
		completedAt       sql.NullString
		workerID          sql.NullString
		delivered         int
	)
	if err := row.Scan(&task.ID, &task.Prompt, &status, &result, &errMsg, &conversationID, &createdAt, &startedAt, &completedAt, &workerID, &delivered); err != nil {
		return models.TaskRecord{}, err
	}

	task.Status = models.TaskStatus(status)
	task.Result = result.String
	task.Error = errMsg.String
	task.ConversationID = conversationID.String
	task.WorkerID = workerID.String
	task.Delivered = delivered != 0

	if t, err := parseTime(createdAt); err == nil {
		task.CreatedAt = t
	}
	if startedAt.Valid {
		if t, err := parseTime(startedAt.String); err == nil {
			task.StartedAt = &t
		}
	}
	if completedAt.Valid {
		if t, err := parseTime(completedAt.String); err == nil {
			task.CompletedAt = &t
		}
	}

	return task, nil
}

func buildPatchSets(patch Patch) ([]string, []any) {
	var sets []string
	var args []any
	add := func(col string, val any) {
		sets = append(sets, col+" = ?")
		args = append(args, val)
	}
	if patch.Status != nil {
		add("status", string(*patch.Status))
	}
	if patch.Result != nil {
		add("result", *patch.Result)
	}
	if patch.Error != nil {
		add("error", *patch.Error)
	}
	if patch.WorkerID != nil {
		add("worker_id", *patch.WorkerID)
	}
	if patch.StartedAt != nil {
		add("started_at", formatTime(*patch.StartedAt))
	}
	if patch.CompletedAt != nil {
		add("completed_at", formatTime(*patch.CompletedAt))
	}
	if patch.Delivered != nil {
		add("delivered", boolToInt(*patch.Delivered))
	}
	return sets, args
}

func joinSets(sets []string) string {
	out := ""
	for i, s := range sets {
		if i > 0 {
			out += ", "
		}
		out += s
	}
	return out
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullableTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
