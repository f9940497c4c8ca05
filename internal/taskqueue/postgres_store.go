package taskqueue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/haasonsaas/agentharness/internal/harness"
	"github.com/haasonsaas/agentharness/pkg/models"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	prompt TEXT NOT NULL,
	status TEXT NOT NULL,
	result TEXT,
	error TEXT,
	conversation_id TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	started_at TIMESTAMPTZ,
	completed_at TIMESTAMPTZ,
	worker_id TEXT,
	delivered BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS idx_tasks_status_created_at ON tasks(status, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_tasks_delivered_status_completed_at ON tasks(delivered, status, completed_at DESC);
`

// PostgresConfig mirrors internal/jobs/cockroach.go's CockroachConfig pool
// tuning knobs in haasonsaas-nexus, reused here for a Postgres-compatible
// sibling to SQLiteStore (spec §6 names SQLite as the reference store;
// this is the horizontally-scalable alternative for multi-process
// deployments).
type PostgresConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultPostgresConfig returns sane pool defaults.
func DefaultPostgresConfig() PostgresConfig {
	return PostgresConfig{
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// PostgresStore is a lib/pq-backed Store, grounded on
// internal/jobs/cockroach.go's CockroachStore in haasonsaas-nexus,
// adapted from the Job schema to TaskRecord and from $N scanning to the shared
// scanTask helper.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens dsn, applies pool tuning, and bootstraps the
// schema.
func NewPostgresStore(dsn string, cfg PostgresConfig) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("taskqueue: dsn is required")
	}
	if cfg == (PostgresConfig{}) {
		cfg = DefaultPostgresConfig()
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("taskqueue: open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("taskqueue: ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("taskqueue: bootstrap schema: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresStore) Create(ctx context.Context, task models.TaskRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, prompt, status, result, error, conversation_id, created_at, started_at, completed_at, worker_id, delivered)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`,
		task.ID, task.Prompt, string(task.Status), nullableString(task.Result), nullableString(task.Error),
		nullableString(task.ConversationID), task.CreatedAt.UTC(), task.StartedAt, task.CompletedAt,
		nullableString(task.WorkerID), task.Delivered,
	)
	if err != nil {
		return fmt.Errorf("taskqueue: create task %s: %w", task.ID, err)
	}
	return nil
}

const postgresSelectColumns = `SELECT id, prompt, status, result, error, conversation_id, created_at, started_at, completed_at, worker_id, delivered FROM tasks`

func (s *PostgresStore) Get(ctx context.Context, id string) (models.TaskRecord, error) {
	row := s.db.QueryRowContext(ctx, postgresSelectColumns+` WHERE id = $1`, id)
	task, err := scanPostgresTask(row)
	if err == sql.ErrNoRows {
		return models.TaskRecord{}, harness.ErrTaskNotFound
	}
	if err != nil {
		return models.TaskRecord{}, fmt.Errorf("taskqueue: get task %s: %w", id, err)
	}
	return task, nil
}

func (s *PostgresStore) List(ctx context.Context, filter ListFilter) ([]models.TaskRecord, error) {
	query := postgresSelectColumns
	args := []any{}
	if filter.Status != nil {
		args = append(args, string(*filter.Status))
		query += fmt.Sprintf(` WHERE status = $%d`, len(args))
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
		task, err := scanPostgresTask(rows)
		if err != nil {
			return nil, fmt.Errorf("taskqueue: scan task row: %w", err)
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Update(ctx context.Context, id string, patch Patch, expectedStatus *models.TaskStatus) (models.TaskRecord, error) {
	sets, args := buildPostgresPatchSets(patch)
	if len(sets) == 0 {
		return s.Get(ctx, id)
	}

	query := "UPDATE tasks SET " + joinSets(sets)
	args = append(args, id)
	query += fmt.Sprintf(" WHERE id = $%d", len(args))
	if expectedStatus != nil {
		args = append(args, string(*expectedStatus))
		query += fmt.Sprintf(" AND status = $%d", len(args))
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

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = $1`, id)
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

func (s *PostgresStore) CountUndeliveredCompleted(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE delivered = FALSE AND status = $1`, string(models.TaskComplete)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("taskqueue: count undelivered: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) FailRunningTasks(ctx context.Context, reason string) (int, error) {
	if reason == "" {
		reason = "daemon restart"
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("taskqueue: begin restart recovery: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE tasks SET status = $1, error = $2, completed_at = $3 WHERE status = $4
	`, string(models.TaskFailed), reason, time.Now().UTC(), string(models.TaskRunning))
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

func scanPostgresTask(row scanner) (models.TaskRecord, error) {
	var (
		task           models.TaskRecord
		status         string
		result, errMsg sql.NullString
		conversationID sql.NullString
		createdAt      time.Time
		startedAt      sql.NullTime
		completedAt    sql.NullTime
		workerID       sql.NullString
		delivered      bool
	)
	if err := row.Scan(&task.ID, &task.Prompt, &status, &result, &errMsg, &conversationID, &createdAt, &startedAt, &completedAt, &workerID, &delivered); err != nil {
		return models.TaskRecord{}, err
	}

	task.Status = models.TaskStatus(status)
	task.Result = result.String
	task.Error = errMsg.String
	task.ConversationID = conversationID.String
	task.WorkerID = workerID.String
	task.Delivered = delivered
	task.CreatedAt = createdAt
	if startedAt.Valid {
		v := startedAt.Time
		task.StartedAt = &v
	}
	if completedAt.Valid {
		v := completedAt.Time
		task.CompletedAt = &v
	}

	return task, nil
}

func buildPostgresPatchSets(patch Patch) ([]string, []any) {
	var sets []string
	var args []any
	add := func(col string, val any) {
		args = append(args, val)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
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
		add("started_at", patch.StartedAt.UTC())
	}
	if patch.CompletedAt != nil {
		add("completed_at", patch.CompletedAt.UTC())
	}
	if patch.Delivered != nil {
		add("delivered", *patch.Delivered)
	}
	return sets, args
}
