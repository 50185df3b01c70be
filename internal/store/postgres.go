package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"catalog-ingest/internal/models"
)

var (
	// ErrNotFound is returned when the addressed row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition is returned when a status change is not allowed from the row's current status.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrConflict is returned when a write would violate a uniqueness constraint.
	ErrConflict = errors.New("conflict")
)

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// CreateTaskParams collects inputs required to insert a task.
type CreateTaskParams struct {
	Type        string
	Priority    string
	Payload     json.RawMessage
	RunAt       time.Time
	MaxAttempts int
}

// CreateTask inserts a queued task row.
func (s *Store) CreateTask(ctx context.Context, p CreateTaskParams) (models.Task, error) {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 5
	}
	if p.Priority == "" {
		p.Priority = "default"
	}
	if p.RunAt.IsZero() {
		p.RunAt = time.Now()
	}
	if len(p.Payload) == 0 {
		p.Payload = json.RawMessage(`{}`)
	}

	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO tasks (id, type, priority, payload, status, attempts, max_attempts, next_run_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, $7, $8, $8)
	`, id, p.Type, p.Priority, []byte(p.Payload), models.TaskQueued, p.MaxAttempts, p.RunAt, now)
	if err != nil {
		return models.Task{}, fmt.Errorf("insert task: %w", err)
	}

	return models.Task{
		ID:          id,
		Type:        p.Type,
		Priority:    p.Priority,
		Payload:     p.Payload,
		Status:      models.TaskQueued,
		MaxAttempts: p.MaxAttempts,
		NextRunAt:   p.RunAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// GetTask fetches a task by id.
func (s *Store) GetTask(ctx context.Context, id string) (models.Task, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, type, priority, payload, status, attempts, max_attempts, next_run_at, last_error, worker_id, created_at, updated_at
		FROM tasks WHERE id = $1
	`, id)

	var task models.Task
	var payload []byte
	var lastErr, workerID pgtype.Text

	if err := row.Scan(&task.ID, &task.Type, &task.Priority, &payload, &task.Status, &task.Attempts, &task.MaxAttempts, &task.NextRunAt, &lastErr, &workerID, &task.CreatedAt, &task.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Task{}, fmt.Errorf("task %s: %w", id, ErrNotFound)
		}
		return models.Task{}, fmt.Errorf("scan task: %w", err)
	}
	task.Payload = json.RawMessage(payload)
	task.LastError = textPtr(lastErr)
	task.WorkerID = textPtr(workerID)
	return task, nil
}

// UpdateTaskStatus sets status, attempts, next_run_at and last_error atomically.
func (s *Store) UpdateTaskStatus(ctx context.Context, id string, status string, attempts int, nextRun time.Time, lastError *string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE tasks
		SET status = $2, attempts = $3, next_run_at = $4, last_error = $5, updated_at = NOW()
		WHERE id = $1
	`, id, status, attempts, nextRun, lastError)
	return err
}

// SetWorkerID records which worker picked the task up.
func (s *Store) SetWorkerID(ctx context.Context, id, workerID string) error {
	_, err := s.pool.Exec(ctx, `UPDATE tasks SET worker_id = $2, updated_at = NOW() WHERE id = $1`, id, workerID)
	return err
}

// MarkSuccess transitions a task to succeeded.
func (s *Store) MarkSuccess(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE tasks SET status = $2, updated_at = NOW(), last_error = NULL WHERE id = $1
	`, id, models.TaskSucceeded)
	return err
}

// MarkFailed flags a task whose submission could not complete.
func (s *Store) MarkFailed(ctx context.Context, id string, lastError string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE tasks SET status = $2, last_error = $3, updated_at = NOW() WHERE id = $1
	`, id, models.TaskFailed, lastError)
	return err
}

// MarkDeadLetter flags a task as dead_lettered.
func (s *Store) MarkDeadLetter(ctx context.Context, id string, lastError string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE tasks SET status = $2, last_error = $3, updated_at = NOW()
		WHERE id = $1
	`, id, models.TaskDeadLetter, lastError)
	return err
}

// AppendAudit adds an audit row.
func (s *Store) AppendAudit(ctx context.Context, taskID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (task_id, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, taskID, event, detail)
	return err
}

// UpdateAttempts requeues a task after a failure.
func (s *Store) UpdateAttempts(ctx context.Context, id string, attempts int, nextRun time.Time, lastErr string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE tasks
		SET status = $2, attempts = $3, next_run_at = $4, last_error = $5, updated_at = NOW()
		WHERE id = $1
	`, id, models.TaskQueued, attempts, nextRun, lastErr)
	return err
}

// VisibleTasks returns count of tasks ready to run (next_run_at <= now and queued).
func (s *Store) VisibleTasks(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM tasks WHERE status = $1 AND next_run_at <= NOW()
	`, models.TaskQueued).Scan(&n); err != nil {
		return 0, fmt.Errorf("count visible tasks: %w", err)
	}
	return n, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
