package models

import (
	"encoding/json"
	"time"
)

// Task statuses persisted in Postgres.
const (
	TaskQueued     = "queued"
	TaskInProgress = "in_progress"
	TaskSucceeded  = "succeeded"
	TaskFailed     = "failed"
	TaskDeadLetter = "dead_lettered"
)

// Task is a unit of background work tracked by the task queue.
type Task struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Priority    string          `json:"priority"`
	Payload     json.RawMessage `json:"payload"`
	Status      string          `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	NextRunAt   time.Time       `json:"next_run_at"`
	LastError   *string         `json:"last_error,omitempty"`
	WorkerID    *string         `json:"worker_id,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// AuditLog is a simple audit event row.
type AuditLog struct {
	TaskID   string    `json:"task_id"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}
