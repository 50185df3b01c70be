package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	log "github.com/sirupsen/logrus"

	"catalog-ingest/internal/config"
	"catalog-ingest/internal/models"
	"catalog-ingest/internal/telemetry"
)

var (
	// ErrNoHandler is returned for a task whose type has no registered handler.
	ErrNoHandler = errors.New("no handler registered")
	// ErrDeferred marks a handler error for work that was never attempted. The task is
	// rescheduled with its attempt count unchanged.
	ErrDeferred = errors.New("task deferred")
)

// TaskStore is the persistence the processor needs.
type TaskStore interface {
	GetTask(ctx context.Context, id string) (models.Task, error)
	UpdateTaskStatus(ctx context.Context, id string, status string, attempts int, nextRun time.Time, lastError *string) error
	SetWorkerID(ctx context.Context, id, workerID string) error
	MarkSuccess(ctx context.Context, id string) error
	MarkDeadLetter(ctx context.Context, id string, lastError string) error
	AppendAudit(ctx context.Context, taskID, event, detail string) error
	UpdateAttempts(ctx context.Context, id string, attempts int, nextRun time.Time, lastErr string) error
}

// TaskQueue is the lease queue the processor drains.
type TaskQueue interface {
	PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error)
	RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error)
	ReadyDepth(ctx context.Context) (int64, error)
	InFlight(ctx context.Context) (int64, error)
	DequeueWithLease(ctx context.Context) (string, error)
	ExtendLease(ctx context.Context, taskID string, extension time.Duration) error
	Ack(ctx context.Context, taskID string) error
	Schedule(ctx context.Context, taskID string, priority string, runAt time.Time) error
	DLQPush(ctx context.Context, taskID string) error
}

// Processor drives the worker execution loop.
type Processor struct {
	cfg      config.Config
	queue    TaskQueue
	store    TaskStore
	handlers map[string]Handler
	workerID string
}

// Handler executes a task of a given type. A returned error schedules a retry until the
// task's attempt budget is spent.
type Handler func(ctx context.Context, task models.Task) error

func NewProcessor(cfg config.Config, q TaskQueue, st TaskStore) *Processor {
	return NewProcessorWithID(cfg, q, st, "")
}

// NewProcessorWithID creates a processor with a specific worker ID for tracking.
func NewProcessorWithID(cfg config.Config, q TaskQueue, st TaskStore, workerID string) *Processor {
	return &Processor{
		cfg:      cfg,
		queue:    q,
		store:    st,
		handlers: make(map[string]Handler),
		workerID: workerID,
	}
}

// RegisterHandler binds a handler to a task type.
func (p *Processor) RegisterHandler(taskType string, handler Handler) {
	if taskType == "" || handler == nil {
		return
	}
	p.handlers[taskType] = handler
}

// Run starts the main worker loop until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		worked, err := p.ProcessOne(ctx)
		if err != nil && ctx.Err() == nil {
			log.WithError(err).WithField("worker_id", p.workerID).Warn("dequeue failed")
		}
		if worked {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.cfg.WorkerPollInterval):
		}
	}
}

// ProcessOne performs one maintenance sweep and runs at most one task.
// It reports whether a task was taken off the queue.
func (p *Processor) ProcessOne(ctx context.Context) (bool, error) {
	now := time.Now()
	if _, err := p.queue.PromoteScheduled(ctx, now, int64(p.cfg.ScheduledBatchSize)); err != nil {
		log.WithError(err).Debug("promote scheduled tasks")
	}
	if reclaimed, _ := p.queue.RequeueExpired(ctx, now, 100); len(reclaimed) > 0 {
		for _, id := range reclaimed {
			if task, err := p.store.GetTask(ctx, id); err == nil {
				_ = p.store.UpdateTaskStatus(ctx, id, models.TaskQueued, task.Attempts, time.Now(), task.LastError)
				_ = p.store.AppendAudit(ctx, id, "lease_expired", "requeued after visibility timeout")
			}
		}
	}
	if depth, err := p.queue.ReadyDepth(ctx); err == nil {
		telemetry.QueueDepthGauge.Set(float64(depth))
	}
	if leased, err := p.queue.InFlight(ctx); err == nil {
		telemetry.InFlightGauge.Set(float64(leased))
	}

	taskID, err := p.queue.DequeueWithLease(ctx)
	if err != nil {
		return false, err
	}
	if taskID == "" {
		return false, nil
	}

	task, err := p.store.GetTask(ctx, taskID)
	if err != nil {
		log.WithError(err).WithField("task_id", taskID).Warn("dropping unknown task")
		_ = p.queue.Ack(ctx, taskID)
		return true, nil
	}
	if task.Status == models.TaskSucceeded || task.Status == models.TaskDeadLetter || task.Status == models.TaskFailed {
		_ = p.queue.Ack(ctx, taskID)
		return true, nil
	}

	_ = p.store.UpdateTaskStatus(ctx, task.ID, models.TaskInProgress, task.Attempts, task.NextRunAt, nil)
	if p.workerID != "" {
		_ = p.store.SetWorkerID(ctx, task.ID, p.workerID)
	}

	logger := log.WithFields(log.Fields{"task_id": task.ID, "task_type": task.Type, "attempt": task.Attempts + 1})
	err = p.runTask(ctx, task)
	if err == nil {
		_ = p.queue.Ack(ctx, task.ID)
		_ = p.store.MarkSuccess(ctx, task.ID)
		_ = p.store.AppendAudit(ctx, task.ID, "succeeded", "worker completed task")
		telemetry.WorkerSuccess.Inc()
		return true, nil
	}

	if errors.Is(err, ErrDeferred) {
		p.deferTask(ctx, task, err)
		return true, nil
	}

	attempts := task.Attempts + 1
	maxAttempts := task.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = p.cfg.MaxAttempts
	}
	backoff := backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, attempts)
	nextRun := time.Now().Add(backoff)
	_ = p.store.UpdateAttempts(ctx, task.ID, attempts, nextRun, err.Error())

	if attempts >= maxAttempts {
		_ = p.store.MarkDeadLetter(ctx, task.ID, err.Error())
		_ = p.queue.Ack(ctx, task.ID)
		_ = p.queue.DLQPush(ctx, task.ID)
		_ = p.store.AppendAudit(ctx, task.ID, "dead_letter", err.Error())
		telemetry.WorkerDeadLetter.Inc()
		logger.WithError(err).Error("task abandoned after final attempt")
		return true, nil
	}

	_ = p.queue.Ack(ctx, task.ID)
	_ = p.queue.Schedule(ctx, task.ID, task.Priority, nextRun)
	_ = p.store.AppendAudit(ctx, task.ID, "retry_scheduled", fmt.Sprintf("next_run=%s attempts=%d", nextRun.UTC().Format(time.RFC3339), attempts))
	telemetry.WorkerFailures.Inc()
	logger.WithError(err).WithField("retry_in", backoff.String()).Warn("task failed, retry scheduled")
	return true, nil
}

// deferTask puts the task back on the schedule without charging an attempt.
func (p *Processor) deferTask(ctx context.Context, task models.Task, cause error) {
	delay := backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, task.Attempts+1)
	nextRun := time.Now().Add(delay)
	_ = p.store.UpdateAttempts(ctx, task.ID, task.Attempts, nextRun, cause.Error())
	_ = p.queue.Ack(ctx, task.ID)
	_ = p.queue.Schedule(ctx, task.ID, task.Priority, nextRun)
	_ = p.store.AppendAudit(ctx, task.ID, "deferred", cause.Error())
	telemetry.WorkerDeferred.Inc()
	log.WithError(cause).WithFields(log.Fields{"task_id": task.ID, "task_type": task.Type, "retry_in": delay.String()}).Info("task deferred")
}

// runTask executes the registered handler while keeping the task's lease alive.
func (p *Processor) runTask(ctx context.Context, task models.Task) error {
	handler, ok := p.handlers[task.Type]
	if !ok {
		return fmt.Errorf("task type %q: %w", task.Type, ErrNoHandler)
	}

	stop := p.heartbeat(ctx, task.ID)
	defer stop()
	return handler(ctx, task)
}

// heartbeat extends the lease every third of the visibility timeout until stop is called.
func (p *Processor) heartbeat(ctx context.Context, taskID string) (stop func()) {
	visibility := p.cfg.VisibilityTimeout
	if visibility <= 0 {
		return func() {}
	}
	hbCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(visibility / 3)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if err := p.queue.ExtendLease(hbCtx, taskID, visibility); err != nil && hbCtx.Err() == nil {
					log.WithError(err).WithField("task_id", taskID).Warn("extend lease")
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	if wait < 2 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
