package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/avast/retry-go"
	log "github.com/sirupsen/logrus"

	"catalog-ingest/internal/models"
	"catalog-ingest/internal/store"
	"catalog-ingest/internal/telemetry"
)

// TaskStore persists submitted tasks.
type TaskStore interface {
	CreateTask(ctx context.Context, p store.CreateTaskParams) (models.Task, error)
	MarkFailed(ctx context.Context, id string, lastError string) error
}

// TaskQueue makes persisted tasks visible to workers.
type TaskQueue interface {
	Enqueue(ctx context.Context, taskID string, priority string, runAt time.Time) error
}

// Options tune a single submission. Zero values mean queue defaults.
type Options struct {
	Priority    string
	MaxAttempts int
	RunAt       time.Time
}

// Client submits background work to the task queue.
type Client struct {
	store              TaskStore
	queue              TaskQueue
	webhookMaxAttempts int
	retryAttempts      uint
	retryDelay         time.Duration
}

// NewClient builds a submission client. webhookMaxAttempts bounds delivery tasks.
func NewClient(st TaskStore, q TaskQueue, webhookMaxAttempts int) *Client {
	return &Client{
		store:              st,
		queue:              q,
		webhookMaxAttempts: webhookMaxAttempts,
		retryAttempts:      3,
		retryDelay:         100 * time.Millisecond,
	}
}

// SubmitImport queues an ingest run. Import tasks are never retried by the queue; a failed run is
// recorded on the import job and re-run only through an explicit retry.
func (c *Client) SubmitImport(ctx context.Context, filePath string, jobID int64) (models.Task, error) {
	return c.Submit(ctx, TypeImportCSV, ImportPayload{FilePath: filePath, JobID: jobID}, Options{MaxAttempts: 1})
}

// SubmitEventFanout queues the lookup of subscribers for event.
func (c *Client) SubmitEventFanout(ctx context.Context, event string, data json.RawMessage) (models.Task, error) {
	return c.Submit(ctx, TypeFireEvent, EventPayload{Event: event, Data: data}, Options{})
}

// SubmitWebhookDelivery queues one delivery to one subscriber.
func (c *Client) SubmitWebhookDelivery(ctx context.Context, webhookID int64, url, event string, data json.RawMessage) (models.Task, error) {
	return c.Submit(ctx, TypeDeliverWebhook, DeliveryPayload{
		WebhookID: webhookID,
		URL:       url,
		Event:     event,
		Data:      data,
	}, Options{MaxAttempts: c.webhookMaxAttempts})
}

// Submit persists a task row and then enqueues it. Each step is retried on transient errors.
// If the row was written but could not be enqueued it is marked failed so it never looks pending.
func (c *Client) Submit(ctx context.Context, taskType string, payload any, opts Options) (models.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return models.Task{}, fmt.Errorf("encode %s payload: %w", taskType, err)
	}

	var task models.Task
	err = retry.Do(func() error {
		var err error
		task, err = c.store.CreateTask(ctx, store.CreateTaskParams{
			Type:        taskType,
			Priority:    opts.Priority,
			Payload:     body,
			RunAt:       opts.RunAt,
			MaxAttempts: opts.MaxAttempts,
		})
		return err
	}, c.retryOptions(ctx, taskType, "create")...)
	if err != nil {
		return models.Task{}, fmt.Errorf("create %s task: %w", taskType, err)
	}

	err = retry.Do(func() error {
		return c.queue.Enqueue(ctx, task.ID, task.Priority, task.NextRunAt)
	}, c.retryOptions(ctx, taskType, "enqueue")...)
	if err != nil {
		if markErr := c.store.MarkFailed(ctx, task.ID, "enqueue: "+err.Error()); markErr != nil {
			log.WithError(markErr).WithField("task_id", task.ID).Error("mark unqueued task failed")
		}
		return models.Task{}, fmt.Errorf("enqueue %s task: %w", taskType, err)
	}

	telemetry.EnqueueCounter.Inc()
	return task, nil
}

func (c *Client) retryOptions(ctx context.Context, taskType, step string) []retry.Option {
	return []retry.Option{
		retry.Context(ctx),
		retry.Attempts(c.retryAttempts),
		retry.Delay(c.retryDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.WithError(err).WithFields(log.Fields{"task_type": taskType, "step": step, "attempt": n + 1}).
				Warn("task submission retry")
		}),
	}
}
