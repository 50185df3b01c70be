package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"catalog-ingest/internal/models"
	"catalog-ingest/internal/tasks"
	"catalog-ingest/internal/webhook"
)

// Importer runs one ingest job over a stored file.
type Importer interface {
	Run(ctx context.Context, filePath string, jobID int64) error
}

// EventFanout enqueues one delivery per subscriber of an event.
type EventFanout interface {
	FireEvent(ctx context.Context, event string, data json.RawMessage) (int, error)
}

// WebhookDeliverer performs one delivery attempt.
type WebhookDeliverer interface {
	Deliver(ctx context.Context, webhookID int64, url, event string, data json.RawMessage) error
}

// Register binds the catalog task types to their components.
func Register(p *Processor, imp Importer, fan EventFanout, del WebhookDeliverer) {
	p.RegisterHandler(tasks.TypeImportCSV, ImportHandler(imp))
	p.RegisterHandler(tasks.TypeFireEvent, FanoutHandler(fan))
	p.RegisterHandler(tasks.TypeDeliverWebhook, DeliveryHandler(del))
}

// ImportHandler decodes an import task and runs the pipeline.
func ImportHandler(imp Importer) Handler {
	return func(ctx context.Context, task models.Task) error {
		var p tasks.ImportPayload
		if err := decodePayload(task, &p); err != nil {
			return err
		}
		return imp.Run(ctx, p.FilePath, p.JobID)
	}
}

// FanoutHandler decodes an event task and enqueues its deliveries.
func FanoutHandler(fan EventFanout) Handler {
	return func(ctx context.Context, task models.Task) error {
		var p tasks.EventPayload
		if err := decodePayload(task, &p); err != nil {
			return err
		}
		_, err := fan.FireEvent(ctx, p.Event, p.Data)
		return err
	}
}

// DeliveryHandler decodes a delivery task and makes one POST attempt. A delivery held back
// by an open circuit is deferred rather than counted.
func DeliveryHandler(del WebhookDeliverer) Handler {
	return func(ctx context.Context, task models.Task) error {
		var p tasks.DeliveryPayload
		if err := decodePayload(task, &p); err != nil {
			return err
		}
		err := del.Deliver(ctx, p.WebhookID, p.URL, p.Event, p.Data)
		if errors.Is(err, webhook.ErrCircuitOpen) {
			return fmt.Errorf("%w: %w", ErrDeferred, err)
		}
		return err
	}
}

func decodePayload(task models.Task, dst any) error {
	if err := json.Unmarshal(task.Payload, dst); err != nil {
		return fmt.Errorf("decode %s payload: %w", task.Type, err)
	}
	return nil
}
