// Package webhook fans pipeline events out to subscribers and delivers them over HTTP.
package webhook

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"catalog-ingest/internal/models"
)

// Subscriptions looks up enabled subscribers by exact event name.
type Subscriptions interface {
	ListEnabledWebhooks(ctx context.Context, event string) ([]models.Webhook, error)
}

// DeliverySubmitter queues one delivery task.
type DeliverySubmitter interface {
	SubmitWebhookDelivery(ctx context.Context, webhookID int64, url, event string, data json.RawMessage) (models.Task, error)
}

// Dispatcher turns one event into one queued delivery per subscriber.
type Dispatcher struct {
	subs   Subscriptions
	submit DeliverySubmitter
}

func NewDispatcher(subs Subscriptions, submit DeliverySubmitter) *Dispatcher {
	return &Dispatcher{subs: subs, submit: submit}
}

// FireEvent enqueues a delivery for every enabled subscription to event and returns how many
// were enqueued. Deliveries that could not be enqueued are reported together in the error;
// the ones that were enqueued stay queued.
func (d *Dispatcher) FireEvent(ctx context.Context, event string, data json.RawMessage) (int, error) {
	hooks, err := d.subs.ListEnabledWebhooks(ctx, event)
	if err != nil {
		return 0, fmt.Errorf("list webhooks for %s: %w", event, err)
	}

	var errs *multierror.Error
	queued := 0
	for _, h := range hooks {
		if _, err := d.submit.SubmitWebhookDelivery(ctx, h.ID, h.URL, event, data); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("webhook %d: %w", h.ID, err))
			continue
		}
		queued++
	}
	log.WithFields(log.Fields{"event": event, "subscribers": len(hooks), "queued": queued}).Info("event fanned out")
	return queued, errs.ErrorOrNil()
}
