package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"catalog-ingest/internal/models"
)

const webhookColumns = `id, url, event, enabled, created_at`

// WebhookInput carries the writable fields of a subscription.
type WebhookInput struct {
	URL     string
	Event   string
	Enabled bool
}

// ListWebhooks returns every subscription, oldest first.
func (s *Store) ListWebhooks(ctx context.Context) ([]models.Webhook, error) {
	return s.queryWebhooks(ctx, `SELECT `+webhookColumns+` FROM webhooks ORDER BY id`)
}

// ListEnabledWebhooks returns enabled subscriptions whose event equals the given name exactly.
func (s *Store) ListEnabledWebhooks(ctx context.Context, event string) ([]models.Webhook, error) {
	return s.queryWebhooks(ctx, `SELECT `+webhookColumns+` FROM webhooks WHERE enabled AND event = $1 ORDER BY id`, event)
}

// GetWebhook fetches a subscription by id.
func (s *Store) GetWebhook(ctx context.Context, id int64) (models.Webhook, error) {
	var w models.Webhook
	err := s.pool.QueryRow(ctx, `SELECT `+webhookColumns+` FROM webhooks WHERE id = $1`, id).
		Scan(&w.ID, &w.URL, &w.Event, &w.Enabled, &w.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Webhook{}, fmt.Errorf("webhook %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Webhook{}, fmt.Errorf("scan webhook: %w", err)
	}
	return w, nil
}

// CreateWebhook inserts a subscription.
func (s *Store) CreateWebhook(ctx context.Context, in WebhookInput) (models.Webhook, error) {
	var w models.Webhook
	err := s.pool.QueryRow(ctx, `
		INSERT INTO webhooks (url, event, enabled, created_at) VALUES ($1, $2, $3, NOW())
		RETURNING `+webhookColumns, in.URL, in.Event, in.Enabled).
		Scan(&w.ID, &w.URL, &w.Event, &w.Enabled, &w.CreatedAt)
	if err != nil {
		return models.Webhook{}, fmt.Errorf("insert webhook: %w", err)
	}
	return w, nil
}

// UpdateWebhook overwrites a subscription by id.
func (s *Store) UpdateWebhook(ctx context.Context, id int64, in WebhookInput) (models.Webhook, error) {
	var w models.Webhook
	err := s.pool.QueryRow(ctx, `
		UPDATE webhooks SET url = $2, event = $3, enabled = $4 WHERE id = $1
		RETURNING `+webhookColumns, id, in.URL, in.Event, in.Enabled).
		Scan(&w.ID, &w.URL, &w.Event, &w.Enabled, &w.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Webhook{}, fmt.Errorf("webhook %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Webhook{}, fmt.Errorf("update webhook: %w", err)
	}
	return w, nil
}

// DeleteWebhook removes a subscription by id.
func (s *Store) DeleteWebhook(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM webhooks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete webhook: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("webhook %d: %w", id, ErrNotFound)
	}
	return nil
}

// CountWebhooks returns the number of subscriptions.
func (s *Store) CountWebhooks(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM webhooks`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count webhooks: %w", err)
	}
	return n, nil
}

func (s *Store) queryWebhooks(ctx context.Context, sql string, args ...any) ([]models.Webhook, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list webhooks: %w", err)
	}
	defer rows.Close()

	var out []models.Webhook
	for rows.Next() {
		var w models.Webhook
		if err := rows.Scan(&w.ID, &w.URL, &w.Event, &w.Enabled, &w.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan webhook: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}
