package models

import "time"

// Webhook events emitted by the ingest pipeline.
const (
	EventImportCompleted = "import.completed"
	EventImportFailed    = "import.failed"
	EventWebhookTest     = "webhook.test"
)

// Webhook is a subscription to a single event name.
type Webhook struct {
	ID        int64     `json:"id"`
	URL       string    `json:"url"`
	Event     string    `json:"event"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
}
