package tasks

import "encoding/json"

// Task types understood by the worker.
const (
	TypeImportCSV      = "import_csv"
	TypeFireEvent      = "fire_event"
	TypeDeliverWebhook = "deliver_webhook"
)

// ImportPayload asks the worker to run the ingest pipeline over an uploaded file.
type ImportPayload struct {
	FilePath string `json:"file_path"`
	JobID    int64  `json:"job_id"`
}

// EventPayload asks the worker to fan an event out to its subscribers.
type EventPayload struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// DeliveryPayload is one webhook POST to one subscriber.
type DeliveryPayload struct {
	WebhookID int64           `json:"webhook_id"`
	URL       string          `json:"url"`
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data"`
}
