package models

import "time"

// Import job statuses.
const (
	ImportQueued   = "queued"
	ImportRunning  = "running"
	ImportFailed   = "failed"
	ImportComplete = "complete"
)

// ImportJob is one ingest run over an uploaded file.
type ImportJob struct {
	ID               int64     `json:"id"`
	Status           string    `json:"status"`
	TotalRows        *int64    `json:"total_rows"`
	ProcessedRows    int64     `json:"processed_rows"`
	Error            *string   `json:"error,omitempty"`
	FilePath         *string   `json:"file_path,omitempty"`
	OriginalFilename *string   `json:"original_filename,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// ImportJobUpdate is a partial update. Nil fields are left untouched.
type ImportJobUpdate struct {
	Processed *int64
	Total     *int64
	Status    *string
	Error     *string
	FilePath  *string
}

// IsTerminal reports whether no automatic transition leaves status.
func IsTerminal(status string) bool {
	return status == ImportFailed || status == ImportComplete
}

// AllowedFrom lists the statuses an ordinary update may move to `to` from.
// Moving back to queued is reserved for retry and is never allowed here.
func AllowedFrom(to string) []string {
	switch to {
	case ImportRunning:
		// running -> running covers an at-least-once redelivery after a worker crash.
		return []string{ImportQueued, ImportRunning}
	case ImportFailed:
		return []string{ImportQueued, ImportRunning, ImportFailed}
	case ImportComplete:
		return []string{ImportRunning, ImportComplete}
	default:
		return nil
	}
}

// CanTransition reports whether an ordinary update may move from -> to.
func CanTransition(from, to string) bool {
	for _, s := range AllowedFrom(to) {
		if s == from {
			return true
		}
	}
	return false
}
