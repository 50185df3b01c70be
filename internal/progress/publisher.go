package progress

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"catalog-ingest/internal/models"
	"catalog-ingest/internal/telemetry"
)

// Publisher stamps messages with sequence numbers and writes them to a Channel.
// Publishing never fails the caller.
type Publisher struct {
	ch          Channel
	minInterval time.Duration
	now         func() time.Time
}

// NewPublisher builds a publisher. Non-terminal messages closer together than minInterval are
// dropped; zero disables throttling.
func NewPublisher(ch Channel, minInterval time.Duration) *Publisher {
	return &Publisher{ch: ch, minInterval: minInterval, now: time.Now}
}

// ForJob returns a publisher scoped to one job run. Throttle state lives on the returned value.
func (p *Publisher) ForJob(jobID int64) *JobPublisher {
	return &JobPublisher{p: p, jobID: jobID}
}

// JobPublisher publishes progress for a single job.
type JobPublisher struct {
	p     *Publisher
	jobID int64

	mu   sync.Mutex
	last time.Time
}

// Publish writes msg with a fresh sequence number and reports whether it was written.
// Terminal messages bypass throttling.
func (j *JobPublisher) Publish(ctx context.Context, msg models.ProgressMessage) bool {
	j.mu.Lock()
	defer j.mu.Unlock()

	now := j.p.now()
	if !msg.Terminal() && j.p.minInterval > 0 && !j.last.IsZero() && now.Sub(j.last) < j.p.minInterval {
		return false
	}

	logger := log.WithFields(log.Fields{"job_id": j.jobID, "status": msg.Status})
	seq, err := j.p.ch.NextSequence(ctx, j.jobID)
	if err != nil {
		telemetry.ProgressPublishFailures.Inc()
		logger.WithError(err).Warn("progress publish skipped")
		return false
	}
	msg.Sequence = seq
	if err := j.p.ch.Set(ctx, j.jobID, msg); err != nil {
		telemetry.ProgressPublishFailures.Inc()
		logger.WithError(err).Warn("progress publish skipped")
		return false
	}
	j.last = now
	return true
}

// Restart replaces whatever an earlier run left for the job with a queued message, so a viewer
// of the retried job does not pick up the old terminal status. If the message cannot be written
// the stale entry is removed instead.
func (p *Publisher) Restart(ctx context.Context, jobID int64) error {
	if p.ForJob(jobID).Publish(ctx, Queued()) {
		return nil
	}
	if err := p.ch.Clear(ctx, jobID); err != nil {
		return fmt.Errorf("clear stale progress for job %d: %w", jobID, err)
	}
	return nil
}

// Abort publishes a terminal failure for a job that was settled outside a pipeline run.
func (p *Publisher) Abort(ctx context.Context, jobID int64, errText string) {
	p.ForJob(jobID).Publish(ctx, Failed(0, nil, errText))
}

// Queued builds the message for a job waiting for a worker.
func Queued() models.ProgressMessage {
	return models.ProgressMessage{Status: models.ImportQueued, Message: "Queued for retry"}
}

// Running builds a non-terminal message for a batch boundary.
func Running(processed int64, total *int64) models.ProgressMessage {
	msg := models.ProgressMessage{Status: models.ImportRunning, Processed: processed, Total: total}
	if total != nil {
		msg.Message = fmt.Sprintf("Processed %d of %d rows", processed, *total)
	} else {
		msg.Message = fmt.Sprintf("Processed %d rows", processed)
	}
	return msg
}

// Completed builds the terminal success message.
func Completed(total int64) models.ProgressMessage {
	return models.ProgressMessage{
		Status:    models.ImportComplete,
		Processed: total,
		Total:     &total,
		Message:   fmt.Sprintf("Import complete: %d rows", total),
	}
}

// Failed builds the terminal failure message carrying the error text.
func Failed(processed int64, total *int64, errText string) models.ProgressMessage {
	return models.ProgressMessage{
		Status:    models.ImportFailed,
		Processed: processed,
		Total:     total,
		Message:   errText,
	}
}

// Snapshot renders a settled job as its terminal message, for viewers that arrive after
// the live message has been cleared.
func Snapshot(job models.ImportJob) models.ProgressMessage {
	if job.Status == models.ImportComplete {
		var total int64
		if job.TotalRows != nil {
			total = *job.TotalRows
		}
		return Completed(total)
	}
	errText := "import failed"
	if job.Error != nil {
		errText = *job.Error
	}
	return Failed(job.ProcessedRows, job.TotalRows, errText)
}
