// Package ingest runs catalog imports: a counting pass, then a batched staged load into products.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"catalog-ingest/internal/models"
	"catalog-ingest/internal/progress"
	"catalog-ingest/internal/store"
	"catalog-ingest/internal/telemetry"
)

// DefaultBatchSize is used when no batch size is configured.
const DefaultBatchSize = 5000

// Files gives access to uploaded files.
type Files interface {
	Open(ctx context.Context, path string) (io.ReadCloser, error)
	Remove(ctx context.Context, path string) error
}

// Jobs records import job state.
type Jobs interface {
	Update(ctx context.Context, id int64, u models.ImportJobUpdate) error
}

// Events queues an event for fan-out to webhook subscribers.
type Events interface {
	SubmitEventFanout(ctx context.Context, event string, data json.RawMessage) (models.Task, error)
}

// Staging is a bulk-load area owned by one job run.
type Staging interface {
	// Merge loads rows and upserts them into products; the last row per normalized SKU wins.
	Merge(ctx context.Context, rows []models.ProductRow) (int64, error)
	Close(ctx context.Context) error
}

// StagingFunc opens a fresh staging area for a job run.
type StagingFunc func(ctx context.Context, jobID int64) (Staging, error)

// PostgresStaging opens staging tables in st.
func PostgresStaging(st *store.Store) StagingFunc {
	return func(ctx context.Context, jobID int64) (Staging, error) {
		s, err := st.OpenStaging(ctx, jobID)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

// Deps are the collaborators of a Pipeline.
type Deps struct {
	Files    Files
	Jobs     Jobs
	Staging  StagingFunc
	Progress *progress.Publisher
	Events   Events
}

// Pipeline imports one file per Run. It holds no per-job state, so one Pipeline serves
// any number of concurrent runs.
type Pipeline struct {
	deps      Deps
	batchSize int
}

func NewPipeline(deps Deps, batchSize int) *Pipeline {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Pipeline{deps: deps, batchSize: batchSize}
}

type completedEvent struct {
	JobID     int64 `json:"job_id"`
	TotalRows int64 `json:"total_rows"`
}

type failedEvent struct {
	JobID int64  `json:"job_id"`
	Error string `json:"error"`
}

// run carries the state of a single job run.
type run struct {
	jobID     int64
	filePath  string
	total     *int64
	processed int64
	pub       *progress.JobPublisher
	logger    *log.Entry

	blankSKUs int
	malformed int
}

// Run imports filePath for jobID. It returns nil if the job completed or had already been settled
// by an earlier delivery of the same task; otherwise the job is marked failed and the cause returned.
func (p *Pipeline) Run(ctx context.Context, filePath string, jobID int64) error {
	r := &run{
		jobID:    jobID,
		filePath: filePath,
		pub:      p.deps.Progress.ForJob(jobID),
		logger:   log.WithFields(log.Fields{"job_id": jobID, "file": filePath}),
	}

	running := models.ImportRunning
	err := p.deps.Jobs.Update(ctx, jobID, models.ImportJobUpdate{Status: &running})
	if errors.Is(err, store.ErrInvalidTransition) {
		r.logger.Info("import job already settled, skipping")
		return nil
	}
	if err != nil {
		return p.fail(ctx, r, fmt.Errorf("mark running: %w", err))
	}
	r.logger.Info("import started")
	start := time.Now()

	total, err := p.count(ctx, r)
	if err != nil {
		return p.fail(ctx, r, err)
	}
	r.total = &total
	if err := p.deps.Jobs.Update(ctx, jobID, models.ImportJobUpdate{Total: &total}); err != nil {
		return p.fail(ctx, r, fmt.Errorf("record total: %w", err))
	}

	if err := p.load(ctx, r); err != nil {
		return p.fail(ctx, r, err)
	}

	complete := models.ImportComplete
	if err := p.deps.Jobs.Update(ctx, jobID, models.ImportJobUpdate{Status: &complete, Processed: &total}); err != nil {
		return p.fail(ctx, r, fmt.Errorf("mark complete: %w", err))
	}
	r.pub.Publish(ctx, progress.Completed(total))
	telemetry.ImportJobsFinished.WithLabelValues(models.ImportComplete).Inc()
	p.emit(ctx, r, models.EventImportCompleted, completedEvent{JobID: jobID, TotalRows: total})

	if err := p.deps.Files.Remove(ctx, filePath); err != nil {
		r.logger.WithError(err).Warn("remove imported file")
	}
	r.logger.WithFields(log.Fields{
		"total_rows": total,
		"blank_skus": r.blankSKUs,
		"malformed":  r.malformed,
		"elapsed_ms": time.Since(start).Milliseconds(),
	}).Info("import complete")
	return nil
}

// count is pass 1: the number of rows with a non-blank SKU.
func (p *Pipeline) count(ctx context.Context, r *run) (int64, error) {
	f, err := p.deps.Files.Open(ctx, r.filePath)
	if err != nil {
		return 0, fmt.Errorf("open import file: %w", err)
	}
	defer f.Close()

	var total int64
	_, err = scan(f, func(rec Record) error {
		if countable(rec) {
			total++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("count rows: %w", err)
	}
	return total, nil
}

// load is pass 2: stream rows into the job's staging area in batches and merge each batch.
func (p *Pipeline) load(ctx context.Context, r *run) (err error) {
	f, err := p.deps.Files.Open(ctx, r.filePath)
	if err != nil {
		return fmt.Errorf("open import file: %w", err)
	}
	defer f.Close()

	stg, err := p.deps.Staging(ctx, r.jobID)
	if err != nil {
		return fmt.Errorf("open staging: %w", err)
	}
	defer func() {
		cerr := stg.Close(context.WithoutCancel(ctx))
		switch {
		case cerr == nil:
		case err != nil:
			merr := multierror.Append(err, fmt.Errorf("close staging: %w", cerr))
			merr.ErrorFormat = joinErrors
			err = merr
		default:
			r.logger.WithError(cerr).Warn("close staging")
		}
	}()

	batch := make([]models.ProductRow, 0, p.batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := p.flush(ctx, r, stg, batch); err != nil {
			return err
		}
		batch = batch[:0]
		return nil
	}

	stats, err := scan(f, func(rec Record) error {
		row, ok := normalize(rec, len(batch))
		if !ok {
			r.blankSKUs++
			return nil
		}
		batch = append(batch, row)
		if len(batch) >= p.batchSize {
			return flush()
		}
		return nil
	})
	r.malformed = stats.malformed
	if err != nil {
		return err
	}
	if err := flush(); err != nil {
		return err
	}
	if r.blankSKUs > 0 || r.malformed > 0 {
		r.logger.WithFields(log.Fields{"blank_skus": r.blankSKUs, "malformed": r.malformed}).Debug("rows skipped")
	}
	return nil
}

// flush merges one batch, advances processed_rows and publishes progress.
func (p *Pipeline) flush(ctx context.Context, r *run, stg Staging, batch []models.ProductRow) error {
	start := time.Now()
	if _, err := stg.Merge(ctx, batch); err != nil {
		return fmt.Errorf("merge batch after %d rows: %w", r.processed, err)
	}
	telemetry.ImportBatches.Inc()
	telemetry.ImportBatchDuration.Observe(time.Since(start).Seconds())
	telemetry.ImportRowsProcessed.Add(float64(len(batch)))

	r.processed += int64(len(batch))
	if r.total != nil && r.processed > *r.total {
		r.processed = *r.total
	}
	processed := r.processed
	if err := p.deps.Jobs.Update(ctx, r.jobID, models.ImportJobUpdate{Processed: &processed}); err != nil {
		return fmt.Errorf("record progress: %w", err)
	}
	r.pub.Publish(ctx, progress.Running(processed, r.total))
	return nil
}

// fail settles the job as failed and returns cause. The source file is kept for retry.
func (p *Pipeline) fail(ctx context.Context, r *run, cause error) error {
	ctx = context.WithoutCancel(ctx)
	msg := cause.Error()
	r.logger.WithError(cause).WithField("processed_rows", r.processed).Error("import failed")

	failed := models.ImportFailed
	if err := p.deps.Jobs.Update(ctx, r.jobID, models.ImportJobUpdate{Status: &failed, Error: &msg}); err != nil {
		r.logger.WithError(err).Error("record import failure")
	}
	r.pub.Publish(ctx, progress.Failed(r.processed, r.total, msg))
	telemetry.ImportJobsFinished.WithLabelValues(models.ImportFailed).Inc()
	p.emit(ctx, r, models.EventImportFailed, failedEvent{JobID: r.jobID, Error: msg})
	return fmt.Errorf("import job %d: %w", r.jobID, cause)
}

// emit queues an event fan-out. Failures are logged and never affect the job.
func (p *Pipeline) emit(ctx context.Context, r *run, event string, payload any) {
	data, err := json.Marshal(payload)
	if err == nil {
		_, err = p.deps.Events.SubmitEventFanout(ctx, event, data)
	}
	if err != nil {
		r.logger.WithError(err).WithField("event", event).Error("emit event")
	}
}

func joinErrors(errs []error) string {
	parts := make([]string, len(errs))
	for i, err := range errs {
		parts[i] = err.Error()
	}
	return strings.Join(parts, "; ")
}
