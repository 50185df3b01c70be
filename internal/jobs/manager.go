// Package jobs owns import job state transitions.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"

	log "github.com/sirupsen/logrus"

	"catalog-ingest/internal/models"
	"catalog-ingest/internal/store"
)

var (
	// ErrNotFound is returned when the job does not exist.
	ErrNotFound = errors.New("import job not found")
	// ErrNotRetryable is returned when retry is requested for a job that is still queued or running.
	ErrNotRetryable = errors.New("import job is not in a terminal state")
	// ErrFileMissing is returned when the job's source file is gone.
	ErrFileMissing = errors.New("import source file is missing")
)

// Store persists import jobs.
type Store interface {
	CreateImportJob(ctx context.Context, originalFilename *string) (models.ImportJob, error)
	GetImportJob(ctx context.Context, id int64) (models.ImportJob, error)
	UpdateImportJob(ctx context.Context, id int64, u models.ImportJobUpdate) error
	ResetImportJob(ctx context.Context, id int64) (models.ImportJob, error)
}

// Files stores uploaded files.
type Files interface {
	Save(ctx context.Context, name string, r io.Reader) (path string, size int64, err error)
	Exists(ctx context.Context, path string) (bool, error)
}

// Submitter queues an ingest run.
type Submitter interface {
	SubmitImport(ctx context.Context, filePath string, jobID int64) (models.Task, error)
}

// Progress keeps live viewers in step with transitions made outside a pipeline run.
type Progress interface {
	Restart(ctx context.Context, jobID int64) error
	Abort(ctx context.Context, jobID int64, errText string)
}

// Manager is the only writer of import job state.
type Manager struct {
	store    Store
	files    Files
	submit   Submitter
	progress Progress
}

// NewManager wires the manager. files and submit are only needed by Submit and Retry;
// progress may be nil.
func NewManager(st Store, files Files, submit Submitter, progress Progress) *Manager {
	return &Manager{store: st, files: files, submit: submit, progress: progress}
}

// Create inserts a queued job.
func (m *Manager) Create(ctx context.Context, originalFilename *string) (models.ImportJob, error) {
	job, err := m.store.CreateImportJob(ctx, originalFilename)
	if err != nil {
		return models.ImportJob{}, fmt.Errorf("create import job: %w", err)
	}
	log.WithFields(log.Fields{"job_id": job.ID, "original_filename": deref(originalFilename)}).Info("import job created")
	return job, nil
}

// Submit stores an upload under a new job and queues its ingest. A failure after the job
// exists is recorded on it as failed.
func (m *Manager) Submit(ctx context.Context, filename string, body io.Reader) (models.ImportJob, error) {
	job, err := m.Create(ctx, &filename)
	if err != nil {
		return models.ImportJob{}, err
	}

	path, size, err := m.files.Save(ctx, filename, body)
	if err != nil {
		m.markFailed(ctx, job.ID, "upload failed: "+err.Error())
		return models.ImportJob{}, fmt.Errorf("save upload for import job %d: %w", job.ID, err)
	}
	if err := m.Update(ctx, job.ID, models.ImportJobUpdate{FilePath: &path}); err != nil {
		m.markFailed(ctx, job.ID, "record file path: "+err.Error())
		return models.ImportJob{}, fmt.Errorf("record file path: %w", err)
	}
	if _, err := m.submit.SubmitImport(ctx, path, job.ID); err != nil {
		m.markFailed(ctx, job.ID, "submit failed: "+err.Error())
		return models.ImportJob{}, fmt.Errorf("submit import job %d: %w", job.ID, err)
	}

	job.FilePath = &path
	log.WithFields(log.Fields{"job_id": job.ID, "bytes": size}).Info("import job submitted")
	return job, nil
}

// Get fetches a job.
func (m *Manager) Get(ctx context.Context, id int64) (models.ImportJob, error) {
	job, err := m.store.GetImportJob(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return models.ImportJob{}, fmt.Errorf("import job %d: %w", id, ErrNotFound)
	}
	return job, err
}

// Update applies a partial update. A job that no longer exists is not an error.
// store.ErrInvalidTransition is passed through so callers can tell a job was already settled.
func (m *Manager) Update(ctx context.Context, id int64, u models.ImportJobUpdate) error {
	err := m.store.UpdateImportJob(ctx, id, u)
	if errors.Is(err, store.ErrNotFound) {
		log.WithField("job_id", id).Debug("update skipped, import job is gone")
		return nil
	}
	return err
}

// Retry re-queues a failed or complete job over its retained file with the same job id.
func (m *Manager) Retry(ctx context.Context, id int64) (models.ImportJob, error) {
	job, err := m.Get(ctx, id)
	if err != nil {
		return models.ImportJob{}, err
	}
	if !models.IsTerminal(job.Status) {
		return models.ImportJob{}, fmt.Errorf("import job %d is %s: %w", id, job.Status, ErrNotRetryable)
	}
	if job.FilePath == nil || *job.FilePath == "" {
		return models.ImportJob{}, fmt.Errorf("import job %d: %w", id, ErrFileMissing)
	}
	ok, err := m.files.Exists(ctx, *job.FilePath)
	if err != nil {
		return models.ImportJob{}, fmt.Errorf("check import file: %w", err)
	}
	if !ok {
		return models.ImportJob{}, fmt.Errorf("import job %d: %w", id, ErrFileMissing)
	}

	job, err = m.store.ResetImportJob(ctx, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return models.ImportJob{}, fmt.Errorf("import job %d: %w", id, ErrNotFound)
	case errors.Is(err, store.ErrInvalidTransition):
		// lost a race with a concurrent retry
		return models.ImportJob{}, fmt.Errorf("import job %d: %w", id, ErrNotRetryable)
	case err != nil:
		return models.ImportJob{}, fmt.Errorf("reset import job: %w", err)
	}
	if m.progress != nil {
		if err := m.progress.Restart(ctx, id); err != nil {
			log.WithError(err).WithField("job_id", id).Warn("reset progress for retry")
		}
	}

	if _, err := m.submit.SubmitImport(ctx, *job.FilePath, id); err != nil {
		m.markFailed(ctx, id, "resubmit failed: "+err.Error())
		return models.ImportJob{}, fmt.Errorf("resubmit import job %d: %w", id, err)
	}
	log.WithField("job_id", id).Info("import job requeued for retry")
	return job, nil
}

// markFailed records msg on the job even when ctx is already cancelled.
func (m *Manager) markFailed(ctx context.Context, id int64, msg string) {
	ctx = context.WithoutCancel(ctx)
	failed := models.ImportFailed
	if err := m.Update(ctx, id, models.ImportJobUpdate{Status: &failed, Error: &msg}); err != nil {
		log.WithError(err).WithField("job_id", id).Error("record import job failure")
		return
	}
	if m.progress != nil {
		m.progress.Abort(ctx, id, msg)
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
