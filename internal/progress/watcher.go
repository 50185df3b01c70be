package progress

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"catalog-ingest/internal/models"
)

// JobLookup reads the stored job row.
type JobLookup interface {
	Get(ctx context.Context, id int64) (models.ImportJob, error)
}

// Watcher polls a Channel and reports only messages newer than the last one seen.
type Watcher struct {
	ch       Channel
	jobs     JobLookup
	interval time.Duration
}

// NewWatcher builds a watcher polling every interval. When jobs is not nil a terminal message is
// only accepted once the job row is terminal too; the pipeline settles the row before publishing.
func NewWatcher(ch Channel, interval time.Duration, jobs JobLookup) *Watcher {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &Watcher{ch: ch, jobs: jobs, interval: interval}
}

// Watch calls fn for every frontier message of the job until a terminal one is seen, fn fails,
// or ctx ends. On a terminal message the channel entry is cleared.
func (w *Watcher) Watch(ctx context.Context, jobID int64, fn func(models.ProgressMessage) error) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	var last int64
	for {
		msg, ok, err := w.ch.Latest(ctx, jobID)
		if err != nil {
			log.WithError(err).WithField("job_id", jobID).Debug("progress poll failed")
		}
		stale := ok && msg.Sequence > last && msg.Terminal() && !w.settled(ctx, jobID)
		if stale {
			last = msg.Sequence
			log.WithFields(log.Fields{"job_id": jobID, "sequence": msg.Sequence}).Debug("ignoring terminal progress left by an earlier run")
		}
		if ok && msg.Sequence > last {
			last = msg.Sequence
			if err := fn(msg); err != nil {
				return err
			}
			if msg.Terminal() {
				if err := w.ch.Clear(ctx, jobID); err != nil {
					log.WithError(err).WithField("job_id", jobID).Warn("clear progress")
				}
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// settled reports whether the job row agrees that the job is finished. Lookup failures count as
// settled so a watcher never spins on a broken database.
func (w *Watcher) settled(ctx context.Context, jobID int64) bool {
	if w.jobs == nil {
		return true
	}
	job, err := w.jobs.Get(ctx, jobID)
	if err != nil {
		log.WithError(err).WithField("job_id", jobID).Debug("job lookup failed")
		return true
	}
	return models.IsTerminal(job.Status)
}
