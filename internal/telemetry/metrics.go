package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EnqueueCounter   = prometheus.NewCounter(prometheus.CounterOpts{Name: "tasks_enqueued_total", Help: "Total enqueued tasks"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "uploads_rate_limit_rejects_total", Help: "Uploads rejected by rate limiter"})
	WorkerSuccess    = prometheus.NewCounter(prometheus.CounterOpts{Name: "tasks_completed_total", Help: "Tasks completed successfully"})
	WorkerFailures   = prometheus.NewCounter(prometheus.CounterOpts{Name: "tasks_failed_total", Help: "Tasks that failed and will retry"})
	WorkerDeadLetter = prometheus.NewCounter(prometheus.CounterOpts{Name: "tasks_dead_letter_total", Help: "Tasks moved to DLQ"})
	WorkerDeferred   = prometheus.NewCounter(prometheus.CounterOpts{Name: "tasks_deferred_total", Help: "Tasks rescheduled without spending an attempt"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "tasks_queue_depth", Help: "Ready queue depth across priorities"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "tasks_inflight", Help: "Tasks currently leased across all workers"})

	ImportRowsProcessed = prometheus.NewCounter(prometheus.CounterOpts{Name: "import_rows_processed_total", Help: "Rows merged into the product table"})
	ImportBatches       = prometheus.NewCounter(prometheus.CounterOpts{Name: "import_batches_total", Help: "Staging batches merged"})
	ImportBatchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "import_batch_duration_seconds",
		Help:    "Time to stage and merge one batch",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	})
	ImportJobsFinished = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "import_jobs_finished_total", Help: "Import jobs reaching a terminal status"}, []string{"status"})

	ProgressPublishFailures = prometheus.NewCounter(prometheus.CounterOpts{Name: "progress_publish_failures_total", Help: "Progress messages that could not be published"})

	WebhookDeliveries       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "webhook_deliveries_total", Help: "Webhook delivery attempts by outcome"}, []string{"outcome"})
	WebhookDeliveryDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "webhook_delivery_duration_seconds",
		Help:    "Duration of successful webhook POSTs",
		Buckets: prometheus.DefBuckets,
	})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter,
			RateLimitRejects,
			WorkerSuccess,
			WorkerFailures,
			WorkerDeadLetter,
			WorkerDeferred,
			QueueDepthGauge,
			InFlightGauge,
			ImportRowsProcessed,
			ImportBatches,
			ImportBatchDuration,
			ImportJobsFinished,
			ProgressPublishFailures,
			WebhookDeliveries,
			WebhookDeliveryDuration,
		)
	})
	return promhttp.Handler()
}
