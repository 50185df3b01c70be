// Package app wires the shared runtime dependencies used by the binaries.
package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/avast/retry-go"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"catalog-ingest/internal/config"
	"catalog-ingest/internal/jobs"
	"catalog-ingest/internal/progress"
	"catalog-ingest/internal/queue"
	"catalog-ingest/internal/store"
	"catalog-ingest/internal/tasks"
	"catalog-ingest/internal/uploads"
)

// Runtime holds the process-wide connections and services.
type Runtime struct {
	Cfg       config.Config
	Store     *store.Store
	Redis     *redis.Client
	Queue     *queue.RedisQueue
	Uploads   *uploads.Router
	Tasks     *tasks.Client
	Jobs      *jobs.Manager
	Progress  *progress.RedisChannel
	Publisher *progress.Publisher
}

// Open connects to Postgres and Redis, applies migrations and builds the shared services.
// Connections are retried while the backing services come up.
func Open(ctx context.Context, cfg config.Config) (*Runtime, error) {
	var st *store.Store
	err := retry.Do(func() error {
		var err error
		st, err = store.New(ctx, cfg.PostgresDSN)
		return err
	}, startupRetry(ctx, "postgres")...)
	if err != nil {
		return nil, err
	}
	if err := st.RunMigrations(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}

	rdb := queue.NewRedisClient(cfg)
	err = retry.Do(func() error {
		return rdb.Ping(ctx).Err()
	}, startupRetry(ctx, "redis")...)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	files, err := OpenUploads(ctx, cfg)
	if err != nil {
		st.Close()
		_ = rdb.Close()
		return nil, err
	}

	q := queue.NewRedisQueue(rdb, cfg)
	client := tasks.NewClient(st, q, cfg.WebhookMaxAttempts)
	channel := progress.NewRedisChannel(rdb, cfg.ProgressTTL)
	publisher := progress.NewPublisher(channel, cfg.ProgressMinInterval)
	return &Runtime{
		Cfg:       cfg,
		Store:     st,
		Redis:     rdb,
		Queue:     q,
		Uploads:   files,
		Tasks:     client,
		Jobs:      jobs.NewManager(st, files, client, publisher),
		Progress:  channel,
		Publisher: publisher,
	}, nil
}

// OpenUploads builds the upload store. New uploads go to S3 when a bucket is configured;
// paths already stored locally stay readable either way.
func OpenUploads(ctx context.Context, cfg config.Config) (*uploads.Router, error) {
	local := uploads.NewLocal(cfg.UploadDir, cfg.MaxUploadBytes)
	if cfg.UploadS3Bucket == "" {
		return uploads.NewRouter(local, nil), nil
	}
	s3, err := uploads.NewS3(ctx, uploads.S3Config{
		Bucket:    cfg.UploadS3Bucket,
		Region:    cfg.UploadS3Region,
		Endpoint:  cfg.UploadS3Endpoint,
		PathStyle: cfg.UploadS3PathStyle,
		Prefix:    cfg.UploadS3Prefix,
		MaxBytes:  cfg.MaxUploadBytes,
	})
	if err != nil {
		return nil, err
	}
	return uploads.NewRouter(local, s3), nil
}

// Close releases the connections.
func (r *Runtime) Close() {
	if err := r.Redis.Close(); err != nil {
		log.WithError(err).Warn("close redis")
	}
	r.Store.Close()
}

// WorkerID names this process from WORKER_ID, the hostname or the pid.
func WorkerID() string {
	if id := os.Getenv("WORKER_ID"); id != "" {
		return id
	}
	if hostname, _ := os.Hostname(); hostname != "" {
		return hostname
	}
	return fmt.Sprintf("worker-%d", os.Getpid())
}

func startupRetry(ctx context.Context, target string) []retry.Option {
	return []retry.Option{
		retry.Context(ctx),
		retry.Attempts(10),
		retry.Delay(time.Second),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.WithError(err).WithFields(log.Fields{"target": target, "attempt": n + 1}).Warn("waiting for dependency")
		}),
	}
}
