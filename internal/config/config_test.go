package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "8080", cfg.HTTPPort)
	assert.Equal(t, 5000, cfg.CSVBatchSize)
	assert.Equal(t, time.Hour, cfg.ProgressTTL)
	assert.Equal(t, 5*time.Second, cfg.WebhookTimeout)
	assert.Equal(t, 6, cfg.WebhookMaxAttempts)
	assert.Equal(t, int64(5*1024*1024*1024), cfg.MaxUploadBytes)
	assert.Equal(t, []string{"high", "default", "low"}, cfg.PriorityQueues)
	assert.Empty(t, cfg.WebhookSecret)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("CSV_BATCH_SIZE", "250")
	t.Setenv("WEBHOOK_TIMEOUT", "2s")
	t.Setenv("WEBHOOK_SECRET", "s3cret")
	t.Setenv("PRIORITY_QUEUES", " imports , default ,,")
	t.Setenv("RATE_LIMIT_REFILL_PER_SEC", "2.5")
	t.Setenv("UPLOAD_S3_PATH_STYLE", "true")

	cfg := Load()

	assert.Equal(t, 250, cfg.CSVBatchSize)
	assert.Equal(t, 2*time.Second, cfg.WebhookTimeout)
	assert.Equal(t, "s3cret", cfg.WebhookSecret)
	assert.Equal(t, []string{"imports", "default"}, cfg.PriorityQueues)
	assert.Equal(t, 2.5, cfg.RateLimitRefill)
	assert.True(t, cfg.UploadS3PathStyle)
}

func TestLoadInvalidValuesFallBack(t *testing.T) {
	t.Setenv("CSV_BATCH_SIZE", "lots")
	t.Setenv("WORKER_CONCURRENCY", "-3")
	t.Setenv("PROGRESS_TTL", "forever")
	t.Setenv("WEBHOOK_MAX_ATTEMPTS", "0")

	cfg := Load()

	assert.Equal(t, 5000, cfg.CSVBatchSize)
	assert.Equal(t, 4, cfg.WorkerConcurrency)
	assert.Equal(t, time.Hour, cfg.ProgressTTL)
	assert.Equal(t, 6, cfg.WebhookMaxAttempts)
}

func TestLoadConfigFileUnderEnv(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "catalog.yaml")
	require.NoError(t, os.WriteFile(file, []byte("csv_batch_size: 100\nupload_dir: /data/in\n"), 0o644))
	t.Setenv("CONFIG_FILE", file)
	t.Setenv("UPLOAD_DIR", "/data/override")

	cfg := Load()

	assert.Equal(t, 100, cfg.CSVBatchSize)
	assert.Equal(t, "/data/override", cfg.UploadDir)
}

func TestLoadRejectsFractionalIntegers(t *testing.T) {
	t.Setenv("CSV_BATCH_SIZE", "1.9")
	t.Setenv("MAX_UPLOAD_BYTES", "1024.5")
	t.Setenv("REDIS_DB", " 3 ")
	t.Setenv("WORKER_CONCURRENCY", "8.0")

	cfg := Load()

	assert.Equal(t, 5000, cfg.CSVBatchSize)
	assert.Equal(t, int64(5*1024*1024*1024), cfg.MaxUploadBytes)
	assert.Equal(t, 3, cfg.RedisDB)
	assert.Equal(t, 8, cfg.WorkerConcurrency)
}

func TestLoadTypedValuesFromConfigFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "catalog.yaml")
	body := "worker_concurrency: 2.5\nrate_limit_refill_per_sec: 7.25\nrate_limit_capacity: 40\nprogress_ttl: 90m\n"
	require.NoError(t, os.WriteFile(file, []byte(body), 0o644))
	t.Setenv("CONFIG_FILE", file)

	cfg := Load()

	assert.Equal(t, 4, cfg.WorkerConcurrency, "fractional counts fall back to the default")
	assert.Equal(t, 7.25, cfg.RateLimitRefill)
	assert.Equal(t, 40, cfg.RateLimitCapacity)
	assert.Equal(t, 90*time.Minute, cfg.ProgressTTL)
}
