// Package progress publishes and consumes per-job import progress.
package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"catalog-ingest/internal/models"
)

const keyPrefix = "import_progress:"

// Key is the channel key holding the latest message for a job.
func Key(jobID int64) string {
	return keyPrefix + strconv.FormatInt(jobID, 10)
}

func seqKey(jobID int64) string {
	return Key(jobID) + ":seq"
}

// Channel stores the latest progress message per job.
type Channel interface {
	// NextSequence returns a number greater than any previously returned for the job.
	NextSequence(ctx context.Context, jobID int64) (int64, error)
	Set(ctx context.Context, jobID int64, msg models.ProgressMessage) error
	// Latest returns false when nothing is stored for the job.
	Latest(ctx context.Context, jobID int64) (models.ProgressMessage, bool, error)
	Clear(ctx context.Context, jobID int64) error
}

// RedisChannel keeps one JSON value per job with a bounded TTL.
type RedisChannel struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisChannel builds a channel whose entries expire after ttl.
func NewRedisChannel(client *redis.Client, ttl time.Duration) *RedisChannel {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisChannel{client: client, ttl: ttl}
}

// NextSequence increments the job's counter. The counter outlives Clear so a retried job
// keeps counting upwards.
func (c *RedisChannel) NextSequence(ctx context.Context, jobID int64) (int64, error) {
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, seqKey(jobID))
	pipe.Expire(ctx, seqKey(jobID), c.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("next progress sequence: %w", err)
	}
	return incr.Val(), nil
}

// Set overwrites the job's latest message.
func (c *RedisChannel) Set(ctx context.Context, jobID int64, msg models.ProgressMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode progress: %w", err)
	}
	if err := c.client.Set(ctx, Key(jobID), body, c.ttl).Err(); err != nil {
		return fmt.Errorf("set progress: %w", err)
	}
	return nil
}

// Latest reads the job's latest message.
func (c *RedisChannel) Latest(ctx context.Context, jobID int64) (models.ProgressMessage, bool, error) {
	raw, err := c.client.Get(ctx, Key(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.ProgressMessage{}, false, nil
	}
	if err != nil {
		return models.ProgressMessage{}, false, fmt.Errorf("get progress: %w", err)
	}
	var msg models.ProgressMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return models.ProgressMessage{}, false, fmt.Errorf("decode progress: %w", err)
	}
	return msg, true, nil
}

// Clear removes the job's latest message.
func (c *RedisChannel) Clear(ctx context.Context, jobID int64) error {
	if err := c.client.Del(ctx, Key(jobID)).Err(); err != nil {
		return fmt.Errorf("clear progress: %w", err)
	}
	return nil
}
