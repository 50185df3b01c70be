package queue

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"catalog-ingest/internal/config"
)

func newTestQueue(t *testing.T) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	q := NewRedisQueue(client, config.Config{
		PriorityQueues:    []string{"high", "default"},
		VisibilityTimeout: time.Minute,
		DLQName:           "queue:dlq",
	})
	return q, mr
}

func TestDequeueHonoursPriority(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	require.NoError(t, q.Enqueue(ctx, "low-1", "default", time.Time{}))
	require.NoError(t, q.Enqueue(ctx, "high-1", "high", time.Time{}))

	depth, err := q.ReadyDepth(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, depth)

	id, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	assert.Equal(t, "high-1", id)

	id, err = q.DequeueWithLease(ctx)
	require.NoError(t, err)
	assert.Equal(t, "low-1", id)

	inflight, err := q.InFlight(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, inflight)

	id, err = q.DequeueWithLease(ctx)
	require.NoError(t, err)
	assert.Empty(t, id)
}

func TestScheduledTasksArePromotedWhenDue(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	runAt := time.Now().Add(time.Hour)
	require.NoError(t, q.Enqueue(ctx, "later", "high", runAt))

	n, err := q.PromoteScheduled(ctx, time.Now(), 10)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = q.PromoteScheduled(ctx, runAt.Add(time.Second), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	id, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	assert.Equal(t, "later", id)
}

func TestExpiredLeasesAreRequeued(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	require.NoError(t, q.Enqueue(ctx, "t1", "default", time.Time{}))
	id, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.Equal(t, "t1", id)

	reclaimed, err := q.RequeueExpired(ctx, time.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, reclaimed)

	reclaimed, err = q.RequeueExpired(ctx, time.Now().Add(2*time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, reclaimed)

	id, err = q.DequeueWithLease(ctx)
	require.NoError(t, err)
	assert.Equal(t, "t1", id)
}

func TestExtendLeaseKeepsTaskLeased(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	require.NoError(t, q.Enqueue(ctx, "t1", "default", time.Time{}))
	_, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)

	require.NoError(t, q.ExtendLease(ctx, "t1", 10*time.Minute))
	reclaimed, err := q.RequeueExpired(ctx, time.Now().Add(2*time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, reclaimed)

	require.NoError(t, q.Ack(ctx, "t1"))
	require.NoError(t, q.ExtendLease(ctx, "t1", time.Minute))
	inflight, err := q.InFlight(ctx)
	require.NoError(t, err)
	assert.Zero(t, inflight, "extending an acked lease must not resurrect it")
}

func TestDLQ(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	require.NoError(t, q.DLQPush(ctx, "a"))
	require.NoError(t, q.DLQPush(ctx, "b"))
	ids, err := q.DLQPeek(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)
}
