package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"catalog-ingest/internal/models"
	"catalog-ingest/internal/progress"
)

func newProgress(t *testing.T) (*progress.RedisChannel, *progress.Publisher) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	ch := progress.NewRedisChannel(client, time.Hour)
	return ch, progress.NewPublisher(ch, 0)
}

func TestRetryReplacesTerminalProgress(t *testing.T) {
	ctx := context.Background()
	ch, pub := newProgress(t)
	st := newMemStore()
	id := seedJob(t, st, models.ImportFailed, "/f.csv")
	require.True(t, pub.ForJob(id).Publish(ctx, progress.Failed(40, ptr(int64(40)), "previous error")))

	sub := &fakeSubmitter{}
	m := NewManager(st, fakeFiles{"/f.csv": true}, sub, pub)
	_, err := m.Retry(ctx, id)
	require.NoError(t, err)

	msg, ok, err := ch.Latest(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, models.ImportQueued, msg.Status)

	wctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	var seen []models.ProgressMessage
	err = progress.NewWatcher(ch, time.Millisecond, m).Watch(wctx, id, func(msg models.ProgressMessage) error {
		seen = append(seen, msg)
		return nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	require.Len(t, seen, 1)
	assert.Equal(t, models.ImportQueued, seen[0].Status)
	assert.Equal(t, []int64{id}, sub.calls)
}

func TestWatcherSkipsTerminalProgressOfRequeuedJob(t *testing.T) {
	ctx := context.Background()
	ch, pub := newProgress(t)
	st := newMemStore()
	id := seedJob(t, st, models.ImportFailed, "/f.csv")
	require.True(t, pub.ForJob(id).Publish(ctx, progress.Failed(40, nil, "previous error")))

	// reset without a publisher, as an older process would
	_, err := NewManager(st, fakeFiles{"/f.csv": true}, &fakeSubmitter{}, nil).Retry(ctx, id)
	require.NoError(t, err)

	wctx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	calls := 0
	err = progress.NewWatcher(ch, time.Millisecond, NewManager(st, nil, nil, nil)).Watch(wctx, id, func(models.ProgressMessage) error {
		calls++
		return nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, calls)

	_, ok, err := ch.Latest(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok, "a skipped message is left in place")
}

func TestResubmitFailurePublishesTerminalProgress(t *testing.T) {
	ctx := context.Background()
	ch, pub := newProgress(t)
	st := newMemStore()
	id := seedJob(t, st, models.ImportComplete, "/f.csv")

	m := NewManager(st, fakeFiles{"/f.csv": true}, &fakeSubmitter{err: errors.New("queue down")}, pub)
	_, err := m.Retry(ctx, id)
	require.Error(t, err)

	msg, ok, err := ch.Latest(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, models.ImportFailed, msg.Status)
	assert.Contains(t, msg.Message, "resubmit failed")
}
