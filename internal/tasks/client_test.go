package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"catalog-ingest/internal/models"
	"catalog-ingest/internal/store"
)

type fakeStore struct {
	created    []store.CreateTaskParams
	failed     map[string]string
	createErrs []error
}

func (f *fakeStore) CreateTask(_ context.Context, p store.CreateTaskParams) (models.Task, error) {
	if len(f.createErrs) > 0 {
		err := f.createErrs[0]
		f.createErrs = f.createErrs[1:]
		if err != nil {
			return models.Task{}, err
		}
	}
	f.created = append(f.created, p)
	return models.Task{
		ID:          "task-" + p.Type,
		Type:        p.Type,
		Priority:    p.Priority,
		Payload:     p.Payload,
		MaxAttempts: p.MaxAttempts,
		NextRunAt:   time.Now(),
	}, nil
}

func (f *fakeStore) MarkFailed(_ context.Context, id, lastError string) error {
	if f.failed == nil {
		f.failed = map[string]string{}
	}
	f.failed[id] = lastError
	return nil
}

type fakeQueue struct {
	enqueued []string
	err      error
}

func (f *fakeQueue) Enqueue(_ context.Context, taskID, _ string, _ time.Time) error {
	if f.err != nil {
		return f.err
	}
	f.enqueued = append(f.enqueued, taskID)
	return nil
}

func newTestClient(st *fakeStore, q *fakeQueue) *Client {
	c := NewClient(st, q, 6)
	c.retryDelay = time.Millisecond
	return c
}

func TestSubmitImportIsSingleAttempt(t *testing.T) {
	st, q := &fakeStore{}, &fakeQueue{}
	c := newTestClient(st, q)

	task, err := c.SubmitImport(context.Background(), "/tmp/uploads/a.csv", 42)
	require.NoError(t, err)
	assert.Equal(t, TypeImportCSV, task.Type)
	require.Len(t, st.created, 1)
	assert.Equal(t, 1, st.created[0].MaxAttempts)

	var p ImportPayload
	require.NoError(t, json.Unmarshal(st.created[0].Payload, &p))
	assert.Equal(t, ImportPayload{FilePath: "/tmp/uploads/a.csv", JobID: 42}, p)
	assert.Equal(t, []string{task.ID}, q.enqueued)
}

func TestSubmitWebhookDeliveryUsesDeliveryBudget(t *testing.T) {
	st, q := &fakeStore{}, &fakeQueue{}
	c := newTestClient(st, q)

	data := json.RawMessage(`{"job_id":7,"total_rows":3}`)
	_, err := c.SubmitWebhookDelivery(context.Background(), 9, "http://example.test/hook", models.EventImportCompleted, data)
	require.NoError(t, err)
	require.Len(t, st.created, 1)
	assert.Equal(t, 6, st.created[0].MaxAttempts)

	var p DeliveryPayload
	require.NoError(t, json.Unmarshal(st.created[0].Payload, &p))
	assert.EqualValues(t, 9, p.WebhookID)
	assert.JSONEq(t, string(data), string(p.Data))
}

func TestSubmitRetriesTransientCreateErrors(t *testing.T) {
	st := &fakeStore{createErrs: []error{errors.New("conn reset"), nil}}
	q := &fakeQueue{}
	c := newTestClient(st, q)

	_, err := c.SubmitEventFanout(context.Background(), models.EventImportFailed, json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Len(t, st.created, 1)
	assert.Len(t, q.enqueued, 1)
}

func TestSubmitMarksTaskFailedWhenEnqueueFails(t *testing.T) {
	st := &fakeStore{}
	q := &fakeQueue{err: errors.New("redis down")}
	c := newTestClient(st, q)

	_, err := c.SubmitEventFanout(context.Background(), models.EventImportCompleted, json.RawMessage(`{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis down")
	assert.Contains(t, st.failed, "task-"+TypeFireEvent)
}
