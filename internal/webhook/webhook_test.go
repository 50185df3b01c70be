package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"catalog-ingest/internal/models"
)

func TestSignIsDeterministicAndByteSensitive(t *testing.T) {
	secret := []byte("s3cret")
	body, err := Body(models.EventImportCompleted, json.RawMessage(`{"job_id":1,"total_rows":10}`))
	require.NoError(t, err)
	assert.Equal(t, `{"event":"import.completed","data":{"job_id":1,"total_rows":10}}`, string(body))

	sig := Sign(secret, body)
	assert.Len(t, sig, 64)
	assert.Equal(t, sig, Sign(secret, body))
	assert.True(t, Verify(secret, body, sig))

	tampered := append([]byte(nil), body...)
	tampered[len(tampered)-2] = '1'
	assert.NotEqual(t, sig, Sign(secret, tampered))
	assert.False(t, Verify(secret, tampered, sig))
}

type captured struct {
	body    []byte
	headers http.Header
}

func newCaptureServer(t *testing.T, status int) (*httptest.Server, chan captured) {
	t.Helper()
	got := make(chan captured, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		got <- captured{body: b, headers: r.Header.Clone()}
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, got
}

func TestDeliverSignsExactBody(t *testing.T) {
	srv, got := newCaptureServer(t, http.StatusNoContent)
	d := NewDeliverer(srv.Client(), DelivererConfig{Timeout: time.Second, Secret: "k"})

	data := json.RawMessage(`{"job_id":4,"error":"boom"}`)
	require.NoError(t, d.Deliver(context.Background(), 1, srv.URL, models.EventImportFailed, data))

	c := <-got
	assert.Equal(t, "application/json", c.headers.Get("Content-Type"))
	assert.Equal(t, models.EventImportFailed, c.headers.Get(HeaderEvent))
	assert.Equal(t, SignatureAlgorithm, c.headers.Get(HeaderSignatureAlg))
	assert.Equal(t, Sign([]byte("k"), c.body), c.headers.Get(HeaderSignature))
	assert.JSONEq(t, `{"event":"import.failed","data":{"job_id":4,"error":"boom"}}`, string(c.body))
}

func TestDeliverWithoutSecretIsUnsigned(t *testing.T) {
	srv, got := newCaptureServer(t, http.StatusOK)
	d := NewDeliverer(srv.Client(), DelivererConfig{Timeout: time.Second})

	require.NoError(t, d.Deliver(context.Background(), 1, srv.URL, models.EventWebhookTest, nil))
	c := <-got
	assert.Empty(t, c.headers.Get(HeaderSignature))
	assert.Empty(t, c.headers.Get(HeaderSignatureAlg))
	assert.JSONEq(t, `{"event":"webhook.test","data":null}`, string(c.body))
}

func TestDeliverNon2xxIsRetryableError(t *testing.T) {
	srv, _ := newCaptureServer(t, http.StatusBadGateway)
	d := NewDeliverer(srv.Client(), DelivererConfig{Timeout: time.Second})

	err := d.Deliver(context.Background(), 1, srv.URL, models.EventImportCompleted, json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrUnexpectedStatus)
}

func TestDeliverTimesOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()
	d := NewDeliverer(srv.Client(), DelivererConfig{Timeout: 20 * time.Millisecond})

	err := d.Deliver(context.Background(), 1, srv.URL, models.EventImportCompleted, json.RawMessage(`{}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBreakerIsolatesSubscribersOnSharedHost(t *testing.T) {
	var brokenHits, healthyHits int32
	mux := http.NewServeMux()
	mux.HandleFunc("/broken", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&brokenHits, 1)
		w.WriteHeader(http.StatusInternalServerError)
	})
	mux.HandleFunc("/healthy", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&healthyHits, 1)
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	d := NewDeliverer(srv.Client(), DelivererConfig{Timeout: time.Second, BreakerFailures: 2, BreakerCooldown: time.Minute})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, d.Deliver(ctx, 1, srv.URL+"/broken", "e", nil), ErrUnexpectedStatus)
	}
	err := d.Deliver(ctx, 1, srv.URL+"/broken", "e", nil)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.NotErrorIs(t, err, ErrUnexpectedStatus)
	assert.EqualValues(t, 2, atomic.LoadInt32(&brokenHits), "open breaker must not send the request")

	require.NoError(t, d.Deliver(ctx, 2, srv.URL+"/healthy", "e", nil))
	assert.EqualValues(t, 1, atomic.LoadInt32(&healthyHits))
}

type fakeSubs map[string][]models.Webhook

func (f fakeSubs) ListEnabledWebhooks(_ context.Context, event string) ([]models.Webhook, error) {
	return f[event], nil
}

type fakeSubmitter struct {
	calls []int64
	fail  map[int64]bool
}

func (f *fakeSubmitter) SubmitWebhookDelivery(_ context.Context, id int64, _, _ string, _ json.RawMessage) (models.Task, error) {
	if f.fail[id] {
		return models.Task{}, errors.New("queue unavailable")
	}
	f.calls = append(f.calls, id)
	return models.Task{}, nil
}

func TestFireEventMatchesExactEvent(t *testing.T) {
	subs := fakeSubs{
		models.EventImportCompleted: {{ID: 1, URL: "http://a"}, {ID: 2, URL: "http://b"}},
		models.EventImportFailed:    {{ID: 3, URL: "http://c"}},
	}
	sub := &fakeSubmitter{}
	d := NewDispatcher(subs, sub)

	n, err := d.FireEvent(context.Background(), models.EventImportCompleted, json.RawMessage(`{"job_id":1}`))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []int64{1, 2}, sub.calls)

	n, err = d.FireEvent(context.Background(), "import.*", nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestFireEventReportsPartialFailure(t *testing.T) {
	subs := fakeSubs{"e": {{ID: 1}, {ID: 2}, {ID: 3}}}
	sub := &fakeSubmitter{fail: map[int64]bool{2: true}}
	d := NewDispatcher(subs, sub)

	n, err := d.FireEvent(context.Background(), "e", nil)
	assert.Equal(t, 2, n)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "webhook 2")
}
