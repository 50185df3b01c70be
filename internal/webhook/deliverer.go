package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"catalog-ingest/internal/telemetry"
)

var (
	// ErrUnexpectedStatus is returned for a response outside 200-299.
	ErrUnexpectedStatus = errors.New("unexpected webhook response status")
	// ErrCircuitOpen is returned when the target's breaker refused the request. No request was sent.
	ErrCircuitOpen = errors.New("webhook circuit open")
)

// DelivererConfig tunes HTTP delivery.
type DelivererConfig struct {
	Timeout         time.Duration
	Secret          string
	BreakerFailures int
	BreakerCooldown time.Duration
}

// Deliverer performs single delivery attempts. Retrying is left to the task queue.
type Deliverer struct {
	client *http.Client
	cfg    DelivererConfig

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewDeliverer builds a deliverer. A nil client gets a default one.
func NewDeliverer(client *http.Client, cfg DelivererConfig) *Deliverer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.BreakerFailures <= 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 30 * time.Second
	}
	if client == nil {
		client = &http.Client{}
	}
	return &Deliverer{client: client, cfg: cfg, breakers: make(map[string]*gobreaker.CircuitBreaker)}
}

// Deliver POSTs {event, data} to target once. Transport errors and non-2xx statuses are returned
// so the task can be retried. A refusal by an open breaker wraps ErrCircuitOpen.
func (d *Deliverer) Deliver(ctx context.Context, webhookID int64, target, event string, data json.RawMessage) error {
	body, err := Body(event, data)
	if err != nil {
		return fmt.Errorf("encode webhook body: %w", err)
	}

	logger := log.WithFields(log.Fields{"webhook_id": webhookID, "event": event})
	start := time.Now()
	res, err := d.breaker(target).Execute(func() (interface{}, error) {
		return d.post(ctx, target, event, body)
	})
	elapsed := time.Since(start)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		telemetry.WebhookDeliveries.WithLabelValues("circuit_open").Inc()
		logger.WithError(err).Debug("webhook delivery held back by open circuit")
		return fmt.Errorf("deliver webhook %d: %w: %w", webhookID, ErrCircuitOpen, err)
	}
	if err != nil {
		telemetry.WebhookDeliveries.WithLabelValues("error").Inc()
		logger.WithError(err).WithField("duration_ms", elapsed.Milliseconds()).Warn("webhook delivery failed")
		return fmt.Errorf("deliver webhook %d: %w", webhookID, err)
	}

	status := res.(int)
	telemetry.WebhookDeliveries.WithLabelValues("success").Inc()
	telemetry.WebhookDeliveryDuration.Observe(elapsed.Seconds())
	logger.WithFields(log.Fields{"status": status, "duration_ms": elapsed.Milliseconds()}).Info("webhook delivered")
	return nil
}

func (d *Deliverer) post(ctx context.Context, target, event string, body []byte) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, event)
	if d.cfg.Secret != "" {
		req.Header.Set(HeaderSignature, Sign([]byte(d.cfg.Secret), body))
		req.Header.Set(HeaderSignatureAlg, SignatureAlgorithm)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode)
	}
	return resp.StatusCode, nil
}

// breaker returns the circuit breaker for one subscriber URL, creating it on first use.
// Subscribers sharing a host trip independently.
func (d *Deliverer) breaker(target string) *gobreaker.CircuitBreaker {
	key, name := target, target
	if u, err := url.Parse(target); err == nil {
		u.Fragment = ""
		key, name = u.String(), u.Redacted()
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if cb, ok := d.breakers[key]; ok {
		return cb
	}
	failures := uint32(d.cfg.BreakerFailures)
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     d.cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.WithFields(log.Fields{"target": name, "from": from.String(), "to": to.String()}).Warn("webhook circuit state changed")
		},
	})
	d.breakers[key] = cb
	return cb
}
