package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"catalog-ingest/internal/config"
	"catalog-ingest/internal/jobs"
	"catalog-ingest/internal/models"
	"catalog-ingest/internal/ratelimit"
	"catalog-ingest/internal/store"
	"catalog-ingest/internal/telemetry"
	"catalog-ingest/internal/uploads"
)

// Store is the persistence the API reads and writes directly.
type Store interface {
	ListImportJobs(ctx context.Context, limit int) ([]models.ImportJob, error)
	CountImportJobsByStatus(ctx context.Context) (map[string]int64, error)

	ListProducts(ctx context.Context, f store.ProductFilter) ([]models.Product, int64, error)
	GetProduct(ctx context.Context, id int64) (models.Product, error)
	UpsertProduct(ctx context.Context, in store.ProductInput) (models.Product, error)
	UpdateProduct(ctx context.Context, id int64, in store.ProductInput) (models.Product, error)
	DeleteProduct(ctx context.Context, id int64) error
	DeleteAllProducts(ctx context.Context) (int64, error)
	CountProducts(ctx context.Context) (total, active int64, err error)

	ListWebhooks(ctx context.Context) ([]models.Webhook, error)
	GetWebhook(ctx context.Context, id int64) (models.Webhook, error)
	CreateWebhook(ctx context.Context, in store.WebhookInput) (models.Webhook, error)
	UpdateWebhook(ctx context.Context, id int64, in store.WebhookInput) (models.Webhook, error)
	DeleteWebhook(ctx context.Context, id int64) error
	CountWebhooks(ctx context.Context) (int64, error)

	VisibleTasks(ctx context.Context) (int64, error)
	GetTask(ctx context.Context, id string) (models.Task, error)
}

// Jobs manages import jobs.
type Jobs interface {
	Submit(ctx context.Context, filename string, body io.Reader) (models.ImportJob, error)
	Get(ctx context.Context, id int64) (models.ImportJob, error)
	Retry(ctx context.Context, id int64) (models.ImportJob, error)
}

// Submitter queues background work.
type Submitter interface {
	SubmitWebhookDelivery(ctx context.Context, webhookID int64, url, event string, data json.RawMessage) (models.Task, error)
}

// ProgressWatcher follows a job's progress messages.
type ProgressWatcher interface {
	Watch(ctx context.Context, jobID int64, fn func(models.ProgressMessage) error) error
}

// DeadLetters lists abandoned task ids.
type DeadLetters interface {
	DLQPeek(ctx context.Context, count int64) ([]string, error)
}

// Limiter admits or rejects a request for a client key.
type Limiter interface {
	Allow(ctx context.Context, key string) (ratelimit.Decision, error)
}

// Deps are the collaborators of a Server. Limiter may be nil.
type Deps struct {
	Store    Store
	Jobs     Jobs
	Tasks    Submitter
	Progress ProgressWatcher
	DLQ      DeadLetters
	Limiter  Limiter
}

// Server wires HTTP handlers for the catalog API.
type Server struct {
	cfg config.Config
	Deps
}

// New constructs the API server.
func New(cfg config.Config, deps Deps) *Server {
	return &Server{cfg: cfg, Deps: deps}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/upload-csv", s.handleUpload)
	r.Route("/import-jobs", func(r chi.Router) {
		r.Get("/", s.handleListImportJobs)
		r.Get("/{id}", s.handleGetImportJob)
		r.Post("/{id}/retry", s.handleRetryImportJob)
		r.Get("/{id}/progress", s.handleProgress)
	})
	r.Route("/products", func(r chi.Router) {
		r.Get("/", s.handleListProducts)
		r.Post("/", s.handleUpsertProduct)
		r.Delete("/", s.handleDeleteAllProducts)
		r.Get("/{id}", s.handleGetProduct)
		r.Put("/{id}", s.handleUpdateProduct)
		r.Delete("/{id}", s.handleDeleteProduct)
	})
	r.Route("/webhooks", func(r chi.Router) {
		r.Get("/", s.handleListWebhooks)
		r.Post("/", s.handleCreateWebhook)
		r.Put("/{id}", s.handleUpdateWebhook)
		r.Delete("/{id}", s.handleDeleteWebhook)
		r.Post("/{id}/test", s.handleTestWebhook)
	})
	r.Get("/stats", s.handleStats)
	r.Get("/tasks/{id}", s.handleGetTask)
	r.Get("/dlq", s.handleDLQ)
	return r
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.Store.GetTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// handleDLQ returns the DLQ contents (IDs only).
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	items, err := s.DLQ.DLQPeek(r.Context(), 100)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	total, active, err := s.Store.CountProducts(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	byStatus, err := s.Store.CountImportJobsByStatus(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	hooks, err := s.Store.CountWebhooks(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	ready, err := s.Store.VisibleTasks(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"products_total":  total,
		"products_active": active,
		"import_jobs":     byStatus,
		"webhooks":        hooks,
		"tasks_due":       ready,
	})
}

// httpError carries a status chosen by the handler.
type httpError struct {
	code int
	msg  string
}

func (e *httpError) Error() string { return e.msg }

func badRequest(msg string) error {
	return &httpError{code: http.StatusBadRequest, msg: msg}
}

func statusFor(err error) int {
	var he *httpError
	switch {
	case errors.As(err, &he):
		return he.code
	case errors.Is(err, store.ErrNotFound), errors.Is(err, jobs.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, jobs.ErrNotRetryable), errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, jobs.ErrFileMissing):
		return http.StatusGone
	case errors.Is(err, uploads.ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}

// writeError maps err to a status and a JSON body. Internal errors are logged, not echoed.
func writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		log.WithError(err).Error("request failed")
		msg = http.StatusText(code)
	}
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func decodeJSON(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return badRequest("invalid json")
	}
	return nil
}

func idParam(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, badRequest("invalid id")
	}
	return id, nil
}

func intQuery(r *http.Request, key string, def, max int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || v <= 0 {
		return def
	}
	if v > max {
		return max
	}
	return v
}

// requestLogger tags each request with an id and logs its outcome.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", reqID)

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		log.WithFields(log.Fields{
			"request_id":  reqID,
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      ww.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
		}).Debug("http request")
	})
}
