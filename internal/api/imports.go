package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"

	"catalog-ingest/internal/models"
	"catalog-ingest/internal/progress"
	"catalog-ingest/internal/telemetry"
)

const uploadField = "file"

// handleUpload streams a CSV upload into a new import job and queues the ingest.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if !s.admit(w, r) {
		return
	}

	part, err := filePart(r)
	if err != nil {
		writeError(w, err)
		return
	}
	defer part.Close()

	filename := filepath.Base(part.FileName())
	if !strings.EqualFold(filepath.Ext(filename), ".csv") {
		writeError(w, badRequest("only .csv files are accepted"))
		return
	}

	job, err := s.Jobs.Submit(r.Context(), filename, part)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int64{"job_id": job.ID})
}

// admit applies the per-client upload rate limit. It writes the response and returns false on rejection.
func (s *Server) admit(w http.ResponseWriter, r *http.Request) bool {
	if s.Limiter == nil {
		return true
	}
	d, err := s.Limiter.Allow(r.Context(), clientKey(r))
	if err != nil {
		writeError(w, fmt.Errorf("rate limit: %w", err))
		return false
	}
	if !d.Allowed {
		telemetry.RateLimitRejects.Inc()
		secs := int(math.Ceil(d.RetryAfter.Seconds()))
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
		return false
	}
	return true
}

func clientKey(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Client-ID")); id != "" {
		return id
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// filePart returns the multipart part holding the upload without buffering the body.
func filePart(r *http.Request) (partReader, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, badRequest("expected multipart/form-data")
	}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil, badRequest("missing file field")
		}
		if err != nil {
			return nil, badRequest("malformed multipart body")
		}
		if part.FormName() == uploadField && part.FileName() != "" {
			return part, nil
		}
		part.Close()
	}
}

type partReader interface {
	io.ReadCloser
	FileName() string
}

func (s *Server) handleListImportJobs(w http.ResponseWriter, r *http.Request) {
	items, err := s.Store.ListImportJobs(r.Context(), intQuery(r, "limit", 20, 200))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleGetImportJob(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	job, err := s.Jobs.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleRetryImportJob(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	job, err := s.Jobs.Retry(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

// handleProgress streams progress messages as server-sent events until the job settles
// or the client goes away.
func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	job, err := s.Jobs.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, errors.New("streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	send := func(msg models.ProgressMessage) error {
		body, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "id: %d\nevent: progress\ndata: %s\n\n", msg.Sequence, body); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	if models.IsTerminal(job.Status) {
		_ = send(progress.Snapshot(job))
		return
	}
	err = s.Progress.Watch(r.Context(), id, send)
	if err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).WithField("job_id", id).Warn("progress stream ended")
	}
}
