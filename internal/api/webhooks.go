package api

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"catalog-ingest/internal/models"
	"catalog-ingest/internal/store"
)

type webhookRequest struct {
	URL     string `json:"url"`
	Event   string `json:"event"`
	Enabled *bool  `json:"enabled"`
}

func (req webhookRequest) input() (store.WebhookInput, error) {
	in := store.WebhookInput{
		URL:     strings.TrimSpace(req.URL),
		Event:   strings.TrimSpace(req.Event),
		Enabled: true,
	}
	u, err := url.Parse(in.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return in, badRequest("url must be an absolute http(s) URL")
	}
	if in.Event == "" {
		return in, badRequest("event is required")
	}
	if req.Enabled != nil {
		in.Enabled = *req.Enabled
	}
	return in, nil
}

func (s *Server) handleListWebhooks(w http.ResponseWriter, r *http.Request) {
	items, err := s.Store.ListWebhooks(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if items == nil {
		items = []models.Webhook{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleCreateWebhook(w http.ResponseWriter, r *http.Request) {
	var req webhookRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	in, err := req.input()
	if err != nil {
		writeError(w, err)
		return
	}
	hook, err := s.Store.CreateWebhook(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, hook)
}

func (s *Server) handleUpdateWebhook(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req webhookRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	in, err := req.input()
	if err != nil {
		writeError(w, err)
		return
	}
	hook, err := s.Store.UpdateWebhook(r.Context(), id, in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, hook)
}

func (s *Server) handleDeleteWebhook(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.Store.DeleteWebhook(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleTestWebhook queues a single webhook.test delivery to one subscription, enabled or not.
func (s *Server) handleTestWebhook(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	hook, err := s.Store.GetWebhook(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	data, err := json.Marshal(map[string]any{
		"webhook_id": hook.ID,
		"sent_at":    time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	task, err := s.Tasks.SubmitWebhookDelivery(r.Context(), hook.ID, hook.URL, models.EventWebhookTest, data)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": task.ID})
}
