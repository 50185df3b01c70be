package api

import (
	"net/http"
	"strconv"
	"strings"

	"catalog-ingest/internal/store"
)

type productRequest struct {
	SKU         string  `json:"sku"`
	Name        string  `json:"name"`
	Description *string `json:"description"`
	PriceCents  *int64  `json:"price_cents"`
	Active      *bool   `json:"active"`
}

func (p productRequest) input() (store.ProductInput, error) {
	in := store.ProductInput{
		SKU:         strings.TrimSpace(p.SKU),
		Name:        strings.TrimSpace(p.Name),
		Description: p.Description,
		PriceCents:  p.PriceCents,
		Active:      true,
	}
	if in.SKU == "" {
		return in, badRequest("sku is required")
	}
	if in.Name == "" {
		return in, badRequest("name is required")
	}
	if in.PriceCents != nil && *in.PriceCents < 0 {
		return in, badRequest("price_cents must not be negative")
	}
	if p.Active != nil {
		in.Active = *p.Active
	}
	return in, nil
}

func (s *Server) handleListProducts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.ProductFilter{
		Query:   strings.TrimSpace(q.Get("q")),
		SKU:     strings.TrimSpace(q.Get("sku")),
		Page:    intQuery(r, "page", 1, 1<<20),
		PerPage: intQuery(r, "per_page", 50, 500),
	}
	if v := q.Get("active"); v != "" {
		active, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, badRequest("active must be a boolean"))
			return
		}
		f.Active = &active
	}
	items, total, err := s.Store.ListProducts(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items":    items,
		"total":    total,
		"page":     f.Page,
		"per_page": f.PerPage,
	})
}

func (s *Server) handleGetProduct(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	p, err := s.Store.GetProduct(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// handleUpsertProduct creates a product or overwrites the one sharing its normalized SKU.
func (s *Server) handleUpsertProduct(w http.ResponseWriter, r *http.Request) {
	var req productRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	in, err := req.input()
	if err != nil {
		writeError(w, err)
		return
	}
	p, err := s.Store.UpsertProduct(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleUpdateProduct(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req productRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	in, err := req.input()
	if err != nil {
		writeError(w, err)
		return
	}
	p, err := s.Store.UpdateProduct(r.Context(), id, in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleDeleteProduct(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.Store.DeleteProduct(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDeleteAllProducts empties the catalog. It requires confirm=true.
func (s *Server) handleDeleteAllProducts(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("confirm") != "true" {
		writeError(w, badRequest("pass confirm=true to delete every product"))
		return
	}
	n, err := s.Store.DeleteAllProducts(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}
