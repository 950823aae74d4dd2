package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/nightshade-ops/warden/internal/registry"
	"github.com/nightshade-ops/warden/internal/store"
)

type ResourcesHandler struct {
	registry *registry.Registry
	store    store.Store
}

func NewResourcesHandler(reg *registry.Registry, s store.Store) *ResourcesHandler {
	return &ResourcesHandler{registry: reg, store: s}
}

type RegisterResourceRequest struct {
	Name         string   `json:"name"`
	Tags         []string `json:"tags,omitempty"`
	MemoryMB     int64    `json:"memory_mb"`
	Slots        int      `json:"slots"`
	AffinityHint string   `json:"affinity_hint,omitempty"`
}

func (h *ResourcesHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterResourceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.Name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "name required"})
		return
	}

	res := &store.Resource{
		Name:         req.Name,
		Tags:         req.Tags,
		MemoryMB:     req.MemoryMB,
		Slots:        req.Slots,
		AffinityHint: req.AffinityHint,
	}
	id, err := h.registry.Register(r.Context(), res)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"resource_id": id.String()})
}

func (h *ResourcesHandler) List(w http.ResponseWriter, r *http.Request) {
	resources := h.registry.Snapshot()
	if resources == nil {
		resources = []*store.Resource{}
	}
	writeJSON(w, http.StatusOK, resources)
}

type HeartbeatRequest struct {
	UtilizationPct float64 `json:"utilization_pct"`
	FreeMemoryMB   int64   `json:"free_memory_mb"`
}

func (h *ResourcesHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid resource id"})
		return
	}

	var req HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	err = h.registry.Heartbeat(r.Context(), id, registry.HeartbeatMetrics{
		UtilizationPct: req.UtilizationPct,
		FreeMemoryMB:   req.FreeMemoryMB,
	})
	if errors.Is(err, registry.ErrUnknownResource) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "resource not found"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *ResourcesHandler) Deregister(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid resource id"})
		return
	}

	err = h.registry.Deregister(r.Context(), id)
	if errors.Is(err, registry.ErrUnknownResource) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "resource not found"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deregistered"})
}

func (h *ResourcesHandler) Drain(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid resource id"})
		return
	}

	var req struct {
		Drained *bool `json:"drained,omitempty"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	drained := true
	if req.Drained != nil {
		drained = *req.Drained
	}

	if err := h.registry.Drain(id, drained); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "resource not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"resource_id": id.String(), "drained": drained})
}
