package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/nightshade-ops/warden/internal/store"
	"github.com/nightshade-ops/warden/internal/tracker"
)

// CallbacksHandler receives lifecycle callbacks from the generation backend.
// All three endpoints are idempotent; a callback for a task already in a
// terminal state is acknowledged and discarded.
type CallbacksHandler struct {
	store   store.Store
	tracker *tracker.Tracker
}

func NewCallbacksHandler(s store.Store, tr *tracker.Tracker) *CallbacksHandler {
	return &CallbacksHandler{store: s, tracker: tr}
}

func (h *CallbacksHandler) Complete(w http.ResponseWriter, r *http.Request) {
	id, ok := h.taskID(w, r)
	if !ok {
		return
	}

	var body struct {
		OutputRefs []string `json:"output_refs"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	h.tracker.HandleCompletion(r.Context(), id, body.OutputRefs)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *CallbacksHandler) Fail(w http.ResponseWriter, r *http.Request) {
	id, ok := h.taskID(w, r)
	if !ok {
		return
	}

	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if body.Error == "" {
		body.Error = "backend reported failure"
	}

	h.tracker.HandleBackendFailure(r.Context(), id, body.Error)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *CallbacksHandler) Progress(w http.ResponseWriter, r *http.Request) {
	id, ok := h.taskID(w, r)
	if !ok {
		return
	}

	var body map[string]interface{}
	_ = json.NewDecoder(r.Body).Decode(&body)

	h.tracker.Progress(r.Context(), id, body)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *CallbacksHandler) taskID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid task id"})
		return uuid.Nil, false
	}
	task, err := h.store.GetTask(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return uuid.Nil, false
	}
	if task == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "task not found"})
		return uuid.Nil, false
	}
	return id, true
}
