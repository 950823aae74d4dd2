package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/nightshade-ops/warden/internal/quality"
)

type ReviewsHandler struct {
	gate *quality.Gate
}

func NewReviewsHandler(g *quality.Gate) *ReviewsHandler {
	return &ReviewsHandler{gate: g}
}

type ResolveReviewRequest struct {
	Verdict string `json:"verdict"` // "approve" or "reject"
	Actor   string `json:"actor,omitempty"`
}

func (h *ReviewsHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	taskID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid task id"})
		return
	}

	var req ResolveReviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.Verdict != "approve" && req.Verdict != "reject" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "verdict must be approve or reject"})
		return
	}
	actor := req.Actor
	if actor == "" {
		actor = clientKey(r)
	}

	err = h.gate.ResolveReview(r.Context(), taskID, req.Verdict == "approve", actor)
	if errors.Is(err, quality.ErrNotPending) {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "no pending review for task"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved", "verdict": req.Verdict})
}
