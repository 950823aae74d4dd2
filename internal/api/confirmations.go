package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nightshade-ops/warden/internal/escalate"
)

type ConfirmationsHandler struct {
	engine *escalate.Engine
}

func NewConfirmationsHandler(e *escalate.Engine) *ConfirmationsHandler {
	return &ConfirmationsHandler{engine: e}
}

func (h *ConfirmationsHandler) Redeem(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	d, err := h.engine.Redeem(r.Context(), token)
	if errors.Is(err, escalate.ErrUnknownToken) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown confirmation token"})
		return
	}
	if errors.Is(err, escalate.ErrNotPending) {
		writeJSON(w, http.StatusGone, map[string]string{"error": "confirmation no longer pending"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *ConfirmationsHandler) Deny(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	d, err := h.engine.Deny(r.Context(), token, clientKey(r))
	if errors.Is(err, escalate.ErrUnknownToken) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown confirmation token"})
		return
	}
	if errors.Is(err, escalate.ErrNotPending) {
		writeJSON(w, http.StatusGone, map[string]string{"error": "confirmation no longer pending"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, d)
}
