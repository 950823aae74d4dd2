package api

import (
	"encoding/json"
	"net/http"

	"github.com/nightshade-ops/warden/internal/escalate"
	"github.com/nightshade-ops/warden/internal/registry"
	"github.com/nightshade-ops/warden/internal/store"
)

type AdminHandler struct {
	store    store.Store
	registry *registry.Registry
}

func NewAdminHandler(s store.Store, reg *registry.Registry) *AdminHandler {
	return &AdminHandler{store: s, registry: reg}
}

func (h *AdminHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.GetStats(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *AdminHandler) Escalations(w http.ResponseWriter, r *http.Request) {
	list, err := h.store.ListEscalations(r.Context(), 0)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if list == nil {
		list = []*store.EscalationDecision{}
	}
	writeJSON(w, http.StatusOK, list)
}

type ReportEventRequest struct {
	Source        string                 `json:"source"`
	Kind          string                 `json:"kind"`
	Severity      string                 `json:"severity"`
	Target        string                 `json:"target"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	Payload       map[string]interface{} `json:"payload,omitempty"`
}

// ReportEvent lets external monitors feed anomaly events into the
// escalation engine.
func (h *AdminHandler) ReportEvent(eng *escalate.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ReportEventRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}
		if req.Kind == "" || req.Target == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "kind and target required"})
			return
		}
		if req.Source == "" {
			req.Source = "external"
		}
		severity := store.EventSeverity(req.Severity)
		switch severity {
		case store.SeverityInfo, store.SeverityWarning, store.SeverityCritical:
		case "":
			severity = store.SeverityWarning
		default:
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown severity"})
			return
		}

		d, err := eng.HandleEvent(r.Context(), &store.Event{
			Source:        req.Source,
			Kind:          req.Kind,
			Severity:      severity,
			Target:        req.Target,
			CorrelationID: req.CorrelationID,
			Payload:       req.Payload,
		})
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusAccepted, d)
	}
}
