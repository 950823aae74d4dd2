package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/nightshade-ops/warden/internal/audit"
	"github.com/nightshade-ops/warden/internal/store"
)

type AuditHandler struct {
	recorder *audit.Recorder
}

func NewAuditHandler(rec *audit.Recorder) *AuditHandler {
	return &AuditHandler{recorder: rec}
}

// Export returns audit entries at or after ?since (RFC3339), oldest first.
// Without ?since it returns the last 24 hours.
func (h *AuditHandler) Export(w http.ResponseWriter, r *http.Request) {
	since := time.Now().Add(-24 * time.Hour)
	if s := r.URL.Query().Get("since"); s != "" {
		parsed, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "since must be RFC3339"})
			return
		}
		since = parsed
	}

	limit := 0
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
		limit = n
	}

	entries, err := h.recorder.Query(r.Context(), since, limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if entries == nil {
		entries = []*store.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}
