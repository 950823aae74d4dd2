package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nightshade-ops/warden/internal/store"
)

const (
	CategoryScheduling = "scheduling"
	CategoryQuality    = "quality"
	CategoryEscalation = "escalation"
	CategoryResource   = "resource"
)

// Recorder appends decision records to the audit log. Append failures are
// logged and swallowed so an audit outage never blocks a decision path.
type Recorder struct {
	store  store.Store
	logger *slog.Logger
}

func NewRecorder(s store.Store, logger *slog.Logger) *Recorder {
	return &Recorder{store: s, logger: logger}
}

func (r *Recorder) Record(ctx context.Context, category, actor string, refID *uuid.UUID, summary string, details map[string]interface{}) {
	entry := &store.AuditEntry{
		Category: category,
		Actor:    actor,
		RefID:    refID,
		Summary:  summary,
		Details:  details,
	}
	if err := r.store.AppendAudit(ctx, entry); err != nil {
		r.logger.Warn("failed to append audit entry", "category", category, "summary", summary, "error", err)
	}
}

// Query returns entries created at or after since, oldest first.
func (r *Recorder) Query(ctx context.Context, since time.Time, limit int) ([]*store.AuditEntry, error) {
	return r.store.QueryAudit(ctx, since, limit)
}
