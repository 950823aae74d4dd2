package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nightshade-ops/warden/internal/audit"
	"github.com/nightshade-ops/warden/internal/escalate"
	"github.com/nightshade-ops/warden/internal/quality"
	"github.com/nightshade-ops/warden/internal/registry"
	"github.com/nightshade-ops/warden/internal/scheduler"
	"github.com/nightshade-ops/warden/internal/store"
	"github.com/nightshade-ops/warden/internal/tracker"
)

func NewRouter(s store.Store, reg *registry.Registry, sched *scheduler.Scheduler, tr *tracker.Tracker, gate *quality.Gate, eng *escalate.Engine, rec *audit.Recorder, adminToken string, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.RequestID)
	r.Use(RequestLogger(logger))
	r.Use(RateLimitMiddleware(120))

	tasks := NewTasksHandler(s, sched)
	resources := NewResourcesHandler(reg, s)
	callbacks := NewCallbacksHandler(s, tr)
	reviews := NewReviewsHandler(gate)
	confirmations := NewConfirmationsHandler(eng)
	auditExport := NewAuditHandler(rec)
	admin := NewAdminHandler(s, reg)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/tasks", tasks.Create)
		r.Get("/tasks", tasks.List)
		r.Get("/tasks/{id}", tasks.Get)

		r.Post("/resources", resources.Register)
		r.Get("/resources", resources.List)
		r.Put("/resources/{id}/heartbeat", resources.Heartbeat)

		r.Post("/callbacks/tasks/{id}/complete", callbacks.Complete)
		r.Post("/callbacks/tasks/{id}/fail", callbacks.Fail)
		r.Post("/callbacks/tasks/{id}/progress", callbacks.Progress)

		r.Post("/reviews/{id}/resolve", reviews.Resolve)

		r.Post("/confirmations/{token}", confirmations.Redeem)
		r.Delete("/confirmations/{token}", confirmations.Deny)

		r.Get("/audit", auditExport.Export)

		r.Group(func(r chi.Router) {
			r.Use(AdminAuthMiddleware(adminToken))
			r.Get("/stats", admin.Stats)
			r.Get("/escalations", admin.Escalations)
			r.Post("/events", admin.ReportEvent(eng))
			r.Post("/resources/{id}/drain", resources.Drain)
			r.Delete("/resources/{id}", resources.Deregister)
		})
	})

	return r
}

func NewMetricsRouter() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())
	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
