package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nightshade-ops/warden/internal/api"
	"github.com/nightshade-ops/warden/internal/audit"
	"github.com/nightshade-ops/warden/internal/backend"
	"github.com/nightshade-ops/warden/internal/config"
	"github.com/nightshade-ops/warden/internal/escalate"
	"github.com/nightshade-ops/warden/internal/events"
	"github.com/nightshade-ops/warden/internal/grader"
	"github.com/nightshade-ops/warden/internal/quality"
	"github.com/nightshade-ops/warden/internal/queue"
	"github.com/nightshade-ops/warden/internal/registry"
	"github.com/nightshade-ops/warden/internal/scheduler"
	"github.com/nightshade-ops/warden/internal/store"
	"github.com/nightshade-ops/warden/internal/tracker"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel(cfg.Logging.Level)}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Database
	db, err := store.NewPostgresStore(ctx, cfg.Database.URL)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	logger.Info("connected to database")

	// Event bus (optional)
	var eventsClient events.Client
	if cfg.Events.URL != "" {
		ec, err := events.NewNATSClient(ctx, cfg.Events.URL, logger)
		if err != nil {
			logger.Warn("failed to connect to event bus, running without events", "error", err)
		} else {
			eventsClient = ec
			defer ec.Close()
			logger.Info("connected to event bus")
		}
	}

	// External backends
	backendClient := backend.NewHTTPClient(cfg.Backend.URL, cfg.Backend.Token)
	graderClient := grader.NewHTTPClient(cfg.Grader.URL)

	// Core components
	rec := audit.NewRecorder(db, logger)
	reg := registry.New(db, eventsClient, cfg, logger)
	q := queue.New(cfg.AgingThreshold())
	sched := scheduler.New(db, reg, q, eventsClient, cfg, logger)
	gate := quality.NewGate(db, graderClient, eventsClient, cfg, logger)
	tr := tracker.New(db, reg, backendClient, gate, eventsClient, cfg, logger)
	eng := escalate.New(db, reg, eventsClient, rec, newRemediator(reg, eventsClient), cfg, logger)

	// Wiring: the registry wakes the queue on fresh capacity and fails over
	// tasks stranded on offline resources; terminal failures and health
	// changes feed the escalation engine.
	reg.SetWake(q.Notify)
	reg.SetOfflineHandler(sched.HandleResourceOffline)
	reg.SetEventSink(escalationSink(eng, logger))
	sched.SetEventSink(escalationSink(eng, logger))
	sched.SetLauncher(tr)
	tr.SetFailureHandler(sched.HandleFailure, sched.HandleTimeout)

	if err := reg.Load(ctx); err != nil {
		logger.Error("failed to load resource registry", "error", err)
		os.Exit(1)
	}

	reg.Start(ctx)
	defer reg.Stop()
	sched.Start(ctx)
	defer sched.Stop()
	tr.Start(ctx)
	defer tr.Stop()
	logger.Info("scheduler started", "tick_interval", cfg.TickInterval())

	// API server
	router := api.NewRouter(db, reg, sched, tr, gate, eng, rec, cfg.Server.AdminToken, logger)
	apiServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	// Metrics server
	metricsServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.MetricsPort),
		Handler: api.NewMetricsRouter(),
	}

	go func() {
		logger.Info("API server starting", "port", cfg.Server.Port)
		if err := apiServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("API server error", "error", err)
		}
	}()

	go func() {
		logger.Info("metrics server starting", "port", cfg.Server.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("metrics server error", "error", err)
		}
	}()

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	_ = apiServer.Shutdown(shutdownCtx)
	_ = metricsServer.Shutdown(shutdownCtx)

	logger.Info("shutdown complete")
}

func logLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func escalationSink(eng *escalate.Engine, logger *slog.Logger) func(ctx context.Context, e *store.Event) {
	return func(ctx context.Context, e *store.Event) {
		if _, err := eng.HandleEvent(ctx, e); err != nil {
			logger.Warn("failed to process escalation event", "kind", e.Kind, "target", e.Target, "error", err)
		}
	}
}

// newRemediator builds the bounded-action executor. Draining acts through
// the registry; restarts are commands published for node agents, which
// requires a live event bus.
func newRemediator(reg *registry.Registry, ev events.Client) escalate.Remediator {
	return escalate.RemediatorFunc(func(ctx context.Context, target, actionType string) error {
		if actionType == "drain_resource" {
			for _, r := range reg.Snapshot() {
				if r.Name == target || r.ID.String() == target {
					return reg.Drain(r.ID, true)
				}
			}
			return fmt.Errorf("unknown resource %q", target)
		}
		if ev == nil {
			return errors.New("no remediation channel available")
		}
		return ev.Publish(events.SubjectRemediate(target, actionType), map[string]interface{}{
			"target":      target,
			"action_type": actionType,
			"issued_at":   time.Now().UTC().Format(time.RFC3339),
		})
	})
}
