package quality

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/nightshade-ops/warden/internal/config"
	"github.com/nightshade-ops/warden/internal/events"
	"github.com/nightshade-ops/warden/internal/grader"
	"github.com/nightshade-ops/warden/internal/metrics"
	"github.com/nightshade-ops/warden/internal/store"
)

const (
	ReasonRejected      = "rejected-quality"
	ReasonNeedsApproval = "needs-approval"
	ReasonDomainFloor   = "domain-match-below-floor"
)

var ErrNotPending = errors.New("quality: score is not pending review")

// Decide evaluates signals against a threshold snapshot. It is a pure
// function of its arguments: re-running it with the stored snapshot always
// reproduces the stored decision.
func Decide(sig grader.Signals, snap store.ThresholdSnapshot) (float64, store.QualityDecision, string) {
	composite := sig.Aesthetic*snap.WeightAesthetic +
		sig.Technical*snap.WeightTechnical +
		sig.DomainMatch*snap.WeightDomainMatch

	// Hard floor: an output that does not match the requested subject is
	// rejected no matter how well it scores otherwise.
	if sig.DomainMatch < snap.DomainFloor {
		return composite, store.DecisionAutoReject, ReasonDomainFloor
	}

	switch {
	case composite >= snap.AutoApprove:
		return composite, store.DecisionAutoApprove, ""
	case composite >= snap.Min:
		return composite, store.DecisionPendingReview, ReasonNeedsApproval
	default:
		return composite, store.DecisionAutoReject, ReasonRejected
	}
}

// Snapshot freezes the currently configured thresholds and per-type weights
// for a task type.
func Snapshot(cfg *config.Config, taskType string) store.ThresholdSnapshot {
	w := cfg.WeightsFor(taskType)
	return store.ThresholdSnapshot{
		AutoApprove:       cfg.Quality.AutoApproveThreshold,
		Min:               cfg.Quality.MinThreshold,
		DomainFloor:       cfg.Quality.DomainMatchFloor,
		WeightAesthetic:   w.Aesthetic,
		WeightTechnical:   w.Technical,
		WeightDomainMatch: w.DomainMatch,
	}
}

// Gate scores completed outputs and records accept/reject/review decisions.
type Gate struct {
	store  store.Store
	grader grader.Client
	events events.Client
	cfg    *config.Config
	logger *slog.Logger
}

func NewGate(s store.Store, g grader.Client, ev events.Client, cfg *config.Config, logger *slog.Logger) *Gate {
	return &Gate{store: s, grader: g, events: ev, cfg: cfg, logger: logger}
}

// Evaluate scores one completed output and persists the decision. Writes are
// keyed by task id and write-once: a duplicate completion returns the
// existing record unchanged.
func (g *Gate) Evaluate(ctx context.Context, task *store.Task, outputRef, referenceRef string) (*store.QualityScore, error) {
	if existing, err := g.store.GetQualityScoreForTask(ctx, task.ID); err != nil {
		return nil, fmt.Errorf("lookup score: %w", err)
	} else if existing != nil {
		return existing, nil
	}

	sig, err := g.grader.Score(ctx, outputRef, referenceRef)
	if err != nil {
		return nil, fmt.Errorf("grade output: %w", err)
	}

	snap := Snapshot(g.cfg, task.Type)
	composite, decision, reason := Decide(*sig, snap)

	qs := &store.QualityScore{
		TaskID:      task.ID,
		OutputRef:   outputRef,
		Aesthetic:   sig.Aesthetic,
		Technical:   sig.Technical,
		DomainMatch: sig.DomainMatch,
		Composite:   composite,
		Decision:    decision,
		Reason:      reason,
		Snapshot:    snap,
	}
	if err := g.store.CreateQualityScore(ctx, qs); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			// Raced with a duplicate callback; the first write wins.
			return g.store.GetQualityScoreForTask(ctx, task.ID)
		}
		return nil, fmt.Errorf("persist score: %w", err)
	}

	switch decision {
	case store.DecisionPendingReview:
		task.Reason = ReasonNeedsApproval
	case store.DecisionAutoReject:
		task.Reason = ReasonRejected
	}
	if task.Reason != "" {
		if err := g.store.UpdateTask(ctx, task); err != nil {
			g.logger.Warn("failed to record quality reason on task", "task_id", task.ID, "error", err)
		}
	}

	metrics.QualityDecisions.WithLabelValues(string(decision)).Inc()
	g.audit(ctx, task.ID, "quality decision", map[string]interface{}{
		"output_ref": outputRef,
		"composite":  composite,
		"decision":   string(decision),
		"reason":     reason,
		"snapshot":   snap,
	})
	if g.events != nil {
		_ = g.events.Publish(events.SubjectQualityDecision(task.ID.String()), events.QualityDecisionEvent{
			TaskID:    task.ID.String(),
			OutputRef: outputRef,
			Composite: composite,
			Decision:  string(decision),
			Reason:    reason,
		})
	}
	g.logger.Info("quality decision", "task_id", task.ID, "composite", composite,
		"decision", decision, "reason", reason)
	return qs, nil
}

// ResolveReview applies a human verdict to a pending_review output. The
// original score record stays immutable; the resolution lives in the audit
// log and on the task's reason.
func (g *Gate) ResolveReview(ctx context.Context, taskID uuid.UUID, approve bool, actor string) error {
	qs, err := g.store.GetQualityScoreForTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("lookup score: %w", err)
	}
	if qs == nil || qs.Decision != store.DecisionPendingReview {
		return ErrNotPending
	}

	task, err := g.store.GetTask(ctx, taskID)
	if err != nil || task == nil {
		return fmt.Errorf("lookup task %s: %w", taskID, err)
	}

	verdict := "approved"
	task.Reason = ""
	if !approve {
		verdict = "rejected"
		task.Reason = ReasonRejected
	}
	if err := g.store.UpdateTask(ctx, task); err != nil {
		return fmt.Errorf("update task: %w", err)
	}

	g.audit(ctx, taskID, "review resolved", map[string]interface{}{
		"verdict": verdict,
		"actor":   actor,
	})
	if g.events != nil {
		_ = g.events.Publish(events.SubjectReviewResolved(taskID.String()), map[string]interface{}{
			"task_id": taskID.String(),
			"verdict": verdict,
			"actor":   actor,
		})
	}
	g.logger.Info("review resolved", "task_id", taskID, "verdict", verdict, "actor", actor)
	return nil
}

func (g *Gate) audit(ctx context.Context, ref uuid.UUID, summary string, details map[string]interface{}) {
	refID := ref
	if err := g.store.AppendAudit(ctx, &store.AuditEntry{
		Category: "quality",
		RefID:    &refID,
		Actor:    "quality-gate",
		Summary:  summary,
		Details:  details,
	}); err != nil {
		g.logger.Warn("failed to append audit entry", "error", err)
	}
}
