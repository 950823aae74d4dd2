package escalate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nightshade-ops/warden/internal/audit"
	"github.com/nightshade-ops/warden/internal/config"
	"github.com/nightshade-ops/warden/internal/events"
	"github.com/nightshade-ops/warden/internal/metrics"
	"github.com/nightshade-ops/warden/internal/registry"
	"github.com/nightshade-ops/warden/internal/store"
)

var (
	ErrUnknownToken = errors.New("unknown confirmation token")
	ErrNotPending   = errors.New("decision is not pending confirmation")
)

// Remediator executes one bounded, named action against a target. It never
// acts on anything wider than the named target.
type Remediator interface {
	Remediate(ctx context.Context, target, actionType string) error
}

type RemediatorFunc func(ctx context.Context, target, actionType string) error

func (f RemediatorFunc) Remediate(ctx context.Context, target, actionType string) error {
	return f(ctx, target, actionType)
}

// rule maps an event kind to a base confidence and the remediation it
// would trigger. Kinds without a rule fall back on severity alone.
type rule struct {
	base       float64
	actionType string
}

var rules = map[string]rule{
	"resource_offline":      {base: 0.90, actionType: "restart_agent"},
	"resource_degraded":     {base: 0.70, actionType: "restart_agent"},
	"task_terminal_failure": {base: 0.55, actionType: "drain_resource"},
	"backend_unreachable":   {base: 0.80, actionType: "restart_service"},
}

var severityBase = map[store.EventSeverity]float64{
	store.SeverityCritical: 0.75,
	store.SeverityWarning:  0.50,
	store.SeverityInfo:     0.30,
}

// window is a sliding-window counter for one (target, actionType) key.
type window struct {
	mu    sync.Mutex
	marks []time.Time
}

// countAndPrune drops marks older than the window and returns the count of
// those remaining.
func (w *window) countAndPrune(now time.Time, span time.Duration) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pruneLocked(now, span)
}

func (w *window) pruneLocked(now time.Time, span time.Duration) int {
	cutoff := now.Add(-span)
	kept := w.marks[:0]
	for _, m := range w.marks {
		if m.After(cutoff) {
			kept = append(kept, m)
		}
	}
	w.marks = kept
	return len(w.marks)
}

func (w *window) mark(now time.Time, span time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruneLocked(now, span)
	w.marks = append(w.marks, now)
}

// Engine turns anomaly events into escalation decisions. Confidence is the
// rule's base adjusted by context, clipped to [0,1]; rate limiting is a
// sliding window per (target, actionType) with its own lock, so decisions
// about unrelated targets never contend.
type Engine struct {
	store      store.Store
	registry   *registry.Registry
	events     events.Client
	audit      *audit.Recorder
	remediator Remediator
	cfg        *config.Config
	logger     *slog.Logger

	now func() time.Time

	windowsMu sync.Mutex
	windows   map[string]*window

	degradedMu sync.Mutex
	degraded   map[string]bool // (target, actionType) keys whose last auto-remediation failed

	failuresMu sync.Mutex
	failures   map[string][]time.Time // recent event times per target
}

func New(s store.Store, reg *registry.Registry, ev events.Client, rec *audit.Recorder, rem Remediator, cfg *config.Config, logger *slog.Logger) *Engine {
	return &Engine{
		store:      s,
		registry:   reg,
		events:     ev,
		audit:      rec,
		remediator: rem,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
		windows:    make(map[string]*window),
		degraded:   make(map[string]bool),
		failures:   make(map[string][]time.Time),
	}
}

func limitKey(target, actionType string) string { return target + "|" + actionType }

// HandleEvent records an incoming event and produces exactly one decision
// for it.
func (e *Engine) HandleEvent(ctx context.Context, ev *store.Event) (*store.EscalationDecision, error) {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = e.now()
	}
	if err := e.store.CreateEvent(ctx, ev); err != nil {
		return nil, fmt.Errorf("record event: %w", err)
	}

	actionType := e.actionTypeFor(ev)
	confidence := e.Confidence(ev)
	now := e.now()

	key := limitKey(ev.Target, actionType)
	count := e.window(key).countAndPrune(now, e.cfg.RateWindow())
	limit := e.cfg.Escalation.RateLimitPerWindow

	d := &store.EscalationDecision{
		ID:          uuid.New(),
		EventID:     ev.ID,
		Target:      ev.Target,
		ActionType:  actionType,
		Confidence:  confidence,
		WindowCount: count,
		WindowLimit: limit,
		Outcome:     store.OutcomePending,
		CreatedAt:   now,
	}

	switch {
	case count >= limit && confidence >= e.cfg.Escalation.ConfirmThreshold:
		// The window is full. Even total confidence does not get to keep
		// hammering a flapping target, and a staged confirmation would
		// execute inside the same window, so both tiers are forced down.
		d.Action = store.ActionEscalatedHuman
		metrics.RateLimitForced.Inc()
	case confidence >= e.cfg.Escalation.AutoThreshold && e.consumeDegraded(key):
		// The previous auto-remediation against this key failed; require a
		// human in the loop once before acting autonomously again.
		d.Action = store.ActionQueuedConfirmation
	case confidence >= e.cfg.Escalation.AutoThreshold:
		d.Action = store.ActionAutoRemediate
	case confidence >= e.cfg.Escalation.ConfirmThreshold:
		d.Action = store.ActionQueuedConfirmation
	default:
		d.Action = store.ActionEscalatedHuman
	}

	if d.Action == store.ActionQueuedConfirmation {
		d.ConfirmToken = uuid.NewString()
		exp := now.Add(e.cfg.ConfirmTTL())
		d.ConfirmExpiresAt = &exp
	}

	if err := e.store.CreateEscalation(ctx, d); err != nil {
		return nil, fmt.Errorf("record escalation decision: %w", err)
	}

	metrics.EscalationDecisions.WithLabelValues(string(d.Action)).Inc()
	e.audit.Record(ctx, audit.CategoryEscalation, "escalate", &d.ID, "escalation decided", map[string]interface{}{
		"event_id":     ev.ID.String(),
		"event_kind":   ev.Kind,
		"target":       ev.Target,
		"action_type":  actionType,
		"action":       string(d.Action),
		"confidence":   confidence,
		"window_count": count,
		"window_limit": limit,
	})
	e.publishDecision(d)
	e.logger.Info("escalation decided",
		"decision_id", d.ID, "event_kind", ev.Kind, "target", ev.Target,
		"action", d.Action, "confidence", confidence,
		"window", fmt.Sprintf("%d/%d", count, limit))

	e.recordFailure(ev.Target, now)

	switch d.Action {
	case store.ActionAutoRemediate:
		e.window(key).mark(now, e.cfg.RateWindow())
		go e.execute(context.Background(), d)
	case store.ActionQueuedConfirmation:
		time.AfterFunc(e.cfg.ConfirmTTL(), func() { e.expire(context.Background(), d.ID) })
	}
	return d, nil
}

// Confidence computes clip(base + modifiers, 0, 1) for an event. Modifiers
// never change an already-made decision: they apply only at decision time.
func (e *Engine) Confidence(ev *store.Event) float64 {
	base, ok := severityBase[ev.Severity]
	if !ok {
		base = 0.30
	}
	if r, ok := rules[ev.Kind]; ok {
		base = r.base
	}
	c := base + e.timeOfDayModifier(e.now()) + e.recentFailureModifier(ev.Target) + e.clusterHealthModifier()
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

func (e *Engine) actionTypeFor(ev *store.Event) string {
	if r, ok := rules[ev.Kind]; ok {
		return r.actionType
	}
	return "notify"
}

// timeOfDayModifier favors autonomous action when operators are around to
// notice a bad remediation, and holds back overnight.
func (e *Engine) timeOfDayModifier(now time.Time) float64 {
	h := now.Hour()
	switch {
	case h >= 9 && h < 18:
		return 0.05
	case h >= 22 || h < 6:
		return -0.10
	default:
		return 0
	}
}

// recentFailureModifier lowers confidence when the same target has been
// generating events recently; repeated trouble suggests something a single
// bounded action will not fix.
func (e *Engine) recentFailureModifier(target string) float64 {
	e.failuresMu.Lock()
	defer e.failuresMu.Unlock()
	cutoff := e.now().Add(-e.cfg.RateWindow())
	kept := e.failures[target][:0]
	for _, t := range e.failures[target] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	e.failures[target] = kept
	switch n := len(kept); {
	case n >= 3:
		return -0.15
	case n > 0:
		return -0.05 * float64(n)
	default:
		return 0
	}
}

func (e *Engine) clusterHealthModifier() float64 {
	if e.registry == nil {
		return 0
	}
	resources := e.registry.Snapshot()
	if len(resources) == 0 {
		return 0
	}
	healthy := 0
	for _, r := range resources {
		if r.Health == store.HealthHealthy {
			healthy++
		}
	}
	frac := float64(healthy) / float64(len(resources))
	switch {
	case frac < 0.5:
		return -0.15
	case frac >= 0.9:
		return 0.05
	default:
		return 0
	}
}

func (e *Engine) recordFailure(target string, now time.Time) {
	e.failuresMu.Lock()
	e.failures[target] = append(e.failures[target], now)
	e.failuresMu.Unlock()
}

func (e *Engine) window(key string) *window {
	e.windowsMu.Lock()
	defer e.windowsMu.Unlock()
	w, ok := e.windows[key]
	if !ok {
		w = &window{}
		e.windows[key] = w
	}
	return w
}

func (e *Engine) consumeDegraded(key string) bool {
	e.degradedMu.Lock()
	defer e.degradedMu.Unlock()
	if !e.degraded[key] {
		return false
	}
	delete(e.degraded, key)
	return true
}

func (e *Engine) markDegraded(key string) {
	e.degradedMu.Lock()
	e.degraded[key] = true
	e.degradedMu.Unlock()
}

// Redeem executes the staged remediation behind a confirmation token.
func (e *Engine) Redeem(ctx context.Context, token string) (*store.EscalationDecision, error) {
	d, err := e.store.GetEscalationByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, ErrUnknownToken
	}
	if d.Outcome != store.OutcomePending {
		return nil, ErrNotPending
	}
	now := e.now()
	if d.ConfirmExpiresAt != nil && now.After(*d.ConfirmExpiresAt) {
		e.expire(ctx, d.ID)
		return nil, ErrNotPending
	}

	e.window(limitKey(d.Target, d.ActionType)).mark(now, e.cfg.RateWindow())
	e.execute(ctx, d)
	return d, nil
}

// Deny discards a staged remediation without executing it.
func (e *Engine) Deny(ctx context.Context, token, actor string) (*store.EscalationDecision, error) {
	d, err := e.store.GetEscalationByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, ErrUnknownToken
	}
	if d.Outcome != store.OutcomePending {
		return nil, ErrNotPending
	}
	d.Outcome = store.OutcomeDenied
	if err := e.store.UpdateEscalation(ctx, d); err != nil {
		return nil, err
	}
	e.audit.Record(ctx, audit.CategoryEscalation, actor, &d.ID, "confirmation denied", map[string]interface{}{
		"target":      d.Target,
		"action_type": d.ActionType,
	})
	e.publishOutcome(d)
	return d, nil
}

// expire transitions a still-pending confirmation to expired and escalates
// it to a human. Racing redeems lose once the store row leaves pending.
func (e *Engine) expire(ctx context.Context, decisionID uuid.UUID) {
	d, err := e.store.GetEscalation(ctx, decisionID)
	if err != nil {
		e.logger.Warn("failed to load decision for expiry", "decision_id", decisionID, "error", err)
		return
	}
	if d == nil || d.Outcome != store.OutcomePending || d.Action != store.ActionQueuedConfirmation {
		return
	}
	d.Outcome = store.OutcomeExpired
	d.Action = store.ActionEscalatedHuman
	if err := e.store.UpdateEscalation(ctx, d); err != nil {
		e.logger.Warn("failed to expire confirmation", "decision_id", d.ID, "error", err)
		return
	}
	metrics.EscalationDecisions.WithLabelValues(string(store.ActionEscalatedHuman)).Inc()
	e.audit.Record(ctx, audit.CategoryEscalation, "escalate", &d.ID, "confirmation expired", map[string]interface{}{
		"target":      d.Target,
		"action_type": d.ActionType,
	})
	e.publishDecision(d)
	e.logger.Info("confirmation expired, escalated to human", "decision_id", d.ID, "target", d.Target)
}

// execute runs the bounded remediation, records its outcome, and schedules
// the post-action health re-check.
func (e *Engine) execute(ctx context.Context, d *store.EscalationDecision) {
	err := e.remediator.Remediate(ctx, d.Target, d.ActionType)
	if err != nil {
		d.Outcome = store.OutcomeFailure
		e.markDegraded(limitKey(d.Target, d.ActionType))
		e.logger.Warn("remediation failed", "decision_id", d.ID, "target", d.Target,
			"action_type", d.ActionType, "error", err)
	} else {
		d.Outcome = store.OutcomeSuccess
		e.logger.Info("remediation executed", "decision_id", d.ID, "target", d.Target,
			"action_type", d.ActionType)
	}
	if err := e.store.UpdateEscalation(ctx, d); err != nil {
		e.logger.Warn("failed to record remediation outcome", "decision_id", d.ID, "error", err)
	}
	e.audit.Record(ctx, audit.CategoryEscalation, "escalate", &d.ID, "remediation executed", map[string]interface{}{
		"target":      d.Target,
		"action_type": d.ActionType,
		"outcome":     string(d.Outcome),
	})
	e.publishOutcome(d)

	time.AfterFunc(e.cfg.RecheckDelay(), func() { e.recheck(context.Background(), d.ID, d.Target) })
}

// recheck records whether the target looks healthy after remediation.
func (e *Engine) recheck(ctx context.Context, decisionID uuid.UUID, target string) {
	healthy := e.targetHealthy(target)

	d, err := e.store.GetEscalation(ctx, decisionID)
	if err != nil || d == nil {
		e.logger.Warn("failed to load decision for recheck", "decision_id", decisionID, "error", err)
		return
	}
	d.RecheckHealthy = &healthy
	if err := e.store.UpdateEscalation(ctx, d); err != nil {
		e.logger.Warn("failed to record recheck", "decision_id", decisionID, "error", err)
		return
	}
	e.audit.Record(ctx, audit.CategoryEscalation, "escalate", &d.ID, "post-action recheck", map[string]interface{}{
		"target":  target,
		"healthy": healthy,
	})
}

func (e *Engine) targetHealthy(target string) bool {
	if e.registry == nil {
		return true
	}
	for _, r := range e.registry.Snapshot() {
		if r.ID.String() == target || r.Name == target {
			return r.Health == store.HealthHealthy
		}
	}
	// Targets the registry does not track (external services) are assumed
	// recovered unless a new event says otherwise.
	return true
}

func (e *Engine) publishDecision(d *store.EscalationDecision) {
	if e.events == nil {
		return
	}
	notify := events.EscalationNotifyEvent{
		DecisionID: d.ID.String(),
		Target:     d.Target,
		ActionType: d.ActionType,
		Action:     string(d.Action),
		Confidence: d.Confidence,
	}
	if d.Action == store.ActionQueuedConfirmation && d.ConfirmToken != "" {
		notify.ConfirmURL = e.cfg.Server.PublicURL + "/api/v1/confirmations/" + d.ConfirmToken
		notify.ExpiresAt = d.ConfirmExpiresAt
	}
	_ = e.events.Publish(events.SubjectEscalationDecided(d.ID.String()), notify)
	if d.Action != store.ActionAutoRemediate {
		_ = e.events.Publish(events.SubjectEscalationNotify(d.ID.String()), notify)
	}
}

func (e *Engine) publishOutcome(d *store.EscalationDecision) {
	if e.events == nil {
		return
	}
	_ = e.events.Publish(events.SubjectEscalationOutcome(d.ID.String()), map[string]interface{}{
		"decision_id": d.ID.String(),
		"target":      d.Target,
		"action_type": d.ActionType,
		"outcome":     string(d.Outcome),
	})
}
