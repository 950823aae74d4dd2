package quality

import (
	"context"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nightshade-ops/warden/internal/config"
	"github.com/nightshade-ops/warden/internal/grader"
	"github.com/nightshade-ops/warden/internal/store"
)

type mockStore struct {
	store.Store
	mu     sync.Mutex
	tasks  map[uuid.UUID]*store.Task
	scores map[uuid.UUID]*store.QualityScore
	audit  []*store.AuditEntry
}

func newMockStore() *mockStore {
	return &mockStore{
		tasks:  make(map[uuid.UUID]*store.Task),
		scores: make(map[uuid.UUID]*store.QualityScore),
	}
}

func (m *mockStore) GetTask(_ context.Context, id uuid.UUID) (*store.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tasks[id], nil
}

func (m *mockStore) UpdateTask(_ context.Context, t *store.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[t.ID] = t
	return nil
}

func (m *mockStore) CreateQualityScore(_ context.Context, qs *store.QualityScore) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.scores[qs.TaskID]; exists {
		return store.ErrDuplicate
	}
	qs.ID = uuid.New()
	qs.CreatedAt = time.Now()
	m.scores[qs.TaskID] = qs
	return nil
}

func (m *mockStore) GetQualityScoreForTask(_ context.Context, taskID uuid.UUID) (*store.QualityScore, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scores[taskID], nil
}

func (m *mockStore) AppendAudit(_ context.Context, e *store.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, e)
	return nil
}

type mockGrader struct {
	mu      sync.Mutex
	signals grader.Signals
	calls   int
}

func (m *mockGrader) Score(_ context.Context, _, _ string) (*grader.Signals, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	sig := m.signals
	return &sig, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *config.Config {
	return &config.Config{
		Quality: config.QualityConfig{
			AutoApproveThreshold: 0.80,
			MinThreshold:         0.65,
			DomainMatchFloor:     0.40,
			Weights: config.SignalWeights{
				Aesthetic:   0.4,
				Technical:   0.3,
				DomainMatch: 0.3,
			},
		},
	}
}

func defaultSnapshot() store.ThresholdSnapshot {
	return Snapshot(testConfig(), "image")
}

func TestDecide(t *testing.T) {
	snap := defaultSnapshot()

	tests := []struct {
		name          string
		sig           grader.Signals
		wantComposite float64
		wantDecision  store.QualityDecision
		wantReason    string
	}{
		{
			name:          "strong output auto-approves",
			sig:           grader.Signals{Aesthetic: 0.9, Technical: 0.8, DomainMatch: 0.9},
			wantComposite: 0.87,
			wantDecision:  store.DecisionAutoApprove,
		},
		{
			name:          "middling output pends review",
			sig:           grader.Signals{Aesthetic: 0.7, Technical: 0.7, DomainMatch: 0.7},
			wantComposite: 0.70,
			wantDecision:  store.DecisionPendingReview,
			wantReason:    ReasonNeedsApproval,
		},
		{
			name:          "weak output auto-rejects",
			sig:           grader.Signals{Aesthetic: 0.5, Technical: 0.5, DomainMatch: 0.5},
			wantComposite: 0.50,
			wantDecision:  store.DecisionAutoReject,
			wantReason:    ReasonRejected,
		},
		{
			name: "domain floor overrides a pretty wrong output",
			// Composite 0.695 clears the min threshold, but the output is
			// not what was asked for.
			sig:           grader.Signals{Aesthetic: 0.95, Technical: 0.9, DomainMatch: 0.2},
			wantComposite: 0.695,
			wantDecision:  store.DecisionAutoReject,
			wantReason:    ReasonDomainFloor,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			composite, decision, reason := Decide(tt.sig, snap)
			if math.Abs(composite-tt.wantComposite) > 1e-9 {
				t.Errorf("composite = %f, want %f", composite, tt.wantComposite)
			}
			if decision != tt.wantDecision {
				t.Errorf("decision = %s, want %s", decision, tt.wantDecision)
			}
			if reason != tt.wantReason {
				t.Errorf("reason = %q, want %q", reason, tt.wantReason)
			}
		})
	}
}

func TestDecideDeterministicUnderSnapshot(t *testing.T) {
	// A decision recomputed from its stored snapshot must reproduce
	// exactly, even after live thresholds change.
	sig := grader.Signals{Aesthetic: 0.9, Technical: 0.8, DomainMatch: 0.9}
	snap := defaultSnapshot()

	c1, d1, _ := Decide(sig, snap)

	cfg := testConfig()
	cfg.Quality.AutoApproveThreshold = 0.99 // tightened after the fact

	c2, d2, _ := Decide(sig, snap)
	if c1 != c2 || d1 != d2 {
		t.Errorf("decision drifted under identical snapshot: (%f,%s) vs (%f,%s)", c1, d1, c2, d2)
	}
	if d1 != store.DecisionAutoApprove {
		t.Errorf("expected auto_approve from stored snapshot, got %s", d1)
	}
}

func TestSnapshotPerTypeWeights(t *testing.T) {
	cfg := testConfig()
	cfg.Quality.WeightsByType = map[string]config.SignalWeights{
		"voice": {Aesthetic: 0.2, Technical: 0.5, DomainMatch: 0.3},
	}

	snap := Snapshot(cfg, "voice")
	if snap.WeightTechnical != 0.5 {
		t.Errorf("expected voice technical weight 0.5, got %f", snap.WeightTechnical)
	}
	snap = Snapshot(cfg, "image")
	if snap.WeightAesthetic != 0.4 {
		t.Errorf("expected default aesthetic weight 0.4, got %f", snap.WeightAesthetic)
	}
}

func newTestGate(sig grader.Signals) (*Gate, *mockStore, *mockGrader) {
	ms := newMockStore()
	mg := &mockGrader{signals: sig}
	return NewGate(ms, mg, nil, testConfig(), discardLogger()), ms, mg
}

func TestEvaluateWriteOnce(t *testing.T) {
	g, ms, mg := newTestGate(grader.Signals{Aesthetic: 0.9, Technical: 0.8, DomainMatch: 0.9})

	task := &store.Task{ID: uuid.New(), Type: "image", Status: store.StatusCompleted}
	ms.tasks[task.ID] = task

	first, err := g.Evaluate(context.Background(), task, "out/1.png", "ref/1.png")
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if first.Decision != store.DecisionAutoApprove {
		t.Errorf("expected auto_approve, got %s", first.Decision)
	}

	// A duplicate completion callback re-evaluates; it must return the
	// existing record without scoring again.
	second, err := g.Evaluate(context.Background(), task, "out/1.png", "ref/1.png")
	if err != nil {
		t.Fatalf("duplicate evaluate: %v", err)
	}
	if second.ID != first.ID {
		t.Error("expected the same score record")
	}
	if mg.calls != 1 {
		t.Errorf("expected exactly one grader call, got %d", mg.calls)
	}
	if len(ms.scores) != 1 {
		t.Errorf("expected exactly one score record, got %d", len(ms.scores))
	}
}

func TestEvaluateSetsTaskReason(t *testing.T) {
	g, ms, _ := newTestGate(grader.Signals{Aesthetic: 0.7, Technical: 0.7, DomainMatch: 0.7})

	task := &store.Task{ID: uuid.New(), Type: "image", Status: store.StatusCompleted}
	ms.tasks[task.ID] = task

	if _, err := g.Evaluate(context.Background(), task, "out/1.png", ""); err != nil {
		t.Fatal(err)
	}
	if got := ms.tasks[task.ID].Reason; got != ReasonNeedsApproval {
		t.Errorf("expected reason %q on task, got %q", ReasonNeedsApproval, got)
	}
}

func TestEvaluateSnapshotStored(t *testing.T) {
	g, ms, _ := newTestGate(grader.Signals{Aesthetic: 0.9, Technical: 0.8, DomainMatch: 0.9})

	task := &store.Task{ID: uuid.New(), Type: "image", Status: store.StatusCompleted}
	ms.tasks[task.ID] = task

	qs, err := g.Evaluate(context.Background(), task, "out/1.png", "")
	if err != nil {
		t.Fatal(err)
	}
	if qs.Snapshot.AutoApprove != 0.80 || qs.Snapshot.WeightAesthetic != 0.4 {
		t.Errorf("snapshot not frozen onto record: %+v", qs.Snapshot)
	}

	// Recomputing from the stored record reproduces the stored decision.
	sig := grader.Signals{Aesthetic: qs.Aesthetic, Technical: qs.Technical, DomainMatch: qs.DomainMatch}
	composite, decision, _ := Decide(sig, qs.Snapshot)
	if composite != qs.Composite || decision != qs.Decision {
		t.Errorf("stored decision not reproducible: got (%f,%s), stored (%f,%s)",
			composite, decision, qs.Composite, qs.Decision)
	}
}

func TestResolveReview(t *testing.T) {
	g, ms, _ := newTestGate(grader.Signals{Aesthetic: 0.7, Technical: 0.7, DomainMatch: 0.7})

	task := &store.Task{ID: uuid.New(), Type: "image", Status: store.StatusCompleted}
	ms.tasks[task.ID] = task
	if _, err := g.Evaluate(context.Background(), task, "out/1.png", ""); err != nil {
		t.Fatal(err)
	}

	if err := g.ResolveReview(context.Background(), task.ID, true, "operator"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got := ms.tasks[task.ID].Reason; got != "" {
		t.Errorf("expected cleared reason after approval, got %q", got)
	}

	// The score record itself stays untouched.
	if ms.scores[task.ID].Decision != store.DecisionPendingReview {
		t.Error("score record must remain immutable")
	}
}

func TestResolveReviewNotPending(t *testing.T) {
	g, ms, _ := newTestGate(grader.Signals{Aesthetic: 0.9, Technical: 0.9, DomainMatch: 0.9})

	task := &store.Task{ID: uuid.New(), Type: "image", Status: store.StatusCompleted}
	ms.tasks[task.ID] = task
	if _, err := g.Evaluate(context.Background(), task, "out/1.png", ""); err != nil {
		t.Fatal(err)
	}

	if err := g.ResolveReview(context.Background(), task.ID, true, "operator"); err != ErrNotPending {
		t.Fatalf("expected ErrNotPending for auto-approved task, got %v", err)
	}
	if err := g.ResolveReview(context.Background(), uuid.New(), true, "operator"); err != ErrNotPending {
		t.Fatalf("expected ErrNotPending for unknown task, got %v", err)
	}
}
