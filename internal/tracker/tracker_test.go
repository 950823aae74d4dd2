package tracker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nightshade-ops/warden/internal/backend"
	"github.com/nightshade-ops/warden/internal/config"
	"github.com/nightshade-ops/warden/internal/grader"
	"github.com/nightshade-ops/warden/internal/quality"
	"github.com/nightshade-ops/warden/internal/registry"
	"github.com/nightshade-ops/warden/internal/store"
)

type mockStore struct {
	store.Store
	mu     sync.Mutex
	tasks  map[uuid.UUID]*store.Task
	scores map[uuid.UUID]*store.QualityScore
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
	if t, ok := m.tasks[id]; ok {
		cp := *t
		return &cp, nil
	}
	return nil, nil
}

func (m *mockStore) UpdateTask(_ context.Context, t *store.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.tasks[t.ID] = &cp
	return nil
}

func (m *mockStore) CreateResource(_ context.Context, r *store.Resource) error { return nil }
func (m *mockStore) UpdateResource(_ context.Context, r *store.Resource) error { return nil }

func (m *mockStore) CreateQualityScore(_ context.Context, qs *store.QualityScore) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.scores[qs.TaskID]; exists {
		return store.ErrDuplicate
	}
	qs.ID = uuid.New()
	m.scores[qs.TaskID] = qs
	return nil
}

func (m *mockStore) GetQualityScoreForTask(_ context.Context, taskID uuid.UUID) (*store.QualityScore, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scores[taskID], nil
}

func (m *mockStore) AppendAudit(_ context.Context, _ *store.AuditEntry) error { return nil }

type mockBackend struct {
	mu       sync.Mutex
	startErr error
	handle   string
	state    *backend.JobState
	pollErr  error
	cancels  chan string
}

func newMockBackend() *mockBackend {
	return &mockBackend{handle: "job-1", cancels: make(chan string, 4)}
}

func (m *mockBackend) Start(_ context.Context, _ string, _ map[string]interface{}) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startErr != nil {
		return "", m.startErr
	}
	return m.handle, nil
}

func (m *mockBackend) Poll(_ context.Context, _ string) (*backend.JobState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pollErr != nil {
		return nil, m.pollErr
	}
	if m.state == nil {
		return &backend.JobState{Status: backend.JobRunning}, nil
	}
	return m.state, nil
}

func (m *mockBackend) Cancel(_ context.Context, handle string) error {
	m.cancels <- handle
	return nil
}

type mockGrader struct {
	mu    sync.Mutex
	calls int
}

func (m *mockGrader) Score(_ context.Context, _, _ string) (*grader.Signals, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return &grader.Signals{Aesthetic: 0.9, Technical: 0.9, DomainMatch: 0.9}, nil
}

func (m *mockGrader) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *config.Config {
	return &config.Config{
		Execution: config.ExecutionConfig{
			PollIntervalMs:   50,
			DefaultTimeoutMs: 900000,
			TimeoutMsByType:  map[string]int{"video": 100},
		},
		Registry: config.RegistryConfig{
			HeartbeatIntervalMs: 10000,
			SuspectAfterMissed:  1,
			DegradedAfterMissed: 3,
			OfflineAfterMs:      120000,
		},
		Quality: config.QualityConfig{
			AutoApproveThreshold: 0.80,
			MinThreshold:         0.65,
			DomainMatchFloor:     0.40,
			Weights:              config.SignalWeights{Aesthetic: 0.4, Technical: 0.3, DomainMatch: 0.3},
		},
	}
}

type harness struct {
	store    *mockStore
	registry *registry.Registry
	backend  *mockBackend
	grader   *mockGrader
	tracker  *Tracker

	mu       sync.Mutex
	failures []string
	timeouts []uuid.UUID
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ms := newMockStore()
	mb := newMockBackend()
	mg := &mockGrader{}
	cfg := testConfig()
	reg := registry.New(ms, nil, cfg, discardLogger())
	gate := quality.NewGate(ms, mg, nil, cfg, discardLogger())

	h := &harness{store: ms, registry: reg, backend: mb, grader: mg}
	h.tracker = New(ms, reg, mb, gate, nil, cfg, discardLogger())
	h.tracker.SetFailureHandler(
		func(_ context.Context, taskID uuid.UUID, reason string) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.failures = append(h.failures, reason)
		},
		func(_ context.Context, taskID uuid.UUID) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.timeouts = append(h.timeouts, taskID)
		},
	)
	return h
}

func (h *harness) addResource(t *testing.T, memoryMB int64, slots int) uuid.UUID {
	t.Helper()
	id, err := h.registry.Register(context.Background(), &store.Resource{
		Name: "node-" + uuid.NewString()[:8], MemoryMB: memoryMB, Slots: slots,
	})
	if err != nil {
		t.Fatalf("register resource: %v", err)
	}
	return id
}

// claimedTask persists an assigned task with a live capacity claim, as the
// scheduler would leave it just before launch.
func (h *harness) claimedTask(t *testing.T, resID uuid.UUID, taskType string) *store.Task {
	t.Helper()
	task := &store.Task{
		ID:         uuid.New(),
		Type:       taskType,
		Status:     store.StatusAssigned,
		ResourceID: &resID,
		MemoryMB:   1000,
		Slots:      1,
		Config:     map[string]interface{}{},
	}
	h.store.UpdateTask(context.Background(), task)
	if err := h.registry.Claim(resID, task.ID, registry.Demand{MemoryMB: 1000, Slots: 1}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	return task
}

func TestLaunchStartsAndTracks(t *testing.T) {
	h := newHarness(t)
	resID := h.addResource(t, 16000, 4)
	task := h.claimedTask(t, resID, "image")

	h.tracker.Launch(context.Background(), task)

	got, _ := h.store.GetTask(context.Background(), task.ID)
	if got.Status != store.StatusRunning {
		t.Fatalf("expected running, got %s", got.Status)
	}
	if got.JobHandle != "job-1" {
		t.Errorf("expected job handle persisted, got %q", got.JobHandle)
	}
	if got.StartedAt == nil {
		t.Error("expected started_at set")
	}

	h.tracker.mu.Lock()
	job, tracked := h.tracker.running[task.ID]
	h.tracker.mu.Unlock()
	if !tracked {
		t.Fatal("expected task tracked")
	}
	if job.resourceID != resID {
		t.Errorf("tracked wrong resource: %s", job.resourceID)
	}
}

func TestLaunchFailureCountsAsAttempt(t *testing.T) {
	h := newHarness(t)
	resID := h.addResource(t, 16000, 4)
	task := h.claimedTask(t, resID, "image")
	h.backend.startErr = errors.New("connection refused")

	h.tracker.Launch(context.Background(), task)

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.failures) != 1 {
		t.Fatalf("expected one failure, got %d", len(h.failures))
	}
	if h.failures[0] != "backend start failed: connection refused" {
		t.Errorf("unexpected reason %q", h.failures[0])
	}
}

func TestCompletionReleasesAndScoresOnce(t *testing.T) {
	h := newHarness(t)
	resID := h.addResource(t, 16000, 1)
	task := h.claimedTask(t, resID, "image")
	h.tracker.Launch(context.Background(), task)

	h.tracker.HandleCompletion(context.Background(), task.ID, []string{"out/a.png"})
	// A retransmitted callback for the same task must be a no-op.
	h.tracker.HandleCompletion(context.Background(), task.ID, []string{"out/a.png"})

	got, _ := h.store.GetTask(context.Background(), task.ID)
	if got.Status != store.StatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
	if len(got.ResultRefs) != 1 || got.ResultRefs[0] != "out/a.png" {
		t.Errorf("result refs not recorded: %v", got.ResultRefs)
	}
	if got.CompletedAt == nil {
		t.Error("expected completed_at set")
	}
	if n := h.grader.count(); n != 1 {
		t.Errorf("expected exactly one grading call, got %d", n)
	}

	// The single slot must be free again, exactly once.
	if err := h.registry.Claim(resID, uuid.New(), registry.Demand{MemoryMB: 1000, Slots: 1}); err != nil {
		t.Errorf("expected capacity released after completion: %v", err)
	}
}

func TestCompletionWithoutOutputsSkipsGate(t *testing.T) {
	h := newHarness(t)
	resID := h.addResource(t, 16000, 4)
	task := h.claimedTask(t, resID, "image")
	h.tracker.Launch(context.Background(), task)

	h.tracker.HandleCompletion(context.Background(), task.ID, nil)

	if n := h.grader.count(); n != 0 {
		t.Errorf("expected no grading calls, got %d", n)
	}
	got, _ := h.store.GetTask(context.Background(), task.ID)
	if got.Status != store.StatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
}

func TestTimeoutReleasesImmediatelyAndCancelsBestEffort(t *testing.T) {
	h := newHarness(t)
	resID := h.addResource(t, 16000, 1)
	task := h.claimedTask(t, resID, "video") // 100ms ceiling
	h.tracker.Launch(context.Background(), task)

	h.tracker.pollRunning(context.Background(), time.Now().Add(200*time.Millisecond))

	h.mu.Lock()
	timeouts := len(h.timeouts)
	h.mu.Unlock()
	if timeouts != 1 {
		t.Fatalf("expected one timeout callback, got %d", timeouts)
	}

	// Capacity comes back before the cancel resolves.
	if err := h.registry.Claim(resID, uuid.New(), registry.Demand{MemoryMB: 1000, Slots: 1}); err != nil {
		t.Errorf("expected capacity released on timeout: %v", err)
	}

	select {
	case handle := <-h.backend.cancels:
		if handle != "job-1" {
			t.Errorf("cancelled wrong handle %q", handle)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a best-effort cancel")
	}

	h.tracker.mu.Lock()
	_, tracked := h.tracker.running[task.ID]
	h.tracker.mu.Unlock()
	if tracked {
		t.Error("timed-out task must be untracked")
	}
}

func TestPollDetectsBackendFailure(t *testing.T) {
	h := newHarness(t)
	resID := h.addResource(t, 16000, 4)
	task := h.claimedTask(t, resID, "image")
	h.tracker.Launch(context.Background(), task)
	h.backend.state = &backend.JobState{Status: backend.JobFailed, Error: "CUDA out of memory"}

	h.tracker.pollRunning(context.Background(), time.Now())

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.failures) != 1 {
		t.Fatalf("expected one failure, got %d", len(h.failures))
	}
	if h.failures[0] != "backend job failed: CUDA out of memory" {
		t.Errorf("unexpected reason %q", h.failures[0])
	}
}

func TestPollErrorIsTransient(t *testing.T) {
	h := newHarness(t)
	resID := h.addResource(t, 16000, 4)
	task := h.claimedTask(t, resID, "image")
	h.tracker.Launch(context.Background(), task)
	h.backend.pollErr = errors.New("timeout")

	h.tracker.pollRunning(context.Background(), time.Now())

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.failures) != 0 || len(h.timeouts) != 0 {
		t.Error("a poll error must not terminate the task")
	}
	h.tracker.mu.Lock()
	_, tracked := h.tracker.running[task.ID]
	h.tracker.mu.Unlock()
	if !tracked {
		t.Error("task must stay tracked through transient poll errors")
	}
}

func TestFailureCallbackIgnoredAfterTerminal(t *testing.T) {
	h := newHarness(t)
	resID := h.addResource(t, 16000, 4)
	task := h.claimedTask(t, resID, "image")
	h.tracker.Launch(context.Background(), task)
	h.tracker.HandleCompletion(context.Background(), task.ID, []string{"out/a.png"})

	h.tracker.HandleBackendFailure(context.Background(), task.ID, "late failure")

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.failures) != 0 {
		t.Errorf("late failure after completion must be discarded, got %v", h.failures)
	}
}
