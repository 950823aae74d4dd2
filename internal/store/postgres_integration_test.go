//go:build integration

package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
)

func setupTestDB(t *testing.T) *PostgresStore {
	t.Helper()
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}

	ctx := context.Background()
	s, err := NewPostgresStore(ctx, dbURL)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}

	t.Cleanup(func() {
		// Truncate in dependency order
		_, _ = s.pool.Exec(ctx, "TRUNCATE warden_audit CASCADE")
		_, _ = s.pool.Exec(ctx, "TRUNCATE warden_escalations CASCADE")
		_, _ = s.pool.Exec(ctx, "TRUNCATE warden_events CASCADE")
		_, _ = s.pool.Exec(ctx, "TRUNCATE warden_quality_scores CASCADE")
		_, _ = s.pool.Exec(ctx, "TRUNCATE warden_tasks CASCADE")
		_, _ = s.pool.Exec(ctx, "TRUNCATE warden_resources CASCADE")
		s.Close()
	})

	return s
}

func TestCreateAndGetTask(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	task := &Task{
		Type:         "image",
		Priority:     PriorityHigh,
		Config:       map[string]interface{}{"prompt": "integration test"},
		RequiredTags: []string{"image-gen", "sdxl"},
		MemoryMB:     8000,
		Slots:        1,
		Status:       StatusQueued,
		MaxRetries:   3,
	}

	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	if task.ID == uuid.Nil {
		t.Fatal("expected non-nil task ID after create")
	}

	got, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected task, got nil")
	}
	if got.Type != "image" || got.Priority != PriorityHigh || got.MemoryMB != 8000 {
		t.Errorf("round-trip mismatch: %+v", got)
	}
	if len(got.RequiredTags) != 2 {
		t.Errorf("expected 2 tags, got %v", got.RequiredTags)
	}
}

func TestUpdateTaskLifecycle(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	res := &Resource{Name: "it-node", MemoryMB: 24000, Slots: 4, Health: HealthHealthy}
	if err := s.CreateResource(ctx, res); err != nil {
		t.Fatalf("CreateResource failed: %v", err)
	}

	task := &Task{Type: "image", Priority: PriorityNormal, MemoryMB: 8000, Slots: 1, Status: StatusQueued}
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	now := time.Now()
	task.Status = StatusRunning
	task.ResourceID = &res.ID
	task.JobHandle = "job-42"
	task.StartedAt = &now
	if err := s.UpdateTask(ctx, task); err != nil {
		t.Fatalf("UpdateTask failed: %v", err)
	}

	active, err := s.GetActiveTasksForResource(ctx, res.ID)
	if err != nil {
		t.Fatalf("GetActiveTasksForResource failed: %v", err)
	}
	if len(active) != 1 || active[0].ID != task.ID {
		t.Errorf("expected the running task, got %v", active)
	}
}

func TestListTasksFilters(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	for _, typ := range []string{"image", "image", "video"} {
		task := &Task{Type: typ, Priority: PriorityNormal, MemoryMB: 1000, Slots: 1, Status: StatusQueued}
		if err := s.CreateTask(ctx, task); err != nil {
			t.Fatalf("CreateTask failed: %v", err)
		}
	}

	tasks, err := s.ListTasks(ctx, TaskFilter{Type: "image"})
	if err != nil {
		t.Fatalf("ListTasks failed: %v", err)
	}
	if len(tasks) != 2 {
		t.Errorf("expected 2 image tasks, got %d", len(tasks))
	}

	queued := StatusQueued
	tasks, err = s.ListTasks(ctx, TaskFilter{Status: &queued, Limit: 1})
	if err != nil {
		t.Fatalf("ListTasks failed: %v", err)
	}
	if len(tasks) != 1 {
		t.Errorf("expected limit 1 respected, got %d", len(tasks))
	}
}

func TestQualityScoreWriteOnce(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	task := &Task{Type: "image", Priority: PriorityNormal, MemoryMB: 1000, Slots: 1, Status: StatusCompleted}
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	qs := &QualityScore{
		TaskID:    task.ID,
		OutputRef: "out/a.png",
		Aesthetic: 0.9, Technical: 0.8, DomainMatch: 0.9,
		Composite: 0.87,
		Decision:  DecisionAutoApprove,
		Snapshot:  ThresholdSnapshot{AutoApprove: 0.80, Min: 0.65, DomainFloor: 0.40},
	}
	if err := s.CreateQualityScore(ctx, qs); err != nil {
		t.Fatalf("CreateQualityScore failed: %v", err)
	}

	dup := *qs
	dup.ID = uuid.Nil
	if err := s.CreateQualityScore(ctx, &dup); err != ErrDuplicate {
		t.Fatalf("expected ErrDuplicate on second insert, got %v", err)
	}

	got, err := s.GetQualityScoreForTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetQualityScoreForTask failed: %v", err)
	}
	if got == nil || got.Composite != 0.87 || got.Snapshot.AutoApprove != 0.80 {
		t.Errorf("round-trip mismatch: %+v", got)
	}
}

func TestEscalationTokenLookup(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	ev := &Event{Source: "registry", Kind: "resource_degraded", Severity: SeverityWarning, Target: "node-a"}
	if err := s.CreateEvent(ctx, ev); err != nil {
		t.Fatalf("CreateEvent failed: %v", err)
	}

	exp := time.Now().Add(15 * time.Minute)
	d := &EscalationDecision{
		EventID:          ev.ID,
		Target:           "node-a",
		ActionType:       "restart_agent",
		Confidence:       0.70,
		Action:           ActionQueuedConfirmation,
		WindowCount:      0,
		WindowLimit:      3,
		ConfirmToken:     uuid.NewString(),
		ConfirmExpiresAt: &exp,
		Outcome:          OutcomePending,
	}
	if err := s.CreateEscalation(ctx, d); err != nil {
		t.Fatalf("CreateEscalation failed: %v", err)
	}

	got, err := s.GetEscalationByToken(ctx, d.ConfirmToken)
	if err != nil {
		t.Fatalf("GetEscalationByToken failed: %v", err)
	}
	if got == nil || got.ID != d.ID {
		t.Fatalf("expected decision by token, got %+v", got)
	}

	got.Outcome = OutcomeSuccess
	if err := s.UpdateEscalation(ctx, got); err != nil {
		t.Fatalf("UpdateEscalation failed: %v", err)
	}
	reread, err := s.GetEscalation(ctx, d.ID)
	if err != nil {
		t.Fatalf("GetEscalation failed: %v", err)
	}
	if reread.Outcome != OutcomeSuccess {
		t.Errorf("expected success outcome persisted, got %s", reread.Outcome)
	}

	missing, err := s.GetEscalationByToken(ctx, uuid.NewString())
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if missing != nil {
		t.Error("expected nil for unknown token")
	}
}

func TestAuditQuery(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	start := time.Now().Add(-time.Minute)
	for i := 0; i < 3; i++ {
		entry := &AuditEntry{
			Category: "scheduling",
			Actor:    "scheduler",
			Summary:  "task queued",
			Details:  map[string]interface{}{"n": i},
		}
		if err := s.AppendAudit(ctx, entry); err != nil {
			t.Fatalf("AppendAudit failed: %v", err)
		}
	}

	entries, err := s.QueryAudit(ctx, start, 0)
	if err != nil {
		t.Fatalf("QueryAudit failed: %v", err)
	}
	if len(entries) != 3 {
		t.Errorf("expected 3 entries, got %d", len(entries))
	}

	entries, err = s.QueryAudit(ctx, time.Now().Add(time.Hour), 0)
	if err != nil {
		t.Fatalf("QueryAudit failed: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected no future entries, got %d", len(entries))
	}
}
