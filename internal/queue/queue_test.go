package queue

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nightshade-ops/warden/internal/store"
)

func TestStrictPriorityOrder(t *testing.T) {
	q := New(time.Hour)

	low := uuid.New()
	critical := uuid.New()
	normal := uuid.New()

	q.Enqueue(low, store.PriorityLow)
	q.Enqueue(critical, store.PriorityCritical)
	q.Enqueue(normal, store.PriorityNormal)

	want := []uuid.UUID{critical, normal, low}
	for i, id := range want {
		it, ok := q.Dequeue()
		if !ok {
			t.Fatalf("dequeue %d: queue empty", i)
		}
		if it.TaskID != id {
			t.Errorf("dequeue %d: got %s, want %s", i, it.TaskID, id)
		}
	}
	if _, ok := q.Dequeue(); ok {
		t.Error("expected empty queue")
	}
}

func TestAdmissionOrderWithinClass(t *testing.T) {
	q := New(time.Hour)

	first := uuid.New()
	second := uuid.New()
	third := uuid.New()
	q.Enqueue(first, store.PriorityNormal)
	q.Enqueue(second, store.PriorityNormal)
	q.Enqueue(third, store.PriorityNormal)

	for i, want := range []uuid.UUID{first, second, third} {
		it, _ := q.Dequeue()
		if it.TaskID != want {
			t.Errorf("dequeue %d: got %s, want %s", i, it.TaskID, want)
		}
	}
}

func TestAgingPromotesWaitingTask(t *testing.T) {
	threshold := 50 * time.Millisecond
	q := New(threshold)

	// An old low-priority task, waiting past one threshold: effectively
	// normal now.
	aged := uuid.New()
	q.EnqueueAt(aged, store.PriorityLow, time.Now().Add(-60*time.Millisecond))

	// A fresh normal task arrives after it.
	fresh := uuid.New()
	q.Enqueue(fresh, store.PriorityNormal)

	// Both are effectively normal; the aged one was admitted first.
	it, _ := q.Dequeue()
	if it.TaskID != aged {
		t.Errorf("expected aged task first, got %s", it.TaskID)
	}
}

func TestAgedTaskServedBeforeNewLow(t *testing.T) {
	threshold := 50 * time.Millisecond
	q := New(threshold)

	aged := uuid.New()
	q.EnqueueAt(aged, store.PriorityLow, time.Now().Add(-60*time.Millisecond))
	newLow := uuid.New()
	q.Enqueue(newLow, store.PriorityLow)

	it, _ := q.Dequeue()
	if it.TaskID != aged {
		t.Errorf("expected promoted task first, got %s", it.TaskID)
	}
}

func TestAgingNeverOvertakesCritical(t *testing.T) {
	threshold := time.Millisecond
	q := New(threshold)

	critical := uuid.New()
	q.Enqueue(critical, store.PriorityCritical)

	// Aged far beyond many thresholds: promotion caps at high.
	aged := uuid.New()
	q.EnqueueAt(aged, store.PriorityLow, time.Now().Add(-time.Hour))

	it, _ := q.Dequeue()
	if it.TaskID != critical {
		t.Errorf("critical task overtaken by aged task %s", it.TaskID)
	}
}

func TestEffectiveCapsAtHigh(t *testing.T) {
	it := &Item{
		Priority:   store.PriorityIdle,
		EnqueuedAt: time.Now().Add(-time.Hour),
	}
	if got := it.Effective(time.Now(), time.Millisecond); got != store.PriorityHigh {
		t.Errorf("expected cap at high, got %s", got)
	}
}

func TestEffectiveMonotonic(t *testing.T) {
	it := &Item{Priority: store.PriorityLow, EnqueuedAt: time.Now()}
	threshold := 10 * time.Millisecond

	prev := it.Effective(it.EnqueuedAt, threshold).Rank()
	for _, wait := range []time.Duration{5, 15, 25, 100} {
		got := it.Effective(it.EnqueuedAt.Add(wait*time.Millisecond), threshold).Rank()
		if got < prev {
			t.Fatalf("effective priority decreased: %d -> %d after %vms", prev, got, wait)
		}
		prev = got
	}
}

func TestRequeuePreservesOrdering(t *testing.T) {
	q := New(time.Hour)

	first := uuid.New()
	second := uuid.New()
	q.Enqueue(first, store.PriorityNormal)
	q.Enqueue(second, store.PriorityNormal)

	it, _ := q.Dequeue()
	q.Requeue(it)

	got, _ := q.Dequeue()
	if got.TaskID != first {
		t.Errorf("requeued item lost its place: got %s, want %s", got.TaskID, first)
	}
}

func TestRemove(t *testing.T) {
	q := New(time.Hour)
	id := uuid.New()
	q.Enqueue(id, store.PriorityNormal)

	if !q.Remove(id) {
		t.Error("expected Remove to find the task")
	}
	if q.Remove(id) {
		t.Error("expected second Remove to miss")
	}
	if q.Len() != 0 {
		t.Errorf("expected empty queue, len %d", q.Len())
	}
}

func TestWakeOnEnqueue(t *testing.T) {
	q := New(time.Hour)
	q.Enqueue(uuid.New(), store.PriorityNormal)

	select {
	case <-q.Wake():
	default:
		t.Error("expected wake signal after enqueue")
	}
}

func TestDepthByClass(t *testing.T) {
	q := New(time.Hour)
	q.Enqueue(uuid.New(), store.PriorityHigh)
	q.Enqueue(uuid.New(), store.PriorityHigh)
	q.Enqueue(uuid.New(), store.PriorityIdle)

	depth := q.DepthByClass()
	if depth[store.PriorityHigh] != 2 {
		t.Errorf("expected 2 high, got %d", depth[store.PriorityHigh])
	}
	if depth[store.PriorityIdle] != 1 {
		t.Errorf("expected 1 idle, got %d", depth[store.PriorityIdle])
	}
}
