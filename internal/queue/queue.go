package queue

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nightshade-ops/warden/internal/store"
)

// Item is one queued task reference. Effective priority is derived from the
// submitted class plus aging and never decreases.
type Item struct {
	TaskID     uuid.UUID
	Priority   store.PriorityClass
	EnqueuedAt time.Time
	seq        uint64
}

// Effective returns the item's aged priority class at now: one promotion per
// full aging threshold waited, capped one level below critical.
func (it *Item) Effective(now time.Time, threshold time.Duration) store.PriorityClass {
	p := it.Priority
	if threshold <= 0 {
		return p
	}
	promotions := int(now.Sub(it.EnqueuedAt) / threshold)
	for i := 0; i < promotions; i++ {
		next := p.Promote()
		if next == p {
			break
		}
		p = next
	}
	return p
}

// Queue is a strict-priority task queue: higher effective class first,
// admission order within a class. A consumer blocks on Wake() when empty.
type Queue struct {
	mu             sync.Mutex
	items          []*Item
	seq            uint64
	agingThreshold time.Duration
	wake           chan struct{}
}

func New(agingThreshold time.Duration) *Queue {
	return &Queue{
		agingThreshold: agingThreshold,
		wake:           make(chan struct{}, 1),
	}
}

// Wake returns the channel signalled on every enqueue. The scheduler also
// receives wakeups from the registry on heartbeats and releases.
func (q *Queue) Wake() <-chan struct{} { return q.wake }

// Notify nudges a blocked consumer without enqueuing anything.
func (q *Queue) Notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) Enqueue(taskID uuid.UUID, priority store.PriorityClass) {
	q.mu.Lock()
	q.seq++
	q.items = append(q.items, &Item{
		TaskID:     taskID,
		Priority:   priority,
		EnqueuedAt: time.Now(),
		seq:        q.seq,
	})
	q.mu.Unlock()
	q.Notify()
}

// EnqueueAt inserts an item with an explicit admission time. Requeued tasks
// keep their original admission time so a retry does not lose its place or
// its accrued aging.
func (q *Queue) EnqueueAt(taskID uuid.UUID, priority store.PriorityClass, admittedAt time.Time) {
	q.mu.Lock()
	q.seq++
	q.items = append(q.items, &Item{
		TaskID:     taskID,
		Priority:   priority,
		EnqueuedAt: admittedAt,
		seq:        q.seq,
	})
	q.mu.Unlock()
	q.Notify()
}

// Dequeue removes and returns the best item: highest effective priority,
// then lowest sequence number. Returns false when empty.
func (q *Queue) Dequeue() (*Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil, false
	}
	now := time.Now()
	best := 0
	bestRank := q.items[0].Effective(now, q.agingThreshold).Rank()
	for i := 1; i < len(q.items); i++ {
		rank := q.items[i].Effective(now, q.agingThreshold).Rank()
		if rank > bestRank || (rank == bestRank && q.items[i].seq < q.items[best].seq) {
			best = i
			bestRank = rank
		}
	}
	it := q.items[best]
	q.items = append(q.items[:best], q.items[best+1:]...)
	return it, true
}

// Requeue puts an item back after a failed placement attempt. It keeps its
// original sequence number, so class-internal ordering is preserved. No
// wakeup is sent: nothing changed that could make the item placeable.
func (q *Queue) Requeue(it *Item) {
	q.mu.Lock()
	q.items = append(q.items, it)
	q.mu.Unlock()
}

// Remove drops a task from the queue, returning whether it was present.
func (q *Queue) Remove(taskID uuid.UUID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, it := range q.items {
		if it.TaskID == taskID {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// DepthByClass reports queue depth per effective priority class.
func (q *Queue) DepthByClass() map[store.PriorityClass]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := time.Now()
	out := make(map[store.PriorityClass]int)
	for _, it := range q.items {
		out[it.Effective(now, q.agingThreshold)]++
	}
	return out
}
