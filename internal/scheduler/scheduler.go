package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nightshade-ops/warden/internal/config"
	"github.com/nightshade-ops/warden/internal/events"
	"github.com/nightshade-ops/warden/internal/metrics"
	"github.com/nightshade-ops/warden/internal/queue"
	"github.com/nightshade-ops/warden/internal/registry"
	"github.com/nightshade-ops/warden/internal/store"
)

// ErrInfeasibleConfig means no registered resource could ever satisfy the
// task's demand, even empty. Such tasks are rejected at submission, never
// queued.
var ErrInfeasibleConfig = errors.New("scheduler: no resource can ever satisfy this configuration")

const (
	ReasonInfeasible = "infeasible-config"
	ReasonExhausted  = "retries-exhausted"
)

// Launcher hands an assigned task to the execution tracker.
type Launcher interface {
	Launch(ctx context.Context, task *store.Task)
}

// Scheduler matches queued tasks to resources: strict-priority order with
// aging, best-fit placement, exponential-backoff retries.
type Scheduler struct {
	store    store.Store
	registry *registry.Registry
	queue    *queue.Queue
	events   events.Client
	cfg      *config.Config
	logger   *slog.Logger

	launcher Launcher
	onEvent  func(ctx context.Context, e *store.Event)

	mu sync.Mutex
	rr uint64

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func New(s store.Store, reg *registry.Registry, q *queue.Queue, ev events.Client, cfg *config.Config, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		store:    s,
		registry: reg,
		queue:    q,
		events:   ev,
		cfg:      cfg,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

func (s *Scheduler) SetLauncher(l Launcher) { s.launcher = l }

// SetEventSink registers the consumer for terminal-failure events.
func (s *Scheduler) SetEventSink(fn func(ctx context.Context, e *store.Event)) { s.onEvent = fn }

func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.placementLoop(ctx)
}

func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// Submit admits a task: infeasible configurations fail immediately, feasible
// ones are persisted and queued.
func (s *Scheduler) Submit(ctx context.Context, task *store.Task) error {
	demand := registry.Demand{MemoryMB: task.MemoryMB, Slots: task.Slots}
	if !s.registry.Feasible(task.RequiredTags, demand) {
		return ErrInfeasibleConfig
	}

	if task.Priority == "" {
		task.Priority = store.PriorityNormal
	}
	if task.MaxRetries == 0 {
		task.MaxRetries = s.cfg.MaxRetriesFor(task.Type)
	}
	task.Status = store.StatusQueued
	if err := s.store.CreateTask(ctx, task); err != nil {
		return fmt.Errorf("create task: %w", err)
	}

	s.queue.Enqueue(task.ID, task.Priority)
	metrics.TasksSubmitted.WithLabelValues(string(task.Priority)).Inc()

	s.audit(ctx, "scheduler", task.ID, "task queued", map[string]interface{}{
		"type": task.Type, "priority": string(task.Priority),
		"memory_mb": task.MemoryMB, "slots": task.Slots,
	})
	if s.events != nil {
		_ = s.events.Publish(events.SubjectTaskQueued(task.ID.String()), task)
	}
	s.logger.Info("task queued", "task_id", task.ID, "type", task.Type, "priority", task.Priority)
	return nil
}

func (s *Scheduler) placementLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.TickInterval())
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-s.queue.Wake():
			s.processQueue(ctx)
		case <-ticker.C:
			s.processQueue(ctx)
		}
	}
}

// processQueue drains the queue in effective-priority order, attempting one
// placement per item. Items that cannot be placed yet go back untouched.
func (s *Scheduler) processQueue(ctx context.Context) {
	var skipped []*queue.Item
	for {
		it, ok := s.queue.Dequeue()
		if !ok {
			break
		}
		placed, err := s.place(ctx, it)
		if err != nil {
			s.logger.Error("placement error", "task_id", it.TaskID, "error", err)
		}
		if !placed && err == nil {
			skipped = append(skipped, it)
		}
	}
	for _, it := range skipped {
		s.queue.Requeue(it)
	}
	s.reportDepth()
}

// place attempts to assign one queued task. Returning (false, nil) means no
// candidate currently fits and the item should stay queued.
func (s *Scheduler) place(ctx context.Context, it *queue.Item) (bool, error) {
	task, err := s.store.GetTask(ctx, it.TaskID)
	if err != nil {
		return false, fmt.Errorf("get task: %w", err)
	}
	if task == nil || task.Status != store.StatusQueued {
		// Cancelled or already handled; drop silently.
		return true, nil
	}

	demand := registry.Demand{MemoryMB: task.MemoryMB, Slots: task.Slots}
	candidates := s.registry.QueryCandidates(task.RequiredTags, demand)
	if len(candidates) == 0 {
		return false, nil
	}

	ordered := s.order(candidates, task.AffinityHint)
	for _, c := range ordered {
		if err := s.registry.Claim(c.ID, task.ID, demand); err != nil {
			// Lost a race for this resource; try the next one.
			continue
		}

		now := time.Now()
		task.Status = store.StatusAssigned
		task.ResourceID = &c.ID
		task.AssignedAt = &now
		if err := s.store.UpdateTask(ctx, task); err != nil {
			s.registry.Release(c.ID, task.ID)
			return false, fmt.Errorf("update task: %w", err)
		}

		effective := it.Effective(now, s.cfg.AgingThreshold())
		metrics.TasksPlaced.WithLabelValues(string(task.Priority)).Inc()
		s.audit(ctx, "scheduler", task.ID, "task assigned", map[string]interface{}{
			"resource_id": c.ID.String(), "resource": c.Name,
			"effective_priority": string(effective),
			"free_mb_after":      c.FreeMB - task.MemoryMB,
		})
		if s.events != nil {
			_ = s.events.Publish(events.SubjectTaskAssigned(task.ID.String()), events.TaskAssignedEvent{
				TaskID:     task.ID.String(),
				ResourceID: c.ID.String(),
				Priority:   string(task.Priority),
				Effective:  string(effective),
			})
		}
		s.logger.Info("task assigned", "task_id", task.ID, "resource", c.Name,
			"priority", task.Priority, "effective", effective)

		if s.launcher != nil {
			s.launcher.Launch(ctx, task)
		}
		return true, nil
	}
	return false, nil
}

// order sorts candidates best-fit first: smallest sufficient free memory,
// ties broken by affinity-hint match, then round-robin.
func (s *Scheduler) order(candidates []registry.Candidate, affinityHint string) []registry.Candidate {
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].FreeMB != candidates[j].FreeMB {
			return candidates[i].FreeMB < candidates[j].FreeMB
		}
		ai := affinityHint != "" && candidates[i].AffinityHint == affinityHint
		aj := affinityHint != "" && candidates[j].AffinityHint == affinityHint
		return ai && !aj
	})

	// Round-robin among the leading equal group so repeated ties don't pile
	// onto one resource.
	end := 1
	for end < len(candidates) &&
		candidates[end].FreeMB == candidates[0].FreeMB &&
		(affinityHint == "" || (candidates[end].AffinityHint == affinityHint) == (candidates[0].AffinityHint == affinityHint)) {
		end++
	}
	if end > 1 {
		s.mu.Lock()
		offset := int(s.rr % uint64(end))
		s.rr++
		s.mu.Unlock()
		rotated := make([]registry.Candidate, 0, len(candidates))
		rotated = append(rotated, candidates[offset:end]...)
		rotated = append(rotated, candidates[:offset]...)
		rotated = append(rotated, candidates[end:]...)
		return rotated
	}
	return candidates
}

// HandleFailure books one failed attempt for a task: requeue with backoff
// while budget remains, otherwise a single terminal transition plus exactly
// one event to the escalation engine.
func (s *Scheduler) HandleFailure(ctx context.Context, taskID uuid.UUID, reason string) {
	s.fail(ctx, taskID, reason, store.StatusFailed)
}

// HandleTimeout books a timed-out attempt. Identical retry bookkeeping to a
// failure, but an exhausted budget lands in TimedOut rather than Failed.
func (s *Scheduler) HandleTimeout(ctx context.Context, taskID uuid.UUID) {
	s.fail(ctx, taskID, "execution timeout", store.StatusTimedOut)
}

func (s *Scheduler) fail(ctx context.Context, taskID uuid.UUID, reason string, terminal store.TaskStatus) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil || task == nil {
		s.logger.Error("failed to load task for failure handling", "task_id", taskID, "error", err)
		return
	}
	if task.Status.Terminal() {
		return
	}

	if task.ResourceID != nil {
		s.registry.Release(*task.ResourceID, task.ID)
	}

	if task.RetryCount < task.MaxRetries {
		task.RetryCount++
		task.Status = store.StatusQueued
		task.ResourceID = nil
		task.JobHandle = ""
		task.AssignedAt = nil
		task.StartedAt = nil
		task.Error = reason
		if err := s.store.UpdateTask(ctx, task); err != nil {
			s.logger.Error("failed to requeue task", "task_id", task.ID, "error", err)
			return
		}

		backoff := s.backoff(task.RetryCount)
		metrics.TaskRetries.Inc()
		if s.events != nil {
			_ = s.events.Publish(events.SubjectTaskRetry(task.ID.String()), events.TaskRetryEvent{
				TaskID:     task.ID.String(),
				RetryCount: task.RetryCount,
				MaxRetries: task.MaxRetries,
				BackoffMs:  backoff.Milliseconds(),
				Reason:     reason,
			})
		}
		s.logger.Warn("task retry scheduled", "task_id", task.ID,
			"retry", task.RetryCount, "max_retries", task.MaxRetries, "backoff", backoff)

		admitted := task.CreatedAt
		id, priority := task.ID, task.Priority
		time.AfterFunc(backoff, func() {
			s.queue.EnqueueAt(id, priority, admitted)
		})
		return
	}

	// Budget exhausted: terminal transition happens exactly once because
	// Terminal() short-circuits any later call.
	now := time.Now()
	task.Status = terminal
	task.Reason = ReasonExhausted
	task.Error = reason
	task.CompletedAt = &now
	if err := s.store.UpdateTask(ctx, task); err != nil {
		s.logger.Error("failed to mark task failed", "task_id", task.ID, "error", err)
		return
	}

	metrics.TasksTerminal.WithLabelValues(string(terminal)).Inc()
	s.audit(ctx, "scheduler", task.ID, "task failed terminally", map[string]interface{}{
		"reason": reason, "retries": task.RetryCount,
	})
	if s.events != nil {
		_ = s.events.Publish(events.SubjectTaskExhausted(task.ID.String()), map[string]interface{}{
			"task_id": task.ID.String(),
			"reason":  reason,
			"retries": task.RetryCount,
		})
	}
	if s.onEvent != nil {
		// Target the resource the task last ran on when there is one, so a
		// string of terminal failures on one node can drain that node.
		target := task.Type
		if task.ResourceID != nil {
			target = task.ResourceID.String()
		}
		s.onEvent(ctx, &store.Event{
			Source:        "scheduler",
			Kind:          "task_terminal_failure",
			Severity:      store.SeverityWarning,
			Target:        target,
			CorrelationID: task.ID.String(),
			Payload: map[string]interface{}{
				"task_type": task.Type,
				"reason":    reason,
				"retries":   task.RetryCount,
			},
		})
	}
	s.logger.Error("task failed terminally", "task_id", task.ID, "reason", reason)
}

// HandleResourceOffline requeues everything that was assigned to a resource
// that went offline. Each in-flight task is booked as one failed attempt.
func (s *Scheduler) HandleResourceOffline(ctx context.Context, resourceID uuid.UUID) {
	tasks, err := s.store.GetActiveTasksForResource(ctx, resourceID)
	if err != nil {
		s.logger.Error("failed to list tasks for offline resource", "resource_id", resourceID, "error", err)
		return
	}
	for _, task := range tasks {
		s.logger.Warn("requeueing task from offline resource", "task_id", task.ID, "resource_id", resourceID)
		s.HandleFailure(ctx, task.ID, "resource offline")
	}
}

func (s *Scheduler) backoff(attempt int) time.Duration {
	d := s.cfg.RetryBase()
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= s.cfg.RetryMax() {
			return s.cfg.RetryMax()
		}
	}
	if d > s.cfg.RetryMax() {
		return s.cfg.RetryMax()
	}
	return d
}

func (s *Scheduler) reportDepth() {
	for class, depth := range s.queue.DepthByClass() {
		metrics.QueueDepth.WithLabelValues(string(class)).Set(float64(depth))
	}
}

func (s *Scheduler) audit(ctx context.Context, actor string, ref uuid.UUID, summary string, details map[string]interface{}) {
	refID := ref
	if err := s.store.AppendAudit(ctx, &store.AuditEntry{
		Category: "scheduling",
		RefID:    &refID,
		Actor:    actor,
		Summary:  summary,
		Details:  details,
	}); err != nil {
		s.logger.Warn("failed to append audit entry", "error", err)
	}
}
