package tracker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nightshade-ops/warden/internal/backend"
	"github.com/nightshade-ops/warden/internal/config"
	"github.com/nightshade-ops/warden/internal/events"
	"github.com/nightshade-ops/warden/internal/metrics"
	"github.com/nightshade-ops/warden/internal/quality"
	"github.com/nightshade-ops/warden/internal/registry"
	"github.com/nightshade-ops/warden/internal/store"
)

type runningJob struct {
	jobHandle  string
	resourceID uuid.UUID
	deadline   time.Time
}

// Tracker supervises running tasks: it starts jobs on the generation
// backend, polls for progress, enforces per-type timeout ceilings, and
// funnels completions into the quality gate. Terminal transitions are keyed
// by task id, so late or duplicate callbacks are ignored.
type Tracker struct {
	store    store.Store
	registry *registry.Registry
	backend  backend.Client
	gate     *quality.Gate
	events   events.Client
	cfg      *config.Config
	logger   *slog.Logger

	onFailure func(ctx context.Context, taskID uuid.UUID, reason string)
	onTimeout func(ctx context.Context, taskID uuid.UUID)

	mu      sync.Mutex
	running map[uuid.UUID]runningJob

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func New(s store.Store, reg *registry.Registry, b backend.Client, g *quality.Gate, ev events.Client, cfg *config.Config, logger *slog.Logger) *Tracker {
	return &Tracker{
		store:    s,
		registry: reg,
		backend:  b,
		gate:     g,
		events:   ev,
		cfg:      cfg,
		logger:   logger,
		running:  make(map[uuid.UUID]runningJob),
		stopCh:   make(chan struct{}),
	}
}

// SetFailureHandler registers the retry bookkeeping callbacks.
func (t *Tracker) SetFailureHandler(
	onFailure func(ctx context.Context, taskID uuid.UUID, reason string),
	onTimeout func(ctx context.Context, taskID uuid.UUID),
) {
	t.onFailure = onFailure
	t.onTimeout = onTimeout
}

func (t *Tracker) Start(ctx context.Context) {
	t.wg.Add(1)
	go t.pollLoop(ctx)
}

func (t *Tracker) Stop() {
	t.stopOnce.Do(func() { close(t.stopCh) })
	t.wg.Wait()
}

// Launch starts an assigned task on the backend. A start failure counts as
// one failed attempt.
func (t *Tracker) Launch(ctx context.Context, task *store.Task) {
	handle, err := t.backend.Start(ctx, task.Type, task.Config)
	if err != nil {
		t.logger.Warn("backend start failed", "task_id", task.ID, "error", err)
		if t.onFailure != nil {
			t.onFailure(ctx, task.ID, "backend start failed: "+err.Error())
		}
		return
	}

	now := time.Now()
	task.Status = store.StatusRunning
	task.JobHandle = handle
	task.StartedAt = &now
	if err := t.store.UpdateTask(ctx, task); err != nil {
		t.logger.Error("failed to persist running task", "task_id", task.ID, "error", err)
	}

	t.mu.Lock()
	t.running[task.ID] = runningJob{
		jobHandle:  handle,
		resourceID: *task.ResourceID,
		deadline:   now.Add(t.cfg.TimeoutFor(task.Type)),
	}
	t.mu.Unlock()

	if t.events != nil {
		_ = t.events.Publish(events.SubjectTaskStarted(task.ID.String()), map[string]interface{}{
			"task_id":    task.ID.String(),
			"job_handle": handle,
		})
	}
	t.logger.Info("task started", "task_id", task.ID, "job_handle", handle,
		"timeout", t.cfg.TimeoutFor(task.Type))
}

func (t *Tracker) pollLoop(ctx context.Context) {
	defer t.wg.Done()
	ticker := time.NewTicker(t.cfg.PollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-t.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.pollRunning(ctx, time.Now())
		}
	}
}

func (t *Tracker) pollRunning(ctx context.Context, now time.Time) {
	t.mu.Lock()
	jobs := make(map[uuid.UUID]runningJob, len(t.running))
	for id, j := range t.running {
		jobs[id] = j
	}
	t.mu.Unlock()

	for taskID, job := range jobs {
		if now.After(job.deadline) {
			t.timeout(ctx, taskID, job)
			continue
		}

		state, err := t.backend.Poll(ctx, job.jobHandle)
		if err != nil {
			// Transient; the deadline bounds how long we keep trying.
			t.logger.Warn("poll failed", "task_id", taskID, "error", err)
			continue
		}
		switch state.Status {
		case backend.JobCompleted:
			t.HandleCompletion(ctx, taskID, state.OutputRefs)
		case backend.JobFailed:
			t.untrack(taskID)
			if t.onFailure != nil {
				t.onFailure(ctx, taskID, "backend job failed: "+state.Error)
			}
		}
	}
}

// timeout enforces the per-type ceiling: cancellation is best-effort and the
// capacity claim is released immediately, without waiting on its outcome.
func (t *Tracker) timeout(ctx context.Context, taskID uuid.UUID, job runningJob) {
	t.logger.Warn("task timed out", "task_id", taskID, "job_handle", job.jobHandle)
	t.untrack(taskID)
	t.registry.Release(job.resourceID, taskID)

	go func() {
		cancelCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := t.backend.Cancel(cancelCtx, job.jobHandle); err != nil {
			t.logger.Warn("best-effort cancel failed", "task_id", taskID, "error", err)
		}
	}()

	if t.events != nil {
		_ = t.events.Publish(events.SubjectTaskTimeout(taskID.String()), events.TaskTimeoutEvent{
			TaskID:     taskID.String(),
			ResourceID: job.resourceID.String(),
		})
	}
	if t.onTimeout != nil {
		t.onTimeout(ctx, taskID)
	}
}

// HandleCompletion finalizes a completed task and routes its outputs through
// the quality gate. Once the task is terminal, further callbacks for the
// same id are discarded, so outputs are scored and capacity released exactly
// once.
func (t *Tracker) HandleCompletion(ctx context.Context, taskID uuid.UUID, outputRefs []string) {
	task, err := t.store.GetTask(ctx, taskID)
	if err != nil || task == nil {
		t.logger.Error("failed to load completed task", "task_id", taskID, "error", err)
		return
	}
	if task.Status.Terminal() {
		t.logger.Info("ignoring duplicate completion", "task_id", taskID, "status", task.Status)
		return
	}

	t.untrack(taskID)
	if task.ResourceID != nil {
		t.registry.Release(*task.ResourceID, taskID)
	}

	now := time.Now()
	task.Status = store.StatusCompleted
	task.ResultRefs = outputRefs
	task.CompletedAt = &now
	if err := t.store.UpdateTask(ctx, task); err != nil {
		t.logger.Error("failed to persist completion", "task_id", taskID, "error", err)
		return
	}

	metrics.TasksTerminal.WithLabelValues(string(store.StatusCompleted)).Inc()
	if t.events != nil {
		_ = t.events.Publish(events.SubjectTaskCompleted(taskID.String()), map[string]interface{}{
			"task_id":     taskID.String(),
			"result_refs": outputRefs,
		})
	}
	t.logger.Info("task completed", "task_id", taskID, "outputs", len(outputRefs))

	// One task, one scored output: the gate keys scores by task id.
	if len(outputRefs) > 0 {
		referenceRef, _ := task.Config["reference_ref"].(string)
		if _, err := t.gate.Evaluate(ctx, task, outputRefs[0], referenceRef); err != nil {
			t.logger.Error("quality evaluation failed", "task_id", taskID, "output_ref", outputRefs[0], "error", err)
		}
	}
}

// HandleBackendFailure books a failure reported via callback.
func (t *Tracker) HandleBackendFailure(ctx context.Context, taskID uuid.UUID, reason string) {
	task, err := t.store.GetTask(ctx, taskID)
	if err != nil || task == nil {
		return
	}
	if task.Status.Terminal() {
		t.logger.Info("ignoring duplicate failure callback", "task_id", taskID, "status", task.Status)
		return
	}
	t.untrack(taskID)
	if t.onFailure != nil {
		t.onFailure(ctx, taskID, reason)
	}
}

// Progress records a liveness callback from the backend, extending nothing:
// the timeout ceiling is absolute per attempt.
func (t *Tracker) Progress(ctx context.Context, taskID uuid.UUID, payload map[string]interface{}) {
	t.mu.Lock()
	_, tracked := t.running[taskID]
	t.mu.Unlock()
	if !tracked {
		return
	}
	t.logger.Debug("task progress", "task_id", taskID)
}

func (t *Tracker) untrack(taskID uuid.UUID) {
	t.mu.Lock()
	delete(t.running, taskID)
	t.mu.Unlock()
}
