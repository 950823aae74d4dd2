package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nightshade-ops/warden/internal/config"
	"github.com/nightshade-ops/warden/internal/events"
	"github.com/nightshade-ops/warden/internal/store"
)

var (
	ErrUnknownResource     = errors.New("registry: unknown resource")
	ErrInsufficientCapacity = errors.New("registry: insufficient free capacity")
)

// Demand is a capacity request in the registry's two dimensions.
type Demand struct {
	MemoryMB int64
	Slots    int
}

// Candidate is a placement-eligible resource with its free capacity at query
// time.
type Candidate struct {
	ID           uuid.UUID
	Name         string
	Tags         []string
	AffinityHint string
	FreeMB       int64
	FreeSlots    int
	TotalMB      int64
}

type claim struct {
	memoryMB int64
	slots    int
}

// entry is the in-memory authority for one resource. All mutation goes
// through its mutex, which also serializes heartbeats for the resource id.
type entry struct {
	mu       sync.Mutex
	resource *store.Resource
	claims   map[uuid.UUID]claim
}

func (e *entry) freeLocked() (int64, int) {
	freeMB := e.resource.MemoryMB
	freeSlots := e.resource.Slots
	for _, c := range e.claims {
		freeMB -= c.memoryMB
		freeSlots -= c.slots
	}
	return freeMB, freeSlots
}

// Registry owns the resource pool: registration, heartbeat-driven health, and
// the capacity ledger. The store is write-behind; the in-memory entries are
// authoritative for placement decisions.
type Registry struct {
	store  store.Store
	events events.Client
	cfg    *config.Config
	logger *slog.Logger

	mu      sync.RWMutex
	entries map[uuid.UUID]*entry

	onEvent   func(ctx context.Context, e *store.Event)
	onOffline func(ctx context.Context, resourceID uuid.UUID)
	wake      func()

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func New(s store.Store, ev events.Client, cfg *config.Config, logger *slog.Logger) *Registry {
	return &Registry{
		store:   s,
		events:  ev,
		cfg:     cfg,
		logger:  logger,
		entries: make(map[uuid.UUID]*entry),
		stopCh:  make(chan struct{}),
	}
}

// SetEventSink registers the consumer for health-change events.
func (r *Registry) SetEventSink(fn func(ctx context.Context, e *store.Event)) { r.onEvent = fn }

// SetOfflineHandler registers the callback invoked when a resource goes
// offline and its in-flight tasks must be requeued.
func (r *Registry) SetOfflineHandler(fn func(ctx context.Context, resourceID uuid.UUID)) {
	r.onOffline = fn
}

// SetWake registers the scheduler wakeup invoked on relevant heartbeats.
func (r *Registry) SetWake(fn func()) { r.wake = fn }

// Load rehydrates registry state from the store on startup. Claims are
// rebuilt from tasks still marked assigned or running.
func (r *Registry) Load(ctx context.Context) error {
	resources, err := r.store.ListResources(ctx)
	if err != nil {
		return fmt.Errorf("load resources: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, res := range resources {
		e := &entry{resource: res, claims: make(map[uuid.UUID]claim)}
		tasks, err := r.store.GetActiveTasksForResource(ctx, res.ID)
		if err != nil {
			return fmt.Errorf("load claims for %s: %w", res.ID, err)
		}
		for _, t := range tasks {
			e.claims[t.ID] = claim{memoryMB: t.MemoryMB, slots: t.Slots}
		}
		r.entries[res.ID] = e
	}
	r.logger.Info("registry loaded", "resources", len(resources))
	return nil
}

func (r *Registry) Start(ctx context.Context) {
	r.wg.Add(1)
	go r.sweepLoop(ctx)
}

func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

// Register adds a new resource to the pool in Healthy state.
func (r *Registry) Register(ctx context.Context, res *store.Resource) (uuid.UUID, error) {
	if res.MemoryMB <= 0 || res.Slots <= 0 {
		return uuid.Nil, fmt.Errorf("registry: capacity must be positive")
	}
	res.Health = store.HealthHealthy
	if err := r.store.CreateResource(ctx, res); err != nil {
		return uuid.Nil, fmt.Errorf("create resource: %w", err)
	}

	r.mu.Lock()
	r.entries[res.ID] = &entry{resource: res, claims: make(map[uuid.UUID]claim)}
	r.mu.Unlock()

	r.logger.Info("resource registered", "resource_id", res.ID, "name", res.Name,
		"memory_mb", res.MemoryMB, "slots", res.Slots, "tags", res.Tags)
	if r.wake != nil {
		r.wake()
	}
	return res.ID, nil
}

// HeartbeatMetrics is the payload of a monitor agent heartbeat.
type HeartbeatMetrics struct {
	UtilizationPct float64
	FreeMemoryMB   int64
}

// Heartbeat records a liveness report. Calls for the same resource id are
// serialized on the entry mutex.
func (r *Registry) Heartbeat(ctx context.Context, id uuid.UUID, m HeartbeatMetrics) error {
	e := r.entry(id)
	if e == nil {
		return ErrUnknownResource
	}

	e.mu.Lock()
	res := e.resource
	prev := res.Health
	now := time.Now()
	res.LastHeartbeatAt = &now
	res.MissedHeartbeats = 0
	res.UtilizationPct = m.UtilizationPct
	res.ReportedFreeMB = m.FreeMemoryMB
	if res.Health != store.HealthOffline {
		res.Health = store.HealthHealthy
	}
	snapshot := *res
	e.mu.Unlock()

	if err := r.store.UpdateResource(ctx, &snapshot); err != nil {
		r.logger.Warn("failed to persist heartbeat", "resource_id", id, "error", err)
	}
	if prev != snapshot.Health {
		r.emitHealthChange(ctx, &snapshot, prev)
	}
	if r.wake != nil {
		r.wake()
	}
	return nil
}

// Deregister removes a resource; in-flight tasks are requeued as if the
// resource went offline.
func (r *Registry) Deregister(ctx context.Context, id uuid.UUID) error {
	e := r.entry(id)
	if e == nil {
		return ErrUnknownResource
	}

	e.mu.Lock()
	e.resource.Health = store.HealthOffline
	e.claims = make(map[uuid.UUID]claim)
	e.mu.Unlock()

	r.mu.Lock()
	delete(r.entries, id)
	r.mu.Unlock()

	if r.onOffline != nil {
		r.onOffline(ctx, id)
	}
	if err := r.store.DeleteResource(ctx, id); err != nil {
		return fmt.Errorf("delete resource: %w", err)
	}
	r.logger.Info("resource deregistered", "resource_id", id)
	return nil
}

// Drain excludes a resource from new placements without touching its health.
func (r *Registry) Drain(id uuid.UUID, drained bool) error {
	e := r.entry(id)
	if e == nil {
		return ErrUnknownResource
	}
	e.mu.Lock()
	e.resource.Drained = drained
	e.mu.Unlock()
	return nil
}

// QueryCandidates returns resources matching every required tag with free
// capacity of at least demand. Degraded, offline, and drained resources are
// never returned.
func (r *Registry) QueryCandidates(tags []string, demand Demand) []Candidate {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	var out []Candidate
	for _, e := range entries {
		e.mu.Lock()
		res := e.resource
		eligible := !res.Drained &&
			(res.Health == store.HealthHealthy || res.Health == store.HealthSuspect) &&
			hasAllTags(res.Tags, tags)
		if eligible {
			freeMB, freeSlots := e.freeLocked()
			if freeMB >= demand.MemoryMB && freeSlots >= demand.Slots {
				out = append(out, Candidate{
					ID:           res.ID,
					Name:         res.Name,
					Tags:         append([]string(nil), res.Tags...),
					AffinityHint: res.AffinityHint,
					FreeMB:       freeMB,
					FreeSlots:    freeSlots,
					TotalMB:      res.MemoryMB,
				})
			}
		}
		e.mu.Unlock()
	}
	return out
}

// Feasible reports whether any registered resource's maximum capacity could
// ever satisfy the demand, regardless of current load or health.
func (r *Registry) Feasible(tags []string, demand Demand) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		e.mu.Lock()
		res := e.resource
		ok := hasAllTags(res.Tags, tags) && res.MemoryMB >= demand.MemoryMB && res.Slots >= demand.Slots
		e.mu.Unlock()
		if ok {
			return true
		}
	}
	return false
}

// Claim reserves capacity on a resource for a task. Claims are keyed by task
// id and idempotent: re-claiming for the same task is a no-op. The committed
// total never exceeds the resource's capacity.
func (r *Registry) Claim(resourceID, taskID uuid.UUID, demand Demand) error {
	e := r.entry(resourceID)
	if e == nil {
		return ErrUnknownResource
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.claims[taskID]; exists {
		return nil
	}
	freeMB, freeSlots := e.freeLocked()
	if freeMB < demand.MemoryMB || freeSlots < demand.Slots {
		return ErrInsufficientCapacity
	}
	e.claims[taskID] = claim{memoryMB: demand.MemoryMB, slots: demand.Slots}
	return nil
}

// Release frees the capacity claimed for a task. Releasing an unknown claim
// is a no-op, so duplicate releases after a terminal transition are harmless.
func (r *Registry) Release(resourceID, taskID uuid.UUID) {
	e := r.entry(resourceID)
	if e == nil {
		return
	}
	e.mu.Lock()
	delete(e.claims, taskID)
	e.mu.Unlock()
	if r.wake != nil {
		r.wake()
	}
}

// Snapshot returns a copy of all resources with their committed capacity.
func (r *Registry) Snapshot() []*store.Resource {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]*store.Resource, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		res := *e.resource
		e.mu.Unlock()
		out = append(out, &res)
	}
	return out
}

func (r *Registry) entry(id uuid.UUID) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[id]
}

func (r *Registry) sweepLoop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.HeartbeatInterval())
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(ctx, time.Now())
		}
	}
}

// sweep advances the health state machine for resources that have missed
// heartbeats: Healthy -> Suspect -> Degraded -> Offline.
func (r *Registry) sweep(ctx context.Context, now time.Time) {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	interval := r.cfg.HeartbeatInterval()
	for _, e := range entries {
		e.mu.Lock()
		res := e.resource
		if res.LastHeartbeatAt == nil {
			// Never beat; age from registration.
			t := res.RegisteredAt
			res.LastHeartbeatAt = &t
		}
		elapsed := now.Sub(*res.LastHeartbeatAt)
		missed := int(elapsed / interval)
		prev := res.Health

		if res.Health != store.HealthOffline {
			res.MissedHeartbeats = missed
			switch {
			case elapsed >= r.cfg.OfflineAfter():
				res.Health = store.HealthOffline
			case missed >= r.cfg.Registry.DegradedAfterMissed:
				res.Health = store.HealthDegraded
			case missed >= r.cfg.Registry.SuspectAfterMissed:
				res.Health = store.HealthSuspect
			}
		}
		wentOffline := prev != store.HealthOffline && res.Health == store.HealthOffline
		if wentOffline {
			e.claims = make(map[uuid.UUID]claim)
		}
		changed := prev != res.Health
		snapshot := *res
		e.mu.Unlock()

		if !changed {
			continue
		}
		r.logger.Warn("resource health changed", "resource_id", snapshot.ID,
			"name", snapshot.Name, "from", prev, "to", snapshot.Health, "missed", snapshot.MissedHeartbeats)
		if err := r.store.UpdateResource(ctx, &snapshot); err != nil {
			r.logger.Error("failed to persist health change", "resource_id", snapshot.ID, "error", err)
		}
		r.emitHealthChange(ctx, &snapshot, prev)
		if wentOffline && r.onOffline != nil {
			r.onOffline(ctx, snapshot.ID)
		}
	}
}

func (r *Registry) emitHealthChange(ctx context.Context, res *store.Resource, prev store.ResourceHealth) {
	if r.events != nil {
		_ = r.events.Publish(events.SubjectResourceHealth(res.ID.String()), events.ResourceHealthEvent{
			ResourceID: res.ID.String(),
			Name:       res.Name,
			From:       string(prev),
			To:         string(res.Health),
		})
	}
	if r.onEvent == nil {
		return
	}
	severity := store.SeverityWarning
	kind := "resource_health_change"
	switch res.Health {
	case store.HealthOffline:
		severity = store.SeverityCritical
		kind = "resource_offline"
	case store.HealthDegraded:
		kind = "resource_degraded"
	}
	r.onEvent(ctx, &store.Event{
		Source:        "registry",
		Kind:          kind,
		Severity:      severity,
		Target:        res.Name,
		CorrelationID: res.ID.String(),
		Payload: map[string]interface{}{
			"from": string(prev),
			"to":   string(res.Health),
		},
	})
}

func hasAllTags(have, want []string) bool {
	for _, w := range want {
		found := false
		for _, h := range have {
			if h == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
