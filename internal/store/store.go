package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrDuplicate is returned by write-once creates when a record for the same
// key already exists.
var ErrDuplicate = errors.New("store: duplicate record")

type ResourceHealth string

const (
	HealthHealthy  ResourceHealth = "healthy"
	HealthSuspect  ResourceHealth = "suspect"
	HealthDegraded ResourceHealth = "degraded"
	HealthOffline  ResourceHealth = "offline"
)

// Resource is a registered compute node. Capacity is two-dimensional:
// memory in MB and concurrency slots.
type Resource struct {
	ID           uuid.UUID      `json:"resource_id"`
	Name         string         `json:"name"`
	Tags         []string       `json:"tags"`
	MemoryMB     int64          `json:"memory_mb"`
	Slots        int            `json:"slots"`
	AffinityHint string         `json:"affinity_hint,omitempty"`
	Health       ResourceHealth `json:"health"`
	Drained      bool           `json:"drained"`

	// Last reported heartbeat metrics
	UtilizationPct   float64    `json:"utilization_pct"`
	ReportedFreeMB   int64      `json:"reported_free_mb"`
	LastHeartbeatAt  *time.Time `json:"last_heartbeat_at,omitempty"`
	MissedHeartbeats int        `json:"missed_heartbeats"`

	RegisteredAt time.Time `json:"registered_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type TaskStatus string

const (
	StatusQueued    TaskStatus = "queued"
	StatusAssigned  TaskStatus = "assigned"
	StatusRunning   TaskStatus = "running"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
	StatusTimedOut  TaskStatus = "timed_out"
)

// Terminal reports whether s admits no further transitions.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusTimedOut
}

type PriorityClass string

const (
	PriorityCritical PriorityClass = "critical"
	PriorityHigh     PriorityClass = "high"
	PriorityNormal   PriorityClass = "normal"
	PriorityLow      PriorityClass = "low"
	PriorityIdle     PriorityClass = "idle"
)

// Rank maps a priority class to a comparable level, higher is more urgent.
func (p PriorityClass) Rank() int {
	switch p {
	case PriorityCritical:
		return 4
	case PriorityHigh:
		return 3
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 1
	default:
		return 0
	}
}

// Promote returns the class one level more urgent, capped at high so aging
// never manufactures critical work.
func (p PriorityClass) Promote() PriorityClass {
	switch p {
	case PriorityIdle:
		return PriorityLow
	case PriorityLow:
		return PriorityNormal
	case PriorityNormal:
		return PriorityHigh
	default:
		return p
	}
}

type Task struct {
	ID           uuid.UUID              `json:"task_id"`
	Type         string                 `json:"type"`
	Priority     PriorityClass          `json:"priority"`
	Config       map[string]interface{} `json:"config,omitempty"`
	RequiredTags []string               `json:"required_tags"`

	// Capacity demand
	MemoryMB     int64  `json:"memory_mb"`
	Slots        int    `json:"slots"`
	AffinityHint string `json:"affinity_hint,omitempty"`

	// State
	Status     TaskStatus `json:"status"`
	Reason     string     `json:"reason,omitempty"`
	ResourceID *uuid.UUID `json:"resource_id,omitempty"`
	JobHandle  string     `json:"job_handle,omitempty"`

	// Retry
	RetryCount int `json:"retry_count"`
	MaxRetries int `json:"max_retries"`

	// Result
	ResultRefs []string `json:"result_refs,omitempty"`
	Error      string   `json:"error,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	AssignedAt  *time.Time `json:"assigned_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

type TaskFilter struct {
	Status   *TaskStatus
	Type     string
	Resource *uuid.UUID
	Limit    int
	Offset   int
}

type QualityDecision string

const (
	DecisionAutoApprove   QualityDecision = "auto_approve"
	DecisionPendingReview QualityDecision = "pending_review"
	DecisionAutoReject    QualityDecision = "auto_reject"
)

// ThresholdSnapshot pins the configuration a quality decision was made under.
// It is stored with the score and never updated, so the decision stays a pure
// function of the record.
type ThresholdSnapshot struct {
	AutoApprove       float64 `json:"auto_approve"`
	Min               float64 `json:"min"`
	DomainFloor       float64 `json:"domain_floor"`
	WeightAesthetic   float64 `json:"weight_aesthetic"`
	WeightTechnical   float64 `json:"weight_technical"`
	WeightDomainMatch float64 `json:"weight_domain_match"`
}

type QualityScore struct {
	ID        uuid.UUID `json:"id"`
	TaskID    uuid.UUID `json:"task_id"`
	OutputRef string    `json:"output_ref"`

	Aesthetic   float64 `json:"aesthetic"`
	Technical   float64 `json:"technical"`
	DomainMatch float64 `json:"domain_match"`
	Composite   float64 `json:"composite"`

	Decision QualityDecision   `json:"decision"`
	Reason   string            `json:"reason,omitempty"`
	Snapshot ThresholdSnapshot `json:"snapshot"`

	CreatedAt time.Time `json:"created_at"`
}

type EventSeverity string

const (
	SeverityInfo     EventSeverity = "info"
	SeverityWarning  EventSeverity = "warning"
	SeverityCritical EventSeverity = "critical"
)

// Event is an anomaly observation feeding the escalation engine.
type Event struct {
	ID            uuid.UUID              `json:"id"`
	Source        string                 `json:"source"`
	Kind          string                 `json:"kind"`
	Severity      EventSeverity          `json:"severity"`
	Target        string                 `json:"target"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	Payload       map[string]interface{} `json:"payload,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
}

type EscalationAction string

const (
	ActionAutoRemediate      EscalationAction = "auto_remediate"
	ActionQueuedConfirmation EscalationAction = "queued_confirmation"
	ActionEscalatedHuman     EscalationAction = "escalated_human"
)

type EscalationOutcome string

const (
	OutcomePending EscalationOutcome = "pending"
	OutcomeSuccess EscalationOutcome = "success"
	OutcomeFailure EscalationOutcome = "failure"
	OutcomeExpired EscalationOutcome = "expired"
	OutcomeDenied  EscalationOutcome = "denied"
)

type EscalationDecision struct {
	ID      uuid.UUID `json:"id"`
	EventID uuid.UUID `json:"event_id"`

	Target     string  `json:"target"`
	ActionType string  `json:"action_type"`
	Confidence float64 `json:"confidence"`

	Action EscalationAction `json:"action"`

	// Rate-limit window snapshot at decision time
	WindowCount int `json:"window_count"`
	WindowLimit int `json:"window_limit"`

	ConfirmToken     string     `json:"confirm_token,omitempty"`
	ConfirmExpiresAt *time.Time `json:"confirm_expires_at,omitempty"`

	Outcome        EscalationOutcome `json:"outcome"`
	RecheckHealthy *bool             `json:"recheck_healthy,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AuditEntry is an immutable record of a scheduling, quality, or escalation
// decision. Entries are only ever appended.
type AuditEntry struct {
	ID        uuid.UUID              `json:"id"`
	Category  string                 `json:"category"`
	RefID     *uuid.UUID             `json:"ref_id,omitempty"`
	Actor     string                 `json:"actor,omitempty"`
	Summary   string                 `json:"summary"`
	Details   map[string]interface{} `json:"details,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

type Stats struct {
	TotalQueued     int     `json:"total_queued"`
	TotalRunning    int     `json:"total_running"`
	TotalCompleted  int     `json:"total_completed"`
	TotalFailed     int     `json:"total_failed"`
	AvgCompletionMs float64 `json:"avg_completion_ms"`
}

type Store interface {
	CreateTask(ctx context.Context, task *Task) error
	GetTask(ctx context.Context, id uuid.UUID) (*Task, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]*Task, error)
	UpdateTask(ctx context.Context, task *Task) error
	GetActiveTasksForResource(ctx context.Context, resourceID uuid.UUID) ([]*Task, error)

	CreateResource(ctx context.Context, r *Resource) error
	GetResource(ctx context.Context, id uuid.UUID) (*Resource, error)
	ListResources(ctx context.Context) ([]*Resource, error)
	UpdateResource(ctx context.Context, r *Resource) error
	DeleteResource(ctx context.Context, id uuid.UUID) error

	// CreateQualityScore is write-once per task; a second insert for the same
	// task id returns ErrDuplicate.
	CreateQualityScore(ctx context.Context, qs *QualityScore) error
	GetQualityScoreForTask(ctx context.Context, taskID uuid.UUID) (*QualityScore, error)
	ListPendingReviews(ctx context.Context, limit int) ([]*QualityScore, error)

	CreateEvent(ctx context.Context, e *Event) error

	CreateEscalation(ctx context.Context, d *EscalationDecision) error
	UpdateEscalation(ctx context.Context, d *EscalationDecision) error
	GetEscalation(ctx context.Context, id uuid.UUID) (*EscalationDecision, error)
	GetEscalationByToken(ctx context.Context, token string) (*EscalationDecision, error)
	ListEscalations(ctx context.Context, limit int) ([]*EscalationDecision, error)

	AppendAudit(ctx context.Context, entry *AuditEntry) error
	QueryAudit(ctx context.Context, since time.Time, limit int) ([]*AuditEntry, error)

	GetStats(ctx context.Context) (*Stats, error)

	Close() error
}
