package events

import "time"

type TaskAssignedEvent struct {
	TaskID     string `json:"task_id"`
	ResourceID string `json:"resource_id"`
	Priority   string `json:"priority"`
	Effective  string `json:"effective_priority"`
}

type TaskRetryEvent struct {
	TaskID     string `json:"task_id"`
	RetryCount int    `json:"retry_count"`
	MaxRetries int    `json:"max_retries"`
	BackoffMs  int64  `json:"backoff_ms"`
	Reason     string `json:"reason"`
}

type TaskTimeoutEvent struct {
	TaskID     string `json:"task_id"`
	ResourceID string `json:"resource_id"`
	RetryCount int    `json:"retry_count"`
	MaxRetries int    `json:"max_retries"`
}

type ResourceHealthEvent struct {
	ResourceID string `json:"resource_id"`
	Name       string `json:"name"`
	From       string `json:"from"`
	To         string `json:"to"`
}

type QualityDecisionEvent struct {
	TaskID    string  `json:"task_id"`
	OutputRef string  `json:"output_ref"`
	Composite float64 `json:"composite"`
	Decision  string  `json:"decision"`
	Reason    string  `json:"reason,omitempty"`
}

// EscalationNotifyEvent is the notification-sink payload: for staged
// confirmations it carries the one-click confirm URL and its TTL.
type EscalationNotifyEvent struct {
	DecisionID string     `json:"decision_id"`
	Target     string     `json:"target"`
	ActionType string     `json:"action_type"`
	Action     string     `json:"action"`
	Confidence float64    `json:"confidence"`
	ConfirmURL string     `json:"confirm_url,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}
