package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TasksSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_tasks_submitted_total",
		Help: "Tasks admitted to the queue, by priority class.",
	}, []string{"priority"})

	TasksPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_tasks_placed_total",
		Help: "Tasks assigned to a resource, by priority class.",
	}, []string{"priority"})

	TasksTerminal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_tasks_terminal_total",
		Help: "Tasks reaching a terminal state, by state.",
	}, []string{"state"})

	TaskRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "warden_task_retries_total",
		Help: "Task attempts requeued after a failure or timeout.",
	})

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "warden_queue_depth",
		Help: "Queued tasks by effective priority class.",
	}, []string{"priority"})

	QualityDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_quality_decisions_total",
		Help: "Quality gate decisions, by outcome.",
	}, []string{"decision"})

	EscalationDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_escalation_decisions_total",
		Help: "Escalation engine decisions, by action.",
	}, []string{"action"})

	RateLimitForced = promauto.NewCounter(prometheus.CounterOpts{
		Name: "warden_escalation_rate_limited_total",
		Help: "Escalations forced to a human because the auto-remediation window was exhausted.",
	})
)
