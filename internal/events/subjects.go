package events

const (
	StreamName   = "WARDEN_EVENTS"
	StreamMaxAge = "720h" // 30 days
)

func SubjectTaskQueued(taskID string) string    { return "ops.task." + taskID + ".queued" }
func SubjectTaskAssigned(taskID string) string  { return "ops.task." + taskID + ".assigned" }
func SubjectTaskStarted(taskID string) string   { return "ops.task." + taskID + ".started" }
func SubjectTaskCompleted(taskID string) string { return "ops.task." + taskID + ".completed" }
func SubjectTaskFailed(taskID string) string    { return "ops.task." + taskID + ".failed" }
func SubjectTaskTimeout(taskID string) string   { return "ops.task." + taskID + ".timeout" }
func SubjectTaskRetry(taskID string) string     { return "ops.task." + taskID + ".retry" }
func SubjectTaskExhausted(taskID string) string { return "ops.task." + taskID + ".exhausted" }

func SubjectResourceHealth(resourceID string) string { return "ops.resource." + resourceID + ".health" }
func SubjectResourceOffline(resourceID string) string {
	return "ops.resource." + resourceID + ".offline"
}

func SubjectQualityDecision(taskID string) string { return "ops.quality." + taskID + ".decision" }
func SubjectReviewResolved(taskID string) string  { return "ops.quality." + taskID + ".resolved" }

func SubjectEscalationDecided(decisionID string) string {
	return "ops.escalation." + decisionID + ".decided"
}
func SubjectEscalationNotify(decisionID string) string {
	return "ops.escalation." + decisionID + ".notify"
}
func SubjectEscalationOutcome(decisionID string) string {
	return "ops.escalation." + decisionID + ".outcome"
}

// SubjectRemediate is the command channel node agents subscribe to; each
// message names exactly one target and one bounded action.
func SubjectRemediate(target, actionType string) string {
	return "ops.escalation.remediate." + target + "." + actionType
}
