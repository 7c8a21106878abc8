package metrics

import "time"

type Recorder interface {
	IncCounter(name string, labels map[string]string)
	ObserveLatency(name string, duration time.Duration, labels map[string]string)
}

// Event names recorded by the settlement core.
const (
	EventPaymentCompleted  = "payment_completed"
	EventPaymentFailed     = "payment_failed"
	EventFallbackUsed      = "fallback_used"
	EventEscrowCreated     = "escrow_created"
	EventMilestoneReleased = "milestone_released"
	EventDisputeOpened     = "dispute_opened"
	EventDisputeResolved   = "dispute_resolved"
	EventEscrowCancelled   = "escrow_cancelled"
	EventReconciled        = "payment_reconciled"
)
