package models

import "time"

// Webhook ledger statuses. An entry starts in processing (recorded) and moves to
// applied once every side effect of the event has landed.
const (
	WebhookStatusProcessing = "processing"
	WebhookStatusApplied    = "applied"
	WebhookStatusFailed     = "failed"
)

// WebhookEvent is the idempotency ledger entry, keyed by the gateway event id.
type WebhookEvent struct {
	ID         string     `json:"id" firestore:"-"`
	Type       string     `json:"type" firestore:"type"`
	Status     string     `json:"status" firestore:"status"`
	ReceivedAt time.Time  `json:"receivedAt" firestore:"receivedAt"`
	LeaseUntil time.Time  `json:"leaseUntil" firestore:"leaseUntil"`
	Attempts   int64      `json:"attempts" firestore:"attempts"`
	AppliedAt  *time.Time `json:"appliedAt,omitempty" firestore:"appliedAt,omitempty"`
	LastError  string     `json:"lastError,omitempty" firestore:"lastError,omitempty"`
}
