package models

import "time"

// ModelUsage is the per-model breakdown inside a usage record.
type ModelUsage struct {
	Count      int64 `json:"count" firestore:"count"`
	CostMicros int64 `json:"costMicros" firestore:"costMicros"`
}

// UsageRecord accumulates metered cost for one user and billing period.
// Monetary amounts are micro-dollars so increments stay exact.
type UsageRecord struct {
	ID                     string                `json:"id" firestore:"-"`
	UserID                 string                `json:"userId" firestore:"userId"`
	Period                 string                `json:"period" firestore:"period"`
	CurrentBalanceMicros   int64                 `json:"currentBalanceMicros" firestore:"currentBalanceMicros"`
	Models                 map[string]ModelUsage `json:"models,omitempty" firestore:"models,omitempty"`
	LastUpdated            time.Time             `json:"lastUpdated" firestore:"lastUpdated"`
	LastCharged            *time.Time            `json:"lastCharged,omitempty" firestore:"lastCharged,omitempty"`
	LastChargeAmountMicros int64                 `json:"lastChargeAmountMicros,omitempty" firestore:"lastChargeAmountMicros,omitempty"`
	PaymentIntentID        string                `json:"paymentIntentId,omitempty" firestore:"paymentIntentId,omitempty"`
	PaymentStatus          string                `json:"paymentStatus,omitempty" firestore:"paymentStatus,omitempty"`
	LastChargeAttempt      *time.Time            `json:"lastChargeAttempt,omitempty" firestore:"lastChargeAttempt,omitempty"`
	LastChargeError        string                `json:"lastChargeError,omitempty" firestore:"lastChargeError,omitempty"`
	ChargeInFlightUntil    *time.Time            `json:"-" firestore:"chargeInFlightUntil,omitempty"`
}

// UsageDelta is one additive update to a usage record.
type UsageDelta struct {
	UserID     string
	Period     string
	ModelKey   string
	Count      int64
	CostMicros int64
	At         time.Time
}

// UsageEvent is an append-only log line of a metered request.
type UsageEvent struct {
	ID           string    `firestore:"id"`
	UserID       string    `firestore:"userId"`
	Model        string    `firestore:"model"`
	RequestCount int64     `firestore:"requestCount"`
	TokenCount   int64     `firestore:"tokenCount"`
	CostMicros   int64     `firestore:"costMicros"`
	Timestamp    time.Time `firestore:"timestamp"`
}

// UsageCharge is a charge receipt or a recorded charge failure.
type UsageCharge struct {
	ID              string    `firestore:"id"`
	UserID          string    `firestore:"userId"`
	Period          string    `firestore:"period"`
	AmountMicros    int64     `firestore:"amountMicros"`
	AmountCents     int64     `firestore:"amountCents"`
	PaymentIntentID string    `firestore:"paymentIntentId,omitempty"`
	PaymentStatus   string    `firestore:"paymentStatus"`
	Error           string    `firestore:"error,omitempty"`
	Timestamp       time.Time `firestore:"timestamp"`
}

// DailyUsage counts AI requests of one user on one UTC day.
type DailyUsage struct {
	UserID string    `firestore:"userId"`
	Day    string    `firestore:"day"`
	Count  int64     `firestore:"count"`
	At     time.Time `firestore:"updatedAt"`
}
