package models

import "time"

// Subscription statuses as reported by the payment gateway.
const (
	StatusTrialing          = "trialing"
	StatusActive            = "active"
	StatusPastDue           = "past_due"
	StatusCanceled          = "canceled"
	StatusIncomplete        = "incomplete"
	StatusIncompleteExpired = "incomplete_expired"
	StatusUnpaid            = "unpaid"
	StatusPaused            = "paused"
)

// EntitledStatuses grant access. Trialing and active carry identical weight.
var EntitledStatuses = []string{StatusTrialing, StatusActive}

// LiveStatuses are the statuses the duplicate guard considers concurrently alive.
var LiveStatuses = []string{StatusTrialing, StatusActive, StatusIncomplete, StatusPastDue, StatusUnpaid}

// IsEntitledStatus reports whether status grants access.
func IsEntitledStatus(status string) bool {
	return status == StatusTrialing || status == StatusActive
}

// IsLiveStatus reports whether status is in LiveStatuses.
func IsLiveStatus(status string) bool {
	for _, s := range LiveStatuses {
		if s == status {
			return true
		}
	}
	return false
}

// SubscriptionItem is one line item of a subscription.
type SubscriptionItem struct {
	ID         string `json:"id" firestore:"id"`
	PriceID    string `json:"priceId" firestore:"priceId"`
	UnitAmount int64  `json:"unitAmount" firestore:"unitAmount"`
	Currency   string `json:"currency" firestore:"currency"`
	Interval   string `json:"interval,omitempty" firestore:"interval,omitempty"`
	Quantity   int64  `json:"quantity" firestore:"quantity"`
}

// Subscription mirrors a gateway subscription under customers/{uid}/subscriptions/{id}.
// ID is always the gateway subscription id and the document id.
type Subscription struct {
	ID                  string             `json:"id" firestore:"id"`
	CustomerID          string             `json:"customerId" firestore:"customerId"` // gateway customer id
	Status              string             `json:"status" firestore:"status"`
	ProductType         ProductType        `json:"productType" firestore:"productType"`
	Items               []SubscriptionItem `json:"items" firestore:"items"`
	Metadata            map[string]string  `json:"metadata,omitempty" firestore:"metadata,omitempty"`
	CurrentPeriodStart  time.Time          `json:"currentPeriodStart" firestore:"currentPeriodStart"`
	CurrentPeriodEnd    time.Time          `json:"currentPeriodEnd" firestore:"currentPeriodEnd"`
	TrialStart          *time.Time         `json:"trialStart,omitempty" firestore:"trialStart"`
	TrialEnd            *time.Time         `json:"trialEnd,omitempty" firestore:"trialEnd"`
	CancelAtPeriodEnd   bool               `json:"cancelAtPeriodEnd" firestore:"cancelAtPeriodEnd"`
	CanceledAt          *time.Time         `json:"canceledAt,omitempty" firestore:"canceledAt"`
	EndedAt             *time.Time         `json:"endedAt,omitempty" firestore:"endedAt"`
	Created             time.Time          `json:"created" firestore:"created"`
	Updated             time.Time          `json:"updated" firestore:"updated"`
	LastEventAt         time.Time          `json:"lastEventAt" firestore:"lastEventAt"`
	LastPaymentAt       *time.Time         `json:"lastPaymentAt,omitempty" firestore:"lastPaymentAt,omitempty"`
	LastPaymentAmount   int64              `json:"lastPaymentAmount,omitempty" firestore:"lastPaymentAmount,omitempty"`
	LastPaymentCurrency string             `json:"lastPaymentCurrency,omitempty" firestore:"lastPaymentCurrency,omitempty"`
}

// PriceIDs returns the price ids of all line items.
func (s *Subscription) PriceIDs() []string {
	ids := make([]string, 0, len(s.Items))
	for _, it := range s.Items {
		if it.PriceID != "" {
			ids = append(ids, it.PriceID)
		}
	}
	return ids
}

// CheckoutSession records a checkout started by this backend.
type CheckoutSession struct {
	ID           string      `json:"sessionId" firestore:"sessionId"`
	PriceID      string      `json:"priceId" firestore:"priceId"`
	ProductType  ProductType `json:"productType" firestore:"productType"`
	Status       string      `json:"status" firestore:"status"` // created | completed
	TrialEnabled bool        `json:"trialEnabled" firestore:"trialEnabled"`
	URL          string      `json:"url,omitempty" firestore:"url,omitempty"`
	CreatedAt    time.Time   `json:"created" firestore:"created"`
	UpdatedAt    time.Time   `json:"updated" firestore:"updated"`
}

// Checkout session statuses.
const (
	CheckoutStatusCreated   = "created"
	CheckoutStatusCompleted = "completed"
)

// EmailMarker records that a one-time email was sent.
type EmailMarker struct {
	Kind           string    `firestore:"kind"`
	SubscriptionID string    `firestore:"subscriptionId"`
	Sent           bool      `firestore:"sent"`
	CreatedAt      time.Time `firestore:"createdAt"`
}
