package db

import (
	"context"
	"time"

	"github.com/example/addonhub/internal/models"
)

// UserRepository defines the interface for user data storage operations.
type UserRepository interface {
	GetByID(ctx context.Context, userID string) (*models.User, error)
	Create(ctx context.Context, user *models.User) error
	Update(ctx context.Context, user *models.User) error
	// ApplySubscription merges denormalized subscription state into the user document.
	ApplySubscription(ctx context.Context, userID string, update models.UserSubscriptionUpdate) error
	UpdateUsageSettings(ctx context.Context, userID string, settings models.UsagePricingSettings, at time.Time) error
	SetStripeCustomerID(ctx context.Context, userID, stripeCustomerID string) error
	// SwapDevice records deviceID as the user's active device and returns the previous one.
	// A different previous device is kept as replacedDeviceId.
	SwapDevice(ctx context.Context, userID, deviceID string, at time.Time) (string, error)
}

// CustomerRepository stores the user to gateway customer mapping.
type CustomerRepository interface {
	GetByID(ctx context.Context, userID string) (*models.Customer, error)
	// FindByEmail is the legacy lookup for records created before uid keying.
	FindByEmail(ctx context.Context, email string) (*models.Customer, error)
	FindByStripeID(ctx context.Context, stripeID string) (*models.Customer, error)
	// Create fails with ErrAlreadyExists if a record for the uid exists.
	Create(ctx context.Context, customer *models.Customer) error
	// LinkStripeID sets stripeId unless one is already linked and returns the effective id.
	LinkStripeID(ctx context.Context, userID, stripeID string, at time.Time) (string, error)
}

// SubscriptionMutator receives the stored subscription (nil if absent) and returns
// the document to write, or nil to leave it unchanged.
type SubscriptionMutator func(existing *models.Subscription) (*models.Subscription, error)

// SubscriptionRepository stores the subscription mirror under a customer.
type SubscriptionRepository interface {
	Get(ctx context.Context, userID, subscriptionID string) (*models.Subscription, error)
	ListByStatus(ctx context.Context, userID string, statuses []string) ([]*models.Subscription, error)
	// Apply runs fn atomically against the stored document.
	Apply(ctx context.Context, userID, subscriptionID string, fn SubscriptionMutator) (*models.Subscription, error)
}

// CheckoutSessionRepository records checkout sessions started by the backend.
type CheckoutSessionRepository interface {
	Create(ctx context.Context, userID string, session *models.CheckoutSession) error
	ListOpen(ctx context.Context, userID, priceID string) ([]*models.CheckoutSession, error)
	MarkCompleted(ctx context.Context, userID, sessionID string, at time.Time) error
}

// EmailMarkerRepository gates one-time emails.
type EmailMarkerRepository interface {
	// CreateMarker returns false if the marker already existed.
	CreateMarker(ctx context.Context, userID, markerID string, marker models.EmailMarker) (bool, error)
}

// ClaimResult is the outcome of claiming a webhook event in the ledger.
type ClaimResult int

const (
	// ClaimAcquired means the caller owns processing of the event.
	ClaimAcquired ClaimResult = iota
	// ClaimAlreadyApplied means every side effect already landed.
	ClaimAlreadyApplied
	// ClaimInFlight means another delivery holds a live lease.
	ClaimInFlight
)

func (c ClaimResult) String() string {
	switch c {
	case ClaimAcquired:
		return "acquired"
	case ClaimAlreadyApplied:
		return "already_applied"
	case ClaimInFlight:
		return "in_flight"
	}
	return "unknown"
}

// WebhookEventRepository is the idempotency ledger for gateway events.
type WebhookEventRepository interface {
	Claim(ctx context.Context, eventID, eventType string, now time.Time, lease time.Duration) (ClaimResult, error)
	MarkApplied(ctx context.Context, eventID string, at time.Time) error
	MarkFailed(ctx context.Context, eventID, reason string, at time.Time) error
	Get(ctx context.Context, eventID string) (*models.WebhookEvent, error)
}

// ChargeOutcome is the result of an off-session usage charge.
type ChargeOutcome struct {
	AmountMicros    int64
	PaymentIntentID string
	PaymentStatus   string
	At              time.Time
}

// UsageRepository owns the usage_tracking, usage_events and usage_charges collections.
type UsageRepository interface {
	// AddUsage atomically increments the record and returns it after the increment.
	AddUsage(ctx context.Context, delta models.UsageDelta) (*models.UsageRecord, error)
	Get(ctx context.Context, userID, period string) (*models.UsageRecord, error)
	// ClaimCharge takes the charge lease; false if another charge is in flight.
	ClaimCharge(ctx context.Context, userID, period string, now time.Time, lease time.Duration) (*models.UsageRecord, bool, error)
	// CompleteCharge subtracts the charged amount and releases the lease.
	CompleteCharge(ctx context.Context, userID, period string, outcome ChargeOutcome) (*models.UsageRecord, error)
	// FailCharge records the failure and releases the lease, leaving the balance intact.
	FailCharge(ctx context.Context, userID, period, reason string, at time.Time) error
	// ReleaseCharge drops the lease without recording anything.
	ReleaseCharge(ctx context.Context, userID, period string) error
	// AppendEvent and AppendCharge keep a caller-supplied ID, so a retried
	// append with the same ID writes nothing. An empty ID gets a fresh one.
	AppendEvent(ctx context.Context, event *models.UsageEvent) error
	AppendCharge(ctx context.Context, charge *models.UsageCharge) error
}

// DailyUsageRepository holds per-user daily request counters.
type DailyUsageRepository interface {
	// IncrementIfBelow increments the counter unless it already reached limit.
	IncrementIfBelow(ctx context.Context, userID, day string, limit int64, at time.Time) (int64, bool, error)
	Get(ctx context.Context, userID, day string) (int64, error)
}

// Repositories bundles every repository the services use.
type Repositories struct {
	Users         UserRepository
	Customers     CustomerRepository
	Subscriptions SubscriptionRepository
	Checkouts     CheckoutSessionRepository
	EmailMarkers  EmailMarkerRepository
	WebhookEvents WebhookEventRepository
	Usage         UsageRepository
	DailyUsage    DailyUsageRepository
}
