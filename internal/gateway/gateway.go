// Package gateway adapts the payment provider to the normalized types the
// reconciliation services work with.
package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/example/addonhub/internal/models"
)

var (
	// ErrSignature is returned when a webhook payload fails verification.
	ErrSignature = errors.New("invalid webhook signature")
	// ErrAlreadyCanceled is returned when canceling a subscription that is already canceled.
	ErrAlreadyCanceled = errors.New("subscription already canceled")
	// ErrNotFound is returned when the provider has no such object.
	ErrNotFound = errors.New("gateway object not found")
	// ErrNoPaymentMethod is returned when an off-session charge has no default payment method.
	ErrNoPaymentMethod = errors.New("customer has no default payment method")
	// ErrMalformedEvent is returned when a verified event cannot be decoded.
	ErrMalformedEvent = errors.New("malformed webhook event")
)

// Event types the webhook processor acts on.
const (
	EventCheckoutCompleted       = "checkout.session.completed"
	EventSubscriptionCreated     = "customer.subscription.created"
	EventSubscriptionUpdated     = "customer.subscription.updated"
	EventSubscriptionDeleted     = "customer.subscription.deleted"
	EventSubscriptionTrialEnding = "customer.subscription.trial_will_end"
	EventInvoicePaymentSucceeded = "invoice.payment_succeeded"
	EventInvoicePaymentFailed    = "invoice.payment_failed"
)

// Event is a verified webhook delivery. Exactly one of the payload fields is set
// for the types above; unknown types carry none.
type Event struct {
	ID           string
	Type         string
	Created      time.Time
	Subscription *models.Subscription
	Invoice      *Invoice
	Checkout     *CheckoutCompleted
}

// Invoice is the part of an invoice the processor needs.
type Invoice struct {
	ID             string
	CustomerID     string
	SubscriptionID string
	BillingReason  string
	AmountPaid     int64
	Currency       string
	PriceIDs       []string
}

// CheckoutCompleted is a completed checkout session.
type CheckoutCompleted struct {
	SessionID         string
	CustomerID        string
	SubscriptionID    string
	ClientReferenceID string
	Metadata          map[string]string
}

// UserID returns the uid the session was started for.
func (c *CheckoutCompleted) UserID() string {
	if c.ClientReferenceID != "" {
		return c.ClientReferenceID
	}
	return c.Metadata["firebaseUID"]
}

// CustomerParams creates a provider customer.
type CustomerParams struct {
	UserID string
	Email  string
	Name   string
}

// CheckoutParams creates a subscription checkout session.
type CheckoutParams struct {
	CustomerID     string
	UserID         string
	PriceID        string
	Product        models.ProductType
	TrialDays      int64
	SuccessURL     string
	CancelURL      string
	IdempotencyKey string
}

// CheckoutSession is a provider checkout session.
type CheckoutSession struct {
	ID     string
	URL    string
	Status string // open | complete | expired
}

// Checkout session statuses reported by the provider.
const (
	CheckoutOpen     = "open"
	CheckoutComplete = "complete"
	CheckoutExpired  = "expired"
)

// ChargeParams is an off-session charge against the customer's default payment method.
type ChargeParams struct {
	CustomerID     string
	AmountCents    int64
	Currency       string
	Description    string
	IdempotencyKey string
	Metadata       map[string]string
}

// Charge is the result of ChargeOffSession.
type Charge struct {
	PaymentIntentID string
	Status          string
}

// Gateway is the payment provider as seen by the services.
type Gateway interface {
	// ParseEvent verifies the signature and decodes the event.
	ParseEvent(payload []byte, signature string) (*Event, error)
	// ListSubscriptions returns every subscription of the customer in any status.
	ListSubscriptions(ctx context.Context, customerID string) ([]*models.Subscription, error)
	GetSubscription(ctx context.Context, subscriptionID string) (*models.Subscription, error)
	// CancelSubscription cancels immediately.
	CancelSubscription(ctx context.Context, subscriptionID string) error
	CancelAtPeriodEnd(ctx context.Context, subscriptionID string) (*models.Subscription, error)
	CreateCustomer(ctx context.Context, params CustomerParams) (string, error)
	CreateCheckoutSession(ctx context.Context, params CheckoutParams) (*CheckoutSession, error)
	GetCheckoutSession(ctx context.Context, sessionID string) (*CheckoutSession, error)
	CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error)
	ChargeOffSession(ctx context.Context, params ChargeParams) (*Charge, error)
}
