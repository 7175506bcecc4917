package core

import (
	"context"
	"time"

	"github.com/example/addonhub/internal/models"
)

// UserService defines the interface for user-related operations.
type UserService interface {
	// GetOrCreate retrieves a user by ID. If the user doesn't exist, it creates a new one with default values.
	GetOrCreate(ctx context.Context, userID, email, displayName, photoURL string) (*models.User, bool, error)
	GetByID(ctx context.Context, userID string) (*models.User, error)
}

// EntitlementService answers "what may this user access".
type EntitlementService interface {
	Resolve(ctx context.Context, userID, email string) (*models.Entitlements, error)
	// Require returns ErrEntitlementRequired when product is not granted.
	Require(ctx context.Context, userID, email string, product models.ProductType) (*models.Entitlements, error)
	// Invalidate drops the cached answer for userID.
	Invalidate(ctx context.Context, userID string)
}

// TrialService decides whether a customer may start a free trial.
type TrialService interface {
	IsTrialEligible(ctx context.Context, stripeCustomerID string) bool
}

// DuplicateGuard enforces at most one live subscription per customer and product.
type DuplicateGuard interface {
	Reconcile(ctx context.Context, stripeCustomerID string, product models.ProductType, triggeringSubID string) (*GuardResult, error)
	HasLive(ctx context.Context, stripeCustomerID string, product models.ProductType) (bool, error)
}

// WebhookService processes verified gateway events exactly once in effect.
type WebhookService interface {
	HandleWebhook(ctx context.Context, payload []byte, signature string) (WebhookOutcome, error)
}

// UsageService meters AI usage and charges when the balance crosses the threshold.
type UsageService interface {
	RecordUsage(ctx context.Context, userID string, in UsageInput) (*UsageResult, error)
	UsageSummary(ctx context.Context, userID string) (*UsageSummary, error)
	UpdateUsageSettings(ctx context.Context, userID string, req models.UpdateUsageSettingsRequest) (*models.UsagePricingSettings, error)
}

// RateLimitService enforces daily request quotas.
type RateLimitService interface {
	CheckAnonymous(ctx context.Context, ip, sessionID string) Decision
	CheckUser(ctx context.Context, userID string, tier models.Tier) Decision
}

// BillingService defines checkout and subscription management operations.
type BillingService interface {
	GetOrCreateCustomer(ctx context.Context, id models.Identity) (string, error)
	CreateCheckoutSession(ctx context.Context, id models.Identity, req models.CheckoutRequest) (*CheckoutResult, error)
	CreatePortalSession(ctx context.Context, userID string) (string, error)
	CancelSubscription(ctx context.Context, userID string, product models.ProductType) (*models.Subscription, error)
	SubscriptionStatus(ctx context.Context, id models.Identity) (*SubscriptionStatus, error)
	TrialStatus(ctx context.Context, id models.Identity) (*TrialInfo, error)
	SyncSubscriptions(ctx context.Context, id models.Identity) (*SyncResult, error)
	VerifyAccess(ctx context.Context, id models.Identity) (*AccessSummary, error)
}

// NotificationService sends the lifecycle emails.
type NotificationService interface {
	SendWelcome(ctx context.Context, userID string, product models.ProductType, trial bool) error
	SendTrialEnding(ctx context.Context, userID string, product models.ProductType, trialEnd time.Time) error
}

// ContentService serves gated add-on scripts.
type ContentService interface {
	ListScripts(ctx context.Context, folder string) ([]ScriptInfo, error)
	Download(ctx context.Context, id models.Identity, key, currentHash string) (*DownloadResult, error)
}

// DeviceService delivers events to the desktop add-on.
type DeviceService interface {
	Register(ctx context.Context, userID, deviceID string) (*DeviceRegistration, error)
	Publish(ctx context.Context, deviceID string, event DeviceEvent) error
	Next(ctx context.Context, userID, deviceID string, timeout time.Duration) (*DeviceEvent, error)
	Disconnect(ctx context.Context, userID, deviceID string) error
}
