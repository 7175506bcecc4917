package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/example/addonhub/internal/config"
	"github.com/example/addonhub/internal/db"
	"github.com/example/addonhub/internal/gateway"
	"github.com/example/addonhub/internal/models"
)

// WebhookOutcome tells the HTTP layer how a delivery ended. Every outcome maps to 200.
type WebhookOutcome string

const (
	OutcomeApplied   WebhookOutcome = "applied"
	OutcomeDuplicate WebhookOutcome = "duplicate"
	OutcomeInFlight  WebhookOutcome = "in_flight"
	OutcomeIgnored   WebhookOutcome = "ignored"
)

// Billing reasons that always refresh the mirrored subscription on payment.
const (
	billingReasonCycle  = "subscription_cycle"
	billingReasonCreate = "subscription_create"
)

var errUnknownCustomer = errors.New("no user linked to gateway customer")

type webhookService struct {
	gateway       gateway.Gateway
	users         db.UserRepository
	customers     db.CustomerRepository
	checkouts     db.CheckoutSessionRepository
	markers       db.EmailMarkerRepository
	events        db.WebhookEventRepository
	prices        *config.PriceTable
	guard         DuplicateGuard
	entitlements  EntitlementService
	notifications NotificationService
	mirror        *subscriptionMirror
	lease         time.Duration
	logger        *zap.Logger
	now           func() time.Time
}

// NewWebhookService creates the webhook processor.
func NewWebhookService(
	gw gateway.Gateway,
	repos *db.Repositories,
	prices *config.PriceTable,
	guard DuplicateGuard,
	entitlements EntitlementService,
	notifications NotificationService,
	lease time.Duration,
	logger *zap.Logger,
) WebhookService {
	s := &webhookService{
		gateway:       gw,
		users:         repos.Users,
		customers:     repos.Customers,
		checkouts:     repos.Checkouts,
		markers:       repos.EmailMarkers,
		events:        repos.WebhookEvents,
		prices:        prices,
		guard:         guard,
		entitlements:  entitlements,
		notifications: notifications,
		lease:         lease,
		logger:        logger,
		now:           utcNow,
	}
	s.mirror = newSubscriptionMirror(repos, prices, logger, func() time.Time { return s.now() })
	return s
}

// HandleWebhook verifies, claims and applies one delivery. A returned
// ErrWebhookProcessing means the ledger entry is failed and the provider should
// redeliver.
func (s *webhookService) HandleWebhook(ctx context.Context, payload []byte, signature string) (WebhookOutcome, error) {
	event, err := s.gateway.ParseEvent(payload, signature)
	if err != nil {
		if errors.Is(err, gateway.ErrSignature) {
			return "", fmt.Errorf("%w: %w", ErrWebhookSignature, err)
		}
		return "", fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	log := s.logger.With(zap.String("eventID", event.ID), zap.String("eventType", event.Type))

	claim, err := s.events.Claim(ctx, event.ID, event.Type, s.now(), s.lease)
	if err != nil {
		return "", fmt.Errorf("%w: ledger claim: %w", ErrWebhookProcessing, err)
	}
	switch claim {
	case db.ClaimAlreadyApplied:
		log.Info("Duplicate webhook delivery skipped")
		return OutcomeDuplicate, nil
	case db.ClaimInFlight:
		log.Info("Webhook delivery already in flight")
		return OutcomeInFlight, nil
	}

	userID, handled, err := s.dispatch(ctx, event)
	if err != nil {
		log.Error("Webhook handler failed", zap.Error(err))
		if markErr := s.events.MarkFailed(ctx, event.ID, err.Error(), s.now()); markErr != nil {
			log.Error("Failed to mark webhook event failed", zap.Error(markErr))
		}
		return "", fmt.Errorf("%w: %s: %w", ErrWebhookProcessing, event.Type, err)
	}

	if userID != "" {
		s.entitlements.Invalidate(ctx, userID)
	}
	if err := s.events.MarkApplied(ctx, event.ID, s.now()); err != nil {
		// Handlers are idempotent, so a redelivery reapplies safely.
		return "", fmt.Errorf("%w: mark applied: %w", ErrWebhookProcessing, err)
	}

	if !handled {
		log.Debug("Webhook event ignored")
		return OutcomeIgnored, nil
	}
	log.Info("Webhook event applied", zap.String("userID", userID))
	return OutcomeApplied, nil
}

// dispatch returns the affected user (if any) and whether the event was acted on.
func (s *webhookService) dispatch(ctx context.Context, ev *gateway.Event) (string, bool, error) {
	switch ev.Type {
	case gateway.EventCheckoutCompleted:
		return s.handleCheckoutCompleted(ctx, ev)
	case gateway.EventSubscriptionCreated:
		return s.handleSubscriptionCreated(ctx, ev)
	case gateway.EventSubscriptionUpdated:
		return s.handleSubscriptionUpdated(ctx, ev)
	case gateway.EventSubscriptionDeleted:
		return s.handleSubscriptionDeleted(ctx, ev)
	case gateway.EventSubscriptionTrialEnding:
		return s.handleTrialEnding(ctx, ev)
	case gateway.EventInvoicePaymentSucceeded:
		return s.handlePaymentSucceeded(ctx, ev)
	case gateway.EventInvoicePaymentFailed:
		if ev.Invoice != nil {
			s.logger.Warn("Invoice payment failed",
				zap.String("invoiceID", ev.Invoice.ID),
				zap.String("customerID", ev.Invoice.CustomerID),
				zap.String("subscriptionID", ev.Invoice.SubscriptionID))
		}
		return "", true, nil
	}
	return "", false, nil
}

func (s *webhookService) handleCheckoutCompleted(ctx context.Context, ev *gateway.Event) (string, bool, error) {
	co := ev.Checkout
	if co == nil {
		return "", false, gateway.ErrMalformedEvent
	}
	userID := co.UserID()
	if userID == "" {
		s.logger.Warn("Checkout session without user reference", zap.String("sessionID", co.SessionID))
		return "", false, nil
	}

	if co.CustomerID != "" {
		linked, err := s.customers.LinkStripeID(ctx, userID, co.CustomerID, s.now())
		if err != nil {
			return "", false, fmt.Errorf("link customer: %w", err)
		}
		if linked != co.CustomerID {
			s.logger.Warn("User already linked to another gateway customer",
				zap.String("userID", userID), zap.String("linked", linked), zap.String("incoming", co.CustomerID))
		}
		if err := s.users.SetStripeCustomerID(ctx, userID, linked); err != nil {
			return "", false, fmt.Errorf("mirror customer id: %w", err)
		}
	}
	if co.SessionID != "" {
		if err := s.checkouts.MarkCompleted(ctx, userID, co.SessionID, s.now()); err != nil {
			return "", false, fmt.Errorf("mark checkout completed: %w", err)
		}
	}
	return userID, true, nil
}

func (s *webhookService) handleSubscriptionCreated(ctx context.Context, ev *gateway.Event) (string, bool, error) {
	sub, product, userID, ok, err := s.subscriptionContext(ctx, ev)
	if err != nil || !ok {
		return "", false, err
	}

	res, err := s.guard.Reconcile(ctx, sub.CustomerID, product, sub.ID)
	if err != nil {
		return "", false, fmt.Errorf("duplicate guard: %w", err)
	}
	if res.TriggerCanceled {
		s.logger.Info("Created subscription was a duplicate and has been canceled",
			zap.String("subscriptionID", sub.ID), zap.String("kept", res.Kept))
		return userID, true, nil
	}

	stored, err := s.mirror.upsert(ctx, userID, sub, ev.Created)
	if err != nil {
		return "", false, err
	}
	if err := s.mirror.syncUser(ctx, userID, product, stored, nil); err != nil {
		return "", false, err
	}

	if models.IsEntitledStatus(stored.Status) {
		if err := s.sendOnce(ctx, userID, "welcome_"+sub.ID, "welcome", sub.ID, func() error {
			return s.notifications.SendWelcome(ctx, userID, product, stored.Status == models.StatusTrialing)
		}); err != nil {
			return "", false, err
		}
	}
	return userID, true, nil
}

func (s *webhookService) handleSubscriptionUpdated(ctx context.Context, ev *gateway.Event) (string, bool, error) {
	sub, product, userID, ok, err := s.subscriptionContext(ctx, ev)
	if err != nil || !ok {
		return "", false, err
	}
	stored, err := s.mirror.upsert(ctx, userID, sub, ev.Created)
	if err != nil {
		return "", false, err
	}
	if err := s.mirror.syncUser(ctx, userID, product, stored, nil); err != nil {
		return "", false, err
	}
	return userID, true, nil
}

func (s *webhookService) handleSubscriptionDeleted(ctx context.Context, ev *gateway.Event) (string, bool, error) {
	sub, product, userID, ok, err := s.subscriptionContext(ctx, ev)
	if err != nil || !ok {
		return "", false, err
	}
	sub.Status = models.StatusCanceled
	if sub.EndedAt == nil {
		ended := ev.Created
		sub.EndedAt = &ended
	}
	stored, err := s.mirror.upsert(ctx, userID, sub, ev.Created)
	if err != nil {
		return "", false, err
	}
	if err := s.mirror.syncUser(ctx, userID, product, stored, nil); err != nil {
		return "", false, err
	}
	return userID, true, nil
}

func (s *webhookService) handleTrialEnding(ctx context.Context, ev *gateway.Event) (string, bool, error) {
	sub, product, userID, ok, err := s.subscriptionContext(ctx, ev)
	if err != nil || !ok {
		return "", false, err
	}
	if sub.TrialEnd == nil {
		return userID, true, nil
	}
	trialEnd := *sub.TrialEnd
	err = s.sendOnce(ctx, userID, "trial_end_"+sub.ID, "trial_end", sub.ID, func() error {
		return s.notifications.SendTrialEnding(ctx, userID, product, trialEnd)
	})
	if err != nil {
		return "", false, err
	}
	return userID, true, nil
}

func (s *webhookService) handlePaymentSucceeded(ctx context.Context, ev *gateway.Event) (string, bool, error) {
	inv := ev.Invoice
	if inv == nil {
		return "", false, gateway.ErrMalformedEvent
	}
	if inv.SubscriptionID == "" {
		return "", false, nil
	}

	canonical, err := s.gateway.GetSubscription(ctx, inv.SubscriptionID)
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			s.logger.Warn("Paid invoice references unknown subscription",
				zap.String("invoiceID", inv.ID), zap.String("subscriptionID", inv.SubscriptionID))
			return "", false, nil
		}
		return "", false, fmt.Errorf("%w: fetch subscription: %w", ErrGateway, err)
	}

	if inv.BillingReason != billingReasonCycle && inv.BillingReason != billingReasonCreate &&
		!models.IsEntitledStatus(canonical.Status) {
		return "", false, nil
	}

	product, _, ok := s.prices.Classify(canonical.PriceIDs())
	if !ok {
		s.logger.Warn("Paid subscription has no known price", zap.String("subscriptionID", canonical.ID))
		return "", false, nil
	}
	customerID := canonical.CustomerID
	if customerID == "" {
		customerID = inv.CustomerID
	}
	userID, err := s.resolveUser(ctx, customerID, canonical.Metadata)
	if errors.Is(err, errUnknownCustomer) {
		s.logger.Warn("Paid invoice for unknown customer", zap.String("customerID", customerID))
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}

	paidAt := ev.Created
	canonical.ProductType = product
	canonical.LastPaymentAt = &paidAt
	canonical.LastPaymentAmount = inv.AmountPaid
	canonical.LastPaymentCurrency = inv.Currency

	stored, err := s.mirror.upsert(ctx, userID, canonical, ev.Created)
	if err != nil {
		return "", false, err
	}
	if err := s.mirror.syncUser(ctx, userID, product, stored, &paidAt); err != nil {
		return "", false, err
	}
	return userID, true, nil
}

// subscriptionContext classifies the event's subscription and resolves its
// owner. ok is false when the event does not concern a known product or user.
func (s *webhookService) subscriptionContext(ctx context.Context, ev *gateway.Event) (*models.Subscription, models.ProductType, string, bool, error) {
	sub := ev.Subscription
	if sub == nil {
		return nil, "", "", false, gateway.ErrMalformedEvent
	}
	product, _, ok := s.prices.Classify(sub.PriceIDs())
	if !ok {
		s.logger.Warn("Subscription has no known price, skipping",
			zap.String("subscriptionID", sub.ID), zap.Strings("priceIDs", sub.PriceIDs()))
		return nil, "", "", false, nil
	}
	sub.ProductType = product

	userID, err := s.resolveUser(ctx, sub.CustomerID, sub.Metadata)
	if errors.Is(err, errUnknownCustomer) {
		s.logger.Warn("Subscription for unknown customer, skipping",
			zap.String("subscriptionID", sub.ID), zap.String("customerID", sub.CustomerID))
		return nil, "", "", false, nil
	}
	if err != nil {
		return nil, "", "", false, err
	}
	return sub, product, userID, true, nil
}

// resolveUser maps a gateway customer to a uid, linking it from the
// firebaseUID metadata when no customer record carries it yet.
func (s *webhookService) resolveUser(ctx context.Context, customerID string, metadata map[string]string) (string, error) {
	if customerID != "" {
		customer, err := s.customers.FindByStripeID(ctx, customerID)
		if err == nil {
			return customer.UserID, nil
		}
		if !errors.Is(err, db.ErrNotFound) {
			return "", fmt.Errorf("customer lookup: %w", err)
		}
	}

	userID := metadata["firebaseUID"]
	if userID == "" || customerID == "" {
		return "", errUnknownCustomer
	}
	linked, err := s.customers.LinkStripeID(ctx, userID, customerID, s.now())
	if err != nil {
		return "", fmt.Errorf("link customer: %w", err)
	}
	if linked != customerID {
		s.logger.Warn("Metadata user already linked to another gateway customer",
			zap.String("userID", userID), zap.String("linked", linked), zap.String("incoming", customerID))
	}
	return userID, nil
}

// sendOnce gates a one-time email on an atomically created marker. A send
// failure after the marker exists is logged, not retried.
func (s *webhookService) sendOnce(ctx context.Context, userID, markerID, kind, subscriptionID string, send func() error) error {
	created, err := s.markers.CreateMarker(ctx, userID, markerID, models.EmailMarker{
		Kind:           kind,
		SubscriptionID: subscriptionID,
		Sent:           true,
		CreatedAt:      s.now(),
	})
	if err != nil {
		return fmt.Errorf("email marker %s: %w", markerID, err)
	}
	if !created {
		return nil
	}
	if err := send(); err != nil {
		s.logger.Error("Failed to send email", zap.String("marker", markerID), zap.String("userID", userID), zap.Error(err))
	}
	return nil
}
