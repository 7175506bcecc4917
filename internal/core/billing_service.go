package core

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/example/addonhub/internal/config"
	"github.com/example/addonhub/internal/db"
	"github.com/example/addonhub/internal/gateway"
	"github.com/example/addonhub/internal/models"
)

// CheckoutResult is a checkout session ready for redirect.
type CheckoutResult struct {
	SessionID string `json:"sessionId"`
	URL       string `json:"url"`
	TrialDays int64  `json:"trialDays,omitempty"`
	Reused    bool   `json:"reused"`
}

// TrialInfo describes the user's trial position.
type TrialInfo struct {
	Eligible      bool       `json:"eligible"`
	OnTrial       bool       `json:"onTrial"`
	TrialEnd      *time.Time `json:"trialEnd,omitempty"`
	DaysRemaining int        `json:"daysRemaining"`
}

// Sync actions reported per gateway subscription.
const (
	SyncCreated      = "created"
	SyncUpdated      = "updated"
	SyncUnknownPrice = "skipped_unknown_price"
)

// SyncedSubscription is one gateway subscription seen by a manual sync.
type SyncedSubscription struct {
	ID                 string             `json:"id"`
	ProductType        models.ProductType `json:"productType,omitempty"`
	SubscriptionStatus string             `json:"subscriptionStatus"`
	Action             string             `json:"action"`
}

// SyncResult is the outcome of pulling a customer's subscriptions from the gateway.
type SyncResult struct {
	CustomerID    string               `json:"customerId"`
	Subscriptions []SyncedSubscription `json:"subscriptions"`
	Entitlements  *models.Entitlements `json:"entitlements"`
}

// AccessSummary answers whether the caller currently has access, per product.
type AccessSummary struct {
	HasAccess   bool                        `json:"hasAccess"`
	Products    map[models.ProductType]bool `json:"products"`
	Tier        models.Tier                 `json:"tier"`
	IsDeveloper bool                        `json:"isDeveloper"`
	UserID      string                      `json:"userId"`
	Email       string                      `json:"email,omitempty"`
}

// SubscriptionStatus is the combined account view.
type SubscriptionStatus struct {
	Entitlements  *models.Entitlements   `json:"entitlements"`
	Subscriptions []*models.Subscription `json:"subscriptions"`
	Trial         *TrialInfo             `json:"trial"`
}

type billingService struct {
	users         db.UserRepository
	customers     db.CustomerRepository
	subscriptions db.SubscriptionRepository
	checkouts     db.CheckoutSessionRepository
	gateway       gateway.Gateway
	prices        *config.PriceTable
	entitlements  EntitlementService
	trials        TrialService
	guard         DuplicateGuard
	mirror        *subscriptionMirror
	clientURL     string
	trialDays     int64
	logger        *zap.Logger
	now           func() time.Time
}

// NewBillingService creates the checkout and subscription management service.
func NewBillingService(
	repos *db.Repositories,
	gw gateway.Gateway,
	prices *config.PriceTable,
	entitlements EntitlementService,
	trials TrialService,
	guard DuplicateGuard,
	cfg *config.Config,
	logger *zap.Logger,
) BillingService {
	s := &billingService{
		users:         repos.Users,
		customers:     repos.Customers,
		subscriptions: repos.Subscriptions,
		checkouts:     repos.Checkouts,
		gateway:       gw,
		prices:        prices,
		entitlements:  entitlements,
		trials:        trials,
		guard:         guard,
		clientURL:     cfg.ClientURL,
		trialDays:     cfg.TrialDays,
		logger:        logger,
		now:           utcNow,
	}
	s.mirror = newSubscriptionMirror(repos, prices, logger, func() time.Time { return s.now() })
	return s
}

// GetOrCreateCustomer returns the user's gateway customer id, creating the
// customer record and the gateway customer on first use. Concurrent callers
// converge on one record and one gateway customer.
func (s *billingService) GetOrCreateCustomer(ctx context.Context, id models.Identity) (string, error) {
	customer, err := s.customers.GetByID(ctx, id.UserID)
	if errors.Is(err, db.ErrNotFound) {
		now := s.now()
		fresh := &models.Customer{
			UserID:    id.UserID,
			Email:     id.Email,
			Name:      id.DisplayName,
			CreatedAt: now,
			UpdatedAt: now,
		}
		switch err = s.customers.Create(ctx, fresh); {
		case err == nil:
			customer = fresh
		case errors.Is(err, db.ErrAlreadyExists):
			if customer, err = s.customers.GetByID(ctx, id.UserID); err != nil {
				return "", fmt.Errorf("failed to re-read customer '%s': %w", id.UserID, err)
			}
		default:
			return "", fmt.Errorf("failed to create customer '%s': %w", id.UserID, err)
		}
	} else if err != nil {
		return "", fmt.Errorf("failed to get customer '%s': %w", id.UserID, err)
	}

	if customer.StripeID != "" {
		return customer.StripeID, nil
	}

	stripeID, err := s.gateway.CreateCustomer(ctx, gateway.CustomerParams{
		UserID: id.UserID,
		Email:  id.Email,
		Name:   id.DisplayName,
	})
	if err != nil {
		return "", fmt.Errorf("%w: create customer: %w", ErrGateway, err)
	}
	linked, err := s.customers.LinkStripeID(ctx, id.UserID, stripeID, s.now())
	if err != nil {
		return "", fmt.Errorf("failed to link customer '%s': %w", id.UserID, err)
	}
	if err := s.users.SetStripeCustomerID(ctx, id.UserID, linked); err != nil {
		s.logger.Warn("Failed to mirror customer id on user", zap.String("userID", id.UserID), zap.Error(err))
	}
	s.logger.Info("Gateway customer linked", zap.String("userID", id.UserID), zap.String("customerID", linked))
	return linked, nil
}

func (s *billingService) CreateCheckoutSession(ctx context.Context, id models.Identity, req models.CheckoutRequest) (*CheckoutResult, error) {
	price, ok := s.prices.Lookup(req.PriceID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPrice, req.PriceID)
	}

	customerID, err := s.GetOrCreateCustomer(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := s.ensureNotSubscribed(ctx, id.UserID, customerID, price.Product); err != nil {
		return nil, err
	}

	var trialDays int64
	if req.Trial {
		if s.trials.IsTrialEligible(ctx, customerID) {
			trialDays = s.trialDays
		} else {
			s.logger.Info("Trial requested by ineligible customer, starting paid checkout",
				zap.String("userID", id.UserID), zap.String("customerID", customerID))
		}
	}

	if reused := s.reusableSession(ctx, id.UserID, price.ID, trialDays > 0); reused != nil {
		reused.TrialDays = trialDays
		return reused, nil
	}

	mode := "paid"
	if trialDays > 0 {
		mode = "trial"
	}
	now := s.now()
	session, err := s.gateway.CreateCheckoutSession(ctx, gateway.CheckoutParams{
		CustomerID: customerID,
		UserID:     id.UserID,
		PriceID:    price.ID,
		Product:    price.Product,
		TrialDays:  trialDays,
		SuccessURL: s.clientURL + "/dashboard?session_id={CHECKOUT_SESSION_ID}",
		CancelURL:  s.clientURL + "/pricing",
		IdempotencyKey: fmt.Sprintf("checkout:%s:%s:%s:%s:%s",
			mode, id.UserID, price.Product, price.ID, now.Format(dayLayout)),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: create checkout session: %w", ErrGateway, err)
	}

	err = s.checkouts.Create(ctx, id.UserID, &models.CheckoutSession{
		ID:           session.ID,
		PriceID:      price.ID,
		ProductType:  price.Product,
		Status:       models.CheckoutStatusCreated,
		TrialEnabled: trialDays > 0,
		URL:          session.URL,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if err != nil && !errors.Is(err, db.ErrAlreadyExists) {
		s.logger.Warn("Failed to record checkout session", zap.String("sessionID", session.ID), zap.Error(err))
	}

	s.logger.Info("Checkout session created",
		zap.String("userID", id.UserID),
		zap.String("sessionID", session.ID),
		zap.String("priceID", price.ID),
		zap.Int64("trialDays", trialDays))
	return &CheckoutResult{SessionID: session.ID, URL: session.URL, TrialDays: trialDays}, nil
}

// ensureNotSubscribed checks the mirror first and then the gateway, which also
// sees subscriptions whose webhooks have not landed yet.
func (s *billingService) ensureNotSubscribed(ctx context.Context, userID, customerID string, product models.ProductType) error {
	active, err := s.subscriptions.ListByStatus(ctx, userID, models.EntitledStatuses)
	if err != nil {
		return fmt.Errorf("failed to list subscriptions for '%s': %w", userID, err)
	}
	for _, sub := range active {
		if p, _, ok := s.prices.Classify(sub.PriceIDs()); ok && p == product {
			return fmt.Errorf("%w: %s", ErrAlreadySubscribed, product)
		}
	}

	live, err := s.guard.HasLive(ctx, customerID, product)
	if err != nil {
		return err
	}
	if live {
		return fmt.Errorf("%w: %s", ErrAlreadySubscribed, product)
	}
	return nil
}

func (s *billingService) reusableSession(ctx context.Context, userID, priceID string, trial bool) *CheckoutResult {
	open, err := s.checkouts.ListOpen(ctx, userID, priceID)
	if err != nil {
		s.logger.Warn("Failed to list recorded checkout sessions", zap.String("userID", userID), zap.Error(err))
		return nil
	}
	for _, cs := range open {
		if cs.TrialEnabled != trial {
			continue
		}
		session, err := s.gateway.GetCheckoutSession(ctx, cs.ID)
		if err != nil {
			s.logger.Warn("Failed to retrieve recorded checkout session", zap.String("sessionID", cs.ID), zap.Error(err))
			continue
		}
		if session.Status == gateway.CheckoutOpen && session.URL != "" {
			return &CheckoutResult{SessionID: session.ID, URL: session.URL, Reused: true}
		}
	}
	return nil
}

func (s *billingService) CreatePortalSession(ctx context.Context, userID string) (string, error) {
	customerID, err := s.linkedCustomerID(ctx, userID)
	if err != nil {
		return "", err
	}
	if customerID == "" {
		return "", fmt.Errorf("%w for user %s", ErrUserStripeNotLinked, userID)
	}
	url, err := s.gateway.CreatePortalSession(ctx, customerID, s.clientURL+"/dashboard")
	if err != nil {
		return "", fmt.Errorf("%w: create portal session: %w", ErrGateway, err)
	}
	return url, nil
}

// CancelSubscription schedules cancellation at period end. The webhook that
// follows updates the mirror.
func (s *billingService) CancelSubscription(ctx context.Context, userID string, product models.ProductType) (*models.Subscription, error) {
	if !s.knownProduct(product) {
		return nil, fmt.Errorf("%w: unknown product %q", ErrInvalidRequest, product)
	}
	active, err := s.subscriptions.ListByStatus(ctx, userID, models.EntitledStatuses)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions for '%s': %w", userID, err)
	}

	var canceled *models.Subscription
	for _, sub := range active {
		if p, _, ok := s.prices.Classify(sub.PriceIDs()); !ok || p != product {
			continue
		}
		updated, err := s.gateway.CancelAtPeriodEnd(ctx, sub.ID)
		if err != nil {
			return nil, fmt.Errorf("%w: cancel %s: %w", ErrGateway, sub.ID, err)
		}
		s.logger.Info("Subscription set to cancel at period end",
			zap.String("userID", userID), zap.String("subscriptionID", sub.ID))
		if canceled == nil {
			canceled = updated
		}
	}
	if canceled == nil {
		return nil, fmt.Errorf("%w: no active %s subscription", ErrSubscriptionNotFound, product)
	}
	return canceled, nil
}

func (s *billingService) SubscriptionStatus(ctx context.Context, id models.Identity) (*SubscriptionStatus, error) {
	ents := id.Entitlements
	if ents == nil {
		var err error
		if ents, err = s.entitlements.Resolve(ctx, id.UserID, id.Email); err != nil {
			return nil, err
		}
	}
	subs, err := s.subscriptions.ListByStatus(ctx, id.UserID, models.LiveStatuses)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions for '%s': %w", id.UserID, err)
	}
	trial, err := s.TrialStatus(ctx, id)
	if err != nil {
		return nil, err
	}
	return &SubscriptionStatus{Entitlements: ents, Subscriptions: subs, Trial: trial}, nil
}

// SyncSubscriptions pulls every subscription of the user's gateway customer and
// writes the ones the store is missing or behind on. It recovers subscriptions
// whose webhook arrived before the customer was linked.
func (s *billingService) SyncSubscriptions(ctx context.Context, id models.Identity) (*SyncResult, error) {
	customerID, err := s.linkedCustomerID(ctx, id.UserID)
	if err != nil {
		return nil, err
	}
	if customerID == "" {
		return nil, fmt.Errorf("%w: %s", ErrUserStripeNotLinked, id.UserID)
	}
	subs, err := s.gateway.ListSubscriptions(ctx, customerID)
	if err != nil {
		return nil, fmt.Errorf("%w: list subscriptions: %w", ErrGateway, err)
	}

	log := s.logger.With(zap.String("userID", id.UserID), zap.String("customerID", customerID))
	now := s.now()
	result := &SyncResult{CustomerID: customerID, Subscriptions: []SyncedSubscription{}}
	latest := make(map[models.ProductType]*models.Subscription)
	for _, sub := range subs {
		product, _, ok := s.prices.Classify(sub.PriceIDs())
		if !ok {
			result.Subscriptions = append(result.Subscriptions, SyncedSubscription{
				ID: sub.ID, SubscriptionStatus: sub.Status, Action: SyncUnknownPrice,
			})
			continue
		}
		sub.ProductType = product

		action := SyncUpdated
		if _, err := s.subscriptions.Get(ctx, id.UserID, sub.ID); errors.Is(err, db.ErrNotFound) {
			action = SyncCreated
		} else if err != nil {
			return nil, fmt.Errorf("failed to get subscription '%s': %w", sub.ID, err)
		}

		stored, err := s.mirror.upsert(ctx, id.UserID, sub, now)
		if err != nil {
			return nil, err
		}
		if stored == nil {
			stored = sub
		}
		if cur, ok := latest[product]; !ok || stored.Created.After(cur.Created) {
			latest[product] = stored
		}
		result.Subscriptions = append(result.Subscriptions, SyncedSubscription{
			ID: sub.ID, ProductType: product, SubscriptionStatus: stored.Status, Action: action,
		})
	}

	for product, sub := range latest {
		if err := s.mirror.syncUser(ctx, id.UserID, product, sub, nil); err != nil {
			return nil, err
		}
	}
	s.entitlements.Invalidate(ctx, id.UserID)

	ents, err := s.entitlements.Resolve(ctx, id.UserID, id.Email)
	if err != nil {
		return nil, err
	}
	result.Entitlements = ents
	log.Info("Subscriptions synced from gateway", zap.Int("count", len(result.Subscriptions)))
	return result, nil
}

// VerifyAccess summarizes the caller's entitlements for the desktop add-on.
func (s *billingService) VerifyAccess(ctx context.Context, id models.Identity) (*AccessSummary, error) {
	ents := id.Entitlements
	if ents == nil {
		var err error
		if ents, err = s.entitlements.Resolve(ctx, id.UserID, id.Email); err != nil {
			return nil, err
		}
	}
	summary := &AccessSummary{
		HasAccess:   ents.Any(),
		Products:    make(map[models.ProductType]bool),
		Tier:        ents.Tier,
		IsDeveloper: ents.IsDeveloper,
		UserID:      id.UserID,
		Email:       id.Email,
	}
	for _, p := range s.prices.Products() {
		summary.Products[p] = ents.Has(p)
	}
	return summary, nil
}

func (s *billingService) TrialStatus(ctx context.Context, id models.Identity) (*TrialInfo, error) {
	customerID, err := s.linkedCustomerID(ctx, id.UserID)
	if err != nil {
		return nil, err
	}
	info := &TrialInfo{Eligible: s.trials.IsTrialEligible(ctx, customerID)}

	trialing, err := s.subscriptions.ListByStatus(ctx, id.UserID, []string{models.StatusTrialing})
	if err != nil {
		return nil, fmt.Errorf("failed to list trials for '%s': %w", id.UserID, err)
	}
	now := s.now()
	for _, sub := range trialing {
		if sub.TrialEnd == nil || !sub.TrialEnd.After(now) {
			continue
		}
		if info.TrialEnd == nil || sub.TrialEnd.After(*info.TrialEnd) {
			end := *sub.TrialEnd
			info.OnTrial = true
			info.TrialEnd = &end
			info.DaysRemaining = int(math.Ceil(end.Sub(now).Hours() / 24))
		}
	}
	return info, nil
}

// linkedCustomerID returns "" when the user has no gateway customer yet.
func (s *billingService) linkedCustomerID(ctx context.Context, userID string) (string, error) {
	customer, err := s.customers.GetByID(ctx, userID)
	if err == nil && customer.StripeID != "" {
		return customer.StripeID, nil
	}
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return "", fmt.Errorf("failed to get customer '%s': %w", userID, err)
	}
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("failed to get user '%s': %w", userID, err)
	}
	return user.StripeCustomerID, nil
}

func (s *billingService) knownProduct(product models.ProductType) bool {
	for _, p := range s.prices.Products() {
		if p == product {
			return true
		}
	}
	return false
}
