package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
	"github.com/stripe/stripe-go/v82/webhook"
	"go.uber.org/zap"

	"github.com/example/addonhub/internal/models"
)

// StripeGateway implements Gateway on the Stripe API.
type StripeGateway struct {
	sc            *client.API
	webhookSecret string
	logger        *zap.Logger
}

// NewStripeGateway creates a client with its own HTTP client bounded by timeout.
func NewStripeGateway(secretKey, webhookSecret string, timeout time.Duration, logger *zap.Logger) *StripeGateway {
	backends := stripe.NewBackends(&http.Client{Timeout: timeout})
	return &StripeGateway{
		sc:            client.New(secretKey, backends),
		webhookSecret: webhookSecret,
		logger:        logger,
	}
}

func (g *StripeGateway) ParseEvent(payload []byte, signature string) (*Event, error) {
	ev, err := webhook.ConstructEventWithOptions(payload, signature, g.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignature, err)
	}
	return decodeEvent(ev)
}

func decodeEvent(ev stripe.Event) (*Event, error) {
	out := &Event{
		ID:      ev.ID,
		Type:    string(ev.Type),
		Created: unixTime(ev.Created),
	}
	if ev.Data == nil {
		return out, nil
	}

	switch out.Type {
	case EventSubscriptionCreated, EventSubscriptionUpdated, EventSubscriptionDeleted, EventSubscriptionTrialEnding:
		var s stripe.Subscription
		if err := json.Unmarshal(ev.Data.Raw, &s); err != nil {
			return nil, fmt.Errorf("%w: subscription: %v", ErrMalformedEvent, err)
		}
		out.Subscription = toSubscription(&s)
		applyLegacySubscription(out.Subscription, ev.Data.Raw)
	case EventInvoicePaymentSucceeded, EventInvoicePaymentFailed:
		var inv stripe.Invoice
		if err := json.Unmarshal(ev.Data.Raw, &inv); err != nil {
			return nil, fmt.Errorf("%w: invoice: %v", ErrMalformedEvent, err)
		}
		out.Invoice = toInvoice(&inv)
		applyLegacyInvoice(out.Invoice, ev.Data.Raw)
	case EventCheckoutCompleted:
		var cs stripe.CheckoutSession
		if err := json.Unmarshal(ev.Data.Raw, &cs); err != nil {
			return nil, fmt.Errorf("%w: checkout session: %v", ErrMalformedEvent, err)
		}
		out.Checkout = toCheckoutCompleted(&cs)
	}
	return out, nil
}

func (g *StripeGateway) ListSubscriptions(ctx context.Context, customerID string) ([]*models.Subscription, error) {
	params := &stripe.SubscriptionListParams{
		Customer: stripe.String(customerID),
		Status:   stripe.String("all"),
	}
	params.Context = ctx
	params.Filters.AddFilter("limit", "", "100")

	var subs []*models.Subscription
	it := g.sc.Subscriptions.List(params)
	for it.Next() {
		subs = append(subs, toSubscription(it.Subscription()))
	}
	if err := it.Err(); err != nil {
		return nil, wrapStripeError("list subscriptions", err)
	}
	return subs, nil
}

func (g *StripeGateway) GetSubscription(ctx context.Context, subscriptionID string) (*models.Subscription, error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	s, err := g.sc.Subscriptions.Get(subscriptionID, params)
	if err != nil {
		return nil, wrapStripeError("get subscription", err)
	}
	return toSubscription(s), nil
}

// CancelSubscription treats a subscription that turns out to be canceled already as ErrAlreadyCanceled.
func (g *StripeGateway) CancelSubscription(ctx context.Context, subscriptionID string) error {
	params := &stripe.SubscriptionCancelParams{}
	params.Context = ctx
	_, err := g.sc.Subscriptions.Cancel(subscriptionID, params)
	if err == nil {
		return nil
	}
	current, getErr := g.GetSubscription(ctx, subscriptionID)
	if getErr == nil && current.Status == models.StatusCanceled {
		return ErrAlreadyCanceled
	}
	return wrapStripeError("cancel subscription", err)
}

func (g *StripeGateway) CancelAtPeriodEnd(ctx context.Context, subscriptionID string) (*models.Subscription, error) {
	params := &stripe.SubscriptionParams{CancelAtPeriodEnd: stripe.Bool(true)}
	params.Context = ctx
	s, err := g.sc.Subscriptions.Update(subscriptionID, params)
	if err != nil {
		return nil, wrapStripeError("schedule cancellation", err)
	}
	return toSubscription(s), nil
}

func (g *StripeGateway) CreateCustomer(ctx context.Context, p CustomerParams) (string, error) {
	params := &stripe.CustomerParams{Email: stripe.String(p.Email)}
	if p.Name != "" {
		params.Name = stripe.String(p.Name)
	}
	params.Context = ctx
	params.AddMetadata("firebaseUID", p.UserID)
	params.SetIdempotencyKey("customer:" + p.UserID)

	c, err := g.sc.Customers.New(params)
	if err != nil {
		return "", wrapStripeError("create customer", err)
	}
	return c.ID, nil
}

func (g *StripeGateway) CreateCheckoutSession(ctx context.Context, p CheckoutParams) (*CheckoutSession, error) {
	subData := &stripe.CheckoutSessionSubscriptionDataParams{
		Metadata: map[string]string{
			"firebaseUID": p.UserID,
			"productType": string(p.Product),
		},
	}
	if p.TrialDays > 0 {
		subData.TrialPeriodDays = stripe.Int64(p.TrialDays)
	}
	params := &stripe.CheckoutSessionParams{
		Customer:          stripe.String(p.CustomerID),
		ClientReferenceID: stripe.String(p.UserID),
		Mode:              stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{Price: stripe.String(p.PriceID), Quantity: stripe.Int64(1)},
		},
		SubscriptionData: subData,
		SuccessURL:       stripe.String(p.SuccessURL),
		CancelURL:        stripe.String(p.CancelURL),
	}
	params.Context = ctx
	params.AddMetadata("firebaseUID", p.UserID)
	params.AddMetadata("productType", string(p.Product))
	if p.IdempotencyKey != "" {
		params.SetIdempotencyKey(p.IdempotencyKey)
	}

	cs, err := g.sc.CheckoutSessions.New(params)
	if err != nil {
		return nil, wrapStripeError("create checkout session", err)
	}
	return &CheckoutSession{ID: cs.ID, URL: cs.URL, Status: string(cs.Status)}, nil
}

func (g *StripeGateway) GetCheckoutSession(ctx context.Context, sessionID string) (*CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	cs, err := g.sc.CheckoutSessions.Get(sessionID, params)
	if err != nil {
		return nil, wrapStripeError("get checkout session", err)
	}
	return &CheckoutSession{ID: cs.ID, URL: cs.URL, Status: string(cs.Status)}, nil
}

func (g *StripeGateway) CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	params := &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(returnURL),
	}
	params.Context = ctx
	s, err := g.sc.BillingPortalSessions.New(params)
	if err != nil {
		return "", wrapStripeError("create portal session", err)
	}
	return s.URL, nil
}

func (g *StripeGateway) ChargeOffSession(ctx context.Context, p ChargeParams) (*Charge, error) {
	cparams := &stripe.CustomerParams{}
	cparams.Context = ctx
	cparams.AddExpand("invoice_settings.default_payment_method")
	cust, err := g.sc.Customers.Get(p.CustomerID, cparams)
	if err != nil {
		return nil, wrapStripeError("get customer", err)
	}
	if cust.InvoiceSettings == nil || cust.InvoiceSettings.DefaultPaymentMethod == nil {
		return nil, ErrNoPaymentMethod
	}

	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(p.AmountCents),
		Currency:      stripe.String(p.Currency),
		Customer:      stripe.String(p.CustomerID),
		PaymentMethod: stripe.String(cust.InvoiceSettings.DefaultPaymentMethod.ID),
		OffSession:    stripe.Bool(true),
		Confirm:       stripe.Bool(true),
		Description:   stripe.String(p.Description),
	}
	params.Context = ctx
	for k, v := range p.Metadata {
		params.AddMetadata(k, v)
	}
	if p.IdempotencyKey != "" {
		params.SetIdempotencyKey(p.IdempotencyKey)
	}

	pi, err := g.sc.PaymentIntents.New(params)
	if err != nil {
		return nil, wrapStripeError("create payment intent", err)
	}
	g.logger.Info("Off-session payment intent created",
		zap.String("customerId", p.CustomerID),
		zap.String("paymentIntentId", pi.ID),
		zap.String("status", string(pi.Status)))
	return &Charge{PaymentIntentID: pi.ID, Status: string(pi.Status)}, nil
}

func wrapStripeError(op string, err error) error {
	var se *stripe.Error
	if errors.As(err, &se) {
		if se.Code == stripe.ErrorCodeResourceMissing {
			return fmt.Errorf("%s: %w: %s", op, ErrNotFound, se.Msg)
		}
		return fmt.Errorf("%s: stripe %s (%d): %w", op, se.Type, se.HTTPStatusCode, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
