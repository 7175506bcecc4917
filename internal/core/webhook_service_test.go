package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/example/addonhub/internal/db"
	"github.com/example/addonhub/internal/gateway"
	"github.com/example/addonhub/internal/models"
	"github.com/example/addonhub/pkg/cache"
)

type webhookFixture struct {
	t        *testing.T
	repos    *db.Repositories
	gw       *mockGateway
	notifier *mockNotifier
	ents     EntitlementService
	svc      WebhookService
}

func newWebhookFixture(t *testing.T) *webhookFixture {
	t.Helper()
	ctx := context.Background()
	repos := db.NewMemoryStore().Repositories()
	gw := &mockGateway{}
	notifier := &mockNotifier{}
	prices := testPrices(t)
	logger := zaptest.NewLogger(t)

	ents := NewEntitlementService(repos, prices, cache.NewMemoryCache(100), time.Minute, logger)
	guard := NewDuplicateGuard(gw, prices, logger)
	svc := NewWebhookService(gw, repos, prices, guard, ents, notifier, 2*time.Minute, logger).(*webhookService)
	svc.now = fixedNow

	require.NoError(t, repos.Users.Create(ctx, &models.User{ID: "uid1", Email: "a@example.com", StripeRole: "free"}))
	require.NoError(t, repos.Customers.Create(ctx, &models.Customer{UserID: "uid1", StripeID: "cus_1", Email: "a@example.com"}))

	return &webhookFixture{t: t, repos: repos, gw: gw, notifier: notifier, ents: ents, svc: svc}
}

// expect registers ev as the parse result of its own id as payload.
func (f *webhookFixture) expect(ev *gateway.Event) {
	f.gw.On("ParseEvent", []byte(ev.ID), "sig").Return(ev, nil)
}

func (f *webhookFixture) deliver(ev *gateway.Event) (WebhookOutcome, error) {
	return f.svc.HandleWebhook(context.Background(), []byte(ev.ID), "sig")
}

func (f *webhookFixture) user(id string) *models.User {
	u, err := f.repos.Users.GetByID(context.Background(), id)
	require.NoError(f.t, err)
	return u
}

func (f *webhookFixture) stored(subID string) *models.Subscription {
	sub, err := f.repos.Subscriptions.Get(context.Background(), "uid1", subID)
	require.NoError(f.t, err)
	return sub
}

func subEvent(id, typ string, created time.Time, sub *models.Subscription) *gateway.Event {
	return &gateway.Event{ID: id, Type: typ, Created: created, Subscription: sub}
}

func TestWebhookRedeliveryAppliesOnce(t *testing.T) {
	f := newWebhookFixture(t)
	sub := newSub("sub_1", "cus_1", models.StatusTrialing, priceBlenderBinMonthly, testNow)
	sub.TrialStart = timePtr(testNow)
	sub.TrialEnd = timePtr(testNow.AddDate(0, 0, 7))
	ev := subEvent("evt_created", gateway.EventSubscriptionCreated, testNow, sub)
	f.expect(ev)
	f.gw.On("ListSubscriptions", mock.Anything, "cus_1").Return([]*models.Subscription{sub}, nil)
	f.notifier.On("SendWelcome", mock.Anything, "uid1", productBlenderBin, true).Return(nil)

	outcome, err := f.deliver(ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	for i := 0; i < 4; i++ {
		outcome, err = f.deliver(ev)
		require.NoError(t, err)
		assert.Equal(t, OutcomeDuplicate, outcome)
	}

	f.notifier.AssertNumberOfCalls(t, "SendWelcome", 1)
	f.gw.AssertNumberOfCalls(t, "ListSubscriptions", 1)

	u := f.user("uid1")
	assert.Equal(t, "pro", u.StripeRole)
	assert.Equal(t, models.StatusTrialing, u.SubscriptionStatus)
	assert.Equal(t, "sub_1", u.SubscriptionID)
	assert.Equal(t, "pro", u.ProductRoles[string(productBlenderBin)])

	stored := f.stored("sub_1")
	assert.Equal(t, productBlenderBin, stored.ProductType)
	assert.Equal(t, testNow, stored.LastEventAt)

	ent, err := f.ents.Resolve(context.Background(), "uid1", "")
	require.NoError(t, err)
	assert.True(t, ent.Has(productBlenderBin))
}

func TestWebhookResubscribeRestoresAccessThroughCache(t *testing.T) {
	ctx := context.Background()
	f := newWebhookFixture(t)
	old := newSub("sub_old", "cus_1", models.StatusCanceled, priceBlenderBinMonthly, testNow.AddDate(0, -2, 0))
	putSub(t, f.repos, "uid1", old)

	// Cached as free before the new subscription lands.
	ent, err := f.ents.Resolve(ctx, "uid1", "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, models.TierFree, ent.Tier)
	assert.False(t, ent.Has(productBlenderBin))

	sub := newSub("sub_new", "cus_1", models.StatusActive, priceBlenderBinMonthly, testNow)
	ev := subEvent("evt_resubscribe", gateway.EventSubscriptionCreated, testNow, sub)
	f.expect(ev)
	f.gw.On("ListSubscriptions", mock.Anything, "cus_1").Return([]*models.Subscription{sub, old}, nil)
	f.notifier.On("SendWelcome", mock.Anything, "uid1", productBlenderBin, false).Return(nil)

	outcome, err := f.deliver(ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	ent, err = f.ents.Resolve(ctx, "uid1", "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, models.TierPro, ent.Tier)
	assert.True(t, ent.Has(productBlenderBin))

	u := f.user("uid1")
	assert.Equal(t, "pro", u.StripeRole)
	assert.Equal(t, models.StatusActive, u.SubscriptionStatus)
	assert.Equal(t, "sub_new", u.SubscriptionID)
}

func TestWebhookWelcomeNotResentForNewEvent(t *testing.T) {
	f := newWebhookFixture(t)
	sub := newSub("sub_1", "cus_1", models.StatusActive, priceBlenderBinMonthly, testNow)
	first := subEvent("evt_a", gateway.EventSubscriptionCreated, testNow, sub)
	second := subEvent("evt_b", gateway.EventSubscriptionCreated, testNow, sub)
	f.expect(first)
	f.expect(second)
	f.gw.On("ListSubscriptions", mock.Anything, "cus_1").Return([]*models.Subscription{sub}, nil)
	f.notifier.On("SendWelcome", mock.Anything, "uid1", productBlenderBin, false).Return(nil)

	_, err := f.deliver(first)
	require.NoError(t, err)
	_, err = f.deliver(second)
	require.NoError(t, err)

	f.notifier.AssertNumberOfCalls(t, "SendWelcome", 1)
}

func TestWebhookFailedDeliveryIsRetried(t *testing.T) {
	f := newWebhookFixture(t)
	sub := newSub("sub_1", "cus_1", models.StatusActive, priceBlenderBinMonthly, testNow)
	ev := subEvent("evt_retry", gateway.EventSubscriptionCreated, testNow, sub)
	f.expect(ev)
	f.gw.On("ListSubscriptions", mock.Anything, "cus_1").Return(nil, errors.New("gateway timeout")).Once()
	f.gw.On("ListSubscriptions", mock.Anything, "cus_1").Return([]*models.Subscription{sub}, nil)
	f.notifier.On("SendWelcome", mock.Anything, "uid1", productBlenderBin, false).Return(nil)

	_, err := f.deliver(ev)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrWebhookProcessing)

	entry, err := f.repos.WebhookEvents.Get(context.Background(), "evt_retry")
	require.NoError(t, err)
	assert.Equal(t, models.WebhookStatusFailed, entry.Status)
	assert.NotEmpty(t, entry.LastError)

	outcome, err := f.deliver(ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	entry, err = f.repos.WebhookEvents.Get(context.Background(), "evt_retry")
	require.NoError(t, err)
	assert.Equal(t, models.WebhookStatusApplied, entry.Status)
	assert.Equal(t, int64(2), entry.Attempts)
	assert.Equal(t, "pro", f.user("uid1").StripeRole)
}

func TestWebhookInFlightDelivery(t *testing.T) {
	f := newWebhookFixture(t)
	ev := subEvent("evt_busy", gateway.EventSubscriptionUpdated, testNow,
		newSub("sub_1", "cus_1", models.StatusActive, priceBlenderBinMonthly, testNow))
	f.expect(ev)

	_, err := f.repos.WebhookEvents.Claim(context.Background(), ev.ID, ev.Type, testNow, time.Minute)
	require.NoError(t, err)

	outcome, err := f.deliver(ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeInFlight, outcome)
}

func TestWebhookBadSignature(t *testing.T) {
	f := newWebhookFixture(t)
	f.gw.On("ParseEvent", []byte("payload"), "bad").Return(nil, gateway.ErrSignature)

	_, err := f.svc.HandleWebhook(context.Background(), []byte("payload"), "bad")
	assert.ErrorIs(t, err, ErrWebhookSignature)
}

func TestWebhookStaleUpdateSkipped(t *testing.T) {
	f := newWebhookFixture(t)
	newer := newSub("sub_1", "cus_1", models.StatusActive, priceBlenderBinMonthly, testNow)
	older := newSub("sub_1", "cus_1", models.StatusPastDue, priceBlenderBinMonthly, testNow)

	late := subEvent("evt_new", gateway.EventSubscriptionUpdated, testNow.Add(10*time.Minute), newer)
	early := subEvent("evt_old", gateway.EventSubscriptionUpdated, testNow.Add(5*time.Minute), older)
	f.expect(late)
	f.expect(early)

	_, err := f.deliver(late)
	require.NoError(t, err)
	outcome, err := f.deliver(early)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	stored := f.stored("sub_1")
	assert.Equal(t, models.StatusActive, stored.Status)
	assert.Equal(t, testNow.Add(10*time.Minute), stored.LastEventAt)
	assert.Equal(t, models.StatusActive, f.user("uid1").SubscriptionStatus)
}

func TestWebhookOlderPeriodSkipped(t *testing.T) {
	f := newWebhookFixture(t)
	renewed := newSub("sub_1", "cus_1", models.StatusActive, priceBlenderBinMonthly, testNow)
	renewed.CurrentPeriodStart = testNow.AddDate(0, 1, 0)
	previous := newSub("sub_1", "cus_1", models.StatusPastDue, priceBlenderBinMonthly, testNow)

	a := subEvent("evt_a", gateway.EventSubscriptionUpdated, testNow, renewed)
	b := subEvent("evt_b", gateway.EventSubscriptionUpdated, testNow.Add(time.Hour), previous)
	f.expect(a)
	f.expect(b)

	_, err := f.deliver(a)
	require.NoError(t, err)
	_, err = f.deliver(b)
	require.NoError(t, err)

	assert.Equal(t, models.StatusActive, f.stored("sub_1").Status)
}

func TestWebhookCanceledIsTerminal(t *testing.T) {
	f := newWebhookFixture(t)
	deleted := subEvent("evt_del", gateway.EventSubscriptionDeleted, testNow,
		newSub("sub_1", "cus_1", models.StatusCanceled, priceBlenderBinMonthly, testNow))
	lateUpdate := subEvent("evt_upd", gateway.EventSubscriptionUpdated, testNow.Add(time.Minute),
		newSub("sub_1", "cus_1", models.StatusActive, priceBlenderBinMonthly, testNow))
	f.expect(deleted)
	f.expect(lateUpdate)

	_, err := f.deliver(deleted)
	require.NoError(t, err)
	_, err = f.deliver(lateUpdate)
	require.NoError(t, err)

	stored := f.stored("sub_1")
	assert.Equal(t, models.StatusCanceled, stored.Status)
	require.NotNil(t, stored.EndedAt)
	assert.Equal(t, "free", f.user("uid1").StripeRole)
}

func TestWebhookDeletedDuplicateKeepsRole(t *testing.T) {
	f := newWebhookFixture(t)
	kept := subEvent("evt_kept", gateway.EventSubscriptionUpdated, testNow,
		newSub("sub_a", "cus_1", models.StatusActive, priceBlenderBinMonthly, testNow))
	dupDeleted := subEvent("evt_dup", gateway.EventSubscriptionDeleted, testNow.Add(time.Minute),
		newSub("sub_b", "cus_1", models.StatusCanceled, priceBlenderBinMonthly, testNow.Add(time.Second)))
	f.expect(kept)
	f.expect(dupDeleted)

	_, err := f.deliver(kept)
	require.NoError(t, err)
	_, err = f.deliver(dupDeleted)
	require.NoError(t, err)

	u := f.user("uid1")
	assert.Equal(t, "pro", u.StripeRole)
	assert.Equal(t, models.StatusActive, u.SubscriptionStatus)
	assert.Equal(t, "sub_a", u.SubscriptionID)
}

func TestWebhookDuplicateCreatedIsCanceled(t *testing.T) {
	f := newWebhookFixture(t)
	existing := newSub("sub_old", "cus_1", models.StatusActive, priceBlenderBinMonthly, testNow.Add(-time.Hour))
	dup := newSub("sub_new", "cus_1", models.StatusIncomplete, priceBlenderBinMonthly, testNow)
	ev := subEvent("evt_dup_created", gateway.EventSubscriptionCreated, testNow, dup)
	f.expect(ev)
	f.gw.On("ListSubscriptions", mock.Anything, "cus_1").Return([]*models.Subscription{existing, dup}, nil)
	f.gw.On("CancelSubscription", mock.Anything, "sub_new").Return(nil)

	outcome, err := f.deliver(ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	_, err = f.repos.Subscriptions.Get(context.Background(), "uid1", "sub_new")
	assert.ErrorIs(t, err, db.ErrNotFound)
	f.notifier.AssertNotCalled(t, "SendWelcome", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestWebhookUnknownPriceIgnored(t *testing.T) {
	f := newWebhookFixture(t)
	ev := subEvent("evt_unknown", gateway.EventSubscriptionUpdated, testNow,
		newSub("sub_x", "cus_1", models.StatusActive, "price_other_app", testNow))
	f.expect(ev)

	outcome, err := f.deliver(ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, outcome)

	entry, err := f.repos.WebhookEvents.Get(context.Background(), ev.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WebhookStatusApplied, entry.Status)
}

func TestWebhookUnknownCustomerLinkedFromMetadata(t *testing.T) {
	f := newWebhookFixture(t)
	sub := newSub("sub_9", "cus_9", models.StatusActive, priceGizmoPro, testNow)
	sub.Metadata = map[string]string{"firebaseUID": "uid9"}
	ev := subEvent("evt_meta", gateway.EventSubscriptionUpdated, testNow, sub)
	f.expect(ev)

	_, err := f.deliver(ev)
	require.NoError(t, err)

	customer, err := f.repos.Customers.GetByID(context.Background(), "uid9")
	require.NoError(t, err)
	assert.Equal(t, "cus_9", customer.StripeID)

	u := f.user("uid9")
	assert.Equal(t, "pro", u.ProductRoles[string(productGizmo)])
	assert.Empty(t, u.StripeRole, "gizmo is not the primary product")
}

func TestWebhookPaymentSucceededRecordsPayment(t *testing.T) {
	f := newWebhookFixture(t)
	canonical := newSub("sub_1", "cus_1", models.StatusActive, priceBlenderBinMonthly, testNow)
	canonical.CurrentPeriodStart = testNow.AddDate(0, 1, 0)
	ev := &gateway.Event{
		ID:      "evt_paid",
		Type:    gateway.EventInvoicePaymentSucceeded,
		Created: testNow.AddDate(0, 1, 0),
		Invoice: &gateway.Invoice{
			ID:             "in_1",
			CustomerID:     "cus_1",
			SubscriptionID: "sub_1",
			BillingReason:  "subscription_cycle",
			AmountPaid:     999,
			Currency:       "usd",
		},
	}
	f.expect(ev)
	f.gw.On("GetSubscription", mock.Anything, "sub_1").Return(canonical, nil)

	outcome, err := f.deliver(ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	stored := f.stored("sub_1")
	require.NotNil(t, stored.LastPaymentAt)
	assert.Equal(t, int64(999), stored.LastPaymentAmount)
	assert.Equal(t, testNow.AddDate(0, 1, 0), stored.CurrentPeriodStart)

	u := f.user("uid1")
	assert.Equal(t, "pro", u.StripeRole)
	require.NotNil(t, u.LastPaymentAt)
}

func TestWebhookPaymentKeptAcrossUpdates(t *testing.T) {
	f := newWebhookFixture(t)
	canonical := newSub("sub_1", "cus_1", models.StatusActive, priceBlenderBinMonthly, testNow)
	paid := &gateway.Event{
		ID: "evt_paid", Type: gateway.EventInvoicePaymentSucceeded, Created: testNow,
		Invoice: &gateway.Invoice{ID: "in_1", CustomerID: "cus_1", SubscriptionID: "sub_1", BillingReason: "subscription_create", AmountPaid: 500, Currency: "usd"},
	}
	update := subEvent("evt_upd", gateway.EventSubscriptionUpdated, testNow.Add(time.Minute),
		newSub("sub_1", "cus_1", models.StatusActive, priceBlenderBinMonthly, testNow))
	f.expect(paid)
	f.expect(update)
	f.gw.On("GetSubscription", mock.Anything, "sub_1").Return(canonical, nil)

	_, err := f.deliver(paid)
	require.NoError(t, err)
	_, err = f.deliver(update)
	require.NoError(t, err)

	stored := f.stored("sub_1")
	require.NotNil(t, stored.LastPaymentAt)
	assert.Equal(t, int64(500), stored.LastPaymentAmount)
}

func TestWebhookCheckoutCompletedLinksCustomer(t *testing.T) {
	f := newWebhookFixture(t)
	ctx := context.Background()
	require.NoError(t, f.repos.Users.Create(ctx, &models.User{ID: "uid2"}))
	require.NoError(t, f.repos.Checkouts.Create(ctx, "uid2", &models.CheckoutSession{
		ID: "cs_1", PriceID: priceGizmoPro, Status: models.CheckoutStatusCreated,
	}))
	ev := &gateway.Event{
		ID: "evt_checkout", Type: gateway.EventCheckoutCompleted, Created: testNow,
		Checkout: &gateway.CheckoutCompleted{SessionID: "cs_1", CustomerID: "cus_2", ClientReferenceID: "uid2"},
	}
	f.expect(ev)

	outcome, err := f.deliver(ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	customer, err := f.repos.Customers.GetByID(ctx, "uid2")
	require.NoError(t, err)
	assert.Equal(t, "cus_2", customer.StripeID)
	assert.Equal(t, "cus_2", f.user("uid2").StripeCustomerID)

	open, err := f.repos.Checkouts.ListOpen(ctx, "uid2", priceGizmoPro)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestWebhookTrialEndingReminderOnce(t *testing.T) {
	f := newWebhookFixture(t)
	sub := newSub("sub_1", "cus_1", models.StatusTrialing, priceBlenderBinMonthly, testNow)
	trialEnd := testNow.AddDate(0, 0, 3)
	sub.TrialEnd = &trialEnd
	a := subEvent("evt_te1", gateway.EventSubscriptionTrialEnding, testNow, sub)
	b := subEvent("evt_te2", gateway.EventSubscriptionTrialEnding, testNow, sub)
	f.expect(a)
	f.expect(b)
	f.notifier.On("SendTrialEnding", mock.Anything, "uid1", productBlenderBin, trialEnd).Return(nil)

	_, err := f.deliver(a)
	require.NoError(t, err)
	_, err = f.deliver(b)
	require.NoError(t, err)

	f.notifier.AssertNumberOfCalls(t, "SendTrialEnding", 1)
}

func TestIsStale(t *testing.T) {
	base := newSub("sub_1", "cus_1", models.StatusActive, priceBlenderBinMonthly, testNow)
	base.LastEventAt = testNow

	tests := []struct {
		name     string
		existing string
		incoming string
		period   time.Time
		eventAt  time.Time
		want     bool
	}{
		{"newer event", models.StatusActive, models.StatusPastDue, testNow, testNow.Add(time.Second), false},
		{"older event same period", models.StatusActive, models.StatusPastDue, testNow, testNow.Add(-time.Second), true},
		{"older period", models.StatusActive, models.StatusActive, testNow.Add(-time.Hour), testNow.Add(time.Hour), true},
		{"newer period", models.StatusActive, models.StatusActive, testNow.Add(time.Hour), testNow.Add(-time.Hour), false},
		{"canceled never stale", models.StatusActive, models.StatusCanceled, testNow.Add(-time.Hour), testNow.Add(-time.Hour), false},
		{"canceled is terminal", models.StatusCanceled, models.StatusActive, testNow.Add(time.Hour), testNow.Add(time.Hour), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			existing := *base
			existing.Status = tt.existing
			incoming := *base
			incoming.Status = tt.incoming
			incoming.CurrentPeriodStart = tt.period
			assert.Equal(t, tt.want, isStale(&existing, &incoming, tt.eventAt))
		})
	}
}
