package core

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/example/addonhub/internal/config"
	"github.com/example/addonhub/internal/gateway"
	"github.com/example/addonhub/internal/models"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func fixedNow() time.Time { return testNow }

type mockGateway struct{ mock.Mock }

func (m *mockGateway) ParseEvent(payload []byte, signature string) (*gateway.Event, error) {
	args := m.Called(payload, signature)
	ev, _ := args.Get(0).(*gateway.Event)
	return ev, args.Error(1)
}

func (m *mockGateway) ListSubscriptions(ctx context.Context, customerID string) ([]*models.Subscription, error) {
	args := m.Called(ctx, customerID)
	subs, _ := args.Get(0).([]*models.Subscription)
	return subs, args.Error(1)
}

func (m *mockGateway) GetSubscription(ctx context.Context, subscriptionID string) (*models.Subscription, error) {
	args := m.Called(ctx, subscriptionID)
	sub, _ := args.Get(0).(*models.Subscription)
	return sub, args.Error(1)
}

func (m *mockGateway) CancelSubscription(ctx context.Context, subscriptionID string) error {
	return m.Called(ctx, subscriptionID).Error(0)
}

func (m *mockGateway) CancelAtPeriodEnd(ctx context.Context, subscriptionID string) (*models.Subscription, error) {
	args := m.Called(ctx, subscriptionID)
	sub, _ := args.Get(0).(*models.Subscription)
	return sub, args.Error(1)
}

func (m *mockGateway) CreateCustomer(ctx context.Context, params gateway.CustomerParams) (string, error) {
	args := m.Called(ctx, params)
	return args.String(0), args.Error(1)
}

func (m *mockGateway) CreateCheckoutSession(ctx context.Context, params gateway.CheckoutParams) (*gateway.CheckoutSession, error) {
	args := m.Called(ctx, params)
	cs, _ := args.Get(0).(*gateway.CheckoutSession)
	return cs, args.Error(1)
}

func (m *mockGateway) GetCheckoutSession(ctx context.Context, sessionID string) (*gateway.CheckoutSession, error) {
	args := m.Called(ctx, sessionID)
	cs, _ := args.Get(0).(*gateway.CheckoutSession)
	return cs, args.Error(1)
}

func (m *mockGateway) CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	args := m.Called(ctx, customerID, returnURL)
	return args.String(0), args.Error(1)
}

func (m *mockGateway) ChargeOffSession(ctx context.Context, params gateway.ChargeParams) (*gateway.Charge, error) {
	args := m.Called(ctx, params)
	ch, _ := args.Get(0).(*gateway.Charge)
	return ch, args.Error(1)
}

type mockNotifier struct{ mock.Mock }

func (m *mockNotifier) SendWelcome(ctx context.Context, userID string, product models.ProductType, trial bool) error {
	return m.Called(ctx, userID, product, trial).Error(0)
}

func (m *mockNotifier) SendTrialEnding(ctx context.Context, userID string, product models.ProductType, trialEnd time.Time) error {
	return m.Called(ctx, userID, product, trialEnd).Error(0)
}

const (
	productBlenderBin models.ProductType = "blenderbin"
	productGizmo      models.ProductType = "gizmo"

	priceBlenderBinMonthly = "price_bb_monthly"
	priceBlenderBinYearly  = "price_bb_yearly"
	priceGizmoPro          = "price_gizmo_pro"
	priceGizmoBusiness     = "price_gizmo_business"
)

func testPrices(t *testing.T) *config.PriceTable {
	t.Helper()
	pt, err := config.NewPriceTable(
		[]models.ProductType{productBlenderBin, productGizmo},
		productBlenderBin,
		[]config.PriceInfo{
			{ID: priceBlenderBinMonthly, Product: productBlenderBin, Tier: models.TierPro, Interval: "month"},
			{ID: priceBlenderBinYearly, Product: productBlenderBin, Tier: models.TierPro, Interval: "year"},
			{ID: priceGizmoPro, Product: productGizmo, Tier: models.TierPro, Interval: "month"},
			{ID: priceGizmoBusiness, Product: productGizmo, Tier: models.TierBusiness, Interval: "month"},
		},
	)
	require.NoError(t, err)
	return pt
}

func newSub(id, customerID, status, priceID string, created time.Time) *models.Subscription {
	return &models.Subscription{
		ID:                 id,
		CustomerID:         customerID,
		Status:             status,
		Items:              []models.SubscriptionItem{{ID: "si_" + id, PriceID: priceID, Quantity: 1}},
		CurrentPeriodStart: created,
		CurrentPeriodEnd:   created.AddDate(0, 1, 0),
		Created:            created,
	}
}

func timePtr(t time.Time) *time.Time { return &t }
