package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/example/addonhub/internal/db"
	"github.com/example/addonhub/internal/gateway"
	"github.com/example/addonhub/internal/models"
)

const testThreshold = 20_000_000

func newUsageFixture(t *testing.T, settings models.UsagePricingSettings, customerID string) (*db.MemoryStore, *mockGateway, UsageService) {
	t.Helper()
	store := db.NewMemoryStore()
	repos := store.Repositories()
	require.NoError(t, repos.Users.Create(context.Background(), &models.User{
		ID:                   "uid1",
		StripeCustomerID:     customerID,
		UsagePricingSettings: settings,
	}))
	gw := &mockGateway{}
	svc := NewUsageService(repos, gw, testThreshold, 2*time.Minute, zaptest.NewLogger(t)).(*usageService)
	svc.now = fixedNow
	return store, gw, svc
}

var usageEnabled = models.UsagePricingSettings{EnableUsageBasedPricing: true}

func TestCalculateCostMicros(t *testing.T) {
	tests := []struct {
		model    string
		requests int64
		tokens   int64
		want     int64
	}{
		{"o3", 1, 0, 300_000},
		{"o3", 3, 0, 900_000},
		{"some-other-model", 0, 0, 10_000},
		{"claude-3.7-sonnet-max", 2, 0, 100_000},
		{"extra-fast-premium", 1, 0, 40_000},
		{"token-based-claude", 1, 1000, 78_000},
		{"token-based-claude", 0, 7, 546},
		{"token-based-claude", 2, 0, 156},
	}
	for _, tt := range tests {
		got, err := CalculateCostMicros(tt.model, tt.requests, tt.tokens)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "%s requests=%d tokens=%d", tt.model, tt.requests, tt.tokens)
	}
}

func TestMicrosToCents(t *testing.T) {
	assert.Equal(t, int64(2000), MicrosToCents(20_000_000))
	assert.Equal(t, int64(2000), MicrosToCents(20_004_999))
	assert.Equal(t, int64(2001), MicrosToCents(20_005_000))
	assert.Equal(t, int64(0), MicrosToCents(4_999))
}

func TestRecordUsageDisabled(t *testing.T) {
	_, _, svc := newUsageFixture(t, models.UsagePricingSettings{}, "cus_1")
	_, err := svc.RecordUsage(context.Background(), "uid1", UsageInput{Model: "gpt", RequestCount: 1})
	assert.ErrorIs(t, err, ErrUsagePricingDisabled)

	_, _, svc = newUsageFixture(t, usageEnabled, "cus_1")
	_, err = svc.RecordUsage(context.Background(), "uid1", UsageInput{Model: "o3", RequestCount: 1})
	assert.ErrorIs(t, err, ErrPremiumUsageDisabled)

	_, err = svc.RecordUsage(context.Background(), "missing", UsageInput{Model: "gpt"})
	assert.ErrorIs(t, err, ErrUserNotFound)

	_, err = svc.RecordUsage(context.Background(), "uid1", UsageInput{Model: ""})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestRecordUsageChargesOnceAtThreshold(t *testing.T) {
	ctx := context.Background()
	store, gw, svc := newUsageFixture(t, usageEnabled, "cus_1")
	gw.On("ChargeOffSession", mock.Anything, mock.MatchedBy(func(p gateway.ChargeParams) bool {
		return p.AmountCents == 2000 && p.CustomerID == "cus_1" &&
			p.IdempotencyKey == "usage:uid1:2026-03:20000000"
	})).Return(&gateway.Charge{PaymentIntentID: "pi_1", Status: "succeeded"}, nil).Once()

	var last *UsageResult
	for i := 0; i < 2000; i++ {
		res, err := svc.RecordUsage(ctx, "uid1", UsageInput{Model: "gpt-4o", RequestCount: 1})
		require.NoError(t, err)
		if i < 1999 {
			require.False(t, res.Charged)
		}
		last = res
	}

	assert.True(t, last.Charged)
	assert.Equal(t, int64(20_000_000), last.ChargeAmountMicros)
	assert.Equal(t, int64(0), last.NewBalanceMicros)
	assert.Equal(t, "pi_1", last.PaymentIntentID)
	gw.AssertNumberOfCalls(t, "ChargeOffSession", 1)

	rec, err := store.Repositories().Usage.Get(ctx, "uid1", "2026-03")
	require.NoError(t, err)
	assert.Equal(t, int64(0), rec.CurrentBalanceMicros)
	assert.Equal(t, int64(2000), rec.Models["gpt-4o"].Count)
	assert.Equal(t, "succeeded", rec.PaymentStatus)
	assert.Nil(t, rec.ChargeInFlightUntil)

	charges := store.UsageCharges()
	require.Len(t, charges, 1)
	assert.Equal(t, int64(2000), charges[0].AmountCents)
	assert.Len(t, store.UsageEvents(), 2000)
}

func TestRecordUsageConcurrentSingleCharge(t *testing.T) {
	ctx := context.Background()
	store, gw, svc := newUsageFixture(t, usageEnabled, "cus_1")
	gw.On("ChargeOffSession", mock.Anything, mock.Anything).
		Return(&gateway.Charge{PaymentIntentID: "pi_1", Status: "succeeded"}, nil)

	var wg sync.WaitGroup
	sem := make(chan struct{}, 16)
	for i := 0; i < 2100; i++ {
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			_, err := svc.RecordUsage(ctx, "uid1", UsageInput{Model: "gpt-4o", RequestCount: 1})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	gw.AssertNumberOfCalls(t, "ChargeOffSession", 1)
	charges := store.UsageCharges()
	require.Len(t, charges, 1)

	rec, err := store.Repositories().Usage.Get(ctx, "uid1", "2026-03")
	require.NoError(t, err)
	assert.Equal(t, int64(21_000_000), rec.CurrentBalanceMicros+charges[0].AmountMicros)
}

func TestRecordUsageChargeFailureKeepsBalance(t *testing.T) {
	ctx := context.Background()
	store, gw, svc := newUsageFixture(t, usageEnabled, "cus_1")
	gw.On("ChargeOffSession", mock.Anything, mock.Anything).Return(nil, errors.New("card_declined")).Once()
	gw.On("ChargeOffSession", mock.Anything, mock.Anything).Return(&gateway.Charge{PaymentIntentID: "pi_2", Status: "succeeded"}, nil).Once()

	// One o3 request costs 0.30, so the 67th crosses $20.
	require.NoError(t, store.Repositories().Users.UpdateUsageSettings(ctx, "uid1", models.UsagePricingSettings{
		EnableUsageBasedPricing: true, EnablePremiumUsageBasedPricing: true,
	}, testNow))

	var res *UsageResult
	var err error
	for i := 0; i < 67; i++ {
		res, err = svc.RecordUsage(ctx, "uid1", UsageInput{Model: "o3", RequestCount: 1})
		require.NoError(t, err)
	}
	assert.False(t, res.Charged)
	assert.Equal(t, "card_declined", res.ChargeError)
	assert.Equal(t, int64(20_100_000), res.NewBalanceMicros)

	rec, err := store.Repositories().Usage.Get(ctx, "uid1", "2026-03")
	require.NoError(t, err)
	assert.Equal(t, int64(20_100_000), rec.CurrentBalanceMicros)
	assert.Equal(t, "failed", rec.PaymentStatus)
	assert.Equal(t, "card_declined", rec.LastChargeError)
	assert.Nil(t, rec.ChargeInFlightUntil)

	// Usage continues and the next report retries the charge.
	res, err = svc.RecordUsage(ctx, "uid1", UsageInput{Model: "o3", RequestCount: 1})
	require.NoError(t, err)
	assert.True(t, res.Charged)
	assert.Equal(t, int64(20_400_000), res.ChargeAmountMicros)
	assert.Equal(t, int64(0), res.NewBalanceMicros)
	gw.AssertNumberOfCalls(t, "ChargeOffSession", 2)
	assert.Len(t, store.UsageCharges(), 2)
}

func TestRecordUsageWithoutCustomerDoesNotCharge(t *testing.T) {
	_, gw, svc := newUsageFixture(t, usageEnabled, "")
	res, err := svc.RecordUsage(context.Background(), "uid1", UsageInput{Model: "gpt", RequestCount: 2000})
	require.NoError(t, err)
	assert.False(t, res.Charged)
	assert.Equal(t, int64(20_000_000), res.NewBalanceMicros)
	gw.AssertNotCalled(t, "ChargeOffSession", mock.Anything, mock.Anything)
}

func TestUpdateUsageSettings(t *testing.T) {
	ctx := context.Background()
	_, _, svc := newUsageFixture(t, models.UsagePricingSettings{}, "")
	on, off := true, false

	settings, err := svc.UpdateUsageSettings(ctx, "uid1", models.UpdateUsageSettingsRequest{
		EnableUsageBasedPricing: &on, EnablePremiumUsageBasedPricing: &on,
	})
	require.NoError(t, err)
	assert.True(t, settings.EnablePremiumUsageBasedPricing)

	settings, err = svc.UpdateUsageSettings(ctx, "uid1", models.UpdateUsageSettingsRequest{EnableUsageBasedPricing: &off})
	require.NoError(t, err)
	assert.False(t, settings.EnableUsageBasedPricing)
	assert.False(t, settings.EnablePremiumUsageBasedPricing)

	_, err = svc.UpdateUsageSettings(ctx, "uid1", models.UpdateUsageSettingsRequest{})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestUsageSummaryEmptyPeriod(t *testing.T) {
	_, _, svc := newUsageFixture(t, usageEnabled, "")
	summary, err := svc.UsageSummary(context.Background(), "uid1")
	require.NoError(t, err)
	assert.Equal(t, "2026-03", summary.Period)
	assert.Equal(t, int64(0), summary.Record.CurrentBalanceMicros)
	assert.Equal(t, int64(testThreshold), summary.ThresholdMicros)
	assert.True(t, summary.Settings.EnableUsageBasedPricing)
}
