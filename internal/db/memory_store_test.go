package db

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/addonhub/internal/models"
)

func TestWebhookClaimLifecycle(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryStore().Repositories().WebhookEvents
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	res, err := repo.Claim(ctx, "evt_1", "customer.subscription.created", now, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, ClaimAcquired, res)

	res, err = repo.Claim(ctx, "evt_1", "customer.subscription.created", now.Add(time.Second), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, ClaimInFlight, res)

	// An expired lease is reclaimable.
	res, err = repo.Claim(ctx, "evt_1", "customer.subscription.created", now.Add(2*time.Minute), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, ClaimAcquired, res)

	require.NoError(t, repo.MarkFailed(ctx, "evt_1", "boom", now.Add(2*time.Minute)))
	res, err = repo.Claim(ctx, "evt_1", "customer.subscription.created", now.Add(2*time.Minute), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, ClaimAcquired, res)

	require.NoError(t, repo.MarkApplied(ctx, "evt_1", now.Add(3*time.Minute)))
	res, err = repo.Claim(ctx, "evt_1", "customer.subscription.created", now.Add(time.Hour), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, ClaimAlreadyApplied, res)

	ev, err := repo.Get(ctx, "evt_1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), ev.Attempts)
	assert.Equal(t, models.WebhookStatusApplied, ev.Status)
	assert.Empty(t, ev.LastError)
}

func TestWebhookClaimConcurrent(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryStore().Repositories().WebhookEvents
	now := time.Now()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		acquired int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := repo.Claim(ctx, "evt_race", "invoice.payment_succeeded", now, time.Minute)
			assert.NoError(t, err)
			if res == ClaimAcquired {
				mu.Lock()
				acquired++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, acquired)
}

func TestUsageChargeLease(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryStore().Repositories().Usage
	now := time.Date(2026, 3, 5, 10, 0, 0, 0, time.UTC)

	rec, err := repo.AddUsage(ctx, models.UsageDelta{UserID: "u1", Period: "2026-03", ModelKey: "o3", Count: 1, CostMicros: 300_000, At: now})
	require.NoError(t, err)
	assert.Equal(t, int64(300_000), rec.CurrentBalanceMicros)

	_, ok, err := repo.ClaimCharge(ctx, "u1", "2026-03", now, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	_, ok, err = repo.ClaimCharge(ctx, "u1", "2026-03", now.Add(time.Second), time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second claim inside the lease must be refused")

	_, err = repo.AddUsage(ctx, models.UsageDelta{UserID: "u1", Period: "2026-03", ModelKey: "o3", Count: 1, CostMicros: 300_000, At: now})
	require.NoError(t, err)

	rec, err = repo.CompleteCharge(ctx, "u1", "2026-03", ChargeOutcome{AmountMicros: 300_000, PaymentIntentID: "pi_1", PaymentStatus: "succeeded", At: now})
	require.NoError(t, err)
	assert.Equal(t, int64(300_000), rec.CurrentBalanceMicros, "usage landed during the charge survives")
	assert.Nil(t, rec.ChargeInFlightUntil)
	assert.Equal(t, models.ModelUsage{Count: 2, CostMicros: 600_000}, rec.Models["o3"])

	_, ok, err = repo.ClaimCharge(ctx, "u1", "2026-03", now.Add(2*time.Second), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDailyIncrementIfBelow(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryStore().Repositories().DailyUsage
	for i := int64(1); i <= 3; i++ {
		n, ok, err := repo.IncrementIfBelow(ctx, "u1", "2026-03-05", 3, time.Now())
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, i, n)
	}
	n, ok, err := repo.IncrementIfBelow(ctx, "u1", "2026-03-05", 3, time.Now())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int64(3), n)

	n, ok, err = repo.IncrementIfBelow(ctx, "u1", "2026-03-06", 3, time.Now())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(1), n)
}

func TestCustomerLinkKeepsFirstStripeID(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryStore().Repositories().Customers
	now := time.Now()

	require.NoError(t, repo.Create(ctx, &models.Customer{UserID: "u1", Email: "a@b.c"}))
	assert.ErrorIs(t, repo.Create(ctx, &models.Customer{UserID: "u1"}), ErrAlreadyExists)

	id, err := repo.LinkStripeID(ctx, "u1", "cus_A", now)
	require.NoError(t, err)
	assert.Equal(t, "cus_A", id)

	id, err = repo.LinkStripeID(ctx, "u1", "cus_B", now)
	require.NoError(t, err)
	assert.Equal(t, "cus_A", id)

	c, err := repo.FindByStripeID(ctx, "cus_A")
	require.NoError(t, err)
	assert.Equal(t, "u1", c.UserID)

	_, err = repo.FindByEmail(ctx, "missing@b.c")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUsageAppendKeepsCallerID(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	repo := store.Repositories().Usage

	event := &models.UsageEvent{ID: "evt-a", UserID: "uid1", Model: "gpt-4o", RequestCount: 1}
	require.NoError(t, repo.AppendEvent(ctx, event))
	require.NoError(t, repo.AppendEvent(ctx, &models.UsageEvent{ID: "evt-a", UserID: "uid1", Model: "gpt-4o", RequestCount: 1}))
	assert.Equal(t, "evt-a", event.ID)
	require.Len(t, store.UsageEvents(), 1)

	anon := &models.UsageEvent{UserID: "uid1", Model: "o3"}
	require.NoError(t, repo.AppendEvent(ctx, anon))
	assert.NotEmpty(t, anon.ID)
	assert.Len(t, store.UsageEvents(), 2)

	require.NoError(t, repo.AppendCharge(ctx, &models.UsageCharge{ID: "chg-a", UserID: "uid1", AmountCents: 2000}))
	require.NoError(t, repo.AppendCharge(ctx, &models.UsageCharge{ID: "chg-a", UserID: "uid1", AmountCents: 2000}))
	charges := store.UsageCharges()
	require.Len(t, charges, 1)
	assert.Equal(t, "chg-a", charges[0].ID)
}
