package core

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/example/addonhub/internal/config"
	"github.com/example/addonhub/internal/db"
	"github.com/example/addonhub/internal/models"
)

// subscriptionMirror keeps the stored subscription documents and the user's
// denormalized role in step with the gateway. Webhooks and the manual sync
// both write through it.
type subscriptionMirror struct {
	subscriptions db.SubscriptionRepository
	users         db.UserRepository
	prices        *config.PriceTable
	logger        *zap.Logger
	now           func() time.Time
}

func newSubscriptionMirror(repos *db.Repositories, prices *config.PriceTable, logger *zap.Logger, now func() time.Time) *subscriptionMirror {
	return &subscriptionMirror{
		subscriptions: repos.Subscriptions,
		users:         repos.Users,
		prices:        prices,
		logger:        logger,
		now:           now,
	}
}

// upsert writes incoming unless it is older than the stored state. Payment
// fields survive state updates and are recorded even when the state is stale.
func (m *subscriptionMirror) upsert(ctx context.Context, userID string, incoming *models.Subscription, eventAt time.Time) (*models.Subscription, error) {
	now := m.now()
	stored, err := m.subscriptions.Apply(ctx, userID, incoming.ID, func(existing *models.Subscription) (*models.Subscription, error) {
		if existing != nil && isStale(existing, incoming, eventAt) {
			if incoming.LastPaymentAt == nil {
				m.logger.Info("Stale subscription event skipped",
					zap.String("subscriptionID", incoming.ID), zap.Time("eventAt", eventAt))
				return nil, nil
			}
			next := *existing
			copyPayment(&next, incoming)
			next.Updated = now
			return &next, nil
		}

		next := *incoming
		next.LastEventAt = eventAt
		next.Updated = now
		if existing != nil {
			if next.LastPaymentAt == nil {
				copyPayment(&next, existing)
			}
			if next.ProductType == "" {
				next.ProductType = existing.ProductType
			}
			if eventAt.Before(existing.LastEventAt) {
				next.LastEventAt = existing.LastEventAt
			}
		}
		return &next, nil
	})
	if err != nil {
		return nil, fmt.Errorf("store subscription: %w", err)
	}
	return stored, nil
}

// isStale reports whether incoming, observed at eventAt, would regress existing.
func isStale(existing, incoming *models.Subscription, eventAt time.Time) bool {
	if incoming.Status == models.StatusCanceled {
		return false
	}
	if existing.Status == models.StatusCanceled {
		return true
	}
	if incoming.CurrentPeriodStart.Before(existing.CurrentPeriodStart) {
		return true
	}
	return incoming.CurrentPeriodStart.Equal(existing.CurrentPeriodStart) && eventAt.Before(existing.LastEventAt)
}

func copyPayment(dst, src *models.Subscription) {
	if src.LastPaymentAt == nil {
		return
	}
	at := *src.LastPaymentAt
	dst.LastPaymentAt = &at
	dst.LastPaymentAmount = src.LastPaymentAmount
	dst.LastPaymentCurrency = src.LastPaymentCurrency
}

// syncUser recomputes the user's denormalized role for product from every
// stored entitled subscription, so one subscription ending never hides another.
func (m *subscriptionMirror) syncUser(ctx context.Context, userID string, product models.ProductType, changed *models.Subscription, paidAt *time.Time) error {
	entitled, err := m.subscriptions.ListByStatus(ctx, userID, models.EntitledStatuses)
	if err != nil {
		return fmt.Errorf("list entitled subscriptions: %w", err)
	}

	update := models.UserSubscriptionUpdate{
		Product:        product,
		Primary:        product == m.prices.Primary(),
		Role:           models.TierFree,
		Status:         changed.Status,
		SubscriptionID: changed.ID,
		LastPaymentAt:  paidAt,
		At:             m.now(),
	}
	for _, sub := range entitled {
		p, tier, ok := m.prices.Classify(sub.PriceIDs())
		if !ok || p != product {
			continue
		}
		if update.Role == models.TierFree || tier.Rank() > update.Role.Rank() {
			update.Role = tier
			update.Status = sub.Status
			update.SubscriptionID = sub.ID
		}
	}

	if err := m.users.ApplySubscription(ctx, userID, update); err != nil {
		return fmt.Errorf("update user subscription state: %w", err)
	}
	return nil
}
