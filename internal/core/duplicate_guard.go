package core

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/example/addonhub/internal/config"
	"github.com/example/addonhub/internal/gateway"
	"github.com/example/addonhub/internal/models"
)

// GuardResult reports what Reconcile kept and canceled.
type GuardResult struct {
	Kept            string
	Canceled        []string
	TriggerCanceled bool
}

type duplicateGuard struct {
	gateway gateway.Gateway
	prices  *config.PriceTable
	logger  *zap.Logger
}

// NewDuplicateGuard creates the guard.
func NewDuplicateGuard(gw gateway.Gateway, prices *config.PriceTable, logger *zap.Logger) DuplicateGuard {
	return &duplicateGuard{gateway: gw, prices: prices, logger: logger}
}

// Reconcile keeps the oldest live subscription of product and cancels the rest.
// Running it again after a partial failure finishes the job.
func (g *duplicateGuard) Reconcile(ctx context.Context, stripeCustomerID string, product models.ProductType, triggeringSubID string) (*GuardResult, error) {
	live, err := g.live(ctx, stripeCustomerID, product)
	if err != nil {
		return nil, err
	}

	res := &GuardResult{}
	if len(live) == 0 {
		return res, nil
	}
	res.Kept = live[0].ID

	var errs []error
	for _, dup := range live[1:] {
		err := g.gateway.CancelSubscription(ctx, dup.ID)
		if err != nil && !errors.Is(err, gateway.ErrAlreadyCanceled) {
			errs = append(errs, fmt.Errorf("cancel %s: %w", dup.ID, err))
			continue
		}
		g.logger.Info("Canceled duplicate subscription",
			zap.String("customerID", stripeCustomerID),
			zap.String("product", string(product)),
			zap.String("canceled", dup.ID),
			zap.String("kept", res.Kept))
		res.Canceled = append(res.Canceled, dup.ID)
		if dup.ID == triggeringSubID {
			res.TriggerCanceled = true
		}
	}
	if len(errs) > 0 {
		return res, fmt.Errorf("%w: %w", ErrGateway, errors.Join(errs...))
	}
	return res, nil
}

func (g *duplicateGuard) HasLive(ctx context.Context, stripeCustomerID string, product models.ProductType) (bool, error) {
	if stripeCustomerID == "" {
		return false, nil
	}
	live, err := g.live(ctx, stripeCustomerID, product)
	if err != nil {
		return false, err
	}
	return len(live) > 0, nil
}

// live returns the customer's live subscriptions of product, oldest first.
func (g *duplicateGuard) live(ctx context.Context, stripeCustomerID string, product models.ProductType) ([]*models.Subscription, error) {
	subs, err := g.gateway.ListSubscriptions(ctx, stripeCustomerID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrGateway, err)
	}

	productPrices := make(map[string]bool)
	for _, id := range g.prices.PriceIDs(product) {
		productPrices[id] = true
	}

	var live []*models.Subscription
	for _, sub := range subs {
		if !models.IsLiveStatus(sub.Status) {
			continue
		}
		for _, id := range sub.PriceIDs() {
			if productPrices[id] {
				live = append(live, sub)
				break
			}
		}
	}
	sort.SliceStable(live, func(i, j int) bool {
		if !live[i].Created.Equal(live[j].Created) {
			return live[i].Created.Before(live[j].Created)
		}
		return live[i].ID < live[j].ID
	})
	return live, nil
}
