package core

import (
	"context"

	"go.uber.org/zap"

	"github.com/example/addonhub/internal/gateway"
)

type trialService struct {
	gateway gateway.Gateway
	logger  *zap.Logger
}

// NewTrialService creates a TrialService on the gateway's subscription history.
func NewTrialService(gw gateway.Gateway, logger *zap.Logger) TrialService {
	return &trialService{gateway: gw, logger: logger}
}

// IsTrialEligible reports false once any subscription of the customer, in any
// status, ever had a trial. When the history cannot be listed the customer is
// treated as eligible so an outage does not block checkout.
func (s *trialService) IsTrialEligible(ctx context.Context, stripeCustomerID string) bool {
	if stripeCustomerID == "" {
		return true
	}
	subs, err := s.gateway.ListSubscriptions(ctx, stripeCustomerID)
	if err != nil {
		s.logger.Warn("Trial history unavailable, allowing trial",
			zap.String("customerID", stripeCustomerID), zap.Error(err))
		return true
	}
	for _, sub := range subs {
		if sub.TrialStart != nil || sub.TrialEnd != nil {
			return false
		}
	}
	return true
}
