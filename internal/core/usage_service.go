package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/apd/v3"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/addonhub/internal/db"
	"github.com/example/addonhub/internal/gateway"
	"github.com/example/addonhub/internal/models"
)

const (
	usagePeriodLayout = "2006-01"
	tokenPricedModel  = "token-based-claude"
	defaultModelRate  = "0.01"
	usageCurrency     = "usd"
)

// modelPricing holds USD per request, or per token for tokenPricedModel.
var modelPricing = map[string]string{
	"gemini-2-5-pro-exp-max":         "0.05",
	"o3":                             "0.30",
	"extra-fast-premium":             "0.04",
	"premium-tool-call":              "0.05",
	"claude-3.7-sonnet-max":          "0.05",
	"claude-3.7-sonnet-thinking-max": "0.05",
	tokenPricedModel:                 "0.000078",
}

var premiumModels = map[string]bool{
	"o3":                             true,
	"claude-3.7-sonnet-max":          true,
	"claude-3.7-sonnet-thinking-max": true,
	"extra-fast-premium":             true,
}

// Payment statuses after which the charged amount leaves the balance.
var settledPaymentStatuses = map[string]bool{
	"succeeded":  true,
	"processing": true,
}

// UsageInput is one metered report.
type UsageInput struct {
	Model        string
	RequestCount int64
	TokenCount   int64
}

// UsageResult is what RecordUsage did.
type UsageResult struct {
	CostMicros         int64  `json:"costMicros"`
	NewBalanceMicros   int64  `json:"newBalanceMicros"`
	Charged            bool   `json:"charged"`
	ChargeAmountMicros int64  `json:"chargeAmountMicros,omitempty"`
	PaymentIntentID    string `json:"paymentIntentId,omitempty"`
	ChargeError        string `json:"chargeError,omitempty"`
}

// UsageSummary is the current period's record plus the user's settings.
type UsageSummary struct {
	Period          string                      `json:"period"`
	Record          *models.UsageRecord         `json:"record"`
	Settings        models.UsagePricingSettings `json:"settings"`
	ThresholdMicros int64                       `json:"thresholdMicros"`
}

// IsPremiumModel reports whether model needs the premium opt-in.
func IsPremiumModel(model string) bool {
	return premiumModels[model]
}

// CalculateCostMicros prices one report in micro-dollars, rounded half up.
func CalculateCostMicros(model string, requestCount, tokenCount int64) (int64, error) {
	rateStr, units := defaultModelRate, requestCount
	if r, ok := modelPricing[model]; ok {
		rateStr = r
	}
	if model == tokenPricedModel && tokenCount > 0 {
		units = tokenCount
	} else if units < 1 {
		units = 1
	}

	ctx := apd.BaseContext.WithPrecision(34)
	ctx.Rounding = apd.RoundHalfUp

	rate, _, err := apd.NewFromString(rateStr)
	if err != nil {
		return 0, fmt.Errorf("invalid rate %q for model %s: %w", rateStr, model, err)
	}
	var cost, micros apd.Decimal
	if _, err := ctx.Mul(&cost, rate, apd.New(units, 0)); err != nil {
		return 0, err
	}
	if _, err := ctx.Mul(&cost, &cost, apd.New(1, 6)); err != nil {
		return 0, err
	}
	if _, err := ctx.Quantize(&micros, &cost, 0); err != nil {
		return 0, err
	}
	return micros.Int64()
}

// MicrosToCents converts micro-dollars to cents, rounding half up.
func MicrosToCents(micros int64) int64 {
	return (micros + 5_000) / 10_000
}

type usageService struct {
	users           db.UserRepository
	customers       db.CustomerRepository
	usage           db.UsageRepository
	gateway         gateway.Gateway
	thresholdMicros int64
	lease           time.Duration
	logger          *zap.Logger
	now             func() time.Time
}

// NewUsageService creates the metering ledger. thresholdMicros is the balance
// at which the accumulated usage is charged.
func NewUsageService(repos *db.Repositories, gw gateway.Gateway, thresholdMicros int64, lease time.Duration, logger *zap.Logger) UsageService {
	return &usageService{
		users:           repos.Users,
		customers:       repos.Customers,
		usage:           repos.Usage,
		gateway:         gw,
		thresholdMicros: thresholdMicros,
		lease:           lease,
		logger:          logger,
		now:             utcNow,
	}
}

func (s *usageService) RecordUsage(ctx context.Context, userID string, in UsageInput) (*UsageResult, error) {
	if strings.TrimSpace(in.Model) == "" || in.RequestCount < 0 || in.TokenCount < 0 {
		return nil, fmt.Errorf("%w: model is required and counts must not be negative", ErrInvalidRequest)
	}

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUserNotFound, userID)
		}
		return nil, fmt.Errorf("failed to load user '%s': %w", userID, err)
	}
	settings := user.UsagePricingSettings
	if !settings.EnableUsageBasedPricing {
		return nil, ErrUsagePricingDisabled
	}
	if IsPremiumModel(in.Model) && !settings.EnablePremiumUsageBasedPricing {
		return nil, ErrPremiumUsageDisabled
	}

	cost, err := CalculateCostMicros(in.Model, in.RequestCount, in.TokenCount)
	if err != nil {
		return nil, err
	}
	count := in.RequestCount
	if count < 1 {
		count = 1
	}

	now := s.now()
	period := now.Format(usagePeriodLayout)
	rec, err := s.usage.AddUsage(ctx, models.UsageDelta{
		UserID:     userID,
		Period:     period,
		ModelKey:   strings.ReplaceAll(in.Model, ".", "_"),
		Count:      count,
		CostMicros: cost,
		At:         now,
	})
	if err != nil {
		return nil, err
	}

	if err := s.usage.AppendEvent(ctx, &models.UsageEvent{
		ID:           uuid.NewString(),
		UserID:       userID,
		Model:        in.Model,
		RequestCount: count,
		TokenCount:   in.TokenCount,
		CostMicros:   cost,
		Timestamp:    now,
	}); err != nil {
		s.logger.Warn("Failed to append usage event", zap.String("userID", userID), zap.Error(err))
	}

	res := &UsageResult{CostMicros: cost, NewBalanceMicros: rec.CurrentBalanceMicros}
	if rec.CurrentBalanceMicros < s.thresholdMicros {
		return res, nil
	}

	customerID := s.customerID(ctx, user)
	if customerID == "" {
		s.logger.Info("Usage balance over threshold but user has no gateway customer",
			zap.String("userID", userID), zap.Int64("balanceMicros", rec.CurrentBalanceMicros))
		return res, nil
	}
	s.charge(ctx, userID, period, customerID, res)
	return res, nil
}

func (s *usageService) customerID(ctx context.Context, user *models.User) string {
	if user.StripeCustomerID != "" {
		return user.StripeCustomerID
	}
	customer, err := s.customers.GetByID(ctx, user.ID)
	if err != nil {
		if !errors.Is(err, db.ErrNotFound) {
			s.logger.Warn("Customer lookup failed", zap.String("userID", user.ID), zap.Error(err))
		}
		return ""
	}
	return customer.StripeID
}

// charge bills the whole balance under the record's charge lease. Failures are
// recorded and never fail the usage report.
func (s *usageService) charge(ctx context.Context, userID, period, customerID string, res *UsageResult) {
	log := s.logger.With(zap.String("userID", userID), zap.String("period", period))

	rec, acquired, err := s.usage.ClaimCharge(ctx, userID, period, s.now(), s.lease)
	if err != nil {
		log.Error("Failed to claim usage charge", zap.Error(err))
		return
	}
	if !acquired {
		log.Info("Usage charge already in flight")
		return
	}
	amount := rec.CurrentBalanceMicros
	if amount < s.thresholdMicros {
		if err := s.usage.ReleaseCharge(ctx, userID, period); err != nil {
			log.Warn("Failed to release usage charge lease", zap.Error(err))
		}
		return
	}

	cents := MicrosToCents(amount)
	charge, err := s.gateway.ChargeOffSession(ctx, gateway.ChargeParams{
		CustomerID:     customerID,
		AmountCents:    cents,
		Currency:       usageCurrency,
		Description:    fmt.Sprintf("Usage-based pricing charge for %s", period),
		IdempotencyKey: fmt.Sprintf("usage:%s:%s:%d", userID, period, amount),
		Metadata:       map[string]string{"userId": userID, "period": period},
	})

	receipt := &models.UsageCharge{
		ID:           uuid.NewString(),
		UserID:       userID,
		Period:       period,
		AmountMicros: amount,
		AmountCents:  cents,
		Timestamp:    s.now(),
	}

	if err == nil && settledPaymentStatuses[charge.Status] {
		updated, err := s.usage.CompleteCharge(ctx, userID, period, db.ChargeOutcome{
			AmountMicros:    amount,
			PaymentIntentID: charge.PaymentIntentID,
			PaymentStatus:   charge.Status,
			At:              s.now(),
		})
		if err != nil {
			// The lease stays held until it expires, which blocks a second charge meanwhile.
			log.Error("Charge succeeded but the balance was not reduced",
				zap.String("paymentIntentID", charge.PaymentIntentID), zap.Error(err))
		} else {
			res.NewBalanceMicros = updated.CurrentBalanceMicros
		}
		res.Charged = true
		res.ChargeAmountMicros = amount
		res.PaymentIntentID = charge.PaymentIntentID

		receipt.PaymentIntentID = charge.PaymentIntentID
		receipt.PaymentStatus = charge.Status
		if err := s.usage.AppendCharge(ctx, receipt); err != nil {
			log.Warn("Failed to append usage charge receipt", zap.Error(err))
		}
		log.Info("Usage charged", zap.Int64("amountMicros", amount), zap.String("paymentIntentID", charge.PaymentIntentID))
		return
	}

	reason := ""
	if err != nil {
		reason = err.Error()
		receipt.PaymentStatus = "failed"
	} else {
		reason = "payment status " + charge.Status
		receipt.PaymentIntentID = charge.PaymentIntentID
		receipt.PaymentStatus = charge.Status
	}
	receipt.Error = reason
	res.ChargeError = reason

	if err := s.usage.FailCharge(ctx, userID, period, reason, s.now()); err != nil {
		log.Error("Failed to record usage charge failure", zap.Error(err))
	}
	if err := s.usage.AppendCharge(ctx, receipt); err != nil {
		log.Warn("Failed to append usage charge failure", zap.Error(err))
	}
	log.Warn("Usage charge failed, balance kept", zap.Int64("amountMicros", amount), zap.String("reason", reason))
}

func (s *usageService) UsageSummary(ctx context.Context, userID string) (*UsageSummary, error) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUserNotFound, userID)
		}
		return nil, fmt.Errorf("failed to load user '%s': %w", userID, err)
	}

	period := s.now().Format(usagePeriodLayout)
	rec, err := s.usage.Get(ctx, userID, period)
	if errors.Is(err, db.ErrNotFound) {
		rec = &models.UsageRecord{ID: db.UsageDocID(userID, period), UserID: userID, Period: period}
	} else if err != nil {
		return nil, err
	}
	return &UsageSummary{
		Period:          period,
		Record:          rec,
		Settings:        user.UsagePricingSettings,
		ThresholdMicros: s.thresholdMicros,
	}, nil
}

// UpdateUsageSettings applies the provided toggles. Turning usage pricing off
// also turns premium usage off.
func (s *usageService) UpdateUsageSettings(ctx context.Context, userID string, req models.UpdateUsageSettingsRequest) (*models.UsagePricingSettings, error) {
	if req.EnableUsageBasedPricing == nil && req.EnablePremiumUsageBasedPricing == nil {
		return nil, fmt.Errorf("%w: no settings provided", ErrInvalidRequest)
	}
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUserNotFound, userID)
		}
		return nil, fmt.Errorf("failed to load user '%s': %w", userID, err)
	}

	settings := user.UsagePricingSettings
	if req.EnableUsageBasedPricing != nil {
		settings.EnableUsageBasedPricing = *req.EnableUsageBasedPricing
	}
	if req.EnablePremiumUsageBasedPricing != nil {
		settings.EnablePremiumUsageBasedPricing = *req.EnablePremiumUsageBasedPricing
	}
	if !settings.EnableUsageBasedPricing {
		settings.EnablePremiumUsageBasedPricing = false
	}

	if err := s.users.UpdateUsageSettings(ctx, userID, settings, s.now()); err != nil {
		return nil, err
	}
	return &settings, nil
}
