package core

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/example/addonhub/internal/db"
	"github.com/example/addonhub/internal/models"
	"github.com/example/addonhub/pkg/cache"
)

const (
	dayLayout = "2006-01-02"

	// Unlimited marks a tier without a daily cap.
	Unlimited int64 = -1

	anonymousDailyLimit = 20
)

var dailyLimits = map[models.Tier]int64{
	models.TierFree:      20,
	models.TierPro:       200,
	models.TierBusiness:  Unlimited,
	models.TierDeveloper: Unlimited,
}

// DailyLimit returns the daily request cap for tier.
func DailyLimit(tier models.Tier) int64 {
	if limit, ok := dailyLimits[tier]; ok {
		return limit
	}
	return dailyLimits[models.TierFree]
}

// Decision is the answer of a quota check.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Message string `json:"message,omitempty"`
	Used    int64  `json:"used"`
	Limit   int64  `json:"limit"`
}

type rateLimitService struct {
	counter cache.Counter
	daily   db.DailyUsageRepository
	logger  *zap.Logger
	now     func() time.Time
}

// NewRateLimitService creates the limiter. Anonymous counters live in counter,
// authenticated ones in the document store.
func NewRateLimitService(counter cache.Counter, daily db.DailyUsageRepository, logger *zap.Logger) RateLimitService {
	return &rateLimitService{counter: counter, daily: daily, logger: logger, now: utcNow}
}

// CheckAnonymous counts one request for the (ip, session) pair. Counter errors deny.
func (s *rateLimitService) CheckAnonymous(ctx context.Context, ip, sessionID string) Decision {
	now := s.now()
	key := fmt.Sprintf("freemium:%s:%s:%s", ip, sessionID, now.Format(dayLayout))

	used, err := s.counter.Incr(ctx, key, nextUTCMidnight(now))
	if err != nil {
		s.logger.Error("Freemium counter unavailable", zap.String("ip", ip), zap.Error(err))
		return Decision{Allowed: false, Message: "Rate limiter unavailable, please try again later", Limit: anonymousDailyLimit}
	}
	if used > anonymousDailyLimit {
		return Decision{
			Allowed: false,
			Message: fmt.Sprintf("Daily free limit of %d requests reached. Sign in and subscribe for more.", anonymousDailyLimit),
			Used:    anonymousDailyLimit,
			Limit:   anonymousDailyLimit,
		}
	}
	return Decision{Allowed: true, Used: used, Limit: anonymousDailyLimit}
}

func (s *rateLimitService) CheckUser(ctx context.Context, userID string, tier models.Tier) Decision {
	limit := DailyLimit(tier)
	if limit == Unlimited {
		return Decision{Allowed: true, Limit: Unlimited}
	}

	now := s.now()
	used, allowed, err := s.daily.IncrementIfBelow(ctx, userID, now.Format(dayLayout), limit, now)
	if err != nil {
		s.logger.Error("Daily usage counter unavailable", zap.String("userID", userID), zap.Error(err))
		return Decision{Allowed: false, Message: "Rate limiter unavailable, please try again later", Limit: limit}
	}
	if !allowed {
		return Decision{
			Allowed: false,
			Message: fmt.Sprintf("Daily limit of %d requests reached for the %s tier", limit, tier),
			Used:    used,
			Limit:   limit,
		}
	}
	return Decision{Allowed: true, Used: used, Limit: limit}
}

func nextUTCMidnight(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, time.UTC)
}
