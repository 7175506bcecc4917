package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/addonhub/internal/core"
	"github.com/example/addonhub/internal/models"
)

// UsageHandler handles metering and quota endpoints.
type UsageHandler struct {
	usageService core.UsageService
	rateLimiter  core.RateLimitService
	upgradeURL   string
	logger       *zap.Logger
}

// NewUsageHandler creates a new UsageHandler.
func NewUsageHandler(us core.UsageService, rl core.RateLimitService, upgradeURL string, logger *zap.Logger) *UsageHandler {
	return &UsageHandler{usageService: us, rateLimiter: rl, upgradeURL: upgradeURL, logger: logger}
}

func microsToDollars(m int64) float64 {
	return float64(m) / 1_000_000
}

// TrackUsage handles POST /usage/track. Disabled pricing is reported in the
// body with success=false so the add-on can prompt the user.
func (h *UsageHandler) TrackUsage(c *gin.Context) {
	id, ok := requireIdentity(c)
	if !ok {
		return
	}

	var req models.UsageTrackingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request payload", Details: err.Error()})
		return
	}

	res, err := h.usageService.RecordUsage(c.Request.Context(), id.UserID, core.UsageInput{
		Model:        req.Model,
		RequestCount: req.RequestCount,
		TokenCount:   req.TokenCount,
	})
	if errors.Is(err, core.ErrUsagePricingDisabled) || errors.Is(err, core.ErrPremiumUsageDisabled) {
		c.JSON(http.StatusOK, UsageTrackResponse{Success: false, Message: err.Error()})
		return
	}
	if err != nil {
		respondError(c, h.logger, h.upgradeURL, err)
		return
	}

	c.JSON(http.StatusOK, UsageTrackResponse{
		Success:         true,
		Cost:            microsToDollars(res.CostMicros),
		NewBalance:      microsToDollars(res.NewBalanceMicros),
		Charged:         res.Charged,
		ChargeAmount:    microsToDollars(res.ChargeAmountMicros),
		PaymentIntentID: res.PaymentIntentID,
		ChargeError:     res.ChargeError,
	})
}

// GetUsage handles GET /usage.
func (h *UsageHandler) GetUsage(c *gin.Context) {
	id, ok := requireIdentity(c)
	if !ok {
		return
	}

	summary, err := h.usageService.UsageSummary(c.Request.Context(), id.UserID)
	if err != nil {
		respondError(c, h.logger, h.upgradeURL, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// UpdateUsageSettings handles PUT /usage/settings.
func (h *UsageHandler) UpdateUsageSettings(c *gin.Context) {
	id, ok := requireIdentity(c)
	if !ok {
		return
	}

	var req models.UpdateUsageSettingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request payload", Details: err.Error()})
		return
	}

	settings, err := h.usageService.UpdateUsageSettings(c.Request.Context(), id.UserID, req)
	if err != nil {
		respondError(c, h.logger, h.upgradeURL, err)
		return
	}
	c.JSON(http.StatusOK, settings)
}

// CheckQuota handles POST /ai/quota for signed-in users.
func (h *UsageHandler) CheckQuota(c *gin.Context) {
	id, ok := requireIdentity(c)
	if !ok {
		return
	}
	h.writeDecision(c, h.rateLimiter.CheckUser(c.Request.Context(), id.UserID, effectiveTier(id.Entitlements)))
}

// CheckFreemiumQuota handles POST /ai/freemium/quota for anonymous clients.
func (h *UsageHandler) CheckFreemiumQuota(c *gin.Context) {
	var req models.FreemiumQuotaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request payload", Details: err.Error()})
		return
	}
	h.writeDecision(c, h.rateLimiter.CheckAnonymous(c.Request.Context(), c.ClientIP(), req.SessionID))
}

func (h *UsageHandler) writeDecision(c *gin.Context, d core.Decision) {
	resp := QuotaResponse{Allowed: d.Allowed, Message: d.Message, Used: d.Used, Limit: d.Limit, Remaining: -1}
	if d.Limit != core.Unlimited {
		resp.Remaining = max(d.Limit-d.Used, 0)
	}
	if !d.Allowed {
		c.JSON(http.StatusTooManyRequests, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func effectiveTier(ents *models.Entitlements) models.Tier {
	switch {
	case ents == nil:
		return models.TierFree
	case ents.IsDeveloper:
		return models.TierDeveloper
	case ents.Tier == "":
		return models.TierFree
	}
	return ents.Tier
}
