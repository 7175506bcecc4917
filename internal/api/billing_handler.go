package api

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/addonhub/internal/core"
	"github.com/example/addonhub/internal/models"
)

// Stripe caps event payloads well below this.
const maxWebhookBodyBytes = 1 << 20

// BillingHandler handles checkout, subscription and webhook endpoints.
type BillingHandler struct {
	billingService core.BillingService
	webhookService core.WebhookService
	upgradeURL     string
	logger         *zap.Logger
}

// NewBillingHandler creates a new BillingHandler.
func NewBillingHandler(bs core.BillingService, ws core.WebhookService, upgradeURL string, logger *zap.Logger) *BillingHandler {
	return &BillingHandler{billingService: bs, webhookService: ws, upgradeURL: upgradeURL, logger: logger}
}

// CreateCheckoutSession handles POST /billing/checkout.
func (h *BillingHandler) CreateCheckoutSession(c *gin.Context) {
	id, ok := requireIdentity(c)
	if !ok {
		return
	}

	var req models.CheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request payload", Details: err.Error()})
		return
	}

	res, err := h.billingService.CreateCheckoutSession(c.Request.Context(), id, req)
	if err != nil {
		respondError(c, h.logger, h.upgradeURL, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// CreatePortalSession handles POST /billing/portal.
func (h *BillingHandler) CreatePortalSession(c *gin.Context) {
	id, ok := requireIdentity(c)
	if !ok {
		return
	}

	url, err := h.billingService.CreatePortalSession(c.Request.Context(), id.UserID)
	if err != nil {
		respondError(c, h.logger, h.upgradeURL, err)
		return
	}
	c.JSON(http.StatusOK, PortalSessionResponse{URL: url})
}

// CancelSubscription handles POST /billing/subscriptions/:product/cancel.
func (h *BillingHandler) CancelSubscription(c *gin.Context) {
	id, ok := requireIdentity(c)
	if !ok {
		return
	}

	sub, err := h.billingService.CancelSubscription(c.Request.Context(), id.UserID, models.ProductType(c.Param("product")))
	if err != nil {
		respondError(c, h.logger, h.upgradeURL, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "Subscription will cancel at the end of the billing period", Data: sub})
}

// GetSubscriptionStatus handles GET /subscription/status.
func (h *BillingHandler) GetSubscriptionStatus(c *gin.Context) {
	id, ok := requireIdentity(c)
	if !ok {
		return
	}

	status, err := h.billingService.SubscriptionStatus(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.logger, h.upgradeURL, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// GetTrialStatus handles GET /subscription/trial-status.
func (h *BillingHandler) GetTrialStatus(c *gin.Context) {
	id, ok := requireIdentity(c)
	if !ok {
		return
	}

	info, err := h.billingService.TrialStatus(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.logger, h.upgradeURL, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

// SyncSubscriptions handles POST /subscription/sync. It refreshes the stored
// subscriptions from Stripe for callers whose webhook never landed.
func (h *BillingHandler) SyncSubscriptions(c *gin.Context) {
	id, ok := requireIdentity(c)
	if !ok {
		return
	}

	res, err := h.billingService.SyncSubscriptions(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.logger, h.upgradeURL, err)
		return
	}
	h.logger.Info("Subscriptions synced",
		zap.String("userID", id.UserID),
		zap.String("customerID", res.CustomerID),
		zap.Int("count", len(res.Subscriptions)))
	c.JSON(http.StatusOK, res)
}

// VerifyAccess handles GET /subscription/verify.
func (h *BillingHandler) VerifyAccess(c *gin.Context) {
	id, ok := requireIdentity(c)
	if !ok {
		return
	}

	summary, err := h.billingService.VerifyAccess(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.logger, h.upgradeURL, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// HandleStripeWebhook handles POST /billing/webhooks/stripe. The endpoint is
// public; Stripe authenticates with the Stripe-Signature header.
func (h *BillingHandler) HandleStripeWebhook(c *gin.Context) {
	signature := c.GetHeader("Stripe-Signature")
	if signature == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Missing Stripe-Signature header"})
		return
	}

	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBodyBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Failed to read webhook payload", Details: err.Error()})
		return
	}

	outcome, err := h.webhookService.HandleWebhook(c.Request.Context(), payload, signature)
	if err != nil {
		respondError(c, h.logger, "", err)
		return
	}
	c.JSON(http.StatusOK, WebhookResponse{Received: true, Outcome: string(outcome)})
}
