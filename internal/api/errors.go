package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/addonhub/internal/core"
)

// respondError maps service errors to HTTP status codes and an ErrorResponse.
func respondError(c *gin.Context, logger *zap.Logger, upgradeURL string, err error) {
	var statusCode int
	var resp ErrorResponse

	switch {
	case errors.Is(err, core.ErrEntitlementRequired):
		statusCode = http.StatusForbidden
		resp = ErrorResponse{Error: "Subscription required", Details: err.Error(), UpgradeURL: upgradeURL}
	case errors.Is(err, core.ErrInvalidRequest), errors.Is(err, core.ErrUnknownPrice):
		statusCode = http.StatusBadRequest
		resp = ErrorResponse{Error: "Invalid request", Details: err.Error()}
	case errors.Is(err, core.ErrWebhookSignature):
		statusCode = http.StatusBadRequest
		resp = ErrorResponse{Error: "Webhook signature verification failed"}
	case errors.Is(err, core.ErrUserStripeNotLinked):
		statusCode = http.StatusBadRequest
		resp = ErrorResponse{Error: "User not linked to payment provider", Details: err.Error()}
	case errors.Is(err, core.ErrAlreadySubscribed):
		statusCode = http.StatusConflict
		resp = ErrorResponse{Error: "Already subscribed", Details: err.Error()}
	case errors.Is(err, core.ErrUserNotFound), errors.Is(err, core.ErrSubscriptionNotFound), errors.Is(err, core.ErrContentNotFound),
		errors.Is(err, core.ErrDeviceNotFound):
		statusCode = http.StatusNotFound
		resp = ErrorResponse{Error: "Not found", Details: err.Error()}
	case errors.Is(err, core.ErrGateway):
		statusCode = http.StatusBadGateway
		resp = ErrorResponse{Error: "Payment provider error", Details: "Could not complete the operation with the payment provider."}
		logger.Error("Payment gateway error", zap.String("path", c.Request.URL.Path), zap.Error(err))
	case errors.Is(err, core.ErrStorageNotConfigured):
		statusCode = http.StatusServiceUnavailable
		resp = ErrorResponse{Error: "Content storage is not configured"}
	case errors.Is(err, core.ErrWebhookProcessing):
		// Non-2xx makes the gateway redeliver.
		statusCode = http.StatusInternalServerError
		resp = ErrorResponse{Error: "Webhook processing error"}
		logger.Error("Webhook processing failed", zap.Error(err))
	default:
		statusCode = http.StatusInternalServerError
		resp = ErrorResponse{Error: "An unexpected internal server error occurred."}
		logger.Error("Internal server error", zap.String("path", c.Request.URL.Path), zap.Error(err))
	}
	_ = c.Error(err)
	c.JSON(statusCode, resp)
}
