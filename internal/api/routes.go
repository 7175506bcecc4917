package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/addonhub/internal/core"
	"github.com/example/addonhub/internal/middleware"
)

const devicePollTimeout = 30 * time.Second

// Services bundles what the handlers call.
type Services struct {
	Users     core.UserService
	Billing   core.BillingService
	Webhooks  core.WebhookService
	Usage     core.UsageService
	RateLimit core.RateLimitService
	Content   core.ContentService
	Devices   core.DeviceService
}

// SetupRoutes configures all the application routes with their handlers and
// middleware. Global middleware (logging, recovery, CORS) is applied in main.
func SetupRoutes(router *gin.Engine, clientURL string, logger *zap.Logger, authMW *middleware.AuthMiddleware, svc Services) {
	upgradeURL := clientURL + "/pricing"

	userHandler := NewUserHandler(svc.Users, logger)
	billingHandler := NewBillingHandler(svc.Billing, svc.Webhooks, upgradeURL, logger)
	usageHandler := NewUsageHandler(svc.Usage, svc.RateLimit, upgradeURL, logger)
	contentHandler := NewContentHandler(svc.Content, upgradeURL, logger)
	deviceHandler := NewDeviceHandler(svc.Devices, devicePollTimeout, logger)

	apiV1 := router.Group("/api/v1")
	{
		users := apiV1.Group("/users", authMW.VerifyToken())
		{
			users.POST("/initialize", userHandler.InitializeUserProfile)
			users.GET("/me", userHandler.GetCurrentUserProfile)
		}

		billing := apiV1.Group("/billing")
		{
			// Stripe authenticates webhooks by signature, not bearer token.
			billing.POST("/webhooks/stripe", billingHandler.HandleStripeWebhook)

			billing.POST("/checkout", authMW.VerifyToken(), billingHandler.CreateCheckoutSession)
			billing.POST("/portal", authMW.VerifyToken(), billingHandler.CreatePortalSession)
			billing.POST("/subscriptions/:product/cancel", authMW.VerifyToken(), billingHandler.CancelSubscription)
		}

		subscription := apiV1.Group("/subscription", authMW.VerifyToken())
		{
			subscription.GET("/status", billingHandler.GetSubscriptionStatus)
			subscription.GET("/trial-status", billingHandler.GetTrialStatus)
			subscription.GET("/verify", billingHandler.VerifyAccess)
			subscription.POST("/sync", billingHandler.SyncSubscriptions)
		}

		usage := apiV1.Group("/usage", authMW.VerifyToken())
		{
			usage.GET("", usageHandler.GetUsage)
			usage.POST("/track", usageHandler.TrackUsage)
			usage.PUT("/settings", usageHandler.UpdateUsageSettings)
		}

		ai := apiV1.Group("/ai")
		{
			ai.POST("/quota", authMW.VerifyToken(), usageHandler.CheckQuota)
			ai.POST("/freemium/quota", usageHandler.CheckFreemiumQuota)
		}

		content := apiV1.Group("/content", authMW.VerifyToken())
		{
			content.GET("/scripts", contentHandler.ListScripts)
			content.POST("/download", contentHandler.Download)
		}

		devices := apiV1.Group("/devices", authMW.VerifyToken())
		{
			devices.POST("/register", deviceHandler.Register)
			devices.GET("/:deviceId/events", deviceHandler.NextEvent)
			devices.DELETE("/:deviceId", deviceHandler.Disconnect)
		}
	}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "UP"})
	})

	logger.Info("API routes configured under /api/v1 and /health")
}
