package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/example/addonhub/internal/api"
	"github.com/example/addonhub/internal/config"
	"github.com/example/addonhub/internal/core"
	"github.com/example/addonhub/internal/crypto"
	"github.com/example/addonhub/internal/db"
	"github.com/example/addonhub/internal/gateway"
	"github.com/example/addonhub/internal/middleware"
	"github.com/example/addonhub/pkg/cache"
	"github.com/example/addonhub/pkg/mailer"
	"github.com/example/addonhub/pkg/storage"
)

const memoryCacheEntries = 100_000

func main() {
	// In production, environment variables are set directly.
	if os.Getenv("GIN_MODE") != "release" {
		if err := godotenv.Load(); err != nil {
			log.Println("Warning: Error loading .env file:", err)
		}
	}

	appConfig, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("CRITICAL_ERROR: Failed to load application configuration: %v", err)
	}

	zapLogger, err := newLogger(appConfig)
	if err != nil {
		log.Fatalf("CRITICAL_ERROR: Failed to initialize Zap logger: %v", err)
	}
	defer zapLogger.Sync()

	prices, err := config.LoadPriceTable(appConfig.PriceTablePath)
	if err != nil {
		zapLogger.Fatal("Failed to load price table", zap.String("path", appConfig.PriceTablePath), zap.Error(err))
	}

	initCtx, cancelInit := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelInit()

	useFirestore := appConfig.StoreDriver == config.StoreDriverFirestore
	if err := db.InitFirebase(initCtx, appConfig, useFirestore, zapLogger); err != nil {
		zapLogger.Fatal("Failed to initialize Firebase Admin SDK", zap.Error(err))
	}

	var repos *db.Repositories
	if useFirestore {
		repos = db.NewFirestoreRepositories(db.GetFirestoreClient())
		defer db.GetFirestoreClient().Close()
	} else {
		zapLogger.Warn("Using the in-memory store; data is lost on restart")
		repos = db.NewMemoryStore().Repositories()
	}

	var store cache.Store
	if appConfig.RedisURL != "" {
		redisCache, err := cache.NewRedisCache(initCtx, cache.RedisConfig{URL: appConfig.RedisURL}, zapLogger)
		if err != nil {
			zapLogger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		store = redisCache
	} else {
		zapLogger.Warn("REDIS_URL not set; counters and device queues are process-local")
		store = cache.NewMemoryCache(memoryCacheEntries)
	}
	defer store.Close()

	// The content service expects an untyped nil when storage is off.
	var objects core.ObjectStore
	var cipher *crypto.Cipher
	if appConfig.S3Bucket != "" {
		s3Store, err := storage.NewS3Store(initCtx, storage.S3Config{
			Bucket:          appConfig.S3Bucket,
			Region:          appConfig.S3Region,
			Endpoint:        appConfig.S3Endpoint,
			AccessKeyID:     appConfig.S3AccessKeyID,
			SecretAccessKey: appConfig.S3SecretAccessKey,
		})
		if err != nil {
			zapLogger.Fatal("Failed to initialize S3 store", zap.Error(err))
		}
		objects = s3Store

		key, err := crypto.ParseKey(appConfig.ContentEncryptionKey)
		if err != nil {
			zapLogger.Fatal("Invalid CONTENT_ENCRYPTION_KEY", zap.Error(err))
		}
		if cipher, err = crypto.NewCipher(key); err != nil {
			zapLogger.Fatal("Failed to create content cipher", zap.Error(err))
		}
	} else {
		zapLogger.Warn("S3_BUCKET not set; content endpoints are disabled")
	}

	var mail mailer.Mailer
	if appConfig.PostmarkServerToken != "" {
		pm, err := mailer.NewPostmarkMailer(mailer.PostmarkConfig{
			ServerToken:  appConfig.PostmarkServerToken,
			AccountToken: appConfig.PostmarkAccountToken,
			From:         appConfig.EmailFrom,
		})
		if err != nil {
			zapLogger.Fatal("Failed to initialize Postmark mailer", zap.Error(err))
		}
		mail = pm
	} else {
		zapLogger.Warn("POSTMARK_SERVER_TOKEN not set; emails are only logged")
		mail = mailer.NewLogMailer(zapLogger)
	}

	gw := gateway.NewStripeGateway(appConfig.StripeSecretKey, appConfig.StripeWebhookSecret, appConfig.GatewayTimeout, zapLogger)

	entitlementService := core.NewEntitlementService(repos, prices, store, appConfig.EntitlementCacheTTL, zapLogger)
	trialService := core.NewTrialService(gw, zapLogger)
	guard := core.NewDuplicateGuard(gw, prices, zapLogger)
	notificationService := core.NewNotificationService(repos.Users, mail, appConfig.ClientURL, zapLogger)

	services := api.Services{
		Users:     core.NewUserService(repos.Users, zapLogger),
		Billing:   core.NewBillingService(repos, gw, prices, entitlementService, trialService, guard, appConfig, zapLogger),
		Webhooks:  core.NewWebhookService(gw, repos, prices, guard, entitlementService, notificationService, appConfig.WebhookLease, zapLogger),
		Usage:     core.NewUsageService(repos, gw, appConfig.UsageChargeThresholdMicros, appConfig.UsageChargeLease, zapLogger),
		RateLimit: core.NewRateLimitService(store, repos.DailyUsage, zapLogger),
		Content:   core.NewContentService(objects, cipher, prices, entitlementService, zapLogger),
		Devices:   core.NewDeviceService(repos.Users, store, zapLogger),
	}

	if appConfig.IsRelease() {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}
	router := gin.New()
	router.Use(middleware.RequestLogger(zapLogger))
	router.Use(middleware.RecoveryMiddleware(zapLogger))
	router.Use(middleware.CORSMiddleware(appConfig.ClientURL))

	authMW := middleware.NewAuthMiddleware(db.GetFirebaseAuthClient(), entitlementService, zapLogger)
	api.SetupRoutes(router, appConfig.ClientURL, zapLogger, authMW, services)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%s", appConfig.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		zapLogger.Info("Starting HTTP server", zap.String("address", httpServer.Addr), zap.String("ginMode", gin.Mode()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zapLogger.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	zapLogger.Info("Received shutdown signal", zap.String("signal", sig.String()))

	// Long-polling device requests hold connections for up to 30s.
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 35*time.Second)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		zapLogger.Error("Server forced to shutdown", zap.Error(err))
	}
	zapLogger.Info("Server exiting gracefully")
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	if cfg.IsRelease() {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}
