package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store drivers. Firestore is the only driver allowed in release mode; the
// memory driver keeps billing state in process memory and is for local runs.
const (
	StoreDriverFirestore = "firestore"
	StoreDriverMemory    = "memory"
)

// Config holds all configuration for the application.
// Every field is read from the environment variable named in its mapstructure tag.
type Config struct {
	Port                             string `mapstructure:"PORT"`
	GinMode                          string `mapstructure:"GIN_MODE"`
	StoreDriver                      string `mapstructure:"STORE_DRIVER"`
	FirebaseProjectID                string `mapstructure:"FIREBASE_PROJECT_ID"`
	GoogleApplicationCredentials     string `mapstructure:"GOOGLE_APPLICATION_CREDENTIALS"`
	FirebaseServiceAccountJSONBase64 string `mapstructure:"FIREBASE_SERVICE_ACCOUNT_JSON_BASE64"`
	StripeSecretKey                  string `mapstructure:"STRIPE_SECRET_KEY"`
	StripeWebhookSecret              string `mapstructure:"STRIPE_WEBHOOK_SECRET"`
	ClientURL                        string `mapstructure:"CLIENT_URL"`
	PriceTablePath                   string `mapstructure:"PRICE_TABLE_PATH"`

	// Cache, counters and device queues. Empty selects the in-memory cache.
	RedisURL string `mapstructure:"REDIS_URL"`

	// Content storage. Downloads answer 503 when S3_BUCKET is unset.
	S3Bucket          string `mapstructure:"S3_BUCKET"`
	S3Region          string `mapstructure:"S3_REGION"`
	S3Endpoint        string `mapstructure:"S3_ENDPOINT"`
	S3AccessKeyID     string `mapstructure:"S3_ACCESS_KEY_ID"`
	S3SecretAccessKey string `mapstructure:"S3_SECRET_ACCESS_KEY"`

	ContentEncryptionKey string `mapstructure:"CONTENT_ENCRYPTION_KEY"` // Base64 encoded, 32 bytes

	// Transactional email. Without a server token emails are only logged.
	PostmarkServerToken  string `mapstructure:"POSTMARK_SERVER_TOKEN"`
	PostmarkAccountToken string `mapstructure:"POSTMARK_ACCOUNT_TOKEN"`
	EmailFrom            string `mapstructure:"EMAIL_FROM"`

	// Billing tunables. Durations accept Go duration strings such as "2m".
	UsageChargeThresholdMicros int64         `mapstructure:"USAGE_CHARGE_THRESHOLD_MICROS"`
	UsageChargeLease           time.Duration `mapstructure:"USAGE_CHARGE_LEASE"`
	EntitlementCacheTTL        time.Duration `mapstructure:"ENTITLEMENT_CACHE_TTL"`
	WebhookLease               time.Duration `mapstructure:"WEBHOOK_LEASE"`
	GatewayTimeout             time.Duration `mapstructure:"GATEWAY_TIMEOUT"`
	TrialDays                  int64         `mapstructure:"TRIAL_DAYS"`
}

// LoadConfig loads configuration from environment variables using Viper,
// applies defaults and validates the result. Callers load a .env file first
// when running outside release mode.
func LoadConfig() (*Config, error) {
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("PORT", "8080")
	viper.SetDefault("GIN_MODE", "debug")
	viper.SetDefault("STORE_DRIVER", StoreDriverFirestore)
	viper.SetDefault("PRICE_TABLE_PATH", "configs/prices.yaml")
	viper.SetDefault("S3_REGION", "us-east-1")
	viper.SetDefault("EMAIL_FROM", "support@blenderbin.com")
	viper.SetDefault("USAGE_CHARGE_THRESHOLD_MICROS", int64(20_000_000))
	viper.SetDefault("USAGE_CHARGE_LEASE", 2*time.Minute)
	viper.SetDefault("ENTITLEMENT_CACHE_TTL", 30*time.Second)
	viper.SetDefault("WEBHOOK_LEASE", 2*time.Minute)
	viper.SetDefault("GATEWAY_TIMEOUT", 15*time.Second)
	viper.SetDefault("TRIAL_DAYS", int64(7))

	// Bind environment variables
	for _, key := range []string{
		"FIREBASE_PROJECT_ID",
		"GOOGLE_APPLICATION_CREDENTIALS",
		"FIREBASE_SERVICE_ACCOUNT_JSON_BASE64",
		"STRIPE_SECRET_KEY",
		"STRIPE_WEBHOOK_SECRET",
		"CLIENT_URL",
		"REDIS_URL",
		"S3_BUCKET",
		"S3_ENDPOINT",
		"S3_ACCESS_KEY_ID",
		"S3_SECRET_ACCESS_KEY",
		"CONTENT_ENCRYPTION_KEY",
		"POSTMARK_SERVER_TOKEN",
		"POSTMARK_ACCOUNT_TOKEN",
	} {
		_ = viper.BindEnv(key)
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, errors.New("failed to unmarshal config: " + err.Error())
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks required fields and rejects combinations that are unsafe
// in production.
func (c *Config) Validate() error {
	if c.StoreDriver != StoreDriverFirestore && c.StoreDriver != StoreDriverMemory {
		return errors.New("STORE_DRIVER must be firestore or memory")
	}
	// Entitlements and the billing ledgers must survive restarts and be
	// shared between instances.
	if c.IsRelease() && c.StoreDriver == StoreDriverMemory {
		return errors.New("STORE_DRIVER=memory is not allowed when GIN_MODE=release")
	}
	// ID token verification only needs the project id; credentials are for Firestore.
	if c.FirebaseProjectID == "" {
		return errors.New("FIREBASE_PROJECT_ID is required")
	}
	if c.StoreDriver == StoreDriverFirestore &&
		c.GoogleApplicationCredentials == "" && c.FirebaseServiceAccountJSONBase64 == "" {
		return errors.New("either GOOGLE_APPLICATION_CREDENTIALS or FIREBASE_SERVICE_ACCOUNT_JSON_BASE64 is required")
	}
	if c.StripeSecretKey == "" {
		return errors.New("STRIPE_SECRET_KEY is required")
	}
	if c.StripeWebhookSecret == "" {
		return errors.New("STRIPE_WEBHOOK_SECRET is required")
	}
	if c.ClientURL == "" {
		return errors.New("CLIENT_URL is required")
	}
	if c.UsageChargeThresholdMicros <= 0 {
		return errors.New("USAGE_CHARGE_THRESHOLD_MICROS must be positive")
	}
	return nil
}

// IsRelease reports whether gin runs in release mode.
func (c *Config) IsRelease() bool {
	return c.GinMode == "release"
}
