package core

import "errors"

// Service errors. The api package maps them to HTTP status codes.
var (
	ErrUserNotFound         = errors.New("user not found")
	ErrEntitlementRequired  = errors.New("an active subscription is required")
	ErrInvalidRequest       = errors.New("invalid request")
	ErrUnknownPrice         = errors.New("unknown price id")
	ErrGateway              = errors.New("payment gateway request failed")
	ErrAlreadySubscribed    = errors.New("an active subscription already exists for this product")
	ErrSubscriptionNotFound = errors.New("no active subscription for this product")
	ErrUserStripeNotLinked  = errors.New("user does not have a Stripe customer ID")
	ErrWebhookSignature     = errors.New("stripe webhook signature verification failed")
	ErrWebhookProcessing    = errors.New("stripe webhook processing failed")
	ErrUsagePricingDisabled = errors.New("usage-based pricing is not enabled")
	ErrPremiumUsageDisabled = errors.New("premium usage-based pricing is not enabled")
	ErrContentNotFound      = errors.New("content not found")
	ErrStorageNotConfigured = errors.New("content storage is not configured")
	ErrDeviceNotFound       = errors.New("device is not registered to this user")
)
