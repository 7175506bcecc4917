package models

// CheckoutRequest represents the request body for starting a checkout.
type CheckoutRequest struct {
	PriceID string `json:"priceId" binding:"required"`
	Trial   bool   `json:"trial"`
}

// UsageTrackingRequest is the body of a metered usage report.
type UsageTrackingRequest struct {
	Model        string `json:"model" binding:"required"`
	RequestCount int64  `json:"requestCount" binding:"gte=0"`
	TokenCount   int64  `json:"tokenCount" binding:"gte=0"`
}

// UpdateUsageSettingsRequest toggles usage-based pricing.
type UpdateUsageSettingsRequest struct {
	EnableUsageBasedPricing        *bool `json:"enableUsageBasedPricing"`
	EnablePremiumUsageBasedPricing *bool `json:"enablePremiumUsageBasedPricing"`
}

// FreemiumQuotaRequest identifies an anonymous client session.
type FreemiumQuotaRequest struct {
	SessionID string `json:"sessionId" binding:"required"`
}

// DownloadRequest asks for one script object.
type DownloadRequest struct {
	Key         string `json:"key" binding:"required"`
	DeviceID    string `json:"deviceId" binding:"required"`
	CurrentHash string `json:"currentHash,omitempty"`
}
