package api

// ErrorResponse is a generic structure for returning errors via API.
type ErrorResponse struct {
	Error      string `json:"error"`
	Details    string `json:"details,omitempty"`
	UpgradeURL string `json:"upgradeUrl,omitempty"`
}

// SuccessResponse is a generic structure for simple success messages.
type SuccessResponse struct {
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// WebhookResponse acknowledges a gateway delivery.
type WebhookResponse struct {
	Received bool   `json:"received"`
	Outcome  string `json:"outcome"`
}

// PortalSessionResponse returns the URL of the customer portal.
type PortalSessionResponse struct {
	URL string `json:"url"`
}

// UsageTrackResponse reports one metered call. Amounts are in dollars.
type UsageTrackResponse struct {
	Success         bool    `json:"success"`
	Message         string  `json:"message,omitempty"`
	Cost            float64 `json:"cost"`
	NewBalance      float64 `json:"newBalance"`
	Charged         bool    `json:"charged"`
	ChargeAmount    float64 `json:"chargeAmount,omitempty"`
	PaymentIntentID string  `json:"paymentIntentId,omitempty"`
	ChargeError     string  `json:"chargeError,omitempty"`
}

// QuotaResponse is a rate limit decision. Limit is -1 for unlimited tiers.
type QuotaResponse struct {
	Allowed   bool   `json:"allowed"`
	Message   string `json:"message,omitempty"`
	Used      int64  `json:"used"`
	Limit     int64  `json:"limit"`
	Remaining int64  `json:"remaining"`
}

// DeviceRegisterRequest registers the caller's desktop add-on.
type DeviceRegisterRequest struct {
	DeviceID string `json:"deviceId" binding:"required"`
}
