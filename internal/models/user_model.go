package models

import "time"

// UsagePricingSettings holds the user's opt-ins for usage-based billing.
type UsagePricingSettings struct {
	EnableUsageBasedPricing        bool `json:"enableUsageBasedPricing" firestore:"enableUsageBasedPricing"`
	EnablePremiumUsageBasedPricing bool `json:"enablePremiumUsageBasedPricing" firestore:"enablePremiumUsageBasedPricing"`
}

// User represents a user in the system.
type User struct {
	ID                   string               `json:"id" firestore:"-"` // Firebase Auth UID, will be the document ID
	Email                string               `json:"email" firestore:"email"`
	DisplayName          string               `json:"displayName,omitempty" firestore:"displayName,omitempty"`
	PhotoURL             string               `json:"photoURL,omitempty" firestore:"photoURL,omitempty"`
	Developer            bool                 `json:"developer" firestore:"developer"`
	StripeRole           string               `json:"stripeRole" firestore:"stripeRole"` // cached tier of the primary product
	SubscriptionStatus   string               `json:"subscriptionStatus,omitempty" firestore:"subscriptionStatus,omitempty"`
	SubscriptionID       string               `json:"subscriptionId,omitempty" firestore:"subscriptionId,omitempty"`
	ProductRoles         map[string]string    `json:"productRoles,omitempty" firestore:"productRoles,omitempty"`
	ProductStatus        map[string]string    `json:"productStatus,omitempty" firestore:"productStatus,omitempty"`
	StripeCustomerID     string               `json:"stripeCustomerId,omitempty" firestore:"stripeCustomerId,omitempty"`
	DeviceID             string               `json:"deviceId,omitempty" firestore:"deviceId,omitempty"`
	ReplacedDeviceID     string               `json:"replacedDeviceId,omitempty" firestore:"replacedDeviceId,omitempty"` // may still collect its logout event
	UsagePricingSettings UsagePricingSettings `json:"usagePricingSettings" firestore:"usagePricingSettings"`
	LastPaymentAt        *time.Time           `json:"lastPaymentAt,omitempty" firestore:"lastPaymentAt,omitempty"`
	CreatedAt            time.Time            `json:"createdAt" firestore:"createdAt"`
	UpdatedAt            time.Time            `json:"updatedAt" firestore:"updatedAt"`
}

// UserSubscriptionUpdate is the denormalized subscription state pushed onto a user record.
// Role and status are always written for Product; the top-level stripeRole,
// subscriptionStatus and subscriptionId fields are only written when Primary is set.
type UserSubscriptionUpdate struct {
	Product        ProductType
	Primary        bool
	Role           Tier
	Status         string
	SubscriptionID string
	LastPaymentAt  *time.Time
	At             time.Time
}

// Customer maps a user to the payment gateway customer. Keyed by user id.
type Customer struct {
	UserID    string    `json:"userId" firestore:"-"`
	StripeID  string    `json:"stripeId,omitempty" firestore:"stripeId,omitempty"`
	Email     string    `json:"email,omitempty" firestore:"email,omitempty"`
	Name      string    `json:"name,omitempty" firestore:"name,omitempty"`
	Developer bool      `json:"developer" firestore:"developer"`
	CreatedAt time.Time `json:"createdAt" firestore:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt" firestore:"updatedAt"`
}

// Identity is the authenticated caller, augmented with resolved entitlements.
type Identity struct {
	UserID       string
	Email        string
	DisplayName  string
	PhotoURL     string
	Entitlements *Entitlements
}
