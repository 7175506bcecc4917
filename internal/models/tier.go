package models

import "strings"

// Tier is a subscription level. Ordering is defined by Rank.
type Tier string

const (
	TierFree      Tier = "free"
	TierDeveloper Tier = "developer"
	TierPro       Tier = "pro"
	TierBusiness  Tier = "business"
)

// Rank orders tiers for precedence: business > pro > developer > free.
func (t Tier) Rank() int {
	switch t {
	case TierBusiness:
		return 3
	case TierPro:
		return 2
	case TierDeveloper:
		return 1
	default:
		return 0
	}
}

// Higher returns whichever of t and other has the greater rank.
func (t Tier) Higher(other Tier) Tier {
	if other.Rank() > t.Rank() {
		return other
	}
	return t
}

// ParseTier converts a stored or configured string into a Tier.
func ParseTier(s string) (Tier, bool) {
	switch Tier(strings.ToLower(strings.TrimSpace(s))) {
	case TierFree:
		return TierFree, true
	case TierDeveloper:
		return TierDeveloper, true
	case TierPro:
		return TierPro, true
	case TierBusiness:
		return TierBusiness, true
	}
	return TierFree, false
}

// ProductType classifies which product line a price belongs to (e.g. "blenderbin", "gizmo").
type ProductType string

// Entitlements is the resolved access answer for a user.
type Entitlements struct {
	Tier         Tier                 `json:"tier"`
	PerProduct   map[ProductType]bool `json:"perProduct"`
	ProductTiers map[ProductType]Tier `json:"productTiers"`
	IsDeveloper  bool                 `json:"isDeveloper"`
}

// Has reports whether the product is granted.
func (e *Entitlements) Has(product ProductType) bool {
	if e == nil {
		return false
	}
	return e.PerProduct[product]
}

// Any reports whether at least one product is granted.
func (e *Entitlements) Any() bool {
	if e == nil {
		return false
	}
	for _, ok := range e.PerProduct {
		if ok {
			return true
		}
	}
	return false
}
