package gateway

import (
	"encoding/json"
	"time"

	"github.com/stripe/stripe-go/v82"

	"github.com/example/addonhub/internal/models"
)

func unixTime(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

func optionalTime(sec int64) *time.Time {
	if sec == 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}

func toSubscription(s *stripe.Subscription) *models.Subscription {
	out := &models.Subscription{
		ID:                s.ID,
		Status:            string(s.Status),
		Metadata:          s.Metadata,
		TrialStart:        optionalTime(s.TrialStart),
		TrialEnd:          optionalTime(s.TrialEnd),
		CancelAtPeriodEnd: s.CancelAtPeriodEnd,
		CanceledAt:        optionalTime(s.CanceledAt),
		EndedAt:           optionalTime(s.EndedAt),
		Created:           unixTime(s.Created),
	}
	if s.Customer != nil {
		out.CustomerID = s.Customer.ID
	}
	if s.Items != nil {
		for _, it := range s.Items.Data {
			if it == nil {
				continue
			}
			item := models.SubscriptionItem{ID: it.ID, Quantity: it.Quantity}
			// Billing periods live on the items since API version 2025-03-31.
			if out.CurrentPeriodStart.IsZero() {
				out.CurrentPeriodStart = unixTime(it.CurrentPeriodStart)
				out.CurrentPeriodEnd = unixTime(it.CurrentPeriodEnd)
			}
			if it.Price != nil {
				item.PriceID = it.Price.ID
				item.UnitAmount = it.Price.UnitAmount
				item.Currency = string(it.Price.Currency)
				if it.Price.Recurring != nil {
					item.Interval = string(it.Price.Recurring.Interval)
				}
			}
			out.Items = append(out.Items, item)
		}
	}
	return out
}

func toInvoice(inv *stripe.Invoice) *Invoice {
	out := &Invoice{
		ID:            inv.ID,
		BillingReason: string(inv.BillingReason),
		AmountPaid:    inv.AmountPaid,
		Currency:      string(inv.Currency),
	}
	if inv.Customer != nil {
		out.CustomerID = inv.Customer.ID
	}
	if inv.Parent != nil && inv.Parent.SubscriptionDetails != nil && inv.Parent.SubscriptionDetails.Subscription != nil {
		out.SubscriptionID = inv.Parent.SubscriptionDetails.Subscription.ID
	}
	if inv.Lines != nil {
		for _, l := range inv.Lines.Data {
			if l != nil && l.Pricing != nil && l.Pricing.PriceDetails != nil && l.Pricing.PriceDetails.Price != "" {
				out.PriceIDs = append(out.PriceIDs, l.Pricing.PriceDetails.Price)
			}
		}
	}
	return out
}

// legacySubscription holds the fields older API versions put on the subscription itself.
type legacySubscription struct {
	CurrentPeriodStart int64 `json:"current_period_start"`
	CurrentPeriodEnd   int64 `json:"current_period_end"`
}

// legacyInvoice holds the fields older API versions put on the invoice itself.
type legacyInvoice struct {
	Subscription *stripe.Subscription `json:"subscription"`
	Lines        struct {
		Data []struct {
			Price *stripe.Price `json:"price"`
		} `json:"data"`
	} `json:"lines"`
}

// applyLegacySubscription fills what raw carries in the pre-2025 layout.
func applyLegacySubscription(out *models.Subscription, raw json.RawMessage) {
	if !out.CurrentPeriodStart.IsZero() {
		return
	}
	var legacy legacySubscription
	if json.Unmarshal(raw, &legacy) != nil {
		return
	}
	out.CurrentPeriodStart = unixTime(legacy.CurrentPeriodStart)
	out.CurrentPeriodEnd = unixTime(legacy.CurrentPeriodEnd)
}

func applyLegacyInvoice(out *Invoice, raw json.RawMessage) {
	if out.SubscriptionID != "" && len(out.PriceIDs) > 0 {
		return
	}
	var legacy legacyInvoice
	if json.Unmarshal(raw, &legacy) != nil {
		return
	}
	if out.SubscriptionID == "" && legacy.Subscription != nil {
		out.SubscriptionID = legacy.Subscription.ID
	}
	if len(out.PriceIDs) == 0 {
		for _, l := range legacy.Lines.Data {
			if l.Price != nil && l.Price.ID != "" {
				out.PriceIDs = append(out.PriceIDs, l.Price.ID)
			}
		}
	}
}

func toCheckoutCompleted(cs *stripe.CheckoutSession) *CheckoutCompleted {
	out := &CheckoutCompleted{
		SessionID:         cs.ID,
		ClientReferenceID: cs.ClientReferenceID,
		Metadata:          cs.Metadata,
	}
	if cs.Customer != nil {
		out.CustomerID = cs.Customer.ID
	}
	if cs.Subscription != nil {
		out.SubscriptionID = cs.Subscription.ID
	}
	return out
}
