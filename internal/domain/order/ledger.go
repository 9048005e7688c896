package order

import (
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-promotions/internal/domain/calculator"
)

// Source types recognised on adjustments.
const (
	SourcePromotionAction = calculator.OwnerPromotionAction
	SourceManual          = "manual"
)

// Source references what created an adjustment.
type Source struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// Adjustment is a signed monetary delta attached to an order. Discounts are
// negative. A FreeShipping adjustment carries no amount; its presence zeroes
// the shipping total.
type Adjustment struct {
	ID            string          `json:"id"`
	OrderID       string          `json:"order_id"`
	Label         string          `json:"label"`
	Amount        decimal.Decimal `json:"amount"`
	Source        Source          `json:"source"`
	PromotionID   string          `json:"promotion_id,omitempty"`
	PromotionCode string          `json:"promotion_code,omitempty"`
	FreeShipping  bool            `json:"free_shipping,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// IsPromotion reports whether a promotion action created the adjustment.
func (a Adjustment) IsPromotion() bool {
	return a.Source.Type == SourcePromotionAction
}

// PromotionAdjustments returns the promotion-sourced adjustments.
func (o *Order) PromotionAdjustments() []Adjustment {
	var out []Adjustment
	for _, a := range o.Adjustments {
		if a.IsPromotion() {
			out = append(out, a)
		}
	}
	return out
}

// HasAdjustmentFrom reports whether promotionID has an adjustment on the order.
func (o *Order) HasAdjustmentFrom(promotionID string) bool {
	for _, a := range o.Adjustments {
		if a.IsPromotion() && a.PromotionID == promotionID {
			return true
		}
	}
	return false
}

// AppliedPromotionIDs returns the distinct promotions with adjustments on
// the order, in ledger order.
func (o *Order) AppliedPromotionIDs() []string {
	var ids []string
	for _, a := range o.Adjustments {
		if a.IsPromotion() && !slices.Contains(ids, a.PromotionID) {
			ids = append(ids, a.PromotionID)
		}
	}
	return ids
}

// CouponApplied reports whether a promotion activated with code is applied.
func (o *Order) CouponApplied(code string) bool {
	for _, a := range o.Adjustments {
		if a.IsPromotion() && a.PromotionCode != "" && a.PromotionCode == code {
			return true
		}
	}
	return false
}

// RemovePromotionAdjustments detaches every promotion adjustment and returns
// the removed ones.
func (o *Order) RemovePromotionAdjustments() []Adjustment {
	var removed []Adjustment
	o.Adjustments = slices.DeleteFunc(o.Adjustments, func(a Adjustment) bool {
		if a.IsPromotion() {
			removed = append(removed, a)
			return true
		}
		return false
	})
	return removed
}

// RemoveAdjustmentsFrom detaches the adjustments created by promotionID.
func (o *Order) RemoveAdjustmentsFrom(promotionID string) {
	o.Adjustments = slices.DeleteFunc(o.Adjustments, func(a Adjustment) bool {
		return a.IsPromotion() && a.PromotionID == promotionID
	})
}

// UpsertAdjustment attaches a, replacing an existing adjustment from the
// same source in place. It returns the stored adjustment.
func (o *Order) UpsertAdjustment(a Adjustment) Adjustment {
	a.OrderID = o.ID
	for i, cur := range o.Adjustments {
		if cur.Source == a.Source {
			a.ID = cur.ID
			if a.CreatedAt.IsZero() {
				a.CreatedAt = cur.CreatedAt
			}
			o.Adjustments[i] = a
			return a
		}
	}
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	o.Adjustments = append(o.Adjustments, a)
	return a
}

// FreeShipping reports whether a free-shipping adjustment is present.
func (o *Order) FreeShipping() bool {
	for _, a := range o.Adjustments {
		if a.FreeShipping {
			return true
		}
	}
	return false
}

// ShippingTotal returns the effective shipping cost.
func (o *Order) ShippingTotal() decimal.Decimal {
	if o.FreeShipping() {
		return decimal.Zero
	}
	return o.ShipmentTotal
}

// PromotionValue returns how much promotionID saves the customer, counting
// waived shipping for free-shipping adjustments.
func (o *Order) PromotionValue(promotionID string) decimal.Decimal {
	value := decimal.Zero
	for _, a := range o.Adjustments {
		if !a.IsPromotion() || a.PromotionID != promotionID {
			continue
		}
		value = value.Sub(a.Amount)
		if a.FreeShipping {
			value = value.Add(o.ShipmentTotal)
		}
	}
	return value
}

// Recompute refreshes ItemTotal, AdjustmentTotal and Total:
// total = item total + shipping + tax + adjustments, floored at zero.
// Unpriced lines count as zero; see UnpricedItems.
func (o *Order) Recompute() {
	items, _ := o.CalculatorInput().PricedTotal()

	adjustments := decimal.Zero
	for _, a := range o.Adjustments {
		adjustments = adjustments.Add(a.Amount)
	}

	total := items.Add(o.ShippingTotal()).Add(o.TaxTotal).Add(adjustments)
	if total.IsNegative() {
		total = decimal.Zero
	}

	o.ItemTotal = items.Round(2)
	o.AdjustmentTotal = adjustments.Round(2)
	o.Total = total.Round(2)
}
