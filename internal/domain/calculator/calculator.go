// Package calculator implements the amount strategies used by promotion
// actions and other calculable owners such as shipping methods.
package calculator

import (
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Kind enumerates the supported calculator strategies.
type Kind string

const (
	// KindFlatRate returns a constant amount regardless of the order.
	KindFlatRate Kind = "flat_rate"
	// KindFlatPercent returns a percentage of the item total.
	KindFlatPercent Kind = "flat_percent"
	// KindPerItem charges a rate for every unit in the order.
	KindPerItem Kind = "per_item"
	// KindFlatRatePerLineItem charges a rate for every line item.
	KindFlatRatePerLineItem Kind = "flat_rate_per_line_item"
	// KindFreeShipping always computes zero; its presence marks free shipping.
	KindFreeShipping Kind = "free_shipping"
)

// Owner types for Calculable references.
const (
	// OwnerPromotionAction is the owner type of promotion action calculators.
	OwnerPromotionAction = "promotion_action"
	// OwnerShippingMethod is the owner type of shipping method calculators.
	OwnerShippingMethod = "shipping_method"
)

var (
	// ErrMissingPrice is returned when a line item carries no price.
	ErrMissingPrice = errors.New("line item price missing")
	// ErrUnknownCalculator is returned for an unsupported calculator kind.
	ErrUnknownCalculator = errors.New("unknown calculator")
)

var hundred = decimal.NewFromInt(100)

// Calculable references the owner of a calculator by id and type. It is a
// loose reference, not a foreign key.
type Calculable struct {
	ID   string `json:"id" yaml:"id"`
	Type string `json:"type" yaml:"type"`
}

// Item is a priced line of the calculable context.
type Item struct {
	ProductID string
	Price     decimal.NullDecimal
	Quantity  int
}

// Input is the context a calculator computes over.
type Input struct {
	Items []Item
}

// ItemTotal returns the sum of price * quantity across all items.
func (in Input) ItemTotal() (decimal.Decimal, error) {
	sum := decimal.Zero
	for _, it := range in.Items {
		if !it.Price.Valid {
			return decimal.Zero, errors.Wrapf(ErrMissingPrice, "product %s", it.ProductID)
		}
		sum = sum.Add(it.Price.Decimal.Mul(decimal.NewFromInt(int64(it.Quantity))))
	}
	return sum, nil
}

// PricedTotal sums price * quantity over the priced items only. It reports
// whether any item was skipped for lacking a price.
func (in Input) PricedTotal() (sum decimal.Decimal, missing bool) {
	for _, it := range in.Items {
		if !it.Price.Valid {
			missing = true
			continue
		}
		sum = sum.Add(it.Price.Decimal.Mul(decimal.NewFromInt(int64(it.Quantity))))
	}
	return sum, missing
}

// Calculator computes a non-negative monetary amount for an input.
type Calculator interface {
	Kind() Kind
	Compute(in Input) (decimal.Decimal, error)
}

// Definition is the stored form of a calculator and its preferences.
type Definition struct {
	Kind       Kind            `json:"kind" yaml:"kind"`
	Amount     decimal.Decimal `json:"amount,omitempty" yaml:"amount,omitempty"`
	Percent    decimal.Decimal `json:"percent,omitempty" yaml:"percent,omitempty"`
	Currency   string          `json:"currency,omitempty" yaml:"currency,omitempty"`
	Calculable Calculable      `json:"calculable" yaml:"calculable"`
}

// New builds the calculator described by def.
func New(def Definition) (Calculator, error) {
	if def.Amount.IsNegative() || def.Percent.IsNegative() {
		return nil, errors.Errorf("calculator %s: negative preference", def.Kind)
	}
	switch def.Kind {
	case KindFlatRate:
		return FlatRate{Amount: def.Amount}, nil
	case KindFlatPercent:
		return FlatPercent{Percent: def.Percent}, nil
	case KindPerItem:
		return PerItem{Amount: def.Amount}, nil
	case KindFlatRatePerLineItem:
		return FlatRatePerLineItem{Amount: def.Amount}, nil
	case KindFreeShipping:
		return FreeShipping{}, nil
	default:
		return nil, errors.Wrapf(ErrUnknownCalculator, "%q", def.Kind)
	}
}

// FlatRate returns Amount independent of the input.
type FlatRate struct {
	Amount decimal.Decimal
}

// Kind implements Calculator.
func (FlatRate) Kind() Kind { return KindFlatRate }

// Compute implements Calculator.
func (c FlatRate) Compute(Input) (decimal.Decimal, error) {
	return round(c.Amount), nil
}

// FlatPercent returns Percent of the input item total.
type FlatPercent struct {
	Percent decimal.Decimal
}

// Kind implements Calculator.
func (FlatPercent) Kind() Kind { return KindFlatPercent }

// Compute fails with ErrMissingPrice when a line is unpriced.
func (c FlatPercent) Compute(in Input) (decimal.Decimal, error) {
	total, err := in.ItemTotal()
	if err != nil {
		return decimal.Zero, err
	}
	return round(total.Mul(c.Percent).Div(hundred)), nil
}

// PerItem charges Amount per unit.
type PerItem struct {
	Amount decimal.Decimal
}

// Kind implements Calculator.
func (PerItem) Kind() Kind { return KindPerItem }

// Compute implements Calculator. Prices are not needed.
func (c PerItem) Compute(in Input) (decimal.Decimal, error) {
	sum := decimal.Zero
	for _, it := range in.Items {
		sum = sum.Add(c.Amount.Mul(decimal.NewFromInt(int64(it.Quantity))))
	}
	return round(sum), nil
}

// FlatRatePerLineItem charges Amount per line item, ignoring quantities.
type FlatRatePerLineItem struct {
	Amount decimal.Decimal
}

// Kind implements Calculator.
func (FlatRatePerLineItem) Kind() Kind { return KindFlatRatePerLineItem }

// Compute implements Calculator. Prices are not needed.
func (c FlatRatePerLineItem) Compute(in Input) (decimal.Decimal, error) {
	return round(c.Amount.Mul(decimal.NewFromInt(int64(len(in.Items))))), nil
}

// FreeShipping computes nothing; callers check the kind.
type FreeShipping struct{}

// Kind implements Calculator.
func (FreeShipping) Kind() Kind { return KindFreeShipping }

// Compute implements Calculator.
func (FreeShipping) Compute(Input) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

// round rounds to cents, half away from zero. Amounts are never negative
// here, so this is round-half-up.
func round(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}
