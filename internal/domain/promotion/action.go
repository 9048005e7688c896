package promotion

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-promotions/internal/domain/calculator"
	"github.com/xenking/kart-promotions/internal/domain/order"
)

// ActionKind enumerates the action variants.
type ActionKind string

const (
	// ActionCreateAdjustment attaches a calculated discount.
	ActionCreateAdjustment ActionKind = "create_adjustment"
	// ActionCreateFreeShipping waives shipping.
	ActionCreateFreeShipping ActionKind = "create_free_shipping"
)

// ErrNoCalculator is returned when an adjustment action has no calculator.
var ErrNoCalculator = errors.New("action has no calculator")

// Action is run against an eligible order. Perform attaches at most one
// adjustment per action, so repeating it for the same order is idempotent.
type Action interface {
	Kind() ActionKind
	Perform(ctx context.Context, o *order.Order, payload order.Payload) (bool, error)
}

// CreateAdjustment attaches a discount computed by Calculator. The discount
// never exceeds the total of the order's priced items.
type CreateAdjustment struct {
	ID            string
	PromotionID   string
	PromotionCode string
	Label         string
	Calculator    calculator.Calculator
	// SkipZero makes a zero amount a no-op instead of a zero adjustment.
	SkipZero bool
}

// Kind implements Action.
func (CreateAdjustment) Kind() ActionKind { return ActionCreateAdjustment }

// Perform upserts the adjustment. It reports false when SkipZero dropped a
// zero amount.
func (a CreateAdjustment) Perform(_ context.Context, o *order.Order, _ order.Payload) (bool, error) {
	if a.Calculator == nil {
		return false, ErrNoCalculator
	}
	if a.Calculator.Kind() == calculator.KindFreeShipping {
		o.UpsertAdjustment(a.adjustment(decimal.Zero, true))
		return true, nil
	}

	input := o.CalculatorInput()
	amount, err := a.Calculator.Compute(input)
	if err != nil {
		return false, errors.Wrap(err, "compute amount")
	}
	// Unpriced lines count as zero towards the cap.
	total, _ := input.PricedTotal()
	amount = decimal.Min(amount, total)

	if amount.IsZero() && a.SkipZero {
		return false, nil
	}
	o.UpsertAdjustment(a.adjustment(amount.Neg(), false))
	return true, nil
}

func (a CreateAdjustment) adjustment(amount decimal.Decimal, freeShipping bool) order.Adjustment {
	return order.Adjustment{
		Label:         a.Label,
		Amount:        amount,
		Source:        order.Source{Type: order.SourcePromotionAction, ID: a.ID},
		PromotionID:   a.PromotionID,
		PromotionCode: a.PromotionCode,
		FreeShipping:  freeShipping,
	}
}

// CreateFreeShipping waives the order's shipping. It attaches a zero-amount
// marker rather than a monetary adjustment.
type CreateFreeShipping struct {
	ID            string
	PromotionID   string
	PromotionCode string
	Label         string
}

// Kind implements Action.
func (CreateFreeShipping) Kind() ActionKind { return ActionCreateFreeShipping }

// Perform upserts the marker and always reports true.
func (a CreateFreeShipping) Perform(_ context.Context, o *order.Order, _ order.Payload) (bool, error) {
	o.UpsertAdjustment(order.Adjustment{
		Label:         a.Label,
		Amount:        decimal.Zero,
		Source:        order.Source{Type: order.SourcePromotionAction, ID: a.ID},
		PromotionID:   a.PromotionID,
		PromotionCode: a.PromotionCode,
		FreeShipping:  true,
	})
	return true, nil
}
