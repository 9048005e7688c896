package promotion

import (
	"context"
	"slices"
	"strings"

	"github.com/go-faster/errors"
	"github.com/google/cel-go/cel"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-promotions/internal/domain/order"
	"github.com/xenking/kart-promotions/internal/domain/product"
)

// RuleKind enumerates the rule variants.
type RuleKind string

const (
	// RuleItemTotal compares the item total with a threshold.
	RuleItemTotal RuleKind = "item_total"
	// RuleFirstOrder matches customers without completed orders.
	RuleFirstOrder RuleKind = "first_order"
	// RuleProduct matches the order's products against a set.
	RuleProduct RuleKind = "product"
	// RuleUserRole matches customers holding a role.
	RuleUserRole RuleKind = "user_role"
	// RuleLandingPage matches visitors who saw a page.
	RuleLandingPage RuleKind = "landing_page"
	// RuleExpression evaluates a CEL expression.
	RuleExpression RuleKind = "expression"
)

// ErrRuleInapplicable is returned when a rule cannot be evaluated because of
// its configuration, e.g. a product set naming unknown products.
var ErrRuleInapplicable = errors.New("rule inapplicable")

// Rule is an eligibility predicate over an order.
type Rule interface {
	Kind() RuleKind
	Eligible(ctx context.Context, o *order.Order) (bool, error)
}

// VisitTracker reports which paths a visitor has seen.
type VisitTracker interface {
	Visited(ctx context.Context, visitor, path string) (bool, error)
}

// Operator compares the item total with the threshold.
type Operator string

const (
	// OperatorGTE accepts totals equal to or above the threshold. Default.
	OperatorGTE Operator = "gte"
	// OperatorGT accepts totals strictly above the threshold.
	OperatorGT Operator = "gt"
)

// ItemTotalRule requires the pre-adjustment item total to reach Amount.
type ItemTotalRule struct {
	Amount   decimal.Decimal
	Operator Operator
}

// Kind implements Rule.
func (ItemTotalRule) Kind() RuleKind { return RuleItemTotal }

// Eligible fails with calculator.ErrMissingPrice when a line is unpriced.
func (r ItemTotalRule) Eligible(_ context.Context, o *order.Order) (bool, error) {
	total, err := o.LineItemTotal()
	if err != nil {
		return false, err
	}
	total, threshold := total.Round(2), r.Amount.Round(2)
	if r.Operator == OperatorGT {
		return total.GreaterThan(threshold), nil
	}
	return total.GreaterThanOrEqual(threshold), nil
}

// FirstOrderRule requires the customer to have no completed orders. Guest
// orders qualify.
type FirstOrderRule struct {
	History order.History
}

// Kind implements Rule.
func (FirstOrderRule) Kind() RuleKind { return RuleFirstOrder }

// Eligible implements Rule.
func (r FirstOrderRule) Eligible(ctx context.Context, o *order.Order) (bool, error) {
	userID := o.UserID()
	if userID == "" {
		return true, nil
	}
	if r.History == nil {
		return false, errors.Wrap(ErrRuleInapplicable, "no order history")
	}
	n, err := r.History.CompletedCount(ctx, userID, o.ID)
	if err != nil {
		return false, errors.Wrap(err, "count completed orders")
	}
	return n == 0, nil
}

// ProductMatch selects how ProductRule matches its product set.
type ProductMatch string

const (
	// ProductMatchAny needs at least one product of the set. Default.
	ProductMatchAny ProductMatch = "any"
	// ProductMatchAll needs every product of the set.
	ProductMatchAll ProductMatch = "all"
	// ProductMatchNone rejects orders holding any product of the set.
	ProductMatchNone ProductMatch = "none"
)

// ProductRule matches the order's products against a configured set. When
// Catalog is set, every configured product must exist.
type ProductRule struct {
	ProductIDs []string
	Match      ProductMatch
	Catalog    product.Repository
}

// Kind implements Rule.
func (ProductRule) Kind() RuleKind { return RuleProduct }

// Eligible reports ErrRuleInapplicable for an empty set or, with a Catalog,
// for unknown products.
func (r ProductRule) Eligible(ctx context.Context, o *order.Order) (bool, error) {
	if len(r.ProductIDs) == 0 {
		return false, errors.Wrap(ErrRuleInapplicable, "empty product set")
	}
	if err := r.verify(ctx); err != nil {
		return false, err
	}

	switch r.Match {
	case ProductMatchAll:
		for _, id := range r.ProductIDs {
			if !o.HasProduct(id) {
				return false, nil
			}
		}
		return true, nil
	case ProductMatchNone:
		return !slices.ContainsFunc(r.ProductIDs, o.HasProduct), nil
	default:
		return slices.ContainsFunc(r.ProductIDs, o.HasProduct), nil
	}
}

func (r ProductRule) verify(ctx context.Context) error {
	if r.Catalog == nil {
		return nil
	}
	found, err := r.Catalog.GetByIDs(ctx, r.ProductIDs)
	if err != nil {
		return errors.Wrap(err, "load product set")
	}
	for _, id := range r.ProductIDs {
		if !slices.ContainsFunc(found, func(p product.Product) bool { return p.ID == id }) {
			return errors.Wrapf(ErrRuleInapplicable, "product %s does not exist", id)
		}
	}
	return nil
}

// UserRoleRule requires the customer to hold one of Roles.
type UserRoleRule struct {
	Roles []string
}

// Kind implements Rule.
func (UserRoleRule) Kind() RuleKind { return RuleUserRole }

// Eligible is false for guests.
func (r UserRoleRule) Eligible(_ context.Context, o *order.Order) (bool, error) {
	if len(r.Roles) == 0 {
		return false, errors.Wrap(ErrRuleInapplicable, "no roles configured")
	}
	return slices.ContainsFunc(r.Roles, o.User.HasRole), nil
}

// LandingPageRule requires the visitor to have seen Path before checkout.
type LandingPageRule struct {
	Path   string
	Visits VisitTracker
}

// Kind implements Rule.
func (LandingPageRule) Kind() RuleKind { return RuleLandingPage }

// Eligible looks the visitor up by user ID, falling back to the session.
func (r LandingPageRule) Eligible(ctx context.Context, o *order.Order) (bool, error) {
	if r.Visits == nil {
		return false, errors.Wrap(ErrRuleInapplicable, "no visit tracker")
	}
	visitor := o.Visitor()
	if visitor == "" {
		return false, nil
	}
	ok, err := r.Visits.Visited(ctx, visitor, NormalizePath(r.Path))
	if err != nil {
		return false, errors.Wrap(err, "check visit")
	}
	return ok, nil
}

// NormalizePath returns path with exactly one leading slash.
func NormalizePath(path string) string {
	return "/" + strings.TrimLeft(strings.TrimSpace(path), "/")
}

// ExpressionRule evaluates a CEL boolean expression over the order, e.g.
// `order.item_total >= 30.0 && "vip" in order.roles`.
type ExpressionRule struct {
	Source  string
	program cel.Program
}

// NewExpressionRule compiles src. The expression sees a single map variable
// "order" with keys item_total, shipment_total, line_item_count, quantity,
// user_id, roles, product_ids and coupon_code.
func NewExpressionRule(src string) (*ExpressionRule, error) {
	env, err := cel.NewEnv(cel.Variable("order", cel.MapType(cel.StringType, cel.DynType)))
	if err != nil {
		return nil, errors.Wrap(err, "create cel env")
	}
	ast, iss := env.Compile(src)
	if iss != nil && iss.Err() != nil {
		return nil, errors.Wrapf(iss.Err(), "compile %q", src)
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, errors.Wrapf(err, "program %q", src)
	}
	return &ExpressionRule{Source: src, program: prg}, nil
}

// Kind implements Rule.
func (*ExpressionRule) Kind() RuleKind { return RuleExpression }

// Eligible evaluates the compiled program. A non-boolean result is
// ErrRuleInapplicable.
func (r *ExpressionRule) Eligible(ctx context.Context, o *order.Order) (bool, error) {
	facts, err := orderFacts(o)
	if err != nil {
		return false, err
	}
	out, _, err := r.program.ContextEval(ctx, map[string]any{"order": facts})
	if err != nil {
		return false, errors.Wrapf(err, "evaluate %q", r.Source)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, errors.Wrapf(ErrRuleInapplicable, "expression %q is not boolean", r.Source)
	}
	return b, nil
}

func orderFacts(o *order.Order) (map[string]any, error) {
	total, err := o.LineItemTotal()
	if err != nil {
		return nil, err
	}
	var roles []string
	if o.User != nil {
		roles = o.User.Roles
	}
	return map[string]any{
		"item_total":      total.InexactFloat64(),
		"shipment_total":  o.ShipmentTotal.InexactFloat64(),
		"line_item_count": int64(len(o.LineItems)),
		"quantity":        int64(o.Quantity()),
		"user_id":         o.UserID(),
		"roles":           append([]string{}, roles...),
		"product_ids":     o.ProductIDs(),
		"coupon_code":     o.CouponCode,
	}, nil
}
