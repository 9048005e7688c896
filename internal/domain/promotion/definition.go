package promotion

import (
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-promotions/internal/domain/calculator"
	"github.com/xenking/kart-promotions/internal/domain/order"
	"github.com/xenking/kart-promotions/internal/domain/product"
)

var (
	// ErrInvalidDefinition is returned for a promotion that cannot be built.
	ErrInvalidDefinition = errors.New("invalid promotion definition")
	// ErrUnknownRule is returned for an unsupported rule kind.
	ErrUnknownRule = errors.New("unknown rule")
	// ErrUnknownAction is returned for an unsupported action kind.
	ErrUnknownAction = errors.New("unknown action")
)

// Definition is the stored configuration of a promotion.
type Definition struct {
	ID          string             `json:"id" yaml:"id"`
	Name        string             `json:"name" yaml:"name"`
	Description string             `json:"description,omitempty" yaml:"description,omitempty"`
	Code        string             `json:"code,omitempty" yaml:"code,omitempty"`
	EventName   order.Event        `json:"event" yaml:"event"`
	UsageLimit  *int               `json:"usage_limit,omitempty" yaml:"usage_limit,omitempty"`
	StartsAt    *time.Time         `json:"starts_at,omitempty" yaml:"starts_at,omitempty"`
	ExpiresAt   *time.Time         `json:"expires_at,omitempty" yaml:"expires_at,omitempty"`
	MatchPolicy MatchPolicy        `json:"match_policy,omitempty" yaml:"match_policy,omitempty"`
	Rules       []RuleDefinition   `json:"rules,omitempty" yaml:"rules,omitempty"`
	Actions     []ActionDefinition `json:"actions,omitempty" yaml:"actions,omitempty"`
}

// RuleDefinition is the stored configuration of a rule. Only the fields of
// its Kind are read.
type RuleDefinition struct {
	ID         string          `json:"id" yaml:"id"`
	Kind       RuleKind        `json:"kind" yaml:"kind"`
	Amount     decimal.Decimal `json:"amount,omitempty" yaml:"amount,omitempty"`
	Operator   Operator        `json:"operator,omitempty" yaml:"operator,omitempty"`
	ProductIDs []string        `json:"product_ids,omitempty" yaml:"product_ids,omitempty"`
	Match      ProductMatch    `json:"match,omitempty" yaml:"match,omitempty"`
	Roles      []string        `json:"roles,omitempty" yaml:"roles,omitempty"`
	Path       string          `json:"path,omitempty" yaml:"path,omitempty"`
	Expression string          `json:"expression,omitempty" yaml:"expression,omitempty"`
}

// ActionDefinition is the stored configuration of an action.
type ActionDefinition struct {
	ID         string                 `json:"id" yaml:"id"`
	Kind       ActionKind             `json:"kind" yaml:"kind"`
	Label      string                 `json:"label,omitempty" yaml:"label,omitempty"`
	SkipZero   *bool                  `json:"skip_zero,omitempty" yaml:"skip_zero,omitempty"`
	Calculator *calculator.Definition `json:"calculator,omitempty" yaml:"calculator,omitempty"`
}

// Validate checks the promotion-level fields.
func (d *Definition) Validate() error {
	switch {
	case d.ID == "":
		return errors.Wrap(ErrInvalidDefinition, "id is required")
	case d.Name == "":
		return errors.Wrapf(ErrInvalidDefinition, "promotion %s: name is required", d.ID)
	case !d.EventName.Valid():
		return errors.Wrapf(ErrInvalidDefinition, "promotion %s: unknown event %q", d.ID, d.EventName)
	case d.EventName == order.EventCouponCodeAdded && d.Code == "":
		return errors.Wrapf(ErrInvalidDefinition, "promotion %s: coupon promotions require a code", d.ID)
	case d.MatchPolicy != "" && !d.MatchPolicy.Valid():
		return errors.Wrapf(ErrInvalidDefinition, "promotion %s: unknown match policy %q", d.ID, d.MatchPolicy)
	case d.UsageLimit != nil && *d.UsageLimit < 0:
		return errors.Wrapf(ErrInvalidDefinition, "promotion %s: negative usage limit", d.ID)
	case d.StartsAt != nil && d.ExpiresAt != nil && d.ExpiresAt.Before(*d.StartsAt):
		return errors.Wrapf(ErrInvalidDefinition, "promotion %s: expires before it starts", d.ID)
	}
	return nil
}

// Builder turns definitions into promotions, wiring the collaborators rules
// need. Missing collaborators do not fail the build; the affected rules
// report ErrRuleInapplicable when evaluated.
type Builder struct {
	visits   VisitTracker
	history  order.History
	products product.Repository
	skipZero bool
}

// BuilderOption configures a Builder.
type BuilderOption func(*Builder)

// WithVisitTracker sets the tracker used by landing page rules.
func WithVisitTracker(t VisitTracker) BuilderOption {
	return func(b *Builder) { b.visits = t }
}

// WithHistory sets the order history used by first order rules.
func WithHistory(h order.History) BuilderOption {
	return func(b *Builder) { b.history = h }
}

// WithProducts sets the catalog product rules verify their sets against.
func WithProducts(p product.Repository) BuilderOption {
	return func(b *Builder) { b.products = p }
}

// WithSkipZero sets the default for actions that do not configure SkipZero.
func WithSkipZero(skip bool) BuilderOption {
	return func(b *Builder) { b.skipZero = skip }
}

// NewBuilder creates a Builder.
func NewBuilder(opts ...BuilderOption) *Builder {
	b := &Builder{skipZero: true}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// BuildAll builds every definition, failing on the first invalid one.
func (b *Builder) BuildAll(defs []Definition) ([]*Promotion, error) {
	out := make([]*Promotion, 0, len(defs))
	for i := range defs {
		p, err := b.Build(defs[i])
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// Build creates the promotion described by def.
func (b *Builder) Build(def Definition) (*Promotion, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}

	p := &Promotion{
		ID:          def.ID,
		Name:        def.Name,
		Description: def.Description,
		Code:        def.Code,
		EventName:   def.EventName,
		UsageLimit:  def.UsageLimit,
		StartsAt:    def.StartsAt,
		ExpiresAt:   def.ExpiresAt,
		MatchPolicy: def.MatchPolicy,
	}
	if p.MatchPolicy == "" {
		p.MatchPolicy = MatchAll
	}

	for _, rd := range def.Rules {
		r, err := b.rule(rd)
		if err != nil {
			return nil, errors.Wrapf(err, "promotion %s: rule %s", def.ID, rd.ID)
		}
		p.Rules = append(p.Rules, r)
	}
	for _, ad := range def.Actions {
		a, err := b.action(def, ad)
		if err != nil {
			return nil, errors.Wrapf(err, "promotion %s: action %s", def.ID, ad.ID)
		}
		p.Actions = append(p.Actions, a)
	}
	return p, nil
}

func (b *Builder) rule(d RuleDefinition) (Rule, error) {
	switch d.Kind {
	case RuleItemTotal:
		op := d.Operator
		if op == "" {
			op = OperatorGTE
		}
		if op != OperatorGTE && op != OperatorGT {
			return nil, errors.Errorf("unknown operator %q", op)
		}
		return ItemTotalRule{Amount: d.Amount, Operator: op}, nil
	case RuleFirstOrder:
		return FirstOrderRule{History: b.history}, nil
	case RuleProduct:
		match := d.Match
		if match == "" {
			match = ProductMatchAny
		}
		return ProductRule{ProductIDs: d.ProductIDs, Match: match, Catalog: b.products}, nil
	case RuleUserRole:
		return UserRoleRule{Roles: d.Roles}, nil
	case RuleLandingPage:
		return LandingPageRule{Path: d.Path, Visits: b.visits}, nil
	case RuleExpression:
		return NewExpressionRule(d.Expression)
	default:
		return nil, errors.Wrapf(ErrUnknownRule, "%q", d.Kind)
	}
}

func (b *Builder) action(p Definition, d ActionDefinition) (Action, error) {
	label := d.Label
	if label == "" {
		label = fmt.Sprintf("Promotion (%s)", p.Name)
	}
	code := ""
	if p.EventName == order.EventCouponCodeAdded {
		code = p.Code
	}

	switch d.Kind {
	case ActionCreateAdjustment:
		if d.Calculator == nil {
			return nil, ErrNoCalculator
		}
		def := *d.Calculator
		if def.Calculable == (calculator.Calculable{}) {
			def.Calculable = calculator.Calculable{ID: d.ID, Type: calculator.OwnerPromotionAction}
		}
		calc, err := calculator.New(def)
		if err != nil {
			return nil, err
		}
		skip := b.skipZero
		if d.SkipZero != nil {
			skip = *d.SkipZero
		}
		return CreateAdjustment{
			ID:            d.ID,
			PromotionID:   p.ID,
			PromotionCode: code,
			Label:         label,
			Calculator:    calc,
			SkipZero:      skip,
		}, nil
	case ActionCreateFreeShipping:
		return CreateFreeShipping{
			ID:            d.ID,
			PromotionID:   p.ID,
			PromotionCode: code,
			Label:         label,
		}, nil
	default:
		return nil, errors.Wrapf(ErrUnknownAction, "%q", d.Kind)
	}
}
