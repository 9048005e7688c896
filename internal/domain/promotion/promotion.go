// Package promotion models promotions: the rules gating eligibility, the
// actions producing adjustments, and the activation lifecycle tying them to
// order events, coupon codes, validity windows and usage limits.
//
// A promotion has no persisted state. Whether it is pending, active or
// expired is derived from the clock and its credit count on every check.
package promotion

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/kart-promotions/internal/domain/order"
)

// MatchPolicy combines rule results.
type MatchPolicy string

const (
	// MatchAll requires every rule to be eligible.
	MatchAll MatchPolicy = "all"
	// MatchAny requires at least one eligible rule.
	MatchAny MatchPolicy = "any"
)

// Valid reports whether m is a known policy.
func (m MatchPolicy) Valid() bool {
	return m == MatchAll || m == MatchAny
}

// Promotion is a named, time-bounded, optionally coupon-gated bundle of rules
// and actions. Built promotions are immutable and safe to share; the engine
// attaches per-evaluation credit counts with WithCredits.
type Promotion struct {
	ID          string
	Name        string
	Description string
	Code        string
	EventName   order.Event
	UsageLimit  *int
	StartsAt    *time.Time
	ExpiresAt   *time.Time
	MatchPolicy MatchPolicy
	Rules       []Rule
	Actions     []Action

	// CreditsCount is the number of successful activations held by orders
	// other than the one under evaluation.
	CreditsCount int
}

// WithCredits returns a shallow copy carrying n credits.
func (p *Promotion) WithCredits(n int) *Promotion {
	c := *p
	c.CreditsCount = n
	return &c
}

// ListensTo reports whether ev triggers the promotion.
func (p *Promotion) ListensTo(ev order.Event) bool {
	return p.EventName == ev
}

// RequiresCode reports whether activation needs a matching coupon code.
func (p *Promotion) RequiresCode() bool {
	return p.EventName == order.EventCouponCodeAdded && p.Code != ""
}

// UsageLimitExceeded reports whether the credits reached the usage limit.
func (p *Promotion) UsageLimitExceeded() bool {
	return p.UsageLimit != nil && p.CreditsCount >= *p.UsageLimit
}

// Expired reports whether the promotion is outside its window at now or has
// used up its credits.
func (p *Promotion) Expired(now time.Time) bool {
	if p.StartsAt != nil && p.StartsAt.After(now) {
		return true
	}
	if p.ExpiresAt != nil && p.ExpiresAt.Before(now) {
		return true
	}
	return p.UsageLimitExceeded()
}

// Eligible reports whether the promotion applies to o for the given trigger
// payload. A coupon promotion already applied to o does not need the code
// again.
func (p *Promotion) Eligible(ctx context.Context, o *order.Order, payload order.Payload, now time.Time) bool {
	if p.Expired(now) {
		return false
	}
	if p.RequiresCode() && payload.CouponCode != p.Code && !o.HasAdjustmentFrom(p.ID) {
		return false
	}
	return p.RulesAreEligible(ctx, o)
}

// RulesAreEligible combines rule results by the match policy. An empty rule
// set is eligible. A rule that fails to evaluate counts as not eligible.
func (p *Promotion) RulesAreEligible(ctx context.Context, o *order.Order) bool {
	if len(p.Rules) == 0 {
		return true
	}

	if p.MatchPolicy == MatchAny {
		for _, r := range p.Rules {
			if p.check(ctx, r, o) {
				return true
			}
		}
		return false
	}

	for _, r := range p.Rules {
		if !p.check(ctx, r, o) {
			return false
		}
	}
	return true
}

func (p *Promotion) check(ctx context.Context, r Rule, o *order.Order) bool {
	ok, err := r.Eligible(ctx, o)
	if err != nil {
		zctx.From(ctx).Warn("Promotion rule not applicable",
			zap.String("promotion_id", p.ID),
			zap.String("rule", string(r.Kind())),
			zap.Error(err),
		)
		return false
	}
	return ok
}

// Activate performs every action in stored order. It does not check
// eligibility. The first failing action aborts activation; the caller is
// expected to retract what was attached.
func (p *Promotion) Activate(ctx context.Context, o *order.Order, payload order.Payload) (performed int, err error) {
	for _, a := range p.Actions {
		ok, err := a.Perform(ctx, o, payload)
		if err != nil {
			return performed, errors.Wrapf(err, "perform %s", a.Kind())
		}
		if ok {
			performed++
		}
	}
	return performed, nil
}
