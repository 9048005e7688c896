package promotion

import (
	"context"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/kart-promotions/internal/domain/order"
)

// --- Mock implementations ---

type stubRule struct {
	ok    bool
	err   error
	calls int
}

func (*stubRule) Kind() RuleKind { return RuleExpression }

func (r *stubRule) Eligible(context.Context, *order.Order) (bool, error) {
	r.calls++
	return r.ok, r.err
}

type stubAction struct {
	performed bool
	err       error
	calls     int
}

func (*stubAction) Kind() ActionKind { return ActionCreateAdjustment }

func (a *stubAction) Perform(context.Context, *order.Order, order.Payload) (bool, error) {
	a.calls++
	return a.performed, a.err
}

// --- Helpers ---

func d(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func newOrder(items ...order.LineItem) *order.Order {
	return &order.Order{ID: "o1", State: order.StateCart, LineItems: items}
}

func line(productID, price string, qty int) order.LineItem {
	return order.LineItem{
		ID:        productID + "-line",
		ProductID: productID,
		Price:     decimal.NewNullDecimal(d(price)),
		Quantity:  qty,
	}
}

func ptr[T any](v T) *T { return &v }

var now = time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

// --- Tests ---

func TestExpired(t *testing.T) {
	tests := []struct {
		name string
		p    Promotion
		want bool
	}{
		{name: "open window", p: Promotion{}, want: false},
		{name: "not started", p: Promotion{StartsAt: ptr(now.Add(time.Hour))}, want: true},
		{name: "started", p: Promotion{StartsAt: ptr(now.Add(-time.Hour))}, want: false},
		{name: "ended", p: Promotion{ExpiresAt: ptr(now.Add(-time.Minute))}, want: true},
		{name: "ends later", p: Promotion{ExpiresAt: ptr(now.Add(time.Minute))}, want: false},
		{
			name: "inside window",
			p:    Promotion{StartsAt: ptr(now.Add(-time.Hour)), ExpiresAt: ptr(now.Add(time.Hour))},
			want: false,
		},
		{name: "usage limit reached", p: Promotion{UsageLimit: ptr(1), CreditsCount: 1}, want: true},
		{name: "usage limit below", p: Promotion{UsageLimit: ptr(2), CreditsCount: 1}, want: false},
		{name: "zero usage limit", p: Promotion{UsageLimit: ptr(0)}, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.p.Expired(now))
		})
	}
}

func TestWithCredits(t *testing.T) {
	p := &Promotion{ID: "p1", UsageLimit: ptr(1)}
	c := p.WithCredits(1)

	assert.True(t, c.UsageLimitExceeded())
	assert.False(t, p.UsageLimitExceeded())
	assert.Equal(t, 0, p.CreditsCount)
}

func TestEligible_CouponCode(t *testing.T) {
	p := &Promotion{ID: "p1", EventName: order.EventCouponCodeAdded, Code: "ABC"}

	tests := []struct {
		name    string
		payload order.Payload
		applied bool
		want    bool
	}{
		{name: "matching code", payload: order.Payload{CouponCode: "ABC"}, want: true},
		{name: "no code", payload: order.Payload{}, want: false},
		{name: "wrong code", payload: order.Payload{CouponCode: "XYZ"}, want: false},
		{name: "code is case sensitive", payload: order.Payload{CouponCode: "abc"}, want: false},
		{name: "already applied", payload: order.Payload{}, applied: true, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := newOrder(line("mug", "10.00", 1))
			if tt.applied {
				o.UpsertAdjustment(order.Adjustment{
					Amount:      d("-1"),
					Source:      order.Source{Type: order.SourcePromotionAction, ID: "a1"},
					PromotionID: "p1",
				})
			}
			assert.Equal(t, tt.want, p.Eligible(context.Background(), o, tt.payload, now))
		})
	}
}

func TestEligible_CodeIgnoredForOtherEvents(t *testing.T) {
	p := &Promotion{ID: "p1", EventName: order.EventContentsChanged, Code: "ABC"}

	assert.False(t, p.RequiresCode())
	assert.True(t, p.Eligible(context.Background(), newOrder(), order.Payload{}, now))
}

func TestEligible_Expired(t *testing.T) {
	rule := &stubRule{ok: true}
	p := &Promotion{ID: "p1", ExpiresAt: ptr(now.Add(-time.Second)), Rules: []Rule{rule}}

	assert.False(t, p.Eligible(context.Background(), newOrder(), order.Payload{}, now))
	assert.Zero(t, rule.calls)
}

func TestRulesAreEligible(t *testing.T) {
	tests := []struct {
		policy MatchPolicy
		first  bool
		second bool
		want   bool
	}{
		{MatchAll, true, true, true},
		{MatchAll, true, false, false},
		{MatchAll, false, true, false},
		{MatchAll, false, false, false},
		{MatchAny, true, true, true},
		{MatchAny, true, false, true},
		{MatchAny, false, true, true},
		{MatchAny, false, false, false},
	}

	for _, tt := range tests {
		p := &Promotion{
			MatchPolicy: tt.policy,
			Rules:       []Rule{&stubRule{ok: tt.first}, &stubRule{ok: tt.second}},
		}
		got := p.RulesAreEligible(context.Background(), newOrder())
		assert.Equal(t, tt.want, got, "%s(%v, %v)", tt.policy, tt.first, tt.second)
	}
}

func TestRulesAreEligible_EmptyRules(t *testing.T) {
	for _, policy := range []MatchPolicy{MatchAll, MatchAny} {
		p := &Promotion{MatchPolicy: policy}
		assert.True(t, p.RulesAreEligible(context.Background(), newOrder()), policy)
	}
}

func TestRulesAreEligible_ShortCircuit(t *testing.T) {
	t.Run("all stops at first failure", func(t *testing.T) {
		second := &stubRule{ok: true}
		p := &Promotion{MatchPolicy: MatchAll, Rules: []Rule{&stubRule{ok: false}, second}}

		assert.False(t, p.RulesAreEligible(context.Background(), newOrder()))
		assert.Zero(t, second.calls)
	})

	t.Run("any stops at first success", func(t *testing.T) {
		second := &stubRule{ok: false}
		p := &Promotion{MatchPolicy: MatchAny, Rules: []Rule{&stubRule{ok: true}, second}}

		assert.True(t, p.RulesAreEligible(context.Background(), newOrder()))
		assert.Zero(t, second.calls)
	})
}

func TestRulesAreEligible_RuleErrorIsNotEligible(t *testing.T) {
	p := &Promotion{
		MatchPolicy: MatchAny,
		Rules:       []Rule{&stubRule{err: ErrRuleInapplicable}},
	}
	assert.False(t, p.RulesAreEligible(context.Background(), newOrder()))
}

func TestActivate(t *testing.T) {
	a1 := &stubAction{performed: true}
	a2 := &stubAction{performed: false}
	a3 := &stubAction{performed: true}
	p := &Promotion{Actions: []Action{a1, a2, a3}}

	n, err := p.Activate(context.Background(), newOrder(), order.Payload{})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, a3.calls)
}

func TestActivate_NoActions(t *testing.T) {
	n, err := (&Promotion{}).Activate(context.Background(), newOrder(), order.Payload{})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestActivate_StopsAtFirstError(t *testing.T) {
	boom := errors.New("boom")
	last := &stubAction{performed: true}
	p := &Promotion{Actions: []Action{&stubAction{performed: true}, &stubAction{err: boom}, last}}

	n, err := p.Activate(context.Background(), newOrder(), order.Payload{})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, n)
	assert.Zero(t, last.calls)
}
