package engine_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/kart-promotions/internal/catalog"
	"github.com/xenking/kart-promotions/internal/domain/calculator"
	"github.com/xenking/kart-promotions/internal/domain/order"
	"github.com/xenking/kart-promotions/internal/domain/promotion"
	"github.com/xenking/kart-promotions/internal/engine"
	"github.com/xenking/kart-promotions/internal/repository/memory"
)

// --- Helpers ---

func d(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func ptr[T any](v T) *T { return &v }

var now = time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

func flatRate(id, amount string) promotion.ActionDefinition {
	return promotion.ActionDefinition{
		ID:   id,
		Kind: promotion.ActionCreateAdjustment,
		Calculator: &calculator.Definition{
			Kind:   calculator.KindFlatRate,
			Amount: d(amount),
		},
	}
}

func flatPercent(id, percent string) promotion.ActionDefinition {
	return promotion.ActionDefinition{
		ID:   id,
		Kind: promotion.ActionCreateAdjustment,
		Calculator: &calculator.Definition{
			Kind:    calculator.KindFlatPercent,
			Percent: d(percent),
		},
	}
}

func itemTotal(id, amount string) promotion.RuleDefinition {
	return promotion.RuleDefinition{ID: id, Kind: promotion.RuleItemTotal, Amount: d(amount)}
}

type fixture struct {
	store   *memory.Store
	catalog *catalog.Catalog
	engine  *engine.Engine
}

func newFixture(t *testing.T, opts engine.Options, defs ...promotion.Definition) *fixture {
	t.Helper()
	ctx := context.Background()
	store := memory.New()
	for _, def := range defs {
		require.NoError(t, store.SavePromotion(ctx, def))
	}
	cat := catalog.New(store, promotion.NewBuilder(
		promotion.WithHistory(store),
		promotion.WithProducts(store),
	))
	if opts.Now == nil {
		opts.Now = func() time.Time { return now }
	}
	e, err := engine.New(store, cat, opts)
	require.NoError(t, err)
	return &fixture{store: store, catalog: cat, engine: e}
}

func (f *fixture) cart(t *testing.T, id string, items ...order.LineItem) *order.Order {
	t.Helper()
	o := &order.Order{ID: id, State: order.StateCart, LineItems: items, CreatedAt: now}
	o.Recompute()
	require.NoError(t, f.store.Create(context.Background(), o))
	return o
}

func line(productID, price string, qty int) order.LineItem {
	return order.LineItem{
		ID:        productID,
		ProductID: productID,
		Price:     decimal.NewNullDecimal(d(price)),
		Quantity:  qty,
	}
}

func (f *fixture) reconcile(t *testing.T, orderID string, ev order.Event, payload order.Payload) *engine.Result {
	t.Helper()
	res, err := f.engine.Reconcile(context.Background(), orderID, ev, payload)
	require.NoError(t, err)
	return res
}

func (f *fixture) stored(t *testing.T, orderID string) *order.Order {
	t.Helper()
	o, err := f.store.Get(context.Background(), orderID)
	require.NoError(t, err)
	return o
}

type staticCatalog []*promotion.Promotion

func (c staticCatalog) Promotions(context.Context) ([]*promotion.Promotion, error) {
	return c, nil
}

type failingAction struct{}

func (failingAction) Kind() promotion.ActionKind { return promotion.ActionCreateAdjustment }

func (failingAction) Perform(context.Context, *order.Order, order.Payload) (bool, error) {
	return false, errors.New("calculator exploded")
}

// failingStore fails SaveOrder after the reconcile ran.
type failingStore struct {
	*memory.Store
}

func (s failingStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx engine.Tx) error) error {
	return s.Store.WithinTx(ctx, func(ctx context.Context, tx engine.Tx) error {
		return fn(ctx, failingTx{Tx: tx})
	})
}

type failingTx struct {
	engine.Tx
}

func (failingTx) SaveOrder(context.Context, *order.Order) error {
	return errors.New("disk full")
}

// --- Tests ---

func TestReconcile_FlatRateAboveItemTotal(t *testing.T) {
	f := newFixture(t, engine.Options{}, promotion.Definition{
		ID:        "spring",
		Name:      "Spring",
		EventName: order.EventContentsChanged,
		Rules:     []promotion.RuleDefinition{itemTotal("r1", "30")},
		Actions:   []promotion.ActionDefinition{flatRate("a1", "5")},
	})
	f.cart(t, "o1", line("mug", "40.00", 1))

	res := f.reconcile(t, "o1", order.EventContentsChanged, order.Payload{})
	assert.Equal(t, []string{"spring"}, res.Applied)
	assert.True(t, d("35").Equal(res.Order.Total), "total %s", res.Order.Total)
	require.Len(t, res.Order.Adjustments, 1)
	assert.True(t, d("-5").Equal(res.Order.Adjustments[0].Amount))
	assert.Equal(t, "Promotion (Spring)", res.Order.Adjustments[0].Label)
	assert.Equal(t, now, res.Order.Adjustments[0].CreatedAt)

	stored := f.stored(t, "o1")
	assert.True(t, d("35").Equal(stored.Total))
	assert.True(t, d("-5").Equal(stored.AdjustmentTotal))
}

func TestReconcile_ShippingAndTax(t *testing.T) {
	f := newFixture(t, engine.Options{}, promotion.Definition{
		ID:        "spring",
		Name:      "Spring",
		EventName: order.EventContentsChanged,
		Rules:     []promotion.RuleDefinition{itemTotal("r1", "30")},
		Actions:   []promotion.ActionDefinition{flatRate("a1", "5")},
	})
	o := &order.Order{
		ID:            "o1",
		State:         order.StateCart,
		LineItems:     []order.LineItem{line("mug", "40.00", 1)},
		ShipmentTotal: d("10"),
		TaxTotal:      d("7"),
	}
	require.NoError(t, f.store.Create(context.Background(), o))

	res := f.reconcile(t, "o1", order.EventContentsChanged, order.Payload{})
	assert.True(t, d("52").Equal(res.Order.Total), "total %s", res.Order.Total)
}

func TestReconcile_UnpricedLineSkipsOnlyPriceDependentPromotions(t *testing.T) {
	f := newFixture(t, engine.Options{},
		promotion.Definition{
			ID:        "flat",
			Name:      "Flat",
			EventName: order.EventContentsChanged,
			Actions:   []promotion.ActionDefinition{flatRate("a1", "5")},
		},
		promotion.Definition{
			ID:        "percent",
			Name:      "Percent",
			EventName: order.EventContentsChanged,
			Actions:   []promotion.ActionDefinition{flatPercent("a2", "10")},
		},
		promotion.Definition{
			ID:        "threshold",
			Name:      "Threshold",
			EventName: order.EventContentsChanged,
			Rules:     []promotion.RuleDefinition{itemTotal("r1", "30")},
			Actions:   []promotion.ActionDefinition{flatRate("a3", "1")},
		},
	)
	f.cart(t, "o1", line("mug", "40.00", 1), order.LineItem{ID: "bag", ProductID: "bag", Quantity: 1})

	res := f.reconcile(t, "o1", order.EventContentsChanged, order.Payload{})
	assert.Equal(t, []string{"flat"}, res.Applied)
	assert.True(t, d("40").Equal(res.Order.ItemTotal), "item total %s", res.Order.ItemTotal)
	assert.True(t, d("35").Equal(res.Order.Total), "total %s", res.Order.Total)

	stored := f.stored(t, "o1")
	assert.True(t, d("35").Equal(stored.Total))
	assert.Equal(t, []string{"bag"}, stored.UnpricedItems())
}

func TestReconcile_RuleNotMet(t *testing.T) {
	f := newFixture(t, engine.Options{}, promotion.Definition{
		ID:        "spring",
		Name:      "Spring",
		EventName: order.EventContentsChanged,
		Rules:     []promotion.RuleDefinition{itemTotal("r1", "30")},
		Actions:   []promotion.ActionDefinition{flatRate("a1", "5")},
	})
	f.cart(t, "o1", line("mug", "20.00", 1))

	res := f.reconcile(t, "o1", order.EventContentsChanged, order.Payload{})
	assert.Empty(t, res.Applied)
	assert.Empty(t, res.Order.Adjustments)
	assert.True(t, d("20").Equal(res.Order.Total))
}

func TestReconcile_QuantityToggleKeepsSingleAdjustment(t *testing.T) {
	f := newFixture(t, engine.Options{}, promotion.Definition{
		ID:        "fifty",
		Name:      "Fifty",
		EventName: order.EventContentsChanged,
		Rules:     []promotion.RuleDefinition{itemTotal("r1", "50")},
		Actions:   []promotion.ActionDefinition{flatRate("a1", "5")},
	})
	f.cart(t, "o1", line("mug", "20.00", 2))
	ctx := context.Background()

	for i, qty := range []int{3, 2, 3, 3, 2, 3} {
		require.NoError(t, f.store.SetItemQuantity(ctx, "o1", "mug", d("20"), qty))
		res := f.reconcile(t, "o1", order.EventContentsChanged, order.Payload{})

		if qty == 3 {
			require.Len(t, res.Order.Adjustments, 1, "step %d", i)
			assert.True(t, d("55").Equal(res.Order.Total), "step %d total %s", i, res.Order.Total)
		} else {
			assert.Empty(t, res.Order.Adjustments, "step %d", i)
			assert.True(t, d("40").Equal(res.Order.Total), "step %d total %s", i, res.Order.Total)
		}
	}
}

func TestReconcile_RepeatedReconcileIsStable(t *testing.T) {
	f := newFixture(t, engine.Options{}, promotion.Definition{
		ID:        "spring",
		Name:      "Spring",
		EventName: order.EventContentsChanged,
		Actions:   []promotion.ActionDefinition{flatRate("a1", "5")},
	})
	f.cart(t, "o1", line("mug", "40.00", 1))

	first := f.reconcile(t, "o1", order.EventContentsChanged, order.Payload{})
	second := f.reconcile(t, "o1", order.EventContentsChanged, order.Payload{})

	require.Len(t, second.Order.Adjustments, 1)
	assert.Equal(t, first.Order.Adjustments[0].ID, second.Order.Adjustments[0].ID)
	assert.True(t, first.Order.Total.Equal(second.Order.Total))
}

func TestReconcile_StackingByDefault(t *testing.T) {
	f := newFixture(t, engine.Options{},
		promotion.Definition{
			ID: "flat", Name: "Flat", EventName: order.EventContentsChanged,
			Actions: []promotion.ActionDefinition{flatRate("a1", "5")},
		},
		promotion.Definition{
			ID: "percent", Name: "Percent", EventName: order.EventContentsChanged,
			Actions: []promotion.ActionDefinition{flatPercent("a2", "10")},
		},
	)
	f.cart(t, "o1", line("mug", "15.00", 1))

	res := f.reconcile(t, "o1", order.EventContentsChanged, order.Payload{})
	assert.Equal(t, []string{"flat", "percent"}, res.Applied)
	assert.True(t, d("8.50").Equal(res.Order.Total), "total %s", res.Order.Total)
}

func TestReconcile_ExclusiveKeepsBest(t *testing.T) {
	f := newFixture(t, engine.Options{Exclusive: true},
		promotion.Definition{
			ID: "percent", Name: "Percent", EventName: order.EventContentsChanged,
			Actions: []promotion.ActionDefinition{flatPercent("a2", "10")},
		},
		promotion.Definition{
			ID: "flat", Name: "Flat", EventName: order.EventContentsChanged,
			Actions: []promotion.ActionDefinition{flatRate("a1", "5")},
		},
	)
	f.cart(t, "o1", line("mug", "15.00", 1))

	res := f.reconcile(t, "o1", order.EventContentsChanged, order.Payload{})
	assert.Equal(t, []string{"flat"}, res.Applied)
	require.Len(t, res.Order.Adjustments, 1)
	assert.True(t, d("-5").Equal(res.Order.Adjustments[0].Amount))
	assert.True(t, d("10").Equal(res.Order.Total))
}

func TestReconcile_ExclusiveTieGoesToFirst(t *testing.T) {
	f := newFixture(t, engine.Options{Exclusive: true},
		promotion.Definition{
			ID: "first", Name: "First", EventName: order.EventContentsChanged,
			Actions: []promotion.ActionDefinition{flatRate("a1", "5")},
		},
		promotion.Definition{
			ID: "second", Name: "Second", EventName: order.EventContentsChanged,
			Actions: []promotion.ActionDefinition{flatRate("a2", "5")},
		},
	)
	f.cart(t, "o1", line("mug", "15.00", 1))

	res := f.reconcile(t, "o1", order.EventContentsChanged, order.Payload{})
	assert.Equal(t, []string{"first"}, res.Applied)
}

func TestReconcile_FreeShipping(t *testing.T) {
	f := newFixture(t, engine.Options{}, promotion.Definition{
		ID:        "ship",
		Name:      "Ship",
		EventName: order.EventOrderCreated,
		Actions: []promotion.ActionDefinition{
			{ID: "a1", Kind: promotion.ActionCreateFreeShipping, Label: "Free shipping"},
		},
	})
	o := &order.Order{
		ID:            "o1",
		State:         order.StateCart,
		LineItems:     []order.LineItem{line("mug", "40.00", 1)},
		ShipmentTotal: d("10"),
	}
	require.NoError(t, f.store.Create(context.Background(), o))

	res := f.reconcile(t, "o1", order.EventOrderCreated, order.Payload{})
	assert.True(t, res.Order.FreeShipping())
	assert.True(t, d("40").Equal(res.Order.Total))

	// Already applied, so it survives later events it does not listen to.
	res = f.reconcile(t, "o1", order.EventContentsChanged, order.Payload{})
	assert.True(t, res.Order.FreeShipping())
}

func TestReconcile_CouponCode(t *testing.T) {
	f := newFixture(t, engine.Options{}, promotion.Definition{
		ID:        "abc",
		Name:      "ABC",
		Code:      "ABC",
		EventName: order.EventCouponCodeAdded,
		Actions:   []promotion.ActionDefinition{flatRate("a1", "5")},
	})
	f.cart(t, "o1", line("mug", "40.00", 1))

	res := f.reconcile(t, "o1", order.EventCouponCodeAdded, order.Payload{CouponCode: "XYZ"})
	assert.Empty(t, res.Applied)

	res = f.reconcile(t, "o1", order.EventCouponCodeAdded, order.Payload{CouponCode: "ABC"})
	assert.Equal(t, []string{"abc"}, res.Applied)
	assert.True(t, res.Order.CouponApplied("ABC"))

	// The applied coupon stays when the cart changes.
	res = f.reconcile(t, "o1", order.EventContentsChanged, order.Payload{})
	assert.Equal(t, []string{"abc"}, res.Applied)
	assert.True(t, d("35").Equal(res.Order.Total))
}

func TestReconcile_ExpiredPromotionIsRemoved(t *testing.T) {
	clock := now
	f := newFixture(t, engine.Options{Now: func() time.Time { return clock }}, promotion.Definition{
		ID:        "flash",
		Name:      "Flash",
		EventName: order.EventContentsChanged,
		ExpiresAt: ptr(now.Add(time.Hour)),
		Actions:   []promotion.ActionDefinition{flatRate("a1", "5")},
	})
	f.cart(t, "o1", line("mug", "40.00", 1))

	res := f.reconcile(t, "o1", order.EventContentsChanged, order.Payload{})
	assert.Equal(t, []string{"flash"}, res.Applied)

	clock = now.Add(2 * time.Hour)
	res = f.reconcile(t, "o1", order.EventContentsChanged, order.Payload{})
	assert.Empty(t, res.Applied)
	assert.Equal(t, []string{"flash"}, res.Removed)
	assert.True(t, d("40").Equal(res.Order.Total))
}

func TestReconcile_SingleUseCouponConcurrently(t *testing.T) {
	f := newFixture(t, engine.Options{}, promotion.Definition{
		ID:         "once",
		Name:       "Once",
		Code:       "ONCE",
		EventName:  order.EventCouponCodeAdded,
		UsageLimit: ptr(1),
		Actions:    []promotion.ActionDefinition{flatRate("a1", "5")},
	})
	f.cart(t, "o1", line("mug", "40.00", 1))
	f.cart(t, "o2", line("mug", "40.00", 1))

	var wg sync.WaitGroup
	for _, id := range []string{"o1", "o2"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.Reconcile(context.Background(), id, order.EventCouponCodeAdded, order.Payload{CouponCode: "ONCE"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	applied := 0
	for _, id := range []string{"o1", "o2"} {
		if f.stored(t, id).HasAdjustmentFrom("once") {
			applied++
		}
	}
	assert.Equal(t, 1, applied)
	assert.Len(t, f.store.Credits("once"), 1)
}

func TestReconcile_CreditReleasedWhenNoLongerEligible(t *testing.T) {
	f := newFixture(t, engine.Options{}, promotion.Definition{
		ID:         "limited",
		Name:       "Limited",
		EventName:  order.EventContentsChanged,
		UsageLimit: ptr(1),
		Rules:      []promotion.RuleDefinition{itemTotal("r1", "30")},
		Actions:    []promotion.ActionDefinition{flatRate("a1", "5")},
	})
	f.cart(t, "o1", line("mug", "40.00", 1))
	f.cart(t, "o2", line("mug", "40.00", 1))
	ctx := context.Background()

	f.reconcile(t, "o1", order.EventContentsChanged, order.Payload{})
	assert.Equal(t, []string{"o1"}, f.store.Credits("limited"))

	res := f.reconcile(t, "o2", order.EventContentsChanged, order.Payload{})
	assert.Empty(t, res.Applied)

	require.NoError(t, f.store.SetItemQuantity(ctx, "o1", "mug", d("40"), 0))
	f.reconcile(t, "o1", order.EventContentsChanged, order.Payload{})
	assert.Empty(t, f.store.Credits("limited"))

	res = f.reconcile(t, "o2", order.EventContentsChanged, order.Payload{})
	assert.Equal(t, []string{"limited"}, res.Applied)
	assert.Equal(t, []string{"o2"}, f.store.Credits("limited"))
}

func TestReconcile_OwnCreditDoesNotCount(t *testing.T) {
	f := newFixture(t, engine.Options{}, promotion.Definition{
		ID:         "limited",
		Name:       "Limited",
		EventName:  order.EventContentsChanged,
		UsageLimit: ptr(1),
		Actions:    []promotion.ActionDefinition{flatRate("a1", "5")},
	})
	f.cart(t, "o1", line("mug", "40.00", 1))

	for range 3 {
		res := f.reconcile(t, "o1", order.EventContentsChanged, order.Payload{})
		assert.Equal(t, []string{"limited"}, res.Applied)
	}
}

func TestReconcile_FailingActionSkipsOnlyItsPromotion(t *testing.T) {
	store := memory.New()
	broken := &promotion.Promotion{
		ID:          "broken",
		Name:        "Broken",
		EventName:   order.EventContentsChanged,
		MatchPolicy: promotion.MatchAll,
		Actions: []promotion.Action{
			promotion.CreateAdjustment{
				ID:          "ok-part",
				PromotionID: "broken",
				Calculator:  calculator.FlatRate{Amount: d("1")},
				SkipZero:    true,
			},
			failingAction{},
		},
	}
	healthy := &promotion.Promotion{
		ID:          "healthy",
		Name:        "Healthy",
		EventName:   order.EventContentsChanged,
		MatchPolicy: promotion.MatchAll,
		Actions: []promotion.Action{
			promotion.CreateAdjustment{
				ID:          "h1",
				PromotionID: "healthy",
				Calculator:  calculator.FlatRate{Amount: d("5")},
				SkipZero:    true,
			},
		},
	}
	e, err := engine.New(store, staticCatalog{broken, healthy}, engine.Options{})
	require.NoError(t, err)
	require.NoError(t, store.Create(context.Background(), &order.Order{
		ID:        "o1",
		State:     order.StateCart,
		LineItems: []order.LineItem{line("mug", "40.00", 1)},
	}))

	res, err := e.Reconcile(context.Background(), "o1", order.EventContentsChanged, order.Payload{})
	require.NoError(t, err)
	assert.Equal(t, []string{"healthy"}, res.Applied)
	assert.True(t, d("35").Equal(res.Order.Total))
}

func TestReconcile_RollbackOnStoreFailure(t *testing.T) {
	f := newFixture(t, engine.Options{}, promotion.Definition{
		ID:         "limited",
		Name:       "Limited",
		EventName:  order.EventContentsChanged,
		UsageLimit: ptr(5),
		Actions:    []promotion.ActionDefinition{flatRate("a1", "5")},
	})
	f.cart(t, "o1", line("mug", "40.00", 1))

	e, err := engine.New(failingStore{Store: f.store}, f.catalog, engine.Options{})
	require.NoError(t, err)

	_, err = e.Reconcile(context.Background(), "o1", order.EventContentsChanged, order.Payload{})
	require.ErrorIs(t, err, engine.ErrReconcileFailed)

	var rerr *engine.ReconcileError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, "o1", rerr.OrderID)

	stored := f.stored(t, "o1")
	assert.Empty(t, stored.Adjustments)
	assert.True(t, d("40").Equal(stored.Total))
	assert.Empty(t, f.store.Credits("limited"))
}

func TestReconcile_Errors(t *testing.T) {
	f := newFixture(t, engine.Options{})

	_, err := f.engine.Reconcile(context.Background(), "missing", order.EventContentsChanged, order.Payload{})
	require.ErrorIs(t, err, engine.ErrReconcileFailed)
	require.ErrorIs(t, err, order.ErrNotFound)

	f.cart(t, "o1")
	_, err = f.engine.Reconcile(context.Background(), "o1", "order.shipped", order.Payload{})
	require.ErrorIs(t, err, engine.ErrReconcileFailed)
}

func TestReconcile_DeletedPromotionCascades(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, engine.Options{},
		promotion.Definition{
			ID: "gone", Name: "Gone", EventName: order.EventContentsChanged,
			Rules:   []promotion.RuleDefinition{itemTotal("r1", "10")},
			Actions: []promotion.ActionDefinition{flatRate("a1", "5")},
		},
		promotion.Definition{
			ID: "kept", Name: "Kept", EventName: order.EventContentsChanged,
			Rules:   []promotion.RuleDefinition{itemTotal("r2", "10")},
			Actions: []promotion.ActionDefinition{flatRate("a2", "2")},
		},
	)
	f.cart(t, "o1", line("mug", "40.00", 1))

	res := f.reconcile(t, "o1", order.EventContentsChanged, order.Payload{})
	assert.Equal(t, []string{"gone", "kept"}, res.Applied)

	require.NoError(t, f.store.DeletePromotion(ctx, "gone"))
	require.NoError(t, f.catalog.Reload(ctx))

	defs, err := f.store.ListPromotions(ctx)
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, "kept", defs[0].ID)
	assert.Len(t, defs[0].Rules, 1)
	assert.Len(t, defs[0].Actions, 1)

	res = f.reconcile(t, "o1", order.EventContentsChanged, order.Payload{})
	assert.Equal(t, []string{"kept"}, res.Applied)
	assert.Equal(t, []string{"gone"}, res.Removed)
	assert.True(t, d("38").Equal(res.Order.Total))
}

func TestReconcile_CompletedOrderUnchanged(t *testing.T) {
	f := newFixture(t, engine.Options{}, promotion.Definition{
		ID: "spring", Name: "Spring", EventName: order.EventContentsChanged,
		Actions: []promotion.ActionDefinition{flatRate("a1", "5")},
	})
	f.cart(t, "o1", line("mug", "40.00", 1))
	_, err := f.engine.Complete(context.Background(), "o1")
	require.NoError(t, err)

	res := f.reconcile(t, "o1", order.EventContentsChanged, order.Payload{})
	assert.Empty(t, res.Order.Adjustments)
	assert.Equal(t, order.StateComplete, res.Order.State)
}

func TestComplete(t *testing.T) {
	f := newFixture(t, engine.Options{}, promotion.Definition{
		ID: "spring", Name: "Spring", EventName: order.EventContentsChanged,
		Actions: []promotion.ActionDefinition{flatRate("a1", "5")},
	})
	f.cart(t, "o1", line("mug", "40.00", 1))
	f.reconcile(t, "o1", order.EventContentsChanged, order.Payload{})

	res, err := f.engine.Complete(context.Background(), "o1")
	require.NoError(t, err)
	assert.Equal(t, order.StateComplete, res.Order.State)
	require.NotNil(t, res.Order.CompletedAt)
	assert.Equal(t, now, *res.Order.CompletedAt)
	assert.True(t, d("35").Equal(res.Order.Total))

	_, err = f.engine.Complete(context.Background(), "o1")
	require.ErrorIs(t, err, order.ErrNotCart)
}

func TestComplete_CompletedPolicySettlesLastCredit(t *testing.T) {
	f := newFixture(t, engine.Options{CreditPolicy: engine.CreditPolicyCompleted}, promotion.Definition{
		ID:         "limited",
		Name:       "Limited",
		EventName:  order.EventContentsChanged,
		UsageLimit: ptr(1),
		Actions:    []promotion.ActionDefinition{flatRate("a1", "5")},
	})
	f.cart(t, "o1", line("mug", "40.00", 1))
	f.cart(t, "o2", line("mug", "40.00", 1))

	// Carts do not consume the credit under this policy.
	assert.Equal(t, []string{"limited"}, f.reconcile(t, "o1", order.EventContentsChanged, order.Payload{}).Applied)
	assert.Equal(t, []string{"limited"}, f.reconcile(t, "o2", order.EventContentsChanged, order.Payload{}).Applied)

	first, err := f.engine.Complete(context.Background(), "o1")
	require.NoError(t, err)
	assert.Equal(t, []string{"limited"}, first.Applied)

	second, err := f.engine.Complete(context.Background(), "o2")
	require.NoError(t, err)
	assert.Empty(t, second.Applied)
	assert.Equal(t, []string{"limited"}, second.Removed)
	assert.True(t, d("40").Equal(second.Order.Total))

	assert.Equal(t, []string{"o1"}, f.store.Credits("limited"))
}

func TestReconcile_FirstOrderUsesHistory(t *testing.T) {
	f := newFixture(t, engine.Options{}, promotion.Definition{
		ID: "welcome", Name: "Welcome", EventName: order.EventContentsChanged,
		Rules:   []promotion.RuleDefinition{{ID: "r1", Kind: promotion.RuleFirstOrder}},
		Actions: []promotion.ActionDefinition{flatRate("a1", "5")},
	})
	ctx := context.Background()
	user := &order.User{ID: "u1"}
	for _, id := range []string{"o1", "o2"} {
		require.NoError(t, f.store.Create(ctx, &order.Order{
			ID:        id,
			User:      user,
			State:     order.StateCart,
			LineItems: []order.LineItem{line("mug", "40.00", 1)},
		}))
	}

	assert.Equal(t, []string{"welcome"}, f.reconcile(t, "o1", order.EventContentsChanged, order.Payload{}).Applied)
	_, err := f.engine.Complete(ctx, "o1")
	require.NoError(t, err)

	assert.Empty(t, f.reconcile(t, "o2", order.EventContentsChanged, order.Payload{}).Applied)
}

func TestReconcileAll(t *testing.T) {
	f := newFixture(t, engine.Options{Parallelism: 2}, promotion.Definition{
		ID: "spring", Name: "Spring", EventName: order.EventContentsChanged,
		Actions: []promotion.ActionDefinition{flatRate("a1", "5")},
	})
	ids := []string{"o1", "o2", "o3", "o4", "o5"}
	for _, id := range ids {
		f.cart(t, id, line("mug", "40.00", 1))
	}

	results, err := f.engine.ReconcileAll(context.Background(), ids, order.EventContentsChanged, order.Payload{})
	require.NoError(t, err)
	require.Len(t, results, len(ids))
	for i, res := range results {
		assert.Equal(t, ids[i], res.Order.ID)
		assert.True(t, d("35").Equal(res.Order.Total))
	}

	_, err = f.engine.ReconcileAll(context.Background(), []string{"o1", "missing"}, order.EventContentsChanged, order.Payload{})
	require.ErrorIs(t, err, engine.ErrReconcileFailed)
}

func TestDispatch(t *testing.T) {
	f := newFixture(t, engine.Options{}, promotion.Definition{
		ID: "spring", Name: "Spring", EventName: order.EventOrderCreated,
		Actions: []promotion.ActionDefinition{flatRate("a1", "5")},
	})
	f.cart(t, "o1", line("mug", "40.00", 1))

	o, err := f.engine.Dispatch(context.Background(), "o1", order.EventOrderCreated, order.Payload{})
	require.NoError(t, err)
	assert.True(t, d("35").Equal(o.Total))
}

func TestNew_InvalidPolicy(t *testing.T) {
	_, err := engine.New(memory.New(), staticCatalog{}, engine.Options{CreditPolicy: "some"})
	require.Error(t, err)
}
