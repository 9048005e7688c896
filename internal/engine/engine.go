// Package engine reconciles promotions against orders. Every trigger selects
// candidate promotions, evaluates them against the stored order, activates
// the eligible ones and rewrites the order's promotion adjustments in a
// single transaction.
package engine

import (
	"context"
	"slices"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/kart-promotions/internal/domain/order"
	"github.com/xenking/kart-promotions/internal/domain/promotion"
)

// CreditPolicy decides which orders hold usage credits against a limit.
type CreditPolicy string

const (
	// CreditPolicyAll counts every order carrying the promotion, carts included.
	CreditPolicyAll CreditPolicy = "all"
	// CreditPolicyCompleted counts completed orders only. Carts may share the
	// last credit; the race is settled when an order completes.
	CreditPolicyCompleted CreditPolicy = "completed"
)

// Valid reports whether p is a known policy.
func (p CreditPolicy) Valid() bool {
	return p == CreditPolicyAll || p == CreditPolicyCompleted
}

var (
	// ErrReconcileFailed is matched by every error Reconcile returns. The
	// order is left untouched and the call can be retried.
	ErrReconcileFailed = errors.New("reconcile failed")
	// ErrUsageLimitExceeded is returned by Tx.ClaimCredit when no credit is
	// left for the promotion.
	ErrUsageLimitExceeded = errors.New("promotion usage limit exceeded")
)

// ReconcileError reports a failed reconcile of one order.
type ReconcileError struct {
	OrderID string
	Err     error
}

func (e *ReconcileError) Error() string {
	return "reconcile order " + e.OrderID + ": " + e.Err.Error()
}

func (e *ReconcileError) Unwrap() error { return e.Err }

// Is makes every ReconcileError match ErrReconcileFailed.
func (e *ReconcileError) Is(target error) bool { return target == ErrReconcileFailed }

// Tx is the unit of work of one reconcile.
type Tx interface {
	// LoadOrder returns the order locked for the rest of the transaction.
	LoadOrder(ctx context.Context, orderID string) (*order.Order, error)
	// SaveOrder persists state, adjustments and totals of o.
	SaveOrder(ctx context.Context, o *order.Order) error
	// CreditCounts returns, per promotion, the credits held by orders other
	// than excludeOrderID under policy.
	CreditCounts(ctx context.Context, promotionIDs []string, excludeOrderID string, policy CreditPolicy) (map[string]int, error)
	// ClaimCredit atomically records a credit of promotionID for orderID,
	// returning ErrUsageLimitExceeded when other orders already hold limit
	// credits under policy. Claiming a held credit re-checks the limit.
	ClaimCredit(ctx context.Context, promotionID, orderID string, limit int, policy CreditPolicy) error
	// ReleaseCredits drops the credits of orderID except those of keep.
	ReleaseCredits(ctx context.Context, orderID string, keep []string) error
}

// Store opens transactions.
type Store interface {
	// WithinTx runs fn in a transaction, committing when fn returns nil.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Catalog provides the configured promotions in evaluation order.
type Catalog interface {
	Promotions(ctx context.Context) ([]*promotion.Promotion, error)
}

// Result describes the outcome of a reconcile.
type Result struct {
	Order *order.Order
	// Applied lists the promotions with adjustments on the order.
	Applied []string
	// Removed lists promotions applied before the reconcile but not after.
	Removed []string
}

// Options configures an Engine.
type Options struct {
	// Exclusive keeps only the most valuable promotion on an order.
	Exclusive bool
	// CreditPolicy defaults to CreditPolicyAll.
	CreditPolicy CreditPolicy
	// Parallelism bounds ReconcileAll. Defaults to 4.
	Parallelism int
	// Now defaults to time.Now.
	Now func() time.Time

	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
}

func (o *Options) setDefaults() {
	if o.CreditPolicy == "" {
		o.CreditPolicy = CreditPolicyAll
	}
	if o.Parallelism <= 0 {
		o.Parallelism = 4
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.TracerProvider == nil {
		o.TracerProvider = tracenoop.NewTracerProvider()
	}
	if o.MeterProvider == nil {
		o.MeterProvider = metricnoop.NewMeterProvider()
	}
}

// Engine is the promotion reconciler.
type Engine struct {
	store   Store
	catalog Catalog
	opts    Options

	tracer     trace.Tracer
	reconciles metric.Int64Counter
	applied    metric.Int64Counter
}

var _ order.Dispatcher = (*Engine)(nil)

// New creates an Engine.
func New(store Store, catalog Catalog, opts Options) (*Engine, error) {
	opts.setDefaults()
	if !opts.CreditPolicy.Valid() {
		return nil, errors.Errorf("unknown credit policy %q", opts.CreditPolicy)
	}

	meter := opts.MeterProvider.Meter("promo/engine")
	reconciles, err := meter.Int64Counter("promo.reconcile.count",
		metric.WithDescription("Reconciles by event and outcome"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create reconcile counter")
	}
	applied, err := meter.Int64Counter("promo.adjustments.applied",
		metric.WithDescription("Promotions applied to orders"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create applied counter")
	}

	return &Engine{
		store:      store,
		catalog:    catalog,
		opts:       opts,
		tracer:     opts.TracerProvider.Tracer("promo/engine"),
		reconciles: reconciles,
		applied:    applied,
	}, nil
}

// Dispatch reconciles the order and returns it.
func (e *Engine) Dispatch(ctx context.Context, orderID string, ev order.Event, payload order.Payload) (*order.Order, error) {
	res, err := e.Reconcile(ctx, orderID, ev, payload)
	if err != nil {
		return nil, err
	}
	return res.Order, nil
}

// Reconcile re-evaluates every promotion relevant to ev for the order and
// rewrites its promotion adjustments. Orders that are no longer carts are
// returned unchanged.
func (e *Engine) Reconcile(ctx context.Context, orderID string, ev order.Event, payload order.Payload) (*Result, error) {
	ctx, span := e.tracer.Start(ctx, "engine.Reconcile", trace.WithAttributes(
		attribute.String("order.id", orderID),
		attribute.String("promo.event", string(ev)),
	))
	defer span.End()

	lg := zctx.From(ctx).With(zap.String("order_id", orderID), zap.String("event", string(ev)))
	ctx = zctx.Base(ctx, lg)

	res, err := e.reconcile(ctx, orderID, ev, payload)
	outcome := "ok"
	if err != nil {
		outcome = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, "reconcile failed")
		lg.Error("Reconcile failed", zap.Error(err))
	}
	e.reconciles.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event", string(ev)),
		attribute.String("outcome", outcome),
	))
	if err != nil {
		return nil, &ReconcileError{OrderID: orderID, Err: err}
	}

	span.SetAttributes(attribute.StringSlice("promo.applied", res.Applied))
	if len(res.Applied) > 0 {
		e.applied.Add(ctx, int64(len(res.Applied)), metric.WithAttributes(attribute.String("event", string(ev))))
	}
	return res, nil
}

func (e *Engine) reconcile(ctx context.Context, orderID string, ev order.Event, payload order.Payload) (*Result, error) {
	if !ev.Valid() {
		return nil, errors.Errorf("unknown event %q", ev)
	}
	promos, err := e.catalog.Promotions(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "load promotions")
	}

	var res *Result
	err = e.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		o, err := tx.LoadOrder(ctx, orderID)
		if err != nil {
			return errors.Wrap(err, "load order")
		}
		if o.State != order.StateCart {
			res = &Result{Order: o, Applied: o.AppliedPromotionIDs()}
			return nil
		}

		res, err = e.apply(ctx, tx, o, ev, payload, promos)
		if err != nil {
			return err
		}
		if err := tx.SaveOrder(ctx, o); err != nil {
			return errors.Wrap(err, "save order")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// apply runs one reconcile pass over o inside tx.
func (e *Engine) apply(
	ctx context.Context,
	tx Tx,
	o *order.Order,
	ev order.Event,
	payload order.Payload,
	promos []*promotion.Promotion,
) (*Result, error) {
	lg := zctx.From(ctx)
	now := e.opts.Now()
	before := o.AppliedPromotionIDs()

	candidates := selectCandidates(promos, o, ev)
	counts, err := tx.CreditCounts(ctx, limitedIDs(candidates), o.ID, e.opts.CreditPolicy)
	if err != nil {
		return nil, errors.Wrap(err, "count credits")
	}

	// Eligibility is decided against the order as loaded, so coupon
	// promotions already on the order keep qualifying without the code.
	var eligible []*promotion.Promotion
	for _, p := range candidates {
		p = p.WithCredits(counts[p.ID])
		if !p.Eligible(ctx, o, payload, now) {
			lg.Debug("Promotion not eligible", zap.String("promotion_id", p.ID))
			continue
		}
		eligible = append(eligible, p)
	}

	previous := o.RemovePromotionAdjustments()

	for _, p := range eligible {
		if p.UsageLimit != nil {
			err := tx.ClaimCredit(ctx, p.ID, o.ID, *p.UsageLimit, e.opts.CreditPolicy)
			if errors.Is(err, ErrUsageLimitExceeded) {
				lg.Warn("Promotion credit lost", zap.String("promotion_id", p.ID))
				continue
			}
			if err != nil {
				return nil, errors.Wrapf(err, "claim credit for %s", p.ID)
			}
		}

		if _, err := p.Activate(ctx, o, payload); err != nil {
			lg.Warn("Promotion activation failed",
				zap.String("promotion_id", p.ID),
				zap.Error(err),
			)
			o.RemoveAdjustmentsFrom(p.ID)
		}
	}

	if e.opts.Exclusive {
		keepBest(o)
	}

	applied := o.AppliedPromotionIDs()
	if err := tx.ReleaseCredits(ctx, o.ID, applied); err != nil {
		return nil, errors.Wrap(err, "release credits")
	}

	restoreIdentity(o, previous, now)
	if unpriced := o.UnpricedItems(); len(unpriced) > 0 {
		lg.Warn("Order has unpriced items", zap.Strings("product_ids", unpriced))
	}
	o.Recompute()

	return &Result{
		Order:   o,
		Applied: applied,
		Removed: subtract(before, applied),
	}, nil
}

// Complete checks the order out. Under CreditPolicyCompleted the credits of
// its promotions are claimed for good; promotions whose limit was used up by
// other completed orders are retracted.
func (e *Engine) Complete(ctx context.Context, orderID string) (*Result, error) {
	ctx, span := e.tracer.Start(ctx, "engine.Complete", trace.WithAttributes(
		attribute.String("order.id", orderID),
	))
	defer span.End()

	lg := zctx.From(ctx).With(zap.String("order_id", orderID))
	promos, err := e.catalog.Promotions(ctx)
	if err != nil {
		return nil, &ReconcileError{OrderID: orderID, Err: errors.Wrap(err, "load promotions")}
	}

	var res *Result
	err = e.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		o, err := tx.LoadOrder(ctx, orderID)
		if err != nil {
			return errors.Wrap(err, "load order")
		}
		if o.State != order.StateCart {
			return order.ErrNotCart
		}
		before := o.AppliedPromotionIDs()

		if e.opts.CreditPolicy == CreditPolicyCompleted {
			for _, p := range promos {
				if p.UsageLimit == nil || !o.HasAdjustmentFrom(p.ID) {
					continue
				}
				err := tx.ClaimCredit(ctx, p.ID, o.ID, *p.UsageLimit, CreditPolicyCompleted)
				if errors.Is(err, ErrUsageLimitExceeded) {
					lg.Warn("Promotion credit lost at completion", zap.String("promotion_id", p.ID))
					o.RemoveAdjustmentsFrom(p.ID)
					continue
				}
				if err != nil {
					return errors.Wrapf(err, "claim credit for %s", p.ID)
				}
			}
		}

		applied := o.AppliedPromotionIDs()
		if err := tx.ReleaseCredits(ctx, o.ID, applied); err != nil {
			return errors.Wrap(err, "release credits")
		}
		o.Recompute()

		now := e.opts.Now()
		o.State = order.StateComplete
		o.CompletedAt = &now
		if err := tx.SaveOrder(ctx, o); err != nil {
			return errors.Wrap(err, "save order")
		}
		res = &Result{Order: o, Applied: applied, Removed: subtract(before, applied)}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "complete failed")
		return nil, &ReconcileError{OrderID: orderID, Err: err}
	}
	lg.Info("Order completed", zap.Strings("promotions", res.Applied))
	return res, nil
}

// ReconcileAll reconciles many orders concurrently. Results are returned in
// the order of orderIDs; the first failure cancels the rest.
func (e *Engine) ReconcileAll(ctx context.Context, orderIDs []string, ev order.Event, payload order.Payload) ([]*Result, error) {
	results := make([]*Result, len(orderIDs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Parallelism)
	for i, id := range orderIDs {
		g.Go(func() error {
			res, err := e.Reconcile(gctx, id, ev, payload)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// selectCandidates returns the promotions listening to ev plus those already
// applied to o, in catalog order.
func selectCandidates(promos []*promotion.Promotion, o *order.Order, ev order.Event) []*promotion.Promotion {
	var out []*promotion.Promotion
	for _, p := range promos {
		if p.ListensTo(ev) || o.HasAdjustmentFrom(p.ID) {
			out = append(out, p)
		}
	}
	return out
}

func limitedIDs(promos []*promotion.Promotion) []string {
	var ids []string
	for _, p := range promos {
		if p.UsageLimit != nil {
			ids = append(ids, p.ID)
		}
	}
	return ids
}

// keepBest retracts every promotion but the one saving the most. Ties go to
// the promotion applied first.
func keepBest(o *order.Order) {
	applied := o.AppliedPromotionIDs()
	if len(applied) < 2 {
		return
	}
	best := applied[0]
	bestValue := o.PromotionValue(best)
	for _, id := range applied[1:] {
		if v := o.PromotionValue(id); v.GreaterThan(bestValue) {
			best, bestValue = id, v
		}
	}
	for _, id := range applied {
		if id != best {
			o.RemoveAdjustmentsFrom(id)
		}
	}
}

// restoreIdentity gives re-created adjustments the ID and creation time of
// the adjustment they replace, and stamps new ones with now.
func restoreIdentity(o *order.Order, previous []order.Adjustment, now time.Time) {
	for i := range o.Adjustments {
		a := &o.Adjustments[i]
		if !a.IsPromotion() {
			continue
		}
		idx := slices.IndexFunc(previous, func(p order.Adjustment) bool { return p.Source == a.Source })
		if idx >= 0 {
			a.ID = previous[idx].ID
			a.CreatedAt = previous[idx].CreatedAt
			continue
		}
		if a.CreatedAt.IsZero() {
			a.CreatedAt = now
		}
	}
}

func subtract(from, remove []string) []string {
	var out []string
	for _, id := range from {
		if !slices.Contains(remove, id) {
			out = append(out, id)
		}
	}
	return out
}
