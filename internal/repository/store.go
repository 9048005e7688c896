package repository

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xenking/kart-promotions/internal/domain/order"
	"github.com/xenking/kart-promotions/internal/engine"
)

const (
	// Serializes claims per promotion so two orders cannot both take the
	// last credit.
	lockPromotionSQL = `SELECT pg_advisory_xact_lock(hashtext($1))`

	creditCountsAllSQL = `SELECT c.promotion_id, count(*)
	FROM promotion_credits c
	WHERE c.promotion_id = ANY($1) AND c.order_id <> $2
	GROUP BY c.promotion_id`

	creditCountsCompletedSQL = `SELECT c.promotion_id, count(*)
	FROM promotion_credits c
	JOIN orders o ON o.id = c.order_id AND o.state = 'complete'
	WHERE c.promotion_id = ANY($1) AND c.order_id <> $2
	GROUP BY c.promotion_id`

	insertCreditSQL = `INSERT INTO promotion_credits (promotion_id, order_id)
	VALUES ($1, $2) ON CONFLICT DO NOTHING`

	releaseCreditsSQL = `DELETE FROM promotion_credits
	WHERE order_id = $1 AND NOT (promotion_id = ANY($2))`
)

var _ engine.Store = (*Store)(nil)

// Store runs engine transactions on PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore returns a Store that uses the given pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// WithinTx runs fn in a database transaction, committing when fn returns nil.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx engine.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	defer func() {
		if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			zctx.From(ctx).Warn("Rollback failed", zap.Error(err))
		}
	}()

	if err := fn(ctx, &storeTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "commit transaction")
	}
	return nil
}

type storeTx struct {
	tx pgx.Tx
}

func (t *storeTx) LoadOrder(ctx context.Context, orderID string) (*order.Order, error) {
	return loadOrder(ctx, t.tx, orderID, true)
}

func (t *storeTx) SaveOrder(ctx context.Context, o *order.Order) error {
	return saveOrder(ctx, t.tx, o)
}

func (t *storeTx) CreditCounts(ctx context.Context, promotionIDs []string, excludeOrderID string, policy engine.CreditPolicy) (map[string]int, error) {
	counts := make(map[string]int, len(promotionIDs))
	if len(promotionIDs) == 0 {
		return counts, nil
	}
	query := creditCountsAllSQL
	if policy == engine.CreditPolicyCompleted {
		query = creditCountsCompletedSQL
	}
	rows, err := t.tx.Query(ctx, query, promotionIDs, excludeOrderID)
	if err != nil {
		return nil, errors.Wrap(err, "count credits")
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id string
			n  int
		)
		if err := rows.Scan(&id, &n); err != nil {
			return nil, errors.Wrap(err, "scan credit count")
		}
		counts[id] = n
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "count credits")
	}
	return counts, nil
}

func (t *storeTx) ClaimCredit(ctx context.Context, promotionID, orderID string, limit int, policy engine.CreditPolicy) error {
	if _, err := t.tx.Exec(ctx, lockPromotionSQL, promotionID); err != nil {
		return errors.Wrapf(err, "lock promotion %q", promotionID)
	}
	counts, err := t.CreditCounts(ctx, []string{promotionID}, orderID, policy)
	if err != nil {
		return err
	}
	if counts[promotionID] >= limit {
		return engine.ErrUsageLimitExceeded
	}
	if _, err := t.tx.Exec(ctx, insertCreditSQL, promotionID, orderID); err != nil {
		return errors.Wrapf(err, "claim credit of %q", promotionID)
	}
	return nil
}

func (t *storeTx) ReleaseCredits(ctx context.Context, orderID string, keep []string) error {
	if keep == nil {
		keep = []string{}
	}
	if _, err := t.tx.Exec(ctx, releaseCreditsSQL, orderID, keep); err != nil {
		return errors.Wrapf(err, "release credits of %q", orderID)
	}
	return nil
}
