package repository

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-promotions/internal/domain/order"
)

const (
	insertOrderSQL = `INSERT INTO orders (id, user_id, user_email, user_roles, session_id, state,
		coupon_code, shipment_total, tax_total, item_total, adjustment_total, total, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	selectOrderSQL = `SELECT id, user_id, user_email, user_roles, session_id, state, coupon_code,
		shipment_total, tax_total, item_total, adjustment_total, total, created_at, completed_at
	FROM orders WHERE id = $1`

	selectLineItemsSQL = `SELECT id, product_id, price, quantity
	FROM line_items WHERE order_id = $1 ORDER BY position`

	selectAdjustmentsSQL = `SELECT id, label, amount, source_type, source_id,
		COALESCE(promotion_id, ''), promotion_code, free_shipping, created_at
	FROM adjustments WHERE order_id = $1 ORDER BY position, id`

	upsertLineItemSQL = `INSERT INTO line_items (id, order_id, product_id, price, quantity)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (order_id, product_id) DO UPDATE SET quantity = EXCLUDED.quantity`

	deleteLineItemSQL = `DELETE FROM line_items WHERE order_id = $1 AND product_id = $2`

	updateCouponCodeSQL = `UPDATE orders SET coupon_code = $2 WHERE id = $1`

	completedCountSQL = `SELECT count(*) FROM orders
	WHERE user_id = $1 AND id <> $2 AND state = 'complete'`

	updateOrderSQL = `UPDATE orders SET state = $2, coupon_code = $3, shipment_total = $4,
		tax_total = $5, item_total = $6, adjustment_total = $7, total = $8, completed_at = $9
	WHERE id = $1`

	deleteAdjustmentsSQL = `DELETE FROM adjustments WHERE order_id = $1`
)

var (
	_ order.Repository = (*OrderRepository)(nil)
	_ order.History    = (*OrderRepository)(nil)
)

// OrderRepository implements order.Repository and order.History backed by
// PostgreSQL.
type OrderRepository struct {
	pool *pgxpool.Pool
}

// NewOrderRepository returns an OrderRepository that uses the given pool.
func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: pool}
}

// Create persists a new order with its line items and adjustments.
func (r *OrderRepository) Create(ctx context.Context, o *order.Order) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		var userID *string
		if id := o.UserID(); id != "" {
			userID = &id
		}
		var email string
		roles := []string{}
		if o.User != nil {
			email = o.User.Email
			if o.User.Roles != nil {
				roles = o.User.Roles
			}
		}
		createdAt := o.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now()
		}
		if _, err := tx.Exec(ctx, insertOrderSQL,
			o.ID, userID, email, roles, o.SessionID, string(o.State), o.CouponCode,
			o.ShipmentTotal, o.TaxTotal, o.ItemTotal, o.AdjustmentTotal, o.Total, createdAt,
		); err != nil {
			return errors.Wrapf(err, "insert order %q", o.ID)
		}

		batch := &pgx.Batch{}
		for _, li := range o.LineItems {
			batch.Queue(upsertLineItemSQL, li.ID, o.ID, li.ProductID, li.Price, li.Quantity)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return errors.Wrapf(err, "insert line items of %q", o.ID)
		}
		return insertAdjustments(ctx, tx, o)
	})
}

// Get returns an order with its line items and adjustments.
func (r *OrderRepository) Get(ctx context.Context, id string) (*order.Order, error) {
	return loadOrder(ctx, r.pool, id, false)
}

// SetItemQuantity changes, adds or removes a product line of a cart.
func (r *OrderRepository) SetItemQuantity(ctx context.Context, orderID, productID string, price decimal.Decimal, quantity int) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		var state string
		err := tx.QueryRow(ctx, `SELECT state FROM orders WHERE id = $1 FOR UPDATE`, orderID).Scan(&state)
		if errors.Is(err, pgx.ErrNoRows) {
			return order.ErrNotFound
		}
		if err != nil {
			return errors.Wrapf(err, "lock order %q", orderID)
		}

		if quantity == 0 {
			_, err = tx.Exec(ctx, deleteLineItemSQL, orderID, productID)
		} else {
			_, err = tx.Exec(ctx, upsertLineItemSQL,
				orderID+"/"+productID, orderID, productID, decimal.NewNullDecimal(price), quantity)
		}
		if err != nil {
			return errors.Wrapf(err, "set quantity of %q in %q", productID, orderID)
		}
		return nil
	})
}

// SetCouponCode records the last code entered for the order.
func (r *OrderRepository) SetCouponCode(ctx context.Context, orderID, code string) error {
	tag, err := r.pool.Exec(ctx, updateCouponCodeSQL, orderID, code)
	if err != nil {
		return errors.Wrapf(err, "set coupon code of %q", orderID)
	}
	if tag.RowsAffected() == 0 {
		return order.ErrNotFound
	}
	return nil
}

// CompletedCount counts completed orders of userID other than excludeOrderID.
func (r *OrderRepository) CompletedCount(ctx context.Context, userID, excludeOrderID string) (int, error) {
	var n int
	if err := r.pool.QueryRow(ctx, completedCountSQL, userID, excludeOrderID).Scan(&n); err != nil {
		return 0, errors.Wrapf(err, "count completed orders of %q", userID)
	}
	return n, nil
}

// loadOrder reads an order aggregate. With lock set the order row is locked
// for the rest of the transaction.
func loadOrder(ctx context.Context, q querier, id string, lock bool) (*order.Order, error) {
	query := selectOrderSQL
	if lock {
		query += " FOR UPDATE"
	}

	var (
		o      order.Order
		userID *string
		email  string
		roles  []string
		state  string
	)
	err := q.QueryRow(ctx, query, id).Scan(
		&o.ID, &userID, &email, &roles, &o.SessionID, &state, &o.CouponCode,
		&o.ShipmentTotal, &o.TaxTotal, &o.ItemTotal, &o.AdjustmentTotal, &o.Total,
		&o.CreatedAt, &o.CompletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, order.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get order %q", id)
	}
	o.State = order.State(state)
	if userID != nil {
		o.User = &order.User{ID: *userID, Email: email, Roles: roles}
	}

	rows, err := q.Query(ctx, selectLineItemsSQL, id)
	if err != nil {
		return nil, errors.Wrapf(err, "get line items of %q", id)
	}
	o.LineItems, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (order.LineItem, error) {
		var li order.LineItem
		err := row.Scan(&li.ID, &li.ProductID, &li.Price, &li.Quantity)
		return li, err
	})
	if err != nil {
		return nil, errors.Wrapf(err, "scan line items of %q", id)
	}

	rows, err = q.Query(ctx, selectAdjustmentsSQL, id)
	if err != nil {
		return nil, errors.Wrapf(err, "get adjustments of %q", id)
	}
	o.Adjustments, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (order.Adjustment, error) {
		a := order.Adjustment{OrderID: id}
		err := row.Scan(&a.ID, &a.Label, &a.Amount, &a.Source.Type, &a.Source.ID,
			&a.PromotionID, &a.PromotionCode, &a.FreeShipping, &a.CreatedAt)
		return a, err
	})
	if err != nil {
		return nil, errors.Wrapf(err, "scan adjustments of %q", id)
	}
	return &o, nil
}

// saveOrder writes the state, totals and adjustments of o. Adjustments are
// replaced as a whole.
func saveOrder(ctx context.Context, tx pgx.Tx, o *order.Order) error {
	tag, err := tx.Exec(ctx, updateOrderSQL,
		o.ID, string(o.State), o.CouponCode, o.ShipmentTotal, o.TaxTotal,
		o.ItemTotal, o.AdjustmentTotal, o.Total, o.CompletedAt,
	)
	if err != nil {
		return errors.Wrapf(err, "update order %q", o.ID)
	}
	if tag.RowsAffected() == 0 {
		return order.ErrNotFound
	}
	if _, err := tx.Exec(ctx, deleteAdjustmentsSQL, o.ID); err != nil {
		return errors.Wrapf(err, "delete adjustments of %q", o.ID)
	}
	return insertAdjustments(ctx, tx, o)
}

func insertAdjustments(ctx context.Context, tx pgx.Tx, o *order.Order) error {
	if len(o.Adjustments) == 0 {
		return nil
	}
	rows := make([][]any, len(o.Adjustments))
	for i, a := range o.Adjustments {
		var promotionID *string
		if a.PromotionID != "" {
			promotionID = &a.PromotionID
		}
		createdAt := a.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now()
		}
		rows[i] = []any{
			a.ID, o.ID, a.Label, a.Amount, a.Source.Type, a.Source.ID,
			promotionID, a.PromotionCode, a.FreeShipping, i, createdAt,
		}
	}
	_, err := tx.CopyFrom(ctx,
		pgx.Identifier{"adjustments"},
		[]string{
			"id", "order_id", "label", "amount", "source_type", "source_id",
			"promotion_id", "promotion_code", "free_shipping", "position", "created_at",
		},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return errors.Wrapf(err, "insert adjustments of %q", o.ID)
	}
	return nil
}
