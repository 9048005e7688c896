// Package memory implements the order, product, promotion and credit stores
// in process memory. Transactions are serialized and applied on commit, so a
// failed reconcile leaves no trace.
package memory

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/xenking/kart-promotions/internal/domain/order"
	"github.com/xenking/kart-promotions/internal/domain/product"
	"github.com/xenking/kart-promotions/internal/domain/promotion"
	"github.com/xenking/kart-promotions/internal/engine"
)

var (
	_ engine.Store       = (*Store)(nil)
	_ order.Repository   = (*Store)(nil)
	_ order.History      = (*Store)(nil)
	_ product.Repository = (*Store)(nil)
)

type credit struct {
	promotionID string
	orderID     string
}

// Store keeps all state in maps. The zero value is not usable; use New.
type Store struct {
	// txMu serializes writers; mu guards the maps.
	txMu sync.Mutex
	mu   sync.RWMutex

	orders     map[string]*order.Order
	products   map[string]product.Product
	promotions []promotion.Definition
	credits    map[credit]struct{}
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		orders:   make(map[string]*order.Order),
		products: make(map[string]product.Product),
		credits:  make(map[credit]struct{}),
	}
}

// WithinTx runs fn with exclusive write access. Changes made through the Tx
// become visible only when fn returns nil.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx engine.Tx) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.RLock()
	tx := &tx{
		store:   s,
		orders:  make(map[string]*order.Order),
		credits: maps.Clone(s.credits),
	}
	s.mu.RUnlock()

	if err := fn(ctx, tx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, o := range tx.orders {
		s.orders[id] = o.Clone()
	}
	s.credits = tx.credits
	return nil
}

type tx struct {
	store   *Store
	orders  map[string]*order.Order
	credits map[credit]struct{}
}

func (t *tx) LoadOrder(_ context.Context, orderID string) (*order.Order, error) {
	if o, ok := t.orders[orderID]; ok {
		return o.Clone(), nil
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	o, ok := t.store.orders[orderID]
	if !ok {
		return nil, order.ErrNotFound
	}
	return o.Clone(), nil
}

func (t *tx) SaveOrder(_ context.Context, o *order.Order) error {
	t.orders[o.ID] = o.Clone()
	return nil
}

func (t *tx) CreditCounts(_ context.Context, promotionIDs []string, excludeOrderID string, policy engine.CreditPolicy) (map[string]int, error) {
	counts := make(map[string]int, len(promotionIDs))
	for c := range t.credits {
		if c.orderID == excludeOrderID || !slices.Contains(promotionIDs, c.promotionID) {
			continue
		}
		if t.counts(c.orderID, policy) {
			counts[c.promotionID]++
		}
	}
	return counts, nil
}

func (t *tx) ClaimCredit(ctx context.Context, promotionID, orderID string, limit int, policy engine.CreditPolicy) error {
	counts, err := t.CreditCounts(ctx, []string{promotionID}, orderID, policy)
	if err != nil {
		return err
	}
	if counts[promotionID] >= limit {
		return engine.ErrUsageLimitExceeded
	}
	t.credits[credit{promotionID: promotionID, orderID: orderID}] = struct{}{}
	return nil
}

func (t *tx) ReleaseCredits(_ context.Context, orderID string, keep []string) error {
	for c := range t.credits {
		if c.orderID == orderID && !slices.Contains(keep, c.promotionID) {
			delete(t.credits, c)
		}
	}
	return nil
}

// counts reports whether the credit of orderID counts under policy.
func (t *tx) counts(orderID string, policy engine.CreditPolicy) bool {
	if policy != engine.CreditPolicyCompleted {
		return true
	}
	if o, ok := t.orders[orderID]; ok {
		return o.State == order.StateComplete
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	o, ok := t.store.orders[orderID]
	return ok && o.State == order.StateComplete
}

// Create stores a new order.
func (s *Store) Create(_ context.Context, o *order.Order) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[o.ID] = o.Clone()
	return nil
}

// Get returns a copy of the order.
func (s *Store) Get(_ context.Context, id string) (*order.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, order.ErrNotFound
	}
	return o.Clone(), nil
}

// SetItemQuantity changes, adds or removes a product line.
func (s *Store) SetItemQuantity(_ context.Context, orderID, productID string, price decimal.Decimal, quantity int) error {
	return s.update(orderID, func(o *order.Order) {
		idx := slices.IndexFunc(o.LineItems, func(li order.LineItem) bool { return li.ProductID == productID })
		switch {
		case idx >= 0 && quantity == 0:
			o.LineItems = slices.Delete(o.LineItems, idx, idx+1)
		case idx >= 0:
			o.LineItems[idx].Quantity = quantity
		case quantity > 0:
			o.LineItems = append(o.LineItems, order.LineItem{
				ID:        orderID + "/" + productID,
				ProductID: productID,
				Price:     decimal.NewNullDecimal(price),
				Quantity:  quantity,
			})
		}
	})
}

// SetCouponCode records the last code entered for the order.
func (s *Store) SetCouponCode(_ context.Context, orderID, code string) error {
	return s.update(orderID, func(o *order.Order) { o.CouponCode = code })
}

func (s *Store) update(orderID string, fn func(o *order.Order)) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return order.ErrNotFound
	}
	fn(o)
	return nil
}

// CompletedCount counts completed orders of userID other than excludeOrderID.
func (s *Store) CompletedCount(_ context.Context, userID, excludeOrderID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, o := range s.orders {
		if o.ID != excludeOrderID && o.UserID() == userID && o.State == order.StateComplete {
			n++
		}
	}
	return n, nil
}

// Credits returns the orders holding a credit of promotionID, sorted.
func (s *Store) Credits(promotionID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for c := range s.credits {
		if c.promotionID == promotionID {
			ids = append(ids, c.orderID)
		}
	}
	slices.Sort(ids)
	return ids
}
