package memory

import (
	"cmp"
	"context"
	"slices"

	"github.com/xenking/kart-promotions/internal/domain/product"
	"github.com/xenking/kart-promotions/internal/domain/promotion"
)

// PutProduct adds or replaces a product.
func (s *Store) PutProduct(p product.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[p.ID] = p
}

// List returns all products ordered by ID.
func (s *Store) List(_ context.Context) ([]product.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]product.Product, 0, len(s.products))
	for _, p := range s.products {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b product.Product) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

// GetByID returns a single product.
func (s *Store) GetByID(_ context.Context, id string) (*product.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.products[id]
	if !ok {
		return nil, product.ErrNotFound
	}
	return &p, nil
}

// GetByIDs returns the products among ids that exist.
func (s *Store) GetByIDs(_ context.Context, ids []string) ([]product.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []product.Product
	for _, id := range ids {
		if p, ok := s.products[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

// SavePromotion inserts or replaces a promotion definition, keeping the
// position of a replaced one.
func (s *Store) SavePromotion(_ context.Context, def promotion.Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.promotionIndex(def.ID); i >= 0 {
		s.promotions[i] = def
		return nil
	}
	s.promotions = append(s.promotions, def)
	return nil
}

// DeletePromotion removes a promotion together with its rules, actions and
// credits. Other promotions are untouched.
func (s *Store) DeletePromotion(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.promotionIndex(id); i >= 0 {
		s.promotions = slices.Delete(s.promotions, i, i+1)
	}
	for c := range s.credits {
		if c.promotionID == id {
			delete(s.credits, c)
		}
	}
	return nil
}

// ListPromotions returns the promotion definitions in insertion order.
func (s *Store) ListPromotions(_ context.Context) ([]promotion.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.promotions), nil
}

func (s *Store) promotionIndex(id string) int {
	return slices.IndexFunc(s.promotions, func(d promotion.Definition) bool { return d.ID == id })
}
