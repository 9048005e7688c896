// Package visit records which landing pages a visitor has seen.
package visit

import (
	"context"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/redis/go-redis/v9"

	"github.com/xenking/kart-promotions/internal/domain/promotion"
)

// ErrEmptyVisitor is returned when a visit carries no visitor.
var ErrEmptyVisitor = errors.New("visitor is required")

// Tracker records and answers landing page visits.
type Tracker interface {
	promotion.VisitTracker
	Track(ctx context.Context, visitor, path string) error
}

var (
	_ Tracker = (*RedisTracker)(nil)
	_ Tracker = (*MemoryTracker)(nil)
)

// RedisTracker keeps one set of paths per visitor. The set expires TTL after
// the last visit.
type RedisTracker struct {
	client redis.Cmdable
	ttl    time.Duration
}

// NewRedisTracker creates a RedisTracker. A zero ttl keeps visits forever.
func NewRedisTracker(client redis.Cmdable, ttl time.Duration) *RedisTracker {
	return &RedisTracker{client: client, ttl: ttl}
}

func visitsKey(visitor string) string {
	return "promo:visits:{" + visitor + "}"
}

// Track records that visitor opened path.
func (t *RedisTracker) Track(ctx context.Context, visitor, path string) error {
	if visitor == "" {
		return ErrEmptyVisitor
	}
	key := visitsKey(visitor)
	pipe := t.client.TxPipeline()
	pipe.SAdd(ctx, key, promotion.NormalizePath(path))
	if t.ttl > 0 {
		pipe.Expire(ctx, key, t.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "track visit")
	}
	return nil
}

// Visited reports whether visitor opened path.
func (t *RedisTracker) Visited(ctx context.Context, visitor, path string) (bool, error) {
	if visitor == "" {
		return false, nil
	}
	ok, err := t.client.SIsMember(ctx, visitsKey(visitor), promotion.NormalizePath(path)).Result()
	if err != nil {
		return false, errors.Wrap(err, "check visit")
	}
	return ok, nil
}

// MemoryTracker keeps visits in process memory. Used when Redis is not
// configured.
type MemoryTracker struct {
	mu     sync.RWMutex
	visits map[string]map[string]struct{}
}

// NewMemoryTracker creates an empty MemoryTracker.
func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{visits: make(map[string]map[string]struct{})}
}

func (t *MemoryTracker) Track(_ context.Context, visitor, path string) error {
	if visitor == "" {
		return ErrEmptyVisitor
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	paths, ok := t.visits[visitor]
	if !ok {
		paths = make(map[string]struct{})
		t.visits[visitor] = paths
	}
	paths[promotion.NormalizePath(path)] = struct{}{}
	return nil
}

func (t *MemoryTracker) Visited(_ context.Context, visitor, path string) (bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.visits[visitor][promotion.NormalizePath(path)]
	return ok, nil
}
