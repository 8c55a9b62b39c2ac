// Package tiered composes a fast in-process tier in front of a persistent
// tier.
//
// Writes go to L2 first and then L1, with the L1 copy's lifetime capped so a
// process that missed an invalidation (another replica wrote) serves a stale
// value for at most that cap. Reads try L1, then L2, promoting L2 hits into L1.
// Writes to one key, and the L2 read plus promotion of a missed key, are
// serialized on a striped per-key lock so the tiers agree on the last writer.
// Invalidation clears L2 before L1. A read that straddled an invalidation
// does not promote what it read, which keeps a concurrent invalidate from
// being undone by a stale promotion.
package tiered

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/MrWong99/scentvec/pkg/cache"
	"github.com/MrWong99/scentvec/pkg/cache/memcache"
)

const keyStripes = 64

// Cache is a two-tier [cache.Cache].
type Cache struct {
	l1       *memcache.Cache
	l2       cache.Cache
	l1MaxTTL time.Duration
	now      func() time.Time

	// epoch advances around every invalidation; promotions are skipped when
	// it moved during the L2 read. promoteMu orders promotions against the
	// L1 half of an invalidation.
	epoch     atomic.Uint64
	promoteMu sync.RWMutex

	keyMu [keyStripes]sync.Mutex

	hits   atomic.Int64
	misses atomic.Int64
}

var (
	_ cache.Cache         = (*Cache)(nil)
	_ cache.StatsReporter = (*Cache)(nil)
)

// Option configures a [Cache].
type Option func(*Cache)

// WithClock overrides the time source used to cap promoted entries.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New composes l1 in front of l2. l1MaxTTL <= 0 means L1 copies live as
// long as the L2 entry.
func New(l1 *memcache.Cache, l2 cache.Cache, l1MaxTTL time.Duration, opts ...Option) *Cache {
	c := &Cache{l1: l1, l2: l2, l1MaxTTL: l1MaxTTL, now: time.Now}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Get implements [cache.Cache].
func (c *Cache) Get(ctx context.Context, key string) (cache.Entry, bool, error) {
	if e, ok, err := c.l1.Get(ctx, key); err == nil && ok {
		c.hits.Add(1)
		return e, true, nil
	}

	mu := c.lockKey(key)
	defer mu.Unlock()

	epoch := c.epoch.Load()
	e, ok, err := c.l2.Get(ctx, key)
	if err != nil {
		c.misses.Add(1)
		return cache.Entry{}, false, err
	}
	if !ok {
		c.misses.Add(1)
		return cache.Entry{}, false, nil
	}
	c.hits.Add(1)

	promoted := e
	if c.l1MaxTTL > 0 {
		if limit := c.now().Add(c.l1MaxTTL); promoted.ExpiresAt.After(limit) {
			promoted.ExpiresAt = limit
		}
	}
	c.promoteMu.RLock()
	if c.epoch.Load() == epoch {
		c.l1.SetEntry(ctx, promoted)
	}
	c.promoteMu.RUnlock()
	return e, true, nil
}

// Set implements [cache.Cache].
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration, tags ...string) error {
	mu := c.lockKey(key)
	defer mu.Unlock()

	epoch := c.epoch.Load()
	if err := c.l2.Set(ctx, key, value, ttl, tags...); err != nil {
		// L2 may or may not hold the new value; drop the L1 copy so the next
		// read goes to L2.
		_ = c.l1.Set(ctx, key, nil, 0)
		return err
	}
	l1TTL := ttl
	if c.l1MaxTTL > 0 && l1TTL > c.l1MaxTTL {
		l1TTL = c.l1MaxTTL
	}
	c.promoteMu.RLock()
	defer c.promoteMu.RUnlock()
	if c.epoch.Load() != epoch {
		// An invalidation ran during the L2 write.
		l1TTL = 0
	}
	return c.l1.Set(ctx, key, value, l1TTL, tags...)
}

func (c *Cache) lockKey(key string) *sync.Mutex {
	mu := &c.keyMu[xxhash.Sum64String(key)%keyStripes]
	mu.Lock()
	return mu
}

// InvalidateTag implements [cache.Cache]. It returns the larger of the two
// tiers' removal counts.
func (c *Cache) InvalidateTag(ctx context.Context, tag string) (int, error) {
	c.epoch.Add(1)
	n2, err2 := c.l2.InvalidateTag(ctx, tag)
	c.promoteMu.Lock()
	n1, err1 := c.l1.InvalidateTag(ctx, tag)
	c.epoch.Add(1)
	c.promoteMu.Unlock()
	if err := errors.Join(err2, err1); err != nil {
		return 0, err
	}
	return max(n1, n2), nil
}

// SweepExpired implements [cache.Cache].
func (c *Cache) SweepExpired(ctx context.Context) (int, error) {
	n1, err1 := c.l1.SweepExpired(ctx)
	n2, err2 := c.l2.SweepExpired(ctx)
	return n1 + n2, errors.Join(err1, err2)
}

// Stats implements [cache.StatsReporter] for the composite.
func (c *Cache) Stats() cache.Stats {
	return cache.Stats{Hits: c.hits.Load(), Misses: c.misses.Load()}
}

// TierStats returns the per-tier statistics, L1 first.
func (c *Cache) TierStats() (l1, l2 cache.Stats) {
	l1 = c.l1.Stats()
	if r, ok := c.l2.(cache.StatsReporter); ok {
		l2 = r.Stats()
	}
	return l1, l2
}
