// Package memcache is the in-process cache tier.
package memcache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/scentvec/pkg/cache"
)

// Option configures a [Cache].
type Option func(*Cache)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// Cache is a map-backed cache with a reverse tag index. All methods are safe
// for concurrent use.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*cache.Entry
	byTag   map[string]map[string]struct{}
	now     func() time.Time

	hits   atomic.Int64
	misses atomic.Int64
}

var (
	_ cache.Cache         = (*Cache)(nil)
	_ cache.StatsReporter = (*Cache)(nil)
)

// New returns an empty Cache.
func New(opts ...Option) *Cache {
	c := &Cache{
		entries: make(map[string]*cache.Entry),
		byTag:   make(map[string]map[string]struct{}),
		now:     time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Get implements [cache.Cache].
func (c *Cache) Get(_ context.Context, key string) (cache.Entry, bool, error) {
	c.mu.RLock()
	e, ok := c.entries[key]
	var out cache.Entry
	if ok && !e.Expired(c.now()) {
		out = *e
		out.Tags = append([]string(nil), e.Tags...)
	} else {
		ok = false
	}
	c.mu.RUnlock()

	if !ok {
		c.misses.Add(1)
		return cache.Entry{}, false, nil
	}
	c.hits.Add(1)
	return out, true, nil
}

// Set implements [cache.Cache].
func (c *Cache) Set(_ context.Context, key string, value []byte, ttl time.Duration, tags ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.removeLocked(key)
	if ttl <= 0 {
		return nil
	}
	now := c.now()
	e := &cache.Entry{
		Key:       key,
		Value:     append([]byte(nil), value...),
		Tags:      cache.DedupTags(tags),
		ExpiresAt: now.Add(ttl),
		WrittenAt: now,
	}
	c.entries[key] = e
	for _, t := range e.Tags {
		keys, ok := c.byTag[t]
		if !ok {
			keys = make(map[string]struct{})
			c.byTag[t] = keys
		}
		keys[key] = struct{}{}
	}
	return nil
}

// SetEntry stores e as-is, keeping its timestamps. Used when promoting an
// entry from a slower tier.
func (c *Cache) SetEntry(_ context.Context, e cache.Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(e.Key)
	if e.Expired(c.now()) {
		return
	}
	stored := e
	stored.Value = append([]byte(nil), e.Value...)
	stored.Tags = cache.DedupTags(e.Tags)
	c.entries[e.Key] = &stored
	for _, t := range stored.Tags {
		keys, ok := c.byTag[t]
		if !ok {
			keys = make(map[string]struct{})
			c.byTag[t] = keys
		}
		keys[e.Key] = struct{}{}
	}
}

// InvalidateTag implements [cache.Cache].
func (c *Cache) InvalidateTag(_ context.Context, tag string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := c.byTag[tag]
	n := 0
	for k := range keys {
		if c.removeLocked(k) {
			n++
		}
	}
	delete(c.byTag, tag)
	return n, nil
}

// SweepExpired implements [cache.Cache].
func (c *Cache) SweepExpired(_ context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	n := 0
	for k, e := range c.entries {
		if e.Expired(now) {
			c.removeLocked(k)
			n++
		}
	}
	return n, nil
}

// Len returns the number of stored entries, including expired ones not yet
// swept.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Stats implements [cache.StatsReporter].
func (c *Cache) Stats() cache.Stats {
	return cache.Stats{Hits: c.hits.Load(), Misses: c.misses.Load()}
}

// removeLocked deletes key and its tag index entries. Caller holds c.mu.
func (c *Cache) removeLocked(key string) bool {
	e, ok := c.entries[key]
	if !ok {
		return false
	}
	delete(c.entries, key)
	for _, t := range e.Tags {
		if keys, ok := c.byTag[t]; ok {
			delete(keys, key)
			if len(keys) == 0 {
				delete(c.byTag, t)
			}
		}
	}
	return true
}
