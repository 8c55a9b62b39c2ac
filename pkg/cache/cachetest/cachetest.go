// Package cachetest holds the behavioural test suite every cache tier must
// pass.
package cachetest

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/scentvec/pkg/cache"
)

// Clock is a manually advanced time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock starts a clock at a fixed instant.
func NewClock() *Clock {
	return &Clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Factory builds a fresh, empty cache reading time from clock.
type Factory func(t *testing.T, clock *Clock) cache.Cache

// Run executes the conformance suite against caches built by newCache.
func Run(t *testing.T, newCache Factory) {
	t.Helper()

	t.Run("SetGet", func(t *testing.T) {
		ctx := context.Background()
		c := newCache(t, NewClock())
		if err := c.Set(ctx, "k", []byte("v"), time.Minute, "entity:1"); err != nil {
			t.Fatalf("Set: %v", err)
		}
		e, ok, err := c.Get(ctx, "k")
		if err != nil || !ok {
			t.Fatalf("Get = %v, %v", ok, err)
		}
		if string(e.Value) != "v" || !slices.Equal(e.Tags, []string{"entity:1"}) {
			t.Fatalf("entry = %+v", e)
		}
		if _, ok, _ := c.Get(ctx, "missing"); ok {
			t.Fatal("Get on missing key hit")
		}
	})

	t.Run("ZeroTTLNeverReturned", func(t *testing.T) {
		ctx := context.Background()
		c := newCache(t, NewClock())
		if err := c.Set(ctx, "k", []byte("old"), time.Minute); err != nil {
			t.Fatalf("Set: %v", err)
		}
		if err := c.Set(ctx, "k", []byte("new"), 0); err != nil {
			t.Fatalf("Set ttl=0: %v", err)
		}
		if _, ok, _ := c.Get(ctx, "k"); ok {
			t.Fatal("entry with ttl=0 returned")
		}
		if err := c.Set(ctx, "neg", []byte("x"), -time.Second); err != nil {
			t.Fatalf("Set negative ttl: %v", err)
		}
		if _, ok, _ := c.Get(ctx, "neg"); ok {
			t.Fatal("entry with negative ttl returned")
		}
	})

	t.Run("ExpiryWithoutSweep", func(t *testing.T) {
		ctx := context.Background()
		clock := NewClock()
		c := newCache(t, clock)
		if err := c.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
			t.Fatalf("Set: %v", err)
		}
		clock.Advance(59 * time.Second)
		if _, ok, _ := c.Get(ctx, "k"); !ok {
			t.Fatal("entry expired early")
		}
		clock.Advance(time.Second)
		if _, ok, _ := c.Get(ctx, "k"); ok {
			t.Fatal("entry returned at expires_at")
		}
	})

	t.Run("InvalidateTag", func(t *testing.T) {
		ctx := context.Background()
		c := newCache(t, NewClock())
		must(t, c.Set(ctx, "a", []byte("1"), time.Minute, "entity:1", "user:u"))
		must(t, c.Set(ctx, "b", []byte("2"), time.Minute, "entity:1"))
		must(t, c.Set(ctx, "c", []byte("3"), time.Minute, "entity:10"))

		n, err := c.InvalidateTag(ctx, "entity:1")
		if err != nil || n != 2 {
			t.Fatalf("InvalidateTag = %d, %v; want 2", n, err)
		}
		for _, k := range []string{"a", "b"} {
			if _, ok, _ := c.Get(ctx, k); ok {
				t.Errorf("%s survived invalidation", k)
			}
		}
		if _, ok, _ := c.Get(ctx, "c"); !ok {
			t.Error("entity:10 entry removed by entity:1 invalidation")
		}
		if n, _ := c.InvalidateTag(ctx, "user:u"); n != 0 {
			t.Errorf("second tag of removed entry still indexed: %d", n)
		}
	})

	t.Run("OverwriteReplacesTags", func(t *testing.T) {
		ctx := context.Background()
		c := newCache(t, NewClock())
		must(t, c.Set(ctx, "k", []byte("1"), time.Minute, "old"))
		must(t, c.Set(ctx, "k", []byte("2"), time.Minute, "new"))
		if n, _ := c.InvalidateTag(ctx, "old"); n != 0 {
			t.Fatalf("stale tag removed %d entries", n)
		}
		e, ok, _ := c.Get(ctx, "k")
		if !ok || string(e.Value) != "2" {
			t.Fatalf("Get = %+v, %v", e, ok)
		}
	})

	t.Run("SweepExpired", func(t *testing.T) {
		ctx := context.Background()
		clock := NewClock()
		c := newCache(t, clock)
		must(t, c.Set(ctx, "short", []byte("1"), time.Second))
		must(t, c.Set(ctx, "long", []byte("2"), time.Hour))
		clock.Advance(time.Minute)
		n, err := c.SweepExpired(ctx)
		if err != nil || n < 1 {
			t.Fatalf("SweepExpired = %d, %v", n, err)
		}
		if _, ok, _ := c.Get(ctx, "long"); !ok {
			t.Fatal("live entry swept")
		}
	})

	t.Run("ConcurrentWriters", func(t *testing.T) {
		ctx := context.Background()
		c := newCache(t, NewClock())
		var wg sync.WaitGroup
		for i := range 16 {
			wg.Go(func() {
				v := []byte(fmt.Sprintf("value-%02d", i))
				if err := c.Set(ctx, "shared", v, time.Minute, "entity:x"); err != nil {
					t.Errorf("Set: %v", err)
				}
			})
		}
		wg.Wait()
		e, ok, err := c.Get(ctx, "shared")
		if err != nil || !ok {
			t.Fatalf("Get = %v, %v", ok, err)
		}
		if len(e.Value) != len("value-00") || string(e.Value[:6]) != "value-" {
			t.Fatalf("torn value %q", e.Value)
		}
	})

	t.Run("ConcurrentWritersSettle", func(t *testing.T) {
		ctx := context.Background()
		clock := NewClock()
		c := newCache(t, clock)
		for round := range 20 {
			key := fmt.Sprintf("shared-%d", round)
			var wg sync.WaitGroup
			for i := range 8 {
				wg.Go(func() {
					v := []byte(fmt.Sprintf("value-%02d", i))
					if err := c.Set(ctx, key, v, time.Hour, "entity:x"); err != nil {
						t.Errorf("Set: %v", err)
					}
				})
				wg.Go(func() {
					if _, _, err := c.Get(ctx, key); err != nil {
						t.Errorf("Get: %v", err)
					}
				})
			}
			wg.Wait()

			first, ok, err := c.Get(ctx, key)
			if err != nil || !ok {
				t.Fatalf("round %d: Get = %v, %v", round, ok, err)
			}
			// Long enough for any short-lived copy to lapse, short of the ttl.
			clock.Advance(30 * time.Minute)
			again, ok, err := c.Get(ctx, key)
			if err != nil || !ok {
				t.Fatalf("round %d: Get after advance = %v, %v", round, ok, err)
			}
			if string(first.Value) != string(again.Value) {
				t.Fatalf("round %d: value changed from %q to %q with no write", round, first.Value, again.Value)
			}
		}
	})
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}
