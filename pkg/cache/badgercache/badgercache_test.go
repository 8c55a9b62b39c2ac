package badgercache_test

import (
	"context"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/MrWong99/scentvec/pkg/cache"
	"github.com/MrWong99/scentvec/pkg/cache/badgercache"
	"github.com/MrWong99/scentvec/pkg/cache/cachetest"
)

func openDB(t *testing.T) *badger.DB {
	t.Helper()
	db, err := badgercache.Open("", true)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestConformance(t *testing.T) {
	t.Parallel()
	cachetest.Run(t, func(t *testing.T, clock *cachetest.Clock) cache.Cache {
		return badgercache.New(openDB(t), badgercache.WithClock(clock.Now))
	})
}

func TestPrefixIsolation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := openDB(t)
	a := badgercache.New(db, badgercache.WithPrefix("a:"))
	b := badgercache.New(db, badgercache.WithPrefix("b:"))

	if err := a.Set(ctx, "k", []byte("from-a"), time.Minute, "entity:1"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, ok, _ := b.Get(ctx, "k"); ok {
		t.Fatal("prefix b sees prefix a's entry")
	}
	if n, _ := b.InvalidateTag(ctx, "entity:1"); n != 0 {
		t.Fatalf("prefix b invalidated %d of prefix a's entries", n)
	}
	if _, ok, _ := a.Get(ctx, "k"); !ok {
		t.Fatal("entry lost")
	}
}

func TestClose(t *testing.T) {
	t.Parallel()
	c := badgercache.New(openDB(t))
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, _, err := c.Get(context.Background(), "k"); err != badgercache.ErrClosed {
		t.Fatalf("Get after Close = %v, want ErrClosed", err)
	}
}
