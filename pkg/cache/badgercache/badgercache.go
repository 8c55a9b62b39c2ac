// Package badgercache is the persistent cache tier backed by BadgerDB.
//
// Entries are stored as JSON envelopes under "<prefix>e/<key>" with a Badger
// TTL slightly longer than the logical expiry; the envelope's own expires_at
// is authoritative because Badger TTLs have one-second granularity. Each tag
// has a reverse index key "<prefix>t/<tag>\x00<key>" written in the same
// transaction as the entry, so an entry and its tag index are never observed
// out of step.
package badgercache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/MrWong99/scentvec/pkg/cache"
)

const (
	defaultPrefix = "cache:"
	maxTxnRetries = 5
	physicalGrace = time.Minute
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("badgercache: closed")

type envelope struct {
	Value     []byte    `json:"v"`
	Tags      []string  `json:"tags,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
	WrittenAt time.Time `json:"written_at"`
}

// Option configures a [Cache].
type Option func(*Cache)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithPrefix namespaces all keys, allowing the DB to be shared.
func WithPrefix(prefix string) Option {
	return func(c *Cache) { c.prefix = []byte(prefix) }
}

// WithOwnedDB makes Close also close the underlying DB.
func WithOwnedDB() Option {
	return func(c *Cache) { c.ownsDB = true }
}

// Cache is a Badger-backed [cache.Cache].
type Cache struct {
	db     *badger.DB
	prefix []byte
	now    func() time.Time
	ownsDB bool
	closed atomic.Bool

	// writeMu serialises read-modify-write transactions from this process so
	// they do not spin on ErrConflict.
	writeMu sync.Mutex

	hits   atomic.Int64
	misses atomic.Int64
}

var (
	_ cache.Cache         = (*Cache)(nil)
	_ cache.StatsReporter = (*Cache)(nil)
)

// Open opens a Badger database at dir, or an in-memory one when inMemory is
// set (dir is then ignored).
func Open(dir string, inMemory bool) (*badger.DB, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if inMemory {
		opts = badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badgercache: open %q: %w", dir, err)
	}
	return db, nil
}

// New wraps db.
func New(db *badger.DB, opts ...Option) *Cache {
	c := &Cache{
		db:     db,
		prefix: []byte(defaultPrefix),
		now:    time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Cache) entryKey(key string) []byte {
	return append(append(bytes.Clone(c.prefix), "e/"...), key...)
}

func (c *Cache) tagPrefix(tag string) []byte {
	b := append(bytes.Clone(c.prefix), "t/"...)
	b = append(b, tag...)
	return append(b, 0)
}

func (c *Cache) tagKey(tag, key string) []byte {
	return append(c.tagPrefix(tag), key...)
}

// Get implements [cache.Cache].
func (c *Cache) Get(_ context.Context, key string) (cache.Entry, bool, error) {
	if c.closed.Load() {
		return cache.Entry{}, false, ErrClosed
	}
	var (
		env   envelope
		found bool
	)
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(c.entryKey(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &env)
		})
	})
	if err != nil {
		return cache.Entry{}, false, fmt.Errorf("badgercache: get %q: %w", key, err)
	}
	e := cache.Entry{Key: key, Value: env.Value, Tags: env.Tags, ExpiresAt: env.ExpiresAt, WrittenAt: env.WrittenAt}
	if !found || e.Expired(c.now()) {
		c.misses.Add(1)
		return cache.Entry{}, false, nil
	}
	c.hits.Add(1)
	return e, true, nil
}

// Set implements [cache.Cache].
func (c *Cache) Set(_ context.Context, key string, value []byte, ttl time.Duration, tags ...string) error {
	if c.closed.Load() {
		return ErrClosed
	}
	now := c.now()
	env := envelope{
		Value:     value,
		Tags:      cache.DedupTags(tags),
		ExpiresAt: now.Add(ttl),
		WrittenAt: now,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("badgercache: set %q: encode: %w", key, err)
	}
	// Badger expiry is second-granular; keep the physical row around a
	// little longer and let the envelope decide.
	physicalTTL := ttl + physicalGrace

	err = c.update(func(txn *badger.Txn) error {
		if err := c.deleteEntry(txn, key); err != nil {
			return err
		}
		if ttl <= 0 {
			return nil
		}
		if err := txn.SetEntry(badger.NewEntry(c.entryKey(key), data).WithTTL(physicalTTL)); err != nil {
			return err
		}
		for _, t := range env.Tags {
			if err := txn.SetEntry(badger.NewEntry(c.tagKey(t, key), nil).WithTTL(physicalTTL)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("badgercache: set %q: %w", key, err)
	}
	return nil
}

// InvalidateTag implements [cache.Cache].
func (c *Cache) InvalidateTag(_ context.Context, tag string) (int, error) {
	if c.closed.Load() {
		return 0, ErrClosed
	}
	prefix := c.tagPrefix(tag)
	var n int
	err := c.update(func(txn *badger.Txn) error {
		n = 0
		keys := scanKeys(txn, prefix)
		for _, k := range keys {
			entry := string(k[len(prefix):])
			existed, err := c.entryExists(txn, entry)
			if err != nil {
				return err
			}
			if err := c.deleteEntry(txn, entry); err != nil {
				return err
			}
			// A dangling index key whose entry was already replaced or
			// removed still has to go.
			if err := txn.Delete(k); err != nil {
				return err
			}
			if existed {
				n++
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("badgercache: invalidate tag %q: %w", tag, err)
	}
	return n, nil
}

// SweepExpired implements [cache.Cache]. It also triggers a value log GC
// pass.
func (c *Cache) SweepExpired(_ context.Context) (int, error) {
	if c.closed.Load() {
		return 0, ErrClosed
	}
	now := c.now()
	var n int
	err := c.update(func(txn *badger.Txn) error {
		n = 0
		opts := badger.DefaultIteratorOptions
		opts.Prefix = append(bytes.Clone(c.prefix), "e/"...)
		it := txn.NewIterator(opts)
		var expired []string
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			var env envelope
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &env) }); err != nil {
				continue
			}
			if !env.ExpiresAt.After(now) {
				expired = append(expired, string(item.Key()[len(opts.Prefix):]))
			}
		}
		it.Close()
		for _, k := range expired {
			if err := c.deleteEntry(txn, k); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("badgercache: sweep: %w", err)
	}
	if !c.db.Opts().InMemory {
		if gcErr := c.db.RunValueLogGC(0.5); gcErr != nil && !errors.Is(gcErr, badger.ErrNoRewrite) {
			slog.Debug("badgercache: value log gc", "err", gcErr)
		}
	}
	return n, nil
}

// Stats implements [cache.StatsReporter].
func (c *Cache) Stats() cache.Stats {
	return cache.Stats{Hits: c.hits.Load(), Misses: c.misses.Load()}
}

// Close marks the cache closed and, with [WithOwnedDB], closes the DB.
func (c *Cache) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	if c.ownsDB {
		return c.db.Close()
	}
	return nil
}

// update runs fn in a read-write transaction, retrying on conflicts with
// concurrent writers.
func (c *Cache) update(fn func(txn *badger.Txn) error) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	var err error
	for range maxTxnRetries {
		err = c.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

func (c *Cache) entryExists(txn *badger.Txn, key string) (bool, error) {
	_, err := txn.Get(c.entryKey(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

// deleteEntry removes key and the tag index keys listed in its envelope.
func (c *Cache) deleteEntry(txn *badger.Txn, key string) error {
	ek := c.entryKey(key)
	item, err := txn.Get(ek)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	var env envelope
	if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &env) }); err == nil {
		for _, t := range env.Tags {
			if err := txn.Delete(c.tagKey(t, key)); err != nil {
				return err
			}
		}
	}
	return txn.Delete(ek)
}

func scanKeys(txn *badger.Txn, prefix []byte) [][]byte {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()
	var keys [][]byte
	for it.Rewind(); it.Valid(); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	return keys
}
