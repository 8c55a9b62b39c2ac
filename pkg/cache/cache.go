// Package cache defines the TTL-scoped, tag-invalidated cache of derived
// results such as recommendation lists.
//
// Entries carry a set of tags naming the entities and users they were
// derived from. Mutations never try to work out which cached results they
// affect; they invalidate by tag instead. A read never returns an entry whose
// expiry has passed, whether or not [Cache.SweepExpired] has run yet.
package cache

import (
	"context"
	"strings"
	"time"
)

// Entry is a cached value with its metadata.
type Entry struct {
	Key       string
	Value     []byte
	Tags      []string
	ExpiresAt time.Time
	WrittenAt time.Time
}

// Expired reports whether e must no longer be served at now.
func (e Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.After(now)
}

// Cache is the contract implemented by every tier.
type Cache interface {
	// Get returns the live entry for key. ok is false on a miss or when the
	// stored entry has expired.
	Get(ctx context.Context, key string) (e Entry, ok bool, err error)

	// Set atomically replaces the entry for key. A ttl <= 0 removes any
	// existing entry and stores nothing.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration, tags ...string) error

	// InvalidateTag removes every entry carrying tag and returns how many
	// were removed.
	InvalidateTag(ctx context.Context, tag string) (int, error)

	// SweepExpired physically removes expired entries. Correctness never
	// depends on it.
	SweepExpired(ctx context.Context) (int, error)
}

// Stats counts lookups served by a tier.
type Stats struct {
	Hits   int64
	Misses int64
}

// HitRate is Hits / (Hits + Misses), or 0 with no lookups.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// StatsReporter is implemented by caches that track lookup statistics.
type StatsReporter interface {
	Stats() Stats
}

// Key builds a cache key from a result kind and its subject, e.g.
// Key("similar", "frag-1") == "similar:frag-1".
func Key(kind, subject string, qualifiers ...string) string {
	var b strings.Builder
	b.WriteString(kind)
	b.WriteByte(':')
	b.WriteString(subject)
	for _, q := range qualifiers {
		b.WriteByte(':')
		b.WriteString(q)
	}
	return b.String()
}

// EntityTag is the invalidation tag for results derived from an entity.
func EntityTag(entityID string) string { return "entity:" + entityID }

// UserTag is the invalidation tag for results derived from a user.
func UserTag(userID string) string { return "user:" + userID }

// DedupTags returns tags without duplicates or empty strings, preserving
// first-seen order.
func DedupTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
