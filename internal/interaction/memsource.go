package interaction

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"
)

var _ Source = (*MemSource)(nil)

// MemSource is an in-memory, append-only [Source].
type MemSource struct {
	mu     sync.RWMutex
	seq    int64
	byUser map[string][]Event
}

// NewMemSource returns an empty MemSource.
func NewMemSource() *MemSource {
	return &MemSource{byUser: make(map[string][]Event)}
}

// Append validates and records events, assigning each a sequence number.
func (s *MemSource) Append(_ context.Context, events ...Event) error {
	for i, e := range events {
		if err := e.Validate(); err != nil {
			return fmt.Errorf("interaction: append event %d: %w", i, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range events {
		s.seq++
		e.Seq = s.seq
		list := append(s.byUser[e.UserID], e)
		s.byUser[e.UserID] = list
	}
	return nil
}

// Since implements [Source].
func (s *MemSource) Since(ctx context.Context, userID string, after Cursor, limit int) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Event
	for _, e := range s.byUser[userID] {
		if !after.After(e) {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// ActiveUsers implements [Source].
func (s *MemSource) ActiveUsers(ctx context.Context, since time.Time) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var users []string
	for user, events := range s.byUser {
		if slices.ContainsFunc(events, func(e Event) bool { return !e.OccurredAt.Before(since) }) {
			users = append(users, user)
		}
	}
	slices.Sort(users)
	return users, nil
}
