package entity

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Compile-time assertion that MemStore satisfies the Store interface.
var _ Store = (*MemStore)(nil)

// MemStore is a thread-safe, in-memory implementation of [Store].
type MemStore struct {
	mu         sync.RWMutex
	fragrances map[string]Fragrance
	hooks      []WriteHook
}

// MemStoreOption configures a [MemStore].
type MemStoreOption func(*MemStore)

// WithWriteHook registers h to run after every successful Add, Update and
// BulkImport entry. Hooks run outside the store lock, in registration order.
func WithWriteHook(h WriteHook) MemStoreOption {
	return func(s *MemStore) { s.hooks = append(s.hooks, h) }
}

// NewMemStore returns an initialised [MemStore].
func NewMemStore(opts ...MemStoreOption) *MemStore {
	s := &MemStore{fragrances: make(map[string]Fragrance)}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Add implements [Store.Add].
func (s *MemStore) Add(ctx context.Context, f Fragrance) (Fragrance, error) {
	if err := Validate(f); err != nil {
		return Fragrance{}, fmt.Errorf("entity: add: %w", err)
	}
	if f.ID == "" {
		f.ID = uuid.NewString()
	}

	s.mu.Lock()
	if _, exists := s.fragrances[f.ID]; exists {
		s.mu.Unlock()
		return Fragrance{}, ErrDuplicateID
	}
	s.fragrances[f.ID] = clone(f)
	s.mu.Unlock()

	return f, s.notify(ctx, f)
}

// Get implements [Store.Get].
func (s *MemStore) Get(_ context.Context, id string) (Fragrance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, ok := s.fragrances[id]
	if !ok {
		return Fragrance{}, ErrNotFound
	}
	return clone(f), nil
}

// List implements [Store.List].
func (s *MemStore) List(_ context.Context, opts ListOptions) ([]Fragrance, error) {
	s.mu.RLock()
	result := make([]Fragrance, 0, len(s.fragrances))
	for _, f := range s.fragrances {
		if matchesOpts(f, opts) {
			result = append(result, clone(f))
		}
	}
	s.mu.RUnlock()

	slices.SortFunc(result, func(a, b Fragrance) int { return strings.Compare(a.ID, b.ID) })
	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}
	return result, nil
}

// Update implements [Store.Update].
func (s *MemStore) Update(ctx context.Context, f Fragrance) error {
	if err := Validate(f); err != nil {
		return fmt.Errorf("entity: update %s: %w", f.ID, err)
	}

	s.mu.Lock()
	if _, ok := s.fragrances[f.ID]; !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	s.fragrances[f.ID] = clone(f)
	s.mu.Unlock()

	return s.notify(ctx, f)
}

// Remove implements [Store.Remove].
func (s *MemStore) Remove(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.fragrances[id]; !ok {
		return ErrNotFound
	}
	delete(s.fragrances, id)
	return nil
}

// BulkImport implements [Store.BulkImport]. Existing IDs are replaced.
// The import is best-effort: entries are written one at a time and the
// count of written entries is returned with the first error encountered.
func (s *MemStore) BulkImport(ctx context.Context, fragrances []Fragrance) (int, error) {
	count := 0
	for _, f := range fragrances {
		if err := ctx.Err(); err != nil {
			return count, err
		}
		if err := Validate(f); err != nil {
			return count, fmt.Errorf("entity: bulk import at index %d (name %q): %w", count, f.Name, err)
		}
		if f.ID == "" {
			f.ID = uuid.NewString()
		}
		s.mu.Lock()
		s.fragrances[f.ID] = clone(f)
		s.mu.Unlock()
		count++
		if err := s.notify(ctx, f); err != nil {
			return count, err
		}
	}
	return count, nil
}

// Len returns the number of stored fragrances.
func (s *MemStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.fragrances)
}

// notify runs the write hooks. The write itself has already been applied.
func (s *MemStore) notify(ctx context.Context, f Fragrance) error {
	for _, h := range s.hooks {
		if err := h(ctx, f); err != nil {
			return fmt.Errorf("entity: write hook for %s: %w", f.ID, err)
		}
	}
	return nil
}

func clone(f Fragrance) Fragrance {
	f.Accords = slices.Clone(f.Accords)
	f.TopNotes = slices.Clone(f.TopNotes)
	f.MiddleNotes = slices.Clone(f.MiddleNotes)
	f.BaseNotes = slices.Clone(f.BaseNotes)
	return f
}

// matchesOpts reports whether f satisfies all conditions in opts.
func matchesOpts(f Fragrance, opts ListOptions) bool {
	if opts.Brand != "" && !strings.EqualFold(f.Brand, opts.Brand) {
		return false
	}
	if opts.Family != "" && !strings.EqualFold(f.Family, opts.Family) {
		return false
	}
	for _, want := range opts.Accords {
		if !slices.ContainsFunc(f.Accords, func(a string) bool { return strings.EqualFold(a, want) }) {
			return false
		}
	}
	return true
}
