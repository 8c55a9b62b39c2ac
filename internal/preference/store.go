// Package preference folds a user's interaction history into a single
// preference vector in the same space as the entity embeddings.
//
// Updates are incremental: each run reads only the interactions appended
// after the stored cursor, decays the previously accumulated signal by the
// time that passed between event timestamps, and blends the two. Decay is
// measured against event time rather than wall-clock time, so running an
// update with no new interactions leaves the vector exactly as it was. An
// event stamped before the stored reference time is decayed relative to it.
//
// Concurrent updates for the same user are serialised by an optimistic
// version check on the [Store]; a losing writer re-reads and recomputes.
package preference

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/scentvec/internal/interaction"
)

var (
	// ErrNotFound is returned by [Store.Get] for users without a vector.
	ErrNotFound = errors.New("preference: vector not found")

	// ErrVersionConflict is returned by [Store.CompareAndSwap] when the
	// stored version is not the expected one.
	ErrVersionConflict = errors.New("preference: version conflict")
)

// Vector is a user's aggregate taste vector.
type Vector struct {
	UserID  string
	ModelID string

	// Vector is the decay-weighted mean of the unit vectors of contributing
	// entities.
	Vector []float32

	// Strength is min(1, Mass/saturation).
	Strength float64

	// InteractionCount is the number of events that contributed.
	InteractionCount int

	// Mass is the decayed sum of absolute contribution weights, measured at
	// RefTime.
	Mass float64

	// RefTime is the timestamp of the newest contributing event.
	RefTime time.Time

	// Cursor is the position of the last consumed event.
	Cursor interaction.Cursor

	// Pending holds consumed events whose entity had no vector for ModelID
	// yet. They are retried on every update and folded once the entity is
	// embedded.
	Pending []interaction.Event

	UpdatedAt time.Time

	// Version increases by one on every successful write. Zero means the
	// vector has never been stored.
	Version int64
}

// Clone returns a deep copy of v.
func (v Vector) Clone() Vector {
	v.Vector = slices.Clone(v.Vector)
	v.Pending = slices.Clone(v.Pending)
	return v
}

// Store persists preference vectors with optimistic concurrency.
type Store interface {
	// Get returns the stored vector or an error wrapping [ErrNotFound].
	Get(ctx context.Context, userID string) (Vector, error)

	// CompareAndSwap writes v if the stored version equals expected (0 for
	// an absent vector) and returns the stored value with its new version.
	// A mismatch returns an error wrapping [ErrVersionConflict].
	CompareAndSwap(ctx context.Context, v Vector, expected int64) (Vector, error)
}

var _ Store = (*MemStore)(nil)

// MemStore is an in-memory [Store].
type MemStore struct {
	mu      sync.Mutex
	vectors map[string]Vector
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{vectors: make(map[string]Vector)}
}

// Get implements [Store].
func (s *MemStore) Get(_ context.Context, userID string) (Vector, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.vectors[userID]
	if !ok {
		return Vector{}, fmt.Errorf("%w: %s", ErrNotFound, userID)
	}
	return v.Clone(), nil
}

// CompareAndSwap implements [Store].
func (s *MemStore) CompareAndSwap(_ context.Context, v Vector, expected int64) (Vector, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.vectors[v.UserID].Version
	if cur != expected {
		return Vector{}, fmt.Errorf("%w: %s at version %d, expected %d", ErrVersionConflict, v.UserID, cur, expected)
	}
	v = v.Clone()
	v.Version = expected + 1
	s.vectors[v.UserID] = v
	return v.Clone(), nil
}

// Delete removes a user's vector. It exists for user-data erasure.
func (s *MemStore) Delete(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.vectors[userID]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, userID)
	}
	delete(s.vectors, userID)
	return nil
}
