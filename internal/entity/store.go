package entity

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get, Update and Remove when the requested
// fragrance does not exist.
var ErrNotFound = errors.New("entity not found")

// ErrDuplicateID is returned by Add when a fragrance with the same ID already exists.
var ErrDuplicateID = errors.New("entity with that ID already exists")

// Store is the catalog the embedding pipeline reads canonical content from.
//
// All implementations must be safe for concurrent use.
type Store interface {
	// Add creates a new fragrance. Returns the fragrance with a generated ID
	// if the provided ID is empty.
	// Returns [ErrDuplicateID] if a fragrance with the same non-empty ID exists.
	Add(ctx context.Context, f Fragrance) (Fragrance, error)

	// Get retrieves a fragrance by ID.
	// Returns [ErrNotFound] when no fragrance with that ID exists.
	Get(ctx context.Context, id string) (Fragrance, error)

	// List returns fragrances matching opts, ordered by ID.
	List(ctx context.Context, opts ListOptions) ([]Fragrance, error)

	// Update replaces an existing fragrance.
	// Returns [ErrNotFound] when no fragrance with that ID exists.
	Update(ctx context.Context, f Fragrance) error

	// Remove deletes a fragrance by ID.
	// Returns [ErrNotFound] when no fragrance with that ID exists.
	Remove(ctx context.Context, id string) error

	// BulkImport adds or replaces multiple fragrances.
	// Returns the number imported and the error that stopped the import.
	BulkImport(ctx context.Context, fragrances []Fragrance) (int, error)
}

// ListOptions narrows the result set of [Store.List].
// All non-zero fields are applied as AND conditions.
type ListOptions struct {
	// Brand restricts results to one house (case-insensitive).
	Brand string

	// Family restricts results to one olfactive family (case-insensitive).
	Family string

	// Accords restricts results to fragrances carrying all listed accords.
	Accords []string

	// Limit caps the result count when > 0.
	Limit int
}

// WriteHook is called after every successful write with the stored
// fragrance. The change detector is typically installed here.
type WriteHook func(ctx context.Context, f Fragrance) error
