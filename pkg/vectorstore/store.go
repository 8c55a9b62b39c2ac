// Package vectorstore defines the persistent mapping of entity → embedding
// vector and the similarity query contract evaluated over it.
//
// A [Record] holds the current embedding of one entity (a fragrance, or a
// user's aggregate preference vector). Records are superseded, not versioned:
// the last successful [Store.Upsert] wins, and an upsert carrying the same
// content fingerprint and model as the stored record is a no-op.
//
// Similarity scores are cosine similarity mapped onto [0,1] as
// (cosine+1)/2, so identical directions score 1.0, orthogonal vectors 0.5
// and opposite vectors 0.0. Stored vectors need not be pre-normalised.
//
// Implementations must be safe for concurrent use. Writers to the same
// (kind, entity) pair are serialised by the implementation; writers to
// different entities proceed in parallel.
package vectorstore

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrDimensionMismatch is returned when a vector's length disagrees with
	// the dimension registered for its model. Such writes are rejected, never
	// truncated or padded.
	ErrDimensionMismatch = errors.New("vectorstore: dimension mismatch")

	// ErrUnknownModel is returned when a record references a model ID with no
	// registered dimension.
	ErrUnknownModel = errors.New("vectorstore: unknown model")

	// ErrInvalidQuery is returned by Search for out-of-range parameters. It is
	// raised before the store is touched.
	ErrInvalidQuery = errors.New("vectorstore: invalid query")

	// ErrInvalidRecord is returned by Upsert for records missing required fields.
	ErrInvalidRecord = errors.New("vectorstore: invalid record")

	// ErrNotFound is returned by Get when no record exists for the key.
	ErrNotFound = errors.New("vectorstore: record not found")
)

// Kind separates entity embeddings from user preference vectors that live in
// the same dimension space.
type Kind string

const (
	// KindEntity marks the embedding of a catalog entity.
	KindEntity Kind = "entity"

	// KindUser marks a user's aggregate preference vector.
	KindUser Kind = "user"
)

// IsValid reports whether k is a recognised record kind.
func (k Kind) IsValid() bool {
	return k == KindEntity || k == KindUser
}

// Record is an entity's current embedding.
type Record struct {
	// EntityID identifies the entity (or user, for KindUser records).
	EntityID string

	// Kind classifies the record. The zero value is treated as KindEntity.
	Kind Kind

	// Vector is the embedding. Its length must equal the dimension of ModelID.
	Vector []float32

	// ModelID is the embedding model that produced Vector.
	ModelID string

	// ModelVersion is an optional provider-reported model revision.
	ModelVersion string

	// GeneratedAt is when the embedding was produced.
	GeneratedAt time.Time

	// ContentFingerprint is the hash of the content the vector was computed
	// from. Used to skip redundant writes from stale or repeated tasks.
	ContentFingerprint string
}

// Match is a single similarity search hit.
type Match struct {
	EntityID string  `json:"entity_id"`
	Score    float64 `json:"score"`
}

// Store is the persistence contract for vector records.
type Store interface {
	// Upsert validates rec against the registered model dimension and writes
	// it. It returns false without writing when the stored record already has
	// the same model and content fingerprint.
	Upsert(ctx context.Context, rec Record) (bool, error)

	// Get returns the record for (kind, entityID) or [ErrNotFound].
	Get(ctx context.Context, kind Kind, entityID string) (Record, error)

	// Delete removes the record for (kind, entityID). Deleting a missing
	// record is not an error.
	Delete(ctx context.Context, kind Kind, entityID string) error

	// Search runs a k-nearest-neighbour query. See [Query] for semantics.
	Search(ctx context.Context, q Query) ([]Match, error)
}

// Dimensions resolves the fixed output dimension of an embedding model.
type Dimensions interface {
	Dimension(modelID string) (int, bool)
}

// StaticDimensions is a fixed model → dimension table.
type StaticDimensions map[string]int

// Dimension implements [Dimensions].
func (d StaticDimensions) Dimension(modelID string) (int, bool) {
	n, ok := d[modelID]
	return n, ok
}
