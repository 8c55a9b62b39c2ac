package vectorstore

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
)

// Query parameterises a similarity search.
//
// Candidates listed in ExcludeIDs are removed first, then results are
// filtered to Score >= Threshold, sorted by score descending with ties broken
// by entity ID ascending, and capped at MaxResults.
type Query struct {
	// Vector is the query embedding. It must be non-empty, finite and non-zero.
	Vector []float32

	// Threshold is the minimum score in [0,1].
	Threshold float64

	// MaxResults caps the result length. Zero yields an empty result.
	MaxResults int

	// ExcludeIDs are never returned.
	ExcludeIDs []string

	// Kind selects the record kind to search. Empty means KindEntity.
	Kind Kind

	// ModelID, when set, restricts candidates to records produced by this
	// model and requires len(Vector) to match its dimension.
	ModelID string
}

// Validate checks the query parameters without consulting any store.
// All violations are reported together, each wrapping [ErrInvalidQuery].
func (q Query) Validate() error {
	var errs []error
	if math.IsNaN(q.Threshold) || q.Threshold < 0 || q.Threshold > 1 {
		errs = append(errs, fmt.Errorf("%w: threshold %v outside [0,1]", ErrInvalidQuery, q.Threshold))
	}
	if q.MaxResults < 0 {
		errs = append(errs, fmt.Errorf("%w: max_results %d is negative", ErrInvalidQuery, q.MaxResults))
	}
	if q.Kind != "" && !q.Kind.IsValid() {
		errs = append(errs, fmt.Errorf("%w: unknown kind %q", ErrInvalidQuery, q.Kind))
	}
	if len(q.Vector) == 0 {
		errs = append(errs, fmt.Errorf("%w: empty query vector", ErrInvalidQuery))
	} else if n := norm(q.Vector); n == 0 || math.IsNaN(n) || math.IsInf(n, 0) {
		errs = append(errs, fmt.Errorf("%w: query vector has no direction", ErrInvalidQuery))
	}
	return errors.Join(errs...)
}

// ValidateFor validates q and, when q.ModelID is set, checks the query
// dimension against dims.
func (q Query) ValidateFor(dims Dimensions) error {
	if err := q.Validate(); err != nil {
		return err
	}
	if q.ModelID == "" || dims == nil {
		return nil
	}
	want, ok := dims.Dimension(q.ModelID)
	if !ok {
		return fmt.Errorf("%w: %w %q", ErrInvalidQuery, ErrUnknownModel, q.ModelID)
	}
	if len(q.Vector) != want {
		return fmt.Errorf("%w: %w: query has %d dimensions, model %q expects %d",
			ErrInvalidQuery, ErrDimensionMismatch, len(q.Vector), q.ModelID, want)
	}
	return nil
}

// SearchKind returns the effective record kind of the query.
func (q Query) SearchKind() Kind {
	if q.Kind == "" {
		return KindEntity
	}
	return q.Kind
}

// ValidateRecord checks rec against the registered model dimension.
func ValidateRecord(rec Record, dims Dimensions) error {
	var errs []error
	if strings.TrimSpace(rec.EntityID) == "" {
		errs = append(errs, fmt.Errorf("%w: entity_id is required", ErrInvalidRecord))
	}
	if rec.Kind != "" && !rec.Kind.IsValid() {
		errs = append(errs, fmt.Errorf("%w: unknown kind %q", ErrInvalidRecord, rec.Kind))
	}
	if rec.ModelID == "" {
		errs = append(errs, fmt.Errorf("%w: model_id is required", ErrInvalidRecord))
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	want, ok := dims.Dimension(rec.ModelID)
	if !ok {
		return fmt.Errorf("%w %q", ErrUnknownModel, rec.ModelID)
	}
	if len(rec.Vector) != want {
		return fmt.Errorf("%w: entity %q has %d dimensions, model %q expects %d",
			ErrDimensionMismatch, rec.EntityID, len(rec.Vector), rec.ModelID, want)
	}
	for i, x := range rec.Vector {
		if f := float64(x); math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("%w: entity %q has non-finite component at %d", ErrInvalidRecord, rec.EntityID, i)
		}
	}
	return nil
}

// Finalize applies the result contract to scored candidates: exclusions,
// threshold, deterministic ordering and the result cap. Candidates may be in
// any order; the input slice is reused.
func Finalize(candidates []Match, q Query) []Match {
	if q.MaxResults == 0 {
		return []Match{}
	}
	excluded := make(map[string]struct{}, len(q.ExcludeIDs))
	for _, id := range q.ExcludeIDs {
		excluded[id] = struct{}{}
	}
	out := candidates[:0]
	for _, m := range candidates {
		if _, skip := excluded[m.EntityID]; skip {
			continue
		}
		if m.Score < q.Threshold {
			continue
		}
		out = append(out, m)
	}
	SortMatches(out)
	if len(out) > q.MaxResults {
		out = out[:q.MaxResults]
	}
	return out
}

// SortMatches orders matches by score descending, then entity ID ascending.
func SortMatches(ms []Match) {
	slices.SortFunc(ms, func(a, b Match) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		}
		return strings.Compare(a.EntityID, b.EntityID)
	})
}
