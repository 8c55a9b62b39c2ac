// Package memstore provides an in-memory [vectorstore.Store] with an
// inverted-file (IVF) approximate index.
//
// Below the exact threshold every search is a brute-force scan. Once the
// number of entity records reaches the threshold the store trains a
// spherical k-means partition of the unit vectors and answers searches by
// scanning only the lists of the closest centroids. The index is retrained
// whenever the collection has doubled since the last training. Training is
// deterministic (seeded from the lexicographically sorted record keys), so a
// given sequence of writes always produces the same index and the same
// results.
//
// User preference vectors are never indexed; searches over [vectorstore.KindUser]
// always scan.
package memstore

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/MrWong99/scentvec/pkg/vectorstore"
)

const (
	// DefaultExactThreshold is the entity count below which search scans.
	DefaultExactThreshold = 2048

	// DefaultProbes is the number of IVF lists scanned per query.
	DefaultProbes = 8

	defaultTrainIterations = 8
)

// Option configures a [Store].
type Option func(*Store)

// WithExactThreshold sets the entity count at which the IVF index is built.
// Values <= 0 disable the index entirely.
func WithExactThreshold(n int) Option {
	return func(s *Store) { s.exactThreshold = n }
}

// WithLists fixes the number of IVF lists. Zero (the default) uses
// ceil(sqrt(n)) at each training.
func WithLists(n int) Option {
	return func(s *Store) { s.lists = n }
}

// WithProbes sets how many IVF lists a query scans.
func WithProbes(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.probes = n
		}
	}
}

type key struct {
	kind vectorstore.Kind
	id   string
}

type entry struct {
	rec  vectorstore.Record
	unit []float64
}

// Store is a thread-safe in-memory vector store.
type Store struct {
	mu             sync.RWMutex
	dims           vectorstore.Dimensions
	records        map[key]*entry
	entityCount    int
	exactThreshold int
	lists          int
	probes         int

	index     *ivf
	trainedAt int
}

var _ vectorstore.Store = (*Store)(nil)

// New returns an empty Store validating writes against dims.
func New(dims vectorstore.Dimensions, opts ...Option) *Store {
	s := &Store{
		dims:           dims,
		records:        make(map[key]*entry),
		exactThreshold: DefaultExactThreshold,
		probes:         DefaultProbes,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Upsert implements [vectorstore.Store].
func (s *Store) Upsert(ctx context.Context, rec vectorstore.Record) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if rec.Kind == "" {
		rec.Kind = vectorstore.KindEntity
	}
	if err := vectorstore.ValidateRecord(rec, s.dims); err != nil {
		return false, fmt.Errorf("memstore: upsert: %w", err)
	}
	unit := vectorstore.Unit(rec.Vector)
	if unit == nil {
		return false, fmt.Errorf("memstore: upsert: %w: zero vector for %q", vectorstore.ErrInvalidRecord, rec.EntityID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	k := key{kind: rec.Kind, id: rec.EntityID}
	if old, ok := s.records[k]; ok {
		if rec.ContentFingerprint != "" &&
			old.rec.ContentFingerprint == rec.ContentFingerprint &&
			old.rec.ModelID == rec.ModelID {
			return false, nil
		}
	} else if rec.Kind == vectorstore.KindEntity {
		s.entityCount++
	}

	rec.Vector = append([]float32(nil), rec.Vector...)
	e := &entry{rec: rec, unit: unit}
	s.records[k] = e

	if rec.Kind == vectorstore.KindEntity {
		if s.index != nil {
			s.index.assign(rec.EntityID, unit)
		}
		s.maybeTrain()
	}
	return true, nil
}

// Get implements [vectorstore.Store].
func (s *Store) Get(_ context.Context, kind vectorstore.Kind, entityID string) (vectorstore.Record, error) {
	if kind == "" {
		kind = vectorstore.KindEntity
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.records[key{kind: kind, id: entityID}]
	if !ok {
		return vectorstore.Record{}, fmt.Errorf("memstore: get %s %q: %w", kind, entityID, vectorstore.ErrNotFound)
	}
	rec := e.rec
	rec.Vector = append([]float32(nil), e.rec.Vector...)
	return rec, nil
}

// Delete implements [vectorstore.Store].
func (s *Store) Delete(_ context.Context, kind vectorstore.Kind, entityID string) error {
	if kind == "" {
		kind = vectorstore.KindEntity
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key{kind: kind, id: entityID}
	if _, ok := s.records[k]; !ok {
		return nil
	}
	delete(s.records, k)
	if kind == vectorstore.KindEntity {
		s.entityCount--
		if s.index != nil {
			s.index.remove(entityID)
		}
	}
	return nil
}

// Search implements [vectorstore.Store].
func (s *Store) Search(ctx context.Context, q vectorstore.Query) ([]vectorstore.Match, error) {
	if err := q.ValidateFor(s.dims); err != nil {
		return nil, fmt.Errorf("memstore: search: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if q.MaxResults == 0 {
		return []vectorstore.Match{}, nil
	}
	qu := vectorstore.Unit(q.Vector)
	kind := q.SearchKind()

	s.mu.RLock()
	defer s.mu.RUnlock()

	var candidates []vectorstore.Match
	score := func(e *entry) {
		if q.ModelID != "" && e.rec.ModelID != q.ModelID {
			return
		}
		if len(e.unit) != len(qu) {
			return
		}
		candidates = append(candidates, vectorstore.Match{
			EntityID: e.rec.EntityID,
			Score:    vectorstore.Score(vectorstore.Dot(e.unit, qu)),
		})
	}

	if kind == vectorstore.KindEntity && s.index != nil && s.index.dim == len(qu) {
		for _, id := range s.index.candidates(qu, s.probes) {
			if e, ok := s.records[key{kind: kind, id: id}]; ok {
				score(e)
			}
		}
	} else {
		for k, e := range s.records {
			if k.kind == kind {
				score(e)
			}
		}
	}
	return vectorstore.Finalize(candidates, q), nil
}

// Len returns the number of records of the given kind.
func (s *Store) Len(kind vectorstore.Kind) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if kind == vectorstore.KindEntity {
		return s.entityCount
	}
	n := 0
	for k := range s.records {
		if k.kind == kind {
			n++
		}
	}
	return n
}

// Indexed reports whether searches currently use the IVF index.
func (s *Store) Indexed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.index != nil
}

// maybeTrain (re)builds the index when the entity count crossed the exact
// threshold or doubled since the last training. Caller holds s.mu.
func (s *Store) maybeTrain() {
	if s.exactThreshold <= 0 || s.entityCount < s.exactThreshold {
		return
	}
	if s.index != nil && s.entityCount < 2*s.trainedAt {
		return
	}
	s.index = s.train()
	s.trainedAt = s.entityCount
}

func (s *Store) train() *ivf {
	// Index only the dominant dimension; records of other models fall back
	// to the scan path when queried with a ModelID of their own.
	byDim := make(map[int]int)
	for k, e := range s.records {
		if k.kind == vectorstore.KindEntity {
			byDim[len(e.unit)]++
		}
	}
	dim, best := 0, -1
	for d, n := range byDim {
		if n > best || (n == best && d < dim) {
			dim, best = d, n
		}
	}

	points := make(map[string][]float64, best)
	for k, e := range s.records {
		if k.kind == vectorstore.KindEntity && len(e.unit) == dim {
			points[k.id] = e.unit
		}
	}
	lists := s.lists
	if lists <= 0 {
		lists = int(math.Ceil(math.Sqrt(float64(len(points)))))
	}
	return trainIVF(points, dim, lists, defaultTrainIterations)
}
