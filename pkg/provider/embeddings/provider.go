// Package embeddings defines the Provider interface for vector embedding backends.
//
// An embeddings provider wraps a service that maps text to dense float32
// vectors (e.g., OpenAI text-embedding-3 or a local Ollama model). Workers
// treat it as a black box: content in, fixed-dimension vector out. Which
// provider serves a task is decided by the task's model ID through a [Set].
//
// Implementations must be safe for concurrent use.
package embeddings

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrTimeout marks an embedding call that exceeded its deadline.
	ErrTimeout = errors.New("embeddings: provider timeout")

	// ErrProvider marks any other failure reported by the embedding backend.
	ErrProvider = errors.New("embeddings: provider error")
)

// Provider is the abstraction over any text-embedding backend.
//
// All embedding vectors returned by a single Provider instance share the same
// dimensionality (returned by Dimensions). Vectors from different models are
// never compared with each other.
type Provider interface {
	// Embed computes the embedding vector for a single text string. Returns a
	// float32 slice of length Dimensions() or an error if the request fails or ctx
	// is cancelled.
	//
	// The text is passed through verbatim; any model-specific prefixing is
	// the caller's job.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch computes embedding vectors for a slice of text strings in a single
	// provider call. The returned slice has the same length as texts and the i-th
	// element corresponds to texts[i]. On error the entire slice is nil.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the fixed length of every embedding vector produced by this
	// provider.
	Dimensions() int

	// ModelID returns the model identifier (e.g., "text-embedding-3-small").
	// Stored alongside every vector the provider produces.
	ModelID() string
}

// Classify maps a raw provider error onto [ErrTimeout] or [ErrProvider]. The
// result wraps both the sentinel and the original error. ctx is the context
// the call ran under; a call that failed after ctx's deadline is a timeout
// whatever the transport reported.
func Classify(ctx context.Context, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrTimeout), errors.Is(err, ErrProvider):
		return err
	case errors.Is(err, context.DeadlineExceeded), ctx != nil && errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	default:
		return fmt.Errorf("%w: %w", ErrProvider, err)
	}
}

// Set maps model IDs to the provider serving them. It is safe for concurrent
// use.
type Set struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewSet returns a Set holding providers, keyed by their ModelID.
func NewSet(providers ...Provider) (*Set, error) {
	s := &Set{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		if err := s.Add(p); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Add registers p under its ModelID. Registering a model twice is an error.
func (s *Set) Add(p Provider) error {
	id := p.ModelID()
	if id == "" {
		return fmt.Errorf("embeddings: provider has empty model id")
	}
	if p.Dimensions() <= 0 {
		return fmt.Errorf("embeddings: model %q reports %d dimensions", id, p.Dimensions())
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.providers[id]; dup {
		return fmt.Errorf("embeddings: model %q registered twice", id)
	}
	s.providers[id] = p
	return nil
}

// Provider returns the provider for modelID.
func (s *Set) Provider(modelID string) (Provider, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.providers[modelID]
	return p, ok
}

// Dimension returns the output dimension of modelID. It satisfies
// vectorstore.Dimensions.
func (s *Set) Dimension(modelID string) (int, bool) {
	p, ok := s.Provider(modelID)
	if !ok {
		return 0, false
	}
	return p.Dimensions(), true
}

// Models lists the registered model IDs in sorted order.
func (s *Set) Models() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.providers))
	for id := range s.providers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
