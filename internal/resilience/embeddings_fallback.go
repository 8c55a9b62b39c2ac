package resilience

import (
	"context"
	"fmt"

	"github.com/MrWong99/scentvec/pkg/provider/embeddings"
)

// EmbeddingsFallback implements [embeddings.Provider] with automatic failover
// across several backends serving the same model. Each backend has its own
// circuit breaker; when the primary fails or its breaker is open, the next
// healthy fallback is tried.
//
// Every backend must report the same ModelID and Dimensions, since vectors
// from different models are never comparable.
type EmbeddingsFallback struct {
	group *FallbackGroup[embeddings.Provider]
	model string
	dims  int
}

// Compile-time interface assertion.
var _ embeddings.Provider = (*EmbeddingsFallback)(nil)

// NewEmbeddingsFallback creates an [EmbeddingsFallback] with primary as the
// preferred backend.
func NewEmbeddingsFallback(primary embeddings.Provider, primaryName string, cfg FallbackConfig) *EmbeddingsFallback {
	return &EmbeddingsFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
		model: primary.ModelID(),
		dims:  primary.Dimensions(),
	}
}

// AddFallback registers an additional backend. It is rejected when its model
// or dimension differs from the primary's.
func (f *EmbeddingsFallback) AddFallback(name string, provider embeddings.Provider) error {
	if provider.ModelID() != f.model {
		return fmt.Errorf("resilience: embeddings fallback %q serves model %q, want %q", name, provider.ModelID(), f.model)
	}
	if provider.Dimensions() != f.dims {
		return fmt.Errorf("resilience: embeddings fallback %q has %d dimensions, want %d", name, provider.Dimensions(), f.dims)
	}
	f.group.AddFallback(name, provider)
	return nil
}

// Embed sends text to the first healthy backend.
func (f *EmbeddingsFallback) Embed(ctx context.Context, text string) ([]float32, error) {
	return ExecuteWithResult(f.group, func(p embeddings.Provider) ([]float32, error) {
		return p.Embed(ctx, text)
	})
}

// EmbedBatch sends texts to the first healthy backend.
func (f *EmbeddingsFallback) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return ExecuteWithResult(f.group, func(p embeddings.Provider) ([][]float32, error) {
		return p.EmbedBatch(ctx, texts)
	})
}

// Dimensions returns the dimension shared by all backends.
func (f *EmbeddingsFallback) Dimensions() int { return f.dims }

// ModelID returns the model shared by all backends.
func (f *EmbeddingsFallback) ModelID() string { return f.model }

// Healthy reports whether any backend's breaker admits calls.
func (f *EmbeddingsFallback) Healthy() bool { return f.group.Healthy() }

// Breakers calls fn for each backend's breaker in failover order.
func (f *EmbeddingsFallback) Breakers(fn func(name string, cb *CircuitBreaker)) {
	f.group.Each(func(name string, _ embeddings.Provider, cb *CircuitBreaker) {
		fn(name, cb)
	})
}
