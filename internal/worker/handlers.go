package worker

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/MrWong99/scentvec/internal/observe"
	"github.com/MrWong99/scentvec/pkg/cache"
	"github.com/MrWong99/scentvec/pkg/provider/embeddings"
	"github.com/MrWong99/scentvec/pkg/queue"
	"github.com/MrWong99/scentvec/pkg/vectorstore"
)

// Providers resolves the embedding provider for a model ID.
// [*embeddings.Set] implements it.
type Providers interface {
	Provider(modelID string) (embeddings.Provider, bool)
}

// EmbeddingOption configures an [EmbeddingHandler].
type EmbeddingOption func(*EmbeddingHandler)

// WithEmbedTimeout bounds each embedding call. Default: 30s.
func WithEmbedTimeout(d time.Duration) EmbeddingOption {
	return func(h *EmbeddingHandler) { h.timeout = d }
}

// WithRateLimiter throttles embedding calls across all workers sharing the
// handler.
func WithRateLimiter(l *rate.Limiter) EmbeddingOption {
	return func(h *EmbeddingHandler) { h.limiter = l }
}

// WithInvalidation invalidates entity:<id> in c after every new vector.
func WithInvalidation(c cache.Cache) EmbeddingOption {
	return func(h *EmbeddingHandler) { h.cache = c }
}

// WithEmbeddingMetrics sets the metrics recorder. Default:
// [observe.DefaultMetrics].
func WithEmbeddingMetrics(m *observe.Metrics) EmbeddingOption {
	return func(h *EmbeddingHandler) { h.metrics = m }
}

// WithEmbeddingClock overrides the GeneratedAt time source.
func WithEmbeddingClock(now func() time.Time) EmbeddingOption {
	return func(h *EmbeddingHandler) { h.now = now }
}

// EmbeddingHandler runs embedding_generation tasks: it embeds the payload's
// content snapshot and writes the entity's vector record.
type EmbeddingHandler struct {
	providers    Providers
	vectors      vectorstore.Store
	defaultModel string
	timeout      time.Duration
	limiter      *rate.Limiter
	cache        cache.Cache
	metrics      *observe.Metrics
	now          func() time.Time
}

var _ Handler = (*EmbeddingHandler)(nil)

// NewEmbeddingHandler creates an EmbeddingHandler. defaultModel serves tasks
// whose payload names no model.
func NewEmbeddingHandler(providers Providers, vectors vectorstore.Store, defaultModel string, opts ...EmbeddingOption) *EmbeddingHandler {
	h := &EmbeddingHandler{
		providers:    providers,
		vectors:      vectors,
		defaultModel: defaultModel,
		timeout:      30 * time.Second,
		now:          time.Now,
	}
	for _, o := range opts {
		o(h)
	}
	if h.metrics == nil {
		h.metrics = observe.DefaultMetrics()
	}
	return h
}

// Handle implements [Handler].
func (h *EmbeddingHandler) Handle(ctx context.Context, t *queue.Task) error {
	pl := t.Payload
	if pl.Content == "" {
		return fmt.Errorf("%w: empty content for %s", queue.ErrInvalidTask, pl.EntityID)
	}
	if pl.Fingerprint == "" {
		return fmt.Errorf("%w: missing fingerprint for %s", queue.ErrInvalidTask, pl.EntityID)
	}
	model := pl.ModelID
	if model == "" {
		model = h.defaultModel
	}
	p, ok := h.providers.Provider(model)
	if !ok {
		return fmt.Errorf("%w: %q", vectorstore.ErrUnknownModel, model)
	}

	if h.limiter != nil {
		if err := h.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("embed %s: rate limit: %w", pl.EntityID, err)
		}
	}

	vec, err := h.embed(ctx, p, pl.Content)
	if err != nil {
		return fmt.Errorf("embed %s: %w", pl.EntityID, err)
	}
	if want := p.Dimensions(); len(vec) != want {
		return fmt.Errorf("embed %s: %w: model %s returned %d values, want %d",
			pl.EntityID, vectorstore.ErrDimensionMismatch, model, len(vec), want)
	}

	written, err := h.vectors.Upsert(ctx, vectorstore.Record{
		EntityID:           pl.EntityID,
		Kind:               vectorstore.KindEntity,
		Vector:             vec,
		ModelID:            model,
		GeneratedAt:        h.now(),
		ContentFingerprint: pl.Fingerprint,
	})
	if err != nil {
		return fmt.Errorf("store vector %s: %w", pl.EntityID, err)
	}
	if !written || h.cache == nil {
		return nil
	}
	n, err := h.cache.InvalidateTag(ctx, cache.EntityTag(pl.EntityID))
	if err != nil {
		// The vector is stored; a stale cache entry expires on its TTL.
		observe.Logger(ctx).Warn("invalidate entity cache", "entity_id", pl.EntityID, "err", err)
		return nil
	}
	h.metrics.RecordCacheInvalidation(ctx, "embedding", n)
	return nil
}

func (h *EmbeddingHandler) embed(ctx context.Context, p embeddings.Provider, content string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	ctx, span := observe.StartSpan(ctx, "embeddings.embed")
	defer span.End()

	start := time.Now()
	vec, err := p.Embed(ctx, content)
	err = embeddings.Classify(ctx, err)
	status := "ok"
	if err != nil {
		cat, _ := Classify(err)
		status = string(cat)
		observe.FailSpan(span, err)
	}
	h.metrics.RecordEmbed(ctx, p.ModelID(), status, time.Since(start))
	return vec, err
}

// PreferenceUpdater recomputes one user's preference vector.
// [*preference.Aggregator] implements it.
type PreferenceUpdater interface {
	UpdateUserVector(ctx context.Context, userID string) (bool, error)
}

// PreferenceHandler runs preference_update tasks. A user with too little
// data completes the task without a vector.
type PreferenceHandler struct {
	updater PreferenceUpdater
}

var _ Handler = (*PreferenceHandler)(nil)

// NewPreferenceHandler creates a PreferenceHandler.
func NewPreferenceHandler(u PreferenceUpdater) *PreferenceHandler {
	return &PreferenceHandler{updater: u}
}

// Handle implements [Handler].
func (h *PreferenceHandler) Handle(ctx context.Context, t *queue.Task) error {
	changed, err := h.updater.UpdateUserVector(ctx, t.Payload.EntityID)
	if err != nil {
		return fmt.Errorf("update preference %s: %w", t.Payload.EntityID, err)
	}
	observe.Logger(ctx).Debug("preference update", "user_id", t.Payload.EntityID, "changed", changed)
	return nil
}

// CacheRefreshHandler runs cache_refresh tasks by invalidating the tags in
// the payload.
type CacheRefreshHandler struct {
	cache   cache.Cache
	metrics *observe.Metrics
}

var _ Handler = (*CacheRefreshHandler)(nil)

// NewCacheRefreshHandler creates a CacheRefreshHandler. A nil m uses
// [observe.DefaultMetrics].
func NewCacheRefreshHandler(c cache.Cache, m *observe.Metrics) *CacheRefreshHandler {
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &CacheRefreshHandler{cache: c, metrics: m}
}

// Handle implements [Handler].
func (h *CacheRefreshHandler) Handle(ctx context.Context, t *queue.Task) error {
	tags := cache.DedupTags(t.Payload.Tags)
	if len(tags) == 0 {
		return fmt.Errorf("%w: cache_refresh for %s carries no tags", queue.ErrInvalidTask, t.Payload.EntityID)
	}
	total := 0
	for _, tag := range tags {
		n, err := h.cache.InvalidateTag(ctx, tag)
		if err != nil {
			return fmt.Errorf("invalidate %s: %w", tag, err)
		}
		total += n
	}
	h.metrics.RecordCacheInvalidation(ctx, "refresh", total)
	return nil
}
