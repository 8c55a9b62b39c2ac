// Package recommend serves the client-facing reads: "more like this" for an
// entity and "for you" for a user. Reads go through the cache first and fall
// back to similarity search. Cached results carry the tags that invalidate
// them: entity:<id> for the subject and every returned entity, user:<id> for
// user subjects.
package recommend

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/goccy/go-json"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/MrWong99/scentvec/internal/observe"
	"github.com/MrWong99/scentvec/pkg/cache"
	"github.com/MrWong99/scentvec/pkg/vectorstore"
)

const (
	// DefaultLimit is the result size when Options.Limit is zero.
	DefaultLimit = 10

	// MaxLimit caps Options.Limit.
	MaxLimit = 100

	// DefaultTTL is how long results stay cached when Options.TTL is zero.
	DefaultTTL = 15 * time.Minute
)

// ErrInvalidOptions is returned for out-of-range options. It is raised
// before the cache or store is touched.
var ErrInvalidOptions = errors.New("recommend: invalid options")

// Options parameterise a recommendation read.
type Options struct {
	// Limit is the maximum number of matches. Zero means DefaultLimit.
	Limit int

	// Threshold is the minimum similarity score in [0,1].
	Threshold float64

	// ModelID selects the embedding space. Empty means the service default.
	ModelID string

	// ExcludeIDs are never returned. The subject entity is always excluded
	// from SimilarTo.
	ExcludeIDs []string

	// TTL overrides the cache lifetime of this result. Negative disables
	// caching.
	TTL time.Duration
}

func (o Options) validate() error {
	var errs []error
	if o.Limit < 0 || o.Limit > MaxLimit {
		errs = append(errs, fmt.Errorf("%w: limit %d outside [0,%d]", ErrInvalidOptions, o.Limit, MaxLimit))
	}
	if math.IsNaN(o.Threshold) || o.Threshold < 0 || o.Threshold > 1 {
		errs = append(errs, fmt.Errorf("%w: threshold %v outside [0,1]", ErrInvalidOptions, o.Threshold))
	}
	return errors.Join(errs...)
}

// Result is one recommendation list.
type Result struct {
	SubjectID   string              `json:"subject_id"`
	Kind        vectorstore.Kind    `json:"kind"`
	ModelID     string              `json:"model_id"`
	Matches     []vectorstore.Match `json:"matches"`
	GeneratedAt time.Time           `json:"generated_at"`

	// Cached is set when the result was served from the cache.
	Cached bool `json:"-"`
}

// Option configures a [Service].
type Option func(*Service)

// WithTTL sets the default cache lifetime.
func WithTTL(d time.Duration) Option {
	return func(s *Service) { s.ttl = d }
}

// WithMetrics sets the metrics recorder. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service answers recommendation reads. It is safe for concurrent use.
type Service struct {
	vectors      vectorstore.Store
	cache        cache.Cache
	defaultModel string
	ttl          time.Duration
	metrics      *observe.Metrics
	now          func() time.Time

	group singleflight.Group
}

// New creates a Service reading vectors from vectors and caching results in
// c. A nil c disables caching.
func New(vectors vectorstore.Store, c cache.Cache, defaultModel string, opts ...Option) *Service {
	s := &Service{
		vectors:      vectors,
		cache:        c,
		defaultModel: defaultModel,
		ttl:          DefaultTTL,
		now:          time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// SimilarTo returns the entities closest to entityID. An entity without an
// embedding yields an empty result, not an error.
func (s *Service) SimilarTo(ctx context.Context, entityID string, opts Options) (Result, error) {
	return s.read(ctx, vectorstore.KindEntity, entityID, opts)
}

// ForUser returns the entities closest to userID's preference vector. A
// user without a preference vector yields an empty result, not an error.
func (s *Service) ForUser(ctx context.Context, userID string, opts Options) (Result, error) {
	return s.read(ctx, vectorstore.KindUser, userID, opts)
}

func (s *Service) read(ctx context.Context, kind vectorstore.Kind, subject string, opts Options) (Result, error) {
	if strings.TrimSpace(subject) == "" {
		return Result{}, fmt.Errorf("%w: empty subject id", ErrInvalidOptions)
	}
	if err := opts.validate(); err != nil {
		return Result{}, err
	}
	if opts.ModelID == "" {
		opts.ModelID = s.defaultModel
	}
	if opts.Limit == 0 {
		opts.Limit = DefaultLimit
	}
	if opts.TTL == 0 {
		opts.TTL = s.ttl
	}

	ctx, span := observe.StartSpan(ctx, "recommend."+string(kind), trace.WithAttributes(
		attribute.String("subject.id", subject),
		attribute.String("model.id", opts.ModelID),
	))
	defer span.End()

	key := cacheKey(kind, subject, opts)
	if res, ok := s.lookup(ctx, key); ok {
		return res, nil
	}

	v, err, _ := s.group.Do(key, func() (any, error) {
		// A concurrent caller may have filled the cache while we queued.
		if res, ok := s.lookup(ctx, key); ok {
			return res, nil
		}
		res, err := s.compute(ctx, kind, subject, opts)
		if err != nil {
			return Result{}, err
		}
		s.store(ctx, key, res, opts.TTL)
		return res, nil
	})
	if err != nil {
		observe.FailSpan(span, err)
		return Result{}, err
	}
	return v.(Result), nil
}

func (s *Service) lookup(ctx context.Context, key string) (Result, bool) {
	if s.cache == nil {
		return Result{}, false
	}
	e, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		observe.Logger(ctx).Warn("recommend: cache read", "key", key, "err", err)
		ok = false
	}
	var res Result
	if ok {
		if err := json.Unmarshal(e.Value, &res); err != nil {
			observe.Logger(ctx).Warn("recommend: corrupt cache entry", "key", key, "err", err)
			ok = false
		}
	}
	s.metrics.RecordCacheLookup(ctx, "recommend", ok)
	if !ok {
		return Result{}, false
	}
	res.Cached = true
	return res, true
}

func (s *Service) store(ctx context.Context, key string, res Result, ttl time.Duration) {
	if s.cache == nil || ttl < 0 {
		return
	}
	raw, err := json.Marshal(res)
	if err != nil {
		observe.Logger(ctx).Warn("recommend: encode result", "key", key, "err", err)
		return
	}
	if err := s.cache.Set(ctx, key, raw, ttl, tagsFor(res)...); err != nil {
		observe.Logger(ctx).Warn("recommend: cache write", "key", key, "err", err)
	}
}

func (s *Service) compute(ctx context.Context, kind vectorstore.Kind, subject string, opts Options) (Result, error) {
	res := Result{
		SubjectID:   subject,
		Kind:        kind,
		ModelID:     opts.ModelID,
		Matches:     []vectorstore.Match{},
		GeneratedAt: s.now(),
	}

	rec, err := s.vectors.Get(ctx, kind, subject)
	if errors.Is(err, vectorstore.ErrNotFound) {
		return res, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("recommend: load %s vector %s: %w", kind, subject, err)
	}
	if rec.ModelID != opts.ModelID {
		// The subject has not been embedded in this model's space yet.
		return res, nil
	}

	exclude := slices.Clone(opts.ExcludeIDs)
	if kind == vectorstore.KindEntity {
		exclude = append(exclude, subject)
	}
	q := vectorstore.Query{
		Vector:     rec.Vector,
		Threshold:  opts.Threshold,
		MaxResults: opts.Limit,
		ExcludeIDs: exclude,
		Kind:       vectorstore.KindEntity,
		ModelID:    opts.ModelID,
	}
	start := time.Now()
	matches, err := s.vectors.Search(ctx, q)
	status := "ok"
	if err != nil {
		status = "error"
	}
	s.metrics.RecordSearch(ctx, string(kind), status, time.Since(start))
	if errors.Is(err, vectorstore.ErrInvalidQuery) {
		// A stored vector with no direction has no neighbours.
		return res, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("recommend: search for %s %s: %w", kind, subject, err)
	}
	res.Matches = matches
	return res, nil
}

func tagsFor(res Result) []string {
	tags := make([]string, 0, len(res.Matches)+1)
	if res.Kind == vectorstore.KindUser {
		tags = append(tags, cache.UserTag(res.SubjectID))
	} else {
		tags = append(tags, cache.EntityTag(res.SubjectID))
	}
	for _, m := range res.Matches {
		tags = append(tags, cache.EntityTag(m.EntityID))
	}
	return cache.DedupTags(tags)
}

func cacheKey(kind vectorstore.Kind, subject string, opts Options) string {
	quals := []string{
		opts.ModelID,
		"n" + strconv.Itoa(opts.Limit),
		"t" + strconv.FormatFloat(opts.Threshold, 'g', -1, 64),
	}
	if len(opts.ExcludeIDs) > 0 {
		ex := slices.Clone(opts.ExcludeIDs)
		slices.Sort(ex)
		ex = slices.Compact(ex)
		quals = append(quals, "x"+strconv.FormatUint(xxhash.Sum64String(strings.Join(ex, "\x00")), 16))
	}
	name := "similar"
	if kind == vectorstore.KindUser {
		name = "foryou"
	}
	return cache.Key(name, subject, quals...)
}
