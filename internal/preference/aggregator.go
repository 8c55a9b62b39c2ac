package preference

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/scentvec/internal/interaction"
	"github.com/MrWong99/scentvec/internal/observe"
	"github.com/MrWong99/scentvec/pkg/cache"
	"github.com/MrWong99/scentvec/pkg/vectorstore"
)

// Outcome labels the result of one UpdateUserVector call.
type Outcome string

const (
	OutcomeUpdated      Outcome = "updated"
	OutcomeUnchanged    Outcome = "unchanged"
	OutcomeInsufficient Outcome = "insufficient"
	OutcomeConflict     Outcome = "conflict"
)

// DefaultTypeWeights maps interaction types to their base weight. Negative
// weights push the preference away from an entity.
var DefaultTypeWeights = map[interaction.Type]float64{
	interaction.TypeView:           0.2,
	interaction.TypeRating:         1.0,
	interaction.TypeFavorite:       1.0,
	interaction.TypePurchaseIntent: 1.5,
	interaction.TypeSampleRequest:  0.8,
	interaction.TypeDismiss:        -0.5,
}

// Config tunes the aggregation.
type Config struct {
	// ModelID is the embedding model whose vectors are aggregated. Entity
	// vectors from other models are ignored.
	ModelID string

	// HalfLife is the time after which an interaction's weight halves.
	// Default: 30 days.
	HalfLife time.Duration

	// Saturation is the decayed mass at which Strength reaches 1.
	// Default: 20.
	Saturation float64

	// MinInteractions is the number of contributing events required before
	// a first vector is written. Default: 1.
	MinInteractions int

	// ColdStartWindow, when > 0, ignores events older than now minus the
	// window on a user's first computation.
	ColdStartWindow time.Duration

	// BatchSize is the page size used when reading new events. Default: 500.
	BatchSize int

	// MaxCASRetries bounds the read-modify-write attempts. Default: 5.
	MaxCASRetries int

	// MaxPending bounds the events kept for entities that are not embedded
	// yet. The oldest are dropped first. Default: 256.
	MaxPending int

	// TypeWeights overrides [DefaultTypeWeights]. Unknown types weigh 0.
	TypeWeights map[interaction.Type]float64
}

func (c *Config) applyDefaults() {
	if c.HalfLife <= 0 {
		c.HalfLife = 30 * 24 * time.Hour
	}
	if c.Saturation <= 0 {
		c.Saturation = 20
	}
	if c.MinInteractions <= 0 {
		c.MinInteractions = 1
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 500
	}
	if c.MaxCASRetries <= 0 {
		c.MaxCASRetries = 5
	}
	if c.MaxPending <= 0 {
		c.MaxPending = 256
	}
	if c.TypeWeights == nil {
		c.TypeWeights = DefaultTypeWeights
	}
}

// Aggregator computes user preference vectors. It is safe for concurrent use.
type Aggregator struct {
	cfg       Config
	events    interaction.Source
	vectors   vectorstore.Store
	prefs     Store
	cache     cache.Cache
	now       func() time.Time
	onOutcome func(ctx context.Context, outcome Outcome)
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithCache invalidates the user's cache tag after every write.
func WithCache(c cache.Cache) Option {
	return func(a *Aggregator) { a.cache = c }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// WithObserver is called with the outcome of every update and every CAS
// conflict.
func WithObserver(fn func(ctx context.Context, outcome Outcome)) Option {
	return func(a *Aggregator) { a.onOutcome = fn }
}

// NewAggregator returns an Aggregator reading events from src and entity
// vectors from vectors, and persisting results to prefs and, as
// [vectorstore.KindUser] records, to vectors.
func NewAggregator(cfg Config, src interaction.Source, vectors vectorstore.Store, prefs Store, opts ...Option) (*Aggregator, error) {
	if cfg.ModelID == "" {
		return nil, errors.New("preference: model id must not be empty")
	}
	if src == nil || vectors == nil || prefs == nil {
		return nil, errors.New("preference: source, vector store and preference store are required")
	}
	cfg.applyDefaults()
	a := &Aggregator{
		cfg:       cfg,
		events:    src,
		vectors:   vectors,
		prefs:     prefs,
		now:       time.Now,
		onOutcome: func(context.Context, Outcome) {},
	}
	for _, o := range opts {
		o(a)
	}
	return a, nil
}

// UpdateUserVector folds the user's new interactions into their preference
// vector. It returns false when there is not enough data to compute a
// vector, which is not an error.
func (a *Aggregator) UpdateUserVector(ctx context.Context, userID string) (bool, error) {
	if userID == "" {
		return false, errors.New("preference: update: empty user id")
	}
	ctx, span := observe.StartSpan(ctx, "preference.update", trace.WithAttributes(
		attribute.String("user.id", userID),
		attribute.String("model.id", a.cfg.ModelID),
	))
	defer span.End()

	for attempt := 0; attempt < a.cfg.MaxCASRetries; attempt++ {
		ok, outcome, err := a.updateOnce(ctx, userID)
		if errors.Is(err, ErrVersionConflict) {
			a.onOutcome(ctx, OutcomeConflict)
			slog.Debug("preference update conflict, retrying", "user_id", userID, "attempt", attempt+1)
			continue
		}
		if err != nil {
			err = fmt.Errorf("preference: update %s: %w", userID, err)
			observe.FailSpan(span, err)
			return false, err
		}
		span.SetAttributes(attribute.String("preference.outcome", string(outcome)))
		a.onOutcome(ctx, outcome)
		return ok, nil
	}
	err := fmt.Errorf("preference: update %s: %w after %d attempts", userID, ErrVersionConflict, a.cfg.MaxCASRetries)
	observe.FailSpan(span, err)
	return false, err
}

func (a *Aggregator) updateOnce(ctx context.Context, userID string) (bool, Outcome, error) {
	old, err := a.prefs.Get(ctx, userID)
	switch {
	case errors.Is(err, ErrNotFound):
		old = Vector{UserID: userID}
	case err != nil:
		return false, "", fmt.Errorf("load preference: %w", err)
	}

	// A vector from another model cannot be blended; recompute from the
	// start of the stream.
	fresh := old.Version == 0 || old.ModelID != a.cfg.ModelID
	cursor := old.Cursor
	var pending []interaction.Event
	if fresh {
		cursor = interaction.Cursor{}
	} else {
		pending = old.Pending
	}

	events, err := a.readAll(ctx, userID, cursor)
	if err != nil {
		return false, "", err
	}
	if len(events) > 0 {
		cursor = interaction.CursorOf(events[len(events)-1])
	}
	if fresh && a.cfg.ColdStartWindow > 0 {
		cutoff := a.now().Add(-a.cfg.ColdStartWindow)
		events = slices.DeleteFunc(events, func(e interaction.Event) bool {
			return e.OccurredAt.Before(cutoff)
		})
	}
	if len(events) == 0 && len(pending) == 0 && !fresh {
		return true, OutcomeUnchanged, a.mirror(ctx, old)
	}

	acc, unresolved, err := a.fold(ctx, slices.Concat(pending, events))
	if err != nil {
		return false, "", err
	}
	if n := len(unresolved) - a.cfg.MaxPending; n > 0 {
		slog.Warn("preference: dropping interactions for entities without embeddings",
			"user_id", userID, "dropped", n)
		unresolved = unresolved[n:]
	}

	next := Vector{
		UserID:    userID,
		ModelID:   a.cfg.ModelID,
		UpdatedAt: a.now(),
		Cursor:    cursor,
		Pending:   unresolved,
	}

	var sum []float64
	if !fresh && len(old.Vector) > 0 {
		next.RefTime = old.RefTime
		if acc.refTime.After(next.RefTime) {
			next.RefTime = acc.refTime
		}
		keep := a.decay(next.RefTime.Sub(old.RefTime))
		next.Mass = old.Mass * keep
		next.InteractionCount = old.InteractionCount
		sum = make([]float64, len(old.Vector))
		for i, x := range old.Vector {
			sum[i] = float64(x) * next.Mass
		}
	} else {
		next.RefTime = acc.refTime
	}

	if acc.count > 0 {
		if sum == nil {
			sum = make([]float64, len(acc.sum))
		}
		if len(sum) != len(acc.sum) {
			return false, "", fmt.Errorf("%w: stored preference has %d dimensions, entity vectors have %d",
				vectorstore.ErrDimensionMismatch, len(sum), len(acc.sum))
		}
		// Events were decayed to their own newest time; bring them to
		// RefTime. Late events older than RefTime lose weight here.
		shift := a.decay(next.RefTime.Sub(acc.refTime))
		for i := range sum {
			sum[i] += acc.sum[i] * shift
		}
		next.Mass += acc.mass * shift
		next.InteractionCount += acc.count
	}

	if fresh && next.InteractionCount < a.cfg.MinInteractions {
		return false, OutcomeInsufficient, nil
	}
	if acc.count == 0 {
		if fresh {
			return false, OutcomeInsufficient, nil
		}
		// Nothing contributed. The vector stays; only the cursor and the
		// pending set may move.
		if cursor == old.Cursor && samePending(unresolved, old.Pending) {
			return true, OutcomeUnchanged, a.mirror(ctx, old)
		}
		next.Vector = old.Vector
		next.Mass = old.Mass
		next.RefTime = old.RefTime
		next.InteractionCount = old.InteractionCount
		next.Strength = old.Strength
		if _, err := a.prefs.CompareAndSwap(ctx, next, old.Version); err != nil {
			return false, "", err
		}
		return true, OutcomeUnchanged, nil
	}

	next.Vector = make([]float32, len(sum))
	var norm float64
	for i, x := range sum {
		m := x / next.Mass
		next.Vector[i] = float32(m)
		norm += m * m
	}
	if norm == 0 || math.IsNaN(norm) {
		if fresh {
			return false, OutcomeInsufficient, nil
		}
		next.Vector = old.Vector
	}
	next.Strength = math.Min(1, next.Mass/a.cfg.Saturation)

	stored, err := a.prefs.CompareAndSwap(ctx, next, old.Version)
	if err != nil {
		return false, "", err
	}
	if err := a.mirror(ctx, stored); err != nil {
		return false, "", err
	}
	if a.cache != nil {
		if _, err := a.cache.InvalidateTag(ctx, cache.UserTag(userID)); err != nil {
			slog.Warn("preference: cache invalidation failed", "user_id", userID, "err", err)
		}
	}
	slog.Debug("preference vector updated",
		"user_id", userID,
		"version", stored.Version,
		"new_events", len(events),
		"pending", len(stored.Pending),
		"strength", stored.Strength,
	)
	return true, OutcomeUpdated, nil
}

func samePending(a, b []interaction.Event) bool {
	return slices.EqualFunc(a, b, func(x, y interaction.Event) bool { return x.Seq == y.Seq })
}

// mirror writes v into the vector store as a user record. The version is
// the fingerprint, so an unchanged vector is not rewritten and a mirror that
// failed earlier is repaired on the next run.
func (a *Aggregator) mirror(ctx context.Context, v Vector) error {
	if len(v.Vector) == 0 {
		return nil
	}
	_, err := a.vectors.Upsert(ctx, vectorstore.Record{
		EntityID:           v.UserID,
		Kind:               vectorstore.KindUser,
		Vector:             v.Vector,
		ModelID:            v.ModelID,
		GeneratedAt:        v.UpdatedAt,
		ContentFingerprint: "pref-v" + strconv.FormatInt(v.Version, 10),
	})
	if err != nil {
		return fmt.Errorf("store user vector: %w", err)
	}
	return nil
}

func (a *Aggregator) readAll(ctx context.Context, userID string, after interaction.Cursor) ([]interaction.Event, error) {
	var out []interaction.Event
	for {
		page, err := a.events.Since(ctx, userID, after, a.cfg.BatchSize)
		if err != nil {
			return nil, fmt.Errorf("read interactions: %w", err)
		}
		out = append(out, page...)
		if len(page) < a.cfg.BatchSize {
			return out, nil
		}
		after = interaction.CursorOf(page[len(page)-1])
	}
}

type accumulation struct {
	sum     []float64
	mass    float64
	count   int
	refTime time.Time
}

// fold sums the decayed, weighted unit vectors of the events' entities,
// decayed to the newest contributing event. Events whose entity has no
// vector for the configured model are returned as unresolved. Events of
// zero weight are dropped.
func (a *Aggregator) fold(ctx context.Context, events []interaction.Event) (accumulation, []interaction.Event, error) {
	type contribution struct {
		unit []float64
		w    float64
		at   time.Time
	}
	units := make(map[string][]float64)
	var (
		contribs   []contribution
		unresolved []interaction.Event
		acc        accumulation
	)

	for _, e := range events {
		w := a.weight(e)
		if w == 0 {
			continue
		}
		u, seen := units[e.EntityID]
		if !seen {
			rec, err := a.vectors.Get(ctx, vectorstore.KindEntity, e.EntityID)
			switch {
			case errors.Is(err, vectorstore.ErrNotFound):
			case err != nil:
				return acc, nil, fmt.Errorf("load entity vector %s: %w", e.EntityID, err)
			case rec.ModelID == a.cfg.ModelID:
				u = vectorstore.Unit(rec.Vector)
			}
			units[e.EntityID] = u
		}
		if u == nil {
			unresolved = append(unresolved, e)
			continue
		}
		if acc.sum != nil && len(u) != len(acc.sum) {
			return acc, nil, fmt.Errorf("%w: entity %s has %d dimensions, expected %d",
				vectorstore.ErrDimensionMismatch, e.EntityID, len(u), len(acc.sum))
		}
		if acc.sum == nil {
			acc.sum = make([]float64, len(u))
		}
		contribs = append(contribs, contribution{unit: u, w: w, at: e.OccurredAt})
		if e.OccurredAt.After(acc.refTime) {
			acc.refTime = e.OccurredAt
		}
	}

	for _, c := range contribs {
		d := a.decay(acc.refTime.Sub(c.at))
		for i, x := range c.unit {
			acc.sum[i] += c.w * d * x
		}
		acc.mass += math.Abs(c.w) * d
		acc.count++
	}
	return acc, unresolved, nil
}

// weight is the type weight times the event's own weight, which is clamped
// to [-1, 1] with zero meaning unset.
func (a *Aggregator) weight(e interaction.Event) float64 {
	w := e.Weight
	if w == 0 {
		w = 1
	}
	w = math.Max(-1, math.Min(1, w))
	return a.cfg.TypeWeights[e.Type] * w
}

// decay returns 0.5^(d/halfLife). Negative durations do not amplify.
func (a *Aggregator) decay(d time.Duration) float64 {
	if d <= 0 {
		return 1
	}
	return math.Exp2(-d.Seconds() / a.cfg.HalfLife.Seconds())
}
