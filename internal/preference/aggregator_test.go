package preference_test

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/scentvec/internal/interaction"
	"github.com/MrWong99/scentvec/internal/preference"
	"github.com/MrWong99/scentvec/pkg/cache"
	"github.com/MrWong99/scentvec/pkg/cache/memcache"
	"github.com/MrWong99/scentvec/pkg/queue"
	"github.com/MrWong99/scentvec/pkg/queue/memqueue"
	"github.com/MrWong99/scentvec/pkg/vectorstore"
	"github.com/MrWong99/scentvec/pkg/vectorstore/memstore"
)

const model = "test-embed"

var t0 = time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

const halfLife = 24 * time.Hour

type fixture struct {
	events  *interaction.MemSource
	vectors *memstore.Store
	prefs   *preference.MemStore
	cache   *memcache.Cache
	agg     *preference.Aggregator
}

func newFixture(t *testing.T, cfg preference.Config) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{
		events:  interaction.NewMemSource(),
		vectors: memstore.New(vectorstore.StaticDimensions{model: 3}),
		prefs:   preference.NewMemStore(),
		cache:   memcache.New(),
	}
	for id, v := range map[string][]float32{
		"e1": {1, 0, 0},
		"e2": {0, 2, 0}, // not unit length on purpose
	} {
		if _, err := f.vectors.Upsert(ctx, vectorstore.Record{
			EntityID: id, Kind: vectorstore.KindEntity, Vector: v, ModelID: model, ContentFingerprint: id,
		}); err != nil {
			t.Fatalf("seed %s: %v", id, err)
		}
	}
	cfg.ModelID = model
	if cfg.HalfLife == 0 {
		cfg.HalfLife = halfLife
	}
	agg, err := preference.NewAggregator(cfg, f.events, f.vectors, f.prefs,
		preference.WithCache(f.cache),
		preference.WithClock(func() time.Time { return t0.Add(1000 * time.Hour) }),
	)
	if err != nil {
		t.Fatalf("NewAggregator: %v", err)
	}
	f.agg = agg
	return f
}

func (f *fixture) add(t *testing.T, user, entity string, typ interaction.Type, at time.Duration) {
	t.Helper()
	err := f.events.Append(context.Background(), interaction.Event{
		UserID: user, EntityID: entity, Type: typ, OccurredAt: t0.Add(at),
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
}

func (f *fixture) embed(t *testing.T, entity string, v ...float32) {
	t.Helper()
	if _, err := f.vectors.Upsert(context.Background(), vectorstore.Record{
		EntityID: entity, Kind: vectorstore.KindEntity, Vector: v, ModelID: model, ContentFingerprint: entity,
	}); err != nil {
		t.Fatalf("embed %s: %v", entity, err)
	}
}

func approx(t *testing.T, got []float32, want ...float64) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("vector = %v, want %v", got, want)
	}
	for i := range want {
		if math.Abs(float64(got[i])-want[i]) > 1e-6 {
			t.Fatalf("vector = %v, want %v", got, want)
		}
	}
}

func TestUpdateUserVector_InsufficientData(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, preference.Config{})

	ok, err := f.agg.UpdateUserVector(ctx, "u1")
	if err != nil || ok {
		t.Fatalf("no events: got %v, %v; want false, nil", ok, err)
	}

	// Events pointing at entities without an embedding do not count.
	f.add(t, "u1", "unknown", interaction.TypeFavorite, 0)
	ok, err = f.agg.UpdateUserVector(ctx, "u1")
	if err != nil || ok {
		t.Fatalf("unembedded entity: got %v, %v; want false, nil", ok, err)
	}
	if _, err := f.prefs.Get(ctx, "u1"); !errors.Is(err, preference.ErrNotFound) {
		t.Fatalf("Get = %v, want ErrNotFound", err)
	}
}

func TestUpdateUserVector_MinInteractions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, preference.Config{MinInteractions: 2})

	f.add(t, "u1", "e1", interaction.TypeFavorite, 0)
	if ok, _ := f.agg.UpdateUserVector(ctx, "u1"); ok {
		t.Fatal("one interaction should not meet MinInteractions=2")
	}
	f.add(t, "u1", "e1", interaction.TypeRating, time.Minute)
	if ok, err := f.agg.UpdateUserVector(ctx, "u1"); !ok || err != nil {
		t.Fatalf("second interaction: got %v, %v", ok, err)
	}
	v, _ := f.prefs.Get(ctx, "u1")
	if v.InteractionCount != 2 {
		t.Fatalf("InteractionCount = %d, want 2", v.InteractionCount)
	}
}

func TestUpdateUserVector_FirstVectorAndMirror(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, preference.Config{Saturation: 4})
	f.add(t, "u1", "e1", interaction.TypeFavorite, 0)

	ok, err := f.agg.UpdateUserVector(ctx, "u1")
	if err != nil || !ok {
		t.Fatalf("UpdateUserVector = %v, %v", ok, err)
	}
	v, err := f.prefs.Get(ctx, "u1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	approx(t, v.Vector, 1, 0, 0)
	if v.Strength != 0.25 || v.InteractionCount != 1 || v.Version != 1 {
		t.Fatalf("vector = %+v", v)
	}

	rec, err := f.vectors.Get(ctx, vectorstore.KindUser, "u1")
	if err != nil {
		t.Fatalf("user record: %v", err)
	}
	approx(t, rec.Vector, 1, 0, 0)

	// The user vector is searchable against entity vectors.
	matches, err := f.vectors.Search(ctx, vectorstore.Query{
		Vector: rec.Vector, MaxResults: 1, Kind: vectorstore.KindEntity, ModelID: model,
	})
	if err != nil || len(matches) != 1 || matches[0].EntityID != "e1" {
		t.Fatalf("Search = %v, %v", matches, err)
	}
}

func TestUpdateUserVector_IdempotentWithoutNewEvents(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, preference.Config{})
	f.add(t, "u1", "e1", interaction.TypeFavorite, 0)
	f.add(t, "u1", "e2", interaction.TypeView, time.Hour)

	if _, err := f.agg.UpdateUserVector(ctx, "u1"); err != nil {
		t.Fatalf("first: %v", err)
	}
	before, _ := f.prefs.Get(ctx, "u1")

	for range 3 {
		ok, err := f.agg.UpdateUserVector(ctx, "u1")
		if err != nil || !ok {
			t.Fatalf("repeat: %v, %v", ok, err)
		}
	}
	after, _ := f.prefs.Get(ctx, "u1")
	if after.Version != before.Version || after.Strength != before.Strength {
		t.Fatalf("vector drifted: before %+v after %+v", before, after)
	}
	for i := range before.Vector {
		if before.Vector[i] != after.Vector[i] {
			t.Fatalf("vector drifted: %v -> %v", before.Vector, after.Vector)
		}
	}
}

func TestUpdateUserVector_DecayBlend(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, preference.Config{Saturation: 10})

	f.add(t, "u1", "e1", interaction.TypeFavorite, 0)
	if _, err := f.agg.UpdateUserVector(ctx, "u1"); err != nil {
		t.Fatalf("first: %v", err)
	}

	// One half-life later the old signal weighs 0.5 against a fresh 1.0.
	f.add(t, "u1", "e2", interaction.TypeFavorite, halfLife)
	if _, err := f.agg.UpdateUserVector(ctx, "u1"); err != nil {
		t.Fatalf("second: %v", err)
	}
	v, _ := f.prefs.Get(ctx, "u1")
	approx(t, v.Vector, 1.0/3, 2.0/3, 0)
	if math.Abs(v.Mass-1.5) > 1e-9 || math.Abs(v.Strength-0.15) > 1e-9 {
		t.Fatalf("mass = %v strength = %v, want 1.5 and 0.15", v.Mass, v.Strength)
	}
	if v.InteractionCount != 2 || !v.RefTime.Equal(t0.Add(halfLife)) {
		t.Fatalf("vector = %+v", v)
	}
}

func TestUpdateUserVector_IncrementalMatchesBatch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	inc := newFixture(t, preference.Config{})
	batch := newFixture(t, preference.Config{})

	steps := []struct {
		entity string
		typ    interaction.Type
		at     time.Duration
	}{
		{"e1", interaction.TypeView, 0},
		{"e2", interaction.TypeFavorite, 5 * time.Hour},
		{"e1", interaction.TypePurchaseIntent, 30 * time.Hour},
		{"e2", interaction.TypeDismiss, 70 * time.Hour},
	}
	for _, s := range steps {
		inc.add(t, "u1", s.entity, s.typ, s.at)
		if _, err := inc.agg.UpdateUserVector(ctx, "u1"); err != nil {
			t.Fatalf("incremental: %v", err)
		}
		batch.add(t, "u1", s.entity, s.typ, s.at)
	}
	if _, err := batch.agg.UpdateUserVector(ctx, "u1"); err != nil {
		t.Fatalf("batch: %v", err)
	}

	a, _ := inc.prefs.Get(ctx, "u1")
	b, _ := batch.prefs.Get(ctx, "u1")
	approx(t, a.Vector, float64(b.Vector[0]), float64(b.Vector[1]), float64(b.Vector[2]))
	if math.Abs(a.Mass-b.Mass) > 1e-6 || a.InteractionCount != b.InteractionCount {
		t.Fatalf("incremental %+v != batch %+v", a, b)
	}
}

func TestUpdateUserVector_LateEventIsFolded(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	inc := newFixture(t, preference.Config{})
	batch := newFixture(t, preference.Config{})

	inc.add(t, "u1", "e1", interaction.TypeFavorite, 10*halfLife)
	if _, err := inc.agg.UpdateUserVector(ctx, "u1"); err != nil {
		t.Fatalf("first: %v", err)
	}
	// Synced later, stamped before the event already folded.
	inc.add(t, "u1", "e2", interaction.TypePurchaseIntent, 9*halfLife)
	if _, err := inc.agg.UpdateUserVector(ctx, "u1"); err != nil {
		t.Fatalf("second: %v", err)
	}

	batch.add(t, "u1", "e1", interaction.TypeFavorite, 10*halfLife)
	batch.add(t, "u1", "e2", interaction.TypePurchaseIntent, 9*halfLife)
	if _, err := batch.agg.UpdateUserVector(ctx, "u1"); err != nil {
		t.Fatalf("batch: %v", err)
	}

	a, _ := inc.prefs.Get(ctx, "u1")
	b, _ := batch.prefs.Get(ctx, "u1")
	if a.InteractionCount != 2 {
		t.Fatalf("InteractionCount = %d, want 2", a.InteractionCount)
	}
	// e2 is half a half-life's worth older: 1.5 * 0.5 against 1.0.
	approx(t, a.Vector, 1/1.75, 0.75/1.75, 0)
	approx(t, b.Vector, 1/1.75, 0.75/1.75, 0)
	if !a.RefTime.Equal(t0.Add(10*halfLife)) || math.Abs(a.Mass-b.Mass) > 1e-9 {
		t.Fatalf("incremental %+v != batch %+v", a, b)
	}
}

func TestUpdateUserVector_EventBeforeEmbedding(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	inc := newFixture(t, preference.Config{})
	batch := newFixture(t, preference.Config{})

	var outcomes []preference.Outcome
	agg, err := preference.NewAggregator(preference.Config{ModelID: model, HalfLife: halfLife},
		inc.events, inc.vectors, inc.prefs,
		preference.WithCache(inc.cache),
		preference.WithObserver(func(_ context.Context, o preference.Outcome) { outcomes = append(outcomes, o) }),
	)
	if err != nil {
		t.Fatalf("NewAggregator: %v", err)
	}

	inc.add(t, "u1", "e1", interaction.TypeFavorite, 0)
	if _, err := agg.UpdateUserVector(ctx, "u1"); err != nil {
		t.Fatalf("first: %v", err)
	}
	before, _ := inc.prefs.Get(ctx, "u1")

	key := cache.Key("recs", "u1")
	if err := inc.cache.Set(ctx, key, []byte("cached"), time.Hour, cache.UserTag("u1")); err != nil {
		t.Fatalf("Set: %v", err)
	}

	// e3 is new to the catalog and has no embedding yet.
	inc.add(t, "u1", "e3", interaction.TypePurchaseIntent, time.Hour)
	ok, err := agg.UpdateUserVector(ctx, "u1")
	if err != nil || !ok {
		t.Fatalf("unembedded: %v, %v", ok, err)
	}
	mid, _ := inc.prefs.Get(ctx, "u1")
	approx(t, mid.Vector, 1, 0, 0)
	if mid.InteractionCount != 1 || len(mid.Pending) != 1 || mid.Pending[0].EntityID != "e3" {
		t.Fatalf("after unembedded event: %+v", mid)
	}
	if mid.Version != before.Version+1 {
		t.Fatalf("version = %d, want cursor and pending persisted at %d", mid.Version, before.Version+1)
	}
	if got := outcomes[len(outcomes)-1]; got != preference.OutcomeUnchanged {
		t.Fatalf("outcome = %q, want %q", got, preference.OutcomeUnchanged)
	}
	if _, hit, _ := inc.cache.Get(ctx, key); !hit {
		t.Fatal("cache invalidated although the vector did not change")
	}

	// Retrying with nothing new writes nothing.
	if _, err := agg.UpdateUserVector(ctx, "u1"); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if again, _ := inc.prefs.Get(ctx, "u1"); again.Version != mid.Version {
		t.Fatalf("version moved to %d without new input", again.Version)
	}

	inc.embed(t, "e3", 0, 0, 1)
	if _, err := agg.UpdateUserVector(ctx, "u1"); err != nil {
		t.Fatalf("after embed: %v", err)
	}

	batch.embed(t, "e3", 0, 0, 1)
	batch.add(t, "u1", "e1", interaction.TypeFavorite, 0)
	batch.add(t, "u1", "e3", interaction.TypePurchaseIntent, time.Hour)
	if _, err := batch.agg.UpdateUserVector(ctx, "u1"); err != nil {
		t.Fatalf("batch: %v", err)
	}

	a, _ := inc.prefs.Get(ctx, "u1")
	b, _ := batch.prefs.Get(ctx, "u1")
	if a.InteractionCount != 2 || len(a.Pending) != 0 {
		t.Fatalf("after embed: %+v", a)
	}
	approx(t, a.Vector, float64(b.Vector[0]), float64(b.Vector[1]), float64(b.Vector[2]))
	if outcomes[len(outcomes)-1] != preference.OutcomeUpdated {
		t.Fatalf("outcome = %q, want %q", outcomes[len(outcomes)-1], preference.OutcomeUpdated)
	}
}

func TestUpdateUserVector_PendingIsBounded(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, preference.Config{MaxPending: 2})

	f.add(t, "u1", "e1", interaction.TypeFavorite, 0)
	if _, err := f.agg.UpdateUserVector(ctx, "u1"); err != nil {
		t.Fatalf("first: %v", err)
	}
	for i, id := range []string{"x1", "x2", "x3"} {
		f.add(t, "u1", id, interaction.TypeView, time.Duration(i+1)*time.Minute)
	}
	if _, err := f.agg.UpdateUserVector(ctx, "u1"); err != nil {
		t.Fatalf("second: %v", err)
	}
	v, _ := f.prefs.Get(ctx, "u1")
	if len(v.Pending) != 2 || v.Pending[0].EntityID != "x2" || v.Pending[1].EntityID != "x3" {
		t.Fatalf("Pending = %+v, want the newest two", v.Pending)
	}
}

func TestUpdateUserVector_ColdStartWindow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	// The fixture clock is t0+1000h.
	f := newFixture(t, preference.Config{ColdStartWindow: 100 * time.Hour})

	f.add(t, "u1", "e1", interaction.TypeFavorite, 0)
	f.add(t, "u1", "e2", interaction.TypeFavorite, 950*time.Hour)
	if _, err := f.agg.UpdateUserVector(ctx, "u1"); err != nil {
		t.Fatalf("UpdateUserVector: %v", err)
	}
	v, _ := f.prefs.Get(ctx, "u1")
	approx(t, v.Vector, 0, 1, 0)
	if v.InteractionCount != 1 {
		t.Fatalf("InteractionCount = %d, want 1", v.InteractionCount)
	}
}

func TestUpdateUserVector_InvalidatesUserCache(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, preference.Config{})
	key := cache.Key("recs", "u1")
	if err := f.cache.Set(ctx, key, []byte("stale"), time.Hour, cache.UserTag("u1")); err != nil {
		t.Fatalf("Set: %v", err)
	}

	f.add(t, "u1", "e1", interaction.TypeFavorite, 0)
	if _, err := f.agg.UpdateUserVector(ctx, "u1"); err != nil {
		t.Fatalf("UpdateUserVector: %v", err)
	}
	if _, ok, _ := f.cache.Get(ctx, key); ok {
		t.Fatal("user cache entry survived a preference update")
	}
}

func TestUpdateUserVector_ConcurrentSameUser(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, preference.Config{MaxCASRetries: 50})
	for i := range 20 {
		entity := "e1"
		if i%2 == 1 {
			entity = "e2"
		}
		f.add(t, "u1", entity, interaction.TypeRating, time.Duration(i)*time.Minute)
	}

	var wg sync.WaitGroup
	for range 16 {
		wg.Go(func() {
			if _, err := f.agg.UpdateUserVector(ctx, "u1"); err != nil {
				t.Errorf("UpdateUserVector: %v", err)
			}
		})
	}
	wg.Wait()

	v, _ := f.prefs.Get(ctx, "u1")
	if v.InteractionCount != 20 {
		t.Fatalf("InteractionCount = %d, want 20 (no double counting)", v.InteractionCount)
	}
}

func TestStore_CompareAndSwap(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := preference.NewMemStore()

	v, err := s.CompareAndSwap(ctx, preference.Vector{UserID: "u1", Vector: []float32{1}}, 0)
	if err != nil || v.Version != 1 {
		t.Fatalf("insert = %+v, %v", v, err)
	}
	if _, err := s.CompareAndSwap(ctx, v, 0); !errors.Is(err, preference.ErrVersionConflict) {
		t.Fatalf("stale insert = %v, want ErrVersionConflict", err)
	}
	v.Vector[0] = 2
	if v, err = s.CompareAndSwap(ctx, v, 1); err != nil || v.Version != 2 {
		t.Fatalf("update = %+v, %v", v, err)
	}
	if err := s.Delete(ctx, "u1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, "u1"); !errors.Is(err, preference.ErrNotFound) {
		t.Fatalf("Get after delete = %v", err)
	}
}

func TestRefresher(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	events := interaction.NewMemSource()
	q := memqueue.New()
	now := t0.Add(10 * time.Hour)

	_ = events.Append(ctx,
		interaction.Event{UserID: "u1", EntityID: "e1", Type: interaction.TypeView, OccurredAt: t0.Add(9 * time.Hour)},
		interaction.Event{UserID: "u2", EntityID: "e1", Type: interaction.TypeView, OccurredAt: t0.Add(9 * time.Hour)},
		interaction.Event{UserID: "u3", EntityID: "e1", Type: interaction.TypeView, OccurredAt: t0},
	)

	r := preference.NewRefresher(events, q, 10, 2*time.Hour, func() time.Time { return now })
	n, err := r.Run(ctx)
	if err != nil || n != 2 {
		t.Fatalf("Run = %d, %v; want 2 users", n, err)
	}
	stats, _ := q.Stats(ctx)
	if stats.ByStatus[queue.StatusPending] != 2 {
		t.Fatalf("pending = %d, want 2", stats.ByStatus[queue.StatusPending])
	}

	// Nothing new since the last run.
	now = now.Add(time.Hour)
	if n, _ := r.Run(ctx); n != 0 {
		t.Fatalf("second Run created %d, want 0", n)
	}
}
