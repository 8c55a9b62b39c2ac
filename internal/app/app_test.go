package app_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/MrWong99/scentvec/internal/app"
	"github.com/MrWong99/scentvec/internal/config"
	"github.com/MrWong99/scentvec/internal/entity"
	"github.com/MrWong99/scentvec/internal/interaction"
	"github.com/MrWong99/scentvec/internal/recommend"
	"github.com/MrWong99/scentvec/internal/scheduler"
	"github.com/MrWong99/scentvec/pkg/provider/embeddings/mock"
	"github.com/MrWong99/scentvec/pkg/queue"
	"github.com/MrWong99/scentvec/pkg/queue/memqueue"
)

var testNow = time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

// testConfig returns an in-memory config for a three-dimensional model.
func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Store.EmbeddingDimensions = 3
	cfg.Workers.Count = 1
	cfg.Workers.PollInterval = 10 * time.Millisecond
	return cfg
}

// familyEmbedder maps canonical content to a vector by olfactive family.
func familyEmbedder() *mock.Provider {
	return &mock.Provider{
		DimensionsValue: 3,
		ModelIDValue:    "mock-embed",
		EmbedFunc: func(_ context.Context, text string) ([]float32, error) {
			switch {
			case strings.Contains(strings.ToLower(text), "woody"):
				return []float32{1, 0, 0.1}, nil
			case strings.Contains(strings.ToLower(text), "citrus"):
				return []float32{0, 1, 0.1}, nil
			}
			return []float32{0, 0, 1}, nil
		},
	}
}

func testCatalog() *entity.CatalogFile {
	return &entity.CatalogFile{
		Catalog: entity.CatalogMeta{Name: "test"},
		Fragrances: []entity.Fragrance{
			{ID: "a", Name: "Terre", Brand: "Hermès", Family: "woody"},
			{ID: "b", Name: "Sycomore", Brand: "Chanel", Family: "woody"},
			{ID: "c", Name: "Neroli", Brand: "Tom Ford", Family: "citrus"},
		},
	}
}

func newTestApp(t *testing.T) *app.App {
	t.Helper()
	a, err := app.New(context.Background(), testConfig(), &app.Providers{Embeddings: familyEmbedder()},
		app.WithClock(func() time.Time { return testNow }))
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	return a
}

// drain processes queued tasks until none is left.
func drain(t *testing.T, a *app.App) int {
	t.Helper()
	n := 0
	for {
		ok, err := a.Pool().ProcessOne(context.Background(), "test-worker")
		if err != nil {
			t.Fatalf("ProcessOne: %v", err)
		}
		if !ok {
			return n
		}
		n++
	}
}

func TestNew_RequiresModel(t *testing.T) {
	t.Parallel()
	_, err := app.New(context.Background(), testConfig(), nil)
	if err == nil || !strings.Contains(err.Error(), "no embedding model") {
		t.Fatalf("New() = %v, want missing model error", err)
	}
}

func TestNew_PartialStores(t *testing.T) {
	t.Parallel()
	_, err := app.New(context.Background(), testConfig(), &app.Providers{Embeddings: familyEmbedder()},
		app.WithStores(app.Stores{Queue: memqueue.New()}))
	if err == nil || !strings.Contains(err.Error(), "all four stores") {
		t.Fatalf("New() = %v, want partial stores error", err)
	}
}

func TestBackfill_EmbedsAndRecommends(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	a := newTestApp(t)

	n, err := a.Backfill(ctx, testCatalog())
	if err != nil || n != 3 {
		t.Fatalf("Backfill = %d, %v", n, err)
	}
	stats, err := a.Stores().Queue.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.ByStatus[queue.StatusPending] != 3 {
		t.Fatalf("pending = %d, want 3", stats.ByStatus[queue.StatusPending])
	}
	if got := drain(t, a); got != 3 {
		t.Fatalf("processed %d tasks, want 3", got)
	}

	// Re-importing unchanged content enqueues nothing.
	if _, err := a.Backfill(ctx, testCatalog()); err != nil {
		t.Fatalf("second Backfill: %v", err)
	}
	if got := drain(t, a); got != 0 {
		t.Errorf("unchanged re-import processed %d tasks", got)
	}

	res, err := a.Recommender().SimilarTo(ctx, "a", recommend.Options{})
	if err != nil {
		t.Fatalf("SimilarTo: %v", err)
	}
	if len(res.Matches) != 2 || res.Matches[0].EntityID != "b" {
		t.Fatalf("matches = %+v, want b first", res.Matches)
	}
}

func TestPreferenceRefresh_ProducesUserRecommendations(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	a := newTestApp(t)
	if _, err := a.Backfill(ctx, testCatalog()); err != nil {
		t.Fatalf("Backfill: %v", err)
	}
	drain(t, a)

	src, ok := a.Stores().Interactions.(*interaction.MemSource)
	if !ok {
		t.Fatalf("interactions = %T, want *interaction.MemSource", a.Stores().Interactions)
	}
	if err := src.Append(ctx, interaction.Event{
		UserID: "u1", EntityID: "a", Type: interaction.TypeFavorite, OccurredAt: testNow.Add(-time.Hour),
	}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	if err := a.Scheduler().RunNow(scheduler.JobPreferenceRefresh); err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	if got := drain(t, a); got != 1 {
		t.Fatalf("processed %d tasks, want 1 preference update", got)
	}

	res, err := a.Recommender().ForUser(ctx, "u1", recommend.Options{Limit: 2})
	if err != nil {
		t.Fatalf("ForUser: %v", err)
	}
	if len(res.Matches) != 2 {
		t.Fatalf("matches = %+v, want 2", res.Matches)
	}
	for _, m := range res.Matches {
		if m.EntityID == "c" {
			t.Errorf("citrus fragrance ranked for a woody favourite: %+v", res.Matches)
		}
	}
}

func TestHandler_Routes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	a := newTestApp(t)
	if _, err := a.Backfill(ctx, testCatalog()); err != nil {
		t.Fatalf("Backfill: %v", err)
	}
	drain(t, a)
	h := a.Handler()

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	if rec := get("/healthz"); rec.Code != http.StatusOK {
		t.Errorf("/healthz = %d", rec.Code)
	}
	if rec := get("/readyz"); rec.Code != http.StatusOK {
		t.Errorf("/readyz = %d: %s", rec.Code, rec.Body)
	}

	first := get("/v1/fragrances/a/similar?limit=1")
	if first.Code != http.StatusOK {
		t.Fatalf("similar = %d: %s", first.Code, first.Body)
	}
	if first.Header().Get("X-Cache") != "miss" {
		t.Errorf("first X-Cache = %q", first.Header().Get("X-Cache"))
	}
	var res recommend.Result
	if err := json.Unmarshal(first.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(res.Matches) != 1 || res.Matches[0].EntityID != "b" {
		t.Errorf("matches = %+v", res.Matches)
	}
	if second := get("/v1/fragrances/a/similar?limit=1"); second.Header().Get("X-Cache") != "hit" {
		t.Errorf("second X-Cache = %q", second.Header().Get("X-Cache"))
	}

	for _, path := range []string{
		"/v1/fragrances/a/similar?limit=abc",
		"/v1/fragrances/a/similar?threshold=2",
		"/v1/users/u1/recommendations?limit=1000",
	} {
		if rec := get(path); rec.Code != http.StatusBadRequest {
			t.Errorf("%s = %d, want 400", path, rec.Code)
		}
	}

	// A user without a preference vector gets an empty list.
	if rec := get("/v1/users/nobody/recommendations"); rec.Code != http.StatusOK {
		t.Errorf("unknown user = %d", rec.Code)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	t.Parallel()
	a := newTestApp(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	if _, err := a.Backfill(context.Background(), testCatalog()); err != nil {
		t.Fatalf("Backfill: %v", err)
	}
	deadline := time.After(5 * time.Second)
	for {
		st, err := a.Stores().Queue.Stats(context.Background())
		if err != nil {
			t.Fatalf("Stats: %v", err)
		}
		if st.ByStatus[queue.StatusCompleted] == 3 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("workers did not finish: %v", st.ByStatus)
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Fatalf("Run() = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}
