// Package app wires all scentvec subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run starts the worker pool, the scheduler and the ops HTTP
// server, and Shutdown tears everything down in order.
//
// For testing, inject stores and caches via functional options
// (WithStores, WithCache, etc.). When an option is not provided, New creates
// real implementations from the config: PostgreSQL when a DSN is set,
// in-memory stores otherwise.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/MrWong99/scentvec/internal/changedetect"
	"github.com/MrWong99/scentvec/internal/config"
	"github.com/MrWong99/scentvec/internal/entity"
	"github.com/MrWong99/scentvec/internal/health"
	"github.com/MrWong99/scentvec/internal/interaction"
	"github.com/MrWong99/scentvec/internal/monitor"
	"github.com/MrWong99/scentvec/internal/observe"
	"github.com/MrWong99/scentvec/internal/preference"
	"github.com/MrWong99/scentvec/internal/recommend"
	"github.com/MrWong99/scentvec/internal/scheduler"
	"github.com/MrWong99/scentvec/internal/store/postgres"
	"github.com/MrWong99/scentvec/internal/worker"
	"github.com/MrWong99/scentvec/pkg/cache"
	"github.com/MrWong99/scentvec/pkg/cache/badgercache"
	"github.com/MrWong99/scentvec/pkg/cache/memcache"
	"github.com/MrWong99/scentvec/pkg/cache/tiered"
	"github.com/MrWong99/scentvec/pkg/provider/embeddings"
	"github.com/MrWong99/scentvec/pkg/queue"
	"github.com/MrWong99/scentvec/pkg/queue/memqueue"
	"github.com/MrWong99/scentvec/pkg/vectorstore"
	"github.com/MrWong99/scentvec/pkg/vectorstore/memstore"
)

// Providers holds the configured embedding provider. Nil means no provider
// is configured; embedding tasks then fail as invalid. Populated by main.go
// via the config registry.
type Providers struct {
	Embeddings embeddings.Provider
}

// Stores groups the persistence backends.
type Stores struct {
	Queue        queue.Queue
	Vectors      vectorstore.Store
	Preferences  preference.Store
	Interactions interaction.Source
}

func (s Stores) complete() bool {
	return s.Queue != nil && s.Vectors != nil && s.Preferences != nil && s.Interactions != nil
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers
	metrics   *observe.Metrics
	now       func() time.Time

	// Subsystems, initialised in New and torn down in Shutdown.
	modelID     string
	models      *embeddings.Set
	stores      Stores
	pinger      health.Pinger
	cache       cache.Cache
	cacheStats  map[string]cache.StatsReporter
	entities    *entity.MemStore
	detector    *changedetect.Detector
	aggregator  *preference.Aggregator
	refresher   *preference.Refresher
	recommender *recommend.Service
	reporter    *monitor.Reporter
	pool        *worker.Pool
	scheduler   *scheduler.Scheduler
	health      *health.Handler
	handler     http.Handler
	server      *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStores injects the persistence backends instead of creating them from
// config. All four stores must be set.
func WithStores(s Stores) Option {
	return func(a *App) { a.stores = s }
}

// WithCache injects the recommendation cache.
func WithCache(c cache.Cache) Option {
	return func(a *App) { a.cache = c }
}

// WithMetrics overrides the metrics instruments. Default:
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithClock overrides the time source of every time-dependent subsystem.
func WithClock(now func() time.Time) Option {
	return func(a *App) { a.now = now }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry).
//
// New performs all initialisation synchronously, including connecting to
// and migrating PostgreSQL. It does not start any goroutine.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil {
		providers = &Providers{}
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
		now:       time.Now,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Embedding models ──────────────────────────────────────────────
	if err := a.initModels(); err != nil {
		return nil, fmt.Errorf("app: init models: %w", err)
	}

	// ── 2. Stores ────────────────────────────────────────────────────────
	if err := a.initStores(ctx); err != nil {
		return nil, fmt.Errorf("app: init stores: %w", err)
	}

	// ── 3. Cache ─────────────────────────────────────────────────────────
	if err := a.initCache(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init cache: %w", err)
	}

	// ── 4. Detector, aggregation, reads ──────────────────────────────────
	if err := a.initDomain(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init domain: %w", err)
	}

	// ── 5. Worker pool ───────────────────────────────────────────────────
	a.initWorkers()

	// ── 6. Scheduler ─────────────────────────────────────────────────────
	if err := a.initScheduler(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init scheduler: %w", err)
	}

	// ── 7. Health + ops server ───────────────────────────────────────────
	a.initHTTP()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initModels registers the embedding provider and picks the model every
// subsystem defaults to.
func (a *App) initModels() error {
	a.models, _ = embeddings.NewSet()
	if p := a.providers.Embeddings; p != nil {
		if err := a.models.Add(p); err != nil {
			return err
		}
		a.modelID = p.ModelID()
	}
	if a.modelID == "" {
		a.modelID = a.cfg.Preference.ModelID
	}
	if a.modelID == "" {
		return errors.New("no embedding model configured; set providers.embeddings.primary or preference.model_id")
	}
	if a.cfg.Preference.ModelID != "" && a.cfg.Preference.ModelID != a.modelID {
		slog.Warn("preference model differs from the embedding model; user vectors use entity vectors of the preference model only",
			"embedding_model", a.modelID, "preference_model", a.cfg.Preference.ModelID)
	}
	return nil
}

// dimensions resolves model dimensions from the provider set, falling back
// to the configured column width for models without a live provider.
func (a *App) dimensions() vectorstore.Dimensions {
	static := vectorstore.StaticDimensions{a.modelID: a.cfg.Store.EmbeddingDimensions}
	if pm := a.cfg.Preference.ModelID; pm != "" {
		static[pm] = a.cfg.Store.EmbeddingDimensions
	}
	return dimensionChain{a.models, static}
}

type dimensionChain []vectorstore.Dimensions

func (c dimensionChain) Dimension(modelID string) (int, bool) {
	for _, d := range c {
		if n, ok := d.Dimension(modelID); ok {
			return n, true
		}
	}
	return 0, false
}

func (a *App) backoff() queue.Backoff {
	b := a.cfg.Queue.Backoff
	return queue.Backoff{Initial: b.Initial, Max: b.Max, Multiplier: b.Multiplier, Jitter: b.Jitter}
}

// initStores connects to PostgreSQL or falls back to in-memory stores.
func (a *App) initStores(ctx context.Context) error {
	if a.stores.complete() {
		return nil
	}
	if a.stores.Queue != nil || a.stores.Vectors != nil || a.stores.Preferences != nil || a.stores.Interactions != nil {
		return errors.New("WithStores requires all four stores")
	}

	if dsn := a.cfg.Store.PostgresDSN; dsn != "" {
		st, err := postgres.Open(ctx, dsn, postgres.Options{
			Dimensions: a.cfg.Store.EmbeddingDimensions,
			Models:     a.dimensions(),
			EfSearch:   a.cfg.Store.EfSearch,
			MaxRetries: a.cfg.Queue.MaxRetries,
			Backoff:    a.backoff(),
			Now:        a.now,
		})
		if err != nil {
			return err
		}
		a.stores = Stores{
			Queue:        st.Queue(),
			Vectors:      st.Vectors(),
			Preferences:  st.Preferences(),
			Interactions: st.Interactions(),
		}
		a.pinger = st
		a.closers = append(a.closers, func() error { st.Close(); return nil })
		slog.Info("using postgres stores", "dimensions", a.cfg.Store.EmbeddingDimensions)
		return nil
	}

	a.stores = Stores{
		Queue: memqueue.New(
			memqueue.WithClock(a.now),
			memqueue.WithMaxRetries(a.cfg.Queue.MaxRetries),
			memqueue.WithBackoff(a.backoff()),
		),
		Vectors:      memstore.New(a.dimensions(), memstore.WithExactThreshold(a.cfg.Store.ExactThreshold)),
		Preferences:  preference.NewMemStore(),
		Interactions: interaction.NewMemSource(),
	}
	slog.Info("using in-memory stores")
	return nil
}

// initCache builds the in-process L1 tier and, when configured, the Badger
// L2 tier behind it.
func (a *App) initCache() error {
	if a.cache != nil {
		a.cacheStats = map[string]cache.StatsReporter{}
		if sr, ok := a.cache.(cache.StatsReporter); ok {
			a.cacheStats["cache"] = sr
		}
		return nil
	}

	l1 := memcache.New(memcache.WithClock(a.now))
	if a.cfg.Cache.BadgerDir == "" && !a.cfg.Cache.InMemory {
		a.cache = l1
		a.cacheStats = map[string]cache.StatsReporter{"l1": l1}
		return nil
	}

	db, err := badgercache.Open(a.cfg.Cache.BadgerDir, a.cfg.Cache.InMemory)
	if err != nil {
		return err
	}
	l2 := badgercache.New(db, badgercache.WithOwnedDB(), badgercache.WithClock(a.now))
	a.closers = append(a.closers, l2.Close)
	a.cache = tiered.New(l1, l2, a.cfg.Cache.L1MaxTTL, tiered.WithClock(a.now))
	a.cacheStats = map[string]cache.StatsReporter{"l1": l1, "l2": l2}
	return nil
}

// initDomain builds the change detector, the entity catalog hooked to it,
// the preference aggregator and the recommendation service.
func (a *App) initDomain() error {
	det, err := changedetect.New(a.stores.Queue, a.stores.Vectors, a.modelID,
		changedetect.WithPriorities(a.cfg.ChangeDetector.PriorityNew, a.cfg.ChangeDetector.PriorityChanged))
	if err != nil {
		return err
	}
	a.detector = det
	a.entities = entity.NewMemStore(entity.WithWriteHook(func(ctx context.Context, f entity.Fragrance) error {
		_, err := det.OnEntityWrite(ctx, f.ID, f.Document())
		return err
	}))

	pc := a.cfg.Preference
	modelID := pc.ModelID
	if modelID == "" {
		modelID = a.modelID
	}
	agg, err := preference.NewAggregator(preference.Config{
		ModelID:         modelID,
		HalfLife:        pc.HalfLife,
		Saturation:      pc.Saturation,
		MinInteractions: pc.MinInteractions,
		ColdStartWindow: pc.Window,
		MaxCASRetries:   pc.MaxCASRetries,
		MaxPending:      pc.MaxPending,
		TypeWeights:     typeWeights(pc.TypeWeights),
	}, a.stores.Interactions, a.stores.Vectors, a.stores.Preferences,
		preference.WithCache(a.cache),
		preference.WithClock(a.now),
		preference.WithObserver(func(ctx context.Context, o preference.Outcome) {
			a.metrics.RecordPreferenceUpdate(ctx, string(o))
		}),
	)
	if err != nil {
		return err
	}
	a.aggregator = agg
	a.refresher = preference.NewRefresher(a.stores.Interactions, a.stores.Queue, pc.Priority, pc.Lookback, a.now)

	a.recommender = recommend.New(a.stores.Vectors, a.cache, a.modelID,
		recommend.WithTTL(a.cfg.Cache.DefaultTTL),
		recommend.WithMetrics(a.metrics),
		recommend.WithClock(a.now),
	)
	return nil
}

// typeWeights converts configured weights, keeping the built-in weight of
// every type the config does not mention.
func typeWeights(cfg map[string]float64) map[interaction.Type]float64 {
	if len(cfg) == 0 {
		return nil
	}
	out := make(map[interaction.Type]float64, len(preference.DefaultTypeWeights))
	for t, w := range preference.DefaultTypeWeights {
		out[t] = w
	}
	for t, w := range cfg {
		out[interaction.Type(t)] = w
	}
	return out
}

// initWorkers builds the monitoring reporter and the worker pool with one
// handler per task type.
func (a *App) initWorkers() {
	a.reporter = monitor.NewReporter(a.stores.Queue, a.cacheStats,
		monitor.Multi{monitor.LogSink{}, monitor.MetricsSink{Metrics: a.metrics}})

	wc := a.cfg.Workers
	a.pool = worker.New(a.stores.Queue, worker.Config{
		Workers:       wc.Count,
		LeaseDuration: a.cfg.Queue.LeaseDuration,
		PollInterval:  wc.PollInterval,
	}, worker.WithMetrics(a.metrics), worker.WithObserver(a.reporter))

	embedOpts := []worker.EmbeddingOption{
		worker.WithEmbedTimeout(wc.EmbedTimeout),
		worker.WithInvalidation(a.cache),
		worker.WithEmbeddingMetrics(a.metrics),
		worker.WithEmbeddingClock(a.now),
	}
	if wc.RateLimit > 0 {
		embedOpts = append(embedOpts, worker.WithRateLimiter(rate.NewLimiter(rate.Limit(wc.RateLimit), max(wc.RateBurst, 1))))
	}
	a.pool.Register(queue.TaskEmbeddingGeneration, worker.NewEmbeddingHandler(a.models, a.stores.Vectors, a.modelID, embedOpts...))
	a.pool.Register(queue.TaskPreferenceUpdate, worker.NewPreferenceHandler(a.aggregator))
	a.pool.Register(queue.TaskCacheRefresh, worker.NewCacheRefreshHandler(a.cache, a.metrics))
}

// initScheduler registers the periodic sweeps.
func (a *App) initScheduler() error {
	a.scheduler = scheduler.New()
	sc := a.cfg.Schedule
	caches := map[string]cache.Cache{"recommendations": a.cache}
	for _, j := range []scheduler.Job{
		{Name: scheduler.JobReclaim, Spec: sc.ReclaimLeases, Run: scheduler.ReclaimLeases(a.stores.Queue, a.reporter, a.metrics)},
		{Name: scheduler.JobPurge, Spec: sc.PurgeFinished, Run: scheduler.PurgeFinished(a.stores.Queue, a.cfg.Queue.Retention, a.now)},
		{Name: scheduler.JobCacheSweep, Spec: sc.CacheSweep, Run: scheduler.SweepCaches(caches)},
		{Name: scheduler.JobPreferenceRefresh, Spec: sc.PreferenceRefresh, Run: scheduler.Count(scheduler.JobPreferenceRefresh, a.refresher)},
		{Name: scheduler.JobHealthReport, Spec: sc.HealthReport, Run: a.reporter.Report},
	} {
		if err := a.scheduler.Add(j); err != nil {
			return err
		}
	}
	return nil
}

// initHTTP builds the readiness checkers and the ops server.
func (a *App) initHTTP() {
	var checkers []health.Checker
	if a.pinger != nil {
		checkers = append(checkers, health.Store(a.pinger))
	}
	checkers = append(checkers, health.QueueBacklog(a.stores.Queue, a.cfg.Queue.BacklogThreshold))
	if hr, ok := a.providers.Embeddings.(health.HealthReporter); ok {
		checkers = append(checkers, health.Circuit("embeddings", hr))
	}
	a.health = health.New(checkers...)

	mux := http.NewServeMux()
	a.health.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	a.registerReadRoutes(mux)
	a.handler = observe.Middleware(a.metrics)(mux)

	if a.cfg.Server.ListenAddr == "" {
		return
	}
	a.server = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Entities returns the fragrance catalog. Writes to it feed the change
// detector.
func (a *App) Entities() *entity.MemStore { return a.entities }

// Detector returns the change detector.
func (a *App) Detector() *changedetect.Detector { return a.detector }

// Recommender returns the recommendation read service.
func (a *App) Recommender() *recommend.Service { return a.recommender }

// Stores returns the persistence backends.
func (a *App) Stores() Stores { return a.stores }

// Pool returns the worker pool.
func (a *App) Pool() *worker.Pool { return a.pool }

// Scheduler returns the periodic job scheduler.
func (a *App) Scheduler() *scheduler.Scheduler { return a.scheduler }

// Health returns the health handler.
func (a *App) Health() *health.Handler { return a.health }

// Handler returns the ops HTTP handler, also when no listener is configured.
func (a *App) Handler() http.Handler { return a.handler }

// Backfill imports a catalog into the entity store. Every new or changed
// fragrance is enqueued for embedding by the change detector.
func (a *App) Backfill(ctx context.Context, catalog *entity.CatalogFile) (int, error) {
	n, err := entity.ImportCatalog(ctx, a.entities, catalog)
	if err != nil {
		return n, fmt.Errorf("app: backfill: %w", err)
	}
	slog.Info("catalog imported", "catalog", catalog.Catalog.Name, "fragrances", n)
	return n, nil
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the worker pool, the scheduler and the ops server, and blocks
// until ctx is cancelled. Workers finish their in-flight tasks before Run
// returns.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.pool.Run(ctx) })

	a.scheduler.Start()

	if a.server != nil {
		g.Go(func() error {
			slog.Info("ops server listening", "addr", a.server.Addr)
			if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: ops server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			return a.server.Shutdown(shutdownCtx)
		})
	}

	slog.Info("scentvec running", "model", a.modelID, "workers", a.cfg.Workers.Count)
	return g.Wait()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the scheduler and closes all stores. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if a.scheduler != nil {
			if err := a.scheduler.Stop(ctx); err != nil {
				slog.Warn("scheduler stop error", "err", err)
			}
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll releases what New opened before it failed.
func (a *App) closeAll() {
	for _, c := range a.closers {
		_ = c()
	}
	a.closers = nil
}
