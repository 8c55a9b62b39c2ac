// Package postgres is the PostgreSQL backend for the task queue, the vector
// store, the preference store and the interaction stream.
//
// All four share one [pgxpool.Pool]. Vector columns use the pgvector
// extension with an HNSW cosine index; [Migrate] installs the extension and
// schema idempotently.
//
// Usage:
//
//	st, err := postgres.Open(ctx, dsn, postgres.Options{Dimensions: 1536, Models: set})
//	if err != nil { … }
//	defer st.Close()
//
//	q := st.Queue()          // queue.Queue
//	vs := st.Vectors()       // vectorstore.Store
//	prefs := st.Preferences() // preference.Store
//	events := st.Interactions() // interaction.Source
package postgres

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/MrWong99/scentvec/pkg/queue"
	"github.com/MrWong99/scentvec/pkg/vectorstore"
)

// DB is the database handle used by the stores. *pgxpool.Pool satisfies it.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Options configure [Open].
type Options struct {
	// Dimensions is the width of every vector column. It is fixed at first
	// migration; changing it later needs a manual schema change.
	Dimensions int

	// Models resolves per-model dimensions for write and query validation.
	// Default: every model is assumed to produce Dimensions values.
	Models vectorstore.Dimensions

	// EfSearch sets hnsw.ef_search on every connection when > 0. Higher
	// values trade latency for recall.
	EfSearch int

	// MaxRetries is the queue's default attempt budget.
	MaxRetries int

	// Backoff is the queue's retry delay policy.
	Backoff queue.Backoff

	// SkipMigrate disables running [Migrate] on open.
	SkipMigrate bool

	// Now overrides the time source of the queue.
	Now func() time.Time
}

// Store owns the pool and hands out the individual stores.
type Store struct {
	pool *pgxpool.Pool

	queue        *Queue
	vectors      *VectorStore
	preferences  *PreferenceStore
	interactions *InteractionSource
}

// Open connects to dsn, registers the pgvector types on every connection,
// and migrates the schema unless opts.SkipMigrate is set.
func Open(ctx context.Context, dsn string, opts Options) (*Store, error) {
	if opts.Dimensions <= 0 {
		return nil, fmt.Errorf("postgres store: dimensions must be positive, got %d", opts.Dimensions)
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		if err := pgxvec.RegisterTypes(ctx, conn); err != nil {
			return err
		}
		if opts.EfSearch > 0 {
			if _, err := conn.Exec(ctx, "SET hnsw.ef_search = "+strconv.Itoa(opts.EfSearch)); err != nil {
				return fmt.Errorf("set hnsw.ef_search: %w", err)
			}
		}
		return nil
	}

	if !opts.SkipMigrate {
		// The extension must exist before AfterConnect can register its types.
		if err := bootstrap(ctx, dsn, opts.Dimensions); err != nil {
			return nil, err
		}
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}
	return New(pool, opts), nil
}

func bootstrap(ctx context.Context, dsn string, dims int) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return fmt.Errorf("postgres store: connect: %w", err)
	}
	defer conn.Close(ctx)
	if err := Migrate(ctx, conn, dims); err != nil {
		return fmt.Errorf("postgres store: %w", err)
	}
	return nil
}

// New wraps an existing pool. The schema must already exist and the pool
// must register pgvector types on connect.
func New(pool *pgxpool.Pool, opts Options) *Store {
	dims := opts.Models
	if dims == nil {
		dims = anyModel(opts.Dimensions)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	if opts.Backoff == (queue.Backoff{}) {
		opts.Backoff = queue.DefaultBackoff
	}
	return &Store{
		pool: pool,
		queue: &Queue{
			db:         pool,
			now:        now,
			maxRetries: opts.MaxRetries,
			backoff:    opts.Backoff,
		},
		vectors:      &VectorStore{db: pool, dims: dims},
		preferences:  &PreferenceStore{db: pool},
		interactions: &InteractionSource{db: pool},
	}
}

// Queue returns the task queue.
func (s *Store) Queue() *Queue { return s.queue }

// Vectors returns the vector store.
func (s *Store) Vectors() *VectorStore { return s.vectors }

// Preferences returns the preference vector store.
func (s *Store) Preferences() *PreferenceStore { return s.preferences }

// Interactions returns the interaction stream.
func (s *Store) Interactions() *InteractionSource { return s.interactions }

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all pooled connections.
func (s *Store) Close() {
	s.pool.Close()
}

// anyModel reports the same dimension for every model ID.
type anyModel int

func (d anyModel) Dimension(string) (int, bool) { return int(d), true }

// nullTime maps the zero time to SQL NULL.
func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func fromNull(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}
