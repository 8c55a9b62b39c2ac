//go:build integration

package postgres_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/MrWong99/scentvec/internal/interaction"
	"github.com/MrWong99/scentvec/internal/preference"
	"github.com/MrWong99/scentvec/internal/store/postgres"
	"github.com/MrWong99/scentvec/pkg/queue"
	"github.com/MrWong99/scentvec/pkg/vectorstore"
)

const testDims = 3

var (
	sharedDSN     string
	sharedDSNOnce sync.Once
	sharedDSNErr  error
)

// testDSN returns SCENTVEC_TEST_POSTGRES_DSN, or starts a pgvector container
// shared by all tests in the package.
func testDSN(t *testing.T) string {
	t.Helper()
	if dsn := os.Getenv("SCENTVEC_TEST_POSTGRES_DSN"); dsn != "" {
		return dsn
	}
	sharedDSNOnce.Do(func() {
		ctx := context.Background()
		c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: testcontainers.ContainerRequest{
				Image:        "pgvector/pgvector:pg17",
				ExposedPorts: []string{"5432/tcp"},
				Env: map[string]string{
					"POSTGRES_USER":     "scentvec",
					"POSTGRES_PASSWORD": "scentvec",
					"POSTGRES_DB":       "scentvec",
				},
				WaitingFor: wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(90 * time.Second),
			},
			Started: true,
		})
		if err != nil {
			sharedDSNErr = err
			return
		}
		host, err := c.Host(ctx)
		if err != nil {
			sharedDSNErr = err
			return
		}
		port, err := c.MappedPort(ctx, "5432/tcp")
		if err != nil {
			sharedDSNErr = err
			return
		}
		sharedDSN = fmt.Sprintf("postgres://scentvec:scentvec@%s:%s/scentvec?sslmode=disable", host, port.Port())
	})
	if sharedDSNErr != nil {
		t.Skipf("no PostgreSQL available (set SCENTVEC_TEST_POSTGRES_DSN or run Docker): %v", sharedDSNErr)
	}
	return sharedDSN
}

var resetMu sync.Mutex

// newTestStore drops and recreates the schema, then opens a store. Tests
// using it must not run in parallel.
func newTestStore(t *testing.T, now func() time.Time) *postgres.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	resetMu.Lock()
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		resetMu.Unlock()
		t.Fatalf("connect: %v", err)
	}
	for _, stmt := range []string{
		"DROP TABLE IF EXISTS tasks CASCADE",
		"DROP TABLE IF EXISTS vector_records CASCADE",
		"DROP TABLE IF EXISTS user_preferences CASCADE",
		"DROP TABLE IF EXISTS interactions CASCADE",
	} {
		if _, err := conn.Exec(ctx, stmt); err != nil {
			t.Fatalf("drop schema %q: %v", stmt, err)
		}
	}
	_ = conn.Close(ctx)
	resetMu.Unlock()

	st, err := postgres.Open(ctx, dsn, postgres.Options{
		Dimensions: testDims,
		Models:     vectorstore.StaticDimensions{"m1": testDims},
		EfSearch:   64,
		MaxRetries: 2,
		Backoff:    queue.Backoff{Initial: time.Millisecond, Max: time.Millisecond, Multiplier: 1},
		Now:        now,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(st.Close)
	return st
}

func TestMigrateIsIdempotent(t *testing.T) {
	newTestStore(t, nil)
	conn, err := pgx.Connect(context.Background(), testDSN(t))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer conn.Close(context.Background())
	if err := postgres.Migrate(context.Background(), conn, testDims); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
}

func TestQueue_Lifecycle(t *testing.T) {
	ctx := context.Background()
	q := newTestStore(t, nil).Queue()

	res, err := q.Enqueue(ctx, queue.EnqueueRequest{
		Type:     queue.TaskEmbeddingGeneration,
		Payload:  queue.Payload{EntityID: "e1", Content: "v1", Fingerprint: "fp1"},
		Priority: 5,
	})
	if err != nil || !res.Created {
		t.Fatalf("Enqueue = %+v, %v", res, err)
	}

	// Duplicate while pending refreshes the payload and raises priority.
	dup, err := q.Enqueue(ctx, queue.EnqueueRequest{
		Type:     queue.TaskEmbeddingGeneration,
		Payload:  queue.Payload{EntityID: "e1", Content: "v2", Fingerprint: "fp2"},
		Priority: 1,
	})
	if err != nil || dup.Created || dup.TaskID != res.TaskID {
		t.Fatalf("duplicate Enqueue = %+v, %v", dup, err)
	}

	task, err := q.Claim(ctx, "w1", time.Minute)
	if err != nil || task == nil {
		t.Fatalf("Claim = %v, %v", task, err)
	}
	if task.Payload.Content != "v2" || task.Priority != 1 {
		t.Errorf("claimed task = %+v", task)
	}
	if again, _ := q.Claim(ctx, "w2", time.Minute); again != nil {
		t.Fatalf("second Claim returned %s", again.ID)
	}
	if err := q.Complete(ctx, task.ID, "w2"); !errors.Is(err, queue.ErrLeaseConflict) {
		t.Errorf("Complete by non-owner = %v, want ErrLeaseConflict", err)
	}
	if err := q.Complete(ctx, task.ID, "w1"); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	got, err := q.Get(ctx, task.ID)
	if err != nil || got.Status != queue.StatusCompleted {
		t.Fatalf("Get = %+v, %v", got, err)
	}

	// Completed tasks free the dedup slot.
	next, err := q.Enqueue(ctx, queue.EnqueueRequest{
		Type:    queue.TaskEmbeddingGeneration,
		Payload: queue.Payload{EntityID: "e1", Content: "v3", Fingerprint: "fp3"},
	})
	if err != nil || !next.Created {
		t.Fatalf("Enqueue after completion = %+v, %v", next, err)
	}

	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.ByStatus[queue.StatusCompleted] != 1 || stats.ByStatus[queue.StatusPending] != 1 {
		t.Errorf("stats = %v", stats.ByStatus)
	}
}

func TestQueue_FailAndReclaim(t *testing.T) {
	ctx := context.Background()
	var (
		mu  sync.Mutex
		now = time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}
	q := newTestStore(t, clock).Queue()

	if _, err := q.Enqueue(ctx, queue.EnqueueRequest{
		Type: queue.TaskEmbeddingGeneration, Payload: queue.Payload{EntityID: "e1", Content: "x"},
	}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	task, _ := q.Claim(ctx, "w1", time.Minute)
	failed, err := q.Fail(ctx, task.ID, "w1", queue.Failure{Message: "provider_error: 503"})
	if err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if failed.Status != queue.StatusRetrying || failed.RetryCount != 1 {
		t.Fatalf("after Fail = %s/%d", failed.Status, failed.RetryCount)
	}

	advance(time.Second)
	task, _ = q.Claim(ctx, "w2", time.Minute)
	if task == nil {
		t.Fatal("retrying task not claimable after backoff")
	}
	advance(2 * time.Minute)
	reclaimed, err := q.ReclaimExpiredLeases(ctx)
	if err != nil {
		t.Fatalf("ReclaimExpiredLeases: %v", err)
	}
	if len(reclaimed) != 1 || reclaimed[0].Status != queue.StatusFailed {
		t.Fatalf("reclaimed = %+v", reclaimed)
	}

	advance(48 * time.Hour)
	n, err := q.PurgeFinished(ctx, clock().Add(-24*time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("PurgeFinished = %d, %v", n, err)
	}
}

func TestQueue_ConcurrentClaimsAreExclusive(t *testing.T) {
	ctx := context.Background()
	q := newTestStore(t, nil).Queue()
	const tasks = 30
	for i := range tasks {
		if _, err := q.Enqueue(ctx, queue.EnqueueRequest{
			Type: queue.TaskEmbeddingGeneration, Payload: queue.Payload{EntityID: fmt.Sprintf("e%d", i), Content: "x"},
		}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	var (
		mu   sync.Mutex
		seen = map[string]string{}
		wg   sync.WaitGroup
	)
	for w := range 6 {
		worker := fmt.Sprintf("w%d", w)
		wg.Go(func() {
			for {
				task, err := q.Claim(ctx, worker, time.Minute)
				if err != nil {
					t.Errorf("Claim: %v", err)
					return
				}
				if task == nil {
					return
				}
				mu.Lock()
				if prev, dup := seen[task.ID]; dup {
					t.Errorf("task %s claimed by %s and %s", task.ID, prev, worker)
				}
				seen[task.ID] = worker
				mu.Unlock()
			}
		})
	}
	wg.Wait()
	if len(seen) != tasks {
		t.Errorf("claimed %d tasks, want %d", len(seen), tasks)
	}
}

func TestVectors_UpsertGuardAndSearch(t *testing.T) {
	ctx := context.Background()
	vs := newTestStore(t, nil).Vectors()

	for id, v := range map[string][]float32{"a": {1, 0, 0}, "b": {0.9, 0.1, 0}, "c": {0, 1, 0}} {
		written, err := vs.Upsert(ctx, vectorstore.Record{EntityID: id, Vector: v, ModelID: "m1", ContentFingerprint: "fp-" + id, GeneratedAt: time.Now()})
		if err != nil || !written {
			t.Fatalf("Upsert %s = %v, %v", id, written, err)
		}
	}
	written, err := vs.Upsert(ctx, vectorstore.Record{EntityID: "a", Vector: []float32{0, 0, 1}, ModelID: "m1", ContentFingerprint: "fp-a", GeneratedAt: time.Now()})
	if err != nil || written {
		t.Fatalf("same-fingerprint Upsert = %v, %v; want no write", written, err)
	}
	if _, err := vs.Upsert(ctx, vectorstore.Record{EntityID: "d", Vector: []float32{1, 0}, ModelID: "m1"}); !errors.Is(err, vectorstore.ErrDimensionMismatch) {
		t.Errorf("short vector = %v, want ErrDimensionMismatch", err)
	}

	rec, err := vs.Get(ctx, vectorstore.KindEntity, "a")
	if err != nil || rec.Vector[0] != 1 {
		t.Fatalf("Get = %+v, %v", rec, err)
	}

	matches, err := vs.Search(ctx, vectorstore.Query{
		Vector: []float32{1, 0, 0}, Threshold: 0.6, MaxResults: 5, ExcludeIDs: []string{"a"}, ModelID: "m1",
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(matches) != 1 || matches[0].EntityID != "b" {
		t.Fatalf("matches = %+v", matches)
	}
	if matches[0].Score < 0.99 {
		t.Errorf("score = %v", matches[0].Score)
	}

	if err := vs.Delete(ctx, vectorstore.KindEntity, "b"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := vs.Get(ctx, vectorstore.KindEntity, "b"); !errors.Is(err, vectorstore.ErrNotFound) {
		t.Errorf("Get deleted = %v", err)
	}
}

func TestPreferences_CompareAndSwap(t *testing.T) {
	ctx := context.Background()
	prefs := newTestStore(t, nil).Preferences()
	v := preference.Vector{
		UserID: "u1", ModelID: "m1", Vector: []float32{0, 1, 0}, Strength: 0.1,
		InteractionCount: 2, Mass: 2, RefTime: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	stored, err := prefs.CompareAndSwap(ctx, v, 0)
	if err != nil || stored.Version != 1 {
		t.Fatalf("first CAS = %+v, %v", stored, err)
	}
	if _, err := prefs.CompareAndSwap(ctx, v, 0); !errors.Is(err, preference.ErrVersionConflict) {
		t.Errorf("insert over existing = %v, want conflict", err)
	}
	if _, err := prefs.CompareAndSwap(ctx, v, 5); !errors.Is(err, preference.ErrVersionConflict) {
		t.Errorf("stale version = %v, want conflict", err)
	}
	v.Strength = 0.2
	v.Cursor = interaction.Cursor{Seq: 42}
	v.Pending = []interaction.Event{{
		Seq: 41, UserID: "u1", EntityID: "new", Type: interaction.TypeFavorite,
		OccurredAt: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
	}}
	stored, err = prefs.CompareAndSwap(ctx, v, 1)
	if err != nil || stored.Version != 2 {
		t.Fatalf("second CAS = %+v, %v", stored, err)
	}
	got, err := prefs.Get(ctx, "u1")
	if err != nil || got.Version != 2 || got.Strength != 0.2 || got.Cursor.Seq != 42 {
		t.Fatalf("Get = %+v, %v", got, err)
	}
	if len(got.Pending) != 1 || got.Pending[0].Seq != 41 || got.Pending[0].EntityID != "new" ||
		!got.Pending[0].OccurredAt.Equal(v.Pending[0].OccurredAt) {
		t.Fatalf("Pending = %+v", got.Pending)
	}
	if _, err := prefs.Get(ctx, "nobody"); !errors.Is(err, preference.ErrNotFound) {
		t.Errorf("Get missing = %v", err)
	}
}

func TestInteractions_StreamOrder(t *testing.T) {
	ctx := context.Background()
	src := newTestStore(t, nil).Interactions()
	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	events, err := src.Append(ctx,
		interaction.Event{UserID: "u1", EntityID: "a", Type: interaction.TypeView, OccurredAt: base.Add(2 * time.Hour)},
		interaction.Event{UserID: "u1", EntityID: "b", Type: interaction.TypeFavorite, OccurredAt: base},
		interaction.Event{UserID: "u2", EntityID: "a", Type: interaction.TypeRating, Weight: 0.8, OccurredAt: base.Add(time.Hour)},
	)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if events[0].Seq == 0 || events[1].Seq <= events[0].Seq {
		t.Errorf("seqs = %d, %d", events[0].Seq, events[1].Seq)
	}

	got, err := src.Since(ctx, "u1", interaction.Cursor{}, 0)
	if err != nil || len(got) != 2 || got[0].EntityID != "a" {
		t.Fatalf("Since = %+v, %v; want append order", got, err)
	}
	rest, err := src.Since(ctx, "u1", interaction.CursorOf(got[0]), 10)
	if err != nil || len(rest) != 1 || rest[0].EntityID != "b" {
		t.Fatalf("Since cursor = %+v, %v", rest, err)
	}

	// A late, back-dated event still lands after the cursor.
	if _, err := src.Append(ctx, interaction.Event{
		UserID: "u1", EntityID: "late", Type: interaction.TypeView, OccurredAt: base.Add(-time.Hour),
	}); err != nil {
		t.Fatalf("Append late: %v", err)
	}
	late, err := src.Since(ctx, "u1", interaction.CursorOf(got[1]), 0)
	if err != nil || len(late) != 1 || late[0].EntityID != "late" {
		t.Fatalf("Since after late append = %+v, %v", late, err)
	}

	users, err := src.ActiveUsers(ctx, base.Add(30*time.Minute))
	if err != nil || len(users) != 2 {
		t.Fatalf("ActiveUsers = %v, %v", users, err)
	}
}
