package worker_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/scentvec/internal/worker"
	"github.com/MrWong99/scentvec/pkg/provider/embeddings"
	"github.com/MrWong99/scentvec/pkg/queue"
	"github.com/MrWong99/scentvec/pkg/queue/memqueue"
	"github.com/MrWong99/scentvec/pkg/vectorstore"
)

var noDelay = queue.Backoff{Initial: time.Nanosecond, Max: time.Nanosecond, Multiplier: 1}

type recordingObserver struct {
	mu        sync.Mutex
	completed []string
	failed    []*queue.Task
}

func (o *recordingObserver) TaskCompleted(_ context.Context, t *queue.Task) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.completed = append(o.completed, t.ID)
}

func (o *recordingObserver) TaskFailed(_ context.Context, t *queue.Task) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failed = append(o.failed, t)
}

func enqueue(t *testing.T, q queue.Queue, tt queue.TaskType, entityID string) string {
	t.Helper()
	res, err := q.Enqueue(context.Background(), queue.EnqueueRequest{
		Type:    tt,
		Payload: queue.Payload{EntityID: entityID, Content: "oud, rose", Fingerprint: "fp-" + entityID},
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return res.TaskID
}

func TestProcessOne_EmptyQueue(t *testing.T) {
	t.Parallel()
	p := worker.New(memqueue.New(), worker.Config{Workers: 1})
	processed, err := p.ProcessOne(context.Background(), "w")
	if err != nil || processed {
		t.Fatalf("ProcessOne = %v, %v; want false, nil", processed, err)
	}
}

func TestProcessOne_Outcomes(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name        string
		handlerErr  error
		register    bool
		wantStatus  queue.Status
		wantRetries int
		wantMsg     string
	}{
		{name: "success", register: true, wantStatus: queue.StatusCompleted},
		{
			name:        "transient",
			register:    true,
			handlerErr:  embeddings.Classify(context.Background(), errors.New("503")),
			wantStatus:  queue.StatusRetrying,
			wantRetries: 1,
			wantMsg:     "provider_error: ",
		},
		{
			name:        "permanent",
			register:    true,
			handlerErr:  fmt.Errorf("embed: %w", vectorstore.ErrDimensionMismatch),
			wantStatus:  queue.StatusFailed,
			wantRetries: 3,
			wantMsg:     "dimension_mismatch: ",
		},
		{
			name:        "no handler",
			wantStatus:  queue.StatusFailed,
			wantRetries: 3,
			wantMsg:     "invalid_task: ",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			q := memqueue.New(memqueue.WithMaxRetries(3), memqueue.WithBackoff(noDelay))
			obs := &recordingObserver{}
			p := worker.New(q, worker.Config{Workers: 1}, worker.WithObserver(obs))
			if tt.register {
				p.Register(queue.TaskEmbeddingGeneration, worker.HandlerFunc(func(context.Context, *queue.Task) error {
					return tt.handlerErr
				}))
			}
			id := enqueue(t, q, queue.TaskEmbeddingGeneration, "e1")

			processed, err := p.ProcessOne(ctx, "w1")
			if err != nil || !processed {
				t.Fatalf("ProcessOne = %v, %v", processed, err)
			}
			got, err := q.Get(ctx, id)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if got.Status != tt.wantStatus || got.RetryCount != tt.wantRetries {
				t.Errorf("status/retries = %s/%d, want %s/%d", got.Status, got.RetryCount, tt.wantStatus, tt.wantRetries)
			}
			if !strings.HasPrefix(got.ErrorMessage, tt.wantMsg) {
				t.Errorf("ErrorMessage = %q, want prefix %q", got.ErrorMessage, tt.wantMsg)
			}
			if tt.wantStatus == queue.StatusCompleted {
				if len(obs.completed) != 1 || len(obs.failed) != 0 {
					t.Errorf("observer completed=%d failed=%d", len(obs.completed), len(obs.failed))
				}
			} else if len(obs.failed) != 1 || obs.failed[0].Status != tt.wantStatus {
				t.Errorf("observer failed = %v", obs.failed)
			}
		})
	}
}

func TestProcessOne_PanicBecomesFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := memqueue.New(memqueue.WithBackoff(noDelay))
	p := worker.New(q, worker.Config{Workers: 1})
	p.Register(queue.TaskEmbeddingGeneration, worker.HandlerFunc(func(context.Context, *queue.Task) error {
		panic("boom")
	}))
	id := enqueue(t, q, queue.TaskEmbeddingGeneration, "e1")
	if _, err := p.ProcessOne(ctx, "w1"); err != nil {
		t.Fatalf("ProcessOne: %v", err)
	}
	got, _ := q.Get(ctx, id)
	if got.Status != queue.StatusRetrying || !strings.Contains(got.ErrorMessage, "panic") {
		t.Errorf("task = %s %q, want retrying with panic message", got.Status, got.ErrorMessage)
	}
}

func TestProcessOne_RetriesUntilFailed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := memqueue.New(memqueue.WithMaxRetries(3), memqueue.WithBackoff(noDelay))
	p := worker.New(q, worker.Config{Workers: 1})
	var calls atomic.Int32
	p.Register(queue.TaskEmbeddingGeneration, worker.HandlerFunc(func(context.Context, *queue.Task) error {
		calls.Add(1)
		return errors.New("flaky")
	}))
	id := enqueue(t, q, queue.TaskEmbeddingGeneration, "poison")

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		got, _ := q.Get(ctx, id)
		if got.Status == queue.StatusFailed {
			break
		}
		if _, err := p.ProcessOne(ctx, "w1"); err != nil {
			t.Fatalf("ProcessOne: %v", err)
		}
	}
	got, _ := q.Get(ctx, id)
	if got.Status != queue.StatusFailed || got.RetryCount != 3 {
		t.Fatalf("task = %s retry=%d, want failed retry=3", got.Status, got.RetryCount)
	}
	if calls.Load() != 3 {
		t.Errorf("handler calls = %d, want 3", calls.Load())
	}
}

func TestRun_DrainsQueueConcurrently(t *testing.T) {
	t.Parallel()
	q := memqueue.New()
	p := worker.New(q, worker.Config{Workers: 4, PollInterval: 5 * time.Millisecond, IDPrefix: "test"})

	var (
		mu   sync.Mutex
		seen = map[string]int{}
	)
	p.Register(queue.TaskEmbeddingGeneration, worker.HandlerFunc(func(_ context.Context, task *queue.Task) error {
		mu.Lock()
		seen[task.Payload.EntityID]++
		mu.Unlock()
		return nil
	}))
	const n = 40
	for i := range n {
		enqueue(t, q, queue.TaskEmbeddingGeneration, fmt.Sprintf("e%d", i))
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for {
		stats, err := q.Stats(context.Background())
		if err != nil {
			t.Fatalf("Stats: %v", err)
		}
		if stats.ByStatus[queue.StatusCompleted] == n {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out, stats = %v", stats.ByStatus)
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != n {
		t.Fatalf("handled %d entities, want %d", len(seen), n)
	}
	for id, c := range seen {
		if c != 1 {
			t.Errorf("%s handled %d times", id, c)
		}
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	t.Parallel()
	p := worker.New(memqueue.New(), worker.Config{Workers: 2, PollInterval: time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
