// Package memqueue provides an in-process [queue.Queue].
//
// It implements the full claim/lease protocol behind a single mutex and is
// used by tests, the single-binary development mode, and as the reference
// behaviour the PostgreSQL backend is tested against. State is lost on
// restart.
package memqueue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/scentvec/pkg/queue"
)

type dedupKey struct {
	typ      queue.TaskType
	entityID string
}

// Option configures a [Queue].
type Option func(*Queue)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithMaxRetries sets the default attempt budget for new tasks.
func WithMaxRetries(n int) Option {
	return func(q *Queue) { q.maxRetries = n }
}

// WithBackoff sets the retry delay policy.
func WithBackoff(b queue.Backoff) Option {
	return func(q *Queue) { q.backoff = b }
}

// WithIDGenerator overrides task ID generation.
func WithIDGenerator(gen func() string) Option {
	return func(q *Queue) { q.newID = gen }
}

// Queue is a thread-safe in-memory task queue.
type Queue struct {
	mu     sync.Mutex
	tasks  map[string]*queue.Task
	active map[dedupKey]string

	now        func() time.Time
	newID      func() string
	maxRetries int
	backoff    queue.Backoff
}

var _ queue.Queue = (*Queue)(nil)

// New returns an empty Queue.
func New(opts ...Option) *Queue {
	q := &Queue{
		tasks:      make(map[string]*queue.Task),
		active:     make(map[dedupKey]string),
		now:        time.Now,
		newID:      uuid.NewString,
		maxRetries: queue.DefaultMaxRetries,
		backoff:    queue.DefaultBackoff,
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Enqueue implements [queue.Queue].
func (q *Queue) Enqueue(_ context.Context, req queue.EnqueueRequest) (queue.EnqueueResult, error) {
	if err := req.Validate(); err != nil {
		return queue.EnqueueResult{}, fmt.Errorf("memqueue: enqueue: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	k := dedupKey{typ: req.Type, entityID: req.Payload.EntityID}
	if id, ok := q.active[k]; ok {
		queue.MergeDuplicate(q.tasks[id], req)
		return queue.EnqueueResult{TaskID: id}, nil
	}

	t := queue.NewTask(q.newID(), req, q.maxRetries, q.now())
	q.tasks[t.ID] = t
	q.active[k] = t.ID
	return queue.EnqueueResult{TaskID: t.ID, Created: true}, nil
}

// Claim implements [queue.Queue].
func (q *Queue) Claim(_ context.Context, workerID string, lease time.Duration) (*queue.Task, error) {
	if workerID == "" {
		return nil, fmt.Errorf("memqueue: claim: %w: empty worker id", queue.ErrInvalidTask)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var best *queue.Task
	for _, t := range q.tasks {
		if !queue.Eligible(t, now) {
			continue
		}
		if best == nil || queue.ClaimOrder(t, best) < 0 {
			best = t
		}
	}
	if best == nil {
		return nil, nil
	}
	queue.ApplyClaim(best, workerID, lease, now)
	return best.Clone(), nil
}

// Complete implements [queue.Queue].
func (q *Queue) Complete(_ context.Context, taskID, workerID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, err := q.leased(taskID, workerID)
	if err != nil {
		return fmt.Errorf("memqueue: complete: %w", err)
	}
	queue.ApplyComplete(t, q.now())
	if t.Status.IsTerminal() {
		q.release(t)
	}
	return nil
}

// Fail implements [queue.Queue].
func (q *Queue) Fail(_ context.Context, taskID, workerID string, f queue.Failure) (*queue.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, err := q.leased(taskID, workerID)
	if err != nil {
		return nil, fmt.Errorf("memqueue: fail: %w", err)
	}
	queue.ApplyFailure(t, f, q.now(), q.backoff)
	if t.Status.IsTerminal() {
		q.release(t)
	}
	return t.Clone(), nil
}

// ReclaimExpiredLeases implements [queue.Queue].
func (q *Queue) ReclaimExpiredLeases(_ context.Context) ([]*queue.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var out []*queue.Task
	for _, t := range q.tasks {
		if !queue.LeaseExpired(t, now) {
			continue
		}
		queue.ApplyLeaseExpiry(t, now)
		if t.Status.IsTerminal() {
			q.release(t)
		}
		out = append(out, t.Clone())
	}
	return out, nil
}

// PurgeFinished implements [queue.Queue].
func (q *Queue) PurgeFinished(_ context.Context, cutoff time.Time) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for id, t := range q.tasks {
		if queue.Finished(t, cutoff) {
			delete(q.tasks, id)
			n++
		}
	}
	return n, nil
}

// Get implements [queue.Queue].
func (q *Queue) Get(_ context.Context, taskID string) (*queue.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("memqueue: get %s: %w", taskID, queue.ErrNotFound)
	}
	return t.Clone(), nil
}

// Stats implements [queue.Queue].
func (q *Queue) Stats(_ context.Context) (queue.Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := queue.Stats{ByStatus: make(map[queue.Status]int, 5)}
	for _, t := range q.tasks {
		s.ByStatus[t.Status]++
	}
	return s, nil
}

// leased returns the task if workerID holds its live lease. Caller holds q.mu.
func (q *Queue) leased(taskID, workerID string) (*queue.Task, error) {
	t, ok := q.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", taskID, queue.ErrNotFound)
	}
	if err := queue.CheckLease(t, workerID, q.now()); err != nil {
		return nil, err
	}
	return t, nil
}

// release drops the dedup slot of a terminal task. Caller holds q.mu.
func (q *Queue) release(t *queue.Task) {
	k := dedupKey{typ: t.Type, entityID: t.Payload.EntityID}
	if q.active[k] == t.ID {
		delete(q.active, k)
	}
}
