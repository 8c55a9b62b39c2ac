// Package worker runs the pool of concurrent task consumers.
//
// Each worker loops claim → handle → complete/fail against a [queue.Queue].
// Workers share nothing but the queue: all coordination happens through its
// atomic Claim. A handler error is classified (see [Classify]) and the task
// failed with a categorised message; permanent failures skip the remaining
// retries.
//
// Shutdown is a drain: once the Run context is cancelled no new tasks are
// claimed, and tasks already in flight finish under their lease deadline.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/scentvec/internal/observe"
	"github.com/MrWong99/scentvec/pkg/queue"
)

// Handler executes one claimed task. Handlers must be safe to repeat: a
// task may run more than once after a lease expiry or a retry.
type Handler interface {
	Handle(ctx context.Context, t *queue.Task) error
}

// HandlerFunc adapts a function to [Handler].
type HandlerFunc func(ctx context.Context, t *queue.Task) error

// Handle implements [Handler].
func (f HandlerFunc) Handle(ctx context.Context, t *queue.Task) error { return f(ctx, t) }

// Observer is told about every finished attempt. TaskFailed receives the
// task in its post-failure state, so observers can tell retries from
// terminal failures by its Status.
type Observer interface {
	TaskCompleted(ctx context.Context, t *queue.Task)
	TaskFailed(ctx context.Context, t *queue.Task)
}

// Config sizes and paces the pool.
type Config struct {
	// Workers is the number of concurrent consumers. Default: 4.
	Workers int

	// LeaseDuration is requested on every claim and also bounds handler
	// execution. Default: 5m.
	LeaseDuration time.Duration

	// PollInterval is how long an idle worker waits before claiming again.
	// Default: 1s.
	PollInterval time.Duration

	// IDPrefix prefixes worker IDs. Default: the host name.
	IDPrefix string
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = 5 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.IDPrefix == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "worker"
		}
		c.IDPrefix = host
	}
}

// Option configures a [Pool].
type Option func(*Pool)

// WithMetrics sets the metrics recorder. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pool) { p.metrics = m }
}

// WithObserver registers an observer of finished attempts.
func WithObserver(o Observer) Option {
	return func(p *Pool) { p.observer = o }
}

// Pool is a fixed-size set of workers consuming one queue.
type Pool struct {
	queue    queue.Queue
	cfg      Config
	metrics  *observe.Metrics
	observer Observer

	mu       sync.RWMutex
	handlers map[queue.TaskType]Handler
}

// New creates a Pool. Handlers are added with [Pool.Register].
func New(q queue.Queue, cfg Config, opts ...Option) *Pool {
	cfg.applyDefaults()
	p := &Pool{
		queue:    q,
		cfg:      cfg,
		handlers: make(map[queue.TaskType]Handler),
	}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	return p
}

// Register sets the handler for tasks of type tt, replacing any previous one.
func (p *Pool) Register(tt queue.TaskType, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[tt] = h
}

func (p *Pool) handler(tt queue.TaskType) (Handler, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	h, ok := p.handlers[tt]
	return h, ok
}

// Run starts the workers and blocks until ctx is cancelled and every
// in-flight task has finished. It returns nil on a normal shutdown.
func (p *Pool) Run(ctx context.Context) error {
	slog.Info("worker pool starting", "workers", p.cfg.Workers, "lease", p.cfg.LeaseDuration)
	g, gctx := errgroup.WithContext(ctx)
	for i := range p.cfg.Workers {
		id := p.cfg.IDPrefix + "-" + strconv.Itoa(i)
		g.Go(func() error {
			p.loop(gctx, id)
			return nil
		})
	}
	err := g.Wait()
	slog.Info("worker pool stopped")
	return err
}

func (p *Pool) loop(ctx context.Context, workerID string) {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		processed, err := p.ProcessOne(ctx, workerID)
		if err != nil && ctx.Err() == nil {
			slog.Warn("worker: process task", "worker", workerID, "err", err)
		}
		// Keep draining while there is work; back off when idle or failing.
		if processed && err == nil {
			timer.Reset(0)
		} else {
			timer.Reset(p.cfg.PollInterval)
		}
	}
}

// ProcessOne claims and runs at most one task as workerID. It reports
// whether a task was claimed. Handler failures are recorded on the task and
// are not returned; the error covers queue access only.
func (p *Pool) ProcessOne(ctx context.Context, workerID string) (bool, error) {
	t, err := p.queue.Claim(ctx, workerID, p.cfg.LeaseDuration)
	if err != nil {
		return false, fmt.Errorf("worker: claim: %w", err)
	}
	if t == nil {
		return false, nil
	}
	p.metrics.RecordClaim(ctx, string(t.Type))

	// In-flight work outlives shutdown but never its lease.
	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.LeaseDuration)
	defer cancel()

	runCtx, span := observe.StartSpan(runCtx, "worker.task", trace.WithAttributes(
		attribute.String("task.id", t.ID),
		attribute.String("task.type", string(t.Type)),
		attribute.String("entity.id", t.Payload.EntityID),
		attribute.Int("task.retry_count", t.RetryCount),
	))
	defer span.End()

	start := time.Now()
	herr := p.run(runCtx, t)
	elapsed := time.Since(start)

	if herr == nil {
		if err := p.queue.Complete(runCtx, t.ID, workerID); err != nil {
			return true, p.lostLease(runCtx, t, workerID, err)
		}
		p.metrics.RecordTaskCompleted(runCtx, string(t.Type), elapsed)
		if p.observer != nil {
			done := t.Clone()
			done.Status = queue.StatusCompleted
			p.observer.TaskCompleted(runCtx, done)
		}
		observe.Logger(runCtx).Debug("task completed", "task_id", t.ID, "type", string(t.Type), "duration", elapsed)
		return true, nil
	}

	observe.FailSpan(span, herr)
	cat, permanent := Classify(herr)
	updated, err := p.queue.Fail(runCtx, t.ID, workerID, queue.Failure{
		Message:   string(cat) + ": " + herr.Error(),
		Permanent: permanent,
	})
	if err != nil {
		return true, p.lostLease(runCtx, t, workerID, err)
	}
	terminal := updated.Status == queue.StatusFailed
	p.metrics.RecordTaskFailed(runCtx, string(t.Type), string(cat), terminal, elapsed)
	if p.observer != nil {
		p.observer.TaskFailed(runCtx, updated)
	}
	observe.Logger(runCtx).Warn("task failed",
		"task_id", t.ID,
		"type", string(t.Type),
		"entity_id", t.Payload.EntityID,
		"category", string(cat),
		"permanent", permanent,
		"status", string(updated.Status),
		"retry_count", updated.RetryCount,
		"err", herr,
	)
	return true, nil
}

func (p *Pool) run(ctx context.Context, t *queue.Task) (err error) {
	h, ok := p.handler(t.Type)
	if !ok {
		return fmt.Errorf("%w: no handler for task type %q", queue.ErrInvalidTask, t.Type)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker: handler panic: %v", r)
		}
	}()
	return h.Handle(ctx, t)
}

// lostLease handles a Complete or Fail rejected by the queue. A lost lease
// means another worker now owns the task; the result of this attempt is
// discarded.
func (p *Pool) lostLease(ctx context.Context, t *queue.Task, workerID string, err error) error {
	if errors.Is(err, queue.ErrLeaseExpired) || errors.Is(err, queue.ErrLeaseConflict) {
		observe.Logger(ctx).Warn("task lease lost, result discarded",
			"task_id", t.ID, "worker", workerID, "err", err)
		return nil
	}
	return fmt.Errorf("worker: record result of %s: %w", t.ID, err)
}
