// Package monitor surfaces terminal task failures and aggregate health
// signals (queue depth, failure rate, cache hit rate) to external sinks.
//
// This core does not define a transport for monitoring data. [Sink]
// implementations decide where it goes: [LogSink] writes structured logs,
// [MetricsSink] records OpenTelemetry gauges, and [Multi] fans out.
package monitor

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/scentvec/internal/observe"
	"github.com/MrWong99/scentvec/pkg/cache"
	"github.com/MrWong99/scentvec/pkg/queue"
)

// Snapshot is one aggregate health report.
type Snapshot struct {
	At time.Time

	// QueueDepth counts tasks per status.
	QueueDepth map[queue.Status]int

	// Completed and Failed count tasks that finished since the previous
	// snapshot. Failed counts terminal failures only.
	Completed int
	Failed    int

	// FailureRate is Failed / (Completed + Failed), or 0 when nothing
	// finished.
	FailureRate float64

	// CacheHitRate is the cumulative hit rate per named cache tier.
	CacheHitRate map[string]float64
}

// Sink receives monitoring data. Implementations must be safe for
// concurrent use.
type Sink interface {
	// TaskFailed is called once for every task that reaches the failed
	// state.
	TaskFailed(ctx context.Context, t *queue.Task)

	// Report receives a periodic health snapshot.
	Report(ctx context.Context, s Snapshot)
}

// Multi fans out to every sink in order.
type Multi []Sink

// TaskFailed implements [Sink].
func (m Multi) TaskFailed(ctx context.Context, t *queue.Task) {
	for _, s := range m {
		s.TaskFailed(ctx, t)
	}
}

// Report implements [Sink].
func (m Multi) Report(ctx context.Context, snap Snapshot) {
	for _, s := range m {
		s.Report(ctx, snap)
	}
}

// LogSink writes monitoring data through slog.
type LogSink struct{}

// TaskFailed implements [Sink].
func (LogSink) TaskFailed(ctx context.Context, t *queue.Task) {
	observe.Logger(ctx).Error("task failed permanently",
		"task_id", t.ID,
		"type", string(t.Type),
		"entity_id", t.Payload.EntityID,
		"retry_count", t.RetryCount,
		"max_retries", t.MaxRetries,
		"error", t.ErrorMessage,
	)
}

// Report implements [Sink].
func (LogSink) Report(ctx context.Context, s Snapshot) {
	attrs := []any{
		"completed", s.Completed,
		"failed", s.Failed,
		"failure_rate", s.FailureRate,
	}
	for _, st := range queue.Statuses() {
		attrs = append(attrs, "queue_"+string(st), s.QueueDepth[st])
	}
	for _, tier := range slices.Sorted(maps.Keys(s.CacheHitRate)) {
		attrs = append(attrs, "cache_hit_rate_"+tier, s.CacheHitRate[tier])
	}
	observe.Logger(ctx).Info("health report", attrs...)
}

// MetricsSink records monitoring data as OpenTelemetry metrics.
type MetricsSink struct {
	Metrics *observe.Metrics
}

// TaskFailed implements [Sink]. The terminal failure itself is counted by
// the worker pool; nothing is recorded here.
func (MetricsSink) TaskFailed(context.Context, *queue.Task) {}

// Report implements [Sink].
func (m MetricsSink) Report(ctx context.Context, s Snapshot) {
	depth := make(map[string]int, len(s.QueueDepth))
	for _, st := range queue.Statuses() {
		depth[string(st)] = s.QueueDepth[st]
	}
	m.Metrics.RecordQueueDepth(ctx, depth)
	m.Metrics.RecordHealth(ctx, s.FailureRate, s.CacheHitRate)
}

// Reporter counts finished tasks and builds [Snapshot]s. It forwards
// terminal failures to its sink as they happen.
type Reporter struct {
	queue  queue.Queue
	caches map[string]cache.StatsReporter
	sink   Sink
	now    func() time.Time

	mu        sync.Mutex
	completed int
	failed    int
	reported  map[string]struct{}
}

// NewReporter returns a Reporter reading queue stats from q and hit rates
// from caches, keyed by tier name.
func NewReporter(q queue.Queue, caches map[string]cache.StatsReporter, sink Sink) *Reporter {
	if sink == nil {
		sink = LogSink{}
	}
	return &Reporter{
		queue:    q,
		caches:   caches,
		sink:     sink,
		now:      time.Now,
		reported: make(map[string]struct{}),
	}
}

// TaskCompleted records a completed task.
func (r *Reporter) TaskCompleted(_ context.Context, _ *queue.Task) {
	r.mu.Lock()
	r.completed++
	r.mu.Unlock()
}

// TaskFailed records a failed attempt. Only tasks in the failed state are
// counted and forwarded, and each task at most once.
func (r *Reporter) TaskFailed(ctx context.Context, t *queue.Task) {
	if t == nil || t.Status != queue.StatusFailed {
		return
	}
	r.mu.Lock()
	if _, dup := r.reported[t.ID]; dup {
		r.mu.Unlock()
		return
	}
	r.reported[t.ID] = struct{}{}
	r.failed++
	r.mu.Unlock()
	r.sink.TaskFailed(ctx, t)
}

// Collect builds a snapshot and resets the finished-task counters.
func (r *Reporter) Collect(ctx context.Context) (Snapshot, error) {
	stats, err := r.queue.Stats(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("monitor: queue stats: %w", err)
	}

	r.mu.Lock()
	completed, failed := r.completed, r.failed
	r.completed, r.failed = 0, 0
	clear(r.reported)
	r.mu.Unlock()

	s := Snapshot{
		At:           r.now(),
		QueueDepth:   make(map[queue.Status]int, len(stats.ByStatus)),
		Completed:    completed,
		Failed:       failed,
		CacheHitRate: make(map[string]float64, len(r.caches)),
	}
	maps.Copy(s.QueueDepth, stats.ByStatus)
	if total := completed + failed; total > 0 {
		s.FailureRate = float64(failed) / float64(total)
	}
	for name, c := range r.caches {
		s.CacheHitRate[name] = c.Stats().HitRate()
	}
	return s, nil
}

// Report collects a snapshot and sends it to the sink.
func (r *Reporter) Report(ctx context.Context) error {
	s, err := r.Collect(ctx)
	if err != nil {
		return err
	}
	r.sink.Report(ctx, s)
	return nil
}
