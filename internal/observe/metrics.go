// Package observe provides application-wide observability primitives for
// scentvec: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all scentvec metrics.
const meterName = "github.com/MrWong99/scentvec"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// TaskDuration tracks handler execution time per claimed task. Use with
	// attributes: attribute.String("type", ...), attribute.String("outcome", ...)
	TaskDuration metric.Float64Histogram

	// EmbedDuration tracks embedding provider latency. Use with attributes:
	//   attribute.String("model", ...), attribute.String("status", ...)
	EmbedDuration metric.Float64Histogram

	// SearchDuration tracks similarity search latency. Use with attributes:
	//   attribute.String("kind", ...), attribute.String("status", ...)
	SearchDuration metric.Float64Histogram

	// --- Counters ---

	// TasksEnqueued counts enqueue calls. Use with attributes:
	//   attribute.String("type", ...), attribute.Bool("created", ...)
	TasksEnqueued metric.Int64Counter

	// TasksClaimed counts successful claims by task type.
	TasksClaimed metric.Int64Counter

	// TasksCompleted counts completed tasks by task type.
	TasksCompleted metric.Int64Counter

	// TaskFailures counts failed attempts. Use with attributes:
	//   attribute.String("type", ...), attribute.String("category", ...),
	//   attribute.Bool("terminal", ...)
	TaskFailures metric.Int64Counter

	// LeasesReclaimed counts tasks returned by the lease sweep.
	LeasesReclaimed metric.Int64Counter

	// CacheLookups counts cache reads. Use with attributes:
	//   attribute.String("cache", ...), attribute.String("result", "hit"|"miss")
	CacheLookups metric.Int64Counter

	// CacheInvalidations counts entries removed by tag invalidation. Use with
	// attribute: attribute.String("source", ...)
	CacheInvalidations metric.Int64Counter

	// PreferenceUpdates counts aggregator outcomes by attribute "outcome".
	PreferenceUpdates metric.Int64Counter

	// CircuitTransitions counts breaker state changes. Use with attributes:
	//   attribute.String("name", ...), attribute.String("to", ...)
	CircuitTransitions metric.Int64Counter

	// --- Gauges ---

	// QueueDepth is the number of tasks per status at the last report.
	QueueDepth metric.Int64Gauge

	// FailureRate is the share of finished tasks that failed terminally
	// since the previous report.
	FailureRate metric.Float64Gauge

	// CacheHitRate is the cumulative cache hit rate per tier.
	CacheHitRate metric.Float64Gauge

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks ops server latency. Attributes:
	// method, route, status and, for read endpoints, cache.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) covering
// in-process searches up to slow remote embedding calls.
var latencyBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.TaskDuration, err = m.Float64Histogram("scentvec.task.duration",
		metric.WithDescription("Handler execution time per claimed task."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.EmbedDuration, err = m.Float64Histogram("scentvec.embed.duration",
		metric.WithDescription("Latency of embedding provider calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SearchDuration, err = m.Float64Histogram("scentvec.search.duration",
		metric.WithDescription("Latency of similarity searches."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.TasksEnqueued, err = m.Int64Counter("scentvec.tasks.enqueued",
		metric.WithDescription("Enqueue calls by task type and whether a task was created."),
	); err != nil {
		return nil, err
	}
	if met.TasksClaimed, err = m.Int64Counter("scentvec.tasks.claimed",
		metric.WithDescription("Claimed tasks by task type."),
	); err != nil {
		return nil, err
	}
	if met.TasksCompleted, err = m.Int64Counter("scentvec.tasks.completed",
		metric.WithDescription("Completed tasks by task type."),
	); err != nil {
		return nil, err
	}
	if met.TaskFailures, err = m.Int64Counter("scentvec.tasks.failures",
		metric.WithDescription("Failed task attempts by task type, error category and terminality."),
	); err != nil {
		return nil, err
	}
	if met.LeasesReclaimed, err = m.Int64Counter("scentvec.tasks.leases_reclaimed",
		metric.WithDescription("Tasks whose lease expired and were reclaimed."),
	); err != nil {
		return nil, err
	}
	if met.CacheLookups, err = m.Int64Counter("scentvec.cache.lookups",
		metric.WithDescription("Cache reads by cache name and result."),
	); err != nil {
		return nil, err
	}
	if met.CacheInvalidations, err = m.Int64Counter("scentvec.cache.invalidations",
		metric.WithDescription("Cache entries removed by tag invalidation."),
	); err != nil {
		return nil, err
	}
	if met.PreferenceUpdates, err = m.Int64Counter("scentvec.preference.updates",
		metric.WithDescription("Preference aggregation outcomes."),
	); err != nil {
		return nil, err
	}
	if met.CircuitTransitions, err = m.Int64Counter("scentvec.circuit.transitions",
		metric.WithDescription("Circuit breaker state changes by breaker and target state."),
	); err != nil {
		return nil, err
	}

	// Gauges.
	if met.QueueDepth, err = m.Int64Gauge("scentvec.queue.depth",
		metric.WithDescription("Tasks per status at the last health report."),
	); err != nil {
		return nil, err
	}
	if met.FailureRate, err = m.Float64Gauge("scentvec.tasks.failure_rate",
		metric.WithDescription("Share of finished tasks that failed terminally since the previous report."),
	); err != nil {
		return nil, err
	}
	if met.CacheHitRate, err = m.Float64Gauge("scentvec.cache.hit_rate",
		metric.WithDescription("Cumulative cache hit rate per tier."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("scentvec.http.request.duration",
		metric.WithDescription("HTTP request latency by method, route, status and cache outcome."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordEnqueue records an enqueue call.
func (m *Metrics) RecordEnqueue(ctx context.Context, taskType string, created bool) {
	m.TasksEnqueued.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", taskType),
		attribute.Bool("created", created),
	))
}

// RecordClaim records a successful claim.
func (m *Metrics) RecordClaim(ctx context.Context, taskType string) {
	m.TasksClaimed.Add(ctx, 1, metric.WithAttributes(attribute.String("type", taskType)))
}

// RecordTaskCompleted records a completed task and its handler duration.
func (m *Metrics) RecordTaskCompleted(ctx context.Context, taskType string, d time.Duration) {
	m.TasksCompleted.Add(ctx, 1, metric.WithAttributes(attribute.String("type", taskType)))
	m.TaskDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("type", taskType),
		attribute.String("outcome", "completed"),
	))
}

// RecordTaskFailed records a failed attempt and its handler duration.
func (m *Metrics) RecordTaskFailed(ctx context.Context, taskType, category string, terminal bool, d time.Duration) {
	m.TaskFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", taskType),
		attribute.String("category", category),
		attribute.Bool("terminal", terminal),
	))
	m.TaskDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("type", taskType),
		attribute.String("outcome", "failed"),
	))
}

// RecordLeasesReclaimed records tasks returned by the lease sweep, split by
// whether the reclaim exhausted their attempts.
func (m *Metrics) RecordLeasesReclaimed(ctx context.Context, requeued, failed int) {
	if requeued > 0 {
		m.LeasesReclaimed.Add(ctx, int64(requeued), metric.WithAttributes(attribute.Bool("terminal", false)))
	}
	if failed > 0 {
		m.LeasesReclaimed.Add(ctx, int64(failed), metric.WithAttributes(attribute.Bool("terminal", true)))
	}
}

// RecordEmbed records one embedding call.
func (m *Metrics) RecordEmbed(ctx context.Context, model, status string, d time.Duration) {
	m.EmbedDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("model", model),
		attribute.String("status", status),
	))
}

// RecordSearch records one similarity search.
func (m *Metrics) RecordSearch(ctx context.Context, kind, status string, d time.Duration) {
	m.SearchDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("status", status),
	))
}

// RecordCacheLookup records a cache read.
func (m *Metrics) RecordCacheLookup(ctx context.Context, cacheName string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.Add(ctx, 1, metric.WithAttributes(
		attribute.String("cache", cacheName),
		attribute.String("result", result),
	))
}

// RecordCacheInvalidation records n entries removed by a tag invalidation.
func (m *Metrics) RecordCacheInvalidation(ctx context.Context, source string, n int) {
	m.CacheInvalidations.Add(ctx, int64(n), metric.WithAttributes(attribute.String("source", source)))
}

// RecordPreferenceUpdate records an aggregator outcome.
func (m *Metrics) RecordPreferenceUpdate(ctx context.Context, outcome string) {
	m.PreferenceUpdates.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordCircuitTransition records a breaker state change.
func (m *Metrics) RecordCircuitTransition(ctx context.Context, name, to string) {
	m.CircuitTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("name", name),
		attribute.String("to", to),
	))
}

// RecordQueueDepth sets the queue depth gauge for every status in counts.
func (m *Metrics) RecordQueueDepth(ctx context.Context, counts map[string]int) {
	for status, n := range counts {
		m.QueueDepth.Record(ctx, int64(n), metric.WithAttributes(attribute.String("status", status)))
	}
}

// RecordHealth sets the failure-rate and per-tier cache hit-rate gauges.
func (m *Metrics) RecordHealth(ctx context.Context, failureRate float64, hitRates map[string]float64) {
	m.FailureRate.Record(ctx, failureRate)
	for tier, r := range hitRates {
		m.CacheHitRate.Record(ctx, r, metric.WithAttributes(attribute.String("tier", tier)))
	}
}
