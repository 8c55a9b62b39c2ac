package observe

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// useTracer installs an in-memory tracer provider as the global one for the
// duration of the test.
func useTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(orig)
		_ = tp.Shutdown(context.Background())
	})
	return exp
}

// captureLogs redirects the default logger into a buffer.
func captureLogs(t *testing.T) *strings.Builder {
	t.Helper()
	var buf strings.Builder
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(orig) })
	return &buf
}

func TestCorrelationID(t *testing.T) {
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID(background) = %q, want empty", got)
	}

	useTracer(t)
	seen := map[string]bool{}
	for range 50 {
		ctx, span := StartSpan(context.Background(), "worker.task")
		cid := CorrelationID(ctx)
		span.End()
		if len(cid) != 32 || strings.Trim(cid, "0123456789abcdef") != "" {
			t.Fatalf("correlation ID %q is not 32 hex chars", cid)
		}
		if seen[cid] {
			t.Fatalf("duplicate correlation ID %s", cid)
		}
		seen[cid] = true
	}
}

func TestFailSpan(t *testing.T) {
	exp := useTracer(t)

	_, ok := StartSpan(context.Background(), "embeddings.embed")
	FailSpan(ok, nil)
	ok.End()

	_, bad := StartSpan(context.Background(), "embeddings.embed")
	FailSpan(bad, errors.New("provider timeout"))
	bad.End()

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("spans = %d, want 2", len(spans))
	}
	if spans[0].Status.Code != codes.Unset || len(spans[0].Events) != 0 {
		t.Errorf("nil error touched the span: status=%v events=%d", spans[0].Status.Code, len(spans[0].Events))
	}
	if spans[1].Status.Code != codes.Error || spans[1].Status.Description != "provider timeout" {
		t.Errorf("status = %+v, want Error/provider timeout", spans[1].Status)
	}
	if len(spans[1].Events) != 1 || spans[1].Events[0].Name != "exception" {
		t.Errorf("events = %+v, want one exception event", spans[1].Events)
	}
}

func TestLogger(t *testing.T) {
	useTracer(t)

	t.Run("inside span", func(t *testing.T) {
		buf := captureLogs(t)
		ctx, span := StartSpan(context.Background(), "preference.update")
		defer span.End()

		Logger(ctx).Info("preference update", "user_id", "u1")
		out := buf.String()
		for _, want := range []string{"trace_id=" + CorrelationID(ctx), "span_id=", "user_id=u1"} {
			if !strings.Contains(out, want) {
				t.Errorf("log %q missing %q", out, want)
			}
		}
	})

	t.Run("no span", func(t *testing.T) {
		buf := captureLogs(t)
		Logger(context.Background()).Info("health report")
		if strings.Contains(buf.String(), "trace_id") {
			t.Errorf("log without span has trace_id: %s", buf.String())
		}
	})
}

func TestInitProvider_ExposesMetrics(t *testing.T) {
	origMP, origTP := otel.GetMeterProvider(), otel.GetTracerProvider()
	t.Cleanup(func() {
		otel.SetMeterProvider(origMP)
		otel.SetTracerProvider(origTP)
	})

	reg := prometheus.NewRegistry()
	exp := tracetest.NewInMemoryExporter()
	shutdown, err := InitProvider(context.Background(), ProviderConfig{
		ServiceVersion: "test",
		TraceExporter:  exp,
		Registerer:     reg,
	})
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}

	m, err := NewMetrics(otel.GetMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	m.RecordEnqueue(context.Background(), "embedding_generation", true)

	_, span := StartSpan(context.Background(), "worker.task")
	span.End()

	rec := httptest.NewRecorder()
	promhttp.HandlerFor(reg, promhttp.HandlerOpts{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "scentvec_tasks_enqueued") {
		t.Errorf("/metrics missing enqueue counter:\n%s", rec.Body.String())
	}

	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Name != "worker.task" {
		t.Fatalf("exported spans = %v, want one worker.task", spans)
	}
	attrs := spans[0].Resource.Set()
	if v, _ := attrs.Value(attribute.Key("service.name")); v.AsString() != "scentvec" {
		t.Errorf("service.name = %q, want scentvec", v.AsString())
	}
	if v, _ := attrs.Value(attribute.Key("service.version")); v.AsString() != "test" {
		t.Errorf("service.version = %q, want test", v.AsString())
	}
	if _, ok := attrs.Value(attribute.Key("telemetry.sdk.language")); !ok {
		t.Error("resource lost the SDK defaults")
	}
}
