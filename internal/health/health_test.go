package health_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"

	"github.com/MrWong99/scentvec/internal/health"
)

func checker(name string, err error) health.Checker {
	return health.Checker{Name: name, Check: func(context.Context) error { return err }}
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) health.Report {
	t.Helper()
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	var rep health.Report
	if err := json.NewDecoder(rec.Body).Decode(&rep); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return rep
}

func TestReadyz(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		checkers   []health.Checker
		wantCode   int
		wantStatus string
		wantChecks map[string]string
	}{
		{
			name:       "no checkers",
			wantCode:   http.StatusOK,
			wantStatus: "ok",
		},
		{
			name: "all pass",
			checkers: []health.Checker{
				checker("store", nil),
				checker("queue_backlog", nil),
				checker("embeddings", nil),
			},
			wantCode:   http.StatusOK,
			wantStatus: "ok",
			wantChecks: map[string]string{"store": "ok", "queue_backlog": "ok", "embeddings": "ok"},
		},
		{
			name: "backlog over threshold",
			checkers: []health.Checker{
				checker("store", nil),
				checker("queue_backlog", errors.New("12000 tasks waiting, threshold 10000")),
			},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "fail",
			wantChecks: map[string]string{
				"store":         "ok",
				"queue_backlog": "fail: 12000 tasks waiting, threshold 10000",
			},
		},
		{
			name: "store down and breakers open",
			checkers: []health.Checker{
				checker("store", errors.New("connection refused")),
				checker("embeddings", errors.New("all circuit breakers open")),
			},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "fail",
			wantChecks: map[string]string{
				"store":      "fail: connection refused",
				"embeddings": "fail: all circuit breakers open",
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			h := health.New(tc.checkers...)
			rec := httptest.NewRecorder()
			h.Readyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

			if rec.Code != tc.wantCode {
				t.Errorf("code = %d, want %d", rec.Code, tc.wantCode)
			}
			rep := decode(t, rec)
			if rep.Status != tc.wantStatus {
				t.Errorf("status = %q, want %q", rep.Status, tc.wantStatus)
			}
			for name, want := range tc.wantChecks {
				if rep.Checks[name] != want {
					t.Errorf("checks[%s] = %q, want %q", name, rep.Checks[name], want)
				}
			}
			if len(rep.Checks) != len(tc.wantChecks) {
				t.Errorf("checks = %v, want %d entries", rep.Checks, len(tc.wantChecks))
			}
		})
	}
}

func TestHealthz_IgnoresCheckers(t *testing.T) {
	t.Parallel()
	h := health.New(checker("store", errors.New("down")))

	rec := httptest.NewRecorder()
	h.Healthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("code = %d, want 200", rec.Code)
	}
	if rep := decode(t, rec); rep.Status != "ok" || len(rep.Checks) != 0 {
		t.Errorf("report = %+v, want bare ok", rep)
	}
}

func TestCheck_RunsConcurrently(t *testing.T) {
	t.Parallel()

	// Each checker waits for the other to start; a sequential runner would
	// block until the per-check timeout.
	aStarted, bStarted := make(chan struct{}), make(chan struct{})
	rendezvous := func(mine, theirs chan struct{}) func(context.Context) error {
		return func(ctx context.Context) error {
			close(mine)
			select {
			case <-theirs:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	h := health.New(
		health.Checker{Name: "a", Check: rendezvous(aStarted, bStarted)},
		health.Checker{Name: "b", Check: rendezvous(bStarted, aStarted)},
	)

	if rep := h.Check(context.Background()); !rep.OK() {
		t.Errorf("report = %+v, want ok", rep)
	}
}

func TestCheck_CancelledContext(t *testing.T) {
	t.Parallel()
	h := health.New(health.Checker{Name: "store", Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rep := h.Check(ctx)
	if rep.OK() || rep.Checks["store"] != "fail: "+context.Canceled.Error() {
		t.Errorf("report = %+v, want store failed with context canceled", rep)
	}
}

func TestNew_CopiesCheckers(t *testing.T) {
	t.Parallel()
	list := []health.Checker{checker("store", nil)}
	h := health.New(list...)
	list[0] = checker("store", errors.New("mutated"))

	if rep := h.Check(context.Background()); !rep.OK() {
		t.Errorf("handler saw caller's mutation: %+v", rep)
	}
}

func TestRegister(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	health.New(checker("queue_backlog", errors.New("over threshold"))).Register(mux)

	for path, want := range map[string]int{
		"/healthz": http.StatusOK,
		"/readyz":  http.StatusServiceUnavailable,
	} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != want {
			t.Errorf("GET %s = %d, want %d", path, rec.Code, want)
		}
	}

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/readyz", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST /readyz = %d, want 405", rec.Code)
	}
}
