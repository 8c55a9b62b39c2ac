package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MrWong99/scentvec/pkg/provider/embeddings"
)

// fakeAPI serves POST /embeddings in the OpenAI wire format. It echoes one
// vector per input and records the requested dimensions.
func fakeAPI(t *testing.T, status int, vec []float64, gotDims *int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embeddings" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		var req struct {
			Model      string `json:"model"`
			Input      any    `json:"input"`
			Dimensions int64  `json:"dimensions"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if gotDims != nil {
			*gotDims = req.Dimensions
		}
		if status != http.StatusOK {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":{"message":"boom","type":"server_error"}}`))
			return
		}
		n := 1
		if arr, ok := req.Input.([]any); ok {
			n = len(arr)
		}
		data := make([]map[string]any, n)
		for i := range n {
			data[i] = map[string]any{"object": "embedding", "index": i, "embedding": vec}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"data":   data,
			"model":  req.Model,
			"usage":  map[string]any{"prompt_tokens": 1, "total_tokens": 1},
		})
	}))
}

func TestEmbed_RoundTrip(t *testing.T) {
	t.Parallel()
	srv := fakeAPI(t, http.StatusOK, []float64{0.25, -0.5, 1}, nil)
	defer srv.Close()

	p, err := New("sk-test", "text-embedding-3-small", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got, err := p.Embed(context.Background(), "bergamot, vetiver, cedar")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	want := []float32{0.25, -0.5, 1}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("vec[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestEmbedBatch_Order(t *testing.T) {
	t.Parallel()
	srv := fakeAPI(t, http.StatusOK, []float64{1, 0}, nil)
	defer srv.Close()

	p, err := New("sk-test", "text-embedding-3-small", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got, err := p.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	if empty, err := p.EmbedBatch(context.Background(), nil); err != nil || empty != nil {
		t.Fatalf("EmbedBatch(nil) = %v, %v", empty, err)
	}
}

func TestEmbed_ServerErrorIsProviderError(t *testing.T) {
	t.Parallel()
	srv := fakeAPI(t, http.StatusInternalServerError, nil, nil)
	defer srv.Close()

	p, err := New("sk-test", "text-embedding-3-small", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = p.Embed(context.Background(), "x")
	if !errors.Is(err, embeddings.ErrProvider) {
		t.Fatalf("Embed = %v, want ErrProvider", err)
	}
}

func TestEmbed_GatewayTimeoutIsTimeout(t *testing.T) {
	t.Parallel()
	srv := fakeAPI(t, http.StatusGatewayTimeout, nil, nil)
	defer srv.Close()

	p, err := New("sk-test", "text-embedding-3-small", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = p.Embed(context.Background(), "x")
	if !errors.Is(err, embeddings.ErrTimeout) {
		t.Fatalf("Embed = %v, want ErrTimeout", err)
	}
}

func TestWithDimensions_ShortensV3Models(t *testing.T) {
	t.Parallel()
	var gotDims int64
	srv := fakeAPI(t, http.StatusOK, []float64{1, 0, 0, 0}, &gotDims)
	defer srv.Close()

	p, err := New("sk-test", "text-embedding-3-large", WithBaseURL(srv.URL), WithDimensions(256))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.Dimensions() != 256 {
		t.Fatalf("Dimensions = %d, want 256", p.Dimensions())
	}
	if _, err := p.Embed(context.Background(), "x"); err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if gotDims != 256 {
		t.Fatalf("request dimensions = %d, want 256", gotDims)
	}
}

func TestModelDimensions(t *testing.T) {
	t.Parallel()
	cases := map[string]int{
		"text-embedding-3-small": 1536,
		"text-embedding-3-large": 3072,
		"text-embedding-ada-002": 1536,
		"some-future-model":      1536,
	}
	for model, want := range cases {
		if got := modelDimensions(model); got != want {
			t.Errorf("modelDimensions(%q) = %d, want %d", model, got, want)
		}
	}
}

func TestNew_DefaultModel(t *testing.T) {
	t.Parallel()
	p, err := New("sk-test", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.ModelID() != DefaultModel {
		t.Errorf("expected default model %s, got %s", DefaultModel, p.ModelID())
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()
	if _, err := New("", "text-embedding-3-small"); err == nil {
		t.Fatal("expected error for empty API key")
	}
	if _, err := New("sk-test", "text-embedding-3-small", WithDimensions(-1)); err == nil {
		t.Fatal("expected error for negative dimensions")
	}
}
