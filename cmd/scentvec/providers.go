package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/MrWong99/scentvec/internal/app"
	"github.com/MrWong99/scentvec/internal/config"
	"github.com/MrWong99/scentvec/internal/observe"
	"github.com/MrWong99/scentvec/internal/resilience"
	"github.com/MrWong99/scentvec/pkg/provider/embeddings"
	"github.com/MrWong99/scentvec/pkg/provider/embeddings/mock"
	ollamaembed "github.com/MrWong99/scentvec/pkg/provider/embeddings/ollama"
	oaembed "github.com/MrWong99/scentvec/pkg/provider/embeddings/openai"
)

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires the embedding backends that ship with
// scentvec into reg. storeDims is used when a backend cannot report its
// dimension without a network round trip.
func registerBuiltinProviders(reg *config.Registry, storeDims int) {
	reg.RegisterEmbeddings("openai", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		var opts []oaembed.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaembed.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, oaembed.WithOrganization(org))
		}
		if n := optInt(entry.Options, "dimensions"); n > 0 {
			opts = append(opts, oaembed.WithDimensions(n))
		}
		if d := optDuration(entry.Options, "timeout"); d > 0 {
			opts = append(opts, oaembed.WithTimeout(d))
		}
		if n := optInt(entry.Options, "max_retries"); n > 0 {
			opts = append(opts, oaembed.WithMaxRetries(n))
		}
		return oaembed.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterEmbeddings("ollama", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		dims := optInt(entry.Options, "dimensions")
		if dims <= 0 {
			dims = storeDims
		}
		opts := []ollamaembed.Option{ollamaembed.WithDimensions(dims)}
		if d := optDuration(entry.Options, "timeout"); d > 0 {
			opts = append(opts, ollamaembed.WithTimeout(d))
		}
		if d := optDuration(entry.Options, "keep_alive"); d > 0 {
			opts = append(opts, ollamaembed.WithKeepAlive(d))
		}
		return ollamaembed.New(entry.BaseURL, entry.Model, opts...)
	})

	// mock embeds text with the hashing trick. Similar note lists land close
	// together, which is enough for local runs without a model server.
	reg.RegisterEmbeddings("mock", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		dims := optInt(entry.Options, "dimensions")
		if dims <= 0 {
			dims = storeDims
		}
		if dims <= 0 {
			return nil, errors.New("mock embeddings: dimensions must be positive")
		}
		model := entry.Model
		if model == "" {
			model = "mock-hash-v1"
		}
		return &mock.Provider{
			EmbedFunc: func(_ context.Context, text string) ([]float32, error) {
				return hashEmbed(text, dims), nil
			},
			DimensionsValue: dims,
			ModelIDValue:    model,
		}, nil
	})

	for _, name := range reg.Names() {
		slog.Debug("registered provider", "kind", "embeddings", "name", name)
	}
}

// buildProviders instantiates the configured primary and fallbacks and wraps
// them in a circuit-breaking fallback chain.
func buildProviders(cfg *config.Config, reg *config.Registry, metrics *observe.Metrics) (*app.Providers, error) {
	emb := cfg.Providers.Embeddings
	if emb.Primary.Name == "" {
		return &app.Providers{}, nil
	}

	primary, err := reg.CreateEmbeddings(emb.Primary)
	if err != nil {
		return nil, fmt.Errorf("create embeddings provider %q: %w", emb.Primary.Name, err)
	}
	slog.Info("provider created", "kind", "embeddings", "name", emb.Primary.Name, "model", primary.ModelID())

	cb := emb.CircuitBreaker
	fb := resilience.NewEmbeddingsFallback(primary, emb.Primary.Name, resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  cb.MaxFailures,
			ResetTimeout: cb.ResetTimeout,
			HalfOpenMax:  cb.HalfOpenMax,
			OnStateChange: func(name string, _, to resilience.State) {
				if metrics != nil {
					metrics.RecordCircuitTransition(context.Background(), name, to.String())
				}
			},
		},
	})

	for i, entry := range emb.Fallbacks {
		p, err := reg.CreateEmbeddings(entry)
		if err != nil {
			return nil, fmt.Errorf("create embeddings fallback %d (%q): %w", i, entry.Name, err)
		}
		name := fmt.Sprintf("%s#%d", entry.Name, i+1)
		if err := fb.AddFallback(name, p); err != nil {
			return nil, err
		}
		slog.Info("provider created", "kind", "embeddings-fallback", "name", name)
	}

	return &app.Providers{Embeddings: fb}, nil
}

// hashEmbed maps each lower-cased token of text to a signed bucket and
// returns the L2-normalised bucket vector.
func hashEmbed(text string, dims int) []float32 {
	v := make([]float32, dims)
	for tok := range strings.FieldsFuncSeq(strings.ToLower(text), isSeparator) {
		sum := xxhash.Sum64String(tok)
		idx := int(sum % uint64(dims))
		if sum&(1<<63) != 0 {
			v[idx]--
		} else {
			v[idx]++
		}
	}
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		v[0] = 1
		return v
	}
	inv := float32(1 / math.Sqrt(norm))
	for i := range v {
		v[i] *= inv
	}
	return v
}

func isSeparator(r rune) bool {
	switch r {
	case ' ', '\n', '\t', ',', ';', ':', '.', '|', '/', '-', '=':
		return true
	}
	return false
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optInt accepts the integer shapes a YAML decoder produces.
func optInt(opts map[string]any, key string) int {
	switch v := opts[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

// optDuration parses a Go duration string such as "30s".
func optDuration(opts map[string]any, key string) time.Duration {
	s := optString(opts, key)
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		slog.Warn("ignoring invalid provider option", "key", key, "value", s, "err", err)
		return 0
	}
	return d
}
