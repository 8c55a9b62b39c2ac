package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/MrWong99/scentvec/internal/interaction"
)

// ValidProviderNames lists the embedding providers that ship with scentvec.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = []string{"openai", "ollama", "mock"}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. An empty document yields the default config.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a config with every default applied and no provider.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills zero-valued fields of cfg.
func ApplyDefaults(cfg *Config) {
	setDefault(&cfg.Server.LogLevel, LogInfo)

	cb := &cfg.Providers.Embeddings.CircuitBreaker
	setDefault(&cb.MaxFailures, 5)
	setDefault(&cb.ResetTimeout, 30*time.Second)
	setDefault(&cb.HalfOpenMax, 1)

	setDefault(&cfg.Store.EmbeddingDimensions, 1536)
	setDefault(&cfg.Store.ExactThreshold, 2000)

	setDefault(&cfg.Queue.MaxRetries, 5)
	setDefault(&cfg.Queue.LeaseDuration, 5*time.Minute)
	setDefault(&cfg.Queue.Backoff.Initial, 5*time.Second)
	setDefault(&cfg.Queue.Backoff.Max, 10*time.Minute)
	setDefault(&cfg.Queue.Backoff.Multiplier, 2.0)
	setDefault(&cfg.Queue.Retention, 7*24*time.Hour)

	setDefault(&cfg.Workers.Count, 4)
	setDefault(&cfg.Workers.PollInterval, time.Second)
	setDefault(&cfg.Workers.EmbedTimeout, 30*time.Second)
	if cfg.Workers.RateLimit > 0 {
		setDefault(&cfg.Workers.RateBurst, 1)
	}

	setDefault(&cfg.Cache.DefaultTTL, 15*time.Minute)
	setDefault(&cfg.Cache.L1MaxTTL, time.Minute)

	setDefault(&cfg.Preference.ModelID, cfg.Providers.Embeddings.Primary.Model)
	setDefault(&cfg.Preference.HalfLife, 30*24*time.Hour)
	setDefault(&cfg.Preference.Saturation, 20.0)
	setDefault(&cfg.Preference.MinInteractions, 1)
	setDefault(&cfg.Preference.MaxCASRetries, 5)
	setDefault(&cfg.Preference.MaxPending, 256)
	setDefault(&cfg.Preference.Lookback, 24*time.Hour)
	setDefault(&cfg.Preference.Priority, 10)

	setDefault(&cfg.Schedule.ReclaimLeases, "@every 1m")
	setDefault(&cfg.Schedule.PurgeFinished, "@hourly")
	setDefault(&cfg.Schedule.CacheSweep, "@every 5m")
	setDefault(&cfg.Schedule.PreferenceRefresh, "@every 10m")
	setDefault(&cfg.Schedule.HealthReport, "@every 1m")

	setDefault(&cfg.ChangeDetector.PriorityNew, 1)
	setDefault(&cfg.ChangeDetector.PriorityChanged, 5)
}

func setDefault[T comparable](field *T, value T) {
	var zero T
	if *field == zero {
		*field = value
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Providers
	emb := cfg.Providers.Embeddings
	if emb.Primary.Name == "" {
		if len(emb.Fallbacks) > 0 {
			errs = append(errs, errors.New("providers.embeddings.fallbacks requires providers.embeddings.primary"))
		} else {
			slog.Warn("no embedding provider configured; embedding tasks will fail until one is set")
		}
	} else {
		validateProviderName("providers.embeddings.primary", emb.Primary.Name)
		if emb.Primary.Model == "" {
			errs = append(errs, errors.New("providers.embeddings.primary.model is required"))
		}
	}
	for i, fb := range emb.Fallbacks {
		prefix := fmt.Sprintf("providers.embeddings.fallbacks[%d]", i)
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		validateProviderName(prefix, fb.Name)
		if fb.Model != "" && fb.Model != emb.Primary.Model {
			errs = append(errs, fmt.Errorf("%s.model %q must match the primary model %q", prefix, fb.Model, emb.Primary.Model))
		}
	}
	if emb.CircuitBreaker.MaxFailures < 0 || emb.CircuitBreaker.HalfOpenMax < 0 {
		errs = append(errs, errors.New("providers.embeddings.circuit_breaker values must be non-negative"))
	}

	// Store
	if cfg.Store.EmbeddingDimensions < 0 {
		errs = append(errs, fmt.Errorf("store.embedding_dimensions %d must be positive", cfg.Store.EmbeddingDimensions))
	}
	if cfg.Store.EfSearch < 0 {
		errs = append(errs, fmt.Errorf("store.ef_search %d must be non-negative", cfg.Store.EfSearch))
	}
	if cfg.Store.PostgresDSN == "" {
		slog.Warn("store.postgres_dsn is empty; using in-memory stores, nothing survives a restart")
	}

	// Queue
	if cfg.Queue.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("queue.max_retries %d must be non-negative", cfg.Queue.MaxRetries))
	}
	if cfg.Queue.LeaseDuration < 0 || cfg.Queue.Retention < 0 {
		errs = append(errs, errors.New("queue durations must be non-negative"))
	}
	b := cfg.Queue.Backoff
	if b.Initial < 0 || b.Max < 0 || (b.Max > 0 && b.Initial > b.Max) {
		errs = append(errs, fmt.Errorf("queue.backoff initial %s / max %s are inconsistent", b.Initial, b.Max))
	}
	if b.Multiplier != 0 && b.Multiplier < 1 {
		errs = append(errs, fmt.Errorf("queue.backoff.multiplier %.2f must be at least 1", b.Multiplier))
	}
	if b.Jitter < 0 || b.Jitter > 1 {
		errs = append(errs, fmt.Errorf("queue.backoff.jitter %.2f is out of range [0, 1]", b.Jitter))
	}

	// Workers
	if cfg.Workers.Count < 0 {
		errs = append(errs, fmt.Errorf("workers.count %d must be positive", cfg.Workers.Count))
	}
	if cfg.Workers.RateLimit < 0 || cfg.Workers.RateBurst < 0 {
		errs = append(errs, errors.New("workers.rate_limit and workers.rate_burst must be non-negative"))
	}

	// Cache
	if cfg.Cache.DefaultTTL < 0 || cfg.Cache.L1MaxTTL < 0 {
		errs = append(errs, errors.New("cache ttls must be non-negative"))
	}
	if cfg.Cache.InMemory && cfg.Cache.BadgerDir != "" {
		errs = append(errs, errors.New("cache.in_memory and cache.badger_dir are mutually exclusive"))
	}

	// Preference
	p := cfg.Preference
	if p.Saturation < 0 || p.HalfLife < 0 || p.Window < 0 {
		errs = append(errs, errors.New("preference.half_life, saturation and window must be non-negative"))
	}
	for name := range p.TypeWeights {
		if !interaction.Type(name).IsValid() {
			errs = append(errs, fmt.Errorf("preference.type_weights: unknown interaction type %q", name))
		}
	}

	// Schedule
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	for name, spec := range map[string]string{
		"reclaim_leases":     cfg.Schedule.ReclaimLeases,
		"purge_finished":     cfg.Schedule.PurgeFinished,
		"cache_sweep":        cfg.Schedule.CacheSweep,
		"preference_refresh": cfg.Schedule.PreferenceRefresh,
		"health_report":      cfg.Schedule.HealthReport,
	} {
		if spec == "" {
			continue
		}
		if _, err := parser.Parse(spec); err != nil {
			errs = append(errs, fmt.Errorf("schedule.%s %q: %w", name, spec, err))
		}
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is not a built-in provider.
func validateProviderName(field, name string) {
	if slices.Contains(ValidProviderNames, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"field", field,
		"name", name,
		"known", ValidProviderNames,
	)
}
