package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrWong99/scentvec/internal/app"
	"github.com/MrWong99/scentvec/internal/config"
	"github.com/MrWong99/scentvec/internal/entity"
	"github.com/MrWong99/scentvec/internal/observe"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd() *cobra.Command {
	var catalogPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run workers, scheduled sweeps and the ops HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), catalogPath)
		},
	}
	cmd.Flags().StringVar(&catalogPath, "catalog", "", "optional fragrance catalog to import on startup")
	return cmd
}

func runServe(parent context.Context, catalogPath string) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	slog.Info("scentvec starting",
		"version", version,
		"config", configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	printStartupSummary(cfg)

	application, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}

	if catalogPath != "" {
		if err := importCatalog(ctx, application, catalogPath); err != nil {
			_ = application.Shutdown(context.Background())
			return err
		}
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	slog.Info("goodbye")

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

// buildApp instantiates the configured providers and wires the application.
func buildApp(ctx context.Context, cfg *config.Config) (*app.App, error) {
	metrics := observe.DefaultMetrics()

	reg := config.NewRegistry()
	registerBuiltinProviders(reg, cfg.Store.EmbeddingDimensions)

	providers, err := buildProviders(cfg, reg, metrics)
	if err != nil {
		return nil, fmt.Errorf("build providers: %w", err)
	}

	application, err := app.New(ctx, cfg, providers, app.WithMetrics(metrics))
	if err != nil {
		return nil, fmt.Errorf("initialise application: %w", err)
	}
	return application, nil
}

func importCatalog(ctx context.Context, application *app.App, path string) error {
	catalog, err := entity.LoadCatalogFile(path)
	if err != nil {
		return err
	}
	if _, err := application.Backfill(ctx, catalog); err != nil {
		return err
	}
	return nil
}
