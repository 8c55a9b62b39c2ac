package main

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/MrWong99/scentvec/internal/store/postgres"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the PostgreSQL schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Store.PostgresDSN == "" {
				return errors.New("migrate: store.postgres_dsn is not set")
			}
			st, err := postgres.Open(cmd.Context(), cfg.Store.PostgresDSN, postgres.Options{
				Dimensions: cfg.Store.EmbeddingDimensions,
				EfSearch:   cfg.Store.EfSearch,
			})
			if err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			st.Close()
			slog.Info("schema up to date", "dimensions", cfg.Store.EmbeddingDimensions)
			return nil
		},
	}
}
