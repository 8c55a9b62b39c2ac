package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/MrWong99/scentvec/internal/entity"
)

func newBackfillCmd() *cobra.Command {
	var catalogPath string
	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Import a fragrance catalog and enqueue embedding tasks",
		Long: "backfill loads a YAML catalog and runs every fragrance through the change\n" +
			"detector. New or changed fragrances are enqueued for embedding; a running\n" +
			"serve process sharing the same database picks them up.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			catalog, err := entity.LoadCatalogFile(catalogPath)
			if err != nil {
				return err
			}
			if cfg.Store.PostgresDSN == "" {
				slog.Warn("no postgres_dsn configured, tasks enqueued by backfill are lost on exit")
			}

			application, err := buildApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer func() { _ = application.Shutdown(context.Background()) }()

			n, err := application.Backfill(cmd.Context(), catalog)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d fragrances from %q\n", n, catalog.Catalog.Name)
			return nil
		},
	}
	cmd.Flags().StringVar(&catalogPath, "catalog", "", "path to the YAML fragrance catalog")
	_ = cmd.MarkFlagRequired("catalog")
	return cmd
}
