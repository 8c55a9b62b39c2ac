package main

import (
	"context"
	"errors"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/MrWong99/scentvec/internal/recommend"
)

func newSearchCmd() *cobra.Command {
	var (
		entityID string
		userID   string
		opts     recommend.Options
	)
	cmd := &cobra.Command{
		Use:   "search",
		Short: "Print similar fragrances or a user's recommendations as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if (entityID == "") == (userID == "") {
				return errors.New("search: exactly one of --entity or --user is required")
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			application, err := buildApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer func() { _ = application.Shutdown(context.Background()) }()

			rec := application.Recommender()
			var res recommend.Result
			if entityID != "" {
				res, err = rec.SimilarTo(cmd.Context(), entityID, opts)
			} else {
				res, err = rec.ForUser(cmd.Context(), userID, opts)
			}
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}
	f := cmd.Flags()
	f.StringVar(&entityID, "entity", "", "fragrance id to find neighbours for")
	f.StringVar(&userID, "user", "", "user id to recommend for")
	f.IntVar(&opts.Limit, "limit", 0, "maximum number of matches (0 uses the default)")
	f.Float64Var(&opts.Threshold, "threshold", 0, "minimum similarity score in [0,1]")
	f.StringVar(&opts.ModelID, "model", "", "embedding model (defaults to the configured model)")
	f.StringSliceVar(&opts.ExcludeIDs, "exclude", nil, "fragrance ids to leave out")
	return cmd
}
