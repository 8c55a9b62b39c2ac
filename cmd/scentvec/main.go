// Command scentvec runs the fragrance embedding and recommendation engine.
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/MrWong99/scentvec/internal/config"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:           "scentvec",
	Short:         "scentvec - asynchronous fragrance embeddings and recommendations",
	SilenceUsage:  true,
	SilenceErrors: true,
	Version:       version,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the YAML configuration file")
	rootCmd.AddCommand(newServeCmd(), newMigrateCmd(), newBackfillCmd(), newSearchCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "scentvec: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file named by --config and installs the
// default logger at the configured level.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config file %q not found, copy configs/example.yaml to get started", configPath)
		}
		return nil, err
	}
	slog.SetDefault(newLogger(cfg.Server.LogLevel))
	return cfg, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	emb := cfg.Providers.Embeddings
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        scentvec - startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Embeddings", providerLabel(emb.Primary.Name, emb.Primary.Model))
	for _, fb := range emb.Fallbacks {
		printRow("  fallback", providerLabel(fb.Name, fb.Model))
	}
	if cfg.Store.PostgresDSN != "" {
		printRow("Store", "postgres")
	} else {
		printRow("Store", "(in-memory)")
	}
	switch {
	case cfg.Cache.BadgerDir != "":
		printRow("Cache", "memory + badger")
	case cfg.Cache.InMemory:
		printRow("Cache", "memory + badger(mem)")
	default:
		printRow("Cache", "memory")
	}
	fmt.Printf("║  %-12s    : %-19d ║\n", "Workers", cfg.Workers.Count)
	if cfg.Server.ListenAddr != "" {
		printRow("Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func providerLabel(name, model string) string {
	switch {
	case name == "":
		return "(not configured)"
	case model != "":
		return name + " / " + model
	default:
		return name
	}
}

func printRow(label, value string) {
	if len([]rune(value)) > 19 {
		value = string([]rune(value)[:18]) + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", label, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
