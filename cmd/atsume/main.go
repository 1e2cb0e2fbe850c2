package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/ashita-ai/atsume"
	"github.com/ashita-ai/atsume/internal/config"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	switch cmd := subcommand(); cmd {
	case "", "serve":
		err = serve(ctx, logger)
	case "arenas":
		err = listArenas()
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "usage: atsume [serve|arenas|version]\nunknown command %q\n", cmd)
		return 2
	}
	if err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func subcommand() string {
	if len(os.Args) < 2 {
		return ""
	}
	return os.Args[1]
}

// serve runs the orchestrator until SIGINT or SIGTERM. Platforms have no
// connectors mounted here, so every collection task fails as not
// implemented; embedding programs supply connectors with WithConnector.
func serve(ctx context.Context, logger *slog.Logger) error {
	app, err := atsume.New(
		atsume.WithLogger(logger),
		atsume.WithVersion(version),
	)
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}
	return app.Run(ctx)
}

// listArenas prints the registry as JSON, grouped by arena label. Logs go
// to stderr so stdout stays parseable.
func listArenas() error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	app, err := atsume.New(
		atsume.WithLogger(logger),
		atsume.WithVersion(version),
		atsume.WithMemoryStore(),
	)
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}
	defer func() { _ = app.Shutdown(context.Background()) }()

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(app.ArenaGroups())
}
