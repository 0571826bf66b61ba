package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cordrest/internal/bot"
	"cordrest/internal/config"
	"cordrest/internal/logger"
	"cordrest/internal/observability"
	"cordrest/internal/version"
)

var (
	configFile    = flag.String("config", "", "Path to configuration file")
	exampleConfig = flag.String("example-config", "", "Write an example configuration file to this path and exit")
	showVersion   = flag.Bool("version", false, "Print version information and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.GetInfo().String())
		return
	}

	if *exampleConfig != "" {
		if err := config.SaveExample(*exampleConfig); err != nil {
			slog.Error("Failed to write example configuration", "error", err)
			os.Exit(1)
		}
		return
	}

	// Load configuration
	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	buildInfo := version.GetInfo()

	// Initialize structured logging
	log, closer, err := logger.Setup(cfg.Logging, buildInfo)
	if err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}
	if closer != nil {
		defer closer.Close()
	}
	slog.SetDefault(log)

	// Initialize observability (OpenTelemetry)
	otelProvider, err := observability.Setup(cfg.Metrics, cfg.Observability, buildInfo)
	if err != nil {
		slog.Error("Failed to initialize observability", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := otelProvider.Shutdown(shutdownCtx); err != nil {
			slog.Error("Failed to shutdown observability", "error", err)
		}
	}()

	b, err := bot.New(cfg,
		bot.WithLogger(log),
		bot.WithVersion(buildInfo),
		bot.WithObservability(otelProvider),
	)
	if err != nil {
		slog.Error("Failed to create bot", "error", err)
		os.Exit(1)
	}

	if b.Dispatcher() != nil {
		if err := registerListeners(b); err != nil {
			slog.Error("Failed to register listeners", "error", err)
			os.Exit(1)
		}
	}
	b.AddStartupCallback(logIdentity)

	// Wait for interrupt signal to gracefully shutdown the bot
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := b.Run(ctx); err != nil {
		slog.Error("Bot stopped with error", "error", err)
		os.Exit(1)
	}

	slog.Info("Shutdown complete")
}

// logIdentity checks the credentials before the server accepts traffic.
func logIdentity(ctx context.Context, b *bot.Bot) error {
	me, err := b.Rest().FetchMyUser(ctx)
	if err != nil {
		return fmt.Errorf("fetch current user: %w", err)
	}
	slog.Info("Authenticated", "user_id", me.ID.String(), "username", me.Username)
	return nil
}
