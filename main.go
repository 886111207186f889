package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"github.com/mbolaris/tank-sub003/internal/app"
	"github.com/mbolaris/tank-sub003/internal/monitoring"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	var (
		debug = flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	)
	flag.Parse()

	cfg, err := LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	})

	// automaxprocs sizes GOMAXPROCS from the container CPU limit.
	logger.Info().
		Int("gomaxprocs", runtime.GOMAXPROCS(0)).
		Str("version", version).
		Msg("Process starting")
	cfg.LogConfig(logger)

	srv, err := app.New(cfg.Options(version), logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to build server")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start server")
	}

	// Stop accepting requests before tearing the components down so
	// in-flight handlers still see live worlds.
	serveHTTP(ctx, newHTTPServer(cfg, srv.Handler()), logger)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	srv.Shutdown(shutdownCtx)
}
