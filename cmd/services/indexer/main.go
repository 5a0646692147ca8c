package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/linkflow-ai/contentindex/internal/indexing/server"
	"github.com/linkflow-ai/contentindex/internal/platform/config"
	"github.com/linkflow-ai/contentindex/internal/platform/logger"
	"github.com/linkflow-ai/contentindex/internal/platform/telemetry"
)

const serviceName = "indexer-service"

func main() {
	// A missing .env file is fine; the environment may be set another way
	_ = godotenv.Load()

	cfg, err := config.Load(serviceName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Logger)
	log.Info("Starting Indexer Service", "version", cfg.Version, "port", cfg.HTTP.Port)

	tel, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		log.Fatal("Failed to initialize telemetry", "error", err)
	}

	srv, err := server.New(
		server.WithConfig(cfg),
		server.WithLogger(log),
		server.WithTelemetry(tel),
	)
	if err != nil {
		log.Fatal("Failed to create server", "error", err)
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
	case err := <-errCh:
		if err != nil {
			log.Error("Server stopped unexpectedly", "error", err)
		}
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", "error", err)
	}
	if err := tel.Close(shutdownCtx); err != nil {
		log.Error("Failed to flush traces", "error", err)
	}

	log.Info("Server stopped")
}
