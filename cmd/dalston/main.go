// Dalston gateway/orchestrator server: serves the HTTP/WebSocket API, runs
// the job orchestrator and webhook delivery worker, and routes realtime
// sessions onto the streaming worker pool.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/dalston-ai/dalston/pkg/api"
	"github.com/dalston-ai/dalston/pkg/auth"
	"github.com/dalston-ai/dalston/pkg/blob"
	"github.com/dalston-ai/dalston/pkg/bus"
	"github.com/dalston-ai/dalston/pkg/config"
	"github.com/dalston-ai/dalston/pkg/database"
	"github.com/dalston-ai/dalston/pkg/engine"
	"github.com/dalston-ai/dalston/pkg/orchestrator"
	"github.com/dalston-ai/dalston/pkg/realtime"
	"github.com/dalston-ai/dalston/pkg/store"
	"github.com/dalston-ai/dalston/pkg/webhook"
)

func main() {
	envFile := flag.String("env-file", ".env", "Path to environment file")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil {
		slog.Warn("Could not load env file, continuing with existing environment",
			"path", *envFile, "error", err)
	}

	cfg := config.LoadFromEnv()
	slog.Info("Starting Dalston",
		"http_port", cfg.HTTPPort,
		"pod_id", cfg.PodID)

	ctx := context.Background()

	// 1. Durable store
	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}
	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbClient.Close()
	slog.Info("Connected to PostgreSQL database")

	// 2. Bus
	b, err := bus.Connect(ctx, bus.LoadConfigFromEnv())
	if err != nil {
		slog.Error("Failed to connect to bus", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := b.Close(); err != nil {
			slog.Error("Error closing bus", "error", err)
		}
	}()
	slog.Info("Connected to Redis bus")

	// 3. Stores, auth, blobs
	jobStore := store.NewJobStore(dbClient.Pool())
	taskStore := store.NewTaskStore(dbClient.Pool())
	sessionStore := store.NewSessionStore(dbClient.Pool())
	webhookStore := store.NewWebhookStore(dbClient.Pool())

	verifier, err := auth.ParseKeys(cfg.APIKeys)
	if err != nil {
		slog.Error("Failed to parse API keys", "error", err)
		os.Exit(1)
	}
	blobs, err := blob.NewFilesystemStore(cfg.BlobDir)
	if err != nil {
		slog.Error("Failed to open blob store", "dir", cfg.BlobDir, "error", err)
		os.Exit(1)
	}

	// 4. Engine registry and orchestrator
	engineRegistry := engine.NewRegistry(b)
	catalog := engine.NewCatalog(engineRegistry)
	scheduler := orchestrator.NewScheduler(engineRegistry, bus.NewTaskQueue(b), taskStore)
	builder := orchestrator.NewBuilder(catalog)
	enqueuer := webhook.NewEnqueuer(webhookStore)

	orch := orchestrator.New(jobStore, taskStore, builder, scheduler, b, enqueuer, bus.NewSubscriber(b))
	if err := orch.Start(ctx); err != nil {
		slog.Error("Failed to start orchestrator", "error", err)
		os.Exit(1)
	}
	defer orch.Stop()

	// 5. Realtime session router
	workerRegistry := realtime.NewWorkerRegistry(b)
	enhancer := realtime.NewCleanupEnhancer(jobStore, b)
	router := realtime.NewRouter(workerRegistry, sessionStore, b, enhancer)
	router.StartHealthProbe(ctx)
	defer router.StopHealthProbe()

	// 6. Webhook delivery worker
	deliveryWorker := webhook.NewDeliveryWorker(webhookStore)
	deliveryWorker.Start(ctx)
	defer deliveryWorker.Stop()

	// 7. HTTP server
	health := api.NewReporter(dbClient, b, engineRegistry, workerRegistry, webhookStore)
	server := api.NewServer(cfg, verifier,
		api.NewJobStoreAdapter(jobStore, taskStore),
		webhookStore, router, blobs, b, health)

	errCh := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		slog.Info("HTTP server listening", "addr", addr)
		if err := server.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("Dalston started successfully", "pod_id", cfg.PodID)

	// 8. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 9. Graceful shutdown: stop admitting, then drain the background workers
	// via the deferred stops.
	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}
	slog.Info("Dalston shut down")
}
