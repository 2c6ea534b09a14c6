// Command convoke runs the control plane: agent registry, task orchestrator,
// consensus engine, queue subscriber, and admin API in one process.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	cvkhttp "github.com/convoke-io/convoke/internal/adapter/http"
	cvknats "github.com/convoke-io/convoke/internal/adapter/nats"
	"github.com/convoke-io/convoke/internal/adapter/natskv"
	"github.com/convoke-io/convoke/internal/adapter/otel"
	"github.com/convoke-io/convoke/internal/adapter/postgres"
	"github.com/convoke-io/convoke/internal/adapter/ristretto"
	"github.com/convoke-io/convoke/internal/adapter/tiered"
	"github.com/convoke-io/convoke/internal/adapter/ws"
	"github.com/convoke-io/convoke/internal/config"
	"github.com/convoke-io/convoke/internal/logger"
	"github.com/convoke-io/convoke/internal/service"
)

const serviceName = "convoke"

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	flags, err := config.ParseFlags(os.Args[1:])
	if err != nil {
		return fmt.Errorf("flags: %w", err)
	}
	cfg, configPath, err := config.LoadWithCLI(flags)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log := logger.New(cfg.Logging)
	slog.SetDefault(log)
	slog.Info("config loaded",
		"config_file", configPath,
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Telemetry ---
	providers, err := otel.Init(ctx, cfg.Otel, serviceName, log)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := providers.Shutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown", "error", err)
		}
	}()
	metrics, err := otel.NewMetrics()
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	// --- Infrastructure ---
	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	slog.Info("postgres ready")

	queue, err := cvknats.Connect(ctx, cfg.NATS.URL, cfg.NATS.MaxAckPending, log)
	if err != nil {
		return fmt.Errorf("nats: %w", err)
	}
	defer func() { _ = queue.Close() }()

	l1, err := ristretto.New(cfg.Cache.L1MaxSizeMB << 20)
	if err != nil {
		return fmt.Errorf("l1 cache: %w", err)
	}
	defer l1.Close()
	l2, err := natskv.EnsureBucket(ctx, queue.JetStream(), cfg.Cache.L2Bucket, cfg.Cache.TTL)
	if err != nil {
		return fmt.Errorf("l2 cache: %w", err)
	}
	dedup := tiered.New(l1, l2, cfg.Cache.TTL)

	// --- Services ---
	store := postgres.NewStore(pool)
	hub := ws.NewHub(log)
	dirty := service.NewDirtySet()

	registry := service.NewRegistryService(store, queue, hub, dirty, metrics, cfg.Registry)
	orch := service.NewOrchestratorService(registry, queue, store, hub, dirty, metrics, cfg.Orchestrator)
	consensus := service.NewConsensusService(store, queue, hub, dirty, metrics, cfg.Consensus)
	reconciler := service.NewReconciler(dirty, store, registry, orch, consensus, cfg.Orchestrator.SweepInterval)

	// Recovery order matters: the orchestrator re-enqueues against the
	// recovered agent pool.
	if err := registry.Recover(ctx); err != nil {
		return fmt.Errorf("recover: %w", err)
	}
	if err := orch.Recover(ctx); err != nil {
		return fmt.Errorf("recover: %w", err)
	}
	if err := consensus.Recover(ctx); err != nil {
		return fmt.Errorf("recover: %w", err)
	}

	sub := service.NewSubscriber(queue, orch, registry, consensus, dedup, cfg.Orchestrator.WorkerPoolSize)
	if err := sub.Start(ctx); err != nil {
		return fmt.Errorf("subscriber: %w", err)
	}
	defer sub.Stop()

	go orch.Run(ctx)
	go consensus.Run(ctx)
	go reconciler.Run(ctx)

	// --- HTTP ---
	handlers := cvkhttp.NewHandlers(registry, orch, consensus, queue, pool)
	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           cvkhttp.NewRouter(handlers, hub),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	case <-ctx.Done():
	}
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("server shutdown", "error", err)
	}
	if err := queue.Drain(); err != nil {
		slog.Warn("queue drain", "error", err)
	}
	return nil
}
