// Courier Worker — выполняет task из очереди.
//
// Worker:
//   - Получает task из брокера (Redis Streams или RabbitMQ)
//   - Расшифровывает секретные kwargs и вызывает handler по типу
//   - Повторяет transient-ошибки с exponential backoff
//   - Публикует результат в result backend и журнал PostgreSQL
//
// Workers масштабируются горизонтально.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/shaiso/Courier/internal/config"
	"github.com/shaiso/Courier/internal/handlers"
	"github.com/shaiso/Courier/internal/repo"
	"github.com/shaiso/Courier/internal/report"
	"github.com/shaiso/Courier/internal/telemetry"
	"github.com/shaiso/Courier/internal/transport"
	"github.com/shaiso/Courier/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := telemetry.SetupLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting courier-worker", "worker_id", cfg.WorkerID, "concurrency", cfg.Concurrency)

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	gateway, err := cfg.Gateway()
	if err != nil {
		logger.Error("invalid encryption key", "error", err)
		os.Exit(1)
	}

	// DB pool
	pool, err := repo.NewPool(ctx, cfg.Pool())
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	store := repo.NewStore(pool, cfg.DBAcquireTimeout)
	if err := store.EnsureSchema(ctx); err != nil {
		logger.Error("failed to ensure schema", "error", err)
		os.Exit(1)
	}
	logger.Info("database connected")

	// Broker + result backend
	conn, err := transport.Open(ctx, cfg.Transport(), logger)
	if err != nil {
		logger.Error("failed to connect to broker", "error", err)
		os.Exit(1)
	}
	defer conn.Close()

	reporter, err := report.New(cfg.Sentry(), logger)
	if err != nil {
		logger.Error("failed to init error reporter", "error", err)
		os.Exit(1)
	}
	defer reporter.Close(2 * time.Second)

	registry := worker.NewRegistry()
	handlers.Register(registry, handlers.Deps{
		Store:  store,
		Cipher: gateway,
		Logger: logger,
	})

	dispatcher, err := worker.NewDispatcher(worker.DispatcherConfig{
		Broker:         conn.Broker,
		Cipher:         gateway,
		Registry:       registry,
		Reporter:       reporter,
		Journal:        repo.NewResultRepo(pool),
		MaxRetries:     cfg.DispatcherMaxRetries(),
		RetryBackoff:   cfg.RetryBackoff(),
		HandlerTimeout: cfg.TaskTimeout,
		Logger:         logger,
	})
	if err != nil {
		logger.Error("failed to create dispatcher", "error", err)
		os.Exit(1)
	}
	logger.Info("handlers registered", "types", registry.Types())

	w := worker.New(worker.Config{
		Consumer:        conn.Broker,
		Processor:       dispatcher,
		Concurrency:     cfg.Concurrency,
		ShutdownTimeout: cfg.ShutdownTimeout,
		Logger:          logger,
	})

	// HTTP mux: /healthz + /metrics
	mux := telemetry.NewMux(map[string]telemetry.HealthCheck{
		"database": store.Ping,
		"broker":   conn.Broker.Ping,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return w.Run(gctx)
	})
	g.Go(func() error {
		return telemetry.Serve(gctx, fmt.Sprintf(":%d", cfg.WorkerPort), mux, logger)
	})

	if err := g.Wait(); err != nil {
		logger.Error("courier-worker stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("courier-worker stopped")
}
