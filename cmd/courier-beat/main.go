// Courier Beat — ставит периодические task по расписаниям.
//
// Можно запускать несколько экземпляров: тики выполняет только
// держатель advisory lock в PostgreSQL.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/shaiso/Courier/internal/config"
	"github.com/shaiso/Courier/internal/producer"
	"github.com/shaiso/Courier/internal/repo"
	"github.com/shaiso/Courier/internal/scheduler"
	"github.com/shaiso/Courier/internal/telemetry"
	"github.com/shaiso/Courier/internal/transport"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := telemetry.SetupLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting courier-beat", "interval", cfg.BeatInterval)

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

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

	conn, err := transport.Open(ctx, cfg.Transport(), logger)
	if err != nil {
		logger.Error("failed to connect to broker", "error", err)
		os.Exit(1)
	}
	defer conn.Close()

	// Kwargs расписаний уже зашифрованы, beat ключ не нужен.
	prod := producer.New(conn.Broker, nil, logger)

	sched := scheduler.New(scheduler.Config{
		Store:    store,
		Enqueuer: prod,
		Logger:   logger,
	})
	locker := scheduler.AdvisoryLocker{Store: store, Key: cfg.BeatLockKey}
	runner := scheduler.NewRunner(locker, sched, cfg.BeatInterval, logger)

	mux := telemetry.NewMux(map[string]telemetry.HealthCheck{
		"database": store.Ping,
		"broker":   conn.Broker.Ping,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return runner.Run(gctx)
	})
	g.Go(func() error {
		return telemetry.Serve(gctx, fmt.Sprintf(":%d", cfg.BeatPort), mux, logger)
	})

	if err := g.Wait(); err != nil {
		logger.Error("courier-beat stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("courier-beat stopped")
}
