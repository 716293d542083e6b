package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/shaiso/Courier/internal/repo"
	"github.com/shaiso/Courier/internal/telemetry"
)

// DefaultLockKey — ключ advisory lock для выбора лидера beat.
const DefaultLockKey int64 = 424242

// Lock — удерживаемый lock лидера.
type Lock interface {
	Alive(ctx context.Context) bool
	Unlock(ctx context.Context) error
	// Abandon освобождает ресурсы lock, соединение которого потеряно.
	Abandon(ctx context.Context)
}

// Locker пытается взять lock лидера без ожидания.
// Возвращает nil, nil, если lock занят.
type Locker interface {
	TryLock(ctx context.Context) (Lock, error)
}

// AdvisoryLocker — Locker поверх pg_try_advisory_lock.
type AdvisoryLocker struct {
	Store *repo.Store
	Key   int64
}

// TryLock реализует Locker.
func (l AdvisoryLocker) TryLock(ctx context.Context) (Lock, error) {
	lock, err := l.Store.TryAdvisoryLock(ctx, l.Key)
	if err != nil || lock == nil {
		return nil, err
	}
	return lock, nil
}

// Ticker — то, что вызывается лидером на каждом тике.
type Ticker interface {
	Tick(ctx context.Context) (int, error)
}

// Runner запускает тики только пока процесс держит lock лидера.
type Runner struct {
	locker   Locker
	ticker   Ticker
	interval time.Duration
	logger   *slog.Logger

	lock Lock
}

// NewRunner создаёт Runner. interval по умолчанию 1s.
func NewRunner(locker Locker, ticker Ticker, interval time.Duration, logger *slog.Logger) *Runner {
	if interval <= 0 {
		interval = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		locker:   locker,
		ticker:   ticker,
		interval: interval,
		logger:   logger.With("component", "beat"),
	}
}

// Run блокируется до отмены ctx. При выходе lock снимается.
func (r *Runner) Run(ctx context.Context) error {
	t := time.NewTicker(r.interval)
	defer t.Stop()
	defer r.release()

	for {
		r.step(ctx)

		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

// IsLeader сообщает, держит ли Runner lock.
func (r *Runner) IsLeader() bool {
	return r.lock != nil
}

func (r *Runner) step(ctx context.Context) {
	if r.lock != nil && !r.lock.Alive(ctx) {
		if ctx.Err() != nil {
			return
		}
		r.logger.Warn("leader lock lost")
		r.abandon()
	}

	if r.lock == nil {
		lock, err := r.locker.TryLock(ctx)
		if err != nil {
			r.logger.Error("failed to acquire leader lock", "error", err)
			return
		}
		if lock == nil {
			return
		}
		r.lock = lock
		telemetry.BeatLeader.Set(1)
		r.logger.Info("acquired leader lock")
	}

	if _, err := r.ticker.Tick(ctx); err != nil {
		r.logger.Error("beat tick failed", "error", err)
	}
}

func (r *Runner) abandon() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	r.lock.Abandon(ctx)
	r.lock = nil
	telemetry.BeatLeader.Set(0)
}

func (r *Runner) release() {
	if r.lock == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.lock.Unlock(ctx); err != nil {
		r.logger.Warn("failed to release leader lock", "error", err)
	}
	r.lock = nil
	telemetry.BeatLeader.Set(0)
	r.logger.Info("released leader lock")
}
