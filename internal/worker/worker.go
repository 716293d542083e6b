package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/shaiso/Courier/internal/broker"
	"github.com/shaiso/Courier/internal/domain"
)

// Значения конфигурации по умолчанию.
const (
	defaultConcurrency     = 4
	defaultShutdownTimeout = 30 * time.Second
)

// Consumer — источник доставок для Worker.
type Consumer interface {
	Consume(ctx context.Context) (<-chan *broker.Delivery, error)
}

// Processor обрабатывает одну доставку (Dispatcher).
type Processor interface {
	Dispatch(ctx context.Context, d *broker.Delivery) domain.TaskState
}

// Worker — пул горутин, которые читают доставки из одного
// Consume-канала и передают их Dispatcher'у.
//
// Workers масштабируются горизонтально: несколько процессов
// читают одну очередь, брокер распределяет сообщения между ними.
type Worker struct {
	consumer        Consumer
	processor       Processor
	concurrency     int
	shutdownTimeout time.Duration

	logger     *slog.Logger
	cancelFunc context.CancelFunc
	group      *errgroup.Group
	stopped    bool
	stoppedMu  sync.RWMutex
}

// Config — конфигурация Worker.
type Config struct {
	// Consumer — брокер, из которого читаются доставки.
	Consumer Consumer

	// Processor — обработчик доставок.
	Processor Processor

	// Concurrency — число горутин (default: 4). Prefetch брокера
	// должен быть равен этому значению.
	Concurrency int

	// ShutdownTimeout — сколько ждать in-flight task при остановке
	// (default: 30s).
	ShutdownTimeout time.Duration

	// Logger
	Logger *slog.Logger
}

// New создаёт новый Worker.
func New(cfg Config) *Worker {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}

	shutdownTimeout := cfg.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = defaultShutdownTimeout
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Worker{
		consumer:        cfg.Consumer,
		processor:       cfg.Processor,
		concurrency:     concurrency,
		shutdownTimeout: shutdownTimeout,
		logger:          logger.With("component", "worker"),
	}
}

// Start запускает приём доставок и горутины пула.
//
// ctx управляет только приёмом: после его отмены новые доставки не
// берутся, а уже начатые task выполняются с контекстом, который
// отменой не прерывается.
func (w *Worker) Start(ctx context.Context) error {
	if w.IsStopped() {
		return ErrWorkerStopped
	}

	ctx, cancel := context.WithCancel(ctx)

	deliveries, err := w.consumer.Consume(ctx)
	if err != nil {
		cancel()
		return err
	}
	w.cancelFunc = cancel

	w.logger.Info("starting worker", "concurrency", w.concurrency)

	taskCtx := context.WithoutCancel(ctx)
	w.group = &errgroup.Group{}
	for i := range w.concurrency {
		w.group.Go(func() error {
			w.loop(taskCtx, i, deliveries)
			return nil
		})
	}

	w.logger.Info("worker started")
	return nil
}

// loop — цикл одной горутины пула.
func (w *Worker) loop(ctx context.Context, slot int, deliveries <-chan *broker.Delivery) {
	for d := range deliveries {
		state := w.processor.Dispatch(ctx, d)
		w.logger.Debug("delivery processed", "slot", slot, "message_id", d.MessageID, "state", state)
	}
}

// Stop прекращает приём доставок и ждёт завершения in-flight task
// не дольше ShutdownTimeout. По истечении времени возвращает
// ErrShutdownTimeout: неподтверждённые сообщения брокер доставит
// повторно.
func (w *Worker) Stop() error {
	w.stoppedMu.Lock()
	if w.stopped {
		w.stoppedMu.Unlock()
		return nil
	}
	w.stopped = true
	w.stoppedMu.Unlock()

	w.logger.Info("stopping worker...")

	if w.cancelFunc != nil {
		w.cancelFunc()
	}
	if w.group == nil {
		return nil
	}

	done := make(chan struct{})
	go func() {
		_ = w.group.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("worker stopped")
		return nil
	case <-time.After(w.shutdownTimeout):
		w.logger.Warn("shutdown timeout exceeded, leaving in-flight deliveries unacked",
			"timeout", w.shutdownTimeout,
		)
		return ErrShutdownTimeout
	}
}

// Run запускает Worker и блокируется до отмены ctx, затем
// выполняет Stop.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return w.Stop()
}

// IsStopped проверяет, остановлен ли Worker.
func (w *Worker) IsStopped() bool {
	w.stoppedMu.RLock()
	defer w.stoppedMu.RUnlock()
	return w.stopped
}
