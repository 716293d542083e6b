package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/shaiso/Courier/internal/domain"
	"github.com/shaiso/Courier/internal/repo"
	"github.com/shaiso/Courier/internal/telemetry"
)

const defaultBatchSize = 100

// TxRunner выполняет fn в транзакции (repo.Store).
type TxRunner interface {
	InTx(ctx context.Context, fn func(tx pgx.Tx) error) error
}

// TaskEnqueuer ставит готовый task (producer.Producer).
type TaskEnqueuer interface {
	EnqueueTask(ctx context.Context, task *domain.Task) error
}

// PeriodicStore — операции с расписаниями внутри транзакции тика.
type PeriodicStore interface {
	ListDueForUpdate(ctx context.Context, now time.Time, limit int) ([]domain.PeriodicTask, error)
	MarkEnqueued(ctx context.Context, p *domain.PeriodicTask) error
	SetEnabled(ctx context.Context, id uuid.UUID, enabled bool, nextDue *time.Time) error
}

// Scheduler — beat: ставит периодические task по расписаниям из БД.
type Scheduler struct {
	tx        TxRunner
	periodics func(db repo.DBTX) PeriodicStore
	enqueuer  TaskEnqueuer
	logger    *slog.Logger
	batchSize int
	now       func() time.Time
}

// Config — конфигурация Scheduler.
type Config struct {
	Store     TxRunner
	Enqueuer  TaskEnqueuer
	Logger    *slog.Logger
	BatchSize int // количество расписаний за один тик (default: 100)
}

// New создаёт новый Scheduler.
func New(cfg Config) *Scheduler {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Scheduler{
		tx: cfg.Store,
		periodics: func(db repo.DBTX) PeriodicStore {
			return repo.NewPeriodicTaskRepo(db)
		},
		enqueuer:  cfg.Enqueuer,
		logger:    logger.With("component", "beat"),
		batchSize: batchSize,
		now:       time.Now,
	}
}

// Tick выполняет один тик планировщика в одной транзакции:
//
//  1. Блокирует созревшие расписания (FOR UPDATE SKIP LOCKED)
//  2. Ставит task с детерминированным ID для каждого
//  3. Вычисляет и сохраняет next_due_at
//
// Ошибка постановки одного расписания не блокирует остальные: его
// next_due_at не меняется, и следующий тик поставит task с тем же ID.
// Возвращает число поставленных task.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	now := s.now()
	var enqueued, due int

	err := s.tx.InTx(ctx, func(tx pgx.Tx) error {
		store := s.periodics(tx)

		periodics, err := store.ListDueForUpdate(ctx, now, s.batchSize)
		if err != nil {
			return err
		}
		due = len(periodics)

		for i := range periodics {
			ok, err := s.process(ctx, store, &periodics[i], now)
			if err != nil {
				return err
			}
			if ok {
				enqueued++
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("beat tick: %w", err)
	}

	if due > 0 {
		s.logger.Info("beat tick completed", "due", due, "enqueued", enqueued)
	}
	return enqueued, nil
}

// process ставит task одного расписания. Ошибка возвращается только
// для операций с БД: после неё транзакция непригодна.
func (s *Scheduler) process(ctx context.Context, store PeriodicStore, p *domain.PeriodicTask, now time.Time) (bool, error) {
	logger := s.logger.With("periodic_id", p.ID, "periodic_name", p.Name)

	nextDue, err := NextDue(p, now)
	if err != nil {
		logger.Error("invalid schedule, disabling periodic task", "error", err)
		if err := store.SetEnabled(ctx, p.ID, false, nil); err != nil {
			return false, err
		}
		return false, nil
	}

	task := p.NewTask(*p.NextDueAt, now)
	if err := s.enqueuer.EnqueueTask(ctx, task); err != nil {
		logger.Error("failed to enqueue periodic task", "task_id", task.ID, "error", err)
		return false, nil
	}

	p.RecordEnqueue(task.ID, nextDue)
	if err := store.MarkEnqueued(ctx, p); err != nil {
		return false, err
	}

	telemetry.BeatEnqueued.WithLabelValues(p.TaskType).Inc()
	logger.Info("periodic task enqueued",
		"task_id", task.ID,
		"task_type", p.TaskType,
		"next_due_at", nextDue,
	)
	return true, nil
}
