package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/Courier/internal/config"
	"github.com/shaiso/Courier/internal/domain"
	"github.com/shaiso/Courier/internal/producer"
	"github.com/shaiso/Courier/internal/redisq"
	"github.com/shaiso/Courier/internal/repo"
	"github.com/shaiso/Courier/internal/transport"
)

// ErrStatsUnsupported — статистика очереди доступна только для Redis.
var ErrStatsUnsupported = errors.New("queue stats are only available for redis brokers")

// Cipher шифрует и расшифровывает поля (encryption.Gateway).
type Cipher interface {
	EncryptFields(secrets map[string]domain.Secret) (map[string]any, []string, error)
	DecryptFields(values map[string]any, names []string) (map[string]domain.Secret, error)
	EncryptString(plaintext []byte) (string, error)
}

// TaskEnqueuer ставит task (producer.Producer).
type TaskEnqueuer interface {
	Enqueue(ctx context.Context, spec producer.Spec) (*domain.Task, error)
}

// ResultFetcher читает result backend.
type ResultFetcher interface {
	Fetch(ctx context.Context, taskID string) (*domain.TaskResult, error)
}

// JournalReader читает журнал результатов в PostgreSQL.
type JournalReader interface {
	List(ctx context.Context, filter repo.ResultFilter) ([]domain.TaskResult, error)
}

// PeriodicStore — расписания beat.
type PeriodicStore interface {
	Create(ctx context.Context, p *domain.PeriodicTask) error
	GetByName(ctx context.Context, name string) (*domain.PeriodicTask, error)
	List(ctx context.Context, filter repo.PeriodicFilter) ([]domain.PeriodicTask, error)
	Delete(ctx context.Context, id uuid.UUID) error
	SetEnabled(ctx context.Context, id uuid.UUID, enabled bool, nextDue *time.Time) error
}

// SubscriptionStore — webhook-подписки.
type SubscriptionStore interface {
	Create(ctx context.Context, s *domain.Subscription) error
	List(ctx context.Context) ([]domain.Subscription, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// QueueStats возвращает размеры очереди.
type QueueStats interface {
	Stats(ctx context.Context) (redisq.Stats, error)
}

// Env лениво открывает подключения, нужные командам. Каждая команда
// подключается только к тому, что использует.
type Env struct {
	cfg    *config.Config
	logger *slog.Logger

	cipher        Cipher
	enqueuer      TaskEnqueuer
	results       ResultFetcher
	journal       JournalReader
	periodics     PeriodicStore
	subscriptions SubscriptionStore
	stats         QueueStats

	pool    *pgxpool.Pool
	conn    *transport.Conn
	closers []func() error
}

// NewEnv создаёт Env.
func NewEnv(cfg *config.Config, logger *slog.Logger) *Env {
	if logger == nil {
		logger = slog.Default()
	}
	return &Env{cfg: cfg, logger: logger}
}

// Config возвращает конфигурацию.
func (e *Env) Config() *config.Config {
	return e.cfg
}

// Cipher возвращает EncryptionGateway. Нужен ENCRYPTION_KEY.
func (e *Env) Cipher() (Cipher, error) {
	if e.cipher != nil {
		return e.cipher, nil
	}
	g, err := e.cfg.Gateway()
	if err != nil {
		return nil, err
	}
	e.cipher = g
	return e.cipher, nil
}

// Enqueuer возвращает Producer поверх брокера.
func (e *Env) Enqueuer(ctx context.Context) (TaskEnqueuer, error) {
	if e.enqueuer != nil {
		return e.enqueuer, nil
	}
	cipher, err := e.Cipher()
	if err != nil {
		return nil, err
	}
	conn, err := e.transport(ctx)
	if err != nil {
		return nil, err
	}
	e.enqueuer = producer.New(conn.Broker, cipher, e.logger)
	return e.enqueuer, nil
}

// Results возвращает result backend.
func (e *Env) Results(ctx context.Context) (ResultFetcher, error) {
	if e.results != nil {
		return e.results, nil
	}
	store, err := transport.OpenResults(ctx, e.cfg.Transport())
	if err != nil {
		return nil, err
	}
	e.closers = append(e.closers, store.Close)
	e.results = store
	return e.results, nil
}

// Journal возвращает журнал результатов.
func (e *Env) Journal(ctx context.Context) (JournalReader, error) {
	if e.journal != nil {
		return e.journal, nil
	}
	pool, err := e.db(ctx)
	if err != nil {
		return nil, err
	}
	e.journal = repo.NewResultRepo(pool)
	return e.journal, nil
}

// Periodics возвращает репозиторий расписаний.
func (e *Env) Periodics(ctx context.Context) (PeriodicStore, error) {
	if e.periodics != nil {
		return e.periodics, nil
	}
	pool, err := e.db(ctx)
	if err != nil {
		return nil, err
	}
	e.periodics = repo.NewPeriodicTaskRepo(pool)
	return e.periodics, nil
}

// Subscriptions возвращает репозиторий подписок.
func (e *Env) Subscriptions(ctx context.Context) (SubscriptionStore, error) {
	if e.subscriptions != nil {
		return e.subscriptions, nil
	}
	pool, err := e.db(ctx)
	if err != nil {
		return nil, err
	}
	e.subscriptions = repo.NewSubscriptionRepo(pool)
	return e.subscriptions, nil
}

// QueueStats возвращает статистику очереди (только Redis).
func (e *Env) QueueStats(ctx context.Context) (QueueStats, error) {
	if e.stats != nil {
		return e.stats, nil
	}
	conn, err := e.transport(ctx)
	if err != nil {
		return nil, err
	}
	stats, ok := conn.Broker.(QueueStats)
	if !ok {
		return nil, fmt.Errorf("%w (scheme %s)", ErrStatsUnsupported, conn.Scheme)
	}
	e.stats = stats
	return e.stats, nil
}

// Close закрывает открытые подключения.
func (e *Env) Close() error {
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		errs = append(errs, e.closers[i]())
	}
	e.closers = nil
	return errors.Join(errs...)
}

func (e *Env) db(ctx context.Context) (*pgxpool.Pool, error) {
	if e.pool != nil {
		return e.pool, nil
	}
	pool, err := repo.NewPool(ctx, e.cfg.Pool())
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := repo.NewStore(pool, e.cfg.DBAcquireTimeout).EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	e.closers = append(e.closers, func() error { pool.Close(); return nil })
	e.pool = pool
	return pool, nil
}

func (e *Env) transport(ctx context.Context) (*transport.Conn, error) {
	if e.conn != nil {
		return e.conn, nil
	}
	conn, err := transport.Open(ctx, e.cfg.Transport(), e.logger)
	if err != nil {
		return nil, err
	}
	e.closers = append(e.closers, conn.Close)
	e.conn = conn
	return conn, nil
}
