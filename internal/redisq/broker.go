package redisq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/shaiso/Courier/internal/broker"
	"github.com/shaiso/Courier/internal/domain"
)

// Значения по умолчанию.
const (
	DefaultVisibilityTimeout = 5 * time.Minute
	DefaultBlock             = 2 * time.Second
	DefaultBatchSize         = 10
	promoteLimit             = 100
)

const (
	fieldPayload = "payload"
	fieldTaskID  = "task_id"
)

// promoteScript атомарно переносит созревшие сообщения из ZSET в поток.
var promoteScript = redis.NewScript(`
local items = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, m in ipairs(items) do
	redis.call('ZREM', KEYS[1], m)
	redis.call('XADD', KEYS[2], '*', 'payload', m)
end
return #items
`)

// Config — конфигурация Broker.
type Config struct {
	// Queue — имя очереди (часть ключей Redis).
	Queue string

	// Consumer — имя consumer'а внутри группы (обычно WORKER_ID).
	Consumer string

	// VisibilityTimeout — через сколько неподтверждённое сообщение
	// забирается другим consumer'ом.
	VisibilityTimeout time.Duration

	// Block — таймаут блокирующего XREADGROUP.
	Block time.Duration

	// BatchSize — сколько сообщений читать за раз (обычно = concurrency).
	BatchSize int

	// Results — хранилище результатов. nil — PublishResult возвращает ошибку.
	Results broker.ResultBackend
}

// Broker — брокер на Redis Streams.
type Broker struct {
	rdb     *redis.Client
	results broker.ResultBackend
	logger  *slog.Logger

	stream            string
	delayed           string
	group             string
	consumer          string
	visibilityTimeout time.Duration
	block             time.Duration
	batchSize         int

	mu       sync.Mutex
	closed   bool
	closedCh chan struct{}

	// claimCursor — позиция XAUTOCLAIM в PEL между опросами.
	claimCursor string

	// now подменяется в тестах.
	now func() time.Time
}

// New создаёт Broker поверх открытого клиента. Broker владеет клиентом
// и закрывает его в Close.
func New(rdb *redis.Client, logger *slog.Logger, cfg Config) *Broker {
	if cfg.Queue == "" {
		cfg.Queue = "courier"
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "worker"
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = DefaultVisibilityTimeout
	}
	if cfg.Block <= 0 {
		cfg.Block = DefaultBlock
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}

	return &Broker{
		rdb:               rdb,
		results:           cfg.Results,
		logger:            logger.With("component", "redisq", "queue", cfg.Queue),
		stream:            StreamKey(cfg.Queue),
		delayed:           DelayedKey(cfg.Queue),
		group:             GroupName(cfg.Queue),
		consumer:          cfg.Consumer,
		visibilityTimeout: cfg.VisibilityTimeout,
		block:             cfg.Block,
		batchSize:         cfg.BatchSize,
		closedCh:          make(chan struct{}),
		now:               time.Now,
	}
}

// EnsureGroup создаёт поток и consumer group, если их ещё нет.
func (b *Broker) EnsureGroup(ctx context.Context) error {
	err := b.rdb.XGroupCreateMkStream(ctx, b.stream, b.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return broker.Unavailable("create_group", err)
	}
	return nil
}

// Consume запускает цикл чтения и возвращает канал доставок.
func (b *Broker) Consume(ctx context.Context) (<-chan *broker.Delivery, error) {
	if b.isClosed() {
		return nil, broker.ErrClosed
	}
	if err := b.EnsureGroup(ctx); err != nil {
		return nil, err
	}

	out := make(chan *broker.Delivery)
	go b.consume(ctx, out)
	return out, nil
}

// consume — основной цикл: перенос отложенных, возврат зависших, чтение новых.
func (b *Broker) consume(ctx context.Context, out chan<- *broker.Delivery) {
	defer close(out)

	backoff := broker.Backoff{Initial: time.Second, Max: 30 * time.Second}
	failures := 0

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.closedCh:
			return
		default:
		}

		deliveries, err := b.poll(ctx)
		if err != nil {
			if ctx.Err() != nil || b.isClosed() {
				return
			}
			failures++
			delay := backoff.Delay(failures)
			b.logger.Warn("poll failed, retrying", "error", err, "delay", delay)

			select {
			case <-ctx.Done():
				return
			case <-b.closedCh:
				return
			case <-time.After(delay):
			}
			if errors.Is(err, errNoGroup) {
				if err := b.EnsureGroup(ctx); err != nil {
					b.logger.Warn("recreate group failed", "error", err)
				}
			}
			continue
		}
		failures = 0

		for _, d := range deliveries {
			select {
			case out <- d:
			case <-ctx.Done():
				// Оставшиеся сообщения остаются в PEL и будут забраны
				// после VisibilityTimeout.
				return
			case <-b.closedCh:
				return
			}
		}
	}
}

var errNoGroup = errors.New("consumer group missing")

// poll выполняет одну итерацию чтения.
func (b *Broker) poll(ctx context.Context) ([]*broker.Delivery, error) {
	if _, err := b.PromoteDue(ctx); err != nil {
		return nil, err
	}

	claimed, err := b.claimStale(ctx)
	if err != nil {
		return nil, err
	}
	if len(claimed) > 0 {
		return claimed, nil
	}

	streams, err := b.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    b.group,
		Consumer: b.consumer,
		Streams:  []string{b.stream, ">"},
		Count:    int64(b.batchSize),
		Block:    b.block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		if strings.HasPrefix(err.Error(), "NOGROUP") {
			return nil, fmt.Errorf("%w: %v", errNoGroup, err)
		}
		return nil, broker.Unavailable("consume", err)
	}

	var deliveries []*broker.Delivery
	for _, s := range streams {
		for _, msg := range s.Messages {
			deliveries = append(deliveries, b.toDelivery(msg, false))
		}
	}
	return deliveries, nil
}

// claimStale забирает сообщения, которые другой consumer не подтвердил
// за VisibilityTimeout.
//
// За один вызов Redis просматривает не больше Count*10 записей PEL,
// поэтому следующий опрос продолжает с возвращённого курсора; "0-0"
// означает, что PEL пройден целиком.
func (b *Broker) claimStale(ctx context.Context) ([]*broker.Delivery, error) {
	b.mu.Lock()
	start := b.claimCursor
	b.mu.Unlock()
	if start == "" {
		start = "0-0"
	}

	msgs, next, err := b.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   b.stream,
		Group:    b.group,
		Consumer: b.consumer,
		MinIdle:  b.visibilityTimeout,
		Start:    start,
		Count:    int64(b.batchSize),
	}).Result()
	if err != nil {
		if strings.HasPrefix(err.Error(), "NOGROUP") {
			return nil, fmt.Errorf("%w: %v", errNoGroup, err)
		}
		return nil, broker.Unavailable("claim", err)
	}

	b.mu.Lock()
	b.claimCursor = next
	b.mu.Unlock()

	deliveries := make([]*broker.Delivery, 0, len(msgs))
	for _, msg := range msgs {
		b.logger.Info("reclaimed unacked message", "message_id", msg.ID)
		deliveries = append(deliveries, b.toDelivery(msg, true))
	}
	return deliveries, nil
}

func (b *Broker) toDelivery(msg redis.XMessage, redelivered bool) *broker.Delivery {
	var body []byte
	switch v := msg.Values[fieldPayload].(type) {
	case string:
		body = []byte(v)
	case []byte:
		body = v
	}

	return &broker.Delivery{
		MessageID:   msg.ID,
		Body:        body,
		Redelivered: redelivered,
		Ref:         msg.ID,
	}
}

// PromoteDue переносит созревшие отложенные сообщения в поток.
func (b *Broker) PromoteDue(ctx context.Context) (int, error) {
	now := strconv.FormatInt(b.clock().UnixMilli(), 10)
	n, err := promoteScript.Run(ctx, b.rdb, []string{b.delayed, b.stream}, now, promoteLimit).Int()
	if err != nil {
		return 0, broker.Unavailable("promote", err)
	}
	if n > 0 {
		b.logger.Debug("promoted delayed messages", "count", n)
	}
	return n, nil
}

// Ack подтверждает и удаляет сообщение из потока.
func (b *Broker) Ack(ctx context.Context, d *broker.Delivery) error {
	id, err := messageID(d)
	if err != nil {
		return err
	}

	pipe := b.rdb.TxPipeline()
	pipe.XAck(ctx, b.stream, b.group, id)
	pipe.XDel(ctx, b.stream, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return broker.Unavailable("ack", err)
	}
	return nil
}

// Nack отклоняет сообщение. При requeue тело возвращается в поток сразу
// или через ZSET, если задан RetryDelay. Постановка и подтверждение
// выполняются в одной транзакции.
func (b *Broker) Nack(ctx context.Context, d *broker.Delivery, requeue bool) error {
	id, err := messageID(d)
	if err != nil {
		return err
	}

	pipe := b.rdb.TxPipeline()
	if requeue {
		if d.RetryDelay > 0 {
			due := b.clock().Add(d.RetryDelay).UnixMilli()
			pipe.ZAdd(ctx, b.delayed, redis.Z{Score: float64(due), Member: string(d.Body)})
		} else {
			pipe.XAdd(ctx, &redis.XAddArgs{
				Stream: b.stream,
				Values: map[string]any{fieldPayload: string(d.Body)},
			})
		}
	}
	pipe.XAck(ctx, b.stream, b.group, id)
	pipe.XDel(ctx, b.stream, id)

	if _, err := pipe.Exec(ctx); err != nil {
		return broker.Unavailable("nack", err)
	}
	return nil
}

// PublishResult записывает результат в result backend.
func (b *Broker) PublishResult(ctx context.Context, result *domain.TaskResult) error {
	if b.results == nil {
		return errors.New("result backend not configured")
	}
	return b.results.Store(ctx, result)
}

// Enqueue добавляет сообщение в поток.
func (b *Broker) Enqueue(ctx context.Context, taskID string, body []byte) error {
	if b.isClosed() {
		return broker.ErrClosed
	}

	err := b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: b.stream,
		Values: map[string]any{
			fieldPayload: string(body),
			fieldTaskID:  taskID,
		},
	}).Err()
	if err != nil {
		return broker.Unavailable("enqueue", err)
	}
	return nil
}

// Stats — размеры очереди.
type Stats struct {
	Ready   int64 // сообщений в потоке
	Pending int64 // выдано, но не подтверждено
	Delayed int64 // ждут повтора
}

// Stats возвращает текущие размеры очереди.
func (b *Broker) Stats(ctx context.Context) (Stats, error) {
	pipe := b.rdb.Pipeline()
	streamLen := pipe.XLen(ctx, b.stream)
	delayedLen := pipe.ZCard(ctx, b.delayed)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Stats{}, broker.Unavailable("stats", err)
	}

	stats := Stats{Ready: streamLen.Val(), Delayed: delayedLen.Val()}

	pending, err := b.rdb.XPending(ctx, b.stream, b.group).Result()
	if err != nil && !strings.HasPrefix(err.Error(), "NOGROUP") && !errors.Is(err, redis.Nil) {
		return Stats{}, broker.Unavailable("stats", err)
	}
	if pending != nil {
		stats.Pending = pending.Count
	}
	return stats, nil
}

// Ping проверяет соединение (для /healthz).
func (b *Broker) Ping(ctx context.Context) error {
	if err := b.rdb.Ping(ctx).Err(); err != nil {
		return broker.Unavailable("ping", err)
	}
	return nil
}

// Close останавливает цикл чтения и закрывает клиент.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	close(b.closedCh)

	if err := b.rdb.Close(); err != nil {
		return fmt.Errorf("close redis: %w", err)
	}
	b.logger.Info("broker closed")
	return nil
}

func (b *Broker) clock() time.Time {
	b.mu.Lock()
	now := b.now
	b.mu.Unlock()
	return now()
}

func (b *Broker) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func messageID(d *broker.Delivery) (string, error) {
	id, ok := d.Ref.(string)
	if !ok || id == "" {
		return "", fmt.Errorf("delivery %q has no stream id", d.MessageID)
	}
	return id, nil
}
