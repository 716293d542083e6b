package mq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shaiso/Courier/internal/broker"
	"github.com/shaiso/Courier/internal/domain"
)

// BrokerConfig — конфигурация Broker.
type BrokerConfig struct {
	// Queue — имя рабочей очереди.
	Queue string

	// Prefetch — сколько сообщений брокер выдаёт без ack.
	Prefetch int

	// Results — хранилище результатов.
	Results broker.ResultBackend
}

// Broker реализует broker.Broker поверх RabbitMQ.
//
// Повтор с задержкой: тело публикуется в retry-очередь с TTL, затем
// исходное сообщение подтверждается. Если процесс упадёт между
// публикацией и ack, сообщение будет доставлено дважды (at-least-once).
type Broker struct {
	conn      *Connection
	topology  Topology
	publisher *Publisher
	consumer  *Consumer
	results   broker.ResultBackend
	logger    *slog.Logger

	mu       sync.Mutex
	consumed bool
}

// NewBroker подключается к RabbitMQ и объявляет топологию.
func NewBroker(ctx context.Context, url string, logger *slog.Logger, cfg BrokerConfig) (*Broker, error) {
	if cfg.Queue == "" {
		cfg.Queue = "courier"
	}

	conn, err := NewConnection(url, logger)
	if err != nil {
		return nil, err
	}

	topology := NewTopology(cfg.Queue)
	if err := topology.Setup(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("setup topology: %w", err)
	}

	logger = logger.With("component", "mq", "queue", cfg.Queue)
	logger.Debug("topology ready", "info", topology.Info())

	return &Broker{
		conn:      conn,
		topology:  topology,
		publisher: NewPublisher(conn, logger),
		consumer:  NewConsumer(conn, logger, ConsumerConfig{Queue: topology.Work, Prefetch: cfg.Prefetch}),
		results:   cfg.Results,
		logger:    logger,
	}, nil
}

// Consume запускает потребление. Вызывается один раз за время жизни Broker.
func (b *Broker) Consume(ctx context.Context) (<-chan *broker.Delivery, error) {
	if b.isClosed() {
		return nil, broker.ErrClosed
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.consumed {
		return nil, errors.New("consume already started")
	}
	b.consumed = true

	out := make(chan *broker.Delivery)
	go func() {
		defer close(out)
		b.consumer.Run(ctx, out)
	}()
	return out, nil
}

// Ack подтверждает сообщение.
func (b *Broker) Ack(_ context.Context, d *broker.Delivery) error {
	raw, err := rawDelivery(d)
	if err != nil {
		return err
	}
	if err := raw.Ack(false); err != nil {
		return broker.Unavailable("ack", err)
	}
	return nil
}

// Nack отклоняет сообщение. requeue=true — публикует d.Body заново
// (через retry-очередь при RetryDelay > 0) и подтверждает исходное;
// false — удаляет сообщение.
func (b *Broker) Nack(ctx context.Context, d *broker.Delivery, requeue bool) error {
	raw, err := rawDelivery(d)
	if err != nil {
		return err
	}

	if !requeue {
		if err := raw.Nack(false, false); err != nil {
			return broker.Unavailable("nack", err)
		}
		return nil
	}

	msg := &Message{ID: d.MessageID, Body: d.Body, Delay: d.RetryDelay}
	if err := b.publisher.Publish(ctx, b.topology, msg); err != nil {
		return broker.Unavailable("nack", err)
	}
	if err := raw.Ack(false); err != nil {
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

// Enqueue публикует новое сообщение в рабочую очередь.
func (b *Broker) Enqueue(ctx context.Context, taskID string, body []byte) error {
	if b.isClosed() {
		return broker.ErrClosed
	}
	if err := b.publisher.Publish(ctx, b.topology, &Message{ID: taskID, Body: body}); err != nil {
		return broker.Unavailable("enqueue", err)
	}
	return nil
}

// Ping проверяет соединение (для /healthz).
func (b *Broker) Ping(_ context.Context) error {
	if !b.conn.IsConnected() {
		return broker.Unavailable("ping", errNoChannel)
	}
	return nil
}

// Close закрывает соединение. Неподтверждённые сообщения RabbitMQ
// вернёт в очередь.
func (b *Broker) Close() error {
	return b.conn.Close()
}

func (b *Broker) isClosed() bool {
	b.conn.mu.RLock()
	defer b.conn.mu.RUnlock()
	return b.conn.closed
}

func rawDelivery(d *broker.Delivery) (amqp.Delivery, error) {
	raw, ok := d.Ref.(amqp.Delivery)
	if !ok {
		return amqp.Delivery{}, fmt.Errorf("delivery %q has no amqp reference", d.MessageID)
	}
	return raw, nil
}
