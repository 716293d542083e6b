package mq

import (
	"context"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shaiso/Courier/internal/broker"
)

// Consumer потребляет сообщения из очереди RabbitMQ и отдаёт их
// в виде broker.Delivery.
type Consumer struct {
	conn     *Connection
	logger   *slog.Logger
	queue    string
	prefetch int
}

// ConsumerConfig — конфигурация consumer.
type ConsumerConfig struct {
	// Queue — имя очереди.
	Queue string

	// Prefetch — количество неподтверждённых сообщений на consumer.
	// Обычно равно числу горутин воркера.
	Prefetch int
}

// NewConsumer создаёт новый Consumer.
func NewConsumer(conn *Connection, logger *slog.Logger, cfg ConsumerConfig) *Consumer {
	prefetch := cfg.Prefetch
	if prefetch <= 0 {
		prefetch = 1
	}

	return &Consumer{
		conn:     conn,
		logger:   logger,
		queue:    cfg.Queue,
		prefetch: prefetch,
	}
}

// Run — основной цикл потребления. Пишет доставки в out и переподключается
// при потере канала. Возвращается при отмене ctx или закрытии соединения.
func (c *Consumer) Run(ctx context.Context, out chan<- *broker.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.conn.Done():
			return
		default:
		}

		// Получаем канал доставки
		deliveries, err := c.setupConsume()
		if err != nil {
			c.logger.Error("failed to setup consume", "queue", c.queue, "error", err)
			// Ждём переподключения
			select {
			case <-ctx.Done():
				return
			case <-c.conn.Done():
				return
			case <-c.conn.Reconnected():
				c.logger.Info("reconnected, restarting consumer", "queue", c.queue)
				continue
			}
		}

		c.logger.Info("consumer started", "queue", c.queue, "prefetch", c.prefetch)

		// Обрабатываем сообщения
		if !c.forward(ctx, deliveries, out) {
			return
		}

		c.logger.Warn("deliveries channel closed, reconnecting", "queue", c.queue)
		select {
		case <-ctx.Done():
			return
		case <-c.conn.Done():
			return
		case <-c.conn.Reconnected():
		}
	}
}

// setupConsume настраивает канал и начинает потребление.
func (c *Consumer) setupConsume() (<-chan amqp.Delivery, error) {
	ch := c.conn.Channel()
	if ch == nil {
		return nil, broker.Unavailable("consume", errNoChannel)
	}

	// Устанавливаем prefetch
	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("set qos: %w", err)
	}

	// Начинаем потребление
	deliveries, err := ch.Consume(
		c.queue, // queue
		"",      // consumer tag (auto-generated)
		false,   // auto-ack (мы ack вручную)
		false,   // exclusive
		false,   // no-local
		false,   // no-wait
		nil,     // args
	)
	if err != nil {
		return nil, fmt.Errorf("consume: %w", err)
	}

	return deliveries, nil
}

// forward пересылает доставки в out. Возвращает false, если цикл нужно
// завершить (ctx отменён), true — если канал доставок закрылся.
func (c *Consumer) forward(ctx context.Context, deliveries <-chan amqp.Delivery, out chan<- *broker.Delivery) bool {
	for {
		select {
		case <-ctx.Done():
			return false

		case raw, ok := <-deliveries:
			if !ok {
				return true
			}

			c.logger.Debug("received message",
				"queue", c.queue,
				"message_id", raw.MessageId,
				"redelivered", raw.Redelivered,
			)

			d := &broker.Delivery{
				MessageID:   raw.MessageId,
				Body:        raw.Body,
				Redelivered: raw.Redelivered,
				Ref:         raw,
			}

			select {
			case out <- d:
			case <-ctx.Done():
				// Неподтверждённое сообщение вернётся в очередь при
				// закрытии канала.
				return false
			}
		}
	}
}
