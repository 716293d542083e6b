package mq

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ContentTypeTask — content type сообщений с task.
const ContentTypeTask = "application/json"

// Publisher публикует сообщения в RabbitMQ.
type Publisher struct {
	conn   *Connection
	logger *slog.Logger
}

// NewPublisher создаёт новый Publisher.
func NewPublisher(conn *Connection, logger *slog.Logger) *Publisher {
	return &Publisher{
		conn:   conn,
		logger: logger,
	}
}

// Message — сообщение для публикации.
type Message struct {
	// ID — идентификатор сообщения (ID task).
	ID string

	// Body — тело (JSON task).
	Body []byte

	// Delay — задержка доставки. > 0 — сообщение уходит в retry-очередь
	// с per-message TTL.
	Delay time.Duration
}

// Publish публикует сообщение в очередь topology.
func (p *Publisher) Publish(ctx context.Context, t Topology, msg *Message) error {
	exchange := ExchangeTasks
	expiration := ""
	if msg.Delay > 0 {
		exchange = ExchangeRetry
		expiration = expirationFor(msg.Delay)
	}

	return p.conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		err := ch.PublishWithContext(
			ctx,
			string(exchange), // exchange
			t.Work,           // routing key
			false,
			false,
			amqp.Publishing{
				ContentType:  ContentTypeTask,
				DeliveryMode: amqp.Persistent, // сообщение переживёт рестарт RabbitMQ
				MessageId:    msg.ID,
				Timestamp:    time.Now(),
				Expiration:   expiration,
				Body:         msg.Body,
			},
		)
		if err != nil {
			return fmt.Errorf("publish to %s/%s: %w", exchange, t.Work, err)
		}

		p.logger.Debug("published message",
			"exchange", exchange,
			"routing_key", t.Work,
			"message_id", msg.ID,
			"delay", msg.Delay,
		)

		return nil
	})
}

// expirationFor возвращает значение AMQP expiration (миллисекунды строкой).
func expirationFor(d time.Duration) string {
	ms := d.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	return strconv.FormatInt(ms, 10)
}
