package mq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange — тип для имени обменника.
type Exchange string

// Exchanges — имена обменников.
const (
	// ExchangeTasks — рабочий обменник, routing key = имя очереди.
	ExchangeTasks Exchange = "courier.tasks"

	// ExchangeRetry — обменник отложенных повторов.
	ExchangeRetry Exchange = "courier.retry"
)

// Topology — имена очередей для одной логической очереди task.
type Topology struct {
	// Work — рабочая очередь, из которой читают воркеры.
	Work string

	// Retry — очередь ожидания повтора. Сообщения лежат в ней до
	// истечения per-message TTL и возвращаются в Work через
	// dead-letter exchange.
	Retry string
}

// NewTopology возвращает топологию для очереди queue.
func NewTopology(queue string) Topology {
	return Topology{
		Work:  queue,
		Retry: queue + ".retry",
	}
}

// Setup объявляет exchanges, queues и bindings. Идемпотентна.
func (t Topology) Setup(ctx context.Context, conn *Connection) error {
	return conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		// 1. Создаём exchanges
		if err := declareExchanges(ch); err != nil {
			return err
		}

		// 2. Создаём queues
		if err := t.declareQueues(ch); err != nil {
			return err
		}

		// 3. Привязываем queues к exchanges
		return t.bindQueues(ch)
	})
}

// declareExchanges создаёт обменники.
func declareExchanges(ch *amqp.Channel) error {
	for _, name := range []Exchange{ExchangeTasks, ExchangeRetry} {
		err := ch.ExchangeDeclare(
			string(name), // name
			"direct",     // type
			true,         // durable
			false,        // auto-deleted
			false,        // internal
			false,        // no-wait
			nil,          // arguments
		)
		if err != nil {
			return fmt.Errorf("declare exchange %s: %w", name, err)
		}
	}
	return nil
}

// declareQueues создаёт очереди.
func (t Topology) declareQueues(ch *amqp.Channel) error {
	// Истёкшие сообщения из retry возвращаются в рабочую очередь
	retryArgs := amqp.Table{
		"x-dead-letter-exchange":    string(ExchangeTasks),
		"x-dead-letter-routing-key": t.Work,
	}

	queues := []struct {
		name string
		args amqp.Table
	}{
		{t.Work, nil},
		{t.Retry, retryArgs},
	}

	for _, q := range queues {
		_, err := ch.QueueDeclare(
			q.name, // name
			true,   // durable
			false,  // delete when unused
			false,  // exclusive
			false,  // no-wait
			q.args, // arguments
		)
		if err != nil {
			return fmt.Errorf("declare queue %s: %w", q.name, err)
		}
	}
	return nil
}

// bindQueues привязывает очереди к обменникам.
func (t Topology) bindQueues(ch *amqp.Channel) error {
	bindings := []struct {
		queue    string
		exchange Exchange
	}{
		{t.Work, ExchangeTasks},
		{t.Retry, ExchangeRetry},
	}

	for _, b := range bindings {
		err := ch.QueueBind(
			b.queue,            // queue name
			t.Work,             // routing key
			string(b.exchange), // exchange
			false,              // no-wait
			nil,                // arguments
		)
		if err != nil {
			return fmt.Errorf("bind queue %s to %s: %w", b.queue, b.exchange, err)
		}
	}
	return nil
}

// Info возвращает описание топологии для логирования.
func (t Topology) Info() string {
	return fmt.Sprintf(`
  Courier RabbitMQ Topology:

    %[1]s (direct)
    └── %[3]s [routing: %[3]s]
            Consumer: Worker

    %[2]s (direct)
    └── %[4]s [routing: %[3]s]
            TTL per message, dead-letter -> %[1]s
`, ExchangeTasks, ExchangeRetry, t.Work, t.Retry)
}
