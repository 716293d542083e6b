// Package broker описывает контракт между воркером и брокером сообщений.
//
// Реализации:
//   - redisq.Broker — Redis Streams (consumer group, отложенные повторы в ZSET)
//   - mq.Broker     — RabbitMQ (work queue + retry queue с TTL)
//
// Результаты хранятся в ResultBackend (redisq.ResultStore) в отдельной
// логической БД Redis.
//
// # Семантика доставки
//
// Доставка at-least-once: сообщение, которое не подтверждено (Ack/Nack)
// до истечения visibility timeout или до потери соединения, будет
// доставлено повторно. Exactly-once не гарантируется. Handler'ы должны
// быть идемпотентны по ID task, либо полагаться на то, что
// ResultBackend перезаписывает запись по ID (last write wins).
package broker

import (
	"context"
	"time"

	"github.com/shaiso/Courier/internal/domain"
)

// Delivery — сообщение, полученное из брокера.
type Delivery struct {
	// MessageID — идентификатор сообщения в транспорте (для логов).
	MessageID string

	// Body — тело сообщения (JSON task).
	// Перед Nack(requeue=true) диспетчер может заменить Body новой версией
	// task (с увеличенным Retries): в очередь вернётся именно она.
	Body []byte

	// Redelivered — сообщение доставляется повторно.
	Redelivered bool

	// RetryDelay — задержка перед повторной доставкой при Nack(requeue=true).
	RetryDelay time.Duration

	// Ref — транспортно-специфичная ссылка для ack/nack.
	Ref any
}

// Broker — клиент брокера сообщений.
type Broker interface {
	// Consume возвращает ленивую бесконечную последовательность доставок.
	// Канал закрывается при отмене ctx или закрытии брокера; повторно
	// запустить последовательность после закрытия нельзя.
	Consume(ctx context.Context) (<-chan *Delivery, error)

	// Ack подтверждает обработку: сообщение удаляется из очереди.
	Ack(ctx context.Context, d *Delivery) error

	// Nack отклоняет сообщение. requeue=true — вернуть d.Body в очередь
	// через d.RetryDelay, false — удалить.
	Nack(ctx context.Context, d *Delivery, requeue bool) error

	// PublishResult записывает результат в result backend.
	PublishResult(ctx context.Context, result *domain.TaskResult) error

	// Close освобождает соединения.
	Close() error
}

// Enqueuer ставит сообщения в очередь (сторона producer'а).
type Enqueuer interface {
	Enqueue(ctx context.Context, taskID string, body []byte) error
}

// ResultBackend — хранилище результатов по ID task.
type ResultBackend interface {
	// Store записывает результат, перезаписывая предыдущий с тем же ID.
	Store(ctx context.Context, result *domain.TaskResult) error

	// Fetch возвращает результат по ID task или ErrResultNotFound.
	Fetch(ctx context.Context, taskID string) (*domain.TaskResult, error)
}
