// Package producer ставит task в очередь. Значения из Spec.Secrets
// шифруются до того, как покинут процесс.
package producer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Courier/internal/broker"
	"github.com/shaiso/Courier/internal/domain"
)

const defaultEnqueueAttempts = 3

var defaultEnqueueBackoff = broker.Backoff{Initial: 200 * time.Millisecond, Max: 2 * time.Second}

// Encrypter шифрует секреты (encryption.Gateway).
type Encrypter interface {
	EncryptFields(secrets map[string]domain.Secret) (map[string]any, []string, error)
}

// Spec — описание ставимой task.
type Spec struct {
	// ID — ID task. Пустой — uuid v4.
	ID string

	// Type — тип task (обязательно).
	Type string

	// Args — упорядоченные аргументы.
	Args []any

	// Kwargs — открытые именованные аргументы.
	Kwargs map[string]any

	// Secrets — именованные аргументы, которые будут зашифрованы.
	Secrets map[string]domain.Secret

	// MaxRetries — переопределение лимита повторов.
	MaxRetries *int
}

// Producer собирает task и публикует их через broker.Enqueuer.
type Producer struct {
	enqueuer broker.Enqueuer
	cipher   Encrypter
	logger   *slog.Logger
	now      func() time.Time
}

// New создаёт Producer.
func New(enqueuer broker.Enqueuer, cipher Encrypter, logger *slog.Logger) *Producer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Producer{
		enqueuer: enqueuer,
		cipher:   cipher,
		logger:   logger.With("component", "producer"),
		now:      time.Now,
	}
}

// Build собирает task из Spec, шифруя секреты.
func (p *Producer) Build(spec Spec) (*domain.Task, error) {
	id := spec.ID
	if id == "" {
		id = uuid.NewString()
	}

	args := spec.Args
	if args == nil {
		args = []any{}
	}

	kwargs := make(map[string]any, len(spec.Kwargs)+len(spec.Secrets))
	for k, v := range spec.Kwargs {
		kwargs[k] = v
	}

	var encrypted []string
	if len(spec.Secrets) > 0 {
		for name := range spec.Secrets {
			if _, dup := kwargs[name]; dup {
				return nil, &domain.ValidationError{Field: "secrets", Message: fmt.Sprintf("%q is also a plain kwarg", name)}
			}
		}
		values, names, err := p.cipher.EncryptFields(spec.Secrets)
		if err != nil {
			return nil, fmt.Errorf("encrypt secrets: %w", err)
		}
		for k, v := range values {
			kwargs[k] = v
		}
		encrypted = names
	}

	task := &domain.Task{
		ID:         id,
		Type:       spec.Type,
		Args:       args,
		Kwargs:     kwargs,
		Encrypted:  encrypted,
		EnqueuedAt: p.now().UTC(),
		MaxRetries: spec.MaxRetries,
	}
	if err := task.Validate(); err != nil {
		return nil, err
	}
	return task, nil
}

// Enqueue собирает task и ставит его в очередь.
func (p *Producer) Enqueue(ctx context.Context, spec Spec) (*domain.Task, error) {
	task, err := p.Build(spec)
	if err != nil {
		return nil, err
	}
	if err := p.EnqueueTask(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

// EnqueueTask ставит готовый task. Недоступность брокера повторяется
// с backoff.
func (p *Producer) EnqueueTask(ctx context.Context, task *domain.Task) error {
	body, err := domain.EncodeTask(task)
	if err != nil {
		return err
	}

	err = broker.Retry(ctx, defaultEnqueueAttempts, defaultEnqueueBackoff, func(ctx context.Context) error {
		return p.enqueuer.Enqueue(ctx, task.ID, body)
	})
	if err != nil {
		return fmt.Errorf("enqueue task %s: %w", task.ID, err)
	}

	p.logger.Info("task enqueued", "task", task)
	return nil
}
