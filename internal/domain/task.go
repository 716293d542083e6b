package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// Task — сообщение с задачей, которое воркер получает из брокера.
//
// Task создаётся producer'ом (CLI, beat, внешние сервисы).
// Изменяется только диспетчером: Retries увеличивается при повторе.
//
// Значения kwargs, перечисленные в Encrypted, хранятся и передаются
// только в зашифрованном виде (base64 от шифротекста).
type Task struct {
	// ID — уникальный идентификатор task (уникален для каждой постановки).
	ID string `json:"id"`

	// Type — имя handler'а, например "webhook.deliver".
	Type string `json:"type"`

	// Args — упорядоченный список аргументов.
	Args []any `json:"args"`

	// Kwargs — именованные аргументы.
	Kwargs map[string]any `json:"kwargs,omitempty"`

	// Encrypted — имена kwargs, значения которых зашифрованы.
	Encrypted []string `json:"encrypted,omitempty"`

	// EnqueuedAt — время постановки в очередь.
	EnqueuedAt time.Time `json:"enqueued_at"`

	// Retries — сколько раз task уже повторялся (начиная с 0).
	Retries int `json:"retries"`

	// MaxRetries — переопределение лимита повторов для этого task.
	// nil — используется лимит из конфигурации воркера.
	MaxRetries *int `json:"max_retries,omitempty"`
}

// RetryLimit возвращает лимит повторов с учётом переопределения.
func (t *Task) RetryLimit(configured int) int {
	if t.MaxRetries != nil && *t.MaxRetries >= 0 {
		return *t.MaxRetries
	}
	return configured
}

// CanRetry проверяет, можно ли поставить task на ещё один повтор.
func (t *Task) CanRetry(maxRetries int) bool {
	return t.Retries < t.RetryLimit(maxRetries)
}

// IsEncrypted проверяет, помечено ли поле как зашифрованное.
func (t *Task) IsEncrypted(name string) bool {
	for _, n := range t.Encrypted {
		if n == name {
			return true
		}
	}
	return false
}

// PlainKwargs возвращает kwargs без зашифрованных полей.
func (t *Task) PlainKwargs() map[string]any {
	out := make(map[string]any, len(t.Kwargs))
	for k, v := range t.Kwargs {
		if t.IsEncrypted(k) {
			continue
		}
		out[k] = v
	}
	return out
}

// Validate проверяет инварианты task.
func (t *Task) Validate() error {
	if t.ID == "" {
		return newValidationError("id", "is required", nil)
	}
	if t.Type == "" {
		return newValidationError("type", "is required", nil)
	}
	if t.Retries < 0 {
		return newValidationError("retries", "must be non-negative", nil)
	}
	seen := make(map[string]struct{}, len(t.Encrypted))
	for _, name := range t.Encrypted {
		if _, dup := seen[name]; dup {
			return newValidationError("encrypted", fmt.Sprintf("duplicate field %q", name), nil)
		}
		seen[name] = struct{}{}

		v, ok := t.Kwargs[name]
		if !ok {
			return newValidationError("encrypted", fmt.Sprintf("field %q not present in kwargs", name), nil)
		}
		if _, ok := v.(string); !ok {
			return newValidationError("encrypted", fmt.Sprintf("field %q must be a string", name), nil)
		}
	}
	return nil
}

// LogValue реализует slog.LogValuer. Kwargs не логируются:
// в них могут быть шифротексты.
func (t *Task) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", t.ID),
		slog.String("type", t.Type),
		slog.Int("retries", t.Retries),
		slog.Int("encrypted_fields", len(t.Encrypted)),
	)
}

// DecodeTask разбирает тело сообщения.
//
// Если JSON корректен, но task не проходит валидацию, возвращается
// частично заполненный task (чтобы диспетчер мог записать результат
// по ID) вместе с ошибкой. Если разобрать не удалось — nil.
func DecodeTask(body []byte) (*Task, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, newValidationError("", "empty message body", nil)
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var task Task
	if err := dec.Decode(&task); err != nil {
		return nil, newValidationError("", "malformed json", err)
	}
	if dec.More() {
		return nil, newValidationError("", "trailing data after task", nil)
	}

	if err := task.Validate(); err != nil {
		return &task, err
	}
	return &task, nil
}

// EncodeTask сериализует task для публикации.
func EncodeTask(task *Task) ([]byte, error) {
	if err := task.Validate(); err != nil {
		return nil, err
	}
	body, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("marshal task: %w", err)
	}
	return body, nil
}
