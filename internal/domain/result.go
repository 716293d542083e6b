package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// TaskResult — запись о результате обработки task в result backend.
//
// Ключ — TaskID. Повторная доставка того же task перезаписывает запись
// (last write wins), поэтому на один ID всегда одна запись.
type TaskResult struct {
	// TaskID — ID task.
	TaskID string `json:"task_id"`

	// TaskType — тип task (для диагностики).
	TaskType string `json:"task_type,omitempty"`

	// Status — success, failure или retry-scheduled.
	Status ResultStatus `json:"status"`

	// Payload — результат handler'а. Секретные значения зашифрованы
	// и перечислены в Encrypted.
	Payload map[string]any `json:"payload,omitempty"`

	// Encrypted — имена полей Payload с шифротекстом.
	Encrypted []string `json:"encrypted,omitempty"`

	// Error — текст ошибки для failure и retry-scheduled.
	Error string `json:"error,omitempty"`

	// Retries — значение счётчика повторов на момент записи.
	Retries int `json:"retries"`

	// CompletedAt — время записи результата.
	CompletedAt time.Time `json:"completed_at"`
}

// IsFinished возвращает true для финальных статусов.
func (r *TaskResult) IsFinished() bool {
	return r.Status == ResultStatusSuccess || r.Status == ResultStatusFailure
}

// EncodeResult сериализует результат.
func EncodeResult(r *TaskResult) ([]byte, error) {
	if r.TaskID == "" {
		return nil, newValidationError("task_id", "is required", nil)
	}
	body, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return body, nil
}

// DecodeResult разбирает результат.
func DecodeResult(body []byte) (*TaskResult, error) {
	var r TaskResult
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, fmt.Errorf("unmarshal result: %w", err)
	}
	return &r, nil
}
