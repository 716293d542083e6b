package worker

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/shaiso/Courier/internal/domain"
)

// Handler выполняет task конкретного типа.
//
// Handler может быть вызван повторно для того же task ID
// (at-least-once доставка), поэтому должен быть идемпотентным
// либо полагаться на перезапись результата по ID.
//
// Для управления повторами handler возвращает domain.Transient(err)
// или domain.Terminal(err). Неклассифицированная ошибка — финальная.
type Handler interface {
	Handle(ctx context.Context, req *Request) (*Response, error)
}

// HandlerFunc — адаптер функции к Handler.
type HandlerFunc func(ctx context.Context, req *Request) (*Response, error)

// Handle вызывает f(ctx, req).
func (f HandlerFunc) Handle(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// Request — входные данные handler'а.
type Request struct {
	// TaskID — ID task (для идемпотентности и заголовков доставки).
	TaskID string

	// TaskType — тип task.
	TaskType string

	// Args — упорядоченные аргументы.
	Args []any

	// Kwargs — именованные аргументы без зашифрованных полей.
	Kwargs map[string]any

	// Secrets — расшифрованные значения зашифрованных kwargs.
	// Затираются после возврата из Handle.
	Secrets map[string]domain.Secret

	// Retries — номер повтора (0 для первой попытки).
	Retries int
}

// Secret возвращает расшифрованное поле.
func (r *Request) Secret(name string) (domain.Secret, bool) {
	s, ok := r.Secrets[name]
	return s, ok
}

// String возвращает строковый kwarg.
func (r *Request) String(name string) (string, bool) {
	s, ok := r.Kwargs[name].(string)
	return s, ok
}

// Response — результат handler'а.
type Response struct {
	// Payload — открытые данные результата.
	Payload map[string]any

	// Secrets — значения, которые будут зашифрованы перед записью
	// в result backend.
	Secrets map[string]domain.Secret
}

// Registry — реестр handler'ов по типу task.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry создаёт реестр со встроенным handler'ом noop.
func NewRegistry() *Registry {
	r := &Registry{handlers: make(map[string]Handler)}
	r.Register("noop", HandlerFunc(noop))
	return r
}

// Register добавляет handler для типа task. Повторная регистрация
// заменяет handler.
func (r *Registry) Register(taskType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[taskType] = h
}

// Get возвращает handler для типа task.
func (r *Registry) Get(taskType string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[taskType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTaskType, taskType)
	}
	return h, nil
}

// Types возвращает отсортированный список зарегистрированных типов.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	slices.Sort(types)
	return types
}

func noop(context.Context, *Request) (*Response, error) {
	return &Response{}, nil
}
