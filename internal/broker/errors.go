package broker

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrResultNotFound — результата для task нет (или истёк TTL).
	ErrResultNotFound = errors.New("result not found")

	// ErrClosed — брокер закрыт.
	ErrClosed = errors.New("broker closed")

	// ErrUnsupportedScheme — схема URL не поддерживается.
	ErrUnsupportedScheme = errors.New("unsupported broker url scheme")
)

// UnavailableError — брокер или result backend временно недоступен.
// Повторяется на уровне соединения, task из-за неё не падает.
type UnavailableError struct {
	Op  string // операция: consume, ack, nack, publish_result, enqueue
	Err error
}

// Error реализует интерфейс error.
func (e *UnavailableError) Error() string {
	return "broker unavailable: " + e.Op + ": " + e.Err.Error()
}

// Unwrap возвращает базовую ошибку.
func (e *UnavailableError) Unwrap() error {
	return e.Err
}

// Transient — недоступность брокера всегда временная.
func (e *UnavailableError) Transient() bool {
	return true
}

// Unavailable оборачивает ошибку транспорта.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	var ue *UnavailableError
	if errors.As(err, &ue) {
		return err
	}
	return &UnavailableError{Op: op, Err: err}
}

// IsUnavailable проверяет, является ли ошибка недоступностью брокера.
func IsUnavailable(err error) bool {
	var ue *UnavailableError
	return errors.As(err, &ue)
}

// Backoff — экспоненциальная задержка между попытками.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
}

// Delay возвращает задержку для попытки attempt (начиная с 1):
// Initial * 2^(attempt-1), но не больше Max.
func (b Backoff) Delay(attempt int) time.Duration {
	initial := b.Initial
	if initial <= 0 {
		initial = time.Second
	}
	maxDelay := b.Max
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}

	delay := initial
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	return min(delay, maxDelay)
}

// Retry выполняет op, повторяя при UnavailableError с экспоненциальной
// задержкой, пока не исчерпаны attempts или не отменён ctx.
func Retry(ctx context.Context, attempts int, backoff Backoff, op func(ctx context.Context) error) error {
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = op(ctx)
		if err == nil || !IsUnavailable(err) {
			return err
		}
		if attempt == attempts {
			break
		}

		select {
		case <-time.After(backoff.Delay(attempt)):
		case <-ctx.Done():
			return err
		}
	}
	return err
}
