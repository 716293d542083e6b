package domain

import (
	"errors"
	"fmt"
)

// ErrValidation — сообщение не прошло разбор или валидацию.
// Такие сообщения не повторяются.
var ErrValidation = errors.New("invalid task")

// ValidationError — ошибка валидации task с указанием поля.
type ValidationError struct {
	Field   string // поле, вызвавшее ошибку
	Message string // описание ошибки
	Err     error  // базовая ошибка (например, ошибка JSON)
}

// Error реализует интерфейс error.
func (e *ValidationError) Error() string {
	msg := e.Message
	if e.Field != "" {
		msg = e.Field + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return "invalid task: " + msg
}

// Is позволяет сравнивать с ErrValidation через errors.Is.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// Unwrap возвращает базовую ошибку.
func (e *ValidationError) Unwrap() error {
	return e.Err
}

func newValidationError(field, message string, err error) *ValidationError {
	return &ValidationError{Field: field, Message: message, Err: err}
}

// ErrorClass — класс ошибки с точки зрения retry.
type ErrorClass int

const (
	// ClassTerminal — повтор не поможет.
	ClassTerminal ErrorClass = iota

	// ClassTransient — причина может исчезнуть при повторе.
	ClassTransient
)

// String возвращает строковое представление ErrorClass.
func (c ErrorClass) String() string {
	if c == ClassTransient {
		return "transient"
	}
	return "terminal"
}

// transienter реализуют ошибки, которые сами знают свой класс
// (repo.ConnectionError, broker.UnavailableError, ClassifiedError).
type transienter interface {
	Transient() bool
}

// ClassifiedError — ошибка бизнес-логики, явно классифицированная handler'ом.
type ClassifiedError struct {
	Err       error
	transient bool
}

// Error реализует интерфейс error.
func (e *ClassifiedError) Error() string {
	if e.Err == nil {
		return e.Class().String() + " error"
	}
	return e.Err.Error()
}

// Unwrap возвращает исходную ошибку.
func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// Transient сообщает, стоит ли повторять task.
func (e *ClassifiedError) Transient() bool {
	return e.transient
}

// Class возвращает класс ошибки.
func (e *ClassifiedError) Class() ErrorClass {
	if e.transient {
		return ClassTransient
	}
	return ClassTerminal
}

// Transient помечает ошибку как временную (task будет повторён).
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Err: err, transient: true}
}

// Transientf — Transient с форматированием.
func Transientf(format string, args ...any) error {
	return Transient(fmt.Errorf(format, args...))
}

// Terminal помечает ошибку как финальную (task не будет повторён).
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Err: err, transient: false}
}

// IsTransient ищет в цепочке первую ошибку, знающую свой класс.
// Ближайшая к вершине цепочки классификация побеждает:
// Terminal(&repo.ConnectionError{}) — финальная.
func IsTransient(err error) (transient, classified bool) {
	var t transienter
	if errors.As(err, &t) {
		return t.Transient(), true
	}
	return false, false
}
