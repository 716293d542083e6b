package worker

import (
	"context"
	"errors"

	"github.com/shaiso/Courier/internal/domain"
	"github.com/shaiso/Courier/internal/encryption"
)

// Classifier решает, стоит ли повторять task после ошибки handler'а.
type Classifier interface {
	Classify(err error) domain.ErrorClass
}

// ClassifierFunc — адаптер функции к Classifier.
type ClassifierFunc func(err error) domain.ErrorClass

// Classify вызывает f(err).
func (f ClassifierFunc) Classify(err error) domain.ErrorClass {
	return f(err)
}

// DefaultClassifier:
//   - ошибки валидации и расшифровки — финальные всегда;
//   - ошибка в цепочке, реализующая Transient() bool, решает сама;
//   - context.DeadlineExceeded — временная;
//   - всё остальное — финальное.
var DefaultClassifier Classifier = ClassifierFunc(classifyDefault)

func classifyDefault(err error) domain.ErrorClass {
	if err == nil {
		return domain.ClassTerminal
	}
	if errors.Is(err, domain.ErrValidation) || errors.Is(err, encryption.ErrDecryption) {
		return domain.ClassTerminal
	}
	if transient, ok := domain.IsTransient(err); ok {
		if transient {
			return domain.ClassTransient
		}
		return domain.ClassTerminal
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.ClassTransient
	}
	return domain.ClassTerminal
}

// errorClass — значение тега error_class для ErrorReporter.
func errorClass(err error, class domain.ErrorClass) string {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return "validation"
	case errors.Is(err, encryption.ErrDecryption):
		return "decryption"
	case errors.Is(err, ErrUnknownTaskType):
		return "unknown_task_type"
	case errors.Is(err, ErrHandlerPanic):
		return "panic"
	default:
		return class.String()
	}
}
