package worker

import "errors"

// Ошибки воркера.
var (
	// ErrUnknownTaskType — нет handler'а для типа task.
	ErrUnknownTaskType = errors.New("unknown task type")

	// ErrRetryLimitExceeded — task пришёл с Retries больше лимита.
	ErrRetryLimitExceeded = errors.New("retry limit exceeded")

	// ErrResultNotPublished — результат не записан в result backend.
	ErrResultNotPublished = errors.New("result not published")

	// ErrHandlerPanic — handler завершился паникой.
	ErrHandlerPanic = errors.New("handler panicked")

	// ErrWorkerStopped — воркер остановлен.
	ErrWorkerStopped = errors.New("worker stopped")

	// ErrShutdownTimeout — in-flight task не завершились за отведённое время.
	ErrShutdownTimeout = errors.New("shutdown timeout exceeded")
)
