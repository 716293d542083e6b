package domain

// TaskState — состояние обработки task внутри воркера.
//
// Жизненный цикл:
//
//	RECEIVED → DECODING → EXECUTING → SUCCEEDED
//	    ↘          ↘           ↘ RETRY_SCHEDULED
//	     FAILED ←── FAILED ←─── FAILED
//
// RETRY_SCHEDULED, SUCCEEDED и FAILED — финальные для одной доставки.
// После RETRY_SCHEDULED сообщение снова попадает в очередь и проходит
// цикл заново с увеличенным Retries.
type TaskState string

const (
	// TaskStateReceived — сообщение получено из брокера.
	TaskStateReceived TaskState = "RECEIVED"

	// TaskStateDecoding — разбор сообщения и расшифровка полей.
	TaskStateDecoding TaskState = "DECODING"

	// TaskStateExecuting — handler выполняется.
	TaskStateExecuting TaskState = "EXECUTING"

	// TaskStateSucceeded — handler завершился успешно, сообщение подтверждено.
	TaskStateSucceeded TaskState = "SUCCEEDED"

	// TaskStateRetryScheduled — временная ошибка, сообщение возвращено в очередь.
	TaskStateRetryScheduled TaskState = "RETRY_SCHEDULED"

	// TaskStateFailed — финальная ошибка, сообщение удалено из очереди.
	TaskStateFailed TaskState = "FAILED"
)

// IsTerminal возвращает true, если состояние завершает обработку доставки.
func (s TaskState) IsTerminal() bool {
	switch s {
	case TaskStateSucceeded, TaskStateRetryScheduled, TaskStateFailed:
		return true
	default:
		return false
	}
}

// CanTransitionTo проверяет допустимость перехода.
func (s TaskState) CanTransitionTo(next TaskState) bool {
	switch s {
	case TaskStateReceived:
		return next == TaskStateDecoding || next == TaskStateFailed
	case TaskStateDecoding:
		return next == TaskStateExecuting || next == TaskStateFailed
	case TaskStateExecuting:
		return next == TaskStateSucceeded || next == TaskStateRetryScheduled || next == TaskStateFailed
	default:
		return false
	}
}

// String возвращает строковое представление TaskState.
func (s TaskState) String() string {
	return string(s)
}

// ResultStatus — статус записи в result backend.
type ResultStatus string

const (
	// ResultStatusSuccess — task выполнен.
	ResultStatusSuccess ResultStatus = "success"

	// ResultStatusFailure — task завершился финальной ошибкой.
	ResultStatusFailure ResultStatus = "failure"

	// ResultStatusRetryScheduled — task поставлен на повтор.
	ResultStatusRetryScheduled ResultStatus = "retry-scheduled"
)

// ResultStatusFor возвращает статус результата для финального состояния.
func ResultStatusFor(state TaskState) ResultStatus {
	switch state {
	case TaskStateSucceeded:
		return ResultStatusSuccess
	case TaskStateRetryScheduled:
		return ResultStatusRetryScheduled
	default:
		return ResultStatusFailure
	}
}
