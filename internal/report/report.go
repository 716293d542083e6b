// Package report отправляет финальные ошибки task во внешнюю систему
// мониторинга (Sentry).
//
// Reporter никогда не возвращает ошибку и не паникует в вызывающий код:
// сбой отправки отчёта не должен влиять на обработку task.
package report

import (
	"context"
	"log/slog"
	"time"

	"github.com/shaiso/Courier/internal/telemetry"
)

// Теги отчёта.
const (
	TagTaskType   = "task_type"
	TagTaskID     = "task_id"
	TagRetries    = "retries"
	TagState      = "state"
	TagErrorClass = "error_class"
)

// Reporter — приёмник финальных ошибок.
type Reporter interface {
	// Report отправляет ошибку с тегами. Не блокирует надолго,
	// не возвращает ошибок.
	Report(ctx context.Context, err error, tags map[string]string)

	// Close дожидается отправки накопленных отчётов не дольше timeout.
	Close(timeout time.Duration)
}

// Nop — Reporter, который ничего не делает.
type Nop struct{}

// Report ничего не делает.
func (Nop) Report(context.Context, error, map[string]string) {}

// Close ничего не делает.
func (Nop) Close(time.Duration) {}

// safe — обёртка с защитой от panic и локальным логированием.
type safe struct {
	inner  Reporter
	logger *slog.Logger
}

// Safe оборачивает Reporter: каждый отчёт дублируется в лог, panic
// внутри inner перехватывается.
func Safe(inner Reporter, logger *slog.Logger) Reporter {
	if inner == nil {
		inner = Nop{}
	}
	return &safe{inner: inner, logger: logger.With("component", "report")}
}

// Report логирует ошибку и передаёт её inner.
func (s *safe) Report(ctx context.Context, err error, tags map[string]string) {
	if err == nil {
		return
	}

	attrs := make([]any, 0, 2*len(tags)+2)
	attrs = append(attrs, "error", err.Error())
	for k, v := range tags {
		attrs = append(attrs, k, v)
	}
	s.logger.Error("task failed", attrs...)

	defer func() {
		if p := recover(); p != nil {
			telemetry.ReportsSent.WithLabelValues("panic").Inc()
			s.logger.Error("error reporter panicked", "panic", p)
		}
	}()
	s.inner.Report(ctx, err, tags)
}

// Close передаёт вызов inner с защитой от panic.
func (s *safe) Close(timeout time.Duration) {
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("error reporter panicked on close", "panic", p)
		}
	}()
	s.inner.Close(timeout)
}
