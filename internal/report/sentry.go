package report

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/shaiso/Courier/internal/telemetry"
)

// SentryConfig — параметры Sentry.
type SentryConfig struct {
	DSN         string
	Environment string
	Release     string
	ServerName  string
}

// Sentry — Reporter поверх sentry-go.
type Sentry struct {
	hub    *sentry.Hub
	logger *slog.Logger
}

// New возвращает Sentry для непустого DSN и Nop для пустого.
func New(cfg SentryConfig, logger *slog.Logger) (Reporter, error) {
	if cfg.DSN == "" {
		logger.Info("sentry disabled: SENTRY_DSN is empty")
		return Nop{}, nil
	}
	return NewSentry(cfg, logger)
}

// NewSentry создаёт клиент Sentry. Некорректный DSN — ошибка.
func NewSentry(cfg SentryConfig, logger *slog.Logger) (*Sentry, error) {
	client, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:              cfg.DSN,
		Environment:      cfg.Environment,
		Release:          cfg.Release,
		ServerName:       cfg.ServerName,
		AttachStacktrace: true,
		SendDefaultPII:   false,
	})
	if err != nil {
		return nil, fmt.Errorf("sentry client: %w", err)
	}

	return &Sentry{
		hub:    sentry.NewHub(client, sentry.NewScope()),
		logger: logger.With("component", "sentry"),
	}, nil
}

// Report отправляет ошибку с тегами. Каждый отчёт идёт через клон hub,
// поэтому конкурентные вызовы не смешивают scope.
func (s *Sentry) Report(ctx context.Context, err error, tags map[string]string) {
	if err == nil {
		return
	}

	hub := s.hub.Clone()
	hub.ConfigureScope(func(scope *sentry.Scope) {
		scope.SetLevel(sentry.LevelError)
		scope.SetTags(tags)
		if taskType := tags[TagTaskType]; taskType != "" {
			scope.SetFingerprint([]string{taskType, tags[TagErrorClass]})
		}
	})

	if id := hub.CaptureException(err); id == nil {
		telemetry.ReportsSent.WithLabelValues("dropped").Inc()
		s.logger.Warn("sentry dropped event", "task_id", tags[TagTaskID])
		return
	}
	telemetry.ReportsSent.WithLabelValues("sent").Inc()
}

// Close отправляет накопленные события.
func (s *Sentry) Close(timeout time.Duration) {
	if !s.hub.Flush(timeout) {
		s.logger.Warn("sentry flush timed out", "timeout", timeout)
	}
}
