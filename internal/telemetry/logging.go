package telemetry

import (
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"
)

const redacted = "[REDACTED]"

// sensitiveKeys — подстроки имён атрибутов, значения которых не пишутся в лог.
var sensitiveKeys = []string{"secret", "password", "token", "api_key", "authorization", "encryption_key"}

// ParseLevel разбирает уровень логирования (DEBUG, INFO, WARN, ERROR).
// Неизвестное значение даёт INFO.
func ParseLevel(level string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetupLogger инициализирует глобальный логгер сервиса в stdout.
//
// format: "json" (по умолчанию) или "text".
func SetupLogger(level, format string) *slog.Logger {
	logger := newLogger(os.Stdout, ParseLevel(level), format)
	slog.SetDefault(logger)
	return logger
}

// NewCLILogger возвращает текстовый логгер для CLI. Глобальный логгер
// не меняется.
func NewCLILogger(w io.Writer, level string) *slog.Logger {
	return newLogger(w, ParseLevel(level), "text")
}

func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		AddSource:   level == slog.LevelDebug,
		ReplaceAttr: redactAttr,
	}

	var handler slog.Handler
	if strings.EqualFold(format, "text") {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler)
}

// redactAttr скрывает значения чувствительных атрибутов и пароли в URL.
func redactAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Value.Kind() == slog.KindGroup {
		return a
	}
	key := strings.ReplaceAll(strings.ToLower(a.Key), "-", "_")
	for _, s := range sensitiveKeys {
		if strings.Contains(key, s) {
			return slog.String(a.Key, redacted)
		}
	}
	if a.Value.Kind() == slog.KindString && strings.Contains(a.Value.String(), "://") {
		return slog.String(a.Key, RedactURL(a.Value.String()))
	}
	return a
}

// RedactURL заменяет пароль в URL на [REDACTED]. Строка, которая не
// разбирается как URL, возвращается без изменений.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	if _, ok := u.User.Password(); !ok {
		return raw
	}
	u.User = url.UserPassword(u.User.Username(), redacted)
	return u.String()
}

// WithTask возвращает логгер с task_id и task_type.
func WithTask(logger *slog.Logger, taskID, taskType string) *slog.Logger {
	return logger.With("task_id", taskID, "task_type", taskType)
}
