package telemetry

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in       string
		expected slog.Level
	}{
		{"DEBUG", slog.LevelDebug},
		{"debug", slog.LevelDebug},
		{"WARN", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"ERROR", slog.LevelError},
		{"INFO", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.expected {
			t.Errorf("ParseLevel(%q): expected %v, got %v", tt.in, tt.expected, got)
		}
	}
}

func TestNewLogger_Format(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, slog.LevelInfo, "json")
	logger.Info("hello", "k", "v")
	if !strings.HasPrefix(buf.String(), "{") {
		t.Errorf("expected JSON output, got %q", buf.String())
	}

	buf.Reset()
	logger = NewCLILogger(&buf, "info")
	logger.Debug("hidden")
	logger.Info("hello")
	if strings.Contains(buf.String(), "hidden") {
		t.Error("debug should be filtered at info level")
	}
	if !strings.Contains(buf.String(), "msg=hello") {
		t.Errorf("expected text output, got %q", buf.String())
	}
}

func TestNewLogger_RedactsSensitiveAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, slog.LevelInfo, "text")
	logger.Info("connecting",
		"db_password", "hunter2",
		"X-Api-Key", "sk-live-1",
		"url", "postgres://courier:hunter3@db:5432/courier",
		"task_id", "t1",
	)

	out := buf.String()
	for _, leaked := range []string{"hunter2", "sk-live-1", "hunter3"} {
		if strings.Contains(out, leaked) {
			t.Errorf("%q leaked into log: %s", leaked, out)
		}
	}
	if !strings.Contains(out, "task_id=t1") || !strings.Contains(out, "courier:%5BREDACTED%5D@db") {
		t.Errorf("unexpected output %s", out)
	}
}

func TestRedactURL(t *testing.T) {
	tests := []struct {
		in, expected string
	}{
		{"redis://:pw@cache:6379/0", "redis://:%5BREDACTED%5D@cache:6379/0"},
		{"amqp://guest@mq:5672/", "amqp://guest@mq:5672/"},
		{"redis://cache:6379", "redis://cache:6379"},
		{"not a url", "not a url"},
	}
	for _, tt := range tests {
		if got := RedactURL(tt.in); got != tt.expected {
			t.Errorf("RedactURL(%q): expected %q, got %q", tt.in, tt.expected, got)
		}
	}
}

func TestHealthz(t *testing.T) {
	ok := func(context.Context) error { return nil }
	down := func(context.Context) error { return errors.New("connection refused") }

	tests := []struct {
		name   string
		checks map[string]HealthCheck
		status int
	}{
		{"all healthy", map[string]HealthCheck{"broker": ok, "db": ok}, http.StatusOK},
		{"no checks", nil, http.StatusOK},
		{"broker down", map[string]HealthCheck{"broker": down, "db": ok}, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			NewMux(tt.checks).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
			if rec.Code != tt.status {
				t.Errorf("expected %d, got %d", tt.status, rec.Code)
			}
			if tt.status != http.StatusOK && !strings.Contains(rec.Body.String(), "broker") {
				t.Errorf("expected failed dependency in body, got %s", rec.Body.String())
			}
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	TasksProcessed.WithLabelValues("noop", "SUCCEEDED").Inc()

	rec := httptest.NewRecorder()
	NewMux(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "courier_tasks_processed_total") {
		t.Error("expected courier metrics in output")
	}
}
