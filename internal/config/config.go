// Package config читает конфигурацию процессов Courier из окружения.
//
// Load вызывается один раз при старте. Результат передаётся компонентам
// явно; пакеты ниже не читают окружение сами.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shaiso/Courier/internal/broker"
	"github.com/shaiso/Courier/internal/encryption"
	"github.com/shaiso/Courier/internal/repo"
	"github.com/shaiso/Courier/internal/report"
	"github.com/shaiso/Courier/internal/transport"
)

// ErrMissingKey — ENCRYPTION_KEY не задан.
var ErrMissingKey = errors.New("ENCRYPTION_KEY is required")

// Config — конфигурация worker, beat и CLI.
type Config struct {
	BrokerURL        string
	ResultBackendURL string
	Queue            string

	DBURL            string
	DBMaxConns       int32
	DBAcquireTimeout time.Duration

	EncryptionKey string

	SentryDSN         string
	SentryEnvironment string
	Release           string

	LogLevel  string
	LogFormat string

	Concurrency         int
	MaxRetries          int
	RetryBackoffInitial time.Duration
	RetryBackoffMax     time.Duration
	TaskTimeout         time.Duration // 0 — без ограничения
	VisibilityTimeout   time.Duration
	ResultTTL           time.Duration
	ShutdownTimeout     time.Duration

	WorkerPort int
	WorkerID   string

	BeatPort     int
	BeatInterval time.Duration
	BeatLockKey  int64
}

// Load читает конфигурацию из окружения процесса.
func Load() (*Config, error) {
	return LoadFrom(os.Getenv)
}

// LoadFrom читает конфигурацию через getenv. Все ошибки разбора
// возвращаются вместе.
func LoadFrom(getenv func(string) string) (*Config, error) {
	e := env{get: getenv}

	cfg := &Config{
		BrokerURL:        e.str("BROKER_URL", "redis://localhost:6379/0"),
		ResultBackendURL: e.str("RESULT_BACKEND_URL", "redis://localhost:6379/1"),
		Queue:            e.str("TASK_QUEUE", "courier"),

		DBURL:            e.str("DB_URL", ""),
		DBMaxConns:       int32(e.integer("DB_MAX_CONNS", 10)),
		DBAcquireTimeout: e.duration("DB_ACQUIRE_TIMEOUT", 5*time.Second),

		EncryptionKey: strings.TrimSpace(getenv("ENCRYPTION_KEY")),

		SentryDSN:         getenv("SENTRY_DSN"),
		SentryEnvironment: e.str("SENTRY_ENVIRONMENT", "production"),
		Release:           getenv("COURIER_RELEASE"),

		LogLevel:  e.str("LOG_LEVEL", "INFO"),
		LogFormat: e.str("LOG_FORMAT", "json"),

		Concurrency:         e.integer("WORKER_CONCURRENCY", 4),
		MaxRetries:          e.integer("TASK_MAX_RETRIES", 3),
		RetryBackoffInitial: e.duration("RETRY_BACKOFF_INITIAL", time.Second),
		RetryBackoffMax:     e.duration("RETRY_BACKOFF_MAX", 5*time.Minute),
		TaskTimeout:         e.duration("TASK_TIMEOUT", 0),
		VisibilityTimeout:   e.duration("VISIBILITY_TIMEOUT", 5*time.Minute),
		ResultTTL:           e.duration("RESULT_TTL", 24*time.Hour),
		ShutdownTimeout:     e.duration("SHUTDOWN_TIMEOUT", 30*time.Second),

		WorkerPort: e.integer("WORKER_PORT", 8082),
		WorkerID:   e.str("WORKER_ID", hostname()),

		BeatPort:     e.integer("BEAT_PORT", 8083),
		BeatInterval: e.duration("BEAT_INTERVAL", time.Second),
		BeatLockKey:  int64(e.integer("BEAT_LOCK_KEY", 424242)),
	}
	if cfg.DBURL == "" {
		cfg.DBURL = dsnFromParts(e)
	}

	errs := e.errs
	errs = append(errs, cfg.validate()...)
	if len(errs) > 0 {
		return nil, fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return cfg, nil
}

func (c *Config) validate() []error {
	var errs []error

	if _, err := transport.Scheme(c.BrokerURL); err != nil {
		errs = append(errs, fmt.Errorf("BROKER_URL: %w", err))
	}
	if u, err := url.Parse(c.ResultBackendURL); err != nil || (u.Scheme != "redis" && u.Scheme != "rediss") {
		errs = append(errs, fmt.Errorf("RESULT_BACKEND_URL: must be a redis:// url, got %q", c.ResultBackendURL))
	}
	if c.Queue == "" {
		errs = append(errs, errors.New("TASK_QUEUE: must not be empty"))
	}
	if c.EncryptionKey != "" {
		if _, err := encryption.ParseKey(c.EncryptionKey); err != nil {
			errs = append(errs, fmt.Errorf("ENCRYPTION_KEY: %w", err))
		}
	}

	positive := []struct {
		name  string
		value int
	}{
		{"DB_MAX_CONNS", int(c.DBMaxConns)},
		{"WORKER_CONCURRENCY", c.Concurrency},
		{"WORKER_PORT", c.WorkerPort},
		{"BEAT_PORT", c.BeatPort},
	}
	for _, p := range positive {
		if p.value <= 0 {
			errs = append(errs, fmt.Errorf("%s: must be positive, got %d", p.name, p.value))
		}
	}
	if c.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("TASK_MAX_RETRIES: must not be negative, got %d", c.MaxRetries))
	}
	if c.RetryBackoffMax < c.RetryBackoffInitial {
		errs = append(errs, errors.New("RETRY_BACKOFF_MAX: must not be less than RETRY_BACKOFF_INITIAL"))
	}
	return errs
}

// Gateway создаёт EncryptionGateway. Ключ обязателен.
func (c *Config) Gateway() (*encryption.Gateway, error) {
	if c.EncryptionKey == "" {
		return nil, ErrMissingKey
	}
	key, err := encryption.ParseKey(c.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("ENCRYPTION_KEY: %w", err)
	}
	return encryption.New(key)
}

// Transport возвращает параметры брокера и result backend.
func (c *Config) Transport() transport.Config {
	return transport.Config{
		BrokerURL:         c.BrokerURL,
		ResultBackendURL:  c.ResultBackendURL,
		Queue:             c.Queue,
		Consumer:          c.WorkerID,
		Prefetch:          c.Concurrency,
		VisibilityTimeout: c.VisibilityTimeout,
		ResultTTL:         c.ResultTTL,
	}
}

// Pool возвращает параметры пула PostgreSQL.
func (c *Config) Pool() repo.PoolConfig {
	return repo.PoolConfig{URL: c.DBURL, MaxConns: c.DBMaxConns}
}

// Sentry возвращает параметры ErrorReporter.
func (c *Config) Sentry() report.SentryConfig {
	return report.SentryConfig{
		DSN:         c.SentryDSN,
		Environment: c.SentryEnvironment,
		Release:     c.Release,
		ServerName:  c.WorkerID,
	}
}

// RetryBackoff возвращает backoff повторов task.
func (c *Config) RetryBackoff() broker.Backoff {
	return broker.Backoff{Initial: c.RetryBackoffInitial, Max: c.RetryBackoffMax}
}

// DispatcherMaxRetries переводит TASK_MAX_RETRIES в соглашение
// worker.DispatcherConfig, где 0 означает значение по умолчанию.
func (c *Config) DispatcherMaxRetries() int {
	if c.MaxRetries == 0 {
		return -1
	}
	return c.MaxRetries
}

// env читает переменные и копит ошибки разбора.
type env struct {
	get  func(string) string
	errs []error
}

func (e *env) str(name, def string) string {
	if v := strings.TrimSpace(e.get(name)); v != "" {
		return v
	}
	return def
}

func (e *env) integer(name string, def int) int {
	v := strings.TrimSpace(e.get(name))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: invalid integer %q", name, v))
		return def
	}
	return n
}

func (e *env) duration(name string, def time.Duration) time.Duration {
	v := strings.TrimSpace(e.get(name))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		e.errs = append(e.errs, fmt.Errorf("%s: invalid duration %q", name, v))
		return def
	}
	return d
}

// dsnFromParts собирает DSN из DB_HOST, DB_PORT, DB_USER, DB_PASSWORD, DB_NAME.
func dsnFromParts(e env) string {
	if e.get("DB_HOST") == "" {
		return repo.DefaultURL
	}
	u := url.URL{
		Scheme:   "postgresql",
		User:     url.UserPassword(e.str("DB_USER", "courier"), e.get("DB_PASSWORD")),
		Host:     e.get("DB_HOST") + ":" + e.str("DB_PORT", "5432"),
		Path:     "/" + e.str("DB_NAME", "courier"),
		RawQuery: "sslmode=" + e.str("DB_SSLMODE", "disable"),
	}
	return u.String()
}

func hostname() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "courier-worker"
}
