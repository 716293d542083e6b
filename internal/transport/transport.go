// Package transport открывает брокер и result backend по URL из
// конфигурации. Схема BROKER_URL выбирает реализацию:
//
//   - redis://, rediss:// — redisq (Redis Streams)
//   - amqp://, amqps://   — mq (RabbitMQ)
//
// Result backend всегда Redis (RESULT_BACKEND_URL), отдельная база.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/shaiso/Courier/internal/broker"
	"github.com/shaiso/Courier/internal/mq"
	"github.com/shaiso/Courier/internal/redisq"
)

// Broker — брокер с поддержкой постановки и проверки соединения.
type Broker interface {
	broker.Broker
	broker.Enqueuer
	Ping(ctx context.Context) error
}

// Config — параметры подключения.
type Config struct {
	BrokerURL         string
	ResultBackendURL  string
	Queue             string
	Consumer          string
	Prefetch          int
	VisibilityTimeout time.Duration
	ResultTTL         time.Duration
}

// Conn — открытые брокер и result backend.
type Conn struct {
	Broker  Broker
	Results *redisq.ResultStore

	// Scheme — схема BROKER_URL.
	Scheme string
}

// Scheme возвращает схему URL брокера или ErrUnsupportedScheme.
func Scheme(brokerURL string) (string, error) {
	u, err := url.Parse(brokerURL)
	if err != nil {
		return "", fmt.Errorf("parse broker url: %w", err)
	}
	switch u.Scheme {
	case "redis", "rediss", "amqp", "amqps":
		return u.Scheme, nil
	default:
		return "", fmt.Errorf("%w: %q", broker.ErrUnsupportedScheme, u.Scheme)
	}
}

// OpenResults подключается только к result backend (для CLI).
func OpenResults(ctx context.Context, cfg Config) (*redisq.ResultStore, error) {
	rdb, err := redisq.Connect(ctx, cfg.ResultBackendURL)
	if err != nil {
		return nil, fmt.Errorf("result backend: %w", err)
	}
	return redisq.NewResultStore(rdb, cfg.ResultTTL), nil
}

// Open подключается к result backend и брокеру.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Conn, error) {
	scheme, err := Scheme(cfg.BrokerURL)
	if err != nil {
		return nil, err
	}

	results, err := OpenResults(ctx, cfg)
	if err != nil {
		return nil, err
	}

	var b Broker
	switch scheme {
	case "redis", "rediss":
		b, err = openRedis(ctx, cfg, results, logger)
	default:
		b, err = mq.NewBroker(ctx, cfg.BrokerURL, logger, mq.BrokerConfig{
			Queue:    cfg.Queue,
			Prefetch: cfg.Prefetch,
			Results:  results,
		})
	}
	if err != nil {
		_ = results.Close()
		return nil, fmt.Errorf("broker: %w", err)
	}

	logger.Info("transport connected", "scheme", scheme, "queue", cfg.Queue)
	return &Conn{Broker: b, Results: results, Scheme: scheme}, nil
}

func openRedis(ctx context.Context, cfg Config, results *redisq.ResultStore, logger *slog.Logger) (*redisq.Broker, error) {
	rdb, err := redisq.Connect(ctx, cfg.BrokerURL)
	if err != nil {
		return nil, err
	}
	b := redisq.New(rdb, logger, redisq.Config{
		Queue:             cfg.Queue,
		Consumer:          cfg.Consumer,
		VisibilityTimeout: cfg.VisibilityTimeout,
		BatchSize:         cfg.Prefetch,
		Results:           results,
	})
	if err := b.EnsureGroup(ctx); err != nil {
		_ = b.Close()
		return nil, err
	}
	return b, nil
}

// Close закрывает брокер и result backend.
func (c *Conn) Close() error {
	return errors.Join(c.Broker.Close(), c.Results.Close())
}
