package redisq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/shaiso/Courier/internal/broker"
	"github.com/shaiso/Courier/internal/domain"
)

// DefaultResultTTL — время жизни результата по умолчанию.
const DefaultResultTTL = 24 * time.Hour

// ResultStore хранит результаты task в Redis.
// Запись по ID перезаписывается: для каждого task хранится только
// последний результат.
type ResultStore struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewResultStore создаёт ResultStore. ttl <= 0 — DefaultResultTTL.
func NewResultStore(rdb *redis.Client, ttl time.Duration) *ResultStore {
	if ttl <= 0 {
		ttl = DefaultResultTTL
	}
	return &ResultStore{rdb: rdb, ttl: ttl}
}

// Store записывает результат.
func (s *ResultStore) Store(ctx context.Context, result *domain.TaskResult) error {
	data, err := domain.EncodeResult(result)
	if err != nil {
		return err
	}

	if err := s.rdb.Set(ctx, ResultKey(result.TaskID), data, s.ttl).Err(); err != nil {
		return broker.Unavailable("publish_result", err)
	}
	return nil
}

// Fetch возвращает результат по ID task.
func (s *ResultStore) Fetch(ctx context.Context, taskID string) (*domain.TaskResult, error) {
	data, err := s.rdb.Get(ctx, ResultKey(taskID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, broker.ErrResultNotFound
	}
	if err != nil {
		return nil, broker.Unavailable("fetch_result", err)
	}

	result, err := domain.DecodeResult(data)
	if err != nil {
		return nil, fmt.Errorf("result %s: %w", taskID, err)
	}
	return result, nil
}

// Forget удаляет результат. Отсутствие записи не ошибка.
func (s *ResultStore) Forget(ctx context.Context, taskID string) error {
	if err := s.rdb.Del(ctx, ResultKey(taskID)).Err(); err != nil {
		return broker.Unavailable("forget_result", err)
	}
	return nil
}

// Close закрывает клиент Redis.
func (s *ResultStore) Close() error {
	return s.rdb.Close()
}
