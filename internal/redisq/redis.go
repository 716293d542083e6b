// Package redisq реализует broker.Broker поверх Redis Streams и
// result backend поверх строковых ключей Redis.
//
// Ключи:
//
//	courier:{queue}:stream   — поток сообщений (consumer group "{queue}-workers")
//	courier:{queue}:delayed  — ZSET отложенных повторов, score = момент доставки (ms)
//	courier:result:{task_id} — JSON результата с TTL
//
// Неподтверждённые сообщения остаются в PEL группы и забираются другим
// consumer'ом через XAUTOCLAIM после VisibilityTimeout.
package redisq

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "courier:"

// StreamKey возвращает ключ потока очереди.
func StreamKey(queue string) string {
	return keyPrefix + queue + ":stream"
}

// DelayedKey возвращает ключ ZSET отложенных сообщений.
func DelayedKey(queue string) string {
	return keyPrefix + queue + ":delayed"
}

// GroupName возвращает имя consumer group очереди.
func GroupName(queue string) string {
	return queue + "-workers"
}

// ResultKey возвращает ключ результата task.
func ResultKey(taskID string) string {
	return keyPrefix + "result:" + taskID
}

// Connect открывает клиент по URL вида redis://[:password@]host:port/db
// и проверяет соединение.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return rdb, nil
}
