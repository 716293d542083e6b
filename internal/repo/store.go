// Package repo — доступ к PostgreSQL: пул соединений, выдача соединения
// в scope, транзакции и репозитории поверх них.
package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultAcquireTimeout — ожидание свободного соединения по умолчанию.
const DefaultAcquireTimeout = 5 * time.Second

// DBTX — общее подмножество *pgxpool.Pool, *pgxpool.Conn и pgx.Tx.
// Репозитории работают через него и одинаково используются вне
// и внутри транзакции.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store выдаёт соединения из пула с ограниченным ожиданием.
// Безопасен для конкурентного использования.
type Store struct {
	pool           *pgxpool.Pool
	acquireTimeout time.Duration
}

// NewStore создаёт Store. acquireTimeout <= 0 — DefaultAcquireTimeout.
func NewStore(pool *pgxpool.Pool, acquireTimeout time.Duration) *Store {
	if acquireTimeout <= 0 {
		acquireTimeout = DefaultAcquireTimeout
	}
	return &Store{pool: pool, acquireTimeout: acquireTimeout}
}

// Pool возвращает пул.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// acquire берёт соединение, ожидая не дольше acquireTimeout.
func (s *Store) acquire(ctx context.Context) (*pgxpool.Conn, error) {
	acquireCtx, cancel := context.WithTimeout(ctx, s.acquireTimeout)
	defer cancel()

	conn, err := s.pool.Acquire(acquireCtx)
	if err != nil {
		// Таймаут acquire при живом родительском ctx — пул исчерпан.
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("%w after %s", ErrPoolExhausted, s.acquireTimeout)
		}
		return nil, classify("acquire", err)
	}
	return conn, nil
}

// WithConn выдаёт соединение на время fn. Соединение возвращается в пул
// на любом пути выхода, включая panic.
func (s *Store) WithConn(ctx context.Context, fn func(conn *pgxpool.Conn) error) error {
	conn, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	return fn(conn)
}

// Query выполняет запрос и возвращает строки как map колонка → значение.
func (s *Store) Query(ctx context.Context, sql string, args ...any) ([]map[string]any, error) {
	var result []map[string]any
	err := s.WithConn(ctx, func(conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx, sql, args...)
		if err != nil {
			return classify("query", err)
		}
		result, err = pgx.CollectRows(rows, pgx.RowToMap)
		return classify("query", err)
	})
	if err != nil {
		return nil, err
	}
	if result == nil {
		result = []map[string]any{}
	}
	return result, nil
}

// Exec выполняет команду и возвращает число затронутых строк.
func (s *Store) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	var affected int64
	err := s.WithConn(ctx, func(conn *pgxpool.Conn) error {
		tag, err := conn.Exec(ctx, sql, args...)
		if err != nil {
			return classify("exec", err)
		}
		affected = tag.RowsAffected()
		return nil
	})
	return affected, err
}

// InTx выполняет fn в транзакции: commit при nil, rollback при ошибке
// или panic. Panic пробрасывается дальше после rollback.
func (s *Store) InTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return s.WithConn(ctx, func(conn *pgxpool.Conn) error {
		tx, err := conn.Begin(ctx)
		if err != nil {
			return classify("begin", err)
		}

		defer func() {
			if p := recover(); p != nil {
				_ = tx.Rollback(context.WithoutCancel(ctx))
				panic(p)
			}
		}()

		if err := fn(tx); err != nil {
			if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				return errors.Join(err, classify("rollback", rbErr))
			}
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return classify("commit", err)
		}
		return nil
	})
}

// Ping проверяет доступность БД.
func (s *Store) Ping(ctx context.Context) error {
	return s.WithConn(ctx, func(conn *pgxpool.Conn) error {
		return classify("ping", conn.Ping(ctx))
	})
}

// AdvisoryLock — session-level advisory lock PostgreSQL.
// Держит выделенное соединение до Unlock.
type AdvisoryLock struct {
	key  int64
	conn *pgxpool.Conn
}

// TryAdvisoryLock пытается взять advisory lock без ожидания.
// Возвращает nil, если lock занят другой сессией.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (*AdvisoryLock, error) {
	conn, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}

	var ok bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", key).Scan(&ok); err != nil {
		conn.Release()
		return nil, classify("advisory_lock", err)
	}
	if !ok {
		conn.Release()
		return nil, nil
	}
	return &AdvisoryLock{key: key, conn: conn}, nil
}

// Alive проверяет, что соединение, держащее lock, ещё живо.
func (l *AdvisoryLock) Alive(ctx context.Context) bool {
	return l.conn.Ping(ctx) == nil
}

// Abandon закрывает соединение, держащее lock, и освобождает его место
// в пуле. Сессия завершается, поэтому PostgreSQL снимает lock сам.
// Нужен, когда соединение признано мёртвым и Unlock через него невозможен.
func (l *AdvisoryLock) Abandon(ctx context.Context) {
	conn := l.conn.Hijack()
	_ = conn.Close(ctx)
}

// Unlock снимает lock и возвращает соединение в пул.
func (l *AdvisoryLock) Unlock(ctx context.Context) error {
	defer l.conn.Release()

	var ok bool
	if err := l.conn.QueryRow(ctx, "SELECT pg_advisory_unlock($1)", l.key).Scan(&ok); err != nil {
		return classify("advisory_unlock", err)
	}
	if !ok {
		return fmt.Errorf("advisory lock %d was not held", l.key)
	}
	return nil
}
