package repo

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Общие ошибки репозиториев.
var (
	// ErrNotFound — запись не найдена в БД.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists — запись уже существует (конфликт уникальности).
	ErrAlreadyExists = errors.New("already exists")

	// ErrPoolExhausted — не удалось получить соединение за AcquireTimeout.
	ErrPoolExhausted = errors.New("connection pool exhausted")
)

// ConnectionError — БД недоступна или перегружена. Временная ошибка:
// операцию можно повторить.
type ConnectionError struct {
	Op  string
	Err error
}

// Error реализует интерфейс error.
func (e *ConnectionError) Error() string {
	return "datastore unavailable: " + e.Op + ": " + e.Err.Error()
}

// Unwrap возвращает базовую ошибку.
func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// Transient всегда true.
func (e *ConnectionError) Transient() bool {
	return true
}

// QueryError — ошибка выполнения запроса (синтаксис, ограничения,
// типы). Повтор не поможет.
type QueryError struct {
	Op   string
	Code string // SQLSTATE, если есть
	Err  error
}

// Error реализует интерфейс error.
func (e *QueryError) Error() string {
	if e.Code != "" {
		return "query failed: " + e.Op + " [" + e.Code + "]: " + e.Err.Error()
	}
	return "query failed: " + e.Op + ": " + e.Err.Error()
}

// Unwrap возвращает базовую ошибку.
func (e *QueryError) Unwrap() error {
	return e.Err
}

// Is сопоставляет нарушение уникальности с ErrAlreadyExists.
func (e *QueryError) Is(target error) bool {
	return target == ErrAlreadyExists && e.Code == "23505"
}

// Transient всегда false.
func (e *QueryError) Transient() bool {
	return false
}

// IsConnectionError проверяет, является ли ошибка ConnectionError.
func IsConnectionError(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}

// classify превращает ошибку драйвера в ConnectionError или QueryError.
// pgx.ErrNoRows становится ErrNotFound.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}

	var ce *ConnectionError
	var qe *QueryError
	if errors.As(err, &ce) || errors.As(err, &qe) || errors.Is(err, ErrNotFound) {
		return err
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if transientCode(pgErr.Code) {
			return &ConnectionError{Op: op, Err: err}
		}
		return &QueryError{Op: op, Code: pgErr.Code, Err: err}
	}

	var connectErr *pgconn.ConnectError
	var netErr net.Error
	switch {
	case errors.As(err, &connectErr),
		errors.As(err, &netErr),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, ErrPoolExhausted),
		pgconn.Timeout(err),
		pgconn.SafeToRetry(err):
		return &ConnectionError{Op: op, Err: err}
	}

	return &QueryError{Op: op, Err: err}
}

// transientCode — SQLSTATE, при которых запрос можно повторить:
// class 08 (connection exception), class 53 (insufficient resources),
// 57P* (operator intervention: shutdown), 40001 (serialization failure),
// 40P01 (deadlock).
func transientCode(code string) bool {
	switch {
	case strings.HasPrefix(code, "08"),
		strings.HasPrefix(code, "53"),
		strings.HasPrefix(code, "57P"):
		return true
	case code == "40001", code == "40P01":
		return true
	}
	return false
}
