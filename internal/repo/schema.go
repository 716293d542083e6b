package repo

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// schemaLockKey сериализует EnsureSchema между процессами.
const schemaLockKey int64 = 0x636f7572 // "cour"

// schema — таблицы, которыми владеет worker. Бизнес-схема приложения
// сюда не входит.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS task_results (
		task_id      TEXT PRIMARY KEY,
		task_type    TEXT NOT NULL,
		status       TEXT NOT NULL,
		payload      JSONB,
		encrypted    TEXT[] NOT NULL DEFAULT '{}',
		error        TEXT,
		retries      INT NOT NULL DEFAULT 0,
		completed_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS task_results_completed_at_idx
		ON task_results (completed_at DESC)`,
	`CREATE TABLE IF NOT EXISTS periodic_tasks (
		id               UUID PRIMARY KEY,
		name             TEXT NOT NULL UNIQUE,
		task_type        TEXT NOT NULL,
		args             JSONB NOT NULL DEFAULT '[]',
		kwargs           JSONB NOT NULL DEFAULT '{}',
		encrypted        TEXT[] NOT NULL DEFAULT '{}',
		cron_expr        TEXT,
		interval_sec     INT,
		timezone         TEXT NOT NULL DEFAULT 'UTC',
		enabled          BOOLEAN NOT NULL DEFAULT TRUE,
		next_due_at      TIMESTAMPTZ,
		last_enqueued_at TIMESTAMPTZ,
		last_task_id     TEXT,
		created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS periodic_tasks_due_idx
		ON periodic_tasks (next_due_at) WHERE enabled`,
	`CREATE TABLE IF NOT EXISTS webhook_subscriptions (
		id         UUID PRIMARY KEY,
		event      TEXT NOT NULL,
		url        TEXT NOT NULL,
		secret     TEXT NOT NULL,
		enabled    BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS webhook_subscriptions_event_idx
		ON webhook_subscriptions (event) WHERE enabled`,
}

// EnsureSchema создаёт таблицы, если их нет. Идемпотентна; конкурентные
// вызовы из нескольких процессов выполняются по очереди.
func (s *Store) EnsureSchema(ctx context.Context) error {
	return s.InTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", schemaLockKey); err != nil {
			return classify("schema_lock", err)
		}
		for i, stmt := range schema {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("schema statement %d: %w", i, classify("schema", err))
			}
		}
		return nil
	})
}
