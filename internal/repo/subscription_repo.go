package repo

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/shaiso/Courier/internal/domain"
)

// SubscriptionRepo — репозиторий webhook-подписок.
// Ключ подписи хранится только в зашифрованном виде.
type SubscriptionRepo struct {
	db DBTX
}

// NewSubscriptionRepo создаёт новый SubscriptionRepo.
func NewSubscriptionRepo(db DBTX) *SubscriptionRepo {
	return &SubscriptionRepo{db: db}
}

// Create сохраняет подписку.
func (r *SubscriptionRepo) Create(ctx context.Context, s *domain.Subscription) error {
	if err := s.Validate(); err != nil {
		return err
	}

	_, err := r.db.Exec(ctx, `
		INSERT INTO webhook_subscriptions (id, event, url, secret, enabled, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, s.ID, s.Event, s.URL, s.SecretCiphertext, s.Enabled, s.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert subscription: %w", classify("insert_subscription", err))
	}
	return nil
}

// ListByEvent возвращает активные подписки на событие.
func (r *SubscriptionRepo) ListByEvent(ctx context.Context, event string) ([]domain.Subscription, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, event, url, secret, enabled, created_at
		FROM webhook_subscriptions
		WHERE event = $1 AND enabled = true
		ORDER BY created_at ASC
	`, event)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", classify("list_subscriptions", err))
	}

	return collectSubscriptions(rows)
}

// List возвращает все подписки, включая выключенные.
func (r *SubscriptionRepo) List(ctx context.Context) ([]domain.Subscription, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, event, url, secret, enabled, created_at
		FROM webhook_subscriptions
		ORDER BY event ASC, created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", classify("list_subscriptions", err))
	}
	return collectSubscriptions(rows)
}

// Delete удаляет подписку.
func (r *SubscriptionRepo) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM webhook_subscriptions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete subscription: %w", classify("delete_subscription", err))
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func collectSubscriptions(rows pgx.Rows) ([]domain.Subscription, error) {
	subs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Subscription, error) {
		var s domain.Subscription
		err := row.Scan(&s.ID, &s.Event, &s.URL, &s.SecretCiphertext, &s.Enabled, &s.CreatedAt)
		return s, err
	})
	if err != nil {
		return nil, classify("scan_subscription", err)
	}
	return subs, nil
}
