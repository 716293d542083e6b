// Package handlers — встроенные handler'ы воркера.
//
//   - echo             — возвращает аргументы; секреты шифруются в результат
//   - sleep            — пауза с учётом TASK_TIMEOUT
//   - webhook.deliver  — подписанная доставка события подписчикам
//   - results.purge    — удаление старых записей журнала результатов
//
// Handler'ы, которым нужен datastore, регистрируются только при
// наличии Store.
package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/Courier/internal/domain"
	"github.com/shaiso/Courier/internal/repo"
	"github.com/shaiso/Courier/internal/worker"
)

// Deps — зависимости встроенных handler'ов.
type Deps struct {
	// Store — datastore (nil — webhook.deliver и results.purge не регистрируются).
	Store *repo.Store

	// Cipher — расшифровка секретов подписок.
	Cipher SecretDecrypter

	// HTTPClient — клиент для webhook'ов (nil — таймаут 10s).
	HTTPClient *http.Client

	// Logger
	Logger *slog.Logger
}

// Register добавляет встроенные handler'ы в реестр.
func Register(reg *worker.Registry, deps Deps) {
	reg.Register(TypeEcho, worker.HandlerFunc(Echo))
	reg.Register(TypeSleep, worker.HandlerFunc(Sleep))

	if deps.Store == nil {
		return
	}
	reg.Register(TypeWebhookDeliver, NewWebhook(StoreSubscriptions{Store: deps.Store}, deps.Cipher, deps.HTTPClient, deps.Logger))
	reg.Register(TypePurgeResults, NewPurge(deps.Store, deps.Logger))
}

// StoreSubscriptions читает подписки через соединение из пула Store.
type StoreSubscriptions struct {
	Store *repo.Store
}

// ListByEvent реализует SubscriptionLister.
func (s StoreSubscriptions) ListByEvent(ctx context.Context, event string) ([]domain.Subscription, error) {
	var subs []domain.Subscription
	err := s.Store.WithConn(ctx, func(conn *pgxpool.Conn) error {
		var err error
		subs, err = repo.NewSubscriptionRepo(conn).ListByEvent(ctx, event)
		return err
	})
	return subs, err
}
