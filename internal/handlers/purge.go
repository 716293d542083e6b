package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/Courier/internal/domain"
	"github.com/shaiso/Courier/internal/repo"
	"github.com/shaiso/Courier/internal/worker"
)

// TypePurgeResults — тип task очистки журнала результатов.
const TypePurgeResults = "results.purge"

const defaultRetention = 30 * 24 * time.Hour

// Purge — handler "results.purge". Удаляет записи task_results старше
// kwargs.older_than (Go duration, default 720h). Обычно ставится beat'ом.
type Purge struct {
	store  *repo.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewPurge создаёт handler.
func NewPurge(store *repo.Store, logger *slog.Logger) *Purge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Purge{store: store, logger: logger.With("handler", TypePurgeResults), now: time.Now}
}

// Handle удаляет старые записи.
func (h *Purge) Handle(ctx context.Context, req *worker.Request) (*worker.Response, error) {
	retention, err := retentionFrom(req)
	if err != nil {
		return nil, err
	}
	before := h.now().Add(-retention)

	var deleted int64
	err = h.store.WithConn(ctx, func(conn *pgxpool.Conn) error {
		var err error
		deleted, err = repo.NewResultRepo(conn).DeleteOlderThan(ctx, before)
		return err
	})
	if err != nil {
		return nil, err
	}

	h.logger.Info("task results purged", "deleted", deleted, "before", before)
	return &worker.Response{Payload: map[string]any{
		"deleted": deleted,
		"before":  before.UTC().Format(time.RFC3339),
	}}, nil
}

func retentionFrom(req *worker.Request) (time.Duration, error) {
	raw, ok := req.String("older_than")
	if !ok || raw == "" {
		return defaultRetention, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, domain.Terminal(fmt.Errorf("%w: older_than must be a positive duration", domain.ErrValidation))
	}
	return d, nil
}
