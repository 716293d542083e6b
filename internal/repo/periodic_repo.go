package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/shaiso/Courier/internal/domain"
)

const periodicColumns = `
	id, name, task_type, args, kwargs, encrypted, cron_expr, interval_sec,
	timezone, enabled, next_due_at, last_enqueued_at, last_task_id,
	created_at, updated_at`

// PeriodicTaskRepo — репозиторий расписаний beat.
type PeriodicTaskRepo struct {
	db DBTX
}

// NewPeriodicTaskRepo создаёт новый PeriodicTaskRepo.
func NewPeriodicTaskRepo(db DBTX) *PeriodicTaskRepo {
	return &PeriodicTaskRepo{db: db}
}

// Create создаёт новое расписание.
func (r *PeriodicTaskRepo) Create(ctx context.Context, p *domain.PeriodicTask) error {
	argsJSON, kwargsJSON, err := marshalArgs(p)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO periodic_tasks (id, name, task_type, args, kwargs, encrypted,
		                            cron_expr, interval_sec, timezone, enabled,
		                            next_due_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err = r.db.Exec(ctx, query,
		p.ID,
		p.Name,
		p.TaskType,
		argsJSON,
		kwargsJSON,
		nonNil(p.Encrypted),
		nullString(p.CronExpr),
		nullInt(p.IntervalSec),
		p.Timezone,
		p.Enabled,
		p.NextDueAt,
		p.CreatedAt,
		p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert periodic task: %w", classify("insert_periodic", err))
	}
	return nil
}

// GetByID возвращает расписание по ID.
func (r *PeriodicTaskRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.PeriodicTask, error) {
	query := `SELECT ` + periodicColumns + ` FROM periodic_tasks WHERE id = $1`
	return scanPeriodic(r.db.QueryRow(ctx, query, id))
}

// GetByName возвращает расписание по имени.
func (r *PeriodicTaskRepo) GetByName(ctx context.Context, name string) (*domain.PeriodicTask, error) {
	query := `SELECT ` + periodicColumns + ` FROM periodic_tasks WHERE name = $1`
	return scanPeriodic(r.db.QueryRow(ctx, query, name))
}

// PeriodicFilter — параметры фильтрации расписаний.
type PeriodicFilter struct {
	Enabled *bool
	Limit   int
	Offset  int
}

// List возвращает расписания, отсортированные по имени.
func (r *PeriodicTaskRepo) List(ctx context.Context, filter PeriodicFilter) ([]domain.PeriodicTask, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + periodicColumns + `
		FROM periodic_tasks
		WHERE ($1::boolean IS NULL OR enabled = $1)
		ORDER BY name ASC
		LIMIT $2 OFFSET $3
	`
	rows, err := r.db.Query(ctx, query, filter.Enabled, limit, filter.Offset)
	if err != nil {
		return nil, fmt.Errorf("list periodic tasks: %w", classify("list_periodic", err))
	}
	return collectPeriodic(rows)
}

// ListDueForUpdate возвращает созревшие расписания и блокирует их строки
// до конца транзакции. Строки, заблокированные другим beat, пропускаются.
// Вызывать только внутри транзакции.
func (r *PeriodicTaskRepo) ListDueForUpdate(ctx context.Context, now time.Time, limit int) ([]domain.PeriodicTask, error) {
	query := `SELECT ` + periodicColumns + `
		FROM periodic_tasks
		WHERE enabled = true
		  AND next_due_at IS NOT NULL
		  AND next_due_at <= $1
		ORDER BY next_due_at ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`
	rows, err := r.db.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list due periodic tasks: %w", classify("list_due", err))
	}
	return collectPeriodic(rows)
}

// MarkEnqueued сохраняет результат постановки и следующее время запуска.
func (r *PeriodicTaskRepo) MarkEnqueued(ctx context.Context, p *domain.PeriodicTask) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE periodic_tasks
		SET next_due_at = $2, last_enqueued_at = $3, last_task_id = $4, updated_at = NOW()
		WHERE id = $1
	`, p.ID, p.NextDueAt, p.LastEnqueuedAt, nullString(p.LastTaskID))
	if err != nil {
		return fmt.Errorf("mark enqueued: %w", classify("mark_enqueued", err))
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete удаляет расписание.
func (r *PeriodicTaskRepo) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM periodic_tasks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete periodic task: %w", classify("delete_periodic", err))
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetEnabled включает/выключает расписание. При включении задаётся
// nextDue, при выключении оно не меняется.
func (r *PeriodicTaskRepo) SetEnabled(ctx context.Context, id uuid.UUID, enabled bool, nextDue *time.Time) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE periodic_tasks
		SET enabled = $2, next_due_at = COALESCE($3, next_due_at), updated_at = NOW()
		WHERE id = $1
	`, id, enabled, nextDue)
	if err != nil {
		return fmt.Errorf("set enabled: %w", classify("set_enabled", err))
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Helpers ---

func marshalArgs(p *domain.PeriodicTask) ([]byte, []byte, error) {
	args := p.Args
	if args == nil {
		args = []any{}
	}
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal args: %w", err)
	}

	kwargs := p.Kwargs
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	kwargsJSON, err := json.Marshal(kwargs)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal kwargs: %w", err)
	}
	return argsJSON, kwargsJSON, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func collectPeriodic(rows pgx.Rows) ([]domain.PeriodicTask, error) {
	defer rows.Close()

	var tasks []domain.PeriodicTask
	for rows.Next() {
		p, err := scanPeriodic(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *p)
	}
	return tasks, classify("scan_periodic", rows.Err())
}

func scanPeriodic(row pgx.Row) (*domain.PeriodicTask, error) {
	var p domain.PeriodicTask
	var cronExpr, lastTaskID *string
	var intervalSec *int
	var argsJSON, kwargsJSON []byte

	err := row.Scan(
		&p.ID,
		&p.Name,
		&p.TaskType,
		&argsJSON,
		&kwargsJSON,
		&p.Encrypted,
		&cronExpr,
		&intervalSec,
		&p.Timezone,
		&p.Enabled,
		&p.NextDueAt,
		&p.LastEnqueuedAt,
		&lastTaskID,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, classify("scan_periodic", err)
	}

	if cronExpr != nil {
		p.CronExpr = *cronExpr
	}
	if intervalSec != nil {
		p.IntervalSec = *intervalSec
	}
	if lastTaskID != nil {
		p.LastTaskID = *lastTaskID
	}
	if len(p.Encrypted) == 0 {
		p.Encrypted = nil
	}
	if argsJSON != nil {
		if err := json.Unmarshal(argsJSON, &p.Args); err != nil {
			return nil, fmt.Errorf("unmarshal args: %w", err)
		}
	}
	if kwargsJSON != nil {
		if err := json.Unmarshal(kwargsJSON, &p.Kwargs); err != nil {
			return nil, fmt.Errorf("unmarshal kwargs: %w", err)
		}
	}

	return &p, nil
}
