package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/shaiso/Courier/internal/domain"
)

// ResultRepo — журнал результатов task в PostgreSQL.
// Одна строка на task_id, повторная запись перезаписывает.
type ResultRepo struct {
	db DBTX
}

// NewResultRepo создаёт новый ResultRepo.
func NewResultRepo(db DBTX) *ResultRepo {
	return &ResultRepo{db: db}
}

// Record сохраняет результат (upsert по task_id).
func (r *ResultRepo) Record(ctx context.Context, result *domain.TaskResult) error {
	var payloadJSON []byte
	if result.Payload != nil {
		var err error
		payloadJSON, err = json.Marshal(result.Payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
	}

	encrypted := result.Encrypted
	if encrypted == nil {
		encrypted = []string{}
	}

	query := `
		INSERT INTO task_results (task_id, task_type, status, payload, encrypted,
		                          error, retries, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (task_id) DO UPDATE
		SET task_type = EXCLUDED.task_type, status = EXCLUDED.status,
		    payload = EXCLUDED.payload, encrypted = EXCLUDED.encrypted,
		    error = EXCLUDED.error, retries = EXCLUDED.retries,
		    completed_at = EXCLUDED.completed_at
	`
	_, err := r.db.Exec(ctx, query,
		result.TaskID,
		result.TaskType,
		string(result.Status),
		payloadJSON,
		encrypted,
		nullString(result.Error),
		result.Retries,
		result.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert result: %w", classify("upsert_result", err))
	}
	return nil
}

// GetByTaskID возвращает результат по ID task.
func (r *ResultRepo) GetByTaskID(ctx context.Context, taskID string) (*domain.TaskResult, error) {
	query := `
		SELECT task_id, task_type, status, payload, encrypted, error, retries, completed_at
		FROM task_results
		WHERE task_id = $1
	`
	return r.scanResult(r.db.QueryRow(ctx, query, taskID))
}

// ResultFilter — параметры фильтрации журнала.
type ResultFilter struct {
	TaskType string
	Status   domain.ResultStatus
	Since    *time.Time
	Limit    int
}

// List возвращает результаты, новые первыми.
func (r *ResultRepo) List(ctx context.Context, filter ResultFilter) ([]domain.TaskResult, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT task_id, task_type, status, payload, encrypted, error, retries, completed_at
		FROM task_results
		WHERE ($1::text IS NULL OR task_type = $1)
		  AND ($2::text IS NULL OR status = $2)
		  AND ($3::timestamptz IS NULL OR completed_at >= $3)
		ORDER BY completed_at DESC
		LIMIT $4
	`
	rows, err := r.db.Query(ctx, query,
		nullString(filter.TaskType),
		nullString(string(filter.Status)),
		filter.Since,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", classify("list_results", err))
	}
	defer rows.Close()

	var results []domain.TaskResult
	for rows.Next() {
		result, err := r.scanResult(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, *result)
	}
	return results, classify("list_results", rows.Err())
}

// DeleteOlderThan удаляет записи старше before. Возвращает число удалённых.
func (r *ResultRepo) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM task_results WHERE completed_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("delete results: %w", classify("delete_results", err))
	}
	return tag.RowsAffected(), nil
}

func (r *ResultRepo) scanResult(row pgx.Row) (*domain.TaskResult, error) {
	var res domain.TaskResult
	var status string
	var payloadJSON []byte
	var errText *string

	err := row.Scan(
		&res.TaskID,
		&res.TaskType,
		&status,
		&payloadJSON,
		&res.Encrypted,
		&errText,
		&res.Retries,
		&res.CompletedAt,
	)
	if err != nil {
		return nil, classify("scan_result", err)
	}

	res.Status = domain.ResultStatus(status)
	if errText != nil {
		res.Error = *errText
	}
	if payloadJSON != nil {
		if err := json.Unmarshal(payloadJSON, &res.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	if len(res.Encrypted) == 0 {
		res.Encrypted = nil
	}

	return &res, nil
}

// nullString возвращает nil для пустой строки (для NULL в БД).
func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// nullInt возвращает nil для нулевого int.
func nullInt(i int) *int {
	if i == 0 {
		return nil
	}
	return &i
}
