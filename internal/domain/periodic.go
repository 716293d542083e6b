package domain

import (
	"time"

	"github.com/google/uuid"
)

// PeriodicTask — расписание периодической постановки task (beat).
//
// Запуск:
// - По cron-выражению: "0 9 * * *" (каждый день в 9:00)
// - По интервалу: каждые N секунд
//
// Зашифрованные kwargs хранятся в БД как шифротекст и копируются
// в task без расшифровки.
type PeriodicTask struct {
	// ID — уникальный идентификатор расписания.
	ID uuid.UUID `json:"id"`

	// Name — уникальное имя расписания.
	Name string `json:"name"`

	// TaskType — тип ставимого task.
	TaskType string `json:"task_type"`

	// Args — аргументы task.
	Args []any `json:"args,omitempty"`

	// Kwargs — именованные аргументы task (секреты — шифротекст).
	Kwargs map[string]any `json:"kwargs,omitempty"`

	// Encrypted — имена зашифрованных kwargs.
	Encrypted []string `json:"encrypted,omitempty"`

	// CronExpr — cron-выражение "минуты часы дни месяцы дни_недели".
	// Если задан, IntervalSec игнорируется.
	CronExpr string `json:"cron_expr,omitempty"`

	// IntervalSec — интервал в секундах между постановками.
	IntervalSec int `json:"interval_sec,omitempty"`

	// Timezone — часовой пояс для cron. По умолчанию "UTC".
	Timezone string `json:"timezone"`

	// Enabled — флаг активности.
	Enabled bool `json:"enabled"`

	// NextDueAt — время следующей постановки.
	NextDueAt *time.Time `json:"next_due_at,omitempty"`

	// LastEnqueuedAt — время последней постановки.
	LastEnqueuedAt *time.Time `json:"last_enqueued_at,omitempty"`

	// LastTaskID — ID последнего поставленного task.
	LastTaskID string `json:"last_task_id,omitempty"`

	// CreatedAt — время создания.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt — время последнего обновления.
	UpdatedAt time.Time `json:"updated_at"`
}

// IsCron возвращает true, если расписание использует cron-выражение.
func (p *PeriodicTask) IsCron() bool {
	return p.CronExpr != ""
}

// IsInterval возвращает true, если расписание использует интервал.
func (p *PeriodicTask) IsInterval() bool {
	return p.CronExpr == "" && p.IntervalSec > 0
}

// IsDue проверяет, пора ли ставить task.
func (p *PeriodicTask) IsDue(now time.Time) bool {
	if !p.Enabled || p.NextDueAt == nil {
		return false
	}
	return !now.Before(*p.NextDueAt)
}

// periodicNamespace — пространство имён для детерминированных ID task.
var periodicNamespace = uuid.MustParse("6f1c2a5e-8d1b-4f0e-9a57-3c2b7e4d9a10")

// TaskIDFor возвращает детерминированный ID task для срабатывания в due.
// Повторный тик для того же срабатывания даёт тот же ID, и result backend
// схлопывает дубликаты.
func (p *PeriodicTask) TaskIDFor(due time.Time) string {
	key := p.ID.String() + "@" + due.UTC().Format(time.RFC3339Nano)
	return uuid.NewSHA1(periodicNamespace, []byte(key)).String()
}

// NewTask собирает task для срабатывания в due.
func (p *PeriodicTask) NewTask(due, now time.Time) *Task {
	kwargs := make(map[string]any, len(p.Kwargs))
	for k, v := range p.Kwargs {
		kwargs[k] = v
	}
	return &Task{
		ID:         p.TaskIDFor(due),
		Type:       p.TaskType,
		Args:       p.Args,
		Kwargs:     kwargs,
		Encrypted:  append([]string(nil), p.Encrypted...),
		EnqueuedAt: now.UTC(),
	}
}

// RecordEnqueue записывает информацию о постановке.
func (p *PeriodicTask) RecordEnqueue(taskID string, nextDue time.Time) {
	now := time.Now()
	p.LastEnqueuedAt = &now
	p.LastTaskID = taskID
	p.NextDueAt = &nextDue
	p.UpdatedAt = now
}
