package scheduler

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/shaiso/Courier/internal/domain"
)

// cronParser — парсер cron-выражений (5 полей, плюс @daily и т.п.).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ErrNoSchedule — у расписания нет ни cron_expr, ни interval_sec.
var ErrNoSchedule = errors.New("periodic task has neither cron_expr nor interval_sec")

// NextDue вычисляет следующее время постановки после from.
// Cron считается в часовом поясе расписания; результат в UTC.
func NextDue(p *domain.PeriodicTask, from time.Time) (time.Time, error) {
	loc, err := location(p.Timezone)
	if err != nil {
		// Невалидный timezone не блокирует расписание
		loc = time.UTC
	}
	fromInTz := from.In(loc)

	if p.IsCron() {
		return nextCron(p.CronExpr, fromInTz)
	}
	if p.IsInterval() {
		return nextInterval(p.IntervalSec, fromInTz), nil
	}
	return time.Time{}, ErrNoSchedule
}

// nextCron вычисляет следующее время по cron-выражению.
func nextCron(expr string, from time.Time) (time.Time, error) {
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", expr, err)
	}
	return schedule.Next(from).UTC(), nil
}

// nextInterval вычисляет следующее время по интервалу.
func nextInterval(intervalSec int, from time.Time) time.Time {
	return from.Add(time.Duration(intervalSec) * time.Second).UTC()
}

// Validate проверяет расписание перед сохранением.
func Validate(p *domain.PeriodicTask) error {
	if p.Name == "" {
		return errors.New("name is required")
	}
	if p.TaskType == "" {
		return errors.New("task type is required")
	}
	if p.CronExpr != "" {
		if err := ValidateCronExpr(p.CronExpr); err != nil {
			return err
		}
	} else if p.IntervalSec <= 0 {
		return ErrNoSchedule
	}
	if _, err := location(p.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", p.Timezone, err)
	}
	return nil
}

// ValidateCronExpr проверяет валидность cron-выражения.
func ValidateCronExpr(expr string) error {
	if _, err := cronParser.Parse(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}

// InitialNextDue вычисляет первое время постановки для нового расписания.
func InitialNextDue(p *domain.PeriodicTask, now time.Time) (time.Time, error) {
	return NextDue(p, now)
}

func location(tz string) (*time.Location, error) {
	if tz == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(tz)
}
