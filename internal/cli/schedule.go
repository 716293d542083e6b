package cli

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/shaiso/Courier/internal/domain"
	"github.com/shaiso/Courier/internal/producer"
	"github.com/shaiso/Courier/internal/repo"
	"github.com/shaiso/Courier/internal/scheduler"
)

// NewScheduleCmd создаёт группу команд для управления расписаниями beat.
func NewScheduleCmd(envFn func() *Env, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Manage periodic tasks",
	}

	cmd.AddCommand(
		newScheduleListCmd(envFn, outputFn),
		newScheduleAddCmd(envFn, outputFn),
		newScheduleShowCmd(envFn, outputFn),
		newScheduleDeleteCmd(envFn, outputFn),
		newScheduleEnableCmd(envFn, outputFn),
		newScheduleDisableCmd(envFn, outputFn),
	)

	return cmd
}

var scheduleHeaders = []string{"NAME", "TYPE", "CRON", "INTERVAL", "TIMEZONE", "ENABLED", "NEXT_DUE", "LAST_TASK"}

func scheduleRow(p *domain.PeriodicTask) []string {
	return []string{
		p.Name, p.TaskType, p.CronExpr, formatInterval(p.IntervalSec), p.Timezone,
		strconv.FormatBool(p.Enabled), formatTime(p.NextDueAt), p.LastTaskID,
	}
}

func newScheduleListCmd(envFn func() *Env, outputFn func() *Output) *cobra.Command {
	var enabledOnly bool
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List periodic tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			env := envFn()
			out := outputFn()

			filter := repo.PeriodicFilter{Limit: limit}
			if enabledOnly {
				enabled := true
				filter.Enabled = &enabled
			}

			store, err := env.Periodics(cmd.Context())
			if err != nil {
				return err
			}
			periodics, err := store.List(cmd.Context(), filter)
			if err != nil {
				return err
			}

			rows := make([][]string, len(periodics))
			for i := range periodics {
				rows[i] = scheduleRow(&periodics[i])
			}

			out.Print(scheduleHeaders, rows, periodics)
			return nil
		},
	}

	cmd.Flags().BoolVar(&enabledOnly, "enabled", false, "Only enabled periodic tasks")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of results")

	return cmd
}

func newScheduleAddCmd(envFn func() *Env, outputFn func() *Output) *cobra.Command {
	var flags taskFlags
	var taskType string
	var cronExpr string
	var interval time.Duration
	var timezone string
	var disabled bool

	cmd := &cobra.Command{
		Use:   "add NAME",
		Short: "Create a periodic task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env := envFn()
			out := outputFn()

			if interval%time.Second != 0 {
				return fmt.Errorf("interval must be a whole number of seconds, got %s", interval)
			}

			kwargs, err := flags.plain()
			if err != nil {
				return err
			}
			secrets, err := flags.secretValues(getenv)
			if err != nil {
				return err
			}
			defer wipeAll(secrets)

			cipher, err := env.Cipher()
			if err != nil && len(secrets) > 0 {
				return err
			}
			// Секреты шифруются так же, как при постановке task.
			task, err := producer.New(nil, cipher, nil).Build(producer.Spec{
				Type:    taskType,
				Args:    flags.positional(),
				Kwargs:  kwargs,
				Secrets: secrets,
			})
			if err != nil {
				return err
			}

			now := time.Now().UTC()
			p := &domain.PeriodicTask{
				ID:          uuid.New(),
				Name:        args[0],
				TaskType:    taskType,
				Args:        task.Args,
				Kwargs:      task.Kwargs,
				Encrypted:   task.Encrypted,
				CronExpr:    cronExpr,
				IntervalSec: int(interval / time.Second),
				Timezone:    timezone,
				Enabled:     !disabled,
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			if err := scheduler.Validate(p); err != nil {
				return err
			}
			next, err := scheduler.InitialNextDue(p, now)
			if err != nil {
				return err
			}
			p.NextDueAt = &next

			store, err := env.Periodics(cmd.Context())
			if err != nil {
				return err
			}
			if err := store.Create(cmd.Context(), p); err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Periodic task created: %s", p.Name))
			out.Print(scheduleHeaders, [][]string{scheduleRow(p)}, p)
			return nil
		},
	}

	cmd.Flags().StringVar(&taskType, "type", "", "Task type (required)")
	cmd.Flags().StringVar(&cronExpr, "cron", "", "Cron expression (e.g. '0 9 * * *')")
	cmd.Flags().DurationVar(&interval, "every", 0, "Interval between runs (e.g. 30s, 5m)")
	cmd.Flags().StringVar(&timezone, "timezone", "UTC", "Timezone for cron (e.g. 'Europe/Moscow')")
	cmd.Flags().BoolVar(&disabled, "disabled", false, "Create disabled")
	addTaskFlags(cmd, &flags)
	cmd.MarkFlagRequired("type")

	return cmd
}

func newScheduleShowCmd(envFn func() *Env, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show NAME",
		Short: "Show periodic task details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env := envFn()
			out := outputFn()

			store, err := env.Periodics(cmd.Context())
			if err != nil {
				return err
			}
			p, err := store.GetByName(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			values := map[string]string{
				"ID":           p.ID.String(),
				"NAME":         p.Name,
				"TYPE":         p.TaskType,
				"SCHEDULE":     describeSchedule(p),
				"TIMEZONE":     p.Timezone,
				"ENABLED":      strconv.FormatBool(p.Enabled),
				"NEXT_DUE":     formatTime(p.NextDueAt),
				"LAST_ENQUEUE": formatTime(p.LastEnqueuedAt),
				"LAST_TASK":    p.LastTaskID,
				"ENCRYPTED":    strings.Join(p.Encrypted, ","),
			}
			keys := []string{"ID", "NAME", "TYPE", "SCHEDULE", "TIMEZONE", "ENABLED", "NEXT_DUE", "LAST_ENQUEUE", "LAST_TASK", "ENCRYPTED"}
			out.Fields(keys, values, p)
			return nil
		},
	}
}

func newScheduleDeleteCmd(envFn func() *Env, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "delete NAME",
		Short: "Delete a periodic task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env := envFn()
			out := outputFn()

			store, err := env.Periodics(cmd.Context())
			if err != nil {
				return err
			}
			p, err := store.GetByName(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if err := store.Delete(cmd.Context(), p.ID); err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Periodic task deleted: %s", args[0]))
			return nil
		},
	}
}

func newScheduleEnableCmd(envFn func() *Env, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "enable NAME",
		Short: "Enable a periodic task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env := envFn()
			out := outputFn()

			store, err := env.Periodics(cmd.Context())
			if err != nil {
				return err
			}
			p, err := store.GetByName(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			// Пропущенные за время выключения срабатывания не догоняются.
			next, err := scheduler.InitialNextDue(p, time.Now())
			if err != nil {
				return err
			}
			if err := store.SetEnabled(cmd.Context(), p.ID, true, &next); err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Periodic task enabled: %s (next due %s)", args[0], next.Format(time.RFC3339)))
			return nil
		},
	}
}

func newScheduleDisableCmd(envFn func() *Env, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "disable NAME",
		Short: "Disable a periodic task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env := envFn()
			out := outputFn()

			store, err := env.Periodics(cmd.Context())
			if err != nil {
				return err
			}
			p, err := store.GetByName(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if err := store.SetEnabled(cmd.Context(), p.ID, false, nil); err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Periodic task disabled: %s", args[0]))
			return nil
		},
	}
}

func describeSchedule(p *domain.PeriodicTask) string {
	if p.IsCron() {
		return "cron " + p.CronExpr
	}
	return "every " + formatInterval(p.IntervalSec)
}

func formatInterval(sec int) string {
	if sec <= 0 {
		return ""
	}
	return (time.Duration(sec) * time.Second).String()
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
