package cli

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/shaiso/Courier/internal/broker"
	"github.com/shaiso/Courier/internal/domain"
	"github.com/shaiso/Courier/internal/encryption"
	"github.com/shaiso/Courier/internal/producer"
	"github.com/shaiso/Courier/internal/repo"
)

// NewTaskCmd создаёт группу команд для работы с task.
func NewTaskCmd(envFn func() *Env, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Enqueue tasks and inspect results",
	}

	cmd.AddCommand(
		newTaskEnqueueCmd(envFn, outputFn),
		newTaskResultCmd(envFn, outputFn),
		newTaskHistoryCmd(envFn, outputFn),
	)

	return cmd
}

func newTaskEnqueueCmd(envFn func() *Env, outputFn func() *Output) *cobra.Command {
	var flags taskFlags
	var id string
	var maxRetries int

	cmd := &cobra.Command{
		Use:   "enqueue TYPE",
		Short: "Enqueue a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env := envFn()
			out := outputFn()

			kwargs, err := flags.plain()
			if err != nil {
				return err
			}
			secrets, err := flags.secretValues(getenv)
			if err != nil {
				return err
			}
			defer wipeAll(secrets)

			spec := producer.Spec{
				ID:      id,
				Type:    args[0],
				Args:    flags.positional(),
				Kwargs:  kwargs,
				Secrets: secrets,
			}
			if cmd.Flags().Changed("max-retries") {
				spec.MaxRetries = &maxRetries
			}

			enq, err := env.Enqueuer(cmd.Context())
			if err != nil {
				return err
			}
			task, err := enq.Enqueue(cmd.Context(), spec)
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Task enqueued: %s", task.ID))
			out.Print(
				[]string{"ID", "TYPE", "ENCRYPTED", "ENQUEUED"},
				[][]string{{task.ID, task.Type, strconv.Itoa(len(task.Encrypted)), task.EnqueuedAt.Format(time.RFC3339)}},
				map[string]any{"id": task.ID, "type": task.Type, "encrypted": task.Encrypted},
			)
			return nil
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "Task ID (uuid if not specified)")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 0, "Override retry limit for this task")
	addTaskFlags(cmd, &flags)

	return cmd
}

func addTaskFlags(cmd *cobra.Command, flags *taskFlags) {
	cmd.Flags().StringArrayVar(&flags.args, "arg", nil, "Positional argument (repeatable, JSON or string)")
	cmd.Flags().StringArrayVar(&flags.kwargs, "kwarg", nil, "Plain keyword argument KEY=VALUE (repeatable)")
	cmd.Flags().StringArrayVar(&flags.secrets, "secret", nil, "Secret keyword argument KEY=VALUE, encrypted before sending (repeatable)")
	cmd.Flags().StringArrayVar(&flags.secretEnvs, "secret-env", nil, "Secret keyword argument KEY=ENV_VAR read from environment (repeatable)")
}

func newTaskResultCmd(envFn func() *Env, outputFn func() *Output) *cobra.Command {
	var reveal bool

	cmd := &cobra.Command{
		Use:   "result TASK_ID",
		Short: "Show task result from the result backend",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env := envFn()
			out := outputFn()

			results, err := env.Results(cmd.Context())
			if err != nil {
				return err
			}
			result, err := results.Fetch(cmd.Context(), args[0])
			if errors.Is(err, broker.ErrResultNotFound) {
				return fmt.Errorf("no result for task %s (pending or expired)", args[0])
			}
			if err != nil {
				return err
			}

			payload, err := renderPayload(env, result, reveal)
			if err != nil {
				return err
			}

			values := map[string]string{
				"TASK_ID":   result.TaskID,
				"TYPE":      result.TaskType,
				"STATUS":    string(result.Status),
				"RETRIES":   strconv.Itoa(result.Retries),
				"ERROR":     result.Error,
				"COMPLETED": result.CompletedAt.Format(time.RFC3339),
			}
			keys := []string{"TASK_ID", "TYPE", "STATUS", "RETRIES", "ERROR", "COMPLETED"}
			for _, k := range sortedKeys(payload) {
				key := "payload." + k
				keys = append(keys, key)
				values[key] = fmt.Sprint(payload[k])
			}

			jsonResult := *result
			jsonResult.Payload = payload
			out.Fields(keys, values, jsonResult)
			return nil
		},
	}

	cmd.Flags().BoolVar(&reveal, "reveal", false, "Decrypt encrypted payload fields (needs ENCRYPTION_KEY)")

	return cmd
}

// renderPayload возвращает payload для вывода. Зашифрованные поля
// скрываются, если reveal не задан.
func renderPayload(env *Env, result *domain.TaskResult, reveal bool) (map[string]any, error) {
	payload := make(map[string]any, len(result.Payload))
	for k, v := range result.Payload {
		payload[k] = v
	}
	if len(result.Encrypted) == 0 {
		return payload, nil
	}

	if !reveal {
		for _, name := range result.Encrypted {
			payload[name] = "<encrypted>"
		}
		return payload, nil
	}

	cipher, err := env.Cipher()
	if err != nil {
		return nil, err
	}
	secrets, err := cipher.DecryptFields(result.Payload, result.Encrypted)
	if err != nil {
		var fe *encryption.FieldError
		if errors.As(err, &fe) {
			return nil, fmt.Errorf("cannot decrypt payload field %q: wrong key or tampered result", fe.Field)
		}
		return nil, err
	}
	for name, s := range secrets {
		payload[name] = string(s.Reveal())
		s.Wipe()
	}
	return payload, nil
}

func newTaskHistoryCmd(envFn func() *Env, outputFn func() *Output) *cobra.Command {
	var taskType string
	var status string
	var since time.Duration
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded results from the database journal",
		RunE: func(cmd *cobra.Command, args []string) error {
			env := envFn()
			out := outputFn()

			filter := repo.ResultFilter{
				TaskType: taskType,
				Status:   domain.ResultStatus(status),
				Limit:    limit,
			}
			if since > 0 {
				t := time.Now().Add(-since)
				filter.Since = &t
			}

			journal, err := env.Journal(cmd.Context())
			if err != nil {
				return err
			}
			results, err := journal.List(cmd.Context(), filter)
			if err != nil {
				return err
			}

			headers := []string{"TASK_ID", "TYPE", "STATUS", "RETRIES", "COMPLETED", "ERROR"}
			rows := make([][]string, len(results))
			for i, r := range results {
				rows[i] = []string{
					r.TaskID, r.TaskType, string(r.Status), strconv.Itoa(r.Retries),
					r.CompletedAt.Format(time.RFC3339), truncate(r.Error, 60),
				}
			}

			out.Print(headers, rows, results)
			return nil
		},
	}

	cmd.Flags().StringVar(&taskType, "type", "", "Filter by task type")
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (success, failure, retry-scheduled)")
	cmd.Flags().DurationVar(&since, "since", 0, "Only results newer than this (e.g. 1h)")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of results")

	return cmd
}

// NewKeygenCmd создаёт команду генерации ключа шифрования.
func NewKeygenCmd(outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a new ENCRYPTION_KEY",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := encryption.GenerateKey()
			if err != nil {
				return err
			}
			outputFn().Line(key)
			return nil
		},
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
