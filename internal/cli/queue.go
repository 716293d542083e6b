package cli

import (
	"strconv"

	"github.com/spf13/cobra"
)

// NewQueueCmd создаёт группу команд для очереди.
func NewQueueCmd(envFn func() *Env, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the task queue",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show queue sizes (redis broker only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			env := envFn()
			out := outputFn()

			qs, err := env.QueueStats(cmd.Context())
			if err != nil {
				return err
			}
			stats, err := qs.Stats(cmd.Context())
			if err != nil {
				return err
			}

			out.Print(
				[]string{"QUEUE", "READY", "PENDING", "DELAYED"},
				[][]string{{
					env.Config().Queue,
					strconv.FormatInt(stats.Ready, 10),
					strconv.FormatInt(stats.Pending, 10),
					strconv.FormatInt(stats.Delayed, 10),
				}},
				map[string]any{
					"queue":   env.Config().Queue,
					"ready":   stats.Ready,
					"pending": stats.Pending,
					"delayed": stats.Delayed,
				},
			)
			return nil
		},
	})

	return cmd
}
