// Courier CLI — постановка task, просмотр результатов и управление
// расписаниями и webhook-подписками.
//
// Использование:
//
//	courier [--json] <command> <subcommand> [flags]
//
// Команды:
//
//	task          Постановка task и результаты
//	schedule      Управление периодическими task
//	subscription  Управление webhook-подписками
//	queue         Статистика очереди
//	keygen        Генерация ENCRYPTION_KEY
//
// Подключения берутся из тех же переменных окружения, что у worker.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/shaiso/Courier/internal/cli"
	"github.com/shaiso/Courier/internal/config"
	"github.com/shaiso/Courier/internal/telemetry"
)

// version задаётся через ldflags при сборке.
var version = "dev"

func main() {
	var jsonOutput bool
	var env *cli.Env

	rootCmd := &cobra.Command{
		Use:           "courier",
		Short:         "Courier CLI — secure task queue tool",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	envFn := func() *cli.Env {
		if env != nil {
			return env
		}
		cfg, err := config.Load()
		if err != nil {
			fmt.Fprintln(os.Stderr, "Error:", err)
			os.Exit(1)
		}
		// Логи CLI идут в stderr, чтобы не смешиваться с данными.
		logger := telemetry.NewCLILogger(os.Stderr, envOr("LOG_LEVEL", "WARN"))
		env = cli.NewEnv(cfg, logger)
		return env
	}
	outputFn := func() *cli.Output { return cli.NewOutput(jsonOutput) }

	rootCmd.AddCommand(
		cli.NewTaskCmd(envFn, outputFn),
		cli.NewScheduleCmd(envFn, outputFn),
		cli.NewSubscriptionCmd(envFn, outputFn),
		cli.NewQueueCmd(envFn, outputFn),
		cli.NewKeygenCmd(outputFn),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	cancel()
	if env != nil {
		_ = env.Close()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func envOr(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}
