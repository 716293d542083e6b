// Package scheduler реализует beat: периодическую постановку task
// по расписаниям из PostgreSQL.
//
// Scheduler на каждом тике блокирует расписания с истекшим next_due_at
// (FOR UPDATE SKIP LOCKED), ставит по task на каждое и сдвигает
// next_due_at. ID task детерминирован по (расписание, время срабатывания),
// поэтому повтор тика после сбоя не создаёт второй результат.
//
// Структура:
//   - scheduler.go — Tick и обработка одного расписания
//   - cron.go      — cron/interval, часовые пояса, валидация
//   - leader.go    — выбор лидера через pg_try_advisory_lock
//
// Использование:
//
//	sched := scheduler.New(scheduler.Config{
//	    Store:    store,
//	    Enqueuer: producer,
//	    Logger:   logger,
//	})
//	locker := scheduler.AdvisoryLocker{Store: store, Key: scheduler.DefaultLockKey}
//	runner := scheduler.NewRunner(locker, sched, time.Second, logger)
//	runner.Run(ctx)
//
// Несколько процессов beat безопасны: тики выполняет только держатель lock,
// а SKIP LOCKED защищает от гонки в момент смены лидера.
package scheduler
