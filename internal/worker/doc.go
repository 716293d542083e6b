// Package worker выполняет task из брокера.
//
// # Обзор
//
// Worker — stateless процесс системы Courier. Он отвечает за:
//
//   - Получение доставок из брокера (Redis Streams или RabbitMQ)
//   - Разбор и валидацию task
//   - Расшифровку помеченных полей через EncryptionGateway
//   - Вызов handler'а по типу task
//   - Запись результата в result backend и ack/nack сообщения
//   - Отправку финальных ошибок в ErrorReporter
//
// Workers масштабируются горизонтально: несколько процессов читают
// одну очередь.
//
// # Ключевые компоненты
//
// ## Dispatcher
//
// Проводит одну доставку через конечный автомат:
//
//	RECEIVED → DECODING → EXECUTING → SUCCEEDED
//	                               ↘ RETRY_SCHEDULED
//	          (любой этап)         ↘ FAILED
//
//	d, err := worker.NewDispatcher(worker.DispatcherConfig{
//	    Broker:     b,
//	    Cipher:     gateway,
//	    Registry:   registry,
//	    Reporter:   reporter,
//	    MaxRetries: 3,
//	    Logger:     logger,
//	})
//
// ## Worker
//
// Пул из Concurrency горутин, читающих один Consume-канал:
//
//	w := worker.New(worker.Config{
//	    Consumer:    b,
//	    Processor:   d,
//	    Concurrency: 4,
//	    Logger:      logger,
//	})
//	if err := w.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// ## Handler и Registry
//
//	type Handler interface {
//	    Handle(ctx context.Context, req *Request) (*Response, error)
//	}
//
// Request.Secrets содержит расшифрованные значения; после возврата
// они затираются. Response.Secrets шифруются перед записью результата.
//
// # Обработка доставки
//
//  1. Разбор тела. Ошибка → FAILED, ack (битые сообщения не повторяются)
//  2. Retries больше лимита → FAILED
//  3. Поиск handler'а. Неизвестный тип → FAILED
//  4. Расшифровка полей. Ошибка → FAILED без повтора
//  5. Вызов handler'а (panic → финальная ошибка)
//  6. Успех → результат success, ack
//  7. Временная ошибка и Retries < лимита → Retries+1, результат
//     retry-scheduled, nack(requeue) с задержкой
//  8. Иначе → результат failure, ack, отчёт в ErrorReporter
//
// Если result backend недоступен после повторов, доставка
// возвращается в очередь без изменения Retries.
//
// # Retry
//
// Повтор выполняется через брокер, а не в процессе: тело сообщения
// переписывается с увеличенным Retries. Задержка:
// initial * 2^(retries-1), не больше max.
//
// Классификация ошибок настраивается через Classifier. DefaultClassifier:
//   - ошибки валидации и расшифровки — финальные
//   - ошибка с методом Transient() bool решает сама
//     (repo.ConnectionError, broker.UnavailableError, domain.Transient)
//   - context.DeadlineExceeded — временная
//   - остальное — финальное
//
// # Остановка
//
// Отмена контекста прекращает приём. Начатые task выполняются
// с контекстом, который отменой не прерывается, не дольше
// ShutdownTimeout. Незавершённые сообщения остаются
// неподтверждёнными, и брокер доставит их повторно.
package worker
