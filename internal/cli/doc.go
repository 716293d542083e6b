// Package cli реализует инструмент командной строки Courier.
//
// # Обзор
//
// CLI работает напрямую с брокером, result backend и PostgreSQL:
// отдельного API нет. Подключения открываются лениво через Env,
// каждая команда подключается только к тому, что использует.
//
// # Ключевые компоненты
//
// ## Env
//
// Держит конфигурацию и открытые подключения. Секреты шифруются
// EncryptionGateway на стороне CLI и не покидают процесс в открытом виде.
//
// ## Output
//
// Форматирование вывода. Поддерживает два режима:
//   - Таблицы (text/tabwriter) — по умолчанию
//   - JSON — с флагом --json
//
// Данные выводятся в stdout, сообщения (Success/Error) — в stderr.
// Это позволяет использовать pipe: courier schedule list --json | jq .
//
// ## Commands
//
// Cobra-команды организованы по ресурсам:
//   - task: enqueue, result, history
//   - schedule: list, add, show, delete, enable, disable
//   - subscription: list, add, delete
//   - queue: stats
//   - keygen
//
// Каждая группа создаётся через фабричную функцию (NewTaskCmd и т.д.),
// принимающую envFn и outputFn — замыкания для ленивого создания
// Env и Output после парсинга PersistentFlags.
package cli
