// Package telemetry — логи, метрики и служебный HTTP сервер процессов Courier.
//
// Логгер (SetupLogger) пишет JSON или text через slog и скрывает значения
// атрибутов с именами вроде *_password, *token*, api_key, а также пароли в
// URL брокера и БД. Метрики worker и beat регистрируются через promauto;
// Serve отдаёт /metrics и /healthz с проверками брокера и PostgreSQL.
package telemetry
