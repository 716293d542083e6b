// Package mq — broker.Broker поверх RabbitMQ (amqp091-go).
//
// Task публикуются persistent-сообщениями в exchange courier.tasks с
// routing key {queue}. Отложенный повтор уходит в courier.retry, в очередь
// {queue}.retry с per-message TTL; по истечении TTL dead-letter exchange
// возвращает сообщение в {queue}. Redis ZSET для отложенных task здесь
// не нужен.
//
// Connection восстанавливает соединение после разрыва, Consumer после
// этого заново подписывается на очередь. Неподтверждённые сообщения
// RabbitMQ доставляет повторно с Redelivered = true.
package mq
