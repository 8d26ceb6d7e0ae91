// Package mq предоставляет инфраструктуру для работы с RabbitMQ.
//
// Структура:
//   - connection.go — управление соединением с RabbitMQ (reconnect, graceful shutdown)
//   - topology.go   — объявление exchanges, queues, bindings
//   - publisher.go  — публикация сообщений
//   - consumer.go   — потребление сообщений из очередей
//
// Типы сообщений:
//   - workload.enqueued — подсказка воркерам группы, что в очереди есть работа
//   - workload.terminal — workload перешёл в терминальный статус
//   - workload.expired  — workload пропустил deadline
//
// RabbitMQ здесь не источник истины: выдача работы идёт только через
// очередь в БД, а сообщения лишь будят поллеров и уведомляют внешних
// наблюдателей.
package mq
