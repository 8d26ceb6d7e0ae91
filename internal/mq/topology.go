package mq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange — тип для имени обменника.
type Exchange string

// Queue — тип для имени очереди.
type Queue string

// RoutingKey — тип для ключа маршрутизации.
type RoutingKey string

// Exchanges — имена обменников.
const (
	ExchangeWorkloads Exchange = "conveyor.workloads"
	ExchangeDLQ       Exchange = "conveyor.dlq"
)

// Queues — имена долговечных очередей. Очереди wake-up подсказок
// объявляются каждым воркером отдельно (см. DeclareWakeupQueue).
const (
	QueueWorkloadsTerminal Queue = "workloads.terminal"
	QueueWorkloadsExpired  Queue = "workloads.expired"
	QueueDLQWorkloads      Queue = "dlq.workloads"
)

// Routing keys и шаблоны привязок (exchange типа topic).
const (
	RoutingKeyEnqueuedPrefix            = "enqueued."
	RoutingKeyTerminalPrefix            = "terminal."
	RoutingKeyExpired        RoutingKey = "expired"
	RoutingKeyDLQWorkloads   RoutingKey = "workloads"

	bindingTerminalAll = "terminal.*"
)

// EnqueuedKey — routing key подсказки для dataplane group.
func EnqueuedKey(dataplaneGroup string) RoutingKey {
	return RoutingKey(RoutingKeyEnqueuedPrefix + dataplaneGroup)
}

// TerminalKey — routing key сигнала о терминальном статусе.
func TerminalKey(status string) RoutingKey {
	return RoutingKey(RoutingKeyTerminalPrefix + status)
}

// SetupTopology объявляет exchanges, долговечные очереди и привязки.
func SetupTopology(ctx context.Context, conn *Connection) error {
	return conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		if err := declareExchanges(ch); err != nil {
			return err
		}
		if err := declareQueues(ch); err != nil {
			return err
		}
		return bindQueues(ch)
	})
}

func declareExchanges(ch *amqp.Channel) error {
	exchanges := []struct {
		name Exchange
		kind string
	}{
		{ExchangeWorkloads, amqp.ExchangeTopic},
		{ExchangeDLQ, amqp.ExchangeDirect},
	}

	for _, ex := range exchanges {
		err := ch.ExchangeDeclare(
			string(ex.name), // name
			ex.kind,         // type
			true,            // durable
			false,           // auto-deleted
			false,           // internal
			false,           // no-wait
			nil,             // arguments
		)
		if err != nil {
			return fmt.Errorf("declare exchange %s: %w", ex.name, err)
		}
	}
	return nil
}

func declareQueues(ch *amqp.Channel) error {
	dlqArgs := amqp.Table{
		"x-dead-letter-exchange":    string(ExchangeDLQ),
		"x-dead-letter-routing-key": string(RoutingKeyDLQWorkloads),
	}

	queues := []struct {
		name Queue
		args amqp.Table
	}{
		// workloads.terminal — сигналы для внешнего контроллера
		{QueueWorkloadsTerminal, dlqArgs},

		// workloads.expired — просроченные workloads, решение принимает контроллер
		{QueueWorkloadsExpired, dlqArgs},

		{QueueDLQWorkloads, nil},
	}

	for _, q := range queues {
		_, err := ch.QueueDeclare(
			string(q.name), // name
			true,           // durable
			false,          // delete when unused
			false,          // exclusive
			false,          // no-wait
			q.args,         // arguments
		)
		if err != nil {
			return fmt.Errorf("declare queue %s: %w", q.name, err)
		}
	}
	return nil
}

func bindQueues(ch *amqp.Channel) error {
	bindings := []struct {
		queue    Queue
		key      string
		exchange Exchange
	}{
		{QueueWorkloadsTerminal, bindingTerminalAll, ExchangeWorkloads},
		{QueueWorkloadsExpired, string(RoutingKeyExpired), ExchangeWorkloads},
		{QueueDLQWorkloads, string(RoutingKeyDLQWorkloads), ExchangeDLQ},
	}

	for _, b := range bindings {
		err := ch.QueueBind(
			string(b.queue),    // queue name
			b.key,              // routing key
			string(b.exchange), // exchange
			false,              // no-wait
			nil,                // arguments
		)
		if err != nil {
			return fmt.Errorf("bind queue %s to %s: %w", b.queue, b.exchange, err)
		}
	}
	return nil
}

// DeclareWakeupQueue возвращает функцию объявления эксклюзивной очереди
// подсказок для dataplane group. Очередь удаляется вместе с соединением,
// поэтому consumer вызывает функцию заново после каждого reconnect.
// Хранится не больше одной подсказки: воркеру важен сам факт, а не их число.
func DeclareWakeupQueue(dataplaneGroup string) DeclareFunc {
	return declareExclusive(
		amqp.Table{"x-max-length": int32(1), "x-overflow": "drop-head"},
		string(EnqueuedKey(dataplaneGroup)),
	)
}

// DeclareWatchQueue — эксклюзивная очередь для наблюдения за сигналами
// о завершении и просрочке, не отнимающая сообщения у долговечных очередей.
func DeclareWatchQueue() DeclareFunc {
	return declareExclusive(nil, bindingTerminalAll, string(RoutingKeyExpired))
}

func declareExclusive(args amqp.Table, keys ...string) DeclareFunc {
	return func(ch *amqp.Channel) (string, error) {
		q, err := ch.QueueDeclare(
			"",    // server-named
			false, // durable
			true,  // delete when unused
			true,  // exclusive
			false, // no-wait
			args,
		)
		if err != nil {
			return "", fmt.Errorf("declare exclusive queue: %w", err)
		}

		for _, key := range keys {
			if err := ch.QueueBind(q.Name, key, string(ExchangeWorkloads), false, nil); err != nil {
				return "", fmt.Errorf("bind %s to %s: %w", q.Name, key, err)
			}
		}
		return q.Name, nil
	}
}

// TopologyInfo возвращает описание топологии для логирования.
func TopologyInfo() string {
	return `
  Conveyor RabbitMQ Topology:

    conveyor.workloads (topic)
    ├── <exclusive per worker> [routing: enqueued.<group>]
    │       Consumer: Worker (wake-up hint, max-length 1)
    ├── <exclusive per watch> [routing: terminal.*, expired]
    │       Consumer: conveyor watch
    ├── workloads.terminal [routing: terminal.*]
    │       Consumer: external controller
    │       DLQ: dlq.workloads
    └── workloads.expired [routing: expired]
            Consumer: external controller
            DLQ: dlq.workloads

    conveyor.dlq (direct)
    └── dlq.workloads [routing: workloads]
            Manual processing
  `
}
