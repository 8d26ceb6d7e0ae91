package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// retrySetupEvery — как часто повторять подписку без сигнала о переподключении.
const retrySetupEvery = 5 * time.Second

var errDeliveriesClosed = errors.New("deliveries channel closed")

// Handler — функция обработки сообщения.
// Возвращает error, если обработка не удалась: первая неудача возвращает
// сообщение в очередь, повторная отправляет его в DLQ.
type Handler func(ctx context.Context, msg *Delivery) error

// DeclareFunc объявляет очередь на канале и возвращает её имя.
type DeclareFunc func(ch *amqp.Channel) (string, error)

// Delivery — доставленное сообщение. Ack/nack выполняет Consumer
// по результату Handler.
type Delivery struct {
	// Message — распарсенное сообщение.
	Message Message

	// Raw — сырое AMQP сообщение.
	Raw amqp.Delivery
}

// Redelivered сообщает, что брокер уже доставлял это сообщение.
func (d *Delivery) Redelivered() bool {
	return d.Raw.Redelivered
}

// Consumer потребляет сообщения из очереди RabbitMQ на собственном канале:
// prefetch и закрытие канала брокером не задевают Publisher.
type Consumer struct {
	conn     *Connection
	logger   *slog.Logger
	queue    string
	declare  DeclareFunc
	handler  Handler
	prefetch int

	cancelFunc context.CancelFunc
}

// ConsumerConfig — конфигурация consumer.
type ConsumerConfig struct {
	// Queue — имя долговечной очереди.
	Queue Queue

	// Declare — объявление очереди при каждом (пере)подключении.
	// Если задано, Queue игнорируется.
	Declare DeclareFunc

	// Handler — обработчик сообщений.
	Handler Handler

	// Prefetch — количество сообщений для предварительной загрузки.
	Prefetch int
}

// NewConsumer создаёт новый Consumer.
func NewConsumer(conn *Connection, logger *slog.Logger, cfg ConsumerConfig) *Consumer {
	prefetch := cfg.Prefetch
	if prefetch <= 0 {
		prefetch = 1
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Consumer{
		conn:     conn,
		logger:   logger,
		queue:    string(cfg.Queue),
		declare:  cfg.Declare,
		handler:  cfg.Handler,
		prefetch: prefetch,
	}
}

// Start запускает потребление сообщений.
func (c *Consumer) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancelFunc = cancel

	// Запускаем основной цикл потребления
	return c.consume(ctx)
}

func (c *Consumer) consume(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		ch, deliveries, err := c.setupConsume()
		if err != nil {
			c.logger.Error("failed to setup consume", "queue", c.queue, "error", err)
			if err := c.waitReconnect(ctx); err != nil {
				return err
			}
			continue
		}

		c.logger.Info("consumer started", "queue", c.queue)

		err = c.processDeliveries(ctx, deliveries)
		if !ch.IsClosed() {
			ch.Close()
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		c.logger.Warn("deliveries channel closed, resubscribing", "queue", c.queue, "error", err)
		if err := c.waitReconnect(ctx); err != nil {
			return err
		}
	}
}

// waitReconnect ждёт переподключения либо retrySetupEvery: канал мог
// закрыться без разрыва соединения, и тогда сигнала не будет.
func (c *Consumer) waitReconnect(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.conn.ReconnectNotify():
		c.logger.Info("reconnected, restarting consumer", "queue", c.queue)
	case <-time.After(retrySetupEvery):
	}
	return nil
}

// setupConsume открывает канал, объявляет очередь и подписывается на неё.
func (c *Consumer) setupConsume() (*amqp.Channel, <-chan amqp.Delivery, error) {
	ch, err := c.conn.OpenChannel()
	if err != nil {
		return nil, nil, err
	}

	deliveries, err := c.subscribe(ch)
	if err != nil {
		ch.Close()
		return nil, nil, err
	}
	return ch, deliveries, nil
}

func (c *Consumer) subscribe(ch *amqp.Channel) (<-chan amqp.Delivery, error) {
	if c.declare != nil {
		name, err := c.declare(ch)
		if err != nil {
			return nil, err
		}
		c.queue = name
	}

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("set qos: %w", err)
	}

	// Ack вручную, по результату Handler.
	deliveries, err := ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", c.queue, err)
	}
	return deliveries, nil
}

func (c *Consumer) processDeliveries(ctx context.Context, deliveries <-chan amqp.Delivery) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-deliveries:
			if !ok {
				return errDeliveriesClosed
			}
			c.handleDelivery(ctx, raw)
		}
	}
}

// handleDelivery разбирает сообщение, вызывает Handler и подтверждает доставку.
// Неразбираемое тело сразу уходит в DLQ.
func (c *Consumer) handleDelivery(ctx context.Context, raw amqp.Delivery) {
	logger := c.logger.With("queue", c.queue, "message_id", raw.MessageId)

	var msg Message
	if err := json.Unmarshal(raw.Body, &msg); err != nil {
		logger.Error("failed to unmarshal message", "error", err, "body", string(raw.Body))
		raw.Nack(false, false)
		return
	}

	logger.Debug("received message", "type", msg.Type, "redelivered", raw.Redelivered)

	if err := c.handler(ctx, &Delivery{Message: msg, Raw: raw}); err != nil {
		requeue := !raw.Redelivered
		logger.Error("handler failed", "type", msg.Type, "requeue", requeue, "error", err)
		raw.Nack(false, requeue)
		return
	}

	raw.Ack(false)
}

// Stop останавливает consumer.
func (c *Consumer) Stop() {
	if c.cancelFunc != nil {
		c.cancelFunc()
	}
}

// ParsePayload парсит payload сообщения в указанный тип.
func ParsePayload[T any](msg *Message) (T, error) {
	var result T

	// Payload может быть уже распарсен как map или быть raw json
	payloadBytes, err := json.Marshal(msg.Payload)
	if err != nil {
		return result, fmt.Errorf("marshal payload: %w", err)
	}

	if err := json.Unmarshal(payloadBytes, &result); err != nil {
		return result, fmt.Errorf("unmarshal payload: %w", err)
	}

	return result, nil
}
