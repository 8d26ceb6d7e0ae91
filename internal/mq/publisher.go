package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/shaiso/Conveyor/internal/domain"
)

// MessageType — тип сообщения в очереди.
type MessageType string

// Типы сообщений.
const (
	MessageTypeWorkloadEnqueued MessageType = "workload.enqueued"
	MessageTypeWorkloadTerminal MessageType = "workload.terminal"
	MessageTypeWorkloadExpired  MessageType = "workload.expired"
)

// hintTTL — подсказка старше этого времени бесполезна: воркер всё равно поллит по таймеру.
const hintTTL = "30000"

// Publisher публикует сообщения в RabbitMQ.
type Publisher struct {
	conn   *Connection
	logger *slog.Logger
}

// NewPublisher создаёт новый Publisher.
func NewPublisher(conn *Connection, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		conn:   conn,
		logger: logger,
	}
}

// Message — сообщение для публикации.
type Message struct {
	// ID — уникальный идентификатор сообщения.
	ID string `json:"id"`

	// Type — тип сообщения.
	Type MessageType `json:"type"`

	// Payload — полезная нагрузка.
	Payload any `json:"payload"`

	// Timestamp — время создания.
	Timestamp time.Time `json:"timestamp"`
}

// WorkloadEnqueuedPayload — подсказка поллерам группы, что в очереди есть работа.
type WorkloadEnqueuedPayload struct {
	WorkloadID     string `json:"workload_id"`
	DataplaneGroup string `json:"dataplane_group"`
	Priority       int    `json:"priority"`
}

// WorkloadTerminalPayload — сигнал о завершении workload.
type WorkloadTerminalPayload struct {
	WorkloadID        string `json:"workload_id"`
	Type              string `json:"type"`
	Status            string `json:"status"`
	DataplaneID       string `json:"dataplane_id,omitempty"`
	TerminationReason string `json:"termination_reason,omitempty"`
	TerminationSource string `json:"termination_source,omitempty"`

	// SignalInput пересылается как есть: его формат знает только получатель.
	SignalInput string `json:"signal_input,omitempty"`
}

// WorkloadExpiredPayload — workload пропустил deadline.
type WorkloadExpiredPayload struct {
	WorkloadID     string     `json:"workload_id"`
	Status         string     `json:"status"`
	DataplaneGroup string     `json:"dataplane_group"`
	DataplaneID    string     `json:"dataplane_id,omitempty"`
	Deadline       *time.Time `json:"deadline,omitempty"`
}

// Publish публикует сообщение в указанный exchange с routing key.
// Сообщение persistent и переживает рестарт RabbitMQ.
func (p *Publisher) Publish(ctx context.Context, exchange Exchange, routingKey RoutingKey, msg *Message) error {
	return p.publish(ctx, exchange, routingKey, msg, amqp.Publishing{DeliveryMode: amqp.Persistent})
}

func (p *Publisher) publish(ctx context.Context, exchange Exchange, routingKey RoutingKey, msg *Message, pub amqp.Publishing) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	pub.ContentType = "application/json"
	pub.MessageId = msg.ID
	pub.Type = string(msg.Type)
	pub.Timestamp = msg.Timestamp
	pub.Body = body

	return p.conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		err := ch.PublishWithContext(
			ctx,
			string(exchange),   // exchange
			string(routingKey), // routing key
			false,              // mandatory
			false,              // immediate
			pub,
		)
		if err != nil {
			return fmt.Errorf("publish to %s/%s: %w", exchange, routingKey, err)
		}

		p.logger.Debug("published message",
			"exchange", exchange,
			"routing_key", routingKey,
			"message_id", msg.ID,
			"type", msg.Type,
		)
		return nil
	})
}

func newMessage(t MessageType, payload any) *Message {
	return &Message{
		ID:        uuid.New().String(),
		Type:      t,
		Payload:   payload,
		Timestamp: time.Now(),
	}
}

// PublishWorkloadEnqueued публикует подсказку о новом workload.
// Потребитель: Worker своей dataplane group. Сообщение transient и с TTL.
func (p *Publisher) PublishWorkloadEnqueued(ctx context.Context, w *domain.Workload) error {
	msg := newMessage(MessageTypeWorkloadEnqueued, WorkloadEnqueuedPayload{
		WorkloadID:     w.ID,
		DataplaneGroup: w.DataplaneGroup,
		Priority:       w.Priority,
	})

	return p.publish(ctx, ExchangeWorkloads, EnqueuedKey(w.DataplaneGroup), msg, amqp.Publishing{
		DeliveryMode: amqp.Transient,
		Expiration:   hintTTL,
	})
}

// PublishWorkloadTerminal публикует сигнал о терминальном статусе.
// Потребитель: внешний контроллер.
func (p *Publisher) PublishWorkloadTerminal(ctx context.Context, w *domain.Workload) error {
	msg := newMessage(MessageTypeWorkloadTerminal, WorkloadTerminalPayload{
		WorkloadID:        w.ID,
		Type:              string(w.Type),
		Status:            string(w.Status),
		DataplaneID:       w.DataplaneID,
		TerminationReason: w.TerminationReason,
		TerminationSource: w.TerminationSource,
		SignalInput:       w.SignalInput,
	})

	return p.Publish(ctx, ExchangeWorkloads, TerminalKey(string(w.Status)), msg)
}

// PublishWorkloadExpired публикует уведомление о просроченном workload.
// Потребитель: внешний контроллер, который решает, падать или перезапускать.
func (p *Publisher) PublishWorkloadExpired(ctx context.Context, w *domain.Workload) error {
	msg := newMessage(MessageTypeWorkloadExpired, WorkloadExpiredPayload{
		WorkloadID:     w.ID,
		Status:         string(w.Status),
		DataplaneGroup: w.DataplaneGroup,
		DataplaneID:    w.DataplaneID,
		Deadline:       w.Deadline,
	})

	return p.Publish(ctx, ExchangeWorkloads, RoutingKeyExpired, msg)
}
