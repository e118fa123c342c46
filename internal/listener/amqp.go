package listener

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// MessageType names a published life-cycle event.
type MessageType string

// Published event types, also used as routing keys.
const (
	MessageTypeStarting  MessageType = "worker.starting"
	MessageTypeRunning   MessageType = "task_instance.running"
	MessageTypeSucceeded MessageType = "task_instance.success"
	MessageTypeFailed    MessageType = "task_instance.failed"
	MessageTypeStopping  MessageType = "worker.stopping"
)

// Message is the envelope published for every event.
type Message struct {
	ID        string      `json:"id"`
	Type      MessageType `json:"type"`
	Payload   any         `json:"payload,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Publisher is the part of *amqp.Channel the listener uses.
type Publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPListener publishes life-cycle events to a RabbitMQ exchange.
type AMQPListener struct {
	pub      Publisher
	exchange string
	logger   *slog.Logger
}

// NewAMQPListener creates a listener publishing to exchange through pub.
func NewAMQPListener(pub Publisher, exchange string, logger *slog.Logger) *AMQPListener {
	return &AMQPListener{pub: pub, exchange: exchange, logger: logger}
}

// DialAMQP connects to url and declares exchange as a durable topic
// exchange. The returned close function releases the connection.
func DialAMQP(url, exchange string, logger *slog.Logger) (*AMQPListener, func() error, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return NewAMQPListener(ch, exchange, logger), conn.Close, nil
}

func (l *AMQPListener) publish(ctx context.Context, typ MessageType, payload any) error {
	msg := Message{
		ID:        uuid.New().String(),
		Type:      typ,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	err = l.pub.PublishWithContext(ctx, l.exchange, string(typ), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID,
		Timestamp:    msg.Timestamp,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish to %s/%s: %w", l.exchange, typ, err)
	}
	l.logger.Debug("published message", "exchange", l.exchange, "type", typ, "message_id", msg.ID)
	return nil
}

func (l *AMQPListener) OnStarting(ctx context.Context) error {
	return l.publish(ctx, MessageTypeStarting, nil)
}

func (l *AMQPListener) OnTaskInstanceRunning(ctx context.Context, ev Event) error {
	return l.publish(ctx, MessageTypeRunning, ev)
}

func (l *AMQPListener) OnTaskInstanceSuccess(ctx context.Context, ev Event) error {
	return l.publish(ctx, MessageTypeSucceeded, ev)
}

func (l *AMQPListener) OnTaskInstanceFailed(ctx context.Context, ev Event) error {
	return l.publish(ctx, MessageTypeFailed, ev)
}

func (l *AMQPListener) BeforeStopping(ctx context.Context) error {
	return l.publish(ctx, MessageTypeStopping, nil)
}
