package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"exposehub/reservation-service/internal/store"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// AMQPPublisher sends outbox events to a durable topic exchange. The routing
// key is the event type, e.g. reservation.promoted. The channel runs in
// confirm mode and Publish waits for the broker's ack.
type AMQPPublisher struct {
	mu       sync.Mutex
	url      string
	exchange string
	conn     *amqp.Connection
	channel  *amqp.Channel
	logger   *zap.Logger
}

type message struct {
	EventID    string          `json:"event_id"`
	Type       string          `json:"type"`
	TenantID   string          `json:"tenant_id"`
	PropertyID string          `json:"property_id"`
	Payload    json.RawMessage `json:"payload"`
	CreatedAt  time.Time       `json:"created_at"`
}

func NewAMQPPublisher(url, exchange string, logger *zap.Logger) (*AMQPPublisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &AMQPPublisher{url: url, exchange: exchange, logger: logger}
	if err := p.ensureConnection(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *AMQPPublisher) Name() string {
	return "amqp"
}

func (p *AMQPPublisher) ensureConnection() error {
	if p.conn != nil && !p.conn.IsClosed() && p.channel != nil && !p.channel.IsClosed() {
		return nil
	}
	if p.conn == nil || p.conn.IsClosed() {
		conn, err := amqp.Dial(p.url)
		if err != nil {
			p.logger.Warn("failed to connect to amqp broker", zap.Error(err))
			return err
		}
		p.conn = conn
	}

	ch, err := p.conn.Channel()
	if err != nil {
		p.logger.Warn("failed to open amqp channel", zap.Error(err))
		_ = p.conn.Close()
		p.conn = nil
		return err
	}
	if err := ch.ExchangeDeclare(
		p.exchange,
		"topic",
		true,
		false,
		false,
		false,
		nil,
	); err != nil {
		p.logger.Warn("failed to declare amqp exchange", zap.String("exchange", p.exchange), zap.Error(err))
		_ = ch.Close()
		return err
	}
	if err := ch.Confirm(false); err != nil {
		p.logger.Warn("failed to enable publisher confirms", zap.Error(err))
		_ = ch.Close()
		return err
	}
	p.channel = ch
	return nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, event store.OutboxEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ensureConnection(); err != nil {
		return err
	}

	body, err := json.Marshal(message{
		EventID:    event.EventID,
		Type:       event.Type,
		TenantID:   event.TenantID,
		PropertyID: event.PropertyID,
		Payload:    event.Payload,
		CreatedAt:  event.CreatedAt,
	})
	if err != nil {
		return err
	}

	confirmation, err := p.channel.PublishWithDeferredConfirmWithContext(
		ctx,
		p.exchange,
		event.Type,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    event.EventID,
			Type:         event.Type,
			Timestamp:    event.CreatedAt,
			Body:         body,
		},
	)
	if err != nil {
		return err
	}
	acked, err := confirmation.WaitContext(ctx)
	if err != nil {
		return err
	}
	if !acked {
		return fmt.Errorf("broker rejected event %s", event.EventID)
	}
	return nil
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		if err := p.channel.Close(); err != nil {
			return err
		}
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
