// Package events publishes canonical gateway events to an AMQP topic
// exchange so downstream consumers (CRM sync, analytics) can subscribe
// without touching the gateway's database.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/switchboardhq/switchboard/internal/db"
)

// Routing keys on the gateway exchange.
const (
	KeyMessageReceived  = "message.received"
	KeyDispatchFinished = "dispatch.finished"
)

// Envelope is the wire shape of every published event.
type Envelope struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}

// MessageReceivedPayload describes an ingested inbound message.
type MessageReceivedPayload struct {
	MessageID      uuid.UUID `json:"message_id"`
	ConversationID uuid.UUID `json:"conversation_id"`
	ChannelID      uuid.UUID `json:"channel_id"`
	Type           string    `json:"type"`
	Preview        string    `json:"preview"`
}

// DispatchFinishedPayload describes a terminal dispatch.
type DispatchFinishedPayload struct {
	DispatchID  uuid.UUID `json:"dispatch_id"`
	Status      string    `json:"status"`
	SentCount   int       `json:"sent_count"`
	FailedCount int       `json:"failed_count"`
}

// Publisher emits events to the exchange. A nil *Publisher is a valid
// no-op, so callers never branch on whether eventing is configured.
type Publisher struct {
	conn     *amqp091.Connection
	exchange string
	logger   *zap.Logger
}

// New connects and declares the topic exchange.
func New(url, exchange string, logger *zap.Logger) (*Publisher, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	defer ch.Close()
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, err
	}

	return &Publisher{
		conn:     conn,
		exchange: exchange,
		logger:   logger,
	}, nil
}

func (p *Publisher) publish(ctx context.Context, key, kind string, payload any) {
	if p == nil {
		return
	}

	data, err := json.Marshal(payload)
	if err != nil {
		p.logger.Error("failed to marshal event payload", zap.Error(err), zap.String("key", key))
		return
	}
	body, err := json.Marshal(Envelope{
		ID:         uuid.NewString(),
		Kind:       kind,
		OccurredAt: time.Now().UTC(),
		Payload:    data,
	})
	if err != nil {
		p.logger.Error("failed to marshal event envelope", zap.Error(err), zap.String("key", key))
		return
	}

	ch, err := p.conn.Channel()
	if err != nil {
		p.logger.Error("failed to open publish channel", zap.Error(err))
		return
	}
	defer ch.Close()

	err = ch.PublishWithContext(ctx, p.exchange, key, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now(),
		Body:         body,
	})
	if err != nil {
		p.logger.Error("failed to publish event", zap.Error(err), zap.String("key", key))
		return
	}
	p.logger.Debug("event published", zap.String("key", key), zap.String("exchange", p.exchange))
}

// MessageReceived announces an ingested inbound message. Publishing is
// fire-and-forget; failures are logged, never surfaced to the ingest path.
func (p *Publisher) MessageReceived(ctx context.Context, msg *db.Message) {
	if p == nil || msg == nil {
		return
	}
	p.publish(ctx, KeyMessageReceived, KeyMessageReceived, MessageReceivedPayload{
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		ChannelID:      msg.ChannelID,
		Type:           msg.Type,
		Preview:        msg.Preview,
	})
}

// DispatchFinished announces a dispatch reaching a terminal status.
func (p *Publisher) DispatchFinished(ctx context.Context, d *db.ScheduledDispatch) {
	if p == nil || d == nil {
		return
	}
	p.publish(ctx, KeyDispatchFinished, KeyDispatchFinished, DispatchFinishedPayload{
		DispatchID:  d.ID,
		Status:      d.Status,
		SentCount:   d.SentCount,
		FailedCount: d.FailedCount,
	})
}

// Close tears down the AMQP connection.
func (p *Publisher) Close() error {
	if p == nil {
		return nil
	}
	return p.conn.Close()
}
