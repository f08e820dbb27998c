package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/streadway/amqp"

	"dealdesk.io/models"
)

// StatusEvent is the wire format of one document status transition.
type StatusEvent struct {
	DocumentID string                `json:"document_id"`
	Status     models.DocumentStatus `json:"status"`
	OccurredAt time.Time             `json:"occurred_at"`
}

// StatusPublisher publishes status events to a topic exchange. Routing
// key is "document.status.<status>" so consumers can subscribe to a
// subset of transitions.
type StatusPublisher struct {
	connection AMQPConnection
	channel    AMQPChannel
	exchange   string
	now        func() time.Time
}

// NewStatusPublisher connects to the broker and declares the exchange.
func NewStatusPublisher(url, exchange string) (*StatusPublisher, error) {
	return NewStatusPublisherWithDialer(url, exchange, &RealAMQPDialer{})
}

// NewStatusPublisherWithDialer allows injecting a dialer for tests.
func NewStatusPublisherWithDialer(url, exchange string, dialer AMQPDialer) (*StatusPublisher, error) {
	conn, err := dialer.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}

	return &StatusPublisher{
		connection: conn,
		channel:    ch,
		exchange:   exchange,
		now:        time.Now,
	}, nil
}

// PublishDocumentStatus publishes one status transition.
func (p *StatusPublisher) PublishDocumentStatus(_ context.Context, documentID string, status models.DocumentStatus) error {
	event := StatusEvent{
		DocumentID: documentID,
		Status:     status,
		OccurredAt: p.now(),
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal status event: %w", err)
	}

	routingKey := "document.status." + string(status)
	err = p.channel.Publish(p.exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    event.OccurredAt,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish status event: %w", err)
	}
	return nil
}

// Close releases the channel and connection.
func (p *StatusPublisher) Close() error {
	if err := p.channel.Close(); err != nil {
		p.connection.Close()
		return fmt.Errorf("close channel: %w", err)
	}
	if err := p.connection.Close(); err != nil {
		return fmt.Errorf("close connection: %w", err)
	}
	return nil
}
