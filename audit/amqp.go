package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/streadway/amqp"
)

// AMQPPublisher publishes audit events to a durable topic exchange.
// Routing key is the event type, so sinks can bind selectively
// (e.g. "auth.*" or "transformation.failed").
type AMQPPublisher struct {
	mu         sync.Mutex
	connection AMQPConnection
	channel    AMQPChannel
	exchange   string
}

// NewAMQPPublisher connects to the broker and declares the exchange.
func NewAMQPPublisher(url, exchange string) (*AMQPPublisher, error) {
	return NewAMQPPublisherWithDialer(url, exchange, &RealAMQPDialer{})
}

// NewAMQPPublisherWithDialer allows injecting a dialer for tests.
func NewAMQPPublisherWithDialer(url, exchange string, dialer AMQPDialer) (*AMQPPublisher, error) {
	conn, err := dialer.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to audit broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open audit channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		exchange, // name
		"topic",  // kind
		true,     // durable
		false,    // auto-delete
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare audit exchange: %w", err)
	}

	return &AMQPPublisher{
		connection: conn,
		channel:    ch,
		exchange:   exchange,
	}, nil
}

// Publish serializes the event and publishes it with the event type as
// routing key. Publishing is persistent so the sink can drain after a
// broker restart.
func (p *AMQPPublisher) Publish(_ context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.channel.Publish(
		p.exchange,
		string(event.Type), // routing key
		false,              // mandatory
		false,              // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    event.ID,
			Timestamp:    event.OccurredAt,
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish audit event: %w", err)
	}
	return nil
}

// Close releases the channel and connection.
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.channel != nil {
		if err := p.channel.Close(); err != nil {
			return fmt.Errorf("failed to close audit channel: %w", err)
		}
	}
	if p.connection != nil {
		if err := p.connection.Close(); err != nil {
			return fmt.Errorf("failed to close audit connection: %w", err)
		}
	}
	return nil
}
