// Package audit publishes disclosure outcomes for operators. Events carry ids,
// thresholds and outcomes only; private measurements never reach this package.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Event kinds.
const (
	KindGenerated = "disclosure.generated"
	KindVerified  = "disclosure.verified"
)

// Event is one audit record.
type Event struct {
	ID           string    `json:"id"`
	Kind         string    `json:"kind"`
	CircuitID    string    `json:"circuitId"`
	CredentialID string    `json:"credentialId"`
	IssuerID     string    `json:"issuerId,omitempty"`
	Threshold    string    `json:"threshold,omitempty"`
	State        string    `json:"state"`
	Reason       string    `json:"reason,omitempty"`
	At           time.Time `json:"at"`
}

// NewEvent returns an event with a fresh ID and timestamp.
func NewEvent(kind string) Event {
	return Event{
		ID:   uuid.NewString(),
		Kind: kind,
		At:   time.Now().UTC(),
	}
}

// Publisher delivers audit events.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Noop discards events.
type Noop struct{}

// Publish implements Publisher.
func (Noop) Publish(context.Context, Event) error { return nil }

// Channel is the subset of *amqp.Channel the publisher uses.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQP publishes events as persistent JSON messages to a RabbitMQ exchange.
type AMQP struct {
	ch         Channel
	exchange   string
	routingKey string
	conn       *amqp.Connection
}

// NewAMQP creates a publisher on an existing channel.
func NewAMQP(ch Channel, exchange, routingKey string) *AMQP {
	return &AMQP{ch: ch, exchange: exchange, routingKey: routingKey}
}

// Dial connects to url, declares a durable topic exchange and returns a
// publisher that owns the connection.
func Dial(url, exchange, routingKey string) (*AMQP, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	p := NewAMQP(ch, exchange, routingKey)
	p.conn = conn
	return p, nil
}

// Publish implements Publisher.
func (p *AMQP) Publish(ctx context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return p.ch.PublishWithContext(ctx,
		p.exchange,
		p.routingKey,
		false, false,
		amqp.Publishing{
			ContentType:  "application/json",
			MessageId:    e.ID,
			Type:         e.Kind,
			Body:         body,
			Timestamp:    e.At,
			DeliveryMode: amqp.Persistent,
		},
	)
}

// Close closes the connection opened by Dial, if any.
func (p *AMQP) Close() error {
	if p.conn == nil {
		return nil
	}
	return p.conn.Close()
}

// Recorder keeps events in memory, for tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Publish implements Publisher.
func (r *Recorder) Publish(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}
