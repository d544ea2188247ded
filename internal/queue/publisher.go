package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrBrokerUnavailable is returned while the publisher cannot reach RabbitMQ.
var ErrBrokerUnavailable = errors.New("event broker unavailable")

// DefaultCooldown is how long a publisher skips dialing after a failed
// connect.
const DefaultCooldown = 5 * time.Second

// Publisher delivers token events.  Implementations must never panic; errors
// are returned so the caller can choose to ignore them.
type Publisher interface {
	Publish(ctx context.Context, ev TokenEvent) error
}

// AMQPPublisher publishes to RabbitMQ over one long-lived connection and
// channel, opened on first use and reopened after a failure.  After a failed
// connect it fails fast for Cooldown so a dead broker cannot stall callers.
type AMQPPublisher struct {
	URL         string
	Queue       string
	DialTimeout time.Duration
	Cooldown    time.Duration
	Log         *slog.Logger

	mu        sync.Mutex
	conn      *amqp.Connection
	ch        *amqp.Channel
	downUntil time.Time
	now       func() time.Time
	connect   func(ctx context.Context) (*amqp.Connection, *amqp.Channel, error)
}

func NewAMQPPublisher(url string, log *slog.Logger) *AMQPPublisher {
	if log == nil {
		log = slog.Default()
	}
	p := &AMQPPublisher{
		URL:         url,
		Queue:       TokenQueueName,
		DialTimeout: DefaultDialTimeout,
		Cooldown:    DefaultCooldown,
		Log:         log.With("component", "publisher"),
		now:         time.Now,
	}
	p.connect = p.open
	return p
}

// Publish sends ev to the token events queue.  Messages are marked as
// persistent.
func (p *AMQPPublisher) Publish(ctx context.Context, ev TokenEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent, // store on disk
		Timestamp:    time.Now().UTC(),
		Type:         ev.Type,
		Body:         body,
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ch, err := p.channel(ctx)
	if err != nil {
		return err
	}
	if err := ch.PublishWithContext(ctx,
		"",      // default exchange
		p.Queue, // routing key = queue name
		false,   // mandatory
		false,   // immediate
		pub,
	); err != nil {
		p.Log.Warn("rabbitmq publish failed", "error", err, "event", ev.Type)
		p.closeLocked()
		return err
	}
	return nil
}

// channel returns the open channel, connecting when there is none.
func (p *AMQPPublisher) channel(ctx context.Context) (*amqp.Channel, error) {
	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch, nil
	}
	p.closeLocked()
	if p.now().Before(p.downUntil) {
		return nil, ErrBrokerUnavailable
	}
	conn, ch, err := p.connect(ctx)
	if err != nil {
		p.downUntil = p.now().Add(p.Cooldown)
		p.Log.Warn("rabbitmq connect failed", "error", err, "retry_after", p.Cooldown)
		return nil, fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
	}
	p.conn, p.ch = conn, ch
	return ch, nil
}

func (p *AMQPPublisher) open(ctx context.Context) (*amqp.Connection, *amqp.Channel, error) {
	conn, err := dial(ctx, p.URL, p.DialTimeout)
	if err != nil {
		return nil, nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("channel open: %w", err)
	}
	// Durable so messages survive broker restarts.
	if _, err := ch.QueueDeclare(p.Queue, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("queue declare: %w", err)
	}
	return conn, ch, nil
}

// Close releases the connection.  A later Publish reconnects.
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeLocked()
	return nil
}

func (p *AMQPPublisher) closeLocked() {
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
}

// NopPublisher drops every event.  Used when EVENTS_ENABLED is off.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, TokenEvent) error { return nil }
