package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/LerianStudio/lib-debitguard/debitguard/audit"
	"github.com/LerianStudio/lib-debitguard/debitguard/log"
	"github.com/LerianStudio/lib-debitguard/debitguard/opentelemetry"
	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	ErrPublisherClosed   = errors.New("rabbitmq publisher is closed")
	ErrPublishNacked     = errors.New("message was nacked by the broker")
	ErrConfirmTimeout    = errors.New("timed out waiting for publisher confirm")
	ErrConfirmOutOfOrder = errors.New("publisher confirm out of order")
	ErrNilChannel        = errors.New("rabbitmq channel is nil")
)

// DefaultConfirmTimeout bounds the wait for a broker confirm.
const DefaultConfirmTimeout = 5 * time.Second

// Channel is the subset of *amqp.Channel the publisher uses.
type Channel interface {
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Publisher implements audit.Recorder over an AMQP channel.
type Publisher struct {
	mu             sync.Mutex
	ch             Channel
	confirms       chan amqp.Confirmation
	exchange       string
	confirmTimeout time.Duration
	logger         log.Logger
	closed         bool
	published      uint64 // delivery tag of the last message sent
}

var _ audit.Recorder = (*Publisher)(nil)

// Option configures a Publisher.
type Option func(*Publisher)

// WithLogger sets the publisher logger.
func WithLogger(logger log.Logger) Option {
	return func(p *Publisher) { p.logger = log.OrNop(logger) }
}

// WithConfirmTimeout sets how long Record waits for a broker confirm.
func WithConfirmTimeout(d time.Duration) Option {
	return func(p *Publisher) {
		if d > 0 {
			p.confirmTimeout = d
		}
	}
}

// NewPublisher puts ch in confirm mode and declares exchange as a durable
// topic exchange.
func NewPublisher(ch Channel, exchange string, opts ...Option) (*Publisher, error) {
	if ch == nil {
		return nil, ErrNilChannel
	}

	p := &Publisher{ch: ch, exchange: exchange, confirmTimeout: DefaultConfirmTimeout, logger: log.NewNop()}
	for _, opt := range opts {
		opt(p)
	}

	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare exchange %q: %w", exchange, err)
	}

	if err := ch.Confirm(false); err != nil {
		return nil, fmt.Errorf("enable publisher confirms: %w", err)
	}

	p.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, 1))

	return p, nil
}

// Dial connects to url and returns a Publisher plus the connection, which
// the caller closes after the publisher.
func Dial(url, exchange string, opts ...Option) (*Publisher, *amqp.Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("rabbitmq dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("rabbitmq channel: %w", err)
	}

	p, err := NewPublisher(ch, exchange, opts...)
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}

	return p, conn, nil
}

// RoutingKey is "audit.<operation>.<kind>".
func RoutingKey(e audit.Event) string {
	return "audit." + e.Operation + "." + string(e.Kind)
}

// Record publishes e as a persistent JSON message carrying the trace context
// of ctx and waits for the broker confirm. Calls are serialized so confirms
// stay in publish order. Once a confirm is missed or arrives out of order the
// channel is closed and every later call fails with ErrPublisherClosed.
func (p *Publisher) Record(ctx context.Context, e audit.Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode audit event: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPublisherClosed
	}

	msg := amqp.Publishing{
		Headers:      amqp.Table(opentelemetry.PrepareQueueHeaders(ctx, nil)),
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    e.ID,
		Timestamp:    e.At,
		Type:         e.Operation,
		Body:         body,
	}

	if err := p.ch.PublishWithContext(ctx, p.exchange, RoutingKey(e), false, false, msg); err != nil {
		p.invalidate(ctx, err)
		return fmt.Errorf("publish audit event: %w", err)
	}

	p.published++

	err = p.waitForConfirm(ctx)
	if err != nil && isConfirmStreamCorrupted(err) {
		p.invalidate(ctx, err)
	}

	return err
}

func (p *Publisher) waitForConfirm(ctx context.Context) error {
	timer := time.NewTimer(p.confirmTimeout)
	defer timer.Stop()

	select {
	case confirm, ok := <-p.confirms:
		if !ok {
			p.closed = true
			return ErrPublisherClosed
		}

		if confirm.DeliveryTag != p.published {
			return fmt.Errorf("%w: got delivery_tag=%d want %d", ErrConfirmOutOfOrder, confirm.DeliveryTag, p.published)
		}

		if !confirm.Ack {
			return fmt.Errorf("%w: delivery_tag=%d", ErrPublishNacked, confirm.DeliveryTag)
		}

		return nil
	case <-timer.C:
		return ErrConfirmTimeout
	case <-ctx.Done():
		return fmt.Errorf("context done: %w", ctx.Err())
	}
}

// isConfirmStreamCorrupted reports whether a confirm may still be pending
// and would be read by the next Record as its own.
func isConfirmStreamCorrupted(err error) bool {
	return errors.Is(err, ErrConfirmTimeout) ||
		errors.Is(err, ErrConfirmOutOfOrder) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// invalidate closes the channel. Must be called with p.mu held.
func (p *Publisher) invalidate(ctx context.Context, cause error) {
	if p.closed {
		return
	}

	p.closed = true

	p.logger.Log(ctx, log.LevelWarn, "rabbitmq publisher invalidated",
		log.String("exchange", p.exchange), log.Err(cause))

	if err := p.ch.Close(); err != nil {
		p.logger.Log(ctx, log.LevelWarn, "rabbitmq channel close failed", log.Err(err))
	}
}

// Closed reports whether the publisher stopped accepting events.
func (p *Publisher) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.closed
}

// Close closes the channel. Further Record calls fail.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}

	p.closed = true

	return p.ch.Close()
}
