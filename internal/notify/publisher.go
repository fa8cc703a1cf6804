// Package notify forwards action outcomes from an engine's event bus to a
// RabbitMQ topic exchange, so downstream services (billing, warehouse
// picking) learn about bookings without polling.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/roach88/cartengine/internal/events"
)

const (
	// DefaultExchange is the topic exchange action events are published on.
	DefaultExchange = "rental.events"
	// DefaultProducer identifies this module in envelopes.
	DefaultProducer = "cartengine"

	defaultTimeout = 3 * time.Second
)

// ErrUnsupportedKind is returned by Publish for events that are not action
// outcomes.
var ErrUnsupportedKind = errors.New("notify: event kind is not published")

// Channel is the subset of *amqp.Channel the publisher needs.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Publisher publishes action events.
type Publisher struct {
	ch       Channel
	exchange string
	producer string
	timeout  time.Duration
	newID    func() string
	now      func() time.Time
	logger   *zap.Logger
	closers  []func() error
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithExchange overrides DefaultExchange.
func WithExchange(name string) Option {
	return func(p *Publisher) {
		if name != "" {
			p.exchange = name
		}
	}
}

// WithProducer overrides DefaultProducer.
func WithProducer(name string) Option {
	return func(p *Publisher) {
		if name != "" {
			p.producer = name
		}
	}
}

// WithTimeout bounds each publish.
func WithTimeout(d time.Duration) Option {
	return func(p *Publisher) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithIDGenerator sets the event id source. Defaults to random UUIDs.
func WithIDGenerator(f func() string) Option {
	return func(p *Publisher) {
		if f != nil {
			p.newID = f
		}
	}
}

// WithLogger sets the publisher's logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Publisher) {
		if l != nil {
			p.logger = l
		}
	}
}

// NewPublisher publishes on ch.
func NewPublisher(ch Channel, opts ...Option) *Publisher {
	p := &Publisher{
		ch:       ch,
		exchange: DefaultExchange,
		producer: DefaultProducer,
		timeout:  defaultTimeout,
		newID:    uuid.NewString,
		now:      time.Now,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With(zap.String("component", "notify"), zap.String("exchange", p.exchange))
	return p
}

// Dial connects to the broker at url, declares the exchange and returns a
// publisher that owns the connection. Close releases it.
func Dial(url string, opts ...Option) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	p := NewPublisher(ch, opts...)
	if err := ch.ExchangeDeclare(p.exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", p.exchange, err)
	}
	p.closers = []func() error{ch.Close, conn.Close}
	return p, nil
}

// Close releases a connection opened by Dial. It is a no-op for
// publishers built with NewPublisher.
func (p *Publisher) Close() error {
	var errs []error
	for _, c := range p.closers {
		if err := c(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
	}
	p.closers = nil
	return errors.Join(errs...)
}

// Publish sends an actionCompleted or actionFailed event. Other kinds
// return ErrUnsupportedKind.
func (p *Publisher) Publish(ctx context.Context, ev events.Event) error {
	routingKey, body, err := p.encode(ev)
	if err != nil {
		return err
	}

	pubCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	err = p.ch.PublishWithContext(pubCtx, p.exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    ev.At,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", routingKey, err)
	}
	return nil
}

func (p *Publisher) encode(ev events.Event) (string, []byte, error) {
	occurred := ev.At
	if occurred.IsZero() {
		occurred = p.now()
	}

	var (
		routingKey string
		body       []byte
		err        error
	)
	switch {
	case ev.Kind == events.KindActionCompleted && ev.ActionCompleted != nil:
		a := ev.ActionCompleted
		routingKey = ActionCompletedRoutingKey
		body, err = json.Marshal(Envelope[ActionCompletedPayload]{
			EventName:    ActionCompletedEventName,
			EventVersion: eventVersion,
			EventID:      p.newID(),
			Producer:     p.producer,
			PartitionKey: ev.Scope,
			Sequence:     ev.Seq,
			OccurredAt:   occurred.UTC(),
			Payload: ActionCompletedPayload{
				ActionID:   a.ActionID,
				ClientID:   a.ClientID,
				BookingIDs: nonNil(a.BookingIDs),
				Items:      itemPayloads(a.Items),
			},
		})
	case ev.Kind == events.KindActionFailed && ev.ActionFailed != nil:
		a := ev.ActionFailed
		routingKey = ActionFailedRoutingKey
		body, err = json.Marshal(Envelope[ActionFailedPayload]{
			EventName:    ActionFailedEventName,
			EventVersion: eventVersion,
			EventID:      p.newID(),
			Producer:     p.producer,
			PartitionKey: ev.Scope,
			Sequence:     ev.Seq,
			OccurredAt:   occurred.UTC(),
			Payload: ActionFailedPayload{
				ActionID:  a.ActionID,
				ClientID:  a.ClientID,
				Reason:    a.Reason,
				Cancelled: a.Cancelled,
				Items:     itemPayloads(a.Items),
			},
		})
	default:
		return "", nil, fmt.Errorf("%w: %s", ErrUnsupportedKind, ev.Kind)
	}
	if err != nil {
		return "", nil, fmt.Errorf("marshal %s: %w", ev.Kind, err)
	}
	return routingKey, body, nil
}

// Attach subscribes the publisher to bus. Publish failures are logged;
// they never reach the engine. The returned func detaches.
func (p *Publisher) Attach(bus *events.Bus) (detach func()) {
	handler := func(ev events.Event) {
		if err := p.Publish(context.Background(), ev); err != nil {
			p.logger.Error("failed to publish action event",
				zap.String("kind", string(ev.Kind)),
				zap.String("scope", ev.Scope),
				zap.Error(err),
			)
		}
	}
	offCompleted := bus.Subscribe(events.KindActionCompleted, handler)
	offFailed := bus.Subscribe(events.KindActionFailed, handler)
	return func() {
		offCompleted()
		offFailed()
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
