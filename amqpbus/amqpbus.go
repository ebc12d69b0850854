// Package amqpbus publishes payflow events to a RabbitMQ topic exchange.
//
// The routing key is the event type and the AMQP message id is the event
// id, so consumers can drop redeliveries with payflow.Dedup. Messages are
// persistent and acknowledged only after the handler returns nil; a
// handler error requeues the message.
package amqpbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/fortressi/payflow"
)

// DefaultExchange is the exchange used when Options.Exchange is empty.
const DefaultExchange = "payflow.events"

// Channel is the subset of *amqp.Channel the bus uses.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

var _ Channel = (*amqp.Channel)(nil)

// Options configures a Bus.
type Options struct {
	Exchange string
	// Queue prefixes durable per-type queue names. When empty each
	// subscription gets a server-named queue deleted with the connection.
	Queue string
	// PublishTimeout bounds a single publish. Defaults to 5s.
	PublishTimeout time.Duration
	Logger         zerolog.Logger
}

func (o *Options) defaults() {
	if o.Exchange == "" {
		o.Exchange = DefaultExchange
	}
	if o.PublishTimeout <= 0 {
		o.PublishTimeout = 5 * time.Second
	}
}

// Bus is a payflow.EventBus over AMQP 0.9.1.
type Bus struct {
	ch     Channel
	conn   io.Closer
	opts   Options
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed sync.Once
}

var _ payflow.EventBus = (*Bus)(nil)

// Dial connects to url and declares the exchange.
func Dial(url string, opts Options) (*Bus, error) {
	conn, err := amqp.DialConfig(url, amqp.Config{
		Heartbeat: 10 * time.Second,
		Dial:      amqp.DefaultDial(5 * time.Second),
	})
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	b, err := New(ch, opts)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	b.conn = conn
	return b, nil
}

// New builds a bus on an open channel and declares the exchange.
func New(ch Channel, opts Options) (*Bus, error) {
	opts.defaults()
	if err := ch.ExchangeDeclare(opts.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare exchange %s: %w", opts.Exchange, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		ch:     ch,
		opts:   opts,
		logger: opts.Logger.With().Str("component", "amqpbus").Str("exchange", opts.Exchange).Logger(),
		ctx:    ctx,
		cancel: cancel,
	}
	b.logger.Info().Msg("exchange declared")
	return b, nil
}

func (b *Bus) Publish(ctx context.Context, ev payflow.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", ev.ID, err)
	}
	ctx, cancel := context.WithTimeout(ctx, b.opts.PublishTimeout)
	defer cancel()

	err = b.ch.PublishWithContext(ctx, b.opts.Exchange, string(ev.Type), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    ev.ID,
		Type:         string(ev.Type),
		Timestamp:    ev.EmittedAt,
		Body:         body,
	})
	if err != nil {
		return payflow.Retryable(fmt.Errorf("publish event %s: %w", ev.ID, err))
	}
	b.logger.Debug().Str("event_id", ev.ID).Str("transaction_id", ev.TransactionID).Str("type", string(ev.Type)).Msg("published")
	return nil
}

func (b *Bus) queueName(t payflow.EventType) string {
	if b.opts.Queue == "" {
		return ""
	}
	return b.opts.Queue + "." + string(t)
}

func (b *Bus) Subscribe(t payflow.EventType, h payflow.Handler) error {
	if h == nil {
		return errors.New("amqpbus: nil handler")
	}
	name := b.queueName(t)
	durable := name != ""
	q, err := b.ch.QueueDeclare(name, durable, !durable, false, false, nil)
	if err != nil {
		return fmt.Errorf("declare queue for %s: %w", t, err)
	}
	if err := b.ch.QueueBind(q.Name, string(t), b.opts.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", q.Name, err)
	}
	deliveries, err := b.ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", q.Name, err)
	}
	b.logger.Info().Str("queue", q.Name).Str("type", string(t)).Msg("subscribed")

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for d := range deliveries {
			b.deliver(d, h)
		}
	}()
	return nil
}

func (b *Bus) deliver(d amqp.Delivery, h payflow.Handler) {
	logger := b.logger.With().Str("message_id", d.MessageId).Str("routing_key", d.RoutingKey).Logger()

	var ev payflow.Event
	if err := json.Unmarshal(d.Body, &ev); err != nil {
		logger.Error().Err(err).Msg("dropping undecodable message")
		if err := d.Reject(false); err != nil {
			logger.Warn().Err(err).Msg("reject failed")
		}
		return
	}
	if err := h(b.ctx, ev); err != nil {
		logger.Warn().Err(err).Bool("redelivered", d.Redelivered).Msg("handler failed, requeueing")
		if err := d.Nack(false, true); err != nil {
			logger.Warn().Err(err).Msg("nack failed")
		}
		return
	}
	if err := d.Ack(false); err != nil {
		logger.Warn().Err(err).Msg("ack failed")
	}
}

// Close closes the channel and connection and waits for in-flight
// handlers to return.
func (b *Bus) Close() error {
	var err error
	b.closed.Do(func() {
		b.cancel()
		err = b.ch.Close()
		if b.conn != nil {
			err = errors.Join(err, b.conn.Close())
		}
		b.wg.Wait()
	})
	return err
}
