package amqpbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortressi/payflow"
)

// fakeBroker is an in-process topic exchange with exact-match bindings.
type fakeBroker struct {
	mu        sync.Mutex
	exchanges map[string]string
	bindings  map[string][]string
	queues    map[string]chan amqp.Delivery
	published []amqp.Publishing
	acks      []uint64
	nacks     []uint64
	rejects   []uint64
	tag       uint64
	closed    bool
	failNext  error
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		exchanges: map[string]string{},
		bindings:  map[string][]string{},
		queues:    map[string]chan amqp.Delivery{},
	}
}

func (f *fakeBroker) ExchangeDeclare(name, kind string, _, _, _, _ bool, _ amqp.Table) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exchanges[name] = kind
	return nil
}

func (f *fakeBroker) QueueDeclare(name string, _, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if name == "" {
		name = fmt.Sprintf("amq.gen-%d", len(f.queues))
	}
	if _, ok := f.queues[name]; !ok {
		f.queues[name] = make(chan amqp.Delivery, 16)
	}
	return amqp.Queue{Name: name}, nil
}

func (f *fakeBroker) QueueBind(name, key, _ string, _ bool, _ amqp.Table) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bindings[key] = append(f.bindings[key], name)
	return nil
}

func (f *fakeBroker) Consume(queue, _ string, _, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queues[queue], nil
}

func (f *fakeBroker) PublishWithContext(_ context.Context, _, key string, _, _ bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failNext; err != nil {
		f.failNext = nil
		return err
	}
	f.published = append(f.published, msg)
	for _, q := range f.bindings[key] {
		f.enqueue(q, key, msg, false)
	}
	return nil
}

func (f *fakeBroker) enqueue(queue, key string, msg amqp.Publishing, redelivered bool) {
	f.tag++
	f.queues[queue] <- amqp.Delivery{
		Acknowledger: &fakeAck{broker: f, queue: queue, key: key, msg: msg},
		DeliveryTag:  f.tag,
		Redelivered:  redelivered,
		RoutingKey:   key,
		MessageId:    msg.MessageId,
		Body:         msg.Body,
	}
}

func (f *fakeBroker) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		for _, q := range f.queues {
			close(q)
		}
	}
	return nil
}

func (f *fakeBroker) counts() (acks, nacks, rejects int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.acks), len(f.nacks), len(f.rejects)
}

type fakeAck struct {
	broker *fakeBroker
	queue  string
	key    string
	msg    amqp.Publishing
}

func (a *fakeAck) Ack(tag uint64, _ bool) error {
	a.broker.mu.Lock()
	defer a.broker.mu.Unlock()
	a.broker.acks = append(a.broker.acks, tag)
	return nil
}

func (a *fakeAck) Nack(tag uint64, _ bool, requeue bool) error {
	a.broker.mu.Lock()
	defer a.broker.mu.Unlock()
	a.broker.nacks = append(a.broker.nacks, tag)
	if requeue && !a.broker.closed {
		a.broker.enqueue(a.queue, a.key, a.msg, true)
	}
	return nil
}

func (a *fakeAck) Reject(tag uint64, _ bool) error {
	a.broker.mu.Lock()
	defer a.broker.mu.Unlock()
	a.broker.rejects = append(a.broker.rejects, tag)
	return nil
}

func testEvent(t payflow.EventType) payflow.Event {
	return payflow.Event{
		ID:            payflow.EventID("txn-1", t),
		TransactionID: "txn-1",
		Type:          t,
		Payload:       json.RawMessage(`{"state":"settled"}`),
		EmittedAt:     time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func newTestBus(t *testing.T, opts Options) (*Bus, *fakeBroker) {
	t.Helper()
	broker := newFakeBroker()
	opts.Logger = zerolog.Nop()
	b, err := New(broker, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b, broker
}

func TestNewDeclaresTopicExchange(t *testing.T) {
	_, broker := newTestBus(t, Options{})
	assert.Equal(t, amqp.ExchangeTopic, broker.exchanges[DefaultExchange])
}

func TestPublishMessageShape(t *testing.T) {
	b, broker := newTestBus(t, Options{Exchange: "payments"})
	ev := testEvent(payflow.EventCaptured)
	require.NoError(t, b.Publish(context.Background(), ev))

	require.Len(t, broker.published, 1)
	msg := broker.published[0]
	assert.Equal(t, ev.ID, msg.MessageId)
	assert.Equal(t, "captured", msg.Type)
	assert.Equal(t, amqp.Persistent, msg.DeliveryMode)
	assert.Equal(t, "application/json", msg.ContentType)

	var decoded payflow.Event
	require.NoError(t, json.Unmarshal(msg.Body, &decoded))
	assert.Equal(t, ev.ID, decoded.ID)
	assert.JSONEq(t, `{"state":"settled"}`, string(decoded.Payload))
}

func TestPublishFailureIsRetryable(t *testing.T) {
	b, broker := newTestBus(t, Options{})
	broker.failNext = amqp.ErrClosed
	err := b.Publish(context.Background(), testEvent(payflow.EventCaptured))
	require.Error(t, err)
	class, _ := payflow.Classify(err)
	assert.Equal(t, payflow.ClassRetryable, class)
	assert.ErrorIs(t, err, amqp.ErrClosed)
}

func TestSubscribeRoutesByType(t *testing.T) {
	b, _ := newTestBus(t, Options{Queue: "ledger-sync"})
	got := make(chan payflow.Event, 4)
	require.NoError(t, b.Subscribe(payflow.EventCaptured, func(_ context.Context, ev payflow.Event) error {
		got <- ev
		return nil
	}))

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, testEvent(payflow.EventAuthorized)))
	require.NoError(t, b.Publish(ctx, testEvent(payflow.EventCaptured)))

	select {
	case ev := <-got:
		assert.Equal(t, payflow.EventCaptured, ev.Type)
		assert.Equal(t, "txn-1", ev.TransactionID)
	case <-time.After(5 * time.Second):
		t.Fatal("event not delivered")
	}
	assert.Never(t, func() bool { return len(got) > 0 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestHandlerErrorRequeues(t *testing.T) {
	b, broker := newTestBus(t, Options{})
	var calls int
	var mu sync.Mutex
	require.NoError(t, b.Subscribe(payflow.EventFailed, func(context.Context, payflow.Event) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return errors.New("downstream unavailable")
		}
		return nil
	}))
	require.NoError(t, b.Publish(context.Background(), testEvent(payflow.EventFailed)))

	require.Eventually(t, func() bool {
		acks, _, _ := broker.counts()
		return acks == 1
	}, 5*time.Second, 5*time.Millisecond)
	_, nacks, _ := broker.counts()
	assert.Equal(t, 1, nacks)
	mu.Lock()
	assert.Equal(t, 2, calls)
	mu.Unlock()
}

func TestRedeliveryDeduplicated(t *testing.T) {
	b, broker := newTestBus(t, Options{})
	dedup := payflow.NewDedup()
	var handled int
	var mu sync.Mutex
	require.NoError(t, b.Subscribe(payflow.EventCompensated, dedup.Wrap(func(context.Context, payflow.Event) error {
		mu.Lock()
		defer mu.Unlock()
		handled++
		return nil
	})))
	ev := testEvent(payflow.EventCompensated)
	require.NoError(t, b.Publish(context.Background(), ev))
	require.NoError(t, b.Publish(context.Background(), ev))

	require.Eventually(t, func() bool {
		acks, _, _ := broker.counts()
		return acks == 2
	}, 5*time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, 1, handled)
	mu.Unlock()
}

func TestUndecodableMessageRejected(t *testing.T) {
	b, broker := newTestBus(t, Options{})
	require.NoError(t, b.Subscribe(payflow.EventCaptured, func(context.Context, payflow.Event) error {
		t.Error("handler must not run")
		return nil
	}))
	require.NoError(t, broker.PublishWithContext(context.Background(), DefaultExchange, "captured", false, false, amqp.Publishing{Body: []byte("{")}))

	require.Eventually(t, func() bool {
		_, _, rejects := broker.counts()
		return rejects == 1
	}, 5*time.Second, 5*time.Millisecond)
}

func TestSubscribeNilHandler(t *testing.T) {
	b, _ := newTestBus(t, Options{})
	assert.Error(t, b.Subscribe(payflow.EventCaptured, nil))
}

func TestCloseStopsConsumers(t *testing.T) {
	b, broker := newTestBus(t, Options{})
	require.NoError(t, b.Subscribe(payflow.EventCaptured, func(context.Context, payflow.Event) error { return nil }))
	require.NoError(t, b.Close())
	assert.True(t, broker.closed)
	assert.NoError(t, b.Close(), "closing twice is harmless")
}
