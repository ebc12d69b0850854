package payflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"
)

// EventType names the transition an event announces.
type EventType string

const (
	EventAuthorized     EventType = "authorized"
	EventCaptured       EventType = "captured"
	EventFailed         EventType = "failed"
	EventCompensated    EventType = "compensated"
	EventFailedTerminal EventType = "failed_terminal"
	EventCancelled      EventType = "cancelled"
)

// eventNamespace scopes deterministic event ids.
var eventNamespace = uuid.MustParse("6f1c39a4-6e0f-4a4e-9a53-2d7a1c0e9b11")

// EventID derives the identifier of the event announcing transition t of
// a transaction. Re-emitting the same transition yields the same id.
func EventID(transactionID string, t EventType) string {
	return uuid.NewSHA1(eventNamespace, []byte(transactionID+":"+string(t))).String()
}

// Event is an immutable fact about a committed transition.
type Event struct {
	ID            string          `json:"id"`
	TransactionID string          `json:"transaction_id"`
	Type          EventType       `json:"type"`
	Payload       json.RawMessage `json:"payload"`
	EmittedAt     time.Time       `json:"emitted_at"`
	PublishedAt   *time.Time      `json:"published_at,omitempty"`
}

// NewEvent builds the event for transition t using the transaction as it
// will look once the transition is committed.
func NewEvent(txn *Transaction, t EventType, at time.Time) *Event {
	return &Event{
		ID:            EventID(txn.ID, t),
		TransactionID: txn.ID,
		Type:          t,
		Payload:       txn.snapshotJSON(),
		EmittedAt:     at,
	}
}

// Handler consumes events. Returning an error asks the transport to
// redeliver.
type Handler func(ctx context.Context, ev Event) error

// EventBus publishes events and routes them to subscribers by type.
// Delivery is at least once.
type EventBus interface {
	Publish(ctx context.Context, ev Event) error
	Subscribe(t EventType, h Handler) error
}

// MemoryBus is a synchronous in-process EventBus.
type MemoryBus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
	logger   zerolog.Logger
}

// NewMemoryBus creates an empty bus.
func NewMemoryBus(logger zerolog.Logger) *MemoryBus {
	return &MemoryBus{
		handlers: make(map[EventType][]Handler),
		logger:   logger,
	}
}

func (b *MemoryBus) Subscribe(t EventType, h Handler) error {
	if h == nil {
		return errors.New("nil handler")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], h)
	return nil
}

// Publish delivers ev to every subscriber of its type and returns the
// first handler error.
func (b *MemoryBus) Publish(ctx context.Context, ev Event) error {
	b.mu.RLock()
	handlers := append([]Handler(nil), b.handlers[ev.Type]...)
	b.mu.RUnlock()

	var first error
	for _, h := range handlers {
		if err := h(ctx, ev); err != nil {
			b.logger.Warn().Err(err).Str("event", ev.ID).Str("type", string(ev.Type)).Msg("event handler failed")
			if first == nil {
				first = err
			}
		}
	}
	return first
}

// Dedup wraps handlers so that an event id is processed at most once.
type Dedup struct {
	seen     *xsync.MapOf[string, time.Time]
	inflight *xsync.MapOf[string, struct{}]
}

// NewDedup creates an empty deduplicator.
func NewDedup() *Dedup {
	return &Dedup{
		seen:     xsync.NewMapOf[string, time.Time](),
		inflight: xsync.NewMapOf[string, struct{}](),
	}
}

// Wrap returns a handler that drops events whose id was already handled
// successfully. An id is recorded only after its handler succeeds, so a
// failed delivery can be retried. A copy arriving while the first delivery
// is still running fails with ErrEventInFlight.
func (d *Dedup) Wrap(h Handler) Handler {
	return func(ctx context.Context, ev Event) error {
		if d.Seen(ev.ID) {
			return nil
		}
		if _, busy := d.inflight.LoadOrStore(ev.ID, struct{}{}); busy {
			return fmt.Errorf("event %s: %w", ev.ID, ErrEventInFlight)
		}
		defer d.inflight.Delete(ev.ID)
		// Another delivery may have finished between the check and the claim.
		if d.Seen(ev.ID) {
			return nil
		}
		if err := h(ctx, ev); err != nil {
			return err
		}
		d.seen.Store(ev.ID, time.Now())
		return nil
	}
}

// Seen reports whether an event id has been handled.
func (d *Dedup) Seen(id string) bool {
	_, ok := d.seen.Load(id)
	return ok
}

// Forget drops ids recorded before cutoff.
func (d *Dedup) Forget(cutoff time.Time) {
	d.seen.Range(func(id string, at time.Time) bool {
		if at.Before(cutoff) {
			d.seen.Delete(id)
		}
		return true
	})
}
