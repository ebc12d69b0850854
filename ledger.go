package payflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tidwall/btree"
)

// Transition is a state change committed atomically with the step record
// that caused it and the event that announces it.
type Transition struct {
	TransactionID string
	From          LifecycleState
	To            LifecycleState
	Step          *StepRecord
	Failure       *Failure
	Event         *Event
	At            time.Time
}

// Ledger is the durable record of transactions. Step records are append
// only; the transaction state is the only mutable field and changes only
// through CommitTransition.
type Ledger interface {
	// Create stores a new transaction in the created state.
	Create(ctx context.Context, txn *Transaction) error
	// AppendStep appends a record and returns it with its sequence number.
	AppendStep(ctx context.Context, rec StepRecord) (StepRecord, error)
	// CommitTransition moves a transaction from t.From to t.To. The new
	// state, t.Step and t.Event become visible together or not at all.
	CommitTransition(ctx context.Context, t Transition) error
	// Load returns the transaction with its full step history.
	Load(ctx context.Context, id string) (*Transaction, error)
	// ListNonTerminal returns every transaction not in a terminal state.
	ListNonTerminal(ctx context.Context) ([]*Transaction, error)
	// PendingEvents returns committed events not yet marked published and
	// emitted before the given time, oldest first.
	PendingEvents(ctx context.Context, before time.Time) ([]Event, error)
	// MarkPublished records that an event reached the transport.
	MarkPublished(ctx context.Context, eventID string, at time.Time) error
}

// ValidateAppend checks rec against the stored history of txn and returns
// it with its sequence number assigned.
func ValidateAppend(txn *Transaction, rec StepRecord) (StepRecord, error) {
	if txn.State.Terminal() {
		return rec, fmt.Errorf("append %s to %s transaction %s: %w", rec, txn.State, txn.ID, ErrIllegalTransition)
	}
	log, err := txn.Log()
	if err != nil {
		return rec, err
	}
	if err := log.Record(rec); err != nil {
		return rec, fmt.Errorf("%w: %v", ErrIllegalTransition, err)
	}
	rec.Seq = 1
	if n := len(txn.Steps); n > 0 {
		rec.Seq = txn.Steps[n-1].Seq + 1
	}
	return rec, nil
}

// ApplyTransition applies t to txn in place after checking the compare and
// set condition. Stores call it inside their own atomic section.
func ApplyTransition(txn *Transaction, t Transition) error {
	if txn.State != t.From {
		return fmt.Errorf("transaction %s is %s, not %s: %w", txn.ID, txn.State, t.From, ErrStaleTransition)
	}
	if t.Step != nil {
		rec, err := ValidateAppend(txn, *t.Step)
		if err != nil {
			return err
		}
		txn.Steps = append(txn.Steps, rec)
	}
	txn.State = t.To
	if t.Failure != nil {
		f := *t.Failure
		txn.Failure = &f
	}
	if !t.At.IsZero() {
		txn.UpdatedAt = t.At
	} else {
		txn.UpdatedAt = time.Now().UTC()
	}
	return nil
}

// MemoryLedger is an in-memory Ledger for tests and single-process use.
type MemoryLedger struct {
	mu     sync.RWMutex
	txns   *btree.Map[string, *Transaction]
	events *btree.Map[string, *Event]
}

// NewMemoryLedger creates an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		txns:   btree.NewMap[string, *Transaction](32),
		events: btree.NewMap[string, *Event](32),
	}
}

func (m *MemoryLedger) Create(_ context.Context, txn *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.txns.Get(txn.ID); ok {
		return fmt.Errorf("transaction %s: %w", txn.ID, ErrTransactionExists)
	}
	m.txns.Set(txn.ID, txn.Clone())
	return nil
}

func (m *MemoryLedger) AppendStep(_ context.Context, rec StepRecord) (StepRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	txn, ok := m.txns.Get(rec.TransactionID)
	if !ok {
		return rec, fmt.Errorf("transaction %s: %w", rec.TransactionID, ErrNotFound)
	}
	rec, err := ValidateAppend(txn, rec)
	if err != nil {
		return rec, err
	}
	txn.Steps = append(txn.Steps, rec)
	return rec, nil
}

func (m *MemoryLedger) CommitTransition(_ context.Context, t Transition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.txns.Get(t.TransactionID)
	if !ok {
		return fmt.Errorf("transaction %s: %w", t.TransactionID, ErrNotFound)
	}
	// Work on a copy so a rejected transition leaves no trace.
	txn := stored.Clone()
	if err := ApplyTransition(txn, t); err != nil {
		return err
	}
	m.txns.Set(txn.ID, txn)
	if t.Event != nil {
		if _, exists := m.events.Get(t.Event.ID); !exists {
			ev := *t.Event
			m.events.Set(ev.ID, &ev)
		}
	}
	return nil
}

func (m *MemoryLedger) Load(_ context.Context, id string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	txn, ok := m.txns.Get(id)
	if !ok {
		return nil, fmt.Errorf("transaction %s: %w", id, ErrNotFound)
	}
	return txn.Clone(), nil
}

func (m *MemoryLedger) ListNonTerminal(_ context.Context) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Transaction
	m.txns.Scan(func(_ string, txn *Transaction) bool {
		if !txn.State.Terminal() {
			out = append(out, txn.Clone())
		}
		return true
	})
	return out, nil
}

func (m *MemoryLedger) PendingEvents(_ context.Context, before time.Time) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Event
	m.events.Scan(func(_ string, ev *Event) bool {
		if ev.PublishedAt == nil && ev.EmittedAt.Before(before) {
			out = append(out, *ev)
		}
		return true
	})
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].EmittedAt.Before(out[j].EmittedAt)
	})
	return out, nil
}

func (m *MemoryLedger) MarkPublished(_ context.Context, eventID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ev, ok := m.events.Get(eventID)
	if !ok {
		return fmt.Errorf("event %s: %w", eventID, ErrNotFound)
	}
	if ev.PublishedAt == nil {
		ev.PublishedAt = &at
	}
	return nil
}
