package badgerstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/fortressi/payflow"
)

// Ledger is a payflow.Ledger stored in Badger.
type Ledger struct {
	db *badger.DB
}

var _ payflow.Ledger = (*Ledger)(nil)

// NewLedger creates a ledger on db. The caller owns db.
func NewLedger(db *badger.DB) *Ledger {
	return &Ledger{db: db}
}

func txnKey(id string) []byte {
	return []byte(txnPrefix + id)
}

func stepKeyPrefix(id string) []byte {
	return []byte(stepPrefix + id + "/")
}

func stepKey(id string, seq int64) []byte {
	return []byte(fmt.Sprintf("%s%s/%020d", stepPrefix, id, seq))
}

func eventKey(id string) []byte {
	return []byte(outboxPrefix + id)
}

// putHeader stores txn without its step records.
func putHeader(btx *badger.Txn, txn *payflow.Transaction) error {
	header := *txn
	header.Steps = nil
	return setJSON(btx, txnKey(txn.ID), &header)
}

// load reads the header and step records of a transaction.
func load(btx *badger.Txn, id string) (*payflow.Transaction, error) {
	var txn payflow.Transaction
	found, err := getJSON(btx, txnKey(id), &txn)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("transaction %s: %w", id, payflow.ErrNotFound)
	}
	txn.Steps = nil
	err = scan(btx, stepKeyPrefix(id), func(_, val []byte) error {
		var rec payflow.StepRecord
		if err := json.Unmarshal(val, &rec); err != nil {
			return fmt.Errorf("decode step of %s: %w", id, err)
		}
		txn.Steps = append(txn.Steps, rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &txn, nil
}

func (l *Ledger) Create(ctx context.Context, txn *payflow.Transaction) error {
	return update(ctx, l.db, func(btx *badger.Txn) error {
		_, err := btx.Get(txnKey(txn.ID))
		switch {
		case err == nil:
			return fmt.Errorf("transaction %s: %w", txn.ID, payflow.ErrTransactionExists)
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}
		if err := putHeader(btx, txn); err != nil {
			return err
		}
		for _, rec := range txn.Steps {
			if err := setJSON(btx, stepKey(txn.ID, rec.Seq), rec); err != nil {
				return err
			}
		}
		return nil
	})
}

func (l *Ledger) AppendStep(ctx context.Context, rec payflow.StepRecord) (payflow.StepRecord, error) {
	var stored payflow.StepRecord
	err := update(ctx, l.db, func(btx *badger.Txn) error {
		txn, err := load(btx, rec.TransactionID)
		if err != nil {
			return err
		}
		if stored, err = payflow.ValidateAppend(txn, rec); err != nil {
			return err
		}
		// Appends of one transaction conflict on its header.
		if err := putHeader(btx, txn); err != nil {
			return err
		}
		return setJSON(btx, stepKey(txn.ID, stored.Seq), stored)
	})
	if err != nil {
		return rec, err
	}
	return stored, nil
}

func (l *Ledger) CommitTransition(ctx context.Context, t payflow.Transition) error {
	return update(ctx, l.db, func(btx *badger.Txn) error {
		txn, err := load(btx, t.TransactionID)
		if err != nil {
			return err
		}
		if err := payflow.ApplyTransition(txn, t); err != nil {
			return err
		}
		if err := putHeader(btx, txn); err != nil {
			return err
		}
		if t.Step != nil {
			rec := txn.Steps[len(txn.Steps)-1]
			if err := setJSON(btx, stepKey(txn.ID, rec.Seq), rec); err != nil {
				return err
			}
		}
		if t.Event == nil {
			return nil
		}
		_, err = btx.Get(eventKey(t.Event.ID))
		switch {
		case err == nil:
			// Re-emitted transition. The first event stays.
			return nil
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}
		return setJSON(btx, eventKey(t.Event.ID), t.Event)
	})
}

func (l *Ledger) Load(ctx context.Context, id string) (*payflow.Transaction, error) {
	var txn *payflow.Transaction
	err := view(ctx, l.db, func(btx *badger.Txn) error {
		var err error
		txn, err = load(btx, id)
		return err
	})
	return txn, err
}

func (l *Ledger) ListNonTerminal(ctx context.Context) ([]*payflow.Transaction, error) {
	var out []*payflow.Transaction
	err := view(ctx, l.db, func(btx *badger.Txn) error {
		var ids []string
		err := scan(btx, []byte(txnPrefix), func(_, val []byte) error {
			var header payflow.Transaction
			if err := json.Unmarshal(val, &header); err != nil {
				return err
			}
			if !header.State.Terminal() {
				ids = append(ids, header.ID)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, id := range ids {
			txn, err := load(btx, id)
			if err != nil {
				return err
			}
			out = append(out, txn)
		}
		return nil
	})
	return out, err
}

func (l *Ledger) PendingEvents(ctx context.Context, before time.Time) ([]payflow.Event, error) {
	var out []payflow.Event
	err := view(ctx, l.db, func(btx *badger.Txn) error {
		return scan(btx, []byte(outboxPrefix), func(_, val []byte) error {
			var ev payflow.Event
			if err := json.Unmarshal(val, &ev); err != nil {
				return err
			}
			if ev.PublishedAt == nil && ev.EmittedAt.Before(before) {
				out = append(out, ev)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].EmittedAt.Before(out[j].EmittedAt)
	})
	return out, nil
}

func (l *Ledger) MarkPublished(ctx context.Context, eventID string, at time.Time) error {
	return update(ctx, l.db, func(btx *badger.Txn) error {
		var ev payflow.Event
		found, err := getJSON(btx, eventKey(eventID), &ev)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("event %s: %w", eventID, payflow.ErrNotFound)
		}
		if ev.PublishedAt != nil {
			return nil
		}
		ev.PublishedAt = &at
		return setJSON(btx, eventKey(eventID), &ev)
	})
}
