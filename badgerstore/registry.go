package badgerstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/fortressi/payflow"
)

// Registry is a payflow.IdempotencyRegistry stored in Badger. Concurrent
// reservations of one key conflict in Badger's transaction layer and are
// retried, so exactly one of them writes the entry.
type Registry struct {
	db   *badger.DB
	opts payflow.RegistryOptions
}

var _ payflow.IdempotencyRegistry = (*Registry)(nil)

// NewRegistry creates a registry on db. The caller owns db.
func NewRegistry(db *badger.DB, opts payflow.RegistryOptions) (*Registry, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &Registry{db: db, opts: opts}, nil
}

func idemKey(key string) []byte {
	return []byte(idemPrefix + key)
}

func (r *Registry) Reserve(ctx context.Context, key string, spec payflow.TransactionSpec) (payflow.Reservation, error) {
	if key == "" {
		return payflow.Reservation{}, payflow.NewValidationError(payflow.CodeValidation, "idempotency key is required")
	}
	var res payflow.Reservation
	err := update(ctx, r.db, func(btx *badger.Txn) error {
		now := r.opts.Now()
		var old payflow.IdempotencyEntry
		found, err := getJSON(btx, idemKey(key), &old)
		if err != nil {
			return err
		}
		if found && !old.Expired(now) {
			res = old.Reservation(false)
			return nil
		}
		e := payflow.NewReservedEntry(key, spec, now)
		res = e.Reservation(true)
		return setJSON(btx, idemKey(key), e)
	})
	return res, err
}

func (r *Registry) Commit(ctx context.Context, key, transactionID string) error {
	return update(ctx, r.db, func(btx *badger.Txn) error {
		var old payflow.IdempotencyEntry
		found, err := getJSON(btx, idemKey(key), &old)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("idempotency key %s: %w", key, payflow.ErrNotFound)
		}
		if old.State == payflow.EntryCommitted && old.TransactionID == transactionID {
			return nil
		}
		next, err := payflow.CommitEntry(old, transactionID, r.opts.Now(), r.opts.Retention)
		if err != nil {
			return err
		}
		return setJSON(btx, idemKey(key), next)
	})
}

func (r *Registry) Lookup(ctx context.Context, key string) (string, bool, error) {
	var e payflow.IdempotencyEntry
	var found bool
	err := view(ctx, r.db, func(btx *badger.Txn) error {
		var err error
		found, err = getJSON(btx, idemKey(key), &e)
		return err
	})
	if err != nil || !found {
		return "", false, err
	}
	now := r.opts.Now()
	if !e.Expired(now) {
		return e.TransactionID, true, nil
	}
	err = update(ctx, r.db, func(btx *badger.Txn) error {
		var cur payflow.IdempotencyEntry
		found, err := getJSON(btx, idemKey(key), &cur)
		if err != nil || !found || !cur.Expired(now) {
			return err
		}
		return btx.Delete(idemKey(key))
	})
	return "", false, err
}

func (r *Registry) Sweep(ctx context.Context) (int, error) {
	removed := 0
	err := update(ctx, r.db, func(btx *badger.Txn) error {
		removed = 0
		now := r.opts.Now()
		var expired [][]byte
		err := scan(btx, []byte(idemPrefix), func(key, val []byte) error {
			var e payflow.IdempotencyEntry
			if err := json.Unmarshal(val, &e); err != nil {
				return err
			}
			if e.Expired(now) {
				expired = append(expired, key)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, key := range expired {
			if err := btx.Delete(key); err != nil {
				return err
			}
		}
		removed = len(expired)
		return nil
	})
	return removed, err
}
