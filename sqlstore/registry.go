package sqlstore

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/fortressi/payflow"
)

// Registry is a payflow.IdempotencyRegistry over GORM. The key is the
// primary key: of two concurrent reservations one insert fails with a
// unique violation and is retried, reading the winner's entry.
type Registry struct {
	db   *gorm.DB
	opts payflow.RegistryOptions
}

var _ payflow.IdempotencyRegistry = (*Registry)(nil)

func NewRegistry(db *gorm.DB, opts payflow.RegistryOptions) (*Registry, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &Registry{db: db, opts: opts}, nil
}

func findEntry(tx *gorm.DB, key string) (payflow.IdempotencyEntry, bool, error) {
	var row idempotencyRow
	err := tx.Where("idempotency_key = ?", key).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return payflow.IdempotencyEntry{}, false, nil
	}
	if err != nil {
		return payflow.IdempotencyEntry{}, false, err
	}
	return row.entry(), true, nil
}

func (r *Registry) Reserve(ctx context.Context, key string, spec payflow.TransactionSpec) (payflow.Reservation, error) {
	if key == "" {
		return payflow.Reservation{}, payflow.NewValidationError(payflow.CodeValidation, "idempotency key is required")
	}
	var res payflow.Reservation
	err := transact(ctx, r.db, func(tx *gorm.DB) error {
		now := r.opts.Now()
		old, found, err := findEntry(tx, key)
		if err != nil {
			return err
		}
		if found && !old.Expired(now) {
			res = old.Reservation(false)
			return nil
		}
		e := payflow.NewReservedEntry(key, spec, now)
		res = e.Reservation(true)
		row := toIdempotencyRow(e)
		if !found {
			return tx.Create(&row).Error
		}
		// Replace the expired entry only if nobody else did first.
		upd := tx.Model(&idempotencyRow{}).
			Where("idempotency_key = ? AND transaction_id = ?", key, old.TransactionID).
			Select("*").
			Updates(&row)
		if upd.Error != nil {
			return upd.Error
		}
		if upd.RowsAffected != 1 {
			return fmt.Errorf("idempotency key %s: %w", key, gorm.ErrDuplicatedKey)
		}
		return nil
	})
	if err != nil {
		return payflow.Reservation{}, err
	}
	return res, nil
}

func (r *Registry) Commit(ctx context.Context, key, transactionID string) error {
	return transact(ctx, r.db, func(tx *gorm.DB) error {
		old, found, err := findEntry(tx, key)
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
		row := toIdempotencyRow(next)
		return tx.Model(&idempotencyRow{}).
			Where("idempotency_key = ? AND state = ?", key, string(old.State)).
			Select("state", "committed_at", "expires_at").
			Updates(&row).Error
	})
}

func (r *Registry) Lookup(ctx context.Context, key string) (string, bool, error) {
	db := r.db.WithContext(ctx)
	e, found, err := findEntry(db, key)
	if err != nil || !found {
		return "", false, err
	}
	if !e.Expired(r.opts.Now()) {
		return e.TransactionID, true, nil
	}
	err = db.Where("idempotency_key = ? AND transaction_id = ?", key, e.TransactionID).
		Delete(&idempotencyRow{}).Error
	return "", false, err
}

func (r *Registry) Sweep(ctx context.Context) (int, error) {
	db := r.db.WithContext(ctx)
	var rows []idempotencyRow
	if err := db.Where("state <> ?", string(payflow.EntryReserved)).Find(&rows).Error; err != nil {
		return 0, err
	}
	now := r.opts.Now()
	removed := 0
	for _, row := range rows {
		e := row.entry()
		if !e.Expired(now) {
			continue
		}
		res := db.Where("idempotency_key = ? AND transaction_id = ?", e.Key, e.TransactionID).
			Delete(&idempotencyRow{})
		if res.Error != nil {
			return removed, res.Error
		}
		removed += int(res.RowsAffected)
	}
	return removed, nil
}
