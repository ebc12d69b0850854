package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/fortressi/payflow"
)

// Ledger is a payflow.Ledger over GORM.
//
// A transition is one database transaction: a conditional update of the
// state column (the compare and set), the step insert and the outbox
// insert. Concurrent appends to one transaction race on the (transaction,
// seq) primary key and the loser is retried.
type Ledger struct {
	db *gorm.DB
}

var _ payflow.Ledger = (*Ledger)(nil)

// NewLedger creates a ledger on db. Run Migrate first.
func NewLedger(db *gorm.DB) *Ledger {
	return &Ledger{db: db}
}

func load(tx *gorm.DB, id string) (*payflow.Transaction, error) {
	var row transactionRow
	if err := tx.Where("id = ?", id).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("transaction %s: %w", id, payflow.ErrNotFound)
		}
		return nil, err
	}
	var steps []stepRow
	if err := tx.Where("transaction_id = ?", id).Order("seq").Find(&steps).Error; err != nil {
		return nil, err
	}
	return row.transaction(steps), nil
}

func (l *Ledger) Create(ctx context.Context, txn *payflow.Transaction) error {
	return transact(ctx, l.db, func(tx *gorm.DB) error {
		row := toTransactionRow(txn)
		if err := tx.Create(&row).Error; err != nil {
			if IsUniqueViolation(err) {
				return fmt.Errorf("transaction %s: %w", txn.ID, payflow.ErrTransactionExists)
			}
			return err
		}
		for _, rec := range txn.Steps {
			step := toStepRow(rec)
			if err := tx.Create(&step).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (l *Ledger) AppendStep(ctx context.Context, rec payflow.StepRecord) (payflow.StepRecord, error) {
	var stored payflow.StepRecord
	err := transact(ctx, l.db, func(tx *gorm.DB) error {
		txn, err := load(tx, rec.TransactionID)
		if err != nil {
			return err
		}
		if stored, err = payflow.ValidateAppend(txn, rec); err != nil {
			return err
		}
		row := toStepRow(stored)
		return tx.Create(&row).Error
	})
	if err != nil {
		return rec, err
	}
	return stored, nil
}

func (l *Ledger) CommitTransition(ctx context.Context, t payflow.Transition) error {
	return transact(ctx, l.db, func(tx *gorm.DB) error {
		txn, err := load(tx, t.TransactionID)
		if err != nil {
			return err
		}
		if err := payflow.ApplyTransition(txn, t); err != nil {
			return err
		}

		updates := map[string]any{
			"state":      string(txn.State),
			"updated_at": txn.UpdatedAt,
		}
		if t.Failure != nil {
			// Map updates bypass field serializers.
			failure, err := failureColumn(txn.Failure)
			if err != nil {
				return err
			}
			updates["failure"] = failure
		}
		res := tx.Model(&transactionRow{}).
			Where("id = ? AND state = ?", t.TransactionID, string(t.From)).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return fmt.Errorf("transaction %s moved away from %s: %w", t.TransactionID, t.From, payflow.ErrStaleTransition)
		}

		if t.Step != nil {
			step := toStepRow(txn.Steps[len(txn.Steps)-1])
			if err := tx.Create(&step).Error; err != nil {
				return err
			}
		}
		if t.Event != nil {
			ev := toOutboxRow(t.Event)
			// A re-emitted transition keeps the first event.
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&ev).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (l *Ledger) Load(ctx context.Context, id string) (*payflow.Transaction, error) {
	return load(l.db.WithContext(ctx), id)
}

func (l *Ledger) ListNonTerminal(ctx context.Context) ([]*payflow.Transaction, error) {
	var terminal []string
	for _, s := range []payflow.LifecycleState{payflow.StateSettled, payflow.StateCompensated, payflow.StateFailedTerminal, payflow.StateCancelled} {
		terminal = append(terminal, string(s))
	}
	db := l.db.WithContext(ctx)
	var rows []transactionRow
	if err := db.Where("state NOT IN ?", terminal).Order("created_at").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*payflow.Transaction, 0, len(rows))
	for _, row := range rows {
		var steps []stepRow
		if err := db.Where("transaction_id = ?", row.ID).Order("seq").Find(&steps).Error; err != nil {
			return nil, err
		}
		out = append(out, row.transaction(steps))
	}
	return out, nil
}

func (l *Ledger) PendingEvents(ctx context.Context, before time.Time) ([]payflow.Event, error) {
	var rows []outboxRow
	if err := l.db.WithContext(ctx).Where("published_at IS NULL").Find(&rows).Error; err != nil {
		return nil, err
	}
	// Time columns compare unreliably across dialects; filter here.
	var out []payflow.Event
	for _, row := range rows {
		if row.EmittedAt.Before(before) {
			out = append(out, row.event())
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].EmittedAt.Before(out[j].EmittedAt)
	})
	return out, nil
}

func (l *Ledger) MarkPublished(ctx context.Context, eventID string, at time.Time) error {
	db := l.db.WithContext(ctx)
	res := db.Model(&outboxRow{}).
		Where("id = ? AND published_at IS NULL", eventID).
		Update("published_at", at)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}
	var n int64
	if err := db.Model(&outboxRow{}).Where("id = ?", eventID).Count(&n).Error; err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("event %s: %w", eventID, payflow.ErrNotFound)
	}
	return nil
}
