package payflow

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
)

// EntryState is the registry state of an idempotency key.
type EntryState string

const (
	EntryReserved  EntryState = "reserved"
	EntryCommitted EntryState = "committed"
	EntryExpired   EntryState = "expired"
)

// IdempotencyEntry binds a client key to a transaction.
type IdempotencyEntry struct {
	Key           string     `json:"key"`
	TransactionID string     `json:"transaction_id"`
	State         EntryState `json:"state"`
	Fingerprint   string     `json:"fingerprint"`
	// Spec is the payment the winning request was admitted with.
	Spec        *TransactionSpec `json:"spec,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	CommittedAt time.Time        `json:"committed_at,omitempty"`
	// ExpiresAt is zero while the entry is reserved.
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether a committed entry is past its retention window.
func (e IdempotencyEntry) Expired(now time.Time) bool {
	return e.State == EntryExpired ||
		e.State == EntryCommitted && !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// NewReservedEntry builds the entry stored by a winning Reserve.
func NewReservedEntry(key string, spec TransactionSpec, now time.Time) IdempotencyEntry {
	spec.Metadata = maps.Clone(spec.Metadata)
	return IdempotencyEntry{
		Key:           key,
		TransactionID: uuid.NewString(),
		State:         EntryReserved,
		Fingerprint:   spec.Fingerprint(),
		Spec:          &spec,
		CreatedAt:     now,
	}
}

// Reservation reports e as the result of a Reserve call.
func (e IdempotencyEntry) Reservation(isNew bool) Reservation {
	return Reservation{TransactionID: e.TransactionID, IsNew: isNew, Fingerprint: e.Fingerprint, Spec: e.Spec}
}

// Reservation is the result of IdempotencyRegistry.Reserve.
type Reservation struct {
	TransactionID string
	IsNew         bool
	// Fingerprint of the spec the winning request was admitted with.
	Fingerprint string
	// Spec is the winning request's payment. Nil for entries stored
	// without one.
	Spec *TransactionSpec
}

// IdempotencyRegistry is the sole admission point for new transactions.
type IdempotencyRegistry interface {
	// Reserve returns the transaction bound to key, creating a reservation
	// when the key is unknown or expired. Concurrent calls for one key agree
	// on a single winner.
	Reserve(ctx context.Context, key string, spec TransactionSpec) (Reservation, error)
	// Commit marks the entry committed and starts its retention window.
	Commit(ctx context.Context, key, transactionID string) error
	// Lookup returns the transaction bound to key. Expired entries are
	// evicted and reported as missing.
	Lookup(ctx context.Context, key string) (string, bool, error)
	// Sweep evicts every expired entry and returns how many were removed.
	Sweep(ctx context.Context) (int, error)
}

// RegistryOptions configures registry backends.
type RegistryOptions struct {
	// Retention is how long a committed entry is kept. Required.
	Retention time.Duration
	// Now defaults to time.Now.
	Now func() time.Time
}

// Validate checks the options and fills defaults.
func (o *RegistryOptions) Validate() error {
	if o.Retention <= 0 {
		return errors.New("idempotency retention window is required")
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return nil
}

// CommitEntry applies a commit to e. Committing twice is a no-op.
func CommitEntry(e IdempotencyEntry, transactionID string, now time.Time, retention time.Duration) (IdempotencyEntry, error) {
	if e.TransactionID != transactionID {
		return e, fmt.Errorf("key %s is bound to %s, not %s: %w", e.Key, e.TransactionID, transactionID, ErrStaleTransition)
	}
	if e.State == EntryCommitted {
		return e, nil
	}
	e.State = EntryCommitted
	e.CommittedAt = now
	e.ExpiresAt = now.Add(retention)
	return e, nil
}

// MemoryRegistry is an in-memory IdempotencyRegistry.
type MemoryRegistry struct {
	entries *xsync.MapOf[string, IdempotencyEntry]
	opts    RegistryOptions
}

// NewMemoryRegistry creates an empty registry.
func NewMemoryRegistry(opts RegistryOptions) (*MemoryRegistry, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &MemoryRegistry{
		entries: xsync.NewMapOf[string, IdempotencyEntry](),
		opts:    opts,
	}, nil
}

func (r *MemoryRegistry) Reserve(_ context.Context, key string, spec TransactionSpec) (Reservation, error) {
	if key == "" {
		return Reservation{}, NewValidationError(CodeValidation, "idempotency key is required")
	}
	now := r.opts.Now()
	var res Reservation
	r.entries.Compute(key, func(old IdempotencyEntry, loaded bool) (IdempotencyEntry, bool) {
		if loaded && !old.Expired(now) {
			res = old.Reservation(false)
			return old, false
		}
		e := NewReservedEntry(key, spec, now)
		res = e.Reservation(true)
		return e, false
	})
	return res, nil
}

func (r *MemoryRegistry) Commit(_ context.Context, key, transactionID string) error {
	var err error
	r.entries.Compute(key, func(old IdempotencyEntry, loaded bool) (IdempotencyEntry, bool) {
		if !loaded {
			err = fmt.Errorf("idempotency key %s: %w", key, ErrNotFound)
			return old, true
		}
		var next IdempotencyEntry
		next, err = CommitEntry(old, transactionID, r.opts.Now(), r.opts.Retention)
		return next, false
	})
	return err
}

func (r *MemoryRegistry) Lookup(_ context.Context, key string) (string, bool, error) {
	e, ok := r.entries.Load(key)
	if !ok {
		return "", false, nil
	}
	now := r.opts.Now()
	if e.Expired(now) {
		r.entries.Compute(key, func(old IdempotencyEntry, loaded bool) (IdempotencyEntry, bool) {
			return old, !loaded || old.Expired(now)
		})
		return "", false, nil
	}
	return e.TransactionID, true, nil
}

func (r *MemoryRegistry) Sweep(_ context.Context) (int, error) {
	now := r.opts.Now()
	removed := 0
	r.entries.Range(func(key string, e IdempotencyEntry) bool {
		if e.Expired(now) {
			r.entries.Compute(key, func(old IdempotencyEntry, loaded bool) (IdempotencyEntry, bool) {
				del := !loaded || old.Expired(now)
				if loaded && del {
					removed++
				}
				return old, del
			})
		}
		return true
	})
	return removed, nil
}
