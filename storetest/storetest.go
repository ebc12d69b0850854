// Package storetest holds the behaviour every Ledger and
// IdempotencyRegistry backend must show. Backend packages run it from their
// own tests.
package storetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortressi/payflow"
)

// Clock is a manually advanced clock.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock() *Clock {
	return &Clock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func spec() payflow.TransactionSpec {
	return payflow.TransactionSpec{
		Amount:   2500,
		Currency: "EUR",
		Payer:    "acct-1",
		Payee:    "acct-2",
		Metadata: map[string]string{"order": "o-77"},
	}
}

func now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

func newTxn(t *testing.T, l payflow.Ledger, key string) *payflow.Transaction {
	t.Helper()
	txn := payflow.NewTransaction("", key, spec(), now())
	require.NoError(t, l.Create(context.Background(), txn))
	return txn
}

func record(txn *payflow.Transaction, step payflow.StepName, attempt int, outcome payflow.Outcome) payflow.StepRecord {
	rec := payflow.StepRecord{
		TransactionID: txn.ID,
		Step:          step,
		Kind:          payflow.KindForward,
		Attempt:       attempt,
		OperationKey:  payflow.OperationKey(txn.ID, step, attempt),
		Outcome:       outcome,
		StartedAt:     now(),
	}
	if outcome.Final() {
		rec.CompletedAt = now()
	}
	if outcome == payflow.OutcomeSucceeded {
		rec.Result = []byte(`{"approved":true,"reference":"ref-1"}`)
	}
	return rec
}

// TestLedger runs the ledger contract against fresh ledgers from open.
func TestLedger(t *testing.T, open func(t *testing.T) payflow.Ledger) {
	ctx := context.Background()

	t.Run("create and load round trip", func(t *testing.T) {
		l := open(t)
		txn := newTxn(t, l, "k-roundtrip")
		_, err := l.AppendStep(ctx, record(txn, payflow.StepAuthorize, 1, payflow.OutcomePending))
		require.NoError(t, err)

		got, err := l.Load(ctx, txn.ID)
		require.NoError(t, err)
		assert.Equal(t, txn.ID, got.ID)
		assert.Equal(t, "k-roundtrip", got.IdempotencyKey)
		assert.Equal(t, payflow.StateCreated, got.State)
		assert.Equal(t, txn.Spec(), got.Spec())
		assert.True(t, txn.CreatedAt.Equal(got.CreatedAt))
		require.Len(t, got.Steps, 1)
		assert.Equal(t, payflow.OutcomePending, got.Steps[0].Outcome)
		assert.EqualValues(t, 1, got.Steps[0].Seq)
	})

	t.Run("duplicate create", func(t *testing.T) {
		l := open(t)
		txn := newTxn(t, l, "k-dup")
		assert.ErrorIs(t, l.Create(ctx, txn), payflow.ErrTransactionExists)
	})

	t.Run("load missing", func(t *testing.T) {
		l := open(t)
		_, err := l.Load(ctx, "missing")
		assert.ErrorIs(t, err, payflow.ErrNotFound)
		_, err = l.AppendStep(ctx, payflow.StepRecord{TransactionID: "missing", Step: payflow.StepAuthorize, Attempt: 1, Outcome: payflow.OutcomePending})
		assert.ErrorIs(t, err, payflow.ErrNotFound)
	})

	t.Run("append assigns increasing sequence", func(t *testing.T) {
		l := open(t)
		txn := newTxn(t, l, "k-seq")
		var seqs []int64
		for _, rec := range []payflow.StepRecord{
			record(txn, payflow.StepAuthorize, 1, payflow.OutcomePending),
			record(txn, payflow.StepAuthorize, 1, payflow.OutcomeFailed),
			record(txn, payflow.StepAuthorize, 2, payflow.OutcomePending),
		} {
			stored, err := l.AppendStep(ctx, rec)
			require.NoError(t, err)
			seqs = append(seqs, stored.Seq)
		}
		assert.Equal(t, []int64{1, 2, 3}, seqs)

		got, err := l.Load(ctx, txn.ID)
		require.NoError(t, err)
		require.Len(t, got.Steps, 3)
		assert.Equal(t, 2, got.Steps[2].Attempt)
	})

	t.Run("append rejects records breaking the log", func(t *testing.T) {
		l := open(t)
		txn := newTxn(t, l, "k-invalid")
		_, err := l.AppendStep(ctx, record(txn, payflow.StepAuthorize, 1, payflow.OutcomePending))
		require.NoError(t, err)
		_, err = l.AppendStep(ctx, record(txn, payflow.StepAuthorize, 1, payflow.OutcomeSucceeded))
		require.NoError(t, err)

		_, err = l.AppendStep(ctx, record(txn, payflow.StepAuthorize, 2, payflow.OutcomePending))
		assert.ErrorIs(t, err, payflow.ErrIllegalTransition)

		got, err := l.Load(ctx, txn.ID)
		require.NoError(t, err)
		assert.Len(t, got.Steps, 2)
	})

	t.Run("commit is atomic with step and event", func(t *testing.T) {
		l := open(t)
		txn := newTxn(t, l, "k-commit")
		require.NoError(t, l.CommitTransition(ctx, payflow.Transition{
			TransactionID: txn.ID, From: payflow.StateCreated, To: payflow.StateAuthorizing, At: now(),
		}))
		_, err := l.AppendStep(ctx, record(txn, payflow.StepAuthorize, 1, payflow.OutcomePending))
		require.NoError(t, err)

		done := record(txn, payflow.StepAuthorize, 1, payflow.OutcomeSucceeded)
		after := txn.Clone()
		after.State = payflow.StateAuthorized
		ev := payflow.NewEvent(after, payflow.EventAuthorized, now())
		require.NoError(t, l.CommitTransition(ctx, payflow.Transition{
			TransactionID: txn.ID,
			From:          payflow.StateAuthorizing,
			To:            payflow.StateAuthorized,
			Step:          &done,
			Event:         ev,
			At:            now(),
		}))

		got, err := l.Load(ctx, txn.ID)
		require.NoError(t, err)
		assert.Equal(t, payflow.StateAuthorized, got.State)
		require.Len(t, got.Steps, 2)
		assert.Equal(t, payflow.OutcomeSucceeded, got.Steps[1].Outcome)
		assert.JSONEq(t, string(done.Result), string(got.Steps[1].Result))

		pending, err := l.PendingEvents(ctx, now().Add(time.Minute))
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, ev.ID, pending[0].ID)
		assert.Equal(t, payflow.EventAuthorized, pending[0].Type)
		assert.JSONEq(t, string(ev.Payload), string(pending[0].Payload))
	})

	t.Run("stale commit changes nothing", func(t *testing.T) {
		l := open(t)
		txn := newTxn(t, l, "k-stale")
		rec := record(txn, payflow.StepAuthorize, 1, payflow.OutcomePending)
		err := l.CommitTransition(ctx, payflow.Transition{
			TransactionID: txn.ID,
			From:          payflow.StateAuthorizing,
			To:            payflow.StateAuthorized,
			Step:          &rec,
			Event:         payflow.NewEvent(txn, payflow.EventAuthorized, now()),
		})
		assert.ErrorIs(t, err, payflow.ErrStaleTransition)

		got, err := l.Load(ctx, txn.ID)
		require.NoError(t, err)
		assert.Equal(t, payflow.StateCreated, got.State)
		assert.Empty(t, got.Steps)
		pending, err := l.PendingEvents(ctx, now().Add(time.Minute))
		require.NoError(t, err)
		assert.Empty(t, pending)
	})

	t.Run("commit with invalid step is rejected whole", func(t *testing.T) {
		l := open(t)
		txn := newTxn(t, l, "k-badstep")
		rec := record(txn, payflow.StepAuthorize, 1, payflow.OutcomeSucceeded)
		_, err := l.AppendStep(ctx, record(txn, payflow.StepAuthorize, 1, payflow.OutcomePending))
		require.NoError(t, err)
		_, err = l.AppendStep(ctx, rec)
		require.NoError(t, err)

		again := record(txn, payflow.StepAuthorize, 1, payflow.OutcomeSucceeded)
		err = l.CommitTransition(ctx, payflow.Transition{
			TransactionID: txn.ID, From: payflow.StateCreated, To: payflow.StateAuthorizing, Step: &again,
		})
		assert.ErrorIs(t, err, payflow.ErrIllegalTransition)

		got, err := l.Load(ctx, txn.ID)
		require.NoError(t, err)
		assert.Equal(t, payflow.StateCreated, got.State)
		assert.Len(t, got.Steps, 2)
	})

	t.Run("terminal transactions reject appends", func(t *testing.T) {
		l := open(t)
		txn := newTxn(t, l, "k-terminal")
		require.NoError(t, l.CommitTransition(ctx, payflow.Transition{
			TransactionID: txn.ID,
			From:          payflow.StateCreated,
			To:            payflow.StateCancelled,
			Failure:       &payflow.Failure{Code: payflow.CodeCancelled, Class: payflow.ClassTerminalBusiness},
		}))
		_, err := l.AppendStep(ctx, record(txn, payflow.StepAuthorize, 1, payflow.OutcomePending))
		assert.ErrorIs(t, err, payflow.ErrIllegalTransition)

		got, err := l.Load(ctx, txn.ID)
		require.NoError(t, err)
		require.NotNil(t, got.Failure)
		assert.Equal(t, payflow.CodeCancelled, got.Failure.Code)
	})

	t.Run("list non terminal", func(t *testing.T) {
		l := open(t)
		a := newTxn(t, l, "k-a")
		b := newTxn(t, l, "k-b")
		c := newTxn(t, l, "k-c")
		require.NoError(t, l.CommitTransition(ctx, payflow.Transition{TransactionID: b.ID, From: payflow.StateCreated, To: payflow.StateAuthorizing}))
		require.NoError(t, l.CommitTransition(ctx, payflow.Transition{TransactionID: c.ID, From: payflow.StateCreated, To: payflow.StateCancelled}))

		txns, err := l.ListNonTerminal(ctx)
		require.NoError(t, err)
		var ids []string
		for _, txn := range txns {
			ids = append(ids, txn.ID)
		}
		assert.ElementsMatch(t, []string{a.ID, b.ID}, ids)
	})

	t.Run("outbox", func(t *testing.T) {
		l := open(t)
		txn := newTxn(t, l, "k-outbox")
		base := now()
		first := payflow.NewEvent(txn, payflow.EventCancelled, base)
		require.NoError(t, l.CommitTransition(ctx, payflow.Transition{
			TransactionID: txn.ID, From: payflow.StateCreated, To: payflow.StateCancelled, Event: first,
		}))

		pending, err := l.PendingEvents(ctx, base)
		require.NoError(t, err)
		assert.Empty(t, pending, "events emitted at the cutoff are not yet due")

		pending, err = l.PendingEvents(ctx, base.Add(time.Second))
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.True(t, base.Equal(pending[0].EmittedAt))
		assert.Nil(t, pending[0].PublishedAt)

		require.NoError(t, l.MarkPublished(ctx, first.ID, base.Add(time.Second)))
		require.NoError(t, l.MarkPublished(ctx, first.ID, base.Add(2*time.Second)), "marking twice is harmless")
		pending, err = l.PendingEvents(ctx, base.Add(time.Minute))
		require.NoError(t, err)
		assert.Empty(t, pending)

		assert.ErrorIs(t, l.MarkPublished(ctx, "missing", base), payflow.ErrNotFound)
	})

	t.Run("duplicate event ids keep the first event", func(t *testing.T) {
		l := open(t)
		txn := newTxn(t, l, "k-event-dup")
		require.NoError(t, l.CommitTransition(ctx, payflow.Transition{TransactionID: txn.ID, From: payflow.StateCreated, To: payflow.StateAuthorizing}))
		require.NoError(t, l.CommitTransition(ctx, payflow.Transition{TransactionID: txn.ID, From: payflow.StateAuthorizing, To: payflow.StateFailing}))
		require.NoError(t, l.CommitTransition(ctx, payflow.Transition{TransactionID: txn.ID, From: payflow.StateFailing, To: payflow.StateCompensating}))

		base := now()
		require.NoError(t, l.CommitTransition(ctx, payflow.Transition{
			TransactionID: txn.ID, From: payflow.StateCompensating, To: payflow.StateFailedTerminal,
			Event: payflow.NewEvent(txn, payflow.EventFailedTerminal, base),
		}))
		require.NoError(t, l.CommitTransition(ctx, payflow.Transition{TransactionID: txn.ID, From: payflow.StateFailedTerminal, To: payflow.StateCompensating}))
		require.NoError(t, l.CommitTransition(ctx, payflow.Transition{
			TransactionID: txn.ID, From: payflow.StateCompensating, To: payflow.StateFailedTerminal,
			Event: payflow.NewEvent(txn, payflow.EventFailedTerminal, base.Add(time.Second)),
		}))

		pending, err := l.PendingEvents(ctx, base.Add(time.Minute))
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.True(t, base.Equal(pending[0].EmittedAt))
	})

	t.Run("concurrent commits from one state have one winner", func(t *testing.T) {
		l := open(t)
		txn := newTxn(t, l, "k-race")
		const writers = 8
		errs := make([]error, writers)
		var wg sync.WaitGroup
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs[i] = l.CommitTransition(ctx, payflow.Transition{TransactionID: txn.ID, From: payflow.StateCreated, To: payflow.StateAuthorizing})
			}(i)
		}
		wg.Wait()

		won := 0
		for _, err := range errs {
			if err == nil {
				won++
				continue
			}
			assert.ErrorIs(t, err, payflow.ErrStaleTransition)
		}
		assert.Equal(t, 1, won)
	})
}

// TestRegistry runs the idempotency registry contract against fresh
// registries from open. open must honour opts.
func TestRegistry(t *testing.T, open func(t *testing.T, opts payflow.RegistryOptions) payflow.IdempotencyRegistry) {
	ctx := context.Background()
	const retention = time.Hour

	t.Run("reserve once", func(t *testing.T) {
		r := open(t, payflow.RegistryOptions{Retention: retention})
		first, err := r.Reserve(ctx, "key-1", spec())
		require.NoError(t, err)
		assert.True(t, first.IsNew)
		assert.NotEmpty(t, first.TransactionID)

		other := spec()
		other.Amount = 1
		second, err := r.Reserve(ctx, "key-1", other)
		require.NoError(t, err)
		assert.False(t, second.IsNew)
		assert.Equal(t, first.TransactionID, second.TransactionID)
		assert.Equal(t, spec().Fingerprint(), second.Fingerprint)
		assert.NotEqual(t, other.Fingerprint(), second.Fingerprint)
		// The loser learns the payment the key was reserved for.
		require.NotNil(t, second.Spec)
		assert.Equal(t, spec(), *second.Spec)

		id, ok, err := r.Lookup(ctx, "key-1")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, first.TransactionID, id)

		_, ok, err = r.Lookup(ctx, "key-unknown")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("empty key", func(t *testing.T) {
		r := open(t, payflow.RegistryOptions{Retention: retention})
		_, err := r.Reserve(ctx, "", spec())
		assert.Error(t, err)
	})

	t.Run("concurrent reserve has one winner", func(t *testing.T) {
		r := open(t, payflow.RegistryOptions{Retention: retention})
		const callers = 16
		results := make([]payflow.Reservation, callers)
		var wg sync.WaitGroup
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				res, err := r.Reserve(ctx, "key-race", spec())
				assert.NoError(t, err)
				results[i] = res
			}(i)
		}
		wg.Wait()

		winners := 0
		for _, res := range results {
			assert.Equal(t, results[0].TransactionID, res.TransactionID)
			if res.IsNew {
				winners++
			}
		}
		assert.Equal(t, 1, winners)
	})

	t.Run("committed entries expire after retention", func(t *testing.T) {
		clock := NewClock()
		r := open(t, payflow.RegistryOptions{Retention: retention, Now: clock.Now})
		first, err := r.Reserve(ctx, "key-exp", spec())
		require.NoError(t, err)
		require.NoError(t, r.Commit(ctx, "key-exp", first.TransactionID))

		clock.Advance(retention - time.Second)
		id, ok, err := r.Lookup(ctx, "key-exp")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, first.TransactionID, id)

		clock.Advance(time.Second)
		_, ok, err = r.Lookup(ctx, "key-exp")
		require.NoError(t, err)
		assert.False(t, ok)

		again, err := r.Reserve(ctx, "key-exp", spec())
		require.NoError(t, err)
		assert.True(t, again.IsNew)
		assert.NotEqual(t, first.TransactionID, again.TransactionID)
	})

	t.Run("expired entry is replaced on reserve", func(t *testing.T) {
		clock := NewClock()
		r := open(t, payflow.RegistryOptions{Retention: retention, Now: clock.Now})
		first, err := r.Reserve(ctx, "key-replace", spec())
		require.NoError(t, err)
		require.NoError(t, r.Commit(ctx, "key-replace", first.TransactionID))
		clock.Advance(2 * retention)

		again, err := r.Reserve(ctx, "key-replace", spec())
		require.NoError(t, err)
		assert.True(t, again.IsNew)
		assert.NotEqual(t, first.TransactionID, again.TransactionID)
	})

	t.Run("reserved entries do not expire", func(t *testing.T) {
		clock := NewClock()
		r := open(t, payflow.RegistryOptions{Retention: retention, Now: clock.Now})
		first, err := r.Reserve(ctx, "key-inflight", spec())
		require.NoError(t, err)
		clock.Advance(10 * retention)

		id, ok, err := r.Lookup(ctx, "key-inflight")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, first.TransactionID, id)
	})

	t.Run("commit", func(t *testing.T) {
		r := open(t, payflow.RegistryOptions{Retention: retention})
		res, err := r.Reserve(ctx, "key-commit", spec())
		require.NoError(t, err)

		assert.ErrorIs(t, r.Commit(ctx, "key-none", res.TransactionID), payflow.ErrNotFound)
		assert.ErrorIs(t, r.Commit(ctx, "key-commit", "someone-else"), payflow.ErrStaleTransition)
		require.NoError(t, r.Commit(ctx, "key-commit", res.TransactionID))
		require.NoError(t, r.Commit(ctx, "key-commit", res.TransactionID))
	})

	t.Run("sweep", func(t *testing.T) {
		clock := NewClock()
		r := open(t, payflow.RegistryOptions{Retention: retention, Now: clock.Now})
		for _, key := range []string{"a", "b"} {
			res, err := r.Reserve(ctx, key, spec())
			require.NoError(t, err)
			require.NoError(t, r.Commit(ctx, key, res.TransactionID))
		}
		_, err := r.Reserve(ctx, "c", spec())
		require.NoError(t, err)

		clock.Advance(retention)
		removed, err := r.Sweep(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, removed)

		_, ok, err := r.Lookup(ctx, "c")
		require.NoError(t, err)
		assert.True(t, ok)

		removed, err = r.Sweep(ctx)
		require.NoError(t, err)
		assert.Zero(t, removed)
	})
}
