package payflow

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngineSettlesAndReturnsOriginalOnRetry(t *testing.T) {
	gw := &scriptedGateway{}
	te := newTestEngine(t, gw, nil)
	ctx := context.Background()

	var captured atomic.Int32
	require.NoError(t, te.bus.Subscribe(EventCaptured, func(_ context.Context, ev Event) error {
		captured.Add(1)
		return nil
	}))

	adm, err := te.Start(ctx, "K1", testSpec())
	require.NoError(t, err)
	assert.False(t, adm.Existing)
	assert.Equal(t, StateCreated, adm.State)

	view := waitTerminal(t, te.Engine, adm.TransactionID)
	assert.Equal(t, StateSettled, view.State)
	assert.Nil(t, view.Failure)
	assert.Equal(t, []string{"authorize:succeeded", "capture:succeeded"}, outcomes(view))
	for _, s := range view.Steps {
		assert.Equal(t, 1, s.Attempt)
	}

	again, err := te.Start(ctx, "K1", testSpec())
	require.NoError(t, err)
	assert.True(t, again.Existing)
	assert.Equal(t, adm.TransactionID, again.TransactionID)
	assert.Equal(t, StateSettled, again.State)

	assert.EqualValues(t, 1, gw.authorizeCalls.Load())
	assert.EqualValues(t, 1, gw.captureCalls.Load())
	require.Eventually(t, func() bool { return captured.Load() == 1 }, time.Second, 5*time.Millisecond)

	id, ok, err := te.registry.Lookup(ctx, "K1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, adm.TransactionID, id)
}

func TestEngineCaptureDeclinedIsCompensated(t *testing.T) {
	gw := &scriptedGateway{
		capture: func(context.Context, int) (CaptureResult, error) {
			return CaptureResult{Settled: false, DeclineCode: CodeInsufficientFunds, Reason: "insufficient funds"}, nil
		},
	}
	te := newTestEngine(t, gw, nil)

	var compensated atomic.Int32
	require.NoError(t, te.bus.Subscribe(EventCompensated, func(_ context.Context, ev Event) error {
		compensated.Add(1)
		return nil
	}))

	adm, err := te.Start(context.Background(), "K2", testSpec())
	require.NoError(t, err)

	view := waitTerminal(t, te.Engine, adm.TransactionID)
	assert.Equal(t, StateCompensated, view.State)
	require.NotNil(t, view.Failure)
	assert.Equal(t, CodeInsufficientFunds, view.Failure.Code)
	assert.Equal(t, ClassTerminalBusiness, view.Failure.Class)
	assert.Equal(t, StepCapture, view.Failure.Step)

	assert.Equal(t, []string{"authorize:succeeded", "capture:failed", "void:succeeded"}, outcomes(view))
	assert.True(t, view.Steps[1].Terminal)
	assert.Equal(t, KindCompensation, view.Steps[2].Kind)

	assert.EqualValues(t, 1, gw.captureCalls.Load())
	assert.EqualValues(t, 1, gw.voidCalls.Load())
	require.Eventually(t, func() bool { return compensated.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, te.reporter.all())
}

func TestEngineAuthorizeTimeoutsEndFailedTerminal(t *testing.T) {
	gw := &scriptedGateway{
		authorize: func(ctx context.Context, _ int) (AuthorizeResult, error) {
			<-ctx.Done()
			return AuthorizeResult{}, ctx.Err()
		},
	}
	te := newTestEngine(t, gw, func(o *Options) {
		o.StepPolicy.MaxAttempts = 3
		o.StepPolicy.Timeout = 20 * time.Millisecond
	})

	adm, err := te.Start(context.Background(), "K3", testSpec())
	require.NoError(t, err)

	view := waitTerminal(t, te.Engine, adm.TransactionID)
	assert.Equal(t, StateFailedTerminal, view.State)
	require.NotNil(t, view.Failure)
	assert.Equal(t, CodeRetriesExhausted, view.Failure.Code)
	assert.Equal(t, ClassTerminalSystem, view.Failure.Class)

	assert.Equal(t, []string{"authorize:timed_out", "authorize:timed_out", "authorize:timed_out"}, outcomes(view))
	for i, s := range view.Steps {
		assert.Equal(t, i+1, s.Attempt)
	}
	assert.True(t, view.Steps[2].Terminal)

	assert.EqualValues(t, 3, gw.authorizeCalls.Load())
	assert.Zero(t, gw.captureCalls.Load())
	assert.Zero(t, gw.voidCalls.Load())

	require.Eventually(t, func() bool { return len(te.reporter.all()) == 1 }, time.Second, 5*time.Millisecond)
	reports := te.reporter.all()
	assert.Equal(t, adm.TransactionID, reports[0].TransactionID)
	require.Len(t, reports[0].Unresolved, 1)
	assert.Equal(t, StepAuthorize, reports[0].Unresolved[0].Step)
}

func TestEngineAuthorizeDeclinedNeedsNoInverse(t *testing.T) {
	gw := &scriptedGateway{
		authorize: func(context.Context, int) (AuthorizeResult, error) {
			return AuthorizeResult{Approved: false, Reason: "do not honor"}, nil
		},
	}
	te := newTestEngine(t, gw, nil)

	adm, err := te.Start(context.Background(), "declined", testSpec())
	require.NoError(t, err)

	view := waitTerminal(t, te.Engine, adm.TransactionID)
	assert.Equal(t, StateCompensated, view.State)
	assert.Equal(t, CodeDeclined, view.Failure.Code)
	assert.Equal(t, []string{"authorize:failed"}, outcomes(view))
	assert.EqualValues(t, 1, gw.authorizeCalls.Load())
	assert.Zero(t, gw.voidCalls.Load())
}

func TestEngineRetriesTransientFailures(t *testing.T) {
	gw := &scriptedGateway{
		authorize: func(_ context.Context, n int) (AuthorizeResult, error) {
			if n < 3 {
				return AuthorizeResult{}, Retryable(errors.New("connection reset"))
			}
			return AuthorizeResult{Approved: true, Reference: "auth-1"}, nil
		},
	}
	te := newTestEngine(t, gw, nil)

	adm, err := te.Start(context.Background(), "flaky", testSpec())
	require.NoError(t, err)

	view := waitTerminal(t, te.Engine, adm.TransactionID)
	assert.Equal(t, StateSettled, view.State)
	assert.Equal(t, []string{"authorize:failed", "authorize:failed", "authorize:succeeded", "capture:succeeded"}, outcomes(view))

	keys := gw.operationKeys()
	require.Len(t, keys, 4)
	assert.Equal(t, OperationKey(adm.TransactionID, StepAuthorize, 1), keys[0])
	assert.Equal(t, OperationKey(adm.TransactionID, StepAuthorize, 3), keys[2])
	assert.NotEqual(t, keys[0], keys[1])
}

func TestEngineConcurrentStartsShareOneTransaction(t *testing.T) {
	gw := &scriptedGateway{}
	te := newTestEngine(t, gw, nil)

	const callers = 16
	ids := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			adm, err := te.Start(context.Background(), "shared", testSpec())
			assert.NoError(t, err)
			ids[i] = adm.TransactionID
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	view := waitTerminal(t, te.Engine, ids[0])
	assert.Equal(t, StateSettled, view.State)
	assert.EqualValues(t, 1, gw.authorizeCalls.Load())
	assert.EqualValues(t, 1, gw.captureCalls.Load())
}

func TestEngineReusedKeyRunsWinnersPayment(t *testing.T) {
	gw := &scriptedGateway{}
	te := newTestEngine(t, gw, nil)
	ctx := context.Background()

	// The winner reserved the key and has not stored its transaction yet.
	res, err := te.registry.Reserve(ctx, "order-7", testSpec())
	require.NoError(t, err)
	require.True(t, res.IsNew)

	other := testSpec()
	other.Amount = 999999
	adm, err := te.Start(ctx, "order-7", other)
	require.NoError(t, err)
	assert.True(t, adm.Existing)
	assert.Equal(t, res.TransactionID, adm.TransactionID)

	view := waitTerminal(t, te.Engine, adm.TransactionID)
	assert.Equal(t, StateSettled, view.State)
	txn, err := te.ledger.Load(ctx, adm.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, testSpec().Amount, txn.Amount)

	// The winner's own create finds the stored transaction and runs nothing new.
	again, err := te.Start(ctx, "order-7", testSpec())
	require.NoError(t, err)
	assert.Equal(t, adm.TransactionID, again.TransactionID)
	assert.EqualValues(t, 1, gw.authorizeCalls.Load())
}

func TestEngineReusedKeyWithoutRecordedPayment(t *testing.T) {
	gw := &scriptedGateway{}
	te := newTestEngine(t, gw, nil)
	ctx := context.Background()
	te.registry.entries.Store("order-8", IdempotencyEntry{
		Key:           "order-8",
		TransactionID: "txn-8",
		State:         EntryReserved,
		Fingerprint:   testSpec().Fingerprint(),
		CreatedAt:     time.Now(),
	})

	other := testSpec()
	other.Payee = "acct-elsewhere"
	adm, err := te.Start(ctx, "order-8", other)
	require.NoError(t, err)
	assert.Equal(t, Admission{TransactionID: "txn-8", State: StateCreated, Existing: true}, adm)
	_, err = te.ledger.Load(ctx, "txn-8")
	assert.ErrorIs(t, err, ErrNotFound)

	// A request for the same payment may complete the admission.
	adm, err = te.Start(ctx, "order-8", testSpec())
	require.NoError(t, err)
	view := waitTerminal(t, te.Engine, adm.TransactionID)
	assert.Equal(t, StateSettled, view.State)
	txn, err := te.ledger.Load(ctx, "txn-8")
	require.NoError(t, err)
	assert.Equal(t, testSpec().Payee, txn.Payee)
}

func TestEngineReplayCommitsTerminalKey(t *testing.T) {
	gw := &scriptedGateway{}
	te := newTestEngine(t, gw, nil)
	ctx := context.Background()

	// The process stopped after the final transition and before the key
	// was committed.
	res, err := te.registry.Reserve(ctx, "order-9", testSpec())
	require.NoError(t, err)
	txn := NewTransaction(res.TransactionID, "order-9", testSpec(), time.Now())
	txn.State = StateSettled
	require.NoError(t, te.ledger.Create(ctx, txn))

	n, err := te.Recover(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	adm, err := te.Start(ctx, "order-9", testSpec())
	require.NoError(t, err)
	assert.True(t, adm.Existing)
	assert.Equal(t, StateSettled, adm.State)

	entry, ok := te.registry.entries.Load("order-9")
	require.True(t, ok)
	assert.Equal(t, EntryCommitted, entry.State)
	assert.False(t, entry.ExpiresAt.IsZero())
	assert.Zero(t, gw.authorizeCalls.Load())
}

func TestEngineRedriveAfterFailedVoid(t *testing.T) {
	var fixed atomic.Bool
	gw := &scriptedGateway{
		capture: func(context.Context, int) (CaptureResult, error) {
			return CaptureResult{Settled: false, Reason: "payee account closed"}, nil
		},
		void: func(context.Context, int) (VoidResult, error) {
			if !fixed.Load() {
				return VoidResult{Voided: false, Reason: "authorization locked"}, nil
			}
			return VoidResult{Voided: true}, nil
		},
	}
	te := newTestEngine(t, gw, nil)
	ctx := context.Background()

	adm, err := te.Start(ctx, "redrive", testSpec())
	require.NoError(t, err)

	view := waitTerminal(t, te.Engine, adm.TransactionID)
	assert.Equal(t, StateFailedTerminal, view.State)
	assert.Equal(t, []string{"authorize:succeeded", "capture:failed", "void:failed"}, outcomes(view))

	require.Eventually(t, func() bool { return len(te.reporter.all()) == 1 }, time.Second, 5*time.Millisecond)
	reports := te.reporter.all()
	assert.Len(t, reports[0].Unresolved, 2)

	fixed.Store(true)
	require.NoError(t, te.Signal(ctx, adm.TransactionID, SignalRedrive))

	view = waitTerminal(t, te.Engine, adm.TransactionID)
	assert.Equal(t, StateCompensated, view.State)
	assert.True(t, view.Failure.Redriven)
	assert.Equal(t, []string{"authorize:succeeded", "capture:failed", "void:failed", "void:succeeded"}, outcomes(view))
	assert.Equal(t, 2, view.Steps[3].Attempt)
}

func TestEngineCancelBeforeAnyEffect(t *testing.T) {
	gw := &scriptedGateway{}
	te := newTestEngine(t, gw, nil)
	ctx := context.Background()

	// Stored but not yet admitted, as after a crash right after Create.
	txn := NewTransaction("", "cancel-me", testSpec(), time.Now())
	require.NoError(t, te.ledger.Create(ctx, txn))

	require.NoError(t, te.Cancel(ctx, txn.ID))
	view := waitTerminal(t, te.Engine, txn.ID)
	assert.Equal(t, StateCancelled, view.State)
	assert.Equal(t, CodeCancelled, view.Failure.Code)
	assert.Empty(t, view.Steps)
	assert.Zero(t, gw.authorizeCalls.Load())

	require.NoError(t, te.Cancel(ctx, txn.ID), "cancel is idempotent")
}

func TestEngineCancelAfterEffectCompensates(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	gw := &scriptedGateway{
		authorize: func(ctx context.Context, _ int) (AuthorizeResult, error) {
			entered <- struct{}{}
			select {
			case <-release:
			case <-ctx.Done():
				return AuthorizeResult{}, ctx.Err()
			}
			return AuthorizeResult{Approved: true, Reference: "auth-9"}, nil
		},
	}
	te := newTestEngine(t, gw, nil)
	ctx := context.Background()

	adm, err := te.Start(ctx, "late-cancel", testSpec())
	require.NoError(t, err)

	<-entered
	require.NoError(t, te.Cancel(ctx, adm.TransactionID))
	close(release)

	view := waitTerminal(t, te.Engine, adm.TransactionID)
	assert.Equal(t, StateCompensated, view.State)
	assert.Equal(t, CodeCancelled, view.Failure.Code)
	assert.Equal(t, []string{"authorize:succeeded", "void:succeeded"}, outcomes(view))
	assert.Zero(t, gw.captureCalls.Load())
}

func TestEngineRejectsSignalsOnSettled(t *testing.T) {
	te := newTestEngine(t, &scriptedGateway{}, nil)
	ctx := context.Background()

	adm, err := te.Start(ctx, "done", testSpec())
	require.NoError(t, err)
	waitTerminal(t, te.Engine, adm.TransactionID)

	assert.ErrorIs(t, te.Cancel(ctx, adm.TransactionID), ErrIllegalTransition)
	assert.ErrorIs(t, te.Signal(ctx, adm.TransactionID, SignalRedrive), ErrIllegalTransition)
	assert.Error(t, te.Signal(ctx, adm.TransactionID, Signal("refund")))
	assert.ErrorIs(t, te.Cancel(ctx, "missing"), ErrNotFound)
}

func TestEngineRecoverAbandonsPendingAttempt(t *testing.T) {
	ctx := context.Background()
	ledger := NewMemoryLedger()
	txn := NewTransaction("", "crashed", testSpec(), time.Now())
	require.NoError(t, ledger.Create(ctx, txn))
	require.NoError(t, ledger.CommitTransition(ctx, Transition{TransactionID: txn.ID, From: StateCreated, To: StateAuthorizing}))
	_, err := ledger.AppendStep(ctx, StepRecord{
		TransactionID: txn.ID,
		Step:          StepAuthorize,
		Kind:          KindForward,
		Attempt:       1,
		OperationKey:  OperationKey(txn.ID, StepAuthorize, 1),
		Outcome:       OutcomePending,
		StartedAt:     time.Now(),
	})
	require.NoError(t, err)

	gw := &scriptedGateway{}
	te := newTestEngine(t, gw, func(o *Options) { o.Ledger = ledger })

	n, err := te.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	view := waitTerminal(t, te.Engine, txn.ID)
	assert.Equal(t, StateSettled, view.State)
	assert.Equal(t, []string{"authorize:pending", "authorize:succeeded", "capture:succeeded"}, outcomes(view))
	assert.Equal(t, 2, view.Steps[1].Attempt)
	assert.Equal(t, OperationKey(txn.ID, StepAuthorize, 2), gw.operationKeys()[0])
}

func TestEngineRecoverRepublishesOutbox(t *testing.T) {
	bus := &switchBus{MemoryBus: NewMemoryBus(zerolog.Nop())}
	bus.down.Store(true)
	te := newTestEngine(t, &scriptedGateway{}, func(o *Options) { o.Bus = bus })
	ctx := context.Background()

	var seen atomic.Int32
	dedup := NewDedup()
	for _, typ := range []EventType{EventAuthorized, EventCaptured} {
		require.NoError(t, bus.Subscribe(typ, dedup.Wrap(func(context.Context, Event) error {
			seen.Add(1)
			return nil
		})))
	}

	adm, err := te.Start(ctx, "outbox", testSpec())
	require.NoError(t, err)
	waitTerminal(t, te.Engine, adm.TransactionID)

	pending, err := te.ledger.PendingEvents(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, EventID(adm.TransactionID, EventAuthorized), pending[0].ID)
	assert.Zero(t, seen.Load())

	bus.down.Store(false)
	n, err := te.Recover(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.EqualValues(t, 2, seen.Load())

	pending, err = te.ledger.PendingEvents(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestEngineHidesStorageErrors(t *testing.T) {
	ledger := &failingLedger{MemoryLedger: NewMemoryLedger()}
	te := newTestEngine(t, &scriptedGateway{}, func(o *Options) { o.Ledger = ledger })
	ctx := context.Background()

	adm, err := te.Start(ctx, "outage", testSpec())
	require.NoError(t, err)
	waitTerminal(t, te.Engine, adm.TransactionID)

	ledger.down.Store(true)
	_, err = te.Status(ctx, adm.TransactionID)
	require.ErrorIs(t, err, ErrUnavailable)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestEngineStartValidation(t *testing.T) {
	te := newTestEngine(t, &scriptedGateway{}, nil)
	ctx := context.Background()

	tests := []struct {
		name string
		spec TransactionSpec
		code ErrorCode
	}{
		{"zero amount", TransactionSpec{Amount: 0, Currency: "USD", Payer: "a", Payee: "b"}, CodeInvalidAmount},
		{"lower case currency", TransactionSpec{Amount: 1, Currency: "usd", Payer: "a", Payee: "b"}, CodeInvalidCurrency},
		{"missing payee", TransactionSpec{Amount: 1, Currency: "USD", Payer: "a"}, CodeValidation},
		{"same account", TransactionSpec{Amount: 1, Currency: "USD", Payer: "a", Payee: "a"}, CodeSameAccount},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := te.Start(ctx, "invalid-"+tt.name, tt.spec)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.code, verr.Code)
		})
	}

	_, err := te.Start(ctx, "", testSpec())
	assert.Error(t, err)
}

func TestNewEngineRequiresCompensationBudget(t *testing.T) {
	registry, err := NewMemoryRegistry(RegistryOptions{Retention: time.Hour})
	require.NoError(t, err)
	_, err = NewEngine(Options{
		Ledger:   NewMemoryLedger(),
		Registry: registry,
		Bus:      NewMemoryBus(zerolog.Nop()),
		Steps:    NewStepRegistry().MustRegister(GatewaySteps(&scriptedGateway{})...),
	})
	assert.ErrorContains(t, err, "compensation retry budget")
}

func TestEngineClosedRejectsWork(t *testing.T) {
	te := newTestEngine(t, &scriptedGateway{}, nil)
	require.NoError(t, te.Close(context.Background()))

	_, err := te.Start(context.Background(), "late", testSpec())
	assert.ErrorIs(t, err, ErrEngineClosed)
}
