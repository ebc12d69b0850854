package payflow

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// scriptedGateway answers each call with the configured function. A nil
// function approves.
type scriptedGateway struct {
	authorize func(ctx context.Context, n int) (AuthorizeResult, error)
	capture   func(ctx context.Context, n int) (CaptureResult, error)
	void      func(ctx context.Context, n int) (VoidResult, error)

	authorizeCalls atomic.Int32
	captureCalls   atomic.Int32
	voidCalls      atomic.Int32

	mu   sync.Mutex
	keys []string
}

func (g *scriptedGateway) record(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.keys = append(g.keys, key)
}

func (g *scriptedGateway) operationKeys() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.keys...)
}

func (g *scriptedGateway) Authorize(ctx context.Context, key string, amount int64, currency, payer string) (AuthorizeResult, error) {
	n := int(g.authorizeCalls.Add(1))
	g.record(key)
	if g.authorize != nil {
		return g.authorize(ctx, n)
	}
	return AuthorizeResult{Approved: true, Reference: "auth-" + key[:8]}, nil
}

func (g *scriptedGateway) Capture(ctx context.Context, key, reference string, amount int64, payee string) (CaptureResult, error) {
	n := int(g.captureCalls.Add(1))
	g.record(key)
	if g.capture != nil {
		return g.capture(ctx, n)
	}
	return CaptureResult{Settled: true, Reference: reference}, nil
}

func (g *scriptedGateway) Void(ctx context.Context, key, reference string) (VoidResult, error) {
	n := int(g.voidCalls.Add(1))
	g.record(key)
	if g.void != nil {
		return g.void(ctx, n)
	}
	return VoidResult{Voided: true}, nil
}

type recordingReporter struct {
	mu      sync.Mutex
	reports []Report
}

func (r *recordingReporter) Report(_ context.Context, rep Report) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, rep)
	return nil
}

func (r *recordingReporter) all() []Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Report(nil), r.reports...)
}

// fastPolicy keeps retry tests quick.
func fastPolicy(attempts int) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: attempts,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
		Multiplier:  2,
		Timeout:     time.Second,
	}
}

func testSpec() TransactionSpec {
	return TransactionSpec{Amount: 100, Currency: "USD", Payer: "acct-payer", Payee: "acct-payee"}
}

type testEngine struct {
	*Engine
	ledger   *MemoryLedger
	registry *MemoryRegistry
	bus      *MemoryBus
	reporter *recordingReporter
}

func newTestEngine(t *testing.T, gw Gateway, mutate func(o *Options)) *testEngine {
	t.Helper()
	registry, err := NewMemoryRegistry(RegistryOptions{Retention: time.Hour})
	require.NoError(t, err)
	te := &testEngine{
		ledger:   NewMemoryLedger(),
		registry: registry,
		bus:      NewMemoryBus(zerolog.Nop()),
		reporter: &recordingReporter{},
	}
	opts := Options{
		Ledger:             te.ledger,
		Registry:           te.registry,
		Bus:                te.bus,
		Steps:              NewStepRegistry().MustRegister(GatewaySteps(gw)...),
		StepPolicy:         fastPolicy(3),
		CompensationPolicy: fastPolicy(3),
		StoragePolicy:      fastPolicy(2),
		Reporter:           te.reporter,
		Logger:             zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	te.Engine, err = NewEngine(opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = te.Close(ctx)
	})
	return te
}

func waitTerminal(t *testing.T, e *Engine, id string) StatusView {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	view, err := e.Wait(ctx, id)
	require.NoError(t, err)
	return view
}

// outcomes lists "step:outcome" per attempt.
func outcomes(view StatusView) []string {
	out := make([]string, 0, len(view.Steps))
	for _, s := range view.Steps {
		out = append(out, string(s.Step)+":"+string(s.Outcome))
	}
	return out
}

// failingLedger fails every Load while down is set.
type failingLedger struct {
	*MemoryLedger
	down atomic.Bool
}

func (f *failingLedger) Load(ctx context.Context, id string) (*Transaction, error) {
	if f.down.Load() {
		return nil, errors.New("connection refused")
	}
	return f.MemoryLedger.Load(ctx, id)
}

// switchBus refuses every publish while down is set.
type switchBus struct {
	*MemoryBus
	down atomic.Bool
}

func (s *switchBus) Publish(ctx context.Context, ev Event) error {
	if s.down.Load() {
		return errors.New("broker unreachable")
	}
	return s.MemoryBus.Publish(ctx, ev)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
