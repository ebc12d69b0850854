// Package sandbox is an in-process payment gateway backed by account
// balances and authorization holds. It is used for local runs of the engine
// and for end to end tests, and can inject latency and faults per
// operation.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"

	"github.com/fortressi/payflow"
)

// Operation names a gateway call.
type Operation string

const (
	OpAuthorize Operation = "authorize"
	OpCapture   Operation = "capture"
	OpVoid      Operation = "void"
)

// ErrUnavailable is the default injected fault. It is retryable.
var ErrUnavailable = payflow.Retryable(errors.New("sandbox: gateway unavailable"))

// Account is a funded account. Held is the part of Balance reserved by
// open authorizations.
type Account struct {
	ID       string `json:"id" mapstructure:"id"`
	Currency string `json:"currency" mapstructure:"currency"`
	Balance  int64  `json:"balance" mapstructure:"balance"`
	Held     int64  `json:"held" mapstructure:"held"`
}

// Available is the balance that can still be authorized.
func (a Account) Available() int64 {
	return a.Balance - a.Held
}

type holdState string

const (
	holdOpen     holdState = "open"
	holdCaptured holdState = "captured"
	holdVoided   holdState = "voided"
)

type hold struct {
	reference string
	payer     string
	amount    int64
	currency  string
	state     holdState
}

type fault struct {
	remaining int
	err       error
	// applied faults perform the operation and then fail, leaving the
	// caller without an answer.
	applied bool
}

// Options configures a Gateway.
type Options struct {
	// Latency is added to every call.
	Latency time.Duration
	Logger  zerolog.Logger
}

// Gateway is a sandbox payflow.Gateway.
type Gateway struct {
	mu       sync.Mutex
	accounts map[string]*Account
	holds    map[string]*hold
	faults   map[Operation]*fault
	delays   map[Operation]time.Duration

	// replies by operation key
	replies *xsync.MapOf[string, any]
	calls   *xsync.MapOf[Operation, int]

	latency time.Duration
	logger  zerolog.Logger
}

var _ payflow.Gateway = (*Gateway)(nil)

// New creates a gateway with the given accounts.
func New(opts Options, accounts ...Account) *Gateway {
	g := &Gateway{
		accounts: make(map[string]*Account),
		holds:    make(map[string]*hold),
		faults:   make(map[Operation]*fault),
		delays:   make(map[Operation]time.Duration),
		replies:  xsync.NewMapOf[string, any](),
		calls:    xsync.NewMapOf[Operation, int](),
		latency:  opts.Latency,
		logger:   opts.Logger,
	}
	for _, a := range accounts {
		g.OpenAccount(a)
	}
	return g
}

// OpenAccount adds or replaces an account.
func (g *Gateway) OpenAccount(a Account) {
	g.mu.Lock()
	defer g.mu.Unlock()
	a.Held = 0
	g.accounts[a.ID] = &a
}

// Account returns a copy of an account.
func (g *Gateway) Account(id string) (Account, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	a, ok := g.accounts[id]
	if !ok {
		return Account{}, false
	}
	return *a, true
}

// Fail makes the next n calls of op return err without any effect. A nil
// err injects ErrUnavailable.
func (g *Gateway) Fail(op Operation, n int, err error) {
	g.setFault(op, &fault{remaining: n, err: err})
}

// FailAfterEffect makes the next n calls of op take effect and then return
// err, as a gateway whose answer is lost in transit.
func (g *Gateway) FailAfterEffect(op Operation, n int, err error) {
	g.setFault(op, &fault{remaining: n, err: err, applied: true})
}

func (g *Gateway) setFault(op Operation, f *fault) {
	if f.err == nil {
		f.err = ErrUnavailable
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.faults[op] = f
}

// Delay adds d to every call of op, on top of the gateway latency.
func (g *Gateway) Delay(op Operation, d time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.delays[op] = d
}

// Calls returns how many times op was invoked, replays included.
func (g *Gateway) Calls(op Operation) int {
	n, _ := g.calls.Load(op)
	return n
}

// Reset clears injected faults and delays.
func (g *Gateway) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.faults = make(map[Operation]*fault)
	g.delays = make(map[Operation]time.Duration)
}

// begin counts the call, waits out the configured latency and returns the
// injected fault, if any.
func (g *Gateway) begin(ctx context.Context, op Operation) (*fault, error) {
	g.calls.Compute(op, func(n int, _ bool) (int, bool) { return n + 1, false })

	g.mu.Lock()
	d := g.latency + g.delays[op]
	var f *fault
	if cur, ok := g.faults[op]; ok && cur.remaining > 0 {
		cur.remaining--
		f = &fault{err: cur.err, applied: cur.applied}
	}
	g.mu.Unlock()

	if d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	if f != nil && !f.applied {
		g.logger.Debug().Str("op", string(op)).Err(f.err).Msg("injected fault")
		return nil, f.err
	}
	return f, nil
}

// replay returns the stored reply of an operation key.
func replay[R any](g *Gateway, key string) (R, bool) {
	var zero R
	v, ok := g.replies.Load(key)
	if !ok {
		return zero, false
	}
	r, ok := v.(R)
	return r, ok
}

func (g *Gateway) Authorize(ctx context.Context, operationKey string, amount int64, currency, payer string) (payflow.AuthorizeResult, error) {
	f, err := g.begin(ctx, OpAuthorize)
	if err != nil {
		return payflow.AuthorizeResult{}, err
	}
	if r, ok := replay[payflow.AuthorizeResult](g, operationKey); ok {
		return r, nil
	}

	g.mu.Lock()
	res := g.authorize(amount, currency, payer)
	g.mu.Unlock()
	g.replies.Store(operationKey, res)

	g.logger.Debug().Str("key", operationKey).Str("payer", payer).Int64("amount", amount).Bool("approved", res.Approved).Msg("authorize")
	if f != nil {
		return payflow.AuthorizeResult{}, f.err
	}
	return res, nil
}

func (g *Gateway) authorize(amount int64, currency, payer string) payflow.AuthorizeResult {
	acct, ok := g.accounts[payer]
	switch {
	case !ok:
		return payflow.AuthorizeResult{DeclineCode: payflow.CodeAccountNotFound, Reason: fmt.Sprintf("payer account not found: %s", payer)}
	case acct.Currency != currency:
		return payflow.AuthorizeResult{DeclineCode: payflow.CodeInvalidCurrency, Reason: fmt.Sprintf("account %s holds %s, not %s", payer, acct.Currency, currency)}
	case acct.Available() < amount:
		return payflow.AuthorizeResult{
			DeclineCode: payflow.CodeInsufficientFunds,
			Reason:      fmt.Sprintf("insufficient balance. Available: %d, Required: %d", acct.Available(), amount),
		}
	}
	acct.Held += amount
	ref := "auth_" + uuid.NewString()
	g.holds[ref] = &hold{reference: ref, payer: payer, amount: amount, currency: currency, state: holdOpen}
	return payflow.AuthorizeResult{Approved: true, Reference: ref}
}

func (g *Gateway) Capture(ctx context.Context, operationKey, reference string, amount int64, payee string) (payflow.CaptureResult, error) {
	f, err := g.begin(ctx, OpCapture)
	if err != nil {
		return payflow.CaptureResult{}, err
	}
	if r, ok := replay[payflow.CaptureResult](g, operationKey); ok {
		return r, nil
	}

	g.mu.Lock()
	res := g.capture(reference, amount, payee)
	g.mu.Unlock()
	g.replies.Store(operationKey, res)

	g.logger.Debug().Str("key", operationKey).Str("reference", reference).Str("payee", payee).Bool("settled", res.Settled).Msg("capture")
	if f != nil {
		return payflow.CaptureResult{}, f.err
	}
	return res, nil
}

func (g *Gateway) capture(reference string, amount int64, payee string) payflow.CaptureResult {
	h, ok := g.holds[reference]
	if !ok {
		return payflow.CaptureResult{DeclineCode: payflow.CodePaymentNotFound, Reason: fmt.Sprintf("authorization not found: %s", reference)}
	}
	switch h.state {
	case holdCaptured:
		return payflow.CaptureResult{Settled: true, Reference: reference}
	case holdVoided:
		return payflow.CaptureResult{DeclineCode: payflow.CodeProcessingFailed, Reason: fmt.Sprintf("authorization %s was voided", reference)}
	}
	if amount != h.amount {
		return payflow.CaptureResult{DeclineCode: payflow.CodeInvalidAmount, Reason: fmt.Sprintf("capture of %d against a hold of %d", amount, h.amount)}
	}
	dst, ok := g.accounts[payee]
	if !ok {
		return payflow.CaptureResult{DeclineCode: payflow.CodeAccountNotFound, Reason: fmt.Sprintf("payee account not found: %s", payee)}
	}
	if dst.Currency != h.currency {
		return payflow.CaptureResult{DeclineCode: payflow.CodeInvalidCurrency, Reason: fmt.Sprintf("payee %s holds %s, not %s", payee, dst.Currency, h.currency)}
	}
	src := g.accounts[h.payer]
	src.Held -= h.amount
	src.Balance -= h.amount
	dst.Balance += h.amount
	h.state = holdCaptured
	return payflow.CaptureResult{Settled: true, Reference: reference}
}

func (g *Gateway) Void(ctx context.Context, operationKey, reference string) (payflow.VoidResult, error) {
	f, err := g.begin(ctx, OpVoid)
	if err != nil {
		return payflow.VoidResult{}, err
	}
	if r, ok := replay[payflow.VoidResult](g, operationKey); ok {
		return r, nil
	}

	g.mu.Lock()
	res := g.void(reference)
	g.mu.Unlock()
	g.replies.Store(operationKey, res)

	g.logger.Debug().Str("key", operationKey).Str("reference", reference).Bool("voided", res.Voided).Msg("void")
	if f != nil {
		return payflow.VoidResult{}, f.err
	}
	return res, nil
}

func (g *Gateway) void(reference string) payflow.VoidResult {
	h, ok := g.holds[reference]
	if !ok {
		return payflow.VoidResult{Reason: fmt.Sprintf("authorization not found: %s", reference)}
	}
	switch h.state {
	case holdVoided:
		return payflow.VoidResult{Voided: true}
	case holdCaptured:
		return payflow.VoidResult{Reason: fmt.Sprintf("authorization %s already captured", reference)}
	}
	g.accounts[h.payer].Held -= h.amount
	h.state = holdVoided
	return payflow.VoidResult{Voided: true}
}

// OpenHolds returns the number of authorizations neither captured nor
// voided.
func (g *Gateway) OpenHolds() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, h := range g.holds {
		if h.state == holdOpen {
			n++
		}
	}
	return n
}
