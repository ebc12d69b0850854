package payflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"
)

// Signal is an external trigger delivered to a running transaction.
type Signal string

const (
	// SignalCancel aborts a transaction still in created. Once an effect
	// has been attempted the transaction fails and is compensated instead.
	SignalCancel Signal = "cancel"
	// SignalRedrive moves a failed_terminal transaction back into
	// compensating after an operator resolved the cause.
	SignalRedrive Signal = "redrive"
)

const waitPollInterval = 20 * time.Millisecond

// Options configures an Engine. Ledger, Registry, Bus, Steps and
// CompensationPolicy are required.
type Options struct {
	Ledger   Ledger
	Registry IdempotencyRegistry
	Bus      EventBus
	Steps    *StepRegistry
	// Plan defaults to PaymentPlan(Steps).
	Plan *Plan
	// StepPolicy bounds forward step attempts. Defaults to
	// DefaultRetryPolicy.
	StepPolicy RetryPolicy
	// CompensationPolicy bounds inverse attempts. It has no default.
	CompensationPolicy RetryPolicy
	// StoragePolicy bounds ledger and registry calls. Defaults to
	// DefaultRetryPolicy.
	StoragePolicy RetryPolicy
	// Reporter receives failed_terminal transactions. Defaults to a
	// LogReporter.
	Reporter Reporter
	Logger   zerolog.Logger
	Now      func() time.Time
}

func (o *Options) validate() error {
	switch {
	case o.Ledger == nil:
		return errors.New("engine: ledger is required")
	case o.Registry == nil:
		return errors.New("engine: idempotency registry is required")
	case o.Bus == nil:
		return errors.New("engine: event bus is required")
	case o.Steps == nil:
		return errors.New("engine: step registry is required")
	case o.CompensationPolicy == (RetryPolicy{}):
		return errors.New("engine: compensation retry budget is required")
	}
	if o.StepPolicy == (RetryPolicy{}) {
		o.StepPolicy = DefaultRetryPolicy()
	}
	if o.StoragePolicy == (RetryPolicy{}) {
		o.StoragePolicy = DefaultRetryPolicy()
	}
	for name, p := range map[string]RetryPolicy{
		"step":         o.StepPolicy,
		"compensation": o.CompensationPolicy,
		"storage":      o.StoragePolicy,
	} {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("engine: %s %w", name, err)
		}
	}
	if o.Plan == nil {
		plan, err := PaymentPlan(o.Steps)
		if err != nil {
			return fmt.Errorf("engine: %w", err)
		}
		o.Plan = plan
	}
	if o.Reporter == nil {
		o.Reporter = NewLogReporter(o.Logger)
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return nil
}

// Admission is the result of Start.
type Admission struct {
	TransactionID string
	State         LifecycleState
	// Existing is true when the key was already bound to a transaction.
	Existing bool
}

// StepSummary is one attempt in a status view.
type StepSummary struct {
	Step        StepName   `json:"step"`
	Kind        RecordKind `json:"kind"`
	Attempt     int        `json:"attempt"`
	Outcome     Outcome    `json:"outcome"`
	Terminal    bool       `json:"terminal,omitempty"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt time.Time  `json:"completed_at,omitempty"`
}

// StatusView is the caller facing view of a transaction.
type StatusView struct {
	TransactionID string         `json:"transaction_id"`
	State         LifecycleState `json:"state"`
	InProgress    bool           `json:"in_progress"`
	Failure       *Failure       `json:"failure,omitempty"`
	Steps         []StepSummary  `json:"steps"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

type runner struct {
	id     string
	cancel atomic.Bool
	// nudged asks an exiting runner to reload once more.
	nudged atomic.Bool
}

// Engine drives transactions through the plan. Each transaction is run by
// a single goroutine; any number of transactions run in parallel.
type Engine struct {
	ledger        Ledger
	registry      IdempotencyRegistry
	steps         *StepRegistry
	plan          *Plan
	lifecycle     *Lifecycle
	executor      *ActivityExecutor
	coordinator   *Coordinator
	relay         *Relay
	reporter      Reporter
	stepPolicy    RetryPolicy
	storagePolicy RetryPolicy
	logger        zerolog.Logger
	now           func() time.Time

	runners *xsync.MapOf[string, *runner]
	ctx     context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
	closed  atomic.Bool
}

// NewEngine creates an engine. Call Recover after construction to resume
// transactions left in flight by a previous process.
func NewEngine(opts Options) (*Engine, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	executor := NewActivityExecutor(opts.Ledger, opts.StoragePolicy, opts.Logger, opts.Now)
	ctx, stop := context.WithCancel(context.Background())
	return &Engine{
		ledger:        opts.Ledger,
		registry:      opts.Registry,
		steps:         opts.Steps,
		plan:          opts.Plan,
		lifecycle:     NewLifecycle(opts.Plan),
		executor:      executor,
		coordinator:   NewCoordinator(opts.Steps, executor, opts.CompensationPolicy, opts.Logger),
		relay:         NewRelay(opts.Ledger, opts.Bus, opts.Logger, opts.Now),
		reporter:      opts.Reporter,
		stepPolicy:    opts.StepPolicy,
		storagePolicy: opts.StoragePolicy,
		logger:        opts.Logger,
		now:           opts.Now,
		runners:       xsync.NewMapOf[string, *runner](),
		ctx:           ctx,
		stop:          stop,
	}, nil
}

// Plan returns the step plan the engine runs.
func (e *Engine) Plan() *Plan { return e.plan }

// Lifecycle returns the transition table derived from the plan.
func (e *Engine) Lifecycle() *Lifecycle { return e.lifecycle }

// Relay returns the outbox relay used by the engine.
func (e *Engine) Relay() *Relay { return e.relay }

// Start admits a payment under an idempotency key. Repeated calls with the
// same key return the original transaction without running it again.
func (e *Engine) Start(ctx context.Context, key string, spec TransactionSpec) (Admission, error) {
	if e.closed.Load() {
		return Admission{}, ErrEngineClosed
	}
	if err := spec.Validate(); err != nil {
		return Admission{}, err
	}
	if key == "" {
		return Admission{}, NewValidationError(CodeValidation, "idempotency key is required")
	}

	var res Reservation
	if err := e.storage(ctx, "reserve key", func(ctx context.Context) error {
		var err error
		res, err = e.registry.Reserve(ctx, key, spec)
		return err
	}); err != nil {
		return Admission{}, err
	}

	if res.IsNew {
		txn := NewTransaction(res.TransactionID, key, spec, e.now())
		if err := e.create(ctx, txn); err != nil {
			return Admission{}, err
		}
		e.logger.Info().Str("txn", txn.ID).Str("key", key).Int64("amount", spec.Amount).Str("currency", spec.Currency).Msg("transaction admitted")
		e.admit(txn.ID, nil)
		return Admission{TransactionID: txn.ID, State: StateCreated}, nil
	}

	if res.Fingerprint != "" && res.Fingerprint != spec.Fingerprint() {
		e.logger.Warn().Str("txn", res.TransactionID).Str("key", key).Str("class", string(ClassConflictingIdempotency)).
			Msg("idempotency key reused with a different payment, returning the original")
	}
	txn, err := e.load(ctx, res.TransactionID)
	if errors.Is(err, ErrNotFound) {
		// The winner reserved the key but has not stored the transaction
		// yet, or crashed in between. Only the winner's payment may be
		// stored under its id.
		admitted, ok := winnerSpec(res, spec)
		if !ok {
			return Admission{TransactionID: res.TransactionID, State: StateCreated, Existing: true}, nil
		}
		txn = NewTransaction(res.TransactionID, key, admitted, e.now())
		if err := e.create(ctx, txn); err != nil {
			return Admission{}, err
		}
		if txn, err = e.load(ctx, res.TransactionID); err != nil {
			return Admission{}, err
		}
	} else if err != nil {
		return Admission{}, err
	}
	if txn.State.Terminal() {
		// The key stays reserved if the process stopped between the final
		// transition and the registry commit.
		if err := e.finish(ctx, txn); err != nil {
			e.logger.Warn().Err(err).Str("txn", txn.ID).Str("key", key).Msg("commit idempotency key on replay")
		}
	} else {
		e.admit(txn.ID, nil)
	}
	return Admission{TransactionID: txn.ID, State: txn.State, Existing: true}, nil
}

// winnerSpec returns the payment the reservation was made for. ok is false
// when the entry does not record it and spec is not provably the same.
func winnerSpec(res Reservation, spec TransactionSpec) (TransactionSpec, bool) {
	if res.Spec != nil {
		return *res.Spec, true
	}
	return spec, res.Fingerprint == spec.Fingerprint()
}

func (e *Engine) create(ctx context.Context, txn *Transaction) error {
	err := e.storage(ctx, "create transaction", func(ctx context.Context) error {
		return e.ledger.Create(ctx, txn)
	})
	if errors.Is(err, ErrTransactionExists) {
		return nil
	}
	return err
}

// Signal delivers an external trigger to a transaction.
func (e *Engine) Signal(ctx context.Context, id string, sig Signal) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	txn, err := e.load(ctx, id)
	if err != nil {
		return err
	}
	logger := e.logger.With().Str("txn", id).Str("signal", string(sig)).Logger()

	switch sig {
	case SignalCancel:
		switch {
		case txn.State == StateCancelled, txn.State == StateFailing, txn.State == StateCompensating:
			return nil
		case txn.State.Terminal():
			return fmt.Errorf("cancel %s transaction %s: %w", txn.State, id, ErrIllegalTransition)
		}
		logger.Info().Str("state", string(txn.State)).Msg("cancel requested")
		e.admit(id, func(r *runner) { r.cancel.Store(true) })
		return nil

	case SignalRedrive:
		if txn.State != StateFailedTerminal {
			return fmt.Errorf("redrive %s transaction %s: %w", txn.State, id, ErrIllegalTransition)
		}
		failure := &Failure{Code: CodeInternal, Class: ClassTerminalSystem}
		if txn.Failure != nil {
			f := *txn.Failure
			failure = &f
		}
		failure.Redriven = true
		if err := e.commit(ctx, txn, TriggerRedrive, nil, failure, ""); err != nil {
			return err
		}
		logger.Info().Msg("compensation re-driven")
		e.admit(id, nil)
		return nil
	}
	return fmt.Errorf("unknown signal %q", sig)
}

// Cancel is Signal(ctx, id, SignalCancel).
func (e *Engine) Cancel(ctx context.Context, id string) error {
	return e.Signal(ctx, id, SignalCancel)
}

// Status returns the state and attempt history of a transaction. Storage
// failures are reported as ErrUnavailable.
func (e *Engine) Status(ctx context.Context, id string) (StatusView, error) {
	txn, err := e.load(ctx, id)
	if err != nil {
		return StatusView{}, err
	}
	log, err := txn.Log()
	if err != nil {
		return StatusView{}, err
	}
	view := StatusView{
		TransactionID: txn.ID,
		State:         txn.State,
		InProgress:    !txn.State.Terminal(),
		Failure:       txn.Failure,
		UpdatedAt:     txn.UpdatedAt,
	}
	for _, rec := range log.Attempts() {
		view.Steps = append(view.Steps, StepSummary{
			Step:        rec.Step,
			Kind:        rec.Kind,
			Attempt:     rec.Attempt,
			Outcome:     rec.Outcome,
			Terminal:    rec.Terminal,
			Error:       rec.Error,
			StartedAt:   rec.StartedAt,
			CompletedAt: rec.CompletedAt,
		})
	}
	return view, nil
}

// Wait blocks until the transaction is terminal or ctx is done.
func (e *Engine) Wait(ctx context.Context, id string) (StatusView, error) {
	ticker := time.NewTicker(waitPollInterval)
	defer ticker.Stop()
	for {
		view, err := e.Status(ctx, id)
		if err != nil {
			return view, err
		}
		if !view.InProgress {
			return view, nil
		}
		select {
		case <-ctx.Done():
			return view, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Recover resumes every non-terminal transaction and republishes events
// left in the outbox. It returns the number of transactions resumed.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	if e.closed.Load() {
		return 0, ErrEngineClosed
	}
	var txns []*Transaction
	if err := e.storage(ctx, "list non-terminal", func(ctx context.Context) error {
		var err error
		txns, err = e.ledger.ListNonTerminal(ctx)
		return err
	}); err != nil {
		return 0, err
	}
	for _, txn := range txns {
		e.admit(txn.ID, nil)
	}
	if _, err := e.relay.Flush(ctx, 0); err != nil {
		e.logger.Warn().Err(err).Msg("outbox flush during recovery incomplete")
	}
	if len(txns) > 0 {
		e.logger.Info().Int("transactions", len(txns)).Msg("recovered in-flight transactions")
	}
	return len(txns), nil
}

// Close stops every runner and waits for them to exit. Interrupted
// transactions keep their persisted state and resume on Recover.
func (e *Engine) Close(ctx context.Context) error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.stop()
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// admit ensures a runner exists for id. mark is applied to the runner under
// the map lock.
func (e *Engine) admit(id string, mark func(r *runner)) {
	if e.closed.Load() {
		return
	}
	var started *runner
	e.runners.Compute(id, func(old *runner, loaded bool) (*runner, bool) {
		r := old
		if loaded {
			r.nudged.Store(true)
		} else {
			r = &runner{id: id}
			started = r
		}
		if mark != nil {
			mark(r)
		}
		return r, false
	})
	if started != nil {
		e.wg.Add(1)
		go e.run(started)
	}
}

func (e *Engine) run(r *runner) {
	defer e.wg.Done()
	for {
		if err := e.drive(e.ctx, r); err != nil && e.ctx.Err() == nil {
			e.logger.Error().Err(err).Str("txn", r.id).Msg("transaction run interrupted, left for recovery")
		}
		exit := true
		e.runners.Compute(r.id, func(old *runner, loaded bool) (*runner, bool) {
			if !loaded || old != r {
				return old, !loaded
			}
			if r.nudged.Swap(false) && e.ctx.Err() == nil {
				exit = false
				return old, false
			}
			return old, true
		})
		if exit {
			return
		}
	}
}

// drive advances the transaction one committed transition at a time until
// it is terminal or cannot progress.
func (e *Engine) drive(ctx context.Context, r *runner) error {
	for {
		txn, err := e.load(ctx, r.id)
		if err != nil {
			return err
		}
		if txn.State.Terminal() {
			return e.finish(ctx, txn)
		}
		if err := e.advance(ctx, r, txn); err != nil {
			if errors.Is(err, ErrStaleTransition) {
				continue
			}
			return err
		}
	}
}

func (e *Engine) advance(ctx context.Context, r *runner, txn *Transaction) error {
	switch txn.State {
	case StateCreated:
		if r.cancel.Load() {
			failure := &Failure{Code: CodeCancelled, Class: ClassTerminalBusiness, Message: "cancelled before any effect"}
			return e.commit(ctx, txn, TriggerCancel, nil, failure, EventCancelled)
		}
		return e.commit(ctx, txn, TriggerBegin, nil, nil, "")
	case StateFailing:
		return e.commit(ctx, txn, TriggerCompensate, nil, nil, "")
	case StateCompensating:
		return e.compensate(ctx, txn)
	}
	if step, ok := e.plan.Running(txn.State); ok {
		return e.runStep(ctx, txn, step)
	}
	if step, ok := e.plan.Completed(txn.State); ok {
		if r.cancel.Load() {
			failure := &Failure{
				Code:    CodeCancelled,
				Class:   ClassTerminalBusiness,
				Message: fmt.Sprintf("cancelled after %s", step.Name),
				Step:    step.Name,
			}
			return e.commit(ctx, txn, TriggerFail, nil, failure, EventFailed)
		}
		return e.commit(ctx, txn, TriggerBegin, nil, nil, "")
	}
	return fmt.Errorf("transaction %s in state %s outside plan %s: %w", txn.ID, txn.State, e.plan.Name, ErrIllegalTransition)
}

func (e *Engine) runStep(ctx context.Context, txn *Transaction, step PlanStep) error {
	log, err := txn.Log()
	if err != nil {
		return err
	}
	def, err := e.steps.Get(step.Name)
	if err != nil {
		failure := &Failure{Code: CodeInternal, Class: ClassTerminalSystem, Message: err.Error(), Step: step.Name}
		return e.commit(ctx, txn, TriggerFail, nil, failure, EventFailed)
	}

	res := e.executor.Execute(ctx, StepCall{
		Transaction:  txn,
		Step:         step.Name,
		Kind:         KindForward,
		Func:         def.Forward,
		FirstAttempt: log.LastAttempt(step.Name, KindForward) + 1,
		Policy:       e.stepPolicy,
	})
	switch res.Kind {
	case Succeeded:
		return e.commit(ctx, txn, TriggerSucceed, &res.Record, nil, step.Event)
	case FailedTerminal:
		failure := &Failure{Code: res.Code, Class: res.Class, Message: res.Err.Error(), Step: step.Name}
		if failure.Code == "" {
			failure.Code = CodeProcessingFailed
		}
		return e.commit(ctx, txn, TriggerFail, &res.Record, failure, EventFailed)
	default:
		return res.Err
	}
}

// compensate runs the coordinator and settles the outcome. A system failure
// leaves the gateway state unknown, so the transaction ends in
// failed_terminal even when every inverse succeeded, unless an operator
// re-drove it. Only business failures and cancellations reach compensated
// on a clean compensation pass.
func (e *Engine) compensate(ctx context.Context, txn *Transaction) error {
	out, err := e.coordinator.Compensate(ctx, txn)
	if err != nil {
		return err
	}
	unknown := txn.Failure != nil && txn.Failure.Class == ClassTerminalSystem && !txn.Failure.Redriven
	if out.Compensated && !unknown {
		return e.commit(ctx, txn, TriggerResolve, nil, nil, EventCompensated)
	}
	if err := e.commit(ctx, txn, TriggerAbandon, nil, nil, EventFailedTerminal); err != nil {
		return err
	}
	e.report(ctx, txn.ID)
	return nil
}

// commit persists a transition with its step record and event, then
// publishes the event.
func (e *Engine) commit(ctx context.Context, txn *Transaction, trigger Trigger, rec *StepRecord, failure *Failure, evType EventType) error {
	to, err := e.lifecycle.Next(txn.State, trigger)
	if err != nil {
		return err
	}
	at := e.now()
	t := Transition{TransactionID: txn.ID, From: txn.State, To: to, Step: rec, Failure: failure, At: at}
	if evType != "" {
		after := txn.Clone()
		after.State = to
		if failure != nil {
			after.Failure = failure
		}
		after.UpdatedAt = at
		t.Event = NewEvent(after, evType, at)
	}
	if err := e.storage(ctx, "commit transition", func(ctx context.Context) error {
		return e.ledger.CommitTransition(ctx, t)
	}); err != nil {
		return err
	}
	e.logger.Info().Str("txn", txn.ID).Str("from", string(t.From)).Str("to", string(to)).Msg("transition committed")
	if t.Event != nil {
		_ = e.relay.Publish(ctx, *t.Event)
	}
	return nil
}

// finish commits the idempotency entry of a terminal transaction.
func (e *Engine) finish(ctx context.Context, txn *Transaction) error {
	err := e.storage(ctx, "commit idempotency key", func(ctx context.Context) error {
		return e.registry.Commit(ctx, txn.IdempotencyKey, txn.ID)
	})
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrStaleTransition):
		e.logger.Warn().Err(err).Str("txn", txn.ID).Msg("idempotency entry no longer bound to transaction")
		return nil
	case err != nil:
		return err
	}
	e.logger.Debug().Str("txn", txn.ID).Str("state", string(txn.State)).Msg("transaction finished")
	return nil
}

func (e *Engine) report(ctx context.Context, id string) {
	txn, err := e.load(ctx, id)
	if err != nil {
		e.logger.Error().Err(err).Str("txn", id).Msg("load transaction for report")
		return
	}
	r, err := NewReport(txn, e.now())
	if err == nil {
		err = e.reporter.Report(ctx, r)
	}
	if err != nil {
		e.logger.Error().Err(err).Str("txn", id).Msg("report failed_terminal transaction")
	}
}

func (e *Engine) load(ctx context.Context, id string) (*Transaction, error) {
	var txn *Transaction
	err := e.storage(ctx, "load transaction", func(ctx context.Context) error {
		var err error
		txn, err = e.ledger.Load(ctx, id)
		return err
	})
	return txn, err
}

// storage runs fn under the storage policy. Errors that retrying cannot fix
// are returned as is; everything else is reported as ErrUnavailable.
func (e *Engine) storage(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	err := retryStorage(ctx, e.storagePolicy, func(err error, d time.Duration) {
		e.logger.Warn().Err(err).Str("op", op).Dur("backoff", d).Msg("storage call failed, retrying")
	}, fn)
	if err == nil || permanentStorageError(err) {
		return err
	}
	return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
}
