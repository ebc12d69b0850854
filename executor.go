package payflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var operationNamespace = uuid.MustParse("b3e0a2f5-1c4d-4f8e-8d2a-7a9c5e6f0b42")

// OperationKey derives the gateway deduplication key of one attempt.
func OperationKey(transactionID string, step StepName, attempt int) string {
	name := transactionID + ":" + string(step) + ":" + strconv.Itoa(attempt)
	return uuid.NewSHA1(operationNamespace, []byte(name)).String()
}

// OutcomeKind is the verdict of Execute.
type OutcomeKind int

const (
	// Succeeded carries the completion record, not yet stored.
	Succeeded OutcomeKind = iota
	// FailedRetryable means no definitive outcome was reached: the run was
	// interrupted or storage stayed unavailable. The step remains resumable.
	FailedRetryable
	// FailedTerminal carries the terminal completion record, not yet stored.
	FailedTerminal
)

func (k OutcomeKind) String() string {
	switch k {
	case Succeeded:
		return "succeeded"
	case FailedRetryable:
		return "failed_retryable"
	case FailedTerminal:
		return "failed_terminal"
	default:
		return fmt.Sprintf("unknown OutcomeKind: %d", int(k))
	}
}

// StepCall describes one step run.
type StepCall struct {
	Transaction *Transaction
	// Step is the name recorded in the log. For compensation it is the
	// inverse name.
	Step        StepName
	Kind        RecordKind
	Compensates StepName
	Func        StepFunc
	// Forward is the result of the step being undone.
	Forward json.RawMessage
	// FirstAttempt continues the numbering of earlier runs.
	FirstAttempt int
	Policy       RetryPolicy
}

// StepOutcome is the definitive result of a step run, or FailedRetryable
// when there is none.
type StepOutcome struct {
	Kind   OutcomeKind
	Record StepRecord
	Err    error
	Class  ErrorClass
	Code   ErrorCode
}

// ActivityExecutor runs step attempts under a timeout and backoff policy.
// Pending markers and intermediate failures are appended by the executor;
// the final record is returned so the caller can commit it together with
// the transition it causes.
type ActivityExecutor struct {
	ledger  Ledger
	storage RetryPolicy
	logger  zerolog.Logger
	now     func() time.Time
}

// NewActivityExecutor creates an executor writing to ledger. Storage writes
// are retried under storage.
func NewActivityExecutor(ledger Ledger, storage RetryPolicy, logger zerolog.Logger, now func() time.Time) *ActivityExecutor {
	if now == nil {
		now = time.Now
	}
	return &ActivityExecutor{ledger: ledger, storage: storage, logger: logger, now: now}
}

// Execute runs call until it succeeds, fails definitively or exhausts the
// retry budget. An exhausted retryable failure is escalated to a terminal
// system failure.
func (x *ActivityExecutor) Execute(ctx context.Context, call StepCall) StepOutcome {
	txn := call.Transaction
	log, err := txn.Log()
	if err != nil {
		return StepOutcome{Kind: FailedRetryable, Err: err}
	}
	results := resultsOf(log)
	attempt := call.FirstAttempt
	if attempt < 1 {
		attempt = 1
	}
	b := call.Policy.backOff()
	logger := x.logger.With().Str("txn", txn.ID).Str("step", string(call.Step)).Str("kind", string(call.Kind)).Logger()

	for i := 1; ; i++ {
		pending := StepRecord{
			TransactionID: txn.ID,
			Step:          call.Step,
			Kind:          call.Kind,
			Compensates:   call.Compensates,
			Attempt:       attempt,
			OperationKey:  OperationKey(txn.ID, call.Step, attempt),
			Outcome:       OutcomePending,
			StartedAt:     x.now(),
		}
		if err := x.Append(ctx, pending); err != nil {
			return StepOutcome{Kind: FailedRetryable, Err: err}
		}

		sc := StepContext{
			Transaction:  txn,
			Step:         call.Step,
			Attempt:      attempt,
			OperationKey: pending.OperationKey,
			Forward:      call.Forward,
			results:      results,
		}
		result, err := x.invoke(ctx, call, sc)
		if ctx.Err() != nil {
			// Shutdown mid attempt. The pending marker stays and the attempt
			// is abandoned on recovery.
			return StepOutcome{Kind: FailedRetryable, Err: ctx.Err()}
		}

		rec := pending
		rec.CompletedAt = x.now()
		if err == nil {
			var raw json.RawMessage
			if raw, err = encodeResult(result); err == nil {
				rec.Outcome = OutcomeSucceeded
				rec.Result = raw
				logger.Debug().Int("attempt", attempt).Msg("step succeeded")
				return StepOutcome{Kind: Succeeded, Record: rec}
			}
		}

		class, code := Classify(err)
		rec.Outcome = OutcomeFailed
		if IsTimeout(err) {
			rec.Outcome = OutcomeTimedOut
		}
		rec.Error = err.Error()

		if class == ClassRetryable && i < call.Policy.MaxAttempts {
			if appendErr := x.Append(ctx, rec); appendErr != nil {
				return StepOutcome{Kind: FailedRetryable, Err: appendErr}
			}
			delay := b.NextBackOff()
			logger.Warn().Err(err).Int("attempt", attempt).Dur("backoff", delay).Msg("step attempt failed, retrying")
			if sleepErr := sleepCtx(ctx, delay); sleepErr != nil {
				return StepOutcome{Kind: FailedRetryable, Err: sleepErr}
			}
			attempt++
			continue
		}

		if class == ClassRetryable {
			err = SystemFailure(CodeRetriesExhausted, fmt.Errorf("%d attempts of %s: %w", i, call.Step, err))
			class, code = ClassTerminalSystem, CodeRetriesExhausted
			rec.Error = err.Error()
		}
		rec.Terminal = true
		logger.Warn().Err(err).Int("attempt", attempt).Str("class", string(class)).Msg("step failed")
		return StepOutcome{Kind: FailedTerminal, Record: rec, Err: err, Class: class, Code: code}
	}
}

func (x *ActivityExecutor) invoke(ctx context.Context, call StepCall, sc StepContext) (result any, err error) {
	attemptCtx, cancel := context.WithTimeout(ctx, call.Policy.Timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = SystemFailure(CodeInternal, fmt.Errorf("step %s panicked: %v", call.Step, r))
		}
	}()
	return call.Func(attemptCtx, sc)
}

// Append stores rec under the storage retry policy.
func (x *ActivityExecutor) Append(ctx context.Context, rec StepRecord) error {
	err := retryStorage(ctx, x.storage, func(err error, d time.Duration) {
		x.logger.Warn().Err(err).Str("txn", rec.TransactionID).Dur("backoff", d).Msg("append step record failed, retrying")
	}, func(ctx context.Context) error {
		_, err := x.ledger.AppendStep(ctx, rec)
		return err
	})
	if err != nil {
		return fmt.Errorf("append %s: %w", rec, err)
	}
	return nil
}
