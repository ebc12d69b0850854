package payflow

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// CompensationFailure is an inverse operation that exhausted its budget or
// was refused.
type CompensationFailure struct {
	Step    StepName
	Inverse StepName
	Record  StepRecord
	Class   ErrorClass
	Code    ErrorCode
	Err     error
}

func (f CompensationFailure) Error() string {
	return fmt.Sprintf("compensating %s with %s: %v", f.Step, f.Inverse, f.Err)
}

// CompensationOutcome is the result of Coordinator.Compensate.
type CompensationOutcome struct {
	// Compensated is true when every invertible step was undone.
	Compensated bool
	// Undone lists the forward steps undone by this run, most recent first.
	Undone   []StepName
	Skipped  []StepName
	Failures []CompensationFailure
}

// Coordinator undoes the succeeded forward steps of a failed transaction.
type Coordinator struct {
	steps    *StepRegistry
	executor *ActivityExecutor
	policy   RetryPolicy
	logger   zerolog.Logger
}

// NewCoordinator creates a coordinator running inverses under policy.
func NewCoordinator(steps *StepRegistry, executor *ActivityExecutor, policy RetryPolicy, logger zerolog.Logger) *Coordinator {
	return &Coordinator{steps: steps, executor: executor, policy: policy, logger: logger}
}

// Compensate walks the succeeded forward steps of txn in reverse and runs
// each registered inverse. Steps without an inverse and steps already undone
// by an earlier run are skipped. A failed inverse does not stop the walk:
// every failure is returned so none is dropped.
//
// Each inverse completion record is appended before Compensate returns. An
// error means the run was interrupted and no verdict was reached.
func (c *Coordinator) Compensate(ctx context.Context, txn *Transaction) (CompensationOutcome, error) {
	var out CompensationOutcome
	log, err := txn.Log()
	if err != nil {
		return out, err
	}
	logger := c.logger.With().Str("txn", txn.ID).Logger()

	forward := log.SucceededForward()
	for i := len(forward) - 1; i >= 0; i-- {
		rec := forward[i]
		def, err := c.steps.Get(rec.Step)
		if err != nil {
			out.Failures = append(out.Failures, CompensationFailure{
				Step:  rec.Step,
				Class: ClassTerminalSystem,
				Code:  CodeInternal,
				Err:   err,
			})
			continue
		}
		if !def.HasInverse() {
			out.Skipped = append(out.Skipped, rec.Step)
			continue
		}
		if _, done := log.Succeeded(def.InverseName, KindCompensation); done {
			logger.Debug().Str("step", string(rec.Step)).Msg("step already compensated")
			out.Skipped = append(out.Skipped, rec.Step)
			continue
		}

		res := c.executor.Execute(ctx, StepCall{
			Transaction:  txn,
			Step:         def.InverseName,
			Kind:         KindCompensation,
			Compensates:  rec.Step,
			Func:         def.Inverse,
			Forward:      rec.Result,
			FirstAttempt: log.LastAttempt(def.InverseName, KindCompensation) + 1,
			Policy:       c.policy,
		})
		if res.Kind == FailedRetryable {
			return out, res.Err
		}
		if err := c.executor.Append(ctx, res.Record); err != nil {
			return out, err
		}
		if res.Kind == FailedTerminal {
			f := CompensationFailure{
				Step:    rec.Step,
				Inverse: def.InverseName,
				Record:  res.Record,
				Class:   res.Class,
				Code:    res.Code,
				Err:     res.Err,
			}
			logger.Error().Err(f).Msg("compensation failed")
			out.Failures = append(out.Failures, f)
			continue
		}
		logger.Info().Str("step", string(rec.Step)).Str("inverse", string(def.InverseName)).Msg("step compensated")
		out.Undone = append(out.Undone, rec.Step)
	}
	out.Compensated = len(out.Failures) == 0
	return out, nil
}
