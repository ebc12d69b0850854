package payflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds the attempts made for one step or storage write.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	// Jitter is the randomization factor applied to each delay, in [0, 1).
	Jitter float64
	// Timeout bounds each attempt.
	Timeout time.Duration
}

// DefaultRetryPolicy mirrors the ledger activity options of the payment
// workflow: five attempts, doubling delays, ten second attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		Multiplier:  2.0,
		Jitter:      0.2,
		Timeout:     10 * time.Second,
	}
}

// Validate checks the policy.
func (p RetryPolicy) Validate() error {
	switch {
	case p.MaxAttempts < 1:
		return fmt.Errorf("retry policy: max attempts must be at least 1, got %d", p.MaxAttempts)
	case p.BaseDelay < 0 || p.MaxDelay < 0:
		return errors.New("retry policy: delays must not be negative")
	case p.Multiplier < 1:
		return fmt.Errorf("retry policy: multiplier must be >= 1, got %v", p.Multiplier)
	case p.Jitter < 0 || p.Jitter >= 1:
		return fmt.Errorf("retry policy: jitter must be in [0, 1), got %v", p.Jitter)
	case p.Timeout <= 0:
		return errors.New("retry policy: timeout must be positive")
	}
	return nil
}

func (p RetryPolicy) backOff() *backoff.ExponentialBackOff {
	maxDelay := p.MaxDelay
	if maxDelay == 0 {
		maxDelay = p.BaseDelay
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.BaseDelay,
		RandomizationFactor: p.Jitter,
		Multiplier:          p.Multiplier,
		MaxInterval:         maxDelay,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return b
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// permanentStorageError reports errors that retrying cannot fix.
func permanentStorageError(err error) bool {
	var verr *ValidationError
	return errors.Is(err, ErrStaleTransition) ||
		errors.Is(err, ErrIllegalTransition) ||
		errors.Is(err, ErrTransactionExists) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, context.Canceled) ||
		errors.As(err, &verr)
}

// retryStorage runs a ledger or registry write under the policy.
func retryStorage(ctx context.Context, p RetryPolicy, notify func(error, time.Duration), fn func(ctx context.Context) error) error {
	op := func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, p.Timeout)
		defer cancel()
		err := fn(attemptCtx)
		if err != nil && permanentStorageError(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	b := backoff.WithContext(backoff.WithMaxRetries(p.backOff(), uint64(p.MaxAttempts-1)), ctx)
	return backoff.RetryNotify(op, b, notify)
}
