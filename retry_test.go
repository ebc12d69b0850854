package payflow

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryPolicyValidate(t *testing.T) {
	valid := fastPolicy(3)
	require.NoError(t, valid.Validate())
	require.NoError(t, DefaultRetryPolicy().Validate())

	tests := []struct {
		name   string
		mutate func(p *RetryPolicy)
	}{
		{"zero attempts", func(p *RetryPolicy) { p.MaxAttempts = 0 }},
		{"negative delay", func(p *RetryPolicy) { p.BaseDelay = -time.Second }},
		{"shrinking multiplier", func(p *RetryPolicy) { p.Multiplier = 0.5 }},
		{"jitter of one", func(p *RetryPolicy) { p.Jitter = 1 }},
		{"no timeout", func(p *RetryPolicy) { p.Timeout = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := valid
			tt.mutate(&p)
			assert.Error(t, p.Validate())
		})
	}
}

func TestRetryPolicyBackOffGrows(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, BaseDelay: 10 * time.Millisecond, MaxDelay: 40 * time.Millisecond, Multiplier: 2, Timeout: time.Second}
	b := p.backOff()

	var got []time.Duration
	for i := 0; i < 4; i++ {
		got = append(got, b.NextBackOff())
	}
	assert.Equal(t, []time.Duration{
		10 * time.Millisecond,
		20 * time.Millisecond,
		40 * time.Millisecond,
		40 * time.Millisecond,
	}, got)
}

func TestRetryStorage(t *testing.T) {
	ctx := context.Background()
	p := fastPolicy(3)

	t.Run("transient errors are retried", func(t *testing.T) {
		calls := 0
		err := retryStorage(ctx, p, nil, func(context.Context) error {
			calls++
			if calls < 3 {
				return errors.New("connection reset")
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		calls := 0
		var notified []error
		err := retryStorage(ctx, p, func(err error, _ time.Duration) { notified = append(notified, err) }, func(context.Context) error {
			calls++
			return errors.New("disk full")
		})
		require.Error(t, err)
		assert.Equal(t, 3, calls)
		assert.Len(t, notified, 2)
	})

	t.Run("permanent errors stop immediately", func(t *testing.T) {
		calls := 0
		err := retryStorage(ctx, p, nil, func(context.Context) error {
			calls++
			return fmt.Errorf("commit: %w", ErrStaleTransition)
		})
		assert.ErrorIs(t, err, ErrStaleTransition)
		assert.Equal(t, 1, calls)
	})

	t.Run("each attempt gets a deadline", func(t *testing.T) {
		err := retryStorage(ctx, p, nil, func(ctx context.Context) error {
			_, ok := ctx.Deadline()
			assert.True(t, ok)
			return nil
		})
		require.NoError(t, err)
	})
}

func TestSleepCtx(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleepCtx(ctx, time.Hour), context.Canceled)
	assert.NoError(t, sleepCtx(context.Background(), time.Millisecond))
}
