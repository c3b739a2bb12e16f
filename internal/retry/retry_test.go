package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"histdata/internal/config"
)

func policy(attempts int) config.RetryPolicy {
	return config.RetryPolicy{MaxAttempts: attempts, InitialWait: 0.001, Multiplier: 2, MaxWait: 0.01}
}

var errTransient = errors.New("connection reset")

func alwaysRetry(error) bool { return true }

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Do(context.Background(), policy(3), zap.NewNop(), alwaysRetry, func() error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Do(context.Background(), policy(3), zap.NewNop(), alwaysRetry, func() error {
		calls++
		return errTransient
	})
	require.ErrorIs(t, err, errTransient)
	assert.Equal(t, 3, calls)
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	fatal := errors.New("authentication failed")
	calls := 0
	err := Do(context.Background(), policy(5), zap.NewNop(), func(e error) bool {
		return !errors.Is(e, fatal)
	}, func() error {
		calls++
		return fatal
	})
	require.ErrorIs(t, err, fatal)
	assert.Equal(t, 1, calls, "non-retryable errors never retry")
}

func TestDoRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, config.RetryPolicy{MaxAttempts: 10, InitialWait: 5, Multiplier: 2, MaxWait: 10},
		zap.NewNop(), alwaysRetry, func() error {
			calls++
			cancel()
			return errTransient
		})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoHonorsRetryAfterHint(t *testing.T) {
	const hint = 120 * time.Millisecond
	start := time.Now()
	calls := 0
	err := Do(context.Background(), policy(2), zap.NewNop(), alwaysRetry, func() error {
		calls++
		if calls == 1 {
			return &RateLimitError{RetryAfter: hint, Err: fmt.Errorf("429")}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	// The server's Retry-After is larger than the 1ms schedule and must win.
	assert.GreaterOrEqual(t, time.Since(start), hint)
}

func TestHintFrom(t *testing.T) {
	d, ok := HintFrom(&RateLimitError{RetryAfter: time.Second})
	assert.True(t, ok)
	assert.Equal(t, time.Second, d)

	wrapped := fmt.Errorf("fetch: %w", &RateLimitError{RetryAfter: 2 * time.Second})
	d, ok = HintFrom(wrapped)
	assert.True(t, ok)
	assert.Equal(t, 2*time.Second, d)

	_, ok = HintFrom(errTransient)
	assert.False(t, ok)
}
