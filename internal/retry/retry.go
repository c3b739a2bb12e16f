// Package retry is the single retry helper the rest of the engine wraps its
// I/O calls in. It applies a configured exponential-backoff policy, consults
// a retryable predicate, and honors server-supplied Retry-After hints when
// they exceed the computed wait.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"histdata/internal/config"
)

// RateLimitError carries the vendor's Retry-After hint up to the helper.
type RateLimitError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitError) Error() string {
	if e.Err != nil {
		return "rate limited: " + e.Err.Error()
	}
	return "rate limited"
}

func (e *RateLimitError) Unwrap() error { return e.Err }

// Permanent marks an error as non-retryable regardless of the predicate.
func Permanent(err error) error { return backoff.Permanent(err) }

// Do runs op under the policy. Errors failing the predicate abort
// immediately; a RateLimitError's Retry-After wins over the computed backoff
// when it is larger.
func Do(ctx context.Context, policy config.RetryPolicy, log *zap.Logger, retryable func(error) bool, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Duration(policy.InitialWait * float64(time.Second))
	bo.Multiplier = policy.Multiplier
	bo.MaxInterval = time.Duration(policy.MaxWait * float64(time.Second))
	bo.MaxElapsedTime = 0 // bounded by attempt count, not wall clock
	bo.Reset()

	rb := &retryAfterBackOff{inner: bo}

	attempt := 0
	wrapped := func() error {
		attempt++
		err := op()
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return backoff.Permanent(err)
		}
		if attempt >= policy.MaxAttempts {
			return backoff.Permanent(err)
		}
		if d, ok := HintFrom(err); ok {
			rb.Observe(d)
		}
		return err
	}

	notify := func(err error, next time.Duration) {
		log.Warn("retrying after transient failure",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", policy.MaxAttempts),
			zap.Duration("wait", next),
			zap.Error(err))
	}

	err := backoff.RetryNotify(wrapped, backoff.WithContext(rb, ctx), notify)
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Err
	}
	return err
}

// retryAfterBackOff stretches the next wait to the last seen Retry-After hint
// when the server asked for more than the exponential schedule would give.
type retryAfterBackOff struct {
	inner backoff.BackOff
	hint  time.Duration
}

func (b *retryAfterBackOff) NextBackOff() time.Duration {
	next := b.inner.NextBackOff()
	if next == backoff.Stop {
		return backoff.Stop
	}
	if b.hint > next {
		next = b.hint
	}
	b.hint = 0
	return next
}

func (b *retryAfterBackOff) Reset() {
	b.hint = 0
	b.inner.Reset()
}

// Observe records a Retry-After hint for the next wait.
func (b *retryAfterBackOff) Observe(d time.Duration) { b.hint = d }

// HintFrom extracts a Retry-After duration if err carries one.
func HintFrom(err error) (time.Duration, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) && rl.RetryAfter > 0 {
		return rl.RetryAfter, true
	}
	return 0, false
}
