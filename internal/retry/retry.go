// Package retry runs an operation until it succeeds, fails permanently, or a
// bounded number of attempts is used up, waiting a fixed delay in between.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy bounds an attempt loop.
type Policy struct {
	// Attempts is the total number of calls, including the first one.
	// Values below 1 are treated as 1.
	Attempts int
	// Delay is the fixed wait between two attempts.
	Delay time.Duration
}

// Notify is called after a failed attempt that will be retried.
type Notify func(attempt int, err error, next time.Duration)

// Permanent marks err as non-retryable. Do returns it unwrapped.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var permanent *backoff.PermanentError
	return errors.As(err, &permanent)
}

// Do calls fn with a 1-based attempt number until fn returns nil, returns a
// Permanent error, the policy is exhausted, or ctx is done. It returns the
// number of attempts made and the last error. When ctx ends the loop, the
// context error is returned.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) error, notify Notify) (int, error) {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var b backoff.BackOff = backoff.NewConstantBackOff(p.Delay)
	b = backoff.WithMaxRetries(b, uint64(attempts-1))
	b = backoff.WithContext(b, ctx)

	attempt := 0
	err := backoff.RetryNotify(func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		attempt++
		return fn(ctx, attempt)
	}, b, func(err error, next time.Duration) {
		if notify != nil {
			notify(attempt, err, next)
		}
	})

	return attempt, err
}
