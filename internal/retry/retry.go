// Package retry runs bounded exponential-backoff retries for the pipeline's network calls.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/Lllllllleong/lpisingest/internal/config"
)

// ErrExhausted wraps the last error once every attempt has failed.
var ErrExhausted = errors.New("retries exhausted")

// Policy bounds a retry loop by attempt count.
type Policy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// FromConfig builds a Policy from a config section.
func FromConfig(c config.Retry) Policy {
	return Policy{
		MaxAttempts:     c.MaxAttempts,
		InitialInterval: c.InitialInterval,
		MaxInterval:     c.MaxInterval,
	}
}

// Notify is called after a failed attempt that will be retried.
type Notify func(err error, attempt int, wait time.Duration)

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do runs op until it succeeds, returns a Permanent error, the context ends or
// MaxAttempts is reached. It returns the number of attempts made. When attempts run out
// the returned error wraps both ErrExhausted and the last failure.
func (p Policy) Do(ctx context.Context, op func(context.Context) error, notify Notify) (int, error) {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}

	attempts := 0
	permanent := false
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		err := op(ctx)
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			permanent = true
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(maxAttempts)),
		backoff.WithMaxElapsedTime(24*time.Hour),
		backoff.WithNotify(func(err error, wait time.Duration) {
			if notify != nil {
				notify(err, attempts, wait)
			}
		}),
	)
	if err == nil {
		return attempts, nil
	}
	if permanent || ctx.Err() != nil {
		return attempts, err
	}
	if attempts >= maxAttempts {
		return attempts, errors.Join(ErrExhausted, err)
	}
	return attempts, err
}
