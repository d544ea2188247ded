// Package retry wraps calls to external stores (MySQL, Redis) with a bounded
// exponential backoff.  Both adapters share this one wrapper so that the
// retry policy is configured in a single place.
package retry

import (
	"context"
	"time"

	goretry "github.com/sethvargo/go-retry"
)

// Policy describes how often and how patiently a failing call is retried.
// Attempts counts the first call too, so Attempts=3 means at most two retries.
type Policy struct {
	Attempts uint64        // total number of tries (>= 1)
	Base     time.Duration // delay before the first retry; doubles each time
	Max      time.Duration // cap for a single delay (0 = uncapped)
}

// DefaultPolicy is three tries with a doubling delay.
var DefaultPolicy = Policy{Attempts: 3, Base: 250 * time.Millisecond, Max: 2 * time.Second}

// Classifier reports whether an error is worth retrying.
type Classifier func(error) bool

func (p Policy) capped() goretry.Backoff {
	base := p.Base
	if base <= 0 {
		base = time.Millisecond
	}
	b := goretry.NewExponential(base)
	if p.Max > 0 {
		b = goretry.WithCappedDuration(p.Max, b)
	}
	return b
}

func (p Policy) backoff() goretry.Backoff {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	return goretry.WithMaxRetries(attempts-1, p.capped())
}

// Do runs fn until it succeeds, returns an error the classifier rejects, the
// policy runs out of attempts, or ctx is done.  The last error from fn is
// returned unchanged so callers can still match it with errors.Is.
func (p Policy) Do(ctx context.Context, transient Classifier, fn func(ctx context.Context) error) error {
	return goretry.Do(ctx, p.backoff(), func(ctx context.Context) error {
		err := fn(ctx)
		if err != nil && transient != nil && transient(err) {
			return goretry.RetryableError(err)
		}
		return err
	})
}

// Forever runs fn until it succeeds or ctx is done, retrying every error
// with the policy's delays.  Attempts is ignored.  The result is nil or the
// context error.
func (p Policy) Forever(ctx context.Context, fn func(ctx context.Context) error) error {
	return goretry.Do(ctx, p.capped(), func(ctx context.Context) error {
		if err := fn(ctx); err != nil {
			return goretry.RetryableError(err)
		}
		return nil
	})
}
