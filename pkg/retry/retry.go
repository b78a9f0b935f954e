// Package retry runs an operation under an explicit attempt/backoff policy.
package retry

import (
	"context"
	"fmt"
	"time"
)

// Policy describes how many times an operation is attempted and how long to
// wait between attempts.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first one.
	// Values below one are treated as one.
	MaxAttempts int
	// Delay returns the wait before attempt n+1, where n is the 1-based number
	// of the attempt that just failed. A nil Delay retries immediately.
	Delay func(attempt int) time.Duration
}

// Linear waits the same delay between every attempt.
func Linear(attempts int, delay time.Duration) Policy {
	return Policy{
		MaxAttempts: attempts,
		Delay:       func(int) time.Duration { return delay },
	}
}

// Exponential doubles the delay after every failed attempt, starting at initial.
func Exponential(attempts int, initial time.Duration) Policy {
	return Policy{
		MaxAttempts: attempts,
		Delay: func(attempt int) time.Duration {
			if attempt < 1 {
				attempt = 1
			}
			return initial << (attempt - 1)
		},
	}
}

// Permanent marks err as not worth retrying. Do returns it unwrapped.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Do calls fn until it succeeds, returns a Permanent error, the attempts are
// exhausted or ctx is done. attempt is 1-based. The error of the last attempt
// is returned; if ctx ends while waiting, ctx.Err() is joined to it.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var last error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if last == nil {
				return err
			}
			return fmt.Errorf("%w (after %d attempts: %w)", err, attempt-1, last)
		}
		last = fn(ctx, attempt)
		if last == nil {
			return nil
		}
		if perm, ok := last.(*permanentError); ok {
			return perm.err
		}
		if attempt == attempts {
			break
		}
		var wait time.Duration
		if p.Delay != nil {
			wait = p.Delay(attempt)
		}
		if wait <= 0 {
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w (after %d attempts: %w)", ctx.Err(), attempt, last)
		case <-timer.C:
		}
	}
	return last
}
