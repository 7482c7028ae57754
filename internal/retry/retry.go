// Package retry runs operations against flaky remote dependencies with
// bounded, jittered exponential backoff.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// Policy bounds a retry loop. Attempts counts the first call.
type Policy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// Jitter is the fraction of each delay that is randomized, in [0, 1].
	Jitter float64
}

// DefaultPolicy matches the store defaults from config.
var DefaultPolicy = Policy{
	Attempts:  4,
	BaseDelay: 250 * time.Millisecond,
	MaxDelay:  4 * time.Second,
	Jitter:    0.5,
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// ExhaustedError is returned when every attempt failed.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return "retries exhausted: " + e.Last.Error()
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// Notify is called before sleeping after a failed attempt.
type Notify func(attempt int, delay time.Duration, err error)

// Do calls op until it succeeds, returns a permanent error, the context ends
// or the policy runs out of attempts.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error, notify Notify) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var last error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		last = err
		if attempt == attempts {
			break
		}

		delay := p.Delay(attempt)
		if notify != nil {
			notify(attempt, delay, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return &ExhaustedError{Attempts: attempts, Last: last}
}

// Delay returns the backoff before the attempt following the given one.
func (p Policy) Delay(attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			delay = p.MaxDelay
			break
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	if p.Jitter > 0 {
		jitter := p.Jitter
		if jitter > 1 {
			jitter = 1
		}
		spread := float64(delay) * jitter
		delay = time.Duration(float64(delay) - spread + rand.Float64()*spread)
	}
	return delay
}
