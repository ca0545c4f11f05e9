/**
 * @description
 * This package provides the single bounded-retry-with-backoff helper used
 * across the service for ledger RPC calls, record store lookups, and
 * notification sends. Every call site that previously needed its own
 * "wait, try again" loop goes through Do with an explicit Policy.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 */
package retry

import (
	"context"
	"errors"
	"time"
)

// ErrGiveUp can be returned (wrapped) by an operation to stop retrying early
// even though attempts remain.
var ErrGiveUp = errors.New("retry: permanent failure")

// Policy bounds a retry loop: a fixed maximum attempt count and a base delay
// that doubles after every failed attempt up to MaxDelay (when set).
type Policy struct {
	Attempts int
	Delay    time.Duration
	MaxDelay time.Duration
}

// Fixed returns a policy with a constant delay between attempts.
func Fixed(attempts int, delay time.Duration) Policy {
	return Policy{Attempts: attempts, Delay: delay, MaxDelay: delay}
}

// Backoff returns a policy with exponential delay growth capped at maxDelay.
func Backoff(attempts int, base, maxDelay time.Duration) Policy {
	return Policy{Attempts: attempts, Delay: base, MaxDelay: maxDelay}
}

// Do runs fn up to p.Attempts times, sleeping between attempts. It stops on
// the first success, on context cancellation, or on an error wrapping
// ErrGiveUp. The last error is returned when all attempts fail.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	delay := p.Delay
	var lastErr error
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, ErrGiveUp) {
			return lastErr
		}
		if i == attempts-1 {
			break
		}

		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		delay *= 2
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
	return lastErr
}
