// Package retry wraps broker calls in classified exponential backoff.
package retry

import (
	"context"
	"fmt"
	"time"
)

// Policy controls backoff behavior. Total attempts = 1 + MaxRetries. RetryIf
// decides per attempt whether an error is worth retrying; nil retries
// everything.
type Policy struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	RetryIf      func(error) bool
}

// Delay returns the backoff before the given retry attempt (1-based):
// min(InitialDelay × Multiplier^(attempt-1), MaxDelay).
func (p Policy) Delay(attempt int) time.Duration {
	d := float64(p.InitialDelay)
	for i := 1; i < attempt; i++ {
		d *= p.Multiplier
	}
	if max := float64(p.MaxDelay); p.MaxDelay > 0 && d > max {
		d = max
	}
	return time.Duration(d)
}

// Do runs op until it succeeds, the policy is exhausted, or ctx is done.
// The attempt count is returned either way for observability; on exhaustion
// the last error is surfaced.
func Do(ctx context.Context, p Policy, op func() error) (int, error) {
	var lastErr error
	attempts := 0
	for attempt := 1; attempt <= 1+p.MaxRetries; attempt++ {
		attempts = attempt
		lastErr = op()
		if lastErr == nil {
			return attempts, nil
		}
		if p.RetryIf != nil && !p.RetryIf(lastErr) {
			return attempts, lastErr
		}
		if attempt == 1+p.MaxRetries {
			break
		}
		select {
		case <-time.After(p.Delay(attempt)):
		case <-ctx.Done():
			return attempts, fmt.Errorf("retry aborted after %d attempts: %w", attempts, ctx.Err())
		}
	}
	return attempts, fmt.Errorf("retries exhausted after %d attempts: %w", attempts, lastErr)
}
