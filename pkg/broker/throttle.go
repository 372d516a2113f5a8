package broker

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Throttle enforces a fixed inter-call delay for quote/holdings lookups.
// A burst-1 limiter gives exactly that: each Wait admits one call, then the
// next caller blocks for the full interval.
type Throttle struct {
	limiter *rate.Limiter
}

// NewThrottle builds a Throttle with the given minimum delay between calls.
// A non-positive delay disables throttling.
func NewThrottle(delay time.Duration) *Throttle {
	if delay <= 0 {
		return &Throttle{limiter: rate.NewLimiter(rate.Inf, 1)}
	}
	return &Throttle{limiter: rate.NewLimiter(rate.Every(delay), 1)}
}

// Wait blocks until the next call may proceed or ctx is done.
func (t *Throttle) Wait(ctx context.Context) error {
	return t.limiter.Wait(ctx)
}
