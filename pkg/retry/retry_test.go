package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errTransient = errors.New("connection reset")
var errFatal = errors.New("invalid order")

func policy() Policy {
	return Policy{
		MaxRetries:   3,
		InitialDelay: 20 * time.Millisecond,
		MaxDelay:     200 * time.Millisecond,
		Multiplier:   2,
		RetryIf:      func(err error) bool { return errors.Is(err, errTransient) },
	}
}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	start := time.Now()
	attempts, err := Do(context.Background(), policy(), func() error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	})
	if err != nil {
		t.Fatalf("want success, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
	// Two waits: initialDelay, then initialDelay×multiplier.
	if minElapsed := 20*time.Millisecond + 40*time.Millisecond; time.Since(start) < minElapsed {
		t.Errorf("elapsed %v, want at least %v of backoff", time.Since(start), minElapsed)
	}
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	calls := 0
	attempts, err := Do(context.Background(), policy(), func() error {
		calls++
		return errFatal
	})
	if !errors.Is(err, errFatal) {
		t.Fatalf("want errFatal, got %v", err)
	}
	if calls != 1 || attempts != 1 {
		t.Errorf("calls = %d attempts = %d, want 1/1", calls, attempts)
	}
}

func TestDoExhaustsAndSurfacesLastError(t *testing.T) {
	attempts, err := Do(context.Background(), policy(), func() error {
		return errTransient
	})
	if !errors.Is(err, errTransient) {
		t.Fatalf("want last error surfaced, got %v", err)
	}
	if attempts != 4 { // 1 + MaxRetries
		t.Errorf("attempts = %d, want 4", attempts)
	}
}

func TestDoRespectsContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	p := policy()
	p.InitialDelay = time.Second
	_, err := Do(ctx, p, func() error { return errTransient })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("want deadline exceeded, got %v", err)
	}
}

func TestDelayCapped(t *testing.T) {
	p := policy()
	if d := p.Delay(1); d != 20*time.Millisecond {
		t.Errorf("delay(1) = %v", d)
	}
	if d := p.Delay(2); d != 40*time.Millisecond {
		t.Errorf("delay(2) = %v", d)
	}
	if d := p.Delay(10); d != 200*time.Millisecond {
		t.Errorf("delay(10) = %v, want cap", d)
	}
}
