package broker

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestTokenCoalescesConcurrentRefreshes(t *testing.T) {
	src := NewTokenSource(0)
	var refreshes int32
	refresh := func(ctx context.Context) (string, time.Duration, error) {
		atomic.AddInt32(&refreshes, 1)
		time.Sleep(30 * time.Millisecond) // let callers pile up
		return "tok-1", time.Hour, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := src.Token(context.Background(), "cred-a", refresh)
			if err != nil || tok != "tok-1" {
				t.Errorf("token = %q err = %v", tok, err)
			}
		}()
	}
	wg.Wait()
	if n := atomic.LoadInt32(&refreshes); n != 1 {
		t.Errorf("refreshes = %d, want 1 coalesced call", n)
	}
}

func TestTokenCachedUntilExpiry(t *testing.T) {
	src := NewTokenSource(0)
	calls := 0
	refresh := func(ctx context.Context) (string, time.Duration, error) {
		calls++
		return "tok", time.Hour, nil
	}
	for i := 0; i < 3; i++ {
		if _, err := src.Token(context.Background(), "cred-a", refresh); err != nil {
			t.Fatal(err)
		}
	}
	if calls != 1 {
		t.Errorf("refresh calls = %d, want 1", calls)
	}
}

func TestTokenMinGapBetweenRefreshes(t *testing.T) {
	gap := 50 * time.Millisecond
	src := NewTokenSource(gap)
	refresh := func(ctx context.Context) (string, time.Duration, error) {
		return "tok", time.Minute, nil // short-lived relative to margin, forces refresh
	}

	if _, err := src.Token(context.Background(), "cred-a", refresh); err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	if _, err := src.Token(context.Background(), "cred-a", refresh); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed < gap {
		t.Errorf("second refresh after %v, want at least the %v gap", elapsed, gap)
	}
}

func TestTokenInvalidate(t *testing.T) {
	src := NewTokenSource(0)
	calls := 0
	refresh := func(ctx context.Context) (string, time.Duration, error) {
		calls++
		return "tok", time.Hour, nil
	}
	src.Token(context.Background(), "cred-a", refresh)
	src.Invalidate("cred-a")
	src.Token(context.Background(), "cred-a", refresh)
	if calls != 2 {
		t.Errorf("refresh calls = %d, want 2 after invalidate", calls)
	}
}

func TestIsTransient(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"server error", &Error{HTTPStatus: http.StatusInternalServerError, Msg: "oops"}, true},
		{"rate limited", &Error{HTTPStatus: http.StatusTooManyRequests, Msg: "slow down"}, true},
		{"bad request", &Error{HTTPStatus: http.StatusBadRequest, Msg: "bad qty"}, false},
		{"auth", &Error{HTTPStatus: http.StatusUnauthorized, Msg: "expired token"}, false},
		{"wrapped broker error", errors.New("submit: " + (&Error{HTTPStatus: 503, Msg: "maintenance"}).Error()), true},
		{"network text", errors.New("read tcp: connection reset by peer"), true},
		{"invalid text", errors.New("invalid order division"), false},
		{"unknown defaults transient", errors.New("something odd"), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsTransient(tc.err); got != tc.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestThrottleEnforcesDelay(t *testing.T) {
	th := NewThrottle(40 * time.Millisecond)
	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := th.Wait(ctx); err != nil {
			t.Fatal(err)
		}
	}
	// First call is free; the next two each wait the fixed delay.
	if elapsed := time.Since(start); elapsed < 80*time.Millisecond {
		t.Errorf("3 calls took %v, want at least 80ms", elapsed)
	}
}
