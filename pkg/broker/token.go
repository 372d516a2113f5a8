package broker

import (
	"context"
	"sync"
	"time"
)

// Tokens are refreshed a little before their actual expiry.
const tokenExpiryMargin = 5 * time.Minute

// RefreshFunc obtains a fresh access token and its lifetime.
type RefreshFunc func(ctx context.Context) (token string, expiresIn time.Duration, err error)

// TokenSource caches access tokens per credential and serializes refreshes:
// concurrent callers needing a fresh token for the same credential coalesce
// onto a single in-flight refresh, and a mandatory gap is enforced between
// consecutive refreshes because the broker limits token issuance per minute.
type TokenSource struct {
	mu      sync.Mutex
	minGap  time.Duration
	entries map[string]*tokenEntry
}

type tokenEntry struct {
	token       string
	expiresAt   time.Time
	lastRefresh time.Time
	inflight    *refreshCall
}

type refreshCall struct {
	done  chan struct{}
	token string
	err   error
}

// NewTokenSource builds a TokenSource with the given minimum refresh gap.
func NewTokenSource(minGap time.Duration) *TokenSource {
	return &TokenSource{
		minGap:  minGap,
		entries: make(map[string]*tokenEntry),
	}
}

// Token returns a valid access token for the credential key, refreshing via
// fn when the cached one is missing or near expiry.
func (s *TokenSource) Token(ctx context.Context, key string, fn RefreshFunc) (string, error) {
	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		e = &tokenEntry{}
		s.entries[key] = e
	}
	if e.token != "" && time.Until(e.expiresAt) > tokenExpiryMargin {
		token := e.token
		s.mu.Unlock()
		return token, nil
	}
	if e.inflight != nil {
		call := e.inflight
		s.mu.Unlock()
		select {
		case <-call.done:
			return call.token, call.err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	call := &refreshCall{done: make(chan struct{})}
	e.inflight = call
	wait := s.minGap - time.Since(e.lastRefresh)
	s.mu.Unlock()

	if wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			s.finish(key, call, "", 0, ctx.Err())
			return "", ctx.Err()
		}
	}

	token, expiresIn, err := fn(ctx)
	s.finish(key, call, token, expiresIn, err)
	return token, err
}

func (s *TokenSource) finish(key string, call *refreshCall, token string, expiresIn time.Duration, err error) {
	s.mu.Lock()
	e := s.entries[key]
	e.inflight = nil
	e.lastRefresh = time.Now()
	if err == nil {
		e.token = token
		e.expiresAt = time.Now().Add(expiresIn)
	}
	s.mu.Unlock()

	call.token = token
	call.err = err
	close(call.done)
}

// Invalidate drops the cached token for a credential, forcing the next call
// to refresh. Used when the broker rejects a token mid-lifetime.
func (s *TokenSource) Invalidate(key string) {
	s.mu.Lock()
	if e, ok := s.entries[key]; ok {
		e.token = ""
		e.expiresAt = time.Time{}
	}
	s.mu.Unlock()
}
