// Package gateway owns per-owner broker sessions. Credentials live encrypted
// in the connections table; the pool decrypts them once, builds a KIS client,
// and caches it so token and throttle state persist across ticks.
package gateway

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/naegeon/kis-trading-sub000/pkg/broker"
	"github.com/naegeon/kis-trading-sub000/pkg/broker/kis"
	"github.com/naegeon/kis-trading-sub000/pkg/crypto"
	"github.com/naegeon/kis-trading-sub000/pkg/db"
)

// Config carries the broker-level settings shared by every session.
type Config struct {
	BaseURL     string
	Virtual     bool
	QuoteDelay  time.Duration // fixed inter-call delay for quote/holdings lookups
	TokenMinGap time.Duration // minimum gap between token issuances per credential
}

// Pool hands out one broker.Gateway per owner.
type Pool struct {
	cfg      Config
	queries  *db.Queries
	keys     *crypto.KeyManager
	tokens   *broker.TokenSource
	throttle *broker.Throttle

	mu       sync.Mutex
	sessions map[string]*session
}

type session struct {
	gw           broker.Gateway
	connectionID string
}

// NewPool builds the pool. The token source and quote throttle are shared so
// per-credential issuance limits and the fixed quote delay hold process-wide.
func NewPool(cfg Config, queries *db.Queries, keys *crypto.KeyManager) *Pool {
	if cfg.TokenMinGap <= 0 {
		cfg.TokenMinGap = time.Minute
	}
	return &Pool{
		cfg:      cfg,
		queries:  queries,
		keys:     keys,
		tokens:   broker.NewTokenSource(cfg.TokenMinGap),
		throttle: broker.NewThrottle(cfg.QuoteDelay),
		sessions: make(map[string]*session),
	}
}

// ForOwner returns the owner's gateway, building it from the active
// connection on first use. A setup failure (no connection, undecryptable
// credentials) is returned to the caller, which skips that owner's batch for
// the tick.
func (p *Pool) ForOwner(ctx context.Context, ownerID string) (broker.Gateway, error) {
	p.mu.Lock()
	if s, ok := p.sessions[ownerID]; ok {
		p.mu.Unlock()
		return s.gw, nil
	}
	p.mu.Unlock()

	conn, err := p.queries.GetConnectionByOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("load connection for owner %s: %w", ownerID, err)
	}
	if conn == nil {
		return nil, fmt.Errorf("owner %s has no active broker connection", ownerID)
	}

	appKey, err := p.keys.Decrypt(conn.AppKey)
	if err != nil {
		return nil, fmt.Errorf("decrypt app key for owner %s: %w", ownerID, err)
	}
	appSecret, err := p.keys.Decrypt(conn.AppSecret)
	if err != nil {
		return nil, fmt.Errorf("decrypt app secret for owner %s: %w", ownerID, err)
	}

	client, err := kis.New(kis.Config{
		BaseURL:   p.cfg.BaseURL,
		Virtual:   p.cfg.Virtual,
		AppKey:    appKey,
		AppSecret: appSecret,
		AccountNo: conn.AccountNo,
	}, p.tokens, p.throttle)
	if err != nil {
		return nil, fmt.Errorf("build kis client for owner %s: %w", ownerID, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	// Another goroutine may have built the session while we were decrypting.
	if s, ok := p.sessions[ownerID]; ok {
		return s.gw, nil
	}
	p.sessions[ownerID] = &session{gw: client, connectionID: conn.ID}
	log.Printf("gateway: opened broker session for owner %s (connection %s)", ownerID, conn.ID)
	return client, nil
}

// Drop evicts an owner's cached session, forcing a rebuild on next use.
// Called when the owner's connection is edited or deactivated.
func (p *Pool) Drop(ownerID string) {
	p.mu.Lock()
	delete(p.sessions, ownerID)
	p.mu.Unlock()
}
