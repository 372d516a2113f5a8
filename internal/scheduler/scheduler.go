// Package scheduler drives the two batch ticks: execute due strategies and
// reconcile pending orders. Ticks are stateless and safe to invoke
// repeatedly; the dedup fence on each strategy is what prevents double
// execution, not scheduler state.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/naegeon/kis-trading-sub000/internal/executor"
	"github.com/naegeon/kis-trading-sub000/internal/reconcile"
	"github.com/naegeon/kis-trading-sub000/pkg/broker"
	"github.com/naegeon/kis-trading-sub000/pkg/db"
	"github.com/naegeon/kis-trading-sub000/pkg/i18n"
)

// GatewaySource hands out the broker session for an owner.
type GatewaySource interface {
	ForOwner(ctx context.Context, ownerID string) (broker.Gateway, error)
}

// ErrExecuteTimeout is returned by ExecuteNow when the executor loses the
// race against the timeout. The dedup fence is committed regardless, so the
// next scheduled tick retries safely instead of double-executing.
var ErrExecuteTimeout = fmt.Errorf("immediate execution timed out")

// ExecuteCounts summarizes one execute tick.
type ExecuteCounts struct {
	Strategies int
	Owners     int
	Errors     int
}

// Scheduler owns the tick entry points.
type Scheduler struct {
	queries     *db.Queries
	runner      *executor.Runner
	reconciler  *reconcile.Service
	gateways    GatewaySource
	interval    time.Duration // dedup fence: a strategy executed within this window is not due
	execTimeout time.Duration
	instance    string
	now         func() time.Time
}

// New builds the scheduler.
func New(queries *db.Queries, runner *executor.Runner, reconciler *reconcile.Service, gateways GatewaySource, interval, execTimeout time.Duration, instanceID string) *Scheduler {
	return &Scheduler{
		queries:     queries,
		runner:      runner,
		reconciler:  reconciler,
		gateways:    gateways,
		interval:    interval,
		execTimeout: execTimeout,
		instance:    instanceID,
		now:         time.Now,
	}
}

// ExecuteDue runs every due strategy in the batch window. Owners fan out
// concurrently; within an owner, strategies run sequentially over one shared
// gateway session, bounding per-credential load on the broker.
func (s *Scheduler) ExecuteDue(ctx context.Context, offset, size int) (ExecuteCounts, error) {
	var counts ExecuteCounts
	now := s.now()

	due, err := s.queries.DueStrategies(ctx, now, s.interval, offset, size)
	if err != nil {
		return counts, fmt.Errorf("load due strategies: %w", err)
	}
	if len(due) == 0 {
		return counts, nil
	}

	byOwner := map[string][]db.Strategy{}
	for _, st := range due {
		byOwner[st.OwnerID] = append(byOwner[st.OwnerID], st)
	}
	counts.Owners = len(byOwner)

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for ownerID, strategies := range byOwner {
		wg.Add(1)
		go func(ownerID string, strategies []db.Strategy) {
			defer wg.Done()
			ran, errs := s.runOwner(ctx, ownerID, strategies)
			mu.Lock()
			counts.Strategies += ran
			counts.Errors += errs
			mu.Unlock()
		}(ownerID, strategies)
	}
	wg.Wait()

	log.Printf(i18n.M().ExecuteTickDone, counts.Strategies, counts.Owners, counts.Errors, time.Since(now))
	return counts, nil
}

// runOwner executes one owner's due strategies serially. A setup failure
// (no connection, undecryptable credentials) skips the whole owner for this
// tick; the next tick retries.
func (s *Scheduler) runOwner(ctx context.Context, ownerID string, strategies []db.Strategy) (ran, errs int) {
	gw, err := s.gateways.ForOwner(ctx, ownerID)
	if err != nil {
		log.Printf("scheduler: owner %s setup failed, skipping %d strategies: %v", ownerID, len(strategies), err)
		s.logExec(ctx, ownerID, "", db.LogKindConfigError, fmt.Sprintf("owner setup failed: %v", err))
		return 0, len(strategies)
	}
	for i := range strategies {
		st := &strategies[i]
		// Commit the fence before running: a crash mid-execution must not
		// lead to an immediate re-run racing the broker's view of today.
		if err := s.queries.TouchLastExecuted(ctx, st.ID, s.now()); err != nil {
			log.Printf("scheduler: fence strategy %s: %v", st.ID, err)
			errs++
			continue
		}
		ran++
		if err := s.runner.Execute(ctx, st, gw); err != nil {
			errs++
			log.Printf("scheduler: strategy %s: %v", st.ID, err)
		}
	}
	return ran, errs
}

// ReconcileAll runs a reconciliation tick over the batch window.
func (s *Scheduler) ReconcileAll(ctx context.Context, offset, size int) (reconcile.Counts, error) {
	start := s.now()
	counts, err := s.reconciler.Run(ctx, offset, size)
	if err != nil {
		return counts, err
	}
	log.Printf(i18n.M().ReconcileTickDone, counts.Checked, counts.Updated, counts.Swept, counts.Errors, time.Since(start))
	return counts, nil
}

// ExecuteNow runs a single strategy synchronously, racing the executor
// against the configured timeout. The dedup fence is committed in both
// outcomes: on timeout the execution may still be in flight, and the fence
// is what stops the next tick from double-executing while it finishes.
func (s *Scheduler) ExecuteNow(ctx context.Context, strategyID string) error {
	st, err := s.queries.GetStrategy(ctx, strategyID)
	if err != nil {
		return err
	}
	if st.Status != db.StrategyStatusActive {
		return fmt.Errorf("strategy %s is %s, not ACTIVE", st.ID, st.Status)
	}
	gw, err := s.gateways.ForOwner(ctx, st.OwnerID)
	if err != nil {
		return fmt.Errorf("owner setup: %w", err)
	}
	if err := s.queries.TouchLastExecuted(ctx, st.ID, s.now()); err != nil {
		return fmt.Errorf("commit fence: %w", err)
	}

	done := make(chan error, 1)
	go func() {
		execCtx, cancel := context.WithTimeout(context.Background(), 2*s.execTimeout)
		defer cancel()
		done <- s.runner.Execute(execCtx, st, gw)
	}()

	select {
	case err := <-done:
		return err
	case <-time.After(s.execTimeout):
		log.Printf("scheduler: immediate execution of %s timed out after %v, fence committed", strategyID, s.execTimeout)
		return ErrExecuteTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) logExec(ctx context.Context, ownerID, strategyID, kind, msg string) {
	err := s.queries.InsertExecLog(ctx, db.ExecLog{
		OwnerID:    ownerID,
		StrategyID: strategyID,
		Kind:       kind,
		Message:    msg,
		InstanceID: s.instance,
	})
	if err != nil {
		log.Printf("scheduler: exec log (%s %s): %v", kind, msg, err)
	}
}
