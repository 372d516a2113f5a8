package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/naegeon/kis-trading-sub000/internal/executor"
	"github.com/naegeon/kis-trading-sub000/internal/marketclock"
	"github.com/naegeon/kis-trading-sub000/internal/notify"
	"github.com/naegeon/kis-trading-sub000/internal/reconcile"
	"github.com/naegeon/kis-trading-sub000/pkg/broker"
	"github.com/naegeon/kis-trading-sub000/pkg/db"
	"github.com/naegeon/kis-trading-sub000/pkg/retry"
)

type fakeGateway struct {
	mu        sync.Mutex
	submitted []broker.OrderRequest
	block     chan struct{} // when set, GetOpenOrders parks until closed
	seq       int
}

func (g *fakeGateway) SubmitOrder(ctx context.Context, req broker.OrderRequest) (broker.OrderResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq++
	g.submitted = append(g.submitted, req)
	return broker.OrderResult{BrokerOrderID: fmt.Sprintf("B%04d", g.seq)}, nil
}

func (g *fakeGateway) CancelOrder(ctx context.Context, req broker.CancelRequest) error { return nil }

func (g *fakeGateway) GetOrderDetail(ctx context.Context, req broker.DetailRequest) (broker.OrderDetail, error) {
	return broker.OrderDetail{Status: broker.StatusOpen}, nil
}

func (g *fakeGateway) GetHoldings(ctx context.Context) ([]broker.Holding, error) { return nil, nil }

func (g *fakeGateway) GetQuote(ctx context.Context, symbol, hint string) (broker.Quote, error) {
	return broker.Quote{CurrentPrice: 100, OpeningPrice: 100, PreviousClose: 100}, nil
}

func (g *fakeGateway) GetOpenOrders(ctx context.Context, symbol, hint string) ([]broker.OpenOrder, error) {
	g.mu.Lock()
	block := g.block
	g.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, nil
}

func (g *fakeGateway) submitCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.submitted)
}

type fakeSource struct {
	gw  broker.Gateway
	err error
}

func (s *fakeSource) ForOwner(ctx context.Context, ownerID string) (broker.Gateway, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.gw, nil
}

func testScheduler(t *testing.T, src GatewaySource, execTimeout time.Duration) (*Scheduler, *db.Queries) {
	t.Helper()
	d, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	if err := db.ApplyMigrations(d); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	q := d.Queries()
	clock, err := marketclock.New(10*time.Minute, "")
	if err != nil {
		t.Fatalf("clock: %v", err)
	}
	policy := retry.Policy{MaxRetries: 0, InitialDelay: time.Millisecond, Multiplier: 2}
	runner := executor.New(q, clock, notify.Noop{}, nil, policy, "test-host")
	recon := reconcile.New(q, clock, src, notify.Noop{}, nil, policy, "test-host")
	sched := New(q, runner, recon, src, time.Minute, execTimeout, "test-host")
	return sched, q
}

// seedSplit creates an ACTIVE split-order strategy. The split executor has no
// session gate on staging, which keeps these tests independent of wall time.
func seedSplit(t *testing.T, q *db.Queries, id, ownerID string) {
	t.Helper()
	err := q.CreateStrategy(context.Background(), db.Strategy{
		ID: id, OwnerID: ownerID, Type: db.StrategyTypeSplitOrder,
		Status: db.StrategyStatusActive, Symbol: "AAPL", Market: db.MarketUS,
		Parameters: `{"totalQuantity":10,"orderCount":2,"basePrice":100,"priceStep":1,"stepUnit":"AMOUNT","shape":"EQUAL","targetReturnRate":5}`,
	})
	if err != nil {
		t.Fatalf("seed strategy %s: %v", id, err)
	}
}

func TestExecuteDueFencePreventsRerun(t *testing.T) {
	gw := &fakeGateway{}
	sched, q := testScheduler(t, &fakeSource{gw: gw}, time.Second)
	ctx := context.Background()

	seedSplit(t, q, "s-1", "owner-1")

	counts, err := sched.ExecuteDue(ctx, 0, 100)
	if err != nil {
		t.Fatalf("first tick: %v", err)
	}
	if counts.Strategies != 1 || counts.Owners != 1 || counts.Errors != 0 {
		t.Fatalf("first tick counts = %+v", counts)
	}
	placed := gw.submitCount()
	if placed == 0 {
		t.Fatal("first tick placed no orders")
	}

	// Within the dedup interval the strategy is not due again.
	counts, err = sched.ExecuteDue(ctx, 0, 100)
	if err != nil {
		t.Fatalf("second tick: %v", err)
	}
	if counts.Strategies != 0 {
		t.Errorf("second tick ran %d strategies, want 0", counts.Strategies)
	}
	if gw.submitCount() != placed {
		t.Errorf("second tick placed orders despite the fence")
	}

	s, err := q.GetStrategy(ctx, "s-1")
	if err != nil {
		t.Fatal(err)
	}
	if s.LastExecutedAt.IsZero() {
		t.Error("fence timestamp not committed")
	}
}

func TestExecuteDueFansOutPerOwner(t *testing.T) {
	gw := &fakeGateway{}
	sched, q := testScheduler(t, &fakeSource{gw: gw}, time.Second)
	ctx := context.Background()

	seedSplit(t, q, "s-a1", "owner-a")
	seedSplit(t, q, "s-a2", "owner-a")
	seedSplit(t, q, "s-b1", "owner-b")

	counts, err := sched.ExecuteDue(ctx, 0, 100)
	if err != nil {
		t.Fatal(err)
	}
	if counts.Owners != 2 || counts.Strategies != 3 || counts.Errors != 0 {
		t.Errorf("counts = %+v, want 2 owners / 3 strategies", counts)
	}
}

func TestExecuteDueOwnerSetupFailureSkipsWithoutFencing(t *testing.T) {
	src := &fakeSource{err: errors.New("connection credentials undecryptable")}
	sched, q := testScheduler(t, src, time.Second)
	ctx := context.Background()

	seedSplit(t, q, "s-1", "owner-1")

	counts, err := sched.ExecuteDue(ctx, 0, 100)
	if err != nil {
		t.Fatal(err)
	}
	if counts.Errors != 1 || counts.Strategies != 0 {
		t.Errorf("counts = %+v, want the strategy skipped as an error", counts)
	}
	s, err := q.GetStrategy(ctx, "s-1")
	if err != nil {
		t.Fatal(err)
	}
	if !s.LastExecutedAt.IsZero() {
		t.Error("fence committed for a strategy that never ran")
	}

	// Once the owner recovers, the strategy is still due.
	src.err = nil
	src.gw = &fakeGateway{}
	counts, err = sched.ExecuteDue(ctx, 0, 100)
	if err != nil {
		t.Fatal(err)
	}
	if counts.Strategies != 1 {
		t.Errorf("recovered tick ran %d strategies, want 1", counts.Strategies)
	}
}

func TestExecuteNow(t *testing.T) {
	t.Run("runs active strategy synchronously", func(t *testing.T) {
		gw := &fakeGateway{}
		sched, q := testScheduler(t, &fakeSource{gw: gw}, time.Second)
		seedSplit(t, q, "s-1", "owner-1")

		if err := sched.ExecuteNow(context.Background(), "s-1"); err != nil {
			t.Fatalf("execute now: %v", err)
		}
		if gw.submitCount() == 0 {
			t.Error("no orders placed")
		}
	})

	t.Run("rejects non-active strategy", func(t *testing.T) {
		sched, q := testScheduler(t, &fakeSource{gw: &fakeGateway{}}, time.Second)
		seedSplit(t, q, "s-1", "owner-1")
		if err := q.SetStrategyStatus(context.Background(), "s-1", db.StrategyStatusEnded); err != nil {
			t.Fatal(err)
		}
		if err := sched.ExecuteNow(context.Background(), "s-1"); err == nil {
			t.Error("want error for ENDED strategy")
		}
	})

	t.Run("timeout commits the fence", func(t *testing.T) {
		gw := &fakeGateway{block: make(chan struct{})}
		sched, q := testScheduler(t, &fakeSource{gw: gw}, 50*time.Millisecond)
		seedSplit(t, q, "s-1", "owner-1")

		err := sched.ExecuteNow(context.Background(), "s-1")
		if !errors.Is(err, ErrExecuteTimeout) {
			t.Fatalf("err = %v, want ErrExecuteTimeout", err)
		}
		s, err := q.GetStrategy(context.Background(), "s-1")
		if err != nil {
			t.Fatal(err)
		}
		if s.LastExecutedAt.IsZero() {
			t.Error("fence must be committed even when execution times out")
		}
		close(gw.block) // let the detached execution drain
	})
}

func TestReconcileAllReportsCounts(t *testing.T) {
	gw := &fakeGateway{}
	sched, q := testScheduler(t, &fakeSource{gw: gw}, time.Second)
	ctx := context.Background()

	// A plain limit order the broker still shows open: checked, not updated.
	if err := q.CreateOrder(ctx, db.Order{
		ID: "o-1", OwnerID: "owner-1", BrokerOrderID: "B-1", Symbol: "AAPL",
		Market: db.MarketUS, Side: db.SideBuy, OrderType: db.OrderTypeLimit,
		Qty: 10, Status: db.OrderStatusSubmitted, SubmittedAt: time.Now(),
	}); err != nil {
		t.Fatal(err)
	}

	counts, err := sched.ReconcileAll(ctx, 0, 100)
	if err != nil {
		t.Fatal(err)
	}
	if counts.Checked != 1 || counts.Updated != 0 || counts.Errors != 0 {
		t.Errorf("counts = %+v", counts)
	}
}
