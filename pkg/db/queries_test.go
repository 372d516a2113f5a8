package db

import (
	"context"
	"errors"
	"testing"
	"time"
)

func testDB(t *testing.T) *Queries {
	t.Helper()
	d, err := New(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	if err := ApplyMigrations(d); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return d.Queries()
}

func seedStrategy(t *testing.T, q *Queries, s Strategy) Strategy {
	t.Helper()
	if s.ID == "" {
		s.ID = "strat-1"
	}
	if s.OwnerID == "" {
		s.OwnerID = "owner-1"
	}
	if s.Type == "" {
		s.Type = StrategyTypeLooLoc
	}
	if s.Status == "" {
		s.Status = StrategyStatusActive
	}
	if s.Symbol == "" {
		s.Symbol = "AAPL"
	}
	if s.Market == "" {
		s.Market = MarketUS
	}
	if s.Parameters == "" {
		s.Parameters = `{"quantity":10,"targetReturnRate":5}`
	}
	if err := q.CreateStrategy(context.Background(), s); err != nil {
		t.Fatalf("create strategy: %v", err)
	}
	return s
}

func TestStrategyLifecycle(t *testing.T) {
	q := testDB(t)
	ctx := context.Background()

	t.Run("create and get", func(t *testing.T) {
		seedStrategy(t, q, Strategy{ID: "s-get"})
		got, err := q.GetStrategy(ctx, "s-get")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Symbol != "AAPL" || got.Status != StrategyStatusActive {
			t.Errorf("unexpected strategy: %+v", got)
		}
	})

	t.Run("get missing returns not found", func(t *testing.T) {
		if _, err := q.GetStrategy(ctx, "nope"); !errors.Is(err, ErrStrategyNotFound) {
			t.Errorf("want ErrStrategyNotFound, got %v", err)
		}
	})

	t.Run("user edit bumps updated_at, engine save does not", func(t *testing.T) {
		s := seedStrategy(t, q, Strategy{ID: "s-edit"})
		before, err := q.GetStrategy(ctx, "s-edit")
		if err != nil {
			t.Fatalf("get: %v", err)
		}

		if err := q.SaveStrategyParams(ctx, "s-edit", `{"quantity":20,"targetReturnRate":5}`); err != nil {
			t.Fatalf("save params: %v", err)
		}
		afterEngine, _ := q.GetStrategy(ctx, "s-edit")
		if !afterEngine.UpdatedAt.Equal(before.UpdatedAt) {
			t.Errorf("engine save must not bump updated_at: %v -> %v", before.UpdatedAt, afterEngine.UpdatedAt)
		}

		time.Sleep(1100 * time.Millisecond) // CURRENT_TIMESTAMP has second resolution
		s.Symbol = "MSFT"
		if err := q.UpdateStrategy(ctx, s); err != nil {
			t.Fatalf("update: %v", err)
		}
		afterUser, _ := q.GetStrategy(ctx, "s-edit")
		if !afterUser.UpdatedAt.After(before.UpdatedAt) {
			t.Errorf("user edit must bump updated_at: %v -> %v", before.UpdatedAt, afterUser.UpdatedAt)
		}
		if afterUser.Symbol != "MSFT" {
			t.Errorf("symbol not updated: %q", afterUser.Symbol)
		}
	})

	t.Run("status transitions", func(t *testing.T) {
		seedStrategy(t, q, Strategy{ID: "s-status"})
		if err := q.SetStrategyStatus(ctx, "s-status", StrategyStatusEnded); err != nil {
			t.Fatalf("set status: %v", err)
		}
		got, _ := q.GetStrategy(ctx, "s-status")
		if got.Status != StrategyStatusEnded {
			t.Errorf("status = %q, want ENDED", got.Status)
		}
	})

	t.Run("delete detaches orders", func(t *testing.T) {
		seedStrategy(t, q, Strategy{ID: "s-del"})
		order := Order{
			ID: "o-del", StrategyID: "s-del", OwnerID: "owner-1",
			Symbol: "AAPL", Market: MarketUS, Side: SideBuy,
			OrderType: OrderTypeLimit, Qty: 1, Price: 100,
			Status: OrderStatusFilled,
		}
		if err := q.CreateOrder(ctx, order); err != nil {
			t.Fatalf("create order: %v", err)
		}
		if err := q.DeleteStrategy(ctx, "s-del"); err != nil {
			t.Fatalf("delete: %v", err)
		}
		if _, err := q.GetStrategy(ctx, "s-del"); !errors.Is(err, ErrStrategyNotFound) {
			t.Errorf("strategy should be gone, got %v", err)
		}
		o, err := q.GetOrder(ctx, "o-del")
		if err != nil {
			t.Fatalf("order must survive strategy deletion: %v", err)
		}
		if o.StrategyID != "" {
			t.Errorf("order should be detached, strategy_id = %q", o.StrategyID)
		}
	})
}

func TestDueStrategies(t *testing.T) {
	q := testDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	seedStrategy(t, q, Strategy{ID: "due-fresh"}) // never executed
	executed := seedStrategy(t, q, Strategy{ID: "due-recent"})
	if err := q.TouchLastExecuted(ctx, executed.ID, now); err != nil {
		t.Fatalf("touch: %v", err)
	}
	old := seedStrategy(t, q, Strategy{ID: "due-old"})
	if err := q.TouchLastExecuted(ctx, old.ID, now.Add(-10*time.Minute)); err != nil {
		t.Fatalf("touch: %v", err)
	}
	seedStrategy(t, q, Strategy{ID: "due-inactive", Status: StrategyStatusInactive})
	seedStrategy(t, q, Strategy{ID: "due-expired", ValidUntil: now.Add(-time.Hour)})
	seedStrategy(t, q, Strategy{ID: "due-future", ValidFrom: now.Add(time.Hour)})

	due, err := q.DueStrategies(ctx, now, 5*time.Minute, 0, 100)
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	ids := map[string]bool{}
	for _, s := range due {
		ids[s.ID] = true
	}
	if !ids["due-fresh"] || !ids["due-old"] {
		t.Errorf("missing due strategies: %v", ids)
	}
	if ids["due-recent"] || ids["due-inactive"] || ids["due-expired"] || ids["due-future"] {
		t.Errorf("fence/validity filters failed: %v", ids)
	}

	t.Run("batch window", func(t *testing.T) {
		first, err := q.DueStrategies(ctx, now, 5*time.Minute, 0, 1)
		if err != nil {
			t.Fatalf("due: %v", err)
		}
		second, err := q.DueStrategies(ctx, now, 5*time.Minute, 1, 1)
		if err != nil {
			t.Fatalf("due: %v", err)
		}
		if len(first) != 1 || len(second) != 1 || first[0].ID == second[0].ID {
			t.Errorf("window overlap: %v vs %v", first, second)
		}
	})
}

func TestOrderQueries(t *testing.T) {
	q := testDB(t)
	ctx := context.Background()
	now := time.Now().UTC()
	seedStrategy(t, q, Strategy{ID: "s-ord"})

	mk := func(id, status string, submitted time.Time) {
		t.Helper()
		err := q.CreateOrder(ctx, Order{
			ID: id, StrategyID: "s-ord", OwnerID: "owner-1",
			Symbol: "AAPL", Market: MarketUS, Side: SideBuy,
			OrderType: OrderTypeLOC, Qty: 5, Price: 100,
			Status: status, SubmittedAt: submitted,
		})
		if err != nil {
			t.Fatalf("create order %s: %v", id, err)
		}
	}

	dayStart := now.Add(-6 * time.Hour)
	mk("o-today", OrderStatusSubmitted, now.Add(-time.Hour))
	mk("o-yesterday", OrderStatusSubmitted, now.Add(-30*time.Hour))
	mk("o-partial", OrderStatusPartiallyFilled, now.Add(-time.Hour))
	mk("o-done", OrderStatusFilled, now.Add(-time.Hour))

	t.Run("today's orders", func(t *testing.T) {
		got, err := q.TodayOrdersByStrategy(ctx, "s-ord", dayStart)
		if err != nil {
			t.Fatalf("today: %v", err)
		}
		if len(got) != 3 {
			t.Fatalf("got %d orders, want 3", len(got))
		}
		for _, o := range got {
			if o.ID == "o-yesterday" {
				t.Errorf("yesterday's order leaked into today's window")
			}
		}
	})

	t.Run("pending orders", func(t *testing.T) {
		got, err := q.PendingOrders(ctx, 0, 100)
		if err != nil {
			t.Fatalf("pending: %v", err)
		}
		if len(got) != 3 {
			t.Fatalf("got %d pending, want 3 (submitted x2 + partial)", len(got))
		}
	})

	t.Run("fill update writes filled_at once", func(t *testing.T) {
		firstFill := now.Add(-10 * time.Minute)
		if err := q.UpdateOrderFill(ctx, "o-partial", OrderStatusFilled, 5, 99.5, firstFill); err != nil {
			t.Fatalf("fill: %v", err)
		}
		if err := q.UpdateOrderFill(ctx, "o-partial", OrderStatusFilled, 5, 99.5, now); err != nil {
			t.Fatalf("fill again: %v", err)
		}
		o, _ := q.GetOrder(ctx, "o-partial")
		if !o.FilledAt.Equal(firstFill) {
			t.Errorf("filled_at overwritten: %v, want %v", o.FilledAt, firstFill)
		}
		if o.FilledQty != 5 || o.AvgFillPrice != 99.5 {
			t.Errorf("fill fields not persisted: %+v", o)
		}
	})

	t.Run("repair only applies to cancelled", func(t *testing.T) {
		if err := q.UpdateOrderStatus(ctx, "o-today", OrderStatusCancelled); err != nil {
			t.Fatalf("cancel: %v", err)
		}
		if err := q.RepairOrderStatus(ctx, "o-today"); err != nil {
			t.Fatalf("repair: %v", err)
		}
		o, _ := q.GetOrder(ctx, "o-today")
		if o.Status != OrderStatusSubmitted {
			t.Errorf("status = %q, want SUBMITTED", o.Status)
		}
		// A filled order must not be repairable.
		if err := q.RepairOrderStatus(ctx, "o-done"); !errors.Is(err, ErrOrderNotFound) {
			t.Errorf("repair of FILLED order should not match, got %v", err)
		}
	})

	t.Run("stale sweep window", func(t *testing.T) {
		got, err := q.StaleSubmittedBefore(ctx, dayStart)
		if err != nil {
			t.Fatalf("stale: %v", err)
		}
		if len(got) != 1 || got[0].ID != "o-yesterday" {
			t.Errorf("stale set = %v, want just o-yesterday", got)
		}
	})

	t.Run("owner scope required", func(t *testing.T) {
		if _, err := q.ListOrdersByOwner(ctx, "", 10); !errors.Is(err, ErrOwnerIDRequired) {
			t.Errorf("want ErrOwnerIDRequired, got %v", err)
		}
		if _, err := q.ListExecLogsByOwner(ctx, "", 10); !errors.Is(err, ErrOwnerIDRequired) {
			t.Errorf("want ErrOwnerIDRequired, got %v", err)
		}
	})
}

func TestConnectionsAndLogs(t *testing.T) {
	q := testDB(t)
	ctx := context.Background()

	if err := q.CreateUser(ctx, User{ID: "u1", Email: "a@b.c", PasswordHash: "x"}); err != nil {
		t.Fatalf("create user: %v", err)
	}
	if err := q.CreateConnection(ctx, Connection{
		ID: "c1", OwnerID: "u1", AccountNo: "12345678-01",
		AppKey: "ENC:abc", AppSecret: "ENC:def", IsActive: true,
	}); err != nil {
		t.Fatalf("create connection: %v", err)
	}

	t.Run("active connection lookup", func(t *testing.T) {
		c, err := q.GetConnectionByOwner(ctx, "u1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if c == nil || c.AccountNo != "12345678-01" {
			t.Errorf("unexpected connection: %+v", c)
		}
	})

	t.Run("no connection returns nil", func(t *testing.T) {
		c, err := q.GetConnectionByOwner(ctx, "u2")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if c != nil {
			t.Errorf("want nil, got %+v", c)
		}
	})

	t.Run("exec log round trip", func(t *testing.T) {
		err := q.InsertExecLog(ctx, ExecLog{
			OwnerID: "u1", StrategyID: "s1", OrderID: "o1",
			Kind: LogKindOrderSubmitted, Message: "loc buy 5 @ 100", InstanceID: "host-a",
		})
		if err != nil {
			t.Fatalf("insert: %v", err)
		}
		logs, err := q.ListExecLogsByOwner(ctx, "u1", 10)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(logs) != 1 || logs[0].Kind != LogKindOrderSubmitted {
			t.Errorf("unexpected logs: %+v", logs)
		}
	})
}
