// Package executor turns due strategies into order actions. One Runner is
// shared by the scheduler; every broker call goes through the retry policy
// and every state change lands in orders, exec_logs and a notification.
package executor

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/naegeon/kis-trading-sub000/internal/events"
	"github.com/naegeon/kis-trading-sub000/internal/marketclock"
	"github.com/naegeon/kis-trading-sub000/internal/notify"
	"github.com/naegeon/kis-trading-sub000/pkg/broker"
	"github.com/naegeon/kis-trading-sub000/pkg/db"
	"github.com/naegeon/kis-trading-sub000/pkg/i18n"
	"github.com/naegeon/kis-trading-sub000/pkg/retry"
)

// Runner executes strategies against a broker gateway.
type Runner struct {
	queries  *db.Queries
	clock    *marketclock.Clock
	notifier notify.Notifier
	bus      *events.Bus
	policy   retry.Policy
	instance string
	now      func() time.Time
}

// New builds a Runner. bus may be nil.
func New(queries *db.Queries, clock *marketclock.Clock, notifier notify.Notifier, bus *events.Bus, policy retry.Policy, instanceID string) *Runner {
	if policy.RetryIf == nil {
		policy.RetryIf = broker.IsTransient
	}
	return &Runner{
		queries:  queries,
		clock:    clock,
		notifier: notifier,
		bus:      bus,
		policy:   policy,
		instance: instanceID,
		now:      time.Now,
	}
}

// Execute runs one strategy once. Returned errors are per-strategy; the
// scheduler isolates them so one strategy never takes down a tick.
func (r *Runner) Execute(ctx context.Context, s *db.Strategy, gw broker.Gateway) error {
	switch s.Type {
	case db.StrategyTypeLooLoc:
		return r.runLooLoc(ctx, s, gw)
	case db.StrategyTypeSplitOrder:
		return r.runSplitOrder(ctx, s, gw)
	default:
		r.logExec(ctx, s.OwnerID, s.ID, "", db.LogKindConfigError,
			fmt.Sprintf("unknown strategy type %q", s.Type))
		return fmt.Errorf("strategy %s: unknown type %q", s.ID, s.Type)
	}
}

// submitOrder sends one order through the retry policy and persists the
// outcome. A rejected submission is recorded as a FAILED row so the audit
// trail keeps every decision.
func (r *Runner) submitOrder(ctx context.Context, gw broker.Gateway, s *db.Strategy, orderType, side string, qty int64, price float64) (*db.Order, error) {
	o := db.Order{
		ID:           uuid.NewString(),
		StrategyID:   s.ID,
		OwnerID:      s.OwnerID,
		Symbol:       s.Symbol,
		Market:       s.Market,
		ExchangeHint: s.ExchangeHint,
		Side:         side,
		OrderType:    orderType,
		Qty:          qty,
		Price:        price,
		SubmittedAt:  r.now(),
	}

	var res broker.OrderResult
	attempts, err := retry.Do(ctx, r.policy, func() error {
		var e error
		res, e = gw.SubmitOrder(ctx, broker.OrderRequest{
			Symbol:       s.Symbol,
			Side:         side,
			OrderType:    orderType,
			Qty:          qty,
			Price:        price,
			Market:       s.Market,
			ExchangeHint: s.ExchangeHint,
		})
		return e
	})
	if err != nil {
		o.Status = db.OrderStatusFailed
		if dbErr := r.queries.CreateOrder(ctx, o); dbErr != nil {
			log.Printf("executor: persist failed order %s: %v", o.ID, dbErr)
		}
		r.logExec(ctx, s.OwnerID, s.ID, o.ID, db.LogKindOrderFailed,
			fmt.Sprintf("%s %s x%d after %d attempts: %v", side, orderType, qty, attempts, err))
		r.notifier.Notify(ctx, s.OwnerID, i18n.M().NotifyOrderFailedTitle,
			fmt.Sprintf(i18n.M().NotifyOrderFailedBody, s.Symbol, side, qty, err.Error()),
			"/strategies/"+s.ID)
		r.publish(events.EventOrderFailed, o)
		return nil, err
	}

	o.BrokerOrderID = res.BrokerOrderID
	o.Status = db.OrderStatusSubmitted
	if err := r.queries.CreateOrder(ctx, o); err != nil {
		return nil, fmt.Errorf("persist order %s: %w", o.ID, err)
	}
	r.logExec(ctx, s.OwnerID, s.ID, o.ID, db.LogKindOrderSubmitted,
		fmt.Sprintf("%s %s x%d @ %.2f (broker %s, %d attempts)", side, orderType, qty, price, res.BrokerOrderID, attempts))
	r.notifier.Notify(ctx, s.OwnerID, i18n.M().NotifyOrderSubmittedTitle,
		fmt.Sprintf(i18n.M().NotifyOrderSubmittedBody, s.Symbol, side, orderType, qty, price),
		"/strategies/"+s.ID)
	r.publish(events.EventOrderSubmitted, o)
	return &o, nil
}

// cancelOrder cancels one open order and persists the transition.
func (r *Runner) cancelOrder(ctx context.Context, gw broker.Gateway, s *db.Strategy, o *db.Order) error {
	_, err := retry.Do(ctx, r.policy, func() error {
		return gw.CancelOrder(ctx, broker.CancelRequest{
			BrokerOrderID: o.BrokerOrderID,
			Symbol:        o.Symbol,
			Qty:           o.Qty - o.FilledQty,
			Market:        o.Market,
			ExchangeHint:  o.ExchangeHint,
		})
	})
	if err != nil {
		r.logExec(ctx, s.OwnerID, s.ID, o.ID, db.LogKindOrderFailed,
			fmt.Sprintf("cancel %s failed: %v", o.BrokerOrderID, err))
		return err
	}
	if err := r.queries.UpdateOrderStatus(ctx, o.ID, db.OrderStatusCancelled); err != nil {
		return err
	}
	o.Status = db.OrderStatusCancelled
	r.logExec(ctx, s.OwnerID, s.ID, o.ID, db.LogKindOrderCancelled,
		fmt.Sprintf("%s %s x%d cancelled (broker %s)", o.Side, o.OrderType, o.Qty, o.BrokerOrderID))
	r.notifier.Notify(ctx, s.OwnerID, i18n.M().NotifyOrderCancelledTitle,
		fmt.Sprintf(i18n.M().NotifyOrderCancelledBody, o.Symbol, o.Side, o.Qty),
		"/strategies/"+s.ID)
	r.publish(events.EventOrderCancelled, *o)
	return nil
}

// repairAgainstBroker restores local CANCELLED rows that the broker still
// shows open. Local and broker can disagree in exactly this direction after
// a mid-cancel crash; "exists in either source" must mean do-not-duplicate,
// so the local record is repaired before any duplicate check runs.
func (r *Runner) repairAgainstBroker(ctx context.Context, s *db.Strategy, today []db.Order, open []broker.OpenOrder) []db.Order {
	byBrokerID := make(map[string]bool, len(open))
	for _, oo := range open {
		byBrokerID[oo.BrokerOrderID] = true
	}
	for i := range today {
		o := &today[i]
		if o.Status != db.OrderStatusCancelled || o.BrokerOrderID == "" || !byBrokerID[o.BrokerOrderID] {
			continue
		}
		if err := r.queries.RepairOrderStatus(ctx, o.ID); err != nil {
			log.Printf("executor: repair order %s: %v", o.ID, err)
			continue
		}
		o.Status = db.OrderStatusSubmitted
		r.logExec(ctx, s.OwnerID, s.ID, o.ID, db.LogKindOrderRepaired,
			fmt.Sprintf("broker still shows %s open, restored to SUBMITTED", o.BrokerOrderID))
		r.notifier.Notify(ctx, s.OwnerID, i18n.M().NotifyRepairTitle,
			fmt.Sprintf(i18n.M().NotifyRepairBody, o.BrokerOrderID),
			"/strategies/"+s.ID)
		r.publish(events.EventOrderRepaired, *o)
	}
	return today
}

// cancelEdited cancels open orders submitted before the strategy's last user
// edit. Returns the refreshed slice with cancelled rows marked.
func (r *Runner) cancelEdited(ctx context.Context, gw broker.Gateway, s *db.Strategy, today []db.Order) []db.Order {
	for i := range today {
		o := &today[i]
		if !o.Open() || !o.SubmittedAt.Before(s.UpdatedAt) {
			continue
		}
		if err := r.cancelOrder(ctx, gw, s, o); err != nil {
			log.Printf("executor: cancel stale order %s for edited strategy %s: %v", o.ID, s.ID, err)
		}
	}
	return today
}

// existsEither reports whether a same-day order of (orderType, side) exists
// in the local rows or the broker's open-order book. Local FAILED and
// CANCELLED rows do not count; anything resting or filled does.
func existsEither(today []db.Order, open []broker.OpenOrder, orderType, side string) bool {
	for _, o := range today {
		if o.OrderType != orderType || o.Side != side {
			continue
		}
		switch o.Status {
		case db.OrderStatusSubmitted, db.OrderStatusPartiallyFilled, db.OrderStatusFilled:
			return true
		}
	}
	for _, oo := range open {
		if oo.OrderType == orderType && oo.Side == side {
			return true
		}
	}
	return false
}

// syncFills folds same-day filled buys that are not yet reflected in the
// strategy's running average. Returns whether any new fill was folded.
func (r *Runner) syncFills(ctx context.Context, s *db.Strategy, today []db.Order) (bool, error) {
	folded := false
	for _, o := range today {
		if o.Side != db.SideBuy || o.Status != db.OrderStatusFilled {
			continue
		}
		raw, changed, err := s.FoldFill(o.ID, o.AvgFillPrice, o.FilledQty)
		if err != nil {
			return folded, err
		}
		if !changed {
			continue
		}
		s.Parameters = raw
		folded = true
		r.logExec(ctx, s.OwnerID, s.ID, o.ID, db.LogKindPositionUpdated,
			fmt.Sprintf("folded fill x%d @ %.2f into average", o.FilledQty, o.AvgFillPrice))
	}
	if folded {
		if err := r.queries.SaveStrategyParams(ctx, s.ID, s.Parameters); err != nil {
			return folded, fmt.Errorf("save folded params for %s: %w", s.ID, err)
		}
	}
	return folded, nil
}

// endStrategy transitions a strategy to ENDED with a log row and owner
// notification.
func (r *Runner) endStrategy(ctx context.Context, s *db.Strategy, reason, title, body string) error {
	if err := r.queries.SetStrategyStatus(ctx, s.ID, db.StrategyStatusEnded); err != nil {
		return err
	}
	s.Status = db.StrategyStatusEnded
	r.logExec(ctx, s.OwnerID, s.ID, "", db.LogKindStrategyEnded, reason)
	r.notifier.Notify(ctx, s.OwnerID, title, body, "/strategies/"+s.ID)
	r.publish(events.EventStrategyEnded, *s)
	return nil
}

func (r *Runner) openOrders(ctx context.Context, gw broker.Gateway, s *db.Strategy) ([]broker.OpenOrder, error) {
	var open []broker.OpenOrder
	_, err := retry.Do(ctx, r.policy, func() error {
		var e error
		open, e = gw.GetOpenOrders(ctx, s.Symbol, s.ExchangeHint)
		return e
	})
	return open, err
}

func (r *Runner) quote(ctx context.Context, gw broker.Gateway, s *db.Strategy) (broker.Quote, error) {
	var q broker.Quote
	_, err := retry.Do(ctx, r.policy, func() error {
		var e error
		q, e = gw.GetQuote(ctx, s.Symbol, s.ExchangeHint)
		return e
	})
	return q, err
}

func (r *Runner) logExec(ctx context.Context, ownerID, strategyID, orderID, kind, msg string) {
	err := r.queries.InsertExecLog(ctx, db.ExecLog{
		OwnerID:    ownerID,
		StrategyID: strategyID,
		OrderID:    orderID,
		Kind:       kind,
		Message:    msg,
		InstanceID: r.instance,
	})
	if err != nil {
		log.Printf("executor: exec log (%s %s): %v", kind, msg, err)
	}
}

func (r *Runner) publish(e events.Event, payload any) {
	if r.bus != nil {
		r.bus.Publish(e, payload)
	}
}
