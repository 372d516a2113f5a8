// Package reconcile converges local order rows to the broker's authoritative
// state. It runs as its own batch tick, independent of strategy execution.
package reconcile

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/naegeon/kis-trading-sub000/internal/events"
	"github.com/naegeon/kis-trading-sub000/internal/marketclock"
	"github.com/naegeon/kis-trading-sub000/internal/notify"
	"github.com/naegeon/kis-trading-sub000/pkg/broker"
	"github.com/naegeon/kis-trading-sub000/pkg/db"
	"github.com/naegeon/kis-trading-sub000/pkg/i18n"
	"github.com/naegeon/kis-trading-sub000/pkg/retry"
)

// GatewaySource hands out the broker session for an owner. Satisfied by the
// gateway pool; tests plug in fakes.
type GatewaySource interface {
	ForOwner(ctx context.Context, ownerID string) (broker.Gateway, error)
}

// Counts summarizes one reconciliation tick.
type Counts struct {
	Checked int
	Updated int
	Skipped int
	Swept   int
	Errors  int
}

// Service reconciles pending orders and sweeps stale ones.
type Service struct {
	queries  *db.Queries
	clock    *marketclock.Clock
	gateways GatewaySource
	notifier notify.Notifier
	bus      *events.Bus
	policy   retry.Policy
	instance string
	now      func() time.Time
}

// New builds the reconciliation service. bus may be nil.
func New(queries *db.Queries, clock *marketclock.Clock, gateways GatewaySource, notifier notify.Notifier, bus *events.Bus, policy retry.Policy, instanceID string) *Service {
	if policy.RetryIf == nil {
		policy.RetryIf = broker.IsTransient
	}
	return &Service{
		queries:  queries,
		clock:    clock,
		gateways: gateways,
		notifier: notifier,
		bus:      bus,
		policy:   policy,
		instance: instanceID,
		now:      time.Now,
	}
}

// Run reconciles the batch window of pending orders, then sweeps stale ones.
// Per-order failures are counted and never abort the tick; the tick always
// completes and reports aggregate counts.
func (s *Service) Run(ctx context.Context, offset, size int) (Counts, error) {
	var counts Counts

	pending, err := s.queries.PendingOrders(ctx, offset, size)
	if err != nil {
		return counts, fmt.Errorf("load pending orders: %w", err)
	}

	// A per-owner setup failure (no connection, bad credentials) skips that
	// owner's orders for this tick only.
	badOwners := map[string]bool{}
	for i := range pending {
		o := &pending[i]
		if badOwners[o.OwnerID] {
			counts.Skipped++
			continue
		}
		gw, err := s.gateways.ForOwner(ctx, o.OwnerID)
		if err != nil {
			log.Printf("reconcile: owner %s setup failed, skipping their batch: %v", o.OwnerID, err)
			badOwners[o.OwnerID] = true
			counts.Skipped++
			continue
		}
		counts.Checked++
		updated, err := s.reconcileOrder(ctx, gw, o)
		if err != nil {
			counts.Errors++
			log.Printf("reconcile: order %s: %v", o.ID, err)
			continue
		}
		if updated {
			counts.Updated++
		}
	}

	swept, sweepErrs := s.sweepStale(ctx)
	counts.Swept = swept
	counts.Errors += sweepErrs
	return counts, nil
}

// reconcileOrder converges one order. Returns whether anything was written.
func (s *Service) reconcileOrder(ctx context.Context, gw broker.Gateway, o *db.Order) (bool, error) {
	now := s.now()

	// A conditional order on the US book is invisible to the fill inquiry
	// outside the regular session; querying it then would misreport it as
	// cancelled.
	if (o.OrderType == db.OrderTypeLOO || o.OrderType == db.OrderTypeLOC) && o.Market == db.MarketUS {
		if s.clock.Status(now).Session != marketclock.SessionRegular {
			return false, nil
		}
	}

	var detail broker.OrderDetail
	_, err := retry.Do(ctx, s.policy, func() error {
		var e error
		detail, e = gw.GetOrderDetail(ctx, broker.DetailRequest{
			BrokerOrderID: o.BrokerOrderID,
			Symbol:        o.Symbol,
			Market:        o.Market,
			ExchangeHint:  o.ExchangeHint,
		})
		return e
	})
	if err != nil {
		return false, fmt.Errorf("query detail for %s: %w", o.BrokerOrderID, err)
	}

	newStatus, ok := mapStatus(detail.Status)
	if !ok || newStatus == o.Status {
		return false, nil
	}

	var filledAt time.Time
	if newStatus == db.OrderStatusFilled {
		filledAt = now
	}
	if err := s.queries.UpdateOrderFill(ctx, o.ID, newStatus, detail.FilledQty, detail.AvgFillPrice, filledAt); err != nil {
		return false, err
	}
	prev := o.Status
	o.Status = newStatus
	o.FilledQty = detail.FilledQty
	o.AvgFillPrice = detail.AvgFillPrice

	s.logAndNotify(ctx, o, detail)

	// Only LooLoc folds here, and only a newly filled buy: split-order
	// strategies fold inside their own executor via the processed-id list.
	if newStatus == db.OrderStatusFilled && prev != db.OrderStatusFilled && o.Side == db.SideBuy && o.StrategyID != "" {
		if err := s.foldLooLocFill(ctx, o); err != nil {
			return true, err
		}
	}
	return true, nil
}

// mapStatus translates a broker detail status into the local order status.
// The not-found sentinel is the broker's convention for expired conditional
// orders and maps to CANCELLED; an unrecognized status is FAILED so it can
// never sit in the pending set forever.
func mapStatus(brokerStatus string) (string, bool) {
	switch brokerStatus {
	case broker.StatusFilled:
		return db.OrderStatusFilled, true
	case broker.StatusPartiallyFilled:
		return db.OrderStatusPartiallyFilled, true
	case broker.StatusCancelled, broker.StatusNotFound:
		return db.OrderStatusCancelled, true
	case broker.StatusOpen:
		return "", false
	default:
		return db.OrderStatusFailed, true
	}
}

func (s *Service) foldLooLocFill(ctx context.Context, o *db.Order) error {
	st, err := s.queries.GetStrategy(ctx, o.StrategyID)
	if err != nil {
		if err == db.ErrStrategyNotFound {
			return nil // orphaned order, nothing to fold into
		}
		return err
	}
	if st.Type != db.StrategyTypeLooLoc {
		return nil
	}
	raw, changed, err := st.FoldFill(o.ID, o.AvgFillPrice, o.FilledQty)
	if err != nil {
		return fmt.Errorf("fold fill %s into strategy %s: %w", o.ID, st.ID, err)
	}
	if !changed {
		return nil
	}
	if err := s.queries.SaveStrategyParams(ctx, st.ID, raw); err != nil {
		return err
	}
	s.logExec(ctx, o.OwnerID, st.ID, o.ID, db.LogKindPositionUpdated,
		fmt.Sprintf("folded fill x%d @ %.2f into average", o.FilledQty, o.AvgFillPrice))
	if s.bus != nil {
		s.bus.Publish(events.EventPositionChange, *st)
	}
	return nil
}

// sweepStale force-cancels orders still SUBMITTED from before today once
// their market has closed for the day. The broker has already purged them
// from its intraday book. Tolerates orders whose strategy is gone.
func (s *Service) sweepStale(ctx context.Context) (swept, errs int) {
	now := s.now()
	// The earlier of the two market day starts bounds "before today" for
	// both; ClosedForDay filters per market below.
	cutoff := s.clock.DayStart(db.MarketUS, now)
	if kr := s.clock.DayStart(db.MarketKR, now); kr.After(cutoff) {
		cutoff = kr
	}

	stale, err := s.queries.StaleSubmittedBefore(ctx, cutoff)
	if err != nil {
		log.Printf("reconcile: load stale orders: %v", err)
		return 0, 1
	}
	for i := range stale {
		o := &stale[i]
		if o.SubmittedAt.After(s.clock.DayStart(o.Market, now)) || !s.clock.ClosedForDay(o.Market, now) {
			continue
		}
		if err := s.queries.UpdateOrderStatus(ctx, o.ID, db.OrderStatusCancelled); err != nil {
			errs++
			log.Printf("reconcile: sweep order %s: %v", o.ID, err)
			continue
		}
		swept++
		s.logExec(ctx, o.OwnerID, o.StrategyID, o.ID, db.LogKindOrderSwept,
			fmt.Sprintf("submitted %s, force-cancelled after market close", o.SubmittedAt.Format(time.RFC3339)))
		s.notifier.Notify(ctx, o.OwnerID, i18n.M().NotifyStaleCancelledTitle,
			fmt.Sprintf(i18n.M().NotifyStaleCancelledBody, o.Symbol), "/orders/"+o.ID)
	}
	return swept, errs
}

func (s *Service) logAndNotify(ctx context.Context, o *db.Order, detail broker.OrderDetail) {
	m := i18n.M()
	switch o.Status {
	case db.OrderStatusFilled:
		s.logExec(ctx, o.OwnerID, o.StrategyID, o.ID, db.LogKindOrderFilled,
			fmt.Sprintf("%s x%d filled @ %.2f", o.Side, o.FilledQty, o.AvgFillPrice))
		s.notifier.Notify(ctx, o.OwnerID, m.NotifyOrderFilledTitle,
			fmt.Sprintf(m.NotifyOrderFilledBody, o.Symbol, o.Side, o.FilledQty, o.AvgFillPrice), "/orders/"+o.ID)
		s.publish(events.EventOrderFilled, *o)
	case db.OrderStatusPartiallyFilled:
		s.logExec(ctx, o.OwnerID, o.StrategyID, o.ID, db.LogKindOrderPartial,
			fmt.Sprintf("%s %d/%d filled @ %.2f", o.Side, o.FilledQty, o.Qty, o.AvgFillPrice))
		s.notifier.Notify(ctx, o.OwnerID, m.NotifyOrderPartialTitle,
			fmt.Sprintf(m.NotifyOrderPartialBody, o.Symbol, o.Side, o.FilledQty, o.Qty, o.AvgFillPrice), "/orders/"+o.ID)
		s.publish(events.EventOrderPartial, *o)
	case db.OrderStatusCancelled:
		s.logExec(ctx, o.OwnerID, o.StrategyID, o.ID, db.LogKindOrderCancelled,
			fmt.Sprintf("%s x%d cancelled at broker", o.Side, o.Qty))
		s.notifier.Notify(ctx, o.OwnerID, m.NotifyOrderCancelledTitle,
			fmt.Sprintf(m.NotifyOrderCancelledBody, o.Symbol, o.Side, o.Qty), "/orders/"+o.ID)
		s.publish(events.EventOrderCancelled, *o)
	case db.OrderStatusFailed:
		s.logExec(ctx, o.OwnerID, o.StrategyID, o.ID, db.LogKindOrderFailed,
			fmt.Sprintf("broker reported unrecognized status %q", detail.Status))
		s.notifier.Notify(ctx, o.OwnerID, m.NotifyOrderFailedTitle,
			fmt.Sprintf(m.NotifyOrderFailedBody, o.Symbol, o.Side, o.Qty, detail.Status), "/orders/"+o.ID)
		s.publish(events.EventOrderFailed, *o)
	}
}

func (s *Service) logExec(ctx context.Context, ownerID, strategyID, orderID, kind, msg string) {
	err := s.queries.InsertExecLog(ctx, db.ExecLog{
		OwnerID:    ownerID,
		StrategyID: strategyID,
		OrderID:    orderID,
		Kind:       kind,
		Message:    msg,
		InstanceID: s.instance,
	})
	if err != nil {
		log.Printf("reconcile: exec log (%s %s): %v", kind, msg, err)
	}
}

func (s *Service) publish(e events.Event, payload any) {
	if s.bus != nil {
		s.bus.Publish(e, payload)
	}
}
