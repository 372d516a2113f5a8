package executor

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/naegeon/kis-trading-sub000/internal/pricing"
	"github.com/naegeon/kis-trading-sub000/pkg/broker"
	"github.com/naegeon/kis-trading-sub000/pkg/db"
	"github.com/naegeon/kis-trading-sub000/pkg/i18n"
)

// runSplitOrder drives the one-shot-per-day ladder: stage N buys across a
// price ladder, fold fills into the running average, and keep a single
// target sell resting for the whole accumulated position.
func (r *Runner) runSplitOrder(ctx context.Context, s *db.Strategy, gw broker.Gateway) error {
	now := r.now()
	dayStart := r.clock.DayStart(s.Market, now)

	// Explicitly single-day: a strategy created on an earlier trading day
	// is done, whatever state it is in.
	if s.CreatedAt.Before(dayStart) {
		return r.endStrategy(ctx, s,
			"single-day strategy outlived its trading day",
			i18n.M().NotifyStrategyEndedTitle,
			fmt.Sprintf(i18n.M().NotifyStrategyEndedBody, s.Type, s.Symbol))
	}

	p, err := s.ParseSplitOrder()
	if err != nil {
		r.logExec(ctx, s.OwnerID, s.ID, "", db.LogKindConfigError, err.Error())
		return fmt.Errorf("strategy %s: %w", s.ID, err)
	}

	today, err := r.queries.TodayOrdersByStrategy(ctx, s.ID, dayStart)
	if err != nil {
		return fmt.Errorf("load today's orders for %s: %w", s.ID, err)
	}
	open, err := r.openOrders(ctx, gw, s)
	if err != nil {
		return fmt.Errorf("query open orders for %s: %w", s.ID, err)
	}
	today = r.repairAgainstBroker(ctx, s, today, open)

	// Fill sync: fold filled buys the processed-id list has not seen.
	newFill, err := r.syncFills(ctx, s, today)
	if err != nil {
		return err
	}
	if p, err = s.ParseSplitOrder(); err != nil {
		return err
	}
	if newFill {
		r.notifier.Notify(ctx, s.OwnerID, i18n.M().NotifyPositionUpdatedTitle,
			fmt.Sprintf(i18n.M().NotifyPositionUpdatedBody, s.Symbol, p.AvgCost.Cost, p.AvgCost.Qty),
			"/strategies/"+s.ID)
	}

	// A filled target sell means the whole position is gone: the strategy
	// is complete.
	for _, o := range today {
		if o.Side == db.SideSell && o.Status == db.OrderStatusFilled {
			return r.endStrategy(ctx, s,
				"target sell filled, position closed",
				i18n.M().NotifySplitCompleteTitle,
				fmt.Sprintf(i18n.M().NotifySplitCompleteBody, s.Symbol))
		}
	}

	var errs []error

	if err := r.manageTargetSell(ctx, gw, s, p, today, newFill); err != nil {
		errs = append(errs, err)
	}
	if err := r.stageBuyLadder(ctx, gw, s, p, today, open); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// manageTargetSell keeps exactly one sell resting at the recomputed target.
// Without a new fill a standing sell is left alone to avoid churn; after a
// fill it is cancelled (tolerating failure) and reissued for the grown
// position.
func (r *Runner) manageTargetSell(ctx context.Context, gw broker.Gateway, s *db.Strategy, p *db.SplitOrderParams, today []db.Order, newFill bool) error {
	if p.AvgCost.Qty <= 0 || p.AvgCost.Cost <= 0 {
		return nil
	}

	var standing *db.Order
	sellSeenToday := false
	for i := range today {
		o := &today[i]
		if o.Side != db.SideSell {
			continue
		}
		sellSeenToday = true
		if o.Open() {
			standing = o
		}
	}

	if standing != nil && !newFill {
		return nil
	}
	if standing != nil {
		if err := r.cancelOrder(ctx, gw, s, standing); err != nil {
			// Keep going: a duplicate resting sell is recoverable, a
			// missing one is not.
			log.Printf("executor: cancel standing sell %s: %v", standing.ID, err)
		}
	} else if sellSeenToday && !newFill {
		// Earlier sell was cancelled or failed and nothing changed since;
		// wait for a fill rather than churning.
		return nil
	}

	target := pricing.TargetSellPrice(s.Market, p.AvgCost.Cost, p.TargetReturnRate)
	o, err := r.submitOrder(ctx, gw, s, db.OrderTypeLimit, db.SideSell, p.AvgCost.Qty, target)
	if err != nil {
		return err
	}
	r.notifier.Notify(ctx, s.OwnerID, i18n.M().NotifySellTargetTitle,
		fmt.Sprintf(i18n.M().NotifySellTargetBody, s.Symbol, o.Qty, target),
		"/strategies/"+s.ID)
	return nil
}

// stageBuyLadder submits the day's buy ladder once. A user edit invalidates
// previously placed buys: pending ones are cancelled and the ladder is
// restaged; slot failures are independent.
func (r *Runner) stageBuyLadder(ctx context.Context, gw broker.Gateway, s *db.Strategy, p *db.SplitOrderParams, today []db.Order, open []broker.OpenOrder) error {
	buyExists := false
	edited := false
	for i := range today {
		o := &today[i]
		if o.Side != db.SideBuy {
			continue
		}
		switch o.Status {
		case db.OrderStatusSubmitted, db.OrderStatusPartiallyFilled, db.OrderStatusFilled:
			buyExists = true
			if o.Open() && o.SubmittedAt.Before(s.UpdatedAt) {
				edited = true
			}
		}
	}
	if !buyExists {
		for _, oo := range open {
			if oo.Side == db.SideBuy {
				buyExists = true
			}
		}
	}

	if buyExists && !edited {
		return nil
	}
	if edited {
		for i := range today {
			o := &today[i]
			if o.Side == db.SideBuy && o.Open() && o.SubmittedAt.Before(s.UpdatedAt) {
				if err := r.cancelOrder(ctx, gw, s, o); err != nil {
					return fmt.Errorf("cancel pre-edit buy %s: %w", o.ID, err)
				}
			}
		}
	}

	qtys, err := pricing.Distribute(p.TotalQuantity, p.OrderCount, p.Shape)
	if err != nil {
		r.logExec(ctx, s.OwnerID, s.ID, "", db.LogKindConfigError, err.Error())
		return err
	}
	prices, err := pricing.SplitPrices(s.Market, db.SideBuy, p.BasePrice, p.PriceStep, p.StepUnit, p.OrderCount)
	if err != nil {
		r.logExec(ctx, s.OwnerID, s.ID, "", db.LogKindConfigError, err.Error())
		return err
	}

	var errs []error
	for i := 0; i < p.OrderCount; i++ {
		if qtys[i] <= 0 {
			continue
		}
		if _, err := r.submitOrder(ctx, gw, s, db.OrderTypeLimit, db.SideBuy, qtys[i], prices[i]); err != nil {
			errs = append(errs, fmt.Errorf("ladder slot %d: %w", i+1, err))
		}
	}
	return errors.Join(errs...)
}
