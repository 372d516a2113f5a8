package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/naegeon/kis-trading-sub000/internal/marketclock"
	"github.com/naegeon/kis-trading-sub000/internal/pricing"
	"github.com/naegeon/kis-trading-sub000/pkg/broker"
	"github.com/naegeon/kis-trading-sub000/pkg/db"
	"github.com/naegeon/kis-trading-sub000/pkg/i18n"
)

// runLooLoc brackets the US session: a limit-on-open buy staged in the
// premarket, then a limit-on-close buy and/or target sell once the regular
// session has settled past the debounce.
func (r *Runner) runLooLoc(ctx context.Context, s *db.Strategy, gw broker.Gateway) error {
	now := r.now()

	// LOO/LOC only exist on the US book. A KR-configured strategy is a
	// configuration error, not something a retry can fix.
	if s.Market != db.MarketUS {
		return r.endStrategy(ctx, s,
			fmt.Sprintf("unsupported market %s for LOO/LOC", s.Market),
			i18n.M().NotifyBadMarketTitle,
			fmt.Sprintf(i18n.M().NotifyBadMarketBody, s.Symbol, s.Market))
	}
	if r.clock.Weekend(db.MarketUS, now) {
		return nil
	}

	p, err := s.ParseLooLoc()
	if err != nil {
		r.logExec(ctx, s.OwnerID, s.ID, "", db.LogKindConfigError, err.Error())
		return fmt.Errorf("strategy %s: %w", s.ID, err)
	}

	st := r.clock.Status(now)
	if st.Session == marketclock.SessionClosed || st.Session == marketclock.SessionAfterMarket {
		return nil
	}

	today, err := r.queries.TodayOrdersByStrategy(ctx, s.ID, r.clock.DayStart(db.MarketUS, now))
	if err != nil {
		return fmt.Errorf("load today's orders for %s: %w", s.ID, err)
	}
	open, err := r.openOrders(ctx, gw, s)
	if err != nil {
		return fmt.Errorf("query open orders for %s: %w", s.ID, err)
	}
	today = r.repairAgainstBroker(ctx, s, today, open)

	// A user edit invalidates everything placed before it.
	today = r.cancelEdited(ctx, gw, s, today)

	if _, err := r.syncFills(ctx, s, today); err != nil {
		return err
	}
	if p, err = s.ParseLooLoc(); err != nil {
		return err
	}

	var errs []error

	if st.Session == marketclock.SessionPreMarket && st.CanSubmitOpeningLimit &&
		p.EnableOpenBuy && !existsEither(today, open, db.OrderTypeLOO, db.SideBuy) {
		if err := r.submitOpeningBuy(ctx, gw, s, p); err != nil {
			errs = append(errs, err)
		}
	}

	if st.Session == marketclock.SessionRegular && r.clock.CanEvaluateClosingCondition(now) {
		if p.EnableCloseBuy && !existsEither(today, open, db.OrderTypeLOC, db.SideBuy) {
			if err := r.submitClosingBuy(ctx, gw, s, p); err != nil {
				errs = append(errs, err)
			}
		}
		// The closing sell is always reissued once eligible, whatever the
		// live quote says: the closing auction decides the fill, our job is
		// only to have the order resting.
		if p.AvgCost.Qty > 0 && !existsEither(today, open, db.OrderTypeLOC, db.SideSell) {
			if err := r.submitClosingSell(ctx, gw, s, p); err != nil {
				errs = append(errs, err)
			}
		}
	}

	return errors.Join(errs...)
}

// submitOpeningBuy stages the LOO buy at the prior session close.
func (r *Runner) submitOpeningBuy(ctx context.Context, gw broker.Gateway, s *db.Strategy, p *db.LooLocParams) error {
	q, err := r.quote(ctx, gw, s)
	if err != nil {
		return fmt.Errorf("quote for opening buy: %w", err)
	}
	price := pricing.RoundToMarketTick(s.Market, db.SideBuy, q.PreviousClose)
	if price <= 0 {
		return fmt.Errorf("strategy %s: no prior close available for opening buy", s.ID)
	}
	_, err = r.submitOrder(ctx, gw, s, db.OrderTypeLOO, db.SideBuy, p.Quantity, price)
	return err
}

// submitClosingBuy prices the LOC buy at the opening print when flat, or at
// the running average cost once a position exists.
func (r *Runner) submitClosingBuy(ctx context.Context, gw broker.Gateway, s *db.Strategy, p *db.LooLocParams) error {
	var raw float64
	if p.AvgCost.Qty > 0 {
		raw = p.AvgCost.Cost
	} else {
		q, err := r.quote(ctx, gw, s)
		if err != nil {
			return fmt.Errorf("quote for closing buy: %w", err)
		}
		if q.OpeningPrice <= 0 {
			// No opening print yet; try again next tick.
			return nil
		}
		raw = q.OpeningPrice
	}
	price := pricing.RoundToMarketTick(s.Market, db.SideBuy, raw)
	_, err := r.submitOrder(ctx, gw, s, db.OrderTypeLOC, db.SideBuy, p.Quantity, price)
	return err
}

// submitClosingSell rests the full position at the target return price.
func (r *Runner) submitClosingSell(ctx context.Context, gw broker.Gateway, s *db.Strategy, p *db.LooLocParams) error {
	price := pricing.TargetSellPrice(s.Market, p.AvgCost.Cost, p.TargetReturnRate)
	o, err := r.submitOrder(ctx, gw, s, db.OrderTypeLOC, db.SideSell, p.AvgCost.Qty, price)
	if err != nil {
		return err
	}
	r.notifier.Notify(ctx, s.OwnerID, i18n.M().NotifySellTargetTitle,
		fmt.Sprintf(i18n.M().NotifySellTargetBody, s.Symbol, o.Qty, price),
		"/strategies/"+s.ID)
	return nil
}
