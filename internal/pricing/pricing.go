// Package pricing holds the tick-size, ladder and distribution math used by
// the strategy executors. All functions are pure; callers pass market and side
// and get exchange-submittable prices back.
package pricing

import (
	"fmt"
	"math"

	"github.com/naegeon/kis-trading-sub000/pkg/db"
)

// Guards against float noise when a price is already on a tick boundary.
const tickEpsilon = 1e-9

// krxTick returns the KRX tick size for a price band.
func krxTick(price float64) float64 {
	switch {
	case price < 2_000:
		return 1
	case price < 5_000:
		return 5
	case price < 20_000:
		return 10
	case price < 50_000:
		return 50
	case price < 200_000:
		return 100
	case price < 500_000:
		return 500
	default:
		return 1_000
	}
}

// RoundToMarketTick snaps a raw price onto the market's price grid.
//
// US prices round half-up to the cent for either side. KR prices snap to the
// KRX tick table, rounding down for buys and up for sells so the rounded
// price is never more aggressive than the raw one. Rounding an already
// rounded price returns it unchanged.
func RoundToMarketTick(market, side string, price float64) float64 {
	if price <= 0 {
		return 0
	}
	if market == db.MarketKR {
		tick := krxTick(price)
		if side == db.SideSell {
			return math.Ceil(price/tick-tickEpsilon) * tick
		}
		return math.Floor(price/tick+tickEpsilon) * tick
	}
	return math.Floor(price*100+0.5+tickEpsilon) / 100
}

// TargetSellPrice computes the take-profit limit for an average cost and a
// percent return rate (5 means +5%), snapped to the market grid.
func TargetSellPrice(market string, avgCost, returnRatePercent float64) float64 {
	return RoundToMarketTick(market, db.SideSell, avgCost*(1+returnRatePercent/100))
}

// Distribute splits a total quantity across n slots by shape. Every result
// sums to exactly total and every slot is at least 1.
//
// EQUAL gives each slot total/n with the remainder spread one share each to
// the first slots, so slots differ by at most one. PYRAMID weights slots 1..n
// so later slots are larger, with the rounding residual added to the last
// slot. INV_PYRAMID is the exact reverse of PYRAMID.
func Distribute(total int64, n int, shape string) ([]int64, error) {
	if n <= 0 {
		return nil, fmt.Errorf("distribute: order count must be positive, got %d", n)
	}
	if total < int64(n) {
		return nil, fmt.Errorf("distribute: total %d cannot fill %d slots", total, n)
	}

	switch shape {
	case db.ShapeEqual:
		out := make([]int64, n)
		base := total / int64(n)
		rem := total % int64(n)
		for i := range out {
			out[i] = base
			if int64(i) < rem {
				out[i]++
			}
		}
		return out, nil

	case db.ShapePyramid:
		return pyramid(total, n), nil

	case db.ShapeInvPyramid:
		out := pyramid(total, n)
		for i, j := 0, n-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
		return out, nil

	default:
		return nil, fmt.Errorf("distribute: unknown shape %q", shape)
	}
}

// pyramid weights slot i (1-based) by i; residual goes to the last slot.
func pyramid(total int64, n int) []int64 {
	weightSum := int64(n) * int64(n+1) / 2
	out := make([]int64, n)
	var assigned int64
	for i := 0; i < n; i++ {
		q := total * int64(i+1) / weightSum
		if q < 1 {
			q = 1
		}
		out[i] = q
		assigned += q
	}
	out[n-1] += total - assigned
	return out
}

// SplitPrices builds the n-rung price ladder for a split order. The first
// rung is the base price snapped to the grid; each following rung steps away
// from the trader (down for buys, up for sells) from the previous rung's
// rounded price. A PERCENT step compounds on the running price, an AMOUNT
// step is a fixed offset.
func SplitPrices(market, side string, base, step float64, stepUnit string, n int) ([]float64, error) {
	if n <= 0 {
		return nil, fmt.Errorf("split prices: order count must be positive, got %d", n)
	}
	if base <= 0 {
		return nil, fmt.Errorf("split prices: base price must be positive, got %g", base)
	}

	dir := -1.0
	if side == db.SideSell {
		dir = 1.0
	}

	out := make([]float64, 0, n)
	price := RoundToMarketTick(market, side, base)
	out = append(out, price)
	for i := 1; i < n; i++ {
		var raw float64
		switch stepUnit {
		case db.StepUnitPercent:
			raw = price * (1 + dir*step/100)
		case db.StepUnitAmount:
			raw = price + dir*step
		default:
			return nil, fmt.Errorf("split prices: unknown step unit %q", stepUnit)
		}
		if raw <= 0 {
			return nil, fmt.Errorf("split prices: ladder rung %d fell to %g", i+1, raw)
		}
		price = RoundToMarketTick(market, side, raw)
		out = append(out, price)
	}
	return out, nil
}
