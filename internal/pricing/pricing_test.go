package pricing

import (
	"math"
	"testing"

	"github.com/naegeon/kis-trading-sub000/pkg/db"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-6
}

func TestRoundToMarketTick(t *testing.T) {
	t.Run("US half-up to cents", func(t *testing.T) {
		cases := []struct{ in, want float64 }{
			{102.5535, 102.55},
			{102.555, 102.56},
			{100.0, 100.0},
			{99.994, 99.99},
		}
		for _, c := range cases {
			for _, side := range []string{db.SideBuy, db.SideSell} {
				if got := RoundToMarketTick(db.MarketUS, side, c.in); !almostEqual(got, c.want) {
					t.Errorf("US %s %g = %g, want %g", side, c.in, got, c.want)
				}
			}
		}
	})

	t.Run("KR tick bands", func(t *testing.T) {
		cases := []struct {
			price, buyWant, sellWant float64
		}{
			{1_999.4, 1_999, 2_000},
			{4_321, 4_320, 4_325},
			{19_994, 19_990, 20_000},
			{49_960, 49_950, 50_000},
			{151_230, 151_200, 151_300},
			{499_800, 499_500, 500_000},
			{1_234_567, 1_234_000, 1_235_000},
		}
		for _, c := range cases {
			if got := RoundToMarketTick(db.MarketKR, db.SideBuy, c.price); !almostEqual(got, c.buyWant) {
				t.Errorf("KR buy %g = %g, want %g", c.price, got, c.buyWant)
			}
			if got := RoundToMarketTick(db.MarketKR, db.SideSell, c.price); !almostEqual(got, c.sellWant) {
				t.Errorf("KR sell %g = %g, want %g", c.price, got, c.sellWant)
			}
		}
	})

	t.Run("idempotent", func(t *testing.T) {
		for _, market := range []string{db.MarketUS, db.MarketKR} {
			for _, side := range []string{db.SideBuy, db.SideSell} {
				for _, p := range []float64{102.55, 100, 4_320, 151_300, 500_000} {
					once := RoundToMarketTick(market, side, p)
					twice := RoundToMarketTick(market, side, once)
					if !almostEqual(once, twice) {
						t.Errorf("%s %s: round(%g) = %g then %g", market, side, p, once, twice)
					}
				}
			}
		}
	})
}

func TestTargetSellPrice(t *testing.T) {
	if got := TargetSellPrice(db.MarketUS, 97.67, 5); !almostEqual(got, 102.55) {
		t.Errorf("97.67 +5%% = %g, want 102.55", got)
	}
	if got := TargetSellPrice(db.MarketKR, 9_870, 3); !almostEqual(got, 10_170) {
		// 9870*1.03 = 10166.1, sell rounds up on the 10-won band
		t.Errorf("KR 9870 +3%% = %g, want 10170", got)
	}
}

func TestDistribute(t *testing.T) {
	sum := func(xs []int64) int64 {
		var s int64
		for _, x := range xs {
			s += x
		}
		return s
	}

	t.Run("pyramid exact", func(t *testing.T) {
		got, err := Distribute(15, 5, db.ShapePyramid)
		if err != nil {
			t.Fatal(err)
		}
		want := []int64{1, 2, 3, 4, 5}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("pyramid = %v, want %v", got, want)
			}
		}
	})

	t.Run("inverted pyramid is the reverse", func(t *testing.T) {
		got, err := Distribute(15, 5, db.ShapeInvPyramid)
		if err != nil {
			t.Fatal(err)
		}
		want := []int64{5, 4, 3, 2, 1}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("inv pyramid = %v, want %v", got, want)
			}
		}
	})

	t.Run("equal spreads remainder to the first slots", func(t *testing.T) {
		got, err := Distribute(17, 5, db.ShapeEqual)
		if err != nil {
			t.Fatal(err)
		}
		want := []int64{4, 4, 3, 3, 3}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("equal = %v, want %v", got, want)
			}
		}
	})

	t.Run("always sums to total with no empty slot", func(t *testing.T) {
		for _, shape := range []string{db.ShapeEqual, db.ShapePyramid, db.ShapeInvPyramid} {
			for _, tc := range []struct {
				total int64
				n     int
			}{{15, 5}, {16, 5}, {100, 7}, {7, 7}, {1000, 3}} {
				got, err := Distribute(tc.total, tc.n, shape)
				if err != nil {
					t.Fatalf("%s %d/%d: %v", shape, tc.total, tc.n, err)
				}
				if sum(got) != tc.total {
					t.Errorf("%s %d/%d sums to %d: %v", shape, tc.total, tc.n, sum(got), got)
				}
				for i, q := range got {
					if q < 1 {
						t.Errorf("%s %d/%d has empty slot: %v", shape, tc.total, tc.n, got)
					}
					if shape == db.ShapePyramid && i > 0 && q < got[i-1] {
						t.Errorf("pyramid %d/%d not non-decreasing: %v", tc.total, tc.n, got)
					}
				}
			}
		}
	})

	t.Run("rejects impossible splits", func(t *testing.T) {
		if _, err := Distribute(3, 5, db.ShapeEqual); err == nil {
			t.Error("want error for total < n")
		}
		if _, err := Distribute(10, 0, db.ShapeEqual); err == nil {
			t.Error("want error for zero slots")
		}
		if _, err := Distribute(10, 2, "SPIRAL"); err == nil {
			t.Error("want error for unknown shape")
		}
	})
}

func TestSplitPrices(t *testing.T) {
	t.Run("US amount ladder steps down for buys", func(t *testing.T) {
		got, err := SplitPrices(db.MarketUS, db.SideBuy, 100, 1, db.StepUnitAmount, 5)
		if err != nil {
			t.Fatal(err)
		}
		want := []float64{100, 99, 98, 97, 96}
		for i := range want {
			if !almostEqual(got[i], want[i]) {
				t.Fatalf("ladder = %v, want %v", got, want)
			}
		}
	})

	t.Run("percent ladder compounds on the running price", func(t *testing.T) {
		got, err := SplitPrices(db.MarketUS, db.SideBuy, 100, 10, db.StepUnitPercent, 3)
		if err != nil {
			t.Fatal(err)
		}
		want := []float64{100, 90, 81}
		for i := range want {
			if !almostEqual(got[i], want[i]) {
				t.Fatalf("ladder = %v, want %v", got, want)
			}
		}
	})

	t.Run("KR ladder stays on tick grid", func(t *testing.T) {
		got, err := SplitPrices(db.MarketKR, db.SideBuy, 50_000, 2, db.StepUnitPercent, 4)
		if err != nil {
			t.Fatal(err)
		}
		for i, p := range got {
			if !almostEqual(p, RoundToMarketTick(db.MarketKR, db.SideBuy, p)) {
				t.Errorf("rung %d = %g is off-grid", i, p)
			}
			if i > 0 && p >= got[i-1] {
				t.Errorf("buy ladder not descending: %v", got)
			}
		}
	})

	t.Run("sell ladder steps up", func(t *testing.T) {
		got, err := SplitPrices(db.MarketUS, db.SideSell, 100, 1, db.StepUnitAmount, 3)
		if err != nil {
			t.Fatal(err)
		}
		want := []float64{100, 101, 102}
		for i := range want {
			if !almostEqual(got[i], want[i]) {
				t.Fatalf("ladder = %v, want %v", got, want)
			}
		}
	})

	t.Run("rejects a ladder that crosses zero", func(t *testing.T) {
		if _, err := SplitPrices(db.MarketUS, db.SideBuy, 2, 1, db.StepUnitAmount, 5); err == nil {
			t.Error("want error when a rung falls to or below zero")
		}
	})
}
