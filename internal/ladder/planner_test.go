package ladder

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"ladderbot/internal/models"
)

func btcParams() Params {
	return Params{
		ReferencePrice: decimal.NewFromInt(100000),
		BaseGap:        decimal.NewFromFloat(0.006),
		Ladders:        6,
		Fibonacci:      []int{1, 1, 2, 3, 5, 8},
		UnitSize:       decimal.NewFromFloat(0.01),
		SizeMultiplier: decimal.NewFromInt(2),
	}
}

func TestPlanPricesAndSizes(t *testing.T) {
	levels, err := Plan(btcParams())
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if len(levels) != 6 {
		t.Fatalf("levels got %d want 6", len(levels))
	}

	want := []struct {
		index int
		buy   string
		sell  string
		qty   string
	}{
		{-1, "99400", "100600", "0.01"},
		{-2, "98800", "101200", "0.02"},
		{-3, "97600", "102400", "0.04"},
		{-4, "95800", "104200", "0.08"},
		{-5, "92800", "107200", "0.16"},
		{-6, "88000", "112000", "0.32"},
	}
	for i, w := range want {
		level := levels[i]
		if level.Index != w.index {
			t.Fatalf("index got %d want %d", level.Index, w.index)
		}
		if !level.BuyPrice.Equal(decimal.RequireFromString(w.buy)) {
			t.Fatalf("level %d buy got %s want %s", w.index, level.BuyPrice, w.buy)
		}
		if !level.SellPrice.Equal(decimal.RequireFromString(w.sell)) {
			t.Fatalf("level %d sell got %s want %s", w.index, level.SellPrice, w.sell)
		}
		if !level.Qty.Equal(decimal.RequireFromString(w.qty)) {
			t.Fatalf("level %d qty got %s want %s", w.index, level.Qty, w.qty)
		}
		if level.Status != models.LevelStatusPending {
			t.Fatalf("level %d status got %s", w.index, level.Status)
		}
	}
}

func TestPlanGapsMonotonic(t *testing.T) {
	levels, err := Plan(btcParams())
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	for i := 1; i < len(levels); i++ {
		if !levels[i].CumulativeGap.GreaterThan(levels[i-1].CumulativeGap) {
			t.Fatalf("cumulative gap not monotonic at %d: %s <= %s",
				levels[i].Index, levels[i].CumulativeGap, levels[i-1].CumulativeGap)
		}
		if !levels[i].BuyPrice.LessThan(levels[i-1].BuyPrice) {
			t.Fatalf("buy price not descending at %d", levels[i].Index)
		}
	}
	for _, level := range levels {
		if level.BuyPrice.Sign() <= 0 {
			t.Fatalf("level %d buy price not positive: %s", level.Index, level.BuyPrice)
		}
	}
}

func TestPlanRejectsGapReachingOne(t *testing.T) {
	p := btcParams()
	p.BaseGap = decimal.NewFromFloat(0.08) // cumulative 0.08*20 = 1.6
	_, err := Plan(p)
	if err == nil {
		t.Fatalf("expected error for cumulative gap >= 1")
	}
	var cfgErr *models.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("want ConfigError, got %T", err)
	}
}

func TestPlanRejectsBadParams(t *testing.T) {
	cases := []func(*Params){
		func(p *Params) { p.ReferencePrice = decimal.Zero },
		func(p *Params) { p.Ladders = 0 },
		func(p *Params) { p.BaseGap = decimal.Zero },
		func(p *Params) { p.Fibonacci = []int{1, 1} },
		func(p *Params) { p.Fibonacci = []int{1, 1, 0, 3, 5, 8} },
		func(p *Params) { p.UnitSize = decimal.Zero },
	}
	for i, mutate := range cases {
		p := btcParams()
		mutate(&p)
		if _, err := Plan(p); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
}

func TestPlanDefaultMultiplier(t *testing.T) {
	p := btcParams()
	p.SizeMultiplier = decimal.Zero
	levels, err := Plan(p)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if levels[3].UnitCount != 8 {
		t.Fatalf("unit count got %d want 8", levels[3].UnitCount)
	}
}

func TestRequiredCapital(t *testing.T) {
	levels, err := Plan(btcParams())
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	total := RequiredCapital(levels)
	// 994 + 1976 + 3904 + 7664 + 14848 + 28160
	if !total.Equal(decimal.RequireFromString("57546")) {
		t.Fatalf("required capital got %s want 57546", total)
	}
}
