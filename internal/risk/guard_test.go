package risk

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"ladderbot/internal/config"
	"ladderbot/internal/ladder"
	"ladderbot/internal/ledger"
	"ladderbot/internal/models"
)

func guardStrategy() config.Strategy {
	return config.Strategy{
		Name:              "guard-test",
		Symbol:            "BTCUSDT",
		StopLossPercent:   -12,
		TakeProfitPercent: 25,
		MinProfitToClose:  1,
		StaleAfter:        24 * time.Hour,
		RebalanceEvery:    3,
	}
}

func ledgerWithPosition(t *testing.T, openedAt time.Time) *ledger.Ledger {
	t.Helper()
	levels, err := ladder.Plan(ladder.Params{
		ReferencePrice: decimal.NewFromInt(100000),
		BaseGap:        decimal.NewFromFloat(0.006),
		Ladders:        2,
		Fibonacci:      []int{1, 1},
		UnitSize:       decimal.NewFromFloat(0.01),
		SizeMultiplier: decimal.NewFromInt(2),
	})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	led := ledger.New("BTCUSDT", decimal.NewFromInt(100), decimal.Zero, levels)

	if err := led.MarkBuyActive(-1, openedAt); err != nil {
		t.Fatalf("mark: %v", err)
	}
	price := decimal.RequireFromString("99400")
	qty := decimal.RequireFromString("0.01")
	if _, err := led.ApplyFill(models.Fill{
		ExecID:     "g1",
		Symbol:     "BTCUSDT",
		Side:       models.OrderSideBuy,
		LevelIndex: -1,
		Price:      price,
		Qty:        qty,
		Fee:        price.Mul(qty).Mul(decimal.NewFromFloat(0.001)),
		Timestamp:  openedAt,
	}); err != nil {
		t.Fatalf("fill: %v", err)
	}
	return led
}

func TestEvaluateStopLoss(t *testing.T) {
	led := ledgerWithPosition(t, time.Now().UTC())
	guard := New(guardStrategy())

	// unrealized = 0.01*98000 - 994.994 = -14.994 on 100 initial
	err := guard.Evaluate(led, decimal.RequireFromString("98000"))
	var violation *models.RiskViolation
	if !errors.As(err, &violation) {
		t.Fatalf("want RiskViolation, got %v", err)
	}
	if violation.Rule != "stop_loss" {
		t.Fatalf("rule got %s", violation.Rule)
	}
	if violation.Actual.GreaterThan(violation.Threshold) {
		t.Fatalf("actual %s must be at or below threshold %s", violation.Actual, violation.Threshold)
	}
}

func TestEvaluateTakeProfit(t *testing.T) {
	led := ledgerWithPosition(t, time.Now().UTC())
	guard := New(guardStrategy())

	// unrealized = 0.01*102000 - 994.994 = +25.006 on 100 initial
	err := guard.Evaluate(led, decimal.RequireFromString("102000"))
	var violation *models.RiskViolation
	if !errors.As(err, &violation) {
		t.Fatalf("want RiskViolation, got %v", err)
	}
	if violation.Rule != "take_profit" {
		t.Fatalf("rule got %s", violation.Rule)
	}
}

func TestEvaluateInsideThresholds(t *testing.T) {
	led := ledgerWithPosition(t, time.Now().UTC())
	guard := New(guardStrategy())

	if err := guard.Evaluate(led, decimal.RequireFromString("99400")); err != nil {
		t.Fatalf("expected nil inside thresholds, got %v", err)
	}
}

func TestShouldRebalanceTick(t *testing.T) {
	guard := New(guardStrategy())

	fired := 0
	for i := 0; i < 9; i++ {
		if guard.ShouldRebalanceTick() {
			fired++
		}
	}
	if fired != 3 {
		t.Fatalf("fired got %d want 3 for every third tick", fired)
	}

	disabled := New(config.Strategy{})
	for i := 0; i < 10; i++ {
		if disabled.ShouldRebalanceTick() {
			t.Fatalf("disabled interval must never fire")
		}
	}
}

func TestStaleLevels(t *testing.T) {
	now := time.Now().UTC()
	guard := New(guardStrategy())

	old := ledgerWithPosition(t, now.Add(-25*time.Hour))
	// unrealized 1.006 >= min_profit_to_close
	stale := guard.StaleLevels(old, decimal.RequireFromString("99600"), now)
	if len(stale) != 1 || stale[0] != -1 {
		t.Fatalf("stale got %v want [-1]", stale)
	}

	// profit below the floor: keep waiting for the ladder sell
	if got := guard.StaleLevels(old, decimal.RequireFromString("99450"), now); len(got) != 0 {
		t.Fatalf("unprofitable level flagged stale: %v", got)
	}

	fresh := ledgerWithPosition(t, now.Add(-10*time.Hour))
	if got := guard.StaleLevels(fresh, decimal.RequireFromString("99600"), now); len(got) != 0 {
		t.Fatalf("fresh level flagged stale: %v", got)
	}
}
