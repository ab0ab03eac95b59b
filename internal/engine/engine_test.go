package engine

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"ladderbot/internal/config"
	"ladderbot/internal/ladder"
	"ladderbot/internal/ledger"
	"ladderbot/internal/logger"
	"ladderbot/internal/models"
)

func testStrategy() config.Strategy {
	return config.Strategy{
		Name:              "test",
		Symbol:            "BTCUSDT",
		BaseGap:           0.006,
		Ladders:           6,
		Fibonacci:         []int{1, 1, 2, 3, 5, 8},
		UnitSizeBase:      0.01,
		SafetyMultiplier:  2,
		StopLossPercent:   -12,
		TakeProfitPercent: 25,
		InitialCapital:    50000,
		FeeRate:           0.001,
		ConfirmTimeout:    30 * time.Second,
	}
}

func testEngine(t *testing.T) (*Engine, *ledger.Ledger) {
	t.Helper()
	cfg := testStrategy()
	levels, err := ladder.Plan(ladder.Params{
		ReferencePrice: decimal.NewFromInt(100000),
		BaseGap:        decimal.NewFromFloat(cfg.BaseGap),
		Ladders:        cfg.Ladders,
		Fibonacci:      cfg.Fibonacci,
		UnitSize:       decimal.NewFromFloat(cfg.UnitSizeBase),
		SizeMultiplier: decimal.NewFromFloat(cfg.SafetyMultiplier),
	})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	led := ledger.New(cfg.Symbol, decimal.NewFromFloat(cfg.InitialCapital), decimal.Zero, levels)
	log := logger.New(logger.Config{Level: "error"})
	return NewWithSession(cfg, led, log, "testsession"), led
}

func tick(price string, seq int64) models.Ticker {
	return models.Ticker{
		Symbol:    "BTCUSDT",
		LastPrice: decimal.RequireFromString(price),
		Timestamp: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(seq) * time.Minute),
		Sequence:  seq,
	}
}

func fillFor(intent models.Order, execID string, seq int64) models.Fill {
	return models.Fill{
		OrderID:    "x-" + execID,
		LinkID:     intent.LinkID,
		ExecID:     execID,
		Symbol:     intent.Symbol,
		Side:       intent.Side,
		LevelIndex: intent.LevelIndex,
		Price:      intent.Price,
		Qty:        intent.Qty,
		Fee:        intent.Price.Mul(intent.Qty).Mul(decimal.NewFromFloat(0.001)),
		Timestamp:  time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(seq) * time.Minute),
		Sequence:   seq,
	}
}

func TestOnTickEmitsBuyIntent(t *testing.T) {
	eng, led := testEngine(t)

	intents := eng.OnTick(tick("99400", 1))
	if len(intents) != 1 {
		t.Fatalf("intents got %d want 1", len(intents))
	}
	intent := intents[0]
	if intent.Side != models.OrderSideBuy || intent.LevelIndex != -1 {
		t.Fatalf("unexpected intent: %+v", intent)
	}
	if intent.LinkID != "testsession-L1-c0-buy" {
		t.Fatalf("link id got %s", intent.LinkID)
	}
	if !intent.Price.Equal(decimal.RequireFromString("99400")) {
		t.Fatalf("price got %s", intent.Price)
	}
	if got := led.Level(-1).Status; got != models.LevelStatusBuyActive {
		t.Fatalf("level status got %s want BUY_ACTIVE", got)
	}
}

func TestOnTickDeepDropTriggersDeepestFirst(t *testing.T) {
	eng, _ := testEngine(t)

	intents := eng.OnTick(tick("95800", 1))
	if len(intents) != 4 {
		t.Fatalf("intents got %d want 4", len(intents))
	}
	// deepest level first, sizes accounted before shallow ones
	if intents[0].LevelIndex != -4 || intents[3].LevelIndex != -1 {
		t.Fatalf("order of intents wrong: %d ... %d", intents[0].LevelIndex, intents[3].LevelIndex)
	}
}

func TestDuplicateTickerSequenceIgnored(t *testing.T) {
	eng, _ := testEngine(t)

	first := eng.OnTick(tick("99400", 5))
	if len(first) != 1 {
		t.Fatalf("first tick intents got %d", len(first))
	}
	second := eng.OnTick(tick("99400", 5))
	if len(second) != 0 {
		t.Fatalf("replayed tick must be a no-op, got %d intents", len(second))
	}
	older := eng.OnTick(tick("98800", 4))
	if len(older) != 0 {
		t.Fatalf("stale tick must be a no-op, got %d intents", len(older))
	}
}

func TestBuyFillEmitsSellIntent(t *testing.T) {
	eng, led := testEngine(t)

	intents := eng.OnTick(tick("99400", 1))
	sells, trade, err := eng.OnFill(fillFor(intents[0], "e1", 2))
	if err != nil {
		t.Fatalf("fill: %v", err)
	}
	if trade != nil {
		t.Fatalf("buy fill must not produce a trade")
	}
	if len(sells) != 1 {
		t.Fatalf("sell intents got %d want 1", len(sells))
	}
	sell := sells[0]
	if sell.Side != models.OrderSideSell || sell.LinkID != "testsession-L1-c0-sell" {
		t.Fatalf("unexpected sell intent: %+v", sell)
	}
	if !sell.Price.Equal(decimal.RequireFromString("100600")) {
		t.Fatalf("sell price got %s want 100600", sell.Price)
	}
	if got := led.Level(-1).Status; got != models.LevelStatusSellActive {
		t.Fatalf("status got %s want SELL_ACTIVE", got)
	}
}

func TestSellFillClosesRoundTrip(t *testing.T) {
	eng, led := testEngine(t)

	buys := eng.OnTick(tick("99400", 1))
	sells, _, err := eng.OnFill(fillFor(buys[0], "e1", 2))
	if err != nil {
		t.Fatalf("buy fill: %v", err)
	}
	intents, trade, err := eng.OnFill(fillFor(sells[0], "e2", 3))
	if err != nil {
		t.Fatalf("sell fill: %v", err)
	}
	if trade == nil {
		t.Fatalf("expected trade")
	}
	if !trade.Profit.Equal(decimal.RequireFromString("10")) {
		t.Fatalf("profit got %s want 10", trade.Profit)
	}
	if len(intents) != 0 {
		t.Fatalf("no new intents expected on close, got %d", len(intents))
	}
	if got := led.Level(-1).Status; got != models.LevelStatusPending {
		t.Fatalf("status got %s want PENDING", got)
	}

	// next cycle re-arms with a fresh link id
	next := eng.OnTick(tick("99400", 4))
	if len(next) != 1 || next[0].LinkID != "testsession-L1-c1-buy" {
		t.Fatalf("next cycle intent wrong: %+v", next)
	}
}

func TestFillLevelResolvedFromLinkID(t *testing.T) {
	eng, _ := testEngine(t)

	intents := eng.OnTick(tick("99400", 1))
	fill := fillFor(intents[0], "e1", 2)
	fill.LevelIndex = 0 // exchange feeds do not carry the level
	if _, _, err := eng.OnFill(fill); err != nil {
		t.Fatalf("fill with level from link id: %v", err)
	}

	bad := fillFor(intents[0], "e2", 3)
	bad.LevelIndex = 0
	bad.LinkID = "garbage"
	_, _, err := eng.OnFill(bad)
	if err == nil {
		t.Fatalf("expected mismatch for unparseable link id")
	}
}

func TestReemitAfterConfirmTimeout(t *testing.T) {
	eng, _ := testEngine(t)

	first := eng.OnTick(tick("99400", 1))
	if len(first) != 1 {
		t.Fatalf("first intents got %d", len(first))
	}

	soon := tick("99400", 2)
	soon.Timestamp = first[0].CreateTime.Add(10 * time.Second)
	if again := eng.OnTick(soon); len(again) != 0 {
		t.Fatalf("re-emit before timeout, got %d intents", len(again))
	}

	late := tick("99400", 3)
	late.Timestamp = first[0].CreateTime.Add(31 * time.Second)
	again := eng.OnTick(late)
	if len(again) != 1 {
		t.Fatalf("expected re-emit after timeout, got %d", len(again))
	}
	if again[0].LinkID != first[0].LinkID {
		t.Fatalf("re-emit must reuse the link id: %s vs %s", again[0].LinkID, first[0].LinkID)
	}
}

func TestForceCloseAllTerminal(t *testing.T) {
	eng, led := testEngine(t)

	buys := eng.OnTick(tick("95800", 1))
	for i, buy := range buys {
		if _, _, err := eng.OnFill(fillFor(buy, "e"+buy.LinkID, int64(i+2))); err != nil {
			t.Fatalf("fill: %v", err)
		}
	}

	price := decimal.RequireFromString("90000")
	at := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	cancels, trades, err := eng.ForceCloseAll(price, at, "stop_loss")
	if err != nil {
		t.Fatalf("force close all: %v", err)
	}
	if len(trades) != 4 {
		t.Fatalf("trades got %d want 4", len(trades))
	}
	if len(cancels) == 0 {
		t.Fatalf("expected pending sell intents to be cancelled")
	}
	if !eng.Stopped() {
		t.Fatalf("engine must be stopped")
	}
	if !led.HeldQty().IsZero() {
		t.Fatalf("held qty got %s want 0", led.HeldQty())
	}

	if after := eng.OnTick(tick("99400", 99)); len(after) != 0 {
		t.Fatalf("stopped engine emitted %d intents", len(after))
	}
	if _, _, err := eng.OnFill(models.Fill{ExecID: "late"}); err != nil {
		t.Fatalf("late fill on stopped engine: %v", err)
	}
}

func TestLinkIDRoundTrip(t *testing.T) {
	link := buildLinkID("abc-def", 4, 7, models.OrderSideSell)
	session, depth, cycle, side, ok := parseLinkID(link)
	if !ok {
		t.Fatalf("parse failed for %s", link)
	}
	if session != "abc-def" || depth != 4 || cycle != 7 || side != models.OrderSideSell {
		t.Fatalf("round trip got %s L%d c%d %s", session, depth, cycle, side)
	}
	if _, _, _, _, ok := parseLinkID("not-a-link"); ok {
		t.Fatalf("garbage must not parse")
	}
}
