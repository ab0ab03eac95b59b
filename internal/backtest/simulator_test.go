package backtest

import (
	"encoding/json"
	"os"
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
		Name:              "bt-test",
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

func newTestLedger(t *testing.T) *ledger.Ledger {
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
	return ledger.New(cfg.Symbol, decimal.NewFromFloat(cfg.InitialCapital), decimal.Zero, levels)
}

func quietLogger() *logger.Logger {
	return logger.New(logger.Config{Level: "error"})
}

var candleStart = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

func candle(i int, open, high, low, closePrice string) models.Candle {
	return models.Candle{
		Time:   candleStart.Add(time.Duration(i) * time.Minute),
		Open:   decimal.RequireFromString(open),
		High:   decimal.RequireFromString(high),
		Low:    decimal.RequireFromString(low),
		Close:  decimal.RequireFromString(closePrice),
		Volume: decimal.NewFromInt(1),
	}
}

func TestSingleRoundTrip(t *testing.T) {
	sim := New(testStrategy(), newTestLedger(t), quietLogger())

	candles := []models.Candle{
		candle(0, "100000", "100000", "100000", "100000"),
		candle(1, "100000", "100000", "99400", "99500"),
		candle(2, "99500", "100600", "99500", "100500"),
	}

	report, err := sim.Run(candles)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.TradeCount != 1 {
		t.Fatalf("trades got %d want 1", report.TradeCount)
	}
	if !report.TotalProfit.Equal(decimal.RequireFromString("10")) {
		t.Fatalf("profit got %s want 10", report.TotalProfit)
	}
	if !report.FinalCapital.Equal(decimal.RequireFromString("50010")) {
		t.Fatalf("final capital got %s want 50010", report.FinalCapital)
	}
	if !report.WinRate.Equal(decimal.RequireFromString("100")) {
		t.Fatalf("win rate got %s want 100", report.WinRate)
	}
	if report.StopReason != "" {
		t.Fatalf("unexpected stop reason %q", report.StopReason)
	}

	trades := sim.TradeLog()
	if len(trades) != 1 {
		t.Fatalf("trade log got %d entries", len(trades))
	}
	if trades[0].Level != -1 || trades[0].Reason != models.TradeReasonLadder {
		t.Fatalf("unexpected trade: %+v", trades[0])
	}
}

func TestLevelTradesRepeatedly(t *testing.T) {
	sim := New(testStrategy(), newTestLedger(t), quietLogger())

	var candles []models.Candle
	for i := 0; i < 3; i++ {
		candles = append(candles,
			candle(2*i, "100000", "100000", "99400", "99500"),
			candle(2*i+1, "99500", "100600", "99500", "100500"),
		)
	}

	report, err := sim.Run(candles)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.TradeCount != 3 {
		t.Fatalf("trades got %d want 3", report.TradeCount)
	}
	if !report.TotalProfit.Equal(decimal.RequireFromString("30")) {
		t.Fatalf("profit got %s want 30", report.TotalProfit)
	}

	trades := sim.TradeLog()
	for i, trade := range trades {
		if trade.Cycle != i {
			t.Fatalf("trade %d cycle got %d", i, trade.Cycle)
		}
		if !trade.Profit.Equal(decimal.RequireFromString("10")) {
			t.Fatalf("trade %d profit got %s", i, trade.Profit)
		}
	}
}

func TestDeterministicRuns(t *testing.T) {
	var candles []models.Candle
	prices := []struct{ high, low string }{
		{"100000", "99400"}, {"100600", "99000"}, {"101000", "98800"},
		{"101200", "97600"}, {"102400", "99000"}, {"100600", "99400"},
		{"101200", "98800"}, {"100600", "99400"},
	}
	for i, p := range prices {
		candles = append(candles, candle(i, p.low, p.high, p.low, p.high))
	}

	first := New(testStrategy(), newTestLedger(t), quietLogger())
	second := New(testStrategy(), newTestLedger(t), quietLogger())

	reportA, err := first.Run(candles)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	reportB, err := second.Run(candles)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}

	rawA, err := json.Marshal(reportA)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	rawB, err := json.Marshal(reportB)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(rawA) != string(rawB) {
		t.Fatalf("reports diverged:\n%s\n%s", rawA, rawB)
	}

	tradesA, tradesB := first.TradeLog(), second.TradeLog()
	if len(tradesA) != len(tradesB) {
		t.Fatalf("trade logs diverged: %d vs %d", len(tradesA), len(tradesB))
	}
	for i := range tradesA {
		if tradesA[i].Level != tradesB[i].Level || !tradesA[i].Profit.Equal(tradesB[i].Profit) {
			t.Fatalf("trade %d diverged: %+v vs %+v", i, tradesA[i], tradesB[i])
		}
	}
}

func TestStopLossHaltsSession(t *testing.T) {
	led := newTestLedger(t)
	sim := New(testStrategy(), led, quietLogger())

	candles := []models.Candle{
		candle(0, "100000", "100000", "100000", "100000"),
		// crash through every buy level, then breach the -12% threshold
		candle(1, "100000", "100000", "80000", "80000"),
		candle(2, "80000", "99400", "80000", "99400"),
	}

	report, err := sim.Run(candles)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.StopReason != "stop_loss" {
		t.Fatalf("stop reason got %q want stop_loss", report.StopReason)
	}
	// every filled level is liquidated as a force-close trade
	if report.TradeCount != 6 {
		t.Fatalf("trades got %d want 6", report.TradeCount)
	}
	if !led.HeldQty().IsZero() {
		t.Fatalf("held qty after stop got %s", led.HeldQty())
	}
	for _, level := range led.Levels() {
		if level.Status != models.LevelStatusClosed {
			t.Fatalf("level %d not terminal: %s", level.Index, level.Status)
		}
	}
	for _, trade := range sim.TradeLog() {
		if trade.Reason != "stop_loss" {
			t.Fatalf("trade reason got %q", trade.Reason)
		}
	}
	if report.TotalProfit.Sign() >= 0 {
		t.Fatalf("stop loss run must lose money, got %s", report.TotalProfit)
	}
	if report.MaxDrawdownPercent.Sign() >= 0 {
		t.Fatalf("max drawdown must be negative, got %s", report.MaxDrawdownPercent)
	}
}

func TestResumeFromSnapshot(t *testing.T) {
	firstLeg := New(testStrategy(), newTestLedger(t), quietLogger())
	if _, err := firstLeg.Run([]models.Candle{
		candle(0, "100000", "100000", "99400", "99500"),
	}); err != nil {
		t.Fatalf("first leg: %v", err)
	}

	snap := firstLeg.Snapshot()
	if snap.HeldQty.IsZero() {
		t.Fatalf("first leg must leave an open position")
	}

	secondLeg := New(testStrategy(), ledger.Restore(snap), quietLogger())
	report, err := secondLeg.Run([]models.Candle{
		candle(1, "99500", "100600", "99500", "100500"),
	})
	if err != nil {
		t.Fatalf("second leg: %v", err)
	}
	if report.TradeCount != 1 {
		t.Fatalf("trades got %d want 1", report.TradeCount)
	}
	trades := secondLeg.TradeLog()
	if len(trades) != 1 || !trades[0].Profit.Equal(decimal.RequireFromString("10")) {
		t.Fatalf("resumed trade wrong: %+v", trades)
	}
}

func TestReportWrite(t *testing.T) {
	sim := New(testStrategy(), newTestLedger(t), quietLogger())
	report, err := sim.Run([]models.Candle{
		candle(0, "100000", "100000", "99400", "99500"),
		candle(1, "99500", "100600", "99500", "100500"),
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	dir := t.TempDir()
	path, err := WriteReport(dir, report)
	if err != nil {
		t.Fatalf("write report: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	var decoded models.Report
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if decoded.Strategy != "bt-test" || decoded.TradeCount != report.TradeCount {
		t.Fatalf("decoded report mismatch: %+v", decoded)
	}
}
