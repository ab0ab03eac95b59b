package backtest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/shopspring/decimal"

	"ladderbot/internal/ledger"
	"ladderbot/internal/models"
)

func (s *Simulator) buildReport(candles []models.Candle, lastClose, maxDrawdown decimal.Decimal) models.Report {
	initial := s.led.InitialCapital()
	final := s.led.Equity(lastClose)
	profit := final.Sub(initial)

	report := models.Report{
		Strategy:           s.cfg.Name,
		Symbol:             s.cfg.Symbol,
		PeriodStart:        candles[0].Time,
		PeriodEnd:          candles[len(candles)-1].Time,
		Candles:            len(candles),
		InitialCapital:     initial,
		FinalCapital:       final,
		TotalProfit:        profit,
		TradeCount:         s.led.TradeCount(),
		WinCount:           s.led.WinCount(),
		LossCount:          s.led.LossCount(),
		MaxDrawdownPercent: maxDrawdown,
		StopReason:         s.stopReason,
	}

	if initial.Sign() > 0 {
		report.ROIPercent = profit.Div(initial).Mul(hundred)
	}
	if report.TradeCount > 0 {
		trades := decimal.NewFromInt(int64(report.TradeCount))
		report.WinRate = decimal.NewFromInt(int64(report.WinCount)).Div(trades).Mul(hundred)
		report.AvgProfitPerTrade = s.led.RealizedProfit().Div(trades)
	}

	return report
}

// WriteReport сохраняет отчёт в JSON рядом с логами.
func WriteReport(dir string, report models.Report) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("Не удалось создать каталог отчётов: %w", err)
	}

	name := fmt.Sprintf("backtest_%s_%s.json", report.Strategy, report.PeriodEnd.Format("20060102_150405"))
	path := filepath.Join(dir, name)

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("Не удалось сериализовать отчёт: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("Не удалось записать отчёт: %w", err)
	}
	return path, nil
}

// TradeLog возвращает журнал сделок прогона для Reporter.
func (s *Simulator) TradeLog() []models.TradeLogEntry {
	return s.led.Trades()
}

// Snapshot — точка продолжения для цепочки многопериодных бэктестов.
func (s *Simulator) Snapshot() ledger.State {
	return s.led.Snapshot()
}
