package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradeLogEntry — одна завершённая сделка (полный круг buy->sell на уровне)
// либо принудительное закрытие позиции уровня.
type TradeLogEntry struct {
	Timestamp time.Time       `json:"timestamp"`
	Symbol    string          `json:"symbol"`
	Level     int             `json:"level"`
	Cycle     int             `json:"cycle"`
	BuyPrice  decimal.Decimal `json:"buy_price"`
	SellPrice decimal.Decimal `json:"sell_price"`
	Qty       decimal.Decimal `json:"qty"`
	Fees      decimal.Decimal `json:"fees"`
	Profit    decimal.Decimal `json:"profit"`
	Reason    string          `json:"reason"`
}

const (
	TradeReasonLadder     = "ladder"
	TradeReasonForceClose = "force_close"
)

type Report struct {
	Strategy           string          `json:"strategy"`
	Symbol             string          `json:"symbol"`
	PeriodStart        time.Time       `json:"period_start"`
	PeriodEnd          time.Time       `json:"period_end"`
	Candles            int             `json:"candles"`
	InitialCapital     decimal.Decimal `json:"initial_capital"`
	FinalCapital       decimal.Decimal `json:"final_capital"`
	TotalProfit        decimal.Decimal `json:"total_profit"`
	ROIPercent         decimal.Decimal `json:"roi_percent"`
	TradeCount         int             `json:"trade_count"`
	WinCount           int             `json:"win_count"`
	LossCount          int             `json:"loss_count"`
	WinRate            decimal.Decimal `json:"win_rate"`
	AvgProfitPerTrade  decimal.Decimal `json:"avg_profit_per_trade"`
	MaxDrawdownPercent decimal.Decimal `json:"max_drawdown_percent"`
	StopReason         string          `json:"stop_reason,omitempty"`
}
