package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderSide string
type OrderType string
type OrderStatus string
type OrderKind string
type LevelStatus string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"

	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"

	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusRejected        OrderStatus = "REJECTED"

	OrderKindLadderBuy  OrderKind = "LADDER_BUY"
	OrderKindLadderSell OrderKind = "LADDER_SELL"
	OrderKindForceClose OrderKind = "FORCE_CLOSE"

	LevelStatusPending    LevelStatus = "PENDING"
	LevelStatusBuyActive  LevelStatus = "BUY_ACTIVE"
	LevelStatusFilled     LevelStatus = "FILLED"
	LevelStatusSellActive LevelStatus = "SELL_ACTIVE"
	LevelStatusClosed     LevelStatus = "CLOSED"
)

type Order struct {
	ID          string          `json:"id"`
	LinkID      string          `json:"link_id"`
	Symbol      string          `json:"symbol"`
	Side        OrderSide       `json:"side"`
	Type        OrderType       `json:"type"`
	Kind        OrderKind       `json:"kind"`
	LevelIndex  int             `json:"level_index"`
	Price       decimal.Decimal `json:"price"`
	Qty         decimal.Decimal `json:"qty"`
	FilledQty   decimal.Decimal `json:"filled_qty"`
	Status      OrderStatus     `json:"status"`
	Sequence    int64           `json:"sequence"`
	TimeInForce string          `json:"time_in_force"`
	CreateTime  time.Time       `json:"create_time"`
	UpdateTime  time.Time       `json:"update_time"`
}

type Fill struct {
	OrderID    string          `json:"order_id"`
	LinkID     string          `json:"link_id"`
	ExecID     string          `json:"exec_id"`
	Symbol     string          `json:"symbol"`
	Side       OrderSide       `json:"side"`
	LevelIndex int             `json:"level_index"`
	Price      decimal.Decimal `json:"price"`
	Qty        decimal.Decimal `json:"qty"`
	Fee        decimal.Decimal `json:"fee"`
	Timestamp  time.Time       `json:"timestamp"`
	Sequence   int64           `json:"sequence"`
}

type Ticker struct {
	Symbol    string          `json:"symbol"`
	LastPrice decimal.Decimal `json:"last_price"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
}

type Candle struct {
	Time   time.Time       `json:"time"`
	Open   decimal.Decimal `json:"open"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Close  decimal.Decimal `json:"close"`
	Volume decimal.Decimal `json:"volume"`
}

// LadderLevel — один уровень лестницы. Цены статичны на всю сессию,
// изменяемая часть — статус и накопленные объёмы текущего цикла.
type LadderLevel struct {
	Index         int             `json:"index"`
	Fib           int             `json:"fib"`
	CumulativeGap decimal.Decimal `json:"cumulative_gap"`
	BuyPrice      decimal.Decimal `json:"buy_price"`
	SellPrice     decimal.Decimal `json:"sell_price"`
	UnitCount     int64           `json:"unit_count"`
	Qty           decimal.Decimal `json:"qty"`
	Status        LevelStatus     `json:"status"`
	Cycle         int             `json:"cycle"`
	FilledQty     decimal.Decimal `json:"filled_qty"`
	SoldQty       decimal.Decimal `json:"sold_qty"`
	CostBasis     decimal.Decimal `json:"cost_basis"`
	SellProceeds  decimal.Decimal `json:"sell_proceeds"`
	FeesPaid      decimal.Decimal `json:"fees_paid"`
	OpenedAt      time.Time       `json:"opened_at,omitempty"`
	ClosedAt      *time.Time      `json:"closed_at,omitempty"`
}

// Depth возвращает глубину уровня как положительное число (-3 -> 3).
func (l *LadderLevel) Depth() int {
	if l.Index < 0 {
		return -l.Index
	}
	return l.Index
}

func (l *LadderLevel) HeldQty() decimal.Decimal {
	return l.FilledQty.Sub(l.SoldQty)
}

func (l *LadderLevel) Open() bool {
	return l.Status != LevelStatusPending && l.Status != LevelStatusClosed
}
