package exchange

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"ladderbot/internal/models"
)

type EventType string

const (
	EventTypeOrder     EventType = "Order"
	EventTypeFill      EventType = "Fill"
	EventTypeTicker    EventType = "Ticker"
	EventTypeReconnect EventType = "Reconnect"
)

type Event struct {
	Type   EventType
	Order  *models.Order
	Fill   *models.Fill
	Ticker *models.Ticker
}

type InstrumentRules struct {
	TickSize    decimal.Decimal
	LotSize     decimal.Decimal
	MinQty      decimal.Decimal
	MinNotional decimal.Decimal
	BaseCoin    string
	QuoteCoin   string
}

// Gateway — граница «намерение внутрь, исполнение наружу». Ядро не знает,
// стоит ли за ним реальная биржа или бумажный стакан; сетевые повторы и
// лимиты запросов остаются по эту сторону границы.
type Gateway interface {
	GetInstrumentRules(ctx context.Context, symbol string) (InstrumentRules, error)
	Subscribe(ctx context.Context, symbol string) (<-chan Event, error)
	PlaceOrder(ctx context.Context, order models.Order) (models.Order, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	GetOpenOrders(ctx context.Context, symbol string) ([]models.Order, error)
	GetFills(ctx context.Context, symbol string) ([]models.Fill, error)
	GetKlines(ctx context.Context, symbol, interval string, start, end time.Time) ([]models.Candle, error)
	GetBalances(ctx context.Context, coins []string) (map[string]Balance, error)
}

type Balance struct {
	Coin      string
	Wallet    decimal.Decimal
	Available decimal.Decimal
}
