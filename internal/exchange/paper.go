package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"ladderbot/internal/logger"
	"ladderbot/internal/models"
)

// PaperGateway торгует на бумаге поверх живых рыночных данных: тикеры и
// свечи идут от обёрнутого шлюза, а ордера живут в памяти и сводятся по
// наблюдаемой цене. Лимитка исполняется по своей цене, как в бэктесте.
type PaperGateway struct {
	market  Gateway
	log     *logger.Logger
	feeRate decimal.Decimal

	mu        sync.Mutex
	lastPrice decimal.Decimal
	open      map[string]models.Order
	byLink    map[string]string
	fills     []models.Fill
	execSeq   int64
	balances  map[string]decimal.Decimal
	rules     *InstrumentRules

	out     chan Event
	pending []Event
	notify  chan struct{}
}

func NewPaperGateway(market Gateway, feeRate float64, initialQuote float64, log *logger.Logger) *PaperGateway {
	return &PaperGateway{
		market:  market,
		log:     log,
		feeRate: decimal.NewFromFloat(feeRate),
		open:    map[string]models.Order{},
		byLink:  map[string]string{},
		balances: map[string]decimal.Decimal{
			"": decimal.NewFromFloat(initialQuote),
		},
		notify: make(chan struct{}, 1),
	}
}

func (p *PaperGateway) GetInstrumentRules(ctx context.Context, symbol string) (InstrumentRules, error) {
	rules, err := p.market.GetInstrumentRules(ctx, symbol)
	if err != nil {
		return rules, err
	}
	p.mu.Lock()
	if p.rules == nil {
		p.rules = &rules
		// Начальный котируемый баланс заводился до того, как стали известны
		// монеты инструмента.
		if quote, ok := p.balances[""]; ok {
			delete(p.balances, "")
			p.balances[rules.QuoteCoin] = quote
		}
	}
	p.mu.Unlock()
	return rules, nil
}

func (p *PaperGateway) GetKlines(ctx context.Context, symbol, interval string, start, end time.Time) ([]models.Candle, error) {
	return p.market.GetKlines(ctx, symbol, interval, start, end)
}

// Subscribe пропускает рыночные события обёрнутого шлюза, сводя на каждом
// тикере открытые бумажные ордера. События ордеров и исполнений реальной
// биржи отбрасываются: в этом режиме их источник — бумажный стакан.
func (p *PaperGateway) Subscribe(ctx context.Context, symbol string) (<-chan Event, error) {
	upstream, err := p.market.Subscribe(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if _, err := p.GetInstrumentRules(ctx, symbol); err != nil {
		p.log.WithComponent("paper").WithError(err).Warn("Не удалось получить правила инструмента.")
	}

	p.out = make(chan Event, 64)
	go p.pump(ctx)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-upstream:
				if !ok {
					return
				}
				switch event.Type {
				case EventTypeTicker:
					if event.Ticker != nil {
						p.enqueue(event)
						p.cross(*event.Ticker)
					}
				case EventTypeReconnect:
					p.enqueue(event)
				}
			}
		}
	}()
	return p.out, nil
}

// PlaceOrder идемпотентен по link ID: повтор того же намерения возвращает
// уже известный ордер. Маркет и пересекающая рынок лимитка исполняются
// сразу, остальные ждут цену в стакане.
func (p *PaperGateway) PlaceOrder(ctx context.Context, order models.Order) (models.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if existingID, ok := p.byLink[order.LinkID]; ok && order.LinkID != "" {
		if existing, open := p.open[existingID]; open {
			return existing, nil
		}
		order.ID = existingID
		order.Status = models.OrderStatusFilled
		return order, nil
	}

	order.ID = uuid.New().String()
	order.Status = models.OrderStatusNew
	if order.CreateTime.IsZero() {
		order.CreateTime = time.Now().UTC()
	}
	order.UpdateTime = order.CreateTime
	if order.LinkID != "" {
		p.byLink[order.LinkID] = order.ID
	}

	if order.Type == models.OrderTypeMarket {
		if p.lastPrice.Sign() <= 0 {
			return models.Order{}, fmt.Errorf("Нет цены для маркет-ордера %s.", order.Symbol)
		}
		p.fill(order, p.lastPrice, order.CreateTime)
		order.Status = models.OrderStatusFilled
		return order, nil
	}

	if p.lastPrice.Sign() > 0 && crossed(order, p.lastPrice) {
		p.fill(order, order.Price, order.CreateTime)
		order.Status = models.OrderStatusFilled
		return order, nil
	}

	p.open[order.ID] = order
	return order, nil
}

func (p *PaperGateway) CancelOrder(ctx context.Context, symbol, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	order, ok := p.open[orderID]
	if !ok {
		return fmt.Errorf("Ордер %s не найден.", orderID)
	}
	delete(p.open, orderID)
	order.Status = models.OrderStatusCanceled
	order.UpdateTime = time.Now().UTC()
	p.enqueueLocked(Event{Type: EventTypeOrder, Order: &order})
	return nil
}

func (p *PaperGateway) GetOpenOrders(ctx context.Context, symbol string) ([]models.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	orders := make([]models.Order, 0, len(p.open))
	for _, order := range p.open {
		orders = append(orders, order)
	}
	return orders, nil
}

func (p *PaperGateway) GetFills(ctx context.Context, symbol string) ([]models.Fill, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fills := make([]models.Fill, len(p.fills))
	copy(fills, p.fills)
	return fills, nil
}

func (p *PaperGateway) GetBalances(ctx context.Context, coins []string) (map[string]Balance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]Balance, len(coins))
	for _, coin := range coins {
		amount := p.balances[coin]
		out[coin] = Balance{Coin: coin, Wallet: amount, Available: amount}
	}
	return out, nil
}

// cross сводит открытые лимитки по цене тикера.
func (p *PaperGateway) cross(tick models.Ticker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastPrice = tick.LastPrice

	for id, order := range p.open {
		if !crossed(order, tick.LastPrice) {
			continue
		}
		delete(p.open, id)
		p.fill(order, order.Price, tick.Timestamp)
	}
}

// fill полностью исполняет ордер и публикует события. Вызывается под mu.
func (p *PaperGateway) fill(order models.Order, price decimal.Decimal, at time.Time) {
	p.execSeq++
	fee := price.Mul(order.Qty).Mul(p.feeRate)
	fill := models.Fill{
		OrderID:    order.ID,
		LinkID:     order.LinkID,
		ExecID:     fmt.Sprintf("paper-%06d", p.execSeq),
		Symbol:     order.Symbol,
		Side:       order.Side,
		LevelIndex: order.LevelIndex,
		Price:      price,
		Qty:        order.Qty,
		Fee:        fee,
		Timestamp:  at,
		Sequence:   p.execSeq,
	}
	p.fills = append(p.fills, fill)
	p.applyBalances(fill)

	order.Status = models.OrderStatusFilled
	order.FilledQty = order.Qty
	order.UpdateTime = at
	p.enqueueLocked(Event{Type: EventTypeOrder, Order: &order})
	p.enqueueLocked(Event{Type: EventTypeFill, Fill: &fill})
}

func (p *PaperGateway) applyBalances(fill models.Fill) {
	baseCoin, quoteCoin := "", ""
	if p.rules != nil {
		baseCoin, quoteCoin = p.rules.BaseCoin, p.rules.QuoteCoin
	}
	cost := fill.Price.Mul(fill.Qty)
	if fill.Side == models.OrderSideBuy {
		p.balances[quoteCoin] = p.balances[quoteCoin].Sub(cost).Sub(fill.Fee)
		p.balances[baseCoin] = p.balances[baseCoin].Add(fill.Qty)
	} else {
		p.balances[baseCoin] = p.balances[baseCoin].Sub(fill.Qty)
		p.balances[quoteCoin] = p.balances[quoteCoin].Add(cost).Sub(fill.Fee)
	}
}

func crossed(order models.Order, price decimal.Decimal) bool {
	if order.Side == models.OrderSideBuy {
		return price.LessThanOrEqual(order.Price)
	}
	return price.GreaterThanOrEqual(order.Price)
}

// enqueue/pump разводят публикацию и потребление: исполнение, рождённое
// внутри PlaceOrder, не должно блокироваться на канале, который читает
// тот же вызывающий.
func (p *PaperGateway) enqueue(event Event) {
	p.mu.Lock()
	p.enqueueLocked(event)
	p.mu.Unlock()
}

func (p *PaperGateway) enqueueLocked(event Event) {
	p.pending = append(p.pending, event)
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

func (p *PaperGateway) pump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.notify:
		}
		for {
			p.mu.Lock()
			if len(p.pending) == 0 {
				p.mu.Unlock()
				break
			}
			event := p.pending[0]
			p.pending = p.pending[1:]
			p.mu.Unlock()
			select {
			case <-ctx.Done():
				return
			case p.out <- event:
			}
		}
	}
}
