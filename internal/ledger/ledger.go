package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"ladderbot/internal/models"
)

// State — всё персистентное состояние пары. Сериализуется в JSON как есть,
// снапшот этого состояния и есть контракт восстановления после сбоя.
type State struct {
	Symbol           string                 `json:"symbol"`
	InitialCapital   decimal.Decimal        `json:"initial_capital"`
	MaxAllocation    decimal.Decimal        `json:"max_allocation"`
	Levels           []models.LadderLevel   `json:"levels"`
	RealizedProfit   decimal.Decimal        `json:"realized_profit"`
	OpenExposure     decimal.Decimal        `json:"open_exposure"`
	HeldQty          decimal.Decimal        `json:"held_qty"`
	HighWaterEquity  decimal.Decimal        `json:"high_water_equity"`
	ProcessedExecIDs map[string]bool        `json:"processed_exec_ids"`
	TradeCount       int                    `json:"trade_count"`
	WinCount         int                    `json:"win_count"`
	LossCount        int                    `json:"loss_count"`
	LastPrice        decimal.Decimal        `json:"last_price"`
	LastTickAt       time.Time              `json:"last_tick_at"`
	UpdatedAt        time.Time              `json:"updated_at"`
	Trades           []models.TradeLogEntry `json:"trades"`
}

// Ledger — единственный владелец уровней лестницы одной пары.
// Не синхронизирован: все мутации идут через одну точку обработки
// событий пары (runtime держит мьютекс).
type Ledger struct {
	state State
}

func New(symbol string, initialCapital, maxAllocation decimal.Decimal, levels []models.LadderLevel) *Ledger {
	l := &Ledger{
		state: State{
			Symbol:           symbol,
			InitialCapital:   initialCapital,
			MaxAllocation:    maxAllocation,
			Levels:           append([]models.LadderLevel(nil), levels...),
			HighWaterEquity:  initialCapital,
			ProcessedExecIDs: map[string]bool{},
		},
	}
	l.recompute()
	return l
}

func (l *Ledger) Symbol() string                { return l.state.Symbol }
func (l *Ledger) InitialCapital() decimal.Decimal { return l.state.InitialCapital }
func (l *Ledger) RealizedProfit() decimal.Decimal { return l.state.RealizedProfit }
func (l *Ledger) OpenExposure() decimal.Decimal   { return l.state.OpenExposure }
func (l *Ledger) HeldQty() decimal.Decimal        { return l.state.HeldQty }
func (l *Ledger) LastPrice() decimal.Decimal      { return l.state.LastPrice }
func (l *Ledger) TradeCount() int                 { return l.state.TradeCount }
func (l *Ledger) WinCount() int                   { return l.state.WinCount }
func (l *Ledger) LossCount() int                  { return l.state.LossCount }
func (l *Ledger) Trades() []models.TradeLogEntry  { return l.state.Trades }

// Levels отдаёт уровни для обхода движком. Срез принадлежит леджеру,
// вызывающий не должен его удерживать между событиями.
func (l *Ledger) Levels() []models.LadderLevel {
	return l.state.Levels
}

func (l *Ledger) Level(index int) *models.LadderLevel {
	for i := range l.state.Levels {
		if l.state.Levels[i].Index == index {
			return &l.state.Levels[i]
		}
	}
	return nil
}

// ObservePrice фиксирует последнюю цену и подтягивает high-water equity.
func (l *Ledger) ObservePrice(tick models.Ticker) {
	l.state.LastPrice = tick.LastPrice
	l.state.LastTickAt = tick.Timestamp
	equity := l.Equity(tick.LastPrice)
	if equity.GreaterThan(l.state.HighWaterEquity) {
		l.state.HighWaterEquity = equity
	}
}

// CanAfford проверяет лимит аллокации до выставления покупки.
func (l *Ledger) CanAfford(cost decimal.Decimal) bool {
	if l.state.MaxAllocation.IsZero() {
		return true
	}
	return l.state.OpenExposure.Add(cost).LessThanOrEqual(l.state.MaxAllocation)
}

func (l *Ledger) MarkBuyActive(index int, at time.Time) error {
	level := l.Level(index)
	if level == nil {
		return &models.ReconciliationMismatch{Symbol: l.state.Symbol, Detail: fmt.Sprintf("нет уровня %d", index)}
	}
	if level.Status != models.LevelStatusPending {
		return fmt.Errorf("Недопустимый переход %s -> BUY_ACTIVE на уровне %d.", level.Status, index)
	}
	level.Status = models.LevelStatusBuyActive
	l.state.UpdatedAt = at
	return nil
}

func (l *Ledger) MarkSellActive(index int, at time.Time) error {
	level := l.Level(index)
	if level == nil {
		return &models.ReconciliationMismatch{Symbol: l.state.Symbol, Detail: fmt.Sprintf("нет уровня %d", index)}
	}
	if level.Status != models.LevelStatusFilled {
		return fmt.Errorf("Недопустимый переход %s -> SELL_ACTIVE на уровне %d.", level.Status, index)
	}
	level.Status = models.LevelStatusSellActive
	l.state.UpdatedAt = at
	return nil
}

// ApplyFill — единственный мутатор по исполнениям. Повторная доставка
// того же exec_id меняет леджер ровно один раз. Возвращает запись сделки,
// если исполнение закрыло полный круг уровня.
func (l *Ledger) ApplyFill(fill models.Fill) (*models.TradeLogEntry, error) {
	if fill.ExecID != "" {
		if l.state.ProcessedExecIDs[fill.ExecID] {
			return nil, nil
		}
		l.state.ProcessedExecIDs[fill.ExecID] = true
	}

	level := l.Level(fill.LevelIndex)
	if level == nil {
		return nil, &models.ReconciliationMismatch{
			Symbol: l.state.Symbol,
			Detail: fmt.Sprintf("исполнение %s ссылается на неизвестный уровень %d", fill.ExecID, fill.LevelIndex),
		}
	}

	var trade *models.TradeLogEntry
	switch fill.Side {
	case models.OrderSideBuy:
		if level.Status == models.LevelStatusClosed {
			return nil, &models.ReconciliationMismatch{
				Symbol: l.state.Symbol,
				Detail: fmt.Sprintf("покупка по закрытому уровню %d", fill.LevelIndex),
			}
		}
		level.FilledQty = level.FilledQty.Add(fill.Qty)
		level.CostBasis = level.CostBasis.Add(fill.Price.Mul(fill.Qty)).Add(fill.Fee)
		level.FeesPaid = level.FeesPaid.Add(fill.Fee)
		if level.OpenedAt.IsZero() {
			level.OpenedAt = fill.Timestamp
		}
		if level.FilledQty.GreaterThanOrEqual(level.Qty) {
			level.Status = models.LevelStatusFilled
		} else if level.Status == models.LevelStatusPending {
			level.Status = models.LevelStatusBuyActive
		}
	case models.OrderSideSell:
		if level.FilledQty.IsZero() {
			return nil, &models.ReconciliationMismatch{
				Symbol: l.state.Symbol,
				Detail: fmt.Sprintf("продажа по уровню %d без купленного объёма", fill.LevelIndex),
			}
		}
		level.SoldQty = level.SoldQty.Add(fill.Qty)
		level.SellProceeds = level.SellProceeds.Add(fill.Price.Mul(fill.Qty)).Sub(fill.Fee)
		level.FeesPaid = level.FeesPaid.Add(fill.Fee)
		if level.SoldQty.GreaterThanOrEqual(level.FilledQty) {
			trade = l.closeRoundTrip(level, fill.Price, fill.Timestamp)
		}
	default:
		return nil, fmt.Errorf("Неизвестная сторона исполнения: %s", fill.Side)
	}

	l.state.UpdatedAt = fill.Timestamp
	l.recompute()
	return trade, nil
}

// ForceClose оценивает позицию уровня по ликвидационной цене и закрывает
// её вне обычного триггера продажи. terminal=true оставляет уровень в
// Closed (конец сессии), иначе уровень возвращается в Pending.
func (l *Ledger) ForceClose(index int, price, fee decimal.Decimal, at time.Time, reason string, terminal bool) (*models.TradeLogEntry, error) {
	level := l.Level(index)
	if level == nil {
		return nil, &models.ReconciliationMismatch{Symbol: l.state.Symbol, Detail: fmt.Sprintf("нет уровня %d", index)}
	}

	var trade *models.TradeLogEntry
	held := level.HeldQty()
	if held.Sign() > 0 {
		level.SoldQty = level.SoldQty.Add(held)
		level.SellProceeds = level.SellProceeds.Add(price.Mul(held)).Sub(fee)
		level.FeesPaid = level.FeesPaid.Add(fee)
		trade = l.closeRoundTrip(level, price, at)
		if trade != nil {
			trade.Reason = reason
		}
	} else {
		closed := at
		level.ClosedAt = &closed
	}

	if terminal {
		level.Status = models.LevelStatusClosed
	} else if level.Status != models.LevelStatusPending {
		l.resetLevel(level)
	}
	l.state.UpdatedAt = at
	l.recompute()
	return trade, nil
}

// closeRoundTrip фиксирует прибыль круга и возвращает уровень в Pending
// с прежними статичными ценами (лестница не перецентрируется).
func (l *Ledger) closeRoundTrip(level *models.LadderLevel, sellPrice decimal.Decimal, at time.Time) *models.TradeLogEntry {
	profit := level.SellProceeds.Sub(level.CostBasis)
	l.state.RealizedProfit = l.state.RealizedProfit.Add(profit)
	l.state.TradeCount++
	if profit.Sign() > 0 {
		l.state.WinCount++
	} else {
		l.state.LossCount++
	}

	closed := at
	level.ClosedAt = &closed

	trade := models.TradeLogEntry{
		Timestamp: at,
		Symbol:    l.state.Symbol,
		Level:     level.Index,
		Cycle:     level.Cycle,
		BuyPrice:  level.BuyPrice,
		SellPrice: sellPrice,
		Qty:       level.FilledQty,
		Fees:      level.FeesPaid,
		Profit:    profit,
		Reason:    models.TradeReasonLadder,
	}
	l.state.Trades = append(l.state.Trades, trade)

	l.resetLevel(level)
	return &l.state.Trades[len(l.state.Trades)-1]
}

func (l *Ledger) resetLevel(level *models.LadderLevel) {
	level.Status = models.LevelStatusPending
	level.Cycle++
	level.FilledQty = decimal.Zero
	level.SoldQty = decimal.Zero
	level.CostBasis = decimal.Zero
	level.SellProceeds = decimal.Zero
	level.FeesPaid = decimal.Zero
	level.OpenedAt = time.Time{}
	level.ClosedAt = nil
}

// recompute пересчитывает экспозицию и удержанный объём целиком,
// а не инкрементально, чтобы не копить ошибку округления.
func (l *Ledger) recompute() {
	exposure := decimal.Zero
	held := decimal.Zero
	for i := range l.state.Levels {
		level := &l.state.Levels[i]
		if level.Status == models.LevelStatusClosed {
			continue
		}
		exposure = exposure.Add(level.CostBasis)
		held = held.Add(level.HeldQty())
	}
	l.state.OpenExposure = exposure
	l.state.HeldQty = held
}

// UnrealizedPnL — оценка открытых уровней по заданной цене.
func (l *Ledger) UnrealizedPnL(price decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for i := range l.state.Levels {
		level := &l.state.Levels[i]
		if !level.Open() {
			continue
		}
		total = total.Add(level.HeldQty().Mul(price)).Add(level.SellProceeds).Sub(level.CostBasis)
	}
	return total
}

func (l *Ledger) Equity(price decimal.Decimal) decimal.Decimal {
	return l.state.InitialCapital.Add(l.state.RealizedProfit).Add(l.UnrealizedPnL(price))
}

func (l *Ledger) HighWaterEquity() decimal.Decimal {
	return l.state.HighWaterEquity
}
