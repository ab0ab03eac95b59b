package engine

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"ladderbot/internal/config"
	"ladderbot/internal/ledger"
	"ladderbot/internal/logger"
	"ladderbot/internal/models"
)

// Engine — машина состояний уровней лестницы. Сам ничего не хранит, кроме
// таблицы неподтверждённых намерений: источник истины — леджер, поэтому
// прогон по историческим ценам и живой поток дают одинаковые решения.
type Engine struct {
	cfg config.Strategy
	led *ledger.Ledger
	log *logger.Logger

	sessionID      string
	feeRate        decimal.Decimal
	confirmTimeout time.Duration

	inflight      map[string]pendingIntent
	lastTickerSeq int64
	stopped       bool
}

type pendingIntent struct {
	Order     models.Order
	EmittedAt time.Time
}

func New(cfg config.Strategy, led *ledger.Ledger, log *logger.Logger) *Engine {
	return NewWithSession(cfg, led, log, newSessionID())
}

func NewWithSession(cfg config.Strategy, led *ledger.Ledger, log *logger.Logger, sessionID string) *Engine {
	return &Engine{
		cfg:            cfg,
		led:            led,
		log:            log,
		sessionID:      sessionID,
		feeRate:        decimal.NewFromFloat(cfg.FeeRate),
		confirmTimeout: cfg.ConfirmTimeout,
		inflight:       map[string]pendingIntent{},
	}
}

func (e *Engine) SessionID() string { return e.sessionID }
func (e *Engine) Stopped() bool     { return e.stopped }
func (e *Engine) Ledger() *ledger.Ledger { return e.led }

// OnTick обрабатывает ценовое наблюдение и возвращает намерения для шлюза.
// Уровни обходятся от глубокого к мелкому: глубокие позиции крупнее и
// должны учитываться в экспозиции первыми. Повтор того же тика — no-op.
func (e *Engine) OnTick(tick models.Ticker) []models.Order {
	if e.stopped {
		return nil
	}
	if tick.Sequence > 0 && tick.Sequence <= e.lastTickerSeq {
		return nil
	}
	if tick.Sequence > 0 {
		e.lastTickerSeq = tick.Sequence
	}

	e.led.ObservePrice(tick)

	var intents []models.Order
	levels := e.led.Levels()
	for i := len(levels) - 1; i >= 0; i-- {
		level := e.led.Level(levels[i].Index)
		switch level.Status {
		case models.LevelStatusPending:
			if tick.LastPrice.GreaterThan(level.BuyPrice) {
				continue
			}
			cost := level.Qty.Mul(level.BuyPrice)
			if !e.led.CanAfford(cost) {
				e.logEntry().WithFields(logrus.Fields{
					"level": level.Index,
					"cost":  cost.String(),
				}).Warn("Покупка пропущена: превышен лимит аллокации.")
				continue
			}
			intent := e.buyIntent(level, tick.Timestamp)
			if err := e.led.MarkBuyActive(level.Index, tick.Timestamp); err != nil {
				e.logEntry().WithError(err).Warn("Отклонён переход уровня.")
				continue
			}
			intents = append(intents, intent)
		case models.LevelStatusFilled:
			intent := e.sellIntent(level, tick.Timestamp)
			if err := e.led.MarkSellActive(level.Index, tick.Timestamp); err != nil {
				e.logEntry().WithError(err).Warn("Отклонён переход уровня.")
				continue
			}
			intents = append(intents, intent)
		case models.LevelStatusBuyActive:
			if intent, ok := e.reemitDue(level, models.OrderSideBuy, tick.Timestamp); ok {
				intents = append(intents, intent)
			}
		case models.LevelStatusSellActive:
			if intent, ok := e.reemitDue(level, models.OrderSideSell, tick.Timestamp); ok {
				intents = append(intents, intent)
			}
		}
	}

	return intents
}

// OnFill подтверждает исполнение. Полностью купленный уровень сразу
// порождает намерение продажи; закрытый круг возвращает уровень в Pending.
func (e *Engine) OnFill(fill models.Fill) ([]models.Order, *models.TradeLogEntry, error) {
	if e.stopped {
		e.logEntry().WithField("exec_id", fill.ExecID).Warn("Исполнение после остановки сессии, игнор.")
		return nil, nil, nil
	}

	if fill.LevelIndex == 0 {
		_, depth, _, _, ok := parseLinkID(fill.LinkID)
		if !ok {
			return nil, nil, &models.ReconciliationMismatch{
				Symbol: e.cfg.Symbol,
				Detail: "исполнение без привязки к уровню: " + fill.LinkID,
			}
		}
		fill.LevelIndex = -depth
	}

	trade, err := e.led.ApplyFill(fill)
	if err != nil {
		return nil, nil, err
	}

	level := e.led.Level(fill.LevelIndex)
	if level == nil {
		return nil, trade, nil
	}

	var intents []models.Order
	switch fill.Side {
	case models.OrderSideBuy:
		if level.Status == models.LevelStatusFilled {
			delete(e.inflight, buildLinkID(e.sessionID, level.Depth(), level.Cycle, models.OrderSideBuy))
			intent := e.sellIntent(level, fill.Timestamp)
			if err := e.led.MarkSellActive(level.Index, fill.Timestamp); err != nil {
				e.logEntry().WithError(err).Warn("Отклонён переход уровня.")
			} else {
				intents = append(intents, intent)
			}
		}
	case models.OrderSideSell:
		if trade != nil {
			// Цикл в записи сделки — это цикл ЗАКРЫТОГО круга.
			delete(e.inflight, buildLinkID(e.sessionID, -trade.Level, trade.Cycle, models.OrderSideSell))
		}
	}

	return intents, trade, nil
}

// ForceCloseLevel закрывает один уровень по текущей цене (ребаланс),
// уровень возвращается в Pending.
func (e *Engine) ForceCloseLevel(index int, price decimal.Decimal, at time.Time) (*models.TradeLogEntry, error) {
	level := e.led.Level(index)
	if level == nil || !level.Open() {
		return nil, nil
	}
	e.dropInflight(level)
	fee := level.HeldQty().Mul(price).Mul(e.feeRate)
	return e.led.ForceClose(index, price, fee, at, models.TradeReasonForceClose, false)
}

// ForceCloseAll ликвидирует все открытые уровни по заданной цене и
// переводит движок в терминальное состояние: дальнейшие тики и
// исполнения не порождают намерений.
func (e *Engine) ForceCloseAll(price decimal.Decimal, at time.Time, reason string) ([]models.Order, []models.TradeLogEntry, error) {
	var cancels []models.Order
	var trades []models.TradeLogEntry

	levels := e.led.Levels()
	for i := len(levels) - 1; i >= 0; i-- {
		level := e.led.Level(levels[i].Index)
		if !level.Open() {
			continue
		}
		for _, side := range []models.OrderSide{models.OrderSideBuy, models.OrderSideSell} {
			link := buildLinkID(e.sessionID, level.Depth(), level.Cycle, side)
			if pending, ok := e.inflight[link]; ok {
				cancels = append(cancels, pending.Order)
				delete(e.inflight, link)
			}
		}
		fee := level.HeldQty().Mul(price).Mul(e.feeRate)
		trade, err := e.led.ForceClose(level.Index, price, fee, at, reason, true)
		if err != nil {
			return cancels, trades, err
		}
		if trade != nil {
			trades = append(trades, *trade)
		}
	}

	e.stopped = true
	e.logEntry().WithFields(logrus.Fields{
		"reason": reason,
		"price":  price.String(),
		"trades": len(trades),
	}).Warn("Принудительное закрытие всех уровней.")
	return cancels, trades, nil
}

func (e *Engine) buyIntent(level *models.LadderLevel, at time.Time) models.Order {
	link := buildLinkID(e.sessionID, level.Depth(), level.Cycle, models.OrderSideBuy)
	order := models.Order{
		LinkID:      link,
		Symbol:      e.cfg.Symbol,
		Side:        models.OrderSideBuy,
		Type:        models.OrderTypeLimit,
		Kind:        models.OrderKindLadderBuy,
		LevelIndex:  level.Index,
		Price:       level.BuyPrice,
		Qty:         level.Qty,
		TimeInForce: "GTC",
		CreateTime:  at,
	}
	e.inflight[link] = pendingIntent{Order: order, EmittedAt: at}
	return order
}

func (e *Engine) sellIntent(level *models.LadderLevel, at time.Time) models.Order {
	link := buildLinkID(e.sessionID, level.Depth(), level.Cycle, models.OrderSideSell)
	order := models.Order{
		LinkID:      link,
		Symbol:      e.cfg.Symbol,
		Side:        models.OrderSideSell,
		Type:        models.OrderTypeLimit,
		Kind:        models.OrderKindLadderSell,
		LevelIndex:  level.Index,
		Price:       level.SellPrice,
		Qty:         level.FilledQty,
		TimeInForce: "GTC",
		CreateTime:  at,
	}
	e.inflight[link] = pendingIntent{Order: order, EmittedAt: at}
	return order
}

// reemitDue повторяет намерение с ТЕМ ЖЕ link ID, если подтверждение не
// пришло за таймаут: шлюз отсечёт дубль, а потерянный ордер восстановится.
func (e *Engine) reemitDue(level *models.LadderLevel, side models.OrderSide, now time.Time) (models.Order, bool) {
	link := buildLinkID(e.sessionID, level.Depth(), level.Cycle, side)
	pending, ok := e.inflight[link]
	if !ok {
		// После рестарта таблица пуста: восстанавливаем намерение заново.
		if side == models.OrderSideBuy {
			return e.buyIntent(level, now), true
		}
		return e.sellIntent(level, now), true
	}
	if e.confirmTimeout <= 0 || now.Sub(pending.EmittedAt) < e.confirmTimeout {
		return models.Order{}, false
	}
	pending.EmittedAt = now
	e.inflight[link] = pending
	e.logEntry().WithField("link_id", link).Warn("Намерение не подтверждено, повторная отправка.")
	return pending.Order, true
}

func (e *Engine) dropInflight(level *models.LadderLevel) {
	delete(e.inflight, buildLinkID(e.sessionID, level.Depth(), level.Cycle, models.OrderSideBuy))
	delete(e.inflight, buildLinkID(e.sessionID, level.Depth(), level.Cycle, models.OrderSideSell))
}

// InflightOrders — снимок неподтверждённых намерений (для сверки).
func (e *Engine) InflightOrders() []models.Order {
	orders := make([]models.Order, 0, len(e.inflight))
	for _, pending := range e.inflight {
		orders = append(orders, pending.Order)
	}
	return orders
}

func (e *Engine) logEntry() *logrus.Entry {
	return e.log.WithComponent("engine").WithField("symbol", e.cfg.Symbol)
}
