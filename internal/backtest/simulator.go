package backtest

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"ladderbot/internal/config"
	"ladderbot/internal/engine"
	"ladderbot/internal/ledger"
	"ladderbot/internal/logger"
	"ladderbot/internal/models"
	"ladderbot/internal/risk"
)

// Сессия бэктеста фиксирована, чтобы link ID намерений, а с ними и весь
// прогон, были детерминированы.
const sessionID = "bt"

var hundred = decimal.NewFromInt(100)

// Simulator прогоняет свечи через тот же движок, что и живой поток:
// покупка срабатывает при low <= buy_price, продажа при high >= sell_price,
// исполнение ровно по цене уровня. Это документированное упрощение —
// реальные исполнения могут быть хуже.
type Simulator struct {
	cfg   config.Strategy
	eng   *engine.Engine
	led   *ledger.Ledger
	guard *risk.Guard
	log   *logger.Logger

	feeRate decimal.Decimal
	open    map[string]models.Order
	execSeq int64
	tickSeq int64

	stopReason string
}

// New строит симулятор поверх готового леджера. Леджер может быть
// восстановлен из снапшота — прогон продолжится без перепланирования.
func New(cfg config.Strategy, led *ledger.Ledger, log *logger.Logger) *Simulator {
	return &Simulator{
		cfg:     cfg,
		eng:     engine.NewWithSession(cfg, led, log, sessionID),
		led:     led,
		guard:   risk.New(cfg),
		log:     log,
		feeRate: decimal.NewFromFloat(cfg.FeeRate),
		open:    map[string]models.Order{},
	}
}

func (s *Simulator) Run(candles []models.Candle) (models.Report, error) {
	if len(candles) == 0 {
		return models.Report{}, errors.New("Пустой ценовой ряд для бэктеста.")
	}

	s.logEntry().WithFields(logrus.Fields{
		"candles": len(candles),
		"from":    candles[0].Time,
		"to":      candles[len(candles)-1].Time,
	}).Info("Старт бэктеста.")

	peak := s.led.Equity(candles[0].Open)
	maxDrawdown := decimal.Zero
	lastClose := candles[0].Open

	for i := range candles {
		candle := candles[i]
		lastClose = candle.Close

		if err := s.step(candle); err != nil {
			var violation *models.RiskViolation
			if errors.As(err, &violation) {
				s.stopReason = violation.Rule
				s.logEntry().WithError(violation).Warn("Бэктест остановлен риск-лимитом.")
				equity := s.led.Equity(candle.Close)
				peak, maxDrawdown = trackDrawdown(equity, peak, maxDrawdown)
				break
			}
			return models.Report{}, err
		}

		equity := s.led.Equity(candle.Close)
		peak, maxDrawdown = trackDrawdown(equity, peak, maxDrawdown)
	}

	return s.buildReport(candles, lastClose, maxDrawdown), nil
}

// step — одна свеча: тик по low (покупки), тик по high (продажи),
// затем риск-контроль по close. ForceCloseAll обрабатывается до того,
// как будет принята следующая свеча.
func (s *Simulator) step(candle models.Candle) error {
	s.tickSeq++
	lowTick := models.Ticker{
		Symbol:    s.cfg.Symbol,
		LastPrice: candle.Low,
		Timestamp: candle.Time,
		Sequence:  s.tickSeq,
	}
	s.admit(s.eng.OnTick(lowTick))
	if err := s.cross(models.OrderSideBuy, candle.Low, candle.Time); err != nil {
		return err
	}

	s.tickSeq++
	highTick := models.Ticker{
		Symbol:    s.cfg.Symbol,
		LastPrice: candle.High,
		Timestamp: candle.Time,
		Sequence:  s.tickSeq,
	}
	s.admit(s.eng.OnTick(highTick))
	if err := s.cross(models.OrderSideSell, candle.High, candle.Time); err != nil {
		return err
	}

	if s.guard.ShouldRebalanceTick() {
		for _, index := range s.guard.StaleLevels(s.led, candle.Close, candle.Time) {
			if _, err := s.eng.ForceCloseLevel(index, candle.Close, candle.Time); err != nil {
				return err
			}
			s.dropLevelOrders(index)
		}
	}

	if err := s.guard.Evaluate(s.led, candle.Close); err != nil {
		cancels, _, closeErr := s.eng.ForceCloseAll(candle.Close, candle.Time, err.(*models.RiskViolation).Rule)
		if closeErr != nil {
			return closeErr
		}
		for _, cancel := range cancels {
			delete(s.open, cancel.LinkID)
		}
		s.open = map[string]models.Order{}
		return err
	}

	return nil
}

func (s *Simulator) admit(intents []models.Order) {
	for _, intent := range intents {
		// Тот же link ID — тот же ордер: повторная отправка не дублирует.
		if _, exists := s.open[intent.LinkID]; exists {
			continue
		}
		intent.ID = intent.LinkID
		intent.Status = models.OrderStatusNew
		s.open[intent.LinkID] = intent
	}
}

// cross исполняет открытые лимитные ордера, которые пересекла цена.
// Обход в детерминированном порядке: от глубокого уровня к мелкому.
func (s *Simulator) cross(side models.OrderSide, price decimal.Decimal, at time.Time) error {
	matched := make([]models.Order, 0, 4)
	for _, order := range s.open {
		if order.Side != side {
			continue
		}
		if side == models.OrderSideBuy && order.Price.GreaterThanOrEqual(price) {
			matched = append(matched, order)
		}
		if side == models.OrderSideSell && order.Price.LessThanOrEqual(price) {
			matched = append(matched, order)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].LevelIndex < matched[j].LevelIndex })

	for _, order := range matched {
		delete(s.open, order.LinkID)
		s.execSeq++
		fill := models.Fill{
			OrderID:    order.ID,
			LinkID:     order.LinkID,
			ExecID:     fmt.Sprintf("bt-%06d", s.execSeq),
			Symbol:     order.Symbol,
			Side:       order.Side,
			LevelIndex: order.LevelIndex,
			Price:      order.Price,
			Qty:        order.Qty,
			Fee:        order.Price.Mul(order.Qty).Mul(s.feeRate),
			Timestamp:  at,
			Sequence:   s.execSeq,
		}
		intents, trade, err := s.eng.OnFill(fill)
		if err != nil {
			return err
		}
		if trade != nil {
			s.logEntry().WithFields(logrus.Fields{
				"level":  trade.Level,
				"cycle":  trade.Cycle,
				"profit": trade.Profit.String(),
			}).Debug("Круг уровня закрыт.")
		}
		s.admit(intents)
	}
	return nil
}

func (s *Simulator) dropLevelOrders(index int) {
	for link, order := range s.open {
		if order.LevelIndex == index {
			delete(s.open, link)
		}
	}
}

func trackDrawdown(equity, peak, maxDrawdown decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	if equity.GreaterThan(peak) {
		peak = equity
	}
	if peak.Sign() > 0 {
		drawdown := equity.Sub(peak).Div(peak).Mul(hundred)
		if drawdown.LessThan(maxDrawdown) {
			maxDrawdown = drawdown
		}
	}
	return peak, maxDrawdown
}

func (s *Simulator) logEntry() *logrus.Entry {
	return s.log.WithComponent("backtest").WithField("symbol", s.cfg.Symbol)
}
