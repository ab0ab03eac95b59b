package risk

import (
	"time"

	"github.com/shopspring/decimal"

	"ladderbot/internal/config"
	"ladderbot/internal/ledger"
	"ladderbot/internal/models"
)

var hundred = decimal.NewFromInt(100)

// Guard оценивает риск-лимиты после каждой мутации леджера. Пробой порога —
// терминальный сигнал сессии, не повторяемая ошибка.
type Guard struct {
	cfg config.Strategy

	stopLoss   decimal.Decimal
	takeProfit decimal.Decimal
	minProfit  decimal.Decimal

	ticksSinceCheck int
}

func New(cfg config.Strategy) *Guard {
	return &Guard{
		cfg:        cfg,
		stopLoss:   decimal.NewFromFloat(cfg.StopLossPercent),
		takeProfit: decimal.NewFromFloat(cfg.TakeProfitPercent),
		minProfit:  decimal.NewFromFloat(cfg.MinProfitToClose),
	}
}

// Evaluate сравнивает изменение equity с порогами стоп-лосса и
// тейк-профита. Возвращает *models.RiskViolation при пробое.
func (g *Guard) Evaluate(led *ledger.Ledger, price decimal.Decimal) error {
	initial := led.InitialCapital()
	if initial.IsZero() {
		return nil
	}
	changePct := led.Equity(price).Sub(initial).Div(initial).Mul(hundred)

	if changePct.LessThanOrEqual(g.stopLoss) {
		return &models.RiskViolation{
			Symbol:    led.Symbol(),
			Rule:      "stop_loss",
			Threshold: g.stopLoss,
			Actual:    changePct,
		}
	}
	if changePct.GreaterThanOrEqual(g.takeProfit) {
		return &models.RiskViolation{
			Symbol:    led.Symbol(),
			Rule:      "take_profit",
			Threshold: g.takeProfit,
			Actual:    changePct,
		}
	}
	return nil
}

// ShouldRebalanceTick — интервальная проверка для бэктеста: счётчик тиков
// вместо настенных часов, иначе прогон недетерминирован.
func (g *Guard) ShouldRebalanceTick() bool {
	if g.cfg.RebalanceEvery <= 0 {
		return false
	}
	g.ticksSinceCheck++
	if g.ticksSinceCheck < g.cfg.RebalanceEvery {
		return false
	}
	g.ticksSinceCheck = 0
	return true
}

// StaleLevels — уровни, висящие открытыми дольше окна давности, чья
// нереализованная прибыль по текущей цене уже покрывает min_profit_to_close.
func (g *Guard) StaleLevels(led *ledger.Ledger, price decimal.Decimal, now time.Time) []int {
	if g.cfg.StaleAfter <= 0 {
		return nil
	}

	var stale []int
	levels := led.Levels()
	for i := len(levels) - 1; i >= 0; i-- {
		level := led.Level(levels[i].Index)
		if !level.Open() || level.HeldQty().Sign() <= 0 {
			continue
		}
		if level.OpenedAt.IsZero() || now.Sub(level.OpenedAt) < g.cfg.StaleAfter {
			continue
		}
		unrealized := level.HeldQty().Mul(price).Add(level.SellProceeds).Sub(level.CostBasis)
		if unrealized.GreaterThanOrEqual(g.minProfit) {
			stale = append(stale, level.Index)
		}
	}
	return stale
}
