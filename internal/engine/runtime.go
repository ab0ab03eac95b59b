package engine

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"ladderbot/internal/config"
	"ladderbot/internal/exchange"
	"ladderbot/internal/ladder"
	"ladderbot/internal/ledger"
	"ladderbot/internal/logger"
	"ladderbot/internal/metrics"
	"ladderbot/internal/models"
	"ladderbot/internal/risk"
)

// Runtime ведёт одну пару в live/paper режиме: события шлюза проходят через
// движок под одним мьютексом, после каждой мутации леджера — проверка рисков
// и снапшот на диск. Падение одной пары не трогает остальные.
type Runtime struct {
	mu sync.Mutex

	cfg      config.Strategy
	mode     string
	stateDir string
	gateway  exchange.Gateway
	log      *logger.Logger

	eng   *Engine
	led   *ledger.Ledger
	guard *risk.Guard

	// link_id -> биржевой orderID для отмены при принудительном закрытии.
	placed    map[string]string
	violation *models.RiskViolation
}

func NewRuntime(cfg config.Strategy, mode, stateDir string, gw exchange.Gateway, log *logger.Logger) *Runtime {
	return &Runtime{
		cfg:      cfg,
		mode:     mode,
		stateDir: stateDir,
		gateway:  gw,
		log:      log,
		guard:    risk.New(cfg),
		placed:   map[string]string{},
	}
}

// Run блокирует до отмены контекста, закрытия канала событий или пробоя
// риск-лимита. Пробой возвращается как ошибка: сессия пары завершена.
func (r *Runtime) Run(ctx context.Context) error {
	events, err := r.gateway.Subscribe(ctx, r.cfg.Symbol)
	if err != nil {
		return err
	}

	if err := r.initSession(ctx, events); err != nil {
		return err
	}

	var rebalance <-chan time.Time
	if r.cfg.RebalanceInterval > 0 {
		ticker := time.NewTicker(r.cfg.RebalanceInterval)
		defer ticker.Stop()
		rebalance = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			r.mu.Lock()
			r.persist()
			r.mu.Unlock()
			return ctx.Err()
		case <-rebalance:
			r.rebalanceStale(ctx, time.Now())
		case event, ok := <-events:
			if !ok {
				r.logEntry().Warn("Канал событий шлюза закрыт.")
				return nil
			}
			switch event.Type {
			case exchange.EventTypeTicker:
				if event.Ticker != nil {
					r.handleTicker(ctx, *event.Ticker)
				}
			case exchange.EventTypeFill:
				if event.Fill != nil {
					r.handleFill(ctx, *event.Fill)
				}
			case exchange.EventTypeOrder:
				if event.Order != nil {
					r.handleOrder(*event.Order)
				}
			case exchange.EventTypeReconnect:
				r.logEntry().Info("Получен сигнал реконнекта, сверка состояния с биржей.")
				if err := r.Reconcile(ctx); err != nil {
					r.logEntry().WithError(err).Warn("Не удалось провести сверку после реконнекта.")
				}
			}
			if violation := r.stoppedBy(); violation != nil {
				r.logFinalReport()
				return violation
			}
		}
	}
}

// initSession восстанавливает сессию из снапшота либо планирует новую
// лестницу от первой наблюдаемой цены.
func (r *Runtime) initSession(ctx context.Context, events <-chan exchange.Event) error {
	snap, err := LoadSnapshot(r.stateDir, r.cfg.Symbol)
	if err != nil {
		r.logEntry().WithError(err).Warn("Снапшот повреждён, начинаем с чистого состояния.")
	}
	if snap != nil && snap.Mode == r.mode {
		r.mu.Lock()
		r.led = ledger.Restore(snap.Ledger)
		r.eng = NewWithSession(r.cfg, r.led, r.log, snap.SessionID)
		r.mu.Unlock()
		r.logEntry().WithFields(logrus.Fields{
			"session_id": snap.SessionID,
			"saved_at":   snap.SavedAt,
		}).Info("Состояние восстановлено из снапшота.")
		return r.Reconcile(ctx)
	}

	ref, err := r.awaitFirstPrice(ctx, events)
	if err != nil {
		return err
	}

	levels, err := ladder.Plan(ladder.Params{
		ReferencePrice: ref,
		BaseGap:        decimal.NewFromFloat(r.cfg.BaseGap),
		Ladders:        r.cfg.Ladders,
		Fibonacci:      r.cfg.Fibonacci,
		UnitSize:       decimal.NewFromFloat(r.cfg.UnitSizeBase),
		SizeMultiplier: decimal.NewFromFloat(r.cfg.SafetyMultiplier),
	})
	if err != nil {
		return err
	}

	required := ladder.RequiredCapital(levels)
	maxAllocation := decimal.NewFromFloat(r.cfg.MaxAllocation)
	if maxAllocation.Sign() > 0 && required.GreaterThan(maxAllocation) {
		r.logEntry().WithFields(logrus.Fields{
			"required":       required.String(),
			"max_allocation": maxAllocation.String(),
		}).Warn("Полная лестница не помещается в лимит аллокации, глубокие уровни будут пропущены.")
	}

	r.mu.Lock()
	r.led = ledger.New(r.cfg.Symbol, decimal.NewFromFloat(r.cfg.InitialCapital), maxAllocation, levels)
	r.eng = New(r.cfg, r.led, r.log)
	r.persist()
	r.mu.Unlock()

	r.logEntry().WithFields(logrus.Fields{
		"session_id":      r.eng.SessionID(),
		"reference_price": ref.String(),
		"levels":          len(levels),
		"required":        required.String(),
	}).Info("Лестница спланирована, сессия запущена.")
	return nil
}

func (r *Runtime) awaitFirstPrice(ctx context.Context, events <-chan exchange.Event) (decimal.Decimal, error) {
	timeout := time.NewTimer(time.Minute)
	defer timeout.Stop()
	for {
		select {
		case <-ctx.Done():
			return decimal.Zero, ctx.Err()
		case <-timeout.C:
			return decimal.Zero, errors.New("Не дождались первой цены от шлюза.")
		case event, ok := <-events:
			if !ok {
				return decimal.Zero, errors.New("Канал событий шлюза закрыт до первой цены.")
			}
			if event.Type == exchange.EventTypeTicker && event.Ticker != nil && event.Ticker.LastPrice.Sign() > 0 {
				return event.Ticker.LastPrice, nil
			}
		}
	}
}

func (r *Runtime) handleTicker(ctx context.Context, tick models.Ticker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.eng == nil || r.eng.Stopped() {
		return
	}

	intents := r.eng.OnTick(tick)
	r.placeIntents(ctx, intents)
	r.checkRisk(ctx, tick.LastPrice, tick.Timestamp)

	metrics.SetEquity(r.cfg.Symbol, r.led.Equity(tick.LastPrice).InexactFloat64())
	metrics.SetExposure(r.cfg.Symbol, r.led.OpenExposure().InexactFloat64())
	r.persist()
}

func (r *Runtime) handleFill(ctx context.Context, fill models.Fill) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.eng == nil {
		return
	}
	if !r.ownsLink(fill.LinkID) {
		r.logEntry().WithField("link_id", fill.LinkID).Debug("Исполнение чужой сессии, игнор.")
		return
	}

	intents, trade, err := r.eng.OnFill(fill)
	if err != nil {
		var mismatch *models.ReconciliationMismatch
		if errors.As(err, &mismatch) {
			r.logEntry().WithError(mismatch).Warn("Расхождение с биржей, запускаем сверку.")
			r.reconcileLocked(ctx)
			return
		}
		r.logEntry().WithError(err).Error("Не удалось применить исполнение.")
		return
	}

	metrics.FillConfirmed(fill.Symbol, string(fill.Side))
	r.logEntry().WithFields(logrus.Fields{
		"exec_id": fill.ExecID,
		"side":    fill.Side,
		"price":   fill.Price.String(),
		"qty":     fill.Qty.String(),
	}).Info("Исполнение подтверждено.")

	if trade != nil {
		r.recordTrade(*trade)
	}

	r.placeIntents(ctx, intents)
	r.checkRisk(ctx, fill.Price, fill.Timestamp)
	r.persist()
}

// handleOrder обновляет связку link_id -> orderID и отпускает записи об
// отменённых или отклонённых ордерах.
func (r *Runtime) handleOrder(order models.Order) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.eng == nil || !r.ownsLink(order.LinkID) {
		return
	}
	switch order.Status {
	case models.OrderStatusCanceled, models.OrderStatusRejected:
		delete(r.placed, order.LinkID)
		r.logEntry().WithFields(logrus.Fields{
			"link_id": order.LinkID,
			"status":  order.Status,
		}).Warn("Ордер снят биржей.")
	default:
		if order.ID != "" {
			r.placed[order.LinkID] = order.ID
		}
	}
}

func (r *Runtime) rebalanceStale(ctx context.Context, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.eng == nil || r.eng.Stopped() {
		return
	}
	price := r.led.LastPrice()
	if price.Sign() <= 0 {
		return
	}
	for _, index := range r.guard.StaleLevels(r.led, price, now) {
		r.forceCloseLevel(ctx, index, price, now)
	}
	r.persist()
}

// forceCloseLevel закрывает один застоявшийся уровень: отмена лимиток,
// маркет-продажа остатка, круг засчитывается в леджер.
func (r *Runtime) forceCloseLevel(ctx context.Context, index int, price decimal.Decimal, at time.Time) {
	level := r.led.Level(index)
	if level == nil || !level.Open() {
		return
	}
	r.cancelLevelOrders(ctx, level)
	held := level.HeldQty()

	trade, err := r.eng.ForceCloseLevel(index, price, at)
	if err != nil {
		r.logEntry().WithError(err).Warn("Не удалось закрыть уровень при ребалансе.")
		return
	}
	if held.Sign() > 0 {
		r.marketSell(ctx, held, index, at)
	}
	if trade != nil {
		r.recordTrade(*trade)
	}
}

// checkRisk вызывается после каждой мутации леджера. Пробой порога —
// терминальный: снять ордера, продать остаток по рынку, остановить сессию.
func (r *Runtime) checkRisk(ctx context.Context, price decimal.Decimal, at time.Time) {
	if r.eng.Stopped() {
		return
	}
	err := r.guard.Evaluate(r.led, price)
	if err == nil {
		return
	}
	var violation *models.RiskViolation
	if !errors.As(err, &violation) {
		r.logEntry().WithError(err).Error("Неожиданная ошибка риск-контроля.")
		return
	}

	r.logEntry().WithError(violation).Error("Пробит риск-лимит, принудительное закрытие сессии.")
	held := r.led.HeldQty()

	cancels, trades, fcErr := r.eng.ForceCloseAll(price, at, violation.Rule)
	for _, cancel := range cancels {
		r.cancelPlaced(ctx, cancel.LinkID)
	}
	for link := range r.placed {
		r.cancelPlaced(ctx, link)
	}
	if held.Sign() > 0 {
		r.marketSell(ctx, held, 0, at)
	}
	if fcErr != nil {
		r.logEntry().WithError(fcErr).Error("Ошибка при принудительном закрытии.")
	}
	for _, trade := range trades {
		r.recordTrade(trade)
	}

	metrics.ForceClosed(r.cfg.Symbol, violation.Rule)
	r.violation = violation
	r.persist()
}

func (r *Runtime) placeIntents(ctx context.Context, intents []models.Order) {
	for _, intent := range intents {
		metrics.IntentEmitted(r.mode, string(intent.Side))
		if orderID, ok := r.placed[intent.LinkID]; ok && orderID != "" {
			continue
		}
		placed, err := r.withRetryPlace(ctx, intent)
		if err != nil {
			// Намерение не потеряно: движок повторит его с тем же link ID.
			r.logEntry().WithError(err).WithField("link_id", intent.LinkID).Error("Не удалось выставить ордер.")
			continue
		}
		r.placed[intent.LinkID] = placed.ID
		r.logEntry().WithFields(logrus.Fields{
			"link_id":  intent.LinkID,
			"order_id": placed.ID,
			"side":     intent.Side,
			"price":    intent.Price.String(),
			"qty":      intent.Qty.String(),
		}).Info("Ордер выставлен.")
	}
}

func (r *Runtime) marketSell(ctx context.Context, qty decimal.Decimal, levelIndex int, at time.Time) {
	order := models.Order{
		LinkID:     r.eng.SessionID() + "-fc-" + at.UTC().Format("20060102150405"),
		Symbol:     r.cfg.Symbol,
		Side:       models.OrderSideSell,
		Type:       models.OrderTypeMarket,
		Kind:       models.OrderKindForceClose,
		LevelIndex: levelIndex,
		Qty:        qty,
		CreateTime: at,
	}
	if _, err := r.withRetryPlace(ctx, order); err != nil {
		r.logEntry().WithError(err).WithField("qty", qty.String()).Error("Не удалось продать остаток по рынку.")
	}
}

func (r *Runtime) cancelLevelOrders(ctx context.Context, level *models.LadderLevel) {
	for _, side := range []models.OrderSide{models.OrderSideBuy, models.OrderSideSell} {
		link := buildLinkID(r.eng.SessionID(), level.Depth(), level.Cycle, side)
		r.cancelPlaced(ctx, link)
	}
}

func (r *Runtime) cancelPlaced(ctx context.Context, linkID string) {
	orderID, ok := r.placed[linkID]
	if !ok {
		return
	}
	delete(r.placed, linkID)
	if orderID == "" {
		return
	}
	if err := r.withRetryCancel(ctx, orderID); err != nil {
		r.logEntry().WithError(err).WithField("order_id", orderID).Warn("Не удалось снять ордер.")
	}
}

func (r *Runtime) recordTrade(trade models.TradeLogEntry) {
	profit, _ := trade.Profit.Float64()
	metrics.TradeClosed(trade.Symbol, profit)
	delete(r.placed, buildLinkID(r.eng.SessionID(), -trade.Level, trade.Cycle, models.OrderSideBuy))
	delete(r.placed, buildLinkID(r.eng.SessionID(), -trade.Level, trade.Cycle, models.OrderSideSell))
	r.logEntry().WithFields(logrus.Fields{
		"level":      trade.Level,
		"cycle":      trade.Cycle,
		"buy_price":  trade.BuyPrice.String(),
		"sell_price": trade.SellPrice.String(),
		"qty":        trade.Qty.String(),
		"fees":       trade.Fees.String(),
		"profit":     trade.Profit.String(),
		"reason":     trade.Reason,
	}).Info("Круг закрыт.")
}

func (r *Runtime) ownsLink(linkID string) bool {
	sessionID, _, _, _, ok := parseLinkID(linkID)
	if ok {
		return sessionID == r.eng.SessionID()
	}
	return strings.HasPrefix(linkID, r.eng.SessionID()+"-")
}

func (r *Runtime) stoppedBy() *models.RiskViolation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.violation
}

func (r *Runtime) persist() {
	if r.led == nil || r.eng == nil {
		return
	}
	snap := Snapshot{
		Mode:      r.mode,
		SessionID: r.eng.SessionID(),
		SavedAt:   time.Now().UTC(),
		Ledger:    r.led.Snapshot(),
	}
	if err := SaveSnapshot(r.stateDir, snap); err != nil {
		r.logEntry().WithError(err).Warn("Не удалось сохранить снапшот состояния.")
	}
}

func (r *Runtime) logFinalReport() {
	r.mu.Lock()
	defer r.mu.Unlock()
	price := r.led.LastPrice()
	r.logEntry().WithFields(logrus.Fields{
		"initial_capital": r.led.InitialCapital().String(),
		"final_equity":    r.led.Equity(price).String(),
		"realized_profit": r.led.RealizedProfit().String(),
		"trades":          r.led.TradeCount(),
		"wins":            r.led.WinCount(),
		"losses":          r.led.LossCount(),
		"reason":          r.violation.Rule,
	}).Warn("Итог сессии.")
}

func (r *Runtime) withRetryPlace(ctx context.Context, order models.Order) (models.Order, error) {
	var lastErr error
	var backoff time.Duration = 1 * time.Second
	for i := 0; i < 5; i++ {
		placed, err := r.gateway.PlaceOrder(ctx, order)
		if err == nil {
			return placed, nil
		}
		lastErr = err
		wait := time.Duration(math.Min(float64(backoff), float64(backoff*30)))
		if isRateLimitError(err) {
			wait = time.Duration(math.Min(float64(backoff*4), float64(backoff*30)))
		}
		r.logEntry().WithError(lastErr).Warn("Ошибка, повторяем запрос.")
		select {
		case <-ctx.Done():
			return models.Order{}, ctx.Err()
		case <-time.After(wait):
		}
		backoff *= 2
	}
	return models.Order{}, lastErr
}

func (r *Runtime) withRetryCancel(ctx context.Context, orderID string) error {
	var lastErr error
	var backoff time.Duration = 1 * time.Second
	for i := 0; i < 5; i++ {
		if err := r.gateway.CancelOrder(ctx, r.cfg.Symbol, orderID); err == nil {
			return nil
		} else {
			lastErr = err
		}
		wait := time.Duration(math.Min(float64(backoff), float64(backoff*30)))
		if isRateLimitError(lastErr) {
			wait = time.Duration(math.Min(float64(backoff*4), float64(backoff*30)))
		}
		r.logEntry().WithError(lastErr).Warn("Ошибка, повторяем запрос.")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		backoff *= 2
	}
	return lastErr
}

func isRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "429") || strings.Contains(msg, "-1003") || strings.Contains(msg, "Too many requests")
}

func (r *Runtime) logEntry() *logrus.Entry {
	return r.log.WithComponent("runtime").WithFields(logrus.Fields{
		"symbol": r.cfg.Symbol,
		"mode":   r.mode,
	})
}
