package engine

import (
	"context"
	"math"
	"time"

	"ladderbot/internal/models"
)

// Reconcile сверяет локальное состояние с биржей после рестарта или
// реконнекта. Биржа — источник истины: пропущенные исполнения доигрываются
// через движок (дедупликация по exec ID делает повтор безопасным), а ордера,
// которых на бирже нет, будут перевыставлены по таймауту подтверждения.
func (r *Runtime) Reconcile(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reconcileLocked(ctx)
}

func (r *Runtime) reconcileLocked(ctx context.Context) error {
	if r.eng == nil || r.eng.Stopped() {
		return nil
	}

	fills, err := r.withRetryFills(ctx)
	if err != nil {
		return err
	}
	replayed := 0
	for _, fill := range fills {
		if !r.ownsLink(fill.LinkID) {
			continue
		}
		intents, trade, fErr := r.eng.OnFill(fill)
		if fErr != nil {
			r.logEntry().WithError(fErr).WithField("exec_id", fill.ExecID).Warn("Исполнение не применено при сверке.")
			continue
		}
		if trade != nil {
			r.recordTrade(*trade)
		}
		if len(intents) > 0 {
			r.placeIntents(ctx, intents)
		}
		replayed++
	}

	open, err := r.withRetryOrders(ctx)
	if err != nil {
		return err
	}
	seen := map[string]bool{}
	for _, order := range open {
		if !r.ownsLink(order.LinkID) {
			continue
		}
		r.placed[order.LinkID] = order.ID
		seen[order.LinkID] = true
	}
	for link := range r.placed {
		if seen[link] {
			continue
		}
		delete(r.placed, link)
		mismatch := &models.ReconciliationMismatch{
			Symbol: r.cfg.Symbol,
			Detail: "ордер отсутствует на бирже: " + link,
		}
		r.logEntry().WithError(mismatch).Warn("Ордер будет перевыставлен по таймауту подтверждения.")
	}

	r.persist()
	r.logEntry().WithField("replayed_fills", replayed).WithField("open_orders", len(seen)).Info("Сверка с биржей завершена.")
	return nil
}

func (r *Runtime) withRetryOrders(ctx context.Context) ([]models.Order, error) {
	var lastErr error
	var backoff time.Duration = 1 * time.Second
	for i := 0; i < 5; i++ {
		orders, err := r.gateway.GetOpenOrders(ctx, r.cfg.Symbol)
		if err == nil {
			return orders, nil
		}
		lastErr = err
		wait := time.Duration(math.Min(float64(backoff), float64(backoff*30)))
		if isRateLimitError(err) {
			wait = time.Duration(math.Min(float64(backoff*4), float64(backoff*30)))
		}
		r.logEntry().WithError(lastErr).Warn("Ошибка, повторяем запрос.")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
		backoff *= 2
	}
	return nil, lastErr
}

func (r *Runtime) withRetryFills(ctx context.Context) ([]models.Fill, error) {
	var lastErr error
	var backoff time.Duration = 1 * time.Second
	for i := 0; i < 5; i++ {
		fills, err := r.gateway.GetFills(ctx, r.cfg.Symbol)
		if err == nil {
			return fills, nil
		}
		lastErr = err
		wait := time.Duration(math.Min(float64(backoff), float64(backoff*30)))
		if isRateLimitError(err) {
			wait = time.Duration(math.Min(float64(backoff*4), float64(backoff*30)))
		}
		r.logEntry().WithError(lastErr).Warn("Ошибка, повторяем запрос.")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
		backoff *= 2
	}
	return nil, lastErr
}
