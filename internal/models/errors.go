package models

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// ConfigError — ошибка параметров стратегии. Фатальна на старте,
// в рантайме не возникает.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("Некорректный параметр стратегии %q: %s", e.Field, e.Reason)
}

// RiskViolation — сработал стоп-лосс или тейк-профит. Терминальный
// сигнал для сессии пары, не повторяемая ошибка.
type RiskViolation struct {
	Symbol    string
	Rule      string
	Threshold decimal.Decimal
	Actual    decimal.Decimal
}

func (e *RiskViolation) Error() string {
	return fmt.Sprintf("Нарушение риск-лимита %s по %s: порог %s, факт %s",
		e.Rule, e.Symbol, e.Threshold.String(), e.Actual.String())
}

// ReconciliationMismatch — локальное состояние разошлось с биржевым.
// Логируется, биржевое состояние считается истинным.
type ReconciliationMismatch struct {
	Symbol string
	Detail string
}

func (e *ReconciliationMismatch) Error() string {
	return fmt.Sprintf("Расхождение состояния по %s: %s", e.Symbol, e.Detail)
}
