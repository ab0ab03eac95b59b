package ledger

import "ladderbot/internal/models"

// Snapshot — глубокая копия состояния. Безопасно сериализовать и хранить.
func (l *Ledger) Snapshot() State {
	snap := l.state

	snap.Levels = append([]models.LadderLevel(nil), l.state.Levels...)
	for i := range snap.Levels {
		if l.state.Levels[i].ClosedAt != nil {
			closed := *l.state.Levels[i].ClosedAt
			snap.Levels[i].ClosedAt = &closed
		}
	}

	snap.ProcessedExecIDs = make(map[string]bool, len(l.state.ProcessedExecIDs))
	for id := range l.state.ProcessedExecIDs {
		snap.ProcessedExecIDs[id] = true
	}

	snap.Trades = append([]models.TradeLogEntry(nil), l.state.Trades...)

	return snap
}

// Restore замещает состояние леджера снапшотом. Используется при
// восстановлении после сбоя и для продолжения цепочки бэктестов.
func Restore(snap State) *Ledger {
	l := &Ledger{state: snap}
	if l.state.ProcessedExecIDs == nil {
		l.state.ProcessedExecIDs = map[string]bool{}
	}
	l.recompute()
	return l
}
