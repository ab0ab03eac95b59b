package engine

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"ladderbot/internal/models"
)

// Link ID намерения детерминирован внутри сессии: тот же уровень, тот же
// цикл и та же сторона всегда дают тот же ID, поэтому повторная отправка
// не дублирует ордер на бирже.
func buildLinkID(sessionID string, depth, cycle int, side models.OrderSide) string {
	suffix := "buy"
	if side == models.OrderSideSell {
		suffix = "sell"
	}
	return fmt.Sprintf("%s-L%d-c%d-%s", sessionID, depth, cycle, suffix)
}

func parseLinkID(linkID string) (sessionID string, depth, cycle int, side models.OrderSide, ok bool) {
	parts := strings.Split(linkID, "-")
	if len(parts) < 4 {
		return "", 0, 0, "", false
	}

	switch parts[len(parts)-1] {
	case "buy":
		side = models.OrderSideBuy
	case "sell":
		side = models.OrderSideSell
	default:
		return "", 0, 0, "", false
	}

	cyclePart := parts[len(parts)-2]
	if !strings.HasPrefix(cyclePart, "c") {
		return "", 0, 0, "", false
	}
	cycle, err := strconv.Atoi(strings.TrimPrefix(cyclePart, "c"))
	if err != nil {
		return "", 0, 0, "", false
	}

	levelPart := parts[len(parts)-3]
	if !strings.HasPrefix(levelPart, "L") {
		return "", 0, 0, "", false
	}
	depth, err = strconv.Atoi(strings.TrimPrefix(levelPart, "L"))
	if err != nil || depth < 1 {
		return "", 0, 0, "", false
	}

	sessionID = strings.Join(parts[:len(parts)-3], "-")
	return sessionID, depth, cycle, side, true
}

func newSessionID() string {
	raw := strings.ReplaceAll(uuid.New().String(), "-", "")
	if len(raw) > 12 {
		return raw[:12]
	}
	return raw
}
