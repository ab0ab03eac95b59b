package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"ladderbot/internal/ledger"
)

// Snapshot — персистентное состояние пары: режим, сессия и леджер.
// Один файл на пару, перезаписывается атомарно.
type Snapshot struct {
	Mode      string       `json:"mode"`
	SessionID string       `json:"session_id"`
	SavedAt   time.Time    `json:"saved_at"`
	Ledger    ledger.State `json:"ledger"`
}

func SaveSnapshot(dir string, snap Snapshot) error {
	if dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("Не удалось создать каталог состояния: %w", err)
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("Не удалось сериализовать снапшот: %w", err)
	}

	path := filepath.Join(dir, snap.Ledger.Symbol+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("Не удалось записать снапшот: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("Не удалось заменить снапшот: %w", err)
	}
	return nil
}

// LoadSnapshot возвращает nil без ошибки, если снапшота для пары нет.
func LoadSnapshot(dir, symbol string) (*Snapshot, error) {
	if dir == "" {
		return nil, nil
	}
	data, err := os.ReadFile(filepath.Join(dir, symbol+".json"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("Не удалось прочитать снапшот: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("Не удалось разобрать снапшот: %w", err)
	}
	return &snap, nil
}
