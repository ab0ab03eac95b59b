package histdata

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"ladderbot/internal/models"
)

func TestCSVRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache", "BTCUSDT_1m.csv")

	candles := []models.Candle{
		{
			Time:   time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
			Open:   decimal.RequireFromString("100000"),
			High:   decimal.RequireFromString("100600"),
			Low:    decimal.RequireFromString("99400"),
			Close:  decimal.RequireFromString("100500"),
			Volume: decimal.RequireFromString("12.5"),
		},
		{
			Time:   time.Date(2025, 6, 1, 0, 1, 0, 0, time.UTC),
			Open:   decimal.RequireFromString("100500"),
			High:   decimal.RequireFromString("101200"),
			Low:    decimal.RequireFromString("100400"),
			Close:  decimal.RequireFromString("101000"),
			Volume: decimal.RequireFromString("8"),
		},
	}

	if err := SaveCSV(path, candles); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := LoadCSV(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("candles got %d want 2", len(loaded))
	}
	for i := range candles {
		if !loaded[i].Time.Equal(candles[i].Time) {
			t.Fatalf("candle %d time got %s want %s", i, loaded[i].Time, candles[i].Time)
		}
		if !loaded[i].Low.Equal(candles[i].Low) || !loaded[i].High.Equal(candles[i].High) {
			t.Fatalf("candle %d prices diverged", i)
		}
	}
}

func TestLoadCSVUnixSecondsAndSorting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "raw.csv")
	raw := "timestamp,open,high,low,close,volume\n" +
		"1748736060,100500,101200,100400,101000,8\n" +
		"1748736000,100000,100600,99400,100500,12.5\n" +
		"garbage,1,2,3,4,5\n"
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	candles, err := LoadCSV(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(candles) != 2 {
		t.Fatalf("candles got %d want 2 (bad row skipped)", len(candles))
	}
	if !candles[0].Time.Before(candles[1].Time) {
		t.Fatalf("candles not sorted ascending")
	}
	if !candles[0].Open.Equal(decimal.RequireFromString("100000")) {
		t.Fatalf("first candle open got %s", candles[0].Open)
	}
}
