package histdata

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"ladderbot/internal/exchange"
	"ladderbot/internal/logger"
	"ladderbot/internal/models"
)

// Source отдаёт свечи для бэктеста: сперва локальный CSV-кэш, при промахе —
// выгрузка через шлюз с записью в кэш. Повторные прогоны того же диапазона
// не ходят в сеть.
type Source struct {
	gateway exchange.Gateway
	dataDir string
	log     *logger.Logger
}

func New(gateway exchange.Gateway, dataDir string, log *logger.Logger) *Source {
	return &Source{gateway: gateway, dataDir: dataDir, log: log}
}

func (s *Source) Candles(ctx context.Context, symbol, interval string, start, end time.Time) ([]models.Candle, error) {
	path := s.cachePath(symbol, interval, start, end)
	if candles, err := LoadCSV(path); err == nil && len(candles) > 0 {
		s.log.WithComponent("histdata").WithFields(map[string]interface{}{
			"path":    path,
			"candles": len(candles),
		}).Info("Свечи загружены из кэша.")
		return candles, nil
	}

	if s.gateway == nil {
		return nil, fmt.Errorf("Нет кэша %s и нет шлюза для выгрузки.", path)
	}

	candles, err := s.gateway.GetKlines(ctx, symbol, interval, start, end)
	if err != nil {
		return nil, err
	}
	if len(candles) == 0 {
		return nil, fmt.Errorf("Биржа не вернула свечей за диапазон %s - %s.", start.Format(time.RFC3339), end.Format(time.RFC3339))
	}
	sortCandles(candles)

	if err := SaveCSV(path, candles); err != nil {
		s.log.WithComponent("histdata").WithError(err).Warn("Не удалось сохранить кэш свечей.")
	} else {
		s.log.WithComponent("histdata").WithFields(map[string]interface{}{
			"path":    path,
			"candles": len(candles),
		}).Info("Свечи выгружены и закэшированы.")
	}
	return candles, nil
}

func (s *Source) cachePath(symbol, interval string, start, end time.Time) string {
	name := fmt.Sprintf("%s_%s_%s_%s.csv",
		strings.ToUpper(symbol), interval,
		start.UTC().Format("20060102"), end.UTC().Format("20060102"))
	return filepath.Join(s.dataDir, name)
}

// LoadCSV читает свечи из CSV с заголовком time|timestamp, open, high, low,
// close, volume. Время — RFC3339 либо UNIX-секунды. Строки с мусором
// пропускаются, результат отсортирован по времени.
func LoadCSV(path string) ([]models.Candle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	var out []models.Candle
	var headers []string
	first := true

	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if first {
			headers = rec
			first = false
			continue
		}
		row := map[string]string{}
		for j, h := range headers {
			key := strings.ToLower(strings.TrimSpace(h))
			if j < len(rec) {
				row[key] = strings.TrimSpace(rec[j])
			}
		}
		ts := firstOf(row, "time", "timestamp")
		if ts == "" {
			continue
		}
		at, err := parseTimeFlexible(ts)
		if err != nil {
			continue
		}
		open, err1 := decimal.NewFromString(firstOf(row, "open"))
		high, err2 := decimal.NewFromString(firstOf(row, "high"))
		low, err3 := decimal.NewFromString(firstOf(row, "low"))
		closePrice, err4 := decimal.NewFromString(firstOf(row, "close"))
		if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
			continue
		}
		volume, _ := decimal.NewFromString(firstOf(row, "volume", "vol"))

		out = append(out, models.Candle{
			Time:   at,
			Open:   open,
			High:   high,
			Low:    low,
			Close:  closePrice,
			Volume: volume,
		})
	}

	sortCandles(out)
	return out, nil
}

func SaveCSV(path string, candles []models.Candle) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{"time", "open", "high", "low", "close", "volume"}); err != nil {
		return err
	}
	for _, candle := range candles {
		record := []string{
			candle.Time.UTC().Format(time.RFC3339),
			candle.Open.String(),
			candle.High.String(),
			candle.Low.String(),
			candle.Close.String(),
			candle.Volume.String(),
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

func parseTimeFlexible(s string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts, nil
	}
	if sec, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(sec, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("Некорректное время: %s", s)
}

func sortCandles(candles []models.Candle) {
	sort.Slice(candles, func(i, j int) bool { return candles[i].Time.Before(candles[j].Time) })
}

func firstOf(row map[string]string, keys ...string) string {
	for _, key := range keys {
		if value := row[key]; value != "" {
			return value
		}
	}
	return ""
}
