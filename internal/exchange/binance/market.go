package binance

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"ladderbot/internal/exchange"
	"ladderbot/internal/models"
)

type exchangeInfo struct {
	Symbols []struct {
		Symbol     string `json:"symbol"`
		BaseAsset  string `json:"baseAsset"`
		QuoteAsset string `json:"quoteAsset"`
		Filters    []struct {
			FilterType  string `json:"filterType"`
			TickSize    string `json:"tickSize"`
			StepSize    string `json:"stepSize"`
			MinQty      string `json:"minQty"`
			MinNotional string `json:"minNotional"`
		} `json:"filters"`
	} `json:"symbols"`
}

func (c *Client) GetInstrumentRules(ctx context.Context, symbol string) (exchange.InstrumentRules, error) {
	c.mu.Lock()
	if cached, ok := c.rules[symbol]; ok {
		c.mu.Unlock()
		return cached, nil
	}
	c.mu.Unlock()

	params := url.Values{}
	params.Set("symbol", symbol)

	var resp exchangeInfo
	if err := c.doRequest(ctx, http.MethodGet, "/api/v3/exchangeInfo", params, false, &resp); err != nil {
		return exchange.InstrumentRules{}, err
	}
	if len(resp.Symbols) == 0 {
		return exchange.InstrumentRules{}, fmt.Errorf("Торговая пара не найдена: %s", symbol)
	}

	info := resp.Symbols[0]
	rules := exchange.InstrumentRules{
		BaseCoin:  info.BaseAsset,
		QuoteCoin: info.QuoteAsset,
	}
	for _, filter := range info.Filters {
		switch filter.FilterType {
		case "PRICE_FILTER":
			tick, err := decimal.NewFromString(filter.TickSize)
			if err != nil {
				return exchange.InstrumentRules{}, fmt.Errorf("Некорректное значение tickSize=%q: %w", filter.TickSize, err)
			}
			rules.TickSize = tick
		case "LOT_SIZE":
			step, err := decimal.NewFromString(filter.StepSize)
			if err != nil {
				return exchange.InstrumentRules{}, fmt.Errorf("Некорректное значение stepSize=%q: %w", filter.StepSize, err)
			}
			rules.LotSize = step
			if filter.MinQty != "" {
				minQty, err := decimal.NewFromString(filter.MinQty)
				if err != nil {
					return exchange.InstrumentRules{}, fmt.Errorf("Некорректное значение minQty=%q: %w", filter.MinQty, err)
				}
				rules.MinQty = minQty
			}
		case "NOTIONAL", "MIN_NOTIONAL":
			if filter.MinNotional != "" {
				minNotional, err := decimal.NewFromString(filter.MinNotional)
				if err != nil {
					return exchange.InstrumentRules{}, fmt.Errorf("Некорректное значение minNotional=%q: %w", filter.MinNotional, err)
				}
				rules.MinNotional = minNotional
			}
		}
	}
	if rules.LotSize.IsZero() {
		return exchange.InstrumentRules{}, fmt.Errorf("Не удалось определить lot size для торговой пары: %s", symbol)
	}

	c.mu.Lock()
	c.rules[symbol] = rules
	c.mu.Unlock()
	return rules, nil
}

const klinesPageLimit = 1000

// GetKlines постранично выгружает свечи диапазона. Binance отдаёт kline как
// массив смешанных типов, поэтому разбор через []any.
func (c *Client) GetKlines(ctx context.Context, symbol, interval string, start, end time.Time) ([]models.Candle, error) {
	var candles []models.Candle
	cursor := start

	for cursor.Before(end) {
		params := url.Values{}
		params.Set("symbol", symbol)
		params.Set("interval", interval)
		params.Set("startTime", strconv.FormatInt(cursor.UnixMilli(), 10))
		params.Set("endTime", strconv.FormatInt(end.UnixMilli(), 10))
		params.Set("limit", strconv.Itoa(klinesPageLimit))

		var rows [][]any
		if err := c.doRequest(ctx, http.MethodGet, "/api/v3/klines", params, false, &rows); err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			break
		}

		for _, row := range rows {
			candle, err := parseKline(row)
			if err != nil {
				return nil, err
			}
			candles = append(candles, candle)
		}

		last := candles[len(candles)-1].Time
		if !last.After(cursor) {
			break
		}
		cursor = last.Add(time.Millisecond)
		if len(rows) < klinesPageLimit {
			break
		}
	}
	return candles, nil
}

func parseKline(row []any) (models.Candle, error) {
	if len(row) < 6 {
		return models.Candle{}, fmt.Errorf("Неполная свеча: %d полей.", len(row))
	}
	openTime, ok := row[0].(float64)
	if !ok {
		return models.Candle{}, fmt.Errorf("Некорректное время свечи: %v", row[0])
	}

	fields := make([]decimal.Decimal, 5)
	for i := 1; i <= 5; i++ {
		text, ok := row[i].(string)
		if !ok {
			return models.Candle{}, fmt.Errorf("Некорректное поле свечи: %v", row[i])
		}
		value, err := decimal.NewFromString(text)
		if err != nil {
			return models.Candle{}, fmt.Errorf("Некорректное поле свечи %q: %w", text, err)
		}
		fields[i-1] = value
	}

	return models.Candle{
		Time:   time.UnixMilli(int64(openTime)).UTC(),
		Open:   fields[0],
		High:   fields[1],
		Low:    fields[2],
		Close:  fields[3],
		Volume: fields[4],
	}, nil
}
