package binance

import (
	"context"
	"net/http"

	"github.com/shopspring/decimal"

	"ladderbot/internal/exchange"
)

func (c *Client) GetBalances(ctx context.Context, coins []string) (map[string]exchange.Balance, error) {
	var resp struct {
		Balances []struct {
			Asset  string `json:"asset"`
			Free   string `json:"free"`
			Locked string `json:"locked"`
		} `json:"balances"`
	}
	if err := c.doRequest(ctx, http.MethodGet, "/api/v3/account", nil, true, &resp); err != nil {
		return nil, err
	}

	wanted := map[string]bool{}
	for _, coin := range coins {
		wanted[coin] = true
	}

	balances := map[string]exchange.Balance{}
	for _, item := range resp.Balances {
		if len(wanted) > 0 && !wanted[item.Asset] {
			continue
		}
		free, _ := decimal.NewFromString(item.Free)
		locked, _ := decimal.NewFromString(item.Locked)
		balances[item.Asset] = exchange.Balance{
			Coin:      item.Asset,
			Wallet:    free.Add(locked),
			Available: free,
		}
	}
	return balances, nil
}
