package binance

import (
	"net/http"
	"sync"
	"time"

	"ladderbot/internal/exchange"
	"ladderbot/internal/logger"
)

type Client struct {
	baseURL string
	wsURL   string
	apiKey  string
	secret  string

	httpClient *http.Client
	log        *logger.Logger

	mu    sync.Mutex
	rules map[string]exchange.InstrumentRules
	// orderId -> clientOrderId: myTrades не возвращает привязку к link ID,
	// восстанавливаем её из собственных размещений и открытых ордеров.
	links     map[int64]string
	listenKey string
}

func New(baseURL, wsURL, apiKey, secret string, log *logger.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		wsURL:   wsURL,
		apiKey:  apiKey,
		secret:  secret,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		log:   log,
		rules: map[string]exchange.InstrumentRules{},
		links: map[int64]string{},
	}
}

func (c *Client) rememberLink(orderID int64, linkID string) {
	if orderID == 0 || linkID == "" {
		return
	}
	c.mu.Lock()
	c.links[orderID] = linkID
	c.mu.Unlock()
}

func (c *Client) linkFor(orderID int64) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.links[orderID]
}
