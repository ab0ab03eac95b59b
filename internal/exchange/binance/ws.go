package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"ladderbot/internal/exchange"
	"ladderbot/internal/logger"
	"ladderbot/internal/models"
)

const listenKeyKeepalive = 30 * time.Minute

// Subscribe поднимает два потока: публичный тикер пары и приватный поток
// аккаунта (ордера и исполнения). Оба живут с автопереподключением, приватный
// после реконнекта шлёт сигнал на сверку.
func (c *Client) Subscribe(ctx context.Context, symbol string) (<-chan exchange.Event, error) {
	events := make(chan exchange.Event, 100)

	market := &stream{
		name: "market",
		dial: func(ctx context.Context) (string, error) {
			return c.wsURL + "/ws/" + strings.ToLower(symbol) + "@miniTicker", nil
		},
		handle:       func(data []byte) { c.handleTicker(data, events) },
		log:          c.log,
		reconnectMin: 1 * time.Second,
		reconnectMax: 30 * time.Second,
	}
	if err := market.connect(ctx); err != nil {
		return nil, err
	}
	go market.run(ctx, events)

	if c.apiKey != "" && c.secret != "" {
		user := &stream{
			name: "user",
			dial: func(ctx context.Context) (string, error) {
				key, err := c.createListenKey(ctx)
				if err != nil {
					return "", err
				}
				return c.wsURL + "/ws/" + key, nil
			},
			handle:        func(data []byte) { c.handleUserEvent(data, events) },
			log:           c.log,
			reconnectMin:  1 * time.Second,
			reconnectMax:  30 * time.Second,
			emitReconnect: true,
		}
		if err := user.connect(ctx); err != nil {
			return nil, err
		}
		go user.run(ctx, events)
		go c.keepAliveListenKey(ctx)
	}

	return events, nil
}

func (c *Client) createListenKey(ctx context.Context) (string, error) {
	var resp struct {
		ListenKey string `json:"listenKey"`
	}
	if err := c.doRequest(ctx, http.MethodPost, "/api/v3/userDataStream", nil, false, &resp); err != nil {
		return "", err
	}
	if resp.ListenKey == "" {
		return "", fmt.Errorf("Пустой listenKey от биржи.")
	}
	c.mu.Lock()
	c.listenKey = resp.ListenKey
	c.mu.Unlock()
	return resp.ListenKey, nil
}

func (c *Client) keepAliveListenKey(ctx context.Context) {
	ticker := time.NewTicker(listenKeyKeepalive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			key := c.listenKey
			c.mu.Unlock()
			if key == "" {
				continue
			}
			params := url.Values{}
			params.Set("listenKey", key)
			if err := c.doRequest(ctx, http.MethodPut, "/api/v3/userDataStream", params, false, nil); err != nil {
				c.log.WithComponent("binance_ws").WithError(err).Warn("Не удалось продлить listenKey.")
			}
		}
	}
}

type stream struct {
	name          string
	dial          func(ctx context.Context) (string, error)
	handle        func(data []byte)
	log           *logger.Logger
	conn          *websocket.Conn
	reconnectMin  time.Duration
	reconnectMax  time.Duration
	emitReconnect bool
}

func (s *stream) logEntry() *logrus.Entry {
	return s.log.WithComponent("binance_ws").WithField("stream", s.name)
}

func (s *stream) connect(ctx context.Context) error {
	urlStr, err := s.dial(ctx)
	if err != nil {
		return err
	}
	s.logEntry().WithField("url", urlStr).Info("Подключение к WS.")

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, urlStr, nil)
	if err != nil {
		return fmt.Errorf("Не удалось подключиться к WS: %w", err)
	}
	s.conn = conn
	s.conn.SetReadLimit(2 << 20)
	s.logEntry().Info("WS соединение установлено.")
	return nil
}

func (s *stream) run(ctx context.Context, events chan<- exchange.Event) {
	for {
		select {
		case <-ctx.Done():
			_ = s.conn.Close()
			return
		default:
		}
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.logEntry().WithError(err).Warn("Ошибка чтения WS.")
			if !s.reconnect(ctx, events) {
				return
			}
			continue
		}
		s.handle(data)
	}
}

func (s *stream) reconnect(ctx context.Context, events chan<- exchange.Event) bool {
	backoff := s.reconnectMin
	for {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(backoff):
		}

		s.logEntry().Info("Попытка переподключения к WS.")
		old := s.conn
		if err := s.connect(ctx); err != nil {
			s.logEntry().WithError(err).Warn("Не удалось переподключиться к WS.")
			backoff = s.nextBackoff(backoff)
			continue
		}
		if old != nil {
			_ = old.Close()
		}

		if s.emitReconnect {
			events <- exchange.Event{Type: exchange.EventTypeReconnect}
		}
		s.logEntry().Info("WS переподключён.")
		return true
	}
}

func (s *stream) nextBackoff(current time.Duration) time.Duration {
	next := current * 2
	if next > s.reconnectMax {
		return s.reconnectMax
	}
	return next
}

func (c *Client) handleTicker(data []byte, events chan<- exchange.Event) {
	var msg struct {
		EventType string `json:"e"`
		EventTime int64  `json:"E"`
		Symbol    string `json:"s"`
		Close     string `json:"c"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		c.log.WithComponent("binance_ws").WithError(err).Warn("Не удалось разобрать ticker.")
		return
	}
	if msg.EventType != "24hrMiniTicker" {
		return
	}
	price, err := decimal.NewFromString(msg.Close)
	if err != nil {
		c.log.WithComponent("binance_ws").WithError(err).Warn("Некорректная цена в ticker.")
		return
	}

	events <- exchange.Event{
		Type: exchange.EventTypeTicker,
		Ticker: &models.Ticker{
			Symbol:    msg.Symbol,
			LastPrice: price,
			Timestamp: time.UnixMilli(msg.EventTime),
			Sequence:  msg.EventTime,
		},
	}
}

func (c *Client) handleUserEvent(data []byte, events chan<- exchange.Event) {
	var head struct {
		EventType string `json:"e"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		c.log.WithComponent("binance_ws").WithError(err).Warn("Не удалось разобрать событие аккаунта.")
		return
	}
	if head.EventType != "executionReport" {
		return
	}

	var msg struct {
		EventTime     int64  `json:"E"`
		Symbol        string `json:"s"`
		ClientOrderID string `json:"c"`
		OrigClientID  string `json:"C"`
		Side          string `json:"S"`
		OrderType     string `json:"o"`
		TimeInForce   string `json:"f"`
		Qty           string `json:"q"`
		Price         string `json:"p"`
		ExecType      string `json:"x"`
		Status        string `json:"X"`
		OrderID       int64  `json:"i"`
		LastQty       string `json:"l"`
		CumQty        string `json:"z"`
		LastPrice     string `json:"L"`
		Fee           string `json:"n"`
		TradeID       int64  `json:"t"`
		TransactTime  int64  `json:"T"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		c.log.WithComponent("binance_ws").WithError(err).Warn("Не удалось разобрать executionReport.")
		return
	}

	// У отмены clientOrderId — это ID запроса отмены, исходный лежит в C.
	linkID := msg.ClientOrderID
	if msg.Status == "CANCELED" && msg.OrigClientID != "" {
		linkID = msg.OrigClientID
	}
	c.rememberLink(msg.OrderID, linkID)

	price, _ := decimal.NewFromString(msg.Price)
	qty, _ := decimal.NewFromString(msg.Qty)
	cumQty, _ := decimal.NewFromString(msg.CumQty)

	events <- exchange.Event{
		Type: exchange.EventTypeOrder,
		Order: &models.Order{
			ID:          strconv.FormatInt(msg.OrderID, 10),
			LinkID:      linkID,
			Symbol:      msg.Symbol,
			Side:        models.OrderSide(msg.Side),
			Type:        models.OrderType(msg.OrderType),
			Price:       price,
			Qty:         qty,
			FilledQty:   cumQty,
			Status:      models.OrderStatus(msg.Status),
			TimeInForce: msg.TimeInForce,
			UpdateTime:  time.UnixMilli(msg.TransactTime),
			Sequence:    msg.EventTime,
		},
	}

	if msg.ExecType != "TRADE" {
		return
	}
	lastPrice, _ := decimal.NewFromString(msg.LastPrice)
	lastQty, _ := decimal.NewFromString(msg.LastQty)
	fee, _ := decimal.NewFromString(msg.Fee)

	events <- exchange.Event{
		Type: exchange.EventTypeFill,
		Fill: &models.Fill{
			OrderID:   strconv.FormatInt(msg.OrderID, 10),
			LinkID:    linkID,
			ExecID:    strconv.FormatInt(msg.TradeID, 10),
			Symbol:    msg.Symbol,
			Side:      models.OrderSide(msg.Side),
			Price:     lastPrice,
			Qty:       lastQty,
			Fee:       fee,
			Timestamp: time.UnixMilli(msg.TransactTime),
			Sequence:  msg.EventTime,
		},
	}
}
