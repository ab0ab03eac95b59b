package binance

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"ladderbot/internal/models"
)

// formatWithStep квантует значение вниз к сетке шага и печатает без
// экспоненты: биржа отклоняет цену и количество вне своих шагов.
func formatWithStep(value, step decimal.Decimal) string {
	if step.Sign() <= 0 {
		return value.String()
	}
	return value.Div(step).Floor().Mul(step).String()
}

// PlaceOrder идемпотентен: link ID уходит как newClientOrderId, повтор с тем
// же значением биржа отвергает как дубль, а не исполняет второй раз.
func (c *Client) PlaceOrder(ctx context.Context, order models.Order) (models.Order, error) {
	rules, err := c.GetInstrumentRules(ctx, order.Symbol)
	if err != nil {
		return models.Order{}, err
	}

	params := url.Values{}
	params.Set("symbol", order.Symbol)
	params.Set("side", string(order.Side))
	params.Set("type", string(order.Type))
	params.Set("quantity", formatWithStep(order.Qty, rules.LotSize))
	if order.LinkID != "" {
		params.Set("newClientOrderId", order.LinkID)
	}
	if order.Type == models.OrderTypeLimit {
		params.Set("price", formatWithStep(order.Price, rules.TickSize))
		tif := order.TimeInForce
		if tif == "" {
			tif = "GTC"
		}
		params.Set("timeInForce", tif)
	}

	var resp struct {
		OrderID       int64  `json:"orderId"`
		ClientOrderID string `json:"clientOrderId"`
		Status        string `json:"status"`
		TransactTime  int64  `json:"transactTime"`
	}
	if err := c.doRequest(ctx, http.MethodPost, "/api/v3/order", params, true, &resp); err != nil {
		return models.Order{}, err
	}

	c.rememberLink(resp.OrderID, order.LinkID)
	order.ID = strconv.FormatInt(resp.OrderID, 10)
	order.Status = models.OrderStatus(resp.Status)
	order.UpdateTime = time.UnixMilli(resp.TransactTime)
	return order, nil
}

func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", orderID)
	return c.doRequest(ctx, http.MethodDelete, "/api/v3/order", params, true, nil)
}

func (c *Client) GetOpenOrders(ctx context.Context, symbol string) ([]models.Order, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	var resp []struct {
		OrderID       int64  `json:"orderId"`
		ClientOrderID string `json:"clientOrderId"`
		Side          string `json:"side"`
		Type          string `json:"type"`
		Price         string `json:"price"`
		OrigQty       string `json:"origQty"`
		ExecutedQty   string `json:"executedQty"`
		Status        string `json:"status"`
		TimeInForce   string `json:"timeInForce"`
		Time          int64  `json:"time"`
		UpdateTime    int64  `json:"updateTime"`
	}
	if err := c.doRequest(ctx, http.MethodGet, "/api/v3/openOrders", params, true, &resp); err != nil {
		return nil, err
	}

	var orders []models.Order
	for _, item := range resp {
		price, _ := decimal.NewFromString(item.Price)
		qty, _ := decimal.NewFromString(item.OrigQty)
		filled, _ := decimal.NewFromString(item.ExecutedQty)

		c.rememberLink(item.OrderID, item.ClientOrderID)
		orders = append(orders, models.Order{
			ID:          strconv.FormatInt(item.OrderID, 10),
			LinkID:      item.ClientOrderID,
			Symbol:      symbol,
			Side:        models.OrderSide(item.Side),
			Type:        models.OrderType(item.Type),
			Price:       price,
			Qty:         qty,
			FilledQty:   filled,
			Status:      models.OrderStatus(item.Status),
			TimeInForce: item.TimeInForce,
			CreateTime:  time.UnixMilli(item.Time),
			UpdateTime:  time.UnixMilli(item.UpdateTime),
		})
	}
	return orders, nil
}

// GetFills возвращает последние сделки по паре. myTrades не несёт client
// order ID, привязка восстанавливается из локальной таблицы размещений;
// сделки чужих сессий остаются без link ID и отфильтруются выше.
func (c *Client) GetFills(ctx context.Context, symbol string) ([]models.Fill, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("limit", "500")

	var resp []struct {
		ID      int64  `json:"id"`
		OrderID int64  `json:"orderId"`
		Price   string `json:"price"`
		Qty     string `json:"qty"`
		Fee     string `json:"commission"`
		Time    int64  `json:"time"`
		IsBuyer bool   `json:"isBuyer"`
	}
	if err := c.doRequest(ctx, http.MethodGet, "/api/v3/myTrades", params, true, &resp); err != nil {
		return nil, err
	}

	var fills []models.Fill
	for _, item := range resp {
		price, _ := decimal.NewFromString(item.Price)
		qty, _ := decimal.NewFromString(item.Qty)
		fee, _ := decimal.NewFromString(item.Fee)

		side := models.OrderSideSell
		if item.IsBuyer {
			side = models.OrderSideBuy
		}

		fills = append(fills, models.Fill{
			OrderID:   strconv.FormatInt(item.OrderID, 10),
			LinkID:    c.linkFor(item.OrderID),
			ExecID:    strconv.FormatInt(item.ID, 10),
			Symbol:    symbol,
			Side:      side,
			Price:     price,
			Qty:       qty,
			Fee:       fee,
			Timestamp: time.UnixMilli(item.Time),
			Sequence:  item.ID,
		})
	}
	return fills, nil
}
