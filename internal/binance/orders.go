package binance

import (
	"context"
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"
)

// OrderParams describes one order placement. Quantity and Price serialize
// via Decimal.String(), the shortest fixed-point form, so the signed query
// and the sent body are always byte-identical.
type OrderParams struct {
	Symbol        string
	Side          Side
	Type          OrderType
	Quantity      decimal.Decimal
	Price         decimal.Decimal // LIMIT only
	TimeInForce   TimeInForce     // LIMIT only
	ReduceOnly    bool
	ClientOrderID string
}

// PlaceOrder submits an order. The exchange response reports the initial
// status; GTX orders that would cross come back EXPIRED.
func (c *Client) PlaceOrder(ctx context.Context, p OrderParams) (*Order, error) {
	params := map[string]string{
		"symbol":   p.Symbol,
		"side":     string(p.Side),
		"type":     string(p.Type),
		"quantity": p.Quantity.String(),
	}
	if p.Type == OrderTypeLimit {
		params["price"] = p.Price.String()
		tif := p.TimeInForce
		if tif == "" {
			tif = TimeInForceGTC
		}
		params["timeInForce"] = string(tif)
	}
	if p.ReduceOnly {
		params["reduceOnly"] = "true"
	}
	if p.ClientOrderID != "" {
		params["newClientOrderId"] = p.ClientOrderID
	}
	// Ask for the full fill state in the response rather than just an ack.
	params["newOrderRespType"] = "RESULT"

	body, err := c.signedPost(ctx, "/fapi/v1/order", params, PriorityCritical)
	if err != nil {
		return nil, fmt.Errorf("placing %s %s order for %s: %w", p.Side, p.Type, p.Symbol, err)
	}
	var order Order
	if err := unmarshal(body, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

// CancelOrder cancels an open order by exchange ID.
func (c *Client) CancelOrder(ctx context.Context, symbol string, orderID int64) (*Order, error) {
	params := map[string]string{
		"symbol":  symbol,
		"orderId": strconv.FormatInt(orderID, 10),
	}
	body, err := c.signedDelete(ctx, "/fapi/v1/order", params, PriorityCritical)
	if err != nil {
		return nil, fmt.Errorf("canceling order %d on %s: %w", orderID, symbol, err)
	}
	var order Order
	if err := unmarshal(body, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

// QueryOrder fetches the current state of an order by exchange ID.
func (c *Client) QueryOrder(ctx context.Context, symbol string, orderID int64) (*Order, error) {
	params := map[string]string{
		"symbol":  symbol,
		"orderId": strconv.FormatInt(orderID, 10),
	}
	body, err := c.signedGet(ctx, "/fapi/v1/order", params, PriorityCritical)
	if err != nil {
		return nil, fmt.Errorf("querying order %d on %s: %w", orderID, symbol, err)
	}
	var order Order
	if err := unmarshal(body, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOpenOrders fetches all open orders for a symbol.
func (c *Client) GetOpenOrders(ctx context.Context, symbol string) ([]Order, error) {
	params := map[string]string{"symbol": symbol}
	body, err := c.signedGet(ctx, "/fapi/v1/openOrders", params, PriorityHigh)
	if err != nil {
		return nil, fmt.Errorf("fetching open orders for %s: %w", symbol, err)
	}
	var orders []Order
	if err := unmarshal(body, &orders); err != nil {
		return nil, err
	}
	return orders, nil
}
