package binance

import (
	"context"
	"fmt"
	"strconv"
)

// GetAccountInfo fetches balances and positions from /fapi/v2/account.
func (c *Client) GetAccountInfo(ctx context.Context) (*AccountInfo, error) {
	body, err := c.signedGet(ctx, "/fapi/v2/account", nil, PriorityHigh)
	if err != nil {
		return nil, fmt.Errorf("fetching account info: %w", err)
	}
	var info AccountInfo
	if err := unmarshal(body, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// SetLeverage sets the initial leverage for a symbol.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) (*LeverageResult, error) {
	params := map[string]string{
		"symbol":   symbol,
		"leverage": strconv.Itoa(leverage),
	}
	body, err := c.signedPost(ctx, "/fapi/v1/leverage", params, PriorityHigh)
	if err != nil {
		return nil, fmt.Errorf("setting leverage for %s: %w", symbol, err)
	}
	var res LeverageResult
	if err := unmarshal(body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// GetUserTrades fetches the account's fills for a symbol. startTime of 0
// means the exchange default window; limit of 0 means the endpoint default.
func (c *Client) GetUserTrades(ctx context.Context, symbol string, startTime int64, limit int) ([]UserTrade, error) {
	params := map[string]string{"symbol": symbol}
	if startTime > 0 {
		params["startTime"] = strconv.FormatInt(startTime, 10)
	}
	if limit > 0 {
		params["limit"] = strconv.Itoa(limit)
	}

	body, err := c.signedGet(ctx, "/fapi/v1/userTrades", params, PriorityHigh)
	if err != nil {
		return nil, fmt.Errorf("fetching user trades for %s: %w", symbol, err)
	}
	var trades []UserTrade
	if err := unmarshal(body, &trades); err != nil {
		return nil, err
	}
	return trades, nil
}

// GetCommissionRate fetches the maker/taker fee schedule for a symbol.
func (c *Client) GetCommissionRate(ctx context.Context, symbol string) (*CommissionRate, error) {
	params := map[string]string{"symbol": symbol}
	body, err := c.signedGet(ctx, "/fapi/v1/commissionRate", params, PriorityNormal)
	if err != nil {
		return nil, fmt.Errorf("fetching commission rate for %s: %w", symbol, err)
	}
	var rate CommissionRate
	if err := unmarshal(body, &rate); err != nil {
		return nil, err
	}
	return &rate, nil
}
