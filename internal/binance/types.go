package binance

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Side represents the order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType represents supported order types.
type OrderType string

const (
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeMarket OrderType = "MARKET"
)

// TimeInForce represents order time-in-force options.
type TimeInForce string

const (
	TimeInForceGTC TimeInForce = "GTC" // Good Till Cancel
	TimeInForceIOC TimeInForce = "IOC" // Immediate or Cancel
	TimeInForceFOK TimeInForce = "FOK" // Fill or Kill
	TimeInForceGTX TimeInForce = "GTX" // Good Till Crossing (post only)
)

// OrderStatus represents the exchange order status.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
	OrderStatusRejected        OrderStatus = "REJECTED"
)

// IsTerminal reports whether the status is final (order leaves the open set).
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusExpired, OrderStatusRejected:
		return true
	}
	return false
}

// Kline is one candle as returned by /fapi/v1/klines.
type Kline struct {
	OpenTime  int64
	CloseTime int64
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal
}

// ServerTime is the /fapi/v1/time response.
type ServerTime struct {
	ServerTime int64 `json:"serverTime"`
}

// TickerPrice is the /fapi/v1/ticker/price response.
type TickerPrice struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
}

// PremiumIndex is the /fapi/v1/premiumIndex response (mark price).
type PremiumIndex struct {
	Symbol          string          `json:"symbol"`
	MarkPrice       decimal.Decimal `json:"markPrice"`
	IndexPrice      decimal.Decimal `json:"indexPrice"`
	LastFundingRate decimal.Decimal `json:"lastFundingRate"`
	NextFundingTime int64           `json:"nextFundingTime"`
	Time            int64           `json:"time"`
}

// ExchangeInfo is the subset of /fapi/v1/exchangeInfo the core consumes.
type ExchangeInfo struct {
	ServerTime int64        `json:"serverTime"`
	Symbols    []SymbolInfo `json:"symbols"`
}

// SymbolInfo describes one tradable symbol with its raw filters.
type SymbolInfo struct {
	Symbol            string         `json:"symbol"`
	Status            string         `json:"status"`
	PricePrecision    int            `json:"pricePrecision"`
	QuantityPrecision int            `json:"quantityPrecision"`
	Filters           []SymbolFilter `json:"filters"`
}

// SymbolFilter is one raw exchangeInfo filter entry.
type SymbolFilter struct {
	FilterType  string          `json:"filterType"`
	StepSize    decimal.Decimal `json:"stepSize"`
	TickSize    decimal.Decimal `json:"tickSize"`
	MinQty      decimal.Decimal `json:"minQty"`
	MaxQty      decimal.Decimal `json:"maxQty"`
	MinNotional decimal.Decimal `json:"notional"`
}

// Filters holds the per-symbol precision constraints every order must
// satisfy. Loaded once from exchangeInfo before any placement.
type Filters struct {
	Symbol      string
	StepSize    decimal.Decimal
	TickSize    decimal.Decimal
	MinQty      decimal.Decimal
	MaxQty      decimal.Decimal
	MinNotional decimal.Decimal
}

// ParseFilters extracts the LOT_SIZE, PRICE_FILTER and MIN_NOTIONAL
// constraints for the symbol.
func (s *SymbolInfo) ParseFilters() (Filters, error) {
	f := Filters{Symbol: s.Symbol}
	for _, raw := range s.Filters {
		switch raw.FilterType {
		case "LOT_SIZE":
			f.StepSize = raw.StepSize
			f.MinQty = raw.MinQty
			f.MaxQty = raw.MaxQty
		case "PRICE_FILTER":
			f.TickSize = raw.TickSize
		case "MIN_NOTIONAL":
			f.MinNotional = raw.MinNotional
		}
	}
	if f.StepSize.IsZero() || f.TickSize.IsZero() {
		return f, fmt.Errorf("symbol %s: exchangeInfo missing LOT_SIZE/PRICE_FILTER", s.Symbol)
	}
	return f, nil
}

// AccountInfo is the /fapi/v2/account response subset.
type AccountInfo struct {
	TotalWalletBalance decimal.Decimal `json:"totalWalletBalance"`
	TotalUnrealizedPnL decimal.Decimal `json:"totalUnrealizedProfit"`
	AvailableBalance   decimal.Decimal `json:"availableBalance"`
	Assets             []AccountAsset  `json:"assets"`
	Positions          []AccountPos    `json:"positions"`
}

// AccountAsset is one asset balance in the account response.
type AccountAsset struct {
	Asset            string          `json:"asset"`
	WalletBalance    decimal.Decimal `json:"walletBalance"`
	UnrealizedPnL    decimal.Decimal `json:"unrealizedProfit"`
	MarginBalance    decimal.Decimal `json:"marginBalance"`
	AvailableBalance decimal.Decimal `json:"availableBalance"`
}

// AccountPos is one position entry in the account response.
type AccountPos struct {
	Symbol        string          `json:"symbol"`
	PositionAmt   decimal.Decimal `json:"positionAmt"`
	EntryPrice    decimal.Decimal `json:"entryPrice"`
	UnrealizedPnL decimal.Decimal `json:"unrealizedProfit"`
	Leverage      decimal.Decimal `json:"leverage"`
}

// AssetBalance returns the wallet balance for asset, zero if absent.
func (a *AccountInfo) AssetBalance(asset string) decimal.Decimal {
	for i := range a.Assets {
		if a.Assets[i].Asset == asset {
			return a.Assets[i].WalletBalance
		}
	}
	return decimal.Zero
}

// Position returns the position entry for symbol, nil if absent.
func (a *AccountInfo) Position(symbol string) *AccountPos {
	for i := range a.Positions {
		if a.Positions[i].Symbol == symbol {
			return &a.Positions[i]
		}
	}
	return nil
}

// Order is the exchange order DTO shared by place/query/cancel responses.
type Order struct {
	OrderID       int64           `json:"orderId"`
	ClientOrderID string          `json:"clientOrderId"`
	Symbol        string          `json:"symbol"`
	Status        OrderStatus     `json:"status"`
	Side          Side            `json:"side"`
	Type          OrderType       `json:"type"`
	TimeInForce   TimeInForce     `json:"timeInForce"`
	OrigQty       decimal.Decimal `json:"origQty"`
	Price         decimal.Decimal `json:"price"`
	ExecutedQty   decimal.Decimal `json:"executedQty"`
	AvgPrice      decimal.Decimal `json:"avgPrice"`
	CumQuote      decimal.Decimal `json:"cumQuote"`
	ReduceOnly    bool            `json:"reduceOnly"`
	UpdateTime    int64           `json:"updateTime"`
}

// UserTrade is one fill from /fapi/v1/userTrades.
type UserTrade struct {
	ID              int64           `json:"id"`
	OrderID         int64           `json:"orderId"`
	Symbol          string          `json:"symbol"`
	Side            Side            `json:"side"`
	Price           decimal.Decimal `json:"price"`
	Qty             decimal.Decimal `json:"qty"`
	QuoteQty        decimal.Decimal `json:"quoteQty"`
	RealizedPnL     decimal.Decimal `json:"realizedPnl"`
	Commission      decimal.Decimal `json:"commission"`
	CommissionAsset string          `json:"commissionAsset"`
	Time            int64           `json:"time"`
	Maker           bool            `json:"maker"`
	Buyer           bool            `json:"buyer"`
}

// CommissionRate is the /fapi/v1/commissionRate response.
type CommissionRate struct {
	Symbol string          `json:"symbol"`
	Maker  decimal.Decimal `json:"makerCommissionRate"`
	Taker  decimal.Decimal `json:"takerCommissionRate"`
}

// LeverageResult is the /fapi/v1/leverage response.
type LeverageResult struct {
	Symbol           string          `json:"symbol"`
	Leverage         int             `json:"leverage"`
	MaxNotionalValue decimal.Decimal `json:"maxNotionalValue"`
}

// ListenKey is the /fapi/v1/listenKey response.
type ListenKey struct {
	ListenKey string `json:"listenKey"`
}
