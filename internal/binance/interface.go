package binance

import (
	"context"

	"github.com/shopspring/decimal"
)

// FuturesAPI is the exchange surface the trading core consumes. Tests
// substitute fakes; production uses *Client.
type FuturesAPI interface {
	// Time
	SyncTime(ctx context.Context) error
	TimeOffset() int64

	// Market data
	GetExchangeInfo(ctx context.Context) (*ExchangeInfo, error)
	GetSymbolFilters(ctx context.Context, symbol string) (Filters, error)
	GetTickerPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	GetMarkPrice(ctx context.Context, symbol string) (*PremiumIndex, error)
	GetKlines(ctx context.Context, symbol, interval string, startTime int64, limit int) ([]Kline, error)
	GetHistoricalKlines(ctx context.Context, symbol, interval string, count int) ([]Kline, error)

	// Account
	GetAccountInfo(ctx context.Context) (*AccountInfo, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) (*LeverageResult, error)
	GetUserTrades(ctx context.Context, symbol string, startTime int64, limit int) ([]UserTrade, error)
	GetCommissionRate(ctx context.Context, symbol string) (*CommissionRate, error)

	// Orders
	PlaceOrder(ctx context.Context, p OrderParams) (*Order, error)
	CancelOrder(ctx context.Context, symbol string, orderID int64) (*Order, error)
	QueryOrder(ctx context.Context, symbol string, orderID int64) (*Order, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]Order, error)

	// User-data stream lifecycle
	CreateListenKey(ctx context.Context) (string, error)
	KeepAliveListenKey(ctx context.Context, listenKey string) error
	CloseListenKey(ctx context.Context, listenKey string) error

	// Stream addressing
	StreamURL(stream string) string
}

var _ FuturesAPI = (*Client)(nil)
