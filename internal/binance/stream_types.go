package binance

import "github.com/shopspring/decimal"

// User-data stream event type tags.
const (
	EventAccountUpdate    = "ACCOUNT_UPDATE"
	EventOrderTradeUpdate = "ORDER_TRADE_UPDATE"
	EventListenKeyExpired = "listenKeyExpired"
	EventMarginCall       = "MARGIN_CALL"
)

// StreamEventHeader is the minimal envelope used to route raw messages.
type StreamEventHeader struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
}

// AccountUpdateEvent mirrors the futures ACCOUNT_UPDATE payload.
type AccountUpdateEvent struct {
	EventType   string        `json:"e"`
	EventTime   int64         `json:"E"`
	Transaction int64         `json:"T"`
	Update      AccountUpdate `json:"a"`
}

// AccountUpdate carries the balance and position deltas of an
// ACCOUNT_UPDATE event.
type AccountUpdate struct {
	Reason    string           `json:"m"` // DEPOSIT, ORDER, FUNDING_FEE, ...
	Balances  []BalanceUpdate  `json:"B"`
	Positions []PositionUpdate `json:"P"`
}

// BalanceUpdate is one balance entry in an ACCOUNT_UPDATE.
type BalanceUpdate struct {
	Asset              string          `json:"a"`
	WalletBalance      decimal.Decimal `json:"wb"`
	CrossWalletBalance decimal.Decimal `json:"cw"`
	BalanceChange      decimal.Decimal `json:"bc"`
}

// PositionUpdate is one position entry in an ACCOUNT_UPDATE.
type PositionUpdate struct {
	Symbol              string          `json:"s"`
	PositionAmount      decimal.Decimal `json:"pa"`
	EntryPrice          decimal.Decimal `json:"ep"`
	AccumulatedRealized decimal.Decimal `json:"cr"`
	UnrealizedPnL       decimal.Decimal `json:"up"`
	MarginType          string          `json:"mt"`
	PositionSide        string          `json:"ps"`
}

// OrderTradeUpdateEvent mirrors the futures ORDER_TRADE_UPDATE payload.
type OrderTradeUpdateEvent struct {
	EventType   string          `json:"e"`
	EventTime   int64           `json:"E"`
	Transaction int64           `json:"T"`
	Order       OrderUpdateData `json:"o"`
}

// OrderUpdateData is the order object inside an ORDER_TRADE_UPDATE.
type OrderUpdateData struct {
	Symbol          string          `json:"s"`
	ClientOrderID   string          `json:"c"`
	Side            Side            `json:"S"`
	OrderType       OrderType       `json:"o"`
	TimeInForce     TimeInForce     `json:"f"`
	OriginalQty     decimal.Decimal `json:"q"`
	OriginalPrice   decimal.Decimal `json:"p"`
	AveragePrice    decimal.Decimal `json:"ap"`
	StopPrice       decimal.Decimal `json:"sp"`
	ExecutionType   string          `json:"x"` // NEW, TRADE, CANCELED, EXPIRED, ...
	OrderStatus     OrderStatus     `json:"X"`
	OrderID         int64           `json:"i"`
	LastFilledQty   decimal.Decimal `json:"l"`
	FilledAccumQty  decimal.Decimal `json:"z"`
	LastFilledPrice decimal.Decimal `json:"L"`
	CommissionAsset string          `json:"N"`
	Commission      decimal.Decimal `json:"n"`
	OrderTradeTime  int64           `json:"T"`
	TradeID         int64           `json:"t"`
	IsMaker         bool            `json:"m"`
	IsReduceOnly    bool            `json:"R"`
	OriginalType    OrderType       `json:"ot"`
	PositionSide    string          `json:"ps"`
	RealizedProfit  decimal.Decimal `json:"rp"`
}

// KlineEvent mirrors the <symbol>@kline_<interval> stream payload.
type KlineEvent struct {
	EventType string    `json:"e"`
	EventTime int64     `json:"E"`
	Symbol    string    `json:"s"`
	Kline     KlineData `json:"k"`
}

// KlineData is the candle object inside a kline stream event.
type KlineData struct {
	StartTime int64           `json:"t"`
	CloseTime int64           `json:"T"`
	Symbol    string          `json:"s"`
	Interval  string          `json:"i"`
	Open      decimal.Decimal `json:"o"`
	Close     decimal.Decimal `json:"c"`
	High      decimal.Decimal `json:"h"`
	Low       decimal.Decimal `json:"l"`
	Volume    decimal.Decimal `json:"v"`
	TradeNum  int64           `json:"n"`
	IsFinal   bool            `json:"x"`
}

// BookTickerEvent mirrors the <symbol>@bookTicker stream payload.
type BookTickerEvent struct {
	UpdateID  int64           `json:"u"`
	EventTime int64           `json:"E"`
	Symbol    string          `json:"s"`
	BidPrice  decimal.Decimal `json:"b"`
	BidQty    decimal.Decimal `json:"B"`
	AskPrice  decimal.Decimal `json:"a"`
	AskQty    decimal.Decimal `json:"A"`
}
