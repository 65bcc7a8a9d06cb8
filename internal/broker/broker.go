// Package broker defines the adapter boundary between the engine and an
// exchange. Every call returns one explicit normalized result type; the core
// never branches on wire shape.
package broker

import (
	"context"
	"errors"
	"time"

	"ordo/internal/types"
)

var (
	ErrOrderNotFound   = errors.New("broker: order not found")
	ErrUnavailable     = errors.New("broker: unavailable")
	ErrSymbolUnknown   = errors.New("broker: symbol unknown")
	ErrNotSupported    = errors.New("broker: operation not supported")
	ErrOrderruleReject = errors.New("broker: order rejected")
)

// OrderState is the normalized broker-side order state.
type OrderState string

const (
	StateNew             OrderState = "NEW"
	StatePartiallyFilled OrderState = "PARTIALLY_FILLED"
	StateFilled          OrderState = "FILLED"
	StateCancelled       OrderState = "CANCELLED"
	StateRejected        OrderState = "REJECTED"
	StateExpired         OrderState = "EXPIRED"
	StateUnknown         OrderState = "UNKNOWN"
)

// Terminal reports whether no further transitions are possible.
func (s OrderState) Terminal() bool {
	switch s {
	case StateFilled, StateCancelled, StateRejected, StateExpired:
		return true
	}
	return false
}

// PlaceRequest is a fully resolved order ready for the wire: quantities in
// base units, prices already snapped.
type PlaceRequest struct {
	Symbol        string
	Side          types.Side
	Type          types.OrderType
	Quantity      float64
	Price         float64
	StopPrice     float64
	TimeInForce   types.TimeInForce
	PostOnly      bool
	ReduceOnly    bool
	ClosePosition bool
	Leverage      int
	// ClientTag is embedded into the broker client order id so closing
	// trades can later be classified (entry/tp/sl).
	ClientTag string
}

type PlaceResult struct {
	BrokerOrderID string
	Status        OrderState
	ExecutedQty   float64
	AvgPrice      float64
}

// Amend carries a partial in-place modification; nil fields stay untouched.
type Amend struct {
	Price     *float64
	StopPrice *float64
	Quantity  *float64
}

// OrderSnapshot is the normalized view of one broker order.
type OrderSnapshot struct {
	BrokerOrderID string
	Symbol        string
	Side          types.Side
	Type          types.OrderType
	Status        OrderState
	Price         float64
	StopPrice     float64
	Quantity      float64
	ExecutedQty   float64
	AvgPrice      float64
	ReduceOnly    bool
	ClientTag     string
	UpdatedAt     time.Time
}

// PositionSnapshot is the normalized view of one broker position.
type PositionSnapshot struct {
	BrokerPositionID string
	Symbol           string
	Side             types.Side
	Size             float64
	EntryPrice       float64
	MarkPrice        float64
	UnrealizedPnL    float64
	Leverage         float64
}

type Balance struct {
	Asset     string
	Total     float64
	Available float64
}

// MarketInfo carries the instrument precision rules used for snapping.
type MarketInfo struct {
	Symbol       string
	TickSize     float64
	LotSize      float64
	MinQty       float64
	MinNotional  float64
	ContractSize float64
	MaxLeverage  int
}

// Trade is one account trade, used by close-reason classification.
type Trade struct {
	TradeID       string
	BrokerOrderID string
	Symbol        string
	Side          types.Side
	Price         float64
	Quantity      float64
	Fee           float64
	RealizedPnL   float64
	Maker         bool
	Reducing      bool
	ClientTag     string
	Time          time.Time
}

// Features declares which behaviours the broker executes unaided; anything
// absent is emulated by the order monitor.
type Features struct {
	NativeStopOrders bool
	AttachedExits    bool
	AmendOrders      bool
	PostOnly         bool
}

// Adapter is the capability surface consumed from one exchange.
type Adapter interface {
	Name() string
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	HealthCheck(ctx context.Context) error
	Features() Features

	PlaceOrder(ctx context.Context, req PlaceRequest) (PlaceResult, error)
	AmendOrder(ctx context.Context, symbol, brokerOrderID string, amend Amend) (PlaceResult, error)
	CancelOrder(ctx context.Context, symbol, brokerOrderID string) error
	GetOrder(ctx context.Context, symbol, brokerOrderID string) (OrderSnapshot, error)
	GetPositions(ctx context.Context, symbol string) ([]PositionSnapshot, error)
	GetBalances(ctx context.Context) ([]Balance, error)
	GetMarketInfo(ctx context.Context, symbol string) (MarketInfo, error)
	GetQuote(ctx context.Context, symbol string) (types.Quote, error)
	RecentTrades(ctx context.Context, symbol string, limit int) ([]Trade, error)
	SupportsSymbol(ctx context.Context, symbol string) bool

	SnapToTick(price float64, symbol string) float64
	SnapToLot(qty float64, symbol string) float64
	ToBrokerUnits(qty float64, symbol string) float64
	FromBrokerUnits(qty float64, symbol string) float64
}
