// Package types holds the wire-level order model shared by the lifecycle
// service, the tracker, the monitor and the HTTP boundary.
package types

import "time"

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the side that closes a position opened with s.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

type OrderType string

const (
	OrderTypeMarket    OrderType = "MARKET"
	OrderTypeLimit     OrderType = "LIMIT"
	OrderTypeStop      OrderType = "STOP"
	OrderTypeStopLimit OrderType = "STOP_LIMIT"
)

type TimeInForce string

const (
	TIFGoodTillCancel   TimeInForce = "GTC"
	TIFImmediateOrKill  TimeInForce = "IOC"
	TIFFillOrKill       TimeInForce = "FOK"
	TIFGoodTillCrossing TimeInForce = "GTX"
)

type RoutingMode string

const (
	RoutingAuto   RoutingMode = "AUTO"
	RoutingDirect RoutingMode = "DIRECT"
)

// QuantityType distinguishes base-unit amounts (tokens) from broker contract
// units. The core works in base units; adapters convert at the edge.
type QuantityType string

const (
	QuantityBaseUnits QuantityType = "base_units"
	QuantityContracts QuantityType = "contracts"
)

type Quantity struct {
	Type  QuantityType `json:"type"`
	Value float64      `json:"value"`
}

type Instrument struct {
	Class  string `json:"class"`
	Symbol string `json:"symbol"`
}

type Source struct {
	StrategyID string `json:"strategy_id"`
	InstanceID string `json:"instance_id,omitempty"`
	Owner      string `json:"owner,omitempty"`
}

type Environment struct {
	Sandbox bool `json:"sandbox"`
}

type Flags struct {
	PostOnly          bool `json:"post_only,omitempty"`
	ReduceOnly        bool `json:"reduce_only,omitempty"`
	Hidden            bool `json:"hidden,omitempty"`
	AllowPartialFills bool `json:"allow_partial_fills,omitempty"`
}

type Routing struct {
	Mode   RoutingMode `json:"mode"`
	Broker string      `json:"broker,omitempty"`
}

type Leverage struct {
	Enabled  bool `json:"enabled"`
	Leverage int  `json:"leverage,omitempty"`
}

// RiskSizingMode selects which balance pool a percentage sizing draws from.
type RiskSizingMode string

const (
	SizePctBalance RiskSizingMode = "PCT_BALANCE"
	SizePctBroker  RiskSizingMode = "PCT_BROKER"
	SizePctMarket  RiskSizingMode = "PCT_MARKET"
	SizePctAll     RiskSizingMode = "PCT_ALL"
	SizeUSD        RiskSizingMode = "USD"
)

type RiskSizing struct {
	Mode   RiskSizingMode `json:"mode"`
	Value  float64        `json:"value"`
	Broker string         `json:"broker,omitempty"`
	Market string         `json:"market,omitempty"`
	// Cap and Floor clamp the computed notional, in quote currency.
	CapNotional   float64 `json:"cap_notional,omitempty"`
	FloorNotional float64 `json:"floor_notional,omitempty"`
}

type Risk struct {
	Sizing *RiskSizing `json:"sizing,omitempty"`
}

// OrderPayload is the order body of an intent, after the envelope.
type OrderPayload struct {
	Instrument  Instrument  `json:"instrument"`
	Side        Side        `json:"side"`
	Quantity    *Quantity   `json:"quantity,omitempty"`
	Risk        *Risk       `json:"risk,omitempty"`
	OrderType   OrderType   `json:"order_type"`
	Price       float64     `json:"price,omitempty"`
	StopPrice   float64     `json:"stop_price,omitempty"`
	TimeInForce TimeInForce `json:"time_in_force,omitempty"`
	ExpireAt    *time.Time  `json:"expire_at,omitempty"`
	Flags       Flags       `json:"flags"`
	Routing     Routing     `json:"routing"`
	Leverage    Leverage    `json:"leverage"`
	ExitPlan    *ExitPlan   `json:"exit_plan,omitempty"`
}

// OrderIntent is a client request to create an order. The idempotency key
// makes the whole envelope safely retryable.
type OrderIntent struct {
	IdempotencyKey string       `json:"idempotency_key"`
	Environment    Environment  `json:"environment"`
	Source         Source       `json:"source"`
	Order          OrderPayload `json:"order"`
}

// AmendRequest carries the mutable fields of an existing order.
type AmendRequest struct {
	IdempotencyKey string    `json:"idempotency_key"`
	OrderRef       string    `json:"order_ref"`
	Price          *float64  `json:"price,omitempty"`
	StopPrice      *float64  `json:"stop_price,omitempty"`
	Quantity       *Quantity `json:"quantity,omitempty"`
}

type CancelRequest struct {
	IdempotencyKey string `json:"idempotency_key"`
	OrderRef       string `json:"order_ref"`
}

// CloseMode selects how much of a position a close request unwinds.
type CloseMode string

const (
	CloseAll   CloseMode = "ALL"
	ClosePct   CloseMode = "PERCENTAGE"
	CloseFixed CloseMode = "FIXED"
)

type CloseRequest struct {
	IdempotencyKey string    `json:"idempotency_key"`
	PositionID     string    `json:"position_id"`
	Mode           CloseMode `json:"mode"`
	Value          float64   `json:"value,omitempty"`
	OrderType      OrderType `json:"order_type,omitempty"`
	Price          float64   `json:"price,omitempty"`
}

// Adjustments records precision snapping applied before broker placement.
type Adjustments struct {
	PriceSnappedTo float64 `json:"price_snapped_to,omitempty"`
	QtySnappedTo   float64 `json:"qty_snapped_to,omitempty"`
}

func (a Adjustments) Empty() bool {
	return a.PriceSnappedTo == 0 && a.QtySnappedTo == 0
}

// Ack is the acknowledgement returned for accepted mutating requests.
type Ack struct {
	Status      string       `json:"status"`
	ReceivedAt  time.Time    `json:"received_at"`
	Environment Environment  `json:"environment"`
	OrderRef    string       `json:"order_ref,omitempty"`
	PositionRef string       `json:"position_ref,omitempty"`
	Adjustments *Adjustments `json:"adjustments,omitempty"`
}

// CreateResult is the terminal outcome of a create call; it is what the
// ledger replays verbatim for a retried key.
type CreateResult struct {
	Success       bool         `json:"success"`
	OrderRef      string       `json:"order_ref,omitempty"`
	PositionRef   string       `json:"position_ref,omitempty"`
	BrokerOrderID string       `json:"broker_order_id,omitempty"`
	Adjustments   *Adjustments `json:"adjustments,omitempty"`
	ErrorCode     string       `json:"error_code,omitempty"`
	Error         string       `json:"error,omitempty"`
}
