package types

import "time"

type PositionStatus string

const (
	PositionOpen   PositionStatus = "OPEN"
	PositionClosed PositionStatus = "CLOSED"
	PositionError  PositionStatus = "ERROR"
)

type OrderKind string

const (
	OrderKindEntry  OrderKind = "ENTRY"
	OrderKindTP     OrderKind = "TP"
	OrderKindSL     OrderKind = "SL"
	OrderKindManual OrderKind = "MANUAL"
)

type OrderStatus string

const (
	OrderPending   OrderStatus = "PENDING"
	OrderFilled    OrderStatus = "FILLED"
	OrderCancelled OrderStatus = "CANCELLED"
	OrderRejected  OrderStatus = "REJECTED"
	OrderError     OrderStatus = "ERROR"
)

type CloseReason string

const (
	CloseTakeProfit CloseReason = "TAKE_PROFIT"
	CloseStopLoss   CloseReason = "STOP_LOSS"
	CloseManual     CloseReason = "MANUAL_CLOSE"
	CloseTimeStop   CloseReason = "TIME_STOP"
	CloseUnknown    CloseReason = "UNKNOWN"
)

type TimeStopAction string

const (
	TimeStopMarketExit   TimeStopAction = "MARKET_EXIT"
	TimeStopCancelOrders TimeStopAction = "CANCEL_ORDERS"
)

// TrailingState is the live state of a trailing stop-loss. CurrentStop only
// ever tightens.
type TrailingState struct {
	Active      bool      `json:"active"`
	Type        TrailType `json:"type"`
	Value       float64   `json:"value"`
	CurrentStop float64   `json:"current_stop"`
	BestPrice   float64   `json:"best_price"`
}

// Position is the tracker's authoritative record of open risk. The tracker
// owns it exclusively; other components read snapshots.
type Position struct {
	PositionID       string         `json:"position_id"`
	BrokerPositionID string         `json:"broker_position_id,omitempty"`
	Broker           string         `json:"broker"`
	Symbol           string         `json:"symbol"`
	Side             Side           `json:"side"`
	Size             float64        `json:"size"`
	RequestedQty     float64        `json:"requested_qty"`
	EntryPrice       float64        `json:"entry_price"`
	CurrentPrice     float64        `json:"current_price"`
	UnrealizedPnL    float64        `json:"unrealized_pnl"`
	RealizedPnL      float64        `json:"realized_pnl"`
	MarginUsed       float64        `json:"margin_used"`
	Leverage         int            `json:"leverage,omitempty"`
	Status           PositionStatus `json:"status"`
	StrategyID       string         `json:"strategy_id,omitempty"`
	InstanceID       string         `json:"instance_id,omitempty"`
	Owner            string         `json:"owner,omitempty"`
	OrderRef         string         `json:"order_ref,omitempty"`
	MaxFavorable     float64        `json:"max_favorable"`
	MaxAdverse       float64        `json:"max_adverse"`
	CloseReason      CloseReason    `json:"close_reason,omitempty"`
	OpenedAt         time.Time      `json:"opened_at"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`

	ExitPlan         *ExitPlan      `json:"exit_plan,omitempty"`
	BreakevenApplied bool           `json:"breakeven_applied,omitempty"`
	Trailing         *TrailingState `json:"trailing,omitempty"`

	TimeStopEnabled   bool           `json:"timestop_enabled,omitempty"`
	TimeStopExpiresAt time.Time      `json:"timestop_expires_at,omitempty"`
	TimeStopAction    TimeStopAction `json:"timestop_action,omitempty"`
}

// TrackedOrder is a tracker-owned child order of a position, distinct from
// the client-facing intent.
type TrackedOrder struct {
	OrderID          string      `json:"order_id"`
	BrokerOrderID    string      `json:"broker_order_id,omitempty"`
	ParentPositionID string      `json:"parent_position_id"`
	Broker           string      `json:"broker"`
	Symbol           string      `json:"symbol"`
	Kind             OrderKind   `json:"kind"`
	Side             Side        `json:"side"`
	Type             OrderType   `json:"type"`
	Quantity         float64     `json:"quantity"`
	Price            float64     `json:"price"`
	StopPrice        float64     `json:"stop_price,omitempty"`
	Status           OrderStatus `json:"status"`
	FilledQuantity   float64     `json:"filled_quantity,omitempty"`
	FilledPrice      float64     `json:"filled_price,omitempty"`
	PostOnly         bool        `json:"post_only,omitempty"`
	ReduceOnly       bool        `json:"reduce_only,omitempty"`
	// FallbackOrderID is set once a cancelled post-only leg has been replaced
	// by its market fallback; it is the exactly-once guard for that path.
	FallbackOrderID  string      `json:"fallback_order_id,omitempty"`
	ClientTag        string      `json:"client_tag,omitempty"`
	LegIndex         int         `json:"leg_index,omitempty"`
	StrategyID       string      `json:"strategy_id,omitempty"`
	OrderRef         string      `json:"order_ref,omitempty"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

// ClosedPosition is the durable record written when an open position leaves
// the tracked set.
type ClosedPosition struct {
	PositionID   string      `json:"position_id"`
	Broker       string      `json:"broker"`
	InstanceID   string      `json:"instance_id,omitempty"`
	Symbol       string      `json:"symbol"`
	Side         Side        `json:"side"`
	Size         float64     `json:"size"`
	EntryPrice   float64     `json:"entry_price"`
	ExitPrice    float64     `json:"exit_price"`
	RealizedPnL  float64     `json:"realized_pnl"`
	Fees         float64     `json:"fees"`
	CloseReason  CloseReason `json:"close_reason"`
	StrategyID   string      `json:"strategy_id,omitempty"`
	OrderRef     string      `json:"order_ref,omitempty"`
	MaxFavorable float64     `json:"max_favorable"`
	MaxAdverse   float64     `json:"max_adverse"`
	OpenedAt     time.Time   `json:"opened_at"`
	ClosedAt     time.Time   `json:"closed_at"`
	Duration     float64     `json:"duration_seconds"`
}

// AccountSnapshot summarises balance state for one strategy or the whole
// account.
type AccountSnapshot struct {
	Total     float64   `json:"total"`
	Available float64   `json:"available"`
	Used      float64   `json:"used"`
	Currency  string    `json:"currency"`
	UpdatedAt time.Time `json:"updated_at"`
}
