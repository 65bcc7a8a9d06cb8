package model

import (
	"time"

	"gorm.io/datatypes"
)

type PositionModel struct {
	ID             int64          `gorm:"column:id;primaryKey"`
	PositionRef    string         `gorm:"column:position_ref;uniqueIndex"`
	Broker         string         `gorm:"column:broker;index"`
	Symbol         string         `gorm:"column:symbol;index"`
	Side           string         `gorm:"column:side"`
	Status         string         `gorm:"column:status;index"`
	StrategyID     string         `gorm:"column:strategy_id;index"`
	InstanceID     string         `gorm:"column:instance_id"`
	Owner          string         `gorm:"column:owner"`
	RequestedQty   float64        `gorm:"column:requested_qty"`
	FilledQty      float64        `gorm:"column:filled_qty"`
	AvgEntryPrice  float64        `gorm:"column:avg_entry_price"`
	Leverage       int            `gorm:"column:leverage"`
	ExitPlanJSON   datatypes.JSON `gorm:"column:exit_plan_json;type:TEXT"`
	MetadataJSON   datatypes.JSON `gorm:"column:metadata_json;type:TEXT"`
	MaxFavorable   float64        `gorm:"column:max_favorable"`
	MaxAdverse     float64        `gorm:"column:max_adverse"`
	BreakevenDone  int            `gorm:"column:breakeven_done"`
	TrailingJSON   datatypes.JSON `gorm:"column:trailing_json;type:TEXT"`
	TimeStopAt     int64          `gorm:"column:time_stop_at"`
	TimeStopAction string         `gorm:"column:time_stop_action"`
	CloseReason    string         `gorm:"column:close_reason"`
	OpenedAtUnix   int64          `gorm:"column:opened_at"`
	ClosedAtUnix   int64          `gorm:"column:closed_at"`
	CreatedAtUnix  int64          `gorm:"column:created_at"`
	UpdatedAtUnix  int64          `gorm:"column:updated_at"`

	CreatedAt time.Time `gorm:"-"`
	UpdatedAt time.Time `gorm:"-"`
}

func (PositionModel) TableName() string { return "positions" }

type OrderModel struct {
	ID            int64   `gorm:"column:id;primaryKey"`
	OrderRef      string  `gorm:"column:order_ref;uniqueIndex"`
	PositionRef   string  `gorm:"column:position_ref;index"`
	Broker        string  `gorm:"column:broker"`
	BrokerOrderID string  `gorm:"column:broker_order_id;index"`
	Symbol        string  `gorm:"column:symbol"`
	Kind          string  `gorm:"column:kind"`
	Side          string  `gorm:"column:side"`
	Type          string  `gorm:"column:type"`
	Status        string  `gorm:"column:status;index"`
	Price         float64 `gorm:"column:price"`
	StopPrice     float64 `gorm:"column:stop_price"`
	Quantity      float64 `gorm:"column:quantity"`
	ExecutedQty   float64 `gorm:"column:executed_qty"`
	AvgPrice      float64 `gorm:"column:avg_price"`
	ClientTag     string  `gorm:"column:client_tag"`
	FallbackRef   string  `gorm:"column:fallback_ref"`
	PostOnly      int     `gorm:"column:post_only"`
	ReduceOnly    int     `gorm:"column:reduce_only"`
	LegIndex      int     `gorm:"column:leg_index"`
	CreatedAtUnix int64   `gorm:"column:created_at"`
	UpdatedAtUnix int64   `gorm:"column:updated_at"`
}

func (OrderModel) TableName() string { return "orders" }

type ClosedPositionModel struct {
	ID            int64   `gorm:"column:id;primaryKey"`
	PositionRef   string  `gorm:"column:position_ref;uniqueIndex"`
	Broker        string  `gorm:"column:broker"`
	Symbol        string  `gorm:"column:symbol;index"`
	Side          string  `gorm:"column:side"`
	StrategyID    string  `gorm:"column:strategy_id;index"`
	InstanceID    string  `gorm:"column:instance_id"`
	Quantity      float64 `gorm:"column:quantity"`
	EntryPrice    float64 `gorm:"column:entry_price"`
	ExitPrice     float64 `gorm:"column:exit_price"`
	RealizedPnL   float64 `gorm:"column:realized_pnl"`
	Fees          float64 `gorm:"column:fees"`
	MaxFavorable  float64 `gorm:"column:max_favorable"`
	MaxAdverse    float64 `gorm:"column:max_adverse"`
	CloseReason   string  `gorm:"column:close_reason"`
	OpenedAtUnix  int64   `gorm:"column:opened_at"`
	ClosedAtUnix  int64   `gorm:"column:closed_at;index"`
	CreatedAtUnix int64   `gorm:"column:created_at"`
}

func (ClosedPositionModel) TableName() string { return "closed_positions" }

type IdempotencyModel struct {
	ID            int64          `gorm:"column:id;primaryKey"`
	Key           string         `gorm:"column:idem_key;uniqueIndex"`
	Operation     string         `gorm:"column:operation"`
	RequestHash   string         `gorm:"column:request_hash"`
	OutcomeJSON   datatypes.JSON `gorm:"column:outcome_json;type:TEXT"`
	CreatedAtUnix int64          `gorm:"column:created_at"`
	ExpiresAtUnix int64          `gorm:"column:expires_at;index"`
}

func (IdempotencyModel) TableName() string { return "idempotency_keys" }
