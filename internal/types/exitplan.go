package types

type LegKind string

const (
	LegTakeProfit LegKind = "TP"
	LegStopLoss   LegKind = "SL"
)

type TriggerType string

const (
	TriggerPrice TriggerType = "PRICE"
)

type Trigger struct {
	Type  TriggerType `json:"type"`
	Value float64     `json:"value"`
}

type AllocationType string

const (
	AllocPercentage AllocationType = "percentage"
	AllocFixed      AllocationType = "fixed"
)

type Allocation struct {
	Type  AllocationType `json:"type"`
	Value float64        `json:"value"`
}

// LegExec controls how a leg is executed: a post-only limit order the engine
// supervises itself, or a broker-native trigger attached to the entry.
type LegExec struct {
	PostOnly    bool        `json:"post_only,omitempty"`
	TimeInForce TimeInForce `json:"time_in_force,omitempty"`
}

type AfterFillActionKind string

const (
	ActionSetSLToBreakeven AfterFillActionKind = "SET_SL_TO_BREAKEVEN"
	ActionStartTrailingSL  AfterFillActionKind = "START_TRAILING_SL"
)

type TrailType string

const (
	TrailPercent TrailType = "PERCENT"
	TrailFixed   TrailType = "FIXED"
)

type AfterFillAction struct {
	Action        AfterFillActionKind `json:"action"`
	TrailType     TrailType           `json:"trail_type,omitempty"`
	TrailDistance float64             `json:"trail_distance,omitempty"`
}

type ExitLeg struct {
	Kind       LegKind           `json:"kind"`
	Trigger    Trigger           `json:"trigger"`
	Allocation Allocation        `json:"allocation"`
	Exec       LegExec           `json:"exec"`
	AfterFill  []AfterFillAction `json:"after_fill_actions,omitempty"`
}

// ExitPlan is an ordered set of TP/SL legs attached to an entry order.
type ExitPlan struct {
	Legs []ExitLeg `json:"legs"`
}

// LegQuantity resolves a leg allocation against the entry quantity.
func (l ExitLeg) LegQuantity(entryQty float64) float64 {
	switch l.Allocation.Type {
	case AllocFixed:
		return l.Allocation.Value
	default:
		return entryQty * l.Allocation.Value / 100.0
	}
}
