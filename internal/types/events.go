package types

import "time"

type EventType string

const (
	EventOrderUpdate        EventType = "ORDER_UPDATE"
	EventFill               EventType = "FILL"
	EventCancelled          EventType = "CANCELLED"
	EventStopTriggered      EventType = "STOP_TRIGGERED"
	EventTakeProfitFilled   EventType = "TAKE_PROFIT_FILLED"
	EventPositionClosed     EventType = "POSITION_CLOSED"
	EventSupervisionCleanup EventType = "SUPERVISION_CLEANUP"
	EventHeartbeat          EventType = "HEARTBEAT"
)

// Event is one lifecycle notification fanned out by the hub. Topic is the
// strategy id; TopicAll receives everything.
type Event struct {
	Type       EventType      `json:"type"`
	StrategyID string         `json:"strategy_id,omitempty"`
	OrderRef   string         `json:"order_ref,omitempty"`
	PositionID string         `json:"position_id,omitempty"`
	Symbol     string         `json:"symbol,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	At         time.Time      `json:"at"`
}

// TopicAll is the reserved all-strategies topic.
const TopicAll = "*"
