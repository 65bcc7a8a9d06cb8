package binance

import (
	"strconv"
	"strings"

	"github.com/adshao/go-binance/v2/futures"

	"ordo/internal/broker"
	"ordo/internal/types"
)

func parseFloat(v string) float64 {
	f, _ := strconv.ParseFloat(strings.TrimSpace(v), 64)
	return f
}

func toSide(s types.Side) futures.SideType {
	if s == types.SideSell {
		return futures.SideTypeSell
	}
	return futures.SideTypeBuy
}

func fromSide(s futures.SideType) types.Side {
	if s == futures.SideTypeSell {
		return types.SideSell
	}
	return types.SideBuy
}

// toOrderType maps the normalized order type to the Binance futures wire
// type. Plain stops map to STOP_MARKET so the exchange executes the trigger
// unaided; stop-limits keep their limit leg via STOP.
func toOrderType(t types.OrderType) futures.OrderType {
	switch t {
	case types.OrderTypeMarket:
		return futures.OrderTypeMarket
	case types.OrderTypeLimit:
		return futures.OrderTypeLimit
	case types.OrderTypeStop:
		return futures.OrderTypeStopMarket
	case types.OrderTypeStopLimit:
		return futures.OrderTypeStop
	default:
		return futures.OrderTypeMarket
	}
}

func fromOrderType(t futures.OrderType) types.OrderType {
	switch t {
	case futures.OrderTypeMarket:
		return types.OrderTypeMarket
	case futures.OrderTypeLimit:
		return types.OrderTypeLimit
	case futures.OrderTypeStopMarket, futures.OrderTypeTakeProfitMarket:
		return types.OrderTypeStop
	case futures.OrderTypeStop, futures.OrderTypeTakeProfit:
		return types.OrderTypeStopLimit
	default:
		return types.OrderTypeMarket
	}
}

func needsPrice(t types.OrderType) bool {
	return t == types.OrderTypeLimit || t == types.OrderTypeStopLimit
}

// toTimeInForce resolves the wire TIF. Post-only maps to GTX; market orders
// carry none.
func toTimeInForce(req broker.PlaceRequest) futures.TimeInForceType {
	if req.Type == types.OrderTypeMarket || req.Type == types.OrderTypeStop {
		return ""
	}
	if req.PostOnly {
		return futures.TimeInForceTypeGTX
	}
	switch req.TimeInForce {
	case types.TIFImmediateOrKill:
		return futures.TimeInForceTypeIOC
	case types.TIFFillOrKill:
		return futures.TimeInForceTypeFOK
	case types.TIFGoodTillCrossing:
		return futures.TimeInForceTypeGTX
	default:
		return futures.TimeInForceTypeGTC
	}
}

func fromStatus(s futures.OrderStatusType) broker.OrderState {
	switch s {
	case futures.OrderStatusTypeNew:
		return broker.StateNew
	case futures.OrderStatusTypePartiallyFilled:
		return broker.StatePartiallyFilled
	case futures.OrderStatusTypeFilled:
		return broker.StateFilled
	case futures.OrderStatusTypeCanceled:
		return broker.StateCancelled
	case futures.OrderStatusTypeRejected:
		return broker.StateRejected
	case futures.OrderStatusTypeExpired:
		return broker.StateExpired
	default:
		return broker.StateUnknown
	}
}
