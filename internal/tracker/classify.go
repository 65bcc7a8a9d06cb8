package tracker

import (
	"strings"

	"ordo/internal/broker"
	"ordo/internal/types"
)

// triggerTolerance is how close (fractionally) an exit fill must be to a plan
// trigger for the price heuristic to claim it.
const triggerTolerance = 0.002

// Verdict is the outcome of close-reason classification.
type Verdict struct {
	Reason      types.CloseReason
	ExitPrice   float64
	RealizedPnL float64
	Fees        float64
}

// classifyClose decides why a position's exposure disappeared. Evidence is
// weighed in order: client-order-id tags on closing trades, matches against
// tracked exit orders, proximity of the exit price to plan triggers, then
// MANUAL_CLOSE for untagged closing trades. With no closing trades at all
// the verdict is UNKNOWN at the last seen price.
func classifyClose(pos *types.Position, orders []types.TrackedOrder, trades []broker.Trade) Verdict {
	closing := closingTrades(pos, trades)
	if len(closing) == 0 {
		exit := pos.CurrentPrice
		if exit <= 0 {
			exit = pos.EntryPrice
		}
		return Verdict{Reason: types.CloseUnknown, ExitPrice: exit, RealizedPnL: realizedAt(pos, exit)}
	}

	var (
		qty, notional, pnl, fees float64
	)
	for _, tr := range closing {
		qty += tr.Quantity
		notional += tr.Quantity * tr.Price
		pnl += tr.RealizedPnL
		fees += tr.Fee
	}
	exit := notional / qty

	byBrokerID := make(map[string]types.OrderKind, len(orders))
	for _, o := range orders {
		if o.BrokerOrderID != "" {
			byBrokerID[o.BrokerOrderID] = o.Kind
		}
	}

	for _, tr := range closing {
		if r, ok := reasonFromTag(tr.ClientTag); ok {
			return Verdict{Reason: r, ExitPrice: exit, RealizedPnL: pnl, Fees: fees}
		}
		switch byBrokerID[tr.BrokerOrderID] {
		case types.OrderKindTP:
			return Verdict{Reason: types.CloseTakeProfit, ExitPrice: exit, RealizedPnL: pnl, Fees: fees}
		case types.OrderKindSL:
			return Verdict{Reason: types.CloseStopLoss, ExitPrice: exit, RealizedPnL: pnl, Fees: fees}
		}
	}

	if r, ok := reasonFromTriggers(pos, exit); ok {
		return Verdict{Reason: r, ExitPrice: exit, RealizedPnL: pnl, Fees: fees}
	}

	return Verdict{Reason: types.CloseManual, ExitPrice: exit, RealizedPnL: pnl, Fees: fees}
}

// closingTrades picks recent trades on the reducing side of the position.
func closingTrades(pos *types.Position, trades []broker.Trade) []broker.Trade {
	var out []broker.Trade
	closeSide := pos.Side.Opposite()
	for _, tr := range trades {
		if tr.Symbol != pos.Symbol || tr.Side != closeSide {
			continue
		}
		if !tr.Time.IsZero() && tr.Time.Before(pos.OpenedAt) {
			continue
		}
		out = append(out, tr)
	}
	return out
}

func reasonFromTag(tag string) (types.CloseReason, bool) {
	tag = strings.ToLower(tag)
	switch {
	case tag == "":
		return "", false
	case strings.HasPrefix(tag, "tp"):
		return types.CloseTakeProfit, true
	case strings.HasPrefix(tag, "sl"):
		return types.CloseStopLoss, true
	case strings.HasPrefix(tag, "timestop"):
		return types.CloseTimeStop, true
	case strings.HasPrefix(tag, "close"), strings.HasPrefix(tag, "manual"):
		return types.CloseManual, true
	}
	return "", false
}

// reasonFromTriggers matches the exit fill against the plan's trigger prices.
func reasonFromTriggers(pos *types.Position, exit float64) (types.CloseReason, bool) {
	if exit <= 0 {
		return "", false
	}
	if pos.ExitPlan != nil {
		for _, leg := range pos.ExitPlan.Legs {
			trigger := leg.Trigger.Value
			if trigger <= 0 {
				continue
			}
			if diffFrac(exit, trigger) <= triggerTolerance {
				if leg.Kind == types.LegStopLoss {
					return types.CloseStopLoss, true
				}
				return types.CloseTakeProfit, true
			}
		}
	}
	// A trailing stop moves off-plan, and may exist without a plan at all;
	// credit it when the trailing state says the stop was near the fill.
	if pos.Trailing != nil && pos.Trailing.Active && pos.Trailing.CurrentStop > 0 &&
		diffFrac(exit, pos.Trailing.CurrentStop) <= triggerTolerance {
		return types.CloseStopLoss, true
	}
	return "", false
}

func diffFrac(a, b float64) float64 {
	if b == 0 {
		return 1
	}
	d := a - b
	if d < 0 {
		d = -d
	}
	return d / b
}
