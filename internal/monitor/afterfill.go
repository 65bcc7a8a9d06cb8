package monitor

import (
	"context"
	"fmt"

	"ordo/internal/broker"
	"ordo/internal/logger"
	"ordo/internal/types"
)

// runAfterFill executes the plan actions attached to a filled (or
// fallback-executed) TP leg. Every action is guarded so re-running on later
// ticks is a no-op.
func (m *Monitor) runAfterFill(ctx context.Context, adapter broker.Adapter, pos types.Position, o types.TrackedOrder) error {
	if pos.ExitPlan == nil || o.LegIndex < 0 || o.LegIndex >= len(pos.ExitPlan.Legs) {
		return nil
	}
	leg := pos.ExitPlan.Legs[o.LegIndex]
	for _, action := range leg.AfterFill {
		switch action.Action {
		case types.ActionSetSLToBreakeven:
			if err := m.applyBreakeven(ctx, adapter, pos); err != nil {
				return err
			}
		case types.ActionStartTrailingSL:
			if err := m.startTrailing(ctx, pos, action); err != nil {
				return err
			}
		}
	}
	return nil
}

// applyBreakeven moves the live SL to entry plus a fee buffer. One-shot per
// position; the stop order itself is amended in place, never recreated.
func (m *Monitor) applyBreakeven(ctx context.Context, adapter broker.Adapter, pos types.Position) error {
	if pos.BreakevenApplied {
		return nil
	}
	slOrder, ok := m.liveStopLoss(pos.PositionID)
	if !ok {
		logger.Warnf("monitor: breakeven on %s: no live SL order", pos.PositionID)
		return nil
	}

	buffer := pos.EntryPrice * m.cfg.BreakevenBufferPct / 100
	newStop := pos.EntryPrice + buffer
	if pos.Side == types.SideSell {
		newStop = pos.EntryPrice - buffer
	}
	newStop = adapter.SnapToTick(newStop, pos.Symbol)

	callCtx, cancel := context.WithTimeout(ctx, m.cfg.BrokerTimeout)
	defer cancel()
	res, err := adapter.AmendOrder(callCtx, pos.Symbol, slOrder.BrokerOrderID, broker.Amend{StopPrice: &newStop})
	m.brokers.Record(pos.Broker, err)
	if err != nil {
		return fmt.Errorf("breakeven amend %s: %w", slOrder.BrokerOrderID, err)
	}

	if err := m.tracker.MutatePosition(ctx, pos.PositionID, func(p *types.Position) {
		p.BreakevenApplied = true
	}); err != nil {
		return err
	}
	_ = m.tracker.MutateOrder(ctx, pos.PositionID, slOrder.OrderID, func(t *types.TrackedOrder) {
		t.StopPrice = newStop
		if res.BrokerOrderID != "" {
			t.BrokerOrderID = res.BrokerOrderID
		}
	})
	logger.Infof("monitor: %s stop moved to breakeven %.8f", pos.PositionID, newStop)
	return nil
}

// startTrailing activates the trailing stop state. Idempotent: an already
// active trail is left untouched.
func (m *Monitor) startTrailing(ctx context.Context, pos types.Position, action types.AfterFillAction) error {
	if pos.Trailing != nil && pos.Trailing.Active {
		return nil
	}
	anchor := pos.CurrentPrice
	if anchor <= 0 {
		if q, ok := m.feedLatest(pos.Symbol); ok {
			anchor = q.Last
		}
	}
	if anchor <= 0 {
		anchor = pos.EntryPrice
	}
	state := &types.TrailingState{
		Active:      true,
		Type:        action.TrailType,
		Value:       action.TrailDistance,
		BestPrice:   anchor,
		CurrentStop: trailStop(pos.Side, anchor, action.TrailType, action.TrailDistance),
	}
	if err := m.tracker.MutatePosition(ctx, pos.PositionID, func(p *types.Position) {
		if p.Trailing == nil || !p.Trailing.Active {
			p.Trailing = state
		}
	}); err != nil {
		return err
	}
	logger.Infof("monitor: %s trailing stop armed (type=%s dist=%.4f stop=%.8f)",
		pos.PositionID, action.TrailType, action.TrailDistance, state.CurrentStop)
	return nil
}

// advanceTrailing tightens the trailing stop as price moves favorably. The
// stop never loosens: an adverse move leaves it where it was.
func (m *Monitor) advanceTrailing(ctx context.Context, adapter broker.Adapter, pos types.Position) error {
	q, ok := m.feedLatest(pos.Symbol)
	if !ok || q.Last <= 0 {
		return nil
	}
	tr := *pos.Trailing

	improved := false
	if pos.Side == types.SideBuy && q.Last > tr.BestPrice {
		improved = true
	}
	if pos.Side == types.SideSell && (tr.BestPrice == 0 || q.Last < tr.BestPrice) {
		improved = true
	}
	if !improved {
		return nil
	}
	tr.BestPrice = q.Last
	candidate := trailStop(pos.Side, q.Last, tr.Type, tr.Value)

	tightens := false
	if pos.Side == types.SideBuy && candidate > tr.CurrentStop {
		tightens = true
	}
	if pos.Side == types.SideSell && (tr.CurrentStop == 0 || candidate < tr.CurrentStop) {
		tightens = true
	}
	if !tightens {
		return m.tracker.MutatePosition(ctx, pos.PositionID, func(p *types.Position) {
			if p.Trailing != nil {
				p.Trailing.BestPrice = tr.BestPrice
			}
		})
	}
	candidate = adapter.SnapToTick(candidate, pos.Symbol)

	if slOrder, ok := m.liveStopLoss(pos.PositionID); ok {
		callCtx, cancel := context.WithTimeout(ctx, m.cfg.BrokerTimeout)
		defer cancel()
		res, err := adapter.AmendOrder(callCtx, pos.Symbol, slOrder.BrokerOrderID, broker.Amend{StopPrice: &candidate})
		m.brokers.Record(pos.Broker, err)
		if err != nil {
			return fmt.Errorf("trailing amend %s: %w", slOrder.BrokerOrderID, err)
		}
		_ = m.tracker.MutateOrder(ctx, pos.PositionID, slOrder.OrderID, func(t *types.TrackedOrder) {
			t.StopPrice = candidate
			if res.BrokerOrderID != "" {
				t.BrokerOrderID = res.BrokerOrderID
			}
		})
	}

	return m.tracker.MutatePosition(ctx, pos.PositionID, func(p *types.Position) {
		if p.Trailing == nil {
			return
		}
		p.Trailing.BestPrice = tr.BestPrice
		p.Trailing.CurrentStop = candidate
	})
}

// liveStopLoss finds the position's pending SL order.
func (m *Monitor) liveStopLoss(positionID string) (types.TrackedOrder, bool) {
	for _, o := range m.tracker.OrdersForPosition(positionID) {
		if o.Kind == types.OrderKindSL && o.Status == types.OrderPending {
			return o, true
		}
	}
	return types.TrackedOrder{}, false
}

// trailStop computes the stop implied by an anchor price and the trail
// distance.
func trailStop(side types.Side, anchor float64, trailType types.TrailType, dist float64) float64 {
	delta := dist
	if trailType == types.TrailPercent {
		delta = anchor * dist / 100
	}
	if side == types.SideBuy {
		return anchor - delta
	}
	return anchor + delta
}
