package tracker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ordo/internal/broker"
	"ordo/internal/logger"
	"ordo/internal/scheduler"
	"ordo/internal/types"
)

// Run drives the reconcile loop until ctx ends.
func (t *Tracker) Run(ctx context.Context) error {
	s := scheduler.NewIntervalScheduler(ctx, "reconcile", t.cfg.ReconcileInterval)
	s.Start(t.reconcileTick)
	return ctx.Err()
}

// reconcileTick compares every tracked position and pending order against
// broker state. Each position is handled independently so one broker failure
// cannot stall the rest.
func (t *Tracker) reconcileTick(ctx context.Context) error {
	t.mu.RLock()
	ids := make([]string, 0, len(t.entries))
	for id := range t.entries {
		ids = append(ids, id)
	}
	t.mu.RUnlock()

	var firstErr error
	for _, id := range ids {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := t.reconcilePosition(ctx, id); err != nil {
			logger.Warnf("tracker: reconcile %s: %v", id, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (t *Tracker) reconcilePosition(ctx context.Context, positionID string) error {
	e, ok := t.entry(positionID)
	if !ok {
		// Closed by another path since the tick started.
		return nil
	}

	e.mu.Lock()
	pos := *e.pos
	pending := make([]types.TrackedOrder, 0, len(e.orders))
	for _, o := range e.orders {
		if o.Status == types.OrderPending {
			pending = append(pending, *o)
		}
	}
	e.mu.Unlock()

	now := t.nowFn()

	// Time stop fires before any broker polling so an expired position is
	// acted on even when the exchange is slow.
	if pos.TimeStopEnabled && now.After(pos.TimeStopExpiresAt) {
		return t.fireTimeStop(ctx, e, pos)
	}

	adapter, err := t.brokers.Get(pos.Broker)
	if err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, t.cfg.BrokerTimeout)
	defer cancel()

	// Refresh pending child orders first; entry fills feed position size.
	for _, o := range pending {
		if o.BrokerOrderID == "" {
			continue
		}
		snap, err := adapter.GetOrder(callCtx, o.Symbol, o.BrokerOrderID)
		t.brokers.Record(pos.Broker, err)
		if errors.Is(err, broker.ErrOrderNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("get order %s: %w", o.BrokerOrderID, err)
		}
		t.applyOrderSnapshot(ctx, e, o.OrderID, snap)
	}

	// A position still inside its settling grace is not judged against the
	// broker: the fill may not be queryable yet.
	if now.Sub(pos.OpenedAt) < t.cfg.SettleGrace {
		return nil
	}

	// Re-read size: an entry fill applied above changes it within this tick.
	e.mu.Lock()
	size := e.pos.Size
	entryDead := true
	hasEntry := false
	for _, o := range e.orders {
		if o.Kind != types.OrderKindEntry {
			continue
		}
		hasEntry = true
		if o.Status == types.OrderPending || o.Status == types.OrderFilled {
			entryDead = false
		}
	}
	e.mu.Unlock()
	if size <= 0 {
		// No broker exposure to judge while the entry rests on the book. A
		// cancelled or rejected entry retires the empty position.
		if hasEntry && entryDead {
			t.Close(ctx, pos.PositionID, types.CloseManual, 0, 0, 0)
		}
		return nil
	}

	brokerPositions, err := adapter.GetPositions(callCtx, pos.Symbol)
	t.brokers.Record(pos.Broker, err)
	if err != nil {
		return fmt.Errorf("get positions %s: %w", pos.Symbol, err)
	}

	var found *broker.PositionSnapshot
	for i := range brokerPositions {
		if brokerPositions[i].Symbol == pos.Symbol && brokerPositions[i].Side == pos.Side {
			found = &brokerPositions[i]
			break
		}
	}

	if found != nil && found.Size > 0 {
		e.mu.Lock()
		e.missingSince = time.Time{}
		e.pos.Size = found.Size
		if found.EntryPrice > 0 {
			e.pos.EntryPrice = found.EntryPrice
		}
		if found.MarkPrice > 0 {
			e.pos.CurrentPrice = found.MarkPrice
			e.pos.UnrealizedPnL = found.UnrealizedPnL
		}
		e.pos.BrokerPositionID = found.BrokerPositionID
		e.pos.UpdatedAt = now
		e.mu.Unlock()
		return nil
	}

	// Broker reports no exposure. Tolerate a short not-found window, then
	// classify and close. An immortal phantom position is worse than an
	// imprecise label.
	e.mu.Lock()
	if e.missingSince.IsZero() {
		e.missingSince = now
		e.mu.Unlock()
		return nil
	}
	missingFor := now.Sub(e.missingSince)
	e.mu.Unlock()
	if missingFor < t.cfg.NotFoundGrace {
		return nil
	}

	return t.closeFromBroker(ctx, adapter, e, pos)
}

// applyOrderSnapshot folds a broker order snapshot into the tracked order and
// the position, publishing order events on transitions.
func (t *Tracker) applyOrderSnapshot(ctx context.Context, e *entry, orderID string, snap broker.OrderSnapshot) {
	var (
		transitioned bool
		kind         types.OrderKind
		pos          types.Position
		cp           types.TrackedOrder
	)
	e.mu.Lock()
	o, ok := e.orders[orderID]
	if !ok {
		e.mu.Unlock()
		return
	}
	newStatus := orderStatusFromState(snap.Status)
	if newStatus != o.Status {
		transitioned = true
		o.Status = newStatus
		o.FilledQuantity = snap.ExecutedQty
		o.FilledPrice = snap.AvgPrice
		o.UpdatedAt = t.nowFn()
		kind = o.Kind
		if newStatus == types.OrderFilled && o.Kind == types.OrderKindEntry {
			e.pos.Size = snap.ExecutedQty
			if snap.AvgPrice > 0 {
				e.pos.EntryPrice = snap.AvgPrice
			}
			e.pos.UpdatedAt = t.nowFn()
		}
		cp = *o
		pos = *e.pos
	}
	e.mu.Unlock()
	if !transitioned {
		return
	}

	if err := t.storage.SaveOrder(ctx, &cp); err != nil {
		logger.Errorf("tracker: persist order %s: %v", cp.OrderID, err)
	}
	if cp.Status == types.OrderFilled && kind == types.OrderKindEntry {
		if err := t.storage.SavePosition(ctx, &pos); err != nil {
			logger.Errorf("tracker: persist position %s: %v", pos.PositionID, err)
		}
	}

	evType := types.EventOrderUpdate
	switch {
	case cp.Status == types.OrderFilled && kind == types.OrderKindTP:
		evType = types.EventTakeProfitFilled
	case cp.Status == types.OrderFilled:
		evType = types.EventFill
	case cp.Status == types.OrderCancelled:
		evType = types.EventCancelled
	}
	t.events.Publish(types.Event{
		Type:       evType,
		StrategyID: pos.StrategyID,
		PositionID: pos.PositionID,
		OrderRef:   cp.OrderID,
		Symbol:     cp.Symbol,
		Data: map[string]any{
			"kind":         string(kind),
			"status":       string(cp.Status),
			"filled_qty":   cp.FilledQuantity,
			"filled_price": cp.FilledPrice,
		},
	})
}

// closeFromBroker classifies why the exposure vanished and deregisters.
func (t *Tracker) closeFromBroker(ctx context.Context, adapter broker.Adapter, e *entry, pos types.Position) error {
	callCtx, cancel := context.WithTimeout(ctx, t.cfg.BrokerTimeout)
	defer cancel()

	trades, err := adapter.RecentTrades(callCtx, pos.Symbol, t.cfg.TradeLookback)
	t.brokers.Record(pos.Broker, err)
	if err != nil {
		logger.Warnf("tracker: recent trades %s: %v", pos.Symbol, err)
		trades = nil
	}

	orders := t.OrdersForPosition(pos.PositionID)
	verdict := classifyClose(&pos, orders, trades)
	filledID := verdictOrderID(verdict, orders)

	// Settle the durable books before deregistering: the exit leg that
	// produced the verdict is filled, every other pending child is cancelled,
	// both at the broker and in the tracked record.
	for _, o := range orders {
		if o.Status != types.OrderPending {
			continue
		}
		if o.OrderID == filledID {
			_ = t.MutateOrder(ctx, pos.PositionID, o.OrderID, func(m *types.TrackedOrder) {
				m.Status = types.OrderFilled
				if m.FilledQuantity == 0 {
					m.FilledQuantity = m.Quantity
				}
				if m.FilledPrice == 0 {
					m.FilledPrice = verdict.ExitPrice
				}
			})
			continue
		}
		if o.BrokerOrderID != "" {
			if err := adapter.CancelOrder(callCtx, o.Symbol, o.BrokerOrderID); err != nil && !errors.Is(err, broker.ErrOrderNotFound) {
				logger.Warnf("tracker: cancel residual order %s: %v", o.BrokerOrderID, err)
			}
		}
		_ = t.MutateOrder(ctx, pos.PositionID, o.OrderID, func(m *types.TrackedOrder) {
			m.Status = types.OrderCancelled
		})
	}

	t.Close(ctx, pos.PositionID, verdict.Reason, verdict.ExitPrice, verdict.RealizedPnL, verdict.Fees)
	return nil
}

// verdictOrderID picks the still-pending exit order the close verdict credits,
// preferring the leg whose trigger sits nearest the exit fill. An empty id
// means the verdict names no tracked leg.
func verdictOrderID(verdict Verdict, orders []types.TrackedOrder) string {
	var kind types.OrderKind
	switch verdict.Reason {
	case types.CloseTakeProfit:
		kind = types.OrderKindTP
	case types.CloseStopLoss:
		kind = types.OrderKindSL
	default:
		return ""
	}
	var (
		id   string
		best float64
	)
	for _, o := range orders {
		if o.Status != types.OrderPending || o.Kind != kind {
			continue
		}
		ref := o.Price
		if ref <= 0 {
			ref = o.StopPrice
		}
		d := ref - verdict.ExitPrice
		if d < 0 {
			d = -d
		}
		if id == "" || d < best {
			id = o.OrderID
			best = d
		}
	}
	return id
}

// fireTimeStop executes the position's expiry action exactly once.
func (t *Tracker) fireTimeStop(ctx context.Context, e *entry, pos types.Position) error {
	e.mu.Lock()
	if !e.pos.TimeStopEnabled {
		e.mu.Unlock()
		return nil
	}
	e.pos.TimeStopEnabled = false
	action := e.pos.TimeStopAction
	e.mu.Unlock()

	adapter, err := t.brokers.Get(pos.Broker)
	if err != nil {
		return err
	}
	callCtx, cancel := context.WithTimeout(ctx, t.cfg.BrokerTimeout)
	defer cancel()

	orders := t.OrdersForPosition(pos.PositionID)
	for _, o := range orders {
		if o.Status != types.OrderPending || o.BrokerOrderID == "" {
			continue
		}
		if err := adapter.CancelOrder(callCtx, o.Symbol, o.BrokerOrderID); err != nil && !errors.Is(err, broker.ErrOrderNotFound) {
			logger.Warnf("tracker: timestop cancel %s: %v", o.BrokerOrderID, err)
		}
		_ = t.MutateOrder(ctx, pos.PositionID, o.OrderID, func(o *types.TrackedOrder) {
			o.Status = types.OrderCancelled
		})
	}

	if action == types.TimeStopMarketExit && pos.Size > 0 {
		res, err := adapter.PlaceOrder(callCtx, broker.PlaceRequest{
			Symbol:     pos.Symbol,
			Side:       pos.Side.Opposite(),
			Type:       types.OrderTypeMarket,
			Quantity:   pos.Size,
			ReduceOnly: true,
			ClientTag:  "timestop",
		})
		t.brokers.Record(pos.Broker, err)
		if err != nil {
			return fmt.Errorf("timestop exit %s: %w", pos.PositionID, err)
		}
		exit := res.AvgPrice
		if exit <= 0 {
			exit = pos.CurrentPrice
		}
		t.Close(ctx, pos.PositionID, types.CloseTimeStop, exit, realizedAt(&pos, exit), 0)
		return nil
	}

	logger.Infof("tracker: timestop on %s cancelled working orders (action=%s)", pos.PositionID, action)
	return nil
}

func orderStatusFromState(s broker.OrderState) types.OrderStatus {
	switch s {
	case broker.StateFilled:
		return types.OrderFilled
	case broker.StateCancelled, broker.StateExpired:
		return types.OrderCancelled
	case broker.StateRejected:
		return types.OrderRejected
	default:
		return types.OrderPending
	}
}

func realizedAt(pos *types.Position, exit float64) float64 {
	if exit <= 0 || pos.EntryPrice <= 0 {
		return 0
	}
	if pos.Side == types.SideBuy {
		return (exit - pos.EntryPrice) * pos.Size
	}
	return (pos.EntryPrice - exit) * pos.Size
}
