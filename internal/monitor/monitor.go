// Package monitor supervises the order flows the broker cannot execute
// unaided: synthetic stop entries, post-only exit legs that the exchange may
// cancel, and the after-fill actions attached to exit plans.
//
// The monitor holds no private registry; the tracker's positions and orders
// are its working set, which also makes restart rebuild free.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ordo/internal/broker"
	"ordo/internal/hub"
	"ordo/internal/logger"
	"ordo/internal/marketdata"
	"ordo/internal/scheduler"
	"ordo/internal/tracker"
	"ordo/internal/types"
)

type Config struct {
	CheckInterval time.Duration
	// BreakevenBufferPct pads the breakeven stop by this percentage of entry
	// so fees do not turn "breakeven" into a small loss.
	BreakevenBufferPct float64
	BrokerTimeout      time.Duration
}

func (c *Config) applyDefaults() {
	if c.CheckInterval <= 0 {
		c.CheckInterval = time.Second
	}
	if c.BreakevenBufferPct <= 0 {
		c.BreakevenBufferPct = 0.1
	}
	if c.BrokerTimeout <= 0 {
		c.BrokerTimeout = 10 * time.Second
	}
}

type Monitor struct {
	cfg     Config
	brokers *broker.Manager
	tracker *tracker.Tracker
	feed    *marketdata.Feed
	events  *hub.Hub
}

func New(cfg Config, brokers *broker.Manager, trk *tracker.Tracker, feed *marketdata.Feed, events *hub.Hub) *Monitor {
	cfg.applyDefaults()
	return &Monitor{
		cfg:     cfg,
		brokers: brokers,
		tracker: trk,
		feed:    feed,
		events:  events,
	}
}

// Run drives the supervision loop until ctx ends.
func (m *Monitor) Run(ctx context.Context) error {
	s := scheduler.NewIntervalScheduler(ctx, "monitor", m.cfg.CheckInterval)
	s.Start(m.Tick)
	return ctx.Err()
}

// Tick walks every tracked position once. Exported so tests can step the
// monitor deterministically.
func (m *Monitor) Tick(ctx context.Context) error {
	var firstErr error
	for _, pos := range m.tracker.ListPositions("") {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := m.checkPosition(ctx, pos); err != nil {
			logger.Warnf("monitor: %s: %v", pos.PositionID, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (m *Monitor) checkPosition(ctx context.Context, pos types.Position) error {
	adapter, err := m.brokers.Get(pos.Broker)
	if err != nil {
		return err
	}

	for _, o := range m.tracker.OrdersForPosition(pos.PositionID) {
		switch {
		case o.Kind == types.OrderKindEntry && o.Status == types.OrderPending && o.BrokerOrderID == "":
			if err := m.superviseEntry(ctx, adapter, pos, o); err != nil {
				return err
			}
		case (o.Kind == types.OrderKindTP || o.Kind == types.OrderKindSL) &&
			o.Status == types.OrderPending && o.BrokerOrderID == "" && pos.Size > 0:
			if err := m.placeDeferredLeg(ctx, adapter, pos, o); err != nil {
				return err
			}
		case o.Kind == types.OrderKindTP && o.Status == types.OrderFilled:
			if err := m.runAfterFill(ctx, adapter, pos, o); err != nil {
				return err
			}
		case o.Kind == types.OrderKindTP && o.PostOnly:
			if err := m.superviseExitLeg(ctx, adapter, pos, o); err != nil {
				return err
			}
		case o.Kind == types.OrderKindSL && o.Status == types.OrderFilled:
			if err := m.cleanupAfterStop(ctx, adapter, pos, o); err != nil {
				return err
			}
		}
	}

	if pos.Trailing != nil && pos.Trailing.Active {
		if err := m.advanceTrailing(ctx, adapter, pos); err != nil {
			return err
		}
	}
	return nil
}

// superviseEntry emulates STOP / STOP_LIMIT triggers for brokers without
// native stop orders. The trigger is direction-aware: a buy stop arms above
// the market and fires on the ask, a sell stop on the bid.
func (m *Monitor) superviseEntry(ctx context.Context, adapter broker.Adapter, pos types.Position, o types.TrackedOrder) error {
	q, ok := m.feedLatest(pos.Symbol)
	if !ok {
		return nil
	}
	triggered := false
	if o.Side == types.SideBuy && q.Ask > 0 && q.Ask >= o.StopPrice {
		triggered = true
	}
	if o.Side == types.SideSell && q.Bid > 0 && q.Bid <= o.StopPrice {
		triggered = true
	}
	if !triggered {
		return nil
	}

	req := broker.PlaceRequest{
		Symbol:    o.Symbol,
		Side:      o.Side,
		Quantity:  o.Quantity,
		Leverage:  pos.Leverage,
		ClientTag: "entry",
	}
	if o.Type == types.OrderTypeStopLimit {
		req.Type = types.OrderTypeLimit
		req.Price = o.Price
	} else {
		req.Type = types.OrderTypeMarket
	}

	callCtx, cancel := context.WithTimeout(ctx, m.cfg.BrokerTimeout)
	defer cancel()
	res, err := adapter.PlaceOrder(callCtx, req)
	m.brokers.Record(pos.Broker, err)
	if err != nil {
		return fmt.Errorf("stop trigger placement: %w", err)
	}

	if err := m.tracker.MutateOrder(ctx, pos.PositionID, o.OrderID, func(t *types.TrackedOrder) {
		t.BrokerOrderID = res.BrokerOrderID
		if res.Status == broker.StateFilled {
			t.Status = types.OrderFilled
			t.FilledQuantity = res.ExecutedQty
			t.FilledPrice = res.AvgPrice
		}
	}); err != nil {
		return err
	}
	if res.Status == broker.StateFilled && res.AvgPrice > 0 {
		_ = m.tracker.MutatePosition(ctx, pos.PositionID, func(p *types.Position) {
			p.Size = res.ExecutedQty
			p.EntryPrice = res.AvgPrice
		})
	}
	m.events.Publish(types.Event{
		Type:       types.EventStopTriggered,
		StrategyID: pos.StrategyID,
		PositionID: pos.PositionID,
		OrderRef:   o.OrderID,
		Symbol:     pos.Symbol,
		Data:       map[string]any{"stop_price": o.StopPrice, "broker_order_id": res.BrokerOrderID},
	})
	logger.Infof("monitor: stop entry %s triggered at %.8f", o.OrderID, o.StopPrice)
	return nil
}

// placeDeferredLeg submits an exit leg that was created while its entry was
// still under stop supervision. Legs only reach the broker once the position
// has filled size, so reduce-only is accepted.
func (m *Monitor) placeDeferredLeg(ctx context.Context, adapter broker.Adapter, pos types.Position, o types.TrackedOrder) error {
	callCtx, cancel := context.WithTimeout(ctx, m.cfg.BrokerTimeout)
	defer cancel()
	tif := types.TimeInForce("")
	if o.PostOnly {
		tif = types.TIFGoodTillCrossing
	}
	res, err := adapter.PlaceOrder(callCtx, broker.PlaceRequest{
		Symbol:      o.Symbol,
		Side:        o.Side,
		Type:        o.Type,
		Quantity:    o.Quantity,
		Price:       o.Price,
		StopPrice:   o.StopPrice,
		TimeInForce: tif,
		PostOnly:    o.PostOnly,
		ReduceOnly:  true,
		ClientTag:   o.ClientTag,
	})
	m.brokers.Record(pos.Broker, err)
	if err != nil {
		return fmt.Errorf("place deferred %s leg %s: %w", o.Kind, o.OrderID, err)
	}
	logger.Infof("monitor: deferred %s leg %s placed as %s", o.Kind, o.OrderID, res.BrokerOrderID)
	return m.tracker.MutateOrder(ctx, pos.PositionID, o.OrderID, func(t *types.TrackedOrder) {
		t.BrokerOrderID = res.BrokerOrderID
		if res.Status == broker.StateCancelled {
			t.Status = types.OrderCancelled
		}
	})
}

// superviseExitLeg watches a post-only TP by broker order id. A broker-side
// CANCELLED (the GTX order would have crossed) gets exactly one market
// fallback for the residual quantity, then after-fill actions run as if the
// leg had filled.
func (m *Monitor) superviseExitLeg(ctx context.Context, adapter broker.Adapter, pos types.Position, o types.TrackedOrder) error {
	if o.BrokerOrderID == "" || o.FallbackOrderID != "" {
		return nil
	}
	if o.Status != types.OrderPending && o.Status != types.OrderCancelled {
		return nil
	}

	callCtx, cancel := context.WithTimeout(ctx, m.cfg.BrokerTimeout)
	defer cancel()

	status := o.Status
	filledQty := o.FilledQuantity
	avgPrice := o.FilledPrice
	if status == types.OrderPending {
		snap, err := adapter.GetOrder(callCtx, o.Symbol, o.BrokerOrderID)
		m.brokers.Record(pos.Broker, err)
		if errors.Is(err, broker.ErrOrderNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("poll exit leg %s: %w", o.BrokerOrderID, err)
		}
		switch snap.Status {
		case broker.StateFilled:
			if err := m.tracker.MutateOrder(ctx, pos.PositionID, o.OrderID, func(t *types.TrackedOrder) {
				t.Status = types.OrderFilled
				t.FilledQuantity = snap.ExecutedQty
				t.FilledPrice = snap.AvgPrice
			}); err != nil {
				return err
			}
			o.Status = types.OrderFilled
			return m.runAfterFill(ctx, adapter, pos, o)
		case broker.StateCancelled, broker.StateExpired:
			status = types.OrderCancelled
			filledQty = snap.ExecutedQty
			avgPrice = snap.AvgPrice
		default:
			return nil
		}
	}
	if status != types.OrderCancelled {
		return nil
	}

	residual := o.Quantity - filledQty
	if residual <= 0 {
		return nil
	}

	res, err := adapter.PlaceOrder(callCtx, broker.PlaceRequest{
		Symbol:     o.Symbol,
		Side:       o.Side,
		Type:       types.OrderTypeMarket,
		Quantity:   residual,
		ReduceOnly: true,
		ClientTag:  fmt.Sprintf("tp%d", o.LegIndex),
	})
	m.brokers.Record(pos.Broker, err)
	if err != nil {
		return fmt.Errorf("market fallback for %s: %w", o.OrderID, err)
	}

	fallbackID := tracker.NewOrderID()
	if err := m.tracker.MutateOrder(ctx, pos.PositionID, o.OrderID, func(t *types.TrackedOrder) {
		t.Status = types.OrderCancelled
		t.FilledQuantity = filledQty
		t.FilledPrice = avgPrice
		t.FallbackOrderID = fallbackID
	}); err != nil {
		return err
	}
	_ = m.tracker.AddOrder(ctx, pos.PositionID, &types.TrackedOrder{
		OrderID:        fallbackID,
		BrokerOrderID:  res.BrokerOrderID,
		Broker:         pos.Broker,
		Symbol:         o.Symbol,
		Kind:           types.OrderKindTP,
		Side:           o.Side,
		Type:           types.OrderTypeMarket,
		Status:         types.OrderFilled,
		Quantity:       residual,
		FilledQuantity: res.ExecutedQty,
		FilledPrice:    res.AvgPrice,
		ReduceOnly:     true,
		LegIndex:       o.LegIndex,
		StrategyID:     o.StrategyID,
	})

	m.events.Publish(types.Event{
		Type:       types.EventTakeProfitFilled,
		StrategyID: pos.StrategyID,
		PositionID: pos.PositionID,
		OrderRef:   o.OrderID,
		Symbol:     pos.Symbol,
		Data:       map[string]any{"fallback": true, "quantity": residual},
	})
	logger.Infof("monitor: post-only leg %s cancelled by broker, market fallback %s placed for %.8f",
		o.OrderID, res.BrokerOrderID, residual)

	// The fallback counts as the leg's fill for after-fill purposes.
	o.FallbackOrderID = fallbackID
	return m.runAfterFill(ctx, adapter, pos, o)
}

// cleanupAfterStop cancels the sibling exit legs once the stop has filled and
// broadcasts the supervision-cleanup event.
func (m *Monitor) cleanupAfterStop(ctx context.Context, adapter broker.Adapter, pos types.Position, slOrder types.TrackedOrder) error {
	callCtx, cancel := context.WithTimeout(ctx, m.cfg.BrokerTimeout)
	defer cancel()

	var cancelled int
	for _, sib := range m.tracker.OrdersForPosition(pos.PositionID) {
		if sib.OrderID == slOrder.OrderID || sib.Status != types.OrderPending || sib.BrokerOrderID == "" {
			continue
		}
		if err := adapter.CancelOrder(callCtx, sib.Symbol, sib.BrokerOrderID); err != nil && !errors.Is(err, broker.ErrOrderNotFound) {
			logger.Warnf("monitor: cancel sibling %s: %v", sib.BrokerOrderID, err)
			continue
		}
		_ = m.tracker.MutateOrder(ctx, pos.PositionID, sib.OrderID, func(t *types.TrackedOrder) {
			t.Status = types.OrderCancelled
		})
		cancelled++
	}
	if cancelled > 0 {
		m.events.Publish(types.Event{
			Type:       types.EventSupervisionCleanup,
			StrategyID: pos.StrategyID,
			PositionID: pos.PositionID,
			Symbol:     pos.Symbol,
			Data:       map[string]any{"cancelled_siblings": cancelled},
		})
	}
	return nil
}

func (m *Monitor) feedLatest(symbol string) (types.Quote, bool) {
	if m.feed == nil {
		return types.Quote{}, false
	}
	return m.feed.Latest(symbol)
}
