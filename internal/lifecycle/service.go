// Package lifecycle orchestrates order creation: idempotency, validation,
// risk sizing, precision snapping, routing, broker placement and tracker
// registration. Amend, cancel and close-position follow the same
// idempotency-gated shape.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"ordo/internal/balance"
	"ordo/internal/broker"
	"ordo/internal/hub"
	"ordo/internal/ledger"
	"ordo/internal/logger"
	"ordo/internal/pkg/symbol"
	"ordo/internal/tracker"
	"ordo/internal/types"
)

// Recorder receives analytic records for placed orders. May be nil.
type Recorder interface {
	RecordOrder(o *types.TrackedOrder)
}

type Config struct {
	BrokerTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.BrokerTimeout <= 0 {
		c.BrokerTimeout = 10 * time.Second
	}
}

type Service struct {
	cfg      Config
	brokers  *broker.Manager
	ledger   *ledger.Ledger
	tracker  *tracker.Tracker
	balances *balance.Service
	events   *hub.Hub
	sink     Recorder

	// inflight serializes mutating calls per idempotency key; a racing
	// caller observes the winner's outcome instead of a second placement.
	inflight singleflight.Group

	nowFn func() time.Time
}

func New(cfg Config, brokers *broker.Manager, led *ledger.Ledger, trk *tracker.Tracker, balances *balance.Service, events *hub.Hub, sink Recorder) *Service {
	cfg.applyDefaults()
	return &Service{
		cfg:      cfg,
		brokers:  brokers,
		ledger:   led,
		tracker:  trk,
		balances: balances,
		events:   events,
		sink:     sink,
		nowFn:    time.Now,
	}
}

// CreateOrder runs the full intent pipeline. The returned result is stored
// in the ledger only on terminal success, so failures stay retryable with
// the same key.
func (s *Service) CreateOrder(ctx context.Context, intent *types.OrderIntent) (*types.CreateResult, error) {
	if !validKey(intent.IdempotencyKey) {
		return nil, errf(CodeInvalidSchema, "idempotency key must be 8-200 chars of [A-Za-z0-9_-]")
	}
	hash, err := ledger.HashRequest(intent)
	if err != nil {
		return nil, errf(CodeInternal, "hash intent: %v", err)
	}
	v, err, _ := s.inflight.Do(intent.IdempotencyKey, func() (any, error) {
		return s.create(ctx, intent, hash)
	})
	if err != nil {
		return nil, err
	}
	return v.(*types.CreateResult), nil
}

func (s *Service) create(ctx context.Context, intent *types.OrderIntent, hash string) (*types.CreateResult, error) {
	decision, stored, prior, err := s.ledger.Check(ctx, intent.IdempotencyKey, ledger.OpCreate, hash)
	if err != nil {
		return nil, errf(CodeInternal, "ledger: %v", err)
	}
	switch decision {
	case ledger.DecisionReplay:
		logger.Debugf("lifecycle: replay key %s", intent.IdempotencyKey)
		return stored, nil
	case ledger.DecisionConflict:
		return nil, errf(CodeDuplicateIntent, "idempotency key %s already spent on a %s with a different payload", intent.IdempotencyKey, prior)
	}

	if verr := validateIntent(intent); verr != nil {
		return nil, verr
	}
	o := &intent.Order
	sym := symbol.Normalize(o.Instrument.Symbol)

	adapter, rerr := s.route(ctx, o, sym)
	if rerr != nil {
		return nil, rerr
	}
	feats := adapter.Features()
	if o.Flags.PostOnly && !feats.PostOnly {
		return nil, errf(CodeUnsupportedFeature, "broker %s does not support post-only", adapter.Name())
	}

	qty, refPrice, serr := s.resolveQuantity(ctx, adapter, o)
	if serr != nil {
		return nil, serr
	}

	var adjust types.Adjustments
	snappedQty := adapter.SnapToLot(qty, sym)
	if snappedQty != qty {
		adjust.QtySnappedTo = snappedQty
	}
	if snappedQty <= 0 {
		return nil, errf(CodeRiskSizing, "quantity %.10f is below the lot size for %s", qty, sym)
	}
	price := o.Price
	if price > 0 {
		if snapped := adapter.SnapToTick(price, sym); snapped != price {
			adjust.PriceSnappedTo = snapped
			price = snapped
		}
	}
	stopPrice := o.StopPrice
	if stopPrice > 0 {
		stopPrice = adapter.SnapToTick(stopPrice, sym)
	}
	if mi, err := adapter.GetMarketInfo(ctx, sym); err == nil && mi.MinNotional > 0 {
		if snappedQty*refPrice < mi.MinNotional {
			return nil, errf(CodeRiskSizing, "notional %.2f below the %s minimum %.2f", snappedQty*refPrice, sym, mi.MinNotional)
		}
	}

	leverage := 0
	if o.Leverage.Enabled && o.Leverage.Leverage > 0 {
		leverage = o.Leverage.Leverage
	}

	// STOP entries a broker cannot place natively stay local; the monitor
	// watches market data and submits the real order on trigger.
	supervisedEntry := (o.OrderType == types.OrderTypeStop || o.OrderType == types.OrderTypeStopLimit) && !feats.NativeStopOrders

	entryOrder := &types.TrackedOrder{
		OrderID:    tracker.NewOrderID(),
		Broker:     adapter.Name(),
		Symbol:     sym,
		Kind:       types.OrderKindEntry,
		Side:       o.Side,
		Type:       o.OrderType,
		Quantity:   snappedQty,
		Price:      price,
		StopPrice:  stopPrice,
		Status:     types.OrderPending,
		PostOnly:   o.Flags.PostOnly,
		ReduceOnly: o.Flags.ReduceOnly,
		ClientTag:  "entry",
		StrategyID: intent.Source.StrategyID,
	}

	var placed broker.PlaceResult
	if !supervisedEntry {
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.BrokerTimeout)
		res, err := adapter.PlaceOrder(callCtx, broker.PlaceRequest{
			Symbol:      sym,
			Side:        o.Side,
			Type:        o.OrderType,
			Quantity:    snappedQty,
			Price:       price,
			StopPrice:   stopPrice,
			TimeInForce: o.TimeInForce,
			PostOnly:    o.Flags.PostOnly,
			ReduceOnly:  o.Flags.ReduceOnly,
			Leverage:    leverage,
			ClientTag:   "entry",
		})
		cancel()
		s.brokers.Record(adapter.Name(), err)
		if err != nil {
			return nil, errf(CodeBrokerDown, "place entry on %s: %v", adapter.Name(), err)
		}
		placed = res
		entryOrder.BrokerOrderID = res.BrokerOrderID
		if res.Status == broker.StateFilled {
			entryOrder.Status = types.OrderFilled
			entryOrder.FilledQuantity = res.ExecutedQty
			entryOrder.FilledPrice = res.AvgPrice
		}
	}

	orders := []*types.TrackedOrder{entryOrder}
	orders = append(orders, s.buildExitLegs(ctx, adapter, o, sym, snappedQty, supervisedEntry, intent.Source.StrategyID)...)

	pos, result, perr := s.attachPosition(ctx, intent, adapter.Name(), sym, snappedQty, refPrice, leverage, placed, entryOrder, orders)
	if perr != nil {
		return nil, perr
	}
	if !adjust.Empty() {
		result.Adjustments = &adjust
	}

	s.events.Publish(types.Event{
		Type:       types.EventOrderUpdate,
		StrategyID: intent.Source.StrategyID,
		OrderRef:   entryOrder.OrderID,
		PositionID: pos.PositionID,
		Symbol:     sym,
		Data: map[string]any{
			"status":          string(entryOrder.Status),
			"broker":          adapter.Name(),
			"broker_order_id": entryOrder.BrokerOrderID,
		},
	})
	if s.sink != nil {
		for _, ord := range orders {
			s.sink.RecordOrder(ord)
		}
	}

	if err := s.ledger.Store(ctx, intent.IdempotencyKey, ledger.OpCreate, hash, result); err != nil {
		logger.Errorf("lifecycle: store ledger key %s: %v", intent.IdempotencyKey, err)
	}
	logger.Infof("lifecycle: created %s %s %s qty=%.8f via %s (order=%s position=%s)",
		o.Side, o.OrderType, sym, snappedQty, adapter.Name(), entryOrder.OrderID, pos.PositionID)
	return result, nil
}

// buildExitLegs materializes the plan legs as reduce-only tracked orders.
// Legs are placed with the broker immediately unless the entry itself is
// supervised, in which case the monitor places them after the trigger.
func (s *Service) buildExitLegs(ctx context.Context, adapter broker.Adapter, o *types.OrderPayload, sym string, entryQty float64, deferred bool, strategyID string) []*types.TrackedOrder {
	if o.ExitPlan == nil {
		return nil
	}
	closeSide := o.Side.Opposite()
	var out []*types.TrackedOrder
	slSeen := false
	for i, leg := range o.ExitPlan.Legs {
		legQty := adapter.SnapToLot(leg.LegQuantity(entryQty), sym)
		if legQty <= 0 {
			logger.Warnf("lifecycle: exit leg %d of %s resolves below lot size, skipped", i, sym)
			continue
		}
		ord := &types.TrackedOrder{
			OrderID:    tracker.NewOrderID(),
			Broker:     adapter.Name(),
			Symbol:     sym,
			Side:       closeSide,
			Quantity:   legQty,
			Status:     types.OrderPending,
			ReduceOnly: true,
			LegIndex:   i,
			StrategyID: strategyID,
		}
		switch leg.Kind {
		case types.LegStopLoss:
			if slSeen {
				continue
			}
			slSeen = true
			ord.Kind = types.OrderKindSL
			ord.Type = types.OrderTypeStop
			ord.StopPrice = adapter.SnapToTick(leg.Trigger.Value, sym)
			ord.ClientTag = "sl"
		case types.LegTakeProfit:
			ord.Kind = types.OrderKindTP
			ord.Type = types.OrderTypeLimit
			ord.Price = adapter.SnapToTick(leg.Trigger.Value, sym)
			ord.PostOnly = leg.Exec.PostOnly
			ord.ClientTag = fmt.Sprintf("tp%d", i)
		default:
			continue
		}
		if !deferred {
			s.placeExitLeg(ctx, adapter, ord, leg.Exec.TimeInForce)
		}
		out = append(out, ord)
	}
	return out
}

func (s *Service) placeExitLeg(ctx context.Context, adapter broker.Adapter, ord *types.TrackedOrder, tif types.TimeInForce) {
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.BrokerTimeout)
	defer cancel()
	res, err := adapter.PlaceOrder(callCtx, broker.PlaceRequest{
		Symbol:      ord.Symbol,
		Side:        ord.Side,
		Type:        ord.Type,
		Quantity:    ord.Quantity,
		Price:       ord.Price,
		StopPrice:   ord.StopPrice,
		TimeInForce: tif,
		PostOnly:    ord.PostOnly,
		ReduceOnly:  true,
		ClientTag:   ord.ClientTag,
	})
	s.brokers.Record(ord.Broker, err)
	if err != nil {
		// The entry is already live; a failed leg must not fail the create.
		logger.Errorf("lifecycle: place %s leg %s: %v", ord.Kind, ord.OrderID, err)
		ord.Status = types.OrderError
		return
	}
	ord.BrokerOrderID = res.BrokerOrderID
	if res.Status == broker.StateCancelled {
		// Post-only that would have crossed; the monitor owns the fallback.
		ord.Status = types.OrderCancelled
	}
}

// attachPosition reuses an open position for the same strategy, broker,
// symbol and side, or registers a new one.
func (s *Service) attachPosition(ctx context.Context, intent *types.OrderIntent, brokerName, sym string, qty, refPrice float64, leverage int, placed broker.PlaceResult, entryOrder *types.TrackedOrder, orders []*types.TrackedOrder) (*types.Position, *types.CreateResult, *Error) {
	o := &intent.Order
	existing := s.findOpenPosition(intent.Source.StrategyID, brokerName, sym, o.Side)
	if existing != nil {
		for _, ord := range orders {
			if err := s.tracker.AddOrder(ctx, existing.PositionID, ord); err != nil {
				return nil, nil, errf(CodeInternal, "attach order to %s: %v", existing.PositionID, err)
			}
		}
		_ = s.tracker.MutatePosition(ctx, existing.PositionID, func(p *types.Position) {
			p.RequestedQty += qty
			if placed.Status == broker.StateFilled {
				p.Size += placed.ExecutedQty
			}
			if p.ExitPlan == nil {
				p.ExitPlan = o.ExitPlan
			}
		})
		return existing, &types.CreateResult{
			Success:       true,
			OrderRef:      entryOrder.OrderID,
			PositionRef:   existing.PositionID,
			BrokerOrderID: entryOrder.BrokerOrderID,
		}, nil
	}

	margin := qty * refPrice
	if leverage > 1 {
		margin /= float64(leverage)
	}
	pos := &types.Position{
		PositionID:   tracker.NewPositionID(),
		Broker:       brokerName,
		Symbol:       sym,
		Side:         o.Side,
		RequestedQty: qty,
		Size:         placed.ExecutedQty,
		EntryPrice:   placed.AvgPrice,
		MarginUsed:   margin,
		Leverage:     leverage,
		StrategyID:   intent.Source.StrategyID,
		InstanceID:   intent.Source.InstanceID,
		Owner:        intent.Source.Owner,
		OrderRef:     entryOrder.OrderID,
		ExitPlan:     o.ExitPlan,
	}
	if err := s.tracker.Register(ctx, pos, orders); err != nil {
		return nil, nil, errf(CodeInternal, "register position: %v", err)
	}
	return pos, &types.CreateResult{
		Success:       true,
		OrderRef:      entryOrder.OrderID,
		PositionRef:   pos.PositionID,
		BrokerOrderID: entryOrder.BrokerOrderID,
	}, nil
}

func (s *Service) findOpenPosition(strategyID, brokerName, sym string, side types.Side) *types.Position {
	for _, pos := range s.tracker.ListPositions(strategyID) {
		if pos.Broker == brokerName && pos.Symbol == sym && pos.Side == side {
			p := pos
			return &p
		}
	}
	return nil
}

func (s *Service) route(ctx context.Context, o *types.OrderPayload, sym string) (broker.Adapter, *Error) {
	if o.Routing.Mode == types.RoutingDirect {
		a, err := s.brokers.EnsureConnected(ctx, o.Routing.Broker)
		if err != nil {
			if errors.Is(err, broker.ErrUnavailable) {
				return nil, errf(CodeBrokerDown, "broker %s: %v", o.Routing.Broker, err)
			}
			return nil, errf(CodeRoutingUnavailable, "broker %s: %v", o.Routing.Broker, err)
		}
		if !a.SupportsSymbol(ctx, sym) {
			return nil, errf(CodeRoutingUnavailable, "broker %s does not list %s", o.Routing.Broker, sym)
		}
		return a, nil
	}
	a, err := s.brokers.FirstSupporting(ctx, sym)
	if err != nil {
		return nil, errf(CodeRoutingUnavailable, "no broker for %s: %v", sym, err)
	}
	return a, nil
}

// AmendOrder applies a price/stop/quantity change to a live order. Without
// broker-native amend support the adapter cancels and recreates.
func (s *Service) AmendOrder(ctx context.Context, req *types.AmendRequest) (*types.CreateResult, error) {
	if !validKey(req.IdempotencyKey) {
		return nil, errf(CodeInvalidSchema, "idempotency key must be 8-200 chars of [A-Za-z0-9_-]")
	}
	hash, err := ledger.HashRequest(req)
	if err != nil {
		return nil, errf(CodeInternal, "hash request: %v", err)
	}
	v, err, _ := s.inflight.Do(req.IdempotencyKey, func() (any, error) {
		return s.amend(ctx, req, hash)
	})
	if err != nil {
		return nil, err
	}
	return v.(*types.CreateResult), nil
}

func (s *Service) amend(ctx context.Context, req *types.AmendRequest, hash string) (*types.CreateResult, error) {
	decision, stored, prior, err := s.ledger.Check(ctx, req.IdempotencyKey, ledger.OpAmend, hash)
	if err != nil {
		return nil, errf(CodeInternal, "ledger: %v", err)
	}
	switch decision {
	case ledger.DecisionReplay:
		return stored, nil
	case ledger.DecisionConflict:
		return nil, errf(CodeDuplicateIntent, "idempotency key %s already spent on a %s with a different payload", req.IdempotencyKey, prior)
	}
	if req.Price == nil && req.StopPrice == nil && req.Quantity == nil {
		return nil, errf(CodeInvalidSchema, "amend carries no changes")
	}

	ord, ok := s.tracker.GetOrder(req.OrderRef)
	if !ok {
		return nil, errf(CodePositionNotFound, "order %s is not tracked", req.OrderRef)
	}
	adapter, aerr := s.brokers.Get(ord.Broker)
	if aerr != nil {
		return nil, errf(CodeBrokerDown, "broker %s: %v", ord.Broker, aerr)
	}

	var amend broker.Amend
	if req.Price != nil {
		p := adapter.SnapToTick(*req.Price, ord.Symbol)
		amend.Price = &p
	}
	if req.StopPrice != nil {
		p := adapter.SnapToTick(*req.StopPrice, ord.Symbol)
		amend.StopPrice = &p
	}
	if req.Quantity != nil {
		q := req.Quantity.Value
		if req.Quantity.Type == types.QuantityContracts {
			q = adapter.FromBrokerUnits(q, ord.Symbol)
		}
		q = adapter.SnapToLot(q, ord.Symbol)
		if q <= 0 {
			return nil, errf(CodeInvalidSchema, "amended quantity below lot size")
		}
		amend.Quantity = &q
	}

	newBrokerID := ord.BrokerOrderID
	if ord.BrokerOrderID != "" {
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.BrokerTimeout)
		res, err := adapter.AmendOrder(callCtx, ord.Symbol, ord.BrokerOrderID, amend)
		cancel()
		s.brokers.Record(ord.Broker, err)
		if errors.Is(err, broker.ErrOrderNotFound) {
			return nil, errf(CodePositionNotFound, "broker order %s no longer exists", ord.BrokerOrderID)
		}
		if err != nil {
			return nil, errf(CodeBrokerDown, "amend on %s: %v", ord.Broker, err)
		}
		if res.BrokerOrderID != "" {
			newBrokerID = res.BrokerOrderID
		}
	}

	if err := s.tracker.MutateOrder(ctx, ord.ParentPositionID, ord.OrderID, func(t *types.TrackedOrder) {
		t.BrokerOrderID = newBrokerID
		if amend.Price != nil {
			t.Price = *amend.Price
		}
		if amend.StopPrice != nil {
			t.StopPrice = *amend.StopPrice
		}
		if amend.Quantity != nil {
			t.Quantity = *amend.Quantity
		}
	}); err != nil {
		return nil, errf(CodeInternal, "update order %s: %v", ord.OrderID, err)
	}

	s.events.Publish(types.Event{
		Type:       types.EventOrderUpdate,
		StrategyID: ord.StrategyID,
		OrderRef:   ord.OrderID,
		PositionID: ord.ParentPositionID,
		Symbol:     ord.Symbol,
		Data:       map[string]any{"amended": true, "broker_order_id": newBrokerID},
	})
	result := &types.CreateResult{Success: true, OrderRef: ord.OrderID, PositionRef: ord.ParentPositionID, BrokerOrderID: newBrokerID}
	if err := s.ledger.Store(ctx, req.IdempotencyKey, ledger.OpAmend, hash, result); err != nil {
		logger.Errorf("lifecycle: store ledger key %s: %v", req.IdempotencyKey, err)
	}
	return result, nil
}

// CancelOrder cancels a tracked order. Already-gone broker orders are
// treated as cancelled.
func (s *Service) CancelOrder(ctx context.Context, req *types.CancelRequest) (*types.CreateResult, error) {
	if !validKey(req.IdempotencyKey) {
		return nil, errf(CodeInvalidSchema, "idempotency key must be 8-200 chars of [A-Za-z0-9_-]")
	}
	hash, err := ledger.HashRequest(req)
	if err != nil {
		return nil, errf(CodeInternal, "hash request: %v", err)
	}
	v, err, _ := s.inflight.Do(req.IdempotencyKey, func() (any, error) {
		return s.cancel(ctx, req, hash)
	})
	if err != nil {
		return nil, err
	}
	return v.(*types.CreateResult), nil
}

func (s *Service) cancel(ctx context.Context, req *types.CancelRequest, hash string) (*types.CreateResult, error) {
	decision, stored, prior, err := s.ledger.Check(ctx, req.IdempotencyKey, ledger.OpCancel, hash)
	if err != nil {
		return nil, errf(CodeInternal, "ledger: %v", err)
	}
	switch decision {
	case ledger.DecisionReplay:
		return stored, nil
	case ledger.DecisionConflict:
		return nil, errf(CodeDuplicateIntent, "idempotency key %s already spent on a %s with a different payload", req.IdempotencyKey, prior)
	}

	ord, ok := s.tracker.GetOrder(req.OrderRef)
	if !ok {
		return nil, errf(CodePositionNotFound, "order %s is not tracked", req.OrderRef)
	}
	if ord.BrokerOrderID != "" {
		adapter, aerr := s.brokers.Get(ord.Broker)
		if aerr != nil {
			return nil, errf(CodeBrokerDown, "broker %s: %v", ord.Broker, aerr)
		}
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.BrokerTimeout)
		err := adapter.CancelOrder(callCtx, ord.Symbol, ord.BrokerOrderID)
		cancel()
		s.brokers.Record(ord.Broker, err)
		if err != nil && !errors.Is(err, broker.ErrOrderNotFound) {
			return nil, errf(CodeBrokerDown, "cancel on %s: %v", ord.Broker, err)
		}
	}
	if err := s.tracker.MutateOrder(ctx, ord.ParentPositionID, ord.OrderID, func(t *types.TrackedOrder) {
		t.Status = types.OrderCancelled
	}); err != nil {
		return nil, errf(CodeInternal, "update order %s: %v", ord.OrderID, err)
	}

	s.events.Publish(types.Event{
		Type:       types.EventCancelled,
		StrategyID: ord.StrategyID,
		OrderRef:   ord.OrderID,
		PositionID: ord.ParentPositionID,
		Symbol:     ord.Symbol,
	})
	result := &types.CreateResult{Success: true, OrderRef: ord.OrderID, PositionRef: ord.ParentPositionID}
	if err := s.ledger.Store(ctx, req.IdempotencyKey, ledger.OpCancel, hash, result); err != nil {
		logger.Errorf("lifecycle: store ledger key %s: %v", req.IdempotencyKey, err)
	}
	return result, nil
}

// ClosePosition unwinds all or part of an open position with a reduce-only
// order.
func (s *Service) ClosePosition(ctx context.Context, req *types.CloseRequest) (*types.CreateResult, error) {
	if !validKey(req.IdempotencyKey) {
		return nil, errf(CodeInvalidSchema, "idempotency key must be 8-200 chars of [A-Za-z0-9_-]")
	}
	hash, err := ledger.HashRequest(req)
	if err != nil {
		return nil, errf(CodeInternal, "hash request: %v", err)
	}
	v, err, _ := s.inflight.Do(req.IdempotencyKey, func() (any, error) {
		return s.closePosition(ctx, req, hash)
	})
	if err != nil {
		return nil, err
	}
	return v.(*types.CreateResult), nil
}

func (s *Service) closePosition(ctx context.Context, req *types.CloseRequest, hash string) (*types.CreateResult, error) {
	decision, stored, prior, err := s.ledger.Check(ctx, req.IdempotencyKey, ledger.OpClose, hash)
	if err != nil {
		return nil, errf(CodeInternal, "ledger: %v", err)
	}
	switch decision {
	case ledger.DecisionReplay:
		return stored, nil
	case ledger.DecisionConflict:
		return nil, errf(CodeDuplicateIntent, "idempotency key %s already spent on a %s with a different payload", req.IdempotencyKey, prior)
	}

	pos, ok := s.tracker.GetPosition(req.PositionID)
	if !ok {
		return nil, errf(CodePositionNotFound, "position %s is not open", req.PositionID)
	}
	if pos.Size <= 0 {
		return nil, errf(CodePositionNotFound, "position %s has no filled size", req.PositionID)
	}

	orderType := req.OrderType
	if orderType == "" {
		orderType = types.OrderTypeMarket
	}
	if orderType != types.OrderTypeMarket && orderType != types.OrderTypeLimit {
		return nil, errf(CodeInvalidSchema, "close supports MARKET or LIMIT, got %s", orderType)
	}
	if orderType == types.OrderTypeLimit && req.Price <= 0 {
		return nil, errf(CodeInvalidSchema, "LIMIT close requires price")
	}

	var qty float64
	switch req.Mode {
	case types.CloseAll, "":
		qty = pos.Size
	case types.ClosePct:
		if req.Value <= 0 || req.Value > 100 {
			return nil, errf(CodeInvalidSchema, "PERCENTAGE close requires value in (0, 100]")
		}
		qty = pos.Size * req.Value / 100
	case types.CloseFixed:
		if req.Value <= 0 {
			return nil, errf(CodeInvalidSchema, "FIXED close requires a positive value")
		}
		qty = req.Value
	default:
		return nil, errf(CodeInvalidSchema, "unknown close mode %q", req.Mode)
	}
	if qty > pos.Size {
		qty = pos.Size
	}

	adapter, aerr := s.brokers.Get(pos.Broker)
	if aerr != nil {
		return nil, errf(CodeBrokerDown, "broker %s: %v", pos.Broker, aerr)
	}
	qty = adapter.SnapToLot(qty, pos.Symbol)
	if qty <= 0 {
		return nil, errf(CodeInvalidSchema, "close quantity resolves below lot size")
	}
	price := 0.0
	if orderType == types.OrderTypeLimit {
		price = adapter.SnapToTick(req.Price, pos.Symbol)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.BrokerTimeout)
	res, err := adapter.PlaceOrder(callCtx, broker.PlaceRequest{
		Symbol:     pos.Symbol,
		Side:       pos.Side.Opposite(),
		Type:       orderType,
		Quantity:   qty,
		Price:      price,
		ReduceOnly: true,
		ClientTag:  "close",
	})
	cancel()
	s.brokers.Record(pos.Broker, err)
	if err != nil {
		return nil, errf(CodeBrokerDown, "close on %s: %v", pos.Broker, err)
	}

	closeOrder := &types.TrackedOrder{
		OrderID:       tracker.NewOrderID(),
		BrokerOrderID: res.BrokerOrderID,
		Broker:        pos.Broker,
		Symbol:        pos.Symbol,
		Kind:          types.OrderKindManual,
		Side:          pos.Side.Opposite(),
		Type:          orderType,
		Quantity:      qty,
		Price:         price,
		Status:        types.OrderPending,
		ReduceOnly:    true,
		ClientTag:     "close",
		StrategyID:    pos.StrategyID,
	}
	if res.Status == broker.StateFilled {
		closeOrder.Status = types.OrderFilled
		closeOrder.FilledQuantity = res.ExecutedQty
		closeOrder.FilledPrice = res.AvgPrice
	}
	if err := s.tracker.AddOrder(ctx, pos.PositionID, closeOrder); err != nil {
		logger.Errorf("lifecycle: track close order for %s: %v", pos.PositionID, err)
	}
	if s.sink != nil {
		s.sink.RecordOrder(closeOrder)
	}

	if res.Status == broker.StateFilled {
		s.settleClose(ctx, pos, res.ExecutedQty, res.AvgPrice)
	}

	result := &types.CreateResult{
		Success:       true,
		OrderRef:      closeOrder.OrderID,
		PositionRef:   pos.PositionID,
		BrokerOrderID: res.BrokerOrderID,
	}
	if err := s.ledger.Store(ctx, req.IdempotencyKey, ledger.OpClose, hash, result); err != nil {
		logger.Errorf("lifecycle: store ledger key %s: %v", req.IdempotencyKey, err)
	}
	logger.Infof("lifecycle: close %s %s qty=%.8f mode=%s", pos.PositionID, pos.Symbol, qty, req.Mode)
	return result, nil
}

// settleClose applies a filled reduce-only close to the books: a full close
// retires the position, a partial one shrinks it.
func (s *Service) settleClose(ctx context.Context, pos types.Position, executed, avgPrice float64) {
	dir := 1.0
	if pos.Side == types.SideSell {
		dir = -1
	}
	realized := (avgPrice - pos.EntryPrice) * executed * dir
	if executed >= pos.Size {
		s.tracker.Close(ctx, pos.PositionID, types.CloseManual, avgPrice, pos.RealizedPnL+realized, 0)
		return
	}
	_ = s.tracker.MutatePosition(ctx, pos.PositionID, func(p *types.Position) {
		p.Size -= executed
		p.RealizedPnL += realized
	})
}

// GetOrder returns the tracked order for a client-visible order ref.
func (s *Service) GetOrder(orderRef string) (types.TrackedOrder, bool) {
	return s.tracker.GetOrder(orderRef)
}
