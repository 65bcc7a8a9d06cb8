// Package tracker owns the in-memory registry of open positions and their
// child orders, keeps it reconciled against broker state, and emits close
// events when reality disagrees with the books.
package tracker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"ordo/internal/broker"
	"ordo/internal/hub"
	"ordo/internal/logger"
	"ordo/internal/marketdata"
	"ordo/internal/types"
)

// Storage is the slice of the store the tracker persists through.
type Storage interface {
	SavePosition(ctx context.Context, p *types.Position) error
	ListOpenPositions(ctx context.Context) ([]*types.Position, error)
	SaveOrder(ctx context.Context, o *types.TrackedOrder) error
	ListOrdersForPosition(ctx context.Context, positionRef string) ([]*types.TrackedOrder, error)
	ListLiveOrders(ctx context.Context) ([]*types.TrackedOrder, error)
	SaveClosedPosition(ctx context.Context, c *types.ClosedPosition) error
	ListClosedPositions(ctx context.Context, strategyID string, limit int) ([]*types.ClosedPosition, error)
}

// ClosedRecorder receives analytic records for closed positions. May be nil.
type ClosedRecorder interface {
	RecordClosedPosition(c *types.ClosedPosition)
}

type Config struct {
	ReconcileInterval time.Duration
	SettleGrace       time.Duration
	NotFoundGrace     time.Duration
	TradeLookback     int
	BrokerTimeout     time.Duration
}

func (c *Config) applyDefaults() {
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = time.Second
	}
	if c.SettleGrace <= 0 {
		c.SettleGrace = 5 * time.Second
	}
	if c.NotFoundGrace <= 0 {
		c.NotFoundGrace = 10 * time.Second
	}
	if c.TradeLookback <= 0 {
		c.TradeLookback = 20
	}
	if c.BrokerTimeout <= 0 {
		c.BrokerTimeout = 10 * time.Second
	}
}

// entry pairs a position with its single-writer lock and reconcile state.
type entry struct {
	mu  sync.Mutex
	pos *types.Position

	orders map[string]*types.TrackedOrder // by order id

	missingSince time.Time
	sub          *marketdata.Subscription
	subCancel    context.CancelFunc
}

type Tracker struct {
	cfg     Config
	brokers *broker.Manager
	storage Storage
	events  *hub.Hub
	feed    *marketdata.Feed
	sink    ClosedRecorder

	mu      sync.RWMutex
	entries map[string]*entry

	nowFn func() time.Time
}

func New(cfg Config, brokers *broker.Manager, storage Storage, events *hub.Hub, feed *marketdata.Feed, sink ClosedRecorder) *Tracker {
	cfg.applyDefaults()
	return &Tracker{
		cfg:     cfg,
		brokers: brokers,
		storage: storage,
		events:  events,
		feed:    feed,
		sink:    sink,
		entries: make(map[string]*entry),
		nowFn:   time.Now,
	}
}

func NewPositionID() string { return "pos_" + strings.ReplaceAll(uuid.NewString(), "-", "") }
func NewOrderID() string    { return "ord_" + strings.ReplaceAll(uuid.NewString(), "-", "") }

// Register adds a freshly opened position and its child orders to the
// tracked set, persists them, and starts the symbol's market data watch.
func (t *Tracker) Register(ctx context.Context, pos *types.Position, orders []*types.TrackedOrder) error {
	if pos.PositionID == "" {
		pos.PositionID = NewPositionID()
	}
	now := t.nowFn()
	if pos.CreatedAt.IsZero() {
		pos.CreatedAt = now
	}
	if pos.OpenedAt.IsZero() {
		pos.OpenedAt = now
	}
	pos.Status = types.PositionOpen

	e := &entry{pos: pos, orders: make(map[string]*types.TrackedOrder)}
	for _, o := range orders {
		if o.OrderID == "" {
			o.OrderID = NewOrderID()
		}
		o.ParentPositionID = pos.PositionID
		if o.CreatedAt.IsZero() {
			o.CreatedAt = now
		}
		e.orders[o.OrderID] = o
	}

	t.mu.Lock()
	if _, dup := t.entries[pos.PositionID]; dup {
		t.mu.Unlock()
		return fmt.Errorf("tracker: position %s already registered", pos.PositionID)
	}
	t.entries[pos.PositionID] = e
	t.mu.Unlock()

	if err := t.storage.SavePosition(ctx, pos); err != nil {
		return fmt.Errorf("tracker: persist position %s: %w", pos.PositionID, err)
	}
	for _, o := range orders {
		if err := t.storage.SaveOrder(ctx, o); err != nil {
			return fmt.Errorf("tracker: persist order %s: %w", o.OrderID, err)
		}
	}

	t.startQuoteWatch(e)
	logger.Infof("tracker: registered %s %s %s size=%.8f entry=%.8f",
		pos.PositionID, pos.Side, pos.Symbol, pos.Size, pos.EntryPrice)
	return nil
}

// AddOrder attaches another child order to an already tracked position.
func (t *Tracker) AddOrder(ctx context.Context, positionID string, o *types.TrackedOrder) error {
	e, ok := t.entry(positionID)
	if !ok {
		return fmt.Errorf("tracker: position %s not tracked", positionID)
	}
	if o.OrderID == "" {
		o.OrderID = NewOrderID()
	}
	o.ParentPositionID = positionID
	if o.CreatedAt.IsZero() {
		o.CreatedAt = t.nowFn()
	}
	e.mu.Lock()
	e.orders[o.OrderID] = o
	e.mu.Unlock()
	return t.storage.SaveOrder(ctx, o)
}

func (t *Tracker) entry(positionID string) (*entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[positionID]
	return e, ok
}

// GetPosition returns a snapshot copy.
func (t *Tracker) GetPosition(positionID string) (types.Position, bool) {
	e, ok := t.entry(positionID)
	if !ok {
		return types.Position{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return *e.pos, true
}

// ListPositions returns snapshots of every tracked position; strategyID
// filters when non-empty.
func (t *Tracker) ListPositions(strategyID string) []types.Position {
	t.mu.RLock()
	es := make([]*entry, 0, len(t.entries))
	for _, e := range t.entries {
		es = append(es, e)
	}
	t.mu.RUnlock()

	out := make([]types.Position, 0, len(es))
	for _, e := range es {
		e.mu.Lock()
		if strategyID == "" || e.pos.StrategyID == strategyID {
			out = append(out, *e.pos)
		}
		e.mu.Unlock()
	}
	return out
}

// GetOrder looks an order up by its reference across all positions.
func (t *Tracker) GetOrder(orderRef string) (types.TrackedOrder, bool) {
	t.mu.RLock()
	es := make([]*entry, 0, len(t.entries))
	for _, e := range t.entries {
		es = append(es, e)
	}
	t.mu.RUnlock()

	for _, e := range es {
		e.mu.Lock()
		for _, o := range e.orders {
			if o.OrderID == orderRef {
				cp := *o
				e.mu.Unlock()
				return cp, true
			}
		}
		e.mu.Unlock()
	}
	return types.TrackedOrder{}, false
}

// OrdersForPosition returns snapshots of a position's child orders.
func (t *Tracker) OrdersForPosition(positionID string) []types.TrackedOrder {
	e, ok := t.entry(positionID)
	if !ok {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]types.TrackedOrder, 0, len(e.orders))
	for _, o := range e.orders {
		out = append(out, *o)
	}
	return out
}

// MutateOrder applies fn to a tracked order under the position lock and
// persists the result.
func (t *Tracker) MutateOrder(ctx context.Context, positionID, orderID string, fn func(o *types.TrackedOrder)) error {
	e, ok := t.entry(positionID)
	if !ok {
		return fmt.Errorf("tracker: position %s not tracked", positionID)
	}
	e.mu.Lock()
	o, ok := e.orders[orderID]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("tracker: order %s not tracked", orderID)
	}
	fn(o)
	o.UpdatedAt = t.nowFn()
	cp := *o
	e.mu.Unlock()
	return t.storage.SaveOrder(ctx, &cp)
}

// MutatePosition applies fn to the position record under its lock and
// persists the result. Used by the monitor for breakeven/trailing state.
func (t *Tracker) MutatePosition(ctx context.Context, positionID string, fn func(p *types.Position)) error {
	e, ok := t.entry(positionID)
	if !ok {
		return fmt.Errorf("tracker: position %s not tracked", positionID)
	}
	e.mu.Lock()
	fn(e.pos)
	e.pos.UpdatedAt = t.nowFn()
	cp := *e.pos
	e.mu.Unlock()
	return t.storage.SavePosition(ctx, &cp)
}

// Close deregisters the position, writing the durable close record and
// broadcasting POSITION_CLOSED. Closing an unknown id is a no-op so repeated
// reconcile ticks cannot double-emit.
func (t *Tracker) Close(ctx context.Context, positionID string, reason types.CloseReason, exitPrice, realizedPnL, fees float64) {
	t.mu.Lock()
	e, ok := t.entries[positionID]
	if ok {
		delete(t.entries, positionID)
	}
	t.mu.Unlock()
	if !ok {
		return
	}

	e.mu.Lock()
	if e.subCancel != nil {
		e.subCancel()
	}
	if e.sub != nil {
		e.sub.Close()
	}
	pos := *e.pos
	e.mu.Unlock()

	now := t.nowFn()
	closed := &types.ClosedPosition{
		PositionID:   pos.PositionID,
		Broker:       pos.Broker,
		InstanceID:   pos.InstanceID,
		Symbol:       pos.Symbol,
		Side:         pos.Side,
		Size:         pos.Size,
		EntryPrice:   pos.EntryPrice,
		ExitPrice:    exitPrice,
		RealizedPnL:  realizedPnL,
		Fees:         fees,
		CloseReason:  reason,
		StrategyID:   pos.StrategyID,
		OrderRef:     pos.OrderRef,
		MaxFavorable: pos.MaxFavorable,
		MaxAdverse:   pos.MaxAdverse,
		OpenedAt:     pos.OpenedAt,
		ClosedAt:     now,
	}
	if now.After(pos.OpenedAt) {
		closed.Duration = now.Sub(pos.OpenedAt).Seconds()
	}

	if err := t.storage.SaveClosedPosition(ctx, closed); err != nil {
		logger.Errorf("tracker: persist closed %s: %v", positionID, err)
	}
	pos.Status = types.PositionClosed
	pos.CloseReason = reason
	if err := t.storage.SavePosition(ctx, &pos); err != nil {
		logger.Errorf("tracker: mark closed %s: %v", positionID, err)
	}
	if t.sink != nil {
		t.sink.RecordClosedPosition(closed)
	}
	t.events.Publish(types.Event{
		Type:       types.EventPositionClosed,
		StrategyID: pos.StrategyID,
		PositionID: pos.PositionID,
		OrderRef:   pos.OrderRef,
		Symbol:     pos.Symbol,
		Data: map[string]any{
			"reason":       string(reason),
			"exit_price":   exitPrice,
			"realized_pnl": realizedPnL,
			"fees":         fees,
		},
	})
	logger.Infof("tracker: closed %s %s reason=%s exit=%.8f pnl=%.8f",
		pos.PositionID, pos.Symbol, reason, exitPrice, realizedPnL)
}

// ClosedPositions exposes historical close records.
func (t *Tracker) ClosedPositions(ctx context.Context, strategyID string, limit int) ([]*types.ClosedPosition, error) {
	return t.storage.ListClosedPositions(ctx, strategyID, limit)
}

// Rebuild loads persisted open positions and their orders after a restart.
func (t *Tracker) Rebuild(ctx context.Context) error {
	positions, err := t.storage.ListOpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("tracker: rebuild: %w", err)
	}
	for _, pos := range positions {
		orders, err := t.storage.ListOrdersForPosition(ctx, pos.PositionID)
		if err != nil {
			return fmt.Errorf("tracker: rebuild orders for %s: %w", pos.PositionID, err)
		}
		e := &entry{pos: pos, orders: make(map[string]*types.TrackedOrder, len(orders))}
		for _, o := range orders {
			e.orders[o.OrderID] = o
		}
		t.mu.Lock()
		t.entries[pos.PositionID] = e
		t.mu.Unlock()
		t.startQuoteWatch(e)
	}
	if len(positions) > 0 {
		logger.Infof("tracker: rebuilt %d open positions from store", len(positions))
	}

	// Pending order rows whose position is no longer open are leftovers from
	// a crash mid-close; retire them so the books settle.
	live, err := t.storage.ListLiveOrders(ctx)
	if err != nil {
		return fmt.Errorf("tracker: rebuild live orders: %w", err)
	}
	for _, o := range live {
		if _, ok := t.entry(o.ParentPositionID); ok {
			continue
		}
		o.Status = types.OrderCancelled
		o.UpdatedAt = t.nowFn()
		if err := t.storage.SaveOrder(ctx, o); err != nil {
			logger.Warnf("tracker: retire orphaned order %s: %v", o.OrderID, err)
		}
	}
	return nil
}

// startQuoteWatch subscribes the position to live quotes; ticks update
// current price, unrealized PnL and the MFE/MAE excursions.
func (t *Tracker) startQuoteWatch(e *entry) {
	if t.feed == nil {
		return
	}
	e.mu.Lock()
	symbol := e.pos.Symbol
	sub := t.feed.Subscribe(symbol)
	ctx, cancel := context.WithCancel(context.Background())
	e.sub = sub
	e.subCancel = cancel
	e.mu.Unlock()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case q, ok := <-sub.C:
				if !ok {
					return
				}
				t.applyQuote(e, q)
			}
		}
	}()
}

func (t *Tracker) applyQuote(e *entry, q types.Quote) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p := e.pos
	if q.Last <= 0 || p.EntryPrice <= 0 {
		return
	}
	p.CurrentPrice = q.Last
	if p.Side == types.SideBuy {
		p.UnrealizedPnL = (q.Last - p.EntryPrice) * p.Size
	} else {
		p.UnrealizedPnL = (p.EntryPrice - q.Last) * p.Size
	}
	excursion := p.UnrealizedPnL
	if excursion > p.MaxFavorable {
		p.MaxFavorable = excursion
	}
	if excursion < 0 && -excursion > p.MaxAdverse {
		p.MaxAdverse = -excursion
	}
	p.UpdatedAt = t.nowFn()
}
