// Package brokertest provides an in-memory broker.Adapter for tests.
package brokertest

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"ordo/internal/broker"
	"ordo/internal/types"
)

// Fake is a scriptable in-memory adapter. All mutating helpers are safe for
// concurrent use so tests can drive fills from separate goroutines.
type Fake struct {
	name string

	mu       sync.Mutex
	nextID   int64
	orders   map[string]*broker.OrderSnapshot
	quotes   map[string]types.Quote
	balances []broker.Balance
	markets  map[string]broker.MarketInfo
	trades   map[string][]broker.Trade
	positions map[string][]broker.PositionSnapshot

	PlaceErr   error
	CancelErr  error
	PlaceDelay time.Duration
	// RejectPostOnly simulates the exchange cancelling GTX orders that would
	// cross the book.
	RejectPostOnly bool

	placeCalls int
}

func New(name string) *Fake {
	return &Fake{
		name:      name,
		nextID:    1000,
		orders:    make(map[string]*broker.OrderSnapshot),
		quotes:    make(map[string]types.Quote),
		markets:   make(map[string]broker.MarketInfo),
		trades:    make(map[string][]broker.Trade),
		positions: make(map[string][]broker.PositionSnapshot),
		balances:  []broker.Balance{{Asset: "USDT", Total: 10000, Available: 10000}},
	}
}

func (f *Fake) Name() string { return f.name }

func (f *Fake) Features() broker.Features {
	return broker.Features{NativeStopOrders: true, AmendOrders: true, PostOnly: true}
}

func (f *Fake) Connect(ctx context.Context) error    { return nil }
func (f *Fake) Disconnect(ctx context.Context) error { return nil }
func (f *Fake) HealthCheck(ctx context.Context) error {
	return nil
}

// SetMarket registers a tradable symbol with the given precision rules.
func (f *Fake) SetMarket(symbol string, mi broker.MarketInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	mi.Symbol = symbol
	f.markets[symbol] = mi
}

func (f *Fake) SetQuote(q types.Quote) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quotes[q.Symbol] = q
}

func (f *Fake) SetBalances(bals []broker.Balance) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances = bals
}

func (f *Fake) SetPositions(symbol string, ps []broker.PositionSnapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.positions[symbol] = ps
}

func (f *Fake) AddTrade(symbol string, t broker.Trade) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trades[symbol] = append(f.trades[symbol], t)
}

// FillOrder marks an open order filled at the given price.
func (f *Fake) FillOrder(brokerOrderID string, price float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if o, ok := f.orders[brokerOrderID]; ok {
		o.Status = broker.StateFilled
		o.ExecutedQty = o.Quantity
		o.AvgPrice = price
		o.UpdatedAt = time.Now()
	}
}

// ExpireOrder marks an open order cancelled by the exchange.
func (f *Fake) ExpireOrder(brokerOrderID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if o, ok := f.orders[brokerOrderID]; ok {
		o.Status = broker.StateCancelled
		o.UpdatedAt = time.Now()
	}
}

// DropOrder forgets an order entirely, simulating broker-side loss.
func (f *Fake) DropOrder(brokerOrderID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.orders, brokerOrderID)
}

func (f *Fake) PlaceCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.placeCalls
}

// Orders returns a copy of every order the fake has accepted.
func (f *Fake) Orders() []broker.OrderSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]broker.OrderSnapshot, 0, len(f.orders))
	for _, o := range f.orders {
		out = append(out, *o)
	}
	return out
}

func (f *Fake) PlaceOrder(ctx context.Context, req broker.PlaceRequest) (broker.PlaceResult, error) {
	if f.PlaceDelay > 0 {
		select {
		case <-ctx.Done():
			return broker.PlaceResult{}, ctx.Err()
		case <-time.After(f.PlaceDelay):
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.placeCalls++
	if f.PlaceErr != nil {
		return broker.PlaceResult{}, f.PlaceErr
	}
	f.nextID++
	id := strconv.FormatInt(f.nextID, 10)
	snap := &broker.OrderSnapshot{
		BrokerOrderID: id,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Status:        broker.StateNew,
		Price:         req.Price,
		StopPrice:     req.StopPrice,
		Quantity:      req.Quantity,
		ReduceOnly:    req.ReduceOnly,
		ClientTag:     req.ClientTag,
		UpdatedAt:     time.Now(),
	}
	if req.Type == types.OrderTypeMarket {
		snap.Status = broker.StateFilled
		snap.ExecutedQty = req.Quantity
		snap.AvgPrice = f.lastPriceLocked(req.Symbol)
	} else if req.PostOnly && f.RejectPostOnly {
		snap.Status = broker.StateCancelled
	}
	f.orders[id] = snap
	return broker.PlaceResult{
		BrokerOrderID: id,
		Status:        snap.Status,
		ExecutedQty:   snap.ExecutedQty,
		AvgPrice:      snap.AvgPrice,
	}, nil
}

func (f *Fake) lastPriceLocked(symbol string) float64 {
	if q, ok := f.quotes[symbol]; ok {
		return q.Last
	}
	return 100
}

func (f *Fake) AmendOrder(ctx context.Context, symbol, brokerOrderID string, amend broker.Amend) (broker.PlaceResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[brokerOrderID]
	if !ok {
		return broker.PlaceResult{}, broker.ErrOrderNotFound
	}
	if o.Status.Terminal() {
		return broker.PlaceResult{}, fmt.Errorf("amend %s: order already %s", brokerOrderID, o.Status)
	}
	if amend.Price != nil {
		o.Price = *amend.Price
	}
	if amend.StopPrice != nil {
		o.StopPrice = *amend.StopPrice
	}
	if amend.Quantity != nil {
		o.Quantity = *amend.Quantity
	}
	o.UpdatedAt = time.Now()
	return broker.PlaceResult{BrokerOrderID: brokerOrderID, Status: o.Status}, nil
}

func (f *Fake) CancelOrder(ctx context.Context, symbol, brokerOrderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CancelErr != nil {
		return f.CancelErr
	}
	o, ok := f.orders[brokerOrderID]
	if !ok {
		return broker.ErrOrderNotFound
	}
	if o.Status.Terminal() {
		return broker.ErrOrderNotFound
	}
	o.Status = broker.StateCancelled
	o.UpdatedAt = time.Now()
	return nil
}

func (f *Fake) GetOrder(ctx context.Context, symbol, brokerOrderID string) (broker.OrderSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[brokerOrderID]
	if !ok {
		return broker.OrderSnapshot{}, broker.ErrOrderNotFound
	}
	return *o, nil
}

func (f *Fake) GetPositions(ctx context.Context, symbol string) ([]broker.PositionSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if symbol != "" {
		return append([]broker.PositionSnapshot(nil), f.positions[symbol]...), nil
	}
	var out []broker.PositionSnapshot
	for _, ps := range f.positions {
		out = append(out, ps...)
	}
	return out, nil
}

func (f *Fake) GetBalances(ctx context.Context) ([]broker.Balance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]broker.Balance(nil), f.balances...), nil
}

func (f *Fake) GetMarketInfo(ctx context.Context, symbol string) (broker.MarketInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	mi, ok := f.markets[symbol]
	if !ok {
		return broker.MarketInfo{}, broker.ErrSymbolUnknown
	}
	return mi, nil
}

func (f *Fake) GetQuote(ctx context.Context, symbol string) (types.Quote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, ok := f.quotes[symbol]
	if !ok {
		return types.Quote{}, broker.ErrSymbolUnknown
	}
	return q, nil
}

func (f *Fake) RecentTrades(ctx context.Context, symbol string, limit int) ([]broker.Trade, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ts := f.trades[symbol]
	if limit > 0 && len(ts) > limit {
		ts = ts[len(ts)-limit:]
	}
	return append([]broker.Trade(nil), ts...), nil
}

func (f *Fake) SupportsSymbol(ctx context.Context, symbol string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.markets[symbol]
	return ok
}

func (f *Fake) SnapToTick(price float64, symbol string) float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if mi, ok := f.markets[symbol]; ok {
		return broker.SnapNearest(price, mi.TickSize)
	}
	return price
}

func (f *Fake) SnapToLot(qty float64, symbol string) float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if mi, ok := f.markets[symbol]; ok {
		return broker.SnapDown(qty, mi.LotSize)
	}
	return qty
}

func (f *Fake) ToBrokerUnits(qty float64, symbol string) float64   { return qty }
func (f *Fake) FromBrokerUnits(qty float64, symbol string) float64 { return qty }
