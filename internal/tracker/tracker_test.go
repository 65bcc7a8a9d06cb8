package tracker

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ordo/internal/broker"
	"ordo/internal/broker/brokertest"
	"ordo/internal/hub"
	"ordo/internal/store"
	"ordo/internal/types"
)

type testRig struct {
	tracker *Tracker
	fake    *brokertest.Fake
	hub     *hub.Hub
	events  <-chan types.Event
	store   *store.Store
	now     time.Time
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "tracker.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	fake := brokertest.New("binance")
	fake.SetMarket("BTC/USDT", broker.MarketInfo{TickSize: 0.1, LotSize: 0.001})
	mgr := broker.NewManager()
	mgr.Register(fake)

	h := hub.New()
	_, events := h.Subscribe(types.TopicAll, 32)

	rig := &testRig{
		fake:   fake,
		hub:    h,
		events: events,
		store:  s,
		now:    time.Now(),
	}
	rig.tracker = New(Config{
		ReconcileInterval: time.Second,
		SettleGrace:       5 * time.Second,
		NotFoundGrace:     10 * time.Second,
	}, mgr, s, h, nil, nil)
	rig.tracker.nowFn = func() time.Time { return rig.now }
	return rig
}

func (r *testRig) advance(d time.Duration) { r.now = r.now.Add(d) }

func (r *testRig) drainEvents() []types.Event {
	var out []types.Event
	for {
		select {
		case ev := <-r.events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func basePosition(r *testRig) *types.Position {
	return &types.Position{
		Broker:     "binance",
		Symbol:     "BTC/USDT",
		Side:       types.SideBuy,
		Size:       1,
		EntryPrice: 27000,
		StrategyID: "strat-a",
		OpenedAt:   r.now,
		CreatedAt:  r.now,
	}
}

func TestRegisterAssignsIDAndPersists(t *testing.T) {
	r := newTestRig(t)
	ctx := context.Background()

	pos := basePosition(r)
	require.NoError(t, r.tracker.Register(ctx, pos, []*types.TrackedOrder{{
		Broker: "binance", Symbol: "BTC/USDT", Kind: types.OrderKindEntry,
		Side: types.SideBuy, Status: types.OrderFilled, Quantity: 1,
	}}))
	assert.NotEmpty(t, pos.PositionID)

	snap, ok := r.tracker.GetPosition(pos.PositionID)
	require.True(t, ok)
	assert.Equal(t, types.PositionOpen, snap.Status)

	persisted, err := r.store.FindPosition(ctx, pos.PositionID)
	require.NoError(t, err)
	assert.Equal(t, "BTC/USDT", persisted.Symbol)
}

func TestCloseIsIdempotent(t *testing.T) {
	r := newTestRig(t)
	ctx := context.Background()

	pos := basePosition(r)
	require.NoError(t, r.tracker.Register(ctx, pos, nil))

	r.tracker.Close(ctx, pos.PositionID, types.CloseTakeProfit, 27500, 500, 2)
	r.tracker.Close(ctx, pos.PositionID, types.CloseTakeProfit, 27500, 500, 2)

	var closes int
	for _, ev := range r.drainEvents() {
		if ev.Type == types.EventPositionClosed {
			closes++
		}
	}
	assert.Equal(t, 1, closes, "second close of the same id must not re-emit")

	closed, err := r.tracker.ClosedPositions(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, types.CloseTakeProfit, closed[0].CloseReason)
}

func TestReconcileHonoursSettlingGrace(t *testing.T) {
	r := newTestRig(t)
	ctx := context.Background()

	pos := basePosition(r)
	require.NoError(t, r.tracker.Register(ctx, pos, nil))

	// Broker shows no exposure yet, but the position is brand new.
	require.NoError(t, r.tracker.reconcileTick(ctx))
	_, ok := r.tracker.GetPosition(pos.PositionID)
	assert.True(t, ok, "settling grace keeps a fresh position alive")
}

func TestReconcileClosesMissingPositionAfterGrace(t *testing.T) {
	r := newTestRig(t)
	ctx := context.Background()

	pos := basePosition(r)
	require.NoError(t, r.tracker.Register(ctx, pos, nil))
	r.fake.AddTrade("BTC/USDT", broker.Trade{
		Symbol: "BTC/USDT", Side: types.SideSell, Price: 27500, Quantity: 1,
		RealizedPnL: 500, Fee: 2, ClientTag: "tp1", Time: r.now.Add(time.Minute),
	})

	r.advance(6 * time.Second) // past settling grace; starts the missing clock
	require.NoError(t, r.tracker.reconcileTick(ctx))
	_, ok := r.tracker.GetPosition(pos.PositionID)
	assert.True(t, ok, "not-found grace not yet elapsed")

	r.advance(11 * time.Second)
	require.NoError(t, r.tracker.reconcileTick(ctx))
	_, ok = r.tracker.GetPosition(pos.PositionID)
	assert.False(t, ok)

	closed, err := r.tracker.ClosedPositions(ctx, "strat-a", 10)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, types.CloseTakeProfit, closed[0].CloseReason)
	assert.Equal(t, 27500.0, closed[0].ExitPrice)
}

func TestReconcileSettlesExitOrdersOnClose(t *testing.T) {
	r := newTestRig(t)
	ctx := context.Background()

	tpRes, err := r.fake.PlaceOrder(ctx, broker.PlaceRequest{
		Symbol: "BTC/USDT", Side: types.SideSell, Type: types.OrderTypeLimit,
		Quantity: 1, Price: 27500, ReduceOnly: true, ClientTag: "tp1",
	})
	require.NoError(t, err)
	slRes, err := r.fake.PlaceOrder(ctx, broker.PlaceRequest{
		Symbol: "BTC/USDT", Side: types.SideSell, Type: types.OrderTypeStop,
		Quantity: 1, StopPrice: 26500, ReduceOnly: true, ClientTag: "sl",
	})
	require.NoError(t, err)

	pos := basePosition(r)
	require.NoError(t, r.tracker.Register(ctx, pos, []*types.TrackedOrder{
		{Broker: "binance", Symbol: "BTC/USDT", Kind: types.OrderKindTP,
			Side: types.SideSell, Type: types.OrderTypeLimit, Status: types.OrderPending,
			Quantity: 1, Price: 27500, BrokerOrderID: tpRes.BrokerOrderID},
		{Broker: "binance", Symbol: "BTC/USDT", Kind: types.OrderKindSL,
			Side: types.SideSell, Type: types.OrderTypeStop, Status: types.OrderPending,
			Quantity: 1, StopPrice: 26500, BrokerOrderID: slRes.BrokerOrderID},
	}))
	// The exchange has already forgotten the filled leg; only the trade tape
	// says what happened.
	r.fake.DropOrder(tpRes.BrokerOrderID)
	r.fake.AddTrade("BTC/USDT", broker.Trade{
		Symbol: "BTC/USDT", Side: types.SideSell, Price: 27500, Quantity: 1,
		RealizedPnL: 500, Fee: 2, ClientTag: "tp1", Time: r.now.Add(time.Minute),
	})

	r.advance(6 * time.Second)
	require.NoError(t, r.tracker.reconcileTick(ctx))
	r.advance(11 * time.Second)
	require.NoError(t, r.tracker.reconcileTick(ctx))

	_, ok := r.tracker.GetPosition(pos.PositionID)
	require.False(t, ok)

	orders, err := r.store.ListOrdersForPosition(ctx, pos.PositionID)
	require.NoError(t, err)
	byKind := make(map[types.OrderKind]*types.TrackedOrder, len(orders))
	for _, o := range orders {
		byKind[o.Kind] = o
	}
	require.NotNil(t, byKind[types.OrderKindTP])
	assert.Equal(t, types.OrderFilled, byKind[types.OrderKindTP].Status, "credited exit leg must not stay pending")
	assert.Equal(t, 27500.0, byKind[types.OrderKindTP].FilledPrice)
	require.NotNil(t, byKind[types.OrderKindSL])
	assert.Equal(t, types.OrderCancelled, byKind[types.OrderKindSL].Status, "surviving sibling must be retired")

	slSnap, err := r.fake.GetOrder(ctx, "BTC/USDT", slRes.BrokerOrderID)
	require.NoError(t, err)
	assert.Equal(t, broker.StateCancelled, slSnap.Status)
}

func TestReconcileKeepsLivePosition(t *testing.T) {
	r := newTestRig(t)
	ctx := context.Background()

	pos := basePosition(r)
	require.NoError(t, r.tracker.Register(ctx, pos, nil))
	r.fake.SetPositions("BTC/USDT", []broker.PositionSnapshot{{
		Symbol: "BTC/USDT", Side: types.SideBuy, Size: 1,
		EntryPrice: 27010, MarkPrice: 27100, UnrealizedPnL: 90,
	}})

	r.advance(time.Minute)
	require.NoError(t, r.tracker.reconcileTick(ctx))

	snap, ok := r.tracker.GetPosition(pos.PositionID)
	require.True(t, ok)
	assert.Equal(t, 27010.0, snap.EntryPrice, "broker entry price wins")
	assert.Equal(t, 90.0, snap.UnrealizedPnL)
}

func TestReconcileAppliesEntryFill(t *testing.T) {
	r := newTestRig(t)
	ctx := context.Background()

	res, err := r.fake.PlaceOrder(ctx, broker.PlaceRequest{
		Symbol: "BTC/USDT", Side: types.SideBuy, Type: types.OrderTypeLimit,
		Quantity: 1, Price: 26900,
	})
	require.NoError(t, err)

	pos := basePosition(r)
	pos.Size = 0
	pos.EntryPrice = 0
	require.NoError(t, r.tracker.Register(ctx, pos, []*types.TrackedOrder{{
		Broker: "binance", Symbol: "BTC/USDT", Kind: types.OrderKindEntry,
		Side: types.SideBuy, Type: types.OrderTypeLimit, Status: types.OrderPending,
		Quantity: 1, Price: 26900, BrokerOrderID: res.BrokerOrderID,
	}}))
	r.fake.SetPositions("BTC/USDT", []broker.PositionSnapshot{{
		Symbol: "BTC/USDT", Side: types.SideBuy, Size: 1, EntryPrice: 26900,
	}})

	r.fake.FillOrder(res.BrokerOrderID, 26900)
	require.NoError(t, r.tracker.reconcileTick(ctx))

	snap, _ := r.tracker.GetPosition(pos.PositionID)
	assert.Equal(t, 1.0, snap.Size)
	assert.Equal(t, 26900.0, snap.EntryPrice)

	var sawFill bool
	for _, ev := range r.drainEvents() {
		if ev.Type == types.EventFill {
			sawFill = true
		}
	}
	assert.True(t, sawFill)
}

func TestTimeStopMarketExit(t *testing.T) {
	r := newTestRig(t)
	ctx := context.Background()

	r.fake.SetQuote(types.Quote{Symbol: "BTC/USDT", Bid: 27000, Ask: 27001, Last: 27000})
	pos := basePosition(r)
	pos.TimeStopEnabled = true
	pos.TimeStopExpiresAt = r.now.Add(30 * time.Minute)
	pos.TimeStopAction = types.TimeStopMarketExit
	require.NoError(t, r.tracker.Register(ctx, pos, nil))

	r.advance(31 * time.Minute)
	require.NoError(t, r.tracker.reconcileTick(ctx))

	_, ok := r.tracker.GetPosition(pos.PositionID)
	assert.False(t, ok)
	closed, err := r.tracker.ClosedPositions(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, types.CloseTimeStop, closed[0].CloseReason)
	assert.Equal(t, 1, r.fake.PlaceCalls(), "exactly one market exit")
}

func TestRebuildFromStore(t *testing.T) {
	r := newTestRig(t)
	ctx := context.Background()

	pos := basePosition(r)
	require.NoError(t, r.tracker.Register(ctx, pos, []*types.TrackedOrder{{
		Broker: "binance", Symbol: "BTC/USDT", Kind: types.OrderKindTP,
		Side: types.SideSell, Status: types.OrderPending, Quantity: 1, Price: 28000,
	}}))

	// Fresh tracker against the same store, as after a restart.
	fresh := New(Config{}, broker.NewManager(), r.store, hub.New(), nil, nil)
	require.NoError(t, fresh.Rebuild(ctx))

	snap, ok := fresh.GetPosition(pos.PositionID)
	require.True(t, ok)
	assert.Equal(t, "BTC/USDT", snap.Symbol)
	assert.Len(t, fresh.OrdersForPosition(pos.PositionID), 1)
}

func TestRebuildRetiresOrphanedOrders(t *testing.T) {
	r := newTestRig(t)
	ctx := context.Background()

	pos := basePosition(r)
	require.NoError(t, r.tracker.Register(ctx, pos, []*types.TrackedOrder{{
		Broker: "binance", Symbol: "BTC/USDT", Kind: types.OrderKindTP,
		Side: types.SideSell, Status: types.OrderPending, Quantity: 1, Price: 28000,
	}}))
	// A pending row whose position row is already gone from the open set.
	require.NoError(t, r.store.SaveOrder(ctx, &types.TrackedOrder{
		OrderID: "ord-orphan", ParentPositionID: "pos-vanished", Broker: "binance",
		Symbol: "BTC/USDT", Kind: types.OrderKindSL, Side: types.SideSell,
		Type: types.OrderTypeStop, Status: types.OrderPending, Quantity: 1, StopPrice: 26500,
	}))

	fresh := New(Config{}, broker.NewManager(), r.store, hub.New(), nil, nil)
	require.NoError(t, fresh.Rebuild(ctx))

	orphan, err := r.store.FindOrder(ctx, "ord-orphan")
	require.NoError(t, err)
	assert.Equal(t, types.OrderCancelled, orphan.Status)

	kept, err := r.store.ListOrdersForPosition(ctx, pos.PositionID)
	require.NoError(t, err)
	require.Len(t, kept, 1)
	assert.Equal(t, types.OrderPending, kept[0].Status, "orders of rebuilt positions stay live")
}

func TestMutatePositionPersists(t *testing.T) {
	r := newTestRig(t)
	ctx := context.Background()

	pos := basePosition(r)
	require.NoError(t, r.tracker.Register(ctx, pos, nil))

	require.NoError(t, r.tracker.MutatePosition(ctx, pos.PositionID, func(p *types.Position) {
		p.BreakevenApplied = true
	}))

	persisted, err := r.store.FindPosition(ctx, pos.PositionID)
	require.NoError(t, err)
	assert.True(t, persisted.BreakevenApplied)
}
