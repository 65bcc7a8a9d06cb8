package lifecycle_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ordo/internal/balance"
	"ordo/internal/broker"
	"ordo/internal/broker/brokertest"
	"ordo/internal/hub"
	"ordo/internal/ledger"
	"ordo/internal/lifecycle"
	"ordo/internal/store"
	"ordo/internal/tracker"
	"ordo/internal/types"
)

type rig struct {
	svc     *lifecycle.Service
	tracker *tracker.Tracker
	fake    *brokertest.Fake
	events  <-chan types.Event
}

func newRig(t *testing.T) *rig {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "lifecycle.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	fake := brokertest.New("binance")
	fake.SetMarket("BTC/USDT", broker.MarketInfo{TickSize: 0.1, LotSize: 0.001})
	fake.SetQuote(types.Quote{Symbol: "BTC/USDT", Bid: 49999, Ask: 50001, Last: 50000})

	mgr := broker.NewManager()
	mgr.Register(fake)

	h := hub.New()
	_, events := h.Subscribe(types.TopicAll, 64)

	trk := tracker.New(tracker.Config{}, mgr, s, h, nil, nil)
	led := ledger.New(s, 0)
	bal := balance.New(mgr, trk, time.Minute)
	svc := lifecycle.New(lifecycle.Config{}, mgr, led, trk, bal, h, nil)
	return &rig{svc: svc, tracker: trk, fake: fake, events: events}
}

func limitIntent(key string) *types.OrderIntent {
	return &types.OrderIntent{
		IdempotencyKey: key,
		Source:         types.Source{StrategyID: "strat-a"},
		Order: types.OrderPayload{
			Instrument: types.Instrument{Symbol: "BTC/USDT"},
			Side:       types.SideBuy,
			OrderType:  types.OrderTypeLimit,
			Price:      50000,
			Quantity:   &types.Quantity{Type: types.QuantityBaseUnits, Value: 0.001},
			Routing:    types.Routing{Mode: types.RoutingAuto},
		},
	}
}

func marketIntent(key string) *types.OrderIntent {
	in := limitIntent(key)
	in.Order.OrderType = types.OrderTypeMarket
	in.Order.Price = 0
	return in
}

func TestCreateReplaysSameKeySamePayload(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	first, err := r.svc.CreateOrder(ctx, limitIntent("client-key-0001"))
	require.NoError(t, err)
	require.True(t, first.Success)
	places := r.fake.PlaceCalls()

	second, err := r.svc.CreateOrder(ctx, limitIntent("client-key-0001"))
	require.NoError(t, err)
	assert.Equal(t, first.OrderRef, second.OrderRef)
	assert.Equal(t, first.PositionRef, second.PositionRef)
	assert.Equal(t, places, r.fake.PlaceCalls(), "replay must not touch the broker")
}

func TestCreateConflictsOnReusedKey(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	first, err := r.svc.CreateOrder(ctx, limitIntent("client-key-0002"))
	require.NoError(t, err)

	changed := limitIntent("client-key-0002")
	changed.Order.Price = 51000
	_, err = r.svc.CreateOrder(ctx, changed)
	require.Error(t, err)
	assert.Equal(t, lifecycle.CodeDuplicateIntent, lifecycle.CodeOf(err))

	// The winner's outcome is untouched.
	replayed, err := r.svc.CreateOrder(ctx, limitIntent("client-key-0002"))
	require.NoError(t, err)
	assert.Equal(t, first.OrderRef, replayed.OrderRef)
}

func TestValidationShortCircuitsBeforeBroker(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	cases := map[string]*types.OrderIntent{
		"limit without price": func() *types.OrderIntent {
			in := limitIntent("client-key-0003")
			in.Order.Price = 0
			return in
		}(),
		"stop without stop price": func() *types.OrderIntent {
			in := limitIntent("client-key-0004")
			in.Order.OrderType = types.OrderTypeStop
			in.Order.Price = 0
			return in
		}(),
		"quantity and sizing both set": func() *types.OrderIntent {
			in := limitIntent("client-key-0005")
			in.Order.Risk = &types.Risk{Sizing: &types.RiskSizing{Mode: types.SizeUSD, Value: 100}}
			return in
		}(),
		"neither quantity nor sizing": func() *types.OrderIntent {
			in := limitIntent("client-key-0006")
			in.Order.Quantity = nil
			return in
		}(),
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := r.svc.CreateOrder(ctx, in)
			require.Error(t, err)
			assert.Equal(t, lifecycle.CodeInvalidSchema, lifecycle.CodeOf(err))
		})
	}
	assert.Equal(t, 0, r.fake.PlaceCalls(), "invalid intents must never reach the broker")
}

func TestCreateRejectsMalformedKey(t *testing.T) {
	r := newRig(t)

	in := limitIntent("short")
	_, err := r.svc.CreateOrder(context.Background(), in)
	require.Error(t, err)
	assert.Equal(t, lifecycle.CodeInvalidSchema, lifecycle.CodeOf(err))

	in = limitIntent("has spaces in it!")
	_, err = r.svc.CreateOrder(context.Background(), in)
	require.Error(t, err)
	assert.Equal(t, lifecycle.CodeInvalidSchema, lifecycle.CodeOf(err))
}

func TestRiskSizingPctBalance(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	r.fake.SetBalances([]broker.Balance{{Asset: "USDT", Total: 10000, Available: 10000}})

	in := limitIntent("client-key-0010")
	in.Order.Quantity = nil
	in.Order.Risk = &types.Risk{Sizing: &types.RiskSizing{Mode: types.SizePctBalance, Value: 10}}

	res, err := r.svc.CreateOrder(ctx, in)
	require.NoError(t, err)

	// 10% of 10000 USDT at 50000 is 0.02 BTC.
	ord, ok := r.svc.GetOrder(res.OrderRef)
	require.True(t, ok)
	assert.InDelta(t, 0.02, ord.Quantity, 1e-9)
}

func TestRiskSizingCapClampsNotional(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	r.fake.SetBalances([]broker.Balance{{Asset: "USDT", Total: 10000, Available: 10000}})

	in := limitIntent("client-key-0011")
	in.Order.Quantity = nil
	in.Order.Risk = &types.Risk{Sizing: &types.RiskSizing{
		Mode: types.SizePctBalance, Value: 10, CapNotional: 500,
	}}

	res, err := r.svc.CreateOrder(ctx, in)
	require.NoError(t, err)
	ord, _ := r.svc.GetOrder(res.OrderRef)
	assert.InDelta(t, 0.01, ord.Quantity, 1e-9, "cap of 500 USDT at 50000")
}

func TestExitPlanPlacesIndependentLegs(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	in := limitIntent("client-key-0020")
	in.Order.ExitPlan = &types.ExitPlan{Legs: []types.ExitLeg{
		{
			Kind:       types.LegTakeProfit,
			Trigger:    types.Trigger{Type: types.TriggerPrice, Value: 51000},
			Allocation: types.Allocation{Type: types.AllocPercentage, Value: 100},
			Exec:       types.LegExec{PostOnly: true},
		},
		{
			Kind:       types.LegStopLoss,
			Trigger:    types.Trigger{Type: types.TriggerPrice, Value: 49000},
			Allocation: types.Allocation{Type: types.AllocPercentage, Value: 100},
		},
	}}

	res, err := r.svc.CreateOrder(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, 3, r.fake.PlaceCalls(), "entry plus two exit legs")

	orders := r.tracker.OrdersForPosition(res.PositionRef)
	require.Len(t, orders, 3)
	byKind := map[types.OrderKind]types.TrackedOrder{}
	for _, o := range orders {
		byKind[o.Kind] = o
	}

	entry := byKind[types.OrderKindEntry]
	assert.Equal(t, 50000.0, entry.Price)
	assert.Equal(t, types.OrderPending, entry.Status)
	assert.NotEmpty(t, entry.BrokerOrderID)

	tp := byKind[types.OrderKindTP]
	assert.Equal(t, 51000.0, tp.Price)
	assert.Equal(t, types.SideSell, tp.Side)
	assert.True(t, tp.PostOnly)
	assert.True(t, tp.ReduceOnly)
	assert.NotEmpty(t, tp.BrokerOrderID)

	sl := byKind[types.OrderKindSL]
	assert.Equal(t, types.OrderTypeStop, sl.Type)
	assert.Equal(t, 49000.0, sl.StopPrice)
	assert.True(t, sl.ReduceOnly)
	assert.NotEmpty(t, sl.BrokerOrderID)
}

func TestRacingCreatesPlaceOnce(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]*types.CreateResult, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = r.svc.CreateOrder(ctx, marketIntent("client-key-0030"))
		}(i)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, results[0].OrderRef, results[1].OrderRef, "loser observes the winner's result")
	assert.Equal(t, 1, r.fake.PlaceCalls(), "exactly one broker placement")
}

func TestDirectRoutingUnknownBroker(t *testing.T) {
	r := newRig(t)

	in := limitIntent("client-key-0040")
	in.Order.Routing = types.Routing{Mode: types.RoutingDirect, Broker: "kraken"}
	_, err := r.svc.CreateOrder(context.Background(), in)
	require.Error(t, err)
	assert.Equal(t, lifecycle.CodeRoutingUnavailable, lifecycle.CodeOf(err))
}

func TestAmendSnapsAndUpdatesTrackedOrder(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	created, err := r.svc.CreateOrder(ctx, limitIntent("client-key-0050"))
	require.NoError(t, err)

	newPrice := 50123.456
	res, err := r.svc.AmendOrder(ctx, &types.AmendRequest{
		IdempotencyKey: "client-key-0051",
		OrderRef:       created.OrderRef,
		Price:          &newPrice,
	})
	require.NoError(t, err)
	require.True(t, res.Success)

	ord, ok := r.svc.GetOrder(created.OrderRef)
	require.True(t, ok)
	assert.InDelta(t, 50123.5, ord.Price, 1e-9, "price snapped to tick")

	snap, err := r.fake.GetOrder(ctx, "BTC/USDT", ord.BrokerOrderID)
	require.NoError(t, err)
	assert.InDelta(t, 50123.5, snap.Price, 1e-9)
}

func TestCancelOrder(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	created, err := r.svc.CreateOrder(ctx, limitIntent("client-key-0060"))
	require.NoError(t, err)

	_, err = r.svc.CancelOrder(ctx, &types.CancelRequest{
		IdempotencyKey: "client-key-0061",
		OrderRef:       created.OrderRef,
	})
	require.NoError(t, err)

	ord, _ := r.svc.GetOrder(created.OrderRef)
	assert.Equal(t, types.OrderCancelled, ord.Status)

	snap, err := r.fake.GetOrder(ctx, "BTC/USDT", ord.BrokerOrderID)
	require.NoError(t, err)
	assert.Equal(t, broker.StateCancelled, snap.Status)
}

func TestClosePositionAllMarket(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	created, err := r.svc.CreateOrder(ctx, marketIntent("client-key-0070"))
	require.NoError(t, err)
	pos, ok := r.tracker.GetPosition(created.PositionRef)
	require.True(t, ok)
	require.Equal(t, 0.001, pos.Size, "market entry fills immediately")

	res, err := r.svc.ClosePosition(ctx, &types.CloseRequest{
		IdempotencyKey: "client-key-0071",
		PositionID:     created.PositionRef,
		Mode:           types.CloseAll,
	})
	require.NoError(t, err)
	require.True(t, res.Success)

	_, ok = r.tracker.GetPosition(created.PositionRef)
	assert.False(t, ok, "full close deregisters the position")

	closed, err := r.tracker.ClosedPositions(ctx, "strat-a", 10)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, types.CloseManual, closed[0].CloseReason)

	// Same key replays without another broker call.
	places := r.fake.PlaceCalls()
	again, err := r.svc.ClosePosition(ctx, &types.CloseRequest{
		IdempotencyKey: "client-key-0071",
		PositionID:     created.PositionRef,
		Mode:           types.CloseAll,
	})
	require.NoError(t, err)
	assert.Equal(t, res.OrderRef, again.OrderRef)
	assert.Equal(t, places, r.fake.PlaceCalls())
}

func TestClosePositionPartial(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	in := marketIntent("client-key-0080")
	in.Order.Quantity.Value = 0.01
	created, err := r.svc.CreateOrder(ctx, in)
	require.NoError(t, err)

	_, err = r.svc.ClosePosition(ctx, &types.CloseRequest{
		IdempotencyKey: "client-key-0081",
		PositionID:     created.PositionRef,
		Mode:           types.ClosePct,
		Value:          50,
	})
	require.NoError(t, err)

	pos, ok := r.tracker.GetPosition(created.PositionRef)
	require.True(t, ok, "partial close keeps the position open")
	assert.InDelta(t, 0.005, pos.Size, 1e-9)
}
