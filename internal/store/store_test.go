package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ordo/internal/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPositionRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	p := &types.Position{
		PositionID:   "pos-1",
		Broker:       "binance",
		Symbol:       "BTC/USDT",
		Side:         types.SideBuy,
		Size:         0.5,
		RequestedQty: 0.5,
		EntryPrice:   27000,
		Status:       types.PositionOpen,
		StrategyID:   "strat-a",
		Leverage:     3,
		OpenedAt:     time.Now().Add(-time.Hour),
		CreatedAt:    time.Now().Add(-time.Hour),
		ExitPlan: &types.ExitPlan{
			Legs: []types.ExitLeg{{
				Kind:       types.LegTakeProfit,
				Trigger:    types.Trigger{Type: types.TriggerPrice, Value: 28000},
				Allocation: types.Allocation{Type: types.AllocPercentage, Value: 100},
			}},
		},
		Trailing: &types.TrailingState{Active: true, Type: types.TrailPercent, Value: 1, CurrentStop: 26800, BestPrice: 27500},
	}
	require.NoError(t, s.SavePosition(ctx, p))

	got, err := s.FindPosition(ctx, "pos-1")
	require.NoError(t, err)
	assert.Equal(t, "BTC/USDT", got.Symbol)
	assert.Equal(t, types.SideBuy, got.Side)
	assert.Equal(t, 3, got.Leverage)
	require.NotNil(t, got.ExitPlan)
	assert.Len(t, got.ExitPlan.Legs, 1)
	require.NotNil(t, got.Trailing)
	assert.Equal(t, 26800.0, got.Trailing.CurrentStop)
}

func TestSavePositionUpsertsByRef(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	p := &types.Position{PositionID: "pos-2", Symbol: "ETH/USDT", Side: types.SideSell, Status: types.PositionOpen, CreatedAt: time.Now()}
	require.NoError(t, s.SavePosition(ctx, p))
	p.Size = 2
	p.Status = types.PositionClosed
	require.NoError(t, s.SavePosition(ctx, p))

	got, err := s.FindPosition(ctx, "pos-2")
	require.NoError(t, err)
	assert.Equal(t, 2.0, got.Size)
	assert.Equal(t, types.PositionClosed, got.Status)

	open, err := s.ListOpenPositions(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestFindPositionMissing(t *testing.T) {
	s := openTestStore(t)
	_, err := s.FindPosition(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOrderLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	o := &types.TrackedOrder{
		OrderID:          "ord-1",
		ParentPositionID: "pos-1",
		Broker:           "binance",
		Symbol:           "BTC/USDT",
		Kind:             types.OrderKindTP,
		Side:             types.SideSell,
		Type:             types.OrderTypeLimit,
		Status:           types.OrderPending,
		Quantity:         0.5,
		Price:            28000,
		PostOnly:         true,
		LegIndex:         1,
		CreatedAt:        time.Now(),
	}
	require.NoError(t, s.SaveOrder(ctx, o))

	live, err := s.ListLiveOrders(ctx)
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.True(t, live[0].PostOnly)

	o.Status = types.OrderFilled
	o.FilledQuantity = 0.5
	require.NoError(t, s.SaveOrder(ctx, o))

	live, err = s.ListLiveOrders(ctx)
	require.NoError(t, err)
	assert.Empty(t, live)

	byPos, err := s.ListOrdersForPosition(ctx, "pos-1")
	require.NoError(t, err)
	require.Len(t, byPos, 1)
	assert.Equal(t, types.OrderFilled, byPos[0].Status)
}

func TestClosedPositionWriteOnce(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	c := &types.ClosedPosition{
		PositionID:  "pos-9",
		Symbol:      "BTC/USDT",
		Side:        types.SideBuy,
		Size:        1,
		EntryPrice:  27000,
		ExitPrice:   27500,
		RealizedPnL: 500,
		CloseReason: types.CloseTakeProfit,
		OpenedAt:    time.Now().Add(-time.Hour),
		ClosedAt:    time.Now(),
	}
	require.NoError(t, s.SaveClosedPosition(ctx, c))
	c.RealizedPnL = 9999
	require.NoError(t, s.SaveClosedPosition(ctx, c), "duplicate save is a no-op")

	got, err := s.ListClosedPositions(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 500.0, got[0].RealizedPnL)
	assert.InDelta(t, 3600, got[0].Duration, 5)
}

func TestIdempotencyFirstWriterWins(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	rec := &IdempotencyRecord{
		Key:         "key-1",
		Operation:   "CREATE",
		RequestHash: "aaa",
		Outcome:     []byte(`{"success":true}`),
		CreatedAt:   now,
		ExpiresAt:   now.Add(24 * time.Hour),
	}
	require.NoError(t, s.SaveIdempotency(ctx, rec))
	require.NoError(t, s.SaveIdempotency(ctx, &IdempotencyRecord{
		Key: "key-1", Operation: "CANCEL", RequestHash: "bbb", Outcome: []byte(`{}`), CreatedAt: now, ExpiresAt: now.Add(time.Hour),
	}))

	got, err := s.FindIdempotency(ctx, "key-1")
	require.NoError(t, err)
	assert.Equal(t, "aaa", got.RequestHash)
	assert.Equal(t, "CREATE", got.Operation)
}

func TestPurgeExpiredIdempotency(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.SaveIdempotency(ctx, &IdempotencyRecord{
		Key: "old", RequestHash: "h", CreatedAt: now.Add(-48 * time.Hour), ExpiresAt: now.Add(-24 * time.Hour),
	}))
	require.NoError(t, s.SaveIdempotency(ctx, &IdempotencyRecord{
		Key: "fresh", RequestHash: "h", CreatedAt: now, ExpiresAt: now.Add(24 * time.Hour),
	}))

	n, err := s.PurgeExpiredIdempotency(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.FindIdempotency(ctx, "old")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.FindIdempotency(ctx, "fresh")
	assert.NoError(t, err)
}
