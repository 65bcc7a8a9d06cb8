package ledger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ordo/internal/store"
	"ordo/internal/types"
)

func newTestLedger(t *testing.T) (*Ledger, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return New(s, DefaultTTL), s
}

func TestUnseenKeyProceeds(t *testing.T) {
	l, _ := newTestLedger(t)
	d, out, _, err := l.Check(context.Background(), "k1", OpCreate, "hash")
	require.NoError(t, err)
	assert.Equal(t, DecisionProceed, d)
	assert.Nil(t, out)
}

func TestReplaySameHash(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	res := &types.CreateResult{Success: true, OrderRef: "ord-1", PositionRef: "pos-1"}
	require.NoError(t, l.Store(ctx, "k1", OpCreate, "hash", res))

	d, out, _, err := l.Check(ctx, "k1", OpCreate, "hash")
	require.NoError(t, err)
	assert.Equal(t, DecisionReplay, d)
	require.NotNil(t, out)
	assert.Equal(t, "ord-1", out.OrderRef)
	assert.True(t, out.Success)
}

func TestConflictDifferentHash(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, l.Store(ctx, "k1", OpCreate, "hash-a", &types.CreateResult{Success: true}))

	d, out, prior, err := l.Check(ctx, "k1", OpCreate, "hash-b")
	require.NoError(t, err)
	assert.Equal(t, DecisionConflict, d)
	assert.Nil(t, out)
	assert.Equal(t, OpCreate, prior)
}

func TestConflictDifferentOperation(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, l.Store(ctx, "k1", OpCreate, "hash", &types.CreateResult{Success: true}))

	d, out, prior, err := l.Check(ctx, "k1", OpCancel, "hash")
	require.NoError(t, err)
	assert.Equal(t, DecisionConflict, d, "a key spent on a create cannot fund a cancel")
	assert.Nil(t, out)
	assert.Equal(t, OpCreate, prior, "conflict names the operation that spent the key")
}

func TestExpiredKeyTreatedAsUnseen(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	base := time.Now()
	l.nowFn = func() time.Time { return base }
	require.NoError(t, l.Store(ctx, "k1", OpCreate, "hash", &types.CreateResult{Success: true}))

	l.nowFn = func() time.Time { return base.Add(25 * time.Hour) }
	d, _, _, err := l.Check(ctx, "k1", OpCreate, "hash")
	require.NoError(t, err)
	assert.Equal(t, DecisionProceed, d)
}

func TestHashRequestIgnoresKeyOrder(t *testing.T) {
	a, err := HashRequest(map[string]any{"b": 1, "a": map[string]any{"y": 2, "x": 3}})
	require.NoError(t, err)
	b, err := HashRequest(map[string]any{"a": map[string]any{"x": 3, "y": 2}, "b": 1})
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestHashRequestValueSensitive(t *testing.T) {
	a, err := HashRequest(map[string]any{"qty": 1.0})
	require.NoError(t, err)
	b, err := HashRequest(map[string]any{"qty": 2.0})
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestHashRequestStructsAndMapsAgree(t *testing.T) {
	intent := types.OrderIntent{
		IdempotencyKey: "k",
		Source:         types.Source{StrategyID: "s"},
		Order: types.OrderPayload{
			Instrument: types.Instrument{Class: "crypto_perp", Symbol: "BTC/USDT"},
			Side:       types.SideBuy,
			OrderType:  types.OrderTypeMarket,
		},
	}
	h1, err := HashRequest(intent)
	require.NoError(t, err)
	h2, err := HashRequest(intent)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}
