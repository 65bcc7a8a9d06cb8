package lifecycle

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ordo/internal/types"
)

func validIntent() *types.OrderIntent {
	return &types.OrderIntent{
		IdempotencyKey: "valid-key-001",
		Source:         types.Source{StrategyID: "strat-a"},
		Order: types.OrderPayload{
			Instrument: types.Instrument{Symbol: "BTC/USDT"},
			Side:       types.SideBuy,
			OrderType:  types.OrderTypeLimit,
			Price:      50000,
			Quantity:   &types.Quantity{Type: types.QuantityBaseUnits, Value: 0.001},
		},
	}
}

func TestValidKey(t *testing.T) {
	assert.True(t, validKey("abcd-1234"))
	assert.True(t, validKey(strings.Repeat("a", 200)))
	assert.False(t, validKey("short"))
	assert.False(t, validKey(strings.Repeat("a", 201)))
	assert.False(t, validKey("has space"))
	assert.False(t, validKey("bang!bang"))
}

func TestValidateIntentAccepts(t *testing.T) {
	require.Nil(t, validateIntent(validIntent()))
}

func TestValidateIntentSemanticRules(t *testing.T) {
	t.Run("bad symbol", func(t *testing.T) {
		in := validIntent()
		in.Order.Instrument.Symbol = "???"
		err := validateIntent(in)
		require.NotNil(t, err)
		assert.Equal(t, CodeInvalidSchema, err.Code)
	})
	t.Run("stop limit needs both prices", func(t *testing.T) {
		in := validIntent()
		in.Order.OrderType = types.OrderTypeStopLimit
		in.Order.StopPrice = 0
		err := validateIntent(in)
		require.NotNil(t, err)
		assert.Equal(t, CodeInvalidSchema, err.Code)
	})
	t.Run("floor above cap", func(t *testing.T) {
		in := validIntent()
		in.Order.Quantity = nil
		in.Order.Risk = &types.Risk{Sizing: &types.RiskSizing{
			Mode: types.SizeUSD, Value: 100, CapNotional: 50, FloorNotional: 80,
		}}
		err := validateIntent(in)
		require.NotNil(t, err)
		assert.Equal(t, CodeInvalidSchema, err.Code)
	})
}

func TestValidateExitPlanRules(t *testing.T) {
	sl := func(trigger float64) types.ExitLeg {
		return types.ExitLeg{
			Kind:       types.LegStopLoss,
			Trigger:    types.Trigger{Type: types.TriggerPrice, Value: trigger},
			Allocation: types.Allocation{Type: types.AllocPercentage, Value: 100},
		}
	}
	tp := func(trigger float64) types.ExitLeg {
		return types.ExitLeg{
			Kind:       types.LegTakeProfit,
			Trigger:    types.Trigger{Type: types.TriggerPrice, Value: trigger},
			Allocation: types.Allocation{Type: types.AllocPercentage, Value: 100},
		}
	}

	t.Run("sl above long entry rejected", func(t *testing.T) {
		in := validIntent()
		in.Order.ExitPlan = &types.ExitPlan{Legs: []types.ExitLeg{sl(51000)}}
		err := validateIntent(in)
		require.NotNil(t, err)
		assert.Contains(t, err.Message, "wrong side")
	})
	t.Run("sl below short entry rejected", func(t *testing.T) {
		in := validIntent()
		in.Order.Side = types.SideSell
		in.Order.ExitPlan = &types.ExitPlan{Legs: []types.ExitLeg{sl(49000)}}
		err := validateIntent(in)
		require.NotNil(t, err)
	})
	t.Run("second sl leg rejected", func(t *testing.T) {
		in := validIntent()
		in.Order.ExitPlan = &types.ExitPlan{Legs: []types.ExitLeg{sl(49000), sl(48000)}}
		err := validateIntent(in)
		require.NotNil(t, err)
		assert.Contains(t, err.Message, "at most one SL")
	})
	t.Run("tp leg cap", func(t *testing.T) {
		in := validIntent()
		legs := make([]types.ExitLeg, 0, maxTakeProfitLegs+1)
		for i := 0; i <= maxTakeProfitLegs; i++ {
			legs = append(legs, tp(51000+float64(i)*100))
		}
		in.Order.ExitPlan = &types.ExitPlan{Legs: legs}
		err := validateIntent(in)
		require.NotNil(t, err)
	})
	t.Run("market entry skips side check", func(t *testing.T) {
		in := validIntent()
		in.Order.OrderType = types.OrderTypeMarket
		in.Order.Price = 0
		in.Order.ExitPlan = &types.ExitPlan{Legs: []types.ExitLeg{sl(49000), tp(51000)}}
		require.Nil(t, validateIntent(in))
	})
}

func TestStopOnLossSide(t *testing.T) {
	assert.True(t, stopOnLossSide(types.SideBuy, 49000, 50000))
	assert.False(t, stopOnLossSide(types.SideBuy, 51000, 50000))
	assert.True(t, stopOnLossSide(types.SideSell, 51000, 50000))
	assert.False(t, stopOnLossSide(types.SideSell, 49000, 50000))
	assert.True(t, stopOnLossSide(types.SideBuy, 51000, 0), "unknown entry accepted")
}
