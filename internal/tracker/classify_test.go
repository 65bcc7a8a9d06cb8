package tracker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"ordo/internal/broker"
	"ordo/internal/types"
)

func longPosition() *types.Position {
	return &types.Position{
		PositionID: "pos-1",
		Symbol:     "BTC/USDT",
		Side:       types.SideBuy,
		Size:       1,
		EntryPrice: 27000,
		OpenedAt:   time.Now().Add(-time.Hour),
	}
}

func closingTrade(mod func(t *broker.Trade)) broker.Trade {
	t := broker.Trade{
		TradeID:       "t1",
		BrokerOrderID: "900",
		Symbol:        "BTC/USDT",
		Side:          types.SideSell,
		Price:         27500,
		Quantity:      1,
		RealizedPnL:   500,
		Fee:           2,
		Time:          time.Now(),
	}
	if mod != nil {
		mod(&t)
	}
	return t
}

func TestClassifyByClientTag(t *testing.T) {
	pos := longPosition()
	v := classifyClose(pos, nil, []broker.Trade{closingTrade(func(tr *broker.Trade) { tr.ClientTag = "tp1" })})
	assert.Equal(t, types.CloseTakeProfit, v.Reason)
	assert.Equal(t, 27500.0, v.ExitPrice)
	assert.Equal(t, 500.0, v.RealizedPnL)
	assert.Equal(t, 2.0, v.Fees)

	v = classifyClose(pos, nil, []broker.Trade{closingTrade(func(tr *broker.Trade) { tr.ClientTag = "sl" })})
	assert.Equal(t, types.CloseStopLoss, v.Reason)
}

func TestClassifyByTrackedOrderMatch(t *testing.T) {
	pos := longPosition()
	orders := []types.TrackedOrder{{
		OrderID:       "ord-sl",
		BrokerOrderID: "900",
		Kind:          types.OrderKindSL,
	}}
	v := classifyClose(pos, orders, []broker.Trade{closingTrade(nil)})
	assert.Equal(t, types.CloseStopLoss, v.Reason)
}

func TestClassifyByTriggerProximity(t *testing.T) {
	pos := longPosition()
	pos.ExitPlan = &types.ExitPlan{Legs: []types.ExitLeg{
		{Kind: types.LegTakeProfit, Trigger: types.Trigger{Type: types.TriggerPrice, Value: 27505}},
		{Kind: types.LegStopLoss, Trigger: types.Trigger{Type: types.TriggerPrice, Value: 26500}},
	}}
	v := classifyClose(pos, nil, []broker.Trade{closingTrade(nil)})
	assert.Equal(t, types.CloseTakeProfit, v.Reason, "fill at 27500 sits within tolerance of the 27505 trigger")
}

func TestClassifyUntaggedIsManual(t *testing.T) {
	pos := longPosition()
	v := classifyClose(pos, nil, []broker.Trade{closingTrade(func(tr *broker.Trade) { tr.Price = 27200 })})
	assert.Equal(t, types.CloseManual, v.Reason)
}

func TestClassifyNoTradesIsUnknown(t *testing.T) {
	pos := longPosition()
	pos.CurrentPrice = 27100
	v := classifyClose(pos, nil, nil)
	assert.Equal(t, types.CloseUnknown, v.Reason)
	assert.Equal(t, 27100.0, v.ExitPrice)
	assert.Equal(t, 100.0, v.RealizedPnL, "falls back to mark-to-last")
}

func TestClassifyIgnoresOpeningSideTrades(t *testing.T) {
	pos := longPosition()
	buy := closingTrade(func(tr *broker.Trade) { tr.Side = types.SideBuy; tr.ClientTag = "tp" })
	v := classifyClose(pos, nil, []broker.Trade{buy})
	assert.Equal(t, types.CloseUnknown, v.Reason)
}

func TestClassifyIgnoresTradesBeforeOpen(t *testing.T) {
	pos := longPosition()
	old := closingTrade(func(tr *broker.Trade) { tr.Time = pos.OpenedAt.Add(-time.Minute); tr.ClientTag = "sl" })
	v := classifyClose(pos, nil, []broker.Trade{old})
	assert.Equal(t, types.CloseUnknown, v.Reason)
}

func TestClassifyTrailingStopNearFill(t *testing.T) {
	pos := longPosition()
	pos.Trailing = &types.TrailingState{Active: true, CurrentStop: 27495}
	v := classifyClose(pos, nil, []broker.Trade{closingTrade(nil)})
	assert.Equal(t, types.CloseStopLoss, v.Reason)
}

func TestClassifyTrailingStopBesidePlanMisses(t *testing.T) {
	pos := longPosition()
	pos.ExitPlan = &types.ExitPlan{Legs: []types.ExitLeg{
		{Kind: types.LegTakeProfit, Trigger: types.Trigger{Type: types.TriggerPrice, Value: 30000}},
	}}
	pos.Trailing = &types.TrailingState{Active: true, CurrentStop: 27495}
	v := classifyClose(pos, nil, []broker.Trade{closingTrade(nil)})
	assert.Equal(t, types.CloseStopLoss, v.Reason, "trailing state wins when no plan trigger is near")
}
