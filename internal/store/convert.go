package store

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"

	"ordo/internal/store/model"
	"ordo/internal/types"
)

func toPositionModel(p *types.Position) (*model.PositionModel, error) {
	m := &model.PositionModel{
		PositionRef:    p.PositionID,
		Broker:         p.Broker,
		Symbol:         p.Symbol,
		Side:           string(p.Side),
		Status:         string(p.Status),
		StrategyID:     p.StrategyID,
		InstanceID:     p.InstanceID,
		Owner:          p.Owner,
		RequestedQty:   p.RequestedQty,
		FilledQty:      p.Size,
		AvgEntryPrice:  p.EntryPrice,
		Leverage:       p.Leverage,
		MaxFavorable:   p.MaxFavorable,
		MaxAdverse:     p.MaxAdverse,
		TimeStopAction: string(p.TimeStopAction),
		CloseReason:    string(p.CloseReason),
		CreatedAtUnix:  p.CreatedAt.Unix(),
		UpdatedAtUnix:  time.Now().Unix(),
	}
	if p.BreakevenApplied {
		m.BreakevenDone = 1
	}
	if !p.OpenedAt.IsZero() {
		m.OpenedAtUnix = p.OpenedAt.Unix()
	}
	if p.TimeStopEnabled && !p.TimeStopExpiresAt.IsZero() {
		m.TimeStopAt = p.TimeStopExpiresAt.Unix()
	}
	if p.ExitPlan != nil {
		raw, err := json.Marshal(p.ExitPlan)
		if err != nil {
			return nil, err
		}
		m.ExitPlanJSON = datatypes.JSON(raw)
	}
	if p.Trailing != nil {
		raw, err := json.Marshal(p.Trailing)
		if err != nil {
			return nil, err
		}
		m.TrailingJSON = datatypes.JSON(raw)
	}
	return m, nil
}

func fromPositionModel(m *model.PositionModel) (*types.Position, error) {
	p := &types.Position{
		PositionID:       m.PositionRef,
		Broker:           m.Broker,
		Symbol:           m.Symbol,
		Side:             types.Side(m.Side),
		Status:           types.PositionStatus(m.Status),
		StrategyID:       m.StrategyID,
		InstanceID:       m.InstanceID,
		Owner:            m.Owner,
		RequestedQty:     m.RequestedQty,
		Size:             m.FilledQty,
		EntryPrice:       m.AvgEntryPrice,
		Leverage:         m.Leverage,
		MaxFavorable:     m.MaxFavorable,
		MaxAdverse:       m.MaxAdverse,
		BreakevenApplied: m.BreakevenDone != 0,
		CloseReason:      types.CloseReason(m.CloseReason),
		CreatedAt:        time.Unix(m.CreatedAtUnix, 0),
		UpdatedAt:        time.Unix(m.UpdatedAtUnix, 0),
	}
	if m.OpenedAtUnix > 0 {
		p.OpenedAt = time.Unix(m.OpenedAtUnix, 0)
	}
	if m.TimeStopAt > 0 {
		p.TimeStopEnabled = true
		p.TimeStopExpiresAt = time.Unix(m.TimeStopAt, 0)
		p.TimeStopAction = types.TimeStopAction(m.TimeStopAction)
	}
	if len(m.ExitPlanJSON) > 0 {
		var plan types.ExitPlan
		if err := json.Unmarshal(m.ExitPlanJSON, &plan); err != nil {
			return nil, err
		}
		p.ExitPlan = &plan
	}
	if len(m.TrailingJSON) > 0 {
		var tr types.TrailingState
		if err := json.Unmarshal(m.TrailingJSON, &tr); err != nil {
			return nil, err
		}
		p.Trailing = &tr
	}
	return p, nil
}

func toOrderModel(o *types.TrackedOrder) *model.OrderModel {
	m := &model.OrderModel{
		OrderRef:      o.OrderID,
		PositionRef:   o.ParentPositionID,
		Broker:        o.Broker,
		BrokerOrderID: o.BrokerOrderID,
		Symbol:        o.Symbol,
		Kind:          string(o.Kind),
		Side:          string(o.Side),
		Type:          string(o.Type),
		Status:        string(o.Status),
		Price:         o.Price,
		StopPrice:     o.StopPrice,
		Quantity:      o.Quantity,
		ExecutedQty:   o.FilledQuantity,
		AvgPrice:      o.FilledPrice,
		ClientTag:     o.ClientTag,
		FallbackRef:   o.FallbackOrderID,
		LegIndex:      o.LegIndex,
		CreatedAtUnix: o.CreatedAt.Unix(),
		UpdatedAtUnix: time.Now().Unix(),
	}
	if o.PostOnly {
		m.PostOnly = 1
	}
	if o.ReduceOnly {
		m.ReduceOnly = 1
	}
	return m
}

func fromOrderModel(m *model.OrderModel) *types.TrackedOrder {
	return &types.TrackedOrder{
		OrderID:          m.OrderRef,
		ParentPositionID: m.PositionRef,
		Broker:           m.Broker,
		BrokerOrderID:    m.BrokerOrderID,
		Symbol:           m.Symbol,
		Kind:             types.OrderKind(m.Kind),
		Side:             types.Side(m.Side),
		Type:             types.OrderType(m.Type),
		Status:           types.OrderStatus(m.Status),
		Price:            m.Price,
		StopPrice:        m.StopPrice,
		Quantity:         m.Quantity,
		FilledQuantity:   m.ExecutedQty,
		FilledPrice:      m.AvgPrice,
		ClientTag:        m.ClientTag,
		FallbackOrderID:  m.FallbackRef,
		LegIndex:         m.LegIndex,
		PostOnly:         m.PostOnly != 0,
		ReduceOnly:       m.ReduceOnly != 0,
		CreatedAt:        time.Unix(m.CreatedAtUnix, 0),
		UpdatedAt:        time.Unix(m.UpdatedAtUnix, 0),
	}
}

func toClosedModel(c *types.ClosedPosition) *model.ClosedPositionModel {
	return &model.ClosedPositionModel{
		PositionRef:   c.PositionID,
		Broker:        c.Broker,
		Symbol:        c.Symbol,
		Side:          string(c.Side),
		StrategyID:    c.StrategyID,
		InstanceID:    c.InstanceID,
		Quantity:      c.Size,
		EntryPrice:    c.EntryPrice,
		ExitPrice:     c.ExitPrice,
		RealizedPnL:   c.RealizedPnL,
		Fees:          c.Fees,
		MaxFavorable:  c.MaxFavorable,
		MaxAdverse:    c.MaxAdverse,
		CloseReason:   string(c.CloseReason),
		OpenedAtUnix:  c.OpenedAt.Unix(),
		ClosedAtUnix:  c.ClosedAt.Unix(),
		CreatedAtUnix: time.Now().Unix(),
	}
}

func fromClosedModel(m *model.ClosedPositionModel) *types.ClosedPosition {
	c := &types.ClosedPosition{
		PositionID:   m.PositionRef,
		Broker:       m.Broker,
		Symbol:       m.Symbol,
		Side:         types.Side(m.Side),
		StrategyID:   m.StrategyID,
		InstanceID:   m.InstanceID,
		Size:         m.Quantity,
		EntryPrice:   m.EntryPrice,
		ExitPrice:    m.ExitPrice,
		RealizedPnL:  m.RealizedPnL,
		Fees:         m.Fees,
		MaxFavorable: m.MaxFavorable,
		MaxAdverse:   m.MaxAdverse,
		CloseReason:  types.CloseReason(m.CloseReason),
		OpenedAt:     time.Unix(m.OpenedAtUnix, 0),
		ClosedAt:     time.Unix(m.ClosedAtUnix, 0),
	}
	if c.ClosedAt.After(c.OpenedAt) {
		c.Duration = c.ClosedAt.Sub(c.OpenedAt).Seconds()
	}
	return c
}
