package store

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"ordo/internal/store/model"
	"ordo/internal/types"
)

func (s *Store) SaveOrder(ctx context.Context, o *types.TrackedOrder) error {
	m := toOrderModel(o)
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "order_ref"}},
		UpdateAll: true,
	}).Create(m).Error
}

func (s *Store) FindOrder(ctx context.Context, orderRef string) (*types.TrackedOrder, error) {
	var m model.OrderModel
	err := s.db.WithContext(ctx).Where("order_ref = ?", orderRef).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return fromOrderModel(&m), nil
}

// ListOrdersForPosition returns all child orders of a position in leg order.
func (s *Store) ListOrdersForPosition(ctx context.Context, positionRef string) ([]*types.TrackedOrder, error) {
	var ms []model.OrderModel
	err := s.db.WithContext(ctx).
		Where("position_ref = ?", positionRef).
		Order("leg_index ASC, id ASC").
		Find(&ms).Error
	if err != nil {
		return nil, err
	}
	out := make([]*types.TrackedOrder, 0, len(ms))
	for i := range ms {
		out = append(out, fromOrderModel(&ms[i]))
	}
	return out, nil
}

// ListLiveOrders returns non-terminal orders across all positions.
func (s *Store) ListLiveOrders(ctx context.Context) ([]*types.TrackedOrder, error) {
	var ms []model.OrderModel
	err := s.db.WithContext(ctx).
		Where("status = ?", string(types.OrderPending)).
		Order("id ASC").
		Find(&ms).Error
	if err != nil {
		return nil, err
	}
	out := make([]*types.TrackedOrder, 0, len(ms))
	for i := range ms {
		out = append(out, fromOrderModel(&ms[i]))
	}
	return out, nil
}
