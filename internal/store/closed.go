package store

import (
	"context"

	"gorm.io/gorm/clause"

	"ordo/internal/store/model"
	"ordo/internal/types"
)

// SaveClosedPosition writes the immutable close record. Re-saving the same
// position reference is a no-op so a crash between close and cleanup cannot
// duplicate history.
func (s *Store) SaveClosedPosition(ctx context.Context, c *types.ClosedPosition) error {
	m := toClosedModel(c)
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "position_ref"}},
		DoNothing: true,
	}).Create(m).Error
}

// ListClosedPositions returns the most recent close records, newest first.
// strategyID filters when non-empty.
func (s *Store) ListClosedPositions(ctx context.Context, strategyID string, limit int) ([]*types.ClosedPosition, error) {
	if limit <= 0 {
		limit = 100
	}
	q := s.db.WithContext(ctx).Order("closed_at DESC").Limit(limit)
	if strategyID != "" {
		q = q.Where("strategy_id = ?", strategyID)
	}
	var ms []model.ClosedPositionModel
	if err := q.Find(&ms).Error; err != nil {
		return nil, err
	}
	out := make([]*types.ClosedPosition, 0, len(ms))
	for i := range ms {
		out = append(out, fromClosedModel(&ms[i]))
	}
	return out, nil
}
