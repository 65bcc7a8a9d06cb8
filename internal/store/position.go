package store

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"ordo/internal/store/model"
	"ordo/internal/types"
)

var ErrNotFound = errors.New("store: not found")

// SavePosition inserts or updates a position keyed by its reference.
func (s *Store) SavePosition(ctx context.Context, p *types.Position) error {
	m, err := toPositionModel(p)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "position_ref"}},
		UpdateAll: true,
	}).Create(m).Error
}

func (s *Store) FindPosition(ctx context.Context, positionRef string) (*types.Position, error) {
	var m model.PositionModel
	err := s.db.WithContext(ctx).Where("position_ref = ?", positionRef).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return fromPositionModel(&m)
}

// ListOpenPositions returns every position not yet closed, oldest first.
// Used to rebuild the tracker after a restart.
func (s *Store) ListOpenPositions(ctx context.Context) ([]*types.Position, error) {
	var ms []model.PositionModel
	err := s.db.WithContext(ctx).
		Where("status = ?", string(types.PositionOpen)).
		Order("created_at ASC").
		Find(&ms).Error
	if err != nil {
		return nil, err
	}
	out := make([]*types.Position, 0, len(ms))
	for i := range ms {
		p, err := fromPositionModel(&ms[i])
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}
