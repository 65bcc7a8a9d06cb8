package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"ordo/internal/store/model"
)

// IdempotencyRecord is the persisted outcome of one accepted order intent.
type IdempotencyRecord struct {
	Key         string
	Operation   string
	RequestHash string
	Outcome     []byte
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// SaveIdempotency records an outcome. The first writer wins; concurrent
// saves of the same key keep the original record.
func (s *Store) SaveIdempotency(ctx context.Context, rec *IdempotencyRecord) error {
	m := &model.IdempotencyModel{
		Key:           rec.Key,
		Operation:     rec.Operation,
		RequestHash:   rec.RequestHash,
		OutcomeJSON:   datatypes.JSON(rec.Outcome),
		CreatedAtUnix: rec.CreatedAt.Unix(),
		ExpiresAtUnix: rec.ExpiresAt.Unix(),
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "idem_key"}},
		DoNothing: true,
	}).Create(m).Error
}

func (s *Store) FindIdempotency(ctx context.Context, key string) (*IdempotencyRecord, error) {
	var m model.IdempotencyModel
	err := s.db.WithContext(ctx).Where("idem_key = ?", key).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &IdempotencyRecord{
		Key:         m.Key,
		Operation:   m.Operation,
		RequestHash: m.RequestHash,
		Outcome:     []byte(m.OutcomeJSON),
		CreatedAt:   time.Unix(m.CreatedAtUnix, 0),
		ExpiresAt:   time.Unix(m.ExpiresAtUnix, 0),
	}, nil
}

// PurgeExpiredIdempotency removes records whose TTL elapsed before now.
func (s *Store) PurgeExpiredIdempotency(ctx context.Context, now time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("expires_at <= ?", now.Unix()).
		Delete(&model.IdempotencyModel{})
	return res.RowsAffected, res.Error
}
