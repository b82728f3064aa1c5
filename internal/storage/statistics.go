package storage

import (
	"context"

	"github.com/broadcasthub/platform/internal/model"
	"github.com/broadcasthub/platform/pkg/errors"
	"gorm.io/gorm/clause"
)

// SeedStatistics creates the zeroed statistics row for a newly-activated
// broadcast, or is a no-op if one already exists (idempotent under the
// two-pod activation race).
func (r *Repository) SeedStatistics(ctx context.Context, broadcastID uint64, totalTargeted int64) error {
	stats := model.BroadcastStatistics{BroadcastID: broadcastID, TotalTargeted: totalTargeted}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&stats).Error
	if err != nil {
		return errors.Wrap(err, "failed to seed broadcast statistics")
	}
	return nil
}

// IncrDelivered atomically increments total_delivered by one. Never compute
// this client-side; it must stay a single UPDATE so concurrent pods can't
// clobber each other's increments.
func (r *Repository) IncrDelivered(ctx context.Context, broadcastID uint64) error {
	err := r.db.WithContext(ctx).Model(&model.BroadcastStatistics{}).
		Where("broadcast_id = ?", broadcastID).
		Update("total_delivered", gormExprIncr("total_delivered")).Error
	if err != nil {
		return errors.Wrap(err, "failed to increment delivered count")
	}
	return nil
}

// IncrRead atomically increments total_read by one.
func (r *Repository) IncrRead(ctx context.Context, broadcastID uint64) error {
	err := r.db.WithContext(ctx).Model(&model.BroadcastStatistics{}).
		Where("broadcast_id = ?", broadcastID).
		Update("total_read", gormExprIncr("total_read")).Error
	if err != nil {
		return errors.Wrap(err, "failed to increment read count")
	}
	return nil
}

// IncrFailed atomically increments total_failed by one.
func (r *Repository) IncrFailed(ctx context.Context, broadcastID uint64) error {
	err := r.db.WithContext(ctx).Model(&model.BroadcastStatistics{}).
		Where("broadcast_id = ?", broadcastID).
		Update("total_failed", gormExprIncr("total_failed")).Error
	if err != nil {
		return errors.Wrap(err, "failed to increment failed count")
	}
	return nil
}

func (r *Repository) GetStatistics(ctx context.Context, broadcastID uint64) (*model.BroadcastStatistics, error) {
	var s model.BroadcastStatistics
	if err := r.db.WithContext(ctx).First(&s, "broadcast_id = ?", broadcastID).Error; err != nil {
		return nil, errors.Wrap(err, "failed to load broadcast statistics")
	}
	return &s, nil
}
