package storage

import (
	"context"
	"time"

	"github.com/broadcasthub/platform/internal/model"
	"github.com/broadcasthub/platform/pkg/errors"
	"gorm.io/gorm"
)

// BatchInsertUserBroadcasts inserts one row per targeted, surviving user.
func (r *Repository) BatchInsertUserBroadcasts(ctx context.Context, rows []model.UserBroadcast) error {
	if len(rows) == 0 {
		return nil
	}
	if err := r.db.WithContext(ctx).CreateInBatches(rows, 500).Error; err != nil {
		return errors.Wrap(err, "failed to batch insert user broadcasts")
	}
	return nil
}

// FindPendingUserBroadcast loads the unique PENDING row for (user, broadcast).
// Returns (nil, nil) if absent, which callers treat as an idempotency guard
// rather than an error.
func (r *Repository) FindPendingUserBroadcast(ctx context.Context, userID string, broadcastID uint64) (*model.UserBroadcast, error) {
	var row model.UserBroadcast
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND broadcast_id = ? AND delivery_status = ?", userID, broadcastID, model.DeliveryPending).
		First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to load pending user broadcast")
	}
	return &row, nil
}

// ListPendingForUser returns a user's PENDING rows, oldest first, for
// reconnect replay.
func (r *Repository) ListPendingForUser(ctx context.Context, userID string) ([]model.UserBroadcast, error) {
	var rows []model.UserBroadcast
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND delivery_status = ?", userID, model.DeliveryPending).
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list pending user broadcasts")
	}
	return rows, nil
}

// MarkDelivered conditionally transitions PENDING -> DELIVERED. It returns
// whether this call won the race; zero rows affected means another pod (or
// an earlier call) already delivered it, and the caller must not double
// count statistics.
func (r *Repository) MarkDelivered(ctx context.Context, id uint64) (bool, error) {
	now := time.Now()
	tx := r.db.WithContext(ctx).Model(&model.UserBroadcast{}).
		Where("id = ? AND delivery_status = ?", id, model.DeliveryPending).
		Updates(map[string]interface{}{
			"delivery_status": model.DeliveryDelivered,
			"delivered_at":    now,
		})
	if tx.Error != nil {
		return false, errors.Wrap(tx.Error, "failed to mark user broadcast delivered")
	}
	return tx.RowsAffected > 0, nil
}

// MarkRead conditionally transitions UNREAD -> READ.
func (r *Repository) MarkRead(ctx context.Context, id uint64) (bool, error) {
	now := time.Now()
	tx := r.db.WithContext(ctx).Model(&model.UserBroadcast{}).
		Where("id = ? AND read_status = ?", id, model.ReadUnread).
		Updates(map[string]interface{}{
			"read_status": model.ReadRead,
			"read_at":     now,
		})
	if tx.Error != nil {
		return false, errors.Wrap(tx.Error, "failed to mark user broadcast read")
	}
	return tx.RowsAffected > 0, nil
}

// SupersedePending flips every still-PENDING row for a broadcast to
// SUPERSEDED, used when a broadcast expires.
func (r *Repository) SupersedePending(ctx context.Context, broadcastID uint64) error {
	err := r.db.WithContext(ctx).Model(&model.UserBroadcast{}).
		Where("broadcast_id = ? AND delivery_status = ?", broadcastID, model.DeliveryPending).
		Update("delivery_status", model.DeliverySuperseded).Error
	if err != nil {
		return errors.Wrap(err, "failed to supersede pending user broadcasts")
	}
	return nil
}

// ListByBroadcast returns every delivery record for a broadcast, for the
// admin per-broadcast deliveries view.
func (r *Repository) ListByBroadcast(ctx context.Context, broadcastID uint64) ([]model.UserBroadcast, error) {
	var rows []model.UserBroadcast
	err := r.db.WithContext(ctx).Where("broadcast_id = ?", broadcastID).Order("created_at ASC").Find(&rows).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list user broadcasts")
	}
	return rows, nil
}

// CountForBroadcast returns how many UserBroadcast rows exist for a
// broadcast.
func (r *Repository) CountForBroadcast(ctx context.Context, broadcastID uint64) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&model.UserBroadcast{}).Where("broadcast_id = ?", broadcastID).Count(&n).Error
	if err != nil {
		return 0, errors.Wrap(err, "failed to count user broadcasts")
	}
	return n, nil
}
