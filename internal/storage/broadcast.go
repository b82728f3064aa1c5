package storage

import (
	"context"
	"time"

	"github.com/broadcasthub/platform/internal/model"
	"github.com/broadcasthub/platform/pkg/errors"
	"gorm.io/gorm"
)

func (r *Repository) CreateBroadcast(ctx context.Context, b *model.Broadcast) error {
	if err := r.db.WithContext(ctx).Create(b).Error; err != nil {
		return errors.Wrap(err, "failed to create broadcast")
	}
	return nil
}

func (r *Repository) GetBroadcast(ctx context.Context, id uint64) (*model.Broadcast, error) {
	var b model.Broadcast
	err := r.db.WithContext(ctx).First(&b, "id = ?", id).Error
	if err == gorm.ErrRecordNotFound {
		return nil, errors.New(errors.CodeNotFound, "broadcast not found", err)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to load broadcast")
	}
	return &b, nil
}

// ListBroadcasts returns broadcasts matching filter ("all", "active", "scheduled").
func (r *Repository) ListBroadcasts(ctx context.Context, filter string) ([]model.Broadcast, error) {
	q := r.db.WithContext(ctx).Order("created_at DESC")
	switch filter {
	case "active":
		q = q.Where("status = ?", model.BroadcastActive)
	case "scheduled":
		q = q.Where("status = ?", model.BroadcastScheduled)
	}
	var rows []model.Broadcast
	if err := q.Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "failed to list broadcasts")
	}
	return rows, nil
}

// LockDueScheduled locks up to limit SCHEDULED broadcasts whose scheduled_at
// has passed, oldest first. Must be called inside a transaction; SKIP LOCKED
// is what lets concurrent pods run the same tick without blocking each other.
func (r *Repository) LockDueScheduled(ctx context.Context, now time.Time, limit int) ([]model.Broadcast, error) {
	var rows []model.Broadcast
	err := r.db.WithContext(ctx).
		Raw(`SELECT * FROM broadcasts WHERE status = ? AND scheduled_at <= ? ORDER BY scheduled_at LIMIT ? FOR UPDATE SKIP LOCKED`,
			model.BroadcastScheduled, now, limit).
		Scan(&rows).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to lock due scheduled broadcasts")
	}
	return rows, nil
}

// LockExpiredActive locks ACTIVE broadcasts whose expires_at has passed.
func (r *Repository) LockExpiredActive(ctx context.Context, now time.Time, limit int) ([]model.Broadcast, error) {
	var rows []model.Broadcast
	err := r.db.WithContext(ctx).
		Raw(`SELECT * FROM broadcasts WHERE status = ? AND expires_at IS NOT NULL AND expires_at <= ? ORDER BY expires_at LIMIT ? FOR UPDATE SKIP LOCKED`,
			model.BroadcastActive, now, limit).
		Scan(&rows).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to lock expired active broadcasts")
	}
	return rows, nil
}

// SetStatus unconditionally transitions a broadcast's status; the WHERE
// matches the id only, with no check of the current status. Callers are
// expected to already hold the row lock (activate/expire jobs). Admin cancel
// goes through CancelBroadcast instead.
func (r *Repository) SetStatus(ctx context.Context, id uint64, status model.BroadcastStatus) error {
	return r.db.WithContext(ctx).Model(&model.Broadcast{}).
		Where("id = ?", id).
		Update("status", status).Error
}

// CancelBroadcast transitions SCHEDULED or ACTIVE to CANCELLED. It is
// idempotent: cancelling an already-CANCELLED broadcast affects zero rows
// and is not an error.
func (r *Repository) CancelBroadcast(ctx context.Context, id uint64) (bool, error) {
	tx := r.db.WithContext(ctx).Model(&model.Broadcast{}).
		Where("id = ? AND status IN ?", id, []model.BroadcastStatus{model.BroadcastScheduled, model.BroadcastActive}).
		Update("status", model.BroadcastCancelled)
	if tx.Error != nil {
		return false, errors.Wrap(tx.Error, "failed to cancel broadcast")
	}
	return tx.RowsAffected > 0, nil
}
