package storage

import (
	"context"

	"github.com/broadcasthub/platform/internal/model"
	"github.com/broadcasthub/platform/pkg/errors"
)

// BatchInsertOutbox inserts the events co-committed with the business rows
// that produced them.
func (r *Repository) BatchInsertOutbox(ctx context.Context, rows []model.OutboxEvent) error {
	if len(rows) == 0 {
		return nil
	}
	if err := r.db.WithContext(ctx).CreateInBatches(rows, 500).Error; err != nil {
		return errors.Wrap(err, "failed to batch insert outbox events")
	}
	return nil
}

// LockOutboxBatch locks up to limit undrained rows for this transaction,
// skipping rows already locked by a concurrent drainer on another pod.
func (r *Repository) LockOutboxBatch(ctx context.Context, limit int) ([]model.OutboxEvent, error) {
	var rows []model.OutboxEvent
	err := r.db.WithContext(ctx).
		Raw(`SELECT * FROM outbox_events ORDER BY created_at LIMIT ? FOR UPDATE SKIP LOCKED`, limit).
		Scan(&rows).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to lock outbox batch")
	}
	return rows, nil
}

// DeleteOutboxBatch removes rows by id after they have all been published
// successfully. Must be called in the same transaction that locked them.
func (r *Repository) DeleteOutboxBatch(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := r.db.WithContext(ctx).Delete(&model.OutboxEvent{}, "id IN ?", ids).Error; err != nil {
		return errors.Wrap(err, "failed to delete outbox batch")
	}
	return nil
}
