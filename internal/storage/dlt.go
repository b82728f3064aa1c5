package storage

import (
	"context"

	"github.com/broadcasthub/platform/internal/model"
	"github.com/broadcasthub/platform/pkg/errors"
	"gorm.io/gorm"
)

func (r *Repository) CreateDltRecord(ctx context.Context, rec *model.DltRecord) error {
	if err := r.db.WithContext(ctx).Create(rec).Error; err != nil {
		return errors.Wrap(err, "failed to persist dlt record")
	}
	return nil
}

func (r *Repository) ListDltRecords(ctx context.Context) ([]model.DltRecord, error) {
	var rows []model.DltRecord
	if err := r.db.WithContext(ctx).Order("failed_at DESC").Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "failed to list dlt records")
	}
	return rows, nil
}

func (r *Repository) GetDltRecord(ctx context.Context, id string) (*model.DltRecord, error) {
	var rec model.DltRecord
	err := r.db.WithContext(ctx).First(&rec, "id = ?", id).Error
	if err == gorm.ErrRecordNotFound {
		return nil, errors.New(errors.CodeNotFound, "dlt record not found", err)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to load dlt record")
	}
	return &rec, nil
}

func (r *Repository) DeleteDltRecord(ctx context.Context, id string) error {
	if err := r.db.WithContext(ctx).Delete(&model.DltRecord{}, "id = ?", id).Error; err != nil {
		return errors.Wrap(err, "failed to delete dlt record")
	}
	return nil
}

func (r *Repository) PurgeDltRecords(ctx context.Context) ([]model.DltRecord, error) {
	rows, err := r.ListDltRecords(ctx)
	if err != nil {
		return nil, err
	}
	if err := r.db.WithContext(ctx).Where("1 = 1").Delete(&model.DltRecord{}).Error; err != nil {
		return nil, errors.Wrap(err, "failed to purge dlt records")
	}
	return rows, nil
}
