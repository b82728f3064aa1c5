package storage

import (
	"context"
	"time"

	"github.com/broadcasthub/platform/internal/model"
	"github.com/broadcasthub/platform/pkg/errors"
	"gorm.io/gorm/clause"
)

// UpsertSession creates or refreshes the UserSession row for (user, session).
func (r *Repository) UpsertSession(ctx context.Context, s *model.UserSession) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "session_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"pod_id", "connection_status", "connected_at", "last_heartbeat", "disconnected_at"}),
		}).
		Create(s).Error
	if err != nil {
		return errors.Wrap(err, "failed to upsert user session")
	}
	return nil
}

// MarkSessionInactive transitions one session to INACTIVE, scoped to
// (session-id, pod-id) so a session that has already migrated to another
// pod's ownership cannot be clobbered by a stale close on this pod.
func (r *Repository) MarkSessionInactive(ctx context.Context, sessionID, podID string) error {
	now := time.Now()
	err := r.db.WithContext(ctx).Model(&model.UserSession{}).
		Where("session_id = ? AND pod_id = ?", sessionID, podID).
		Updates(map[string]interface{}{
			"connection_status": model.ConnectionInactive,
			"disconnected_at":   now,
		}).Error
	if err != nil {
		return errors.Wrap(err, "failed to mark session inactive")
	}
	return nil
}

// BatchHeartbeat updates last_heartbeat for every session this pod owns.
func (r *Repository) BatchHeartbeat(ctx context.Context, podID string, sessionIDs []string, at time.Time) error {
	if len(sessionIDs) == 0 {
		return nil
	}
	err := r.db.WithContext(ctx).Model(&model.UserSession{}).
		Where("pod_id = ? AND session_id IN ?", podID, sessionIDs).
		Update("last_heartbeat", at).Error
	if err != nil {
		return errors.Wrap(err, "failed to batch update heartbeats")
	}
	return nil
}

// ListStaleSessions returns ACTIVE sessions whose last heartbeat predates
// the cutoff.
func (r *Repository) ListStaleSessions(ctx context.Context, cutoff time.Time) ([]model.UserSession, error) {
	var rows []model.UserSession
	err := r.db.WithContext(ctx).
		Where("connection_status = ? AND last_heartbeat < ?", model.ConnectionActive, cutoff).
		Find(&rows).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list stale sessions")
	}
	return rows, nil
}

// MarkSessionsInactiveBatch flips a set of sessions (by id) to INACTIVE in
// one statement, used by the stale-cleanup job.
func (r *Repository) MarkSessionsInactiveBatch(ctx context.Context, ids []uint64) error {
	if len(ids) == 0 {
		return nil
	}
	now := time.Now()
	err := r.db.WithContext(ctx).Model(&model.UserSession{}).
		Where("id IN ?", ids).
		Updates(map[string]interface{}{
			"connection_status": model.ConnectionInactive,
			"disconnected_at":   now,
		}).Error
	if err != nil {
		return errors.Wrap(err, "failed to batch mark sessions inactive")
	}
	return nil
}

// PurgeInactiveSessions hard-deletes INACTIVE sessions disconnected before
// the retention cutoff.
func (r *Repository) PurgeInactiveSessions(ctx context.Context, cutoff time.Time) (int64, error) {
	tx := r.db.WithContext(ctx).
		Where("connection_status = ? AND disconnected_at < ?", model.ConnectionInactive, cutoff).
		Delete(&model.UserSession{})
	if tx.Error != nil {
		return 0, errors.Wrap(tx.Error, "failed to purge inactive sessions")
	}
	return tx.RowsAffected, nil
}
