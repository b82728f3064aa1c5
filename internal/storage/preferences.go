package storage

import (
	"context"

	"github.com/broadcasthub/platform/internal/model"
	"github.com/broadcasthub/platform/pkg/errors"
)

// preferencesChunkSize protects parameter-list limits on the IN clause.
const preferencesChunkSize = 900

// FindPreferencesByIDs batch-fetches UserPreferences in chunks, preserving
// callers from accidentally building an unbounded IN (...) clause.
func (r *Repository) FindPreferencesByIDs(ctx context.Context, userIDs []string) (map[string]model.UserPreferences, error) {
	out := make(map[string]model.UserPreferences, len(userIDs))
	for start := 0; start < len(userIDs); start += preferencesChunkSize {
		end := start + preferencesChunkSize
		if end > len(userIDs) {
			end = len(userIDs)
		}
		var rows []model.UserPreferences
		if err := r.db.WithContext(ctx).Where("user_id IN ?", userIDs[start:end]).Find(&rows).Error; err != nil {
			return nil, errors.Wrap(err, "failed to load user preferences")
		}
		for _, p := range rows {
			out[p.UserID] = p
		}
	}
	return out, nil
}
