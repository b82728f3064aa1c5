package targeting

import (
	"context"
	"testing"
	"time"

	"github.com/broadcasthub/platform/internal/model"
	"github.com/broadcasthub/platform/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDirectory struct {
	all   []string
	roles map[string][]string
	err   error
}

func (d fakeDirectory) AllUsers(ctx context.Context) ([]string, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.all, nil
}

func (d fakeDirectory) RoleMembers(ctx context.Context, role string) ([]string, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.roles[role], nil
}

type fakePrefRepo struct {
	prefs map[string]model.UserPreferences
}

func (r fakePrefRepo) FindPreferencesByIDs(ctx context.Context, userIDs []string) (map[string]model.UserPreferences, error) {
	out := make(map[string]model.UserPreferences, len(userIDs))
	for _, id := range userIDs {
		if p, ok := r.prefs[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func TestService_Resolve_All(t *testing.T) {
	repo := fakePrefRepo{prefs: map[string]model.UserPreferences{}}
	dir := fakeDirectory{all: []string{"u1", "u2", "u3"}}
	svc := NewService(repo, dir)

	rows, err := svc.Resolve(context.Background(), &model.Broadcast{ID: 1, TargetType: model.TargetAll})
	require.NoError(t, err)
	assert.Len(t, rows, 3)
	for _, row := range rows {
		assert.Equal(t, model.DeliveryPending, row.DeliveryStatus)
		assert.Equal(t, model.ReadUnread, row.ReadStatus)
	}
}

func TestService_Resolve_Role(t *testing.T) {
	repo := fakePrefRepo{prefs: map[string]model.UserPreferences{}}
	dir := fakeDirectory{roles: map[string][]string{"ops": {"u1", "u2"}}}
	svc := NewService(repo, dir)

	rows, err := svc.Resolve(context.Background(), &model.Broadcast{ID: 1, TargetType: model.TargetRole, TargetIDs: model.StringSlice{"ops"}})
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestService_Resolve_Selected(t *testing.T) {
	repo := fakePrefRepo{prefs: map[string]model.UserPreferences{}}
	svc := NewService(repo, fakeDirectory{})

	rows, err := svc.Resolve(context.Background(), &model.Broadcast{ID: 1, TargetType: model.TargetSelected, TargetIDs: model.StringSlice{"u5", "u6"}})
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestService_Resolve_FiltersDisabledNotifications(t *testing.T) {
	repo := fakePrefRepo{prefs: map[string]model.UserPreferences{
		"u2": {UserID: "u2", NotificationsEnabled: false},
	}}
	dir := fakeDirectory{all: []string{"u1", "u2"}}
	svc := NewService(repo, dir)

	rows, err := svc.Resolve(context.Background(), &model.Broadcast{ID: 1, TargetType: model.TargetAll})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "u1", rows[0].UserID)
}

func TestService_Resolve_FiltersExcludedCategory(t *testing.T) {
	repo := fakePrefRepo{prefs: map[string]model.UserPreferences{
		"u1": {UserID: "u1", NotificationsEnabled: true, PreferredCategories: model.StringSlice{"billing"}},
	}}
	dir := fakeDirectory{all: []string{"u1"}}
	svc := NewService(repo, dir)

	rows, err := svc.Resolve(context.Background(), &model.Broadcast{ID: 1, TargetType: model.TargetAll, Category: "security"})
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestService_Resolve_QuietHoursOvernightWindow(t *testing.T) {
	repo := fakePrefRepo{prefs: map[string]model.UserPreferences{
		"u1": {UserID: "u1", NotificationsEnabled: true, QuietHoursStart: "22:00", QuietHoursEnd: "06:00", QuietHoursTimezone: "UTC"},
	}}
	dir := fakeDirectory{all: []string{"u1"}}
	svc := NewService(repo, dir)
	svc.now = func() time.Time { return time.Date(2026, 1, 1, 23, 30, 0, 0, time.UTC) }

	rows, err := svc.Resolve(context.Background(), &model.Broadcast{ID: 1, TargetType: model.TargetAll})
	require.NoError(t, err)
	assert.Empty(t, rows, "23:30 falls inside the 22:00-06:00 overnight window")

	svc.now = func() time.Time { return time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC) }
	rows, err = svc.Resolve(context.Background(), &model.Broadcast{ID: 1, TargetType: model.TargetAll})
	require.NoError(t, err)
	assert.Len(t, rows, 1, "noon falls outside the overnight window")
}

func TestService_Resolve_MissingPreferencesDefaultsToNotified(t *testing.T) {
	repo := fakePrefRepo{prefs: map[string]model.UserPreferences{}}
	dir := fakeDirectory{all: []string{"u1"}}
	svc := NewService(repo, dir)

	rows, err := svc.Resolve(context.Background(), &model.Broadcast{ID: 1, TargetType: model.TargetAll})
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestService_Resolve_DirectoryUnavailablePropagates(t *testing.T) {
	repo := fakePrefRepo{prefs: map[string]model.UserPreferences{}}
	dir := fakeDirectory{err: errors.New(errors.CodeUnavailable, "directory down", nil)}
	svc := NewService(repo, dir)

	_, err := svc.Resolve(context.Background(), &model.Broadcast{ID: 1, TargetType: model.TargetAll})
	assert.Error(t, err)
}

func TestService_Resolve_RoleMissingRoleName(t *testing.T) {
	repo := fakePrefRepo{prefs: map[string]model.UserPreferences{}}
	svc := NewService(repo, fakeDirectory{})

	_, err := svc.Resolve(context.Background(), &model.Broadcast{ID: 1, TargetType: model.TargetRole})
	assert.Error(t, err)
}
