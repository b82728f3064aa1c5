package targeting

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/broadcasthub/platform/internal/model"
	"github.com/broadcasthub/platform/pkg/errors"
)

// Repository is the slice of the repository layer targeting needs.
type Repository interface {
	FindPreferencesByIDs(ctx context.Context, userIDs []string) (map[string]model.UserPreferences, error)
}

// directoryClient is the external user directory collaborator (§4.3):
// satisfied by *Directory, and swappable in tests.
type directoryClient interface {
	AllUsers(ctx context.Context) ([]string, error)
	RoleMembers(ctx context.Context, role string) ([]string, error)
}

// Service resolves a Broadcast's target set into concrete UserBroadcast rows.
type Service struct {
	repo      Repository
	directory directoryClient
	now       func() time.Time
}

func NewService(repo Repository, directory directoryClient) *Service {
	return &Service{repo: repo, directory: directory, now: time.Now}
}

// Resolve implements the algorithm from §4.3: resolve candidates, batch-fetch
// preferences, filter, materialize.
func (s *Service) Resolve(ctx context.Context, b *model.Broadcast) ([]model.UserBroadcast, error) {
	candidates, err := s.candidates(ctx, b)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	prefs, err := s.repo.FindPreferencesByIDs(ctx, candidates)
	if err != nil {
		return nil, err
	}

	now := s.now()
	rows := make([]model.UserBroadcast, 0, len(candidates))
	for _, userID := range candidates {
		if !s.surviving(prefs[userID], userID, b.Category, now) {
			continue
		}
		rows = append(rows, model.UserBroadcast{
			BroadcastID:    b.ID,
			UserID:         userID,
			DeliveryStatus: model.DeliveryPending,
			ReadStatus:     model.ReadUnread,
		})
	}
	return rows, nil
}

func (s *Service) candidates(ctx context.Context, b *model.Broadcast) ([]string, error) {
	switch b.TargetType {
	case model.TargetAll:
		return s.directory.AllUsers(ctx)
	case model.TargetRole:
		if len(b.TargetIDs) == 0 {
			return nil, errors.New(errors.CodeValidation, "role broadcast missing role name", nil)
		}
		return s.directory.RoleMembers(ctx, b.TargetIDs[0])
	case model.TargetSelected:
		return []string(b.TargetIDs), nil
	default:
		return nil, errors.New(errors.CodeValidation, "unknown target type", nil)
	}
}

// surviving reports whether a candidate should receive the broadcast. A
// missing preferences row (never configured) defaults to notified.
func (s *Service) surviving(pref model.UserPreferences, userID, category string, now time.Time) bool {
	if pref.UserID == "" {
		return true
	}
	if !pref.NotificationsEnabled {
		return false
	}
	if category != "" && len(pref.PreferredCategories) > 0 && !contains(pref.PreferredCategories, category) {
		return false
	}
	if inQuietHours(pref, now) {
		return false
	}
	return true
}

func contains(haystack []string, needle string) bool {
	for _, v := range haystack {
		if v == needle {
			return true
		}
	}
	return false
}

// inQuietHours supports the overnight window: start > end means "from start
// until midnight OR from midnight until end".
func inQuietHours(pref model.UserPreferences, now time.Time) bool {
	if pref.QuietHoursStart == "" || pref.QuietHoursEnd == "" {
		return false
	}
	loc := time.UTC
	if pref.QuietHoursTimezone != "" {
		if l, err := time.LoadLocation(pref.QuietHoursTimezone); err == nil {
			loc = l
		}
	}
	local := now.In(loc)
	minutesNow := local.Hour()*60 + local.Minute()

	start, okStart := parseHHMM(pref.QuietHoursStart)
	end, okEnd := parseHHMM(pref.QuietHoursEnd)
	if !okStart || !okEnd {
		return false
	}

	if start <= end {
		return minutesNow >= start && minutesNow < end
	}
	// overnight window
	return minutesNow >= start || minutesNow < end
}

func parseHHMM(s string) (int, bool) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, false
	}
	h, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		return 0, false
	}
	return h*60 + m, true
}
