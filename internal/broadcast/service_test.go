package broadcast

import (
	"context"
	"testing"
	"time"

	"github.com/broadcasthub/platform/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRepo is an in-memory stand-in for the gorm-backed repository, enough to
// exercise Service's transaction boundaries without a database.
type fakeRepo struct {
	broadcasts  map[uint64]*model.Broadcast
	recipients  map[uint64][]model.UserBroadcast
	outbox      []model.OutboxEvent
	nextID      uint64
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		broadcasts: make(map[uint64]*model.Broadcast),
		recipients: make(map[uint64][]model.UserBroadcast),
	}
}

func (r *fakeRepo) Transaction(ctx context.Context, fn func(tx Repository) error) error {
	return fn(r)
}

func (r *fakeRepo) CreateBroadcast(ctx context.Context, b *model.Broadcast) error {
	r.nextID++
	b.ID = r.nextID
	cp := *b
	r.broadcasts[b.ID] = &cp
	return nil
}

func (r *fakeRepo) GetBroadcast(ctx context.Context, id uint64) (*model.Broadcast, error) {
	b, ok := r.broadcasts[id]
	if !ok {
		return nil, assert.AnError
	}
	cp := *b
	return &cp, nil
}

func (r *fakeRepo) ListBroadcasts(ctx context.Context, filter string) ([]model.Broadcast, error) {
	var out []model.Broadcast
	for _, b := range r.broadcasts {
		out = append(out, *b)
	}
	return out, nil
}

func (r *fakeRepo) ListByBroadcast(ctx context.Context, broadcastID uint64) ([]model.UserBroadcast, error) {
	return r.recipients[broadcastID], nil
}

func (r *fakeRepo) BatchInsertUserBroadcasts(ctx context.Context, rows []model.UserBroadcast) error {
	if len(rows) == 0 {
		return nil
	}
	r.recipients[rows[0].BroadcastID] = append(r.recipients[rows[0].BroadcastID], rows...)
	return nil
}

func (r *fakeRepo) BatchInsertOutbox(ctx context.Context, rows []model.OutboxEvent) error {
	r.outbox = append(r.outbox, rows...)
	return nil
}

func (r *fakeRepo) SeedStatistics(ctx context.Context, broadcastID uint64, totalTargeted int64) error {
	return nil
}

func (r *fakeRepo) CancelBroadcast(ctx context.Context, id uint64) (bool, error) {
	b, ok := r.broadcasts[id]
	if !ok || b.Status == model.BroadcastCancelled {
		return false, nil
	}
	b.Status = model.BroadcastCancelled
	return true, nil
}

func (r *fakeRepo) LockDueScheduled(ctx context.Context, now time.Time, limit int) ([]model.Broadcast, error) {
	var out []model.Broadcast
	for _, b := range r.broadcasts {
		if b.Status == model.BroadcastScheduled && b.ScheduledAt != nil && !b.ScheduledAt.After(now) {
			out = append(out, *b)
		}
	}
	return out, nil
}

func (r *fakeRepo) LockExpiredActive(ctx context.Context, now time.Time, limit int) ([]model.Broadcast, error) {
	var out []model.Broadcast
	for _, b := range r.broadcasts {
		if b.Status == model.BroadcastActive && b.ExpiresAt != nil && !b.ExpiresAt.After(now) {
			out = append(out, *b)
		}
	}
	return out, nil
}

func (r *fakeRepo) SetStatus(ctx context.Context, id uint64, status model.BroadcastStatus) error {
	if b, ok := r.broadcasts[id]; ok {
		b.Status = status
	}
	return nil
}

func (r *fakeRepo) SupersedePending(ctx context.Context, broadcastID uint64) error {
	rows := r.recipients[broadcastID]
	for i := range rows {
		if rows[i].DeliveryStatus == model.DeliveryPending {
			rows[i].DeliveryStatus = model.DeliverySuperseded
		}
	}
	return nil
}

type fakeTargeter struct {
	userIDs []string
}

func (t fakeTargeter) Resolve(ctx context.Context, b *model.Broadcast) ([]model.UserBroadcast, error) {
	rows := make([]model.UserBroadcast, len(t.userIDs))
	for i, uid := range t.userIDs {
		rows[i] = model.UserBroadcast{
			BroadcastID:    b.ID,
			UserID:         uid,
			DeliveryStatus: model.DeliveryPending,
			ReadStatus:     model.ReadUnread,
		}
	}
	return rows, nil
}

type countingMetrics struct {
	created, activated, expired, cancelled int
}

func (m *countingMetrics) IncBroadcastCreated()   { m.created++ }
func (m *countingMetrics) IncBroadcastActivated() { m.activated++ }
func (m *countingMetrics) IncBroadcastExpired()   { m.expired++ }
func (m *countingMetrics) IncBroadcastCancelled() { m.cancelled++ }

func TestService_Create_Immediate(t *testing.T) {
	repo := newFakeRepo()
	targeter := fakeTargeter{userIDs: []string{"u1", "u2", "u3"}}
	met := &countingMetrics{}
	svc := NewService(repo, targeter, "pod-1", met)

	b, err := svc.Create(context.Background(), CreateRequest{
		SenderID:   "admin-1",
		Content:    "hello",
		TargetType: model.TargetAll,
	})
	require.NoError(t, err)
	assert.Equal(t, model.BroadcastActive, b.Status)
	assert.Len(t, repo.recipients[b.ID], 3)
	assert.Len(t, repo.outbox, 3)
	assert.Equal(t, 1, met.created)
	assert.Equal(t, 1, met.activated)
}

func TestService_Create_Scheduled(t *testing.T) {
	repo := newFakeRepo()
	targeter := fakeTargeter{userIDs: []string{"u1"}}
	svc := NewService(repo, targeter, "pod-1", nil)

	future := time.Now().Add(time.Hour)
	b, err := svc.Create(context.Background(), CreateRequest{
		SenderID:    "admin-1",
		Content:     "later",
		TargetType:  model.TargetAll,
		ScheduledAt: &future,
	})
	require.NoError(t, err)
	assert.Equal(t, model.BroadcastScheduled, b.Status)
	assert.Empty(t, repo.recipients[b.ID])
	assert.Empty(t, repo.outbox)
}

func TestService_Create_RejectsSelectedWithoutTargetIDs(t *testing.T) {
	repo := newFakeRepo()
	svc := NewService(repo, fakeTargeter{}, "pod-1", nil)

	_, err := svc.Create(context.Background(), CreateRequest{
		SenderID:   "admin-1",
		Content:    "x",
		TargetType: model.TargetSelected,
	})
	assert.Error(t, err)
}

func TestService_ActivateScheduled(t *testing.T) {
	repo := newFakeRepo()
	targeter := fakeTargeter{userIDs: []string{"u1", "u2"}}
	met := &countingMetrics{}
	svc := NewService(repo, targeter, "pod-1", met)

	past := time.Now().Add(-time.Minute)
	repo.broadcasts[1] = &model.Broadcast{ID: 1, Status: model.BroadcastScheduled, ScheduledAt: &past, TargetType: model.TargetAll}
	repo.nextID = 1

	n, err := svc.ActivateScheduled(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, model.BroadcastActive, repo.broadcasts[1].Status)
	assert.Len(t, repo.recipients[1], 2)
	assert.Equal(t, 1, met.activated)
}

func TestService_ExpireActive(t *testing.T) {
	repo := newFakeRepo()
	svc := NewService(repo, fakeTargeter{}, "pod-1", nil)

	past := time.Now().Add(-time.Minute)
	repo.broadcasts[1] = &model.Broadcast{ID: 1, Status: model.BroadcastActive, ExpiresAt: &past, TargetType: model.TargetAll}
	repo.recipients[1] = []model.UserBroadcast{{BroadcastID: 1, UserID: "u1", DeliveryStatus: model.DeliveryPending}}

	n, err := svc.ExpireActive(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, model.BroadcastExpired, repo.broadcasts[1].Status)
	assert.Equal(t, model.DeliverySuperseded, repo.recipients[1][0].DeliveryStatus)
	assert.Len(t, repo.outbox, 1)
}

func TestService_Cancel(t *testing.T) {
	repo := newFakeRepo()
	met := &countingMetrics{}
	svc := NewService(repo, fakeTargeter{}, "pod-1", met)

	repo.broadcasts[1] = &model.Broadcast{ID: 1, Status: model.BroadcastActive, TargetType: model.TargetAll}
	repo.recipients[1] = []model.UserBroadcast{{BroadcastID: 1, UserID: "u1", DeliveryStatus: model.DeliveryPending}}

	ok, err := svc.Cancel(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, model.BroadcastCancelled, repo.broadcasts[1].Status)
	assert.Equal(t, 1, met.cancelled)

	// Cancelling again is a no-op.
	ok, err = svc.Cancel(context.Background(), 1)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, met.cancelled)
}
