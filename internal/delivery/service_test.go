package delivery

import (
	"context"
	"testing"

	"github.com/broadcasthub/platform/internal/connection"
	"github.com/broadcasthub/platform/internal/model"
	"github.com/broadcasthub/platform/internal/presence"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRepo is an in-memory stand-in for the repository slice Service needs.
type fakeRepo struct {
	broadcasts map[uint64]*model.Broadcast
	rows       map[uint64]*model.UserBroadcast
	delivered  map[uint64]int
	read       map[uint64]int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		broadcasts: make(map[uint64]*model.Broadcast),
		rows:       make(map[uint64]*model.UserBroadcast),
		delivered:  make(map[uint64]int),
		read:       make(map[uint64]int),
	}
}

func (r *fakeRepo) FindPendingUserBroadcast(ctx context.Context, userID string, broadcastID uint64) (*model.UserBroadcast, error) {
	for _, row := range r.rows {
		if row.UserID == userID && row.BroadcastID == broadcastID && row.DeliveryStatus == model.DeliveryPending {
			cp := *row
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *fakeRepo) ListPendingForUser(ctx context.Context, userID string) ([]model.UserBroadcast, error) {
	var out []model.UserBroadcast
	for _, row := range r.rows {
		if row.UserID == userID && row.DeliveryStatus == model.DeliveryPending {
			out = append(out, *row)
		}
	}
	return out, nil
}

func (r *fakeRepo) GetBroadcast(ctx context.Context, id uint64) (*model.Broadcast, error) {
	return r.broadcasts[id], nil
}

func (r *fakeRepo) MarkDelivered(ctx context.Context, id uint64) (bool, error) {
	row, ok := r.rows[id]
	if !ok || row.DeliveryStatus != model.DeliveryPending {
		return false, nil
	}
	row.DeliveryStatus = model.DeliveryDelivered
	return true, nil
}

func (r *fakeRepo) IncrDelivered(ctx context.Context, broadcastID uint64) error {
	r.delivered[broadcastID]++
	return nil
}

func (r *fakeRepo) MarkRead(ctx context.Context, id uint64) (bool, error) {
	row, ok := r.rows[id]
	if !ok || row.ReadStatus != model.ReadUnread {
		return false, nil
	}
	row.ReadStatus = model.ReadRead
	return true, nil
}

func (r *fakeRepo) IncrRead(ctx context.Context, broadcastID uint64) error {
	r.read[broadcastID]++
	return nil
}

// fakeConns simulates C6: online/offline per user, recording every push.
type fakeConns struct {
	online map[string]bool
	pushes []connection.Event
}

func (c *fakeConns) Push(ctx context.Context, userID string, evt connection.Event) (bool, error) {
	c.pushes = append(c.pushes, evt)
	return c.online[userID], nil
}

// fakePresence is an in-memory stand-in for C2's pending-event staging.
type fakePresence struct {
	pending map[string][]presence.PendingEvent
}

func newFakePresence() *fakePresence {
	return &fakePresence{pending: make(map[string][]presence.PendingEvent)}
}

func (p *fakePresence) CachePendingEvent(ctx context.Context, userID string, evt presence.PendingEvent) error {
	p.pending[userID] = append(p.pending[userID], evt)
	return nil
}

func (p *fakePresence) ListPendingEvents(ctx context.Context, userID string) ([]presence.PendingEvent, error) {
	return p.pending[userID], nil
}

func (p *fakePresence) RemovePendingEvent(ctx context.Context, userID string, broadcastID uint64) error {
	var out []presence.PendingEvent
	for _, evt := range p.pending[userID] {
		if evt.BroadcastID != broadcastID {
			out = append(out, evt)
		}
	}
	p.pending[userID] = out
	return nil
}

func TestService_Deliver_OnlinePushesAndIncrements(t *testing.T) {
	repo := newFakeRepo()
	repo.broadcasts[1] = &model.Broadcast{ID: 1, Content: "hello", SenderName: "admin"}
	repo.rows[10] = &model.UserBroadcast{ID: 10, BroadcastID: 1, UserID: "u1", DeliveryStatus: model.DeliveryPending}

	conns := &fakeConns{online: map[string]bool{"u1": true}}
	pres := newFakePresence()
	svc := NewService(repo, conns, pres, nil)

	err := svc.Deliver(context.Background(), "u1", 1)
	require.NoError(t, err)

	assert.Equal(t, model.DeliveryDelivered, repo.rows[10].DeliveryStatus)
	assert.Equal(t, 1, repo.delivered[1])
	assert.Len(t, conns.pushes, 1)
	assert.Equal(t, connection.EventMessage, conns.pushes[0].Name)
}

func TestService_Deliver_OfflineCachesPending(t *testing.T) {
	repo := newFakeRepo()
	repo.broadcasts[1] = &model.Broadcast{ID: 1, Content: "hello"}
	repo.rows[10] = &model.UserBroadcast{ID: 10, BroadcastID: 1, UserID: "u2", DeliveryStatus: model.DeliveryPending}

	conns := &fakeConns{online: map[string]bool{}}
	pres := newFakePresence()
	svc := NewService(repo, conns, pres, nil)

	err := svc.Deliver(context.Background(), "u2", 1)
	require.NoError(t, err)

	assert.Equal(t, model.DeliveryPending, repo.rows[10].DeliveryStatus)
	assert.Equal(t, 0, repo.delivered[1])
	assert.Len(t, pres.pending["u2"], 1)
}

// TestService_Deliver_IdempotentNoRowIsNoop covers the idempotency guard:
// a second CREATED event for an already-delivered pair finds no PENDING row
// and must not double-increment statistics.
func TestService_Deliver_IdempotentNoRowIsNoop(t *testing.T) {
	repo := newFakeRepo()
	repo.broadcasts[1] = &model.Broadcast{ID: 1, Content: "hello"}
	repo.rows[10] = &model.UserBroadcast{ID: 10, BroadcastID: 1, UserID: "u1", DeliveryStatus: model.DeliveryDelivered}

	conns := &fakeConns{online: map[string]bool{"u1": true}}
	svc := NewService(repo, conns, newFakePresence(), nil)

	err := svc.Deliver(context.Background(), "u1", 1)
	require.NoError(t, err)
	assert.Empty(t, conns.pushes)
	assert.Equal(t, 0, repo.delivered[1])
}

func TestService_Deliver_CalledTwiceIncrementsOnlyOnce(t *testing.T) {
	repo := newFakeRepo()
	repo.broadcasts[1] = &model.Broadcast{ID: 1, Content: "hello"}
	repo.rows[10] = &model.UserBroadcast{ID: 10, BroadcastID: 1, UserID: "u1", DeliveryStatus: model.DeliveryPending}

	conns := &fakeConns{online: map[string]bool{"u1": true}}
	svc := NewService(repo, conns, newFakePresence(), nil)

	require.NoError(t, svc.Deliver(context.Background(), "u1", 1))
	require.NoError(t, svc.Deliver(context.Background(), "u1", 1))

	assert.Equal(t, 1, repo.delivered[1])
}

func TestService_ReplayForUser_FlushesCachedThenPending(t *testing.T) {
	repo := newFakeRepo()
	repo.broadcasts[1] = &model.Broadcast{ID: 1, Content: "cached"}
	repo.broadcasts[2] = &model.Broadcast{ID: 2, Content: "db-only"}
	repo.rows[10] = &model.UserBroadcast{ID: 10, BroadcastID: 1, UserID: "u3", DeliveryStatus: model.DeliveryPending}
	repo.rows[11] = &model.UserBroadcast{ID: 11, BroadcastID: 2, UserID: "u3", DeliveryStatus: model.DeliveryPending}

	pres := newFakePresence()
	pres.pending["u3"] = []presence.PendingEvent{{BroadcastID: 1, Content: "cached"}}

	conns := &fakeConns{online: map[string]bool{"u3": true}}
	svc := NewService(repo, conns, pres, nil)

	svc.ReplayForUser(context.Background(), "u3")

	assert.Equal(t, model.DeliveryDelivered, repo.rows[10].DeliveryStatus)
	assert.Equal(t, model.DeliveryDelivered, repo.rows[11].DeliveryStatus)
	assert.Len(t, conns.pushes, 2)
	assert.Empty(t, pres.pending["u3"])
}

func TestService_MarkRead_ConditionalIncrement(t *testing.T) {
	repo := newFakeRepo()
	repo.rows[10] = &model.UserBroadcast{ID: 10, BroadcastID: 1, ReadStatus: model.ReadUnread}
	svc := NewService(repo, &fakeConns{}, newFakePresence(), nil)

	require.NoError(t, svc.MarkRead(context.Background(), 10, 1))
	assert.Equal(t, model.ReadRead, repo.rows[10].ReadStatus)
	assert.Equal(t, 1, repo.read[1])

	// Marking read again must not double count.
	require.NoError(t, svc.MarkRead(context.Background(), 10, 1))
	assert.Equal(t, 1, repo.read[1])
}
