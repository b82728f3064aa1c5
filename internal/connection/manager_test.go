package connection

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/broadcasthub/platform/internal/model"
	"github.com/broadcasthub/platform/internal/presence"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRepo struct {
	mu       sync.Mutex
	sessions map[string]*model.UserSession
	nextID   uint64
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{sessions: make(map[string]*model.UserSession)}
}

func (r *fakeRepo) UpsertSession(ctx context.Context, s *model.UserSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	cp := *s
	cp.ID = r.nextID
	r.sessions[s.SessionID] = &cp
	return nil
}

func (r *fakeRepo) MarkSessionInactive(ctx context.Context, sessionID, podID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[sessionID]; ok && s.PodID == podID {
		s.ConnectionStatus = model.ConnectionInactive
	}
	return nil
}

func (r *fakeRepo) BatchHeartbeat(ctx context.Context, podID string, sessionIDs []string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range sessionIDs {
		if s, ok := r.sessions[id]; ok && s.PodID == podID {
			s.LastHeartbeat = at
		}
	}
	return nil
}

func (r *fakeRepo) ListStaleSessions(ctx context.Context, cutoff time.Time) ([]model.UserSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.UserSession
	for _, s := range r.sessions {
		if s.ConnectionStatus == model.ConnectionActive && s.LastHeartbeat.Before(cutoff) {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (r *fakeRepo) MarkSessionsInactiveBatch(ctx context.Context, ids []uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	want := make(map[uint64]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	for _, s := range r.sessions {
		if want[s.ID] {
			s.ConnectionStatus = model.ConnectionInactive
		}
	}
	return nil
}

type fakePresence struct {
	mu      sync.Mutex
	online  map[string]int
	pending map[string][]presence.PendingEvent
}

func newFakePresence() *fakePresence {
	return &fakePresence{online: make(map[string]int), pending: make(map[string][]presence.PendingEvent)}
}

func (p *fakePresence) MarkOnline(ctx context.Context, userID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.online[userID]++
	return nil
}

func (p *fakePresence) MarkOffline(ctx context.Context, userID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.online[userID]--
	return nil
}

func (p *fakePresence) IsOnline(ctx context.Context, userID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online[userID] > 0, nil
}

func (p *fakePresence) ListPendingEvents(ctx context.Context, userID string) ([]presence.PendingEvent, error) {
	return p.pending[userID], nil
}

func (p *fakePresence) RemovePendingEvent(ctx context.Context, userID string, broadcastID uint64) error {
	return nil
}

func TestManager_OpenPushClose(t *testing.T) {
	repo := newFakeRepo()
	pres := newFakePresence()
	mgr := NewManager(Config{PodID: "pod-1"}, repo, pres, nil, nil)

	ctx := context.Background()
	sink, err := mgr.Open(ctx, "u1", "")
	require.NoError(t, err)

	// CONNECTED is emitted synchronously on open, carrying {message}.
	select {
	case evt := <-sink.Events():
		assert.Equal(t, EventConnected, evt.Name)
		assert.JSONEq(t, `{"message":"connected"}`, string(evt.Data))
	case <-time.After(time.Second):
		t.Fatal("did not receive CONNECTED event")
	}

	online, err := mgr.IsOnline(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, online)

	delivered, err := mgr.Push(ctx, "u1", Event{Name: EventMessage})
	require.NoError(t, err)
	assert.True(t, delivered)

	select {
	case evt := <-sink.Events():
		assert.Equal(t, EventMessage, evt.Name)
	case <-time.After(time.Second):
		t.Fatal("did not receive pushed MESSAGE event")
	}

	require.NoError(t, mgr.Close(ctx, "u1", sink.SessionID))
	online, err = mgr.IsOnline(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, online)

	delivered, err = mgr.Push(ctx, "u1", Event{Name: EventMessage})
	require.NoError(t, err)
	assert.False(t, delivered, "push after close must report offline")
}

func TestManager_Open_ReusesProvidedSessionID(t *testing.T) {
	repo := newFakeRepo()
	pres := newFakePresence()
	mgr := NewManager(Config{PodID: "pod-1"}, repo, pres, nil, nil)
	ctx := context.Background()

	sink, err := mgr.Open(ctx, "u1", "existing-session")
	require.NoError(t, err)
	assert.Equal(t, "existing-session", sink.SessionID)

	repo.mu.Lock()
	_, ok := repo.sessions["existing-session"]
	repo.mu.Unlock()
	assert.True(t, ok, "reconnect with a known session id must rebind that row, not mint a new one")
}

func TestManager_Push_OfflineUserReturnsFalse(t *testing.T) {
	mgr := NewManager(Config{PodID: "pod-1"}, newFakeRepo(), newFakePresence(), nil, nil)
	delivered, err := mgr.Push(context.Background(), "ghost", Event{Name: EventMessage})
	require.NoError(t, err)
	assert.False(t, delivered)
}

func TestManager_MultipleSessionsPerUser_BothReceiveEmit(t *testing.T) {
	repo := newFakeRepo()
	pres := newFakePresence()
	mgr := NewManager(Config{PodID: "pod-1"}, repo, pres, nil, nil)
	ctx := context.Background()

	sinkA, err := mgr.Open(ctx, "u1", "")
	require.NoError(t, err)
	<-sinkA.Events() // drain CONNECTED

	sinkB, err := mgr.Open(ctx, "u1", "")
	require.NoError(t, err)
	<-sinkB.Events() // drain CONNECTED

	heartbeatData := []byte(`{"timestamp":"2024-01-01T00:00:00Z"}`)
	delivered, err := mgr.Push(ctx, "u1", Event{Name: EventHeartbeat, Data: heartbeatData})
	require.NoError(t, err)
	assert.True(t, delivered)

	for _, sink := range []*Sink{sinkA, sinkB} {
		select {
		case evt := <-sink.Events():
			assert.Equal(t, EventHeartbeat, evt.Name)
			assert.Equal(t, heartbeatData, evt.Data)
		case <-time.After(time.Second):
			t.Fatal("sink did not receive the heartbeat fan-out")
		}
	}
}

func TestManager_CleanupStaleSessions_DropsLocalSinkAndMarksInactive(t *testing.T) {
	repo := newFakeRepo()
	pres := newFakePresence()
	mgr := NewManager(Config{PodID: "pod-1", StaleThreshold: time.Millisecond}, repo, pres, nil, nil)
	ctx := context.Background()

	sink, err := mgr.Open(ctx, "u1", "")
	require.NoError(t, err)
	<-sink.Events()

	time.Sleep(5 * time.Millisecond)

	n, err := mgr.CleanupStaleSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	select {
	case <-sink.Closed():
	case <-time.After(time.Second):
		t.Fatal("local sink was not closed by stale cleanup")
	}

	delivered, err := mgr.Push(ctx, "u1", Event{Name: EventMessage})
	require.NoError(t, err)
	assert.False(t, delivered)
}

func TestManager_SetReplayer_InvokedOnOpen(t *testing.T) {
	repo := newFakeRepo()
	pres := newFakePresence()
	mgr := NewManager(Config{PodID: "pod-1"}, repo, pres, nil, nil)

	replayed := make(chan string, 1)
	mgr.SetReplayer(func(ctx context.Context, userID string) {
		replayed <- userID
	})

	_, err := mgr.Open(context.Background(), "u9", "")
	require.NoError(t, err)

	select {
	case userID := <-replayed:
		assert.Equal(t, "u9", userID)
	case <-time.After(time.Second):
		t.Fatal("replayer was not invoked")
	}
}
