// Package connection is C6: the per-pod registry of live SSE sinks, backed
// by a cluster-wide session table and presence counter so any pod can answer
// "is this user online anywhere" without asking every other pod directly.
package connection

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/broadcasthub/platform/internal/model"
	"github.com/broadcasthub/platform/internal/presence"
	"github.com/broadcasthub/platform/pkg/concurrency"
	"github.com/broadcasthub/platform/pkg/logger"
	"github.com/google/uuid"
)

// connectedPayload is the json Data for a CONNECTED event (spec.md §6).
type connectedPayload struct {
	Message string `json:"message"`
}

// heartbeatPayload is the json Data for a HEARTBEAT event (spec.md §6).
type heartbeatPayload struct {
	Timestamp time.Time `json:"timestamp"`
}

// Repository is the slice of the repository layer the connection manager
// needs.
type Repository interface {
	UpsertSession(ctx context.Context, s *model.UserSession) error
	MarkSessionInactive(ctx context.Context, sessionID, podID string) error
	BatchHeartbeat(ctx context.Context, podID string, sessionIDs []string, at time.Time) error
	ListStaleSessions(ctx context.Context, cutoff time.Time) ([]model.UserSession, error)
	MarkSessionsInactiveBatch(ctx context.Context, ids []uint64) error
}

// Presence is the slice of C2 the connection manager needs.
type Presence interface {
	MarkOnline(ctx context.Context, userID string) error
	MarkOffline(ctx context.Context, userID string) error
	IsOnline(ctx context.Context, userID string) (bool, error)
	ListPendingEvents(ctx context.Context, userID string) ([]presence.PendingEvent, error)
	RemovePendingEvent(ctx context.Context, userID string, broadcastID uint64) error
}

// bucket is the set of local sinks for one user, guarded by its own mutex so
// one busy user never contends with another.
type bucket struct {
	mu    concurrency.SmartMutex
	sinks map[string]*Sink
}

// Config tunes the manager's background loops.
type Config struct {
	PodID                string
	ServerHeartbeat      time.Duration `env:"CONN_SERVER_HEARTBEAT" env-default:"15s"`
	DBHeartbeat          time.Duration `env:"CONN_DB_HEARTBEAT" env-default:"30s"`
	StaleThreshold       time.Duration `env:"CONN_STALE_THRESHOLD" env-default:"2m"`
	StaleCheckInterval   time.Duration `env:"CONN_STALE_CHECK_INTERVAL" env-default:"1m"`
}

// Metrics is the slice of internal/metrics this manager reports to.
type Metrics interface {
	ConnectionOpened()
	ConnectionClosed()
}

type noopMetrics struct{}

func (noopMetrics) ConnectionOpened() {}
func (noopMetrics) ConnectionClosed() {}

// Manager is C6. One instance runs per pod.
type Manager struct {
	cfg      Config
	repo     Repository
	presence Presence
	relay    Relay
	metrics  Metrics

	users sync.Map // userID -> *bucket

	sessionsMu sync.Mutex
	sessions   map[string]string // sessionID -> userID, every session this pod owns

	replayMu sync.RWMutex
	replay   func(ctx context.Context, userID string)
}

func NewManager(cfg Config, repo Repository, pres Presence, relay Relay, metrics Metrics) *Manager {
	if cfg.ServerHeartbeat <= 0 {
		cfg.ServerHeartbeat = 15 * time.Second
	}
	if cfg.DBHeartbeat <= 0 {
		cfg.DBHeartbeat = 30 * time.Second
	}
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = 2 * time.Minute
	}
	if cfg.StaleCheckInterval <= 0 {
		cfg.StaleCheckInterval = time.Minute
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Manager{
		cfg:      cfg,
		repo:     repo,
		presence: pres,
		relay:    relay,
		metrics:  metrics,
		sessions: make(map[string]string),
	}
}

// SetReplayer registers the callback invoked right after a session opens, to
// flush cached-pending and still-PENDING deliveries. It is set after
// construction because the replayer (C7's delivery service) itself depends
// on this manager to push — wiring it as a field avoids an import cycle.
func (m *Manager) SetReplayer(fn func(ctx context.Context, userID string)) {
	m.replayMu.Lock()
	defer m.replayMu.Unlock()
	m.replay = fn
}

// Open registers a live session for userID and returns its sink. If
// sessionID is empty a new one is minted; otherwise the caller's existing
// session id is rebound, the way a reconnecting client expects (spec.md
// §4.5 "Open flow": "if session is empty, mint a uuid"). The caller is
// responsible for streaming Sink.Events() to the client and calling Close
// when the stream ends.
func (m *Manager) Open(ctx context.Context, userID, sessionID string) (*Sink, error) {
	if sessionID == "" {
		sessionID = uuid.New().String()
	}
	sink := newSink(userID, sessionID)

	bkt := m.bucketFor(userID)
	bkt.mu.Lock()
	bkt.sinks[sessionID] = sink
	bkt.mu.Unlock()

	m.sessionsMu.Lock()
	m.sessions[sessionID] = userID
	m.sessionsMu.Unlock()

	now := time.Now()
	if err := m.repo.UpsertSession(ctx, &model.UserSession{
		UserID:           userID,
		SessionID:        sessionID,
		PodID:            m.cfg.PodID,
		ConnectionStatus: model.ConnectionActive,
		ConnectedAt:      now,
		LastHeartbeat:    now,
	}); err != nil {
		m.dropLocal(userID, sessionID)
		return nil, err
	}
	if err := m.presence.MarkOnline(ctx, userID); err != nil {
		logger.L().WarnContext(ctx, "failed to mark user online", "error", err, "user_id", userID)
	}

	m.metrics.ConnectionOpened()
	connectedData, err := json.Marshal(connectedPayload{Message: "connected"})
	if err != nil {
		logger.L().WarnContext(ctx, "failed to encode connected payload", "error", err, "user_id", userID)
	}
	sink.Emit(Event{Name: EventConnected, ID: sessionID, Data: connectedData})

	m.replayMu.RLock()
	fn := m.replay
	m.replayMu.RUnlock()
	if fn != nil {
		concurrency.SafeGo(ctx, func() { fn(context.WithoutCancel(ctx), userID) })
	}

	return sink, nil
}

// Close tears down one session: local sink, DB row, and the presence
// counter.
func (m *Manager) Close(ctx context.Context, userID, sessionID string) error {
	m.dropLocal(userID, sessionID)
	if err := m.repo.MarkSessionInactive(ctx, sessionID, m.cfg.PodID); err != nil {
		return err
	}
	if err := m.presence.MarkOffline(ctx, userID); err != nil {
		logger.L().WarnContext(ctx, "failed to mark user offline", "error", err, "user_id", userID)
	}
	return nil
}

func (m *Manager) dropLocal(userID, sessionID string) {
	if bkt, ok := m.users.Load(userID); ok {
		b := bkt.(*bucket)
		b.mu.Lock()
		if sink, ok := b.sinks[sessionID]; ok {
			delete(b.sinks, sessionID)
			sink.close()
			m.metrics.ConnectionClosed()
		}
		empty := len(b.sinks) == 0
		b.mu.Unlock()
		if empty {
			m.users.Delete(userID)
		}
	}
	m.sessionsMu.Lock()
	delete(m.sessions, sessionID)
	m.sessionsMu.Unlock()
}

func (m *Manager) bucketFor(userID string) *bucket {
	if b, ok := m.users.Load(userID); ok {
		return b.(*bucket)
	}
	b := &bucket{sinks: make(map[string]*Sink)}
	actual, _ := m.users.LoadOrStore(userID, b)
	return actual.(*bucket)
}

// IsOnline reports whether the user has a live session anywhere in the
// cluster, not just locally.
func (m *Manager) IsOnline(ctx context.Context, userID string) (bool, error) {
	return m.presence.IsOnline(ctx, userID)
}

// Push delivers evt to userID. It emits to any local sink first; if the
// pod holds none but the user is online elsewhere in the cluster, it relays
// the event so the owning pod can deliver it. Returns false only when the
// user is confirmed offline cluster-wide.
func (m *Manager) Push(ctx context.Context, userID string, evt Event) (bool, error) {
	if m.tryEmitLocal(userID, evt) {
		return true, nil
	}
	online, err := m.presence.IsOnline(ctx, userID)
	if err != nil {
		return false, err
	}
	if !online {
		return false, nil
	}
	payload, err := encodeRelay(userID, evt)
	if err != nil {
		return false, err
	}
	if err := m.relay.Publish(ctx, payload); err != nil {
		return false, err
	}
	return true, nil
}

func (m *Manager) tryEmitLocal(userID string, evt Event) bool {
	bkt, ok := m.users.Load(userID)
	if !ok {
		return false
	}
	b := bkt.(*bucket)
	b.mu.Lock()
	defer b.mu.Unlock()
	emitted := false
	for id, sink := range b.sinks {
		if sink.Emit(evt) {
			emitted = true
		} else {
			delete(b.sinks, id)
		}
	}
	return emitted
}

// RunRelay subscribes to the cluster-wide relay channel and re-emits to any
// local sink it owns for the message's user. Blocks until ctx is canceled.
func (m *Manager) RunRelay(ctx context.Context) {
	err := m.relay.Subscribe(ctx, func(payload []byte) {
		msg, err := decodeRelay(payload)
		if err != nil {
			logger.L().WarnContext(ctx, "failed to decode relay message", "error", err)
			return
		}
		m.tryEmitLocal(msg.UserID, msg.Event)
	})
	if err != nil && ctx.Err() == nil {
		logger.L().ErrorContext(ctx, "relay subscription ended", "error", err)
	}
}

// RunServerHeartbeat periodically pushes a HEARTBEAT event to every local
// sink, keeping idle SSE connections (and intermediate proxies) alive.
func (m *Manager) RunServerHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.ServerHeartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			heartbeatData, err := json.Marshal(heartbeatPayload{Timestamp: time.Now()})
			if err != nil {
				logger.L().WarnContext(ctx, "failed to encode heartbeat payload", "error", err)
				continue
			}
			m.users.Range(func(_, v interface{}) bool {
				b := v.(*bucket)
				b.mu.Lock()
				for id, sink := range b.sinks {
					if !sink.Emit(Event{Name: EventHeartbeat, Data: heartbeatData}) {
						delete(b.sinks, id)
					}
				}
				b.mu.Unlock()
				return true
			})
		}
	}
}

// RunDBHeartbeat periodically batch-updates last_heartbeat for every
// session this pod owns, so the stale-session job elsewhere in the cluster
// never evicts a connection this pod is still actively serving.
func (m *Manager) RunDBHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.DBHeartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sessionsMu.Lock()
			ids := make([]string, 0, len(m.sessions))
			for id := range m.sessions {
				ids = append(ids, id)
			}
			m.sessionsMu.Unlock()
			if len(ids) == 0 {
				continue
			}
			if err := m.repo.BatchHeartbeat(ctx, m.cfg.PodID, ids, time.Now()); err != nil {
				logger.L().ErrorContext(ctx, "db heartbeat batch failed", "error", err)
			}
		}
	}
}

// CleanupStaleSessions is the body of C8's stale-session-cleanup job: any
// session (on any pod, including this one) whose last heartbeat predates the
// threshold is flipped to INACTIVE, and if this pod still holds a local sink
// for it, that sink is dropped too.
func (m *Manager) CleanupStaleSessions(ctx context.Context) (int, error) {
	stale, err := m.repo.ListStaleSessions(ctx, time.Now().Add(-m.cfg.StaleThreshold))
	if err != nil {
		return 0, err
	}
	if len(stale) == 0 {
		return 0, nil
	}
	ids := make([]uint64, 0, len(stale))
	for _, s := range stale {
		ids = append(ids, s.ID)
		if s.PodID == m.cfg.PodID {
			m.dropLocal(s.UserID, s.SessionID)
		}
		if err := m.presence.MarkOffline(ctx, s.UserID); err != nil {
			logger.L().WarnContext(ctx, "failed to evict stale session from presence", "error", err, "user_id", s.UserID)
		}
	}
	if err := m.repo.MarkSessionsInactiveBatch(ctx, ids); err != nil {
		return 0, err
	}
	return len(ids), nil
}
