// Package delivery is C7: the orchestrator that decides, for one
// (user, broadcast) pair, whether to push live or stage for later.
package delivery

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/broadcasthub/platform/internal/connection"
	"github.com/broadcasthub/platform/internal/model"
	"github.com/broadcasthub/platform/internal/presence"
	"github.com/broadcasthub/platform/pkg/logger"
)

// Repository is the slice of the repository layer this service needs.
type Repository interface {
	FindPendingUserBroadcast(ctx context.Context, userID string, broadcastID uint64) (*model.UserBroadcast, error)
	ListPendingForUser(ctx context.Context, userID string) ([]model.UserBroadcast, error)
	GetBroadcast(ctx context.Context, id uint64) (*model.Broadcast, error)
	MarkDelivered(ctx context.Context, id uint64) (bool, error)
	IncrDelivered(ctx context.Context, broadcastID uint64) error
	MarkRead(ctx context.Context, id uint64) (bool, error)
	IncrRead(ctx context.Context, broadcastID uint64) error
}

// messageDTO is the wire shape of a MESSAGE event's Data payload.
type messageDTO struct {
	BroadcastID uint64 `json:"broadcastId"`
	Content     string `json:"content"`
	SenderName  string `json:"senderName"`
	Priority    string `json:"priority"`
	Category    string `json:"category"`
}

// Connections is the slice of C6 this service needs.
type Connections interface {
	Push(ctx context.Context, userID string, evt connection.Event) (bool, error)
}

// Presence is the slice of C2 this service needs.
type Presence interface {
	CachePendingEvent(ctx context.Context, userID string, evt presence.PendingEvent) error
	ListPendingEvents(ctx context.Context, userID string) ([]presence.PendingEvent, error)
	RemovePendingEvent(ctx context.Context, userID string, broadcastID uint64) error
}

// Metrics is the slice of internal/metrics this service reports to.
type Metrics interface {
	IncDelivery(path string)
	IncReadReceipt()
}

type noopMetrics struct{}

func (noopMetrics) IncDelivery(string) {}
func (noopMetrics) IncReadReceipt()    {}

type Service struct {
	repo    Repository
	conns   Connections
	pres    Presence
	metrics Metrics
}

func NewService(repo Repository, conns Connections, pres Presence, metrics Metrics) *Service {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Service{repo: repo, conns: conns, pres: pres, metrics: metrics}
}

// Deliver implements the CREATED-event path: look up the one PENDING row for
// this pair, and either push it live or stage it for reconnect. A missing
// row is not an error — it means another pod already handled this delivery,
// or the broadcast was cancelled/expired between publish and consume.
func (s *Service) Deliver(ctx context.Context, userID string, broadcastID uint64) error {
	row, err := s.repo.FindPendingUserBroadcast(ctx, userID, broadcastID)
	if err != nil {
		return err
	}
	if row == nil {
		return nil
	}

	b, err := s.repo.GetBroadcast(ctx, broadcastID)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(messageDTO{
		BroadcastID: b.ID,
		Content:     b.Content,
		SenderName:  b.SenderName,
		Priority:    b.Priority,
		Category:    b.Category,
	})
	if err != nil {
		return err
	}

	evt := connection.Event{
		Name: connection.EventMessage,
		ID:   strconv.FormatUint(row.ID, 10),
		Data: payload,
	}

	delivered, err := s.conns.Push(ctx, userID, evt)
	if err != nil {
		return err
	}
	if !delivered {
		s.metrics.IncDelivery("staged")
		return s.pres.CachePendingEvent(ctx, userID, presence.PendingEvent{
			BroadcastID: broadcastID,
			Content:     b.Content,
			SenderName:  b.SenderName,
			Priority:    b.Priority,
			Category:    b.Category,
		})
	}

	ok, err := s.repo.MarkDelivered(ctx, row.ID)
	if err != nil {
		return err
	}
	if !ok {
		// Zero rows updated: the row is no longer PENDING because another
		// pod or an earlier call already delivered it; skip the stats update.
		return nil
	}
	s.metrics.IncDelivery("live")
	return s.repo.IncrDelivered(ctx, broadcastID)
}

// ReplayForUser is the replayer C6 invokes right after a session opens: it
// flushes cached pending events first (cheap, no DB hit), then any still-
// PENDING row the cache missed. Errors are logged, not returned, because
// this runs detached from any request.
func (s *Service) ReplayForUser(ctx context.Context, userID string) {
	cached, err := s.pres.ListPendingEvents(ctx, userID)
	if err != nil {
		logger.L().WarnContext(ctx, "failed to list cached pending events", "error", err, "user_id", userID)
	}
	seen := make(map[uint64]struct{}, len(cached))
	for _, evt := range cached {
		seen[evt.BroadcastID] = struct{}{}
		payload, err := json.Marshal(messageDTO{
			BroadcastID: evt.BroadcastID,
			Content:     evt.Content,
			SenderName:  evt.SenderName,
			Priority:    evt.Priority,
			Category:    evt.Category,
		})
		if err != nil {
			logger.L().WarnContext(ctx, "failed to encode cached pending event", "error", err, "user_id", userID)
			continue
		}
		if _, err := s.conns.Push(ctx, userID, connection.Event{
			Name: connection.EventMessage,
			Data: payload,
		}); err != nil {
			logger.L().WarnContext(ctx, "failed to replay cached pending event", "error", err, "user_id", userID)
			continue
		}
		if err := s.pres.RemovePendingEvent(ctx, userID, evt.BroadcastID); err != nil {
			logger.L().WarnContext(ctx, "failed to evict replayed pending event", "error", err, "user_id", userID)
		}
		if row, err := s.repo.FindPendingUserBroadcast(ctx, userID, evt.BroadcastID); err == nil && row != nil {
			if ok, err := s.repo.MarkDelivered(ctx, row.ID); err == nil && ok {
				_ = s.repo.IncrDelivered(ctx, evt.BroadcastID)
			}
		}
	}

	rows, err := s.repo.ListPendingForUser(ctx, userID)
	if err != nil {
		logger.L().WarnContext(ctx, "failed to list pending user broadcasts", "error", err, "user_id", userID)
		return
	}
	for _, row := range rows {
		if _, dup := seen[row.BroadcastID]; dup {
			continue
		}
		if err := s.Deliver(ctx, userID, row.BroadcastID); err != nil {
			logger.L().WarnContext(ctx, "failed to replay pending user broadcast", "error", err, "user_id", userID, "broadcast_id", row.BroadcastID)
		}
	}
}

// MarkRead handles a client's read receipt: conditionally flips the row and,
// only on the winning call, increments the read counter.
func (s *Service) MarkRead(ctx context.Context, id uint64, broadcastID uint64) error {
	ok, err := s.repo.MarkRead(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	s.metrics.IncReadReceipt()
	return s.repo.IncrRead(ctx, broadcastID)
}
