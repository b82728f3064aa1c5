// Package broadcast implements the admin-facing half of the pipeline: create
// (which, for immediate broadcasts, resolves targets and writes the outbox
// row in the same transaction as the business rows) and cancel.
package broadcast

import (
	"context"
	"time"

	"github.com/broadcasthub/platform/internal/bus"
	"github.com/broadcasthub/platform/internal/model"
	"github.com/broadcasthub/platform/pkg/errors"
	"github.com/google/uuid"
)

// Repository is the slice of the repository layer this service needs.
type Repository interface {
	Transaction(ctx context.Context, fn func(tx Repository) error) error
	CreateBroadcast(ctx context.Context, b *model.Broadcast) error
	GetBroadcast(ctx context.Context, id uint64) (*model.Broadcast, error)
	ListBroadcasts(ctx context.Context, filter string) ([]model.Broadcast, error)
	ListByBroadcast(ctx context.Context, broadcastID uint64) ([]model.UserBroadcast, error)
	BatchInsertUserBroadcasts(ctx context.Context, rows []model.UserBroadcast) error
	BatchInsertOutbox(ctx context.Context, rows []model.OutboxEvent) error
	SeedStatistics(ctx context.Context, broadcastID uint64, totalTargeted int64) error
	CancelBroadcast(ctx context.Context, id uint64) (bool, error)
	LockDueScheduled(ctx context.Context, now time.Time, limit int) ([]model.Broadcast, error)
	LockExpiredActive(ctx context.Context, now time.Time, limit int) ([]model.Broadcast, error)
	SetStatus(ctx context.Context, id uint64, status model.BroadcastStatus) error
	SupersedePending(ctx context.Context, broadcastID uint64) error
}

// Targeter resolves a broadcast's candidate set, the C5 contract.
type Targeter interface {
	Resolve(ctx context.Context, b *model.Broadcast) ([]model.UserBroadcast, error)
}

// Metrics is the slice of internal/metrics this service reports to.
type Metrics interface {
	IncBroadcastCreated()
	IncBroadcastActivated()
	IncBroadcastExpired()
	IncBroadcastCancelled()
}

// noopMetrics is used when a caller doesn't wire a Metrics implementation.
type noopMetrics struct{}

func (noopMetrics) IncBroadcastCreated()   {}
func (noopMetrics) IncBroadcastActivated() {}
func (noopMetrics) IncBroadcastExpired()   {}
func (noopMetrics) IncBroadcastCancelled() {}

// CreateRequest is the admin-facing DTO for creating a broadcast.
type CreateRequest struct {
	SenderID    string
	SenderName  string
	Content     string
	TargetType  model.TargetType
	TargetIDs   []string
	Priority    string
	Category    string
	ScheduledAt *time.Time
	ExpiresAt   *time.Time
}

type Service struct {
	repo      Repository
	targeting Targeter
	podID     string
	metrics   Metrics
}

func NewService(repo Repository, targeting Targeter, podID string, metrics Metrics) *Service {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Service{repo: repo, targeting: targeting, podID: podID, metrics: metrics}
}

// Create validates and persists a broadcast. A future scheduled-at defers
// targeting to C8's activate-scheduled job; otherwise targeting and outbox
// emission happen immediately, in the same transaction as the broadcast row.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*model.Broadcast, error) {
	if err := validateCreate(req); err != nil {
		return nil, err
	}

	b := &model.Broadcast{
		SenderID:    req.SenderID,
		SenderName:  req.SenderName,
		Content:     req.Content,
		TargetType:  req.TargetType,
		TargetIDs:   model.StringSlice(req.TargetIDs),
		Priority:    orDefault(req.Priority, "NORMAL"),
		Category:    req.Category,
		ScheduledAt: req.ScheduledAt,
		ExpiresAt:   req.ExpiresAt,
	}

	immediate := req.ScheduledAt == nil || !req.ScheduledAt.After(time.Now())
	if immediate {
		b.Status = model.BroadcastActive
	} else {
		b.Status = model.BroadcastScheduled
	}

	err := s.repo.Transaction(ctx, func(tx Repository) error {
		if err := tx.CreateBroadcast(ctx, b); err != nil {
			return err
		}
		if !immediate {
			return nil
		}
		return s.activateWithin(ctx, tx, b)
	})
	if err != nil {
		return nil, err
	}
	s.metrics.IncBroadcastCreated()
	if immediate {
		s.metrics.IncBroadcastActivated()
	}
	return b, nil
}

// activateWithin resolves targets, materializes delivery rows, seeds
// statistics, and writes CREATED outbox events for an ACTIVE broadcast. It
// must run inside the caller's transaction.
func (s *Service) activateWithin(ctx context.Context, tx Repository, b *model.Broadcast) error {
	rows, err := s.targeting.Resolve(ctx, b)
	if err != nil {
		return err
	}
	if err := tx.BatchInsertUserBroadcasts(ctx, rows); err != nil {
		return err
	}
	if err := tx.SeedStatistics(ctx, b.ID, int64(len(rows))); err != nil {
		return err
	}

	events := make([]model.OutboxEvent, 0, len(rows))
	for i := range rows {
		payload, err := bus.Encode(model.MessageDeliveryEvent{
			EventID:     uuid.New().String(),
			BroadcastID: b.ID,
			UserID:      rows[i].UserID,
			EventType:   model.EventCreated,
			PodID:       s.podID,
			Timestamp:   time.Now(),
			Message: &model.MessageContent{
				Content:    b.Content,
				SenderName: b.SenderName,
				Priority:   b.Priority,
				Category:   b.Category,
			},
		})
		if err != nil {
			return err
		}
		events = append(events, model.OutboxEvent{
			ID:      uuid.New().String(),
			Topic:   bus.TopicFor(b.TargetType),
			Payload: payload,
		})
	}
	return tx.BatchInsertOutbox(ctx, events)
}

// ActivateScheduled is the body of C8's activate-scheduled job: lock due
// SCHEDULED broadcasts, flip each to ACTIVE, and run the same
// targeting+materialize+outbox path an immediate create uses. Returns how
// many broadcasts were activated this call.
func (s *Service) ActivateScheduled(ctx context.Context, limit int) (int, error) {
	activated := 0
	err := s.repo.Transaction(ctx, func(tx Repository) error {
		due, err := tx.LockDueScheduled(ctx, time.Now(), limit)
		if err != nil {
			return err
		}
		for i := range due {
			b := &due[i]
			if err := tx.SetStatus(ctx, b.ID, model.BroadcastActive); err != nil {
				return err
			}
			b.Status = model.BroadcastActive
			if err := s.activateWithin(ctx, tx, b); err != nil {
				return err
			}
			activated++
		}
		return nil
	})
	for i := 0; i < activated; i++ {
		s.metrics.IncBroadcastActivated()
	}
	return activated, err
}

// ExpireActive is the body of C8's expire-active job: lock ACTIVE broadcasts
// past their expires-at, flip to EXPIRED, supersede still-PENDING rows, and
// emit EXPIRED outbox events so connected clients remove the entry.
func (s *Service) ExpireActive(ctx context.Context, limit int) (int, error) {
	expired := 0
	err := s.repo.Transaction(ctx, func(tx Repository) error {
		due, err := tx.LockExpiredActive(ctx, time.Now(), limit)
		if err != nil {
			return err
		}
		for i := range due {
			b := &due[i]
			if err := tx.SetStatus(ctx, b.ID, model.BroadcastExpired); err != nil {
				return err
			}
			if err := tx.SupersedePending(ctx, b.ID); err != nil {
				return err
			}
			recipients, err := tx.ListByBroadcast(ctx, b.ID)
			if err != nil {
				return err
			}
			if err := s.emitLifecycleEvents(ctx, tx, b, recipients, model.EventExpired); err != nil {
				return err
			}
			expired++
		}
		return nil
	})
	for i := 0; i < expired; i++ {
		s.metrics.IncBroadcastExpired()
	}
	return expired, err
}

// emitLifecycleEvents writes one outbox event per recipient for a
// non-CREATED event type (EXPIRED, CANCELLED). Must run inside a
// transaction.
func (s *Service) emitLifecycleEvents(ctx context.Context, tx Repository, b *model.Broadcast, recipients []model.UserBroadcast, eventType model.EventType) error {
	events := make([]model.OutboxEvent, 0, len(recipients))
	for _, row := range recipients {
		payload, err := bus.Encode(model.MessageDeliveryEvent{
			EventID:     uuid.New().String(),
			BroadcastID: b.ID,
			UserID:      row.UserID,
			EventType:   eventType,
			PodID:       s.podID,
			Timestamp:   time.Now(),
		})
		if err != nil {
			return err
		}
		events = append(events, model.OutboxEvent{
			ID:      uuid.New().String(),
			Topic:   bus.TopicFor(b.TargetType),
			Payload: payload,
		})
	}
	return tx.BatchInsertOutbox(ctx, events)
}

func (s *Service) Get(ctx context.Context, id uint64) (*model.Broadcast, error) {
	return s.repo.GetBroadcast(ctx, id)
}

func (s *Service) List(ctx context.Context, filter string) ([]model.Broadcast, error) {
	return s.repo.ListBroadcasts(ctx, filter)
}

func (s *Service) Deliveries(ctx context.Context, id uint64) ([]model.UserBroadcast, error) {
	return s.repo.ListByBroadcast(ctx, id)
}

// Cancel transitions a broadcast to CANCELLED and emits CANCELLED events to
// every recipient, in the same transaction. Cancelling an already-CANCELLED
// broadcast is a no-op (false, nil).
func (s *Service) Cancel(ctx context.Context, id uint64) (bool, error) {
	var cancelled bool
	err := s.repo.Transaction(ctx, func(tx Repository) error {
		ok, err := tx.CancelBroadcast(ctx, id)
		if err != nil || !ok {
			return err
		}
		cancelled = true

		b, err := tx.GetBroadcast(ctx, id)
		if err != nil {
			return err
		}
		recipients, err := tx.ListByBroadcast(ctx, id)
		if err != nil {
			return err
		}
		if err := tx.SupersedePending(ctx, id); err != nil {
			return err
		}
		return s.emitLifecycleEvents(ctx, tx, b, recipients, model.EventCancelled)
	})
	if cancelled {
		s.metrics.IncBroadcastCancelled()
	}
	return cancelled, err
}

func validateCreate(req CreateRequest) error {
	if req.Content == "" {
		return errors.New(errors.CodeValidation, "content is required", nil)
	}
	if req.SenderID == "" {
		return errors.New(errors.CodeValidation, "senderId is required", nil)
	}
	switch req.TargetType {
	case model.TargetAll, model.TargetSelected, model.TargetRole:
	default:
		return errors.New(errors.CodeValidation, "invalid targetType", nil)
	}
	if req.TargetType != model.TargetAll && len(req.TargetIDs) == 0 {
		return errors.New(errors.CodeValidation, "targetIds required for SELECTED/ROLE broadcasts", nil)
	}
	if req.ScheduledAt != nil && !req.ScheduledAt.After(time.Now()) {
		return errors.New(errors.CodeValidation, "scheduledAt must be in the future", nil)
	}
	if req.ExpiresAt != nil && req.ExpiresAt.Before(time.Now()) {
		return errors.New(errors.CodeValidation, "expiresAt must be after creation time", nil)
	}
	return nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
