// Package dlt is C9: the quarantine for records the dispatcher could not
// process after its local retries. It ingests from the `.dlt` topics, and
// gives operators inspect / redrive / delete / purge.
package dlt

import (
	"context"

	"github.com/broadcasthub/platform/internal/bus"
	"github.com/broadcasthub/platform/internal/model"
	"github.com/broadcasthub/platform/pkg/errors"
	"github.com/google/uuid"
)

// Repository is the slice of the repository layer this service needs.
type Repository interface {
	CreateDltRecord(ctx context.Context, rec *model.DltRecord) error
	ListDltRecords(ctx context.Context) ([]model.DltRecord, error)
	GetDltRecord(ctx context.Context, id string) (*model.DltRecord, error)
	DeleteDltRecord(ctx context.Context, id string) error
	PurgeDltRecords(ctx context.Context) ([]model.DltRecord, error)
}

// Publisher is the slice of the bus this service needs to redrive and
// tombstone records.
type Publisher interface {
	Publish(ctx context.Context, topic string, userID string, payload []byte) error
	PublishTombstone(ctx context.Context, topic string, key string) error
}

// Metrics is the slice of internal/metrics this service reports to.
type Metrics interface {
	IncDltIngested(topic string)
	IncDltRedriven()
	AddDltPurged(n int)
}

type noopMetrics struct{}

func (noopMetrics) IncDltIngested(string) {}
func (noopMetrics) IncDltRedriven()       {}
func (noopMetrics) AddDltPurged(int)      {}

type Service struct {
	repo    Repository
	bus     Publisher
	metrics Metrics
}

func NewService(repo Repository, bus Publisher, metrics Metrics) *Service {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Service{repo: repo, bus: bus, metrics: metrics}
}

// Ingest persists one record consumed off a `.dlt` topic. env carries the
// original topic/partition/offset/exception/payload the dispatcher recorded
// when it gave up.
func (s *Service) Ingest(ctx context.Context, env bus.DltEnvelope) error {
	if err := s.repo.CreateDltRecord(ctx, &model.DltRecord{
		ID:                uuid.New().String(),
		OriginalTopic:     env.OriginalTopic,
		OriginalPartition: env.OriginalPartition,
		OriginalOffset:    env.OriginalOffset,
		ExceptionMessage:  env.ExceptionMessage,
		Payload:           env.Payload,
	}); err != nil {
		return err
	}
	s.metrics.IncDltIngested(env.OriginalTopic)
	return nil
}

func (s *Service) List(ctx context.Context) ([]model.DltRecord, error) {
	return s.repo.ListDltRecords(ctx)
}

// Redrive parses a record's payload back into a MessageDeliveryEvent,
// republishes it to its original topic keyed by user-id, and deletes the
// record. A record whose payload no longer parses (e.g. schema drift) is
// left in place and reported as unprocessable rather than silently dropped.
func (s *Service) Redrive(ctx context.Context, id string) error {
	rec, err := s.repo.GetDltRecord(ctx, id)
	if err != nil {
		return err
	}

	evt, err := bus.Decode(rec.Payload)
	if err != nil {
		return errors.New(errors.CodeUnprocessable, "dlt record payload no longer parses", err)
	}

	if err := s.bus.Publish(ctx, rec.OriginalTopic, evt.UserID, rec.Payload); err != nil {
		return err
	}
	if err := s.repo.DeleteDltRecord(ctx, id); err != nil {
		return err
	}
	s.metrics.IncDltRedriven()
	return nil
}

func (s *Service) Delete(ctx context.Context, id string) error {
	return s.repo.DeleteDltRecord(ctx, id)
}

// Purge deletes every DltRecord and emits a tombstone for each to its
// original dead-letter topic, so the poison record is gone from the bus as
// well as the table.
func (s *Service) Purge(ctx context.Context) (int, error) {
	rows, err := s.repo.PurgeDltRecords(ctx)
	if err != nil {
		return 0, err
	}
	for _, rec := range rows {
		dltTopic := bus.DltTopic(rec.OriginalTopic)
		key := rec.ID
		if evt, err := bus.Decode(rec.Payload); err == nil && evt.UserID != "" {
			key = evt.UserID
		}
		if err := s.bus.PublishTombstone(ctx, dltTopic, key); err != nil {
			return len(rows), err
		}
	}
	s.metrics.AddDltPurged(len(rows))
	return len(rows), nil
}
