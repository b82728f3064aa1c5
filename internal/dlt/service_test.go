package dlt

import (
	"context"
	"testing"

	"github.com/broadcasthub/platform/internal/bus"
	"github.com/broadcasthub/platform/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRepo struct {
	rows map[string]model.DltRecord
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{rows: make(map[string]model.DltRecord)}
}

func (r *fakeRepo) CreateDltRecord(ctx context.Context, rec *model.DltRecord) error {
	r.rows[rec.ID] = *rec
	return nil
}

func (r *fakeRepo) ListDltRecords(ctx context.Context) ([]model.DltRecord, error) {
	var out []model.DltRecord
	for _, rec := range r.rows {
		out = append(out, rec)
	}
	return out, nil
}

func (r *fakeRepo) GetDltRecord(ctx context.Context, id string) (*model.DltRecord, error) {
	rec, ok := r.rows[id]
	if !ok {
		return nil, assert.AnError
	}
	return &rec, nil
}

func (r *fakeRepo) DeleteDltRecord(ctx context.Context, id string) error {
	delete(r.rows, id)
	return nil
}

func (r *fakeRepo) PurgeDltRecords(ctx context.Context) ([]model.DltRecord, error) {
	rows, _ := r.ListDltRecords(ctx)
	r.rows = make(map[string]model.DltRecord)
	return rows, nil
}

type fakePublisher struct {
	published   []string
	tombstoned  []string
}

func (p *fakePublisher) Publish(ctx context.Context, topic string, userID string, payload []byte) error {
	p.published = append(p.published, topic)
	return nil
}

func (p *fakePublisher) PublishTombstone(ctx context.Context, topic string, key string) error {
	p.tombstoned = append(p.tombstoned, topic)
	return nil
}

type countingMetrics struct {
	ingested, redriven, purged int
}

func (m *countingMetrics) IncDltIngested(string) { m.ingested++ }
func (m *countingMetrics) IncDltRedriven()       { m.redriven++ }
func (m *countingMetrics) AddDltPurged(n int)    { m.purged += n }

func TestService_Ingest(t *testing.T) {
	repo := newFakeRepo()
	met := &countingMetrics{}
	svc := NewService(repo, &fakePublisher{}, met)

	err := svc.Ingest(context.Background(), bus.DltEnvelope{
		OriginalTopic:    "broadcast-selected",
		ExceptionMessage: "boom",
		Payload:          []byte(`{}`),
	})
	require.NoError(t, err)
	assert.Len(t, repo.rows, 1)
	assert.Equal(t, 1, met.ingested)
}

func TestService_Redrive(t *testing.T) {
	repo := newFakeRepo()
	pub := &fakePublisher{}
	met := &countingMetrics{}
	svc := NewService(repo, pub, met)

	payload, err := bus.Encode(model.MessageDeliveryEvent{UserID: "u1", EventType: model.EventCreated})
	require.NoError(t, err)
	repo.rows["rec-1"] = model.DltRecord{ID: "rec-1", OriginalTopic: bus.TopicSelected, Payload: payload}

	err = svc.Redrive(context.Background(), "rec-1")
	require.NoError(t, err)
	assert.Equal(t, []string{bus.TopicSelected}, pub.published)
	assert.Empty(t, repo.rows)
	assert.Equal(t, 1, met.redriven)
}

func TestService_Redrive_UnparsablePayloadLeavesRecord(t *testing.T) {
	repo := newFakeRepo()
	svc := NewService(repo, &fakePublisher{}, nil)
	repo.rows["rec-1"] = model.DltRecord{ID: "rec-1", OriginalTopic: bus.TopicSelected, Payload: []byte("not json")}

	err := svc.Redrive(context.Background(), "rec-1")
	assert.Error(t, err)
	assert.Len(t, repo.rows, 1)
}

func TestService_Purge(t *testing.T) {
	repo := newFakeRepo()
	pub := &fakePublisher{}
	met := &countingMetrics{}
	svc := NewService(repo, pub, met)

	repo.rows["a"] = model.DltRecord{ID: "a", OriginalTopic: bus.TopicSelected}
	repo.rows["b"] = model.DltRecord{ID: "b", OriginalTopic: bus.TopicGroup}

	n, err := svc.Purge(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, pub.tombstoned, 2)
	assert.Equal(t, 2, met.purged)
	assert.Empty(t, repo.rows)
}
