package outbox

import (
	"context"
	"testing"
	"time"

	"github.com/broadcasthub/platform/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRepo struct {
	rows    []model.OutboxEvent
	deleted []string
}

func (r *fakeRepo) Transaction(ctx context.Context, fn func(tx Repository) error) error {
	return fn(r)
}

func (r *fakeRepo) LockOutboxBatch(ctx context.Context, limit int) ([]model.OutboxEvent, error) {
	if limit < len(r.rows) {
		return r.rows[:limit], nil
	}
	return r.rows, nil
}

func (r *fakeRepo) DeleteOutboxBatch(ctx context.Context, ids []string) error {
	r.deleted = append(r.deleted, ids...)
	remaining := r.rows[:0]
	for _, row := range r.rows {
		drop := false
		for _, id := range ids {
			if row.ID == id {
				drop = true
				break
			}
		}
		if !drop {
			remaining = append(remaining, row)
		}
	}
	r.rows = remaining
	return nil
}

type fakePublisher struct {
	published int
	failAfter int
}

func (p *fakePublisher) Publish(ctx context.Context, topic string, userID string, payload []byte) error {
	if p.failAfter > 0 && p.published >= p.failAfter {
		return assert.AnError
	}
	p.published++
	return nil
}

type fakeMetrics struct {
	backlog int64
}

func (m *fakeMetrics) SetOutboxBacklog(n int64) { m.backlog = n }

func TestDrainer_DrainOnce_PublishesAndDeletes(t *testing.T) {
	repo := &fakeRepo{rows: []model.OutboxEvent{
		{ID: "a", Topic: "broadcast-selected"},
		{ID: "b", Topic: "broadcast-selected"},
	}}
	pub := &fakePublisher{}
	met := &fakeMetrics{}
	d := NewDrainer(repo, pub, PublisherConfig{BatchSize: 10}, met)

	err := d.drainOnce(context.Background())
	require.NoError(t, err)
	assert.Empty(t, repo.rows)
	assert.Equal(t, 2, pub.published)
	assert.ElementsMatch(t, []string{"a", "b"}, repo.deleted)
	assert.Equal(t, int64(2), met.backlog)
}

func TestDrainer_DrainOnce_FailurePreventsDeleteOfWholeBatch(t *testing.T) {
	repo := &fakeRepo{rows: []model.OutboxEvent{
		{ID: "a", Topic: "broadcast-selected"},
		{ID: "b", Topic: "broadcast-selected"},
	}}
	pub := &fakePublisher{failAfter: 1}
	d := NewDrainer(repo, pub, PublisherConfig{BatchSize: 10}, nil)

	err := d.drainOnce(context.Background())
	assert.Error(t, err)
	assert.Len(t, repo.rows, 2)
	assert.Empty(t, repo.deleted)
}

func TestDrainer_DrainOnce_EmptyBatchIsNoop(t *testing.T) {
	repo := &fakeRepo{}
	d := NewDrainer(repo, &fakePublisher{}, PublisherConfig{BatchSize: 10}, nil)

	err := d.drainOnce(context.Background())
	require.NoError(t, err)
	assert.Empty(t, repo.deleted)
}

func TestNewDrainer_AppliesDefaults(t *testing.T) {
	d := NewDrainer(&fakeRepo{}, &fakePublisher{}, PublisherConfig{}, nil)
	assert.Equal(t, 2*time.Second, d.cfg.PollInterval)
	assert.Equal(t, 100, d.cfg.BatchSize)
}
