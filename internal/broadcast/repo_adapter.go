package broadcast

import (
	"context"
	"time"

	"github.com/broadcasthub/platform/internal/model"
	"github.com/broadcasthub/platform/internal/storage"
)

// RepoAdapter adapts *storage.Repository's concrete Transaction (which binds
// a *storage.Repository to the callback) onto the Repository interface this
// package depends on, so Service only ever talks to an interface and tests
// can swap in a fake.
type RepoAdapter struct {
	r *storage.Repository
}

func NewRepoAdapter(r *storage.Repository) RepoAdapter {
	return RepoAdapter{r: r}
}

func (a RepoAdapter) Transaction(ctx context.Context, fn func(tx Repository) error) error {
	return a.r.Transaction(ctx, func(tx *storage.Repository) error {
		return fn(NewRepoAdapter(tx))
	})
}

func (a RepoAdapter) CreateBroadcast(ctx context.Context, b *model.Broadcast) error {
	return a.r.CreateBroadcast(ctx, b)
}

func (a RepoAdapter) GetBroadcast(ctx context.Context, id uint64) (*model.Broadcast, error) {
	return a.r.GetBroadcast(ctx, id)
}

func (a RepoAdapter) ListBroadcasts(ctx context.Context, filter string) ([]model.Broadcast, error) {
	return a.r.ListBroadcasts(ctx, filter)
}

func (a RepoAdapter) ListByBroadcast(ctx context.Context, broadcastID uint64) ([]model.UserBroadcast, error) {
	return a.r.ListByBroadcast(ctx, broadcastID)
}

func (a RepoAdapter) BatchInsertUserBroadcasts(ctx context.Context, rows []model.UserBroadcast) error {
	return a.r.BatchInsertUserBroadcasts(ctx, rows)
}

func (a RepoAdapter) BatchInsertOutbox(ctx context.Context, rows []model.OutboxEvent) error {
	return a.r.BatchInsertOutbox(ctx, rows)
}

func (a RepoAdapter) SeedStatistics(ctx context.Context, broadcastID uint64, totalTargeted int64) error {
	return a.r.SeedStatistics(ctx, broadcastID, totalTargeted)
}

func (a RepoAdapter) CancelBroadcast(ctx context.Context, id uint64) (bool, error) {
	return a.r.CancelBroadcast(ctx, id)
}

func (a RepoAdapter) LockDueScheduled(ctx context.Context, now time.Time, limit int) ([]model.Broadcast, error) {
	return a.r.LockDueScheduled(ctx, now, limit)
}

func (a RepoAdapter) LockExpiredActive(ctx context.Context, now time.Time, limit int) ([]model.Broadcast, error) {
	return a.r.LockExpiredActive(ctx, now, limit)
}

func (a RepoAdapter) SetStatus(ctx context.Context, id uint64, status model.BroadcastStatus) error {
	return a.r.SetStatus(ctx, id, status)
}

func (a RepoAdapter) SupersedePending(ctx context.Context, broadcastID uint64) error {
	return a.r.SupersedePending(ctx, broadcastID)
}
