package outbox

import (
	"context"

	"github.com/broadcasthub/platform/internal/model"
	"github.com/broadcasthub/platform/internal/storage"
)

// RepoAdapter adapts *storage.Repository onto outbox.Repository, the same
// way internal/broadcast.RepoAdapter does.
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

func (a RepoAdapter) LockOutboxBatch(ctx context.Context, limit int) ([]model.OutboxEvent, error) {
	return a.r.LockOutboxBatch(ctx, limit)
}

func (a RepoAdapter) DeleteOutboxBatch(ctx context.Context, ids []string) error {
	return a.r.DeleteOutboxBatch(ctx, ids)
}
