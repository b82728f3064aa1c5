// Package outbox implements the drain half of C3: every poll interval, lock
// a batch of OutboxEvent rows, publish each to the bus, and delete the batch
// only if every publish succeeded.
package outbox

import (
	"context"
	"time"

	"github.com/broadcasthub/platform/internal/bus"
	"github.com/broadcasthub/platform/internal/model"
	"github.com/broadcasthub/platform/pkg/logger"
)

// Repository is the slice of the repository layer the drainer needs.
type Repository interface {
	Transaction(ctx context.Context, fn func(tx Repository) error) error
	LockOutboxBatch(ctx context.Context, limit int) ([]model.OutboxEvent, error)
	DeleteOutboxBatch(ctx context.Context, ids []string) error
}

// Publisher sends a payload to a topic keyed by userID.
type Publisher interface {
	Publish(ctx context.Context, topic string, userID string, payload []byte) error
}

// PublisherConfig tunes the drain loop.
type PublisherConfig struct {
	PollInterval time.Duration `env:"OUTBOX_POLL_INTERVAL" env-default:"2s"`
	BatchSize    int           `env:"OUTBOX_BATCH_SIZE" env-default:"100"`
}

// Metrics is the slice of internal/metrics the drainer reports to.
type Metrics interface {
	SetOutboxBacklog(n int64)
}

type noopMetrics struct{}

func (noopMetrics) SetOutboxBacklog(int64) {}

type Drainer struct {
	repo    Repository
	bus     Publisher
	cfg     PublisherConfig
	metrics Metrics
}

func NewDrainer(repo Repository, bus Publisher, cfg PublisherConfig, metrics Metrics) *Drainer {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Drainer{repo: repo, bus: bus, cfg: cfg, metrics: metrics}
}

// Run blocks, draining on a ticker, until ctx is canceled.
func (d *Drainer) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.drainOnce(ctx); err != nil {
				logger.L().ErrorContext(ctx, "outbox drain failed", "error", err)
			}
		}
	}
}

func (d *Drainer) drainOnce(ctx context.Context) error {
	return d.repo.Transaction(ctx, func(tx Repository) error {
		rows, err := tx.LockOutboxBatch(ctx, d.cfg.BatchSize)
		if err != nil {
			return err
		}
		d.metrics.SetOutboxBacklog(int64(len(rows)))
		if len(rows) == 0 {
			return nil
		}

		ids := make([]string, 0, len(rows))
		for _, row := range rows {
			var userID string
			if evt, err := bus.Decode(row.Payload); err == nil {
				userID = evt.UserID
			}
			if err := d.bus.Publish(ctx, row.Topic, userID, row.Payload); err != nil {
				// Leave every row in this batch locked-until-rollback; the
				// transaction rolls back and all of them are retried next tick.
				return err
			}
			ids = append(ids, row.ID)
		}

		return tx.DeleteOutboxBatch(ctx, ids)
	})
}
