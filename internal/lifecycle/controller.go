// Package lifecycle is C8: the periodic jobs that move broadcasts and
// sessions through their states without any one of them being triggered by
// a client request. Every job runs on every pod's ticker, but only the pod
// that wins a short-lived distributed lease for that tick actually executes
// it, so a cluster of N pods still only activates a given broadcast once.
package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/broadcasthub/platform/pkg/concurrency/distlock"
	"github.com/broadcasthub/platform/pkg/logger"
)

// BroadcastLifecycle is the slice of C3 this controller drives.
type BroadcastLifecycle interface {
	ActivateScheduled(ctx context.Context, limit int) (int, error)
	ExpireActive(ctx context.Context, limit int) (int, error)
}

// SessionLifecycle is the slice of C6/C1 this controller drives.
type SessionLifecycle interface {
	CleanupStaleSessions(ctx context.Context) (int, error)
}

// SessionPurger is the slice of C1 this controller drives for retention.
type SessionPurger interface {
	PurgeInactiveSessions(ctx context.Context, cutoff time.Time) (int64, error)
}

// Config tunes every job's period, batch size, and lease TTL. Defaults match
// spec.md §4.6's table: activate-scheduled, expire-active, and
// stale-session-cleanup each run every 60s; purge-old-sessions runs once a
// day at PurgeAtHour rather than on a fixed interval.
type Config struct {
	ActivateScheduledPeriod time.Duration `env:"LIFECYCLE_ACTIVATE_PERIOD" env-default:"60s"`
	ExpireActivePeriod      time.Duration `env:"LIFECYCLE_EXPIRE_PERIOD" env-default:"60s"`
	StaleCleanupPeriod      time.Duration `env:"LIFECYCLE_STALE_CLEANUP_PERIOD" env-default:"60s"`
	PurgeAtHour             int           `env:"LIFECYCLE_PURGE_AT_HOUR" env-default:"2"`
	BatchSize               int           `env:"LIFECYCLE_BATCH_SIZE" env-default:"200"`
	SessionRetention        time.Duration `env:"LIFECYCLE_SESSION_RETENTION" env-default:"72h"`
	LeaseTTL                time.Duration `env:"LIFECYCLE_LEASE_TTL" env-default:"30s"`
}

func (c *Config) applyDefaults() {
	if c.ActivateScheduledPeriod <= 0 {
		c.ActivateScheduledPeriod = 60 * time.Second
	}
	if c.ExpireActivePeriod <= 0 {
		c.ExpireActivePeriod = 60 * time.Second
	}
	if c.StaleCleanupPeriod <= 0 {
		c.StaleCleanupPeriod = 60 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 200
	}
	if c.SessionRetention <= 0 {
		c.SessionRetention = 3 * 24 * time.Hour
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 30 * time.Second
	}
}

// Metrics is the slice of internal/metrics this controller reports to.
type Metrics interface {
	IncLifecycleJobRun(job string)
}

type noopMetrics struct{}

func (noopMetrics) IncLifecycleJobRun(string) {}

type Controller struct {
	cfg      Config
	locker   distlock.Locker
	bcast    BroadcastLifecycle
	conn     SessionLifecycle
	sessions SessionPurger
	metrics  Metrics
}

func NewController(cfg Config, locker distlock.Locker, bcast BroadcastLifecycle, conn SessionLifecycle, sessions SessionPurger, metrics Metrics) *Controller {
	cfg.applyDefaults()
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Controller{cfg: cfg, locker: locker, bcast: bcast, conn: conn, sessions: sessions, metrics: metrics}
}

// Run starts all four jobs and blocks until ctx is canceled. The first three
// tick on a fixed period; purge-old-sessions instead wakes once a day at
// PurgeAtHour, matching spec.md §4.6's "daily 02:00" row.
func (c *Controller) Run(ctx context.Context) {
	var wg sync.WaitGroup
	jobs := []struct {
		name   string
		period time.Duration
		fn     func(context.Context) error
	}{
		{"lifecycle:activate-scheduled", c.cfg.ActivateScheduledPeriod, c.activateScheduled},
		{"lifecycle:expire-active", c.cfg.ExpireActivePeriod, c.expireActive},
		{"lifecycle:stale-session-cleanup", c.cfg.StaleCleanupPeriod, c.staleSessionCleanup},
	}
	for _, j := range jobs {
		wg.Add(1)
		go func(name string, period time.Duration, fn func(context.Context) error) {
			defer wg.Done()
			c.everyWithLease(ctx, name, period, fn)
		}(j.name, j.period, j.fn)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.everyWithLeaseDailyAt(ctx, "lifecycle:purge-old-sessions", c.cfg.PurgeAtHour, c.purgeOldSessions)
	}()

	wg.Wait()
}

// everyWithLease ticks every period, but only runs fn on the tick if this
// pod wins a short-lived lease for name; every other pod's tick is a no-op.
// This makes each job effectively single-flight across the cluster without
// any pod being a permanent leader.
func (c *Controller) everyWithLease(ctx context.Context, name string, period time.Duration, fn func(context.Context) error) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			lock := c.locker.NewLock(name, c.cfg.LeaseTTL)
			ok, err := lock.Acquire(ctx)
			if err != nil {
				logger.L().ErrorContext(ctx, "lifecycle lease acquire failed", "error", err, "job", name)
				continue
			}
			if !ok {
				continue
			}
			c.metrics.IncLifecycleJobRun(name)
			if err := fn(ctx); err != nil {
				logger.L().ErrorContext(ctx, "lifecycle job failed", "error", err, "job", name)
			}
			if err := lock.Release(ctx); err != nil {
				logger.L().WarnContext(ctx, "lifecycle lease release failed", "error", err, "job", name)
			}
		}
	}
}

// everyWithLeaseDailyAt wakes once every time the wall clock crosses `hour`
// (local time), wins a lease the same way everyWithLease does, and goes back
// to sleep until the next day's boundary. Unlike a fixed-interval ticker it
// never drifts across daylight-saving changes because the wake time is
// recomputed from the current wall clock on every iteration.
func (c *Controller) everyWithLeaseDailyAt(ctx context.Context, name string, hour int, fn func(context.Context) error) {
	for {
		timer := time.NewTimer(nextDailyBoundary(time.Now(), hour))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		lock := c.locker.NewLock(name, c.cfg.LeaseTTL)
		ok, err := lock.Acquire(ctx)
		if err != nil {
			logger.L().ErrorContext(ctx, "lifecycle lease acquire failed", "error", err, "job", name)
			continue
		}
		if !ok {
			continue
		}
		c.metrics.IncLifecycleJobRun(name)
		if err := fn(ctx); err != nil {
			logger.L().ErrorContext(ctx, "lifecycle job failed", "error", err, "job", name)
		}
		if err := lock.Release(ctx); err != nil {
			logger.L().WarnContext(ctx, "lifecycle lease release failed", "error", err, "job", name)
		}
	}
}

// nextDailyBoundary returns how long to sleep from now until the next
// occurrence of hour:00 local time, today if it hasn't passed yet, tomorrow
// otherwise.
func nextDailyBoundary(now time.Time, hour int) time.Duration {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next.Sub(now)
}

func (c *Controller) activateScheduled(ctx context.Context) error {
	n, err := c.bcast.ActivateScheduled(ctx, c.cfg.BatchSize)
	if err != nil {
		return err
	}
	if n > 0 {
		logger.L().InfoContext(ctx, "activated scheduled broadcasts", "count", n)
	}
	return nil
}

func (c *Controller) expireActive(ctx context.Context) error {
	n, err := c.bcast.ExpireActive(ctx, c.cfg.BatchSize)
	if err != nil {
		return err
	}
	if n > 0 {
		logger.L().InfoContext(ctx, "expired active broadcasts", "count", n)
	}
	return nil
}

func (c *Controller) staleSessionCleanup(ctx context.Context) error {
	n, err := c.conn.CleanupStaleSessions(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		logger.L().InfoContext(ctx, "cleaned up stale sessions", "count", n)
	}
	return nil
}

func (c *Controller) purgeOldSessions(ctx context.Context) error {
	n, err := c.sessions.PurgeInactiveSessions(ctx, time.Now().Add(-c.cfg.SessionRetention))
	if err != nil {
		return err
	}
	if n > 0 {
		logger.L().InfoContext(ctx, "purged old inactive sessions", "count", n)
	}
	return nil
}
