package lifecycle

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	distlockmemory "github.com/broadcasthub/platform/pkg/concurrency/distlock/adapters/memory"
	"github.com/stretchr/testify/assert"
)

type countingBroadcastLifecycle struct {
	activateCalls int32
	expireCalls   int32
}

func (c *countingBroadcastLifecycle) ActivateScheduled(ctx context.Context, limit int) (int, error) {
	atomic.AddInt32(&c.activateCalls, 1)
	return 1, nil
}

func (c *countingBroadcastLifecycle) ExpireActive(ctx context.Context, limit int) (int, error) {
	atomic.AddInt32(&c.expireCalls, 1)
	return 0, nil
}

type noopSessionLifecycle struct{}

func (noopSessionLifecycle) CleanupStaleSessions(ctx context.Context) (int, error) { return 0, nil }

type noopSessionPurger struct{}

func (noopSessionPurger) PurgeInactiveSessions(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

// TestController_EveryWithLease_OnlyOnePodWinsPerTick exercises I6 directly:
// two controllers sharing one lock backend, both ticking the same job, must
// only have one of them actually execute on any given tick.
func TestController_EveryWithLease_OnlyOnePodWinsPerTick(t *testing.T) {
	locker := distlockmemory.New()
	defer locker.Close()

	bcastA := &countingBroadcastLifecycle{}
	bcastB := &countingBroadcastLifecycle{}

	cfgA := Config{ActivateScheduledPeriod: 20 * time.Millisecond, LeaseTTL: 200 * time.Millisecond}
	cfgB := Config{ActivateScheduledPeriod: 20 * time.Millisecond, LeaseTTL: 200 * time.Millisecond}

	ctrlA := NewController(cfgA, locker, bcastA, noopSessionLifecycle{}, noopSessionPurger{}, nil)
	ctrlB := NewController(cfgB, locker, bcastB, noopSessionLifecycle{}, noopSessionPurger{}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); ctrlA.everyWithLease(ctx, "processScheduledBroadcasts", ctrlA.cfg.ActivateScheduledPeriod, ctrlA.activateScheduled) }()
	go func() { defer wg.Done(); ctrlB.everyWithLease(ctx, "processScheduledBroadcasts", ctrlB.cfg.ActivateScheduledPeriod, ctrlB.activateScheduled) }()
	wg.Wait()

	total := atomic.LoadInt32(&bcastA.activateCalls) + atomic.LoadInt32(&bcastB.activateCalls)
	assert.Equal(t, int32(1), total, "exactly one pod should win the single tick inside the 30ms window")
}

func TestController_Run_StartsAllFourJobsAndStopsOnCancel(t *testing.T) {
	locker := distlockmemory.New()
	defer locker.Close()

	bcast := &countingBroadcastLifecycle{}
	cfg := Config{
		ActivateScheduledPeriod: 5 * time.Millisecond,
		ExpireActivePeriod:      5 * time.Millisecond,
		StaleCleanupPeriod:      5 * time.Millisecond,
		LeaseTTL:                time.Second,
	}
	ctrl := NewController(cfg, locker, bcast, noopSessionLifecycle{}, noopSessionPurger{}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		ctrl.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}

	assert.Greater(t, atomic.LoadInt32(&bcast.activateCalls), int32(0))
	assert.Greater(t, atomic.LoadInt32(&bcast.expireCalls), int32(0))
}

func TestNextDailyBoundary(t *testing.T) {
	now := time.Date(2026, 7, 31, 1, 30, 0, 0, time.UTC)
	assert.Equal(t, 30*time.Minute, nextDailyBoundary(now, 2))

	now = time.Date(2026, 7, 31, 2, 30, 0, 0, time.UTC)
	assert.Equal(t, 23*time.Hour+30*time.Minute, nextDailyBoundary(now, 2))

	now = time.Date(2026, 7, 31, 2, 0, 0, 0, time.UTC)
	assert.Equal(t, 24*time.Hour, nextDailyBoundary(now, 2))
}
