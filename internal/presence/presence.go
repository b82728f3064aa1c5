// Package presence wraps the distributed cache (C2) with the key
// conventions the connection manager and delivery orchestrator need:
// online-user counters and per-user pending event staging. Per-broadcast
// statistics are not cached here; they are read from and written to the
// relational store. It deliberately tolerates cold loss — the relational
// store remains the source of truth for everything durable.
package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/broadcasthub/platform/pkg/cache"
	"github.com/broadcasthub/platform/pkg/errors"
)

const (
	onlineTTL  = 5 * time.Minute
	pendingTTL = 24 * time.Hour
)

// PendingEvent is what gets cached for an offline user so a reconnect can
// flush it without a DB round trip.
type PendingEvent struct {
	BroadcastID uint64 `json:"broadcastId"`
	Content     string `json:"content"`
	SenderName  string `json:"senderName"`
	Priority    string `json:"priority"`
	Category    string `json:"category"`
}

type Presence struct {
	c cache.Cache
}

func New(c cache.Cache) *Presence {
	return &Presence{c: c}
}

func connKey(userID string) string   { return "user-conn:" + userID }
func pendingKey(userID string, broadcastID uint64) string {
	return fmt.Sprintf("pending-evt:%s:%d", userID, broadcastID)
}
func pendingIndexKey(userID string) string { return "pending-evt-index:" + userID }

// MarkOnline increments the cluster-wide session count for a user. Called
// once per session opened anywhere in the cluster.
func (p *Presence) MarkOnline(ctx context.Context, userID string) error {
	if _, err := p.c.Incr(ctx, connKey(userID), 1); err != nil {
		return errors.Wrap(err, "failed to mark user online")
	}
	return nil
}

// MarkOffline decrements the session count; it is safe to go to zero or,
// under races, briefly negative (IsOnline treats <= 0 as offline).
func (p *Presence) MarkOffline(ctx context.Context, userID string) error {
	if _, err := p.c.Incr(ctx, connKey(userID), -1); err != nil {
		return errors.Wrap(err, "failed to mark user offline")
	}
	return nil
}

// IsOnline peeks the counter without mutating it.
func (p *Presence) IsOnline(ctx context.Context, userID string) (bool, error) {
	n, err := p.c.Incr(ctx, connKey(userID), 0)
	if err != nil {
		return false, errors.Wrap(err, "failed to read presence counter")
	}
	return n > 0, nil
}

// CachePendingEvent stages a delivery for an offline user, to be replayed on
// reconnect before the DB's PENDING rows are even queried.
func (p *Presence) CachePendingEvent(ctx context.Context, userID string, evt PendingEvent) error {
	if err := p.c.Set(ctx, pendingKey(userID, evt.BroadcastID), evt, pendingTTL); err != nil {
		return errors.Wrap(err, "failed to cache pending event")
	}
	return p.addToIndex(ctx, userID, evt.BroadcastID)
}

// RemovePendingEvent evicts a staged event, used on CANCELLED.
func (p *Presence) RemovePendingEvent(ctx context.Context, userID string, broadcastID uint64) error {
	if err := p.c.Delete(ctx, pendingKey(userID, broadcastID)); err != nil {
		return errors.Wrap(err, "failed to remove pending event")
	}
	return p.removeFromIndex(ctx, userID, broadcastID)
}

// ListPendingEvents returns every still-cached pending event for a user.
// Entries whose TTL already lapsed are silently skipped.
func (p *Presence) ListPendingEvents(ctx context.Context, userID string) ([]PendingEvent, error) {
	ids, err := p.readIndex(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]PendingEvent, 0, len(ids))
	for _, id := range ids {
		var evt PendingEvent
		if err := p.c.Get(ctx, pendingKey(userID, id), &evt); err != nil {
			continue
		}
		out = append(out, evt)
	}
	return out, nil
}

func (p *Presence) readIndex(ctx context.Context, userID string) ([]uint64, error) {
	var ids []uint64
	if err := p.c.Get(ctx, pendingIndexKey(userID), &ids); err != nil {
		return nil, nil
	}
	return ids, nil
}

func (p *Presence) addToIndex(ctx context.Context, userID string, broadcastID uint64) error {
	ids, _ := p.readIndex(ctx, userID)
	for _, id := range ids {
		if id == broadcastID {
			return nil
		}
	}
	ids = append(ids, broadcastID)
	return p.writeIndex(ctx, userID, ids)
}

func (p *Presence) removeFromIndex(ctx context.Context, userID string, broadcastID uint64) error {
	ids, _ := p.readIndex(ctx, userID)
	out := ids[:0]
	for _, id := range ids {
		if id != broadcastID {
			out = append(out, id)
		}
	}
	return p.writeIndex(ctx, userID, out)
}

func (p *Presence) writeIndex(ctx context.Context, userID string, ids []uint64) error {
	if err := p.c.Set(ctx, pendingIndexKey(userID), ids, pendingTTL); err != nil {
		return errors.Wrap(err, "failed to write pending event index")
	}
	return nil
}
