// Package memory adapts pkg/messaging's Broker/Producer/Consumer interfaces
// to an in-process, channel-backed broker for tests and local development.
package memory

import (
	"context"
	"sync"

	"github.com/broadcasthub/platform/pkg/messaging"
)

// Config configures the in-memory broker.
type Config struct {
	// BufferSize bounds each topic's channel so a slow consumer applies
	// backpressure instead of growing memory without limit.
	BufferSize int
}

// Broker implements messaging.Broker with one fan-out channel set per topic.
type Broker struct {
	cfg Config

	mu     sync.Mutex
	topics map[string]*topic
	closed bool
}

type topic struct {
	mu   sync.Mutex
	subs []chan *messaging.Message
}

// New returns a ready in-memory Broker.
func New(cfg Config) *Broker {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 64
	}
	return &Broker{cfg: cfg, topics: make(map[string]*topic)}
}

func (b *Broker) topicFor(name string) *topic {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[name]
	if !ok {
		t = &topic{}
		b.topics[name] = t
	}
	return t
}

func (b *Broker) Producer(name string) (messaging.Producer, error) {
	return &producer{broker: b, topic: name}, nil
}

// Consumer's group is accepted for interface compatibility; the in-memory
// adapter always fans every message out to every subscribed consumer.
func (b *Broker) Consumer(name string, _ string) (messaging.Consumer, error) {
	t := b.topicFor(name)
	ch := make(chan *messaging.Message, b.cfg.BufferSize)

	t.mu.Lock()
	t.subs = append(t.subs, ch)
	t.mu.Unlock()

	return &consumer{topic: t, ch: ch}, nil
}

func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, t := range b.topics {
		t.mu.Lock()
		for _, ch := range t.subs {
			close(ch)
		}
		t.subs = nil
		t.mu.Unlock()
	}
	return nil
}

func (b *Broker) Healthy(ctx context.Context) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.closed
}

type producer struct {
	broker *Broker
	topic  string
}

func (p *producer) Publish(ctx context.Context, msg *messaging.Message) error {
	if msg.Topic == "" {
		msg.Topic = p.topic
	}
	t := p.broker.topicFor(msg.Topic)
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, ch := range t.subs {
		select {
		case ch <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (p *producer) PublishBatch(ctx context.Context, msgs []*messaging.Message) error {
	for _, m := range msgs {
		if err := p.Publish(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

func (p *producer) Close() error { return nil }

type consumer struct {
	topic *topic
	ch    chan *messaging.Message
}

func (c *consumer) Consume(ctx context.Context, handler messaging.MessageHandler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-c.ch:
			if !ok {
				return nil
			}
			if err := handler(ctx, msg); err != nil {
				return err
			}
		}
	}
}

func (c *consumer) Close() error { return nil }
