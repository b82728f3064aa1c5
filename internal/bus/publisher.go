package bus

import (
	"context"
	"sync"

	"github.com/broadcasthub/platform/pkg/messaging"
)

// Publisher lazily creates and caches one Producer per topic on top of a
// shared Broker, since sarama (and most brokers) amortize topic metadata
// lookups across a long-lived producer.
type Publisher struct {
	broker messaging.Broker

	mu        sync.Mutex
	producers map[string]messaging.Producer
}

func NewPublisher(broker messaging.Broker) *Publisher {
	return &Publisher{broker: broker, producers: make(map[string]messaging.Producer)}
}

// Publish sends payload to topic, keyed by userID for per-user ordering.
func (p *Publisher) Publish(ctx context.Context, topic string, userID string, payload []byte) error {
	producer, err := p.producerFor(topic)
	if err != nil {
		return err
	}
	return producer.Publish(ctx, &messaging.Message{
		Topic:   topic,
		Key:     []byte(userID),
		Payload: payload,
	})
}

// PublishTombstone sends a nil-payload record to topic keyed by key, the
// standard log-compaction signal that every earlier record for that key can
// be dropped. Used when a DLT record is purged so the poison record is
// removed from the bus, not just from the DltRecord table.
func (p *Publisher) PublishTombstone(ctx context.Context, topic string, key string) error {
	producer, err := p.producerFor(topic)
	if err != nil {
		return err
	}
	return producer.Publish(ctx, &messaging.Message{
		Topic: topic,
		Key:   []byte(key),
	})
}

func (p *Publisher) producerFor(topic string) (messaging.Producer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if producer, ok := p.producers[topic]; ok {
		return producer, nil
	}
	producer, err := p.broker.Producer(topic)
	if err != nil {
		return nil, err
	}
	p.producers[topic] = producer
	return producer, nil
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	for _, producer := range p.producers {
		if err := producer.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
