// Package tests is a broker-agnostic conformance suite: any messaging.Broker
// adapter can run RunBrokerTests against itself to verify the baseline
// publish/consume contract every adapter is expected to honor.
package tests

import (
	"context"
	"testing"
	"time"

	"github.com/broadcasthub/platform/pkg/messaging"
	"github.com/google/uuid"
)

// RunBrokerTests exercises the parts of messaging.Broker that every adapter
// must support: publish-then-consume on a topic, and a clean Close.
func RunBrokerTests(t *testing.T, broker messaging.Broker) {
	t.Helper()

	topic := "tests-" + uuid.New().String()

	producer, err := broker.Producer(topic)
	if err != nil {
		t.Fatalf("Producer: %v", err)
	}
	defer producer.Close()

	consumer, err := broker.Consumer(topic, "tests-group")
	if err != nil {
		t.Fatalf("Consumer: %v", err)
	}
	defer consumer.Close()

	received := make(chan *messaging.Message, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		_ = consumer.Consume(ctx, func(_ context.Context, msg *messaging.Message) error {
			received <- msg
			return nil
		})
	}()

	want := &messaging.Message{
		ID:      uuid.New().String(),
		Topic:   topic,
		Payload: []byte("hello"),
	}
	if err := producer.Publish(context.Background(), want); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case got := <-received:
		if string(got.Payload) != "hello" {
			t.Fatalf("payload = %q, want %q", got.Payload, "hello")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message was not delivered")
	}
}
