package kafka

import (
	"context"
	"sync"

	"github.com/IBM/sarama"
	"github.com/broadcasthub/platform/pkg/messaging"
)

// consumer is a Kafka consumer-group based implementation.
type consumer struct {
	topic string
	group string
	cg    sarama.ConsumerGroup

	mu     sync.Mutex
	closed bool
}

// Consume joins the consumer group and dispatches each record to handler.
// It blocks until ctx is canceled, reconnecting the group session on every
// rebalance as sarama requires.
func (c *consumer) Consume(ctx context.Context, handler messaging.MessageHandler) error {
	h := &groupHandler{handler: handler}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := c.cg.Consume(ctx, []string{c.topic}, h); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return messaging.ErrConsumeFailed(err)
		}
	}
}

func (c *consumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.cg.Close()
}

// groupHandler adapts messaging.MessageHandler to sarama.ConsumerGroupHandler.
type groupHandler struct {
	handler messaging.MessageHandler
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case <-sess.Context().Done():
			return nil
		case record, ok := <-claim.Messages():
			if !ok {
				return nil
			}

			msg := &messaging.Message{
				Topic:     record.Topic,
				Key:       record.Key,
				Payload:   record.Value,
				Timestamp: record.Timestamp,
				Headers:   headersOf(record.Headers),
				Metadata: messaging.MessageMetadata{
					Partition: record.Partition,
					Offset:    record.Offset,
					Raw:       record,
				},
			}
			for _, rh := range record.Headers {
				if string(rh.Key) == "message-id" {
					msg.ID = string(rh.Value)
				}
			}

			if err := h.handler(sess.Context(), msg); err != nil {
				// Leave the offset uncommitted so the broker redelivers on
				// the next rebalance; the caller is responsible for routing
				// to the .dlt topic once its retry budget is exhausted.
				return err
			}

			sess.MarkMessage(record, "")
		}
	}
}

func headersOf(raw []*sarama.RecordHeader) map[string]string {
	if len(raw) == 0 {
		return nil
	}
	out := make(map[string]string, len(raw))
	for _, h := range raw {
		out[string(h.Key)] = string(h.Value)
	}
	return out
}
