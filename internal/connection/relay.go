package connection

import (
	"context"
	"encoding/json"

	"github.com/broadcasthub/platform/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// relayChannel is the single pub/sub channel every pod subscribes to. A pod
// that does not own a local sink for the message's user simply drops it.
const relayChannel = "broadcasthub:sse-relay"

// Relay carries a push to every pod in the cluster so whichever one owns the
// user's live connection can deliver it locally. It exists because Kafka
// partitions by user-id: the pod consuming a given user's events is not
// necessarily the pod holding that user's SSE connection.
type Relay interface {
	Publish(ctx context.Context, payload []byte) error
	Subscribe(ctx context.Context, handler func([]byte)) error
}

type relayMessage struct {
	UserID string `json:"userId"`
	Event  Event  `json:"event"`
}

// RedisRelay implements Relay over a raw go-redis client. It is a concrete
// dependency rather than pkg/cache.Cache because Subscribe needs a
// connection-bound PubSub object that the generic cache interface has no
// room for.
type RedisRelay struct {
	client *redis.Client
}

func NewRedisRelay(client *redis.Client) *RedisRelay {
	return &RedisRelay{client: client}
}

func (r *RedisRelay) Publish(ctx context.Context, payload []byte) error {
	if err := r.client.Publish(ctx, relayChannel, payload).Err(); err != nil {
		return errors.Wrap(err, "failed to publish relay message")
	}
	return nil
}

// Subscribe blocks, handing each message to handler, until ctx is canceled.
func (r *RedisRelay) Subscribe(ctx context.Context, handler func([]byte)) error {
	sub := r.client.Subscribe(ctx, relayChannel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			handler([]byte(msg.Payload))
		}
	}
}

func encodeRelay(userID string, evt Event) ([]byte, error) {
	return json.Marshal(relayMessage{UserID: userID, Event: evt})
}

func decodeRelay(payload []byte) (relayMessage, error) {
	var m relayMessage
	err := json.Unmarshal(payload, &m)
	return m, err
}
