// Package kafka adapts pkg/messaging's Broker/Producer/Consumer interfaces
// to IBM/sarama.
package kafka

import (
	"context"
	"time"

	"github.com/IBM/sarama"
	"github.com/broadcasthub/platform/pkg/messaging"
)

// Config configures the Kafka broker.
type Config struct {
	Brokers []string `env:"KAFKA_BROKERS" env-default:"localhost:9092" env-separator:","`

	// ClientID is reported to the Kafka cluster for logging/quota purposes.
	ClientID string `env:"KAFKA_CLIENT_ID" env-default:"broadcasthub"`

	// ProducerTimeout bounds how long SyncProducer waits for a broker ack.
	ProducerTimeout time.Duration `env:"KAFKA_PRODUCER_TIMEOUT" env-default:"10s"`
}

// Broker implements messaging.Broker over a shared sarama client.
type Broker struct {
	cfg    Config
	client sarama.Client
}

// New dials the Kafka cluster and returns a ready Broker.
func New(cfg Config) (*Broker, error) {
	sc := sarama.NewConfig()
	sc.ClientID = cfg.ClientID
	sc.Producer.Return.Successes = true
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Timeout = cfg.ProducerTimeout
	sc.Consumer.Offsets.Initial = sarama.OffsetOldest

	client, err := sarama.NewClient(cfg.Brokers, sc)
	if err != nil {
		return nil, messaging.ErrConnectionFailed(err)
	}

	return &Broker{cfg: cfg, client: client}, nil
}

func (b *Broker) Producer(topic string) (messaging.Producer, error) {
	sp, err := sarama.NewSyncProducerFromClient(b.client)
	if err != nil {
		return nil, messaging.ErrConnectionFailed(err)
	}
	return &producer{broker: b, topic: topic, producer: sp}, nil
}

func (b *Broker) Consumer(topic string, group string) (messaging.Consumer, error) {
	cg, err := sarama.NewConsumerGroupFromClient(group, b.client)
	if err != nil {
		return nil, messaging.ErrConnectionFailed(err)
	}
	return &consumer{topic: topic, group: group, cg: cg}, nil
}

func (b *Broker) Close() error {
	return b.client.Close()
}

func (b *Broker) Healthy(ctx context.Context) bool {
	brokers := b.client.Brokers()
	for _, br := range brokers {
		if connected, _ := br.Connected(); connected {
			return true
		}
	}
	return false
}
