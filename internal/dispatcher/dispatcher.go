// Package dispatcher is C4: the bus consumer that turns a MessageDeliveryEvent
// into a delivery, a read receipt, or a removal, retrying locally before
// giving up to the dead-letter topic.
package dispatcher

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/broadcasthub/platform/internal/bus"
	"github.com/broadcasthub/platform/internal/connection"
	"github.com/broadcasthub/platform/internal/model"
	"github.com/broadcasthub/platform/pkg/errors"
	"github.com/broadcasthub/platform/pkg/logger"
	"github.com/broadcasthub/platform/pkg/messaging"
	"github.com/broadcasthub/platform/pkg/resilience"
)

// broadcastIDPayload is the json Data for MESSAGE_READ and MESSAGE_REMOVED
// events (spec.md §6: both carry json {broadcastId}).
type broadcastIDPayload struct {
	BroadcastID uint64 `json:"broadcastId"`
}

// failSentinel, present anywhere in a CREATED event's content, forces the
// handler to fail every attempt — used by fault-injection tests to exercise
// the retry-then-DLT path end to end.
const failSentinel = "FAIL_ME"

// Deliverer is C7's slice this dispatcher needs.
type Deliverer interface {
	Deliver(ctx context.Context, userID string, broadcastID uint64) error
}

// Connections is C6's slice this dispatcher needs.
type Connections interface {
	Push(ctx context.Context, userID string, evt connection.Event) (bool, error)
}

// Presence is C2's slice this dispatcher needs.
type Presence interface {
	RemovePendingEvent(ctx context.Context, userID string, broadcastID uint64) error
}

// Publisher sends the original payload to a topic, used only for routing a
// poison record to its dead-letter topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, userID string, payload []byte) error
}

// Config tunes the local retry policy applied before a record is routed to
// its dead-letter topic.
type Config struct {
	ConsumerGroup  string        `env:"DISPATCHER_GROUP" env-default:"broadcasthub-dispatcher"`
	MaxAttempts    int           `env:"DISPATCHER_MAX_ATTEMPTS" env-default:"3"`
	InitialBackoff time.Duration `env:"DISPATCHER_INITIAL_BACKOFF" env-default:"200ms"`
	MaxBackoff     time.Duration `env:"DISPATCHER_MAX_BACKOFF" env-default:"5s"`
}

// Metrics is the slice of internal/metrics this dispatcher reports to.
type Metrics interface {
	IncDispatchFailure(eventType string)
}

type noopMetrics struct{}

func (noopMetrics) IncDispatchFailure(string) {}

type Dispatcher struct {
	cfg       Config
	deliverer Deliverer
	conns     Connections
	presence  Presence
	dlt       Publisher
	metrics   Metrics
}

func New(cfg Config, deliverer Deliverer, conns Connections, pres Presence, dlt Publisher, metrics Metrics) *Dispatcher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 200 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 5 * time.Second
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Dispatcher{cfg: cfg, deliverer: deliverer, conns: conns, presence: pres, dlt: dlt, metrics: metrics}
}

// Handle is the messaging.MessageHandler this dispatcher hands to a
// pkg/messaging consumer. It retries the per-record handler locally; if
// every attempt fails, it forwards the raw record to the topic's DLT and
// acks so the poison message never blocks its partition.
func (d *Dispatcher) Handle(ctx context.Context, msg *messaging.Message) error {
	retryCfg := resilience.RetryConfig{
		MaxAttempts:    d.cfg.MaxAttempts,
		InitialBackoff: d.cfg.InitialBackoff,
		MaxBackoff:     d.cfg.MaxBackoff,
		Multiplier:     2.0,
		Jitter:         0.2,
	}

	err := resilience.Retry(ctx, retryCfg, func(ctx context.Context) error {
		return d.handleOnce(ctx, msg)
	})
	if err == nil {
		return nil
	}

	logger.L().ErrorContext(ctx, "dispatcher exhausted retries, routing to dlt",
		"error", err, "topic", msg.Topic, "partition", msg.Metadata.Partition, "offset", msg.Metadata.Offset)

	eventType := "unknown"
	if evt, decErr := bus.Decode(msg.Payload); decErr == nil {
		eventType = string(evt.EventType)
	}
	d.metrics.IncDispatchFailure(eventType)

	dltTopic := bus.DltTopic(msg.Topic)
	envelope, encErr := bus.EncodeDltEnvelope(bus.DltEnvelope{
		OriginalTopic:     msg.Topic,
		OriginalPartition: msg.Metadata.Partition,
		OriginalOffset:    msg.Metadata.Offset,
		ExceptionMessage:  err.Error(),
		Payload:           msg.Payload,
	})
	if encErr != nil {
		return encErr
	}
	if pubErr := d.dlt.Publish(ctx, dltTopic, keyOf(msg), envelope); pubErr != nil {
		return pubErr
	}
	return nil
}

func (d *Dispatcher) handleOnce(ctx context.Context, msg *messaging.Message) error {
	evt, err := bus.Decode(msg.Payload)
	if err != nil {
		return errors.New(errors.CodeUnprocessable, "undecodable message delivery event", err)
	}

	switch evt.EventType {
	case model.EventCreated:
		if evt.Message != nil && strings.Contains(evt.Message.Content, failSentinel) {
			return errors.New(errors.CodeInternal, "fault injection sentinel present", nil)
		}
		return d.deliverer.Deliver(ctx, evt.UserID, evt.BroadcastID)

	case model.EventRead:
		data, err := json.Marshal(broadcastIDPayload{BroadcastID: evt.BroadcastID})
		if err != nil {
			return err
		}
		_, err = d.conns.Push(ctx, evt.UserID, connection.Event{Name: connection.EventMessageRead, ID: strconv.FormatUint(evt.BroadcastID, 10), Data: data})
		return err

	case model.EventCancelled:
		data, err := json.Marshal(broadcastIDPayload{BroadcastID: evt.BroadcastID})
		if err != nil {
			return err
		}
		if _, err := d.conns.Push(ctx, evt.UserID, connection.Event{Name: connection.EventMessageRemoved, ID: strconv.FormatUint(evt.BroadcastID, 10), Data: data}); err != nil {
			return err
		}
		return d.presence.RemovePendingEvent(ctx, evt.UserID, evt.BroadcastID)

	case model.EventExpired:
		data, err := json.Marshal(broadcastIDPayload{BroadcastID: evt.BroadcastID})
		if err != nil {
			return err
		}
		_, err = d.conns.Push(ctx, evt.UserID, connection.Event{Name: connection.EventMessageRemoved, ID: strconv.FormatUint(evt.BroadcastID, 10), Data: data})
		return err

	default:
		return errors.New(errors.CodeUnprocessable, "unknown event type: "+string(evt.EventType), nil)
	}
}

func keyOf(msg *messaging.Message) string {
	if len(msg.Key) > 0 {
		return string(msg.Key)
	}
	return ""
}
