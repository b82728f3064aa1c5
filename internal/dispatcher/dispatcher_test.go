package dispatcher

import (
	"context"
	"testing"
	"time"

	"github.com/broadcasthub/platform/internal/bus"
	"github.com/broadcasthub/platform/internal/connection"
	"github.com/broadcasthub/platform/internal/model"
	"github.com/broadcasthub/platform/pkg/messaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDeliverer struct {
	delivered []uint64
	err       error
}

func (f *fakeDeliverer) Deliver(ctx context.Context, userID string, broadcastID uint64) error {
	if f.err != nil {
		return f.err
	}
	f.delivered = append(f.delivered, broadcastID)
	return nil
}

type fakeConns struct {
	pushed []connection.Event
}

func (f *fakeConns) Push(ctx context.Context, userID string, evt connection.Event) (bool, error) {
	f.pushed = append(f.pushed, evt)
	return true, nil
}

type fakePresence struct {
	removed []uint64
}

func (f *fakePresence) RemovePendingEvent(ctx context.Context, userID string, broadcastID uint64) error {
	f.removed = append(f.removed, broadcastID)
	return nil
}

type fakePublisher struct {
	topics []string
}

func (f *fakePublisher) Publish(ctx context.Context, topic string, userID string, payload []byte) error {
	f.topics = append(f.topics, topic)
	return nil
}

func msgFor(t *testing.T, evt model.MessageDeliveryEvent) *messaging.Message {
	t.Helper()
	payload, err := bus.Encode(evt)
	require.NoError(t, err)
	return &messaging.Message{Topic: bus.TopicSelected, Payload: payload}
}

func fastConfig() Config {
	return Config{MaxAttempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}
}

func TestDispatcher_Handle_Created(t *testing.T) {
	deliverer := &fakeDeliverer{}
	d := New(fastConfig(), deliverer, &fakeConns{}, &fakePresence{}, &fakePublisher{}, nil)

	err := d.Handle(context.Background(), msgFor(t, model.MessageDeliveryEvent{
		UserID: "u1", BroadcastID: 1, EventType: model.EventCreated,
	}))
	require.NoError(t, err)
	assert.Equal(t, []uint64{1}, deliverer.delivered)
}

func TestDispatcher_Handle_CreatedWithFailSentinelRoutesToDLT(t *testing.T) {
	deliverer := &fakeDeliverer{}
	pub := &fakePublisher{}
	met := &countingMetrics{}
	d := New(fastConfig(), deliverer, &fakeConns{}, &fakePresence{}, pub, met)

	err := d.Handle(context.Background(), msgFor(t, model.MessageDeliveryEvent{
		UserID: "u1", BroadcastID: 1, EventType: model.EventCreated,
		Message: &model.MessageContent{Content: "hello FAIL_ME world"},
	}))
	require.NoError(t, err)
	assert.Empty(t, deliverer.delivered)
	require.Len(t, pub.topics, 1)
	assert.Equal(t, bus.DltTopic(bus.TopicSelected), pub.topics[0])
	assert.Equal(t, 1, met.failures)
}

func TestDispatcher_Handle_Read(t *testing.T) {
	conns := &fakeConns{}
	d := New(fastConfig(), &fakeDeliverer{}, conns, &fakePresence{}, &fakePublisher{}, nil)

	err := d.Handle(context.Background(), msgFor(t, model.MessageDeliveryEvent{
		UserID: "u1", BroadcastID: 1, EventType: model.EventRead,
	}))
	require.NoError(t, err)
	require.Len(t, conns.pushed, 1)
	assert.Equal(t, connection.EventMessageRead, conns.pushed[0].Name)
	assert.JSONEq(t, `{"broadcastId":1}`, string(conns.pushed[0].Data))
}

func TestDispatcher_Handle_Cancelled(t *testing.T) {
	conns := &fakeConns{}
	pres := &fakePresence{}
	d := New(fastConfig(), &fakeDeliverer{}, conns, pres, &fakePublisher{}, nil)

	err := d.Handle(context.Background(), msgFor(t, model.MessageDeliveryEvent{
		UserID: "u1", BroadcastID: 1, EventType: model.EventCancelled,
	}))
	require.NoError(t, err)
	require.Len(t, conns.pushed, 1)
	assert.Equal(t, connection.EventMessageRemoved, conns.pushed[0].Name)
	assert.JSONEq(t, `{"broadcastId":1}`, string(conns.pushed[0].Data))
	assert.Equal(t, []uint64{1}, pres.removed)
}

func TestDispatcher_Handle_Expired(t *testing.T) {
	conns := &fakeConns{}
	d := New(fastConfig(), &fakeDeliverer{}, conns, &fakePresence{}, &fakePublisher{}, nil)

	err := d.Handle(context.Background(), msgFor(t, model.MessageDeliveryEvent{
		UserID: "u1", BroadcastID: 1, EventType: model.EventExpired,
	}))
	require.NoError(t, err)
	require.Len(t, conns.pushed, 1)
	assert.Equal(t, connection.EventMessageRemoved, conns.pushed[0].Name)
	assert.JSONEq(t, `{"broadcastId":1}`, string(conns.pushed[0].Data))
}

func TestDispatcher_Handle_UnknownEventTypeRoutesToDLT(t *testing.T) {
	pub := &fakePublisher{}
	d := New(fastConfig(), &fakeDeliverer{}, &fakeConns{}, &fakePresence{}, pub, nil)

	err := d.Handle(context.Background(), msgFor(t, model.MessageDeliveryEvent{
		UserID: "u1", BroadcastID: 1, EventType: "BOGUS",
	}))
	require.NoError(t, err)
	assert.Len(t, pub.topics, 1)
}

type countingMetrics struct {
	failures int
}

func (m *countingMetrics) IncDispatchFailure(string) { m.failures++ }
