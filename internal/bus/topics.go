// Package bus wires the domain's MessageDeliveryEvent onto pkg/messaging,
// choosing topics the way §4.2 requires: SELECTED/ROLE broadcasts go to a
// low-latency topic, ALL broadcasts go to a separate high-fan-out topic, so
// a large broadcast never head-of-line-blocks a targeted one.
package bus

import (
	"encoding/json"

	"github.com/broadcasthub/platform/internal/model"
	"github.com/broadcasthub/platform/pkg/errors"
)

const (
	TopicSelected = "broadcast-selected"
	TopicGroup    = "broadcast-group"
)

// TopicFor returns the topic a Broadcast's events should be published to.
func TopicFor(targetType model.TargetType) string {
	if targetType == model.TargetAll {
		return TopicGroup
	}
	return TopicSelected
}

// DltTopic derives the dead-letter topic for an original topic.
func DltTopic(original string) string {
	return original + ".dlt"
}

// Encode serializes a MessageDeliveryEvent for the outbox / bus payload.
func Encode(evt model.MessageDeliveryEvent) ([]byte, error) {
	b, err := json.Marshal(evt)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode message delivery event")
	}
	return b, nil
}

// Decode is forward-compatible: unknown fields in payload are ignored, which
// is encoding/json's default behavior for struct targets.
func Decode(payload []byte) (model.MessageDeliveryEvent, error) {
	var evt model.MessageDeliveryEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		return model.MessageDeliveryEvent{}, errors.New(errors.CodeUnprocessable, "failed to decode message delivery event", err)
	}
	return evt, nil
}
