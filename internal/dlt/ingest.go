package dlt

import (
	"context"

	"github.com/broadcasthub/platform/internal/bus"
	"github.com/broadcasthub/platform/pkg/errors"
	"github.com/broadcasthub/platform/pkg/logger"
	"github.com/broadcasthub/platform/pkg/messaging"
)

// Handle is the messaging.MessageHandler this service hands to a consumer
// subscribed to a `.dlt` topic. Decode failures are logged and acked rather
// than retried — a malformed envelope on the dead-letter topic itself has
// nowhere further to go.
func (s *Service) Handle(ctx context.Context, msg *messaging.Message) error {
	env, err := bus.DecodeDltEnvelope(msg.Payload)
	if err != nil {
		logger.L().ErrorContext(ctx, "undecodable dlt envelope, dropping", "error", err, "topic", msg.Topic)
		return nil
	}
	if err := s.Ingest(ctx, env); err != nil {
		return errors.Wrap(err, "failed to persist dlt record")
	}
	return nil
}
