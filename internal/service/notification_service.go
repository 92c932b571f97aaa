package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/backoffice-engine/internal/events"
)

// EventSink receives engine events for delivery outside the process.
type EventSink interface {
	Publish(ctx context.Context, routingKey, messageID string, at time.Time, body any) error
}

// NotificationService audits engine events in the log and forwards them to an optional sink.
type NotificationService struct {
	sink   EventSink
	logger *zap.Logger
}

// NewNotificationService creates the service. sink may be nil.
func NewNotificationService(sink EventSink, logger *zap.Logger) *NotificationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NotificationService{sink: sink, logger: logger}
}

// Handle logs event at a level matching its severity and forwards it.
func (n *NotificationService) Handle(ctx context.Context, event events.Event) error {
	level := zap.InfoLevel
	switch event.Type {
	case events.EventExecutionFailed, events.EventSLABreach:
		level = zap.WarnLevel
	case events.EventStepDispatched:
		level = zap.DebugLevel
	}
	if ce := n.logger.Check(level, "engine event"); ce != nil {
		ce.Write(
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)),
			zap.String("subject_id", event.SubjectID),
			zap.Any("payload", event.Payload))
	}

	if n.sink == nil {
		return nil
	}
	if err := n.sink.Publish(ctx, string(event.Type), event.ID, event.Timestamp, event); err != nil {
		n.logger.Warn("forward engine event failed",
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)),
			zap.Error(err))
		return err
	}
	return nil
}
