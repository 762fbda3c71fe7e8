package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spec-kit/redmine-bridge/internal/domain"
	"github.com/spec-kit/redmine-bridge/internal/events"
)

// EventSink receives every bridge event after it is logged.
type EventSink interface {
	Publish(ctx context.Context, event events.Event) error
}

// NotificationService logs bridge events and forwards them to an optional sink.
type NotificationService struct {
	dispatcher events.Dispatcher
	logger     *zap.Logger
	sink       EventSink
}

// NewNotificationService creates the service. sink may be nil.
func NewNotificationService(dispatcher events.Dispatcher, logger *zap.Logger, sink EventSink) *NotificationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NotificationService{
		dispatcher: dispatcher,
		logger:     logger,
		sink:       sink,
	}
}

// RegisterHandlers subscribes to events.
func (n *NotificationService) RegisterHandlers() {
	if n.dispatcher == nil {
		return
	}
	for _, eventType := range events.AllEventTypes {
		n.dispatcher.Subscribe(eventType, n.handle)
	}
}

func (n *NotificationService) handle(ctx context.Context, event events.Event) error {
	n.logger.Info("bridge.event",
		zap.String("type", string(event.Type)),
		zap.Int("issue_id", event.IssueID),
		zap.String("correlation_id", event.CorrelationID),
		zap.Any("payload", event.Payload))
	if n.sink == nil {
		return nil
	}
	if err := n.sink.Publish(ctx, event); err != nil {
		n.logger.Warn("bridge.event.sink_failed",
			zap.String("type", string(event.Type)),
			zap.String("correlation_id", event.CorrelationID),
			zap.Error(err))
		return err
	}
	return nil
}

// publish emits an event; failures are logged and never reach the caller.
func publish(ctx context.Context, dispatcher events.Dispatcher, logger *zap.Logger, eventType events.EventType, rc domain.RequestContext, issueID int, payload interface{}) {
	if dispatcher == nil {
		return
	}
	event := events.Event{
		ID:            uuid.NewString(),
		Type:          eventType,
		IssueID:       issueID,
		CorrelationID: rc.CorrelationID,
		Actor:         rc.SwitchUser(),
		Timestamp:     time.Now().UTC(),
		Payload:       payload,
	}
	if err := dispatcher.Publish(ctx, event); err != nil && logger != nil {
		logger.Warn("bridge.event.publish_failed",
			zap.String("type", string(eventType)),
			zap.String("correlation_id", rc.CorrelationID),
			zap.Error(err))
	}
}
