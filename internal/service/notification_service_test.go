package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/spec-kit/redmine-bridge/internal/domain"
	"github.com/spec-kit/redmine-bridge/internal/events"
)

type recordingSink struct {
	events []events.Event
	err    error
}

func (s *recordingSink) Publish(_ context.Context, event events.Event) error {
	s.events = append(s.events, event)
	return s.err
}

func TestNotificationServiceForwardsEveryType(t *testing.T) {
	dispatcher := events.NewInMemoryDispatcher()
	sink := &recordingSink{}
	NewNotificationService(dispatcher, zap.NewNop(), sink).RegisterHandlers()

	rc := domain.RequestContext{CorrelationID: "corr", Login: "ana"}
	for _, eventType := range events.AllEventTypes {
		publish(context.Background(), dispatcher, zap.NewNop(), eventType, rc, 10, nil)
	}

	require.Len(t, sink.events, len(events.AllEventTypes))
	first := sink.events[0]
	assert.Equal(t, events.EventTicketCreated, first.Type)
	assert.Equal(t, 10, first.IssueID)
	assert.Equal(t, "corr", first.CorrelationID)
	assert.Equal(t, "ana", first.Actor)
	assert.NotEmpty(t, first.ID)
	assert.False(t, first.Timestamp.IsZero())
}

func TestNotificationSinkFailureDoesNotPanic(t *testing.T) {
	dispatcher := events.NewInMemoryDispatcher()
	sink := &recordingSink{err: errors.New("broker down")}
	NewNotificationService(dispatcher, zap.NewNop(), sink).RegisterHandlers()

	err := dispatcher.Publish(context.Background(), events.Event{Type: events.EventMessageAdded})
	assert.Error(t, err)

	assert.NotPanics(t, func() {
		publish(context.Background(), dispatcher, zap.NewNop(), events.EventMessageAdded, domain.RequestContext{}, 1, nil)
	})
	assert.Len(t, sink.events, 2)
}
