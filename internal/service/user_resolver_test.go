package service

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spec-kit/redmine-bridge/internal/config"
	"github.com/spec-kit/redmine-bridge/internal/domain"
	"github.com/spec-kit/redmine-bridge/internal/events"
)

func newTestUserResolver(transport RedmineTransport, dispatcher events.Dispatcher) *UserResolver {
	cfg := config.RedmineConfig{
		InternalEmailDomains: []string{"@Empresa.com", " "},
		FallbackUserLogin:    "bridge",
	}
	return NewUserResolver(transport, cfg, dispatcher, nil)
}

func TestResolveWithoutLogin(t *testing.T) {
	transport := &fakeTransport{}
	res := newTestUserResolver(transport, nil).Resolve(context.Background(), domain.RequestContext{CorrelationID: "c"})

	assert.Equal(t, UserResolution{}, res)
	assert.Equal(t, 0, transport.count())
}

func TestResolveExistingUser(t *testing.T) {
	transport := &fakeTransport{handle: func(call transportCall) (map[string]any, error) {
		return map[string]any{"users": []any{
			map[string]any{"id": 11, "login": "ana.perez"},
			map[string]any{"id": 12, "login": "ana"},
		}}, nil
	}}
	rc := domain.RequestContext{CorrelationID: "c", Login: "ana", Email: "ana@cliente.com"}

	res := newTestUserResolver(transport, nil).Resolve(context.Background(), rc)

	assert.Equal(t, UserResolution{Login: "ana", UserID: 12}, res)
	calls := transport.callsTo(http.MethodGet, "/users.json")
	require.Len(t, calls, 1)
	assert.Empty(t, calls[0].RC.Login)
	assert.Contains(t, calls[0].Req.Path, "name=ana")
}

func TestResolveProvisionsInternalUser(t *testing.T) {
	var published []events.Event
	dispatcher := events.NewInMemoryDispatcher()
	dispatcher.Subscribe(events.EventUserProvisioned, func(_ context.Context, e events.Event) error {
		published = append(published, e)
		return nil
	})
	transport := &fakeTransport{handle: func(call transportCall) (map[string]any, error) {
		if call.Req.Method == http.MethodPost {
			return map[string]any{"user": map[string]any{"id": 30}}, nil
		}
		return map[string]any{"users": []any{}}, nil
	}}
	rc := domain.RequestContext{CorrelationID: "c", Login: "juan", Email: "Juan@empresa.com", FirstName: "Juan"}

	res := newTestUserResolver(transport, dispatcher).Resolve(context.Background(), rc)

	assert.Equal(t, UserResolution{Login: "juan", UserID: 30}, res)
	posts := transport.callsTo(http.MethodPost, "/users.json")
	require.Len(t, posts, 1)
	user := posts[0].body()["user"].(map[string]any)
	assert.Equal(t, "juan", user["login"])
	assert.Equal(t, "Juan", user["firstname"])
	assert.Equal(t, "juan", user["lastname"])
	assert.Len(t, user["password"], 32)
	require.Len(t, published, 1)
	assert.Equal(t, "c", published[0].CorrelationID)
}

func TestResolveProvisionFailureAddsBlock(t *testing.T) {
	transport := &fakeTransport{handle: func(call transportCall) (map[string]any, error) {
		if call.Req.Method == http.MethodPost {
			return nil, errors.New("forbidden")
		}
		return map[string]any{"users": []any{}}, nil
	}}
	rc := domain.RequestContext{Login: "juan", Email: "juan@empresa.com", FirstName: "Juan", LastName: "Paz"}

	res := newTestUserResolver(transport, nil).Resolve(context.Background(), rc)

	assert.Empty(t, res.Login)
	assert.Equal(t, "---\nUsuario interno no aprovisionado:\nUsuario: juan\nNombre: Juan Paz\nEmail: juan@empresa.com", res.ExtraDescription)
}

func TestResolveExternalUserFallsBack(t *testing.T) {
	transport := &fakeTransport{handle: func(transportCall) (map[string]any, error) {
		return nil, errors.New("lookup failed")
	}}
	rc := domain.RequestContext{Login: "cli", Email: "cli@cliente.com", FirstName: "Eva"}

	res := newTestUserResolver(transport, nil).Resolve(context.Background(), rc)

	assert.Equal(t, "bridge", res.Login)
	assert.Equal(t, "---\nContacto del autor original:\nNombre: Eva\nEmail: cli@cliente.com\nUsuario: cli", res.ExtraDescription)
	assert.Empty(t, transport.callsTo(http.MethodPost, "/users.json"))
}
