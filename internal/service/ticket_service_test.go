package service

import (
	"context"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spec-kit/redmine-bridge/internal/config"
	"github.com/spec-kit/redmine-bridge/internal/domain"
	"github.com/spec-kit/redmine-bridge/internal/events"
	"github.com/spec-kit/redmine-bridge/internal/redmine"
)

type routeHandler func(call transportCall) (map[string]any, error)

// routes dispatches on "METHOD /path" and answers {} for anything else.
func routes(table map[string]routeHandler) func(call transportCall) (map[string]any, error) {
	return func(call transportCall) (map[string]any, error) {
		if h, ok := table[call.Req.Method+" "+call.path()]; ok {
			return h(call)
		}
		return map[string]any{}, nil
	}
}

func reply(body map[string]any) routeHandler {
	return func(transportCall) (map[string]any, error) { return body, nil }
}

func testRedmineConfig() config.RedmineConfig {
	return config.RedmineConfig{
		ProjectID:            3,
		TrackerID:            7,
		CustomFieldMap:       map[string]int{config.FieldOrigen: 101, config.FieldClienteRef: 120},
		ContactsPath:         "/contacts.json",
		InternalEmailDomains: []string{"empresa.com"},
		FallbackUserLogin:    "bridge",
		CRMProjectIdentifier: "crm",
		CRMRoleID:            4,
	}
}

func newTestTicketService(transport *fakeTransport, dispatcher events.Dispatcher) *TicketService {
	cfg := testRedmineConfig()
	svc := NewTicketService(TicketDependencies{
		Transport:  transport,
		Catalog:    NewCustomFieldCatalog(transport, nil, nil),
		Users:      NewUserResolver(transport, cfg, dispatcher, nil),
		Config:     cfg,
		Dispatcher: dispatcher,
	})
	svc.now = func() time.Time { return time.Date(2024, 5, 2, 10, 0, 0, 0, time.UTC) }
	return svc
}

func knownUser(id int, login string) routeHandler {
	return reply(map[string]any{"users": []any{map[string]any{"id": id, "login": login}}})
}

func TestCreateTicketMissingRequiredFieldFailsBeforeWrite(t *testing.T) {
	transport := &fakeTransport{}
	transport.handle = routes(map[string]routeHandler{
		"GET /custom_fields.json": reply(customFieldsResponse(
			map[string]any{"id": 9, "name": "Razón Social", "is_required": true},
		)),
	})
	svc := newTestTicketService(transport, nil)

	_, err := svc.CreateTicket(context.Background(), domain.RequestContext{CorrelationID: "c"}, domain.Ticket{Subject: "s"}, 3, 7)

	var missing *domain.MissingRequiredCustomFieldsError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, 7, missing.TrackerID)
	assert.Equal(t, []int{9}, missing.MissingIDs)
	assert.Equal(t, []string{"razon_social"}, missing.MissingKeys)
	assert.Empty(t, transport.callsTo(http.MethodPost, "/issues.json"))
	assert.Empty(t, transport.callsTo(http.MethodPost, "/uploads.json"))
}

func TestCreateTicketRequiredFieldSatisfiedByFieldMap(t *testing.T) {
	transport := &fakeTransport{}
	transport.handle = routes(map[string]routeHandler{
		"GET /custom_fields.json": reply(customFieldsResponse(
			map[string]any{"id": 102, "name": "External Ticket Id", "is_required": true},
		)),
		"GET /users.json":   knownUser(12, "ana"),
		"POST /issues.json": reply(map[string]any{"issue": map[string]any{"id": 77}}),
	})
	svc := newTestTicketService(transport, nil)
	svc.mapper = NewPayloadMapper(map[string]int{config.FieldExternalTicketID: 102})

	result, err := svc.CreateTicket(context.Background(), domain.RequestContext{CorrelationID: "c", Login: "ana"}, domain.Ticket{Subject: "s", ExternalTicketID: "EXT-1"}, 3, 7)
	require.NoError(t, err)
	assert.Equal(t, 77, result.IssueID)

	posts := transport.callsTo(http.MethodPost, "/issues.json")
	require.Len(t, posts, 1)
	issue := posts[0].body()["issue"].(map[string]any)
	assert.Equal(t, []domain.CustomFieldValue{{ID: 102, Value: "EXT-1"}}, issue["custom_fields"])
}

func TestCreateTicketAutofillsAndImpersonates(t *testing.T) {
	var created []events.Event
	dispatcher := events.NewInMemoryDispatcher()
	dispatcher.Subscribe(events.EventTicketCreated, func(_ context.Context, e events.Event) error {
		created = append(created, e)
		return nil
	})

	transport := &fakeTransport{}
	transport.handle = routes(map[string]routeHandler{
		"GET /custom_fields.json": reply(customFieldsResponse(
			map[string]any{"id": 9, "name": "Prioridad Cliente", "is_required": true, "possible_values": []any{"Alta", "Baja"}},
			map[string]any{"id": 10, "name": "Canal Venta"},
		)),
		"GET /users.json":                   knownUser(12, "ana"),
		"GET /projects/3/memberships.json":  reply(map[string]any{"memberships": []any{}}),
		"POST /issues.json":                 reply(map[string]any{"issue": map[string]any{"id": 501}}),
		"POST /projects/3/memberships.json": reply(map[string]any{}),
	})
	svc := newTestTicketService(transport, dispatcher)
	rc := domain.RequestContext{CorrelationID: "c", Login: "ana", Email: "ana@cliente.com"}
	ticket := domain.Ticket{
		Subject:      "Falla",
		Description:  "detalle",
		CustomFields: map[string]any{"Canal  venta": "web", config.FieldOrigen: "crm"},
	}

	result, err := svc.CreateTicket(context.Background(), rc, ticket, 3, 7)
	require.NoError(t, err)
	assert.Equal(t, 501, result.IssueID)

	posts := transport.callsTo(http.MethodPost, "/issues.json")
	require.Len(t, posts, 1)
	assert.Equal(t, "ana", posts[0].Req.Headers[redmine.HeaderSwitchUser])
	issue := posts[0].body()["issue"].(map[string]any)
	assert.Equal(t, 12, issue["assigned_to_id"])
	assert.Equal(t, "2024-05-02", issue["start_date"])
	assert.Equal(t, "detalle", issue["description"])
	assert.Equal(t, []domain.CustomFieldValue{
		{ID: 101, Value: "crm"},
		{ID: 9, Value: "Alta"},
		{ID: 10, Value: "web"},
	}, issue["custom_fields"])

	memberships := transport.callsTo(http.MethodPost, "/projects/3/memberships.json")
	require.Len(t, memberships, 1)
	assert.Empty(t, memberships[0].RC.Login)
	assert.Equal(t, []int{4}, memberships[0].body()["membership"].(map[string]any)["role_ids"])

	require.Len(t, created, 1)
	assert.Equal(t, 501, created[0].IssueID)
}

func TestCreateTicketMembershipFailureIsBestEffort(t *testing.T) {
	transport := &fakeTransport{}
	transport.handle = routes(map[string]routeHandler{
		"GET /custom_fields.json": reply(customFieldsResponse()),
		"GET /users.json":         knownUser(12, "ana"),
		"GET /projects/3/memberships.json": func(transportCall) (map[string]any, error) {
			return nil, &redmine.AuthError{Status: http.StatusForbidden, Message: "forbidden"}
		},
		"POST /issues.json": reply(map[string]any{"issue": map[string]any{"id": 8}}),
	})
	svc := newTestTicketService(transport, nil)

	result, err := svc.CreateTicket(context.Background(), domain.RequestContext{Login: "ana"}, domain.Ticket{Subject: "s"}, 3, 7)
	require.NoError(t, err)
	assert.Equal(t, 8, result.IssueID)
}

func TestCreateTicketExternalAuthorUsesFallbackLogin(t *testing.T) {
	transport := &fakeTransport{}
	transport.handle = routes(map[string]routeHandler{
		"GET /custom_fields.json": reply(customFieldsResponse()),
		"GET /users.json":         reply(map[string]any{"users": []any{}}),
		"POST /issues.json":       reply(map[string]any{"issue": map[string]any{"id": 9}}),
	})
	svc := newTestTicketService(transport, nil)
	rc := domain.RequestContext{Login: "cli", Email: "cli@cliente.com"}

	_, err := svc.CreateTicket(context.Background(), rc, domain.Ticket{Subject: "s", Description: "hola"}, 3, 7)
	require.NoError(t, err)

	posts := transport.callsTo(http.MethodPost, "/issues.json")
	require.Len(t, posts, 1)
	assert.Equal(t, "bridge", posts[0].Req.Headers[redmine.HeaderSwitchUser])
	issue := posts[0].body()["issue"].(map[string]any)
	assert.Equal(t, "hola\n\n---\nContacto del autor original:\nEmail: cli@cliente.com\nUsuario: cli", issue["description"])
	assert.NotContains(t, issue, "assigned_to_id")
}

func TestCreateTicketUploadWithoutToken(t *testing.T) {
	transport := &fakeTransport{}
	transport.handle = routes(map[string]routeHandler{
		"GET /custom_fields.json": reply(customFieldsResponse()),
		"POST /uploads.json":      reply(map[string]any{"upload": map[string]any{}}),
	})
	svc := newTestTicketService(transport, nil)
	ticket := domain.Ticket{
		Subject:     "s",
		Attachments: []domain.InlineAttachment{{Filename: "a b.txt", Content: "aGVsbG8="}},
	}

	_, err := svc.CreateTicket(context.Background(), domain.RequestContext{}, ticket, 3, 7)

	var transportErr *redmine.TransportError
	require.ErrorAs(t, err, &transportErr)
	assert.Equal(t, "Redmine upload token missing", transportErr.Message)
	uploads := transport.callsTo(http.MethodPost, "/uploads.json")
	require.Len(t, uploads, 1)
	assert.Equal(t, "/uploads.json?filename=a+b.txt", uploads[0].Req.Path)
	assert.Equal(t, []byte("hello"), uploads[0].Req.Body)
	assert.Empty(t, transport.callsTo(http.MethodPost, "/issues.json"))
}

func TestCreateHelpdeskTicketRetriesWithoutSwitchUserOn412(t *testing.T) {
	var attempts int32
	transport := &fakeTransport{}
	transport.handle = routes(map[string]routeHandler{
		"GET /custom_fields.json":          reply(customFieldsResponse()),
		"GET /users.json":                  knownUser(12, "ana"),
		"GET /projects/3/memberships.json": reply(map[string]any{"memberships": []any{map[string]any{"user": map[string]any{"id": 12}}}}),
		"POST /helpdesk_tickets.json": func(transportCall) (map[string]any, error) {
			if atomic.AddInt32(&attempts, 1) == 1 {
				return nil, &redmine.AuthError{Status: http.StatusPreconditionFailed, Message: "switch user"}
			}
			return map[string]any{"helpdesk_ticket": map[string]any{"issue": map[string]any{"id": 77}}}, nil
		},
	})
	svc := newTestTicketService(transport, nil)
	rc := domain.RequestContext{CorrelationID: "c", Login: "ana"}
	contact := domain.HelpdeskContact{Email: " Cliente@Mail.com "}

	result, err := svc.CreateHelpdeskTicket(context.Background(), rc, domain.Ticket{Subject: "s", Priority: "baja"}, contact, 3, 7)
	require.NoError(t, err)
	assert.Equal(t, 77, result.IssueID)

	calls := transport.callsTo(http.MethodPost, "/helpdesk_tickets.json")
	require.Len(t, calls, 2)
	assert.True(t, calls[0].Req.NoRetry)
	assert.Equal(t, "ana", calls[0].Req.Headers[redmine.HeaderSwitchUser])
	assert.Equal(t, "", calls[1].Req.Headers[redmine.HeaderSwitchUser])
	assert.Empty(t, calls[1].RC.Login)
	assert.Equal(t, "c", calls[1].RC.CorrelationID)

	body := calls[0].body()["helpdesk_ticket"].(map[string]any)
	assert.Equal(t, map[string]any{"email": "cliente@mail.com", "first_name": "Cliente"}, body["contact"])
	issue := body["issue"].(map[string]any)
	assert.Equal(t, 3, issue["priority_id"])
	assert.Equal(t, "2024-05-02", issue["start_date"])
	assert.Empty(t, transport.callsTo(http.MethodPost, "/projects/crm/memberships.json"))
}

func TestCreateHelpdeskTicketGrantsCRMMembershipOn403(t *testing.T) {
	var attempts int32
	transport := &fakeTransport{}
	transport.handle = routes(map[string]routeHandler{
		"GET /custom_fields.json":            reply(customFieldsResponse()),
		"GET /users.json":                    knownUser(12, "ana"),
		"GET /projects/3/memberships.json":   reply(map[string]any{"memberships": []any{map[string]any{"user": map[string]any{"id": 12}}}}),
		"GET /projects/crm/memberships.json": reply(map[string]any{"memberships": []any{}}),
		"POST /helpdesk_tickets.json": func(transportCall) (map[string]any, error) {
			if atomic.AddInt32(&attempts, 1) == 1 {
				return nil, &redmine.AuthError{Status: http.StatusForbidden, Message: "forbidden"}
			}
			return map[string]any{"helpdesk_ticket": map[string]any{"id": 78}}, nil
		},
	})
	svc := newTestTicketService(transport, nil)
	rc := domain.RequestContext{Login: "ana"}

	result, err := svc.CreateHelpdeskTicket(context.Background(), rc, domain.Ticket{Subject: "s"}, domain.HelpdeskContact{Email: "x@y.com", ID: 5}, 3, 7)
	require.NoError(t, err)
	assert.Equal(t, 78, result.IssueID)

	grants := transport.callsTo(http.MethodPost, "/projects/crm/memberships.json")
	require.Len(t, grants, 1)
	assert.Equal(t, map[string]any{"user_id": 12, "role_ids": []int{4}}, grants[0].body()["membership"])

	calls := transport.callsTo(http.MethodPost, "/helpdesk_tickets.json")
	require.Len(t, calls, 2)
	assert.Equal(t, "ana", calls[1].Req.Headers[redmine.HeaderSwitchUser])
	assert.Equal(t, 5, calls[1].body()["helpdesk_ticket"].(map[string]any)["contact_id"])
}

func TestCreateHelpdeskTicketOverridesKeepPosition(t *testing.T) {
	transport := &fakeTransport{}
	transport.handle = routes(map[string]routeHandler{
		"GET /custom_fields.json":     reply(customFieldsResponse()),
		"POST /helpdesk_tickets.json": reply(map[string]any{"id": 80}),
	})
	svc := newTestTicketService(transport, nil)
	ticket := domain.Ticket{
		Subject:      "s",
		CustomFields: map[string]any{config.FieldOrigen: "crm", "130": "x"},
		CustomFieldOverrides: []domain.CustomFieldValue{
			{ID: 101, Value: "web"},
			{ID: 200, Value: "nuevo"},
			{ID: 130, Value: nil},
		},
	}

	result, err := svc.CreateHelpdeskTicket(context.Background(), domain.RequestContext{}, ticket, domain.HelpdeskContact{Email: "a@b.com"}, 3, 7)
	require.NoError(t, err)
	assert.Equal(t, 80, result.IssueID)

	calls := transport.callsTo(http.MethodPost, "/helpdesk_tickets.json")
	require.Len(t, calls, 1)
	issue := calls[0].body()["helpdesk_ticket"].(map[string]any)["issue"].(map[string]any)
	assert.Equal(t, []domain.CustomFieldValue{
		{ID: 101, Value: "web"},
		{ID: 130, Value: "x"},
		{ID: 200, Value: "nuevo"},
	}, issue["custom_fields"])
}

func TestCreateHelpdeskTicketWithFallbackCreatesPlainIssue(t *testing.T) {
	var fallbacks []events.Event
	dispatcher := events.NewInMemoryDispatcher()
	dispatcher.Subscribe(events.EventHelpdeskFallbackUsed, func(_ context.Context, e events.Event) error {
		fallbacks = append(fallbacks, e)
		return nil
	})
	transport := &fakeTransport{}
	transport.handle = routes(map[string]routeHandler{
		"GET /custom_fields.json": reply(customFieldsResponse()),
		"POST /helpdesk_tickets.json": func(transportCall) (map[string]any, error) {
			return nil, &redmine.ValidationError{Status: http.StatusNotFound}
		},
		"POST /issues.json": reply(map[string]any{"issue": map[string]any{"id": 55}}),
	})
	svc := newTestTicketService(transport, dispatcher)
	ticket := domain.Ticket{Subject: "s", Description: "d", CustomFields: map[string]any{"140": "v", "origen": "crm"}}

	result, err := svc.CreateHelpdeskTicketWithFallback(context.Background(), domain.RequestContext{}, ticket, domain.HelpdeskContact{Email: "a@b.com", ID: 6}, 3, 7)
	require.NoError(t, err)
	assert.Equal(t, 55, result.IssueID)

	posts := transport.callsTo(http.MethodPost, "/issues.json")
	require.Len(t, posts, 1)
	issue := posts[0].body()["issue"].(map[string]any)
	assert.Equal(t, "d\n\n---\nContacto: a@b.com", issue["description"])
	assert.Equal(t, []domain.CustomFieldValue{{ID: 140, Value: "v"}}, issue["custom_fields"])

	assigns := transport.callsTo(http.MethodPut, "/issues/55.json")
	require.Len(t, assigns, 1)
	assert.Equal(t, map[string]any{"issue": map[string]any{"contact_id": 6}}, assigns[0].body())

	require.Len(t, fallbacks, 1)
	assert.Equal(t, "helpdesk_unavailable", fallbacks[0].Payload.(events.HelpdeskFallbackUsedPayload).Reason)
}

func TestCreateHelpdeskTicketWithFallbackPropagatesOtherErrors(t *testing.T) {
	transport := &fakeTransport{}
	transport.handle = routes(map[string]routeHandler{
		"GET /custom_fields.json": reply(customFieldsResponse()),
		"POST /helpdesk_tickets.json": func(transportCall) (map[string]any, error) {
			return nil, &redmine.ValidationError{Status: http.StatusUnprocessableEntity}
		},
	})
	svc := newTestTicketService(transport, nil)

	_, err := svc.CreateHelpdeskTicketWithFallback(context.Background(), domain.RequestContext{}, domain.Ticket{Subject: "s"}, domain.HelpdeskContact{Email: "a@b.com"}, 3, 7)

	assert.True(t, redmine.IsValidationStatus(err, http.StatusUnprocessableEntity))
	assert.Empty(t, transport.callsTo(http.MethodPost, "/issues.json"))
}

func TestCreateHelpdeskTicketRawRetriesAfterMembership(t *testing.T) {
	var attempts int32
	transport := &fakeTransport{}
	transport.handle = routes(map[string]routeHandler{
		"GET /users.json":                    knownUser(12, "ana"),
		"GET /projects/crm/memberships.json": reply(map[string]any{"memberships": []any{}}),
		"POST /helpdesk_tickets.json": func(transportCall) (map[string]any, error) {
			if atomic.AddInt32(&attempts, 1) == 1 {
				return nil, &redmine.AuthError{Status: http.StatusForbidden, Message: "forbidden"}
			}
			return map[string]any{"helpdesk_ticket": map[string]any{"id": 90}}, nil
		},
	})
	svc := newTestTicketService(transport, nil)
	payload := map[string]any{"helpdesk_ticket": map[string]any{"issue": map[string]any{"subject": "s"}}}

	resp, err := svc.CreateHelpdeskTicketRaw(context.Background(), domain.RequestContext{Login: "ana"}, payload)
	require.NoError(t, err)
	assert.Equal(t, 90, redmine.Int(redmine.Path(resp, "helpdesk_ticket", "id")))
	assert.Len(t, transport.callsTo(http.MethodPost, "/projects/crm/memberships.json"), 1)
	assert.Equal(t, "2024-05-02", redmine.Path(payload, "helpdesk_ticket", "issue", "start_date"))
}

func TestParseHelpdeskTicketResponse(t *testing.T) {
	cases := []struct {
		resp map[string]any
		want int
	}{
		{map[string]any{"helpdesk_ticket": map[string]any{"id": 1}}, 1},
		{map[string]any{"helpdesk_ticket": map[string]any{"issue": map[string]any{"id": 2}}}, 2},
		{map[string]any{"issue": map[string]any{"id": "3"}}, 3},
		{map[string]any{"issue_id": 4}, 4},
		{map[string]any{"id": 5}, 5},
		{map[string]any{}, 0},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, parseHelpdeskTicketResponse(tc.resp))
	}
}

func TestDecodeIfBase64(t *testing.T) {
	assert.Equal(t, []byte("hello"), decodeIfBase64([]byte("aGVsbG8=")))
	assert.Equal(t, []byte("not base64!"), decodeIfBase64([]byte("not base64!")))
	assert.Equal(t, []byte("abc"), decodeIfBase64([]byte("abc")), "invalid padding is kept")
}

func TestCreateMessagePublishesEvent(t *testing.T) {
	var added []events.Event
	dispatcher := events.NewInMemoryDispatcher()
	dispatcher.Subscribe(events.EventMessageAdded, func(_ context.Context, e events.Event) error {
		added = append(added, e)
		return nil
	})
	transport := &fakeTransport{}
	svc := newTestTicketService(transport, dispatcher)

	_, err := svc.CreateMessage(context.Background(), domain.RequestContext{}, domain.Message{IssueID: 4, Body: "nota", Visibility: domain.MessageVisibilityInternal})
	require.NoError(t, err)

	puts := transport.callsTo(http.MethodPut, "/issues/4.json")
	require.Len(t, puts, 1)
	assert.Equal(t, true, puts[0].body()["issue"].(map[string]any)["private_notes"])
	require.Len(t, added, 1)
	assert.Equal(t, 4, added[0].IssueID)
}

func TestCreateAttachmentUploadsThenAttaches(t *testing.T) {
	transport := &fakeTransport{}
	transport.handle = routes(map[string]routeHandler{
		"POST /uploads.json": reply(map[string]any{"upload": map[string]any{"token": "tok"}}),
	})
	svc := newTestTicketService(transport, nil)

	result, err := svc.CreateAttachment(context.Background(), domain.RequestContext{}, domain.Attachment{IssueID: 4, Filename: "f.txt", ContentType: "text/plain", Content: "plain text"})
	require.NoError(t, err)
	assert.Nil(t, result.AttachmentID)

	puts := transport.callsTo(http.MethodPut, "/issues/4.json")
	require.Len(t, puts, 1)
	assert.Equal(t, []Upload{{Token: "tok", Filename: "f.txt", ContentType: "text/plain"}}, puts[0].body()["issue"].(map[string]any)["uploads"])
}
