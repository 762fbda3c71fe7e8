package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spec-kit/redmine-bridge/internal/domain"
	"github.com/spec-kit/redmine-bridge/internal/repository"
)

type bridgeFixture struct {
	bridge    *Bridge
	transport *fakeTransport
	store     repository.IdempotencyRepository
}

func newBridgeFixture(table map[string]routeHandler) bridgeFixture {
	transport := &fakeTransport{handle: routes(table)}
	tickets := newTestTicketService(transport, nil)
	resolver := NewAPIContactResolver(transport, "/crm/search.json", "/crm/contacts.json", nil)
	store := repository.NewMemoryIdempotencyRepository()
	bridge := NewBridge(BridgeDependencies{
		Tickets:          tickets,
		Clientes:         NewClienteService(resolver, transport, "/contacts.json", nil, nil),
		Contacts:         NewContactService(transport, "/contacts.json", nil),
		Idempotency:      store,
		DefaultProjectID: 3,
		DefaultTrackerID: 7,
	})
	return bridgeFixture{bridge: bridge, transport: transport, store: store}
}

func TestBridgeCreateTicketIsIdempotent(t *testing.T) {
	f := newBridgeFixture(map[string]routeHandler{
		"GET /custom_fields.json": reply(customFieldsResponse()),
		"POST /issues.json":       reply(map[string]any{"issue": map[string]any{"id": 41}}),
	})
	ctx := context.Background()
	ticket := domain.Ticket{Subject: "s", CustomFields: map[string]any{"b": 1, "a": 2}}

	first, err := f.bridge.CreateTicket(ctx, domain.RequestContext{}, ticket, 0, 0, "key-1")
	require.NoError(t, err)
	assert.Equal(t, domain.CreateTicketResult{IssueID: 41}, first)

	second, err := f.bridge.CreateTicket(ctx, domain.RequestContext{}, ticket, 3, 7, "key-1")
	require.NoError(t, err)
	assert.Equal(t, domain.CreateTicketResult{IssueID: 41, Hit: true}, second)
	assert.Len(t, f.transport.callsTo(http.MethodPost, "/issues.json"), 1)

	posted := f.transport.callsTo(http.MethodPost, "/issues.json")[0].body()["issue"].(map[string]any)
	assert.Equal(t, 3, posted["project_id"])
	assert.Equal(t, 7, posted["tracker_id"])

	_, err = f.bridge.CreateTicket(ctx, domain.RequestContext{}, domain.Ticket{Subject: "otro"}, 3, 7, "key-1")
	assert.ErrorIs(t, err, domain.ErrIdempotencyConflict)
	assert.Len(t, f.transport.callsTo(http.MethodPost, "/issues.json"), 1)
}

func TestBridgeCreateTicketWithoutKeyAlwaysCreates(t *testing.T) {
	f := newBridgeFixture(map[string]routeHandler{
		"GET /custom_fields.json": reply(customFieldsResponse()),
		"POST /issues.json":       reply(map[string]any{"issue": map[string]any{"id": 41}}),
	})
	for i := 0; i < 2; i++ {
		_, err := f.bridge.CreateTicket(context.Background(), domain.RequestContext{}, domain.Ticket{Subject: "s"}, 3, 7, "")
		require.NoError(t, err)
	}
	assert.Len(t, f.transport.callsTo(http.MethodPost, "/issues.json"), 2)
}

func TestBridgeCreateTicketFailureIsNotRecorded(t *testing.T) {
	fail := true
	f := newBridgeFixture(map[string]routeHandler{
		"GET /custom_fields.json": reply(customFieldsResponse()),
		"POST /issues.json": func(transportCall) (map[string]any, error) {
			if fail {
				return nil, errors.New("down")
			}
			return map[string]any{"issue": map[string]any{"id": 5}}, nil
		},
	})
	ctx := context.Background()

	_, err := f.bridge.CreateTicket(ctx, domain.RequestContext{}, domain.Ticket{Subject: "s"}, 3, 7, "k")
	require.Error(t, err)

	fail = false
	result, err := f.bridge.CreateTicket(ctx, domain.RequestContext{}, domain.Ticket{Subject: "s"}, 3, 7, "k")
	require.NoError(t, err)
	assert.Equal(t, 5, result.IssueID)
	assert.False(t, result.Hit)
}

func TestBridgeCreateAttachmentHashesContent(t *testing.T) {
	f := newBridgeFixture(map[string]routeHandler{
		"POST /uploads.json": reply(map[string]any{"upload": map[string]any{"token": "t"}}),
	})
	ctx := context.Background()
	att := domain.Attachment{IssueID: 4, Filename: "a.txt", Content: "hola mundo"}

	_, err := f.bridge.CreateAttachment(ctx, domain.RequestContext{}, att, "adj-1")
	require.NoError(t, err)

	record, err := f.store.Find(ctx, domain.OperationCreateAttachment, "adj-1")
	require.NoError(t, err)
	require.NotNil(t, record)
	sum := sha256.Sum256([]byte("hola mundo"))
	assert.Equal(t, hex.EncodeToString(sum[:]), record.RequestHash)

	again, err := f.bridge.CreateAttachment(ctx, domain.RequestContext{}, att, "adj-1")
	require.NoError(t, err)
	assert.True(t, again.Hit)
	assert.Len(t, f.transport.callsTo(http.MethodPost, "/uploads.json"), 1)

	att.SHA256 = "ABC"
	_, err = f.bridge.CreateAttachment(ctx, domain.RequestContext{}, att, "adj-1")
	assert.ErrorIs(t, err, domain.ErrIdempotencyConflict)
}

func TestBridgeHelpdeskUpsertsUnknownCliente(t *testing.T) {
	f := newBridgeFixture(map[string]routeHandler{
		"GET /custom_fields.json":     reply(customFieldsResponse()),
		"GET /crm/search.json":        reply(map[string]any{"contacts": []any{}}),
		"POST /crm/contacts.json":     reply(map[string]any{"contact": map[string]any{"id": 70}}),
		"POST /helpdesk_tickets.json": reply(map[string]any{"helpdesk_ticket": map[string]any{"id": 600}}),
	})
	req := HelpdeskTicketRequest{
		Ticket:  domain.Ticket{Subject: "s"},
		Contact: domain.HelpdeskContact{Email: "eva@cliente.com"},
		Cliente: &domain.Cliente{FirstName: " Eva ", Emails: []string{" ", "otra@cliente.com"}},
	}

	result, err := f.bridge.CreateHelpdeskTicket(context.Background(), domain.RequestContext{}, req)
	require.NoError(t, err)
	assert.Equal(t, 600, result.IssueID)

	posts := f.transport.callsTo(http.MethodPost, "/crm/contacts.json")
	require.Len(t, posts, 1)
	contact := posts[0].body()["contact"].(map[string]any)
	assert.Equal(t, "Eva", contact["first_name"])
	assert.Equal(t, false, contact["is_company"])
	assert.Equal(t, "helpdesk", contact["source"])
	assert.Equal(t, []map[string]string{{"address": "otra@cliente.com"}, {"address": "eva@cliente.com"}}, contact["emails"])
}

func TestBridgeHelpdeskWithFallbackIgnoresClienteErrors(t *testing.T) {
	f := newBridgeFixture(map[string]routeHandler{
		"GET /custom_fields.json": reply(customFieldsResponse()),
		"GET /crm/search.json": func(transportCall) (map[string]any, error) {
			return nil, errors.New("crm down")
		},
		"POST /helpdesk_tickets.json": reply(map[string]any{"id": 601}),
	})
	req := HelpdeskTicketRequest{
		Ticket:  domain.Ticket{Subject: "s"},
		Contact: domain.HelpdeskContact{Email: "eva@cliente.com"},
		Cliente: &domain.Cliente{FirstName: "Eva"},
	}

	result, err := f.bridge.CreateHelpdeskTicketWithFallback(context.Background(), domain.RequestContext{}, req)
	require.NoError(t, err)
	assert.Equal(t, 601, result.IssueID)

	_, err = f.bridge.CreateHelpdeskTicket(context.Background(), domain.RequestContext{}, req)
	assert.ErrorContains(t, err, "crm down")
}

func TestNormalizeCliente(t *testing.T) {
	got := normalizeCliente(domain.Cliente{
		Type:         " empresa ",
		CompanyName:  " Acme ",
		Emails:       []string{"a@acme.com"},
		Phones:       []string{" ", " 11 "},
		SourceSystem: "erp",
	}, "a@acme.com")

	assert.Equal(t, domain.ClienteTypeCompany, got.Type)
	assert.Equal(t, "Acme", got.CompanyName)
	assert.Equal(t, []string{"a@acme.com"}, got.Emails)
	assert.Equal(t, []string{"11"}, got.Phones)
	assert.Equal(t, "erp", got.SourceSystem)
}

func TestRequestHashIsStableAcrossMapOrder(t *testing.T) {
	a, err := requestHash(map[string]any{"x": 1, "y": []int{1, 2}})
	require.NoError(t, err)
	b, err := requestHash(map[string]any{"y": []int{1, 2}, "x": 1})
	require.NoError(t, err)
	assert.Equal(t, a, b)
}
