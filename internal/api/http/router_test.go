package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/spec-kit/redmine-bridge/internal/api/http/handlers"
	"github.com/spec-kit/redmine-bridge/internal/auth"
	"github.com/spec-kit/redmine-bridge/internal/domain"
	"github.com/spec-kit/redmine-bridge/internal/observability"
	"github.com/spec-kit/redmine-bridge/internal/redmine"
	"github.com/spec-kit/redmine-bridge/internal/service"
)

type fakeBridge struct {
	rc        domain.RequestContext
	ticket    domain.Ticket
	helpdesk  *service.HelpdeskTicketRequest
	key       string
	filter    service.TicketListFilter
	message   domain.Message
	cliente   domain.Cliente
	ticketErr error
	hit       bool
}

func (f *fakeBridge) CreateTicket(_ context.Context, rc domain.RequestContext, ticket domain.Ticket, _, _ int, key string) (domain.CreateTicketResult, error) {
	f.rc, f.ticket, f.key = rc, ticket, key
	if f.ticketErr != nil {
		return domain.CreateTicketResult{}, f.ticketErr
	}
	return domain.CreateTicketResult{IssueID: 42, Hit: f.hit}, nil
}

func (f *fakeBridge) CreateHelpdeskTicketWithFallback(_ context.Context, rc domain.RequestContext, req service.HelpdeskTicketRequest) (domain.CreateTicketResult, error) {
	f.rc, f.helpdesk = rc, &req
	return domain.CreateTicketResult{IssueID: 43}, nil
}

func (f *fakeBridge) ListTickets(_ context.Context, rc domain.RequestContext, filter service.TicketListFilter) (domain.TicketList, error) {
	f.rc, f.filter = rc, filter
	return domain.TicketList{Items: []map[string]any{{"id": 1}}, Total: 1, Page: 1, PerPage: 25}, nil
}

func (f *fakeBridge) GetTicket(_ context.Context, _ domain.RequestContext, issueID int, _ []string) (domain.TicketDetail, error) {
	if issueID == 404 {
		return domain.TicketDetail{}, &redmine.ValidationError{Status: 404}
	}
	return domain.TicketDetail{Issue: map[string]any{"id": issueID}}, nil
}

func (f *fakeBridge) CreateMessage(_ context.Context, rc domain.RequestContext, msg domain.Message) (domain.CreateMessageResult, error) {
	f.rc, f.message = rc, msg
	id := 9
	return domain.CreateMessageResult{JournalID: &id}, nil
}

func (f *fakeBridge) CreateAttachment(_ context.Context, _ domain.RequestContext, _ domain.Attachment, key string) (domain.CreateAttachmentResult, error) {
	f.key = key
	id := 5
	return domain.CreateAttachmentResult{AttachmentID: &id, Hit: true}, nil
}

func (f *fakeBridge) SearchCliente(_ context.Context, _ domain.RequestContext, query, _ string) (domain.SearchClienteResult, error) {
	return domain.SearchClienteResult{MatchType: domain.MatchTypeNone, Items: []domain.Cliente{}}, nil
}

func (f *fakeBridge) UpsertCliente(_ context.Context, _ domain.RequestContext, cliente domain.Cliente) (domain.UpsertClienteResult, error) {
	f.cliente = cliente
	return domain.UpsertClienteResult{Status: domain.UpsertStatusCreated, ContactID: "12"}, nil
}

var testTokens = auth.NewTokenManager("secret", 5)

func newTestApp(bridge *fakeBridge, authRequired bool) *fiber.App {
	app := fiber.New()
	metrics := observability.NewMetrics()
	RegisterMiddlewares(app, zap.NewNop(), metrics, 0)
	RegisterRoutes(app, RouteConfig{
		Health:         handlers.NewHealthHandler("redmine-bridge", "test"),
		Tickets:        handlers.NewTicketsHandler(bridge),
		Clientes:       handlers.NewClientesHandler(bridge),
		AuthMiddleware: auth.NewAuthMiddleware(testTokens, authRequired),
		Metrics:        metrics,
	})
	return app
}

type testResponse struct {
	status int
	header func(string) string
	body   map[string]any
	raw    string
}

func do(t *testing.T, app *fiber.App, method, path, body string, headers map[string]string) testResponse {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := app.Test(req)
	require.NoError(t, err)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := testResponse{status: resp.StatusCode, header: resp.Header.Get, raw: string(raw)}
	_ = json.Unmarshal(raw, &out.body)
	return out
}

func errorCode(r testResponse) string {
	errBlock, _ := r.body["error"].(map[string]any)
	code, _ := errBlock["code"].(string)
	return code
}

const ticketBody = `{"subject":"Falla","description":"No anda","prioridad":"alta","categoria":"3","idempotency_key":"k-1"}`

func TestCreateTicketPlainFlow(t *testing.T) {
	bridge := &fakeBridge{}
	resp := do(t, newTestApp(bridge, false), fiber.MethodPost, "/api/redmine/tickets", ticketBody,
		map[string]string{"X-Correlation-Id": "corr-1"})

	assert.Equal(t, fiber.StatusCreated, resp.status)
	assert.Equal(t, "corr-1", resp.header("X-Correlation-Id"))
	assert.Equal(t, "corr-1", bridge.rc.CorrelationID)
	assert.Equal(t, "k-1", bridge.key)
	assert.Equal(t, domain.TicketPriorityHigh, bridge.ticket.Priority)
	require.NotNil(t, bridge.ticket.Category)
	assert.Equal(t, 3, *bridge.ticket.Category)
	assert.Nil(t, bridge.helpdesk)

	data := resp.body["data"].(map[string]any)
	assert.Equal(t, float64(42), data["issue_id"])
}

func TestCreateTicketReplayAnswersOK(t *testing.T) {
	bridge := &fakeBridge{hit: true}
	resp := do(t, newTestApp(bridge, false), fiber.MethodPost, "/api/redmine/tickets", ticketBody, nil)
	assert.Equal(t, fiber.StatusOK, resp.status)
}

func TestCreateTicketGeneratesCorrelationID(t *testing.T) {
	bridge := &fakeBridge{}
	resp := do(t, newTestApp(bridge, false), fiber.MethodPost, "/api/redmine/tickets", ticketBody, nil)

	assert.NotEmpty(t, resp.header("X-Correlation-Id"))
	assert.Equal(t, resp.header("X-Correlation-Id"), bridge.rc.CorrelationID)
}

func TestCreateTicketHelpdeskFlow(t *testing.T) {
	bridge := &fakeBridge{}
	body := `{"subject":"Falla","description":"x","prioridad":"media","idempotency_key":"k-2",
		"contact_email":"cliente@externo.com","project_id":4,
		"cliente":{"tipo":"empresa","razon_social":"ACME","source_system":"crm"}}`
	resp := do(t, newTestApp(bridge, false), fiber.MethodPost, "/api/redmine/tickets", body, nil)

	require.Equal(t, fiber.StatusCreated, resp.status, resp.raw)
	require.NotNil(t, bridge.helpdesk)
	assert.Equal(t, "cliente@externo.com", bridge.helpdesk.Contact.Email)
	assert.Equal(t, 4, bridge.helpdesk.ProjectID)
	assert.Equal(t, "k-2", bridge.helpdesk.IdempotencyKey)
	require.NotNil(t, bridge.helpdesk.Cliente)
	assert.Equal(t, "ACME", bridge.helpdesk.Cliente.CompanyName)
}

func TestCreateTicketValidation(t *testing.T) {
	bridge := &fakeBridge{}
	resp := do(t, newTestApp(bridge, false), fiber.MethodPost, "/api/redmine/tickets",
		`{"subject":"x","description":"y","prioridad":"alta","contact_email":"nope"}`, nil)

	assert.Equal(t, fiber.StatusBadRequest, resp.status)
	assert.Equal(t, "VALIDATION_FAILED", errorCode(resp))
	details := resp.body["error"].(map[string]any)["details"].(map[string]any)
	assert.Equal(t, "required", details["idempotency_key"])
	assert.Equal(t, "email", details["contact_email"])
}

func TestCreateTicketMapsBridgeErrors(t *testing.T) {
	bridge := &fakeBridge{ticketErr: &domain.MissingRequiredCustomFieldsError{TrackerID: 7, MissingIDs: []int{101}}}
	resp := do(t, newTestApp(bridge, false), fiber.MethodPost, "/api/redmine/tickets", ticketBody, nil)
	assert.Equal(t, fiber.StatusUnprocessableEntity, resp.status)
	assert.Equal(t, "MISSING_REQUIRED_CUSTOM_FIELDS", errorCode(resp))

	bridge.ticketErr = errors.Join(errors.New("save"), domain.ErrIdempotencyConflict)
	resp = do(t, newTestApp(bridge, false), fiber.MethodPost, "/api/redmine/tickets", ticketBody, nil)
	assert.Equal(t, fiber.StatusConflict, resp.status)
}

func TestListTicketsPassesFilters(t *testing.T) {
	bridge := &fakeBridge{}
	resp := do(t, newTestApp(bridge, false), fiber.MethodGet,
		"/api/redmine/tickets?status=open&page=2&per_page=10&cliente_ref=C-1&empresa=ACME", "", nil)

	assert.Equal(t, fiber.StatusOK, resp.status)
	assert.Equal(t, service.TicketListFilter{Status: "open", Page: 2, PerPage: 10, ClientRef: "C-1", Company: "ACME"}, bridge.filter)
}

func TestGetTicket(t *testing.T) {
	app := newTestApp(&fakeBridge{}, false)

	resp := do(t, app, fiber.MethodGet, "/api/redmine/tickets/17", "", nil)
	assert.Equal(t, fiber.StatusOK, resp.status)

	resp = do(t, app, fiber.MethodGet, "/api/redmine/tickets/404", "", nil)
	assert.Equal(t, fiber.StatusNotFound, resp.status)
	assert.Equal(t, "NOT_FOUND", errorCode(resp))

	resp = do(t, app, fiber.MethodGet, "/api/redmine/tickets/abc", "", nil)
	assert.Equal(t, fiber.StatusBadRequest, resp.status)
}

func TestAddMessage(t *testing.T) {
	bridge := &fakeBridge{}
	app := newTestApp(bridge, false)

	resp := do(t, app, fiber.MethodPost, "/api/redmine/tickets/17/mensajes", `{"body":"hola","visibility":"internal"}`, nil)
	assert.Equal(t, fiber.StatusCreated, resp.status)
	assert.Equal(t, 17, bridge.message.IssueID)
	assert.Equal(t, domain.MessageVisibilityInternal, bridge.message.Visibility)

	resp = do(t, app, fiber.MethodPost, "/api/redmine/tickets/17/mensajes", `{"body":"hola","visibility":"secret"}`, nil)
	assert.Equal(t, fiber.StatusBadRequest, resp.status)
}

func TestAddAttachmentRequiresKey(t *testing.T) {
	bridge := &fakeBridge{}
	app := newTestApp(bridge, false)

	resp := do(t, app, fiber.MethodPost, "/api/redmine/tickets/17/adjuntos",
		`{"filename":"a.txt","mime":"text/plain","content":"aG9sYQ=="}`, nil)
	assert.Equal(t, fiber.StatusBadRequest, resp.status)

	resp = do(t, app, fiber.MethodPost, "/api/redmine/tickets/17/adjuntos",
		`{"filename":"a.txt","mime":"text/plain","content":"aG9sYQ==","idempotency_key":"att-1"}`, nil)
	assert.Equal(t, fiber.StatusOK, resp.status, "replayed attachments answer 200")
	assert.Equal(t, "att-1", bridge.key)
}

func TestClientes(t *testing.T) {
	bridge := &fakeBridge{}
	app := newTestApp(bridge, false)

	resp := do(t, app, fiber.MethodPost, "/api/redmine/clientes/buscar", `{"query":"ACME"}`, nil)
	assert.Equal(t, fiber.StatusOK, resp.status)

	resp = do(t, app, fiber.MethodPost, "/api/redmine/clientes",
		`{"tipo":"persona","nombre":"Ana","emails":["ana@x.com"],"source_system":"crm"}`, nil)
	assert.Equal(t, fiber.StatusCreated, resp.status)
	assert.Equal(t, domain.ClienteTypePerson, bridge.cliente.Type)

	resp = do(t, app, fiber.MethodPost, "/api/redmine/clientes", `{"tipo":"otro","source_system":"crm"}`, nil)
	assert.Equal(t, fiber.StatusBadRequest, resp.status)
}

func TestRequiredAuthEnforcesScopes(t *testing.T) {
	bridge := &fakeBridge{}
	app := newTestApp(bridge, true)

	resp := do(t, app, fiber.MethodGet, "/api/redmine/tickets", "", nil)
	assert.Equal(t, fiber.StatusUnauthorized, resp.status)

	reader, _, err := testTokens.GenerateToken(auth.Identity{Login: "ana"}, nil)
	require.NoError(t, err)
	resp = do(t, app, fiber.MethodGet, "/api/redmine/tickets", "", map[string]string{"Authorization": "Bearer " + reader})
	assert.Equal(t, fiber.StatusOK, resp.status)
	assert.Equal(t, "ana", bridge.rc.Login)

	resp = do(t, app, fiber.MethodPost, "/api/redmine/tickets", ticketBody, map[string]string{"Authorization": "Bearer " + reader})
	assert.Equal(t, fiber.StatusForbidden, resp.status)

	writer, _, err := testTokens.GenerateToken(auth.Identity{Login: "ana"}, []string{auth.ScopeTicketsWrite})
	require.NoError(t, err)
	resp = do(t, app, fiber.MethodPost, "/api/redmine/tickets", ticketBody, map[string]string{"Authorization": "Bearer " + writer})
	assert.Equal(t, fiber.StatusCreated, resp.status)
}

func TestHealthAndMetrics(t *testing.T) {
	app := newTestApp(&fakeBridge{}, true)

	resp := do(t, app, fiber.MethodGet, "/health/live", "", nil)
	assert.Equal(t, fiber.StatusOK, resp.status)
	assert.Equal(t, "alive", resp.body["status"])

	resp = do(t, app, fiber.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, fiber.StatusOK, resp.status)

	resp = do(t, app, fiber.MethodGet, "/metrics", "", nil)
	assert.Equal(t, fiber.StatusOK, resp.status)
	assert.Contains(t, resp.raw, "bridge_http_requests_total")
}

func TestReadinessReportsFailingDependency(t *testing.T) {
	app := fiber.New()
	health := handlers.NewHealthHandler("redmine-bridge", "test", handlers.DependencyCheck{
		Name: "redis",
		Ping: func(context.Context) error { return errors.New("connection refused") },
	})
	app.Get("/health/ready", health.Ready)

	resp := do(t, app, fiber.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, fiber.StatusServiceUnavailable, resp.status)
	assert.Equal(t, "DEPENDENCY_UNAVAILABLE", errorCode(resp))
}
