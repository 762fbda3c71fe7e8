package service

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"go.uber.org/zap"

	"github.com/spec-kit/redmine-bridge/internal/domain"
	"github.com/spec-kit/redmine-bridge/internal/events"
	"github.com/spec-kit/redmine-bridge/internal/redmine"
)

// ClienteService exposes customer search and upsert on top of the configured resolver,
// plus direct access to the contacts collection.
type ClienteService struct {
	resolver     ContactResolver
	transport    RedmineTransport
	contactsPath string
	dispatcher   events.Dispatcher
	logger       *zap.Logger
}

// NewClienteService wires the service.
func NewClienteService(resolver ContactResolver, transport RedmineTransport, contactsPath string, dispatcher events.Dispatcher, logger *zap.Logger) *ClienteService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ClienteService{
		resolver:     resolver,
		transport:    transport,
		contactsPath: contactsPath,
		dispatcher:   dispatcher,
		logger:       logger,
	}
}

// SearchCliente looks up a customer by free text and optional external id.
func (s *ClienteService) SearchCliente(ctx context.Context, rc domain.RequestContext, query, externalID string) (domain.SearchClienteResult, error) {
	s.logger.Info("redmine.contact.buscar",
		zap.String("query", query),
		zap.String("correlation_id", rc.CorrelationID))

	criteria := domain.Cliente{
		Type:         domain.ClienteTypePerson,
		FirstName:    query,
		ExternalID:   externalID,
		SourceSystem: "unknown",
	}
	return s.resolver.Search(ctx, rc, criteria)
}

// UpsertCliente creates or updates a customer.
func (s *ClienteService) UpsertCliente(ctx context.Context, rc domain.RequestContext, cliente domain.Cliente) (domain.UpsertClienteResult, error) {
	s.logger.Info("redmine.contact.upsert",
		zap.String("external_id", cliente.ExternalID),
		zap.String("correlation_id", rc.CorrelationID))

	result, err := s.resolver.Upsert(ctx, rc, cliente)
	if err != nil {
		return domain.UpsertClienteResult{}, err
	}
	if result.Status != domain.UpsertStatusUnchanged {
		publish(ctx, s.dispatcher, s.logger, events.EventContactUpserted, rc, 0, events.ContactUpsertedPayload{
			ContactID:  result.ContactID,
			ExternalID: result.ExternalID,
			Status:     string(result.Status),
		})
	}
	return result, nil
}

// SearchContacts returns the raw contacts page matching search.
func (s *ClienteService) SearchContacts(ctx context.Context, rc domain.RequestContext, search string, limit, offset int) (map[string]any, error) {
	if s.contactsPath == "" {
		return nil, redmine.NewTransportError("Contacts API path not configured")
	}
	if limit <= 0 {
		limit = 100
	}
	params := url.Values{
		"search": {search},
		"limit":  {strconv.Itoa(limit)},
		"offset": {strconv.Itoa(offset)},
	}
	return s.transport.Do(ctx, rc, redmine.Request{Method: http.MethodGet, Path: withQuery(s.contactsPath, params)})
}

// CreateContact posts a raw {"contact": {...}} payload.
func (s *ClienteService) CreateContact(ctx context.Context, rc domain.RequestContext, payload map[string]any) (map[string]any, error) {
	if s.contactsPath == "" {
		return nil, redmine.NewTransportError("Contacts API path not configured")
	}
	return s.transport.Do(ctx, rc, redmine.Request{Method: http.MethodPost, Path: s.contactsPath, Body: payload})
}

// UpdateContact puts a raw {"contact": {...}} payload.
func (s *ClienteService) UpdateContact(ctx context.Context, rc domain.RequestContext, contactID int, payload map[string]any) (map[string]any, error) {
	return s.transport.Do(ctx, rc, redmine.Request{
		Method: http.MethodPut,
		Path:   contactPath(s.contactsPath, contactID),
		Body:   payload,
	})
}

// LinkIssueToContact associates an existing issue with a contact.
func (s *ClienteService) LinkIssueToContact(ctx context.Context, rc domain.RequestContext, contactID, issueID int) (map[string]any, error) {
	resp, err := s.transport.Do(ctx, rc, redmine.Request{
		Method: http.MethodPut,
		Path:   "/issues/" + strconv.Itoa(issueID) + ".json",
		Body:   map[string]any{"issue": map[string]any{"contact_id": contactID}},
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("redmine.contact.issue_linked",
		zap.Int("contact_id", contactID),
		zap.Int("issue_id", issueID),
		zap.String("correlation_id", rc.CorrelationID))
	return resp, nil
}
