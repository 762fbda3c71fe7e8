package service

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/spec-kit/redmine-bridge/internal/config"
	"github.com/spec-kit/redmine-bridge/internal/domain"
	"github.com/spec-kit/redmine-bridge/internal/redmine"
)

const redmineUpSource = "redmineup"

// ContactResolver searches and upserts customer contacts.
type ContactResolver interface {
	Search(ctx context.Context, rc domain.RequestContext, criteria domain.Cliente) (domain.SearchClienteResult, error)
	Upsert(ctx context.Context, rc domain.RequestContext, cliente domain.Cliente) (domain.UpsertClienteResult, error)
}

// NewContactResolver picks the resolver for the configured strategy.
// Unknown strategies use the fallback resolver.
func NewContactResolver(cfg config.RedmineConfig, transport RedmineTransport, logger *zap.Logger) ContactResolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.ContactStrategy)) {
	case config.ContactStrategyAPI:
		return NewAPIContactResolver(transport, cfg.ContactsSearchPath, cfg.ContactsUpsertPath, logger)
	case config.ContactStrategyCustomField:
		return &CustomFieldContactResolver{logger: logger}
	default:
		return &FallbackContactResolver{logger: logger}
	}
}

// APIContactResolver talks to the CRM contacts API.
type APIContactResolver struct {
	transport  RedmineTransport
	searchPath string
	upsertPath string
	logger     *zap.Logger
}

// NewAPIContactResolver builds the resolver. Empty paths disable the matching operation.
func NewAPIContactResolver(transport RedmineTransport, searchPath, upsertPath string, logger *zap.Logger) *APIContactResolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &APIContactResolver{transport: transport, searchPath: searchPath, upsertPath: upsertPath, logger: logger}
}

// Search queries contacts by external id, company name or first name, in that order.
func (r *APIContactResolver) Search(ctx context.Context, rc domain.RequestContext, criteria domain.Cliente) (domain.SearchClienteResult, error) {
	contacts, err := r.search(ctx, rc, criteria.SearchTerm())
	if err != nil {
		return domain.SearchClienteResult{}, err
	}

	items := make([]domain.Cliente, 0, len(contacts))
	match := domain.MatchTypeNone
	for _, c := range contacts {
		item := clienteFromContact(c)
		if criteria.ExternalID != "" && item.ExternalID == criteria.ExternalID {
			match = domain.MatchTypeExact
		}
		items = append(items, item)
	}
	if match == domain.MatchTypeNone && len(items) > 0 {
		match = domain.MatchTypeProbable
	}
	return domain.SearchClienteResult{MatchType: match, Items: items}, nil
}

// Upsert updates the contact with the same external id, or creates one.
func (r *APIContactResolver) Upsert(ctx context.Context, rc domain.RequestContext, cliente domain.Cliente) (domain.UpsertClienteResult, error) {
	if r.upsertPath == "" {
		return domain.UpsertClienteResult{}, redmine.NewTransportError("Contacts API upsert path not configured")
	}

	existingID := 0
	if cliente.ExternalID != "" && r.searchPath != "" {
		contacts, err := r.search(ctx, rc, cliente.ExternalID)
		if err != nil {
			return domain.UpsertClienteResult{}, err
		}
		for _, c := range contacts {
			if redmine.String(c["external_id"]) == cliente.ExternalID {
				existingID = redmine.Int(c["id"])
				break
			}
		}
	}

	req := redmine.Request{Method: http.MethodPost, Path: r.upsertPath, Body: clientePayload(cliente)}
	status := domain.UpsertStatusCreated
	if existingID > 0 {
		req.Method = http.MethodPut
		req.Path = contactPath(r.upsertPath, existingID)
		status = domain.UpsertStatusUpdated
	}

	resp, err := r.transport.Do(ctx, rc, req)
	if err != nil {
		return domain.UpsertClienteResult{}, err
	}
	contactID := redmine.String(redmine.Path(resp, "contact", "id"))
	if contactID == "" && existingID > 0 {
		contactID = redmine.String(existingID)
	}

	r.logger.Info("redmine.contact.upserted",
		zap.String("contact_id", contactID),
		zap.String("status", string(status)),
		zap.String("correlation_id", rc.CorrelationID))
	return domain.UpsertClienteResult{Status: status, ContactID: contactID, ExternalID: cliente.ExternalID}, nil
}

func (r *APIContactResolver) search(ctx context.Context, rc domain.RequestContext, q string) ([]map[string]any, error) {
	if r.searchPath == "" {
		return nil, redmine.NewTransportError("Contacts API search path not configured")
	}
	resp, err := r.transport.Do(ctx, rc, redmine.Request{
		Method: http.MethodGet,
		Path:   withQuery(r.searchPath, url.Values{"q": {q}}),
	})
	if err != nil {
		return nil, err
	}
	return redmine.Maps(resp["contacts"]), nil
}

// CustomFieldContactResolver is used when contacts live in an issue custom field.
type CustomFieldContactResolver struct {
	logger *zap.Logger
}

// Search never matches.
func (r *CustomFieldContactResolver) Search(_ context.Context, rc domain.RequestContext, criteria domain.Cliente) (domain.SearchClienteResult, error) {
	r.logger.Info("redmine.contact.search.custom_field_strategy",
		zap.String("query", criteria.SearchTerm()),
		zap.String("correlation_id", rc.CorrelationID))
	return domain.SearchClienteResult{MatchType: domain.MatchTypeNone, Items: []domain.Cliente{}}, nil
}

// Upsert leaves the contact unchanged.
func (r *CustomFieldContactResolver) Upsert(_ context.Context, rc domain.RequestContext, cliente domain.Cliente) (domain.UpsertClienteResult, error) {
	r.logger.Info("redmine.contact.upsert.custom_field_strategy",
		zap.String("external_id", cliente.ExternalID),
		zap.String("correlation_id", rc.CorrelationID))
	return domain.UpsertClienteResult{Status: domain.UpsertStatusUnchanged, ExternalID: cliente.ExternalID}, nil
}

// FallbackContactResolver is used when no contacts backend is configured.
type FallbackContactResolver struct {
	logger *zap.Logger
}

// Search never matches.
func (r *FallbackContactResolver) Search(_ context.Context, rc domain.RequestContext, criteria domain.Cliente) (domain.SearchClienteResult, error) {
	r.logger.Warn("redmine.contact.search.fallback_strategy",
		zap.String("query", criteria.SearchTerm()),
		zap.String("correlation_id", rc.CorrelationID))
	return domain.SearchClienteResult{MatchType: domain.MatchTypeNone, Items: []domain.Cliente{}}, nil
}

// Upsert leaves the contact unchanged.
func (r *FallbackContactResolver) Upsert(_ context.Context, rc domain.RequestContext, cliente domain.Cliente) (domain.UpsertClienteResult, error) {
	r.logger.Warn("redmine.contact.upsert.fallback_strategy",
		zap.String("external_id", cliente.ExternalID),
		zap.String("correlation_id", rc.CorrelationID))
	return domain.UpsertClienteResult{Status: domain.UpsertStatusUnchanged, ExternalID: cliente.ExternalID}, nil
}

func clienteFromContact(c map[string]any) domain.Cliente {
	kind := domain.ClienteTypeCompany
	if v, ok := c["is_company"]; ok && !redmine.Bool(v) {
		kind = domain.ClienteTypePerson
	}
	address := redmine.String(c["address"])
	if address == "" {
		address = redmine.String(redmine.Path(c, "address", "full_address"))
	}
	return domain.Cliente{
		Type:         kind,
		CompanyName:  redmine.String(c["company"]),
		FirstName:    redmine.String(c["first_name"]),
		LastName:     redmine.String(c["last_name"]),
		TaxID:        redmine.String(c["tax_id"]),
		Emails:       stringsOf(c["emails"], "address"),
		Phones:       stringsOf(c["phones"], "number"),
		Address:      address,
		ExternalID:   redmine.String(c["external_id"]),
		SourceSystem: redmineUpSource,
	}
}

func clientePayload(cliente domain.Cliente) map[string]any {
	payload := ContactPayload(domain.Contact{
		IsCompany: cliente.Type == domain.ClienteTypeCompany,
		FirstName: cliente.FirstName,
		LastName:  cliente.LastName,
		Company:   cliente.CompanyName,
		Emails:    cliente.Emails,
		Phones:    cliente.Phones,
		Address:   cliente.Address,
	})
	body := payload["contact"].(map[string]any)
	setString(body, "tax_id", strings.TrimSpace(cliente.TaxID))
	setString(body, "external_id", strings.TrimSpace(cliente.ExternalID))
	setString(body, "source", strings.TrimSpace(cliente.SourceSystem))
	return payload
}

// stringsOf flattens an array of strings or of objects holding the string under key.
func stringsOf(v any, key string) []string {
	out := []string{}
	for _, item := range redmine.Slice(v) {
		s := redmine.String(item)
		if m := redmine.Map(item); m != nil {
			s = redmine.String(m[key])
		}
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
