package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/spec-kit/redmine-bridge/internal/domain"
	"github.com/spec-kit/redmine-bridge/internal/repository"
)

// Bridge is the entry point used by the HTTP layer and the CLI. It fills in
// correlation ids and defaults, applies idempotency and delegates to the services.
type Bridge struct {
	tickets     *TicketService
	clientes    *ClienteService
	contacts    *ContactService
	idempotency repository.IdempotencyRepository
	projectID   int
	trackerID   int
	logger      *zap.Logger
}

// BridgeDependencies bundles collaborators for the bridge.
type BridgeDependencies struct {
	Tickets          *TicketService
	Clientes         *ClienteService
	Contacts         *ContactService
	Idempotency      repository.IdempotencyRepository
	DefaultProjectID int
	DefaultTrackerID int
	Logger           *zap.Logger
}

// HelpdeskTicketRequest describes a helpdesk ticket and its customer.
type HelpdeskTicketRequest struct {
	Ticket    domain.Ticket
	Contact   domain.HelpdeskContact
	ProjectID int
	TrackerID int
	// Cliente is upserted when no contact matches the contact email.
	Cliente        *domain.Cliente
	IdempotencyKey string
}

type ticketReceipt struct {
	IssueID int `json:"issue_id"`
}

type attachmentReceipt struct {
	AttachmentID *int `json:"attachment_id"`
}

// NewBridge wires the facade.
func NewBridge(deps BridgeDependencies) *Bridge {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{
		tickets:     deps.Tickets,
		clientes:    deps.Clientes,
		contacts:    deps.Contacts,
		idempotency: deps.Idempotency,
		projectID:   deps.DefaultProjectID,
		trackerID:   deps.DefaultTrackerID,
		logger:      logger,
	}
}

// CreateTicket opens an issue. A non-empty idempotency key makes repeated calls
// with the same payload return the first result without calling Redmine.
func (b *Bridge) CreateTicket(ctx context.Context, rc domain.RequestContext, ticket domain.Ticket, projectID, trackerID int, idempotencyKey string) (domain.CreateTicketResult, error) {
	rc = rc.EnsureCorrelationID()
	projectID, trackerID = b.defaults(projectID, trackerID)

	fingerprint := struct {
		Ticket    domain.Ticket
		ProjectID int
		TrackerID int
	}{ticket, projectID, trackerID}

	return b.idempotentTicket(ctx, rc, idempotencyKey, fingerprint, func() (domain.CreateTicketResult, error) {
		return b.tickets.CreateTicket(ctx, rc, ticket, projectID, trackerID)
	})
}

// CreateHelpdeskTicket opens a helpdesk ticket, upserting the customer first when unknown.
func (b *Bridge) CreateHelpdeskTicket(ctx context.Context, rc domain.RequestContext, req HelpdeskTicketRequest) (domain.CreateTicketResult, error) {
	rc = rc.EnsureCorrelationID()
	req.ProjectID, req.TrackerID = b.defaults(req.ProjectID, req.TrackerID)

	return b.idempotentTicket(ctx, rc, req.IdempotencyKey, helpdeskFingerprint(req), func() (domain.CreateTicketResult, error) {
		if err := b.ensureCliente(ctx, rc, req); err != nil {
			return domain.CreateTicketResult{}, err
		}
		return b.tickets.CreateHelpdeskTicket(ctx, rc, req.Ticket, req.Contact, req.ProjectID, req.TrackerID)
	})
}

// CreateHelpdeskTicketWithFallback is CreateHelpdeskTicket with the plain issue
// fallback. The customer upsert is best-effort here.
func (b *Bridge) CreateHelpdeskTicketWithFallback(ctx context.Context, rc domain.RequestContext, req HelpdeskTicketRequest) (domain.CreateTicketResult, error) {
	rc = rc.EnsureCorrelationID()
	req.ProjectID, req.TrackerID = b.defaults(req.ProjectID, req.TrackerID)

	return b.idempotentTicket(ctx, rc, req.IdempotencyKey, helpdeskFingerprint(req), func() (domain.CreateTicketResult, error) {
		if err := b.ensureCliente(ctx, rc, req); err != nil {
			b.logger.Warn("redmine.helpdesk.cliente_upsert_failed",
				zap.Error(err),
				zap.String("correlation_id", rc.CorrelationID))
		}
		return b.tickets.CreateHelpdeskTicketWithFallback(ctx, rc, req.Ticket, req.Contact, req.ProjectID, req.TrackerID)
	})
}

// CreateAttachment attaches a file to an issue. The request hash is the
// provided SHA256 or the hash of the content.
func (b *Bridge) CreateAttachment(ctx context.Context, rc domain.RequestContext, att domain.Attachment, idempotencyKey string) (domain.CreateAttachmentResult, error) {
	rc = rc.EnsureCorrelationID()
	if idempotencyKey == "" || b.idempotency == nil {
		return b.tickets.CreateAttachment(ctx, rc, att)
	}

	hash := strings.ToLower(strings.TrimSpace(att.SHA256))
	if hash == "" {
		sum := sha256.Sum256([]byte(att.Content))
		hash = hex.EncodeToString(sum[:])
	}

	var receipt attachmentReceipt
	hit, err := b.lookup(ctx, domain.OperationCreateAttachment, idempotencyKey, hash, &receipt)
	if err != nil {
		return domain.CreateAttachmentResult{}, err
	}
	if hit {
		return domain.CreateAttachmentResult{AttachmentID: receipt.AttachmentID, Hit: true}, nil
	}

	result, err := b.tickets.CreateAttachment(ctx, rc, att)
	if err != nil {
		return domain.CreateAttachmentResult{}, err
	}
	if err := b.store(ctx, rc, domain.OperationCreateAttachment, idempotencyKey, hash, attachmentReceipt{AttachmentID: result.AttachmentID}); err != nil {
		return domain.CreateAttachmentResult{}, err
	}
	return result, nil
}

// CreateMessage appends a note to an issue.
func (b *Bridge) CreateMessage(ctx context.Context, rc domain.RequestContext, msg domain.Message) (domain.CreateMessageResult, error) {
	return b.tickets.CreateMessage(ctx, rc.EnsureCorrelationID(), msg)
}

// ListTickets delegates to TicketService.ListTickets with a correlation id set.
func (b *Bridge) ListTickets(ctx context.Context, rc domain.RequestContext, filter TicketListFilter) (domain.TicketList, error) {
	return b.tickets.ListTickets(ctx, rc.EnsureCorrelationID(), filter)
}

// QueryTickets lists issues with arbitrary filters.
func (b *Bridge) QueryTickets(ctx context.Context, rc domain.RequestContext, filters map[string]any, selectFields []string, page, perPage int) (domain.TicketList, error) {
	return b.tickets.QueryTickets(ctx, rc.EnsureCorrelationID(), filters, selectFields, page, perPage)
}

// ListTicketsByCompany lists the issues of a company's contacts.
func (b *Bridge) ListTicketsByCompany(ctx context.Context, rc domain.RequestContext, q CompanyTicketQuery) (domain.TicketList, error) {
	return b.tickets.ListTicketsByCompany(ctx, rc.EnsureCorrelationID(), q)
}

// GetTicket fetches one issue.
func (b *Bridge) GetTicket(ctx context.Context, rc domain.RequestContext, issueID int, selectFields []string) (domain.TicketDetail, error) {
	return b.tickets.GetTicket(ctx, rc.EnsureCorrelationID(), issueID, selectFields)
}

// GetIssueWithDetails fetches an issue with journals, attachments, relations and watchers.
func (b *Bridge) GetIssueWithDetails(ctx context.Context, rc domain.RequestContext, issueID int) (map[string]any, error) {
	return b.tickets.GetIssueWithDetails(ctx, rc.EnsureCorrelationID(), issueID)
}

// GetIssueBasic fetches an issue with journals and attachments.
func (b *Bridge) GetIssueBasic(ctx context.Context, rc domain.RequestContext, issueID int) (map[string]any, error) {
	return b.tickets.GetIssueBasic(ctx, rc.EnsureCorrelationID(), issueID)
}

// UpdateIssueSubject renames an issue.
func (b *Bridge) UpdateIssueSubject(ctx context.Context, rc domain.RequestContext, issueID int, subject string) (map[string]any, error) {
	return b.tickets.UpdateIssueSubject(ctx, rc.EnsureCorrelationID(), issueID, subject)
}

// AssignContactToIssue sets the contact of an issue.
func (b *Bridge) AssignContactToIssue(ctx context.Context, rc domain.RequestContext, issueID, contactID int) (map[string]any, error) {
	return b.tickets.AssignContactToIssue(ctx, rc.EnsureCorrelationID(), issueID, contactID)
}

// CreateIssueCore posts a minimal issue.
func (b *Bridge) CreateIssueCore(ctx context.Context, rc domain.RequestContext, in IssueCoreInput) (map[string]any, error) {
	in.ProjectID, in.TrackerID = b.defaults(in.ProjectID, in.TrackerID)
	return b.tickets.CreateIssueCore(ctx, rc.EnsureCorrelationID(), in)
}

// CreateHelpdeskTicketRaw posts a caller-built helpdesk payload.
func (b *Bridge) CreateHelpdeskTicketRaw(ctx context.Context, rc domain.RequestContext, payload map[string]any) (map[string]any, error) {
	return b.tickets.CreateHelpdeskTicketRaw(ctx, rc.EnsureCorrelationID(), payload)
}

// GetAttachmentInfo returns attachment metadata.
func (b *Bridge) GetAttachmentInfo(ctx context.Context, rc domain.RequestContext, attachmentID int) (map[string]any, error) {
	return b.tickets.GetAttachmentInfo(ctx, rc.EnsureCorrelationID(), attachmentID)
}

// DownloadContent fetches raw bytes from Redmine.
func (b *Bridge) DownloadContent(ctx context.Context, rc domain.RequestContext, contentURL string) ([]byte, error) {
	return b.tickets.DownloadContent(ctx, rc.EnsureCorrelationID(), contentURL)
}

// SearchCliente looks up a customer.
func (b *Bridge) SearchCliente(ctx context.Context, rc domain.RequestContext, query, externalID string) (domain.SearchClienteResult, error) {
	return b.clientes.SearchCliente(ctx, rc.EnsureCorrelationID(), query, externalID)
}

// UpsertCliente creates or updates a customer.
func (b *Bridge) UpsertCliente(ctx context.Context, rc domain.RequestContext, cliente domain.Cliente) (domain.UpsertClienteResult, error) {
	return b.clientes.UpsertCliente(ctx, rc.EnsureCorrelationID(), cliente)
}

// SearchContacts returns a raw contacts page.
func (b *Bridge) SearchContacts(ctx context.Context, rc domain.RequestContext, search string, limit, offset int) (map[string]any, error) {
	return b.clientes.SearchContacts(ctx, rc.EnsureCorrelationID(), search, limit, offset)
}

// CreateContact posts a raw contact payload.
func (b *Bridge) CreateContact(ctx context.Context, rc domain.RequestContext, payload map[string]any) (map[string]any, error) {
	return b.clientes.CreateContact(ctx, rc.EnsureCorrelationID(), payload)
}

// UpdateContact puts a raw contact payload.
func (b *Bridge) UpdateContact(ctx context.Context, rc domain.RequestContext, contactID int, payload map[string]any) (map[string]any, error) {
	return b.clientes.UpdateContact(ctx, rc.EnsureCorrelationID(), contactID, payload)
}

// LinkIssueToContact associates an issue with a contact.
func (b *Bridge) LinkIssueToContact(ctx context.Context, rc domain.RequestContext, contactID, issueID int) (map[string]any, error) {
	return b.clientes.LinkIssueToContact(ctx, rc.EnsureCorrelationID(), contactID, issueID)
}

// FindContactIDByEmail returns the contact owning an email.
func (b *Bridge) FindContactIDByEmail(ctx context.Context, rc domain.RequestContext, email string) (int, bool, error) {
	return b.contacts.FindContactIDByEmail(ctx, rc.EnsureCorrelationID(), email)
}

// UpsertContact creates or updates a contact keyed by its first email.
func (b *Bridge) UpsertContact(ctx context.Context, rc domain.RequestContext, contact domain.Contact) (int, error) {
	return b.contacts.UpsertContact(ctx, rc.EnsureCorrelationID(), contact)
}

func (b *Bridge) idempotentTicket(ctx context.Context, rc domain.RequestContext, key string, fingerprint any, create func() (domain.CreateTicketResult, error)) (domain.CreateTicketResult, error) {
	if key == "" || b.idempotency == nil {
		return create()
	}
	hash, err := requestHash(fingerprint)
	if err != nil {
		return domain.CreateTicketResult{}, err
	}

	var receipt ticketReceipt
	hit, err := b.lookup(ctx, domain.OperationCreateTicket, key, hash, &receipt)
	if err != nil {
		return domain.CreateTicketResult{}, err
	}
	if hit {
		b.logger.Info("redmine.idempotency.hit",
			zap.String("operation", domain.OperationCreateTicket),
			zap.Int("issue_id", receipt.IssueID),
			zap.String("correlation_id", rc.CorrelationID))
		return domain.CreateTicketResult{IssueID: receipt.IssueID, Hit: true}, nil
	}

	result, err := create()
	if err != nil {
		return domain.CreateTicketResult{}, err
	}
	if err := b.store(ctx, rc, domain.OperationCreateTicket, key, hash, ticketReceipt{IssueID: result.IssueID}); err != nil {
		return domain.CreateTicketResult{}, err
	}
	return result, nil
}

// lookup decodes a stored response into out. A stored record with another
// request hash is a conflict.
func (b *Bridge) lookup(ctx context.Context, operation, key, hash string, out any) (bool, error) {
	record, err := b.idempotency.Find(ctx, operation, key)
	if err != nil {
		return false, fmt.Errorf("idempotency lookup: %w", err)
	}
	if record == nil {
		return false, nil
	}
	if record.RequestHash != hash {
		return false, domain.ErrIdempotencyConflict
	}
	if err := json.Unmarshal(record.ResponsePayload, out); err != nil {
		return false, fmt.Errorf("decode idempotency record: %w", err)
	}
	return true, nil
}

// store records the outcome. Only a conflict fails the call; other storage
// errors are logged since Redmine already holds the result.
func (b *Bridge) store(ctx context.Context, rc domain.RequestContext, operation, key, hash string, receipt any) error {
	payload, err := json.Marshal(receipt)
	if err != nil {
		return err
	}
	err = b.idempotency.Save(ctx, domain.IdempotencyRecord{
		Operation:       operation,
		Key:             key,
		RequestHash:     hash,
		ResponsePayload: payload,
	})
	if errors.Is(err, domain.ErrIdempotencyConflict) {
		return err
	}
	if err != nil {
		b.logger.Error("redmine.idempotency.save_failed",
			zap.String("operation", operation),
			zap.Error(err),
			zap.String("correlation_id", rc.CorrelationID))
	}
	return nil
}

func (b *Bridge) ensureCliente(ctx context.Context, rc domain.RequestContext, req HelpdeskTicketRequest) error {
	email := strings.TrimSpace(req.Contact.Email)
	if email == "" || b.clientes == nil {
		return nil
	}
	found, err := b.clientes.SearchCliente(ctx, rc, email, "")
	if err != nil {
		return err
	}
	if len(found.Items) > 0 || req.Cliente == nil {
		return nil
	}
	_, err = b.clientes.UpsertCliente(ctx, rc, normalizeCliente(*req.Cliente, email))
	return err
}

func (b *Bridge) defaults(projectID, trackerID int) (int, int) {
	if projectID <= 0 {
		projectID = b.projectID
	}
	if trackerID <= 0 {
		trackerID = b.trackerID
	}
	return projectID, trackerID
}

func helpdeskFingerprint(req HelpdeskTicketRequest) any {
	return struct {
		Ticket    domain.Ticket
		Contact   domain.HelpdeskContact
		ProjectID int
		TrackerID int
	}{req.Ticket, req.Contact, req.ProjectID, req.TrackerID}
}

// requestHash is the sha256 of the canonical JSON encoding; map keys are sorted by encoding/json.
func requestHash(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("hash request: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// normalizeCliente trims the customer fields, adds the contact email and fills
// the type and source defaults.
func normalizeCliente(c domain.Cliente, contactEmail string) domain.Cliente {
	out := domain.Cliente{
		Type:         domain.ClienteType(strings.TrimSpace(string(c.Type))),
		CompanyName:  strings.TrimSpace(c.CompanyName),
		FirstName:    strings.TrimSpace(c.FirstName),
		LastName:     strings.TrimSpace(c.LastName),
		TaxID:        strings.TrimSpace(c.TaxID),
		Emails:       trimmedStrings(c.Emails),
		Phones:       trimmedStrings(c.Phones),
		Address:      strings.TrimSpace(c.Address),
		ExternalID:   strings.TrimSpace(c.ExternalID),
		SourceSystem: strings.TrimSpace(c.SourceSystem),
	}
	if out.Type == "" {
		out.Type = domain.ClienteTypePerson
	}
	if out.SourceSystem == "" {
		out.SourceSystem = "helpdesk"
	}
	contactEmail = strings.TrimSpace(contactEmail)
	if contactEmail != "" {
		present := false
		for _, e := range out.Emails {
			if e == contactEmail {
				present = true
				break
			}
		}
		if !present {
			out.Emails = append(out.Emails, contactEmail)
		}
	}
	return out
}

func trimmedStrings(values []string) []string {
	out := []string{}
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
