package service

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/spec-kit/redmine-bridge/internal/domain"
	"github.com/spec-kit/redmine-bridge/internal/redmine"
)

// ContactService reads and writes CRM contacts keyed by email.
type ContactService struct {
	transport    RedmineTransport
	contactsPath string
	logger       *zap.Logger
}

// NewContactService builds the service over the contacts collection path.
func NewContactService(transport RedmineTransport, contactsPath string, logger *zap.Logger) *ContactService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ContactService{transport: transport, contactsPath: contactsPath, logger: logger}
}

// FindContactIDByEmail returns the id of the first contact carrying the email.
func (s *ContactService) FindContactIDByEmail(ctx context.Context, rc domain.RequestContext, email string) (int, bool, error) {
	email = normalizeEmail(email)
	if email == "" {
		return 0, false, nil
	}
	if s.contactsPath == "" {
		return 0, false, redmine.NewTransportError("Contacts API path not configured")
	}

	resp, err := s.transport.Do(ctx, rc, redmine.Request{
		Method: http.MethodGet,
		Path:   withQuery(s.contactsPath, url.Values{"search": {email}}),
	})
	if err != nil {
		return 0, false, err
	}
	for _, contact := range redmine.Maps(resp["contacts"]) {
		if !contactHasEmail(contact, email) {
			continue
		}
		if id := redmine.Int(contact["id"]); id > 0 {
			return id, true, nil
		}
	}
	return 0, false, nil
}

// UpsertContact updates the contact owning the first email, or creates a new one.
func (s *ContactService) UpsertContact(ctx context.Context, rc domain.RequestContext, contact domain.Contact) (int, error) {
	if s.contactsPath == "" {
		return 0, redmine.NewTransportError("Contacts API path not configured")
	}

	var existingID int
	if len(contact.Emails) > 0 {
		id, found, err := s.FindContactIDByEmail(ctx, rc, contact.Emails[0])
		if err != nil {
			return 0, err
		}
		if found {
			existingID = id
		}
	}

	payload := ContactPayload(contact)
	if existingID > 0 {
		resp, err := s.transport.Do(ctx, rc, redmine.Request{
			Method: http.MethodPut,
			Path:   contactPath(s.contactsPath, existingID),
			Body:   payload,
		})
		if err != nil {
			return 0, err
		}
		id := redmine.Int(redmine.Path(resp, "contact", "id"))
		if id == 0 {
			id = existingID
		}
		s.logger.Info("redmine.contact.updated",
			zap.Int("contact_id", id),
			zap.String("correlation_id", rc.CorrelationID))
		return id, nil
	}

	resp, err := s.transport.Do(ctx, rc, redmine.Request{
		Method: http.MethodPost,
		Path:   s.contactsPath,
		Body:   payload,
	})
	if err != nil {
		return 0, err
	}
	id := redmine.Int(redmine.Path(resp, "contact", "id"))
	s.logger.Info("redmine.contact.created",
		zap.Int("contact_id", id),
		zap.String("correlation_id", rc.CorrelationID))
	return id, nil
}

// ContactPayload renders the {"contact": {...}} body of the contacts API.
// Emails are lowercased, blanks dropped and empty fields omitted.
func ContactPayload(contact domain.Contact) map[string]any {
	body := map[string]any{"is_company": contact.IsCompany}
	setString(body, "first_name", strings.TrimSpace(contact.FirstName))
	setString(body, "last_name", strings.TrimSpace(contact.LastName))
	setString(body, "company", strings.TrimSpace(contact.Company))

	var emails []map[string]string
	for _, e := range contact.Emails {
		if e = normalizeEmail(e); e != "" {
			emails = append(emails, map[string]string{"address": e})
		}
	}
	if len(emails) > 0 {
		body["emails"] = emails
	}

	var phones []map[string]string
	for _, p := range contact.Phones {
		if p = strings.TrimSpace(p); p != "" {
			phones = append(phones, map[string]string{"number": p})
		}
	}
	if len(phones) > 0 {
		body["phones"] = phones
	}

	if address := strings.TrimSpace(contact.Address); address != "" {
		body["address_attributes"] = map[string]string{"full_address": address}
	}

	var fields []domain.CustomFieldValue
	for _, f := range contact.CustomFields {
		if f.ID > 0 {
			fields = append(fields, f)
		}
	}
	if len(fields) > 0 {
		body["custom_fields"] = fields
	}
	return map[string]any{"contact": body}
}

// contactHasEmail matches "email" strings, "emails" string arrays and
// "emails" arrays of {address} objects.
func contactHasEmail(contact map[string]any, email string) bool {
	if normalizeEmail(redmine.String(contact["email"])) == email {
		return true
	}
	for _, item := range redmine.Slice(contact["emails"]) {
		if s, ok := item.(string); ok && normalizeEmail(s) == email {
			return true
		}
		if m := redmine.Map(item); m != nil && normalizeEmail(redmine.String(m["address"])) == email {
			return true
		}
	}
	return false
}

// contactPath derives the member path of a contact from the collection path.
func contactPath(collection string, id int) string {
	if strings.HasSuffix(collection, "/contacts.json") {
		return strings.TrimSuffix(collection, "/contacts.json") + "/contacts/" + strconv.Itoa(id) + ".json"
	}
	return fmt.Sprintf("/contacts/%d.json", id)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
