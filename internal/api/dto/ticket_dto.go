package dto

import (
	"strconv"
	"strings"

	"github.com/spec-kit/redmine-bridge/internal/domain"
)

// CreateTicketRequest payload for POST /tickets.
type CreateTicketRequest struct {
	Subject          string                    `json:"subject" validate:"required"`
	Description      string                    `json:"description" validate:"required"`
	Priority         string                    `json:"prioridad" validate:"required"`
	Category         string                    `json:"categoria" validate:"omitempty,numeric"`
	Channel          string                    `json:"canal"`
	ExternalTicketID string                    `json:"external_ticket_id"`
	ClientRef        string                    `json:"cliente_ref"`
	CustomFields     map[string]any            `json:"custom_fields"`
	Attachments      []InlineAttachmentRequest `json:"adjuntos" validate:"dive"`
	ContactIDs       []int                     `json:"contact_ids" validate:"dive,gt=0"`
	ContactEmails    []string                  `json:"contact_emails" validate:"dive,email"`
	ProjectID        int                       `json:"project_id" validate:"gte=0"`
	TrackerID        int                       `json:"tracker_id" validate:"gte=0"`
	IdempotencyKey   string                    `json:"idempotency_key" validate:"required,max=255"`

	// Helpdesk flow, used when ContactEmail is set.
	ContactEmail     string          `json:"contact_email" validate:"omitempty,email"`
	ContactFirstName string          `json:"contact_first_name"`
	ContactLastName  string          `json:"contact_last_name"`
	ContactID        int             `json:"contact_id" validate:"gte=0"`
	Cliente          *ClienteRequest `json:"cliente"`
}

// InlineAttachmentRequest is a file carried inside a ticket or message body.
type InlineAttachmentRequest struct {
	Filename    string `json:"filename" validate:"required"`
	ContentType string `json:"mime"`
	Content     string `json:"content" validate:"required"`
}

// CreateMessageRequest payload for POST /tickets/:id/mensajes.
type CreateMessageRequest struct {
	Body        string                    `json:"body" validate:"required"`
	Visibility  string                    `json:"visibility" validate:"required,oneof=internal public"`
	AuthorRef   string                    `json:"author_ref"`
	Attachments []InlineAttachmentRequest `json:"adjuntos" validate:"dive"`
}

// CreateAttachmentRequest payload for POST /tickets/:id/adjuntos.
type CreateAttachmentRequest struct {
	Filename             string `json:"filename" validate:"required"`
	ContentType          string `json:"mime" validate:"required"`
	Content              string `json:"content" validate:"required"`
	SHA256               string `json:"sha256" validate:"omitempty,hexadecimal"`
	ExternalAttachmentID string `json:"external_attachment_id"`
	IdempotencyKey       string `json:"idempotency_key" validate:"required,max=255"`
}

// HelpdeskRequested reports whether the ticket must go through the helpdesk flow.
func (r CreateTicketRequest) HelpdeskRequested() bool {
	return strings.TrimSpace(r.ContactEmail) != ""
}

// ToDomain converts the payload to a ticket.
func (r CreateTicketRequest) ToDomain() domain.Ticket {
	ticket := domain.Ticket{
		Subject:          r.Subject,
		Description:      r.Description,
		Priority:         domain.TicketPriority(strings.ToLower(strings.TrimSpace(r.Priority))),
		Channel:          r.Channel,
		ExternalTicketID: r.ExternalTicketID,
		ClientRef:        r.ClientRef,
		CustomFields:     r.CustomFields,
		Attachments:      inlineAttachments(r.Attachments),
		ContactIDs:       r.ContactIDs,
		ContactEmails:    r.ContactEmails,
	}
	if category, err := strconv.Atoi(strings.TrimSpace(r.Category)); err == nil {
		ticket.Category = &category
	}
	return ticket
}

// HelpdeskContact builds the contact block of the helpdesk flow.
func (r CreateTicketRequest) HelpdeskContact() domain.HelpdeskContact {
	return domain.HelpdeskContact{
		Email:     r.ContactEmail,
		FirstName: r.ContactFirstName,
		LastName:  r.ContactLastName,
		ID:        r.ContactID,
	}
}

// ToDomain converts the payload to a message on the given issue.
func (r CreateMessageRequest) ToDomain(issueID int) domain.Message {
	return domain.Message{
		IssueID:     issueID,
		Body:        r.Body,
		Visibility:  domain.MessageVisibility(r.Visibility),
		AuthorRef:   r.AuthorRef,
		Attachments: inlineAttachments(r.Attachments),
	}
}

// ToDomain converts the payload to an attachment on the given issue.
func (r CreateAttachmentRequest) ToDomain(issueID int) domain.Attachment {
	return domain.Attachment{
		IssueID:              issueID,
		Filename:             r.Filename,
		ContentType:          r.ContentType,
		Content:              r.Content,
		SHA256:               r.SHA256,
		ExternalAttachmentID: r.ExternalAttachmentID,
	}
}

func inlineAttachments(in []InlineAttachmentRequest) []domain.InlineAttachment {
	if len(in) == 0 {
		return nil
	}
	out := make([]domain.InlineAttachment, 0, len(in))
	for _, att := range in {
		out = append(out, domain.InlineAttachment{
			Filename:    att.Filename,
			ContentType: att.ContentType,
			Content:     att.Content,
		})
	}
	return out
}
