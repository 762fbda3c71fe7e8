package events

import "time"

// EventType enumerates supported event identifiers.
type EventType string

const (
	EventTicketCreated        EventType = "ticket_created"
	EventHelpdeskFallbackUsed EventType = "helpdesk_fallback_used"
	EventMembershipGranted    EventType = "membership_granted"
	EventUserProvisioned      EventType = "user_provisioned"
	EventContactUpserted      EventType = "contact_upserted"
	EventMessageAdded         EventType = "message_added"
	EventAttachmentAdded      EventType = "attachment_added"
)

// AllEventTypes lists every type the bridge emits.
var AllEventTypes = []EventType{
	EventTicketCreated,
	EventHelpdeskFallbackUsed,
	EventMembershipGranted,
	EventUserProvisioned,
	EventContactUpserted,
	EventMessageAdded,
	EventAttachmentAdded,
}

// Event represents a domain event emitted by services.
type Event struct {
	ID            string      `json:"id"`
	Type          EventType   `json:"type"`
	IssueID       int         `json:"issue_id,omitempty"`
	CorrelationID string      `json:"correlation_id"`
	Actor         string      `json:"actor,omitempty"`
	Timestamp     time.Time   `json:"timestamp"`
	Payload       interface{} `json:"payload"`
}

// TicketCreatedPayload payload.
type TicketCreatedPayload struct {
	ProjectID int    `json:"project_id"`
	TrackerID int    `json:"tracker_id"`
	Subject   string `json:"subject"`
	Helpdesk  bool   `json:"helpdesk"`
}

// HelpdeskFallbackUsedPayload payload.
type HelpdeskFallbackUsedPayload struct {
	ContactEmail string `json:"contact_email"`
	Reason       string `json:"reason"`
}

// MembershipGrantedPayload payload.
type MembershipGrantedPayload struct {
	Project string `json:"project"`
	UserID  int    `json:"user_id"`
	RoleID  int    `json:"role_id"`
}

// UserProvisionedPayload payload.
type UserProvisionedPayload struct {
	Login  string `json:"login"`
	UserID int    `json:"user_id"`
	Email  string `json:"email"`
}

// ContactUpsertedPayload payload.
type ContactUpsertedPayload struct {
	ContactID  string `json:"contact_id"`
	ExternalID string `json:"external_id,omitempty"`
	Status     string `json:"status"`
}

// MessageAddedPayload payload.
type MessageAddedPayload struct {
	Visibility  string `json:"visibility"`
	BodyPreview string `json:"body_preview"`
	Attachments int    `json:"attachments"`
}

// AttachmentAddedPayload payload.
type AttachmentAddedPayload struct {
	Filename string `json:"filename"`
	SHA256   string `json:"sha256,omitempty"`
}
