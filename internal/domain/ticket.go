package domain

// TicketPriority is the helpdesk priority code carried by a ticket.
type TicketPriority string

const (
	TicketPriorityHigh   TicketPriority = "alta"
	TicketPriorityMedium TicketPriority = "media"
	TicketPriorityLow    TicketPriority = "baja"
)

// Ticket describes a ticket to be opened in Redmine.
type Ticket struct {
	Subject          string
	Description      string
	Priority         TicketPriority
	Category         *int
	Channel          string
	ExternalTicketID string
	ClientRef        string
	// CustomFields is keyed by logical field name or by numeric id written in decimal.
	CustomFields map[string]any
	// CustomFieldOverrides win over resolved values on id collision in helpdesk tickets.
	CustomFieldOverrides []CustomFieldValue
	Attachments          []InlineAttachment
	ContactIDs           []int
	ContactEmails        []string
}

// CustomFieldValue is the wire shape of one Redmine custom field value.
type CustomFieldValue struct {
	ID    int `json:"id"`
	Value any `json:"value"`
}

// InlineAttachment is a file sent together with a ticket or message.
// Content is either a filesystem path, raw bytes or base64 text.
type InlineAttachment struct {
	Filename    string
	ContentType string
	Content     string
}

// WithDescriptionSuffix returns a copy of the ticket with extra text appended to the description.
func (t Ticket) WithDescriptionSuffix(extra string) Ticket {
	if extra == "" {
		return t
	}
	t.Description = t.Description + "\n\n" + extra
	return t
}
