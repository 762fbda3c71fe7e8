package domain

// MatchType qualifies a contact search result.
type MatchType string

const (
	MatchTypeNone     MatchType = "none"
	MatchTypeProbable MatchType = "probable"
	MatchTypeExact    MatchType = "exact"
)

// UpsertStatus reports what an upsert did.
type UpsertStatus string

const (
	UpsertStatusCreated   UpsertStatus = "created"
	UpsertStatusUpdated   UpsertStatus = "updated"
	UpsertStatusUnchanged UpsertStatus = "unchanged"
)

// CreateTicketResult is returned by ticket creation.
type CreateTicketResult struct {
	IssueID int  `json:"issue_id"`
	Hit     bool `json:"hit"`
}

// CreateAttachmentResult is returned by attachment creation.
type CreateAttachmentResult struct {
	AttachmentID *int `json:"attachment_id"`
	Hit          bool `json:"hit"`
}

// CreateMessageResult is returned by message creation.
type CreateMessageResult struct {
	JournalID *int `json:"journal_id"`
}

// SearchClienteResult is returned by contact searches.
type SearchClienteResult struct {
	MatchType MatchType `json:"match_type"`
	Items     []Cliente `json:"items"`
}

// UpsertClienteResult is returned by contact upserts.
type UpsertClienteResult struct {
	Status     UpsertStatus `json:"status"`
	ContactID  string       `json:"contact_id,omitempty"`
	ExternalID string       `json:"external_id,omitempty"`
}

// TicketList is a page of Redmine issues.
type TicketList struct {
	Items   []map[string]any `json:"items"`
	Total   int              `json:"total"`
	Page    int              `json:"page"`
	PerPage int              `json:"per_page"`
}

// TicketDetail wraps a single Redmine issue.
type TicketDetail struct {
	Issue map[string]any `json:"issue"`
}
