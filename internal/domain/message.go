package domain

// MessageVisibility controls whether a note is private in Redmine.
type MessageVisibility string

const (
	MessageVisibilityInternal MessageVisibility = "internal"
	MessageVisibilityPublic   MessageVisibility = "public"
)

// Message is a note appended to an existing issue.
type Message struct {
	IssueID     int
	Body        string
	Visibility  MessageVisibility
	AuthorRef   string
	FromAddress string
	Attachments []InlineAttachment
}

// Attachment is a single file attached to an existing issue.
type Attachment struct {
	IssueID              int
	Filename             string
	ContentType          string
	Content              string
	SHA256               string
	ExternalAttachmentID string
}
