package service

import (
	"reflect"
	"sort"
	"strings"

	"github.com/spec-kit/redmine-bridge/internal/config"
	"github.com/spec-kit/redmine-bridge/internal/domain"
)

// PayloadMapper turns domain values into Redmine request bodies. It performs no I/O.
type PayloadMapper struct {
	fieldMap map[string]int
}

// NewPayloadMapper builds a mapper over the configured logical-name to id map.
func NewPayloadMapper(fieldMap map[string]int) *PayloadMapper {
	if fieldMap == nil {
		fieldMap = map[string]int{}
	}
	return &PayloadMapper{fieldMap: fieldMap}
}

// IssuePayload builds the {"issue": {...}} body for issue creation.
// resolvedByID holds custom field values already resolved to numeric ids.
func (m *PayloadMapper) IssuePayload(ticket domain.Ticket, projectID, trackerID int, resolvedByID map[int]any) map[string]any {
	issue := map[string]any{}
	setInt(issue, "project_id", projectID)
	setInt(issue, "tracker_id", trackerID)
	setString(issue, "subject", ticket.Subject)
	setString(issue, "description", ticket.Description)
	issue["priority_id"] = MapPriority(ticket.Priority)
	if ticket.Category != nil {
		setInt(issue, "category_id", *ticket.Category)
	}

	var contactIDs []int
	for _, id := range ticket.ContactIDs {
		if id > 0 {
			contactIDs = append(contactIDs, id)
		}
	}
	if len(contactIDs) > 0 {
		issue["contact_ids"] = contactIDs
	}

	var contactEmails []string
	for _, email := range ticket.ContactEmails {
		if e := strings.TrimSpace(email); e != "" {
			contactEmails = append(contactEmails, e)
		}
	}
	if len(contactEmails) > 0 {
		issue["contact_emails"] = contactEmails
	}

	if fields := m.customFields(ticket, resolvedByID); len(fields) > 0 {
		issue["custom_fields"] = fields
	}
	return map[string]any{"issue": issue}
}

// MessagePayload builds the issue update body carrying a note.
func (m *PayloadMapper) MessagePayload(msg domain.Message) map[string]any {
	return map[string]any{
		"issue": map[string]any{
			"notes":         msg.Body,
			"private_notes": msg.Visibility == domain.MessageVisibilityInternal,
		},
	}
}

// mappedFields returns the custom field values the configured field map
// contributes for ticket, keyed by Redmine id.
func (m *PayloadMapper) mappedFields(ticket domain.Ticket) map[int]any {
	b := m.mappedBuilder(ticket)
	out := make(map[int]any, len(b.fields))
	for _, f := range b.fields {
		out[f.ID] = f.Value
	}
	return out
}

func (m *PayloadMapper) customFields(ticket domain.Ticket, resolvedByID map[int]any) []domain.CustomFieldValue {
	b := m.mappedBuilder(ticket)

	ids := make([]int, 0, len(resolvedByID))
	for id := range resolvedByID {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		b.push(id, resolvedByID[id])
	}
	return b.fields
}

func (m *PayloadMapper) mappedBuilder(ticket domain.Ticket) *customFieldBuilder {
	b := &customFieldBuilder{seen: map[int]bool{}}

	b.push(m.fieldMap[config.FieldOrigen], ticket.CustomFields[config.FieldOrigen])
	b.push(m.fieldMap[config.FieldExternalTicketID], ticket.ExternalTicketID)
	b.push(m.fieldMap[config.FieldCanal], ticket.Channel)
	b.push(m.fieldMap[config.FieldContactRef], ticket.ClientRef)

	names := make([]string, 0, len(ticket.CustomFields))
	for name := range ticket.CustomFields {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if id, ok := m.fieldMap[name]; ok {
			b.push(id, ticket.CustomFields[name])
		}
	}
	return b
}

type customFieldBuilder struct {
	fields []domain.CustomFieldValue
	seen   map[int]bool
}

func (b *customFieldBuilder) push(id int, value any) {
	if id <= 0 || isEmptyValue(value) || b.seen[id] {
		return
	}
	b.seen[id] = true
	b.fields = append(b.fields, domain.CustomFieldValue{ID: id, Value: value})
}

// MapPriority converts a helpdesk priority code to a Redmine priority id.
func MapPriority(p domain.TicketPriority) int {
	switch domain.TicketPriority(strings.ToLower(strings.TrimSpace(string(p)))) {
	case domain.TicketPriorityHigh:
		return 5
	case domain.TicketPriorityMedium:
		return 4
	case domain.TicketPriorityLow:
		return 3
	default:
		return 4
	}
}

// isEmptyValue reports the values treated as "no value": nil, "" and empty slices or maps.
func isEmptyValue(v any) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return s == ""
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map:
		return rv.Len() == 0
	case reflect.Pointer, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

func setInt(m map[string]any, key string, v int) {
	if v > 0 {
		m[key] = v
	}
}

func setString(m map[string]any, key, v string) {
	if v != "" {
		m[key] = v
	}
}
