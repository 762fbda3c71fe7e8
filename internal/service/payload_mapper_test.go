package service

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/spec-kit/redmine-bridge/internal/config"
	"github.com/spec-kit/redmine-bridge/internal/domain"
)

func TestIssuePayloadOrdersMappedCustomFields(t *testing.T) {
	mapper := NewPayloadMapper(map[string]int{
		config.FieldOrigen:           101,
		config.FieldExternalTicketID: 102,
	})
	ticket := domain.Ticket{
		Subject:          "No funciona",
		Priority:         domain.TicketPriorityHigh,
		ExternalTicketID: "EXT-1",
		CustomFields:     map[string]any{config.FieldOrigen: "crm"},
	}

	payload := mapper.IssuePayload(ticket, 3, 7, nil)
	issue := payload["issue"].(map[string]any)

	assert.Equal(t, 3, issue["project_id"])
	assert.Equal(t, 7, issue["tracker_id"])
	assert.Equal(t, 5, issue["priority_id"])
	assert.Equal(t, []domain.CustomFieldValue{
		{ID: 101, Value: "crm"},
		{ID: 102, Value: "EXT-1"},
	}, issue["custom_fields"])
	assert.NotContains(t, issue, "description")
}

func TestIssuePayloadKeepsFirstValuePerID(t *testing.T) {
	mapper := NewPayloadMapper(map[string]int{config.FieldCanal: 50})
	ticket := domain.Ticket{Subject: "s", Channel: "email"}

	payload := mapper.IssuePayload(ticket, 1, 7, map[int]any{50: "web", 60: []string{"a"}, 70: ""})
	issue := payload["issue"].(map[string]any)

	assert.Equal(t, []domain.CustomFieldValue{
		{ID: 50, Value: "email"},
		{ID: 60, Value: []string{"a"}},
	}, issue["custom_fields"])
}

func TestIssuePayloadContacts(t *testing.T) {
	category := 9
	ticket := domain.Ticket{
		Subject:       "s",
		Category:      &category,
		ContactIDs:    []int{0, 4},
		ContactEmails: []string{" ", " a@b.com "},
	}
	issue := NewPayloadMapper(nil).IssuePayload(ticket, 1, 2, nil)["issue"].(map[string]any)

	assert.Equal(t, 9, issue["category_id"])
	assert.Equal(t, []int{4}, issue["contact_ids"])
	assert.Equal(t, []string{"a@b.com"}, issue["contact_emails"])
	assert.NotContains(t, issue, "custom_fields")
}

func TestMapPriority(t *testing.T) {
	cases := map[domain.TicketPriority]int{
		"alta":    5,
		" MEDIA ": 4,
		"baja":    3,
		"":        4,
		"urgente": 4,
	}
	for in, want := range cases {
		assert.Equal(t, want, MapPriority(in), "priority %q", in)
	}
}

func TestMessagePayload(t *testing.T) {
	mapper := NewPayloadMapper(nil)

	internal := mapper.MessagePayload(domain.Message{Body: "nota", Visibility: domain.MessageVisibilityInternal})
	assert.Equal(t, map[string]any{"issue": map[string]any{"notes": "nota", "private_notes": true}}, internal)

	public := mapper.MessagePayload(domain.Message{Body: "hola", Visibility: domain.MessageVisibilityPublic})
	assert.Equal(t, false, public["issue"].(map[string]any)["private_notes"])
}
