package domain

import "strings"

// ClienteType discriminates companies from people.
type ClienteType string

const (
	ClienteTypeCompany ClienteType = "empresa"
	ClienteTypePerson  ClienteType = "persona"
)

// Cliente is a customer record used both as search criteria and as upsert payload.
type Cliente struct {
	Type         ClienteType `json:"tipo"`
	CompanyName  string      `json:"razon_social,omitempty"`
	FirstName    string      `json:"nombre,omitempty"`
	LastName     string      `json:"apellido,omitempty"`
	TaxID        string      `json:"cuit,omitempty"`
	Emails       []string    `json:"emails"`
	Phones       []string    `json:"telefonos"`
	Address      string      `json:"direccion,omitempty"`
	ExternalID   string      `json:"external_id,omitempty"`
	SourceSystem string      `json:"source_system"`
}

// SearchTerm returns the first non-empty identifier usable as a free-text query.
func (c Cliente) SearchTerm() string {
	for _, v := range []string{c.ExternalID, c.CompanyName, c.FirstName} {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// Contact is the payload of the Redmine contacts API.
type Contact struct {
	IsCompany    bool
	FirstName    string
	LastName     string
	Company      string
	Emails       []string
	Phones       []string
	Address      string
	CustomFields []CustomFieldValue
}

// HelpdeskContact is the contact block embedded in a helpdesk ticket.
type HelpdeskContact struct {
	Email        string
	FirstName    string
	LastName     string
	ID           int
	CustomFields []CustomFieldValue
}

// Payload renders the contact block sent with /helpdesk_tickets.json.
func (c HelpdeskContact) Payload() map[string]any {
	email := strings.ToLower(strings.TrimSpace(c.Email))
	first := strings.TrimSpace(c.FirstName)
	if first == "" {
		local, _, _ := strings.Cut(strings.TrimSpace(c.Email), "@")
		first = strings.TrimSpace(local)
	}
	if first == "" {
		first = "Contacto"
	}
	block := map[string]any{
		"email":      email,
		"first_name": first,
	}
	if last := strings.TrimSpace(c.LastName); last != "" {
		block["last_name"] = last
	}
	if c.ID > 0 {
		block["id"] = c.ID
	}
	if len(c.CustomFields) > 0 {
		block["custom_fields"] = c.CustomFields
	}
	return block
}
