package dto

import "github.com/spec-kit/redmine-bridge/internal/domain"

// SearchClienteRequest payload for POST /clientes/buscar.
type SearchClienteRequest struct {
	Query      string `json:"query" validate:"required"`
	ExternalID string `json:"external_id"`
}

// ClienteRequest payload for POST /clientes, also embedded in helpdesk tickets.
type ClienteRequest struct {
	Type         string   `json:"tipo" validate:"required,oneof=empresa persona"`
	CompanyName  string   `json:"razon_social"`
	FirstName    string   `json:"nombre"`
	LastName     string   `json:"apellido"`
	TaxID        string   `json:"cuit"`
	Emails       []string `json:"emails" validate:"dive,email"`
	Phones       []string `json:"telefonos"`
	Address      string   `json:"direccion"`
	ExternalID   string   `json:"external_id"`
	SourceSystem string   `json:"source_system" validate:"required"`
}

// ToDomain converts the payload to a cliente.
func (r ClienteRequest) ToDomain() domain.Cliente {
	return domain.Cliente{
		Type:         domain.ClienteType(r.Type),
		CompanyName:  r.CompanyName,
		FirstName:    r.FirstName,
		LastName:     r.LastName,
		TaxID:        r.TaxID,
		Emails:       r.Emails,
		Phones:       r.Phones,
		Address:      r.Address,
		ExternalID:   r.ExternalID,
		SourceSystem: r.SourceSystem,
	}
}
