package handlers

import (
	"context"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/redmine-bridge/internal/api/dto"
	"github.com/spec-kit/redmine-bridge/internal/domain"
)

// ClienteBridge is the part of the bridge used by the cliente endpoints.
type ClienteBridge interface {
	SearchCliente(ctx context.Context, rc domain.RequestContext, query, externalID string) (domain.SearchClienteResult, error)
	UpsertCliente(ctx context.Context, rc domain.RequestContext, cliente domain.Cliente) (domain.UpsertClienteResult, error)
}

// ClientesHandler exposes customer search and upsert.
type ClientesHandler struct {
	bridge ClienteBridge
}

// NewClientesHandler constructs handler.
func NewClientesHandler(bridge ClienteBridge) *ClientesHandler {
	return &ClientesHandler{bridge: bridge}
}

// Search POST /clientes/buscar.
func (h *ClientesHandler) Search(c *fiber.Ctx) error {
	var req dto.SearchClienteRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}
	result, err := h.bridge.SearchCliente(c.UserContext(), requestContext(c), req.Query, req.ExternalID)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": result})
}

// Upsert POST /clientes.
func (h *ClientesHandler) Upsert(c *fiber.Ctx) error {
	var req dto.ClienteRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}
	result, err := h.bridge.UpsertCliente(c.UserContext(), requestContext(c), req.ToDomain())
	if err != nil {
		return err
	}
	status := http.StatusOK
	if result.Status == domain.UpsertStatusCreated {
		status = http.StatusCreated
	}
	return c.Status(status).JSON(fiber.Map{"data": result})
}
