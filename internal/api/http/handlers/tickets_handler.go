package handlers

import (
	"context"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/redmine-bridge/internal/api/dto"
	"github.com/spec-kit/redmine-bridge/internal/domain"
	"github.com/spec-kit/redmine-bridge/internal/service"
)

// TicketBridge is the part of the bridge used by the ticket endpoints.
type TicketBridge interface {
	CreateTicket(ctx context.Context, rc domain.RequestContext, ticket domain.Ticket, projectID, trackerID int, idempotencyKey string) (domain.CreateTicketResult, error)
	CreateHelpdeskTicketWithFallback(ctx context.Context, rc domain.RequestContext, req service.HelpdeskTicketRequest) (domain.CreateTicketResult, error)
	ListTickets(ctx context.Context, rc domain.RequestContext, filter service.TicketListFilter) (domain.TicketList, error)
	GetTicket(ctx context.Context, rc domain.RequestContext, issueID int, selectFields []string) (domain.TicketDetail, error)
	CreateMessage(ctx context.Context, rc domain.RequestContext, msg domain.Message) (domain.CreateMessageResult, error)
	CreateAttachment(ctx context.Context, rc domain.RequestContext, att domain.Attachment, idempotencyKey string) (domain.CreateAttachmentResult, error)
}

// TicketsHandler manages ticket endpoints.
type TicketsHandler struct {
	bridge TicketBridge
}

// NewTicketsHandler constructs handler.
func NewTicketsHandler(bridge TicketBridge) *TicketsHandler {
	return &TicketsHandler{bridge: bridge}
}

// CreateTicket POST /tickets.
func (h *TicketsHandler) CreateTicket(c *fiber.Ctx) error {
	var req dto.CreateTicketRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}
	rc := requestContext(c)

	var (
		result domain.CreateTicketResult
		err    error
	)
	if req.HelpdeskRequested() {
		helpdesk := service.HelpdeskTicketRequest{
			Ticket:         req.ToDomain(),
			Contact:        req.HelpdeskContact(),
			ProjectID:      req.ProjectID,
			TrackerID:      req.TrackerID,
			IdempotencyKey: req.IdempotencyKey,
		}
		if req.Cliente != nil {
			cliente := req.Cliente.ToDomain()
			helpdesk.Cliente = &cliente
		}
		result, err = h.bridge.CreateHelpdeskTicketWithFallback(c.UserContext(), rc, helpdesk)
	} else {
		result, err = h.bridge.CreateTicket(c.UserContext(), rc, req.ToDomain(), req.ProjectID, req.TrackerID, req.IdempotencyKey)
	}
	if err != nil {
		return err
	}
	return c.Status(createdStatus(result.Hit)).JSON(fiber.Map{"data": result})
}

// ListTickets GET /tickets.
func (h *TicketsHandler) ListTickets(c *fiber.Ctx) error {
	filter := service.TicketListFilter{
		Status:    c.Query("status"),
		Page:      c.QueryInt("page"),
		PerPage:   c.QueryInt("per_page"),
		ClientRef: c.Query("cliente_ref"),
		Company:   c.Query("empresa"),
	}
	list, err := h.bridge.ListTickets(c.UserContext(), requestContext(c), filter)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": list})
}

// GetTicket GET /tickets/:id.
func (h *TicketsHandler) GetTicket(c *fiber.Ctx) error {
	issueID, err := issueIDParam(c)
	if err != nil {
		return err
	}
	detail, err := h.bridge.GetTicket(c.UserContext(), requestContext(c), issueID, splitList(c.Query("include")))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": detail})
}

// AddMessage POST /tickets/:id/mensajes.
func (h *TicketsHandler) AddMessage(c *fiber.Ctx) error {
	issueID, err := issueIDParam(c)
	if err != nil {
		return err
	}
	var req dto.CreateMessageRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}
	result, err := h.bridge.CreateMessage(c.UserContext(), requestContext(c), req.ToDomain(issueID))
	if err != nil {
		return err
	}
	return c.Status(http.StatusCreated).JSON(fiber.Map{"data": result})
}

// AddAttachment POST /tickets/:id/adjuntos.
func (h *TicketsHandler) AddAttachment(c *fiber.Ctx) error {
	issueID, err := issueIDParam(c)
	if err != nil {
		return err
	}
	var req dto.CreateAttachmentRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}
	result, err := h.bridge.CreateAttachment(c.UserContext(), requestContext(c), req.ToDomain(issueID), req.IdempotencyKey)
	if err != nil {
		return err
	}
	return c.Status(createdStatus(result.Hit)).JSON(fiber.Map{"data": result})
}

// createdStatus answers 200 for idempotent replays and 201 otherwise.
func createdStatus(replayed bool) int {
	if replayed {
		return http.StatusOK
	}
	return http.StatusCreated
}
