package handlers

import (
	"net/http"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/support-chat/internal/api/dto"
	"github.com/spec-kit/support-chat/internal/auth"
	"github.com/spec-kit/support-chat/internal/domain"
	"github.com/spec-kit/support-chat/internal/service"
	apperrors "github.com/spec-kit/support-chat/pkg/util/errorutil"
)

// ChatHandler serves the conversation endpoints shared by the widget and the console.
type ChatHandler struct {
	service *service.ChatService
}

// NewChatHandler constructs handler.
func NewChatHandler(chatService *service.ChatService) *ChatHandler {
	return &ChatHandler{service: chatService}
}

// GetOrCreateConversation GET /chat/conversation.
func (h *ChatHandler) GetOrCreateConversation(c *fiber.Ctx) error {
	principal, err := caller(c)
	if err != nil {
		return err
	}
	conv, created, err := h.service.GetOrCreateConversation(c.UserContext(), principal.ParticipantRef)
	if err != nil {
		return err
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	return c.Status(status).JSON(dto.Envelope[*domain.Conversation]{Data: conv})
}

// ListConversations GET /chat/conversations.
func (h *ChatHandler) ListConversations(c *fiber.Ctx) error {
	principal, err := caller(c)
	if err != nil {
		return err
	}
	unassigned, _ := strconv.ParseBool(c.Query("unassigned"))
	query := service.ConversationQuery{
		Status:     domain.ConversationStatus(c.Query("status")),
		AssignedTo: c.Query("assignedTo"),
		Unassigned: unassigned,
		Search:     c.Query("search"),
		Page:       c.QueryInt("page", 1),
		Limit:      c.QueryInt("limit", 0),
	}
	list, page, err := h.service.ListConversations(c.UserContext(), principal.ParticipantRef, query)
	if err != nil {
		return err
	}
	pagination := dto.NewPagination(page.Page, page.Limit, page.Total)
	return c.JSON(dto.Envelope[[]domain.Conversation]{Data: list, Pagination: &pagination})
}

// GetConversation GET /chat/conversations/:id.
func (h *ChatHandler) GetConversation(c *fiber.Ctx) error {
	principal, err := caller(c)
	if err != nil {
		return err
	}
	conv, err := h.service.GetConversation(c.UserContext(), principal.ParticipantRef, c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(dto.Envelope[*domain.Conversation]{Data: conv})
}

// ListMessages GET /chat/conversations/:id/messages.
func (h *ChatHandler) ListMessages(c *fiber.Ctx) error {
	principal, err := caller(c)
	if err != nil {
		return err
	}
	msgs, page, err := h.service.ListMessages(c.UserContext(), principal.ParticipantRef, c.Params("id"),
		c.QueryInt("page", 1), c.QueryInt("limit", 0))
	if err != nil {
		return err
	}
	pagination := dto.NewPagination(page.Page, page.Limit, page.Total)
	return c.JSON(dto.Envelope[[]domain.Message]{Data: msgs, Pagination: &pagination})
}

// SendMessage POST /chat/conversations/:id/messages.
func (h *ChatHandler) SendMessage(c *fiber.Ctx) error {
	principal, err := caller(c)
	if err != nil {
		return err
	}
	var req dto.SendMessageRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	msg, err := h.service.SendMessage(c.UserContext(), principal.ParticipantRef, service.SendInput{
		ConversationID: c.Params("id"),
		Content:        req.Content,
		ClientNonce:    req.ClientNonce,
	})
	if err != nil {
		return err
	}
	return c.Status(http.StatusCreated).JSON(dto.Envelope[*domain.Message]{Data: msg})
}

// MarkAsRead PATCH /chat/conversations/:id/read.
func (h *ChatHandler) MarkAsRead(c *fiber.Ctx) error {
	principal, err := caller(c)
	if err != nil {
		return err
	}
	conv, err := h.service.MarkAsRead(c.UserContext(), principal.ParticipantRef, c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(dto.Envelope[*domain.Conversation]{Data: conv})
}

// AssignConversation PATCH /chat/conversations/:id/assign.
func (h *ChatHandler) AssignConversation(c *fiber.Ctx) error {
	principal, err := caller(c)
	if err != nil {
		return err
	}
	var req dto.AssignRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	conv, err := h.service.AssignConversation(c.UserContext(), principal.ParticipantRef, c.Params("id"), req.StaffID)
	if err != nil {
		return err
	}
	return c.JSON(dto.Envelope[*domain.Conversation]{Data: conv})
}

// UpdateStatus PATCH /chat/conversations/:id/status.
func (h *ChatHandler) UpdateStatus(c *fiber.Ctx) error {
	principal, err := caller(c)
	if err != nil {
		return err
	}
	var req dto.StatusRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	conv, err := h.service.UpdateStatus(c.UserContext(), principal.ParticipantRef, c.Params("id"), req.Status)
	if err != nil {
		return err
	}
	return c.JSON(dto.Envelope[*domain.Conversation]{Data: conv})
}

// ListStaff GET /chat/staff.
func (h *ChatHandler) ListStaff(c *fiber.Ctx) error {
	staff, err := h.service.ListStaff(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(dto.Envelope[[]domain.Participant]{Data: staff})
}

func caller(c *fiber.Ctx) (*auth.Principal, error) {
	principal, ok := auth.PrincipalFromContext(c)
	if !ok {
		return nil, apperrors.NewUnauthorized("authentication required")
	}
	return principal, nil
}
