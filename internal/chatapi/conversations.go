package chatapi

import (
	"context"
	"errors"
	"net/url"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/support-chat/internal/api/dto"
	"github.com/spec-kit/support-chat/internal/domain"
	apperrors "github.com/spec-kit/support-chat/pkg/util/errorutil"
)

var errMissingData = errors.New("response carried no data")

// ListParams filters the staff conversation listing.
type ListParams struct {
	Status     domain.ConversationStatus
	AssignedTo string
	Unassigned bool
	Search     string
	Page       int
	Limit      int
}

func (p ListParams) values() url.Values {
	q := url.Values{}
	if p.Status != "" {
		q.Set("status", string(p.Status))
	}
	if p.AssignedTo != "" {
		q.Set("assignedTo", p.AssignedTo)
	}
	if p.Unassigned {
		q.Set("unassigned", "true")
	}
	if p.Search != "" {
		q.Set("search", p.Search)
	}
	setPage(q, p.Page, p.Limit)
	return q
}

// PageParams paginates message history. Page 1 holds the newest messages.
type PageParams struct {
	Page  int
	Limit int
}

func setPage(q url.Values, page, limit int) {
	if page > 0 {
		q.Set("page", strconv.Itoa(page))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
}

// ConversationPage is one page of the staff listing.
type ConversationPage struct {
	Conversations []domain.Conversation
	Pagination    dto.Pagination
}

// MessagePage is one page of history, oldest first.
type MessagePage struct {
	Messages   []domain.Message
	Pagination dto.Pagination
}

// GetOrCreateConversation returns the caller's active conversation, creating it on first use.
func (c *Client) GetOrCreateConversation(ctx context.Context) (*domain.Conversation, error) {
	var conv domain.Conversation
	if _, err := c.do(ctx, request{method: fiber.MethodGet, path: "/chat/conversation"}, &conv); err != nil {
		return nil, err
	}
	return validConversation(&conv)
}

// GetAllConversations lists conversations for staff.
func (c *Client) GetAllConversations(ctx context.Context, params ListParams) (*ConversationPage, error) {
	var convs []domain.Conversation
	pagination, err := c.do(ctx, request{method: fiber.MethodGet, path: "/chat/conversations", query: params.values()}, &convs)
	if err != nil {
		return nil, err
	}
	for i := range convs {
		if err := convs[i].Validate(); err != nil {
			return nil, err
		}
	}
	page := &ConversationPage{Conversations: convs}
	if pagination != nil {
		page.Pagination = *pagination
	}
	return page, nil
}

// GetConversation fetches one conversation.
func (c *Client) GetConversation(ctx context.Context, conversationID string) (*domain.Conversation, error) {
	var conv domain.Conversation
	if _, err := c.do(ctx, request{method: fiber.MethodGet, path: conversationPath(conversationID, "")}, &conv); err != nil {
		return nil, err
	}
	return validConversation(&conv)
}

// GetMessages fetches a page of history.
func (c *Client) GetMessages(ctx context.Context, conversationID string, params PageParams) (*MessagePage, error) {
	q := url.Values{}
	setPage(q, params.Page, params.Limit)
	var msgs []domain.Message
	pagination, err := c.do(ctx, request{method: fiber.MethodGet, path: conversationPath(conversationID, "/messages"), query: q}, &msgs)
	if err != nil {
		return nil, err
	}
	for i := range msgs {
		if err := msgs[i].Validate(); err != nil {
			return nil, err
		}
		if msgs[i].ConversationID != conversationID {
			return nil, apperrors.NewValidationError("message from another conversation", map[string]any{"message_id": msgs[i].ID})
		}
	}
	page := &MessagePage{Messages: msgs}
	if pagination != nil {
		page.Pagination = *pagination
	}
	return page, nil
}

// SendMessage posts a message over REST. The socket emit is the primary path.
func (c *Client) SendMessage(ctx context.Context, conversationID, content string) (*domain.Message, error) {
	normalized, err := domain.NormalizeContent(content)
	if err != nil {
		return nil, err
	}
	var msg domain.Message
	req := request{
		method: fiber.MethodPost,
		path:   conversationPath(conversationID, "/messages"),
		body:   dto.SendMessageRequest{Content: normalized},
	}
	if _, err := c.do(ctx, req, &msg); err != nil {
		return nil, err
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return &msg, nil
}

// MarkAsRead clears the caller's unread counter.
func (c *Client) MarkAsRead(ctx context.Context, conversationID string) (*domain.Conversation, error) {
	var conv domain.Conversation
	if _, err := c.do(ctx, request{method: fiber.MethodPatch, path: conversationPath(conversationID, "/read")}, &conv); err != nil {
		return nil, err
	}
	return validConversation(&conv)
}

// AssignConversation assigns a conversation to a staff member.
func (c *Client) AssignConversation(ctx context.Context, conversationID, staffID string) (*domain.Conversation, error) {
	if staffID == "" {
		return nil, apperrors.NewValidationError("staffId required", nil)
	}
	var conv domain.Conversation
	req := request{
		method: fiber.MethodPatch,
		path:   conversationPath(conversationID, "/assign"),
		body:   dto.AssignRequest{StaffID: staffID},
	}
	if _, err := c.do(ctx, req, &conv); err != nil {
		return nil, err
	}
	return validConversation(&conv)
}

// UpdateStatus moves a conversation to another status.
func (c *Client) UpdateStatus(ctx context.Context, conversationID string, status domain.ConversationStatus) (*domain.Conversation, error) {
	if !status.Valid() {
		return nil, apperrors.NewValidationError("invalid status", map[string]any{"status": string(status)})
	}
	var conv domain.Conversation
	req := request{
		method: fiber.MethodPatch,
		path:   conversationPath(conversationID, "/status"),
		body:   dto.StatusRequest{Status: status},
	}
	if _, err := c.do(ctx, req, &conv); err != nil {
		return nil, err
	}
	return validConversation(&conv)
}

// ListStaff returns the staff members conversations can be assigned to.
func (c *Client) ListStaff(ctx context.Context) ([]domain.Participant, error) {
	var staff []domain.Participant
	if _, err := c.do(ctx, request{method: fiber.MethodGet, path: "/chat/staff"}, &staff); err != nil {
		return nil, err
	}
	return staff, nil
}

func conversationPath(conversationID, suffix string) string {
	return "/chat/conversations/" + url.PathEscape(conversationID) + suffix
}

func validConversation(conv *domain.Conversation) (*domain.Conversation, error) {
	if err := conv.Validate(); err != nil {
		return nil, err
	}
	return conv, nil
}
