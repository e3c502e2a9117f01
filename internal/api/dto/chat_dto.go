package dto

import "github.com/spec-kit/support-chat/internal/domain"

// SendMessageRequest payload for the REST fallback send path.
type SendMessageRequest struct {
	Content     string `json:"content"`
	ClientNonce string `json:"clientNonce,omitempty"`
}

// AssignRequest payload.
type AssignRequest struct {
	StaffID string `json:"staffId"`
}

// StatusRequest payload.
type StatusRequest struct {
	Status domain.ConversationStatus `json:"status"`
}

// Pagination describes a page of a listing.
type Pagination struct {
	Page    int  `json:"page"`
	Limit   int  `json:"limit"`
	Total   int  `json:"total"`
	HasMore bool `json:"hasMore"`
}

// ErrorBody is the error envelope member.
type ErrorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Envelope is the response wrapper used by every chat endpoint.
type Envelope[T any] struct {
	Data       T           `json:"data"`
	Pagination *Pagination `json:"pagination,omitempty"`
	Error      *ErrorBody  `json:"error,omitempty"`
}

// NewPagination fills HasMore from the totals.
func NewPagination(page, limit, total int) Pagination {
	return Pagination{Page: page, Limit: limit, Total: total, HasMore: page*limit < total}
}
