package domain

import (
	"time"

	apperrors "github.com/spec-kit/support-chat/pkg/util/errorutil"
)

// ConversationStatus enumerates lifecycle states for a support conversation.
type ConversationStatus string

const (
	StatusOpen     ConversationStatus = "open"
	StatusAssigned ConversationStatus = "assigned"
	StatusResolved ConversationStatus = "resolved"
	StatusClosed   ConversationStatus = "closed"
)

// Valid reports whether s is a known status.
func (s ConversationStatus) Valid() bool {
	switch s {
	case StatusOpen, StatusAssigned, StatusResolved, StatusClosed:
		return true
	}
	return false
}

// Active reports whether the conversation still counts as the customer's current thread.
func (s ConversationStatus) Active() bool {
	return s.Valid() && s != StatusClosed
}

// UnreadCount holds per-side unread counters.
type UnreadCount struct {
	Customer int `json:"customer"`
	Staff    int `json:"staff"`
}

// For returns the counter read by the given role.
func (u UnreadCount) For(role Role) int {
	if role.IsStaff() {
		return u.Staff
	}
	return u.Customer
}

// Bump increments the counter of the side opposite to the sender.
func (u *UnreadCount) Bump(sender Role) {
	if sender.IsStaff() {
		u.Customer++
		return
	}
	u.Staff++
}

// Clear zeroes the counter read by role.
func (u *UnreadCount) Clear(reader Role) {
	if reader.IsStaff() {
		u.Staff = 0
		return
	}
	u.Customer = 0
}

// MessageSnapshot is the last-message preview stored on a conversation.
type MessageSnapshot struct {
	ID         string    `json:"id"`
	Content    string    `json:"content"`
	SenderID   string    `json:"senderId"`
	SenderRole Role      `json:"senderRole"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Conversation is a single customer's support thread.
type Conversation struct {
	ID          string             `json:"id"`
	Customer    ParticipantRef     `json:"customer"`
	AssignedTo  *ParticipantRef    `json:"assignedTo,omitempty"`
	Status      ConversationStatus `json:"status"`
	LastMessage *MessageSnapshot   `json:"lastMessage,omitempty"`
	UnreadCount UnreadCount        `json:"unreadCount"`
	CreatedAt   time.Time          `json:"createdAt"`
	UpdatedAt   time.Time          `json:"updatedAt"`
}

// Validate checks the shape of a conversation received over the wire.
func (c *Conversation) Validate() error {
	if c == nil {
		return apperrors.NewValidationError("conversation missing", nil)
	}
	if c.ID == "" {
		return apperrors.NewValidationError("conversation id required", nil)
	}
	if c.Customer.ID == "" {
		return apperrors.NewValidationError("conversation customer required", map[string]any{"conversation_id": c.ID})
	}
	if !c.Status.Valid() {
		return apperrors.NewValidationError("invalid conversation status", map[string]any{"status": string(c.Status)})
	}
	if c.AssignedTo != nil && c.AssignedTo.ID == "" {
		return apperrors.NewValidationError("assignee id required", map[string]any{"conversation_id": c.ID})
	}
	if c.UnreadCount.Customer < 0 || c.UnreadCount.Staff < 0 {
		return apperrors.NewValidationError("negative unread count", map[string]any{"conversation_id": c.ID})
	}
	return nil
}

// Clone returns a deep copy.
func (c Conversation) Clone() Conversation {
	out := c
	if c.AssignedTo != nil {
		assignee := *c.AssignedTo
		out.AssignedTo = &assignee
	}
	if c.LastMessage != nil {
		last := *c.LastMessage
		out.LastMessage = &last
	}
	return out
}

// IsAssignedTo reports whether staffID is the current assignee.
func (c Conversation) IsAssignedTo(staffID string) bool {
	return c.AssignedTo != nil && c.AssignedTo.ID == staffID
}
