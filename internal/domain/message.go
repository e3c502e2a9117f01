package domain

import (
	"strings"
	"time"
	"unicode/utf8"

	apperrors "github.com/spec-kit/support-chat/pkg/util/errorutil"
)

// MaxMessageRunes bounds message content length.
const MaxMessageRunes = 2000

// Message is an immutable entry in a conversation.
type Message struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversationId"`
	Sender         ParticipantRef `json:"sender"`
	Content        string         `json:"content"`
	ClientNonce    string         `json:"clientNonce,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
}

// Validate checks the shape of a message received over the wire.
func (m *Message) Validate() error {
	if m == nil {
		return apperrors.NewValidationError("message missing", nil)
	}
	if m.ID == "" || m.ConversationID == "" {
		return apperrors.NewValidationError("message id and conversationId required", nil)
	}
	if m.Sender.ID == "" || !m.Sender.Role.Valid() {
		return apperrors.NewValidationError("message sender required", map[string]any{"message_id": m.ID})
	}
	return nil
}

// Snapshot returns the preview form stored on conversations.
func (m Message) Snapshot() *MessageSnapshot {
	return &MessageSnapshot{
		ID:         m.ID,
		Content:    m.Content,
		SenderID:   m.Sender.ID,
		SenderRole: m.Sender.Role,
		CreatedAt:  m.CreatedAt,
	}
}

// NormalizeContent trims content and enforces the length bounds.
func NormalizeContent(content string) (string, error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return "", apperrors.NewValidationError("content required", nil)
	}
	if utf8.RuneCountInString(trimmed) > MaxMessageRunes {
		return "", apperrors.NewValidationError("content too long", map[string]any{"max_runes": MaxMessageRunes})
	}
	return trimmed, nil
}
