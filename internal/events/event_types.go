package events

import (
	"time"

	"github.com/spec-kit/support-chat/internal/domain"
	apperrors "github.com/spec-kit/support-chat/pkg/util/errorutil"
)

// EventType enumerates socket event names. The same names are used on the wire
// and for in-process dispatch.
type EventType string

// Client to server.
const (
	EventJoin              EventType = "chat:join"
	EventJoinConversation  EventType = "chat:joinConversation"
	EventLeaveConversation EventType = "chat:leaveConversation"
	EventSendMessage       EventType = "chat:sendMessage"
	EventMarkAsRead        EventType = "chat:markAsRead"
	EventTyping            EventType = "chat:typing"
	EventStopTyping        EventType = "chat:stopTyping"
)

// Server to client.
const (
	EventConnected            EventType = "chat:connected"
	EventError                EventType = "chat:error"
	EventJoined               EventType = "chat:joined"
	EventNewMessage           EventType = "chat:newMessage"
	EventMessagesRead         EventType = "chat:messagesRead"
	EventUserTyping           EventType = "chat:userTyping"
	EventUserStoppedTyping    EventType = "chat:userStoppedTyping"
	EventConversationAssigned EventType = "chat:conversationAssigned"
	EventConversationUpdated  EventType = "chat:conversationUpdated"
)

// EventStateChanged is dispatched locally by the socket manager; it never crosses the wire.
const EventStateChanged EventType = "socket:stateChanged"

// Event is an in-process envelope. Payload is a typed struct for locally
// produced events and a json.RawMessage for frames read off a socket.
type Event struct {
	ID             string                 `json:"id"`
	Type           EventType              `json:"type"`
	ConversationID string                 `json:"conversation_id,omitempty"`
	Actor          *domain.ParticipantRef `json:"actor,omitempty"`
	Timestamp      time.Time              `json:"timestamp"`
	Payload        interface{}            `json:"payload"`
}

// ConversationIDPayload is the bare conversation id sent with join/leave,
// markAsRead and typing signals.
type ConversationIDPayload struct {
	ConversationID string `json:"conversationId"`
}

func (p ConversationIDPayload) Validate() error {
	if p.ConversationID == "" {
		return apperrors.NewValidationError("conversationId required", nil)
	}
	return nil
}

// JoinPayload announces the identity behind a socket.
type JoinPayload struct {
	UserID string `json:"userId"`
}

func (p JoinPayload) Validate() error {
	if p.UserID == "" {
		return apperrors.NewValidationError("userId required", nil)
	}
	return nil
}

// SendMessagePayload is emitted by a client to post a message. ClientNonce is
// echoed back on the resulting newMessage so the sender can acknowledge it.
type SendMessagePayload struct {
	ConversationID string `json:"conversationId"`
	Content        string `json:"content"`
	ClientNonce    string `json:"clientNonce,omitempty"`
}

func (p SendMessagePayload) Validate() error {
	if p.ConversationID == "" {
		return apperrors.NewValidationError("conversationId required", nil)
	}
	if _, err := domain.NormalizeContent(p.Content); err != nil {
		return err
	}
	return nil
}

// ConnectedPayload confirms a socket connection.
type ConnectedPayload struct {
	SocketID string `json:"socketId"`
	UserID   string `json:"userId,omitempty"`
}

func (p ConnectedPayload) Validate() error {
	if p.SocketID == "" {
		return apperrors.NewValidationError("socketId required", nil)
	}
	return nil
}

// ErrorPayload reports a server-side failure handling a frame.
type ErrorPayload struct {
	Code    string    `json:"code,omitempty"`
	Message string    `json:"message"`
	Event   EventType `json:"event,omitempty"`
}

func (p ErrorPayload) Validate() error {
	if p.Message == "" {
		return apperrors.NewValidationError("error message required", nil)
	}
	return nil
}

// NewMessagePayload carries a freshly created message.
type NewMessagePayload struct {
	ConversationID string         `json:"conversationId"`
	Message        domain.Message `json:"message"`
	ClientNonce    string         `json:"clientNonce,omitempty"`
}

func (p NewMessagePayload) Validate() error {
	if p.ConversationID == "" {
		return apperrors.NewValidationError("conversationId required", nil)
	}
	if err := p.Message.Validate(); err != nil {
		return err
	}
	if p.Message.ConversationID != p.ConversationID {
		return apperrors.NewValidationError("message conversation mismatch", map[string]any{
			"conversation_id": p.ConversationID,
			"message_id":      p.Message.ID,
		})
	}
	return nil
}

// MessagesReadPayload is a read receipt scoped to a conversation.
type MessagesReadPayload struct {
	ConversationID string      `json:"conversationId"`
	ReaderID       string      `json:"readerId"`
	ReaderRole     domain.Role `json:"readerRole"`
	ReadAt         time.Time   `json:"readAt"`
}

func (p MessagesReadPayload) Validate() error {
	if p.ConversationID == "" || p.ReaderID == "" {
		return apperrors.NewValidationError("conversationId and readerId required", nil)
	}
	if !p.ReaderRole.Valid() {
		return apperrors.NewValidationError("invalid readerRole", map[string]any{"reader_role": string(p.ReaderRole)})
	}
	return nil
}

// TypingPayload is carried by userTyping and userStoppedTyping.
type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

func (p TypingPayload) Validate() error {
	if p.ConversationID == "" || p.UserID == "" {
		return apperrors.NewValidationError("conversationId and userId required", nil)
	}
	return nil
}

// ConversationAssignedPayload announces a new assignee.
type ConversationAssignedPayload struct {
	ConversationID string              `json:"conversationId"`
	StaffID        string              `json:"staffId"`
	AssignedBy     string              `json:"assignedBy,omitempty"`
	Conversation   domain.Conversation `json:"conversation"`
}

func (p ConversationAssignedPayload) Validate() error {
	if p.ConversationID == "" || p.StaffID == "" {
		return apperrors.NewValidationError("conversationId and staffId required", nil)
	}
	if err := p.Conversation.Validate(); err != nil {
		return err
	}
	if p.Conversation.ID != p.ConversationID {
		return apperrors.NewValidationError("conversation mismatch", map[string]any{"conversation_id": p.ConversationID})
	}
	return nil
}

// ConversationUpdatedPayload carries a full conversation after status, unread
// or last-message changes.
type ConversationUpdatedPayload struct {
	Conversation domain.Conversation `json:"conversation"`
}

func (p ConversationUpdatedPayload) Validate() error {
	return p.Conversation.Validate()
}

// StateChangedPayload reports socket connection state transitions.
type StateChangedPayload struct {
	State   string `json:"state"`
	Attempt int    `json:"attempt,omitempty"`
	Err     string `json:"error,omitempty"`
}
