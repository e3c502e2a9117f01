package socket

import "github.com/spec-kit/support-chat/internal/events"

// Client is the outbound surface of a socket connection.
type Client interface {
	Connect(userID string)
	JoinConversation(conversationID string) error
	LeaveConversation(conversationID string) error
	SendMessage(conversationID, content, nonce string) error
	MarkAsRead(conversationID string) error
	Typing(conversationID string) error
	StopTyping(conversationID string) error
	State() State
}

// Subscriber is a scoped set of inbound event listeners.
type Subscriber interface {
	OnNewMessage(fn func(events.NewMessagePayload))
	OnMessagesRead(fn func(events.MessagesReadPayload))
	OnUserTyping(fn func(events.TypingPayload))
	OnUserStoppedTyping(fn func(events.TypingPayload))
	OnConversationAssigned(fn func(events.ConversationAssignedPayload))
	OnConversationUpdated(fn func(events.ConversationUpdatedPayload))
	OnError(fn func(events.ErrorPayload))
	OnStateChange(fn func(State, error))
	RemoveAllListeners()
}

var (
	_ Client     = (*Manager)(nil)
	_ Subscriber = (*ListenerGroup)(nil)
)
