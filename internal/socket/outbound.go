package socket

import (
	"sort"

	"go.uber.org/zap"

	"github.com/spec-kit/support-chat/internal/events"
)

// JoinConversation scopes delivery of a conversation's room events to this
// socket. Joins are reference counted; the wire join is sent on the first one
// and replayed after every reconnect, so joining while offline is not an error.
func (m *Manager) JoinConversation(conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rooms[conversationID]++
	if m.rooms[conversationID] > 1 {
		return nil
	}
	if m.link == nil {
		return nil
	}
	return m.enqueueLocked(m.link, events.EventJoinConversation, conversationID)
}

// LeaveConversation releases one join; the wire leave is sent when the last
// holder leaves.
func (m *Manager) LeaveConversation(conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	count, ok := m.rooms[conversationID]
	if !ok {
		return nil
	}
	if count > 1 {
		m.rooms[conversationID] = count - 1
		return nil
	}
	delete(m.rooms, conversationID)
	if m.link == nil {
		return nil
	}
	return m.enqueueLocked(m.link, events.EventLeaveConversation, conversationID)
}

// JoinedRooms lists the conversations currently joined, sorted.
func (m *Manager) JoinedRooms() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.rooms))
	for id := range m.rooms {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// SendMessage posts content to a conversation. The caller learns of success
// only when the message is echoed back via newMessage carrying nonce.
func (m *Manager) SendMessage(conversationID, content, nonce string) error {
	return m.emit(events.EventSendMessage, events.SendMessagePayload{
		ConversationID: conversationID,
		Content:        content,
		ClientNonce:    nonce,
	})
}

// MarkAsRead clears this user's unread counter on a conversation.
func (m *Manager) MarkAsRead(conversationID string) error {
	return m.emit(events.EventMarkAsRead, conversationID)
}

// Typing signals that the local user is typing.
func (m *Manager) Typing(conversationID string) error {
	return m.emit(events.EventTyping, conversationID)
}

// StopTyping signals that the local user stopped typing.
func (m *Manager) StopTyping(conversationID string) error {
	return m.emit(events.EventStopTyping, conversationID)
}

func (m *Manager) emit(event events.EventType, data interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.link == nil {
		m.logger.Debug("emit while disconnected", zap.String("event", string(event)))
		return ErrNotConnected
	}
	return m.enqueueLocked(m.link, event, data)
}

// enqueueLocked must be called with m.mu held; it never blocks.
func (m *Manager) enqueueLocked(l *link, event events.EventType, data interface{}) error {
	frame, err := events.EncodeFrame(event, data)
	if err != nil {
		return err
	}
	select {
	case l.send <- frame:
		m.metrics.RecordFrameOut(string(event))
		return nil
	default:
		m.logger.Warn("dropping outbound frame", zap.String("event", string(event)))
		return ErrSendBufferFull
	}
}
