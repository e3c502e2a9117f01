package widget

import (
	"go.uber.org/zap"

	"github.com/spec-kit/support-chat/internal/domain"
	"github.com/spec-kit/support-chat/internal/events"
	"github.com/spec-kit/support-chat/internal/socket"
)

// subscribe registers socket handlers that hop onto the widget loop.
func (w *Widget) subscribe() {
	l := w.deps.Listeners
	l.OnNewMessage(func(p events.NewMessagePayload) {
		w.loop.Post(func() { w.onNewMessage(p) })
	})
	l.OnMessagesRead(func(p events.MessagesReadPayload) {
		w.loop.Post(func() { w.onMessagesRead(p) })
	})
	l.OnUserTyping(func(p events.TypingPayload) {
		w.loop.Post(func() { w.onTyping(p, true) })
	})
	l.OnUserStoppedTyping(func(p events.TypingPayload) {
		w.loop.Post(func() { w.onTyping(p, false) })
	})
	l.OnConversationAssigned(func(p events.ConversationAssignedPayload) {
		w.loop.Post(func() { w.onConversation(p.Conversation) })
	})
	l.OnConversationUpdated(func(p events.ConversationUpdatedPayload) {
		w.loop.Post(func() { w.onConversation(p.Conversation) })
	})
	l.OnStateChange(func(s socket.State, err error) {
		w.loop.Post(func() { w.onStateChange(s, err) })
	})
	l.OnError(func(p events.ErrorPayload) {
		w.logger.Warn("chat error", zap.String("code", p.Code), zap.String("message", p.Message), zap.String("event", string(p.Event)))
	})
}

func (w *Widget) ours(conversationID string) bool {
	return w.conversationID == "" || w.conversationID == conversationID
}

func (w *Widget) onNewMessage(p events.NewMessagePayload) {
	if !w.ours(p.ConversationID) {
		return
	}
	w.composer.Observe(p)
	if !w.store.AppendMessage(p.Message, false) {
		w.changed()
		return
	}
	mine := p.Message.Sender.ID == w.cfg.User.ID
	switch w.state {
	case StateReady:
		if !mine {
			w.markRead()
		}
	case StateClosed:
		if !mine {
			w.unread++
		}
	}
	w.changed()
}

func (w *Widget) onMessagesRead(p events.MessagesReadPayload) {
	if !w.ours(p.ConversationID) {
		return
	}
	w.store.ApplyRead(p)
	w.changed()
}

func (w *Widget) onTyping(p events.TypingPayload, typing bool) {
	if p.ConversationID != w.conversationID || p.UserID == w.cfg.User.ID {
		return
	}
	w.store.SetTyping(p.ConversationID, p.UserID, typing)
	w.changed()
}

func (w *Widget) onConversation(c domain.Conversation) {
	if c.ID != w.conversationID {
		return
	}
	if w.store.UpsertConversation(c) {
		w.changed()
	}
}

func (w *Widget) onStateChange(s socket.State, err error) {
	prev := w.connection
	w.connection = s
	switch s {
	case socket.StateConnected:
		switch {
		case w.state != StateReady:
		case w.wasConnected && prev != socket.StateConnected:
			w.logger.Info("socket reconnected, refreshing history", zap.String("conversation_id", w.conversationID))
			w.rehydrate()
		case w.readPending:
			w.markRead()
		}
		w.wasConnected = true
	case socket.StateDisconnected:
		w.logger.Warn("socket disconnected", zap.Error(err))
	}
	w.changed()
}
