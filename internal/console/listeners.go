package console

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/spec-kit/support-chat/internal/domain"
	"github.com/spec-kit/support-chat/internal/events"
	"github.com/spec-kit/support-chat/internal/socket"
)

func (c *Console) subscribe() {
	l := c.deps.Listeners
	l.OnNewMessage(func(p events.NewMessagePayload) {
		c.loop.Post(func() { c.onNewMessage(p) })
	})
	l.OnMessagesRead(func(p events.MessagesReadPayload) {
		c.loop.Post(func() { c.onMessagesRead(p) })
	})
	l.OnUserTyping(func(p events.TypingPayload) {
		c.loop.Post(func() { c.onTyping(p, true) })
	})
	l.OnUserStoppedTyping(func(p events.TypingPayload) {
		c.loop.Post(func() { c.onTyping(p, false) })
	})
	l.OnConversationAssigned(func(p events.ConversationAssignedPayload) {
		c.loop.Post(func() { c.onAssigned(p) })
	})
	l.OnConversationUpdated(func(p events.ConversationUpdatedPayload) {
		c.loop.Post(func() { c.onConversation(p.Conversation) })
	})
	l.OnStateChange(func(s socket.State, err error) {
		c.loop.Post(func() { c.onStateChange(s, err) })
	})
	l.OnError(func(p events.ErrorPayload) {
		c.logger.Warn("chat error", zap.String("code", p.Code), zap.String("message", p.Message), zap.String("event", string(p.Event)))
	})
}

// onNewMessage keeps the list preview current for every conversation and
// appends to the open thread.
func (c *Console) onNewMessage(p events.NewMessagePayload) {
	c.composer.Observe(p)
	open := c.state == StateReady && c.selected == p.ConversationID
	if _, known := c.store.Conversation(p.ConversationID); !known {
		c.lookup(p.ConversationID)
	}
	if !c.store.AppendMessage(p.Message, !open) {
		c.changed()
		return
	}
	if open && !p.Message.Sender.Role.IsStaff() {
		c.markRead(p.ConversationID)
	}
	c.changed()
}

func (c *Console) onMessagesRead(p events.MessagesReadPayload) {
	c.store.ApplyRead(p)
	c.changed()
}

func (c *Console) onTyping(p events.TypingPayload, typing bool) {
	if p.UserID == c.cfg.User.ID {
		return
	}
	c.store.SetTyping(p.ConversationID, p.UserID, typing)
	c.changed()
}

// onAssigned applies the new assignee and tells this staff member whether
// the conversation is now theirs.
func (c *Console) onAssigned(p events.ConversationAssignedPayload) {
	c.store.UpsertConversation(p.Conversation)
	if p.StaffID == c.cfg.User.ID {
		c.deps.Notifier.Success("A conversation was assigned to you")
	} else {
		c.deps.Notifier.Info(fmt.Sprintf("Conversation assigned to %s", c.staffName(p)))
	}
	c.changed()
}

func (c *Console) staffName(p events.ConversationAssignedPayload) string {
	if a := p.Conversation.AssignedTo; a != nil && a.ID == p.StaffID && a.Name != "" {
		return a.Name
	}
	for _, s := range c.staff {
		if s.ID == p.StaffID && s.Name != "" {
			return s.Name
		}
	}
	return p.StaffID
}

func (c *Console) onConversation(conv domain.Conversation) {
	if _, known := c.store.Conversation(conv.ID); !known && !c.matches(conv) {
		return
	}
	if c.store.UpsertConversation(conv) {
		c.changed()
	}
}

// matches reports whether conv belongs in the current filtered list.
func (c *Console) matches(conv domain.Conversation) bool {
	f := c.filter
	if f.Status != "" && conv.Status != f.Status {
		return false
	}
	if f.AssignedTo != "" && !conv.IsAssignedTo(f.AssignedTo) {
		return false
	}
	if f.Unassigned && conv.AssignedTo != nil {
		return false
	}
	return f.Search == ""
}

func (c *Console) onStateChange(s socket.State, err error) {
	prev := c.connection
	c.connection = s
	switch s {
	case socket.StateConnected:
		switch {
		case !c.started:
		case c.wasConnected && prev != socket.StateConnected:
			c.logger.Info("socket reconnected, reloading conversations")
			c.reload()
		case c.readPending != "" && c.readPending == c.selected && c.state == StateReady:
			c.markRead(c.readPending)
		}
		c.wasConnected = true
	case socket.StateDisconnected:
		c.logger.Warn("socket disconnected", zap.Error(err))
	}
	c.changed()
}
