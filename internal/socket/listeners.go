package socket

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/spec-kit/support-chat/internal/events"
)

// ListenerGroup is a set of subscriptions owned by one consumer. Handlers run
// on the socket's read goroutine and must not block; consumers normally post
// into their own event loop.
type ListenerGroup struct {
	m      *Manager
	mu     sync.Mutex
	unsubs []func()
}

// Listeners returns a new, empty listener group.
func (m *Manager) Listeners() *ListenerGroup {
	return &ListenerGroup{m: m}
}

// OnNewMessage registers fn for chat:newMessage.
func (g *ListenerGroup) OnNewMessage(fn func(events.NewMessagePayload)) {
	subscribe(g, events.EventNewMessage, fn)
}

// OnMessagesRead registers fn for chat:messagesRead.
func (g *ListenerGroup) OnMessagesRead(fn func(events.MessagesReadPayload)) {
	subscribe(g, events.EventMessagesRead, fn)
}

// OnUserTyping registers fn for chat:userTyping.
func (g *ListenerGroup) OnUserTyping(fn func(events.TypingPayload)) {
	subscribe(g, events.EventUserTyping, fn)
}

// OnUserStoppedTyping registers fn for chat:userStoppedTyping.
func (g *ListenerGroup) OnUserStoppedTyping(fn func(events.TypingPayload)) {
	subscribe(g, events.EventUserStoppedTyping, fn)
}

// OnConversationAssigned registers fn for chat:conversationAssigned.
func (g *ListenerGroup) OnConversationAssigned(fn func(events.ConversationAssignedPayload)) {
	subscribe(g, events.EventConversationAssigned, fn)
}

// OnConversationUpdated registers fn for chat:conversationUpdated.
func (g *ListenerGroup) OnConversationUpdated(fn func(events.ConversationUpdatedPayload)) {
	subscribe(g, events.EventConversationUpdated, fn)
}

// OnError registers fn for chat:error.
func (g *ListenerGroup) OnError(fn func(events.ErrorPayload)) {
	subscribe(g, events.EventError, fn)
}

// OnStateChange registers fn for connection state transitions.
func (g *ListenerGroup) OnStateChange(fn func(State, error)) {
	g.add(g.m.dispatcher.Subscribe(events.EventStateChanged, func(_ context.Context, ev events.Event) error {
		payload, ok := ev.Payload.(events.StateChangedPayload)
		if !ok {
			return nil
		}
		var err error
		if payload.Err != "" {
			err = errors.New(payload.Err)
		}
		fn(State(payload.State), err)
		return nil
	}))
}

// RemoveAllListeners drops every handler registered through this group.
// Other groups on the same manager are unaffected.
func (g *ListenerGroup) RemoveAllListeners() {
	g.mu.Lock()
	unsubs := g.unsubs
	g.unsubs = nil
	g.mu.Unlock()
	for _, unsub := range unsubs {
		unsub()
	}
}

// Len reports the number of live registrations.
func (g *ListenerGroup) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.unsubs)
}

func (g *ListenerGroup) add(unsub func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.unsubs = append(g.unsubs, unsub)
}

type payload[T any] interface {
	*T
	events.Validator
}

func subscribe[T any, P payload[T]](g *ListenerGroup, eventType events.EventType, fn func(T)) {
	logger := g.m.logger
	g.add(g.m.dispatcher.Subscribe(eventType, func(_ context.Context, ev events.Event) error {
		var value T
		switch raw := ev.Payload.(type) {
		case json.RawMessage:
			if err := events.DecodePayload(raw, P(&value)); err != nil {
				logger.Warn("dropping invalid payload", zap.String("event", string(eventType)), zap.Error(err))
				return nil
			}
		case T:
			value = raw
			if err := P(&value).Validate(); err != nil {
				return err
			}
		default:
			return nil
		}
		fn(value)
		return nil
	}))
}
