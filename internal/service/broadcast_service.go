package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/spec-kit/support-chat/internal/events"
	"github.com/spec-kit/support-chat/internal/repository"
)

// Audience selects the sockets an event is delivered to. A socket matching
// several selectors receives the event once.
type Audience struct {
	Room   string
	Users  []string
	Staff  bool
	Except string
}

// Broadcaster delivers an event to connected sockets.
type Broadcaster interface {
	Broadcast(audience Audience, event events.EventType, payload interface{})
}

// BroadcastService routes domain events published by ChatService to sockets.
type BroadcastService struct {
	dispatcher    events.Dispatcher
	conversations repository.ConversationRepository
	broadcaster   Broadcaster
	logger        *zap.Logger
	unsubscribe   []func()
}

// NewBroadcastService creates the service.
func NewBroadcastService(dispatcher events.Dispatcher, conversations repository.ConversationRepository, broadcaster Broadcaster, logger *zap.Logger) *BroadcastService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BroadcastService{
		dispatcher:    dispatcher,
		conversations: conversations,
		broadcaster:   broadcaster,
		logger:        logger,
	}
}

// RegisterHandlers subscribes to events.
func (b *BroadcastService) RegisterHandlers() {
	if b.dispatcher == nil {
		return
	}
	b.unsubscribe = append(b.unsubscribe,
		b.dispatcher.Subscribe(events.EventNewMessage, b.toConversation),
		b.dispatcher.Subscribe(events.EventMessagesRead, b.toConversation),
		b.dispatcher.Subscribe(events.EventUserTyping, b.toRoomPeers),
		b.dispatcher.Subscribe(events.EventUserStoppedTyping, b.toRoomPeers),
		b.dispatcher.Subscribe(events.EventConversationAssigned, b.toCustomerAndStaff),
		b.dispatcher.Subscribe(events.EventConversationUpdated, b.toCustomerAndStaff),
	)
}

// Close removes every subscription.
func (b *BroadcastService) Close() {
	for _, fn := range b.unsubscribe {
		fn()
	}
	b.unsubscribe = nil
}

// toConversation reaches the room, the customer's sockets and all staff, so
// previews and unread badges update outside the room.
func (b *BroadcastService) toConversation(ctx context.Context, event events.Event) error {
	customerID, err := b.customerOf(ctx, event.ConversationID)
	if err != nil {
		return err
	}
	b.deliver(Audience{Room: event.ConversationID, Users: []string{customerID}, Staff: true}, event)
	return nil
}

func (b *BroadcastService) toRoomPeers(_ context.Context, event events.Event) error {
	audience := Audience{Room: event.ConversationID}
	if event.Actor != nil {
		audience.Except = event.Actor.ID
	}
	b.deliver(audience, event)
	return nil
}

func (b *BroadcastService) toCustomerAndStaff(ctx context.Context, event events.Event) error {
	customerID, err := b.customerOf(ctx, event.ConversationID)
	if err != nil {
		return err
	}
	b.deliver(Audience{Users: []string{customerID}, Staff: true}, event)
	return nil
}

func (b *BroadcastService) deliver(audience Audience, event events.Event) {
	b.logger.Debug("broadcast",
		zap.String("event_type", string(event.Type)),
		zap.String("conversation_id", event.ConversationID))
	b.broadcaster.Broadcast(audience, event.Type, event.Payload)
}

func (b *BroadcastService) customerOf(ctx context.Context, conversationID string) (string, error) {
	conv, err := b.conversations.GetByID(ctx, conversationID)
	if err != nil {
		return "", fmt.Errorf("resolve audience for %s: %w", conversationID, err)
	}
	return conv.Customer.ID, nil
}
