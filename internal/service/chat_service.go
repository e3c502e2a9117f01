package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/spec-kit/support-chat/internal/domain"
	"github.com/spec-kit/support-chat/internal/events"
	"github.com/spec-kit/support-chat/internal/repository"
	apperrors "github.com/spec-kit/support-chat/pkg/util/errorutil"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 100
	defaultPageLimit    = 20
	maxPageLimit        = 100
)

// Presence answers whether a participant has a live socket.
type Presence interface {
	IsOnline(ctx context.Context, userID string) bool
}

// ChatService coordinates conversation workflows for the relay.
type ChatService struct {
	conversations repository.ConversationRepository
	messages      repository.MessageRepository
	participants  repository.ParticipantRepository
	presence      Presence
	dispatcher    events.Dispatcher
	now           func() time.Time
	logger        *zap.Logger
	locks         keyedMutex
}

// ChatDependencies bundles collaborators for the chat service.
type ChatDependencies struct {
	ConversationRepo repository.ConversationRepository
	MessageRepo      repository.MessageRepository
	ParticipantRepo  repository.ParticipantRepository
	Presence         Presence
	Dispatcher       events.Dispatcher
	Clock            func() time.Time
	Logger           *zap.Logger
}

// ConversationQuery describes listing filters.
type ConversationQuery struct {
	Status     domain.ConversationStatus
	AssignedTo string
	Unassigned bool
	Search     string
	Page       int
	Limit      int
}

// Page reports the window a listing was cut from.
type Page struct {
	Page  int
	Limit int
	Total int
}

// SendInput describes a posted message.
type SendInput struct {
	ConversationID string
	Content        string
	ClientNonce    string
}

// NewChatService constructs the service.
func NewChatService(deps ChatDependencies) *ChatService {
	now := deps.Clock
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChatService{
		conversations: deps.ConversationRepo,
		messages:      deps.MessageRepo,
		participants:  deps.ParticipantRepo,
		presence:      deps.Presence,
		dispatcher:    deps.Dispatcher,
		now:           now,
		logger:        logger,
	}
}

// GetOrCreateConversation returns the customer's active conversation,
// creating it on first use. Concurrent calls for one customer yield one id.
func (s *ChatService) GetOrCreateConversation(ctx context.Context, customer domain.ParticipantRef) (*domain.Conversation, bool, error) {
	if customer.Role.IsStaff() {
		return nil, false, apperrors.NewForbidden("customer required")
	}
	unlock := s.locks.lock("customer:" + customer.ID)
	defer unlock()

	conv, err := s.conversations.GetActiveByCustomer(ctx, customer.ID)
	if err == nil {
		return conv, false, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, apperrors.MapError(err)
	}

	conv = &domain.Conversation{
		Customer: domain.ParticipantRef{ID: customer.ID, Name: customer.Name, Role: domain.RoleCustomer},
		Status:   domain.StatusOpen,
	}
	if err := s.conversations.Create(ctx, conv); err != nil {
		if errors.Is(err, repository.ErrActiveConversationExists) {
			// Another relay instance won the insert.
			existing, getErr := s.conversations.GetActiveByCustomer(ctx, customer.ID)
			if getErr != nil {
				return nil, false, apperrors.MapError(getErr)
			}
			return existing, false, nil
		}
		return nil, false, apperrors.MapError(err)
	}
	s.logger.Info("conversation created",
		zap.String("conversation_id", conv.ID),
		zap.String("customer_id", customer.ID))
	return conv, true, nil
}

// ListConversations returns a filtered page. Customers only ever see their own.
func (s *ChatService) ListConversations(ctx context.Context, actor domain.ParticipantRef, query ConversationQuery) ([]domain.Conversation, Page, error) {
	if query.Status != "" && !query.Status.Valid() {
		return nil, Page{}, apperrors.NewValidationError("invalid status", map[string]any{"status": string(query.Status)})
	}
	page, limit := clampPage(query.Page, query.Limit, defaultPageLimit, maxPageLimit)
	filter := repository.ConversationFilter{
		Unassigned: query.Unassigned,
		Limit:      limit,
		Offset:     (page - 1) * limit,
	}
	if query.Search != "" {
		filter.SearchTerm = &query.Search
	}
	if query.Status != "" {
		filter.Statuses = []domain.ConversationStatus{query.Status}
	}
	if query.AssignedTo != "" {
		filter.AssignedTo = &query.AssignedTo
	}
	if !actor.Role.IsStaff() {
		filter.CustomerID = &actor.ID
	}

	list, total, err := s.conversations.ListWithFilter(ctx, filter)
	if err != nil {
		return nil, Page{}, apperrors.MapError(err)
	}
	if list == nil {
		list = []domain.Conversation{}
	}
	return list, Page{Page: page, Limit: limit, Total: total}, nil
}

// GetConversation returns a conversation the actor may see.
func (s *ChatService) GetConversation(ctx context.Context, actor domain.ParticipantRef, id string) (*domain.Conversation, error) {
	conv, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := authorize(actor, conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// CanAccess reports whether actor may join the conversation's room.
func (s *ChatService) CanAccess(ctx context.Context, actor domain.ParticipantRef, id string) error {
	_, err := s.GetConversation(ctx, actor, id)
	return err
}

// ListMessages returns one page of history. Page 1 holds the newest messages;
// each page is ordered oldest first.
func (s *ChatService) ListMessages(ctx context.Context, actor domain.ParticipantRef, id string, page, limit int) ([]domain.Message, Page, error) {
	if _, err := s.GetConversation(ctx, actor, id); err != nil {
		return nil, Page{}, err
	}
	page, limit = clampPage(page, limit, defaultHistoryLimit, maxHistoryLimit)
	msgs, total, err := s.messages.ListByConversation(ctx, id, limit, (page-1)*limit)
	if err != nil {
		return nil, Page{}, apperrors.MapError(err)
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}
	return msgs, Page{Page: page, Limit: limit, Total: total}, nil
}

// SendMessage appends a message, bumps the counterpart's unread counter and
// publishes newMessage followed by conversationUpdated.
func (s *ChatService) SendMessage(ctx context.Context, actor domain.ParticipantRef, input SendInput) (*domain.Message, error) {
	content, err := domain.NormalizeContent(input.Content)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.lock("conversation:" + input.ConversationID)
	defer unlock()

	conv, err := s.GetConversation(ctx, actor, input.ConversationID)
	if err != nil {
		return nil, err
	}
	if input.ClientNonce != "" {
		existing, err := s.messages.GetByClientNonce(ctx, conv.ID, actor.ID, input.ClientNonce)
		if err == nil {
			return s.resend(ctx, actor, existing), nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.MapError(err)
		}
	}
	if conv.Status == domain.StatusClosed {
		return nil, apperrors.NewConflict("conversation is closed", map[string]any{"conversation_id": conv.ID})
	}

	msg := &domain.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		Sender:         actor,
		Content:        content,
		ClientNonce:    input.ClientNonce,
		CreatedAt:      s.now(),
	}
	if err := s.messages.Create(ctx, msg); err != nil {
		if errors.Is(err, repository.ErrDuplicateMessage) {
			existing, getErr := s.messages.GetByClientNonce(ctx, conv.ID, actor.ID, input.ClientNonce)
			if getErr != nil {
				return nil, apperrors.MapError(getErr)
			}
			return s.resend(ctx, actor, existing), nil
		}
		return nil, apperrors.MapError(err)
	}

	if conv.Status == domain.StatusResolved && !actor.Role.IsStaff() {
		conv.Status = domain.StatusOpen
		if conv.AssignedTo != nil {
			conv.Status = domain.StatusAssigned
		}
	}
	conv.LastMessage = msg.Snapshot()
	conv.UnreadCount.Bump(actor.Role)
	if err := s.conversations.Update(ctx, conv); err != nil {
		return nil, apperrors.MapError(err)
	}

	s.publishEvent(ctx, events.Event{
		Type:           events.EventNewMessage,
		ConversationID: conv.ID,
		Actor:          &actor,
		Payload: events.NewMessagePayload{
			ConversationID: conv.ID,
			Message:        *msg,
			ClientNonce:    input.ClientNonce,
		},
	})
	s.publishEvent(ctx, events.Event{
		Type:           events.EventConversationUpdated,
		ConversationID: conv.ID,
		Actor:          &actor,
		Payload:        events.ConversationUpdatedPayload{Conversation: conv.Clone()},
	})
	return msg, nil
}

// resend answers a repeated send with the message already stored for its
// nonce. Only the echo is published again; counters stay untouched.
func (s *ChatService) resend(ctx context.Context, actor domain.ParticipantRef, msg *domain.Message) *domain.Message {
	s.logger.Debug("duplicate send answered with stored message",
		zap.String("conversation_id", msg.ConversationID),
		zap.String("message_id", msg.ID),
		zap.String("client_nonce", msg.ClientNonce),
	)
	s.publishEvent(ctx, events.Event{
		Type:           events.EventNewMessage,
		ConversationID: msg.ConversationID,
		Actor:          &actor,
		Payload: events.NewMessagePayload{
			ConversationID: msg.ConversationID,
			Message:        *msg,
			ClientNonce:    msg.ClientNonce,
		},
	})
	return msg
}

// MarkAsRead zeroes the unread counter of the actor's side and publishes a
// read receipt. Repeating it is harmless.
func (s *ChatService) MarkAsRead(ctx context.Context, actor domain.ParticipantRef, id string) (*domain.Conversation, error) {
	unlock := s.locks.lock("conversation:" + id)
	defer unlock()

	conv, err := s.GetConversation(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	changed := conv.UnreadCount.For(actor.Role) != 0
	if changed {
		conv.UnreadCount.Clear(actor.Role)
		if err := s.conversations.Update(ctx, conv); err != nil {
			return nil, apperrors.MapError(err)
		}
	}

	s.publishEvent(ctx, events.Event{
		Type:           events.EventMessagesRead,
		ConversationID: conv.ID,
		Actor:          &actor,
		Payload: events.MessagesReadPayload{
			ConversationID: conv.ID,
			ReaderID:       actor.ID,
			ReaderRole:     actor.Role,
			ReadAt:         s.now(),
		},
	})
	if changed {
		s.publishEvent(ctx, events.Event{
			Type:           events.EventConversationUpdated,
			ConversationID: conv.ID,
			Actor:          &actor,
			Payload:        events.ConversationUpdatedPayload{Conversation: conv.Clone()},
		})
	}
	return conv, nil
}

// AssignConversation hands a conversation to a staff member. The last
// assignment wins.
func (s *ChatService) AssignConversation(ctx context.Context, actor domain.ParticipantRef, id, staffID string) (*domain.Conversation, error) {
	if !actor.Role.IsStaff() {
		return nil, apperrors.NewForbidden("staff role required")
	}
	if staffID == "" {
		return nil, apperrors.NewValidationError("staffId required", nil)
	}
	assignee, err := s.participants.GetByID(ctx, staffID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NewNotFound("staff", map[string]any{"staff_id": staffID})
		}
		return nil, apperrors.MapError(err)
	}
	if !assignee.Role.IsStaff() {
		return nil, apperrors.NewValidationError("assignee must be staff", map[string]any{"staff_id": staffID})
	}

	unlock := s.locks.lock("conversation:" + id)
	defer unlock()

	conv, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if conv.Status == domain.StatusClosed {
		return nil, apperrors.NewConflict("conversation is closed", map[string]any{"conversation_id": conv.ID})
	}
	ref := assignee.Ref()
	conv.AssignedTo = &ref
	conv.Status = domain.StatusAssigned
	if err := s.conversations.Update(ctx, conv); err != nil {
		return nil, apperrors.MapError(err)
	}

	s.logger.Info("conversation assigned",
		zap.String("conversation_id", conv.ID),
		zap.String("staff_id", staffID),
		zap.String("assigned_by", actor.ID))
	s.publishEvent(ctx, events.Event{
		Type:           events.EventConversationAssigned,
		ConversationID: conv.ID,
		Actor:          &actor,
		Payload: events.ConversationAssignedPayload{
			ConversationID: conv.ID,
			StaffID:        staffID,
			AssignedBy:     actor.ID,
			Conversation:   conv.Clone(),
		},
	})
	return conv, nil
}

// UpdateStatus moves a conversation through its lifecycle. Setting it back to
// open releases the assignee.
func (s *ChatService) UpdateStatus(ctx context.Context, actor domain.ParticipantRef, id string, status domain.ConversationStatus) (*domain.Conversation, error) {
	if !actor.Role.IsStaff() {
		return nil, apperrors.NewForbidden("staff role required")
	}
	if !status.Valid() {
		return nil, apperrors.NewValidationError("invalid status", map[string]any{"status": string(status)})
	}

	unlock := s.locks.lock("conversation:" + id)
	defer unlock()

	conv, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if status == domain.StatusAssigned && conv.AssignedTo == nil {
		return nil, apperrors.NewValidationError("assign the conversation instead", map[string]any{"conversation_id": id})
	}
	conv.Status = status
	if status == domain.StatusOpen {
		conv.AssignedTo = nil
	}
	if err := s.conversations.Update(ctx, conv); err != nil {
		if errors.Is(err, repository.ErrActiveConversationExists) {
			return nil, apperrors.NewConflict("customer already has an active conversation", map[string]any{"conversation_id": id})
		}
		return nil, apperrors.MapError(err)
	}

	s.publishEvent(ctx, events.Event{
		Type:           events.EventConversationUpdated,
		ConversationID: conv.ID,
		Actor:          &actor,
		Payload:        events.ConversationUpdatedPayload{Conversation: conv.Clone()},
	})
	return conv, nil
}

// Typing relays a typing signal to the conversation's room.
func (s *ChatService) Typing(ctx context.Context, actor domain.ParticipantRef, id string, typing bool) error {
	if err := s.CanAccess(ctx, actor, id); err != nil {
		return err
	}
	eventType := events.EventUserStoppedTyping
	if typing {
		eventType = events.EventUserTyping
	}
	s.publishEvent(ctx, events.Event{
		Type:           eventType,
		ConversationID: id,
		Actor:          &actor,
		Payload:        events.TypingPayload{ConversationID: id, UserID: actor.ID},
	})
	return nil
}

// ListStaff returns the staff directory with live presence.
func (s *ChatService) ListStaff(ctx context.Context) ([]domain.Participant, error) {
	staff, err := s.participants.ListByRole(ctx, domain.RoleStaff, domain.RoleAdmin)
	if err != nil {
		return nil, apperrors.MapError(err)
	}
	if staff == nil {
		staff = []domain.Participant{}
	}
	if s.presence != nil {
		for i := range staff {
			staff[i].Online = s.presence.IsOnline(ctx, staff[i].ID)
		}
	}
	return staff, nil
}

func (s *ChatService) load(ctx context.Context, id string) (*domain.Conversation, error) {
	if id == "" {
		return nil, apperrors.NewValidationError("conversation id required", nil)
	}
	conv, err := s.conversations.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NewNotFound("conversation", map[string]any{"conversation_id": id})
		}
		return nil, apperrors.MapError(err)
	}
	return conv, nil
}

func (s *ChatService) publishEvent(ctx context.Context, event events.Event) {
	if s.dispatcher == nil {
		return
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = s.now()
	}
	_ = s.dispatcher.Publish(ctx, event)
}

func authorize(actor domain.ParticipantRef, conv *domain.Conversation) error {
	if actor.Role.IsStaff() || conv.Customer.ID == actor.ID {
		return nil
	}
	return apperrors.NewForbidden("conversation belongs to another customer")
}

func clampPage(page, limit, def, ceiling int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = def
	}
	if limit > ceiling {
		limit = ceiling
	}
	return page, limit
}

// keyedMutex serialises work per key. Entries are dropped once unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyedEntry)
	}
	entry, ok := k.locks[key]
	if !ok {
		entry = &keyedEntry{}
		k.locks[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		k.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
