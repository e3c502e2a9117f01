package repository

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/spec-kit/support-chat/internal/domain"
)

// Memory implements every repository in process. It backs the relay when no
// POSTGRES_DSN is configured and the service tests. Not-found lookups return
// pgx.ErrNoRows so callers handle both stores alike.
type Memory struct {
	mu            sync.RWMutex
	now           func() time.Time
	conversations map[string]domain.Conversation
	messages      map[string][]domain.Message
	participants  map[string]domain.Participant
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{
		now:           func() time.Time { return time.Now().UTC() },
		conversations: make(map[string]domain.Conversation),
		messages:      make(map[string][]domain.Message),
		participants:  make(map[string]domain.Participant),
	}
}

// Conversations exposes the conversation repository view.
func (m *Memory) Conversations() ConversationRepository { return memoryConversations{m} }

// Messages exposes the message repository view.
func (m *Memory) Messages() MessageRepository { return memoryMessages{m} }

// Participants exposes the participant repository view.
func (m *Memory) Participants() ParticipantRepository { return memoryParticipants{m} }

type memoryConversations struct{ m *Memory }

func (r memoryConversations) Create(_ context.Context, conv *domain.Conversation) error {
	m := r.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	if conv.Status.Active() && m.activeFor(conv.Customer.ID, conv.ID) {
		return ErrActiveConversationExists
	}
	now := m.now()
	conv.CreatedAt, conv.UpdatedAt = now, now
	m.conversations[conv.ID] = conv.Clone()
	return nil
}

func (r memoryConversations) Update(_ context.Context, conv *domain.Conversation) error {
	m := r.m
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.conversations[conv.ID]
	if !ok {
		return pgx.ErrNoRows
	}
	if conv.Status.Active() && m.activeFor(stored.Customer.ID, conv.ID) {
		return ErrActiveConversationExists
	}
	updated := conv.Clone()
	updated.Customer.ID = stored.Customer.ID
	updated.CreatedAt = stored.CreatedAt
	updated.UpdatedAt = m.now()
	if !updated.UpdatedAt.After(stored.UpdatedAt) {
		updated.UpdatedAt = stored.UpdatedAt.Add(time.Microsecond)
	}
	m.conversations[conv.ID] = updated
	conv.UpdatedAt = updated.UpdatedAt
	return nil
}

func (r memoryConversations) GetByID(_ context.Context, id string) (*domain.Conversation, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	conv, ok := r.m.conversations[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	out := conv.Clone()
	return &out, nil
}

func (r memoryConversations) GetActiveByCustomer(_ context.Context, customerID string) (*domain.Conversation, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	for _, conv := range r.m.conversations {
		if conv.Customer.ID == customerID && conv.Status.Active() {
			out := conv.Clone()
			return &out, nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (r memoryConversations) ListWithFilter(_ context.Context, filter ConversationFilter) ([]domain.Conversation, int, error) {
	r.m.mu.RLock()
	matched := make([]domain.Conversation, 0, len(r.m.conversations))
	for _, conv := range r.m.conversations {
		if filter.matches(conv) {
			matched = append(matched, conv.Clone())
		}
	}
	r.m.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		ai, aj := activity(matched[i]), activity(matched[j])
		if ai.Equal(aj) {
			return matched[i].ID < matched[j].ID
		}
		return ai.After(aj)
	})

	total := len(matched)
	limit, offset := normalizeWindow(filter.Limit, filter.Offset)
	if offset >= total {
		return []domain.Conversation{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return matched[offset:end], total, nil
}

// activeFor reports whether customerID has an active conversation other than except.
func (m *Memory) activeFor(customerID, except string) bool {
	for id, conv := range m.conversations {
		if id != except && conv.Customer.ID == customerID && conv.Status.Active() {
			return true
		}
	}
	return false
}

func (f ConversationFilter) matches(conv domain.Conversation) bool {
	if f.CustomerID != nil && conv.Customer.ID != *f.CustomerID {
		return false
	}
	if f.AssignedTo != nil && !conv.IsAssignedTo(*f.AssignedTo) {
		return false
	}
	if f.Unassigned && conv.AssignedTo != nil {
		return false
	}
	if f.SearchTerm != nil && !matchesSearch(conv, *f.SearchTerm) {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if conv.Status == s {
			return true
		}
	}
	return false
}

func matchesSearch(conv domain.Conversation, term string) bool {
	term = strings.ToLower(strings.TrimSpace(term))
	if term == "" {
		return true
	}
	if strings.Contains(strings.ToLower(conv.Customer.Name), term) {
		return true
	}
	return conv.LastMessage != nil && strings.Contains(strings.ToLower(conv.LastMessage.Content), term)
}

func activity(conv domain.Conversation) time.Time {
	if conv.LastMessage != nil && conv.LastMessage.CreatedAt.After(conv.UpdatedAt) {
		return conv.LastMessage.CreatedAt
	}
	return conv.UpdatedAt
}

type memoryMessages struct{ m *Memory }

func (r memoryMessages) Create(_ context.Context, msg *domain.Message) error {
	m := r.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.conversations[msg.ConversationID]; !ok {
		return pgx.ErrNoRows
	}
	if msg.ClientNonce != "" {
		if _, ok := m.byNonce(msg.ConversationID, msg.Sender.ID, msg.ClientNonce); ok {
			return ErrDuplicateMessage
		}
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = m.now()
	}
	m.messages[msg.ConversationID] = append(m.messages[msg.ConversationID], *msg)
	return nil
}

func (r memoryMessages) GetByClientNonce(_ context.Context, conversationID, senderID, nonce string) (*domain.Message, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	msg, ok := r.m.byNonce(conversationID, senderID, nonce)
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return &msg, nil
}

func (m *Memory) byNonce(conversationID, senderID, nonce string) (domain.Message, bool) {
	for _, msg := range m.messages[conversationID] {
		if msg.Sender.ID == senderID && msg.ClientNonce == nonce {
			return msg, true
		}
	}
	return domain.Message{}, false
}

func (r memoryMessages) ListByConversation(_ context.Context, conversationID string, limit, offset int) ([]domain.Message, int, error) {
	r.m.mu.RLock()
	all := append([]domain.Message(nil), r.m.messages[conversationID]...)
	r.m.mu.RUnlock()

	sort.SliceStable(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })

	total := len(all)
	limit, offset = normalizeWindow(limit, offset)
	end := total - offset
	if end <= 0 {
		return []domain.Message{}, total, nil
	}
	start := end - limit
	if start < 0 {
		start = 0
	}
	return all[start:end], total, nil
}

type memoryParticipants struct{ m *Memory }

func (r memoryParticipants) Upsert(_ context.Context, p *domain.Participant) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	p.LastSeen = r.m.now()
	r.m.participants[p.ID] = *p
	return nil
}

func (r memoryParticipants) GetByID(_ context.Context, id string) (*domain.Participant, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	p, ok := r.m.participants[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return &p, nil
}

func (r memoryParticipants) ListByRole(_ context.Context, roles ...domain.Role) ([]domain.Participant, error) {
	r.m.mu.RLock()
	result := make([]domain.Participant, 0, len(r.m.participants))
	for _, p := range r.m.participants {
		if len(roles) == 0 || hasRole(roles, p.Role) {
			result = append(result, p)
		}
	}
	r.m.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if result[i].Name == result[j].Name {
			return result[i].ID < result[j].ID
		}
		return result[i].Name < result[j].Name
	})
	return result, nil
}

func hasRole(roles []domain.Role, role domain.Role) bool {
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}
