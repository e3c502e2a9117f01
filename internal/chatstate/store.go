// Package chatstate holds the client-side projection of conversations. Every
// REST response and every socket event is funnelled through Store so that the
// two channels cannot leave divergent copies of the same conversation.
//
// Store is not safe for concurrent use; it lives on an event loop.
package chatstate

import (
	"sort"
	"time"

	"github.com/spec-kit/support-chat/internal/domain"
	"github.com/spec-kit/support-chat/internal/events"
)

// Thread is everything known locally about one conversation.
type Thread struct {
	Conversation domain.Conversation
	Hydrated     bool

	messages []domain.Message
	seen     map[string]struct{}
	typing   map[string]bool
	readAt   map[domain.Role]time.Time
}

func newThread() *Thread {
	return &Thread{
		seen:   make(map[string]struct{}),
		typing: make(map[string]bool),
		readAt: make(map[domain.Role]time.Time),
	}
}

// latest returns the newest message held by the thread.
func (t *Thread) latest() (domain.Message, bool) {
	var newest domain.Message
	for i, m := range t.messages {
		if i == 0 || m.CreatedAt.After(newest.CreatedAt) {
			newest = m
		}
	}
	return newest, len(t.messages) > 0
}

// Store indexes threads by conversation id.
type Store struct {
	threads map[string]*Thread
	listed  map[string]struct{}
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		threads: make(map[string]*Thread),
		listed:  make(map[string]struct{}),
	}
}

func (s *Store) thread(id string) *Thread {
	t, ok := s.threads[id]
	if !ok {
		t = newThread()
		t.Conversation.ID = id
		s.threads[id] = t
	}
	return t
}

// UpsertConversation applies c unless the stored copy is strictly newer.
// It reports whether c was applied.
func (s *Store) UpsertConversation(c domain.Conversation) bool {
	t, ok := s.threads[c.ID]
	if ok && t.Conversation.Customer.ID != "" && c.UpdatedAt.Before(t.Conversation.UpdatedAt) {
		return false
	}
	if !ok {
		t = s.thread(c.ID)
	}
	t.Conversation = c.Clone()
	if latest, ok := t.latest(); ok {
		s.touchLastMessage(t, latest)
	}
	s.listed[c.ID] = struct{}{}
	return true
}

// ReplaceListing upserts a fresh listing and drops listed conversations that
// are no longer part of it. Threads with loaded history survive.
func (s *Store) ReplaceListing(list []domain.Conversation) {
	keep := make(map[string]struct{}, len(list))
	for _, c := range list {
		keep[c.ID] = struct{}{}
		s.UpsertConversation(c)
	}
	for id := range s.listed {
		if _, ok := keep[id]; ok {
			continue
		}
		delete(s.listed, id)
		if t, ok := s.threads[id]; ok && !t.Hydrated {
			delete(s.threads, id)
		}
	}
}

// Conversation returns a copy of the stored conversation.
func (s *Store) Conversation(id string) (domain.Conversation, bool) {
	t, ok := s.threads[id]
	if !ok || t.Conversation.Customer.ID == "" {
		return domain.Conversation{}, false
	}
	return t.Conversation.Clone(), true
}

// Conversations returns listed conversations, most recent activity first.
func (s *Store) Conversations() []domain.Conversation {
	out := make([]domain.Conversation, 0, len(s.listed))
	for id := range s.listed {
		if t, ok := s.threads[id]; ok {
			out = append(out, t.Conversation.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		ai, aj := lastActivity(out[i]), lastActivity(out[j])
		if ai.Equal(aj) {
			return out[i].ID < out[j].ID
		}
		return ai.After(aj)
	})
	return out
}

func lastActivity(c domain.Conversation) time.Time {
	if c.LastMessage != nil && c.LastMessage.CreatedAt.After(c.UpdatedAt) {
		return c.LastMessage.CreatedAt
	}
	return c.UpdatedAt
}

// SeedHistory merges a page of history into the thread, oldest first, and
// marks it hydrated. Messages already present are kept once.
func (s *Store) SeedHistory(conversationID string, msgs []domain.Message) {
	t := s.thread(conversationID)
	merged := append([]domain.Message{}, t.messages...)
	for _, m := range msgs {
		if _, dup := t.seen[m.ID]; dup {
			continue
		}
		t.seen[m.ID] = struct{}{}
		merged = append(merged, m)
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].CreatedAt.Before(merged[j].CreatedAt)
	})
	t.messages = merged
	t.Hydrated = true
	if n := len(merged); n > 0 {
		s.touchLastMessage(t, merged[n-1])
	}
}

// AppendMessage adds a live message in arrival order. It returns false for
// duplicates. When countUnread is set and the message is new to the
// conversation preview, the counter read by the other side is bumped.
func (s *Store) AppendMessage(msg domain.Message, countUnread bool) bool {
	t := s.thread(msg.ConversationID)
	if _, dup := t.seen[msg.ID]; dup {
		return false
	}
	t.seen[msg.ID] = struct{}{}
	t.messages = append(t.messages, msg)
	delete(t.typing, msg.Sender.ID)

	if s.touchLastMessage(t, msg) && countUnread {
		t.Conversation.UnreadCount.Bump(msg.Sender.Role)
	}
	return true
}

// touchLastMessage moves the preview forward; it reports whether it changed.
func (s *Store) touchLastMessage(t *Thread, msg domain.Message) bool {
	last := t.Conversation.LastMessage
	if last != nil && (last.ID == msg.ID || last.CreatedAt.After(msg.CreatedAt)) {
		return false
	}
	t.Conversation.LastMessage = msg.Snapshot()
	return true
}

// Messages returns the thread's messages in display order.
func (s *Store) Messages(conversationID string) []domain.Message {
	t, ok := s.threads[conversationID]
	if !ok {
		return nil
	}
	return append([]domain.Message(nil), t.messages...)
}

// Hydrated reports whether history was loaded for the conversation.
func (s *Store) Hydrated(conversationID string) bool {
	t, ok := s.threads[conversationID]
	return ok && t.Hydrated
}

// ClearUnread zeroes the counter read by reader.
func (s *Store) ClearUnread(conversationID string, reader domain.Role) {
	if t, ok := s.threads[conversationID]; ok {
		t.Conversation.UnreadCount.Clear(reader)
	}
}

// ApplyRead records a read receipt.
func (s *Store) ApplyRead(p events.MessagesReadPayload) {
	t, ok := s.threads[p.ConversationID]
	if !ok {
		return
	}
	t.Conversation.UnreadCount.Clear(p.ReaderRole)
	side := p.ReaderRole.Side()
	if p.ReadAt.After(t.readAt[side]) {
		t.readAt[side] = p.ReadAt
	}
}

// ReadAt returns when the given side last read the conversation.
func (s *Store) ReadAt(conversationID string, side domain.Role) time.Time {
	if t, ok := s.threads[conversationID]; ok {
		return t.readAt[side.Side()]
	}
	return time.Time{}
}

// SetTyping records a counterpart's typing state.
func (s *Store) SetTyping(conversationID, userID string, typing bool) {
	t := s.thread(conversationID)
	if typing {
		t.typing[userID] = true
		return
	}
	delete(t.typing, userID)
}

// Typing returns the ids typing in a conversation, excluding self.
func (s *Store) Typing(conversationID, self string) []string {
	t, ok := s.threads[conversationID]
	if !ok {
		return nil
	}
	var out []string
	for id := range t.typing {
		if id != self {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// ClearTyping forgets every typing flag on a conversation.
func (s *Store) ClearTyping(conversationID string) {
	if t, ok := s.threads[conversationID]; ok {
		t.typing = make(map[string]bool)
	}
}
