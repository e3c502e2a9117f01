// Package sockettest provides an in-process socket for exercising code that
// consumes socket.Client and socket.Subscriber.
package sockettest

import (
	"sync"

	"github.com/spec-kit/support-chat/internal/events"
	"github.com/spec-kit/support-chat/internal/socket"
)

// Call is one recorded outbound operation.
type Call struct {
	Event events.EventType
	ID    string
	Data  events.SendMessagePayload
}

// Fake records outbound calls and delivers inbound events synchronously to
// every live listener group.
type Fake struct {
	mu     sync.Mutex
	state  socket.State
	userID string
	rooms  map[string]int
	calls  []Call
	groups []*Group
	err    error
	hold   bool
}

// New returns a disconnected fake.
func New() *Fake {
	return &Fake{state: socket.StateIdle, rooms: make(map[string]int)}
}

// FailWith makes every outbound emit return err until cleared with nil.
func (f *Fake) FailWith(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// HoldConnect leaves the next Connect in StateConnecting until
// CompleteConnect is called. Emits fail with socket.ErrNotConnected meanwhile.
func (f *Fake) HoldConnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hold = true
}

// CompleteConnect finishes a held dial.
func (f *Fake) CompleteConnect() {
	f.mu.Lock()
	userID := f.userID
	f.hold = false
	f.calls = append(f.calls, Call{Event: events.EventJoin, ID: userID})
	f.mu.Unlock()
	f.SetState(socket.StateConnected, nil)
}

func (f *Fake) Connect(userID string) {
	f.mu.Lock()
	if f.userID == userID && (f.state == socket.StateConnected || f.state == socket.StateConnecting) {
		f.mu.Unlock()
		return
	}
	f.userID = userID
	if f.hold {
		f.state = socket.StateConnecting
		f.mu.Unlock()
		f.SetState(socket.StateConnecting, nil)
		return
	}
	f.state = socket.StateConnected
	f.calls = append(f.calls, Call{Event: events.EventJoin, ID: userID})
	f.mu.Unlock()
	f.SetState(socket.StateConnected, nil)
}

func (f *Fake) JoinConversation(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rooms[id]++
	if f.rooms[id] == 1 {
		f.calls = append(f.calls, Call{Event: events.EventJoinConversation, ID: id})
	}
	return nil
}

func (f *Fake) LeaveConversation(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rooms[id] == 0 {
		return nil
	}
	f.rooms[id]--
	if f.rooms[id] == 0 {
		delete(f.rooms, id)
		f.calls = append(f.calls, Call{Event: events.EventLeaveConversation, ID: id})
	}
	return nil
}

func (f *Fake) SendMessage(id, content, nonce string) error {
	return f.record(Call{
		Event: events.EventSendMessage,
		ID:    id,
		Data:  events.SendMessagePayload{ConversationID: id, Content: content, ClientNonce: nonce},
	})
}

func (f *Fake) MarkAsRead(id string) error {
	return f.record(Call{Event: events.EventMarkAsRead, ID: id})
}

func (f *Fake) Typing(id string) error {
	return f.record(Call{Event: events.EventTyping, ID: id})
}

func (f *Fake) StopTyping(id string) error {
	return f.record(Call{Event: events.EventStopTyping, ID: id})
}

func (f *Fake) State() socket.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *Fake) record(c Call) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if f.state == socket.StateConnecting || f.state == socket.StateReconnecting {
		return socket.ErrNotConnected
	}
	f.calls = append(f.calls, c)
	return nil
}

// Calls returns the recorded calls for event, or all calls when event is empty.
func (f *Fake) Calls(event events.EventType) []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Call
	for _, c := range f.calls {
		if event == "" || c.Event == event {
			out = append(out, c)
		}
	}
	return out
}

// IDs returns the ids of the recorded calls for event.
func (f *Fake) IDs(event events.EventType) []string {
	var out []string
	for _, c := range f.Calls(event) {
		out = append(out, c.ID)
	}
	return out
}

// Rooms returns the current room reference counts.
func (f *Fake) Rooms() map[string]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]int, len(f.rooms))
	for k, v := range f.rooms {
		out[k] = v
	}
	return out
}

// Listeners returns a new listener group bound to the fake.
func (f *Fake) Listeners() *Group {
	g := &Group{}
	f.mu.Lock()
	f.groups = append(f.groups, g)
	f.mu.Unlock()
	return g
}

// SetState moves the fake to state and notifies listeners.
func (f *Fake) SetState(state socket.State, err error) {
	f.mu.Lock()
	f.state = state
	f.mu.Unlock()
	for _, g := range f.live() {
		for _, fn := range g.snapshot().state {
			fn(state, err)
		}
	}
}

// DeliverNewMessage pushes a chat:newMessage to every listener.
func (f *Fake) DeliverNewMessage(p events.NewMessagePayload) {
	for _, g := range f.live() {
		for _, fn := range g.snapshot().newMessage {
			fn(p)
		}
	}
}

// DeliverMessagesRead pushes a chat:messagesRead to every listener.
func (f *Fake) DeliverMessagesRead(p events.MessagesReadPayload) {
	for _, g := range f.live() {
		for _, fn := range g.snapshot().read {
			fn(p)
		}
	}
}

// DeliverTyping pushes chat:userTyping, or chat:userStoppedTyping when typing is false.
func (f *Fake) DeliverTyping(p events.TypingPayload, typing bool) {
	for _, g := range f.live() {
		h := g.snapshot()
		fns := h.stopped
		if typing {
			fns = h.typing
		}
		for _, fn := range fns {
			fn(p)
		}
	}
}

// DeliverAssigned pushes a chat:conversationAssigned to every listener.
func (f *Fake) DeliverAssigned(p events.ConversationAssignedPayload) {
	for _, g := range f.live() {
		for _, fn := range g.snapshot().assigned {
			fn(p)
		}
	}
}

// DeliverUpdated pushes a chat:conversationUpdated to every listener.
func (f *Fake) DeliverUpdated(p events.ConversationUpdatedPayload) {
	for _, g := range f.live() {
		for _, fn := range g.snapshot().updated {
			fn(p)
		}
	}
}

// DeliverError pushes a chat:error to every listener.
func (f *Fake) DeliverError(p events.ErrorPayload) {
	for _, g := range f.live() {
		for _, fn := range g.snapshot().errors {
			fn(p)
		}
	}
}

func (f *Fake) live() []*Group {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Group(nil), f.groups...)
}

// Group is the fake's socket.Subscriber.
type Group struct {
	mu sync.Mutex
	h  handlers
}

type handlers struct {
	newMessage []func(events.NewMessagePayload)
	read       []func(events.MessagesReadPayload)
	typing     []func(events.TypingPayload)
	stopped    []func(events.TypingPayload)
	assigned   []func(events.ConversationAssignedPayload)
	updated    []func(events.ConversationUpdatedPayload)
	errors     []func(events.ErrorPayload)
	state      []func(socket.State, error)
}

var _ socket.Subscriber = (*Group)(nil)

func (g *Group) OnNewMessage(fn func(events.NewMessagePayload)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.h.newMessage = append(g.h.newMessage, fn)
}

func (g *Group) OnMessagesRead(fn func(events.MessagesReadPayload)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.h.read = append(g.h.read, fn)
}

func (g *Group) OnUserTyping(fn func(events.TypingPayload)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.h.typing = append(g.h.typing, fn)
}

func (g *Group) OnUserStoppedTyping(fn func(events.TypingPayload)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.h.stopped = append(g.h.stopped, fn)
}

func (g *Group) OnConversationAssigned(fn func(events.ConversationAssignedPayload)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.h.assigned = append(g.h.assigned, fn)
}

func (g *Group) OnConversationUpdated(fn func(events.ConversationUpdatedPayload)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.h.updated = append(g.h.updated, fn)
}

func (g *Group) OnError(fn func(events.ErrorPayload)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.h.errors = append(g.h.errors, fn)
}

func (g *Group) OnStateChange(fn func(socket.State, error)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.h.state = append(g.h.state, fn)
}

func (g *Group) RemoveAllListeners() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.h = handlers{}
}

// Len counts the live registrations.
func (g *Group) Len() int {
	h := g.snapshot()
	return len(h.newMessage) + len(h.read) + len(h.typing) + len(h.stopped) +
		len(h.assigned) + len(h.updated) + len(h.errors) + len(h.state)
}

func (g *Group) snapshot() handlers {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.h
}
