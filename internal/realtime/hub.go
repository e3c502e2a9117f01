// Package realtime is the relay's socket endpoint: it authenticates sockets,
// tracks room membership and fans domain events out to connected clients.
package realtime

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/spec-kit/support-chat/internal/events"
	"github.com/spec-kit/support-chat/internal/observability"
	"github.com/spec-kit/support-chat/internal/service"
)

type connSet map[*Conn]struct{}

// Hub indexes live sockets by id, user, role and room.
type Hub struct {
	presence *Presence
	metrics  *observability.Metrics
	logger   *zap.Logger

	mu      sync.RWMutex
	sockets map[string]*Conn
	users   map[string]connSet
	staff   connSet
	rooms   map[string]connSet
}

var _ service.Broadcaster = (*Hub)(nil)

// NewHub returns an empty hub.
func NewHub(presence *Presence, metrics *observability.Metrics, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	if presence == nil {
		presence = NewPresence(nil, logger)
	}
	return &Hub{
		presence: presence,
		metrics:  metrics,
		logger:   logger,
		sockets:  make(map[string]*Conn),
		users:    make(map[string]connSet),
		staff:    make(connSet),
		rooms:    make(map[string]connSet),
	}
}

// Presence returns the hub's presence tracker.
func (h *Hub) Presence() *Presence {
	return h.presence
}

func (h *Hub) register(c *Conn) {
	h.mu.Lock()
	h.sockets[c.id] = c
	addTo(h.users, c.who.ID, c)
	if c.who.Role.IsStaff() {
		h.staff[c] = struct{}{}
	}
	h.mu.Unlock()
	h.presence.Connected(context.Background(), c.who)
	h.logger.Info("socket connected",
		zap.String("socket_id", c.id),
		zap.String("user_id", c.who.ID),
		zap.String("role", string(c.who.Role)))
}

func (h *Hub) unregister(c *Conn) {
	h.mu.Lock()
	if _, ok := h.sockets[c.id]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.sockets, c.id)
	removeFrom(h.users, c.who.ID, c)
	delete(h.staff, c)
	for room := range c.rooms {
		removeFrom(h.rooms, room, c)
	}
	h.mu.Unlock()
	h.presence.Disconnected(context.Background(), c.who.ID)
	h.logger.Info("socket disconnected", zap.String("socket_id", c.id), zap.String("user_id", c.who.ID))
}

// Join adds c to a conversation room.
func (h *Hub) Join(room string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.sockets[c.id]; !ok {
		return
	}
	addTo(h.rooms, room, c)
	c.rooms[room] = struct{}{}
}

// Leave removes c from a conversation room.
func (h *Hub) Leave(room string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	removeFrom(h.rooms, room, c)
	delete(c.rooms, room)
}

// Broadcast encodes the event once and queues it on every selected socket.
func (h *Hub) Broadcast(audience service.Audience, event events.EventType, payload interface{}) {
	frame, err := events.EncodeFrame(event, payload)
	if err != nil {
		h.logger.Error("encode broadcast", zap.String("event_type", string(event)), zap.Error(err))
		return
	}

	h.mu.RLock()
	targets := make(connSet)
	for c := range h.rooms[audience.Room] {
		targets[c] = struct{}{}
	}
	for _, id := range audience.Users {
		for c := range h.users[id] {
			targets[c] = struct{}{}
		}
	}
	if audience.Staff {
		for c := range h.staff {
			targets[c] = struct{}{}
		}
	}
	h.mu.RUnlock()

	for c := range targets {
		if audience.Except != "" && c.who.ID == audience.Except {
			continue
		}
		if c.enqueue(frame) {
			h.metrics.RecordFrameOut(string(event))
		}
	}
}

// Members lists the user ids currently in a room, sorted.
func (h *Hub) Members(room string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	seen := make(map[string]struct{})
	for c := range h.rooms[room] {
		seen[c.who.ID] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Count returns the number of live sockets.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sockets)
}

// Close drops every socket.
func (h *Hub) Close() {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.sockets))
	for _, c := range h.sockets {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	for _, c := range conns {
		c.Close()
	}
}

func addTo(index map[string]connSet, key string, c *Conn) {
	set, ok := index[key]
	if !ok {
		set = make(connSet)
		index[key] = set
	}
	set[c] = struct{}{}
}

func removeFrom(index map[string]connSet, key string, c *Conn) {
	set, ok := index[key]
	if !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(index, key)
	}
}
