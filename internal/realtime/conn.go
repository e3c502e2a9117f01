package realtime

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/spec-kit/support-chat/internal/domain"
	"github.com/spec-kit/support-chat/internal/events"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxFrameBytes  = 16 * 1024
	sendBufferSize = 256
)

// Conn is one authenticated socket.
type Conn struct {
	id    string
	who   domain.ParticipantRef
	ws    *websocket.Conn
	hub   *Hub
	send  chan []byte
	done  chan struct{}
	once  sync.Once
	rooms map[string]struct{} // guarded by hub.mu
}

func newConn(hub *Hub, id string, who domain.ParticipantRef, ws *websocket.Conn) *Conn {
	return &Conn{
		id:    id,
		who:   who,
		ws:    ws,
		hub:   hub,
		send:  make(chan []byte, sendBufferSize),
		done:  make(chan struct{}),
		rooms: make(map[string]struct{}),
	}
}

// ID returns the socket id announced in chat:connected.
func (c *Conn) ID() string { return c.id }

// Participant returns the authenticated identity.
func (c *Conn) Participant() domain.ParticipantRef { return c.who }

// enqueue queues a frame without blocking. A socket whose buffer is full is
// too slow to keep up and gets dropped; its client reconnects and refetches.
func (c *Conn) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		go c.Close()
		return false
	}
}

// emit encodes and queues a frame for this socket only.
func (c *Conn) emit(event events.EventType, payload interface{}) {
	frame, err := events.EncodeFrame(event, payload)
	if err != nil {
		return
	}
	if c.enqueue(frame) {
		c.hub.metrics.RecordFrameOut(string(event))
	}
}

// Close unregisters the socket and stops its pumps. Safe to call repeatedly.
func (c *Conn) Close() {
	c.once.Do(func() {
		close(c.done)
		c.hub.unregister(c)
		_ = c.ws.Close()
	})
}

func (c *Conn) readPump(handle func(*Conn, events.Frame)) {
	defer c.Close()
	c.ws.SetReadLimit(maxFrameBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		frame, err := events.DecodeFrame(data)
		if err != nil {
			c.emit(events.EventError, errorPayload(err, ""))
			continue
		}
		c.hub.metrics.RecordFrameIn(string(frame.Event))
		handle(c, frame)
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()
	for {
		select {
		case <-c.done:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
