package socket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/spec-kit/support-chat/internal/config"
	"github.com/spec-kit/support-chat/internal/events"
	"github.com/spec-kit/support-chat/internal/observability"
)

// State is the connection lifecycle as seen by listeners.
type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateDisconnected State = "disconnected"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxFrameSize   = 64 * 1024
	sendBufferSize = 256
)

var (
	// ErrNotConnected is returned by emits while no live connection exists.
	ErrNotConnected = errors.New("socket not connected")
	// ErrSendBufferFull is returned when the outbound queue cannot take another frame.
	ErrSendBufferFull = errors.New("socket send buffer full")
)

// Config controls dialing and reconnection.
type Config struct {
	URL               string
	Token             string
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	PingInterval      time.Duration
	Dialer            *websocket.Dialer
}

// ConfigFromChat builds a socket Config from the chat client configuration.
func ConfigFromChat(cfg config.ChatConfig) (Config, error) {
	url, err := cfg.SocketURL()
	if err != nil {
		return Config{}, err
	}
	return Config{
		URL:               url,
		Token:             cfg.Token,
		ReconnectAttempts: cfg.ReconnectAttempts,
		ReconnectDelay:    cfg.ReconnectDelay(),
	}, nil
}

// Manager owns the single long-lived socket of a client instance. It is safe
// for concurrent use; callers obtain their own ListenerGroup to subscribe.
type Manager struct {
	cfg        Config
	logger     *zap.Logger
	metrics    *observability.Metrics
	dispatcher events.Dispatcher

	mu       sync.Mutex
	userID   string
	state    State
	socketID string
	link     *link
	rooms    map[string]int
	cancel   context.CancelFunc
	done     chan struct{}
}

// link is one physical connection and its outbound queue.
type link struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (l *link) close() {
	l.once.Do(func() {
		close(l.send)
	})
}

// NewManager creates a manager. It does not dial until Connect is called.
func NewManager(cfg Config, logger *zap.Logger, metrics *observability.Metrics) *Manager {
	logger = observability.OrNop(logger)
	if cfg.Dialer == nil {
		cfg.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		}
	}
	if cfg.ReconnectAttempts < 0 {
		cfg.ReconnectAttempts = 0
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = pingPeriod
	}
	return &Manager{
		cfg:        cfg,
		logger:     logger.With(zap.String("component", "socket")),
		metrics:    metrics,
		dispatcher: events.NewInMemoryDispatcher(logger),
		state:      StateIdle,
		rooms:      make(map[string]int),
	}
}

// Connect opens the connection for userID. It is idempotent: when a connection
// for the same user is live or being established it returns immediately.
// Failures are reported only through state change listeners.
func (m *Manager) Connect(userID string) {
	m.mu.Lock()
	if m.cancel != nil && m.userID == userID {
		m.mu.Unlock()
		return
	}
	switchingUser := m.cancel != nil
	m.mu.Unlock()

	if switchingUser {
		m.Disconnect()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.userID = userID
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.run(ctx, userID, m.done)
}

// Disconnect tears down the connection and clears the user and joined rooms.
// Listener groups stay registered.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	cancel, done, l := m.cancel, m.done, m.link
	m.cancel = nil
	m.done = nil
	m.link = nil
	m.userID = ""
	m.socketID = ""
	m.rooms = make(map[string]int)
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	if l != nil {
		_ = l.conn.Close()
	}
	<-done
	m.setState(StateIdle, 0, nil)
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// UserID returns the identity the manager is connected as.
func (m *Manager) UserID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.userID
}

// SocketID returns the server-assigned connection id, once known.
func (m *Manager) SocketID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.socketID
}

func (m *Manager) run(ctx context.Context, userID string, done chan struct{}) {
	defer close(done)

	reconnecting := false
	for {
		conn, err := m.dial(ctx, reconnecting)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.logger.Warn("socket connection abandoned", zap.String("user_id", userID), zap.Error(err))
			m.release(done)
			m.setState(StateDisconnected, 0, err)
			return
		}

		l := &link{conn: conn, send: make(chan []byte, sendBufferSize)}
		if !m.attach(ctx, l, userID) {
			_ = conn.Close()
			return
		}
		go m.writePump(l)
		m.setState(StateConnected, 0, nil)

		err = m.readPump(ctx, l)
		m.detach(l)
		if ctx.Err() != nil {
			return
		}
		m.logger.Info("socket connection lost", zap.String("user_id", userID), zap.Error(err))
		reconnecting = true
	}
}

// release forgets the run identified by done so that a later Connect dials again.
func (m *Manager) release(done chan struct{}) {
	m.mu.Lock()
	cancel := m.cancel
	if m.done != done {
		cancel = nil
	} else {
		m.cancel = nil
		m.done = nil
	}
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// dial connects with a fixed delay between attempts and a bounded number of retries.
func (m *Manager) dial(ctx context.Context, reconnecting bool) (*websocket.Conn, error) {
	header := http.Header{}
	if m.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+m.cfg.Token)
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(m.cfg.ReconnectDelay), uint64(m.cfg.ReconnectAttempts)),
		ctx,
	)

	attempt := 0
	var conn *websocket.Conn
	operation := func() error {
		attempt++
		state := StateConnecting
		if reconnecting || attempt > 1 {
			state = StateReconnecting
		}
		m.setState(state, attempt, nil)

		c, resp, err := m.cfg.Dialer.DialContext(ctx, m.cfg.URL, header)
		if err != nil {
			if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
				return backoff.Permanent(fmt.Errorf("socket handshake rejected: %s", resp.Status))
			}
			return err
		}
		conn = c
		return nil
	}
	notify := func(err error, wait time.Duration) {
		m.logger.Debug("socket dial failed",
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", wait),
			zap.Error(err))
	}

	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		return nil, err
	}
	return conn, nil
}

// attach installs the link and queues the join signal and the room re-joins
// ahead of any other outbound frame.
func (m *Manager) attach(ctx context.Context, l *link, userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ctx.Err() != nil {
		return false
	}
	m.link = l
	m.enqueueLocked(l, events.EventJoin, userID)
	for roomID := range m.rooms {
		m.enqueueLocked(l, events.EventJoinConversation, roomID)
	}
	return true
}

func (m *Manager) detach(l *link) {
	m.mu.Lock()
	if m.link == l {
		m.link = nil
		m.socketID = ""
	}
	m.mu.Unlock()
	l.close()
	_ = l.conn.Close()
}

func (m *Manager) readPump(ctx context.Context, l *link) error {
	l.conn.SetReadLimit(maxFrameSize)
	_ = l.conn.SetReadDeadline(time.Now().Add(pongWait))
	l.conn.SetPongHandler(func(string) error {
		return l.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = l.conn.SetReadDeadline(time.Now().Add(pongWait))

		frame, err := events.DecodeFrame(data)
		if err != nil {
			m.logger.Warn("dropping malformed frame", zap.Error(err))
			continue
		}
		m.metrics.RecordFrameIn(string(frame.Event))
		m.handleLifecycle(frame)

		_ = m.dispatcher.Publish(ctx, events.Event{
			Type:      frame.Event,
			Timestamp: time.Now(),
			Payload:   frame.Data,
		})
	}
}

func (m *Manager) handleLifecycle(frame events.Frame) {
	switch frame.Event {
	case events.EventConnected:
		var payload events.ConnectedPayload
		if err := events.DecodePayload(frame.Data, &payload); err != nil {
			m.logger.Warn("invalid connected payload", zap.Error(err))
			return
		}
		m.mu.Lock()
		m.socketID = payload.SocketID
		m.mu.Unlock()
		m.logger.Info("socket connected", zap.String("socket_id", payload.SocketID), zap.String("user_id", payload.UserID))
	case events.EventError:
		var payload events.ErrorPayload
		if err := events.DecodePayload(frame.Data, &payload); err != nil {
			m.logger.Warn("socket error", zap.ByteString("raw", frame.Data))
			return
		}
		m.logger.Warn("socket error",
			zap.String("code", payload.Code),
			zap.String("event", string(payload.Event)),
			zap.String("message", payload.Message))
	}
}

func (m *Manager) writePump(l *link) {
	ticker := time.NewTicker(m.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = l.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-l.send:
			_ = l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = l.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := l.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				m.logger.Debug("socket write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := l.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (m *Manager) setState(state State, attempt int, err error) {
	m.mu.Lock()
	changed := m.state != state
	m.state = state
	m.mu.Unlock()
	if !changed && attempt <= 1 {
		return
	}

	payload := events.StateChangedPayload{State: string(state), Attempt: attempt}
	if err != nil {
		payload.Err = err.Error()
	}
	_ = m.dispatcher.Publish(context.Background(), events.Event{
		Type:      events.EventStateChanged,
		Timestamp: time.Now(),
		Payload:   payload,
	})
}
