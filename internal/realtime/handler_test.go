package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spec-kit/support-chat/internal/auth"
	"github.com/spec-kit/support-chat/internal/domain"
	"github.com/spec-kit/support-chat/internal/events"
	"github.com/spec-kit/support-chat/internal/observability"
	"github.com/spec-kit/support-chat/internal/repository"
	"github.com/spec-kit/support-chat/internal/service"
)

type relay struct {
	url     string
	tokens  *auth.TokenManager
	chat    *service.ChatService
	hub     *Hub
	metrics *observability.Metrics
}

func newRelay(t *testing.T) *relay {
	t.Helper()
	store := repository.NewMemory()
	dispatcher := events.NewInMemoryDispatcher(nil)
	metrics := observability.NewMetrics()
	hub := NewHub(NewPresence(nil, nil), metrics, nil)
	chat := service.NewChatService(service.ChatDependencies{
		ConversationRepo: store.Conversations(),
		MessageRepo:      store.Messages(),
		ParticipantRepo:  store.Participants(),
		Presence:         hub.Presence(),
		Dispatcher:       dispatcher,
	})
	broadcasts := service.NewBroadcastService(dispatcher, store.Conversations(), hub, nil)
	broadcasts.RegisterHandlers()

	tokens := auth.NewTokenManager("secret", time.Hour)
	mw := auth.NewAuthMiddleware(tokens, store.Participants())
	srv := httptest.NewServer(NewHandler(hub, chat, mw, nil))
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
		broadcasts.Close()
	})
	return &relay{
		url:     "ws" + strings.TrimPrefix(srv.URL, "http"),
		tokens:  tokens,
		chat:    chat,
		hub:     hub,
		metrics: metrics,
	}
}

type peer struct {
	t    *testing.T
	ws   *websocket.Conn
	id   string
	recv chan events.Frame
}

func (r *relay) dial(t *testing.T, who domain.ParticipantRef) *peer {
	t.Helper()
	token, _, err := r.tokens.GenerateToken(who)
	require.NoError(t, err)
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	ws, _, err := websocket.DefaultDialer.Dial(r.url, header)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })

	p := &peer{t: t, ws: ws, recv: make(chan events.Frame, 64)}
	go func() {
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				close(p.recv)
				return
			}
			frame, err := events.DecodeFrame(data)
			if err == nil {
				p.recv <- frame
			}
		}
	}()
	connected := p.expect(events.EventConnected)
	var payload events.ConnectedPayload
	require.NoError(t, json.Unmarshal(connected.Data, &payload))
	p.id = payload.SocketID
	return p
}

func (p *peer) send(event events.EventType, data interface{}) {
	frame, err := events.EncodeFrame(event, data)
	require.NoError(p.t, err)
	require.NoError(p.t, p.ws.WriteMessage(websocket.TextMessage, frame))
}

func (p *peer) expect(event events.EventType) events.Frame {
	p.t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case frame, ok := <-p.recv:
			require.True(p.t, ok, "socket closed while waiting for %s", event)
			if frame.Event == event {
				return frame
			}
		case <-timeout:
			p.t.Fatalf("timed out waiting for %s", event)
		}
	}
}

func (p *peer) quiet(event events.EventType, wait time.Duration) {
	p.t.Helper()
	timeout := time.After(wait)
	for {
		select {
		case frame, ok := <-p.recv:
			if !ok {
				return
			}
			assert.NotEqual(p.t, event, frame.Event, "unexpected %s", event)
		case <-timeout:
			return
		}
	}
}

var (
	customer = domain.ParticipantRef{ID: "U1", Name: "Lan", Role: domain.RoleCustomer}
	stranger = domain.ParticipantRef{ID: "U2", Name: "Minh", Role: domain.RoleCustomer}
	agent    = domain.ParticipantRef{ID: "S1", Name: "An", Role: domain.RoleStaff}
)

func TestSocketRequiresToken(t *testing.T) {
	r := newRelay(t)
	_, resp, err := websocket.DefaultDialer.Dial(r.url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(r.url+"?token=garbage", nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestMessageReachesRoomCustomerAndStaff(t *testing.T) {
	r := newRelay(t)
	conv, _, err := r.chat.GetOrCreateConversation(context.Background(), customer)
	require.NoError(t, err)

	lan := r.dial(t, customer)
	an := r.dial(t, agent)
	lan.send(events.EventJoin, "U1")
	lan.send(events.EventJoinConversation, conv.ID)
	joined := lan.expect(events.EventJoined)
	assert.JSONEq(t, `{"conversationId":"`+conv.ID+`"}`, string(joined.Data))

	lan.send(events.EventSendMessage, events.SendMessagePayload{ConversationID: conv.ID, Content: "Xin chào", ClientNonce: "n-1"})

	for _, p := range []*peer{lan, an} {
		frame := p.expect(events.EventNewMessage)
		var payload events.NewMessagePayload
		require.NoError(t, events.DecodePayload(frame.Data, &payload))
		assert.Equal(t, conv.ID, payload.ConversationID)
		assert.Equal(t, "Xin chào", payload.Message.Content)
		assert.Equal(t, "n-1", payload.ClientNonce)
	}
	an.expect(events.EventConversationUpdated)
	assert.Equal(t, []string{"U1"}, r.hub.Members(conv.ID))
	assert.Equal(t, int64(1), r.metrics.Snapshot().FramesIn[string(events.EventSendMessage)])
}

func TestTypingSkipsSender(t *testing.T) {
	r := newRelay(t)
	conv, _, err := r.chat.GetOrCreateConversation(context.Background(), customer)
	require.NoError(t, err)

	lan := r.dial(t, customer)
	an := r.dial(t, agent)
	for _, p := range []*peer{lan, an} {
		p.send(events.EventJoinConversation, conv.ID)
		p.expect(events.EventJoined)
	}

	lan.send(events.EventTyping, conv.ID)
	frame := an.expect(events.EventUserTyping)
	assert.JSONEq(t, `{"conversationId":"`+conv.ID+`","userId":"U1"}`, string(frame.Data))
	lan.quiet(events.EventUserTyping, 150*time.Millisecond)

	lan.send(events.EventStopTyping, conv.ID)
	an.expect(events.EventUserStoppedTyping)
}

func TestForbiddenFramesReturnChatError(t *testing.T) {
	r := newRelay(t)
	conv, _, err := r.chat.GetOrCreateConversation(context.Background(), customer)
	require.NoError(t, err)

	minh := r.dial(t, stranger)
	minh.send(events.EventJoinConversation, conv.ID)
	frame := minh.expect(events.EventError)
	var payload events.ErrorPayload
	require.NoError(t, json.Unmarshal(frame.Data, &payload))
	assert.Equal(t, "FORBIDDEN", payload.Code)
	assert.Equal(t, events.EventJoinConversation, payload.Event)
	assert.Empty(t, r.hub.Members(conv.ID))

	minh.send(events.EventJoin, "U1")
	minh.expect(events.EventError)

	require.NoError(t, minh.ws.WriteMessage(websocket.TextMessage, []byte(`not json`)))
	minh.expect(events.EventError)

	minh.send("chat:unknown", "x")
	minh.expect(events.EventError)
}

func TestDisconnectClearsPresenceAndRooms(t *testing.T) {
	r := newRelay(t)
	conv, _, err := r.chat.GetOrCreateConversation(context.Background(), customer)
	require.NoError(t, err)

	an := r.dial(t, agent)
	an.send(events.EventJoinConversation, conv.ID)
	an.expect(events.EventJoined)
	assert.True(t, r.hub.Presence().IsOnline(context.Background(), "S1"))

	require.NoError(t, an.ws.Close())
	require.Eventually(t, func() bool { return r.hub.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.False(t, r.hub.Presence().IsOnline(context.Background(), "S1"))
	assert.Empty(t, r.hub.Members(conv.ID))
}
