package realtime

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/spec-kit/support-chat/internal/auth"
	"github.com/spec-kit/support-chat/internal/domain"
	"github.com/spec-kit/support-chat/internal/events"
	"github.com/spec-kit/support-chat/internal/service"
	apperrors "github.com/spec-kit/support-chat/pkg/util/errorutil"
)

const frameTimeout = 10 * time.Second

// Chat is the subset of the chat service reachable over a socket.
type Chat interface {
	CanAccess(ctx context.Context, actor domain.ParticipantRef, id string) error
	SendMessage(ctx context.Context, actor domain.ParticipantRef, input service.SendInput) (*domain.Message, error)
	MarkAsRead(ctx context.Context, actor domain.ParticipantRef, id string) (*domain.Conversation, error)
	Typing(ctx context.Context, actor domain.ParticipantRef, id string, typing bool) error
}

// Authenticator resolves a bearer token.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*auth.Principal, error)
}

// Handler upgrades HTTP requests on the socket path and serves chat frames.
type Handler struct {
	hub      *Hub
	chat     Chat
	auth     Authenticator
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewHandler builds the socket endpoint.
func NewHandler(hub *Hub, chat Chat, authenticator Authenticator, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		hub:  hub,
		chat: chat,
		auth: authenticator,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger.With(zap.String("component", "socket")),
	}
}

// ServeHTTP authenticates with the Authorization header, falling back to a
// token query parameter for browsers that cannot set headers on upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if header := r.Header.Get("Authorization"); header != "" {
		parsed, err := auth.BearerToken(header)
		if err != nil {
			http.Error(w, "invalid authorization header", http.StatusUnauthorized)
			return
		}
		token = parsed
	}
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}
	principal, err := h.auth.Authenticate(r.Context(), token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("upgrade failed", zap.Error(err))
		return
	}
	c := newConn(h.hub, uuid.NewString(), principal.ParticipantRef, ws)
	h.hub.register(c)
	c.emit(events.EventConnected, events.ConnectedPayload{SocketID: c.id, UserID: c.who.ID})

	go c.writePump()
	c.readPump(h.handleFrame)
}

func (h *Handler) handleFrame(c *Conn, frame events.Frame) {
	ctx, cancel := context.WithTimeout(context.Background(), frameTimeout)
	defer cancel()

	var err error
	switch frame.Event {
	case events.EventJoin:
		err = h.join(c, frame)
	case events.EventJoinConversation:
		err = h.joinConversation(ctx, c, frame)
	case events.EventLeaveConversation:
		var id string
		if id, err = events.DecodeID(frame.Data, "conversationId"); err == nil {
			h.hub.Leave(id, c)
		}
	case events.EventSendMessage:
		var p events.SendMessagePayload
		if err = events.DecodePayload(frame.Data, &p); err == nil {
			_, err = h.chat.SendMessage(ctx, c.who, service.SendInput{
				ConversationID: p.ConversationID,
				Content:        p.Content,
				ClientNonce:    p.ClientNonce,
			})
		}
	case events.EventMarkAsRead:
		var id string
		if id, err = events.DecodeID(frame.Data, "conversationId"); err == nil {
			_, err = h.chat.MarkAsRead(ctx, c.who, id)
		}
	case events.EventTyping, events.EventStopTyping:
		var id string
		if id, err = events.DecodeID(frame.Data, "conversationId"); err == nil {
			err = h.chat.Typing(ctx, c.who, id, frame.Event == events.EventTyping)
		}
	default:
		err = apperrors.NewValidationError("unknown event", map[string]any{"event": string(frame.Event)})
	}

	if err != nil {
		h.logger.Debug("frame rejected",
			zap.String("socket_id", c.id),
			zap.String("event", string(frame.Event)),
			zap.Error(err))
		c.emit(events.EventError, errorPayload(err, frame.Event))
	}
}

// join confirms the identity the client believes it holds. The socket is
// already indexed under its token's subject.
func (h *Handler) join(c *Conn, frame events.Frame) error {
	id, err := events.DecodeID(frame.Data, "userId")
	if err != nil {
		return err
	}
	if id != c.who.ID {
		return apperrors.NewForbidden("userId does not match token")
	}
	return nil
}

func (h *Handler) joinConversation(ctx context.Context, c *Conn, frame events.Frame) error {
	id, err := events.DecodeID(frame.Data, "conversationId")
	if err != nil {
		return err
	}
	if err := h.chat.CanAccess(ctx, c.who, id); err != nil {
		return err
	}
	h.hub.Join(id, c)
	c.emit(events.EventJoined, events.ConversationIDPayload{ConversationID: id})
	return nil
}

func errorPayload(err error, event events.EventType) events.ErrorPayload {
	domainErr := apperrors.ToDomainError(err)
	return events.ErrorPayload{Code: domainErr.Code, Message: domainErr.Message, Event: event}
}
