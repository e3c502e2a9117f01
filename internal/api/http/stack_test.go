package http_test

import (
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	httptransport "github.com/spec-kit/support-chat/internal/api/http"
	"github.com/spec-kit/support-chat/internal/api/http/handlers"
	"github.com/spec-kit/support-chat/internal/auth"
	"github.com/spec-kit/support-chat/internal/domain"
	"github.com/spec-kit/support-chat/internal/events"
	"github.com/spec-kit/support-chat/internal/observability"
	"github.com/spec-kit/support-chat/internal/realtime"
	"github.com/spec-kit/support-chat/internal/repository"
	"github.com/spec-kit/support-chat/internal/service"
)

var (
	lan  = domain.ParticipantRef{ID: "U1", Name: "Lan", Role: domain.RoleCustomer}
	minh = domain.ParticipantRef{ID: "U2", Name: "Minh", Role: domain.RoleCustomer}
	an   = domain.ParticipantRef{ID: "S1", Name: "An", Role: domain.RoleStaff}
	binh = domain.ParticipantRef{ID: "S2", Name: "Bình", Role: domain.RoleStaff}
)

// stack is a relay running on the in-memory store.
type stack struct {
	server  *httptransport.Server
	tokens  *auth.TokenManager
	hub     *realtime.Hub
	metrics *observability.Metrics
}

func newStack(t *testing.T) *stack {
	t.Helper()
	store := repository.NewMemory()
	dispatcher := events.NewInMemoryDispatcher(nil)
	metrics := observability.NewMetrics()
	hub := realtime.NewHub(realtime.NewPresence(nil, nil), metrics, nil)
	chat := service.NewChatService(service.ChatDependencies{
		ConversationRepo: store.Conversations(),
		MessageRepo:      store.Messages(),
		ParticipantRepo:  store.Participants(),
		Presence:         hub.Presence(),
		Dispatcher:       dispatcher,
	})
	broadcasts := service.NewBroadcastService(dispatcher, store.Conversations(), hub, nil)
	broadcasts.RegisterHandlers()
	t.Cleanup(func() {
		hub.Close()
		broadcasts.Close()
	})

	tokens := auth.NewTokenManager("test-secret", time.Hour)
	mw := auth.NewAuthMiddleware(tokens, store.Participants())
	server := httptransport.NewServer(httptransport.ServerConfig{
		Name:    "support-chat-test",
		Metrics: metrics,
		Timeout: 5 * time.Second,
		Routes: httptransport.RouteConfig{
			Health:         handlers.NewHealthHandler("support-chat-test", "test", nil, nil, metrics, hub.Count),
			Chat:           handlers.NewChatHandler(chat),
			AuthMiddleware: mw,
		},
		Socket: realtime.NewHandler(hub, chat, mw, nil),
	})
	return &stack{server: server, tokens: tokens, hub: hub, metrics: metrics}
}

func (s *stack) token(t *testing.T, who domain.ParticipantRef) string {
	t.Helper()
	token, _, err := s.tokens.GenerateToken(who)
	require.NoError(t, err)
	return token
}

// call runs one request against the fiber app and decodes the body.
func (s *stack) call(t *testing.T, who *domain.ParticipantRef, method, path, body string) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if who != nil {
		req.Header.Set("Authorization", "Bearer "+s.token(t, *who))
	}
	resp, err := s.server.App().Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]any
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &decoded), string(raw))
	}
	return resp.StatusCode, decoded
}

// serve starts the combined handler on a real listener for socket clients.
func (s *stack) serve(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(s.server.Handler())
	t.Cleanup(srv.Close)
	return srv.URL
}

func data(t *testing.T, body map[string]any) map[string]any {
	t.Helper()
	d, ok := body["data"].(map[string]any)
	require.True(t, ok, "response has no data object: %v", body)
	return d
}

func errorCode(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}
