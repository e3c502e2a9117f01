package http_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spec-kit/support-chat/internal/chatapi"
	"github.com/spec-kit/support-chat/internal/compose"
	"github.com/spec-kit/support-chat/internal/config"
	"github.com/spec-kit/support-chat/internal/console"
	"github.com/spec-kit/support-chat/internal/domain"
	"github.com/spec-kit/support-chat/internal/notify"
	"github.com/spec-kit/support-chat/internal/render"
	"github.com/spec-kit/support-chat/internal/socket"
	"github.com/spec-kit/support-chat/internal/widget"
)

const waitFor = 3 * time.Second

// endpoint is one signed-in client instance talking to a served relay.
type endpoint struct {
	who    domain.ParticipantRef
	api    *chatapi.Client
	socket *socket.Manager
	toasts *notify.Buffer
}

func (s *stack) endpoint(t *testing.T, baseURL string, who domain.ParticipantRef) *endpoint {
	t.Helper()
	apiBase := baseURL + "/api/v1"
	socketURL, err := config.SocketURLFromBase(apiBase)
	require.NoError(t, err)
	token := s.token(t, who)

	manager := socket.NewManager(socket.Config{
		URL:               socketURL,
		Token:             token,
		ReconnectAttempts: 1,
		ReconnectDelay:    50 * time.Millisecond,
	}, nil, nil)
	t.Cleanup(manager.Disconnect)
	return &endpoint{
		who:    who,
		api:    chatapi.New(chatapi.Config{BaseURL: apiBase, Token: token, Timeout: 2 * time.Second}, nil, nil),
		socket: manager,
		toasts: &notify.Buffer{},
	}
}

func (e *endpoint) waitConnected(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool { return e.socket.State() == socket.StateConnected },
		waitFor, 10*time.Millisecond, "%s never connected", e.who.ID)
}

func (e *endpoint) widget(t *testing.T) *widget.Widget {
	t.Helper()
	w := widget.New(widget.Config{User: e.who, Compose: compose.Config{ClientID: e.who.ID}}, widget.Dependencies{
		Socket:    e.socket,
		Listeners: e.socket.Listeners(),
		API:       e.api,
		Notifier:  e.toasts,
	})
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(w.Stop)
	e.waitConnected(t)
	return w
}

func (e *endpoint) console(t *testing.T) *console.Console {
	t.Helper()
	c := console.New(console.Config{User: e.who, Compose: compose.Config{ClientID: e.who.ID}}, console.Dependencies{
		Socket:    e.socket,
		Listeners: e.socket.Listeners(),
		API:       e.api,
		Notifier:  e.toasts,
	})
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(c.Stop)
	e.waitConnected(t)
	return c
}

func confirmed(lines []render.Line) []render.Line {
	out := make([]render.Line, 0, len(lines))
	for _, l := range lines {
		if l.MessageID != "" {
			out = append(out, l)
		}
	}
	return out
}

func TestEndToEndCustomerMessageReachesStaffConsole(t *testing.T) {
	s := newStack(t)
	url := s.serve(t)
	ctx := context.Background()

	customer := s.endpoint(t, url, lan)
	w := customer.widget(t)
	require.NoError(t, w.Open(ctx))
	view, err := w.View(ctx)
	require.NoError(t, err)
	require.Equal(t, widget.StateReady, view.State)
	convID := view.Conversation.ID

	again, err := customer.api.GetOrCreateConversation(ctx)
	require.NoError(t, err)
	assert.Equal(t, convID, again.ID)

	staff := s.endpoint(t, url, an)
	c := staff.console(t)
	require.NoError(t, c.Select(ctx, convID))
	require.Eventually(t, func() bool { return len(s.hub.Members(convID)) == 2 }, waitFor, 10*time.Millisecond)

	require.NoError(t, w.Keystroke(ctx, "Xin chào"))
	require.NoError(t, w.Send(ctx))

	require.Eventually(t, func() bool {
		v, err := w.View(ctx)
		return err == nil && len(confirmed(v.Lines)) == 1
	}, waitFor, 10*time.Millisecond, "echo never reached the widget")
	view, err = w.View(ctx)
	require.NoError(t, err)
	mine := confirmed(view.Lines)[0]
	assert.True(t, mine.Mine)
	assert.Equal(t, "Xin chào", mine.Text)
	assert.Len(t, view.Lines, 1, "pending entry is replaced by the echo")

	require.Eventually(t, func() bool {
		v, err := c.View(ctx)
		return err == nil && len(confirmed(v.Lines)) == 1
	}, waitFor, 10*time.Millisecond, "message never reached the console")
	staffView, err := c.View(ctx)
	require.NoError(t, err)
	theirs := confirmed(staffView.Lines)[0]
	assert.Equal(t, "U1", theirs.SenderID)
	assert.Equal(t, "Lan", theirs.Sender)
	assert.False(t, theirs.Mine)
	assert.Equal(t, "Xin chào", theirs.Text)
}

func TestEndToEndReadMarkSurvivesSlowFirstDial(t *testing.T) {
	s := newStack(t)
	relay := s.server.Handler()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/socket") {
			time.Sleep(300 * time.Millisecond)
		}
		relay.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)
	ctx := context.Background()

	customer := s.endpoint(t, srv.URL, lan)
	conv, err := customer.api.GetOrCreateConversation(ctx)
	require.NoError(t, err)
	staff := s.endpoint(t, srv.URL, an)
	_, err = staff.api.SendMessage(ctx, conv.ID, "Đơn hàng đã giao")
	require.NoError(t, err)

	w := widget.New(widget.Config{User: lan, Compose: compose.Config{ClientID: lan.ID}}, widget.Dependencies{
		Socket:    customer.socket,
		Listeners: customer.socket.Listeners(),
		API:       customer.api,
		Notifier:  customer.toasts,
	})
	require.NoError(t, w.Start(ctx))
	t.Cleanup(w.Stop)
	require.NoError(t, w.Open(ctx))

	customer.waitConnected(t)
	require.Eventually(t, func() bool {
		got, err := customer.api.GetOrCreateConversation(ctx)
		return err == nil && got.UnreadCount.Customer == 0
	}, waitFor, 20*time.Millisecond, "read mark never reached the relay")
}

func TestEndToEndMarkAsReadTwiceLeavesZero(t *testing.T) {
	s := newStack(t)
	url := s.serve(t)
	ctx := context.Background()

	customer := s.endpoint(t, url, lan)
	conv, err := customer.api.GetOrCreateConversation(ctx)
	require.NoError(t, err)
	_, err = customer.api.SendMessage(ctx, conv.ID, "Bàn ăn giao chưa?")
	require.NoError(t, err)

	staff := s.endpoint(t, url, an)
	for i := 0; i < 2; i++ {
		read, err := staff.api.MarkAsRead(ctx, conv.ID)
		require.NoError(t, err)
		assert.Equal(t, 0, read.UnreadCount.Staff)
	}
}

func TestEndToEndAssignmentNotifiesEveryConsole(t *testing.T) {
	s := newStack(t)
	url := s.serve(t)
	ctx := context.Background()

	customer := s.endpoint(t, url, lan)
	conv, err := customer.api.GetOrCreateConversation(ctx)
	require.NoError(t, err)

	staffA := s.endpoint(t, url, an)
	staffB := s.endpoint(t, url, binh)
	consoleA := staffA.console(t)
	consoleB := staffB.console(t)

	require.NoError(t, consoleA.Assign(ctx, conv.ID, an.ID))

	require.Eventually(t, func() bool { return len(staffA.toasts.Toasts()) > 0 && len(staffB.toasts.Toasts()) > 0 },
		waitFor, 10*time.Millisecond, "assignment toasts missing")
	assert.Equal(t, []notify.Toast{{Level: notify.LevelSuccess, Message: "A conversation was assigned to you"}}, staffA.toasts.Toasts())
	assert.Equal(t, []notify.Toast{{Level: notify.LevelInfo, Message: "Conversation assigned to An"}}, staffB.toasts.Toasts())

	for _, c := range []*console.Console{consoleA, consoleB} {
		require.Eventually(t, func() bool {
			v, err := c.View(ctx)
			if err != nil || len(v.Rows) != 1 {
				return false
			}
			row := v.Rows[0].Conversation
			return row.Status == domain.StatusAssigned && row.IsAssignedTo(an.ID)
		}, waitFor, 10*time.Millisecond)
	}
}
