package console

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spec-kit/support-chat/internal/api/dto"
	"github.com/spec-kit/support-chat/internal/chatapi"
	"github.com/spec-kit/support-chat/internal/compose"
	"github.com/spec-kit/support-chat/internal/domain"
	"github.com/spec-kit/support-chat/internal/events"
	"github.com/spec-kit/support-chat/internal/notify"
	"github.com/spec-kit/support-chat/internal/socket"
	"github.com/spec-kit/support-chat/internal/socket/sockettest"
	apperrors "github.com/spec-kit/support-chat/pkg/util/errorutil"
)

var (
	t0      = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	staffA  = domain.ParticipantRef{ID: "S1", Name: "An", Role: domain.RoleStaff}
	staffB  = domain.ParticipantRef{ID: "S2", Name: "Bình", Role: domain.RoleStaff}
	custU1  = domain.ParticipantRef{ID: "U1", Name: "Lan", Role: domain.RoleCustomer}
	custU2  = domain.ParticipantRef{ID: "U2", Name: "Hoa", Role: domain.RoleCustomer}
	custU3  = domain.ParticipantRef{ID: "U3", Name: "Quân", Role: domain.RoleCustomer}
	errDown = apperrors.NewForbidden("staff role required")
)

func conversation(id string, customer domain.ParticipantRef, updated time.Duration) domain.Conversation {
	return domain.Conversation{
		ID:        id,
		Customer:  customer,
		Status:    domain.StatusOpen,
		CreatedAt: t0,
		UpdatedAt: t0.Add(updated),
	}
}

func message(id, convID string, from domain.ParticipantRef, content string, offset time.Duration) domain.Message {
	return domain.Message{ID: id, ConversationID: convID, Sender: from, Content: content, CreatedAt: t0.Add(offset)}
}

type fakeAPI struct {
	mu      sync.Mutex
	convs   map[string]domain.Conversation
	msgs    []domain.Message
	listErr error
	lists   []chatapi.ListParams
	lookups int
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{convs: map[string]domain.Conversation{
		"c1": conversation("c1", custU1, time.Minute),
		"c2": conversation("c2", custU2, 2*time.Minute),
	}, msgs: []domain.Message{
		message("m1", "c1", custU1, "Ghế sofa còn hàng không?", 0),
		message("m2", "c2", custU2, "Tôi muốn đổi bàn", time.Second),
	}}
}

func (a *fakeAPI) GetAllConversations(_ context.Context, params chatapi.ListParams) (*chatapi.ConversationPage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lists = append(a.lists, params)
	if a.listErr != nil {
		return nil, a.listErr
	}
	page := &chatapi.ConversationPage{}
	for _, c := range a.convs {
		if params.Status != "" && c.Status != params.Status {
			continue
		}
		page.Conversations = append(page.Conversations, c)
	}
	page.Pagination = dto.NewPagination(params.Page, params.Limit, len(page.Conversations))
	return page, nil
}

func (a *fakeAPI) GetConversation(_ context.Context, id string) (*domain.Conversation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lookups++
	c, ok := a.convs[id]
	if !ok {
		return nil, apperrors.NewNotFound("conversation", nil)
	}
	return &c, nil
}

func (a *fakeAPI) GetMessages(_ context.Context, id string, _ chatapi.PageParams) (*chatapi.MessagePage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.convs[id]; !ok {
		return nil, apperrors.NewNotFound("conversation", nil)
	}
	page := &chatapi.MessagePage{}
	for _, m := range a.msgs {
		if m.ConversationID == id {
			page.Messages = append(page.Messages, m)
		}
	}
	return page, nil
}

func (a *fakeAPI) AssignConversation(_ context.Context, id, staffID string) (*domain.Conversation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	c := a.convs[id]
	c.AssignedTo = &domain.ParticipantRef{ID: staffID, Role: domain.RoleStaff}
	c.Status = domain.StatusAssigned
	c.UpdatedAt = c.UpdatedAt.Add(time.Hour)
	a.convs[id] = c
	return &c, nil
}

func (a *fakeAPI) UpdateStatus(_ context.Context, id string, status domain.ConversationStatus) (*domain.Conversation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	c := a.convs[id]
	c.Status = status
	c.UpdatedAt = c.UpdatedAt.Add(time.Hour)
	a.convs[id] = c
	return &c, nil
}

func (a *fakeAPI) ListStaff(context.Context) ([]domain.Participant, error) {
	return []domain.Participant{
		{ID: "S1", Name: "An", Role: domain.RoleStaff},
		{ID: "S3", Name: "Cúc", Role: domain.RoleAdmin},
	}, nil
}

func (a *fakeAPI) lookupCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lookups
}

func (a *fakeAPI) put(c domain.Conversation) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.convs[c.ID] = c
}

type harness struct {
	c     *Console
	sock  *sockettest.Fake
	api   *fakeAPI
	toast *notify.Buffer
}

func newHarness(t *testing.T, api *fakeAPI) *harness {
	t.Helper()
	h := &harness{sock: sockettest.New(), api: api, toast: &notify.Buffer{}}
	h.c = New(Config{
		User:    staffA,
		Compose: compose.Config{ClientID: "console", Clock: compose.NewManualClock(t0)},
	}, Dependencies{
		Socket:    h.sock,
		Listeners: h.sock.Listeners(),
		API:       api,
		Notifier:  h.toast,
	})
	t.Cleanup(h.c.Stop)
	return h
}

func started(t *testing.T) *harness {
	t.Helper()
	h := newHarness(t, newFakeAPI())
	require.NoError(t, h.c.Start(context.Background()))
	return h
}

func (h *harness) view(t *testing.T) View {
	t.Helper()
	v, err := h.c.View(context.Background())
	require.NoError(t, err)
	return v
}

func (h *harness) row(t *testing.T, id string) Row {
	t.Helper()
	for _, r := range h.view(t).Rows {
		if r.Conversation.ID == id {
			return r
		}
	}
	t.Fatalf("no row for %s", id)
	return Row{}
}

func TestStartConnectsAndLoadsList(t *testing.T) {
	h := started(t)
	assert.Equal(t, []string{"S1"}, h.sock.IDs(events.EventJoin))

	v := h.view(t)
	assert.Equal(t, StateNone, v.State)
	require.Len(t, v.Rows, 2)
	assert.Equal(t, "c2", v.Rows[0].Conversation.ID, "most recent activity first")
	require.NotNil(t, v.Pagination)
	assert.Equal(t, 2, v.Pagination.Total)
}

func TestGlobalNewMessageUpdatesPreviewAndUnread(t *testing.T) {
	h := started(t)
	h.sock.DeliverNewMessage(events.NewMessagePayload{
		ConversationID: "c1",
		Message:        message("m5", "c1", custU1, "Alo?", time.Hour),
	})

	r := h.row(t, "c1")
	assert.Equal(t, "Alo?", r.Preview)
	assert.Equal(t, 1, r.Unread)
	assert.Equal(t, "c1", h.view(t).Rows[0].Conversation.ID)
	assert.Empty(t, h.sock.IDs(events.EventMarkAsRead))
}

func TestCustomerMessageRendersInOpenConversation(t *testing.T) {
	h := started(t)
	require.NoError(t, h.c.Select(context.Background(), "c1"))

	h.sock.DeliverNewMessage(events.NewMessagePayload{
		ConversationID: "c1",
		Message:        message("m9", "c1", custU1, "Xin chào", time.Hour),
	})

	v := h.view(t)
	assert.Equal(t, StateReady, v.State)
	require.Len(t, v.Lines, 2)
	assert.Equal(t, "Xin chào", v.Lines[1].Text)
	assert.Equal(t, "Lan", v.Lines[1].Sender)
	assert.False(t, v.Lines[1].Mine)
	assert.Equal(t, 0, h.row(t, "c1").Unread)
	assert.Equal(t, []string{"c1", "c1"}, h.sock.IDs(events.EventMarkAsRead))
}

func TestSelectingLeavesPreviousRoom(t *testing.T) {
	h := started(t)
	require.NoError(t, h.c.Select(context.Background(), "c1"))
	assert.Equal(t, map[string]int{"c1": 1}, h.sock.Rooms())

	require.NoError(t, h.c.Select(context.Background(), "c2"))
	assert.Equal(t, map[string]int{"c2": 1}, h.sock.Rooms())
	assert.Equal(t, []string{"c1"}, h.sock.IDs(events.EventLeaveConversation))

	v := h.view(t)
	require.NotNil(t, v.Selected)
	assert.Equal(t, "c2", v.Selected.ID)
	require.Len(t, v.Lines, 1)
	assert.Equal(t, "Tôi muốn đổi bàn", v.Lines[0].Text)

	require.NoError(t, h.c.Deselect(context.Background()))
	assert.Empty(t, h.sock.Rooms())
	assert.Equal(t, StateNone, h.view(t).State)
}

func TestSendFromConsoleWaitsForEcho(t *testing.T) {
	h := started(t)
	assert.ErrorIs(t, h.c.Send(context.Background()), compose.ErrNoConversation)

	require.NoError(t, h.c.Select(context.Background(), "c1"))
	require.NoError(t, h.c.Keystroke(context.Background(), "Dạ còn ạ"))
	require.NoError(t, h.c.Send(context.Background()))

	sends := h.sock.Calls(events.EventSendMessage)
	require.Len(t, sends, 1)
	assert.Equal(t, "c1", sends[0].Data.ConversationID)

	h.sock.DeliverNewMessage(events.NewMessagePayload{
		ConversationID: "c1",
		Message:        message("m10", "c1", staffA, "Dạ còn ạ", time.Hour),
		ClientNonce:    sends[0].Data.ClientNonce,
	})
	v := h.view(t)
	require.Len(t, v.Lines, 2)
	assert.True(t, v.Lines[1].Mine)
	assert.False(t, v.Lines[1].Pending)
	assert.Len(t, h.sock.IDs(events.EventMarkAsRead), 1, "own messages do not trigger a read")
}

func TestAssignmentToasts(t *testing.T) {
	h := started(t)

	toMe := conversation("c1", custU1, time.Hour)
	toMe.Status = domain.StatusAssigned
	toMe.AssignedTo = &staffA
	h.sock.DeliverAssigned(events.ConversationAssignedPayload{ConversationID: "c1", StaffID: "S1", Conversation: toMe})

	toB := conversation("c2", custU2, time.Hour)
	toB.Status = domain.StatusAssigned
	toB.AssignedTo = &staffB
	h.sock.DeliverAssigned(events.ConversationAssignedPayload{ConversationID: "c2", StaffID: "S2", Conversation: toB})

	h.view(t)
	assert.Equal(t, []notify.Toast{
		{Level: notify.LevelSuccess, Message: "A conversation was assigned to you"},
		{Level: notify.LevelInfo, Message: "Conversation assigned to Bình"},
	}, h.toast.Drain())
	assert.Equal(t, domain.StatusAssigned, h.row(t, "c2").Conversation.Status)
}

func TestAssignmentToastFallsBackToStaffDirectory(t *testing.T) {
	h := started(t)
	require.NoError(t, h.c.LoadStaff(context.Background()))

	conv := conversation("c1", custU1, time.Hour)
	conv.Status = domain.StatusAssigned
	conv.AssignedTo = &domain.ParticipantRef{ID: "S3", Role: domain.RoleAdmin}
	h.sock.DeliverAssigned(events.ConversationAssignedPayload{ConversationID: "c1", StaffID: "S3", Conversation: conv})

	h.view(t)
	assert.Equal(t, []notify.Toast{{Level: notify.LevelInfo, Message: "Conversation assigned to Cúc"}}, h.toast.Drain())
	assert.Len(t, h.view(t).Staff, 2)
}

func TestAssignAndStatusGoThroughStore(t *testing.T) {
	h := started(t)
	require.NoError(t, h.c.Assign(context.Background(), "c1", "S1"))
	r := h.row(t, "c1")
	require.NotNil(t, r.Conversation.AssignedTo)
	assert.Equal(t, "S1", r.Conversation.AssignedTo.ID)

	require.NoError(t, h.c.UpdateStatus(context.Background(), "c1", domain.StatusResolved))
	assert.Equal(t, domain.StatusResolved, h.row(t, "c1").Conversation.Status)
	assert.Equal(t, []notify.Toast{{Level: notify.LevelSuccess, Message: "Conversation marked resolved"}}, h.toast.Drain())
}

func TestListFailureShowsServerMessage(t *testing.T) {
	api := newFakeAPI()
	api.listErr = errDown
	h := newHarness(t, api)

	err := h.c.Start(context.Background())
	assert.True(t, apperrors.IsCode(err, apperrors.CodeForbidden))
	assert.Equal(t, []notify.Toast{{Level: notify.LevelError, Message: "staff role required"}}, h.toast.Drain())
	assert.Empty(t, h.view(t).Rows)
}

func TestSelectFailureResetsPane(t *testing.T) {
	h := started(t)
	err := h.c.Select(context.Background(), "missing")
	assert.True(t, apperrors.IsCode(err, apperrors.CodeNotFound))
	assert.Equal(t, StateNone, h.view(t).State)
	assert.Empty(t, h.sock.Rooms())
	require.Len(t, h.toast.Toasts(), 1)
}

func TestUnknownConversationIsLookedUp(t *testing.T) {
	h := started(t)
	h.api.put(conversation("c3", custU3, time.Hour))
	h.sock.DeliverNewMessage(events.NewMessagePayload{
		ConversationID: "c3",
		Message:        message("m11", "c3", custU3, "Chào shop", time.Hour),
	})

	require.Eventually(t, func() bool { return len(h.view(t).Rows) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "Chào shop", h.row(t, "c3").Preview)
}

func TestLookedUpConversationRespectsFilter(t *testing.T) {
	h := started(t)
	require.NoError(t, h.c.LoadConversations(context.Background(), chatapi.ListParams{Status: domain.StatusAssigned}))
	assert.Empty(t, h.view(t).Rows)

	h.api.put(conversation("c3", custU3, time.Hour))
	h.sock.DeliverNewMessage(events.NewMessagePayload{
		ConversationID: "c3",
		Message:        message("m11", "c3", custU3, "Chào shop", time.Hour),
	})
	require.Eventually(t, func() bool { return h.api.lookupCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Never(t, func() bool { return len(h.view(t).Rows) > 0 }, 100*time.Millisecond, 10*time.Millisecond)

	assigned := conversation("c4", custU3, 2*time.Hour)
	assigned.Status = domain.StatusAssigned
	assigned.AssignedTo = &staffA
	h.api.put(assigned)
	h.sock.DeliverNewMessage(events.NewMessagePayload{
		ConversationID: "c4",
		Message:        message("m12", "c4", custU3, "Cảm ơn", 2*time.Hour),
	})
	require.Eventually(t, func() bool { return len(h.view(t).Rows) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "c4", h.view(t).Rows[0].Conversation.ID)
}

func TestFilterAppliesToLiveUpdates(t *testing.T) {
	h := started(t)
	require.NoError(t, h.c.LoadConversations(context.Background(), chatapi.ListParams{Status: domain.StatusAssigned}))

	h.api.mu.Lock()
	last := h.api.lists[len(h.api.lists)-1]
	h.api.mu.Unlock()
	assert.Equal(t, domain.StatusAssigned, last.Status)
	assert.Equal(t, 1, last.Page)
	assert.Empty(t, h.view(t).Rows)

	h.sock.DeliverUpdated(events.ConversationUpdatedPayload{Conversation: conversation("c9", custU3, time.Hour)})
	assert.Empty(t, h.view(t).Rows)

	assigned := conversation("c8", custU3, time.Hour)
	assigned.Status = domain.StatusAssigned
	assigned.AssignedTo = &staffB
	h.sock.DeliverUpdated(events.ConversationUpdatedPayload{Conversation: assigned})
	require.Len(t, h.view(t).Rows, 1)
}

func TestReconnectReloadsList(t *testing.T) {
	h := started(t)
	require.NoError(t, h.c.Select(context.Background(), "c1"))
	h.api.put(conversation("c3", custU3, time.Hour))

	h.sock.SetState(socket.StateReconnecting, nil)
	h.sock.SetState(socket.StateConnected, nil)

	require.Eventually(t, func() bool { return len(h.view(t).Rows) == 3 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(h.sock.IDs(events.EventMarkAsRead)) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, StateReady, h.view(t).State)
}

func TestReadMarkIsSentOnceFirstDialCompletes(t *testing.T) {
	h := newHarness(t, newFakeAPI())
	h.sock.HoldConnect()
	require.NoError(t, h.c.Start(context.Background()))
	assert.Equal(t, socket.StateConnecting, h.view(t).Connection)

	require.NoError(t, h.c.Select(context.Background(), "c1"))
	assert.Equal(t, StateReady, h.view(t).State)
	assert.Empty(t, h.sock.IDs(events.EventMarkAsRead))

	h.sock.CompleteConnect()
	require.Eventually(t, func() bool {
		return len(h.sock.IDs(events.EventMarkAsRead)) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"c1"}, h.sock.IDs(events.EventMarkAsRead))
	assert.Equal(t, socket.StateConnected, h.view(t).Connection)
}

func TestDeselectedConversationDropsPendingReadMark(t *testing.T) {
	h := newHarness(t, newFakeAPI())
	h.sock.HoldConnect()
	require.NoError(t, h.c.Start(context.Background()))
	require.NoError(t, h.c.Select(context.Background(), "c1"))
	require.NoError(t, h.c.Select(context.Background(), "c2"))

	h.sock.CompleteConnect()
	require.Eventually(t, func() bool {
		return len(h.sock.IDs(events.EventMarkAsRead)) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"c2"}, h.sock.IDs(events.EventMarkAsRead))
}

func TestRequiresStaffIdentity(t *testing.T) {
	c := New(Config{User: custU1}, Dependencies{Socket: sockettest.New(), Listeners: &sockettest.Group{}})
	defer c.Stop()
	assert.ErrorIs(t, c.Start(context.Background()), ErrNotStaff)
	assert.ErrorIs(t, c.Select(context.Background(), "c1"), ErrNotStarted)
}
