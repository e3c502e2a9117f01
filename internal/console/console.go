// Package console is the staff-side chat surface: a filtered conversation
// list kept live from the socket plus one selected conversation.
package console

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/support-chat/internal/api/dto"
	"github.com/spec-kit/support-chat/internal/chatapi"
	"github.com/spec-kit/support-chat/internal/chatstate"
	"github.com/spec-kit/support-chat/internal/compose"
	"github.com/spec-kit/support-chat/internal/domain"
	"github.com/spec-kit/support-chat/internal/eventloop"
	"github.com/spec-kit/support-chat/internal/notify"
	"github.com/spec-kit/support-chat/internal/render"
	"github.com/spec-kit/support-chat/internal/socket"
)

// State of the conversation pane.
type State string

const (
	StateNone    State = "none"
	StateLoading State = "loading"
	StateReady   State = "ready"
)

var (
	ErrNotStarted = errors.New("console not started")
	ErrNotStaff   = errors.New("console requires a staff identity")
	ErrSuperseded = errors.New("request superseded")
)

const (
	defaultHistoryLimit   = 50
	defaultPageSize       = 20
	defaultRequestTimeout = 15 * time.Second
)

// API is the REST surface the console needs.
type API interface {
	GetAllConversations(ctx context.Context, params chatapi.ListParams) (*chatapi.ConversationPage, error)
	GetConversation(ctx context.Context, conversationID string) (*domain.Conversation, error)
	GetMessages(ctx context.Context, conversationID string, params chatapi.PageParams) (*chatapi.MessagePage, error)
	AssignConversation(ctx context.Context, conversationID, staffID string) (*domain.Conversation, error)
	UpdateStatus(ctx context.Context, conversationID string, status domain.ConversationStatus) (*domain.Conversation, error)
	ListStaff(ctx context.Context) ([]domain.Participant, error)
}

// Dependencies wires a console to its collaborators.
type Dependencies struct {
	Socket    socket.Client
	Listeners socket.Subscriber
	API       API
	Notifier  notify.Notifier
	Logger    *zap.Logger
}

// Config holds per-console settings.
type Config struct {
	User           domain.ParticipantRef
	HistoryLimit   int
	PageSize       int
	RequestTimeout time.Duration
	Compose        compose.Config
	// OnChange receives a fresh view after every state change, on the console loop.
	OnChange       func(View)
}

// Row is one entry of the conversation list.
type Row struct {
	Conversation domain.Conversation
	Unread       int
	Preview      string
	Typing       bool
	Selected     bool
}

// View is a render-ready snapshot.
type View struct {
	State      State
	Rows       []Row
	Filter     chatapi.ListParams
	Pagination *dto.Pagination
	Selected   *domain.Conversation
	Lines      []render.Line
	Typing     []string
	Draft      string
	Staff      []domain.Participant
	Connection socket.State
}

// Console is safe for concurrent use. REST calls run on the caller's
// goroutine and their results are applied on the console loop.
type Console struct {
	deps     Dependencies
	cfg      Config
	logger   *zap.Logger
	loop     *eventloop.Loop
	store    *chatstate.Store
	composer *compose.Composer
	base     context.Context
	cancel   context.CancelFunc

	started      bool
	state        State
	selected     string
	selectGen    uint64
	listGen      uint64
	filter       chatapi.ListParams
	pagination   *dto.Pagination
	staff        []domain.Participant
	connection   socket.State
	wasConnected bool
	readPending  string
}

// New builds a console for a staff member.
func New(cfg Config, deps Dependencies) *Console {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.NewLogNotifier(deps.Logger)
	}
	base, cancel := context.WithCancel(context.Background())
	c := &Console{
		deps:       deps,
		cfg:        cfg,
		logger:     deps.Logger.With(zap.String("component", "console"), zap.String("staff_id", cfg.User.ID)),
		loop:       eventloop.New(0),
		store:      chatstate.NewStore(),
		base:       base,
		cancel:     cancel,
		state:      StateNone,
		filter:     chatapi.ListParams{Page: 1, Limit: cfg.PageSize},
		connection: socket.StateIdle,
	}
	composeCfg := cfg.Compose
	composeCfg.Post = c.loop.Post
	composeCfg.OnChange = c.changed
	c.composer = compose.New(deps.Socket, composeCfg, c.logger)
	return c
}

// Start connects the socket with the staff id, subscribes to global events
// and loads the first page of conversations.
func (c *Console) Start(ctx context.Context) error {
	if c.cfg.User.ID == "" || !c.cfg.User.Role.IsStaff() {
		return ErrNotStaff
	}
	var already bool
	if err := c.loop.Do(ctx, func() {
		if c.started {
			already = true
			return
		}
		c.started = true
		c.subscribe()
		c.deps.Socket.Connect(c.cfg.User.ID)
		c.connection = c.deps.Socket.State()
		c.wasConnected = c.connection == socket.StateConnected
		c.changed()
	}); err != nil {
		return err
	}
	if already {
		return nil
	}
	return c.LoadConversations(ctx, c.currentFilter(ctx))
}

// Stop leaves the selected room, drops the console's listeners and stops its loop.
func (c *Console) Stop() {
	_ = c.loop.Do(context.Background(), func() {
		c.leaveSelected()
		c.composer.Reset()
		c.deps.Listeners.RemoveAllListeners()
		c.started = false
	})
	c.cancel()
	c.loop.Stop()
}

// LoadConversations replaces the list with the page matching params.
func (c *Console) LoadConversations(ctx context.Context, params chatapi.ListParams) error {
	if params.Page <= 0 {
		params.Page = 1
	}
	if params.Limit <= 0 {
		params.Limit = c.cfg.PageSize
	}
	var gen uint64
	if err := c.onLoop(ctx, func() error {
		c.listGen++
		gen = c.listGen
		return nil
	}); err != nil {
		return err
	}

	reqCtx, cancel := c.request(ctx)
	page, err := c.deps.API.GetAllConversations(reqCtx, params)
	cancel()

	return c.onLoop(ctx, func() error {
		if gen != c.listGen {
			return ErrSuperseded
		}
		if err != nil {
			c.fail("Could not load conversations", err)
			return err
		}
		c.filter = params
		c.pagination = &page.Pagination
		c.store.ReplaceListing(page.Conversations)
		c.changed()
		return nil
	})
}

// LoadStaff fetches the staff directory used to pick assignees.
func (c *Console) LoadStaff(ctx context.Context) error {
	reqCtx, cancel := c.request(ctx)
	staff, err := c.deps.API.ListStaff(reqCtx)
	cancel()
	return c.onLoop(ctx, func() error {
		if err != nil {
			c.fail("Could not load staff", err)
			return err
		}
		c.staff = staff
		c.changed()
		return nil
	})
}

// Select opens a conversation: the previous room is left, history fetched,
// the new room joined and the conversation marked read.
func (c *Console) Select(ctx context.Context, conversationID string) error {
	var (
		gen   uint64
		known bool
		skip  bool
	)
	if err := c.onLoop(ctx, func() error {
		if !c.started {
			return ErrNotStarted
		}
		if c.selected == conversationID && c.state != StateNone {
			skip = true
			return nil
		}
		c.leaveSelected()
		c.selectGen++
		gen = c.selectGen
		c.selected = conversationID
		c.state = StateLoading
		_, known = c.store.Conversation(conversationID)
		c.changed()
		return nil
	}); err != nil || skip {
		return err
	}

	reqCtx, cancel := c.request(ctx)
	conv, msgs, err := c.fetchThread(reqCtx, conversationID, known)
	cancel()

	return c.onLoop(ctx, func() error {
		if gen != c.selectGen || c.selected != conversationID || c.state != StateLoading {
			return ErrSuperseded
		}
		if err != nil {
			c.selected = ""
			c.state = StateNone
			c.fail("Could not open conversation", err)
			return err
		}
		if conv != nil {
			c.store.UpsertConversation(*conv)
		}
		c.store.SeedHistory(conversationID, msgs)
		if err := c.deps.Socket.JoinConversation(conversationID); err != nil {
			c.logger.Warn("join conversation failed", zap.String("conversation_id", conversationID), zap.Error(err))
		}
		c.markRead(conversationID)
		c.composer.SetConversation(conversationID)
		c.state = StateReady
		c.changed()
		return nil
	})
}

// Deselect closes the conversation pane.
func (c *Console) Deselect(ctx context.Context) error {
	return c.loop.Do(ctx, func() {
		c.leaveSelected()
		c.changed()
	})
}

// Keystroke updates the draft and signals typing in the selected conversation.
func (c *Console) Keystroke(ctx context.Context, text string) error {
	return c.loop.Do(ctx, func() {
		c.composer.Keystroke(text)
		c.changed()
	})
}

// Send submits the draft to the selected conversation.
func (c *Console) Send(ctx context.Context) error {
	return c.onLoop(ctx, func() error {
		if c.state != StateReady {
			return compose.ErrNoConversation
		}
		_, err := c.composer.Send()
		c.changed()
		return err
	})
}

// Retry re-sends a message that was never acknowledged.
func (c *Console) Retry(ctx context.Context, nonce string) error {
	return c.onLoop(ctx, func() error {
		err := c.composer.Retry(nonce)
		c.changed()
		return err
	})
}

// Assign hands a conversation to staffID. The toast for the assignment
// arrives with the conversationAssigned event.
func (c *Console) Assign(ctx context.Context, conversationID, staffID string) error {
	reqCtx, cancel := c.request(ctx)
	conv, err := c.deps.API.AssignConversation(reqCtx, conversationID, staffID)
	cancel()
	return c.onLoop(ctx, func() error {
		if err != nil {
			c.fail("Could not assign conversation", err)
			return err
		}
		c.store.UpsertConversation(*conv)
		c.changed()
		return nil
	})
}

// UpdateStatus moves a conversation to status.
func (c *Console) UpdateStatus(ctx context.Context, conversationID string, status domain.ConversationStatus) error {
	reqCtx, cancel := c.request(ctx)
	conv, err := c.deps.API.UpdateStatus(reqCtx, conversationID, status)
	cancel()
	return c.onLoop(ctx, func() error {
		if err != nil {
			c.fail("Could not update conversation status", err)
			return err
		}
		c.store.UpsertConversation(*conv)
		c.deps.Notifier.Success(fmt.Sprintf("Conversation marked %s", conv.Status))
		c.changed()
		return nil
	})
}

// View returns the current snapshot.
func (c *Console) View(ctx context.Context) (View, error) {
	var v View
	err := c.loop.Do(ctx, func() { v = c.buildView() })
	return v, err
}

func (c *Console) fetchThread(ctx context.Context, id string, known bool) (*domain.Conversation, []domain.Message, error) {
	var conv *domain.Conversation
	if !known {
		var err error
		if conv, err = c.deps.API.GetConversation(ctx, id); err != nil {
			return nil, nil, err
		}
	}
	page, err := c.deps.API.GetMessages(ctx, id, chatapi.PageParams{Page: 1, Limit: c.cfg.HistoryLimit})
	if err != nil {
		return nil, nil, err
	}
	return conv, page.Messages, nil
}

// reload refreshes the list and the selected thread after a reconnect.
func (c *Console) reload() {
	filter := c.filter
	selected, gen := c.selected, c.selectGen
	go func() {
		if err := c.LoadConversations(c.base, filter); err != nil {
			c.logger.Warn("conversation list refresh failed", zap.Error(err))
		}
		if selected == "" {
			return
		}
		reqCtx, cancel := c.request(c.base)
		page, err := c.deps.API.GetMessages(reqCtx, selected, chatapi.PageParams{Page: 1, Limit: c.cfg.HistoryLimit})
		cancel()
		c.loop.Post(func() {
			if gen != c.selectGen || c.state != StateReady {
				return
			}
			if err != nil {
				c.logger.Warn("history refresh after reconnect failed", zap.String("conversation_id", selected), zap.Error(err))
				return
			}
			c.store.SeedHistory(selected, page.Messages)
			c.markRead(selected)
			c.changed()
		})
	}()
}

// lookup fetches a conversation the list has not seen yet.
func (c *Console) lookup(id string) {
	go func() {
		reqCtx, cancel := c.request(c.base)
		conv, err := c.deps.API.GetConversation(reqCtx, id)
		cancel()
		if err != nil {
			c.logger.Debug("conversation lookup failed", zap.String("conversation_id", id), zap.Error(err))
			return
		}
		c.loop.Post(func() {
			if !c.matches(*conv) {
				return
			}
			if c.store.UpsertConversation(*conv) {
				c.changed()
			}
		})
	}()
}

func (c *Console) leaveSelected() {
	if c.selected == "" {
		return
	}
	if c.state == StateReady {
		if err := c.deps.Socket.LeaveConversation(c.selected); err != nil {
			c.logger.Warn("leave conversation failed", zap.String("conversation_id", c.selected), zap.Error(err))
		}
	}
	c.store.ClearTyping(c.selected)
	c.composer.SetConversation("")
	c.selectGen++
	c.readPending = ""
	c.selected = ""
	c.state = StateNone
}

// markRead clears the local counter right away and remembers a receipt the
// socket could not take so it is sent once the socket connects.
func (c *Console) markRead(id string) {
	if err := c.deps.Socket.MarkAsRead(id); err != nil {
		c.readPending = id
		c.logger.Debug("mark as read not sent", zap.String("conversation_id", id), zap.Error(err))
	} else if c.readPending == id {
		c.readPending = ""
	}
	c.store.ClearUnread(id, c.cfg.User.Role)
}

func (c *Console) fail(fallback string, err error) {
	c.logger.Warn(fallback, zap.Error(err))
	c.deps.Notifier.Error(notify.ErrorMessage(err, fallback))
	c.changed()
}

func (c *Console) currentFilter(ctx context.Context) chatapi.ListParams {
	var f chatapi.ListParams
	_ = c.loop.Do(ctx, func() { f = c.filter })
	return f
}

func (c *Console) request(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.cfg.RequestTimeout)
}

// onLoop runs fn on the loop and returns its error.
func (c *Console) onLoop(ctx context.Context, fn func() error) error {
	var err error
	if doErr := c.loop.Do(ctx, func() { err = fn() }); doErr != nil {
		return doErr
	}
	return err
}

func (c *Console) changed() {
	if c.cfg.OnChange != nil {
		c.cfg.OnChange(c.buildView())
	}
}

func (c *Console) buildView() View {
	v := View{
		State:      c.state,
		Filter:     c.filter,
		Pagination: c.pagination,
		Draft:      c.composer.Draft(),
		Staff:      append([]domain.Participant(nil), c.staff...),
		Connection: c.connection,
	}
	for _, conv := range c.store.Conversations() {
		row := Row{
			Conversation: conv,
			Unread:       conv.UnreadCount.For(c.cfg.User.Role),
			Typing:       len(c.store.Typing(conv.ID, c.cfg.User.ID)) > 0,
			Selected:     conv.ID == c.selected,
		}
		if conv.LastMessage != nil {
			row.Preview = conv.LastMessage.Content
		}
		v.Rows = append(v.Rows, row)
	}
	if c.state != StateReady {
		return v
	}
	if conv, ok := c.store.Conversation(c.selected); ok {
		v.Selected = &conv
	}
	v.Lines = render.Transcript(c.store.Messages(c.selected), c.cfg.User.ID)
	for _, p := range c.composer.Pending(c.selected) {
		line := render.Outgoing(p.Content, p.QueuedAt, p.Failed)
		line.Nonce = p.Nonce
		v.Lines = append(v.Lines, line)
	}
	v.Typing = c.store.Typing(c.selected, c.cfg.User.ID)
	return v
}
