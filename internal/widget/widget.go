// Package widget is the customer-facing chat surface. It owns one
// conversation, counts unread messages while it is closed and re-hydrates
// its history after the socket reconnects.
package widget

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/support-chat/internal/chatapi"
	"github.com/spec-kit/support-chat/internal/chatstate"
	"github.com/spec-kit/support-chat/internal/compose"
	"github.com/spec-kit/support-chat/internal/domain"
	"github.com/spec-kit/support-chat/internal/eventloop"
	"github.com/spec-kit/support-chat/internal/notify"
	"github.com/spec-kit/support-chat/internal/render"
	"github.com/spec-kit/support-chat/internal/socket"
)

// State of the widget modal.
type State string

const (
	StateClosed  State = "closed"
	StateLoading State = "loading"
	StateReady   State = "ready"
	StateFailed  State = "failed"
)

var (
	ErrNotStarted = errors.New("widget not started")
	ErrNoIdentity = errors.New("widget requires a signed-in customer")
	ErrSuperseded = errors.New("conversation load superseded")
)

const (
	defaultHistoryLimit   = 50
	defaultRequestTimeout = 15 * time.Second
	loadFailedMessage     = "Could not load your conversation"
)

// API is the REST surface the widget needs.
type API interface {
	GetOrCreateConversation(ctx context.Context) (*domain.Conversation, error)
	GetMessages(ctx context.Context, conversationID string, params chatapi.PageParams) (*chatapi.MessagePage, error)
}

// Dependencies wires a widget to its collaborators.
type Dependencies struct {
	Socket    socket.Client
	Listeners socket.Subscriber
	API       API
	Notifier  notify.Notifier
	Logger    *zap.Logger
}

// Config holds per-widget settings.
type Config struct {
	User           domain.ParticipantRef
	HistoryLimit   int
	RequestTimeout time.Duration
	Compose        compose.Config
	// OnChange receives a fresh view after every state change. It runs on
	// the widget's event loop and must not call back into the widget.
	OnChange       func(View)
}

// View is a render-ready snapshot.
type View struct {
	State        State
	Conversation *domain.Conversation
	Unread       int
	Lines        []render.Line
	Typing       []string
	Draft        string
	Connection   socket.State
}

// Widget is safe for concurrent use; all state lives on its event loop.
type Widget struct {
	deps     Dependencies
	cfg      Config
	logger   *zap.Logger
	loop     *eventloop.Loop
	store    *chatstate.Store
	composer *compose.Composer
	base     context.Context
	cancel   context.CancelFunc

	started        bool
	state          State
	conversationID string
	unread         int
	gen            uint64
	connection     socket.State
	wasConnected   bool
	readPending    bool
}

// New builds a widget. Start must be called before Open.
func New(cfg Config, deps Dependencies) *Widget {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
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
	w := &Widget{
		deps:       deps,
		cfg:        cfg,
		logger:     deps.Logger.With(zap.String("component", "widget"), zap.String("user_id", cfg.User.ID)),
		loop:       eventloop.New(0),
		store:      chatstate.NewStore(),
		base:       base,
		cancel:     cancel,
		state:      StateClosed,
		connection: socket.StateIdle,
	}
	composeCfg := cfg.Compose
	composeCfg.Post = w.loop.Post
	composeCfg.OnChange = w.changed
	w.composer = compose.New(deps.Socket, composeCfg, w.logger)
	return w
}

// Start connects the socket and registers the widget's listeners. It is a
// no-op when already started.
func (w *Widget) Start(ctx context.Context) error {
	if w.cfg.User.ID == "" {
		return ErrNoIdentity
	}
	return w.loop.Do(ctx, func() {
		if w.started {
			return
		}
		w.started = true
		w.subscribe()
		w.deps.Socket.Connect(w.cfg.User.ID)
		w.connection = w.deps.Socket.State()
		w.wasConnected = w.connection == socket.StateConnected
		w.changed()
	})
}

// Stop leaves the open room, drops the widget's listeners and stops its
// loop. The shared socket stays connected.
func (w *Widget) Stop() {
	_ = w.loop.Do(context.Background(), func() {
		if w.state == StateReady {
			w.leave()
		}
		w.gen++
		w.composer.Reset()
		w.deps.Listeners.RemoveAllListeners()
		w.started = false
		w.state = StateClosed
	})
	w.cancel()
	w.loop.Stop()
}

// Open fetches or creates the customer's conversation, loads its history,
// joins its room and marks it read. It returns once the load has been
// applied, failed or been superseded by Close.
func (w *Widget) Open(ctx context.Context) error {
	var (
		result <-chan error
		err    error
	)
	if doErr := w.loop.Do(ctx, func() {
		switch {
		case !w.started:
			err = ErrNotStarted
		case w.state == StateReady || w.state == StateLoading:
		default:
			result = w.beginLoad()
		}
	}); doErr != nil {
		return doErr
	}
	if err != nil || result == nil {
		return err
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close leaves the conversation room. Results of a load still in flight are discarded.
func (w *Widget) Close(ctx context.Context) error {
	return w.loop.Do(ctx, func() {
		if w.state == StateClosed {
			return
		}
		if w.state == StateReady {
			w.leave()
		}
		w.gen++
		w.readPending = false
		w.composer.SetConversation("")
		w.state = StateClosed
		w.changed()
	})
}

// Keystroke updates the draft and signals typing.
func (w *Widget) Keystroke(ctx context.Context, text string) error {
	return w.loop.Do(ctx, func() {
		w.composer.Keystroke(text)
		w.changed()
	})
}

// Send submits the draft. The message is shown once the server echoes it.
func (w *Widget) Send(ctx context.Context) error {
	var err error
	if doErr := w.loop.Do(ctx, func() {
		if !w.started {
			err = ErrNotStarted
			return
		}
		if w.state != StateReady {
			err = compose.ErrNoConversation
			return
		}
		_, err = w.composer.Send()
		w.changed()
	}); doErr != nil {
		return doErr
	}
	return err
}

// Retry re-sends a message that was never acknowledged.
func (w *Widget) Retry(ctx context.Context, nonce string) error {
	var err error
	if doErr := w.loop.Do(ctx, func() {
		err = w.composer.Retry(nonce)
		w.changed()
	}); doErr != nil {
		return doErr
	}
	return err
}

// View returns the current snapshot.
func (w *Widget) View(ctx context.Context) (View, error) {
	var v View
	err := w.loop.Do(ctx, func() { v = w.buildView() })
	return v, err
}

func (w *Widget) beginLoad() <-chan error {
	w.gen++
	gen := w.gen
	w.state = StateLoading
	w.unread = 0
	w.changed()

	result := make(chan error, 1)
	go func() {
		conv, msgs, err := w.fetch()
		if !w.loop.Post(func() { result <- w.finishLoad(gen, conv, msgs, err) }) {
			result <- eventloop.ErrStopped
		}
	}()
	return result
}

func (w *Widget) fetch() (*domain.Conversation, []domain.Message, error) {
	ctx, cancel := context.WithTimeout(w.base, w.cfg.RequestTimeout)
	defer cancel()

	conv, err := w.deps.API.GetOrCreateConversation(ctx)
	if err != nil {
		return nil, nil, err
	}
	page, err := w.deps.API.GetMessages(ctx, conv.ID, chatapi.PageParams{Page: 1, Limit: w.cfg.HistoryLimit})
	if err != nil {
		return nil, nil, err
	}
	return conv, page.Messages, nil
}

func (w *Widget) finishLoad(gen uint64, conv *domain.Conversation, msgs []domain.Message, err error) error {
	if gen != w.gen || w.state != StateLoading {
		w.logger.Debug("discarding stale conversation load")
		return ErrSuperseded
	}
	if err != nil {
		w.state = StateFailed
		w.logger.Warn("conversation load failed", zap.Error(err))
		w.deps.Notifier.Error(notify.ErrorMessage(err, loadFailedMessage))
		w.changed()
		return err
	}

	w.conversationID = conv.ID
	w.store.UpsertConversation(*conv)
	w.store.SeedHistory(conv.ID, msgs)
	w.composer.SetConversation(conv.ID)
	if err := w.deps.Socket.JoinConversation(conv.ID); err != nil {
		w.logger.Warn("join conversation failed", zap.String("conversation_id", conv.ID), zap.Error(err))
	}
	w.markRead()
	w.state = StateReady
	w.changed()
	return nil
}

func (w *Widget) rehydrate() {
	gen, id := w.gen, w.conversationID
	go func() {
		ctx, cancel := context.WithTimeout(w.base, w.cfg.RequestTimeout)
		defer cancel()
		page, err := w.deps.API.GetMessages(ctx, id, chatapi.PageParams{Page: 1, Limit: w.cfg.HistoryLimit})
		w.loop.Post(func() {
			if gen != w.gen || w.state != StateReady {
				return
			}
			if err != nil {
				w.logger.Warn("history refresh after reconnect failed", zap.String("conversation_id", id), zap.Error(err))
				return
			}
			w.store.SeedHistory(id, page.Messages)
			w.markRead()
			w.changed()
		})
	}()
}

func (w *Widget) leave() {
	if err := w.deps.Socket.LeaveConversation(w.conversationID); err != nil {
		w.logger.Warn("leave conversation failed", zap.String("conversation_id", w.conversationID), zap.Error(err))
	}
	w.store.ClearTyping(w.conversationID)
}

// markRead clears the local counter right away. A receipt the socket could
// not take is sent again once it connects.
func (w *Widget) markRead() {
	err := w.deps.Socket.MarkAsRead(w.conversationID)
	w.readPending = err != nil
	if err != nil {
		w.logger.Debug("mark as read not sent", zap.String("conversation_id", w.conversationID), zap.Error(err))
	}
	w.store.ClearUnread(w.conversationID, domain.RoleCustomer)
}

func (w *Widget) changed() {
	if w.cfg.OnChange != nil {
		w.cfg.OnChange(w.buildView())
	}
}

func (w *Widget) buildView() View {
	v := View{
		State:      w.state,
		Unread:     w.unread,
		Draft:      w.composer.Draft(),
		Connection: w.connection,
	}
	if w.state != StateReady {
		return v
	}
	if conv, ok := w.store.Conversation(w.conversationID); ok {
		v.Conversation = &conv
	}
	v.Lines = render.Transcript(w.store.Messages(w.conversationID), w.cfg.User.ID)
	for _, p := range w.composer.Pending(w.conversationID) {
		line := render.Outgoing(p.Content, p.QueuedAt, p.Failed)
		line.Nonce = p.Nonce
		v.Lines = append(v.Lines, line)
	}
	v.Typing = w.store.Typing(w.conversationID, w.cfg.User.ID)
	return v
}
