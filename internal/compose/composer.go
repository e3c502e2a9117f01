// Package compose owns the message input of a chat surface: the draft, the
// typing signal debounce and the table of sends waiting for their echo.
package compose

import (
	"errors"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spec-kit/support-chat/internal/domain"
	"github.com/spec-kit/support-chat/internal/events"
)

var (
	ErrEmptyMessage   = errors.New("message is empty")
	ErrNoConversation = errors.New("no conversation selected")
	ErrUnknownNonce   = errors.New("no pending message for nonce")
)

const (
	DefaultTypingIdle = time.Second
	DefaultAckTimeout = 5 * time.Second
)

// Emitter is the outbound half of the socket the composer writes to.
type Emitter interface {
	SendMessage(conversationID, content, nonce string) error
	Typing(conversationID string) error
	StopTyping(conversationID string) error
}

// Config tunes a Composer.
type Config struct {
	TypingIdle time.Duration
	AckTimeout time.Duration
	MaxResends int
	ClientID   string
	Clock      Clock
	// Post re-enters the owner's event loop from timer goroutines. When nil,
	// timer callbacks run on the timer's goroutine.
	Post       func(func()) bool
	// OnChange is called after a timer changes the draft or pending state.
	OnChange   func()
}

// Pending is a send that has not been echoed back yet.
type Pending struct {
	Nonce          string
	ConversationID string
	Content        string
	QueuedAt       time.Time
	Attempts       int
	Failed         bool
	seq            uint64
	timer          Timer
}

// Composer is not safe for concurrent use. All calls, including timer
// callbacks delivered through Config.Post, must happen on one goroutine.
type Composer struct {
	emitter Emitter
	cfg     Config
	logger  *zap.Logger

	conversationID string
	draft          string
	typing         bool
	idle           Timer

	seq     uint64
	pending map[string]*Pending
}

// New creates a composer that writes through emitter.
func New(emitter Emitter, cfg Config, logger *zap.Logger) *Composer {
	if cfg.TypingIdle <= 0 {
		cfg.TypingIdle = DefaultTypingIdle
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = DefaultAckTimeout
	}
	if cfg.MaxResends < 0 {
		cfg.MaxResends = 0
	}
	if cfg.ClientID == "" {
		cfg.ClientID = uuid.NewString()
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Composer{
		emitter: emitter,
		cfg:     cfg,
		logger:  logger,
		pending: make(map[string]*Pending),
	}
}

// SetConversation points the composer at a conversation. An active typing
// signal for the previous conversation is stopped first.
func (c *Composer) SetConversation(conversationID string) {
	if conversationID == c.conversationID {
		return
	}
	c.stopTyping()
	c.conversationID = conversationID
	c.draft = ""
}

// ConversationID returns the current target.
func (c *Composer) ConversationID() string {
	return c.conversationID
}

// Draft returns the current input text.
func (c *Composer) Draft() string {
	return c.draft
}

// Keystroke replaces the draft and signals typing. A stopTyping is emitted
// once no keystroke has arrived for the idle period.
func (c *Composer) Keystroke(text string) {
	c.draft = text
	if c.conversationID == "" {
		return
	}
	if err := c.emitter.Typing(c.conversationID); err != nil {
		c.logger.Debug("typing signal not sent", zap.String("conversation_id", c.conversationID), zap.Error(err))
	}
	c.typing = true
	if c.idle != nil {
		c.idle.Stop()
	}
	conversationID := c.conversationID
	c.idle = c.cfg.Clock.AfterFunc(c.cfg.TypingIdle, c.deliver(func() {
		if c.conversationID != conversationID || !c.typing {
			return
		}
		c.idle = nil
		c.stopTyping()
		c.changed()
	}))
}

// Send submits the trimmed draft. The draft is cleared and the typing signal
// stopped before the message is emitted.
func (c *Composer) Send() (Pending, error) {
	content := strings.TrimSpace(c.draft)
	if content == "" {
		return Pending{}, ErrEmptyMessage
	}
	if c.conversationID == "" {
		return Pending{}, ErrNoConversation
	}
	if _, err := domain.NormalizeContent(content); err != nil {
		return Pending{}, err
	}

	c.draft = ""
	c.stopTyping()

	c.seq++
	p := &Pending{
		Nonce:          c.cfg.ClientID + "-" + strconv.FormatUint(c.seq, 10),
		ConversationID: c.conversationID,
		Content:        content,
		QueuedAt:       c.cfg.Clock.Now(),
		seq:            c.seq,
	}
	c.pending[p.Nonce] = p
	c.transmit(p)
	return *p, nil
}

// Ack settles the pending entry for nonce. It reports whether one existed.
func (c *Composer) Ack(nonce string) bool {
	p, ok := c.pending[nonce]
	if !ok {
		return false
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	delete(c.pending, nonce)
	return true
}

// Observe acknowledges the send a newMessage echo belongs to, if any.
func (c *Composer) Observe(p events.NewMessagePayload) bool {
	if p.ClientNonce == "" {
		return false
	}
	return c.Ack(p.ClientNonce)
}

// Retry re-sends a failed entry with a fresh attempt budget.
func (c *Composer) Retry(nonce string) error {
	p, ok := c.pending[nonce]
	if !ok {
		return ErrUnknownNonce
	}
	p.Failed = false
	p.Attempts = 0
	c.transmit(p)
	return nil
}

// Discard forgets a pending entry without sending it again.
func (c *Composer) Discard(nonce string) {
	c.Ack(nonce)
}

// Pending lists unacknowledged sends for conversationID in send order.
func (c *Composer) Pending(conversationID string) []Pending {
	out := make([]Pending, 0, len(c.pending))
	for _, p := range c.pending {
		if p.ConversationID == conversationID {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// Reset stops all timers and forgets the draft and pending sends.
func (c *Composer) Reset() {
	c.stopTyping()
	for nonce := range c.pending {
		c.Ack(nonce)
	}
	c.draft = ""
	c.conversationID = ""
}

func (c *Composer) transmit(p *Pending) {
	p.Attempts++
	if err := c.emitter.SendMessage(p.ConversationID, p.Content, p.Nonce); err != nil {
		c.logger.Warn("message not emitted",
			zap.String("conversation_id", p.ConversationID),
			zap.String("nonce", p.Nonce),
			zap.Int("attempt", p.Attempts),
			zap.Error(err))
	}
	nonce := p.Nonce
	p.timer = c.cfg.Clock.AfterFunc(c.cfg.AckTimeout, c.deliver(func() {
		c.expire(nonce)
	}))
}

func (c *Composer) expire(nonce string) {
	p, ok := c.pending[nonce]
	if !ok || p.Failed {
		return
	}
	p.timer = nil
	if p.Attempts <= c.cfg.MaxResends {
		c.transmit(p)
	} else {
		p.Failed = true
		c.logger.Info("message not acknowledged",
			zap.String("conversation_id", p.ConversationID),
			zap.String("nonce", p.Nonce),
			zap.Int("attempts", p.Attempts))
	}
	c.changed()
}

func (c *Composer) stopTyping() {
	if c.idle != nil {
		c.idle.Stop()
		c.idle = nil
	}
	if !c.typing {
		return
	}
	c.typing = false
	if c.conversationID == "" {
		return
	}
	if err := c.emitter.StopTyping(c.conversationID); err != nil {
		c.logger.Debug("stop typing signal not sent", zap.String("conversation_id", c.conversationID), zap.Error(err))
	}
}

func (c *Composer) deliver(fn func()) func() {
	if c.cfg.Post == nil {
		return fn
	}
	return func() { c.cfg.Post(fn) }
}

func (c *Composer) changed() {
	if c.cfg.OnChange != nil {
		c.cfg.OnChange()
	}
}
