package compose

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spec-kit/support-chat/internal/events"
	apperrors "github.com/spec-kit/support-chat/pkg/util/errorutil"
)

type sent struct {
	ConversationID string
	Content        string
	Nonce          string
}

type recordingEmitter struct {
	sends []sent
	typed []string
	stops []string
	err   error
}

func (e *recordingEmitter) SendMessage(conversationID, content, nonce string) error {
	e.sends = append(e.sends, sent{conversationID, content, nonce})
	return e.err
}

func (e *recordingEmitter) Typing(conversationID string) error {
	e.typed = append(e.typed, conversationID)
	return e.err
}

func (e *recordingEmitter) StopTyping(conversationID string) error {
	e.stops = append(e.stops, conversationID)
	return e.err
}

func newComposer(t *testing.T, maxResends int) (*Composer, *recordingEmitter, *ManualClock) {
	t.Helper()
	em := &recordingEmitter{}
	clock := NewManualClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	c := New(em, Config{
		TypingIdle: time.Second,
		AckTimeout: 5 * time.Second,
		MaxResends: maxResends,
		ClientID:   "cli",
		Clock:      clock,
	}, nil)
	c.SetConversation("c1")
	return c, em, clock
}

func TestTypingStopsAfterIdle(t *testing.T) {
	c, em, clock := newComposer(t, 1)

	c.Keystroke("H")
	clock.Advance(900 * time.Millisecond)
	assert.Empty(t, em.stops)

	c.Keystroke("He")
	clock.Advance(900 * time.Millisecond)
	assert.Empty(t, em.stops, "a new keystroke restarts the idle period")

	clock.Advance(200 * time.Millisecond)
	assert.Equal(t, []string{"c1"}, em.stops)
	assert.Equal(t, []string{"c1", "c1"}, em.typed)

	clock.Advance(5 * time.Second)
	assert.Len(t, em.stops, 1)
	assert.Equal(t, "He", c.Draft())
}

func TestSendClearsDraftAndStopsTyping(t *testing.T) {
	c, em, clock := newComposer(t, 1)

	c.Keystroke("  Xin chào  ")
	p, err := c.Send()
	require.NoError(t, err)

	assert.Equal(t, "", c.Draft())
	assert.Equal(t, []string{"c1"}, em.stops)
	require.Len(t, em.sends, 1)
	assert.Equal(t, sent{"c1", "Xin chào", "cli-1"}, em.sends[0])
	assert.Equal(t, "cli-1", p.Nonce)

	clock.Advance(2 * time.Second)
	assert.Len(t, em.stops, 1, "the idle timer was cancelled by the send")
}

func TestBlankDraftIsNotSent(t *testing.T) {
	c, em, _ := newComposer(t, 1)
	c.Keystroke("   ")
	_, err := c.Send()
	assert.ErrorIs(t, err, ErrEmptyMessage)
	assert.Empty(t, em.sends)

	c.SetConversation("")
	c.Keystroke("hello")
	_, err = c.Send()
	assert.ErrorIs(t, err, ErrNoConversation)

	c.SetConversation("c1")
	c.Keystroke(string(make([]rune, 2001)))
	_, err = c.Send()
	assert.True(t, apperrors.IsCode(err, apperrors.CodeValidation))
}

func TestEchoAcknowledgesPendingSend(t *testing.T) {
	c, em, clock := newComposer(t, 1)
	c.Keystroke("one")
	p, err := c.Send()
	require.NoError(t, err)
	require.Len(t, c.Pending("c1"), 1)

	assert.False(t, c.Observe(events.NewMessagePayload{ConversationID: "c1", ClientNonce: "other"}))
	assert.True(t, c.Observe(events.NewMessagePayload{ConversationID: "c1", ClientNonce: p.Nonce}))
	assert.Empty(t, c.Pending("c1"))

	clock.Advance(time.Minute)
	assert.Len(t, em.sends, 1)
}

func TestUnacknowledgedSendIsRetriedThenFails(t *testing.T) {
	c, em, clock := newComposer(t, 1)
	changes := 0
	c.cfg.OnChange = func() { changes++ }

	c.Keystroke("are you there?")
	p, err := c.Send()
	require.NoError(t, err)

	clock.Advance(5 * time.Second)
	require.Len(t, em.sends, 2)
	assert.Equal(t, p.Nonce, em.sends[1].Nonce, "resends reuse the nonce")
	assert.False(t, c.Pending("c1")[0].Failed)

	clock.Advance(5 * time.Second)
	assert.Len(t, em.sends, 2)
	pending := c.Pending("c1")
	require.Len(t, pending, 1)
	assert.True(t, pending[0].Failed)
	assert.Equal(t, 2, pending[0].Attempts)
	assert.Equal(t, 2, changes)

	require.NoError(t, c.Retry(p.Nonce))
	assert.Len(t, em.sends, 3)
	assert.False(t, c.Pending("c1")[0].Failed)
	assert.ErrorIs(t, c.Retry("nope"), ErrUnknownNonce)
}

func TestSwitchingConversationStopsTyping(t *testing.T) {
	c, em, _ := newComposer(t, 0)
	c.Keystroke("hi")
	c.SetConversation("c2")
	assert.Equal(t, []string{"c1"}, em.stops)
	assert.Equal(t, "", c.Draft())

	c.Keystroke("x")
	c.Reset()
	assert.Equal(t, []string{"c1", "c2"}, em.stops)
	assert.Equal(t, "", c.ConversationID())
}
