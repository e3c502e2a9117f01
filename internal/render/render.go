// Package render turns messages into display lines. Content is always
// HTML-escaped so that markup typed by a participant shows up as text.
package render

import (
	"html"
	"strings"
	"time"

	"github.com/spec-kit/support-chat/internal/domain"
)

// Line is one rendered transcript entry.
type Line struct {
	MessageID string
	Nonce     string
	SenderID  string
	Sender    string
	Mine      bool
	HTML      string
	Text      string
	Time      string
	Pending   bool
	Failed    bool
}

// Message renders a confirmed message from the point of view of selfID.
func Message(m domain.Message, selfID string) Line {
	return Line{
		MessageID: m.ID,
		SenderID:  m.Sender.ID,
		Sender:    m.Sender.DisplayName(),
		Mine:      m.Sender.ID == selfID,
		HTML:      escape(m.Content),
		Text:      m.Content,
		Time:      m.CreatedAt.Local().Format("15:04"),
	}
}

// Transcript renders a message list.
func Transcript(msgs []domain.Message, selfID string) []Line {
	out := make([]Line, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, Message(m, selfID))
	}
	return out
}

// Outgoing renders a local send still waiting for its echo.
func Outgoing(content string, queuedAt time.Time, failed bool) Line {
	return Line{
		Mine:    true,
		HTML:    escape(content),
		Text:    content,
		Time:    queuedAt.Local().Format("15:04"),
		Pending: !failed,
		Failed:  failed,
	}
}

// escape HTML-escapes content and keeps line breaks.
func escape(content string) string {
	return strings.ReplaceAll(html.EscapeString(content), "\n", "<br>")
}
