package render

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/spec-kit/support-chat/internal/domain"
)

func TestScriptContentRendersAsText(t *testing.T) {
	m := domain.Message{
		ID:        "m1",
		Sender:    domain.ParticipantRef{ID: "U1", Name: "Lan", Role: domain.RoleCustomer},
		Content:   "<script>",
		CreatedAt: time.Now(),
	}
	line := Message(m, "S1")
	assert.Equal(t, "&lt;script&gt;", line.HTML)
	assert.Equal(t, "<script>", line.Text)
	assert.NotContains(t, line.HTML, "<script")
	assert.False(t, line.Mine)
	assert.Equal(t, "Lan", line.Sender)
}

func TestTranscriptMarksOwnMessages(t *testing.T) {
	msgs := []domain.Message{
		{ID: "1", Sender: domain.ParticipantRef{ID: "U1"}, Content: "a\nb"},
		{ID: "2", Sender: domain.ParticipantRef{ID: "S1"}, Content: `"quoted" & more`},
	}
	lines := Transcript(msgs, "U1")
	assert.True(t, lines[0].Mine)
	assert.Equal(t, "a<br>b", lines[0].HTML)
	assert.Equal(t, "U1", lines[0].Sender)
	assert.Equal(t, "&#34;quoted&#34; &amp; more", lines[1].HTML)

	out := Outgoing("<b>hi</b>", time.Now(), false)
	assert.True(t, out.Pending)
	assert.Equal(t, "&lt;b&gt;hi&lt;/b&gt;", out.HTML)
}
