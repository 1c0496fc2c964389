package conversations

import (
	"strings"

	"github.com/cloudwego/eino/schema"

	"github.com/lily-agent/server/internal/agent/model"
)

// ContextBuilder renders transcript slices into the textual shapes the
// oracle calls expect. Stateless and safe for concurrent use.
type ContextBuilder struct {
	fullHistory bool
	maxTurns    int
}

func NewContextBuilder(cfg model.ConversationConfig) *ContextBuilder {
	return &ContextBuilder{
		fullHistory: cfg.RouterFullHistory,
		maxTurns:    cfg.HistoryMaxTurns,
	}
}

// RouterContext builds the content handed to the router oracle. Default is
// last-user-message-only; with full history enabled, a trimmed tagged
// rendering of the transcript is prepended.
func (cb *ContextBuilder) RouterContext(cursor *model.TurnCursor) string {
	if !cb.fullHistory {
		return cursor.Query
	}

	recent := trimTail(cursor.Transcript, cb.maxTurns)

	var b strings.Builder
	b.WriteString("<conversation_context>\n")
	for _, msg := range recent {
		if msg.Content == "" {
			continue
		}
		switch msg.Role {
		case schema.User:
			b.WriteString("UserMessage(" + msg.Content + ")\n")
		case schema.Assistant:
			b.WriteString("AssistantMessage(" + msg.Content + ")\n")
		}
	}
	b.WriteString("</conversation_context>\n")
	b.WriteString("<current_message_to_analyze>\n")
	b.WriteString("UserMessage(" + cursor.Query + ")\n")
	b.WriteString("</current_message_to_analyze>")
	return b.String()
}

// Conversation renders the whole transcript as "role: content" lines for the
// answer synthesis prompt.
func (cb *ContextBuilder) Conversation(transcript []model.Message) string {
	var b strings.Builder
	for i, msg := range transcript {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(string(msg.Role))
		b.WriteString(": ")
		b.WriteString(msg.Content)
	}
	return b.String()
}

// ====================== Helper function ======================
func trimTail(messages []model.Message, maxTurns int) []model.Message {
	if maxTurns <= 0 || len(messages) <= maxTurns {
		return messages
	}
	return messages[len(messages)-maxTurns:]
}
