package model

import (
	"context"

	"github.com/cloudwego/eino/schema"
)

// Message is a single transcript entry. Immutable once appended; Ordinal is
// the sole source of truth for transcript order and insertion order must
// equal ordinal order.
type Message struct {
	Role    schema.RoleType `json:"role"`
	Content string          `json:"content"`
	Ordinal int             `json:"ordinal"`
}

// ConversationState is the unit of persistence and of node input/output.
// Transcript is append-only within a turn. Route is per-turn scratch and is
// never trusted from a loaded checkpoint; the context fields persisted here
// record the provenance of the latest assistant message and are rebuilt from
// scratch every turn.
type ConversationState struct {
	Transcript       []Message `json:"transcript"`
	Route            Route     `json:"route,omitempty"`
	RetrievedContext string    `json:"retrieved_context,omitempty"`
	WebContext       string    `json:"web_context,omitempty"`
}

// NewConversationState returns an empty state for a brand-new thread.
func NewConversationState() *ConversationState {
	return &ConversationState{Transcript: []Message{}}
}

// Clone deep-copies the state so stores can hand out snapshots without
// aliasing their internal records.
func (s *ConversationState) Clone() *ConversationState {
	if s == nil {
		return nil
	}
	out := *s
	out.Transcript = make([]Message, len(s.Transcript))
	copy(out.Transcript, s.Transcript)
	return &out
}

// MaxOrdinal returns the highest ordinal in the transcript, or 0 when empty.
// Transcript order equals ordinal order, so the last entry carries the max.
func (s *ConversationState) MaxOrdinal() int {
	if len(s.Transcript) == 0 {
		return 0
	}
	return s.Transcript[len(s.Transcript)-1].Ordinal
}

// Append adds a message with the next ordinal and returns it.
func (s *ConversationState) Append(role schema.RoleType, content string) Message {
	msg := Message{Role: role, Content: content, Ordinal: s.MaxOrdinal() + 1}
	s.Transcript = append(s.Transcript, msg)
	return msg
}

// LastUserMessage returns the most recent user message, if any.
func (s *ConversationState) LastUserMessage() (Message, bool) {
	for i := len(s.Transcript) - 1; i >= 0; i-- {
		if s.Transcript[i].Role == schema.User {
			return s.Transcript[i], true
		}
	}
	return Message{}, false
}

// ResetScratch clears the per-turn transient fields. Called on every load so
// stale routing or context from a previous turn can never leak forward.
func (s *ConversationState) ResetScratch() {
	s.Route = RouteNone
	s.RetrievedContext = ""
	s.WebContext = ""
}

// Checkpoint is the durable, versioned snapshot of a thread's state.
type Checkpoint struct {
	ThreadID string             `json:"thread_id"`
	State    *ConversationState `json:"state"`
	Version  int64              `json:"version"`
}

// CheckpointStore is the durable keyed storage contract. Only the graph
// runner touches it, at turn boundaries; nodes never do.
//
// Load returns errx.ErrThreadNotFound for a thread with no checkpoint yet.
// Commit persists newState only when the stored version still equals
// expectedVersion and returns the new version; otherwise it returns
// errx.ErrVersionConflict and leaves the stored checkpoint untouched.
// Both must be usable concurrently by independent thread ids.
type CheckpointStore interface {
	Load(ctx context.Context, threadID string) (*Checkpoint, error)
	Commit(ctx context.Context, threadID string, expectedVersion int64, newState *ConversationState) (int64, error)
}
