package model

// Route is the closed set of router outcomes. Anything else coming back from
// the oracle is rejected by the parser and replaced with the safe default.
type Route string

const (
	RouteNone      Route = ""
	RouteRetrieval Route = "retrieval"
	RouteWeb       Route = "web"
	RouteAnswer    Route = "answer"
)

// ParseRoute validates a raw oracle route value against the closed enum.
// It accepts the original decision vocabulary ("rag") as an alias so prompt
// drift cannot silently break routing.
func ParseRoute(raw string) (Route, bool) {
	switch Route(raw) {
	case RouteRetrieval, RouteWeb, RouteAnswer:
		return Route(raw), true
	}
	if raw == "rag" {
		return RouteRetrieval, true
	}
	return RouteNone, false
}

// RouteDecision is the structured output expected from the router oracle call.
type RouteDecision struct {
	Route Route `json:"route"`
}

// SufficiencyVerdict is the structured output expected from the judge oracle
// call. Ephemeral: never persisted beyond the turn that produced it.
type SufficiencyVerdict struct {
	Sufficient    bool `json:"sufficient"`
	EscalateToWeb bool `json:"escalate_to_web"`
}

// QueryInput is the public input for one turn.
type QueryInput struct {
	ThreadID string `json:"thread_id"`
	Query    string `json:"query"`
}

// TurnCursor is the value threaded through the graph for a single turn.
// It carries the loaded transcript plus fresh per-turn scratch; nodes mutate
// scratch, and only the answer node sets Reply. The cursor never touches the
// checkpoint store.
type TurnCursor struct {
	ThreadID   string
	Query      string
	Transcript []Message

	// Per-turn scratch, zeroed at turn start.
	Route            Route
	RetrievedContext string
	WebContext       string
	WebAttempted     bool

	// Reply is the single assistant message appended by the answer node.
	Reply *Message
}

// NewTurnCursor builds a cursor with clean scratch for the given turn.
func NewTurnCursor(threadID, query string, transcript []Message) *TurnCursor {
	return &TurnCursor{
		ThreadID:   threadID,
		Query:      query,
		Transcript: transcript,
	}
}
