package retrieval

import (
	"context"
	"errors"
	"strings"
)

// Passage is a single ranked text passage returned by a retriever.
type Passage struct {
	Text      string
	SourceRef string
}

// Retriever executes a query and returns ranked passages. An empty result is
// success, not failure. The knowledge-base and web backends are two instances
// of this same contract.
type Retriever interface {
	Search(ctx context.Context, query string, k int) ([]Passage, error)
}

// Unavailable stands in for a retrieval backend that is not configured.
// Every search fails with the recorded reason, which the graph degrades
// around instead of refusing to start.
type Unavailable struct {
	Reason string
}

func (u Unavailable) Search(ctx context.Context, query string, k int) ([]Passage, error) {
	return nil, errors.New("retriever unavailable: " + u.Reason)
}

// JoinPassages concatenates passages into the single text blob the oracle
// prompts consume, keeping source references visible.
func JoinPassages(passages []Passage) string {
	if len(passages) == 0 {
		return ""
	}
	parts := make([]string, 0, len(passages))
	for _, p := range passages {
		text := strings.TrimSpace(p.Text)
		if text == "" {
			continue
		}
		if p.SourceRef != "" {
			text += "\nSource: " + p.SourceRef
		}
		parts = append(parts, text)
	}
	return strings.Join(parts, "\n\n")
}
