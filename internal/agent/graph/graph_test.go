package graph

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lily-agent/server/internal/agent/graph/nodes"
	"github.com/lily-agent/server/internal/agent/model"
	"github.com/lily-agent/server/internal/agent/repo"
	"github.com/lily-agent/server/internal/agent/retrieval"
	errx "github.com/lily-agent/server/internal/core/error"
)

// fakeOracle is a scripted chat model: each Generate call returns the next
// reply in order, sticking on the last one.
type fakeOracle struct {
	mu      sync.Mutex
	replies []string
	err     error
	calls   int
}

func (f *fakeOracle) Generate(ctx context.Context, input []*schema.Message, opts ...einomodel.Option) (*schema.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	idx := f.calls - 1
	if idx >= len(f.replies) {
		idx = len(f.replies) - 1
	}
	return schema.AssistantMessage(f.replies[idx], nil), nil
}

func (f *fakeOracle) Stream(ctx context.Context, input []*schema.Message, opts ...einomodel.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, errors.New("streaming not supported")
}

func (f *fakeOracle) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeRetriever struct {
	mu       sync.Mutex
	passages []retrieval.Passage
	err      error
	calls    int
}

func (f *fakeRetriever) Search(ctx context.Context, query string, k int) ([]retrieval.Passage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.passages, nil
}

func (f *fakeRetriever) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fixture struct {
	runner Runner
	store  *repo.MemoryCheckpointStore
	router *fakeOracle
	judge  *fakeOracle
	answer *fakeOracle
	kb     *fakeRetriever
	web    *fakeRetriever
}

func newFixture(t *testing.T, router, judge, answer *fakeOracle, kb, web *fakeRetriever) *fixture {
	t.Helper()

	store := repo.NewMemoryCheckpointStore()
	cms := &nodes.ChatModels{
		Router:          router,
		Judge:           judge,
		Answer:          answer,
		RouterModelName: "fake-router",
		JudgeModelName:  "fake-judge",
		AnswerModelName: "fake-answer",
	}

	runner, err := BuildAgentWithModels(context.Background(), cms, Config{
		Persona: model.PersonaPromptConfig{AssistantName: "Lily", Domain: "book recommendations"},
		Conversation: model.ConversationConfig{
			TTL:                "15m",
			HistoryMaxTurns:    10,
			JudgeCorroboration: true,
			RetrievalK:         3,
			WebK:               5,
		},
		KBRetriever:  kb,
		WebRetriever: web,
		Checkpoints:  store,
	})
	require.NoError(t, err)

	return &fixture{runner: runner, store: store, router: router, judge: judge, answer: answer, kb: kb, web: web}
}

func (f *fixture) checkpoint(t *testing.T, threadID string) *model.Checkpoint {
	t.Helper()
	cp, err := f.store.Load(context.Background(), threadID)
	require.NoError(t, err)
	return cp
}

func TestDirectAnswerTurn(t *testing.T) {
	f := newFixture(t,
		&fakeOracle{replies: []string{`{"route": "answer"}`}},
		&fakeOracle{replies: []string{`{"sufficient": true}`}},
		&fakeOracle{replies: []string{"Hello! How can I help?"}},
		&fakeRetriever{}, &fakeRetriever{},
	)

	reply, err := f.runner.RunTurn(context.Background(), model.QueryInput{ThreadID: "t1", Query: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "Hello! How can I help?", reply)

	cp := f.checkpoint(t, "t1")
	assert.Equal(t, int64(1), cp.Version)
	require.Len(t, cp.State.Transcript, 2)
	assert.Equal(t, schema.User, cp.State.Transcript[0].Role)
	assert.Equal(t, 1, cp.State.Transcript[0].Ordinal)
	assert.Equal(t, schema.Assistant, cp.State.Transcript[1].Role)
	assert.Equal(t, 2, cp.State.Transcript[1].Ordinal)
	assert.Equal(t, model.RouteAnswer, cp.State.Route)
	assert.Empty(t, cp.State.RetrievedContext)
	assert.Empty(t, cp.State.WebContext)

	// The answer path must not touch either retriever.
	assert.Zero(t, f.kb.callCount())
	assert.Zero(t, f.web.callCount())
	assert.Zero(t, f.judge.callCount())
}

func TestRetrievalSufficientAnswersFromKnowledgeBase(t *testing.T) {
	kb := &fakeRetriever{passages: []retrieval.Passage{
		{Text: "Dune is a science fiction classic.", SourceRef: "catalog/dune"},
		{Text: "Hyperion pairs well with Dune.", SourceRef: "catalog/hyperion"},
	}}
	f := newFixture(t,
		&fakeOracle{replies: []string{`{"route": "retrieval"}`}},
		&fakeOracle{replies: []string{`{"sufficient": true, "escalate_to_web": false}`}},
		&fakeOracle{replies: []string{"You might enjoy Dune."}},
		kb, &fakeRetriever{},
	)

	reply, err := f.runner.RunTurn(context.Background(), model.QueryInput{ThreadID: "t1", Query: "recommend sci-fi"})
	require.NoError(t, err)
	assert.Equal(t, "You might enjoy Dune.", reply)

	cp := f.checkpoint(t, "t1")
	assert.Equal(t, model.RouteAnswer, cp.State.Route)
	assert.Contains(t, cp.State.RetrievedContext, "Dune is a science fiction classic.")
	assert.Contains(t, cp.State.RetrievedContext, "catalog/dune")
	assert.Empty(t, cp.State.WebContext)
	assert.Equal(t, 1, kb.callCount())
	assert.Zero(t, f.web.callCount())
}

func TestRetrievalInsufficientEscalatesToWeb(t *testing.T) {
	kb := &fakeRetriever{passages: []retrieval.Passage{{Text: "Old stock listing."}}}
	web := &fakeRetriever{passages: []retrieval.Passage{
		{Text: "New release announced last week.", SourceRef: "https://example.com/news"},
	}}
	f := newFixture(t,
		&fakeOracle{replies: []string{`{"route": "retrieval"}`}},
		&fakeOracle{replies: []string{`{"sufficient": false, "escalate_to_web": true}`}},
		&fakeOracle{replies: []string{"There is a new release out."}},
		kb, web,
	)

	reply, err := f.runner.RunTurn(context.Background(), model.QueryInput{ThreadID: "t1", Query: "any new books?"})
	require.NoError(t, err)
	assert.Equal(t, "There is a new release out.", reply)

	cp := f.checkpoint(t, "t1")
	assert.Contains(t, cp.State.RetrievedContext, "Old stock listing.")
	assert.Contains(t, cp.State.WebContext, "New release announced last week.")
	assert.Equal(t, 1, kb.callCount())
	assert.Equal(t, 1, web.callCount())
}

func TestCorroborationHintEscalatesDespiteSufficiency(t *testing.T) {
	kb := &fakeRetriever{passages: []retrieval.Passage{{Text: "Partial answer."}}}
	web := &fakeRetriever{passages: []retrieval.Passage{{Text: "Corroborating detail."}}}
	f := newFixture(t,
		&fakeOracle{replies: []string{`{"route": "retrieval"}`}},
		&fakeOracle{replies: []string{`{"sufficient": true, "escalate_to_web": true}`}},
		&fakeOracle{replies: []string{"Answer with both sources."}},
		kb, web,
	)

	_, err := f.runner.RunTurn(context.Background(), model.QueryInput{ThreadID: "t1", Query: "q"})
	require.NoError(t, err)
	assert.Equal(t, 1, web.callCount())
}

func TestWebRouteSkipsJudge(t *testing.T) {
	web := &fakeRetriever{passages: []retrieval.Passage{{Text: "Live result."}}}
	f := newFixture(t,
		&fakeOracle{replies: []string{`{"route": "web"}`}},
		&fakeOracle{replies: []string{`{"sufficient": true}`}},
		&fakeOracle{replies: []string{"Per the latest info..."}},
		&fakeRetriever{}, web,
	)

	_, err := f.runner.RunTurn(context.Background(), model.QueryInput{ThreadID: "t1", Query: "what happened today?"})
	require.NoError(t, err)

	assert.Zero(t, f.judge.callCount())
	assert.Zero(t, f.kb.callCount())
	assert.Equal(t, 1, web.callCount())

	cp := f.checkpoint(t, "t1")
	assert.Contains(t, cp.State.WebContext, "Live result.")
}

func TestZeroPassagesAlwaysEscalate(t *testing.T) {
	// Judge claims sufficiency over empty evidence; the verdict must not stand.
	web := &fakeRetriever{passages: []retrieval.Passage{{Text: "Found on the web."}}}
	f := newFixture(t,
		&fakeOracle{replies: []string{`{"route": "retrieval"}`}},
		&fakeOracle{replies: []string{`{"sufficient": true, "escalate_to_web": false}`}},
		&fakeOracle{replies: []string{"Web-backed answer."}},
		&fakeRetriever{}, web,
	)

	_, err := f.runner.RunTurn(context.Background(), model.QueryInput{ThreadID: "t1", Query: "obscure question"})
	require.NoError(t, err)
	assert.Equal(t, 1, web.callCount())
}

func TestRetrievalErrorIsCapturedAndEscalates(t *testing.T) {
	kb := &fakeRetriever{err: errors.New("index unreachable")}
	web := &fakeRetriever{passages: []retrieval.Passage{{Text: "Web rescue."}}}
	f := newFixture(t,
		&fakeOracle{replies: []string{`{"route": "retrieval"}`}},
		&fakeOracle{replies: []string{`{"sufficient": true}`}},
		&fakeOracle{replies: []string{"Answer anyway."}},
		kb, web,
	)

	reply, err := f.runner.RunTurn(context.Background(), model.QueryInput{ThreadID: "t1", Query: "q"})
	require.NoError(t, err)
	assert.Equal(t, "Answer anyway.", reply)

	cp := f.checkpoint(t, "t1")
	assert.Contains(t, cp.State.RetrievedContext, "Retrieval Error:")
	assert.Equal(t, 1, web.callCount())
}

func TestRouterOracleFailureFallsOpenToAnswer(t *testing.T) {
	f := newFixture(t,
		&fakeOracle{err: errors.New("oracle down")},
		&fakeOracle{replies: []string{`{"sufficient": true}`}},
		&fakeOracle{replies: []string{"Best effort reply."}},
		&fakeRetriever{}, &fakeRetriever{},
	)

	reply, err := f.runner.RunTurn(context.Background(), model.QueryInput{ThreadID: "t1", Query: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "Best effort reply.", reply)

	cp := f.checkpoint(t, "t1")
	assert.Equal(t, int64(1), cp.Version)
	assert.Len(t, cp.State.Transcript, 2)
	assert.Zero(t, f.kb.callCount())
	assert.Zero(t, f.web.callCount())
}

func TestAllOraclesDownStillCompletesWithApology(t *testing.T) {
	f := newFixture(t,
		&fakeOracle{err: errors.New("oracle down")},
		&fakeOracle{err: errors.New("oracle down")},
		&fakeOracle{err: errors.New("oracle down")},
		&fakeRetriever{}, &fakeRetriever{},
	)

	reply, err := f.runner.RunTurn(context.Background(), model.QueryInput{ThreadID: "t1", Query: "hi"})
	require.NoError(t, err)
	assert.Equal(t, nodes.FallbackReply, reply)

	cp := f.checkpoint(t, "t1")
	assert.Equal(t, int64(1), cp.Version)
	assert.Len(t, cp.State.Transcript, 2)
}

func TestZeroPassagesWithJudgeDownStillReachesWeb(t *testing.T) {
	web := &fakeRetriever{passages: []retrieval.Passage{{Text: "Web evidence."}}}
	f := newFixture(t,
		&fakeOracle{replies: []string{`{"route": "retrieval"}`}},
		&fakeOracle{err: errors.New("judge down")},
		&fakeOracle{replies: []string{"Reply."}},
		&fakeRetriever{}, web,
	)

	_, err := f.runner.RunTurn(context.Background(), model.QueryInput{ThreadID: "t1", Query: "q"})
	require.NoError(t, err)
	assert.Equal(t, 1, web.callCount())
}

func TestRouterMalformedOutputFallsOpenToAnswer(t *testing.T) {
	f := newFixture(t,
		&fakeOracle{replies: []string{`I think you should check the knowledge base!`}},
		&fakeOracle{replies: []string{`{"sufficient": true}`}},
		&fakeOracle{replies: []string{"Reply."}},
		&fakeRetriever{}, &fakeRetriever{},
	)

	_, err := f.runner.RunTurn(context.Background(), model.QueryInput{ThreadID: "t1", Query: "hi"})
	require.NoError(t, err)
	assert.Zero(t, f.kb.callCount())
	assert.Zero(t, f.web.callCount())
}

func TestJudgeOracleFailureEscalatesToWeb(t *testing.T) {
	kb := &fakeRetriever{passages: []retrieval.Passage{{Text: "Some passage."}}}
	web := &fakeRetriever{passages: []retrieval.Passage{{Text: "Web passage."}}}
	f := newFixture(t,
		&fakeOracle{replies: []string{`{"route": "retrieval"}`}},
		&fakeOracle{err: errors.New("judge down")},
		&fakeOracle{replies: []string{"Reply."}},
		kb, web,
	)

	_, err := f.runner.RunTurn(context.Background(), model.QueryInput{ThreadID: "t1", Query: "q"})
	require.NoError(t, err)
	assert.Equal(t, 1, web.callCount())
}

func TestAnswerOracleFailureAppendsFallbackReply(t *testing.T) {
	f := newFixture(t,
		&fakeOracle{replies: []string{`{"route": "answer"}`}},
		&fakeOracle{replies: []string{`{"sufficient": true}`}},
		&fakeOracle{err: errors.New("answer oracle down")},
		&fakeRetriever{}, &fakeRetriever{},
	)

	reply, err := f.runner.RunTurn(context.Background(), model.QueryInput{ThreadID: "t1", Query: "hi"})
	require.NoError(t, err)
	assert.Equal(t, nodes.FallbackReply, reply)

	// The fallback reply still commits as a normal assistant message.
	cp := f.checkpoint(t, "t1")
	require.Len(t, cp.State.Transcript, 2)
	assert.Equal(t, nodes.FallbackReply, cp.State.Transcript[1].Content)
	assert.Equal(t, 2, cp.State.Transcript[1].Ordinal)
}

func TestWebRetrievalFailureStillAnswers(t *testing.T) {
	web := &fakeRetriever{err: errors.New("search API down")}
	f := newFixture(t,
		&fakeOracle{replies: []string{`{"route": "web"}`}},
		&fakeOracle{replies: []string{`{"sufficient": true}`}},
		&fakeOracle{replies: []string{"Answer despite outage."}},
		&fakeRetriever{}, web,
	)

	reply, err := f.runner.RunTurn(context.Background(), model.QueryInput{ThreadID: "t1", Query: "q"})
	require.NoError(t, err)
	assert.Equal(t, "Answer despite outage.", reply)

	cp := f.checkpoint(t, "t1")
	assert.Contains(t, cp.State.WebContext, "Web Error:")
}

func TestSecondTurnContinuesOrdinalsAndResetsScratch(t *testing.T) {
	kb := &fakeRetriever{passages: []retrieval.Passage{{Text: "Passage."}}}
	f := newFixture(t,
		&fakeOracle{replies: []string{`{"route": "retrieval"}`, `{"route": "answer"}`}},
		&fakeOracle{replies: []string{`{"sufficient": true, "escalate_to_web": false}`}},
		&fakeOracle{replies: []string{"First reply.", "Second reply."}},
		kb, &fakeRetriever{},
	)

	ctx := context.Background()
	_, err := f.runner.RunTurn(ctx, model.QueryInput{ThreadID: "t1", Query: "first"})
	require.NoError(t, err)

	cp := f.checkpoint(t, "t1")
	assert.NotEmpty(t, cp.State.RetrievedContext)

	reply, err := f.runner.RunTurn(ctx, model.QueryInput{ThreadID: "t1", Query: "second"})
	require.NoError(t, err)
	assert.Equal(t, "Second reply.", reply)

	cp = f.checkpoint(t, "t1")
	assert.Equal(t, int64(2), cp.Version)
	require.Len(t, cp.State.Transcript, 4)
	for i, msg := range cp.State.Transcript {
		assert.Equal(t, i+1, msg.Ordinal)
	}
	// Earlier messages are untouched by the second turn.
	assert.Equal(t, "first", cp.State.Transcript[0].Content)
	assert.Equal(t, "First reply.", cp.State.Transcript[1].Content)
	// Second turn answered directly, so the first turn's retrieval provenance
	// must have been cleared at turn start.
	assert.Empty(t, cp.State.RetrievedContext)
	assert.Equal(t, model.RouteAnswer, cp.State.Route)
}

func TestThreadsAreIsolated(t *testing.T) {
	f := newFixture(t,
		&fakeOracle{replies: []string{`{"route": "answer"}`}},
		&fakeOracle{replies: []string{`{"sufficient": true}`}},
		&fakeOracle{replies: []string{"Reply A.", "Reply B."}},
		&fakeRetriever{}, &fakeRetriever{},
	)

	ctx := context.Background()
	_, err := f.runner.RunTurn(ctx, model.QueryInput{ThreadID: "a", Query: "for thread a"})
	require.NoError(t, err)
	_, err = f.runner.RunTurn(ctx, model.QueryInput{ThreadID: "b", Query: "for thread b"})
	require.NoError(t, err)

	cpA := f.checkpoint(t, "a")
	cpB := f.checkpoint(t, "b")
	assert.Equal(t, int64(1), cpA.Version)
	assert.Equal(t, int64(1), cpB.Version)
	assert.Equal(t, "for thread a", cpA.State.Transcript[0].Content)
	assert.Equal(t, "for thread b", cpB.State.Transcript[0].Content)
}

// conflictStore rejects every commit with a version conflict.
type conflictStore struct {
	*repo.MemoryCheckpointStore
}

func (s *conflictStore) Commit(ctx context.Context, threadID string, expectedVersion int64, newState *model.ConversationState) (int64, error) {
	return 0, fmt.Errorf("%w: thread %s", errx.ErrVersionConflict, threadID)
}

func TestVersionConflictSurfacesUncommitted(t *testing.T) {
	store := &conflictStore{MemoryCheckpointStore: repo.NewMemoryCheckpointStore()}
	cms := &nodes.ChatModels{
		Router: &fakeOracle{replies: []string{`{"route": "answer"}`}},
		Judge:  &fakeOracle{replies: []string{`{"sufficient": true}`}},
		Answer: &fakeOracle{replies: []string{"Reply."}},
	}

	runner, err := BuildAgentWithModels(context.Background(), cms, Config{
		Conversation: model.ConversationConfig{RetrievalK: 3, WebK: 5},
		KBRetriever:  &fakeRetriever{},
		WebRetriever: &fakeRetriever{},
		Checkpoints:  store,
	})
	require.NoError(t, err)

	_, err = runner.RunTurn(context.Background(), model.QueryInput{ThreadID: "t1", Query: "hi"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errx.ErrVersionConflict))

	// Nothing persisted: the thread still has no checkpoint.
	_, err = store.MemoryCheckpointStore.Load(context.Background(), "t1")
	assert.True(t, errors.Is(err, errx.ErrThreadNotFound))
}

func TestTranscriptForUnknownThreadIsEmpty(t *testing.T) {
	f := newFixture(t,
		&fakeOracle{replies: []string{`{"route": "answer"}`}},
		&fakeOracle{replies: []string{`{"sufficient": true}`}},
		&fakeOracle{replies: []string{"Reply."}},
		&fakeRetriever{}, &fakeRetriever{},
	)

	transcript, err := f.runner.Transcript(context.Background(), "never-seen")
	require.NoError(t, err)
	assert.Empty(t, transcript)
}
