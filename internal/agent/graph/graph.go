package graph

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	einocb "github.com/cloudwego/eino/callbacks"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	"github.com/lily-agent/server/internal/agent/graph/conversations"
	"github.com/lily-agent/server/internal/agent/graph/nodes"
	"github.com/lily-agent/server/internal/agent/graph/observers"
	"github.com/lily-agent/server/internal/agent/model"
	"github.com/lily-agent/server/internal/agent/retrieval"
	errx "github.com/lily-agent/server/internal/core/error"
	logx "github.com/lily-agent/server/pkg/logger"
)

// Runner drives one conversation turn to completion: load checkpoint, append
// the user message, execute the graph, commit, return the assistant reply.
type Runner interface {
	RunTurn(ctx context.Context, in model.QueryInput) (string, error)
	Transcript(ctx context.Context, threadID string) ([]model.Message, error)
}

// Config holds everything needed to compose the full turn graph end-to-end.
// This is a convenience layer over GraphConfig that also constructs the
// ChatModels and ContextBuilder.
type Config struct {
	APIKey  string
	BaseURL string

	RouterModel  model.RouterModelConfig
	JudgeModel   model.JudgeModelConfig
	AnswerModel  model.AnswerModelConfig
	Persona      model.PersonaPromptConfig
	Conversation model.ConversationConfig

	KBRetriever  retrieval.Retriever
	WebRetriever retrieval.Retriever
	Checkpoints  model.CheckpointStore
}

// GraphConfig holds all configuration needed to build the graph.
type GraphConfig struct {
	ChatModels     *nodes.ChatModels
	ContextBuilder *conversations.ContextBuilder
	RouterModel    model.RouterModelConfig
	JudgeModel     model.JudgeModelConfig
	AnswerModel    model.AnswerModelConfig
	Persona        model.PersonaPromptConfig
	Conversation   model.ConversationConfig
	KBRetriever    retrieval.Retriever
	WebRetriever   retrieval.Retriever
}

// GraphBuilder handles the construction of the turn graph.
type GraphBuilder struct {
	config *GraphConfig
	graph  *compose.Graph[*model.TurnCursor, *model.TurnCursor]
}

// BuildAgent composes chat models and the context builder, builds the turn
// graph, and returns a Runner bound to the checkpoint store.
func BuildAgent(ctx context.Context, cfg Config) (Runner, error) {
	if cfg.Checkpoints == nil {
		return nil, fmt.Errorf("checkpoint store is nil")
	}
	if cfg.KBRetriever == nil || cfg.WebRetriever == nil {
		return nil, fmt.Errorf("retrievers are not properly initialized")
	}

	cms, err := nodes.NewChatModels(ctx, nodes.ChatModelConfig{
		APIKey:       cfg.APIKey,
		BaseURL:      cfg.BaseURL,
		RouterConfig: &cfg.RouterModel,
		JudgeConfig:  &cfg.JudgeModel,
		AnswerConfig: &cfg.AnswerModel,
	})
	if err != nil {
		return nil, err
	}

	return BuildAgentWithModels(ctx, cms, cfg)
}

// BuildAgentWithModels is BuildAgent with the chat models supplied by the
// caller. Tests use it to inject deterministic oracles.
func BuildAgentWithModels(ctx context.Context, cms *nodes.ChatModels, cfg Config) (Runner, error) {
	if cfg.Checkpoints == nil {
		return nil, fmt.Errorf("checkpoint store is nil")
	}

	runnable, err := BuildGraph(ctx, &GraphConfig{
		ChatModels:     cms,
		ContextBuilder: conversations.NewContextBuilder(cfg.Conversation),
		RouterModel:    cfg.RouterModel,
		JudgeModel:     cfg.JudgeModel,
		AnswerModel:    cfg.AnswerModel,
		Persona:        cfg.Persona,
		Conversation:   cfg.Conversation,
		KBRetriever:    cfg.KBRetriever,
		WebRetriever:   cfg.WebRetriever,
	})
	if err != nil {
		return nil, err
	}

	logx.Debug().Msg("Turn graph built successfully")
	return &turnRunner{
		runnable:  runnable,
		store:     cfg.Checkpoints,
		callbacks: observers.NewAllCallbacks(),
	}, nil
}

// BuildGraph constructs and returns the compiled turn graph.
func BuildGraph(ctx context.Context, config *GraphConfig) (compose.Runnable[*model.TurnCursor, *model.TurnCursor], error) {
	if config == nil {
		return nil, fmt.Errorf("graph config is nil")
	}
	if config.ChatModels == nil || config.ChatModels.Router == nil || config.ChatModels.Judge == nil || config.ChatModels.Answer == nil {
		return nil, fmt.Errorf("chat models are not properly initialized")
	}
	if config.ContextBuilder == nil {
		return nil, fmt.Errorf("context builder is nil")
	}
	if config.KBRetriever == nil || config.WebRetriever == nil {
		return nil, fmt.Errorf("retrievers are not properly initialized")
	}

	builder := &GraphBuilder{
		config: config,
		graph:  compose.NewGraph[*model.TurnCursor, *model.TurnCursor](),
	}

	builder.addNodes()

	if err := builder.addEdges(); err != nil {
		return nil, err
	}
	if err := builder.addBranches(); err != nil {
		return nil, err
	}

	return builder.compile(ctx)
}

// addNodes adds the four decision nodes to the graph.
func (b *GraphBuilder) addNodes() {
	b.graph.AddLambdaNode(nodes.NodeRouter,
		nodes.NewRouterNode(b.config.ChatModels, b.config.ContextBuilder, b.config.Persona, b.config.RouterModel),
	)

	b.graph.AddLambdaNode(nodes.NodeSufficiencyJudge,
		nodes.NewSufficiencyJudgeNode(b.config.ChatModels, b.config.KBRetriever, b.config.JudgeModel, b.config.Conversation),
	)

	b.graph.AddLambdaNode(nodes.NodeWebFallback,
		nodes.NewWebFallbackNode(b.config.WebRetriever, b.config.Conversation),
	)

	b.graph.AddLambdaNode(nodes.NodeAnswer,
		nodes.NewAnswerNode(b.config.ChatModels, b.config.ContextBuilder, b.config.Persona, b.config.AnswerModel),
	)
}

// addEdges creates the unconditional flow connections. The graph is acyclic
// by construction: every path funnels into the answer node exactly once.
func (b *GraphBuilder) addEdges() error {
	edges := [][2]string{
		{compose.START, nodes.NodeRouter},
		{nodes.NodeWebFallback, nodes.NodeAnswer},
		{nodes.NodeAnswer, compose.END},
	}

	for _, edge := range edges {
		if err := b.graph.AddEdge(edge[0], edge[1]); err != nil {
			return fmt.Errorf("error adding edge %s -> %s: %w", edge[0], edge[1], err)
		}
	}
	return nil
}

// addBranches creates the conditional routing branches, declared as data so
// the allowed-next-node sets stay inspectable.
func (b *GraphBuilder) addBranches() error {
	routerBranch := compose.NewGraphBranch(
		nodes.NewRouterCondition(),
		map[string]bool{
			nodes.NodeSufficiencyJudge: true,
			nodes.NodeWebFallback:      true,
			nodes.NodeAnswer:           true,
		},
	)
	if err := b.graph.AddBranch(nodes.NodeRouter, routerBranch); err != nil {
		logx.Error().Err(err).Msg("Error adding router branch")
		return fmt.Errorf("error adding router branch: %w", err)
	}

	judgeBranch := compose.NewGraphBranch(
		nodes.NewJudgeCondition(),
		map[string]bool{
			nodes.NodeWebFallback: true,
			nodes.NodeAnswer:      true,
		},
	)
	if err := b.graph.AddBranch(nodes.NodeSufficiencyJudge, judgeBranch); err != nil {
		logx.Error().Err(err).Msg("Error adding judge branch")
		return fmt.Errorf("error adding judge branch: %w", err)
	}

	return nil
}

// compile finalizes and compiles the graph.
func (b *GraphBuilder) compile(ctx context.Context) (compose.Runnable[*model.TurnCursor, *model.TurnCursor], error) {
	// Four nodes, no cycles; ten steps is generous headroom.
	runnable, err := b.graph.Compile(ctx, compose.WithMaxRunSteps(10))
	if err != nil {
		logx.Error().Err(err).Msg("Error compiling graph")
		return nil, fmt.Errorf("error compiling graph: %w", err)
	}

	logx.Debug().Msg("Graph compiled successfully")
	return runnable, nil
}

// turnRunner owns the checkpoint boundary: nodes never see the store.
type turnRunner struct {
	runnable  compose.Runnable[*model.TurnCursor, *model.TurnCursor]
	store     model.CheckpointStore
	callbacks einocb.Handler
}

// RunTurn executes one turn. A turn either commits fully (assistant message
// appended, version incremented) or leaves the prior checkpoint untouched.
func (r *turnRunner) RunTurn(ctx context.Context, in model.QueryInput) (string, error) {
	cp, err := r.store.Load(ctx, in.ThreadID)
	if err != nil {
		if !errors.Is(err, errx.ErrThreadNotFound) {
			return "", err
		}
		// First turn of a new thread.
		cp = &model.Checkpoint{ThreadID: in.ThreadID, State: model.NewConversationState(), Version: 0}
	}

	state := cp.State.Clone()
	state.ResetScratch()
	userMsg := state.Append(schema.User, in.Query)

	cursor := model.NewTurnCursor(in.ThreadID, in.Query, state.Transcript)
	out, err := r.runnable.Invoke(ctx, cursor, compose.WithCallbacks(r.callbacks))
	if err != nil {
		// Nodes convert their own faults into fallbacks; reaching here means
		// the graph machinery itself failed. Fatal to the turn, nothing is
		// committed.
		logx.Error().Err(err).Str("thread_id", in.ThreadID).Msg("Turn execution failed")
		return "", errx.New(err, http.StatusInternalServerError, errx.SystemErrorMessage)
	}

	if err := validateTurn(out, userMsg); err != nil {
		logx.Error().Err(err).Str("thread_id", in.ThreadID).Msg("Turn invariant violated, refusing to commit")
		return "", errx.New(err, http.StatusInternalServerError, errx.SystemErrorMessage)
	}

	newState := &model.ConversationState{
		Transcript:       out.Transcript,
		Route:            out.Route,
		RetrievedContext: out.RetrievedContext,
		WebContext:       out.WebContext,
	}

	newVersion, err := r.store.Commit(ctx, in.ThreadID, cp.Version, newState)
	if err != nil {
		// VersionConflict included: surfaced uncommitted, caller retries the
		// whole turn against freshly loaded state.
		return "", err
	}

	logx.Debug().Str("thread_id", in.ThreadID).Int64("version", newVersion).
		Int("transcript_len", len(newState.Transcript)).Msg("Turn committed")
	return out.Reply.Content, nil
}

// Transcript returns the persisted transcript for a thread, empty when the
// thread has no checkpoint yet.
func (r *turnRunner) Transcript(ctx context.Context, threadID string) ([]model.Message, error) {
	cp, err := r.store.Load(ctx, threadID)
	if err != nil {
		if errors.Is(err, errx.ErrThreadNotFound) {
			return []model.Message{}, nil
		}
		return nil, err
	}
	return cp.State.Clone().Transcript, nil
}

// validateTurn enforces the end-of-turn invariant before anything is
// persisted: exactly one assistant message appended after the triggering user
// message, with the next ordinal.
func validateTurn(out *model.TurnCursor, userMsg model.Message) error {
	if out == nil || out.Reply == nil {
		return fmt.Errorf("turn produced no assistant reply")
	}
	last := out.Transcript[len(out.Transcript)-1]
	if last.Role != schema.Assistant || last.Ordinal != out.Reply.Ordinal {
		return fmt.Errorf("transcript does not end with the produced reply")
	}
	if out.Reply.Ordinal != userMsg.Ordinal+1 {
		return fmt.Errorf("assistant ordinal %d does not follow user ordinal %d", out.Reply.Ordinal, userMsg.Ordinal)
	}
	return nil
}
