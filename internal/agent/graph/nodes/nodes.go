package nodes

import (
	"context"
	"strings"

	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	"github.com/lily-agent/server/internal/agent/graph/conversations"
	"github.com/lily-agent/server/internal/agent/graph/parsers"
	"github.com/lily-agent/server/internal/agent/graph/prompts"
	"github.com/lily-agent/server/internal/agent/model"
	"github.com/lily-agent/server/internal/agent/retrieval"
	logx "github.com/lily-agent/server/pkg/logger"
)

// Node names. These are the graph's state-machine states; the branch tables
// in graph.go reference them.
const (
	NodeRouter           = "router"
	NodeSufficiencyJudge = "sufficiency_judge"
	NodeWebFallback      = "web_fallback"
	NodeAnswer           = "answer"
)

// FallbackReply is appended when the answer oracle fails: an unanswered turn
// is worse than a turn answered with an apology.
const FallbackReply = "I'm sorry, I couldn't put together a proper answer just now. Please try again in a moment."

// NewRouterNode decides which information source the turn needs. On oracle
// failure or malformed output it falls open to the safe default route so the
// turn always produces some reply.
func NewRouterNode(
	cm *ChatModels,
	cb *conversations.ContextBuilder,
	persona model.PersonaPromptConfig,
	cfg model.RouterModelConfig,
) *compose.Lambda {
	return compose.InvokableLambda(func(ctx context.Context, cursor *model.TurnCursor) (*model.TurnCursor, error) {
		systemPrompt, err := prompts.RenderRouterSystem(ctx, persona)
		if err != nil {
			logx.Warn().Err(err).Str("thread_id", cursor.ThreadID).Str("node", NodeRouter).
				Msg("Router prompt render failed, using safe default route")
			cursor.Route = parsers.DefaultRoute()
			return cursor, nil
		}

		out, err := safeGenerate(ctx, cm.Router, cfg.Timeout, []*schema.Message{
			schema.SystemMessage(systemPrompt),
			schema.UserMessage(cb.RouterContext(cursor)),
		})
		if err != nil {
			logx.Warn().Err(err).Str("thread_id", cursor.ThreadID).Str("node", NodeRouter).
				Msg("Router oracle call failed, using safe default route")
			cursor.Route = parsers.DefaultRoute()
			return cursor, nil
		}

		cursor.Route = parsers.RouteOrDefault(out.Content)
		logx.Debug().Str("thread_id", cursor.ThreadID).Str("route", string(cursor.Route)).Msg("Route decided")
		return cursor, nil
	})
}

// NewRouterCondition maps the router's route onto the next node.
func NewRouterCondition() func(context.Context, *model.TurnCursor) (string, error) {
	return func(ctx context.Context, cursor *model.TurnCursor) (string, error) {
		switch cursor.Route {
		case model.RouteRetrieval:
			return NodeSufficiencyJudge, nil
		case model.RouteWeb:
			return NodeWebFallback, nil
		default:
			// RouteAnswer, plus anything unexpected: fail open to answering.
			return NodeAnswer, nil
		}
	}
}

// NewSufficiencyJudgeNode retrieves knowledge-base passages for the pending
// query and asks the oracle whether they suffice. Retrieval failure becomes a
// tagged context, never a turn abort; oracle failure defaults to escalation;
// zero passages always escalate regardless of the verdict.
func NewSufficiencyJudgeNode(
	cm *ChatModels,
	kb retrieval.Retriever,
	cfg model.JudgeModelConfig,
	policy model.ConversationConfig,
) *compose.Lambda {
	return compose.InvokableLambda(func(ctx context.Context, cursor *model.TurnCursor) (*model.TurnCursor, error) {
		passages, retrErr := safeSearch(ctx, kb, cursor.Query, policy.RetrievalK)
		if retrErr != nil {
			logx.Warn().Err(retrErr).Str("thread_id", cursor.ThreadID).Str("node", NodeSufficiencyJudge).
				Msg("Knowledge-base retrieval failed, judging without evidence")
			cursor.RetrievedContext = "Retrieval Error: " + retrErr.Error()
		} else {
			cursor.RetrievedContext = retrieval.JoinPassages(passages)
		}

		verdict := parsers.DefaultVerdict()
		systemPrompt, perr := prompts.RenderJudgeSystem(ctx)
		if perr == nil {
			out, err := safeGenerate(ctx, cm.Judge, cfg.Timeout, []*schema.Message{
				schema.SystemMessage(systemPrompt),
				schema.UserMessage(prompts.BuildJudgeUser(cursor.Query, cursor.RetrievedContext)),
			})
			if err != nil {
				logx.Warn().Err(err).Str("thread_id", cursor.ThreadID).Str("node", NodeSufficiencyJudge).
					Msg("Judge oracle call failed, escalating to web")
			} else {
				verdict = parsers.VerdictOrDefault(out.Content)
			}
		} else {
			logx.Warn().Err(perr).Str("thread_id", cursor.ThreadID).Msg("Judge prompt render failed, escalating to web")
		}

		escalate := !verdict.Sufficient
		if policy.JudgeCorroboration && verdict.EscalateToWeb {
			escalate = true
		}
		// A judge with no evidence never answers directly.
		if retrErr != nil || len(passages) == 0 {
			escalate = true
		}

		if escalate {
			cursor.Route = model.RouteWeb
		} else {
			cursor.Route = model.RouteAnswer
		}
		logx.Debug().Str("thread_id", cursor.ThreadID).
			Bool("sufficient", verdict.Sufficient).
			Bool("escalate_to_web", verdict.EscalateToWeb).
			Str("route", string(cursor.Route)).
			Msg("Sufficiency verdict")
		return cursor, nil
	})
}

// NewJudgeCondition maps the judge's verdict-derived route onto the next node.
func NewJudgeCondition() func(context.Context, *model.TurnCursor) (string, error) {
	return func(ctx context.Context, cursor *model.TurnCursor) (string, error) {
		if cursor.Route == model.RouteWeb {
			return NodeWebFallback, nil
		}
		return NodeAnswer, nil
	}
}

// NewWebFallbackNode runs the web retriever and always writes web context,
// even when empty: "no information found" is a signal of its own. Retrieval
// errors become a textual notice rather than aborting the turn.
func NewWebFallbackNode(web retrieval.Retriever, policy model.ConversationConfig) *compose.Lambda {
	return compose.InvokableLambda(func(ctx context.Context, cursor *model.TurnCursor) (*model.TurnCursor, error) {
		cursor.WebAttempted = true

		results, err := safeSearch(ctx, web, cursor.Query, policy.WebK)
		switch {
		case err != nil:
			logx.Warn().Err(err).Str("thread_id", cursor.ThreadID).Str("node", NodeWebFallback).
				Msg("Web retrieval failed, carrying error notice into context")
			cursor.WebContext = "Web Error: " + err.Error()
		case len(results) == 0:
			cursor.WebContext = "No results found"
		default:
			cursor.WebContext = retrieval.JoinPassages(results)
		}

		cursor.Route = model.RouteAnswer
		return cursor, nil
	})
}

// NewAnswerNode is the sole node permitted to mutate the transcript. It
// composes the synthesis instruction from the conversation and any available
// context, and appends exactly one assistant message; on oracle failure the
// appended message is the fallback apology.
func NewAnswerNode(
	cm *ChatModels,
	cb *conversations.ContextBuilder,
	persona model.PersonaPromptConfig,
	cfg model.AnswerModelConfig,
) *compose.Lambda {
	return compose.InvokableLambda(func(ctx context.Context, cursor *model.TurnCursor) (*model.TurnCursor, error) {
		content := FallbackReply

		systemPrompt, perr := prompts.RenderAnswerSystem(ctx, persona)
		if perr != nil {
			logx.Warn().Err(perr).Str("thread_id", cursor.ThreadID).Msg("Answer prompt render failed, using fallback reply")
		} else {
			userPrompt := prompts.BuildAnswerUser(
				cb.Conversation(cursor.Transcript),
				cursor.RetrievedContext,
				cursor.WebContext,
			)
			out, err := safeGenerate(ctx, cm.Answer, cfg.Timeout, []*schema.Message{
				schema.SystemMessage(systemPrompt),
				schema.UserMessage(userPrompt),
			})
			if err != nil {
				logx.Warn().Err(err).Str("thread_id", cursor.ThreadID).Str("node", NodeAnswer).
					Msg("Answer oracle call failed, appending fallback reply")
			} else if strings.TrimSpace(out.Content) != "" {
				content = out.Content
			}
		}

		ordinal := 1
		if n := len(cursor.Transcript); n > 0 {
			ordinal = cursor.Transcript[n-1].Ordinal + 1
		}
		reply := model.Message{Role: schema.Assistant, Content: content, Ordinal: ordinal}
		cursor.Transcript = append(cursor.Transcript, reply)
		cursor.Reply = &reply

		logx.Debug().Str("thread_id", cursor.ThreadID).Int("ordinal", ordinal).Msg("Assistant reply appended")
		return cursor, nil
	})
}
