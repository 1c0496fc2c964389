package prompts

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"

	"github.com/lily-agent/server/internal/agent/model"
)

//go:embed template/router_prompt.txt
var routerSystemPrompt string

//go:embed template/judge_prompt.txt
var judgeSystemPrompt string

//go:embed template/persona_prompt.txt
var personaSystemPrompt string

// RenderRouterSystem renders the router system prompt via the Eino prompt
// component. This triggers Prompt callbacks and returns the final string.
func RenderRouterSystem(ctx context.Context, persona model.PersonaPromptConfig) (string, error) {
	content := strings.NewReplacer(
		"{assistant_name}", persona.AssistantName,
		"{domain}", persona.Domain,
	).Replace(routerSystemPrompt)
	return renderSystem(ctx, content)
}

// RenderJudgeSystem renders the sufficiency-judge system prompt.
func RenderJudgeSystem(ctx context.Context) (string, error) {
	return renderSystem(ctx, judgeSystemPrompt)
}

// RenderAnswerSystem renders the persona system prompt for the answer node.
func RenderAnswerSystem(ctx context.Context, persona model.PersonaPromptConfig) (string, error) {
	content := strings.NewReplacer(
		"{assistant_name}", persona.AssistantName,
		"{domain}", persona.Domain,
	).Replace(personaSystemPrompt)
	return renderSystem(ctx, content)
}

// BuildJudgeUser composes the judge's user message from the pending query and
// the retrieved passages (or the tagged error/empty notice standing in for
// them).
func BuildJudgeUser(query, retrieved string) string {
	var b strings.Builder
	b.WriteString("Query: ")
	b.WriteString(query)
	b.WriteString("\n\nRetrieved passages:\n")
	if strings.TrimSpace(retrieved) == "" {
		b.WriteString("(no passages were retrieved)")
	} else {
		b.WriteString(retrieved)
	}
	b.WriteString("\n\nIs this enough to answer the query?")
	return b.String()
}

// BuildAnswerUser composes the synthesis instruction: the rendered
// conversation plus any available context sections, omitting empty ones.
func BuildAnswerUser(conversation, retrieved, web string) string {
	var ctxParts []string
	if strings.TrimSpace(retrieved) != "" {
		ctxParts = append(ctxParts, "Retrieved info from knowledge base:\n"+retrieved)
	}
	if strings.TrimSpace(web) != "" {
		ctxParts = append(ctxParts, "Retrieved info from web:\n"+web)
	}

	var b strings.Builder
	b.WriteString("Please answer the user's latest message in the conversation")
	if len(ctxParts) > 0 {
		b.WriteString(" based on the provided context")
	}
	b.WriteString(":\n\nConversation:\n")
	b.WriteString(conversation)
	if len(ctxParts) > 0 {
		b.WriteString("\n\nContext:\n")
		b.WriteString(strings.Join(ctxParts, "\n\n"))
	}
	b.WriteString("\n\nProvide a helpful, accurate, and concise response based on the available information.")
	return b.String()
}

// renderSystem wraps pre-rendered content via the Eino prompt component using
// a messages placeholder, so prompt callbacks fire without FString touching
// literal braces in the template.
func renderSystem(ctx context.Context, content string) (string, error) {
	tpl := prompt.FromMessages(
		schema.FString,
		schema.MessagesPlaceholder("system_messages", false),
	)
	msgs, err := tpl.Format(ctx, map[string]any{
		"system_messages": []*schema.Message{schema.SystemMessage(content)},
	})
	if err != nil {
		return "", fmt.Errorf("prompt callbacks: %w", err)
	}
	if len(msgs) == 0 || msgs[0] == nil {
		return "", fmt.Errorf("prompt callbacks: empty result")
	}
	return msgs[0].Content, nil
}
