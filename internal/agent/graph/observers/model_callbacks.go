package observers

import (
	"context"
	"strings"

	einocb "github.com/cloudwego/eino/callbacks"
	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	callbackHelper "github.com/cloudwego/eino/utils/callbacks"

	"github.com/lily-agent/server/internal/agent/model"
	logx "github.com/lily-agent/server/pkg/logger"
)

// newModelHandler builds a typed ModelCallbackHandler that logs oracle calls
// and their token usage / USD cost.
func newModelHandler() *callbackHelper.ModelCallbackHandler {
	return &callbackHelper.ModelCallbackHandler{
		OnStart: func(ctx context.Context, info *einocb.RunInfo, input *einomodel.CallbackInput) context.Context {
			evt := logx.Debug().Str("component", "oracle").Str("type", info.Type).Str("name", info.Name)
			if input != nil {
				evt = evt.Int("messages", len(input.Messages))
				if um := lastUserContent(input.Messages); um != "" {
					evt = evt.Str("user", um)
				}
			}
			evt.Msg("Oracle call start")
			return ctx
		},
		OnEnd: func(ctx context.Context, info *einocb.RunInfo, output *einomodel.CallbackOutput) context.Context {
			evt := logx.Debug().Str("component", "oracle").Str("type", info.Type).Str("name", info.Name)
			if output != nil && output.Message != nil {
				if content := strings.TrimSpace(output.Message.Content); content != "" {
					evt = evt.Str("assistant", content)
				}
				if model.CostEnabled() && output.TokenUsage != nil {
					usage := &schema.TokenUsage{
						PromptTokens:     output.TokenUsage.PromptTokens,
						CompletionTokens: output.TokenUsage.CompletionTokens,
						TotalTokens:      output.TokenUsage.TotalTokens,
					}
					pricing := model.ResolvePricing(outputModelName(output))
					inC, outC, totalC := model.ComputeCost(usage, pricing)
					evt = evt.
						Int("prompt_tokens", usage.PromptTokens).
						Int("completion_tokens", usage.CompletionTokens).
						Int("total_tokens", usage.TotalTokens).
						Float64("input_cost_usd", inC).
						Float64("output_cost_usd", outC).
						Float64("total_cost_usd", totalC)
				}
			}
			evt.Msg("Oracle call end")
			return ctx
		},
		OnError: func(ctx context.Context, info *einocb.RunInfo, err error) context.Context {
			logx.Warn().Str("component", "oracle").Str("type", info.Type).Str("name", info.Name).
				Err(err).Msg("Oracle call error")
			return ctx
		},
	}
}

func outputModelName(output *einomodel.CallbackOutput) string {
	if output.Config != nil {
		return output.Config.Model
	}
	return ""
}

func lastUserContent(msgs []*schema.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if m == nil {
			continue
		}
		if m.Role == schema.User {
			return strings.TrimSpace(m.Content)
		}
	}
	return ""
}
