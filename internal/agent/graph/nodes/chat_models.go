package nodes

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino-ext/components/model/gemini"
	einomodel "github.com/cloudwego/eino/components/model"
	"google.golang.org/genai"

	"github.com/lily-agent/server/internal/agent/model"
	logx "github.com/lily-agent/server/pkg/logger"
)

// ChatModelConfig holds the configuration for chat model creation
type ChatModelConfig struct {
	APIKey       string
	BaseURL      string
	RouterConfig *model.RouterModelConfig
	JudgeConfig  *model.JudgeModelConfig
	AnswerConfig *model.AnswerModelConfig
}

// ChatModels holds the oracle models for the three decision points. The
// fields are interfaces so tests can substitute deterministic fakes.
type ChatModels struct {
	Router einomodel.BaseChatModel
	Judge  einomodel.BaseChatModel
	Answer einomodel.BaseChatModel

	RouterModelName string
	JudgeModelName  string
	AnswerModelName string

	// Client is the shared Gemini client, reused for query embeddings.
	Client *genai.Client
}

// NewChatModels creates the router, judge and answer chat models with the
// given configuration.
func NewChatModels(ctx context.Context, config ChatModelConfig) (*ChatModels, error) {
	clientCfg := &genai.ClientConfig{
		APIKey:  config.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if config.BaseURL != "" {
		clientCfg.HTTPOptions.BaseURL = config.BaseURL
	}

	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		logx.Error().Err(err).Msg("Error creating Gemini client")
		return nil, fmt.Errorf("error creating Gemini client: %w", err)
	}

	// Decision models run without a thinking budget: routing and judging are
	// cheap structured calls and must stay fast.
	router, err := gemini.NewChatModel(ctx, &gemini.Config{
		Client:      client,
		Model:       config.RouterConfig.Model,
		Temperature: &config.RouterConfig.Temperature,
		MaxTokens:   &config.RouterConfig.MaxTokens,
		ThinkingConfig: &genai.ThinkingConfig{
			ThinkingBudget: genai.Ptr(int32(0)),
		},
	})
	if err != nil {
		logx.Error().Err(err).Msg("Error creating router model")
		return nil, fmt.Errorf("error creating router model: %w", err)
	}

	judge, err := gemini.NewChatModel(ctx, &gemini.Config{
		Client:      client,
		Model:       config.JudgeConfig.Model,
		Temperature: &config.JudgeConfig.Temperature,
		MaxTokens:   &config.JudgeConfig.MaxTokens,
		ThinkingConfig: &genai.ThinkingConfig{
			ThinkingBudget: genai.Ptr(int32(0)),
		},
	})
	if err != nil {
		logx.Error().Err(err).Msg("Error creating judge model")
		return nil, fmt.Errorf("error creating judge model: %w", err)
	}

	answer, err := gemini.NewChatModel(ctx, &gemini.Config{
		Client:      client,
		Model:       config.AnswerConfig.Model,
		Temperature: &config.AnswerConfig.Temperature,
		MaxTokens:   &config.AnswerConfig.MaxTokens,
		ThinkingConfig: &genai.ThinkingConfig{
			IncludeThoughts: true,
			ThinkingBudget:  genai.Ptr(int32(2000)),
		},
	})
	if err != nil {
		logx.Error().Err(err).Msg("Error creating answer model")
		return nil, fmt.Errorf("error creating answer model: %w", err)
	}

	return &ChatModels{
		Router:          router,
		Judge:           judge,
		Answer:          answer,
		RouterModelName: config.RouterConfig.Model,
		JudgeModelName:  config.JudgeConfig.Model,
		AnswerModelName: config.AnswerConfig.Model,
		Client:          client,
	}, nil
}
