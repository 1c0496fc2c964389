package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/lily-agent/server/internal/agent/graph"
	"github.com/lily-agent/server/internal/agent/graph/nodes"
	"github.com/lily-agent/server/internal/agent/model"
	"github.com/lily-agent/server/internal/agent/repo"
	"github.com/lily-agent/server/internal/agent/retrieval"
	"github.com/lily-agent/server/internal/api"
	"github.com/lily-agent/server/internal/core"
	logx "github.com/lily-agent/server/pkg/logger"
	pkgredis "github.com/lily-agent/server/pkg/redis"
)

// AppConfig defines all configurable parameters for the agent, sourced from
// environment variables (loaded from .env for local runs).
type AppConfig struct {
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	ListenAddr  string `envconfig:"LISTEN_ADDR" default:":8080"`
	ChatMode    string `envconfig:"CHAT_MODE" default:"serve"`

	// Checkpoint backend: memory, redis or sqlite.
	CheckpointBackend string `envconfig:"CHECKPOINT_BACKEND" default:"memory"`
	SQLitePath        string `envconfig:"SQLITE_PATH" default:"checkpoints.db"`

	// LLM provider
	APIKey  string `envconfig:"GEMINI_API_KEY" required:"true"`
	BaseURL string `envconfig:"GEMINI_BASE_URL"`

	// Agent configs
	Router       model.RouterModelConfig
	Judge        model.JudgeModelConfig
	Answer       model.AnswerModelConfig
	Persona      model.PersonaPromptConfig
	Conversation model.ConversationConfig

	// Retrieval backends
	Pinecone retrieval.PineconeConfig
	Tavily   retrieval.TavilyConfig
}

func main() {
	ctx := context.Background()

	if err := godotenv.Load(".env"); err != nil {
		log.Printf("Warning: Could not load .env file: %v", err)
	}

	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatalf("Failed to process environment config: %v", err)
	}

	logx.Init(logx.LoggerOpts{Environment: core.ParseEnvironment(cfg.Environment)})

	store, cleanup, err := buildCheckpointStore(ctx, cfg)
	if err != nil {
		logx.Fatal().Err(err).Str("backend", cfg.CheckpointBackend).Msg("Failed to initialise checkpoint store")
	}
	defer cleanup()

	cms, err := nodes.NewChatModels(ctx, nodes.ChatModelConfig{
		APIKey:       cfg.APIKey,
		BaseURL:      cfg.BaseURL,
		RouterConfig: &cfg.Router,
		JudgeConfig:  &cfg.Judge,
		AnswerConfig: &cfg.Answer,
	})
	if err != nil {
		logx.Fatal().Err(err).Msg("Failed to create chat models")
	}

	var kb retrieval.Retriever
	kb, err = retrieval.NewPinecone(cfg.Pinecone, cms.Client)
	if err != nil {
		logx.Warn().Err(err).Msg("Knowledge-base retriever unavailable, retrieval turns will degrade to web")
		kb = retrieval.Unavailable{Reason: err.Error()}
	}
	web := retrieval.NewTavily(cfg.Tavily)

	runner, err := graph.BuildAgentWithModels(ctx, cms, graph.Config{
		RouterModel:  cfg.Router,
		JudgeModel:   cfg.Judge,
		AnswerModel:  cfg.Answer,
		Persona:      cfg.Persona,
		Conversation: cfg.Conversation,
		KBRetriever:  kb,
		WebRetriever: web,
		Checkpoints:  store,
	})
	if err != nil {
		logx.Fatal().Err(err).Msg("Failed to build agent")
	}

	switch cfg.ChatMode {
	case "cli":
		runCLI(ctx, runner, cfg.Persona.AssistantName)
	default:
		logx.Info().Str("addr", cfg.ListenAddr).Msg("Starting chat API")
		srv := &http.Server{
			Addr:              cfg.ListenAddr,
			Handler:           api.NewServer(runner).Routes(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		if err := srv.ListenAndServe(); err != nil {
			logx.Fatal().Err(err).Msg("Chat API stopped")
		}
	}
}

// buildCheckpointStore selects the checkpoint backend from configuration.
func buildCheckpointStore(ctx context.Context, cfg AppConfig) (model.CheckpointStore, func(), error) {
	noop := func() {}

	switch cfg.CheckpointBackend {
	case "redis":
		var redisCfg pkgredis.Config
		if err := envconfig.Process("redis", &redisCfg); err != nil {
			return nil, noop, fmt.Errorf("redis config: %w", err)
		}
		rdb, err := redisCfg.New(ctx)
		if err != nil {
			return nil, noop, fmt.Errorf("redis client: %w", err)
		}
		ttl, err := time.ParseDuration(cfg.Conversation.TTL)
		if err != nil {
			return nil, noop, fmt.Errorf("invalid CONVERSATION_TTL %q: %w", cfg.Conversation.TTL, err)
		}
		return repo.NewRedisCheckpointStore(rdb, ttl), func() { rdb.Close() }, nil

	case "sqlite":
		store, err := repo.NewSQLiteCheckpointStore(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, noop, err
		}
		return store, func() { store.Close() }, nil

	case "memory", "":
		return repo.NewMemoryCheckpointStore(), noop, nil

	default:
		return nil, noop, fmt.Errorf("unknown checkpoint backend %q", cfg.CheckpointBackend)
	}
}

// runCLI is the interactive chat loop: one thread for the whole session.
func runCLI(ctx context.Context, runner graph.Runner, assistantName string) {
	threadID := "cli-" + uuid.NewString()
	fmt.Printf("Chatting with %s (thread %s). Ctrl-D to exit.\n", assistantName, threadID)

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("You: ")
		if !scanner.Scan() {
			fmt.Println()
			return
		}
		query := strings.TrimSpace(scanner.Text())
		if query == "" {
			continue
		}

		reply, err := runner.RunTurn(ctx, model.QueryInput{ThreadID: threadID, Query: query})
		if err != nil {
			logx.Error().Err(err).Msg("Turn failed")
			fmt.Printf("%s: (something went wrong, please try again)\n", assistantName)
			continue
		}
		fmt.Printf("%s: %s\n", assistantName, reply)
	}
}
