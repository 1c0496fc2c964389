package model

import "time"

// ================ Config ================

// RouterModelConfig configures the oracle call that picks the route.
// Low temperature: routing should be as deterministic as the oracle allows.
type RouterModelConfig struct {
	Model       string        `envconfig:"ROUTER_MODEL" default:"gemini-2.5-flash-lite"`
	MaxTokens   int           `envconfig:"ROUTER_MAX_TOKENS" default:"512"`
	Temperature float32       `envconfig:"ROUTER_TEMPERATURE" default:"0"`
	Timeout     time.Duration `envconfig:"ROUTER_TIMEOUT" default:"20s"`
}

// JudgeModelConfig configures the sufficiency-judge oracle call.
type JudgeModelConfig struct {
	Model       string        `envconfig:"JUDGE_MODEL" default:"gemini-2.5-flash-lite"`
	MaxTokens   int           `envconfig:"JUDGE_MAX_TOKENS" default:"512"`
	Temperature float32       `envconfig:"JUDGE_TEMPERATURE" default:"0"`
	Timeout     time.Duration `envconfig:"JUDGE_TIMEOUT" default:"20s"`
}

// AnswerModelConfig configures the final synthesis oracle call.
type AnswerModelConfig struct {
	Model       string        `envconfig:"ANSWER_MODEL" default:"gemini-2.5-flash"`
	MaxTokens   int           `envconfig:"ANSWER_MAX_TOKENS" default:"2000"`
	Temperature float32       `envconfig:"ANSWER_TEMPERATURE" default:"0.7"`
	Timeout     time.Duration `envconfig:"ANSWER_TIMEOUT" default:"45s"`
}

// ConversationConfig holds per-thread policy knobs.
type ConversationConfig struct {
	TTL string `envconfig:"CONVERSATION_TTL" default:"15m"`

	// RouterFullHistory routes on a trimmed rendering of the whole transcript
	// instead of only the latest user message.
	RouterFullHistory bool `envconfig:"ROUTER_FULL_HISTORY" default:"false"`

	// HistoryMaxTurns bounds the transcript rendering handed to the router
	// when RouterFullHistory is set.
	HistoryMaxTurns int `envconfig:"ROUTER_HISTORY_MAX_TURNS" default:"10"`

	// JudgeCorroboration keeps the judge's escalate hint effective even when
	// it found the retrieved passages sufficient.
	JudgeCorroboration bool `envconfig:"JUDGE_CORROBORATION" default:"true"`

	// RetrievalK / WebK are the passage counts requested per retrieval call.
	RetrievalK int `envconfig:"RETRIEVAL_K" default:"3"`
	WebK       int `envconfig:"WEB_RESULTS_K" default:"5"`
}

// PersonaPromptConfig parameterises the answer persona prompt.
type PersonaPromptConfig struct {
	AssistantName string `envconfig:"PROMPT_ASSISTANT_NAME" default:"Lily"`
	Domain        string `envconfig:"PROMPT_DOMAIN" default:"book recommendations"`
}
