package llm

import (
	"context"
	"fmt"
	"strings"

	"callrouter/internal/config"
	"callrouter/internal/domain"
)

const (
	defaultAnthropicModel = "claude-sonnet-4-5-20250929"
	defaultOpenAIModel    = "gpt-4o-mini"
)

// Request is one caller utterance to classify against a tenant's flow.
type Request struct {
	TenantID string
	CallID   string
	Level    domain.Level
	Text     string
	Hints    []string
	Examples map[string][]string
	// History holds earlier caller turns, oldest first.
	History []string
}

// Result is the classifier's view of the utterance. Confidence is in [0,1].
type Result struct {
	Intent     string
	Confidence float64
	Fields     map[string]string
	Provider   string
	Usage      LLMUsage
}

type LLMUsage struct {
	InputTokens              int64
	OutputTokens             int64
	CacheCreationInputTokens int64
	CacheReadInputTokens     int64
}

func (u LLMUsage) TotalTokens() int64 {
	return u.InputTokens + u.OutputTokens
}

// Classifier scores caller input. Implementations must honour ctx
// cancellation; the routing engine bounds every call with a deadline.
type Classifier interface {
	Name() string
	Classify(ctx context.Context, req Request) (Result, error)
}

// New builds the classifier selected by cfg.ClassifierProvider, wrapped with
// glossary overrides when an intent glossary is configured.
func New(cfg config.Config) (Classifier, error) {
	var base Classifier
	switch strings.ToLower(cfg.ClassifierProvider) {
	case "anthropic":
		model := cfg.LLMModel
		if model == "" {
			model = defaultAnthropicModel
		}
		base = NewAnthropic(cfg.AnthropicAPIKey, model)
	case "openai":
		model := cfg.LLMModel
		if model == "" {
			model = defaultOpenAIModel
		}
		base = NewOpenAI(cfg.OpenAIAPIKey, model)
	case "local", "":
		base = NewLocal(cfg.LocalMinConfidence)
	default:
		return nil, fmt.Errorf("unknown classifier provider %q", cfg.ClassifierProvider)
	}

	if cfg.IntentGlossaryPath == "" {
		return base, nil
	}
	glossary, err := LoadIntentGlossary(cfg.IntentGlossaryPath)
	if err != nil {
		return nil, err
	}
	return WithGlossary(base, glossary), nil
}
