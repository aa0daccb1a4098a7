package brain

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ent0n29/talkinghead/internal/memory"
)

const (
	DefaultSystemPrompt = "You are a friendly talking avatar. Answer conversationally in one to three short sentences that sound natural when spoken aloud."
	DefaultOpenAIModel  = "gpt-3.5-turbo"
	DefaultGeminiModel  = "gemini-2.0-flash"
	DefaultMaxTokens    = 500
	DefaultTemperature  = 0.7
)

// Generator produces one assistant reply from the ordered turn log of a
// session. The last turn is the user message being answered.
type Generator interface {
	Generate(ctx context.Context, history []memory.Turn) (string, error)
}

// Config controls generator construction.
type Config struct {
	Provider     string
	SystemPrompt string
	MaxTokens    int
	Temperature  float64

	OpenAIAPIKey  string
	OpenAIBaseURL string
	OpenAIModel   string

	GeminiAPIKey string
	GeminiModel  string

	HTTPURL string
}

func NewGenerator(ctx context.Context, cfg Config) (Generator, error) {
	cfg = withDefaults(cfg)
	mode := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if mode == "" {
		mode = "auto"
	}

	switch mode {
	case "auto":
		return newAutoGenerator(ctx, cfg), nil
	case "openai":
		return NewOpenAIGenerator(cfg)
	case "gemini":
		return NewGeminiGenerator(ctx, cfg)
	case "http":
		if strings.TrimSpace(cfg.HTTPURL) == "" {
			return nil, errors.New("brain HTTP url is required for http mode")
		}
		return NewHTTPGenerator(cfg.HTTPURL, cfg.SystemPrompt), nil
	case "mock":
		return NewMockGenerator(), nil
	default:
		return nil, fmt.Errorf("unsupported brain provider %q", cfg.Provider)
	}
}

// newAutoGenerator prefers a hosted model when credentials exist and falls
// back to the mock so the pipeline stays usable in development.
func newAutoGenerator(ctx context.Context, cfg Config) Generator {
	if strings.TrimSpace(cfg.OpenAIAPIKey) != "" {
		if g, err := NewOpenAIGenerator(cfg); err == nil {
			return g
		}
	}
	if strings.TrimSpace(cfg.GeminiAPIKey) != "" {
		if g, err := NewGeminiGenerator(ctx, cfg); err == nil {
			return g
		}
	}
	if strings.TrimSpace(cfg.HTTPURL) != "" {
		return NewHTTPGenerator(cfg.HTTPURL, cfg.SystemPrompt)
	}
	return NewMockGenerator()
}

func withDefaults(cfg Config) Config {
	if strings.TrimSpace(cfg.SystemPrompt) == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = DefaultTemperature
	}
	if strings.TrimSpace(cfg.OpenAIModel) == "" {
		cfg.OpenAIModel = DefaultOpenAIModel
	}
	if strings.TrimSpace(cfg.GeminiModel) == "" {
		cfg.GeminiModel = DefaultGeminiModel
	}
	return cfg
}

// lastUserText returns the content of the most recent user turn.
func lastUserText(history []memory.Turn) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == memory.RoleUser {
			return strings.TrimSpace(history[i].Content)
		}
	}
	return ""
}
